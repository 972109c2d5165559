package detector

import (
	"errors"
	"fmt"
)

var ErrModelUnavailable = errors.New("model not loaded")

type Opener func(path string) (Detector, error)

// Handle holds the detector loaded at startup, or the reason it could not be
// loaded. It is never reloaded.
type Handle struct {
	path     string
	detector Detector
	err      error
}

func LoadHandle(path string, open Opener) *Handle {
	h := &Handle{path: path}
	if open == nil {
		h.err = errors.New("no model opener configured")
		return h
	}
	det, err := open(path)
	if err == nil && det == nil {
		err = errors.New("model opener returned no detector")
	}
	if err != nil {
		h.err = err
		return h
	}
	h.detector = det
	return h
}

func (h *Handle) Loaded() bool {
	return h != nil && h.detector != nil
}

func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Err is the recorded load failure, nil when the model loaded.
func (h *Handle) Err() error {
	if h == nil {
		return ErrModelUnavailable
	}
	return h.err
}

func (h *Handle) Detector() (Detector, error) {
	if !h.Loaded() {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, h.Err())
	}
	return h.detector, nil
}

func (h *Handle) Close() error {
	if !h.Loaded() {
		return nil
	}
	return h.detector.Close()
}
