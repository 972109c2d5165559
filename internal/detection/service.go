package detection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"visiontts/internal/detector"
	"visiontts/internal/imagecodec"
)

var ErrBadInput = errors.New("bad input")

type ModelHandle interface {
	Detector() (detector.Detector, error)
}

type ObserverFunc func(outcome string, regions int, duration time.Duration)

type Region struct {
	BBox       [4]float64
	Label      string
	Confidence float64
}

type Result struct {
	Regions []Region
	// Image is the annotated JPEG, base64 encoded.
	Image string
}

type Service struct {
	model    ModelHandle
	observer ObserverFunc
}

func New(model ModelHandle, observer ObserverFunc) *Service {
	return &Service{model: model, observer: observer}
}

// Detect decodes data, runs the model and returns every detected region with
// a resolved label, plus the annotated image. It fails with
// detector.ErrModelUnavailable before touching data if no model is loaded.
func (s *Service) Detect(ctx context.Context, data []byte) (Result, error) {
	det, err := s.model.Detector()
	if err != nil {
		s.observe("unavailable", 0, 0)
		return Result{}, err
	}

	started := time.Now()
	result, err := s.run(ctx, det, data)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrBadInput):
		outcome = "bad_input"
	case err != nil:
		outcome = "error"
	}
	s.observe(outcome, len(result.Regions), time.Since(started))
	return result, err
}

func (s *Service) run(ctx context.Context, det detector.Detector, data []byte) (Result, error) {
	img, _, err := imagecodec.Decode(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	out, err := det.Detect(img)
	if err != nil {
		return Result{}, fmt.Errorf("detect failed: %w", err)
	}
	if out.Annotated == nil {
		out.Annotated = img
	}

	encoded, err := imagecodec.EncodeJPEG(out.Annotated)
	if err != nil {
		return Result{}, fmt.Errorf("detect failed: %w", err)
	}

	adapterNames := det.Names()
	regions := make([]Region, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, Region{
			BBox:       r.Box,
			Label:      ResolveLabel(r.ClassID, out.Names, adapterNames),
			Confidence: r.Confidence,
		})
	}

	return Result{Regions: regions, Image: imagecodec.Base64(encoded)}, nil
}

// ResolveLabel looks classID up in the per-call mapping, then the
// adapter-wide mapping, and falls back to the id itself.
func ResolveLabel(classID int, perCall, adapter map[int]string) string {
	if name, ok := perCall[classID]; ok && name != "" {
		return name
	}
	if name, ok := adapter[classID]; ok && name != "" {
		return name
	}
	return strconv.Itoa(classID)
}

func (s *Service) observe(outcome string, regions int, duration time.Duration) {
	if s.observer != nil {
		s.observer(outcome, regions, duration)
	}
}
