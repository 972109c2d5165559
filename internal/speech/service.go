package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTextLength   = 500
	DefaultLanguage = "en"
)

var ErrBadInput = errors.New("bad input")

// languages maps accepted request codes to engine codes. Cebuano has no
// engine voice and is read with the English one.
var languages = map[string]string{
	"en":  "en",
	"tl":  "tl",
	"ceb": "en",
}

type Synthesizer interface {
	Synthesize(ctx context.Context, w io.Writer, text, lang string, slow bool) error
}

type ObserverFunc func(lang, outcome string, duration time.Duration)

type Audio struct {
	Data     []byte
	Language string
}

type Service struct {
	synthesizer Synthesizer
	timeout     time.Duration
	observer    ObserverFunc
}

func New(synthesizer Synthesizer, timeout time.Duration, observer ObserverFunc) *Service {
	return &Service{
		synthesizer: synthesizer,
		timeout:     timeout,
		observer:    observer,
	}
}

// ResolveLanguage maps a request language code to the engine code, falling
// back to DefaultLanguage for anything unknown.
func ResolveLanguage(lang string) string {
	if code, ok := languages[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return code
	}
	return DefaultLanguage
}

func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: missing text", ErrBadInput)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return "", fmt.Errorf("%w: text is %d characters, limit is %d", ErrBadInput, n, MaxTextLength)
	}
	return text, nil
}

// Synthesize renders text as MP3 audio. Every call hits the engine; nothing
// is cached.
func (s *Service) Synthesize(ctx context.Context, text, lang string) (Audio, error) {
	text, err := ValidateText(text)
	if err != nil {
		return Audio{}, err
	}
	code := ResolveLanguage(lang)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	var buf bytes.Buffer
	err = s.synthesizer.Synthesize(ctx, &buf, text, code, false)
	if err == nil && buf.Len() == 0 {
		err = errors.New("engine produced no audio")
	}
	if err != nil {
		s.observe(code, "error", time.Since(started))
		return Audio{}, fmt.Errorf("TTS failed: %w", err)
	}
	s.observe(code, "ok", time.Since(started))

	return Audio{Data: buf.Bytes(), Language: code}, nil
}

func (s *Service) observe(lang, outcome string, duration time.Duration) {
	if s.observer != nil {
		s.observer(lang, outcome, duration)
	}
}
