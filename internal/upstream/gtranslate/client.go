// Package gtranslate is a client for the Google Translate text-to-speech
// endpoint. Text is split into segments the endpoint accepts and the MP3
// responses are concatenated in order.
package gtranslate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultBaseURL = "https://translate.google.com"

	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	maxAudioBytes    = 8 << 20
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	observer   ObserverFunc
}

type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tts request failed with status %d", e.StatusCode)
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if ua := strings.TrimSpace(userAgent); ua != "" {
			c.userAgent = ua
		}
	}
}

func New(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		userAgent:  defaultUserAgent,
		httpClient: httpClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Synthesize writes MP3 audio for text spoken in lang to w. Segments are
// fetched sequentially; on error w may hold a partial stream.
func (c *Client) Synthesize(ctx context.Context, w io.Writer, text, lang string, slow bool) error {
	segments := Segments(text)
	if len(segments) == 0 {
		return errors.New("no text to speak")
	}

	for i, segment := range segments {
		audio, err := c.fetchSegment(ctx, segment, lang, slow, i, len(segments))
		if err != nil {
			return fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
		if _, err := w.Write(audio); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) fetchSegment(ctx context.Context, segment, lang string, slow bool, idx, total int) ([]byte, error) {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("translate_tts", statusCode, time.Since(started)) }()

	speed := "1"
	if slow {
		speed = "0.3"
	}
	query := url.Values{}
	query.Set("ie", "UTF-8")
	query.Set("client", "tw-ob")
	query.Set("tl", lang)
	query.Set("q", segment)
	query.Set("total", strconv.Itoa(total))
	query.Set("idx", strconv.Itoa(idx))
	query.Set("textlen", strconv.Itoa(utf8.RuneCountInString(segment)))
	query.Set("ttsspeed", speed)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/translate_tts?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Accept", "audio/mpeg, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	if len(body) == 0 {
		return nil, errors.New("empty audio response")
	}
	return body, nil
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 1024 {
		return s
	}
	return s[:1024] + "..."
}
