package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"visiontts/internal/config"
	"visiontts/internal/detection"
	"visiontts/internal/detector"
	"visiontts/internal/model"
	"visiontts/internal/speech"
)

type stubModel struct {
	loaded bool
	path   string
	err    error
}

func (s stubModel) Loaded() bool { return s.loaded }

func (s stubModel) Path() string { return s.path }

func (s stubModel) Err() error { return s.err }

type stubDetector struct {
	output detector.Output
	err    error
	calls  int
}

func (s *stubDetector) Detect(image.Image) (detector.Output, error) {
	s.calls++
	return s.output, s.err
}

func (s *stubDetector) Names() map[int]string {
	return map[int]string{0: "person", 1: "bicycle"}
}

func (s *stubDetector) Close() error { return nil }

type stubHandle struct {
	det detector.Detector
	err error
}

func (s stubHandle) Detector() (detector.Detector, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.det, nil
}

type stubSynthesizer struct {
	audio string
	err   error
	calls int
	text  string
	lang  string
}

func (s *stubSynthesizer) Synthesize(_ context.Context, w io.Writer, text, lang string, _ bool) error {
	s.calls++
	s.text, s.lang = text, lang
	if s.err != nil {
		return s.err
	}
	_, err := io.WriteString(w, s.audio)
	return err
}

type recordingMetrics struct{ routes []string }

func (m *recordingMetrics) ObserveHTTP(route, method string, _ int, _ time.Duration) {
	m.routes = append(m.routes, method+" "+route)
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	cfg := config.Config{MaxUploadBytes: 1024 * 1024}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if deps.Model == nil {
		deps.Model = stubModel{loaded: true, path: "/models/best.onnx"}
	}
	if deps.Detection == nil {
		deps.Detection = detection.New(stubHandle{det: &stubDetector{}}, nil)
	}
	if deps.Speech == nil {
		deps.Speech = speech.New(&stubSynthesizer{audio: "ID3"}, 0, nil)
	}
	return NewServer(cfg, logger, deps)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 40), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, "upload.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = part.Write(data)
	} else {
		_ = mw.WriteField("note", "no image here")
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Detail
}

func TestRootReportsLoadedModel(t *testing.T) {
	h := newTestHandler(t, Dependencies{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["status"] != "ML service running" || raw["model_loaded"] != true || raw["model_path"] != "/models/best.onnx" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if v, ok := raw["model_error"]; !ok || v != nil {
		t.Fatalf("expected model_error null, got %v", v)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

func TestRootReportsLoadFailure(t *testing.T) {
	h := newTestHandler(t, Dependencies{
		Model: stubModel{path: "/models/missing.onnx", err: errors.New("file not found")},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp model.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ModelLoaded || resp.ModelError == nil || *resp.ModelError != "file not found" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(t, Dependencies{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthy response: %d %s", rec.Code, rec.Body.String())
	}

	h := newTestHandler(t, Dependencies{Model: stubModel{err: errors.New("bad weights")}})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp model.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "error" || resp.Detail != "Model not loaded: bad weights" {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestDetectOptionsReturnsNoContent(t *testing.T) {
	h := newTestHandler(t, Dependencies{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/detect", nil))
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 204, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflightOnEveryRoute(t *testing.T) {
	h := newTestHandler(t, Dependencies{})

	preflights := map[string]string{
		"/detect":  http.MethodPost,
		"/api/tts": http.MethodGet,
		"/":        http.MethodGet,
		"/health":  http.MethodGet,
	}
	for path, method := range preflights {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", method)
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code < 200 || rec.Code > 299 {
			t.Fatalf("%s: expected 2xx preflight, got %d %s", path, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("%s: expected wildcard allow-origin, got %q", path, rec.Header().Get("Access-Control-Allow-Origin"))
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Fatalf("%s: expected allow-methods header", path)
		}
	}
}

func TestDetectSuccess(t *testing.T) {
	det := &stubDetector{output: detector.Output{
		Regions: []detector.Region{
			{Box: [4]float64{1, 1, 5, 4}, ClassID: 0, Confidence: 0.91},
			{Box: [4]float64{0, 0, 2, 2}, ClassID: 7, Confidence: 0.55},
		},
	}}
	h := newTestHandler(t, Dependencies{Detection: detection.New(stubHandle{det: det}, nil)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "image", pngBytes(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp model.DetectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(resp.Detections))
	}
	if resp.Detections[0].Label != "person" || resp.Detections[0].Conf != 0.91 || resp.Detections[0].BBox != [4]float64{1, 1, 5, 4} {
		t.Fatalf("unexpected first detection: %+v", resp.Detections[0])
	}
	if resp.Detections[1].Label != "7" {
		t.Fatalf("expected stringified id for unknown class, got %q", resp.Detections[1].Label)
	}
	if resp.Image == "" {
		t.Fatal("expected annotated image")
	}
}

func TestDetectEmptyResultIsArray(t *testing.T) {
	h := newTestHandler(t, Dependencies{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "image", pngBytes(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"detections":[]`) {
		t.Fatalf("expected empty detections array, got %s", rec.Body.String())
	}
}

func TestDetectBadRequests(t *testing.T) {
	det := &stubDetector{}
	h := newTestHandler(t, Dependencies{Detection: detection.New(stubHandle{det: det}, nil)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "", nil))
	if rec.Code != http.StatusBadRequest || !strings.Contains(decodeDetail(t, rec), "image") {
		t.Fatalf("expected 400 for missing field, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "image", []byte("definitely not an image")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for undecodable image, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", rec.Code)
	}

	if det.calls != 0 {
		t.Fatalf("detector should not run for bad input, ran %d times", det.calls)
	}
}

func TestDetectRejectsOversizeUpload(t *testing.T) {
	h := newTestHandler(t, Dependencies{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "image", bytes.Repeat([]byte{0xff}, 2*1024*1024)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

type countingDetection struct{ calls int }

func (c *countingDetection) Detect(context.Context, []byte) (detection.Result, error) {
	c.calls++
	return detection.Result{}, nil
}

func TestDetectModelUnavailable(t *testing.T) {
	svc := &countingDetection{}
	h := newTestHandler(t, Dependencies{
		Model:     stubModel{err: errors.New("no such file")},
		Detection: svc,
	})

	malformed := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader("--broken"))
	malformed.Header.Set("Content-Type", "multipart/form-data; boundary=nope")
	requests := map[string]*http.Request{
		"upload":         multipartRequest(t, "image", []byte("not even looked at")),
		"missing field":  multipartRequest(t, "", nil),
		"malformed body": malformed,
	}
	for name, req := range requests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", name, rec.Code)
		}
		if got := decodeDetail(t, rec); got != "Model not loaded: no such file" {
			t.Fatalf("%s: unexpected detail: %q", name, got)
		}
	}
	if svc.calls != 0 {
		t.Fatalf("detection should not run without a model, ran %d times", svc.calls)
	}
}

func TestDetectAdapterFailure(t *testing.T) {
	det := &stubDetector{err: errors.New("session exploded")}
	h := newTestHandler(t, Dependencies{Detection: detection.New(stubHandle{det: det}, nil)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "image", pngBytes(t)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decodeDetail(t, rec); got != "detect failed: session exploded" {
		t.Fatalf("unexpected detail: %q", got)
	}
}

func ttsRequest(text, lang string) *http.Request {
	q := url.Values{}
	q.Set("text", text)
	if lang != "" {
		q.Set("lang", lang)
	}
	return httptest.NewRequest(http.MethodGet, "/api/tts?"+q.Encode(), nil)
}

func TestTTSReturnsAudio(t *testing.T) {
	synth := &stubSynthesizer{audio: "ID3-audio"}
	h := newTestHandler(t, Dependencies{Speech: speech.New(synth, 0, nil)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, ttsRequest("Magandang umaga", "tl"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("unexpected content type: %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing cache headers: %v", rec.Header())
	}
	if rec.Header().Get("Content-Disposition") != `inline; filename="tts.mp3"` {
		t.Fatalf("unexpected disposition: %q", rec.Header().Get("Content-Disposition"))
	}
	if rec.Body.String() != "ID3-audio" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if synth.lang != "tl" || synth.text != "Magandang umaga" {
		t.Fatalf("unexpected engine call: %q %q", synth.lang, synth.text)
	}
}

func TestTTSLanguageFallbacks(t *testing.T) {
	for _, lang := range []string{"ceb", "", "xx", "xxxxxxxxxxxxxxxxx", strings.Repeat("fil-PH", 20)} {
		synth := &stubSynthesizer{audio: "mp3"}
		h := newTestHandler(t, Dependencies{Speech: speech.New(synth, 0, nil)})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, ttsRequest("Maayong buntag", lang))
		if rec.Code != http.StatusOK {
			t.Fatalf("lang %q: expected 200, got %d", lang, rec.Code)
		}
		if synth.lang != "en" {
			t.Fatalf("lang %q: expected English engine, got %q", lang, synth.lang)
		}
	}
}

func TestTTSRejectsBadText(t *testing.T) {
	synth := &stubSynthesizer{audio: "mp3"}
	h := newTestHandler(t, Dependencies{Speech: speech.New(synth, 0, nil)})

	cases := map[string]string{
		"empty":      "",
		"whitespace": "   \t ",
		"too long":   strings.Repeat("a", 501),
	}
	for name, text := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, ttsRequest(text, "en"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
		if decodeDetail(t, rec) == "" {
			t.Fatalf("%s: expected a detail message", name)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tts", nil))
	if rec.Code != http.StatusBadRequest || decodeDetail(t, rec) != "Missing text" {
		t.Fatalf("expected Missing text, got %d %s", rec.Code, rec.Body.String())
	}

	if synth.calls != 0 {
		t.Fatalf("engine should not be called, was called %d times", synth.calls)
	}
}

func TestTTSEngineFailure(t *testing.T) {
	synth := &stubSynthesizer{err: errors.New("upstream unreachable")}
	h := newTestHandler(t, Dependencies{Speech: speech.New(synth, 0, nil)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, ttsRequest("Hello", "en"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decodeDetail(t, rec); got != "TTS failed: upstream unreachable" {
		t.Fatalf("unexpected detail: %q", got)
	}
}

func TestCORSAndUnknownRoutes(t *testing.T) {
	metrics := &recordingMetrics{}
	h := newTestHandler(t, Dependencies{Metrics: metrics})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://example.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound || decodeDetail(t, rec) == "" {
		t.Fatalf("expected 404 with detail, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/detect", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	if len(metrics.routes) != 3 || metrics.routes[0] != "GET /" {
		t.Fatalf("unexpected observed routes: %v", metrics.routes)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := newTestHandler(t, Dependencies{Detection: panickingDetection{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "image", pngBytes(t)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

type panickingDetection struct{}

func (panickingDetection) Detect(context.Context, []byte) (detection.Result, error) {
	panic("boom")
}
