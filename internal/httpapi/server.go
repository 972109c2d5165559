package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"visiontts/internal/config"
	"visiontts/internal/detection"
	"visiontts/internal/detector"
	"visiontts/internal/model"
	"visiontts/internal/speech"
	"visiontts/internal/upstream/gtranslate"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type ModelStatus interface {
	Loaded() bool
	Path() string
	Err() error
}

type DetectionService interface {
	Detect(ctx context.Context, data []byte) (detection.Result, error)
}

type SpeechService interface {
	Synthesize(ctx context.Context, text, lang string) (speech.Audio, error)
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Model          ModelStatus
	Detection      DetectionService
	Speech         SpeechService
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	model        ModelStatus
	detection    DetectionService
	speech       SpeechService
	metrics      MetricsObserver
	metricsRoute http.Handler
	validate     *validator.Validate
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	imageField       = "image"
	serviceStatus    = "ML service running"
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Model == nil || deps.Detection == nil || deps.Speech == nil {
		panic("httpapi: all dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		model:        deps.Model,
		detection:    deps.Detection,
		speech:       deps.Speech,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	// Development-grade CORS: any origin, method and header. Tighten before
	// exposing the service publicly.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions, http.MethodHead},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Options("/detect", s.handleDetectOptions)
	r.Post("/detect", s.handleDetect)
	r.Get("/api/tts", s.handleTTS)

	return r
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	resp := model.StatusResponse{
		Status:      serviceStatus,
		ModelLoaded: s.model.Loaded(),
		ModelPath:   s.model.Path(),
	}
	if !resp.ModelLoaded {
		detail := errorText(s.model.Err())
		resp.ModelError = &detail
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.model.Loaded() {
		s.logger.Warn("health check failed", "request_id", requestIDFromContext(r.Context()), "error", s.model.Err())
		writeJSON(w, http.StatusInternalServerError, model.HealthResponse{
			Status: "error",
			Detail: s.modelUnavailableDetail(),
		})
		return
	}
	writeJSON(w, http.StatusOK, model.HealthResponse{Status: "ok"})
}

func (s *server) handleDetectOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if !s.model.Loaded() {
		s.writeMappedError(w, r, detector.ErrModelUnavailable)
		return
	}

	data, err := s.readMultipartImage(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}

	result, err := s.detection.Detect(r.Context(), data)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	detections := make([]model.Detection, 0, len(result.Regions))
	for _, region := range result.Regions {
		detections = append(detections, model.Detection{
			BBox:  region.BBox,
			Label: region.Label,
			Conf:  region.Confidence,
		})
	}
	writeJSON(w, http.StatusOK, model.DetectResponse{Detections: detections, Image: result.Image})
}

func (s *server) handleTTS(w http.ResponseWriter, r *http.Request) {
	query := model.TTSQuery{
		Text: strings.TrimSpace(r.URL.Query().Get("text")),
		Lang: strings.TrimSpace(r.URL.Query().Get("lang")),
	}
	if err := s.validate.Struct(query); err != nil {
		s.writeError(w, r, http.StatusBadRequest, validationDetail(err))
		return
	}
	if query.Lang == "" {
		query.Lang = speech.DefaultLanguage
	}

	audio, err := s.speech.Synthesize(r.Context(), query.Text, query.Lang)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "audio/mpeg")
	h.Set("Content-Length", strconv.Itoa(len(audio.Data)))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Disposition", `inline; filename="tts.mp3"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

func (s *server) readMultipartImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return nil, err
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile(imageField)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	return io.ReadAll(file)
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		s.writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
	case errors.Is(err, http.ErrMissingFile):
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("multipart field '%s' is required", imageField))
	default:
		s.writeError(w, r, http.StatusBadRequest, "invalid multipart form data")
	}
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var upstreamErr *gtranslate.Error
	switch {
	case errors.Is(err, detection.ErrBadInput), errors.Is(err, speech.ErrBadInput):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, detector.ErrModelUnavailable):
		s.writeError(w, r, http.StatusInternalServerError, s.modelUnavailableDetail())
	case errors.As(err, &upstreamErr):
		s.logger.Warn("tts upstream rejected request",
			"request_id", requestIDFromContext(r.Context()),
			"upstream_status", upstreamErr.StatusCode,
			"upstream_body", upstreamErr.Body,
		)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (s *server) modelUnavailableDetail() string {
	return "Model not loaded: " + errorText(s.model.Err())
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	attrs := []any{
		"request_id", requestIDFromContext(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"detail", detail,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Warn("request rejected", attrs...)
	}
	writeJSON(w, status, model.ErrorResponse{Detail: detail})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid query"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return "Missing " + field
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("invalid %s", field)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
