package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const DefaultModelFile = "best.onnx"

type Config struct {
	ListenAddr      string
	ModelPath       string
	ModelLabelsPath string
	ONNXRuntimeLib  string
	ONNXThreads     int
	TTSBaseURL      string
	TTSTimeout      time.Duration
	MaxUploadBytes  int64
	LogLevel        string
}

type envConfig struct {
	Port              string `env:"PORT" envDefault:"8000"`
	ListenAddr        string `env:"LISTEN_ADDR"`
	ModelPath         string `env:"MODEL_PATH"`
	ModelLabelsPath   string `env:"MODEL_LABELS_PATH"`
	ONNXRuntimeLib    string `env:"ONNXRUNTIME_LIB"`
	ONNXThreads       int    `env:"ONNX_INTRA_OP_THREADS" envDefault:"0"`
	TTSBaseURL        string `env:"TTS_BASE_URL" envDefault:"https://translate.google.com"`
	TTSTimeoutSeconds int    `env:"TTS_TIMEOUT_SECONDS" envDefault:"20"`
	MaxUploadBytes    int64  `env:"MAX_UPLOAD_BYTES" envDefault:"20971520"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set in the environment win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := fromEnv(raw)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromEnv(raw envConfig) Config {
	listenAddr := strings.TrimSpace(raw.ListenAddr)
	if listenAddr == "" {
		listenAddr = ":" + strings.TrimSpace(raw.Port)
	}
	modelPath := strings.TrimSpace(raw.ModelPath)
	if modelPath == "" {
		modelPath = defaultModelPath()
	}

	return Config{
		ListenAddr:      listenAddr,
		ModelPath:       modelPath,
		ModelLabelsPath: strings.TrimSpace(raw.ModelLabelsPath),
		ONNXRuntimeLib:  strings.TrimSpace(raw.ONNXRuntimeLib),
		ONNXThreads:     raw.ONNXThreads,
		TTSBaseURL:      strings.TrimRight(strings.TrimSpace(raw.TTSBaseURL), "/"),
		TTSTimeout:      time.Duration(raw.TTSTimeoutSeconds) * time.Second,
		MaxUploadBytes:  raw.MaxUploadBytes,
		LogLevel:        strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}
}

// defaultModelPath places the model next to the executable, falling back to
// the working directory when the executable path is unknown.
func defaultModelPath() string {
	exe, err := os.Executable()
	if err != nil {
		return DefaultModelFile
	}
	return filepath.Join(filepath.Dir(exe), DefaultModelFile)
}

func (c Config) Validate() error {
	if c.ListenAddr == "" || c.ListenAddr == ":" {
		return errors.New("PORT or LISTEN_ADDR must not be empty")
	}
	if c.ModelPath == "" {
		return errors.New("MODEL_PATH must not be empty")
	}
	if c.ONNXThreads < 0 {
		return errors.New("ONNX_INTRA_OP_THREADS must be >= 0")
	}
	if c.TTSBaseURL == "" {
		return errors.New("TTS_BASE_URL must not be empty")
	}
	if c.TTSTimeout <= 0 {
		return errors.New("TTS_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	return nil
}
