package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPort        = "5000"
	DefaultGRPCPort    = "8008"
	DefaultModelPath   = "model.onnx"
	DefaultDriveURL    = "https://drive.usercontent.google.com/download"
	DefaultMaxUploadMB = 16

	// GRPCDisabled turns the gRPC health server off when used as GRPC_PORT.
	GRPCDisabled = "off"
)

// Config holds everything the service reads from the environment.
type Config struct {
	Port     string
	GRPCPort string

	ModelID         string
	ModelPath       string
	DriveURL        string
	DownloadRetries int
	DownloadTimeout time.Duration

	InputName   string
	OutputName  string
	InputLayout string
	OrtLibPath  string

	UploadDir   string
	MaxUploadMB int
	ReadTimeout time.Duration

	LogLevel  log.Level
	SentryDSN string
}

// Load reads a .env file if one is present and builds a Config from the
// process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("[Config] No .env file loaded: ", err.Error())
	}

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		GRPCPort:    getEnv("GRPC_PORT", DefaultGRPCPort),
		ModelID:     os.Getenv("MODEL_ID"),
		ModelPath:   getEnv("MODEL_PATH", DefaultModelPath),
		DriveURL:    getEnv("MODEL_DOWNLOAD_URL", DefaultDriveURL),
		InputName:   os.Getenv("MODEL_INPUT_NAME"),
		OutputName:  os.Getenv("MODEL_OUTPUT_NAME"),
		InputLayout: strings.ToUpper(getEnv("MODEL_INPUT_LAYOUT", "NHWC")),
		OrtLibPath:  os.Getenv("ONNXRUNTIME_LIB"),
		UploadDir:   getEnv("UPLOAD_DIR", os.TempDir()),
		SentryDSN:   os.Getenv("SENTRY_DSN"),
	}

	var err error
	if cfg.DownloadRetries, err = getInt("MODEL_DOWNLOAD_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.DownloadRetries < 0 {
		return nil, fmt.Errorf("MODEL_DOWNLOAD_RETRIES must not be negative, got %d", cfg.DownloadRetries)
	}
	if cfg.DownloadTimeout, err = getDuration("MODEL_DOWNLOAD_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxUploadMB, err = getInt("MAX_UPLOAD_MB", DefaultMaxUploadMB); err != nil {
		return nil, err
	}
	if cfg.MaxUploadMB <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", cfg.MaxUploadMB)
	}
	if cfg.ReadTimeout, err = getDuration("HTTP_READ_TIMEOUT", 0); err != nil {
		return nil, err
	}

	if cfg.InputLayout != "NHWC" && cfg.InputLayout != "NCHW" {
		return nil, fmt.Errorf("MODEL_INPUT_LAYOUT must be NHWC or NCHW, got %q", cfg.InputLayout)
	}

	if cfg.LogLevel, err = log.ParseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// GRPCEnabled reports whether the gRPC health server should be started.
func (c *Config) GRPCEnabled() bool {
	return c.GRPCPort != "" && !strings.EqualFold(c.GRPCPort, GRPCDisabled)
}

// BodyLimit is the maximum accepted request body in bytes.
func (c *Config) BodyLimit() int {
	return c.MaxUploadMB << 20
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
