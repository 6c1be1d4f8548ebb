package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"posestream/internal/models"
	"posestream/internal/protocol"
)

// DefaultAddr is where the server listens and the client connects when
// nothing else is configured.
const DefaultAddr = "127.0.0.1:10026"

type Config struct {
	Mode        string
	BindAddr    string
	ConnectAddr string
	GRPCPort    string
	HTTPPort    string

	DeviceIndex     int
	Source          string
	CaptureWidth    int
	CaptureHeight   int
	CaptureFPS      int
	CaptureBuffers  int
	CaptureEncoding string
	WireWidth       int
	WireHeight      int
	Mirror          bool

	ModelWidth          int
	ModelHeight         int
	InferenceURL        string
	ConfidenceThreshold float64
	MaxMessageSizeMB    int

	StatusPasswordHash string
	DatabaseURL        string
	ViewerAddr         string

	LogLevel    string
	Environment string
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

// Limits is the wire protocol allocation cap derived from MaxMessageSizeMB.
func (c *Config) Limits() protocol.Limits {
	return protocol.LimitsWithPayloadMB(c.MaxMessageSizeMB)
}

// DatabaseURLForLog hides the password of DatabaseURL.
func (c *Config) DatabaseURLForLog() string {
	at := strings.LastIndex(c.DatabaseURL, "@")
	scheme := strings.Index(c.DatabaseURL, "://")
	if at < 0 || scheme < 0 {
		return c.DatabaseURL
	}
	creds := c.DatabaseURL[scheme+3 : at]
	if user, _, ok := strings.Cut(creds, ":"); ok {
		return c.DatabaseURL[:scheme+3] + user + ":***" + c.DatabaseURL[at:]
	}
	return c.DatabaseURL
}

// LoadConfig reads .env if present, then the process environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	return fromEnv()
}

func fromEnv() *Config {
	return &Config{
		Mode:        getEnv("MODE", "server"),
		BindAddr:    getEnv("BIND_ADDR", DefaultAddr),
		ConnectAddr: getEnv("CONNECT_ADDR", DefaultAddr),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),
		HTTPPort:    getEnv("HTTP_PORT", "8081"),

		DeviceIndex:     getEnvInt("DEVICE_INDEX", 0),
		Source:          getEnv("SOURCE", "camera"),
		CaptureWidth:    getEnvInt("CAPTURE_WIDTH", 192),
		CaptureHeight:   getEnvInt("CAPTURE_HEIGHT", 192),
		CaptureFPS:      getEnvInt("CAPTURE_FPS", 30),
		CaptureBuffers:  getEnvInt("CAPTURE_BUFFERS", 4),
		CaptureEncoding: getEnv("CAPTURE_ENCODING", "yuv422"),
		WireWidth:       getEnvInt("WIRE_WIDTH", 0),
		WireHeight:      getEnvInt("WIRE_HEIGHT", 0),
		Mirror:          getEnvBool("MIRROR", false),

		ModelWidth:          getEnvInt("MODEL_WIDTH", 192),
		ModelHeight:         getEnvInt("MODEL_HEIGHT", 192),
		InferenceURL:        getEnv("INFERENCE_URL", ""),
		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 0.25),
		MaxMessageSizeMB:    getEnvInt("MAX_MESSAGE_SIZE_MB", 50),

		StatusPasswordHash: getEnv("STATUS_PASSWORD_HASH", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		ViewerAddr:         getEnv("VIEWER_ADDR", ""),

		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		Environment: getEnv("ENVIRONMENT", "production"),
	}
}

// Validate reports every impossible setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Mode == "server" || c.Mode == "client", "MODE must be server or client, got %q", c.Mode)
	check(c.Source == "camera" || c.Source == "pattern", "SOURCE must be camera or pattern, got %q", c.Source)
	check(c.DeviceIndex >= 0, "DEVICE_INDEX must not be negative")
	check(c.CaptureWidth > 0 && c.CaptureHeight > 0, "capture size %dx%d must be positive", c.CaptureWidth, c.CaptureHeight)
	check(c.CaptureWidth%2 == 0, "CAPTURE_WIDTH %d must be even for yuv422", c.CaptureWidth)
	check(c.CaptureFPS > 0, "CAPTURE_FPS must be positive")
	check(c.CaptureBuffers > 0, "CAPTURE_BUFFERS must be positive")
	if _, err := models.ParseEncoding(c.CaptureEncoding); err != nil {
		errs = append(errs, fmt.Errorf("CAPTURE_ENCODING: %w", err))
	}
	check(c.Source != "pattern" || c.CaptureEncoding == "yuv422" || c.CaptureEncoding == "yuyv",
		"SOURCE pattern only produces yuv422, CAPTURE_ENCODING is %q", c.CaptureEncoding)
	check((c.WireWidth == 0) == (c.WireHeight == 0), "WIRE_WIDTH and WIRE_HEIGHT must be set together")
	check(c.WireWidth >= 0 && c.WireHeight >= 0, "wire size %dx%d must not be negative", c.WireWidth, c.WireHeight)
	check(c.WireWidth%2 == 0, "WIRE_WIDTH %d must be even for yuv422", c.WireWidth)
	check(c.WireWidth == c.WireHeight, "wire size %dx%d must be square like the model input", c.WireWidth, c.WireHeight)
	check(c.ModelWidth > 0 && c.ModelHeight > 0, "model size %dx%d must be positive", c.ModelWidth, c.ModelHeight)
	check(c.ModelWidth%2 == 0, "MODEL_WIDTH %d must be even for yuv422", c.ModelWidth)
	check(c.ModelWidth == c.ModelHeight, "model size %dx%d must be square", c.ModelWidth, c.ModelHeight)
	check(c.ConfidenceThreshold >= 0 && c.ConfidenceThreshold <= 1, "CONFIDENCE_THRESHOLD %v must be within [0, 1]", c.ConfidenceThreshold)
	check(c.MaxMessageSizeMB > 0, "MAX_MESSAGE_SIZE_MB must be positive")
	return errors.Join(errs...)
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
