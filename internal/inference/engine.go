// Package inference is the boundary to the pose model: a fixed-size RGB24
// tensor goes in, 17 keypoints come out.
package inference

import (
	"fmt"
	"log/slog"

	"posestream/internal/models"
)

// Engine runs the pose model on one tensor. An Engine is used by a single
// session and need not be safe for concurrent use.
type Engine interface {
	// Estimate takes a Width x Height x 3 RGB24 tensor.
	Estimate(rgb []byte) (models.Keypoints, error)
	Name() string
	Close() error
}

// Factory creates one engine per session.
type Factory func() (Engine, error)

type Config struct {
	// URL selects the remote engine. Empty means the local centroid engine.
	URL    string
	Width  int
	Height int
}

// NewFactory returns the factory selected by cfg.
func NewFactory(cfg Config, logger *slog.Logger) (Factory, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid model input size %dx%d", cfg.Width, cfg.Height)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		logger.Info("using local centroid engine", "width", cfg.Width, "height", cfg.Height)
		return func() (Engine, error) {
			return NewCentroid(cfg.Width, cfg.Height), nil
		}, nil
	}
	logger.Info("using remote engine", "url", cfg.URL, "width", cfg.Width, "height", cfg.Height)
	return func() (Engine, error) {
		return DialRemote(cfg.URL, cfg.Width, cfg.Height)
	}, nil
}

func checkTensor(rgb []byte, width, height int) error {
	if want := models.FrameSize(width, height, models.EncodingRGB24); len(rgb) != want {
		return fmt.Errorf("tensor has %d bytes, want %d for %dx%d rgb24", len(rgb), want, width, height)
	}
	return nil
}
