package render

import (
	"log/slog"

	"posestream/internal/models"
)

// Log writes the projected keypoints of every Nth frame to a logger.
type Log struct {
	log   *slog.Logger
	every int
	n     int
}

func NewLog(logger *slog.Logger, every int) *Log {
	if every < 1 {
		every = 1
	}
	return &Log{log: logger, every: every}
}

func (l *Log) Render(frame models.Frame, k models.Keypoints, threshold float32) error {
	l.n++
	if (l.n-1)%l.every != 0 {
		return nil
	}
	pts := Project(frame.Width, frame.Height, &k, threshold)
	attrs := make([]any, 0, 2*len(pts)+6)
	attrs = append(attrs, "timestamp", frame.Timestamp, "visible", len(pts), "frame", l.n)
	for _, p := range pts {
		attrs = append(attrs, p.Name, [2]int{p.X, p.Y})
	}
	l.log.Info("keypoints", attrs...)
	return nil
}
