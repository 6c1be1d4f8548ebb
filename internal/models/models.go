package models

import "time"

// SessionRecord is one accepted connection's audit row.
type SessionRecord struct {
	ID          string     `json:"id"`
	RemoteAddr  string     `json:"remote_addr"`
	Engine      string     `json:"engine"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	FramesTotal int64      `json:"frames_total"`
	EndReason   string     `json:"end_reason,omitempty"`
}

// Session end reasons.
const (
	EndReasonDisconnect = "disconnect"
	EndReasonProtocol   = "protocol_error"
	EndReasonConnection = "connection_error"
	EndReasonEngine     = "engine_error"
	EndReasonShutdown   = "shutdown"
	EndReasonPanic      = "panic"
)
