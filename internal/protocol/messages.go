package protocol

import "time"

// ForegroundEvent reports an OS foreground-application change observed
// by the host integration layer.
type ForegroundEvent struct {
	App       string    `json:"app"`
	Surfaces  []string  `json:"surfaces,omitempty"` // visible UI element identifiers / content hints
	Timestamp time.Time `json:"timestamp"`
}

// StopSignal requests explicit termination of a client's session.
type StopSignal struct {
	App       string    `json:"app"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStarted is broadcast when a capture-and-animate session begins.
type SessionStarted struct {
	SessionID string    `json:"session_id"`
	App       string    `json:"app"`
	Style     string    `json:"style"`
	Tier      string    `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEnded is broadcast when a session stops. Reason is empty for a
// clean stop and carries the resource error otherwise.
type SessionEnded struct {
	SessionID string    `json:"session_id"`
	App       string    `json:"app"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FrameTelemetry is the optional per-frame latency record. Publishing is
// fire-and-forget; no consumer is required.
type FrameTelemetry struct {
	SessionID   string    `json:"session_id"`
	Seq         uint64    `json:"seq"`
	ExtractMS   float64   `json:"extract_ms"`
	SynthesisMS float64   `json:"synthesis_ms"`
	TotalMS     float64   `json:"total_ms"`
	Tier        string    `json:"tier"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectForegroundChange = "fg.app.change"
	SubjectForegroundStop   = "fg.app.stop"
	SubjectSessionStarted   = "avatar.session.started"
	SubjectSessionEnded     = "avatar.session.ended"
	SubjectFrameTelemetry   = "avatar.telemetry.frame"
)
