// Package tasks manages background task sessions: each one a remote
// execution tracked over a server-push stream, independent of the voice
// conversation, multiplexed onto a single visible active session.
package tasks

import "time"

// Status is a session's nested lifecycle state.
type Status string

const (
	StatusConnecting       Status = "connecting"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusComplete         Status = "complete"
	StatusError            Status = "error"
)

// Open reports whether the session still owns a live stream.
func (s Status) Open() bool {
	return s == StatusConnecting || s == StatusRunning || s == StatusAwaitingApproval
}

// LogLine is one entry in a session's bounded output log.
type LogLine struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

const (
	LineOutput  = "output"
	LineSummary = "summary"
	LineError   = "error"
	LineStatus  = "status"
)

// Session is a point-in-time snapshot of one background task session.
type Session struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Prompt          string    `json:"prompt"`
	Project         string    `json:"project,omitempty"`
	Status          Status    `json:"status"`
	RemoteSessionID string    `json:"remote_session_id,omitempty"`
	PendingApproval string    `json:"pending_approval,omitempty"`
	OutputLog       []LogLine `json:"output_log"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s Session) Clone() Session {
	out := s
	if s.OutputLog != nil {
		out.OutputLog = make([]LogLine, len(s.OutputLog))
		copy(out.OutputLog, s.OutputLog)
	}
	return out
}

// StreamEventType tags events arriving on a session's push stream.
type StreamEventType string

const (
	StreamSessionStart   StreamEventType = "session_start"
	StreamOutput         StreamEventType = "output"
	StreamSummary        StreamEventType = "summary"
	StreamApprovalNeeded StreamEventType = "approval_needed"
	StreamComplete       StreamEventType = "complete"
	StreamError          StreamEventType = "error"
)

// StreamEvent is the tagged union decoded from the wire. Only the fields for
// the tagged type are populated.
type StreamEvent struct {
	Type StreamEventType

	// StreamSessionStart
	RemoteSessionID string

	// StreamOutput
	LineKind string
	Line     string

	// StreamSummary
	Summary string

	// StreamApprovalNeeded / StreamError
	Message string

	// StreamComplete
	Success bool
}
