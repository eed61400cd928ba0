// Package conversation owns the voice turn-taking state machine: the single
// writer of conversation state, the silence/commit debounce, and the barge-in
// and interruption policy.
package conversation

// Mode is the exclusive conversation mode. Muted is an orthogonal flag layered
// on top and never changes the mode by itself.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeListening  Mode = "listening"
	ModeProcessing Mode = "processing"
	ModeSpeaking   Mode = "speaking"
)

// Turn is one conversation history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is a read-only view of the machine state for observers.
type Snapshot struct {
	Mode    Mode   `json:"mode"`
	Muted   bool   `json:"muted"`
	Active  bool   `json:"active"`
	Interim string `json:"interim,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// EventKind tags state-change notifications delivered to observers.
type EventKind string

const (
	EventModeChanged EventKind = "mode_changed"
	EventMuteChanged EventKind = "mute_changed"
	EventInterim     EventKind = "interim"
	EventCommitted   EventKind = "committed"
	EventReply       EventKind = "reply"
	EventBargeIn     EventKind = "barge_in"
	EventInterrupted EventKind = "interrupted"
	EventApproval    EventKind = "approval"
	EventError       EventKind = "error"
)

// StateEvent is what observers receive. Observers are read-only consumers and
// must not call back into the machine from the notify callback.
type StateEvent struct {
	Kind  EventKind
	State Snapshot
	Text  string
	Code  string
}

func appendTurn(history []Turn, limit int, turn Turn) []Turn {
	history = append(history, turn)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
