package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSegment       MessageType = "client_segment"
	TypeClientControl       MessageType = "client_control"
	TypeConversationState   MessageType = "conversation_state"
	TypeTranscriptPartial   MessageType = "transcript_partial"
	TypeTranscriptCommitted MessageType = "transcript_committed"
	TypeAssistantReply      MessageType = "assistant_reply"
	TypeAssistantPartial    MessageType = "assistant_partial"
	TypeAssistantAudio      MessageType = "assistant_audio"
	TypePlaybackGain        MessageType = "playback_gain"
	TypePlaybackStop        MessageType = "playback_stop"
	TypeTaskEvent           MessageType = "task_event"
	TypeSystemEvent         MessageType = "system_event"
	TypeErrorEvent          MessageType = "error_event"
)

// Client control actions accepted over the websocket.
const (
	ActionToggle          = "toggle"
	ActionMute            = "mute"
	ActionUnmute          = "unmute"
	ActionGesture         = "gesture"
	ActionPlaybackDone    = "playback_done"
	ActionPlaybackBlocked = "playback_blocked"
	ActionCaptureReady    = "capture_ready"
	ActionCaptureEnded    = "capture_ended"
	ActionCaptureError    = "capture_error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientSegment carries one speech-recognition result from the browser.
// Final segments are cumulative appends; interim segments overwrite each other.
type ClientSegment struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
	TSMs    int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type       MessageType `json:"type"`
	Action     string      `json:"action"`
	Code       string      `json:"code,omitempty"`
	PlaybackID string      `json:"playback_id,omitempty"`
}

type ConversationState struct {
	Type   MessageType `json:"type"`
	Mode   string      `json:"mode"`
	Muted  bool        `json:"muted"`
	Active bool        `json:"active"`
}

type TranscriptPartial struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TranscriptCommitted struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type AssistantReply struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// AssistantPartial carries incremental reply text while a streaming chat turn
// is in flight. The full text always follows as an AssistantReply.
type AssistantPartial struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type AssistantAudio struct {
	Type        MessageType `json:"type"`
	PlaybackID  string      `json:"playback_id"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type PlaybackGain struct {
	Type       MessageType `json:"type"`
	PlaybackID string      `json:"playback_id"`
	Gain       float64     `json:"gain"`
}

type PlaybackStop struct {
	Type       MessageType `json:"type"`
	PlaybackID string      `json:"playback_id"`
}

type TaskEvent struct {
	Type      MessageType `json:"type"`
	Event     string      `json:"event"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status,omitempty"`
	Title     string      `json:"title,omitempty"`
	LineKind  string      `json:"line_kind,omitempty"`
	Line      string      `json:"line,omitempty"`
	Prompt    string      `json:"prompt,omitempty"`
	Active    bool        `json:"active,omitempty"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSegment:
		var msg ClientSegment
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" && msg.IsFinal {
			return nil, errors.New("invalid client_segment: empty final text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control: missing action")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
