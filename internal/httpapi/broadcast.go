package httpapi

import (
	"sync"

	"github.com/solovoice/solo/internal/conversation"
	"github.com/solovoice/solo/internal/protocol"
	"github.com/solovoice/solo/internal/tasks"
)

// hub fans outbound messages out to every connected websocket. Sends never
// block: a client that cannot keep up loses messages rather than stalling
// the conversation.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.outbound)
}

// broadcast returns true if at least one client accepted the message.
func (h *hub) broadcast(msg any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := false
	for c := range h.clients {
		select {
		case c.outbound <- msg:
			delivered = true
		default:
		}
	}
	return delivered
}

// BroadcastStateEvent converts a conversation event to wire messages and
// fans it out. Wired as the machine's notify callback; it must not call back
// into the machine.
func (s *Server) BroadcastStateEvent(ev conversation.StateEvent) {
	switch ev.Kind {
	case conversation.EventModeChanged, conversation.EventMuteChanged, conversation.EventBargeIn:
		s.hub.broadcast(protocol.ConversationState{
			Type:   protocol.TypeConversationState,
			Mode:   string(ev.State.Mode),
			Muted:  ev.State.Muted,
			Active: ev.State.Active,
		})
	case conversation.EventInterim:
		s.hub.broadcast(protocol.TranscriptPartial{
			Type: protocol.TypeTranscriptPartial,
			Text: ev.Text,
		})
	case conversation.EventCommitted:
		s.hub.broadcast(protocol.TranscriptCommitted{
			Type: protocol.TypeTranscriptCommitted,
			Text: ev.Text,
		})
	case conversation.EventReply:
		s.hub.broadcast(protocol.AssistantReply{
			Type: protocol.TypeAssistantReply,
			Text: ev.Text,
		})
	case conversation.EventInterrupted:
		s.hub.broadcast(protocol.SystemEvent{
			Type: protocol.TypeSystemEvent,
			Code: "interrupted",
		})
	case conversation.EventApproval:
		s.hub.broadcast(protocol.SystemEvent{
			Type:   protocol.TypeSystemEvent,
			Code:   "approval_command",
			Detail: ev.Text,
		})
	case conversation.EventError:
		s.hub.broadcast(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      ev.Code,
			Source:    "conversation",
			Retryable: ev.Code != "capture_denied",
			Detail:    ev.Text,
		})
	}
}

// BroadcastAssistantPartial pushes incremental reply text from a streaming
// chat turn.
func (s *Server) BroadcastAssistantPartial(text string) {
	s.hub.broadcast(protocol.AssistantPartial{
		Type: protocol.TypeAssistantPartial,
		Text: text,
	})
}

// BroadcastTaskUpdate converts a session manager update to a wire message.
// Wired as the manager's notify callback.
func (s *Server) BroadcastTaskUpdate(u tasks.Update) {
	msg := protocol.TaskEvent{
		Type:      protocol.TypeTaskEvent,
		Event:     string(u.Kind),
		SessionID: u.Session.ID,
		Status:    string(u.Session.Status),
		Title:     u.Session.Title,
		Prompt:    u.Session.Prompt,
		Active:    u.ActiveID == u.Session.ID,
	}
	if u.Kind == tasks.UpdateApproval {
		msg.Prompt = u.Session.PendingApproval
	}
	if u.Line != nil {
		msg.LineKind = u.Line.Kind
		msg.Line = u.Line.Text
	}
	s.hub.broadcast(msg)
}
