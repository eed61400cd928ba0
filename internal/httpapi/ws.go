package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solovoice/solo/internal/capture"
	"github.com/solovoice/solo/internal/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 120 * time.Second
	maxMessageSize = 2 << 20
	outboundDepth  = 256
)

type wsClient struct {
	conn     *websocket.Conn
	outbound chan any
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.machine == nil || s.feed == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "conversation runtime not attached")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		outbound: make(chan any, outboundDepth),
	}
	s.hub.add(client)
	defer func() {
		s.hub.remove(client)
		conn.Close()
	}()

	go s.writeLoop(client)
	s.sendInitialState(client)
	s.readLoop(client)
}

// sendInitialState pushes the current conversation and task picture so a
// freshly connected browser can render without waiting for the next event.
func (s *Server) sendInitialState(client *wsClient) {
	snap := s.machine.Snapshot()
	client.enqueue(protocol.ConversationState{
		Type:   protocol.TypeConversationState,
		Mode:   string(snap.Mode),
		Muted:  snap.Muted,
		Active: snap.Active,
	})
	if s.taskMgr == nil {
		return
	}
	activeID := ""
	if active, ok := s.taskMgr.Active(); ok {
		activeID = active.ID
	}
	for _, sess := range s.taskMgr.Sessions() {
		client.enqueue(protocol.TaskEvent{
			Type:      protocol.TypeTaskEvent,
			Event:     "snapshot",
			SessionID: sess.ID,
			Status:    string(sess.Status),
			Title:     sess.Title,
			Prompt:    sess.Prompt,
			Active:    sess.ID == activeID,
		})
	}
}

func (c *wsClient) enqueue(msg any) {
	select {
	case c.outbound <- msg:
	default:
	}
}

func (s *Server) writeLoop(client *wsClient) {
	for msg := range client.outbound {
		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(client *wsClient) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("httpapi: websocket read: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			client.enqueue(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "bad_message",
				Source: "client",
				Detail: err.Error(),
			})
			continue
		}
		s.dispatchClientMessage(client, msg)
	}
}

func (s *Server) dispatchClientMessage(client *wsClient, msg any) {
	switch m := msg.(type) {
	case protocol.ClientSegment:
		s.feed.Push(capture.Event{Kind: capture.EventSegment, Text: m.Text, Final: m.IsFinal})
	case protocol.ClientControl:
		s.dispatchControl(client, m)
	}
}

func (s *Server) dispatchControl(client *wsClient, ctl protocol.ClientControl) {
	switch ctl.Action {
	case protocol.ActionToggle:
		if err := s.machine.ToggleActive(); err != nil {
			client.enqueue(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "toggle_failed",
				Source: "conversation",
				Detail: err.Error(),
			})
		}
	case protocol.ActionMute:
		s.machine.SetMuted(true)
	case protocol.ActionUnmute:
		s.machine.SetMuted(false)
	case protocol.ActionGesture:
		// Any user gesture unlocks autoplay; replay whatever got queued.
		s.machine.ReplayPending()
	case protocol.ActionPlaybackDone:
		s.sink.PlaybackDone(ctl.PlaybackID)
	case protocol.ActionPlaybackBlocked:
		s.sink.PlaybackBlocked(ctl.PlaybackID)
	case protocol.ActionCaptureReady:
		s.feed.Push(capture.Event{Kind: capture.EventReady})
	case protocol.ActionCaptureEnded:
		s.feed.Push(capture.Event{Kind: capture.EventEnded})
	case protocol.ActionCaptureError:
		s.feed.Push(capture.Event{Kind: capture.EventError, Code: ctl.Code})
	default:
		client.enqueue(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "unknown_action",
			Source: "client",
			Detail: "unsupported control action: " + ctl.Action,
		})
	}
}
