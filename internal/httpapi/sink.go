package httpapi

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/google/uuid"

	"github.com/solovoice/solo/internal/protocol"
	"github.com/solovoice/solo/internal/speech"
)

// RemoteSink plays clips on the connected browser: audio goes out as a
// base64 websocket message, the browser reports playback completion back.
// With no browser connected, playback is refused as blocked so the speech
// layer queues the clip.
type RemoteSink struct {
	send func(msg any) bool

	mu      sync.Mutex
	handles map[string]*remoteHandle
}

func NewRemoteSink(send func(msg any) bool) *RemoteSink {
	return &RemoteSink{
		send:    send,
		handles: make(map[string]*remoteHandle),
	}
}

type remoteHandle struct {
	id   string
	sink *RemoteSink
	once sync.Once
	done chan struct{}
}

func (h *remoteHandle) Done() <-chan struct{} { return h.done }

func (h *remoteHandle) SetGain(gain float64) error {
	h.sink.send(protocol.PlaybackGain{
		Type:       protocol.TypePlaybackGain,
		PlaybackID: h.id,
		Gain:       gain,
	})
	return nil
}

func (h *remoteHandle) Stop() {
	h.once.Do(func() {
		h.sink.send(protocol.PlaybackStop{
			Type:       protocol.TypePlaybackStop,
			PlaybackID: h.id,
		})
		h.sink.remove(h.id)
		close(h.done)
	})
}

func (h *remoteHandle) finish() {
	h.once.Do(func() {
		h.sink.remove(h.id)
		close(h.done)
	})
}

func (s *RemoteSink) Play(_ context.Context, clip speech.Clip) (speech.Handle, error) {
	h := &remoteHandle{
		id:   uuid.NewString(),
		sink: s,
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	ok := s.send(protocol.AssistantAudio{
		Type:        protocol.TypeAssistantAudio,
		PlaybackID:  h.id,
		Format:      clip.Format,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Data),
	})
	if !ok {
		s.remove(h.id)
		return nil, speech.ErrPlaybackBlocked
	}
	return h, nil
}

func (s *RemoteSink) remove(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// PlaybackDone is called when the browser reports a playback finished.
func (s *RemoteSink) PlaybackDone(id string) {
	s.mu.Lock()
	h := s.handles[id]
	s.mu.Unlock()
	if h != nil {
		h.finish()
	}
}

// PlaybackBlocked is called when the browser's autoplay policy refused the
// clip. The handle resolves so the conversation moves on; the clip itself is
// gone, but a gesture retries anything the speech layer queued afterwards.
func (s *RemoteSink) PlaybackBlocked(id string) {
	s.mu.Lock()
	h := s.handles[id]
	s.mu.Unlock()
	if h != nil {
		h.finish()
	}
}
