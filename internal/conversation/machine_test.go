package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solovoice/solo/internal/capture"
)

type mockPlayback struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	faded   bool
	stopped bool
}

func newMockPlayback() *mockPlayback {
	return &mockPlayback{done: make(chan struct{})}
}

func (p *mockPlayback) Done() <-chan struct{} { return p.done }

func (p *mockPlayback) finish() { p.once.Do(func() { close(p.done) }) }

func (p *mockPlayback) FadeOutAndStop() {
	p.mu.Lock()
	p.faded = true
	p.mu.Unlock()
	p.finish()
}

func (p *mockPlayback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.finish()
}

func (p *mockPlayback) Faded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faded
}

type mockSpeaker struct {
	mu    sync.Mutex
	texts []string
	last  *mockPlayback
	err   error
}

func (s *mockSpeaker) Speak(_ context.Context, text string) (Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.texts = append(s.texts, text)
	s.last = newMockPlayback()
	return s.last, nil
}

func (s *mockSpeaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

func (s *mockSpeaker) Last() *mockPlayback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type mockChat struct {
	mu    sync.Mutex
	reply string
	err   error
	gate  chan struct{}
	calls []string
}

func (c *mockChat) Respond(_ context.Context, message string, _ []Turn) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, message)
	gate, reply, err := c.gate, c.reply, c.err
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return reply, err
}

func (c *mockChat) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

type mockGate struct {
	mu        sync.Mutex
	awaiting  bool
	decisions []bool
}

func (g *mockGate) AwaitingApproval() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.awaiting
}

func (g *mockGate) Decide(_ context.Context, approved bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisions = append(g.decisions, approved)
	g.awaiting = false
	return nil
}

func (g *mockGate) Decisions() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]bool, len(g.decisions))
	copy(out, g.decisions)
	return out
}

func newTestMachine(t *testing.T) (*Machine, *capture.MockRecognizer, *mockChat, *mockSpeaker, *mockGate) {
	t.Helper()
	rec := capture.NewMockRecognizer()
	chat := &mockChat{reply: "sure thing"}
	spk := &mockSpeaker{}
	gate := &mockGate{}
	m := NewMachine(context.Background(), Config{
		SilenceWindow:   30 * time.Millisecond,
		MinCommitRunes:  2,
		PostSpeechDelay: 10 * time.Millisecond,
		RestartBackoff:  10 * time.Millisecond,
	}, rec, chat, spk, gate, nil, nil)
	return m, rec, chat, spk, gate
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func driveToSpeaking(t *testing.T, m *Machine, rec *capture.MockRecognizer, spk *mockSpeaker) *mockPlayback {
	t.Helper()
	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "turn on the lights", Final: true})
	waitUntil(t, func() bool { return m.Snapshot().Mode == ModeSpeaking }, "speaking mode")
	pb := spk.Last()
	if pb == nil {
		t.Fatal("no playback handle after reaching speaking mode")
	}
	return pb
}

func TestToggleActivatesAndDeactivates(t *testing.T) {
	m, rec, _, _, _ := newTestMachine(t)

	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	snap := m.Snapshot()
	if !snap.Active || snap.Mode != ModeListening {
		t.Fatalf("after activation: active=%v mode=%q, want true/%q", snap.Active, snap.Mode, ModeListening)
	}
	if !rec.Held() {
		t.Fatal("capture not acquired after activation")
	}

	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	snap = m.Snapshot()
	if snap.Active || snap.Mode != ModeIdle {
		t.Fatalf("after deactivation: active=%v mode=%q, want false/%q", snap.Active, snap.Mode, ModeIdle)
	}
	if rec.Held() {
		t.Fatal("capture still held after deactivation")
	}
}

func TestPermissionDenialLeavesMachineInactive(t *testing.T) {
	m, rec, _, _, _ := newTestMachine(t)
	rec.FailNextStart(capture.ErrPermissionDenied)

	err := m.ToggleActive()
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("ToggleActive() = %v, want ErrPermissionDenied", err)
	}
	if snap := m.Snapshot(); snap.Active {
		t.Fatal("machine stayed active after permission denial")
	}
}

func TestCommitRunsFullTurn(t *testing.T) {
	m, rec, chat, spk, _ := newTestMachine(t)
	pb := driveToSpeaking(t, m, rec, spk)

	if calls := chat.Calls(); len(calls) != 1 || calls[0] != "turn on the lights" {
		t.Fatalf("chat calls = %v, want exactly the committed utterance", calls)
	}
	if texts := spk.Texts(); len(texts) != 1 || texts[0] != "sure thing" {
		t.Fatalf("spoken texts = %v, want the chat reply", texts)
	}

	pb.finish()
	waitUntil(t, func() bool { return m.Snapshot().Mode == ModeListening }, "return to listening")

	hist := m.History()
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Fatalf("history = %+v, want one user turn and one assistant turn", hist)
	}
	if !rec.Held() {
		t.Fatal("capture not re-acquired after the turn ended")
	}
}

func TestShortUtteranceNeverCommits(t *testing.T) {
	m, rec, chat, _, _ := newTestMachine(t)
	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "a", Final: true})

	time.Sleep(100 * time.Millisecond)
	if calls := chat.Calls(); len(calls) != 0 {
		t.Fatalf("chat calls = %v, want none for a sub-minimum utterance", calls)
	}
}

func TestMuteStopsCaptureWithoutTouchingPlayback(t *testing.T) {
	m, rec, _, spk, _ := newTestMachine(t)
	pb := driveToSpeaking(t, m, rec, spk)

	m.SetMuted(true)
	snap := m.Snapshot()
	if snap.Mode != ModeSpeaking || !snap.Muted {
		t.Fatalf("after mute: mode=%q muted=%v, want %q/true", snap.Mode, snap.Muted, ModeSpeaking)
	}
	if rec.Held() {
		t.Fatal("capture still held while muted")
	}
	if pb.Faded() {
		t.Fatal("mute must not disturb in-flight playback")
	}

	m.SetMuted(false)
	pb.finish()
	waitUntil(t, func() bool {
		return m.Snapshot().Mode == ModeListening && rec.Held()
	}, "listening with capture after unmute")
}

func TestMutedSegmentsAreIgnored(t *testing.T) {
	m, rec, chat, _, _ := newTestMachine(t)
	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	m.SetMuted(true)
	// A segment already buffered when mute landed must not commit.
	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "still talking", Final: true})

	time.Sleep(100 * time.Millisecond)
	if calls := chat.Calls(); len(calls) != 0 {
		t.Fatalf("chat calls = %v, want none while muted", calls)
	}
}

func TestBargeInFadesPlaybackAndKeepsSegment(t *testing.T) {
	m, rec, chat, spk, _ := newTestMachine(t)
	pb := driveToSpeaking(t, m, rec, spk)

	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "actually make them blue", Final: true})
	waitUntil(t, pb.Faded, "playback fade")
	waitUntil(t, func() bool { return m.Snapshot().Mode == ModeListening }, "listening after barge-in")

	waitUntil(t, func() bool { return len(chat.Calls()) == 2 }, "second chat turn")
	if calls := chat.Calls(); calls[1] != "actually make them blue" {
		t.Fatalf("second turn = %q, want the barge-in utterance", calls[1])
	}
}

func TestInterruptWordDiscardsUtterance(t *testing.T) {
	m, rec, chat, spk, _ := newTestMachine(t)
	pb := driveToSpeaking(t, m, rec, spk)

	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "stop", Final: true})
	waitUntil(t, pb.Faded, "playback fade")
	waitUntil(t, func() bool { return m.Snapshot().Mode == ModeListening }, "listening after interrupt")

	time.Sleep(100 * time.Millisecond)
	if calls := chat.Calls(); len(calls) != 1 {
		t.Fatalf("chat calls = %v, want interrupt word never committed", calls)
	}
	if pending := m.Snapshot().Pending; pending != "" {
		t.Fatalf("pending = %q, want empty after interrupt", pending)
	}
}

func TestToggleWhileSpeakingInterruptsInsteadOfDeactivating(t *testing.T) {
	m, rec, _, spk, _ := newTestMachine(t)
	pb := driveToSpeaking(t, m, rec, spk)

	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	waitUntil(t, pb.Faded, "playback fade")
	snap := m.Snapshot()
	if !snap.Active || snap.Mode != ModeListening {
		t.Fatalf("after toggle while speaking: active=%v mode=%q, want true/%q", snap.Active, snap.Mode, ModeListening)
	}
}

func TestStaleChatReplyIsDropped(t *testing.T) {
	m, rec, chat, spk, _ := newTestMachine(t)
	chat.gate = make(chan struct{})

	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "tell me a story", Final: true})
	waitUntil(t, func() bool { return len(chat.Calls()) == 1 }, "chat request")

	// Voice mode goes off while the reply is still in flight.
	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	close(chat.gate)

	time.Sleep(100 * time.Millisecond)
	if texts := spk.Texts(); len(texts) != 0 {
		t.Fatalf("spoken texts = %v, want stale reply never spoken", texts)
	}
	if hist := m.History(); len(hist) != 0 {
		t.Fatalf("history = %+v, want empty after deactivation", hist)
	}
}

func TestChatErrorReturnsToListening(t *testing.T) {
	m, rec, chat, spk, _ := newTestMachine(t)
	chat.err = errors.New("backend down")

	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "hello there", Final: true})
	waitUntil(t, func() bool { return len(chat.Calls()) == 1 }, "chat request")
	waitUntil(t, func() bool {
		snap := m.Snapshot()
		return snap.Mode == ModeListening && snap.Active
	}, "listening after chat failure")

	if texts := spk.Texts(); len(texts) != 0 {
		t.Fatalf("spoken texts = %v, want none after chat failure", texts)
	}
	if hist := m.History(); len(hist) != 0 {
		t.Fatalf("history = %+v, want failed turn excluded", hist)
	}
}

func TestApprovalKeywordConsumedNotForwarded(t *testing.T) {
	m, rec, chat, _, gate := newTestMachine(t)
	gate.awaiting = true

	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "yes", Final: true})
	waitUntil(t, func() bool { return len(gate.Decisions()) == 1 }, "approval decision")

	if decisions := gate.Decisions(); !decisions[0] {
		t.Fatalf("decision = %v, want approved", decisions[0])
	}
	time.Sleep(100 * time.Millisecond)
	if calls := chat.Calls(); len(calls) != 0 {
		t.Fatalf("chat calls = %v, want approval keyword never forwarded", calls)
	}
}

func TestNonKeywordFlowsToChatDespitePendingApproval(t *testing.T) {
	m, rec, chat, _, gate := newTestMachine(t)
	gate.awaiting = true

	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	rec.Emit(capture.Event{Kind: capture.EventSegment, Text: "what is it asking for", Final: true})
	waitUntil(t, func() bool { return len(chat.Calls()) == 1 }, "chat request")

	if decisions := gate.Decisions(); len(decisions) != 0 {
		t.Fatalf("decisions = %v, want none for a non-keyword utterance", decisions)
	}
}

func TestCaptureEndRestartsAfterBackoff(t *testing.T) {
	m, rec, _, _, _ := newTestMachine(t)
	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	rec.Emit(capture.Event{Kind: capture.EventEnded})

	waitUntil(t, func() bool { return rec.Starts() == 2 && rec.Held() }, "capture restart")
	if snap := m.Snapshot(); snap.Mode != ModeListening {
		t.Fatalf("mode = %q, want %q after restart", snap.Mode, ModeListening)
	}
}

func TestCaptureEndWhileMutedDoesNotRestart(t *testing.T) {
	m, rec, _, _, _ := newTestMachine(t)
	if err := m.ToggleActive(); err != nil {
		t.Fatalf("ToggleActive() = %v, want nil", err)
	}
	m.SetMuted(true)
	rec.Emit(capture.Event{Kind: capture.EventEnded})

	time.Sleep(100 * time.Millisecond)
	if rec.Held() {
		t.Fatal("capture restarted while muted")
	}
}

func TestSpeakNoticeDeclinedWhileBusy(t *testing.T) {
	m, rec, _, spk, _ := newTestMachine(t)
	pb := driveToSpeaking(t, m, rec, spk)

	if m.SpeakNotice("task finished") {
		t.Fatal("SpeakNotice accepted while another turn was speaking")
	}
	pb.finish()
	waitUntil(t, func() bool { return m.Snapshot().Mode == ModeListening }, "return to listening")

	if !m.SpeakNotice("task finished") {
		t.Fatal("SpeakNotice declined while quietly listening")
	}
	waitUntil(t, func() bool { return len(spk.Texts()) == 2 }, "notice spoken")
}

func TestSpeakNoticeDeclinedWhenInactive(t *testing.T) {
	m, _, _, _, _ := newTestMachine(t)
	if m.SpeakNotice("task finished") {
		t.Fatal("SpeakNotice accepted with voice mode off")
	}
}

func TestHistoryStaysBounded(t *testing.T) {
	hist := []Turn{}
	for i := 0; i < 30; i++ {
		hist = appendTurn(hist, 20, Turn{Role: "user", Content: "x"})
	}
	if len(hist) != 20 {
		t.Fatalf("len(history) = %d, want 20", len(hist))
	}
}
