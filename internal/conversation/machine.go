package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/solovoice/solo/internal/capture"
	"github.com/solovoice/solo/internal/observability"
)

// ChatBackend produces an assistant reply for a committed utterance. The
// history passed in never includes the current message.
type ChatBackend interface {
	Respond(ctx context.Context, message string, history []Turn) (string, error)
}

// Playback is one owned audio playback handle. Exactly one may exist at a
// time; owning it implies the machine is in ModeSpeaking.
type Playback interface {
	Done() <-chan struct{}
	FadeOutAndStop()
	Stop()
}

// Speaker synthesizes and plays a reply. Implementations resolve their own
// fallback chain; a Speak error means no audio path exists at all.
type Speaker interface {
	Speak(ctx context.Context, text string) (Playback, error)
}

// ApprovalGate is the task-session approval surface the machine consults when
// a finalized segment might be an approve/deny command.
type ApprovalGate interface {
	AwaitingApproval() bool
	Decide(ctx context.Context, approved bool) error
}

// Config holds the machine's timing knobs. Zero values pick the defaults the
// constructor applies.
type Config struct {
	SilenceWindow   time.Duration
	ThinkingDelay   time.Duration
	MinCommitRunes  int
	PostSpeechDelay time.Duration
	RestartBackoff  time.Duration
	HistoryLimit    int
}

func (c *Config) applyDefaults() {
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = 2500 * time.Millisecond
	}
	if c.PostSpeechDelay <= 0 {
		c.PostSpeechDelay = 800 * time.Millisecond
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 200 * time.Millisecond
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
}

// Machine is the conversation turn-taking state machine. All transitions run
// atomically under one mutex; async completions (chat replies, playback end,
// timers) re-enter through methods that check a turn generation so stale
// results never resurrect an abandoned state.
type Machine struct {
	cfg       Config
	rec       capture.Recognizer
	chat      ChatBackend
	speaker   Speaker
	approvals ApprovalGate
	metrics   *observability.Metrics
	notify    func(StateEvent)
	baseCtx   context.Context

	mu          sync.Mutex
	mode        Mode
	muted       bool
	active      bool
	interim     string
	history     []Turn
	playback    Playback
	timer       *CommitTimer
	gen         uint64
	captureGen  uint64
	captureHeld bool
	committedAt time.Time
}

func NewMachine(
	ctx context.Context,
	cfg Config,
	rec capture.Recognizer,
	chat ChatBackend,
	speaker Speaker,
	approvals ApprovalGate,
	metrics *observability.Metrics,
	notify func(StateEvent),
) *Machine {
	cfg.applyDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	if notify == nil {
		notify = func(StateEvent) {}
	}
	m := &Machine{
		cfg:     cfg,
		rec:     rec,
		chat:    chat,
		speaker: speaker,
		// approvals may be nil when the task runtime is disabled.
		approvals: approvals,
		metrics:   metrics,
		notify:    notify,
		baseCtx:   ctx,
		mode:      ModeIdle,
	}
	m.timer = NewCommitTimer(cfg.SilenceWindow, cfg.ThinkingDelay, cfg.MinCommitRunes, m.onCommit)
	return m
}

// Snapshot returns the current state for observers.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// History returns a copy of the bounded conversation history.
func (m *Machine) History() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.history))
	copy(out, m.history)
	return out
}

// Busy reports whether an assistant turn is in flight (processing or
// speaking). Task sessions use this to gate spoken notices.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == ModeProcessing || m.mode == ModeSpeaking
}

// Idle reports whether voice mode is engaged and quietly listening.
func (m *Machine) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && m.mode == ModeListening && m.playback == nil
}

// ToggleActive engages voice mode, or disengages it, except that a tap while
// the assistant is speaking interrupts playback instead of switching off.
func (m *Machine) ToggleActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		m.active = true
		m.muted = false
		m.mode = ModeListening
		if err := m.acquireCaptureLocked(); err != nil {
			// Permission denial is terminal for this activation.
			m.active = false
			m.mode = ModeIdle
			m.emitLocked(StateEvent{Kind: EventError, Code: "capture_denied", Text: err.Error()})
			m.emitLocked(StateEvent{Kind: EventModeChanged})
			return err
		}
		m.observeMode()
		m.emitLocked(StateEvent{Kind: EventModeChanged})
		return nil
	}

	if m.mode == ModeSpeaking {
		// Interrupt wins over toggle-off while speaking.
		m.interruptLocked(false)
		return nil
	}

	m.deactivateLocked()
	return nil
}

// SetMuted flips the mute flag. Muting stops capture and capture timers in
// any mode but never disturbs in-flight processing or playback; unmuting
// re-acquires capture only when the machine is back in a listening state.
func (m *Machine) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if muted == m.muted || !m.active {
		return
	}
	m.muted = muted
	if muted {
		m.releaseCaptureLocked()
		m.timer.Reset()
		m.interim = ""
		m.emitLocked(StateEvent{Kind: EventMuteChanged})
		return
	}
	if m.mode == ModeListening {
		if err := m.acquireCaptureLocked(); err != nil {
			m.emitLocked(StateEvent{Kind: EventError, Code: "capture_reacquire_failed", Text: err.Error()})
		}
	}
	// In processing/speaking the post-turn transition re-checks mute and
	// restarts capture then.
	m.emitLocked(StateEvent{Kind: EventMuteChanged})
}

// SpeakNotice asks the machine to speak system-originated text (task progress
// summaries, approval prompts, completion notes). It declines when voice mode
// is off or an assistant turn is already in flight.
func (m *Machine) SpeakNotice(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.mode == ModeProcessing || m.mode == ModeSpeaking {
		return false
	}
	m.enterProcessingLocked()
	g := m.gen
	go m.speakAndResume(g, text)
	return true
}

// ReplayPending is called on a user gesture so speech output blocked by the
// platform autoplay policy can retry.
func (m *Machine) ReplayPending() {
	type replayer interface{ ReplayPending() }
	if r, ok := m.speaker.(replayer); ok {
		r.ReplayPending()
	}
}

// --- capture event handling ---

func (m *Machine) pump(ch <-chan capture.Event, cgen uint64) {
	for ev := range ch {
		m.handleCaptureEvent(ev, cgen)
	}
}

func (m *Machine) handleCaptureEvent(ev capture.Event, cgen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cgen != m.captureGen {
		return // stale acquisition
	}

	switch ev.Kind {
	case capture.EventReady:
		// informational only
	case capture.EventSegment:
		m.handleSegmentLocked(ev.Text, ev.Final)
	case capture.EventError:
		m.handleCaptureErrorLocked(ev.Code)
	case capture.EventEnded:
		m.handleCaptureEndedLocked()
	}
}

func (m *Machine) handleSegmentLocked(text string, final bool) {
	if !m.active || text == "" {
		return
	}

	if m.mode == ModeSpeaking {
		// Interrupt and barge-in checks run before any normal handling.
		if matchesInterrupt(text) {
			m.interruptLocked(true)
			m.emitLocked(StateEvent{Kind: EventInterrupted, Text: text})
			m.observeEvent("voice_interrupt")
			return
		}
		m.interruptLocked(false)
		m.observeEvent("barge_in")
		// The segment that barged in starts the next utterance.
	}

	if m.mode != ModeListening || m.muted {
		return
	}

	if final && m.approvals != nil && m.approvals.AwaitingApproval() {
		if approved, ok := matchApproval(text); ok {
			m.interim = ""
			m.timer.Reset()
			m.emitLocked(StateEvent{Kind: EventApproval, Text: text})
			go m.decide(approved)
			return
		}
	}

	if final {
		m.timer.OnFinalSegment(text)
		m.interim = ""
	} else {
		m.interim = text
		m.timer.OnInterim(text)
	}
	m.emitLocked(StateEvent{Kind: EventInterim, Text: text})
}

func (m *Machine) handleCaptureErrorLocked(code string) {
	switch code {
	case capture.ErrCodeNoSpeech, capture.ErrCodeAborted:
		// expected noise
	case capture.ErrCodeNotAllowed:
		m.emitLocked(StateEvent{Kind: EventError, Code: "capture_denied"})
		m.deactivateLocked()
	default:
		m.emitLocked(StateEvent{Kind: EventError, Code: "capture_error", Text: code})
	}
}

func (m *Machine) handleCaptureEndedLocked() {
	m.captureHeld = false
	m.captureGen++
	if !m.active || m.mode != ModeListening || m.muted {
		return
	}
	// Recognizers never restart themselves; we do, after a short backoff to
	// avoid a tight restart loop.
	g := m.gen
	time.AfterFunc(m.cfg.RestartBackoff, func() { m.restartCapture(g) })
}

func (m *Machine) restartCapture(g uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g != m.gen || !m.active || m.mode != ModeListening || m.muted || m.captureHeld {
		return
	}
	if err := m.acquireCaptureLocked(); err != nil {
		m.emitLocked(StateEvent{Kind: EventError, Code: "capture_restart_failed", Text: err.Error()})
	}
}

// --- turn lifecycle ---

func (m *Machine) onCommit(text string) {
	m.mu.Lock()
	if !m.active || m.muted || m.mode != ModeListening {
		m.mu.Unlock()
		return
	}
	m.enterProcessingLocked()
	m.committedAt = time.Now()
	m.emitLocked(StateEvent{Kind: EventCommitted, Text: text})
	m.observeEvent("commit")
	g := m.gen
	m.mu.Unlock()

	go m.runTurn(g, text)
}

// enterProcessingLocked pins the machine for one assistant turn: capture
// stops, timers clear, and the generation advances so anything still in
// flight from the previous turn becomes stale.
func (m *Machine) enterProcessingLocked() {
	m.mode = ModeProcessing
	m.releaseCaptureLocked()
	m.timer.Reset()
	m.interim = ""
	m.gen++
	m.observeMode()
	m.emitLocked(StateEvent{Kind: EventModeChanged})
}

func (m *Machine) runTurn(g uint64, userText string) {
	m.mu.Lock()
	if g != m.gen || !m.active {
		m.mu.Unlock()
		return
	}
	hist := make([]Turn, len(m.history))
	copy(hist, m.history)
	m.mu.Unlock()

	reply, err := m.chat.Respond(m.baseCtx, userText, hist)

	m.mu.Lock()
	if g != m.gen || !m.active {
		m.mu.Unlock()
		return // stale: mode moved on while the request was in flight
	}
	if err != nil {
		m.emitLocked(StateEvent{Kind: EventError, Code: "chat_failed", Text: err.Error()})
		m.observeEvent("chat_failed")
		m.resumeListeningLocked()
		m.mu.Unlock()
		return
	}
	m.history = appendTurn(m.history, m.cfg.HistoryLimit, Turn{Role: "user", Content: userText})
	m.history = appendTurn(m.history, m.cfg.HistoryLimit, Turn{Role: "assistant", Content: reply})
	if m.metrics != nil && !m.committedAt.IsZero() {
		m.metrics.ObserveCommitLatency(time.Since(m.committedAt))
	}
	m.emitLocked(StateEvent{Kind: EventReply, Text: reply})
	m.mu.Unlock()

	m.speakAndResume(g, reply)
}

func (m *Machine) speakAndResume(g uint64, text string) {
	pb, err := m.speaker.Speak(m.baseCtx, text)

	m.mu.Lock()
	if g != m.gen || !m.active {
		m.mu.Unlock()
		if pb != nil {
			pb.Stop()
		}
		return
	}
	if err != nil || pb == nil {
		if err != nil {
			m.emitLocked(StateEvent{Kind: EventError, Code: "speech_failed", Text: err.Error()})
		}
		m.resumeListeningLocked()
		m.mu.Unlock()
		return
	}
	m.mode = ModeSpeaking
	m.playback = pb
	// Capture stays live while speaking so barge-in detection works.
	if !m.muted {
		if err := m.ensureCaptureLocked(); err != nil {
			m.emitLocked(StateEvent{Kind: EventError, Code: "capture_reacquire_failed", Text: err.Error()})
		}
	}
	m.observeMode()
	m.emitLocked(StateEvent{Kind: EventModeChanged})
	m.mu.Unlock()

	select {
	case <-pb.Done():
	case <-m.baseCtx.Done():
		pb.Stop()
		return
	}
	m.playbackFinished(g)
}

func (m *Machine) playbackFinished(g uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g != m.gen || !m.active || m.mode != ModeSpeaking {
		return
	}
	m.playback = nil
	time.AfterFunc(m.cfg.PostSpeechDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if g != m.gen || !m.active || m.mode != ModeSpeaking {
			return
		}
		m.resumeListeningLocked()
	})
}

// resumeListeningLocked returns to listening after a turn ends, re-checking
// mute before capture restarts. A failed re-acquisition leaves the machine in
// idle silence with an error surfaced, never a crash.
func (m *Machine) resumeListeningLocked() {
	m.mode = ModeListening
	m.playback = nil
	if !m.muted {
		if err := m.ensureCaptureLocked(); err != nil {
			m.emitLocked(StateEvent{Kind: EventError, Code: "capture_reacquire_failed", Text: err.Error()})
			m.mode = ModeIdle
		}
	}
	m.observeMode()
	m.emitLocked(StateEvent{Kind: EventModeChanged})
}

// interruptLocked fades out current playback and forces speaking back to
// listening. With discard set, the transcript that triggered the interrupt is
// dropped instead of becoming a new utterance.
func (m *Machine) interruptLocked(discard bool) {
	if m.mode != ModeSpeaking {
		return
	}
	pb := m.playback
	m.playback = nil
	m.gen++
	m.mode = ModeListening
	if discard {
		m.interim = ""
		m.timer.Reset()
	}
	if !m.muted {
		if err := m.ensureCaptureLocked(); err != nil {
			m.emitLocked(StateEvent{Kind: EventError, Code: "capture_reacquire_failed", Text: err.Error()})
			m.mode = ModeIdle
		}
	}
	m.observeMode()
	m.emitLocked(StateEvent{Kind: EventBargeIn})
	m.emitLocked(StateEvent{Kind: EventModeChanged})
	if pb != nil {
		go pb.FadeOutAndStop()
	}
}

func (m *Machine) deactivateLocked() {
	m.gen++
	m.active = false
	m.mode = ModeIdle
	m.muted = false
	m.releaseCaptureLocked()
	m.timer.Reset()
	m.interim = ""
	m.history = nil
	if m.playback != nil {
		pb := m.playback
		m.playback = nil
		go pb.Stop()
	}
	m.observeMode()
	m.emitLocked(StateEvent{Kind: EventModeChanged})
}

func (m *Machine) decide(approved bool) {
	if err := m.approvals.Decide(m.baseCtx, approved); err != nil && !errors.Is(err, context.Canceled) {
		m.mu.Lock()
		m.emitLocked(StateEvent{Kind: EventError, Code: "approval_failed", Text: err.Error()})
		m.mu.Unlock()
	}
}

// --- capture ownership ---

func (m *Machine) acquireCaptureLocked() error {
	if m.captureHeld {
		return nil
	}
	ch, err := m.rec.Start(m.baseCtx)
	if err != nil {
		return err
	}
	m.captureHeld = true
	m.captureGen++
	go m.pump(ch, m.captureGen)
	return nil
}

func (m *Machine) ensureCaptureLocked() error {
	if m.captureHeld {
		return nil
	}
	return m.acquireCaptureLocked()
}

func (m *Machine) releaseCaptureLocked() {
	if m.captureHeld {
		m.rec.Stop()
		m.captureHeld = false
	}
	m.captureGen++
}

// --- helpers ---

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Mode:    m.mode,
		Muted:   m.muted,
		Active:  m.active,
		Interim: m.interim,
		Pending: m.timer.Pending(),
	}
}

func (m *Machine) emitLocked(ev StateEvent) {
	ev.State = m.snapshotLocked()
	m.notify(ev)
}

func (m *Machine) observeMode() {
	if m.metrics != nil {
		m.metrics.ObserveModeTransition(string(m.mode))
	}
}

func (m *Machine) observeEvent(event string) {
	if m.metrics != nil {
		m.metrics.ObserveConversationEvent(event)
	}
}
