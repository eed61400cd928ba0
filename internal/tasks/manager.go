package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/solovoice/solo/internal/observability"
)

var (
	ErrSessionNotFound   = errors.New("tasks: session not found")
	ErrNoPendingApproval = errors.New("tasks: no pending approval")
	ErrDecisionInFlight  = errors.New("tasks: a decision is already in flight")
)

const (
	defaultLogLimit        = 500
	defaultSummaryInterval = 45 * time.Second
	titleMaxRunes          = 48
)

// Voice is how task sessions inject spoken notices into the conversation.
// Notices are best-effort: a busy or inactive conversation declines them.
type Voice interface {
	SpeakNotice(text string) bool
	Idle() bool
}

// UpdateKind tags manager notifications delivered to observers.
type UpdateKind string

const (
	UpdateCreated  UpdateKind = "created"
	UpdateStatus   UpdateKind = "status"
	UpdateOutput   UpdateKind = "output"
	UpdateApproval UpdateKind = "approval"
	UpdateClosed   UpdateKind = "closed"
	UpdateActive   UpdateKind = "active"
)

// Update is one observer notification. Observers must not call back into the
// manager from the notify callback.
type Update struct {
	Kind     UpdateKind
	Session  Session
	Line     *LogLine
	ActiveID string
}

type session struct {
	Session
	cancel     context.CancelFunc
	lastSpoken time.Time
	deciding   bool
}

// Manager owns all open task sessions and the single active pointer.
type Manager struct {
	streams         Streamer
	metrics         *observability.Metrics
	notify          func(Update)
	logLimit        int
	summaryInterval time.Duration
	baseCtx         context.Context

	mu       sync.Mutex
	voice    Voice
	sessions map[string]*session
	order    []string
	activeID string
}

// Options tunes manager behavior; zero values pick defaults.
type Options struct {
	LogLimit        int
	SummaryInterval time.Duration
	Notify          func(Update)
	Metrics         *observability.Metrics
}

func NewManager(ctx context.Context, streams Streamer, opts Options) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.LogLimit <= 0 {
		opts.LogLimit = defaultLogLimit
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = defaultSummaryInterval
	}
	if opts.Notify == nil {
		opts.Notify = func(Update) {}
	}
	return &Manager{
		streams:         streams,
		metrics:         opts.Metrics,
		notify:          opts.Notify,
		logLimit:        opts.LogLimit,
		summaryInterval: opts.SummaryInterval,
		baseCtx:         ctx,
		sessions:        make(map[string]*session),
	}
}

// SetVoice wires the conversation side in after both are constructed.
func (m *Manager) SetVoice(v Voice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voice = v
}

// CreateSession dispatches a background task, opens its push stream, and
// makes it the active session.
func (m *Manager) CreateSession(prompt, project string) (Session, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Session{}, errors.New("tasks: empty prompt")
	}

	streamCtx, cancel := context.WithCancel(m.baseCtx)
	now := time.Now().UTC()
	s := &session{
		Session: Session{
			ID:        uuid.NewString(),
			Title:     truncateTitle(prompt),
			Prompt:    prompt,
			Project:   project,
			Status:    StatusConnecting,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	m.activeID = s.ID
	m.metrics.SetOpenTaskSessions(len(m.sessions))
	m.observeTask("created")
	m.notify(Update{Kind: UpdateCreated, Session: s.Session.Clone(), ActiveID: m.activeID})
	m.mu.Unlock()

	ch, err := m.streams.Open(streamCtx, prompt, project)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.failLocked(s, fmt.Sprintf("stream open failed: %v", err))
		snapshot := s.Session.Clone()
		m.mu.Unlock()
		return snapshot, err
	}

	go m.consume(s.ID, ch)

	m.mu.Lock()
	snapshot := s.Session.Clone()
	m.mu.Unlock()
	return snapshot, nil
}

func (m *Manager) consume(id string, ch <-chan StreamEvent) {
	for ev := range ch {
		m.handleEvent(id, ev)
	}

	// Stream gone. A session still open at this point lost its stream without
	// a terminal event.
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && s.Status.Open() {
		m.failLocked(s, "stream closed unexpectedly")
	}
	m.mu.Unlock()
}

func (m *Manager) handleEvent(id string, ev StreamEvent) {
	var speak string

	m.mu.Lock()
	voice := m.voice
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return // closed while events were buffered
	}
	now := time.Now().UTC()
	s.UpdatedAt = now

	switch ev.Type {
	case StreamSessionStart:
		s.RemoteSessionID = ev.RemoteSessionID
		if s.Status == StatusConnecting {
			s.Status = StatusRunning
		}
		m.observeTask("started")
		m.notify(Update{Kind: UpdateStatus, Session: s.Session.Clone(), ActiveID: m.activeID})

	case StreamOutput:
		kind := ev.LineKind
		if kind == "" {
			kind = LineOutput
		}
		line := m.appendLineLocked(s, kind, ev.Line)
		m.notify(Update{Kind: UpdateOutput, Session: s.Session.Clone(), Line: &line, ActiveID: m.activeID})

	case StreamSummary:
		line := m.appendLineLocked(s, LineSummary, ev.Summary)
		m.notify(Update{Kind: UpdateOutput, Session: s.Session.Clone(), Line: &line, ActiveID: m.activeID})
		if voice != nil && now.Sub(s.lastSpoken) >= m.summaryInterval && voice.Idle() {
			s.lastSpoken = now
			speak = fmt.Sprintf("Task update: %s", ev.Summary)
		}

	case StreamApprovalNeeded:
		s.Status = StatusAwaitingApproval
		s.PendingApproval = ev.Message
		m.appendLineLocked(s, LineStatus, "Waiting for approval: "+ev.Message)
		m.observeTask("approval_needed")
		m.notify(Update{Kind: UpdateApproval, Session: s.Session.Clone(), ActiveID: m.activeID})
		if voice != nil && voice.Idle() {
			speak = fmt.Sprintf("The task %q needs your approval. %s", s.Title, ev.Message)
		}

	case StreamComplete:
		if ev.Success {
			s.Status = StatusComplete
		} else {
			s.Status = StatusError
		}
		s.PendingApproval = ""
		if ev.RemoteSessionID != "" {
			s.RemoteSessionID = ev.RemoteSessionID
		}
		summary := ev.Summary
		if summary == "" {
			summary = "Task finished."
		}
		m.appendLineLocked(s, LineStatus, summary)
		s.cancel()
		m.observeTask("completed")
		m.notify(Update{Kind: UpdateStatus, Session: s.Session.Clone(), ActiveID: m.activeID})
		if voice != nil {
			if ev.Success {
				speak = fmt.Sprintf("Task %q is complete. %s", s.Title, summary)
			} else {
				speak = fmt.Sprintf("Task %q failed. %s", s.Title, summary)
			}
		}

	case StreamError:
		m.failLocked(s, ev.Message)
	}
	m.mu.Unlock()

	if speak != "" {
		voice.SpeakNotice(speak)
	}
}

// failLocked marks a session Error and tears down its stream. Other sessions
// are untouched.
func (m *Manager) failLocked(s *session, detail string) {
	if !s.Status.Open() {
		return
	}
	s.Status = StatusError
	s.PendingApproval = ""
	s.UpdatedAt = time.Now().UTC()
	m.appendLineLocked(s, LineError, detail)
	s.cancel()
	log.Printf("tasks: session %s failed: %s", s.ID, detail)
	m.observeTask("failed")
	m.notify(Update{Kind: UpdateStatus, Session: s.Session.Clone(), ActiveID: m.activeID})
}

func (m *Manager) appendLineLocked(s *session, kind, text string) LogLine {
	line := LogLine{Kind: kind, Text: text}
	s.OutputLog = append(s.OutputLog, line)
	if len(s.OutputLog) > m.logLimit {
		trim := len(s.OutputLog) - m.logLimit
		s.OutputLog = append([]LogLine(nil), s.OutputLog[trim:]...)
	}
	return line
}

// SetActive switches the visible session. Switching never alters any
// session's status or stream.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	m.activeID = s.ID
	m.notify(Update{Kind: UpdateActive, Session: s.Session.Clone(), ActiveID: m.activeID})
	return nil
}

// CloseSession tears down a session's stream and removes it. The active
// pointer moves to the most recently created remaining session, or to none.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.cancel()
	delete(m.sessions, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeID == id {
		m.activeID = ""
		if n := len(m.order); n > 0 {
			m.activeID = m.order[n-1]
		}
	}
	m.metrics.SetOpenTaskSessions(len(m.sessions))
	m.observeTask("closed")
	m.notify(Update{Kind: UpdateClosed, Session: s.Session.Clone(), ActiveID: m.activeID})
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.Session.Clone(), nil
}

// Sessions returns snapshots of all open sessions in creation order.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s.Session.Clone())
		}
	}
	return out
}

// Active returns the visible session, if any.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.activeID]
	if !ok {
		return Session{}, false
	}
	return s.Session.Clone(), true
}

// AwaitingApproval reports whether any open session has a pending approval.
func (m *Manager) AwaitingApproval() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaitingLocked() != nil
}

func (m *Manager) awaitingLocked() *session {
	// Prefer the visible session; otherwise the most recently created one
	// that is waiting.
	if s, ok := m.sessions[m.activeID]; ok && s.Status == StatusAwaitingApproval {
		return s
	}
	for i := len(m.order) - 1; i >= 0; i-- {
		if s, ok := m.sessions[m.order[i]]; ok && s.Status == StatusAwaitingApproval {
			return s
		}
	}
	return nil
}

// Decide actions a pending approval on one session. At most one decision may
// be in flight per session; a concurrent call gets ErrDecisionInFlight. A
// failed send keeps the approval pending so the user can retry.
func (m *Manager) Decide(ctx context.Context, id string, approved bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.Status != StatusAwaitingApproval || s.PendingApproval == "" {
		m.mu.Unlock()
		return ErrNoPendingApproval
	}
	if s.deciding {
		m.mu.Unlock()
		return ErrDecisionInFlight
	}
	s.deciding = true
	remote := s.RemoteSessionID
	m.mu.Unlock()

	err := m.streams.Approve(ctx, remote, approved)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.sessions[id]
	if !ok {
		return err // session closed while deciding
	}
	s.deciding = false
	if s.Status != StatusAwaitingApproval {
		// A terminal stream event landed while the decision was in flight;
		// the session's final state wins over the stale decision.
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	if err != nil {
		m.appendLineLocked(s, LineError, fmt.Sprintf("approval send failed: %v", err))
		m.observeTask("approval_send_failed")
		m.notify(Update{Kind: UpdateStatus, Session: s.Session.Clone(), ActiveID: m.activeID})
		return fmt.Errorf("send decision: %w", err)
	}
	s.PendingApproval = ""
	s.Status = StatusRunning
	if approved {
		m.appendLineLocked(s, LineStatus, "Approved.")
	} else {
		m.appendLineLocked(s, LineStatus, "Denied.")
	}
	m.observeTask("approval_decided")
	m.notify(Update{Kind: UpdateStatus, Session: s.Session.Clone(), ActiveID: m.activeID})
	return nil
}

// DecideVoice routes a voice approval command to the session waiting on it.
func (m *Manager) DecideVoice(ctx context.Context, approved bool) error {
	m.mu.Lock()
	s := m.awaitingLocked()
	if s == nil {
		m.mu.Unlock()
		return ErrNoPendingApproval
	}
	id := s.ID
	m.mu.Unlock()
	return m.Decide(ctx, id, approved)
}

// Shutdown tears down every open stream.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.cancel()
	}
}

func (m *Manager) observeTask(event string) {
	if m.metrics != nil {
		m.metrics.ObserveTaskEvent(event)
	}
}

func truncateTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(title) <= titleMaxRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "..."
}
