package capture

import (
	"context"
	"sync"
)

// MockRecognizer is a scripted in-process recognizer for tests and the mock
// voice mode.
type MockRecognizer struct {
	mu       sync.Mutex
	ch       chan Event
	starts   int
	failNext error
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func (m *MockRecognizer) Start(_ context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	if m.ch != nil {
		return nil, ErrCaptureBusy
	}
	m.ch = make(chan Event, 64)
	return m.ch, nil
}

func (m *MockRecognizer) Stop() {
	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (m *MockRecognizer) Emit(ev Event) {
	m.mu.Lock()
	ch := m.ch
	if ev.Kind == EventEnded {
		m.ch = nil
	}
	m.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- ev
	if ev.Kind == EventEnded {
		close(ch)
	}
}

// FailNextStart makes the next Start call return err.
func (m *MockRecognizer) FailNextStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Starts returns how many times Start has been called.
func (m *MockRecognizer) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Held reports whether an acquisition is currently open.
func (m *MockRecognizer) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch != nil
}
