package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStreamClientDecodesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/stream" {
			t.Errorf("path = %q, want /task/stream", r.URL.Path)
		}
		if got := r.URL.Query().Get("prompt"); got != "build it" {
			t.Errorf("prompt = %q, want %q", got, "build it")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"type":"session_start","session_id":"r-1"}`,
			``,
			`data: {"type":"output","line_type":"stdout","content":"compiling"}`,
			`: keepalive comment`,
			`data: {"type":"summary","summary":"halfway"}`,
			`data: {"type":"approval_needed","message":"May I push?"}`,
			`data: {"type":"complete","success":true,"summary":"done","claude_session_id":"r-1"}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	c := NewStreamClient(srv.URL)
	ch, err := c.Open(context.Background(), "build it", "")
	if err != nil {
		t.Fatalf("Open() = %v, want nil", err)
	}

	var got []StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}
	want := []StreamEventType{StreamSessionStart, StreamOutput, StreamSummary, StreamApprovalNeeded, StreamComplete}
	if len(got) != len(want) {
		t.Fatalf("received %d events, want %d: %+v", len(got), len(want), got)
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Errorf("event[%d].Type = %q, want %q", i, got[i].Type, typ)
		}
	}
	if got[0].RemoteSessionID != "r-1" {
		t.Errorf("session_start remote id = %q, want r-1", got[0].RemoteSessionID)
	}
	if got[1].LineKind != "stdout" || got[1].Line != "compiling" {
		t.Errorf("output event = %+v, want stdout/compiling", got[1])
	}
	if !got[4].Success || got[4].Summary != "done" {
		t.Errorf("complete event = %+v, want success with summary", got[4])
	}
}

func TestStreamClientAuthDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewStreamClient(srv.URL)
	if _, err := c.Open(context.Background(), "p", ""); !errors.Is(err, ErrAuthDenied) {
		t.Fatalf("Open() = %v, want ErrAuthDenied", err)
	}
}

func TestStreamClientApprove(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/stream/approve" {
			t.Errorf("path = %q, want /task/stream/approve", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewStreamClient(srv.URL)
	if err := c.Approve(context.Background(), "r-1", true); err != nil {
		t.Fatalf("Approve() = %v, want nil", err)
	}
	if got["session_id"] != "r-1" || got["approved"] != true {
		t.Fatalf("body = %v, want session_id r-1 approved", got)
	}
}

func TestStreamClientApproveAuthDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewStreamClient(srv.URL)
	if err := c.Approve(context.Background(), "r-1", false); !errors.Is(err, ErrAuthDenied) {
		t.Fatalf("Approve() = %v, want ErrAuthDenied", err)
	}
}
