package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/solovoice/solo/internal/conversation"
)

func TestRespondSendsSystemPromptAndHistory(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "  hi there  "},
			"done":    true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "llama3.2:latest", "be brief", 5*time.Second)
	reply, err := c.Respond(context.Background(), "hello", []conversation.Turn{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "noted"},
	})
	if err != nil {
		t.Fatalf("Respond() = %v, want nil", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q, want trimmed content", reply)
	}
	if got.Model != "llama3.2:latest" || got.Stream {
		t.Fatalf("request model=%q stream=%v, want llama3.2:latest/false", got.Model, got.Stream)
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(want) {
		t.Fatalf("len(messages) = %d, want %d", len(got.Messages), len(want))
	}
	for i, role := range want {
		if got.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, got.Messages[i].Role, role)
		}
	}
}

func TestRespondRejectsEmptyMessage(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "m", "", time.Second)
	if _, err := c.Respond(context.Background(), "   ", nil); err != ErrEmptyMessage {
		t.Fatalf("Respond() = %v, want ErrEmptyMessage", err)
	}
}

func TestRespondSurfacesBackendStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "missing", "", time.Second)
	_, err := c.Respond(context.Background(), "hello", nil)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("Respond() = %v, want status 404 error", err)
	}
}

func TestStreamAssemblesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"message":{"content":"hel"},"done":false}`,
			`{"message":{"content":"lo"},"done":false}`,
			`{"message":{"content":""},"done":true}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "m", "", 5*time.Second)
	var deltas []string
	reply, err := c.Stream(context.Background(), "hi", nil, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() = %v, want nil", err)
	}
	if reply != "hello" {
		t.Fatalf("reply = %q, want %q", reply, "hello")
	}
	if len(deltas) != 2 || deltas[0] != "hel" || deltas[1] != "lo" {
		t.Fatalf("deltas = %v, want [hel lo]", deltas)
	}
}

func TestStreamPropagatesChunkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error":"model crashed"}` + "\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "m", "", time.Second)
	_, err := c.Stream(context.Background(), "hi", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("Stream() = %v, want backend error surfaced", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "llama3.2:latest"}, {"name": "qwen2.5"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "m", "", time.Second)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() = %v, want nil", err)
	}
	if len(models) != 2 || models[0].Name != "llama3.2:latest" {
		t.Fatalf("models = %+v, want two entries", models)
	}
}
