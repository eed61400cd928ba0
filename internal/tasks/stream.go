package tasks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrAuthDenied signals a 401/403 from the task backend: the caller is not
// allowed to run tasks, not a transient failure.
var ErrAuthDenied = errors.New("tasks: not authorized")

// Streamer is the remote task backend surface the manager depends on.
type Streamer interface {
	Open(ctx context.Context, prompt, project string) (<-chan StreamEvent, error)
	Approve(ctx context.Context, remoteSessionID string, approved bool) error
}

// StreamClient talks to the task backend over HTTP and server-sent events.
type StreamClient struct {
	baseURL string
	client  *http.Client
}

func NewStreamClient(baseURL string) *StreamClient {
	return &StreamClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		// Streams stay open for the task's lifetime; no client timeout.
		client: &http.Client{},
	}
}

// Open starts a task and returns the event channel. The channel closes when
// the stream ends or ctx is cancelled.
func (c *StreamClient) Open(ctx context.Context, prompt, project string) (<-chan StreamEvent, error) {
	q := url.Values{}
	q.Set("prompt", prompt)
	if project != "" {
		q.Set("project", project)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		res.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrAuthDenied, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("task backend status %d: %s", res.StatusCode, string(body))
	}

	ch := make(chan StreamEvent, 64)
	go c.consume(res.Body, ch)
	return ch, nil
}

func (c *StreamClient) consume(body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		ev, ok := decodeWireEvent([]byte(line))
		if !ok {
			continue
		}
		ch <- ev
		if ev.Type == StreamComplete {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- StreamEvent{Type: StreamError, Message: fmt.Sprintf("stream read: %v", err)}
	}
}

type wireEvent struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	LineType        string `json:"line_type"`
	Content         string `json:"content"`
	Summary         string `json:"summary"`
	Message         string `json:"message"`
	Success         *bool  `json:"success"`
	ClaudeSessionID string `json:"claude_session_id"`
}

func decodeWireEvent(data []byte) (StreamEvent, bool) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamEvent{}, false
	}
	switch StreamEventType(w.Type) {
	case StreamSessionStart:
		return StreamEvent{Type: StreamSessionStart, RemoteSessionID: w.SessionID}, true
	case StreamOutput:
		return StreamEvent{Type: StreamOutput, LineKind: w.LineType, Line: w.Content}, true
	case StreamSummary:
		return StreamEvent{Type: StreamSummary, Summary: w.Summary}, true
	case StreamApprovalNeeded:
		return StreamEvent{Type: StreamApprovalNeeded, Message: w.Message}, true
	case StreamComplete:
		ev := StreamEvent{Type: StreamComplete, Summary: w.Summary, RemoteSessionID: w.ClaudeSessionID}
		if w.Success != nil {
			ev.Success = *w.Success
		}
		return ev, true
	case StreamError:
		return StreamEvent{Type: StreamError, Message: w.Message}, true
	}
	return StreamEvent{}, false
}

// Approve sends an approval decision for a remote session.
func (c *StreamClient) Approve(ctx context.Context, remoteSessionID string, approved bool) error {
	payload, err := json.Marshal(map[string]any{
		"session_id": remoteSessionID,
		"approved":   approved,
	})
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task/stream/approve", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send decision: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrAuthDenied, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("task backend status %d: %s", res.StatusCode, string(body))
	}
	return nil
}

// Execute dispatches a task without a stream, for fire-and-forget callers.
func (c *StreamClient) Execute(ctx context.Context, prompt, project string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"prompt":  prompt,
		"project": project,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task/execute", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: status %d", ErrAuthDenied, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("task backend status %d", res.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Status, nil
}
