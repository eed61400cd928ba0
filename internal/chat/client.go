// Package chat talks to an Ollama-compatible chat backend.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/solovoice/solo/internal/conversation"
)

var ErrEmptyMessage = errors.New("chat: empty message")

// DeltaHandler receives incremental reply text during a streaming turn.
// Returning an error aborts the stream.
type DeltaHandler func(delta string) error

// Client is an HTTP client for the chat backend. The system prompt is
// prepended to every request; callers pass only the user/assistant history.
type Client struct {
	baseURL string
	model   string
	system  string
	client  *http.Client
}

func NewClient(baseURL, model, systemPrompt string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   model,
		system:  systemPrompt,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []conversation.Turn `json:"messages"`
	Stream   bool                `json:"stream"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func (c *Client) buildMessages(message string, history []conversation.Turn) []conversation.Turn {
	msgs := make([]conversation.Turn, 0, len(history)+2)
	if c.system != "" {
		msgs = append(msgs, conversation.Turn{Role: "system", Content: c.system})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, conversation.Turn{Role: "user", Content: message})
	return msgs
}

// Respond runs one non-streaming chat turn and returns the full reply.
func (c *Client) Respond(ctx context.Context, message string, history []conversation.Turn) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	res, err := c.post(ctx, chatRequest{
		Model:    c.model,
		Messages: c.buildMessages(message, history),
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var chunk chatChunk
	if err := json.NewDecoder(res.Body).Decode(&chunk); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if chunk.Error != "" {
		return "", fmt.Errorf("chat backend: %s", chunk.Error)
	}
	return strings.TrimSpace(chunk.Message.Content), nil
}

// Stream runs one streaming chat turn, invoking onDelta per content chunk,
// and returns the assembled reply.
func (c *Client) Stream(ctx context.Context, message string, history []conversation.Turn, onDelta DeltaHandler) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	res, err := c.post(ctx, chatRequest{
		Model:    c.model,
		Messages: c.buildMessages(message, history),
		Stream:   true,
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("chat backend: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			out.WriteString(chunk.Message.Content)
			if onDelta != nil {
				if err := onDelta(chunk.Message.Content); err != nil {
					return "", err
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func (c *Client) post(ctx context.Context, req chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("chat backend status %d: %s", res.StatusCode, string(body))
	}
	return res, nil
}

// Model describes one model the backend reports.
type Model struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// ListModels returns the models available on the chat backend.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat backend status %d", res.StatusCode)
	}
	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return out.Models, nil
}

// Healthy probes backend reachability.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat backend unreachable: %w", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("chat backend status %d", res.StatusCode)
	}
	return nil
}
