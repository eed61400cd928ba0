package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrEmptyText = errors.New("speech: empty text")

// Clip is one synthesized utterance ready for playback.
type Clip struct {
	Data   []byte
	Format string
}

// Synthesizer turns text into a playable clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Clip, error)
}

// Client talks to an OpenAI-speech-compatible TTS backend (Kokoro).
type Client struct {
	baseURL string
	voice   string
	speed   float64
	client  *http.Client
}

func NewClient(baseURL, voice string, speed float64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		voice:   voice,
		speed:   speed,
		client:  &http.Client{Timeout: timeout},
	}
}

type speechRequest struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Model          string  `json:"model"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

func (c *Client) Synthesize(ctx context.Context, text string) (Clip, error) {
	if strings.TrimSpace(text) == "" {
		return Clip{}, ErrEmptyText
	}
	payload, err := json.Marshal(speechRequest{
		Input:          text,
		Voice:          c.voice,
		Model:          "kokoro",
		ResponseFormat: FormatMP3,
		Speed:          c.speed,
	})
	if err != nil {
		return Clip{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return Clip{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return Clip{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Clip{}, fmt.Errorf("tts backend status %d: %s", res.StatusCode, string(body))
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Clip{}, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return Clip{}, errors.New("tts backend returned no audio")
	}
	format := SniffFormat(data)
	if format == "" {
		format = FormatMP3
	}
	return Clip{Data: data, Format: format}, nil
}

// ListVoices returns the voice names the TTS backend offers.
func (c *Client) ListVoices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/audio/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts backend status %d", res.StatusCode)
	}
	var out struct {
		Voices []string `json:"voices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return out.Voices, nil
}

// Healthy probes backend reachability.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tts backend unreachable: %w", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("tts backend status %d", res.StatusCode)
	}
	return nil
}
