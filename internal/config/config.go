package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the solo voice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	ChatURL      string
	ChatModel    string
	SystemPrompt string
	ChatTimeout  time.Duration

	TTSURL     string
	TTSVoice   string
	TTSSpeed   float64
	TTSTimeout time.Duration

	TaskAPIURL string

	DatabaseURL string

	// Conversation timing. Tunables, not invariants; the defaults are what
	// field testing settled on.
	SilenceWindow   time.Duration
	ThinkingDelay   time.Duration
	MinCommitRunes  int
	PostSpeechDelay time.Duration
	RestartBackoff  time.Duration
	FadeDuration    time.Duration
	FadeStep        time.Duration

	HistoryLimit          int
	OutputLogLimit        int
	SummarySpeechInterval time.Duration
}

// Load reads environment variables and applies safe defaults. A .env file in
// the working directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":5566"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "solo"),
		AllowAnyOrigin:   false,
		ChatURL:          envOrDefault("CHAT_URL", "http://localhost:11434"),
		ChatModel:        envOrDefault("CHAT_MODEL", "llama3.2:latest"),
		SystemPrompt: envOrDefault("CHAT_SYSTEM_PROMPT",
			"You are a helpful, friendly voice assistant. Keep your responses concise and conversational since they will be spoken aloud."),
		ChatTimeout:           60 * time.Second,
		TTSURL:                envOrDefault("TTS_URL", "http://localhost:8880"),
		TTSVoice:              envOrDefault("TTS_VOICE", "af_heart"),
		TTSSpeed:              1.0,
		TTSTimeout:            30 * time.Second,
		TaskAPIURL:            stringsTrimSpace("TASK_API_URL"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		SilenceWindow:         2500 * time.Millisecond,
		ThinkingDelay:         1200 * time.Millisecond,
		MinCommitRunes:        2,
		PostSpeechDelay:       800 * time.Millisecond,
		RestartBackoff:        200 * time.Millisecond,
		FadeDuration:          200 * time.Millisecond,
		FadeStep:              20 * time.Millisecond,
		HistoryLimit:          20,
		OutputLogLimit:        500,
		SummarySpeechInterval: 45 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatTimeout, err = durationFromEnv("CHAT_TIMEOUT", cfg.ChatTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSSpeed, err = floatFromEnv("TTS_SPEED", cfg.TTSSpeed)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceWindow, err = durationFromEnv("VOICE_SILENCE_WINDOW", cfg.SilenceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ThinkingDelay, err = durationFromEnv("VOICE_THINKING_DELAY", cfg.ThinkingDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MinCommitRunes, err = intFromEnv("VOICE_MIN_COMMIT_RUNES", cfg.MinCommitRunes)
	if err != nil {
		return Config{}, err
	}
	cfg.PostSpeechDelay, err = durationFromEnv("VOICE_POST_SPEECH_DELAY", cfg.PostSpeechDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.RestartBackoff, err = durationFromEnv("VOICE_RESTART_BACKOFF", cfg.RestartBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.FadeDuration, err = durationFromEnv("VOICE_FADE_DURATION", cfg.FadeDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.FadeStep, err = durationFromEnv("VOICE_FADE_STEP", cfg.FadeStep)
	if err != nil {
		return Config{}, err
	}
	cfg.SummarySpeechInterval, err = durationFromEnv("TASK_SUMMARY_SPEECH_INTERVAL", cfg.SummarySpeechInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("VOICE_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputLogLimit, err = intFromEnv("TASK_OUTPUT_LOG_LIMIT", cfg.OutputLogLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SilenceWindow < 200*time.Millisecond {
		return Config{}, fmt.Errorf("VOICE_SILENCE_WINDOW must be at least 200ms")
	}
	if cfg.MinCommitRunes < 0 {
		return Config{}, fmt.Errorf("VOICE_MIN_COMMIT_RUNES must be >= 0")
	}
	if cfg.FadeStep <= 0 || cfg.FadeStep > cfg.FadeDuration {
		return Config{}, fmt.Errorf("VOICE_FADE_STEP must be positive and no longer than VOICE_FADE_DURATION")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("VOICE_HISTORY_LIMIT must be positive")
	}
	if cfg.OutputLogLimit <= 0 {
		return Config{}, fmt.Errorf("TASK_OUTPUT_LOG_LIMIT must be positive")
	}
	if cfg.TTSSpeed <= 0 {
		return Config{}, fmt.Errorf("TTS_SPEED must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
