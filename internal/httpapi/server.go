package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/solovoice/solo/internal/capture"
	"github.com/solovoice/solo/internal/chat"
	"github.com/solovoice/solo/internal/config"
	"github.com/solovoice/solo/internal/conversation"
	"github.com/solovoice/solo/internal/observability"
	"github.com/solovoice/solo/internal/protocol"
	"github.com/solovoice/solo/internal/tasks"
	"github.com/solovoice/solo/internal/transcript"
)

// Conversation is the machine surface the HTTP layer drives.
type Conversation interface {
	ToggleActive() error
	SetMuted(muted bool)
	Snapshot() conversation.Snapshot
	History() []conversation.Turn
	ReplayPending()
}

// HealthChecker probes one backend dependency.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Backends groups the external services surfaced through proxy endpoints.
type Backends struct {
	ChatHealth HealthChecker
	TTSHealth  HealthChecker
	Voices     interface {
		ListVoices(ctx context.Context) ([]string, error)
	}
	Models interface {
		ListModels(ctx context.Context) ([]chat.Model, error)
	}
	TaskExec interface {
		Execute(ctx context.Context, prompt, project string) (string, error)
	}
}

type Server struct {
	cfg      config.Config
	metrics  *observability.Metrics
	taskMgr  *tasks.Manager
	store    transcript.Store
	backends Backends
	hub      *hub
	sink     *RemoteSink
	upgrader websocket.Upgrader

	machine Conversation
	feed    *capture.Feed
}

func New(cfg config.Config, metrics *observability.Metrics, taskMgr *tasks.Manager, store transcript.Store, backends Backends) *Server {
	s := &Server{
		cfg:      cfg,
		metrics:  metrics,
		taskMgr:  taskMgr,
		store:    store,
		backends: backends,
		hub:      newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the mic session unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	s.sink = NewRemoteSink(s.hub.broadcast)
	return s
}

// Sink is the browser playback sink, wired into the speech output.
func (s *Server) Sink() *RemoteSink { return s.sink }

// SendCaptureControl tells the browser to start or stop recognition. Wired
// as the capture feed's control callback.
func (s *Server) SendCaptureControl(action string) {
	s.hub.broadcast(protocol.SystemEvent{
		Type: protocol.TypeSystemEvent,
		Code: action,
	})
}

// Attach wires the conversation side in after construction; the machine and
// feed depend on callbacks this server provides.
func (s *Server) Attach(machine Conversation, feed *capture.Feed) {
	s.machine = machine
	s.feed = feed
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/conversation", s.handleConversationState)
	r.Post("/v1/conversation/toggle", s.handleToggle)
	r.Post("/v1/conversation/mute", s.handleMute)
	r.Get("/v1/transcript", s.handleTranscript)

	r.Get("/v1/voices", s.handleListVoices)
	r.Get("/v1/models", s.handleListModels)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Post("/v1/tasks/execute", s.handleExecuteTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/activate", s.handleActivateTask)
	r.Post("/v1/tasks/{id}/approve", s.handleApproveTask)
	r.Delete("/v1/tasks/{id}", s.handleCloseTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]string{}
	check := func(name string, hc HealthChecker) {
		if hc == nil {
			services[name] = "disabled"
			return
		}
		if err := hc.Healthy(ctx); err != nil {
			services[name] = "unhealthy"
			return
		}
		services[name] = "healthy"
	}
	check("chat", s.backends.ChatHealth)
	check("tts", s.backends.TTSHealth)
	if s.taskMgr != nil {
		services["tasks"] = "enabled"
	} else {
		services["tasks"] = "disabled"
	}

	overall := "ok"
	for _, st := range services {
		if st == "unhealthy" {
			overall = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   overall,
		"services": services,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.machine == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "conversation runtime not attached")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleConversationState(w http.ResponseWriter, _ *http.Request) {
	if s.machine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "conversation runtime not attached")
		return
	}
	respondJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleToggle(w http.ResponseWriter, _ *http.Request) {
	if s.machine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "conversation runtime not attached")
		return
	}
	if err := s.machine.ToggleActive(); err != nil {
		respondError(w, http.StatusConflict, "toggle_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	if s.machine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "conversation runtime not attached")
		return
	}
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.machine.SetMuted(req.Muted)
	respondJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "transcript store not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}
	turns, err := s.store.RecentTurns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	if s.backends.Voices == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "tts backend not configured")
		return
	}
	voices, err := s.backends.Voices.ListVoices(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_backend_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.backends.Models == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "chat backend not configured")
		return
	}
	models, err := s.backends.Models.ListModels(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "chat_backend_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": models})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid positive integer")
	}
	return n, nil
}
