package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solovoice/solo/internal/capture"
	"github.com/solovoice/solo/internal/chat"
	"github.com/solovoice/solo/internal/config"
	"github.com/solovoice/solo/internal/conversation"
	"github.com/solovoice/solo/internal/httpapi"
	"github.com/solovoice/solo/internal/observability"
	"github.com/solovoice/solo/internal/speech"
	"github.com/solovoice/solo/internal/tasks"
	"github.com/solovoice/solo/internal/transcript"
)

// App owns every runtime component and the wiring between them.
type App struct {
	Config  config.Config
	Metrics *observability.Metrics
	Server  *httpapi.Server
	Machine *conversation.Machine
	Tasks   *tasks.Manager
	Store   transcript.Store

	output *speech.Output
}

// Build assembles the full runtime from configuration. The returned App is
// ready to serve; ctx bounds the lifetime of all background goroutines.
// Prometheus instruments register on the default registry, so Build must be
// called at most once per process.
func Build(ctx context.Context, cfg config.Config) *App {
	return BuildWithMetrics(ctx, cfg, observability.NewMetrics(cfg.MetricsNamespace))
}

// BuildWithMetrics is Build with caller-supplied instruments; metrics may be
// nil to disable them.
func BuildWithMetrics(ctx context.Context, cfg config.Config, metrics *observability.Metrics) *App {
	store := transcript.NewStore(ctx, cfg.DatabaseURL)

	chatClient := chat.NewClient(cfg.ChatURL, cfg.ChatModel, cfg.SystemPrompt, cfg.ChatTimeout)
	ttsClient := speech.NewClient(cfg.TTSURL, cfg.TTSVoice, cfg.TTSSpeed, cfg.TTSTimeout)

	// The task manager and HTTP server reference each other: the manager
	// notifies through the server's broadcast, the server routes REST calls
	// to the manager. The closure breaks the construction cycle.
	var srv *httpapi.Server
	var taskMgr *tasks.Manager
	var streamClient *tasks.StreamClient
	if cfg.TaskAPIURL != "" {
		streamClient = tasks.NewStreamClient(cfg.TaskAPIURL)
		taskMgr = tasks.NewManager(ctx, streamClient, tasks.Options{
			LogLimit:        cfg.OutputLogLimit,
			SummaryInterval: cfg.SummarySpeechInterval,
			Metrics:         metrics,
			Notify: func(u tasks.Update) {
				if srv != nil {
					srv.BroadcastTaskUpdate(u)
				}
			},
		})
	}

	backends := httpapi.Backends{
		ChatHealth: chatClient,
		TTSHealth:  ttsClient,
		Voices:     ttsClient,
		Models:     chatClient,
	}
	if streamClient != nil {
		backends.TaskExec = streamClient
	}
	srv = httpapi.New(cfg, metrics, taskMgr, store, backends)

	feed := capture.NewFeed(srv.SendCaptureControl)
	output := speech.NewOutput(ttsClient, speech.NewLocalSynthesizer(), srv.Sink(),
		cfg.FadeDuration, cfg.FadeStep, metrics)

	recorder := &turnRecorder{store: store}
	notify := func(ev conversation.StateEvent) {
		srv.BroadcastStateEvent(ev)
		recorder.observe(ev)
	}

	var gate conversation.ApprovalGate
	if taskMgr != nil {
		gate = taskApprovalGate{mgr: taskMgr}
	}

	machine := conversation.NewMachine(ctx, conversation.Config{
		SilenceWindow:   cfg.SilenceWindow,
		ThinkingDelay:   cfg.ThinkingDelay,
		MinCommitRunes:  cfg.MinCommitRunes,
		PostSpeechDelay: cfg.PostSpeechDelay,
		RestartBackoff:  cfg.RestartBackoff,
		HistoryLimit:    cfg.HistoryLimit,
	}, feed, streamingChat{client: chatClient, onDelta: srv.BroadcastAssistantPartial},
		speakerAdapter{out: output}, gate, metrics, notify)

	if taskMgr != nil {
		taskMgr.SetVoice(machine)
	}
	srv.Attach(machine, feed)

	return &App{
		Config:  cfg,
		Metrics: metrics,
		Server:  srv,
		Machine: machine,
		Tasks:   taskMgr,
		Store:   store,
		output:  output,
	}
}

// Shutdown stops background work; safe to call once after the HTTP server
// has drained.
func (a *App) Shutdown() {
	if a.Tasks != nil {
		a.Tasks.Shutdown()
	}
	a.output.StopAll()
	if a.Store != nil {
		a.Store.Close()
	}
}

// speakerAdapter narrows the speech output to the machine's Speaker. The
// explicit nil check matters: returning a nil *speech.Playback inside the
// interface would read as non-nil to the caller.
type speakerAdapter struct {
	out *speech.Output
}

func (s speakerAdapter) Speak(ctx context.Context, text string) (conversation.Playback, error) {
	pb, err := s.out.Speak(ctx, text)
	if pb == nil {
		return nil, err
	}
	return pb, err
}

func (s speakerAdapter) ReplayPending() {
	s.out.ReplayPending()
}

// streamingChat prefers the streaming chat path so partial reply text reaches
// connected clients as it arrives. A failed stream falls back to one plain
// request before the turn is declared failed.
type streamingChat struct {
	client  *chat.Client
	onDelta func(text string)
}

func (b streamingChat) Respond(ctx context.Context, message string, history []conversation.Turn) (string, error) {
	reply, err := b.client.Stream(ctx, message, history, func(delta string) error {
		if b.onDelta != nil {
			b.onDelta(delta)
		}
		return nil
	})
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	log.Printf("app: streaming chat failed, retrying non-streaming: %v", err)
	return b.client.Respond(ctx, message, history)
}

// taskApprovalGate routes voice approval commands to whichever session is
// awaiting a decision.
type taskApprovalGate struct {
	mgr *tasks.Manager
}

func (g taskApprovalGate) AwaitingApproval() bool {
	return g.mgr.AwaitingApproval()
}

func (g taskApprovalGate) Decide(ctx context.Context, approved bool) error {
	return g.mgr.DecideVoice(ctx, approved)
}

// turnRecorder persists completed turns. It observes machine events, pairs
// each committed utterance with the reply that follows, and writes the pair
// off the event path.
type turnRecorder struct {
	store transcript.Store

	mu          sync.Mutex
	pendingText string
	committedAt time.Time
}

func (r *turnRecorder) observe(ev conversation.StateEvent) {
	if r.store == nil {
		return
	}
	switch ev.Kind {
	case conversation.EventCommitted:
		r.mu.Lock()
		r.pendingText = ev.Text
		r.committedAt = time.Now()
		r.mu.Unlock()
	case conversation.EventReply:
		r.mu.Lock()
		userText := r.pendingText
		committedAt := r.committedAt
		r.pendingText = ""
		r.mu.Unlock()
		if userText == "" {
			return
		}
		rec := transcript.TurnRecord{
			ID:          uuid.New().String(),
			UserText:    userText,
			ReplyText:   ev.Text,
			CommittedAt: committedAt,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.store.SaveTurn(ctx, rec); err != nil {
				log.Printf("app: save turn: %v", err)
			}
		}()
	}
}
