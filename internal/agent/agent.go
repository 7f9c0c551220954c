// Package agent wires the relay components into a running agent.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/tabrelay/internal/api"
	"github.com/ashureev/tabrelay/internal/bound"
	"github.com/ashureev/tabrelay/internal/capture"
	"github.com/ashureev/tabrelay/internal/config"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/identity"
	"github.com/ashureev/tabrelay/internal/logsink"
	"github.com/ashureev/tabrelay/internal/observability"
	"github.com/ashureev/tabrelay/internal/relay"
	"github.com/ashureev/tabrelay/internal/shared"
	"github.com/ashureev/tabrelay/internal/store"
	"github.com/ashureev/tabrelay/internal/tab"
	"github.com/ashureev/tabrelay/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Host is the browser the agent instruments.
type Host interface {
	capture.Debugger
	relay.Browser
	tab.Resolver
	api.Browser
	Evaluators() []relay.Evaluator
	OnNavigated(fn func(tabID, url string))
	Inspected() string
}

// Agent owns every relay component for the lifetime of the process.
type Agent struct {
	cfg     *config.Config
	live    *config.Live
	repo    store.Repository
	host    Host
	metrics *observability.Metrics
	logger  *slog.Logger

	validator  *identity.Validator
	client     *transport.Client
	sink       *logsink.Client
	guard      *tab.Guard
	capture    *capture.Session
	store      *relay.LogStore
	dispatcher *relay.Dispatcher
	forwarder  *relay.Forwarder
	queue      *EntryQueue
}

// New builds an Agent. Nothing runs until Start.
func New(cfg *config.Config, live *config.Live, repo store.Repository, host Host, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:     cfg,
		live:    live,
		repo:    repo,
		host:    host,
		logger:  logger,
		metrics: observability.NewMetrics(connectionStates()...),
		store:   relay.NewLogStore(cfg.LogBufferSize),
	}

	a.validator = identity.NewValidator(cfg.Transport.IdentityTimeout, cfg.Transport.ValidationCacheTTL, logger.With("component", "identity"))
	a.validator.Subscribe(func(ev identity.Event) {
		a.metrics.Validation(ev.Kind == identity.EventSuccess)
	})

	a.client = transport.NewClient(live.Get, a.validator, transport.Policy{
		ReconnectDelay:       cfg.Transport.ReconnectDelay,
		HeartbeatInterval:    cfg.Transport.HeartbeatInterval,
		MaxHeartbeatFailures: cfg.Transport.MaxHeartbeatFailures,
		HeartbeatPolicy:      cfg.Transport.HeartbeatPolicy,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
	}, logger.With("component", "transport"))

	a.sink = logsink.NewClient(nil, live.Get, a.validator, logger.With("component", "logsink"))
	a.guard = tab.NewGuard(host, domain.DefaultMaxTabFailures, logger.With("component", "tab"))

	bounder := bound.NewBounder(live.Get, a.metrics.Truncated)
	a.forwarder = relay.NewForwarder(bounder, a.store, a.client, a.sink, cfg.SendsHTTP(), cfg.SendsSocket(), logger.With("component", "forwarder"))
	a.queue = NewEntryQueue(defaultQueueSize, a.forwarder.Forward, logger.With("component", "queue"))
	a.capture = capture.NewSession(host, a.captured, logger.With("component", "capture"))

	a.dispatcher = relay.NewDispatcher(relay.Options{
		Transport:     a.client,
		Browser:       host,
		Guard:         a.guard,
		Evaluators:    host.Evaluators(),
		Store:         a.store,
		Bounder:       bounder,
		Wiper:         a.sink,
		Recorder:      a.metrics,
		Settings:      live.Get,
		ScriptTimeout: cfg.ScriptTimeout,
		Logger:        logger.With("component", "dispatcher"),
	})

	a.client.OnMessage(a.dispatcher.HandleMessage)
	a.client.SetHooks(transport.Hooks{
		OnOpen:      a.opened,
		OnState:     func(s transport.State) { a.metrics.SetConnectionState(string(s)) },
		OnSent:      a.metrics.FrameSent,
		OnDropped:   a.metrics.FrameDropped,
		OnReconnect: a.metrics.Reconnect,
	})
	return a
}

func connectionStates() []string {
	states := []transport.State{
		transport.StateIdle, transport.StateValidating, transport.StateConnecting,
		transport.StateOpen, transport.StateClosing, transport.StateReconnecting,
	}
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// Start restores the inspected tab, attaches capture, connects to the relay
// server and starts the diagnostics worker.
func (a *Agent) Start(ctx context.Context) {
	a.host.OnNavigated(func(tabID, url string) {
		if tabID != a.host.Inspected() {
			return
		}
		a.dispatcher.HandleNavigation(ctx, tabID, url)
	})

	a.restoreTab(ctx)
	if tabID, err := a.host.CurrentTab(ctx); err != nil {
		a.logger.Warn("No tab to instrument yet", "error", err)
	} else {
		a.guard.SetTab(tabID)
		if err := a.capture.Attach(ctx, tabID); err != nil {
			a.logger.Warn("Initial capture attach failed", "tab_id", tabID, "error", err)
		}
	}

	shared.Go(a.logger, "transport-connect", func() { a.client.Connect(ctx) })
	StartDiagnosticsWorker(ctx, a.cfg.DiagnosticInterval, a.diagnose)
}

func (a *Agent) restoreTab(ctx context.Context) {
	last, err := a.repo.GetState(ctx, api.LastTabKey)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		a.logger.Warn("Failed to load last inspected tab", "error", err)
		return
	}
	a.host.SetInspected(last)
	a.logger.Info("Restored last inspected tab", "tab_id", last)
}

// opened runs for every new socket. ctx ends when that socket closes.
func (a *Agent) opened(ctx context.Context, sess *transport.Session) {
	shared.Go(a.logger, "transport-opened", func() {
		tabID := a.guard.Snapshot().TabID
		if tabID == "" {
			var err error
			if tabID, err = a.host.CurrentTab(ctx); err != nil {
				a.logger.Warn("No tab to announce on open", "session_id", sess.ID, "error", err)
				return
			}
			a.guard.SetTab(tabID)
		}
		if err := a.capture.EnsureAttached(ctx, tabID); err != nil {
			a.logger.Warn("Capture attach on open failed", "tab_id", tabID, "error", err)
		}
		a.dispatcher.AnnounceURL(ctx, relay.SourceInitialConnection)
	})
}

func (a *Agent) captured(entry domain.LogEntry) {
	a.metrics.Captured(entry.Type)
	a.queue.Push(entry)
}

// Handler returns the control API handler.
func (a *Agent) Handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Repo:      a.repo,
		Live:      a.live,
		Transport: a.client,
		Validator: a.validator,
		Capture:   a.capture,
		Guard:     a.guard,
		Browser:   a.host,
		Announcer: a.dispatcher,
		Logs:      a.store,
		Pending:   a.dispatcher.Pending,
		Metrics:   a.MetricsHandler(),
		Logger:    a.logger.With("component", "api"),
	})
}

// MetricsHandler serves the agent's registry.
func (a *Agent) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{})
}

// Shutdown closes the socket, detaches capture and stops the queue.
func (a *Agent) Shutdown(ctx context.Context) {
	a.client.Shutdown(ctx)
	if err := a.capture.Detach(ctx); err != nil {
		a.logger.Warn("Capture detach on shutdown failed", "error", err)
	}
	a.queue.Close()
}
