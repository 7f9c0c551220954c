// Package relay routes relay-server commands to the browser and forwards
// captured telemetry back to the server.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/tabrelay/internal/bound"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/protocol"
	"github.com/ashureev/tabrelay/internal/shared"
	"github.com/ashureev/tabrelay/internal/tab"
	"github.com/google/uuid"
)

const (
	// DefaultScriptTimeout bounds a run-script command.
	DefaultScriptTimeout = 15 * time.Second

	urlRetries    = 2
	urlRetryDelay = 500 * time.Millisecond
	wipeTimeout   = 5 * time.Second
)

// Command outcomes passed to Recorder.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeDropped = "dropped"
)

// Transport is the outbound half of the socket plus its control signals.
type Transport interface {
	Send(frame any) bool
	AckHeartbeat()
	CloseIntentionally(reason string)
}

// Browser performs tab-level side effects.
type Browser interface {
	Screenshot(ctx context.Context, tabID string) ([]byte, error)
	Reload(ctx context.Context, tabID string) error
	TabURL(ctx context.Context, tabID string) (string, error)
}

// TabGuard gates tab-scoped commands.
type TabGuard interface {
	Gate(ctx context.Context) error
	Recover(ctx context.Context) bool
	RecordSuccess()
	Invalidate()
	SetTab(tabID string)
	Snapshot() domain.TabContext
}

// LogWiper clears the server-side log store.
type LogWiper interface {
	Wipe(ctx context.Context) error
}

// Recorder observes handled commands.
type Recorder interface {
	CommandHandled(kind, outcome string)
}

// Options configures a Dispatcher. Wiper and Recorder are optional.
type Options struct {
	Transport     Transport
	Browser       Browser
	Guard         TabGuard
	Evaluators    []Evaluator
	Store         *LogStore
	Bounder       *bound.Bounder
	Wiper         LogWiper
	Recorder      Recorder
	Settings      func() domain.Settings
	ScriptTimeout time.Duration
	Logger        *slog.Logger
}

// Dispatcher handles inbound frames. Every command carrying a request id
// gets exactly one terminal response.
type Dispatcher struct {
	transport     Transport
	browser       Browser
	guard         TabGuard
	evaluators    []Evaluator
	store         *LogStore
	bounder       *bound.Bounder
	wiper         LogWiper
	recorder      Recorder
	settings      func() domain.Settings
	scriptTimeout time.Duration
	logger        *slog.Logger
	pending       *PendingCommands
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = DefaultScriptTimeout
	}
	return &Dispatcher{
		transport:     opts.Transport,
		browser:       opts.Browser,
		guard:         opts.Guard,
		evaluators:    opts.Evaluators,
		store:         opts.Store,
		bounder:       opts.Bounder,
		wiper:         opts.Wiper,
		recorder:      opts.Recorder,
		settings:      opts.Settings,
		scriptTimeout: opts.ScriptTimeout,
		logger:        opts.Logger,
		pending:       NewPendingCommands(opts.Transport.Send),
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pending returns the number of unresolved asynchronous commands.
func (d *Dispatcher) Pending() int {
	return d.pending.Len()
}

// HandleMessage processes one inbound frame. ctx ends when the connection
// the frame arrived on closes. Slow commands complete in the background.
func (d *Dispatcher) HandleMessage(ctx context.Context, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		d.logger.Warn("Discarding malformed frame", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		d.logger.Debug("Ping received")
		d.reply(ctx, msg.Type, protocol.Pong{Type: protocol.TypePong, RequestID: msg.RequestID, Timestamp: protocol.Now()})
		return
	case protocol.TypeHeartbeatResponse:
		d.transport.AckHeartbeat()
		return
	}

	d.logger.Info("Command received", "type", msg.Type, "request_id", msg.RequestID)

	switch msg.Type {
	case protocol.TypeServerShutdown:
		d.pending.Drop()
		d.transport.CloseIntentionally("server shutdown")
		d.record(msg.Type, OutcomeOK)
	case protocol.TypeTakeScreenshot:
		shared.Go(d.logger, "relay-screenshot", func() { d.takeScreenshot(ctx, msg) })
	case protocol.TypeRefreshPage:
		shared.Go(d.logger, "relay-refresh", func() { d.refreshPage(ctx, msg) })
	case protocol.TypeRunScript:
		d.runScript(ctx, msg)
	case protocol.TypeGetCurrentURL:
		shared.Go(d.logger, "relay-current-url", func() { d.currentURL(ctx, msg) })
	case protocol.TypeGetConsoleLogs, protocol.TypeGetConsoleErrors, protocol.TypeGetNetworkLogs:
		d.queryLogs(ctx, msg)
	case protocol.TypeWipeLogs:
		d.wipeLogs(ctx, msg)
	default:
		d.logger.Warn("Unknown frame type", "type", msg.Type)
	}
}

// reply sends frame unless the connection ctx belongs to has ended.
func (d *Dispatcher) reply(ctx context.Context, kind string, frame any) {
	if ctx.Err() != nil {
		d.logger.Debug("Dropping reply for closed connection", "type", kind)
		d.record(kind, OutcomeDropped)
		return
	}
	if !d.transport.Send(frame) {
		d.record(kind, OutcomeDropped)
	}
}

func (d *Dispatcher) record(kind, outcome string) {
	if d.recorder != nil {
		d.recorder.CommandHandled(kind, outcome)
	}
}

func (d *Dispatcher) takeScreenshot(ctx context.Context, msg protocol.Inbound) {
	tabID := d.guard.Snapshot().TabID
	if tabID == "" {
		d.screenshotFailed(ctx, msg, &CommandError{Kind: msg.Type, Reason: ReasonNoTab, Err: tab.ErrNoTab})
		return
	}

	png, err := d.browser.Screenshot(ctx, tabID)
	if err != nil {
		d.screenshotFailed(ctx, msg, &CommandError{Kind: msg.Type, Reason: ReasonCaptureFailed, Err: err})
		return
	}

	s := d.settings()
	path := msg.Path
	if path == "" {
		path = s.ScreenshotPath
	}
	d.reply(ctx, msg.Type, protocol.ScreenshotData{
		Type:      protocol.TypeScreenshotData,
		RequestID: msg.RequestID,
		Data:      "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		Path:      path,
		AutoPaste: s.AllowAutoPaste,
	})
	d.record(msg.Type, OutcomeOK)
}

func (d *Dispatcher) screenshotFailed(ctx context.Context, msg protocol.Inbound, err *CommandError) {
	d.logger.Warn("Screenshot failed", "request_id", msg.RequestID, "error", err)
	d.reply(ctx, msg.Type, protocol.ErrorReply{
		Type:      protocol.TypeScreenshotError,
		RequestID: msg.RequestID,
		Error:     err.Err.Error(),
	})
	d.record(msg.Type, OutcomeError)
}

func (d *Dispatcher) refreshPage(ctx context.Context, msg protocol.Inbound) {
	resp := protocol.RefreshPageResponse{Type: protocol.TypeRefreshPageResponse, RequestID: msg.RequestID}

	tabID := d.guard.Snapshot().TabID
	var err error
	if tabID == "" {
		err = tab.ErrNoTab
	} else {
		err = d.browser.Reload(ctx, tabID)
	}
	if err != nil {
		d.logger.Warn("Page refresh failed", "request_id", msg.RequestID, "tab_id", tabID, "error", err)
		resp.Error = err.Error()
		d.reply(ctx, msg.Type, resp)
		d.record(msg.Type, OutcomeError)
		return
	}

	d.guard.Invalidate()
	resp.Success = true
	d.reply(ctx, msg.Type, resp)
	d.record(msg.Type, OutcomeOK)
}

func (d *Dispatcher) runScript(ctx context.Context, msg protocol.Inbound) {
	key := msg.RequestID
	if key == "" {
		key = uuid.NewString()
	}

	timeoutFrame := func() any {
		d.logger.Warn("Script execution timed out", "request_id", msg.RequestID, "timeout", d.scriptTimeout)
		d.record(msg.Type, OutcomeTimeout)
		return protocol.ScriptError{
			Type:      protocol.TypeScriptError,
			RequestID: msg.RequestID,
			Error:     fmt.Sprintf("script execution timed out after %s", d.scriptTimeout),
			Reason:    ReasonTimeout,
		}
	}
	if !d.pending.Add(ctx, key, msg.Type, d.scriptTimeout, timeoutFrame) {
		d.logger.Warn("Duplicate request id in flight, ignoring", "request_id", msg.RequestID)
		d.record(msg.Type, OutcomeDropped)
		return
	}

	shared.Go(d.logger, "relay-run-script", func() {
		frame, outcome := d.executeScript(ctx, msg)
		if d.pending.Resolve(key, frame) {
			d.record(msg.Type, outcome)
		}
	})
}

func (d *Dispatcher) executeScript(ctx context.Context, msg protocol.Inbound) (any, string) {
	scriptErr := func(err error, reason string, info *protocol.ContextInfo) (any, string) {
		d.logger.Warn("Script execution failed", "request_id", msg.RequestID, "reason", reason, "error", err)
		return protocol.ScriptError{
			Type:        protocol.TypeScriptError,
			RequestID:   msg.RequestID,
			Error:       err.Error(),
			Reason:      reason,
			ContextInfo: info,
		}, OutcomeError
	}

	if err := d.guard.Gate(ctx); err != nil {
		var cerr *tab.ContextError
		if errors.As(err, &cerr) {
			return scriptErr(err, ReasonTabContext, &protocol.ContextInfo{
				TabID:                cerr.TabID,
				ConsecutiveFailures:  cerr.ConsecutiveFailures,
				TimeSinceLastSuccess: cerr.SinceLastSuccess.Milliseconds(),
			})
		}
		return scriptErr(err, ReasonTabContext, nil)
	}

	evalCtx, cancel := context.WithTimeout(ctx, d.scriptTimeout)
	defer cancel()

	tabID := d.guard.Snapshot().TabID
	result, evaluator, err := evaluate(evalCtx, d.evaluators, tabID, msg.Script)
	if err != nil {
		return scriptErr(&CommandError{Kind: msg.Type, Reason: scriptReason(err), Err: err}, scriptReason(err), nil)
	}

	d.guard.RecordSuccess()
	if len(result) == 0 {
		result = []byte("null")
	}
	return protocol.ScriptResult{
		Type:      protocol.TypeScriptResult,
		RequestID: msg.RequestID,
		Result:    result,
		Evaluator: evaluator,
	}, OutcomeOK
}

func (d *Dispatcher) currentURL(ctx context.Context, msg protocol.Inbound) {
	resp := protocol.CurrentURLResponse{Type: protocol.TypeCurrentURLResponse, RequestID: msg.RequestID}

	var lastErr error
	for attempt := 0; attempt <= urlRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, urlRetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		tabID := d.guard.Snapshot().TabID
		if tabID == "" {
			lastErr = tab.ErrNoTab
			continue
		}
		url, err := d.browser.TabURL(ctx, tabID)
		if err != nil {
			lastErr = err
			continue
		}
		resp.URL = &url
		resp.TabID = tabID
		d.reply(ctx, msg.Type, resp)
		d.record(msg.Type, OutcomeOK)
		return
	}

	d.logger.Warn("Current URL unavailable", "request_id", msg.RequestID, "error", lastErr)
	resp.TabID = d.guard.Snapshot().TabID
	resp.Error = lastErr.Error()
	d.reply(ctx, msg.Type, resp)
	d.record(msg.Type, OutcomeError)
}

func (d *Dispatcher) queryLogs(ctx context.Context, msg protocol.Inbound) {
	logs := d.bounder.Entries(d.store.Query(msg.Type))
	d.reply(ctx, msg.Type, protocol.LogsResponse{
		Type:      protocol.ResponseType(msg.Type),
		RequestID: msg.RequestID,
		Logs:      logs,
	})
	d.record(msg.Type, OutcomeOK)
}

func (d *Dispatcher) wipeLogs(ctx context.Context, msg protocol.Inbound) {
	d.store.Reset()
	if d.wiper != nil {
		shared.Go(d.logger, "relay-wipe-server-logs", func() {
			wctx, cancel := context.WithTimeout(context.Background(), wipeTimeout)
			defer cancel()
			if err := d.wiper.Wipe(wctx); err != nil {
				d.logger.Warn("Failed to wipe server logs", "error", err)
			}
		})
	}
	d.reply(ctx, msg.Type, protocol.WipeLogsResponse{
		Type:      protocol.TypeWipeLogsResponse,
		RequestID: msg.RequestID,
		Success:   true,
	})
	d.record(msg.Type, OutcomeOK)
}
