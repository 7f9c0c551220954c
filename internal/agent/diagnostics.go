package agent

import (
	"context"
	"log/slog"
	"time"
)

const defaultDiagnosticInterval = 10 * time.Second

// StartDiagnosticsWorker calls probe every interval until ctx is done.
func StartDiagnosticsWorker(ctx context.Context, interval time.Duration, probe func(context.Context)) {
	if interval <= 0 {
		interval = defaultDiagnosticInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Diagnostics worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				probe(ctx)
			case <-ctx.Done():
				slog.Info("Diagnostics worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// diagnose logs the agent's health and mirrors it into the gauges.
func (a *Agent) diagnose(ctx context.Context) {
	a.guard.IsValid(ctx)

	tab := a.guard.Snapshot()
	capState, capTab := a.capture.State()
	pending := a.dispatcher.Pending()
	state := a.client.State()

	a.metrics.SetConnectionState(string(state))
	a.metrics.SetTab(tab.IsValid, tab.ConsecutiveFailures)
	a.metrics.SetPending(pending)

	a.logger.Debug("Diagnostics",
		"connection", state,
		"tab_id", tab.TabID,
		"tab_valid", tab.IsValid,
		"tab_failures", tab.ConsecutiveFailures,
		"capture", capState,
		"capture_tab", capTab,
		"pending_commands", pending,
		"queue_dropped", a.queue.Dropped(),
		"logs", a.store.Counts(),
	)
}
