// Package tab tracks whether the tab remote commands target is still
// reachable and drives a bounded recovery before tab-scoped commands run.
package tab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
)

const (
	// CheckInterval is the minimum time between two validity checks.
	CheckInterval = 500 * time.Millisecond
	// SettleDelay is how long recovery waits before re-checking.
	SettleDelay = time.Second
)

// ErrNoTab is returned by a Resolver when no tab can be found.
var ErrNoTab = errors.New("no inspected tab")

// Resolver looks tabs up in the host browser.
type Resolver interface {
	// CurrentTab returns the id of the tab commands should target.
	CurrentTab(ctx context.Context) (string, error)
	// CheckTab returns nil when tabID exists and is scriptable.
	CheckTab(ctx context.Context, tabID string) error
}

// ContextError is returned when a tab-scoped command cannot run.
type ContextError struct {
	TabID               string
	ConsecutiveFailures int
	MaxFailures         int
	SinceLastSuccess    time.Duration
	AfterRecovery       bool
}

func (e *ContextError) Error() string {
	if e.AfterRecovery {
		return fmt.Sprintf("tab context not available after recovery attempt - wrong tab or context lost (failures: %d/%d)",
			e.ConsecutiveFailures, e.MaxFailures)
	}
	return fmt.Sprintf("tab context unavailable - too many consecutive failures (failures: %d/%d)",
		e.ConsecutiveFailures, e.MaxFailures)
}

// Guard owns the TabContext of the inspected tab.
type Guard struct {
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	tab domain.TabContext
}

// NewGuard creates a Guard. maxFailures <= 0 uses DefaultMaxTabFailures.
func NewGuard(resolver Resolver, maxFailures int, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailures <= 0 {
		maxFailures = domain.DefaultMaxTabFailures
	}
	return &Guard{
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
		tab:      domain.TabContext{MaxFailures: maxFailures},
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

// SetTab pins the guard to tabID and resets its counters.
func (g *Guard) SetTab(tabID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tab.TabID == tabID {
		return
	}
	g.tab = domain.TabContext{TabID: tabID, MaxFailures: g.tab.MaxFailures}
}

// IsValid reports whether the tab is reachable, consulting the resolver at
// most once per CheckInterval.
func (g *Guard) IsValid(ctx context.Context) bool {
	return g.check(ctx, false)
}

func (g *Guard) check(ctx context.Context, force bool) bool {
	g.mu.Lock()
	now := g.now()
	if !force && !g.tab.LastValidation.IsZero() && now.Sub(g.tab.LastValidation) < CheckInterval {
		valid := g.tab.IsValid
		g.mu.Unlock()
		return valid
	}
	tabID := g.tab.TabID
	g.mu.Unlock()

	err := ErrNoTab
	if tabID != "" {
		err = g.resolver.CheckTab(ctx, tabID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tab.TabID != tabID {
		// Retargeted while checking; the result describes another tab.
		return g.tab.IsValid
	}
	g.tab.LastValidation = g.now()
	if err != nil {
		g.tab.IsValid = false
		g.tab.ConsecutiveFailures++
		g.logger.Debug("Tab check failed", "tab_id", tabID, "failures", g.tab.ConsecutiveFailures, "error", err)
		return false
	}
	g.tab.IsValid = true
	g.tab.ConsecutiveFailures = 0
	return true
}

// Recover escalates through an immediate re-check, a re-check after
// SettleDelay and finally re-reading the tab id from the host.
func (g *Guard) Recover(ctx context.Context) bool {
	if g.check(ctx, true) {
		return true
	}

	if err := g.sleep(ctx, SettleDelay); err != nil {
		return false
	}
	if g.check(ctx, true) {
		return true
	}

	tabID, err := g.resolver.CurrentTab(ctx)
	if err != nil || tabID == "" {
		g.logger.Warn("Tab recovery failed", "error", err)
		return false
	}
	g.mu.Lock()
	if g.tab.TabID != tabID {
		g.logger.Info("Tab recovered with new id", "old_tab_id", g.tab.TabID, "tab_id", tabID)
		g.tab.TabID = tabID
	}
	g.mu.Unlock()
	return g.check(ctx, true)
}

// Gate returns nil when a tab-scoped command may run. Below MaxFailures an
// invalid tab triggers Recover; at or above it the command fails fast.
func (g *Guard) Gate(ctx context.Context) error {
	if g.IsValid(ctx) {
		return nil
	}
	if g.Snapshot().Exhausted() {
		return g.contextError(false)
	}
	if g.Recover(ctx) {
		return nil
	}
	return g.contextError(true)
}

func (g *Guard) contextError(afterRecovery bool) *ContextError {
	snap := g.Snapshot()
	var since time.Duration
	if !snap.LastSuccessfulCommand.IsZero() {
		since = g.now().Sub(snap.LastSuccessfulCommand)
	}
	return &ContextError{
		TabID:               snap.TabID,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		MaxFailures:         snap.MaxFailures,
		SinceLastSuccess:    since,
		AfterRecovery:       afterRecovery,
	}
}

// RecordSuccess marks a tab-scoped command as completed.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tab.ConsecutiveFailures = 0
	g.tab.IsValid = true
	g.tab.LastSuccessfulCommand = g.now()
}

// Invalidate forces the next IsValid call to consult the resolver. Called on
// tab activation and navigation.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tab.LastValidation = time.Time{}
}

// Snapshot returns a copy of the tracked TabContext.
func (g *Guard) Snapshot() domain.TabContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tab
}
