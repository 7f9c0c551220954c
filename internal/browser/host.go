// Package browser drives Chrome over the DevTools protocol on behalf of the
// relay: tab discovery, capture attachment, scripting and screenshots.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tabrelay/internal/capture"
	"github.com/ashureev/tabrelay/internal/config"
	"github.com/ashureev/tabrelay/internal/shared"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const startTimeout = 30 * time.Second

// ErrClosed is returned once the host has been closed.
var ErrClosed = errors.New("browser host closed")

// tabConn is the protocol session to one tab. It stays open for the life
// of the tab; capture attachment only toggles event domains on it.
type tabConn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	owned  bool // ctx is the host's browser context

	mu        sync.Mutex
	listeners map[int]func(any)
	nextID    int
	attached  bool
	isolated  runtime.ExecutionContextID
}

// Host owns the Chrome allocator and one protocol session per known tab.
type Host struct {
	logger        *slog.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu         sync.Mutex
	tabs       map[string]*tabConn
	inspected  string
	onNavigate func(tabID, url string)
	closed     bool
}

// NewHost launches Chrome, or connects to it when cfg.CDPURL is set, and
// opens cfg.StartURL in the initial tab.
func NewHost(cfg config.BrowserConfig, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}

	allocCtx, allocCancel := newAllocator(cfg, logger)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	h := &Host{
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[string]*tabConn),
	}

	errCh := make(chan error, 1)
	go func() {
		var actions []chromedp.Action
		if cfg.StartURL != "" {
			actions = append(actions, chromedp.Navigate(cfg.StartURL))
		}
		errCh <- chromedp.Run(browserCtx, actions...)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-time.After(startTimeout):
		h.Close()
		return nil, fmt.Errorf("start browser: timed out after %s", startTimeout)
	}

	c := chromedp.FromContext(browserCtx)
	initial := string(c.Target.TargetID)
	h.inspected = initial
	h.tabs[initial] = h.newTabConn(initial, browserCtx, browserCancel, true)

	chromedp.ListenBrowser(browserCtx, h.handleBrowserEvent)
	logger.Info("Browser ready", "tab_id", initial, "remote", cfg.CDPURL != "")
	return h, nil
}

func newAllocator(cfg config.BrowserConfig, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if cfg.CDPURL != "" {
		logger.Info("Connecting to Chrome", "url", cfg.CDPURL)
		return chromedp.NewRemoteAllocator(context.Background(), cfg.CDPURL)
	}
	logger.Info("Launching Chrome", "headless", cfg.Headless)
	return chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
}

func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.WindowSize(1366, 768),
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// OnNavigated registers fn for main-frame navigations of any known tab.
func (h *Host) OnNavigated(fn func(tabID, url string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onNavigate = fn
}

// Inspected returns the tab remote commands target by default.
func (h *Host) Inspected() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inspected
}

// SetInspected makes tabID the default tab.
func (h *Host) SetInspected(tabID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inspected = tabID
}

// Close detaches from every tab and shuts the browser connection down.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	tabs := h.tabs
	h.tabs = make(map[string]*tabConn)
	h.mu.Unlock()

	for _, tc := range tabs {
		if !tc.owned {
			tc.cancel()
		}
	}
	h.browserCancel()
	h.allocCancel()
}

func (h *Host) newTabConn(id string, ctx context.Context, cancel context.CancelFunc, owned bool) *tabConn {
	tc := &tabConn{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		owned:     owned,
		listeners: make(map[int]func(any)),
	}
	chromedp.ListenTarget(ctx, func(ev any) { h.handleTabEvent(tc, ev) })
	if err := chromedp.Run(ctx, page.Enable()); err != nil {
		h.logger.Debug("Page domain not enabled", "tab_id", id, "error", err)
	}
	return tc
}

// tab returns the session for tabID, opening it on first use.
func (h *Host) tab(tabID string) (*tabConn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if tc, ok := h.tabs[tabID]; ok {
		h.mu.Unlock()
		return tc, nil
	}
	h.mu.Unlock()

	ctx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(target.ID(tabID)))
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to tab %s: %w", tabID, err)
	}
	tc := h.newTabConn(tabID, ctx, cancel, false)

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.tabs[tabID]; ok {
		cancel()
		return existing, nil
	}
	h.tabs[tabID] = tc
	return tc, nil
}

// exec returns a context that runs protocol commands on tc's session while
// honouring ctx's deadline and cancellation.
func (tc *tabConn) exec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(tc.ctx).Target)
}

func (h *Host) handleBrowserEvent(ev any) {
	destroyed, ok := ev.(*target.EventTargetDestroyed)
	if !ok {
		return
	}
	tabID := string(destroyed.TargetID)
	h.mu.Lock()
	tc, known := h.tabs[tabID]
	if known && !tc.owned {
		delete(h.tabs, tabID)
	}
	h.mu.Unlock()
	if known && !tc.owned {
		h.logger.Info("Tab closed", "tab_id", tabID)
		tc.cancel()
	}
}

func (h *Host) handleTabEvent(tc *tabConn, ev any) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			break
		}
		tc.mu.Lock()
		tc.isolated = 0
		tc.mu.Unlock()
		h.mu.Lock()
		fn := h.onNavigate
		h.mu.Unlock()
		if fn != nil {
			url := e.Frame.URL
			shared.Go(h.logger, "browser-navigated", func() { fn(tc.id, url) })
		}
	case *runtime.EventExecutionContextsCleared:
		tc.mu.Lock()
		tc.isolated = 0
		tc.mu.Unlock()
	}

	tc.mu.Lock()
	fns := make([]func(any), 0, len(tc.listeners))
	for _, fn := range tc.listeners {
		fns = append(fns, fn)
	}
	tc.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Targets lists the open page targets. Attached reflects capture
// attachment by this host.
func (h *Host) Targets(ctx context.Context) ([]capture.Target, error) {
	infos, err := chromedp.Targets(h.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]capture.Target, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		t := capture.Target{
			ID:    string(info.TargetID),
			Type:  info.Type,
			Title: info.Title,
			URL:   info.URL,
		}
		if tc, ok := h.tabs[t.ID]; ok {
			tc.mu.Lock()
			t.Attached = tc.attached
			tc.mu.Unlock()
		}
		out = append(out, t)
	}
	return out, nil
}

// Attach marks the tab as captured. A tab is captured by at most one
// session at a time.
func (h *Host) Attach(ctx context.Context, tabID string) error {
	tc, err := h.tab(tabID)
	if err != nil {
		return err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.attached {
		return fmt.Errorf("tab %s: another capture session is already attached", tabID)
	}
	tc.attached = true
	return nil
}

// Detach stops event delivery for the tab.
func (h *Host) Detach(ctx context.Context, tabID string) error {
	h.mu.Lock()
	tc, ok := h.tabs[tabID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %s: not attached", tabID)
	}

	tc.mu.Lock()
	wasAttached := tc.attached
	tc.attached = false
	tc.mu.Unlock()
	if !wasAttached {
		return fmt.Errorf("tab %s: not attached", tabID)
	}

	exec := tc.exec(ctx)
	if err := network.Disable().Do(exec); err != nil {
		return fmt.Errorf("disable network on tab %s: %w", tabID, err)
	}
	if err := runtime.Disable().Do(exec); err != nil {
		return fmt.Errorf("disable runtime on tab %s: %w", tabID, err)
	}
	return nil
}

// EnableDomains turns on runtime and network events for the tab.
func (h *Host) EnableDomains(ctx context.Context, tabID string) error {
	tc, err := h.tab(tabID)
	if err != nil {
		return err
	}
	exec := tc.exec(ctx)
	if err := runtime.Enable().Do(exec); err != nil {
		return fmt.Errorf("enable runtime: %w", err)
	}
	if err := network.Enable().Do(exec); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	return nil
}

// Listen registers fn for the tab's protocol events.
func (h *Host) Listen(tabID string, fn func(ev any)) (remove func()) {
	h.mu.Lock()
	tc, ok := h.tabs[tabID]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("Listen on unknown tab", "tab_id", tabID)
		return func() {}
	}

	tc.mu.Lock()
	tc.nextID++
	id := tc.nextID
	tc.listeners[id] = fn
	tc.mu.Unlock()

	return func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		delete(tc.listeners, id)
	}
}

// ResponseBody fetches the body of a finished network request.
func (h *Host) ResponseBody(ctx context.Context, tabID string, requestID network.RequestID) ([]byte, error) {
	tc, err := h.tab(tabID)
	if err != nil {
		return nil, err
	}
	return network.GetResponseBody(requestID).Do(tc.exec(ctx))
}

// RequestPostData fetches a request body that was too large to arrive with
// the request event.
func (h *Host) RequestPostData(ctx context.Context, tabID string, requestID network.RequestID) (string, error) {
	tc, err := h.tab(tabID)
	if err != nil {
		return "", err
	}
	return network.GetRequestPostData(requestID).Do(tc.exec(ctx))
}
