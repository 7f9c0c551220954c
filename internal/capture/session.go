// Package capture attaches to a browser tab over the debugging protocol and
// turns its console, exception and network events into log entries.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/shared"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
)

// State is the attachment state of a Session.
type State string

// Attachment states.
const (
	StateDetached  State = "detached"
	StateAttaching State = "attaching"
	StateAttached  State = "attached"
	StateDetaching State = "detaching"
)

// ErrTabNotFound is returned when the requested tab is not among the
// debuggable targets.
var ErrTabNotFound = errors.New("tab not found")

// Target is a debuggable page.
type Target struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// Debugger is the host's debugging-protocol surface.
type Debugger interface {
	Targets(ctx context.Context) ([]Target, error)
	Attach(ctx context.Context, tabID string) error
	Detach(ctx context.Context, tabID string) error
	EnableDomains(ctx context.Context, tabID string) error
	// Listen registers fn for the tab's protocol events and returns a
	// function removing it. fn must not block.
	Listen(tabID string, fn func(ev any)) (remove func())
	ResponseBody(ctx context.Context, tabID string, requestID network.RequestID) ([]byte, error)
	RequestPostData(ctx context.Context, tabID string, requestID network.RequestID) (string, error)
}

// InstrumentationError reports a failed attach or detach.
type InstrumentationError struct {
	Op    string
	TabID string
	Err   error
}

func (e *InstrumentationError) Error() string {
	return fmt.Sprintf("capture %s tab %s: %v", e.Op, e.TabID, e.Err)
}

func (e *InstrumentationError) Unwrap() error { return e.Err }

// Session manages the single debugger attachment of the agent. Attach and
// Detach are serialised; at most one listener is registered at any time.
type Session struct {
	dbg    Debugger
	sink   func(domain.LogEntry)
	logger *slog.Logger
	now    func() time.Time

	opMu sync.Mutex // serialises Attach/Detach

	mu      sync.Mutex
	state   State
	tabID   string
	remove  func()
	network *networkTracker
}

// NewSession creates a detached Session delivering entries to sink.
func NewSession(dbg Debugger, sink func(domain.LogEntry), logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dbg:     dbg,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		state:   StateDetached,
		network: newNetworkTracker(maxTrackedRequests),
	}
}

// Attach attaches to tabID. Any existing attachment, ours or stale, is
// detached first and errors from that cleanup are ignored.
func (s *Session) Attach(ctx context.Context, tabID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	prev := s.tabID
	s.state = StateAttaching
	s.mu.Unlock()

	s.dropListener()
	if prev != "" && prev != tabID {
		if err := s.dbg.Detach(ctx, prev); err != nil {
			s.logger.Debug("Ignoring detach error for previous tab", "tab_id", prev, "error", err)
		}
	}

	targets, err := s.dbg.Targets(ctx)
	if err != nil {
		s.reset()
		return &InstrumentationError{Op: "attach", TabID: tabID, Err: err}
	}
	target, ok := findTarget(targets, tabID)
	if !ok {
		s.reset()
		return &InstrumentationError{Op: "attach", TabID: tabID, Err: ErrTabNotFound}
	}
	if target.Attached {
		if err := s.dbg.Detach(ctx, tabID); err != nil {
			s.logger.Debug("Ignoring forced detach error", "tab_id", tabID, "error", err)
		}
	}

	if err := s.dbg.Attach(ctx, tabID); err != nil {
		s.reset()
		return &InstrumentationError{Op: "attach", TabID: tabID, Err: err}
	}

	remove := s.dbg.Listen(tabID, s.handleEvent)
	s.mu.Lock()
	s.remove = remove
	s.tabID = tabID
	s.mu.Unlock()

	if err := s.dbg.EnableDomains(ctx, tabID); err != nil {
		s.dropListener()
		if derr := s.dbg.Detach(ctx, tabID); derr != nil {
			s.logger.Debug("Ignoring detach error after failed enable", "tab_id", tabID, "error", derr)
		}
		s.reset()
		return &InstrumentationError{Op: "enable", TabID: tabID, Err: err}
	}

	s.mu.Lock()
	s.state = StateAttached
	s.mu.Unlock()

	s.logger.Info("Capture attached", "tab_id", tabID, "url", target.URL)
	return nil
}

// EnsureAttached attaches to tabID unless already attached to it.
func (s *Session) EnsureAttached(ctx context.Context, tabID string) error {
	s.mu.Lock()
	attached := s.state == StateAttached && s.tabID == tabID
	s.mu.Unlock()
	if attached {
		return nil
	}
	return s.Attach(ctx, tabID)
}

// Detach removes the listener and detaches if the tab is still attached.
// Detaching an already-detached session is a no-op.
func (s *Session) Detach(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.dropListener()

	s.mu.Lock()
	tabID := s.tabID
	if tabID == "" {
		s.state = StateDetached
		s.mu.Unlock()
		return nil
	}
	s.state = StateDetaching
	s.mu.Unlock()

	defer s.reset()

	targets, err := s.dbg.Targets(ctx)
	if err == nil {
		if target, ok := findTarget(targets, tabID); !ok || !target.Attached {
			s.logger.Debug("Tab already detached", "tab_id", tabID)
			return nil
		}
	}

	if err := s.dbg.Detach(ctx, tabID); err != nil {
		return &InstrumentationError{Op: "detach", TabID: tabID, Err: err}
	}
	s.logger.Info("Capture detached", "tab_id", tabID)
	return nil
}

// State returns the attachment state and the attached tab.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.tabID
}

// Emit delivers an entry produced outside the event stream, such as a
// selected element, through the same sink.
func (s *Session) Emit(entry domain.LogEntry) {
	if entry.Timestamp == 0 {
		entry.Timestamp = s.now().UnixMilli()
	}
	s.sink(entry)
}

func (s *Session) dropListener() {
	s.mu.Lock()
	remove := s.remove
	s.remove = nil
	s.mu.Unlock()
	if remove != nil {
		remove()
	}
}

func (s *Session) reset() {
	s.mu.Lock()
	s.state = StateDetached
	s.tabID = ""
	s.mu.Unlock()
	s.network.reset()
}

func (s *Session) handleEvent(ev any) {
	s.mu.Lock()
	active := s.state == StateAttached || s.state == StateAttaching
	tabID := s.tabID
	s.mu.Unlock()
	if !active {
		return
	}

	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		entry := ConsoleEntry(e, s.now())
		entry.TabID = tabID
		s.sink(entry)
	case *runtime.EventExceptionThrown:
		entry := ExceptionEntry(e, s.now())
		entry.TabID = tabID
		s.sink(entry)
	case *network.EventRequestWillBeSent:
		s.network.begin(e, tabID, s.now())
	case *network.EventResponseReceived:
		s.network.response(e)
	case *network.EventLoadingFinished:
		if tr, ok := s.network.finish(e.RequestID); ok {
			id := e.RequestID
			shared.Go(s.logger, "capture-response-body", func() { s.completeRequest(tabID, id, tr) })
		}
	case *network.EventLoadingFailed:
		if tr, ok := s.network.finish(e.RequestID); ok {
			tr.entry.Message = e.ErrorText
			s.sink(tr.entry)
		}
	}
}

func (s *Session) completeRequest(tabID string, id network.RequestID, tr trackedRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), responseBodyTimeout)
	defer cancel()
	entry := tr.entry
	if tr.fetchPostData {
		data, err := s.dbg.RequestPostData(ctx, tabID, id)
		if err != nil {
			s.logger.Debug("Request body unavailable", "request_id", string(id), "error", err)
		} else {
			entry.RequestBody = data
		}
	}
	body, err := s.dbg.ResponseBody(ctx, tabID, id)
	if err != nil {
		s.logger.Debug("Response body unavailable", "request_id", string(id), "error", err)
	} else {
		entry.ResponseBody = string(body)
	}
	s.sink(entry)
}

func findTarget(targets []Target, tabID string) (Target, bool) {
	for _, t := range targets {
		if t.ID == tabID {
			return t, true
		}
	}
	return Target{}, false
}
