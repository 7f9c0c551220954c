// Package identity verifies that the configured relay server is the expected
// service before any connection is made to it.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Signature is the value a genuine relay server reports from /.identity.
const Signature = "mcp-browser-connector-24x7"

const (
	defaultTimeout  = 3 * time.Second
	defaultCacheTTL = 30 * time.Second
	maxIdentityBody = 64 * 1024
)

// Event kinds.
const (
	EventSuccess = "SERVER_VALIDATION_SUCCESS"
	EventFailure = "SERVER_VALIDATION_FAILED"
)

// Failure reasons.
const (
	ReasonHTTPError        = "http_error"
	ReasonInvalidSignature = "invalid_signature"
	ReasonConnectionError  = "connection_error"
)

// ServerInfo is the body served at /.identity.
type ServerInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Signature string `json:"signature"`
}

// Event is published after every identity check that reached the network.
type Event struct {
	Kind   string      `json:"type"`
	Reason string      `json:"reason,omitempty"`
	Host   string      `json:"serverHost"`
	Port   int         `json:"serverPort"`
	Status int         `json:"status,omitempty"`
	Server *ServerInfo `json:"serverInfo,omitempty"`
	Error  string      `json:"error,omitempty"`
	At     time.Time   `json:"timestamp"`
}

// ValidationError describes why a server was rejected.
type ValidationError struct {
	Reason string
	Status int
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("identity check failed: %s (status %d)", e.Reason, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("identity check failed: %s: %v", e.Reason, e.Err)
	default:
		return "identity check failed: " + e.Reason
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator performs the identity handshake and caches positive results.
type Validator struct {
	client   *http.Client
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	validated map[string]time.Time
	last      *Event
	subs      []func(Event)
}

// NewValidator creates a Validator. Zero durations select the defaults
// (3s request timeout, 30s cache).
func NewValidator(timeout, cacheTTL time.Duration, logger *slog.Logger) *Validator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		client:    &http.Client{Timeout: timeout},
		cacheTTL:  cacheTTL,
		logger:    logger,
		now:       time.Now,
		validated: make(map[string]time.Time),
	}
}

// Subscribe registers fn to receive validation events. fn runs on the
// validating goroutine and must not block.
func (v *Validator) Subscribe(fn func(Event)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subs = append(v.subs, fn)
}

// Validate reports whether host:port serves the expected identity. A
// success within the cache window returns true without a request. Every
// failure returns false.
func (v *Validator) Validate(ctx context.Context, host string, port int) bool {
	key := net.JoinHostPort(host, strconv.Itoa(port))

	v.mu.Lock()
	if at, ok := v.validated[key]; ok && v.now().Sub(at) < v.cacheTTL {
		v.mu.Unlock()
		return true
	}
	v.mu.Unlock()

	info, err := v.Check(ctx, host, port)

	ev := Event{Host: host, Port: port, At: v.now()}
	if err != nil {
		ev.Kind = EventFailure
		var verr *ValidationError
		if errors.As(err, &verr) {
			ev.Reason = verr.Reason
			ev.Status = verr.Status
		}
		ev.Error = err.Error()
		v.logger.Warn("Server identity validation failed", "server", key, "reason", ev.Reason, "error", err)
	} else {
		ev.Kind = EventSuccess
		ev.Server = &info
		v.logger.Debug("Server identity validated", "server", key, "name", info.Name, "version", info.Version)
	}

	v.mu.Lock()
	if err != nil {
		delete(v.validated, key)
	} else {
		v.validated[key] = ev.At
	}
	v.last = &ev
	subs := append([]func(Event){}, v.subs...)
	v.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return err == nil
}

// Check performs one uncached identity request.
func (v *Validator) Check(ctx context.Context, host string, port int) (ServerInfo, error) {
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/.identity"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ServerInfo{}, &ValidationError{Reason: ReasonConnectionError, Err: err}
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return ServerInfo{}, &ValidationError{Reason: ReasonConnectionError, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ServerInfo{}, &ValidationError{Reason: ReasonHTTPError, Status: resp.StatusCode}
	}

	var info ServerInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityBody)).Decode(&info); err != nil {
		return ServerInfo{}, &ValidationError{Reason: ReasonConnectionError, Err: fmt.Errorf("decode identity: %w", err)}
	}
	if info.Signature != Signature {
		return info, &ValidationError{Reason: ReasonInvalidSignature}
	}
	return info, nil
}

// Invalidate forgets every cached success.
func (v *Validator) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.validated)
}

// LastEvent returns the most recent validation event.
func (v *Validator) LastEvent() (Event, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return Event{}, false
	}
	return *v.last, true
}
