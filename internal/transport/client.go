// Package transport maintains the persistent socket to the relay server:
// identity-gated connects, heartbeats, and reconnects after abnormal closes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/protocol"
	"github.com/ashureev/tabrelay/internal/shared"
	"github.com/coder/websocket"
)

// State is the connection lifecycle state.
type State string

// Connection states.
const (
	StateIdle         State = "idle"
	StateValidating   State = "validating"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
)

// Heartbeat policies.
const (
	// HeartbeatSendFailures counts consecutive heartbeats that could not be written.
	HeartbeatSendFailures = "send-failures"
	// HeartbeatMissedResponses counts heartbeats not yet answered by the server.
	HeartbeatMissedResponses = "missed-responses"
)

const readLimit = 8 << 20

// ErrNotOpen is logged when a frame is dropped because no socket is open.
var ErrNotOpen = errors.New("socket not open")

// Validator gates every connection attempt.
type Validator interface {
	Validate(ctx context.Context, host string, port int) bool
}

// Handler receives inbound frames in arrival order.
type Handler func(ctx context.Context, frame []byte)

// Policy holds the reconnect and heartbeat tuning.
type Policy struct {
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	MaxHeartbeatFailures int
	HeartbeatPolicy      string
	// MaxReconnectAttempts caps consecutive reconnects after abnormal closes.
	// Zero means unbounded. Retries after failed validation are never capped.
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.ReconnectDelay <= 0 {
		p.ReconnectDelay = 3 * time.Second
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = 20 * time.Second
	}
	if p.MaxHeartbeatFailures <= 0 {
		p.MaxHeartbeatFailures = 3
	}
	if p.HeartbeatPolicy == "" {
		p.HeartbeatPolicy = HeartbeatSendFailures
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = 5 * time.Second
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = 5 * time.Second
	}
	return p
}

// Hooks observe the client. All fields are optional.
type Hooks struct {
	OnOpen      func(ctx context.Context, sess *Session)
	OnState     func(State)
	OnSent      func(frameType string)
	OnDropped   func(frameType string)
	OnReconnect func(attempt int)
}

// Status is a point-in-time view of the connection.
type Status struct {
	State               State     `json:"state"`
	SessionID           string    `json:"sessionId,omitempty"`
	ServerURL           string    `json:"serverUrl"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	ReconnectAttempts   int       `json:"reconnectAttempts"`
	HeartbeatFailures   int       `json:"heartbeatFailures"`
	PendingRevalidation bool      `json:"pendingRevalidation"`
	ReconnectScheduled  bool      `json:"reconnectScheduled"`
	LastError           string    `json:"lastError,omitempty"`
}

// Client owns at most one Session at a time and replaces it wholesale on
// every reconnect.
type Client struct {
	settings  func() domain.Settings
	validator Validator
	policy    Policy
	logger    *slog.Logger

	mu                  sync.Mutex
	handler             Handler
	hooks               Hooks
	state               State
	connecting          bool
	closed              bool
	current             *Session
	reconnectTimer      *time.Timer
	reconnectAttempts   int
	pendingRevalidation bool
	lastError           string
}

// NewClient creates an idle client. Call Connect to open the socket.
func NewClient(settings func() domain.Settings, validator Validator, policy Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		settings:  settings,
		validator: validator,
		policy:    policy.withDefaults(),
		logger:    logger,
		state:     StateIdle,
	}
}

// OnMessage sets the inbound frame handler.
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetHooks replaces the observer hooks.
func (c *Client) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// Connect validates the server and opens a new Session, closing any
// current one intentionally first. It is a no-op while another attempt is
// in flight or after Shutdown. Failures are logged and schedule a retry.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.connecting {
		closed := c.closed
		c.mu.Unlock()
		c.logger.Debug("Connect skipped", "closed", closed)
		return
	}
	c.connecting = true
	c.stopReconnectTimerLocked()
	old := c.current
	c.current = nil
	if old != nil {
		old.intentional = true
	}
	c.setStateLocked(StateValidating)
	c.mu.Unlock()

	if old != nil {
		old.close(websocket.StatusNormalClosure, "reconnecting")
	}

	s := c.settings()
	if !c.validator.Validate(ctx, s.ServerHost, s.ServerPort) {
		c.mu.Lock()
		c.connecting = false
		c.pendingRevalidation = true
		c.lastError = "server identity validation failed"
		if !c.closed {
			c.setStateLocked(StateIdle)
			c.scheduleReconnectLocked(false)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.connecting = false
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	url := s.WebSocketURL()
	dialCtx, cancel := context.WithTimeout(ctx, c.policy.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		c.logger.Warn("WebSocket dial failed", "url", url, "error", err)
		c.mu.Lock()
		c.connecting = false
		c.lastError = err.Error()
		if !c.closed {
			c.setStateLocked(StateIdle)
			c.scheduleReconnectLocked(true)
		}
		c.mu.Unlock()
		return
	}
	conn.SetReadLimit(readLimit)

	sess := newSession(conn)

	c.mu.Lock()
	c.connecting = false
	if c.closed {
		c.mu.Unlock()
		sess.close(websocket.StatusNormalClosure, "agent shutting down")
		return
	}
	c.current = sess
	c.reconnectAttempts = 0
	c.pendingRevalidation = false
	c.lastError = ""
	c.setStateLocked(StateOpen)
	onOpen := c.hooks.OnOpen
	c.mu.Unlock()

	c.logger.Info("Connected to relay server", "url", url, "session_id", sess.ID)

	shared.Go(c.logger, "transport-read", func() { c.readLoop(sess) })
	shared.Go(c.logger, "transport-heartbeat", func() { c.heartbeatLoop(sess) })

	if onOpen != nil {
		onOpen(sess.ctx, sess)
	}
}

// Reconnect resets the attempt counter and reconnects, e.g. after the
// server address changed.
func (c *Client) Reconnect(ctx context.Context) {
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()
	c.Connect(ctx)
}

// Send writes one JSON frame. It returns false, without queuing, when no
// socket is open at send time or the write fails.
func (c *Client) Send(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to encode frame", "error", err)
		return false
	}
	frameType := peekType(data)

	c.mu.Lock()
	sess := c.current
	open := sess != nil && c.state == StateOpen
	hooks := c.hooks
	c.mu.Unlock()

	if !open {
		c.logger.Debug("Dropping frame", "type", frameType, "error", ErrNotOpen)
		if hooks.OnDropped != nil {
			hooks.OnDropped(frameType)
		}
		return false
	}
	if err := c.write(sess, data); err != nil {
		c.logger.Warn("Failed to write frame", "type", frameType, "session_id", sess.ID, "error", err)
		if hooks.OnDropped != nil {
			hooks.OnDropped(frameType)
		}
		return false
	}
	if hooks.OnSent != nil {
		hooks.OnSent(frameType)
	}
	return true
}

// AckHeartbeat records a heartbeat response from the server.
func (c *Client) AckHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.heartbeatFailures = 0
	}
}

// CloseIntentionally closes the current socket without scheduling a
// reconnect. The client stays usable; a later Connect opens a new socket.
func (c *Client) CloseIntentionally(reason string) {
	c.mu.Lock()
	c.stopReconnectTimerLocked()
	sess := c.current
	if sess != nil {
		sess.intentional = true
		c.setStateLocked(StateClosing)
	}
	c.mu.Unlock()

	if sess == nil {
		return
	}
	c.logger.Info("Closing connection intentionally", "reason", reason, "session_id", sess.ID)
	shared.Go(c.logger, "transport-close", func() {
		sess.close(websocket.StatusNormalClosure, reason)
	})
}

// Shutdown closes the socket for good and cancels every timer.
func (c *Client) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	c.stopReconnectTimerLocked()
	sess := c.current
	if sess != nil {
		sess.intentional = true
	}
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	if sess != nil {
		sess.close(websocket.StatusGoingAway, "agent shutting down")
		select {
		case <-sess.done:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	c.current = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:               c.state,
		ServerURL:           c.settings().WebSocketURL(),
		ReconnectAttempts:   c.reconnectAttempts,
		PendingRevalidation: c.pendingRevalidation,
		ReconnectScheduled:  c.reconnectTimer != nil,
		LastError:           c.lastError,
	}
	if c.current != nil {
		st.SessionID = c.current.ID
		st.OpenedAt = c.current.OpenedAt
		st.HeartbeatFailures = c.current.heartbeatFailures
	}
	return st
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) readLoop(sess *Session) {
	defer close(sess.done)
	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			c.handleClose(sess, err)
			return
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			c.dispatch(handler, sess, data)
		}
	}
}

func (c *Client) dispatch(handler Handler, sess *Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while handling frame", "session_id", sess.ID, "panic", r)
		}
	}()
	handler(sess.ctx, data)
}

func (c *Client) handleClose(sess *Session, err error) {
	sess.cancel()
	status := websocket.CloseStatus(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != sess {
		c.logger.Debug("Ignoring close of replaced session", "session_id", sess.ID)
		return
	}
	c.current = nil

	if c.closed || sess.intentional {
		c.logger.Info("Connection closed", "session_id", sess.ID, "intentional", true)
		c.setStateLocked(StateIdle)
		return
	}

	normal := status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
	if normal && !sess.forced && !c.pendingRevalidation {
		c.logger.Info("Connection closed normally", "session_id", sess.ID, "code", int(status))
		c.setStateLocked(StateIdle)
		return
	}

	c.lastError = err.Error()
	c.logger.Warn("Connection lost", "session_id", sess.ID, "code", int(status), "forced", sess.forced, "error", err)
	c.setStateLocked(StateReconnecting)
	c.scheduleReconnectLocked(true)
}

func (c *Client) heartbeatLoop(sess *Session) {
	ticker := time.NewTicker(c.policy.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			c.beat(sess)
		}
	}
}

func (c *Client) beat(sess *Session) {
	missed := c.policy.HeartbeatPolicy == HeartbeatMissedResponses

	if missed {
		// Every beat stays outstanding until AckHeartbeat resets the count.
		c.mu.Lock()
		if c.current != sess {
			c.mu.Unlock()
			return
		}
		exceeded := sess.heartbeatFailures >= c.policy.MaxHeartbeatFailures
		if !exceeded {
			sess.heartbeatFailures++
		}
		c.mu.Unlock()
		if exceeded {
			c.forceReconnect(sess)
			return
		}
	}

	data, _ := json.Marshal(protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: protocol.Now()})
	err := c.write(sess, data)
	if err != nil {
		c.logger.Debug("Heartbeat send failed", "session_id", sess.ID, "error", err)
	}
	if missed {
		return
	}

	c.mu.Lock()
	if c.current != sess {
		c.mu.Unlock()
		return
	}
	if err != nil {
		sess.heartbeatFailures++
	} else {
		sess.heartbeatFailures = 0
	}
	exceeded := sess.heartbeatFailures >= c.policy.MaxHeartbeatFailures
	c.mu.Unlock()

	if exceeded {
		c.forceReconnect(sess)
	}
}

func (c *Client) forceReconnect(sess *Session) {
	c.mu.Lock()
	if c.current != sess {
		c.mu.Unlock()
		return
	}
	sess.forced = true
	failures := sess.heartbeatFailures
	c.mu.Unlock()

	c.logger.Warn("Heartbeat threshold reached, forcing reconnect", "session_id", sess.ID, "failures", failures)
	_ = sess.conn.CloseNow()
}

// scheduleReconnectLocked arms the single reconnect timer. Attempts are only
// counted, and the ceiling only applies, when countAttempt is set.
func (c *Client) scheduleReconnectLocked(countAttempt bool) {
	if c.closed || c.reconnectTimer != nil {
		return
	}
	if countAttempt {
		if ceiling := c.policy.MaxReconnectAttempts; ceiling > 0 && c.reconnectAttempts >= ceiling {
			c.logger.Error("Reconnect attempts exhausted", "attempts", c.reconnectAttempts)
			c.setStateLocked(StateIdle)
			return
		}
		c.reconnectAttempts++
	}
	attempt := c.reconnectAttempts
	if c.hooks.OnReconnect != nil {
		c.hooks.OnReconnect(attempt)
	}
	c.logger.Info("Reconnect scheduled", "delay", c.policy.ReconnectDelay, "attempt", attempt, "revalidation", c.pendingRevalidation)

	var timer *time.Timer
	timer = time.AfterFunc(c.policy.ReconnectDelay, func() {
		c.mu.Lock()
		if c.reconnectTimer != timer || c.closed {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect(context.Background())
	})
	c.reconnectTimer = timer
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.hooks.OnState != nil {
		c.hooks.OnState(s)
	}
}

func (c *Client) write(sess *Session, data []byte) error {
	ctx, cancel := context.WithTimeout(sess.ctx, c.policy.WriteTimeout)
	defer cancel()
	return sess.conn.Write(ctx, websocket.MessageText, data)
}

func peekType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return "unknown"
	}
	return head.Type
}
