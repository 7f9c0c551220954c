package relay

import (
	"context"
	"sync"
	"time"
)

// pendingCommand is a command awaiting its single terminal response.
type pendingCommand struct {
	ctx       context.Context
	requestID string
	kind      string
	issuedAt  time.Time
	timer     *time.Timer
}

// PendingCommands correlates asynchronous commands with their responses.
// The first resolution of a request id wins; later ones are discarded.
type PendingCommands struct {
	send func(frame any) bool

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// NewPendingCommands creates a registry that delivers responses via send.
func NewPendingCommands(send func(frame any) bool) *PendingCommands {
	return &PendingCommands{
		send:    send,
		pending: make(map[string]*pendingCommand),
	}
}

// Add registers requestID for the connection whose lifetime is ctx. If
// timeout is positive, onTimeout builds the response sent when nothing
// resolved the request in time. Add returns false if requestID is already in
// flight.
func (p *PendingCommands) Add(ctx context.Context, requestID, kind string, timeout time.Duration, onTimeout func() any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.pending[requestID]; exists {
		return false
	}
	cmd := &pendingCommand{ctx: ctx, requestID: requestID, kind: kind, issuedAt: time.Now()}
	if timeout > 0 && onTimeout != nil {
		cmd.timer = time.AfterFunc(timeout, func() {
			if p.claim(requestID, cmd) != nil {
				p.deliver(cmd, onTimeout())
			}
		})
	}
	p.pending[requestID] = cmd
	return true
}

// Resolve sends frame as the terminal response for requestID. It reports
// false when the request was already resolved or never registered. The frame
// is discarded if the connection the request arrived on has ended.
func (p *PendingCommands) Resolve(requestID string, frame any) bool {
	cmd := p.claim(requestID, nil)
	if cmd == nil {
		return false
	}
	p.deliver(cmd, frame)
	return true
}

// claim removes and returns the entry for requestID. When owner is set the
// entry is only claimed if it is still that command, so a stale timer cannot
// resolve a reused request id.
func (p *PendingCommands) claim(requestID string, owner *pendingCommand) *pendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd, ok := p.pending[requestID]
	if !ok || (owner != nil && cmd != owner) {
		return nil
	}
	delete(p.pending, requestID)
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	return cmd
}

func (p *PendingCommands) deliver(cmd *pendingCommand, frame any) {
	if cmd.ctx.Err() == nil {
		p.send(frame)
	}
}

// Len returns the number of unresolved commands.
func (p *PendingCommands) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Drop forgets all unresolved commands without responding.
func (p *PendingCommands) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cmd := range p.pending {
		if cmd.timer != nil {
			cmd.timer.Stop()
		}
		delete(p.pending, id)
	}
}
