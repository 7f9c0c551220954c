package transport

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// socket is the part of *websocket.Conn a Session uses.
type socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Session is one open socket. Its fields other than ID and OpenedAt are
// guarded by the owning Client's mutex.
type Session struct {
	ID       string
	OpenedAt time.Time

	conn   socket
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	heartbeatFailures int
	intentional       bool
	forced            bool
}

func newSession(conn socket) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:       uuid.NewString(),
		OpenedAt: time.Now(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (s *Session) close(code websocket.StatusCode, reason string) {
	if err := s.conn.Close(code, reason); err != nil {
		_ = s.conn.CloseNow()
	}
}
