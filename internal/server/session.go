package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rxtech-lab/market-stream/internal/hub"
	"github.com/rxtech-lab/market-stream/internal/types"
)

const closeGrace = time.Second

// wsSession delivers hub messages to one WebSocket client. The hub's delivery
// goroutine is the only caller of Send, so writes never overlap.
type wsSession struct {
	conn *websocket.Conn
	// writeMu is held for the duration of a data write.
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ hub.Session = (*wsSession)(nil)

func newSession(conn *websocket.Conn) *wsSession {
	return &wsSession{conn: conn, writeMu: sync.Mutex{}, closeOnce: sync.Once{}, closeErr: nil}
}

func (s *wsSession) Send(ctx context.Context, msg types.Message) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return s.conn.WriteJSON(msg)
}

// Close sends a close frame and closes the transport. The close frame is
// skipped while a data write is in flight, since that write may be stuck on a
// client that stopped reading. It is safe to call more than once and from any
// goroutine.
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		if s.writeMu.TryLock() {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(closeGrace))
			s.writeMu.Unlock()
		}

		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

// ping sends a control ping. WriteControl may run concurrently with Send.
func (s *wsSession) ping(timeout time.Duration) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}
