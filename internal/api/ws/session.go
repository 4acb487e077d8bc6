package ws

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendDepth  = 256
)

// ErrSlowConsumer is returned by Deliver when the session's send queue is
// full with non-droppable envelopes.
var ErrSlowConsumer = errors.New("session send queue full")

// Session is one connected WebSocket client. It implements rooms.Subscriber.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan event.Envelope

	mu     sync.Mutex
	closed bool
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan event.Envelope, sendDepth),
	}
}

// SessionID returns the server-assigned session identity.
func (s *Session) SessionID() string { return s.id }

// Deliver queues an envelope for the client. Under back-pressure, position
// events are dropped first; any other envelope that cannot be queued reports
// a slow consumer.
func (s *Session) Deliver(env event.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.mu.Unlock()

	select {
	case s.send <- env:
		return nil
	default:
	}

	if env.EventType == event.TypeTrackPosition {
		// progress is best-effort, the next tick catches up
		return nil
	}
	return ErrSlowConsumer
}

// close marks the session dead and stops the write pump.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// writePump serializes queued envelopes onto the connection and keeps the
// ping cadence. It exits when the send channel closes or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				zlog.Error().Err(err).Str("event_type", env.EventType).Msg("ws: envelope marshal failed")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
