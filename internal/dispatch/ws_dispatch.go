package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-tracking/internal/models"
)

// Conn is a live client connection. Send must not block on the network.
type Conn interface {
	ID() string
	Send(msg models.Message) error
	Close() error
}

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// WSSession represents a connected rider or driver socket. Outbound messages
// go through a buffered channel drained by WritePump, so a slow client only
// ever loses its own messages.
type WSSession struct {
	id     string
	userID string
	role   models.Role
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewWSSession(id, userID string, role models.Role, conn *websocket.Conn, buffer int, logger *slog.Logger) *WSSession {
	if buffer <= 0 {
		buffer = 64
	}
	return &WSSession{
		id:     id,
		userID: userID,
		role:   role,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id, "user_id", userID),
	}
}

func (s *WSSession) ID() string        { return s.id }
func (s *WSSession) UserID() string    { return s.userID }
func (s *WSSession) Role() models.Role { return s.role }

// Done is closed once the session is closed.
func (s *WSSession) Done() <-chan struct{} { return s.done }

func (s *WSSession) Send(msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close is idempotent. It stops the write pump and closes the socket.
func (s *WSSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		// WriteControl may run concurrently with the write pump.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// WritePump drains the send buffer and keeps the connection alive with pings.
// It returns when the session is closed or a write fails.
func (s *WSSession) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Warn("ws write failed", "error", err)
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

// ReadLoop decodes inbound envelopes and hands them to handle one at a time.
// It returns when the peer goes away or the session is closed.
func (s *WSSession) ReadLoop(handle func(models.InboundMessage)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("ws read failed", "error", err)
			}
			return
		}
		var msg models.InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			_ = s.Send(models.ErrorMessage("malformed message"))
			continue
		}
		handle(msg)
	}
}
