package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSSession pumps one subscription to one websocket connection.
type WSSession struct {
	conn   *websocket.Conn
	sub    *Subscription
	logger *slog.Logger
}

func NewWSSession(conn *websocket.Conn, sub *Subscription, logger *slog.Logger) *WSSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSession{conn: conn, sub: sub, logger: logger}
}

// Serve blocks until the client disconnects, ctx is canceled or the subscription is
// closed. The subscription and the connection are always released on return.
func (s *WSSession) Serve(ctx context.Context) {
	defer s.conn.Close()
	defer s.sub.Close()

	go s.readLoop()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		case evt, ok := <-s.sub.C:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(evt); err != nil {
				s.logger.Debug("ws write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ws ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop only exists to notice the peer going away; clients send nothing useful.
func (s *WSSession) readLoop() {
	defer s.sub.Close()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WSSession) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
