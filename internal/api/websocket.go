package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradesim-core/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams the caller's own position, balance and withdrawal
// events plus price ticks. Browsers cannot set headers on the upgrade, so
// the token comes from ?token=.
func (s *Server) websocket(c *gin.Context) {
	claims, err := parseToken(c.Query("token"), s.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "")
		return
	}
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "bus not ready")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	topics := append([]events.Event{events.EventPriceTick}, events.UserTopics...)
	stream, unsub := s.Bus.Subscribe(256, topics...)
	defer unsub()

	// The read side only handles pongs and notices the client leaving.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-stream:
			if !ok {
				return
			}
			out, deliver := s.filterForUser(msg, claims.UserID)
			if !deliver {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(out); err != nil {
				s.Logger.Debug("ws write failed", zap.String("user_id", claims.UserID), zap.Error(err))
				return
			}
		}
	}
}

// filterForUser drops events that belong to other users and hides an
// operator's outcome until the position closes.
func (s *Server) filterForUser(msg events.Message, userID string) (events.Message, bool) {
	owned, ok := msg.Payload.(events.Owned)
	if !ok {
		return msg, true
	}
	if owned.Owner() != userID {
		return msg, false
	}
	change, ok := msg.Payload.(events.PositionChange)
	if !ok {
		return msg, true
	}
	now := s.Engine.Now()
	if msg.Event == events.EventPositionResolved && !change.Position.Due(now) {
		return msg, false
	}
	change.Position = change.Position.OwnerView(now)
	msg.Payload = change
	return msg, true
}
