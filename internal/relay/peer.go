package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout    = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = (pongWait * 9) / 10
	maxMessageBytes = 64 << 10
)

// Upgrader accepts relay websocket connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Peer is the authenticated owner of a relay connection.
type Peer struct {
	Session string
	UserID  string
	Admin   bool
}

// Serve pumps events between conn and the hub until ctx ends or the connection
// drops. Events read from conn are stamped with the peer's identity before
// they are published.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, peer Peer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", peer.Session), zap.String("user_id", peer.UserID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	events, cleanup := h.Subscribe(ctx, peer.Session, peer.UserID)
	defer cleanup()

	readErr := make(chan error, 1)
	go func() {
		defer cancel()
		readErr <- h.readPump(conn, peer, logger)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			select {
			case err := <-readErr:
				if isNormalClose(err) {
					return nil
				}
				return err
			default:
				return nil
			}
		case event, ok := <-events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("relay write failed", zap.Error(err))
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) readPump(conn *websocket.Conn, peer Peer, logger *zap.Logger) error {
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if isNormalClose(err) {
				return nil
			}
			logger.Debug("relay read failed", zap.Error(err))
			return err
		}
		if _, err := ParseChannel(event.Channel); err != nil {
			logger.Warn("relay event rejected", zap.String("channel", event.Channel), zap.Error(err))
			continue
		}
		event.Session = peer.Session
		event.From = peer.UserID
		event.Admin = peer.Admin
		event.SentAt = time.Now().UTC()
		h.Publish(event)
	}
}

func isNormalClose(err error) bool {
	return err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
