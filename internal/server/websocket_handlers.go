package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"duolink/internal/middleware"
	"duolink/internal/models"
	"duolink/internal/observability"
	"duolink/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	wsPingInterval   = 30 * time.Second
	wsPongTimeout    = 40 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

// Inbound message types.
const (
	wsOpenThread   = "open_thread"
	wsCloseThread  = "close_thread"
	wsMute         = "mute"
	wsSpeaker      = "speaker"
	wsCamera       = "camera"
	wsSwitchCamera = "switch_camera"
)

type wsInbound struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId,omitempty"`
	On       bool   `json:"on,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, payload)
}

func (w *wsConn) write(messageType int, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(messageType, payload)
}

func (w *wsConn) writeError(err error) {
	resp := models.ErrorResponse{Error: err.Error()}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		resp = models.ErrorResponse{Error: appErr.Message, Code: appErr.Code}
	}
	_ = w.writeJSON(session.Event{Kind: "error", Data: resp})
}

// WebSocketUpgrade refuses plain HTTP requests on the websocket route.
func (s *Server) WebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketHandler streams the signed-in user's session events and accepts
// thread and media intents. Every connection of a user shares one session.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals(middleware.UserIDKey).(string)
		ctx := observability.WithUserID(context.Background(), userID)
		ws := &wsConn{conn: conn}

		ctrl, sub, err := s.sessions.Acquire(ctx, userID)
		if err != nil {
			observability.Logger.ErrorContext(ctx, "session start failed", slog.String("error", err.Error()))
			ws.writeError(err)
			return
		}

		observability.GatewayConnections.Inc()
		defer observability.GatewayConnections.Dec()

		writerDone := make(chan struct{})
		go s.writeEvents(ws, sub, writerDone)
		defer func() {
			s.sessions.Release(userID, sub)
			<-writerDone
		}()

		conn.SetReadLimit(wsMaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					observability.Logger.WarnContext(ctx, "websocket closed unexpectedly", slog.String("error", err.Error()))
				}
				return
			}

			var in wsInbound
			if err := json.Unmarshal(message, &in); err != nil {
				ws.writeError(models.NewValidationError("invalid message"))
				continue
			}
			if err := s.handleInbound(ctx, userID, ctrl, in); err != nil {
				ws.writeError(err)
			}
		}
	})
}

func (s *Server) writeEvents(ws *wsConn, sub *subscriber, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.events:
			if !ok {
				return
			}
			if err := ws.writeJSON(ev); err != nil {
				observability.WebSocketBackpressureDrops.WithLabelValues("write").Inc()
				_ = ws.conn.Close()
				drain(sub.events)
				return
			}
		case <-ticker.C:
			if err := ws.write(websocket.PingMessage, nil); err != nil {
				_ = ws.conn.Close()
				drain(sub.events)
				return
			}
		}
	}
}

// drain discards events until the hub closes the channel.
func drain(events <-chan session.Event) {
	for range events {
	}
}

func (s *Server) handleInbound(ctx context.Context, userID string, ctrl *session.Controller, in wsInbound) error {
	switch in.Type {
	case wsOpenThread:
		return ctrl.OpenThread(ctx, in.ThreadID)
	case wsCloseThread:
		s.sessions.CloseThread(userID, in.ThreadID)
		return nil
	case wsMute:
		return ctrl.Media().ToggleMute(in.On)
	case wsSpeaker:
		return ctrl.Media().SetSpeaker(in.On)
	case wsCamera:
		return ctrl.Media().ToggleCamera(in.On)
	case wsSwitchCamera:
		return ctrl.Media().SwitchCamera()
	default:
		return models.NewValidationError("unknown message type " + in.Type)
	}
}
