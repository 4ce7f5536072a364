package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"sherpa/internal/auth"
	"sherpa/internal/events"
)

// EventStreamHandler pushes bus events to websocket clients. Non-admin
// callers only receive events for their own wallet plus system-wide ones.
type EventStreamHandler struct {
	Bus               *events.Bus
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// OriginPatterns is passed to websocket.Accept; empty means same origin only.
	OriginPatterns []string
}

func (h *EventStreamHandler) Register(r gin.IRouter) {
	r.GET("/events/ws", h.stream)
}

// @Summary Stream events
// @Description Websocket feed of execution transitions, strategy status and policy changes.
// @Tags events
// @Security BearerAuth
// @Param access_token query string false "bearer token for clients that can't set headers"
// @Success 101
// @Router /api/v1/events/ws [get]
func (h *EventStreamHandler) stream(c *gin.Context) {
	if h.Bus == nil {
		Error(c, http.StatusServiceUnavailable, "event bus unavailable", nil)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	// Subscribe before the handshake completes so nothing emitted after the
	// client sees the upgrade is lost.
	sub, cancel := h.Bus.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("events ws accept failed", zap.Error(err))
		}
		return
	}
	defer conn.CloseNow()

	// CloseRead keeps control frames flowing and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(c.Request.Context())
	err = h.pump(ctx, conn, sub, claims)
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 && h.Logger != nil {
		h.Logger.Debug("events ws closed", zap.String("actor", claims.Actor()), zap.Error(err))
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *EventStreamHandler) pump(ctx context.Context, conn *websocket.Conn, sub <-chan events.Event, claims auth.Claims) error {
	heartbeat := h.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return err
			}
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			if !visibleTo(e, claims) {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancelWrite()
			if err != nil {
				return err
			}
		}
	}
}

func visibleTo(e events.Event, claims auth.Claims) bool {
	if claims.IsAdmin() || e.WalletAddress == "" {
		return true
	}
	own := strings.TrimSpace(claims.Wallet)
	return own != "" && strings.EqualFold(own, e.WalletAddress)
}
