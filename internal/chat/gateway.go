// Package chat is the viewer-facing WebSocket gateway. Each connection is one
// hub subscription: hub deliveries are written as JSON frames and viewer
// commands are forwarded to the hub.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
	"realcast-live/internal/hub"
	"realcast-live/internal/observability/logging"
)

// Hub is the part of the channel hub the gateway drives.
type Hub interface {
	Subscribe(ctx context.Context, req hub.SubscribeRequest) (*hub.Subscription, error)
	PublishMessage(ctx context.Context, channelID, viewerID string, kind hub.MessageKind, body string) (hub.Message, error)
	Moderate(ctx context.Context, req hub.ModerationRequest) error
	Heartbeat(channelID, viewerID string) error
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Hub    Hub
	Logger *slog.Logger
	// PingInterval controls how often ping frames are sent. Pongs refresh
	// the viewer's presence.
	PingInterval time.Duration
	// PongWait is how long a silent connection is kept open. It must exceed
	// PingInterval.
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64
	// CheckOrigin validates the Origin header of upgrade requests. Nil
	// accepts same-host origins only.
	CheckOrigin func(*http.Request) bool
}

const (
	defaultPingInterval = 25 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultMaxFrameSize = 8 << 10
	controlQueueSize    = 16
)

// Gateway upgrades viewer connections and bridges them to the hub.
type Gateway struct {
	hub    Hub
	logger *slog.Logger

	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration
	maxFrameSize int64
	upgrader     websocket.Upgrader

	wg sync.WaitGroup
}

func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		hub:          cfg.Hub,
		logger:       logging.WithComponent(logging.OrDefault(cfg.Logger), "chat"),
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		writeWait:    cfg.WriteWait,
		maxFrameSize: cfg.MaxFrameSize,
	}
	if g.pingInterval <= 0 {
		g.pingInterval = defaultPingInterval
	}
	if g.pongWait <= g.pingInterval {
		g.pongWait = g.pingInterval + g.pingInterval/2
		if cfg.PongWait <= 0 && defaultPongWait > g.pongWait {
			g.pongWait = defaultPongWait
		}
	}
	if g.writeWait <= 0 {
		g.writeWait = defaultWriteWait
	}
	if g.maxFrameSize <= 0 {
		g.maxFrameSize = defaultMaxFrameSize
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cfg.CheckOrigin,
	}
	return g
}

// ServeHTTP subscribes the caller to the channel named by the "channel" query
// parameter, then upgrades. Subscription failures are reported as plain HTTP
// errors before the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	channelID := strings.TrimSpace(query.Get("channel"))
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(query.Get("token"))
	}
	req := hub.SubscribeRequest{ChannelID: channelID, Token: token}
	if raw := strings.TrimSpace(query.Get("role")); raw != "" {
		role, err := auth.ParseRole(raw)
		if err != nil {
			writeHTTPError(w, apperr.Wrap(apperr.ErrForbidden, "chat.ServeHTTP", err))
			return
		}
		req.Role = role
	}
	if token == "" {
		writeHTTPError(w, apperr.Wrap(apperr.ErrTokenInvalid, "chat.ServeHTTP", errors.New("token required")))
		return
	}

	sub, err := g.hub.Subscribe(r.Context(), req)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		g.logger.Warn("websocket upgrade failed", "channel_id", channelID, "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		gateway: g,
		conn:    conn,
		sub:     sub,
		control: make(chan OutboundFrame, controlQueueSize),
		done:    make(chan struct{}),
	}
	c.logger = g.logger.With("connection_id", c.id, "channel_id", sub.ChannelID, "viewer_id", sub.ViewerID)
	c.logger.Debug("viewer connected", "role", sub.Role)

	g.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
}

// Wait blocks until every connection handled so far has finished or ctx
// ends.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type client struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	sub     *hub.Subscription
	logger  *slog.Logger

	control chan OutboundFrame
	// done is closed when the read side stops.
	done chan struct{}
}

func (c *client) writeLoop() {
	g := c.gateway
	ticker := time.NewTicker(g.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		g.wg.Done()
	}()

	deliveries := c.sub.Deliveries()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.writeClosed(c.sub.Reason())
				return
			}
			frame, ok := frameFromDelivery(d)
			if !ok {
				continue
			}
			if err := c.writeFrame(frame); err != nil {
				c.sub.Close()
				return
			}
		case frame := <-c.control:
			if err := c.writeFrame(frame); err != nil {
				c.sub.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sub.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) writeFrame(frame OutboundFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode frame", "type", frame.Type, "error", err)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// writeClosed tells the viewer why the session ended before closing.
func (c *client) writeClosed(reason string) {
	if reason == "" {
		reason = hub.CloseUnsubscribed
	}
	_ = c.writeFrame(OutboundFrame{Type: FrameClosed, Reason: reason})
	code := websocket.CloseNormalClosure
	switch reason {
	case hub.CloseChannelClosed:
		code = websocket.CloseGoingAway
	case hub.CloseSlowConsumer:
		code = websocket.CloseTryAgainLater
	case hub.CloseLivenessTimeout:
		code = websocket.ClosePolicyViolation
	}
	deadline := time.Now().Add(c.gateway.writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if reason != hub.CloseUnsubscribed {
		c.logger.Info("viewer session ended", "reason", reason)
	}
}

func (c *client) readLoop() {
	g := c.gateway
	defer func() {
		close(c.done)
		c.sub.Close()
		g.wg.Done()
	}()

	c.conn.SetReadLimit(g.maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(g.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(g.pongWait))
		_ = g.hub.Heartbeat(c.sub.ChannelID, c.sub.ViewerID)
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(g.pongWait))
		var frame InboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.sendError("", apperr.CodeInvalidKind)
			continue
		}
		c.handle(frame)
	}
}

func (c *client) handle(frame InboundFrame) {
	g := c.gateway
	ctx := logging.ContextWithChannelID(context.Background(), c.sub.ChannelID)
	switch frame.Type {
	case FramePublish:
		kind, err := hub.ParseMessageKind(frame.Kind)
		if err == nil {
			_, err = g.hub.PublishMessage(ctx, c.sub.ChannelID, c.sub.ViewerID, kind, frame.Body)
		}
		if err != nil {
			c.sendError(frame.Ref, apperr.CodeOf(err))
		}
	case FrameModerate:
		action, ok := hub.ParseModerationAction(frame.Action)
		if !ok {
			c.sendError(frame.Ref, apperr.CodeInvalidKind)
			return
		}
		err := g.hub.Moderate(ctx, hub.ModerationRequest{
			ChannelID: c.sub.ChannelID,
			ActorID:   c.sub.ViewerID,
			ActorRole: c.sub.Role,
			Action:    action,
			TargetID:  frame.TargetID,
		})
		if err != nil {
			c.sendError(frame.Ref, apperr.CodeOf(err))
		}
	case FrameHeartbeat:
		if err := g.hub.Heartbeat(c.sub.ChannelID, c.sub.ViewerID); err != nil {
			c.sendError(frame.Ref, apperr.CodeOf(err))
		}
	default:
		c.sendError(frame.Ref, apperr.CodeInvalidKind)
	}
}

// sendError queues an error frame, dropping it when the control queue is
// full.
func (c *client) sendError(ref, code string) {
	select {
	case c.control <- OutboundFrame{Type: FrameError, Ref: ref, Code: code}:
	default:
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeHTTPError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": apperr.CodeOf(err)})
}
