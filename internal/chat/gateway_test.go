package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"realcast-live/internal/auth"
	"realcast-live/internal/hub"
	"realcast-live/internal/keys"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type gatewayHarness struct {
	hub       *hub.Hub
	authority *auth.Authority
	server    *httptest.Server
}

func newGatewayHarness(t *testing.T, cfg GatewayConfig) *gatewayHarness {
	t.Helper()
	authority, err := auth.NewAuthority(testSecret)
	if err != nil {
		t.Fatalf("NewAuthority returned error: %v", err)
	}
	manager, err := keys.NewManager(keys.Config{Verifier: authority, Logger: logging.Discard(), Metrics: metrics.New(), DrainInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	h, err := hub.New(hub.Config{Keys: manager, Verifier: authority, Logger: logging.Discard(), Metrics: metrics.New(), DrainTimeout: time.Second})
	if err != nil {
		t.Fatalf("hub.New returned error: %v", err)
	}
	if _, err := h.OpenChannel(context.Background(), "s1", hub.DefaultPolicy()); err != nil {
		t.Fatalf("OpenChannel returned error: %v", err)
	}

	cfg.Hub = h
	cfg.Logger = logging.Discard()
	gateway := NewGateway(cfg)
	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		_ = gateway.Wait(ctx)
		server.Close()
		_ = manager.Close(ctx)
	})
	return &gatewayHarness{hub: h, authority: authority, server: server}
}

func (g *gatewayHarness) token(t *testing.T, viewerID string, role auth.Role) string {
	t.Helper()
	token, _, err := g.authority.Issue(context.Background(), auth.IssueRequest{ViewerID: viewerID, ChannelID: "s1", Role: role, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	return token
}

func (g *gatewayHarness) url(params url.Values) string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/?" + params.Encode()
}

func (g *gatewayHarness) dial(t *testing.T, viewerID string, role auth.Role) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url(url.Values{"channel": {"s1"}, "token": {g.token(t, viewerID, role)}}), nil)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame OutboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON returned error: %v", err)
	}
	return frame
}

// readUntil skips frames until one of frameType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) OutboundFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return OutboundFrame{}
}

func send(t *testing.T, conn *websocket.Conn, frame InboundFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}
}

func TestGatewayJoinSequence(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	conn := g.dial(t, "v1", auth.RoleViewer)

	if frame := readFrame(t, conn); frame.Type != FrameReplay || len(frame.Messages) != 0 {
		t.Fatalf("expected empty replay first, got %+v", frame)
	}
	frame := readFrame(t, conn)
	if frame.Type != FrameViewerCount || frame.ViewerCount.Count != 1 || frame.ViewerCount.Delta != 1 {
		t.Fatalf("expected own join delta, got %+v", frame)
	}
	if frame := readFrame(t, conn); frame.Type != FrameKey || frame.Key.KeyID != 1 {
		t.Fatalf("expected key announcement, got %+v", frame)
	}
}

func TestGatewayPublishBroadcasts(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	sender := g.dial(t, "v1", auth.RoleViewer)
	readUntil(t, sender, FrameKey)
	other := g.dial(t, "v2", auth.RoleViewer)
	readUntil(t, other, FrameKey)

	send(t, sender, InboundFrame{Type: FramePublish, Kind: "chat", Body: " hello "})
	for _, conn := range []*websocket.Conn{sender, other} {
		frame := readUntil(t, conn, FrameMessage)
		if frame.Message.Body != "hello" || frame.Message.SenderID != "v1" || frame.Message.ID != 1 {
			t.Fatalf("unexpected message frame %+v", frame.Message)
		}
	}

	late := g.dial(t, "v3", auth.RoleViewer)
	replay := readFrame(t, late)
	if replay.Type != FrameReplay || len(replay.Messages) != 1 || replay.Messages[0].Body != "hello" {
		t.Fatalf("expected replay with the earlier message, got %+v", replay)
	}
}

func TestGatewayRejectionsCarryReasonCodes(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	conn := g.dial(t, "v1", auth.RoleViewer)
	readUntil(t, conn, FrameKey)

	cases := []struct {
		frame InboundFrame
		code  string
	}{
		{InboundFrame{Type: FramePublish, Ref: "a", Kind: "chat", Body: "   "}, "empty"},
		{InboundFrame{Type: FramePublish, Ref: "b", Kind: "shout", Body: "hi"}, "invalid_kind"},
		{InboundFrame{Type: FrameModerate, Ref: "c", Action: "ban", TargetID: "v2"}, "forbidden"},
		{InboundFrame{Type: "dance", Ref: "d"}, "invalid_kind"},
	}
	for _, tc := range cases {
		send(t, conn, tc.frame)
		frame := readUntil(t, conn, FrameError)
		if frame.Code != tc.code || frame.Ref != tc.frame.Ref {
			t.Fatalf("frame %+v: expected code %s, got %+v", tc.frame, tc.code, frame)
		}
	}
}

func TestGatewayModeration(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	mod := g.dial(t, "m1", auth.RoleModerator)
	readUntil(t, mod, FrameKey)
	viewer := g.dial(t, "v1", auth.RoleViewer)
	readUntil(t, viewer, FrameKey)

	send(t, mod, InboundFrame{Type: FrameModerate, Action: "mute", TargetID: "v1"})
	notice := readUntil(t, viewer, FrameModeration)
	if notice.Moderation.Action != "mute" || notice.Moderation.TargetID != "v1" || notice.Moderation.ActorID != "m1" {
		t.Fatalf("unexpected moderation frame %+v", notice.Moderation)
	}
	send(t, viewer, InboundFrame{Type: FramePublish, Kind: "chat", Body: "hi"})
	if frame := readUntil(t, viewer, FrameError); frame.Code != "muted" {
		t.Fatalf("expected muted, got %+v", frame)
	}
}

func TestGatewayRefusesBeforeUpgrade(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	cases := []struct {
		params url.Values
		status int
		code   string
	}{
		{url.Values{"channel": {"s1"}}, http.StatusUnauthorized, "token_invalid"},
		{url.Values{"channel": {"s1"}, "token": {"garbage"}}, http.StatusUnauthorized, "token_invalid"},
		{url.Values{"channel": {"nope"}, "token": {g.token(t, "v1", auth.RoleViewer)}}, http.StatusNotFound, "channel_not_found"},
		{url.Values{"channel": {"s1"}, "token": {g.token(t, "v1", auth.RoleViewer)}, "role": {"broadcaster"}}, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(g.url(tc.params), nil)
		if err == nil {
			t.Fatalf("%v: expected dial to fail", tc.params)
		}
		if resp == nil || resp.StatusCode != tc.status {
			t.Fatalf("%v: expected status %d, got %+v", tc.params, tc.status, resp)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		resp.Body.Close()
		if body["error"] != tc.code {
			t.Fatalf("%v: expected code %s, got %v", tc.params, tc.code, body)
		}
	}
}

func TestGatewayBearerHeader(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	header := http.Header{"Authorization": {"Bearer " + g.token(t, "v1", auth.RoleViewer)}}
	conn, _, err := websocket.DefaultDialer.Dial(g.url(url.Values{"channel": {"s1"}}), header)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()
	if frame := readFrame(t, conn); frame.Type != FrameReplay {
		t.Fatalf("expected replay, got %+v", frame)
	}
}

func TestGatewayChannelCloseEndsSession(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	conn := g.dial(t, "v1", auth.RoleViewer)
	readUntil(t, conn, FrameKey)

	if err := g.hub.CloseChannel(context.Background(), "s1"); err != nil {
		t.Fatalf("CloseChannel returned error: %v", err)
	}
	frame := readUntil(t, conn, FrameClosed)
	if frame.Reason != hub.CloseChannelClosed {
		t.Fatalf("expected channel_closed, got %+v", frame)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestGatewayDisconnectLeavesChannel(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{})
	conn := g.dial(t, "v1", auth.RoleViewer)
	readUntil(t, conn, FrameKey)
	watcher := g.dial(t, "v2", auth.RoleViewer)
	readUntil(t, watcher, FrameKey)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	frame := readUntil(t, watcher, FrameViewerCount)
	if frame.ViewerCount.ViewerID != "v1" || frame.ViewerCount.Delta != -1 || frame.ViewerCount.Count != 1 {
		t.Fatalf("expected v1 leave delta, got %+v", frame.ViewerCount)
	}
}

func TestGatewayPongsRefreshPresence(t *testing.T) {
	g := newGatewayHarness(t, GatewayConfig{PingInterval: 20 * time.Millisecond, PongWait: time.Second})
	conn := g.dial(t, "v1", auth.RoleViewer)
	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	// Reading drives the ping handler.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ping from the gateway")
	}
	sessions, err := g.hub.Sessions("s1")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one live session, got %+v err %v", sessions, err)
	}
}
