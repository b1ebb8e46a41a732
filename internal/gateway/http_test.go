package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/switchyard/internal/device"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newWSServer(t *testing.T, g *Gateway) string {
	t.Helper()
	router := gin.New()
	router.GET("/ws", g.Handler())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHandler_QueryToken(t *testing.T) {
	g, db, _ := newTestGateway(t)
	dev := registerDevice(t, db)
	url := newWSServer(t, g)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+dev.Token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var hello map[string]string
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read CONNECTED: %v", err)
	}
	if hello["type"] != TypeConnected || hello["device_id"] != dev.ID {
		t.Errorf("hello = %v", hello)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HEARTBEAT","data":{"app_version":"3.0.0"}}`)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	waitFor(t, func() bool {
		d, err := device.Get(db, dev.ID)
		return err == nil && d.AppVersion == "3.0.0" && d.IsOnline
	})
}

func TestHandler_HeaderToken(t *testing.T) {
	g, db, _ := newTestGateway(t)
	dev := registerDevice(t, db)
	url := newWSServer(t, g)

	header := http.Header{}
	header.Set(TokenHeader, dev.Token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]string
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read CONNECTED: %v", err)
	}
	if hello["device_id"] != dev.ID {
		t.Errorf("hello = %v", hello)
	}
}

func TestHandler_BadTokenClosesWith4001(t *testing.T) {
	g, _, _ := newTestGateway(t)
	url := newWSServer(t, g)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=nope", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseAuthFailed) {
		t.Errorf("read err = %v, want close %d", err, CloseAuthFailed)
	}
}

func TestHandler_ReconnectReplacesSocket(t *testing.T) {
	g, db, _ := newTestGateway(t)
	dev := registerDevice(t, db)
	url := newWSServer(t, g) + "?token=" + dev.Token

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	first.ReadMessage() // CONNECTED

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	if !websocket.IsCloseError(err, CloseReplaced) {
		t.Errorf("first read err = %v, want close %d", err, CloseReplaced)
	}
	if n := g.Registry().Len(); n != 1 {
		t.Errorf("registry len = %d, want 1", n)
	}
}

func TestHandler_OversizedFrameClosesConnection(t *testing.T) {
	db := testDB(t)
	g, err := New(db, Options{MaxMessage: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dev := registerDevice(t, db)
	url := newWSServer(t, g)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+dev.Token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]string
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read CONNECTED: %v", err)
	}

	big := fmt.Sprintf(`{"type":"HEARTBEAT","data":{"app_version":"%s"}}`, strings.Repeat("x", 16<<10))
	// The server may close before the whole frame is written.
	conn.WriteMessage(websocket.TextMessage, []byte(big))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}
	waitFor(t, func() bool { return !g.IsConnected(dev.ID) })

	d, _ := device.Get(db, dev.ID)
	if d.AppVersion != "" {
		t.Errorf("oversized frame persisted app_version of %d bytes", len(d.AppVersion))
	}
	if d.IsOnline {
		t.Error("device should be offline after the connection is dropped")
	}
}
