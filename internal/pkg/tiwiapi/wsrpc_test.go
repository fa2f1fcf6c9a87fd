package tiwiapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testFrame struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      int                    `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

func newSocketServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrading test socket: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testSession() *Session {
	return &Session{UserID: "user-1", APIKey: "key-123", Username: "user@example.com"}
}

// authorize services the client's srvWebSocketAuth request.
func serverAuthorize(t *testing.T, conn *websocket.Conn) bool {
	t.Helper()

	var frame testFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Errorf("reading auth frame: %v", err)
		return false
	}
	if frame.Method != "srvWebSocketAuth" {
		t.Errorf("expected srvWebSocketAuth, got %s", frame.Method)
		return false
	}
	if frame.Params["varName"] != "user@example.com" || frame.Params["apiKey"] != "key-123" {
		t.Errorf("auth params did not carry the session: %+v", frame.Params)
		return false
	}

	err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "authorizedWebSocket",
		"params":  map[string]interface{}{"authorized": true},
	})
	if err != nil {
		t.Errorf("writing auth response: %v", err)
		return false
	}
	return true
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestRealtimeDeliversUpdates(t *testing.T) {
	srv := newSocketServer(t, func(conn *websocket.Conn) {
		if !serverAuthorize(t, conn) {
			return
		}

		var sub testFrame
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("reading subscribe frame: %v", err)
			return
		}
		if sub.Method != "wskSubscribe" {
			t.Errorf("expected wskSubscribe, got %s", sub.Method)
		}
		if sub.Params["topic"] != "gd1.wskAttributeUpdateNtfy" {
			t.Errorf("unexpected subscribe topic %v", sub.Params["topic"])
		}

		err := conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "wskAttributeUpdateNtfy",
			"params": map[string]interface{}{
				"topic":   "gd1.wskAttributeUpdateNtfy",
				"varName": "gd1",
				"garageDoor_7.doorState": map[string]interface{}{
					"value": 3, "lastValue": 0, "lastSet": 1690000000000,
				},
			},
		})
		if err != nil {
			t.Errorf("writing update: %v", err)
			return
		}

		drain(conn)
	})
	defer srv.Close()

	rt := NewRealtime(testSession()).WithEndpoint(wsURL(srv))
	if err := rt.Subscribe("gd1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Run(ctx)
	}()

	select {
	case u := <-rt.Updates():
		if u.DeviceID != "gd1" {
			t.Errorf("expected update for gd1, got %s", u.DeviceID)
		}
		if v, ok := u.Attributes["doorState"].Int(); !ok || v != 3 {
			t.Errorf("expected doorState 3, got %d (ok=%v)", v, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an update")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	// updates channel is closed once the supervisor exits
	if _, open := <-rt.Updates(); open {
		t.Error("expected updates channel to be closed")
	}
}

func TestRealtimeSendCommand(t *testing.T) {
	got := make(chan testFrame, 1)

	srv := newSocketServer(t, func(conn *websocket.Conn) {
		if !serverAuthorize(t, conn) {
			return
		}

		var frame testFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("reading command frame: %v", err)
			return
		}
		got <- frame

		drain(conn)
	})
	defer srv.Close()

	connected := make(chan struct{}, 1)
	rt := NewRealtime(testSession()).
		WithEndpoint(wsURL(srv)).
		WithStateHook(func(up bool) {
			if up {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the socket")
	}

	// moduleType 0 falls back to the constant the vendor app sends
	if err := rt.SendCommand("gd1", 0, 7, OpenDoorCommand()); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	var frame testFrame
	select {
	case frame = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the command frame")
	}

	if frame.Method != "gdoModuleCommand" {
		t.Errorf("expected gdoModuleCommand, got %s", frame.Method)
	}
	if frame.Params["msgType"] != float64(16) {
		t.Errorf("expected msgType 16, got %v", frame.Params["msgType"])
	}
	if frame.Params["moduleType"] != float64(5) {
		t.Errorf("expected moduleType 5, got %v", frame.Params["moduleType"])
	}
	if frame.Params["portId"] != float64(7) {
		t.Errorf("expected portId 7, got %v", frame.Params["portId"])
	}
	if frame.Params["topic"] != "gd1" {
		t.Errorf("expected topic gd1, got %v", frame.Params["topic"])
	}

	msg, ok := frame.Params["moduleMsg"].(map[string]interface{})
	if !ok || msg["doorCommand"] != float64(1) {
		t.Errorf("expected moduleMsg doorCommand=1, got %v", frame.Params["moduleMsg"])
	}
}

func TestSubscriptionReplayDoesNotCountAsUnanswered(t *testing.T) {
	const devices = maxUnanswered + 1

	topics := make(chan string, devices)
	srv := newSocketServer(t, func(conn *websocket.Conn) {
		if !serverAuthorize(t, conn) {
			return
		}
		for i := 0; i < devices; i++ {
			var sub testFrame
			if err := conn.ReadJSON(&sub); err != nil {
				t.Errorf("reading subscribe frame %d: %v", i+1, err)
				return
			}
			if topic, ok := sub.Params["topic"].(string); ok {
				topics <- topic
			}
		}
		drain(conn)
	})
	defer srv.Close()

	connected := make(chan struct{}, 1)
	rt := NewRealtime(testSession()).
		WithEndpoint(wsURL(srv)).
		WithStateHook(func(up bool) {
			if up {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})

	for i := 0; i < devices; i++ {
		if err := rt.Subscribe(fmt.Sprintf("gd%d", i)); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	for i := 0; i < devices; i++ {
		select {
		case <-topics:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for subscribe %d of %d", i+1, devices)
		}
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("socket never came up with more subscriptions than the stale budget")
	}
}

func TestStaleLinkCyclesAndRecovers(t *testing.T) {
	frames := make(chan testFrame, 1)

	var mu sync.Mutex
	conns := 0

	srv := newSocketServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()

		if !serverAuthorize(t, conn) {
			return
		}

		if first {
			// swallow everything without ever answering
			drain(conn)
			return
		}

		var frame testFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("reading frame after reconnect: %v", err)
			return
		}
		frames <- frame
		drain(conn)
	})
	defer srv.Close()

	connected := make(chan struct{}, 4)
	rt := NewRealtime(testSession()).
		WithEndpoint(wsURL(srv)).
		WithStateHook(func(up bool) {
			if up {
				connected <- struct{}{}
			}
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the socket")
	}

	// the server answers nothing, so the stale budget runs out
	for i := 0; i < maxUnanswered; i++ {
		if err := rt.SendCommand("gd1", 0, 7, OpenDoorCommand()); err != nil {
			t.Fatalf("SendCommand %d: %v", i+1, err)
		}
	}
	if err := rt.SendCommand("gd1", 0, 7, OpenDoorCommand()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected once the link goes stale, got %v", err)
	}

	// the supervisor re-dials and the link is usable again
	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("socket did not come back after being cycled")
	}

	if err := rt.SendCommand("gd1", 0, 7, OpenDoorCommand()); err != nil {
		t.Fatalf("SendCommand after reconnect: %v", err)
	}

	select {
	case frame := <-frames:
		if frame.Method != "gdoModuleCommand" {
			t.Errorf("expected gdoModuleCommand after reconnect, got %s", frame.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command after reconnect never reached the server")
	}
}

func TestRealtimeReconnectsAndResubscribes(t *testing.T) {
	subscribes := make(chan string, 4)
	var conns int

	srv := newSocketServer(t, func(conn *websocket.Conn) {
		conns++
		first := conns == 1

		if !serverAuthorize(t, conn) {
			return
		}

		var sub testFrame
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("reading subscribe frame: %v", err)
			return
		}
		if topic, ok := sub.Params["topic"].(string); ok {
			subscribes <- topic
		}

		if first {
			// drop the link, the supervisor should come back
			conn.Close()
			return
		}

		drain(conn)
	})
	defer srv.Close()

	rt := NewRealtime(testSession()).WithEndpoint(wsURL(srv))
	if err := rt.Subscribe("gd1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case topic := <-subscribes:
			if topic != "gd1.wskAttributeUpdateNtfy" {
				t.Errorf("unexpected subscribe topic %s", topic)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for subscribe %d", i+1)
		}
	}
}
