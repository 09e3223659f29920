package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// scriptedBackend runs the given handler for every accepted connection.
func scriptedBackend(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]string{"type": "connection_established"})
		handle(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ResponseTimeout:      time.Second,
		HandshakeTimeout:     time.Second,
	}
}

func TestChannel_ThinkingThenFinal(t *testing.T) {
	srv := scriptedBackend(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f turnFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Errorf("bad turn frame: %v", err)
			return
		}
		if f.SessionID != "s-1" || f.Message != "hello" {
			t.Errorf("unexpected turn frame: %+v", f)
		}
		_ = conn.WriteJSON(map[string]interface{}{"type": "thinking_status", "progress": 40, "status_message": "searching"})
		_ = conn.WriteJSON(map[string]interface{}{"type": "thinking_status", "progress": 90, "status_message": "composing"})
		_ = conn.WriteJSON(map[string]interface{}{"type": "final_response", "response": "hi there"})
		// hold the connection open until the client closes
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	ch := NewChannel(testConfig(wsURL(srv)), Events{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	p, err := ch.Send(TurnRequest{Message: "hello", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var statuses []ThinkingStatus
	for {
		select {
		case st, ok := <-p.Status:
			if ok {
				statuses = append(statuses, st)
				continue
			}
		case res := <-p.Done:
			if res.Err != nil {
				t.Fatalf("terminal error: %v", res.Err)
			}
			var payload struct {
				Response string `json:"response"`
			}
			if err := json.Unmarshal(res.Payload, &payload); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if payload.Response != "hi there" {
				t.Fatalf("unexpected payload %q", payload.Response)
			}
			if len(statuses) < 1 {
				t.Fatalf("expected at least one thinking status before terminal")
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatalf("no terminal message")
		}
	}
}

func TestChannel_SendWhileClosedFailsFast(t *testing.T) {
	ch := NewChannel(testConfig("ws://127.0.0.1:1/ws"), Events{})
	if _, err := ch.Send(TurnRequest{Message: "x", SessionID: "s"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannel_SinglePendingCorrelation(t *testing.T) {
	srv := scriptedBackend(t, func(conn *websocket.Conn) {
		// never answer; just drain
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	ch := NewChannel(testConfig(wsURL(srv)), Events{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Send(TurnRequest{Message: "one", SessionID: "s"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := ch.Send(TurnRequest{Message: "two", SessionID: "s"}); !errors.Is(err, ErrPendingTurn) {
		t.Fatalf("expected ErrPendingTurn, got %v", err)
	}
}

func TestChannel_WatchdogTimeout(t *testing.T) {
	srv := scriptedBackend(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.ResponseTimeout = 50 * time.Millisecond
	ch := NewChannel(cfg, Events{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	p, err := ch.Send(TurnRequest{Message: "hello", SessionID: "s"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case res := <-p.Done:
		if !errors.Is(res.Err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("watchdog never fired")
	}
	// the channel accepts a new send after the watchdog cleared the pending
	if _, err := ch.Send(TurnRequest{Message: "again", SessionID: "s"}); err != nil {
		t.Fatalf("send after timeout: %v", err)
	}
}

func TestChannel_ReconnectBound(t *testing.T) {
	var accepts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&accepts, 1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// first connection dies abnormally right away
			conn.Close()
			return
		}
		// reject every reconnect attempt the same way
		conn.Close()
	}))
	defer srv.Close()

	states := make(chan State, 16)
	cfg := testConfig(wsURL(srv))
	ch := NewChannel(cfg, Events{OnStateChange: func(s State) { states <- s }})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateClosed {
				// 1 initial + MaxReconnectAttempts redials, then permanently closed
				got := atomic.LoadInt32(&accepts)
				want := int32(1 + cfg.MaxReconnectAttempts)
				if got != want {
					t.Fatalf("dial count = %d, want %d", got, want)
				}
				if ch.State() != StateClosed {
					t.Fatalf("expected closed state")
				}
				return
			}
		case <-deadline:
			t.Fatalf("channel never reached closed state (dials=%d)", atomic.LoadInt32(&accepts))
		}
	}
}

func TestChannel_DeliberateCloseNeverReconnects(t *testing.T) {
	var accepts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&accepts, 1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := NewChannel(testConfig(wsURL(srv)), Events{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch.Close()
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&accepts); got != 1 {
		t.Fatalf("deliberate close must not redial, dials=%d", got)
	}
	if ch.State() != StateClosed {
		t.Fatalf("expected closed, got %s", ch.State())
	}
}

func TestChannel_MalformedFrameDropped(t *testing.T) {
	srv := scriptedBackend(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(map[string]interface{}{"type": "mystery_frame"})
		_ = conn.WriteJSON(map[string]interface{}{"type": "final_response", "response": "ok"})
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	ch := NewChannel(testConfig(wsURL(srv)), Events{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	p, err := ch.Send(TurnRequest{Message: "hi", SessionID: "s"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case res := <-p.Done:
		if res.Err != nil {
			t.Fatalf("session must survive malformed frames, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminal after malformed frames")
	}
}

func TestChannel_InterruptFrameShape(t *testing.T) {
	frames := make(chan map[string]interface{}, 4)
	srv := scriptedBackend(t, func(conn *websocket.Conn) {
		for {
			var m map[string]interface{}
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			frames <- m
		}
	})
	defer srv.Close()

	ch := NewChannel(testConfig(wsURL(srv)), Events{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	if err := ch.Interrupt("s-9"); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	select {
	case m := <-frames:
		if m["type"] != "interrupt" || m["session_id"] != "s-9" || m["action"] != "stop_processing" {
			t.Fatalf("bad interrupt frame: %v", m)
		}
		if ts, _ := m["timestamp"].(string); ts == "" {
			t.Fatalf("interrupt frame missing timestamp")
		}
	case <-time.After(time.Second):
		t.Fatalf("interrupt frame never arrived")
	}
}

func TestChannel_ImmediateFinalsBackToBack(t *testing.T) {
	srv := scriptedBackend(t, func(conn *websocket.Conn) {
		// answer every turn with a terminal frame straight away
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteJSON(map[string]string{"type": "final_response", "response": "done"}); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	ch := NewChannel(testConfig(wsURL(srv)), Events{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	for i := 0; i < 200; i++ {
		p, err := ch.Send(TurnRequest{Message: "m", SessionID: "s"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		select {
		case res := <-p.Done:
			if res.Err != nil {
				t.Fatalf("turn %d: %v", i, res.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("turn %d: no terminal message", i)
		}
	}
}

func TestChannel_StateChangesDeliveredInOrder(t *testing.T) {
	srv := scriptedBackend(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage() // hold open until the client closes
	})
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	ch := NewChannel(testConfig(wsURL(srv)), Events{OnStateChange: func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch.Close()

	want := []State{StateConnecting, StateOpen, StateClosed}
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(states)
		mu.Unlock()
		if n >= len(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d state changes delivered", n)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("state %d: got %s, want %s (all: %v)", i, states[i], s, states)
		}
	}
}
