package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func postJSON(t *testing.T, url string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestSessionLifecycleAndChat(t *testing.T) {
	ts := httptest.NewServer(New())
	defer ts.Close()

	var start struct {
		SessionID   string `json:"session_id"`
		SessionType string `json:"session_type"`
		Mode        string `json:"mode"`
	}
	postJSON(t, ts.URL+"/sessions/start", map[string]string{"preferred_mode": "text"}, &start)
	if start.SessionID == "" || start.SessionType != "new" || start.Mode != "text" {
		t.Fatalf("unexpected start response: %+v", start)
	}

	var chat struct {
		Response string `json:"response"`
	}
	postJSON(t, ts.URL+"/chat", map[string]string{"message": "hello", "session_id": start.SessionID}, &chat)
	if chat.Response == "" {
		t.Fatalf("expected a chat reply")
	}

	resp, err := http.Get(ts.URL + "/sessions/" + start.SessionID + "/history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()
	var history []storedTurn
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 || history[0].Speaker != "user" || history[1].Speaker != "assistant" {
		t.Fatalf("expected user+assistant turns, got %+v", history)
	}

	end := postJSON(t, ts.URL+"/sessions/end", map[string]string{"session_id": start.SessionID, "archived_by": "user"}, nil)
	if end.StatusCode != http.StatusOK {
		t.Fatalf("end: status %d", end.StatusCode)
	}
}

func TestSwitchModeValidation(t *testing.T) {
	ts := httptest.NewServer(New())
	defer ts.Close()

	var start struct {
		SessionID string `json:"session_id"`
	}
	postJSON(t, ts.URL+"/sessions/start", map[string]string{"preferred_mode": "text"}, &start)

	resp := postJSON(t, ts.URL+"/sessions/"+start.SessionID+"/mode", map[string]string{"target_mode": "voice"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("switch to voice: status %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/sessions/"+start.SessionID+"/mode", map[string]string{"target_mode": "smoke"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/sessions/nope/mode", map[string]string{"target_mode": "voice"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestStatusWS_ScriptedTurn(t *testing.T) {
	ts := httptest.NewServer(New())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() map[string]interface{} {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m map[string]interface{}
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}

	if m := read(); m["type"] != "connection_established" {
		t.Fatalf("expected connection_established, got %v", m)
	}

	if err := conn.WriteJSON(map[string]string{"message": "hi", "session_id": "sess-x"}); err != nil {
		t.Fatalf("write turn: %v", err)
	}

	sawThinking := false
	for {
		m := read()
		switch m["type"] {
		case "thinking_status":
			sawThinking = true
		case "final_response":
			if !sawThinking {
				t.Fatalf("final before any thinking status")
			}
			if m["response"] == "" {
				t.Fatalf("empty final response")
			}
			return
		default:
			t.Fatalf("unexpected frame: %v", m)
		}
	}
}

func TestStatusWS_InterruptAck(t *testing.T) {
	ts := httptest.NewServer(New())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]interface{}
	if err := conn.ReadJSON(&m); err != nil || m["type"] != "connection_established" {
		t.Fatalf("handshake: %v %v", m, err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "interrupt", "session_id": "sess-x", "action": "pause"}); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}
	if err := conn.ReadJSON(&m); err != nil || m["type"] != "interrupt_ack" {
		t.Fatalf("expected interrupt_ack, got %v (%v)", m, err)
	}
}
