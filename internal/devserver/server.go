// Package devserver is a self-contained stub of the assistant backend for
// local development and demos: the session lifecycle endpoints, the sync chat
// fallback and a scripted streaming status channel.
package devserver

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type storedTurn struct {
	TurnID  string `json:"turn_id"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

type sessionRecord struct {
	ID      string
	Mode    string
	History []storedTurn
}

// Server is the stub backend. State is in-memory and per-process.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
	seq      int

	upgrader websocket.Upgrader
}

// New creates a configured Echo instance with the stub routes mounted.
func New() *echo.Echo {
	s := &Server{
		sessions: make(map[string]*sessionRecord),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/sessions/start", s.handleStart)
	e.POST("/sessions/end", s.handleEnd)
	e.GET("/sessions/:id/history", s.handleHistory)
	e.POST("/sessions/:id/mode", s.handleSwitchMode)
	e.GET("/sessions/:id/context", s.handleContext)
	e.POST("/chat", s.handleChat)
	e.GET("/ws", s.handleStatusWS)
	return e
}

func (s *Server) handleStart(c echo.Context) error {
	var req struct {
		CustomerID    string `json:"customer_id"`
		PreferredMode string `json:"preferred_mode"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}
	mode := req.PreferredMode
	if mode != "voice" {
		mode = "text"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A returning customer resumes their previous session.
	if req.CustomerID != "" {
		for _, rec := range s.sessions {
			if strings.HasSuffix(rec.ID, "-"+req.CustomerID) && len(rec.History) > 0 {
				return c.JSON(http.StatusOK, map[string]interface{}{
					"session_id":   rec.ID,
					"session_type": "continuation",
					"mode":         rec.Mode,
					"greeting":     "Welcome back!",
					"has_context":  true,
				})
			}
		}
	}

	s.seq++
	id := fmt.Sprintf("sess-%d", s.seq)
	if req.CustomerID != "" {
		id += "-" + req.CustomerID
	}
	s.sessions[id] = &sessionRecord{ID: id, Mode: mode}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id":   id,
		"session_type": "new",
		"mode":         mode,
		"greeting":     "Hi! How can I help you today?",
		"has_context":  false,
	})
}

func (s *Server) handleEnd(c echo.Context) error {
	var req struct {
		SessionID  string `json:"session_id"`
		ArchivedBy string `json:"archived_by"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}
	s.mu.Lock()
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]string{
		"session_id":  req.SessionID,
		"archived_by": req.ArchivedBy,
		"archived_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHistory(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[c.Param("id")]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}
	if rec.History == nil {
		return c.JSON(http.StatusOK, []storedTurn{})
	}
	return c.JSON(http.StatusOK, rec.History)
}

func (s *Server) handleSwitchMode(c echo.Context) error {
	var req struct {
		TargetMode string `json:"target_mode"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}
	if req.TargetMode != "text" && req.TargetMode != "voice" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown mode"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[c.Param("id")]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}
	rec.Mode = req.TargetMode
	return c.JSON(http.StatusOK, map[string]string{"session_id": rec.ID, "mode": rec.Mode})
}

func (s *Server) handleContext(c echo.Context) error {
	// Context is the mode-scoped slice of history; the stub keeps one store.
	return s.handleHistory(c)
}

func (s *Server) handleChat(c echo.Context) error {
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty message"})
	}
	reply := s.replyTo(req.SessionID, req.Message)
	return c.JSON(http.StatusOK, map[string]string{"response": reply})
}

// replyTo records the exchange and produces a canned assistant reply.
func (s *Server) replyTo(sessionID, message string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if ok {
		n := len(rec.History)
		rec.History = append(rec.History,
			storedTurn{TurnID: fmt.Sprintf("%s-t%d", sessionID, n+1), Speaker: "user", Content: message, Mode: rec.Mode},
		)
	}
	reply := fmt.Sprintf("You said: %s. Is there anything else I can help with?", strings.TrimSpace(message))
	if ok {
		n := len(rec.History)
		rec.History = append(rec.History,
			storedTurn{TurnID: fmt.Sprintf("%s-t%d", sessionID, n+1), Speaker: "assistant", Content: reply, Mode: rec.Mode},
		)
	}
	return reply
}

// handleStatusWS serves the streaming status channel: an immediate
// connection_established, then for each turn frame a short scripted thinking
// sequence followed by the final response. Interrupts are acknowledged and
// cancel the in-flight script.
func (s *Server) handleStatusWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{"type": "connection_established"}); err != nil {
		return nil
	}

	var (
		writeMu   sync.Mutex
		interrupt chan struct{}
	)
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			return nil
		}
		typ, _ := frame["type"].(string)
		switch typ {
		case "interrupt":
			if interrupt != nil {
				close(interrupt)
				interrupt = nil
			}
			_ = writeJSON(map[string]interface{}{"type": "interrupt_ack"})
		case "request_transcription":
			// No live STT in the stub; log and carry on.
			log.Printf("devserver: transcription requested for session %v", frame["session_id"])
		default:
			message, _ := frame["message"].(string)
			sessionID, _ := frame["session_id"].(string)
			if message == "" {
				continue
			}
			interrupt = make(chan struct{})
			go s.runTurn(writeJSON, interrupt, sessionID, message)
		}
	}
}

func (s *Server) runTurn(writeJSON func(interface{}) error, cancel <-chan struct{}, sessionID, message string) {
	steps := []struct {
		progress int
		status   string
	}{
		{25, "Understanding your question"},
		{60, "Looking things up"},
		{90, "Writing a reply"},
	}
	for _, st := range steps {
		select {
		case <-cancel:
			return
		case <-time.After(80 * time.Millisecond):
		}
		if err := writeJSON(map[string]interface{}{
			"type":           "thinking_status",
			"progress":       st.progress,
			"status_message": st.status,
		}); err != nil {
			return
		}
	}
	select {
	case <-cancel:
		return
	default:
	}
	_ = writeJSON(map[string]interface{}{
		"type":     "final_response",
		"response": s.replyTo(sessionID, message),
	})
}
