// Package session owns session identity and the active modality, and is the
// single entry point external collaborators call into. It orchestrates the
// streaming status channel, the voice transport and the transcription log
// while keeping one logical conversation coherent across mode switches.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/agentstate"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/backend"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/stream"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/transcript"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/vad"
)

// Mode is the active interaction modality.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already active")
	// ErrModeSwitchFailed wraps a failed mode-switch handshake. The session's
	// mode is unchanged and the switch is not retried automatically.
	ErrModeSwitchFailed = errors.New("mode switch failed")
)

// StatusChannel is the managed duplex connection the controller owns and
// passes to consumers; other components observe it only through events.
type StatusChannel interface {
	Connect(ctx context.Context) error
	State() stream.State
	Send(req stream.TurnRequest) (*stream.Pending, error)
	Interrupt(sessionID string) error
	RequestTranscription(sessionID string) error
	Close()
}

// Backend is the session lifecycle and synchronous fallback surface.
type Backend interface {
	Start(ctx context.Context, req backend.StartRequest) (backend.StartResponse, error)
	End(ctx context.Context, sessionID, archivedBy string) (backend.ArchiveInfo, error)
	History(ctx context.Context, sessionID string) ([]backend.HistoryMessage, error)
	SwitchMode(ctx context.Context, sessionID, targetMode string) error
	Context(ctx context.Context, sessionID, mode string) ([]backend.HistoryMessage, error)
	Ask(ctx context.Context, message, sessionID string, userContext map[string]interface{}) (string, error)
}

// VoiceTransport is the external real-time audio/video transport. The
// controller only triggers its lifecycle and samples its inbound audio.
type VoiceTransport interface {
	Start(ctx context.Context) error
	AudioSource() vad.EnergySource
	Close() error
}

// Events fans controller-level notifications out to the embedding UI.
type Events struct {
	OnThinking        func(stream.ThinkingStatus)
	OnAgentState      func(agentstate.Snapshot)
	OnSpeakingChanged func(bool)
	OnError           func(error)
}

// Config tunes the controller.
type Config struct {
	CustomerID string
	AgentKey   string
	StoreID    string

	// DisableVAD skips speaking detection entirely on resource-constrained
	// clients; dependent UI must then assume an unknown speaking state.
	DisableVAD  bool
	VADConfig   vad.Config
	VADInterval time.Duration

	// RevealInterval paces the progressive reveal of an assistant reply.
	// Zero reveals without delay.
	RevealInterval time.Duration
}

// Session is the logical conversation state. At most one is active per
// controller instance; currentMode is mutated only by the controller.
type Session struct {
	SessionID    string
	CustomerID   string
	AgentKey     string
	CurrentMode  Mode
	PreviousMode Mode
	StartedAt    time.Time
}

// InitResult reports the outcome of the initialization handshake.
type InitResult struct {
	SessionType string
	CurrentMode Mode
	Greeting    string
	HasContext  bool
}

// Controller wires the engine together. All collaborators are injected; there
// are no package-level globals and no implicit singletons.
type Controller struct {
	cfg     Config
	channel StatusChannel
	backend Backend
	voice   VoiceTransport
	logbook *transcript.Aggregator
	machine *agentstate.Machine
	ev      Events

	mu      sync.Mutex
	sess    *Session
	sampler *vad.Sampler
	turnSeq uint64
}

// New constructs a controller. voice may be nil when the deployment has no
// real-time transport; voice mode then degrades to transport-less operation.
func New(cfg Config, ch StatusChannel, be Backend, voice VoiceTransport, ev Events) *Controller {
	if cfg.VADConfig == (vad.Config{}) {
		cfg.VADConfig = vad.DefaultConfig()
	}
	c := &Controller{
		cfg:     cfg,
		channel: ch,
		backend: be,
		voice:   voice,
		logbook: transcript.NewAggregator(),
		ev:      ev,
	}
	c.machine = agentstate.NewMachine(ev.OnAgentState)
	return c
}

// Log exposes the conversation log snapshot.
func (c *Controller) Log() []transcript.Turn { return c.logbook.Log() }

// State exposes the agent processing machine for input affordances.
func (c *Controller) State() agentstate.Snapshot { return c.machine.Snapshot() }

// Session returns a copy of the active session, if any.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Session{}, false
	}
	return *c.sess, true
}

// Initialize performs the session handshake. A continuation session fetches
// and replays prior context through the aggregator before accepting input.
func (c *Controller) Initialize(ctx context.Context, preferredMode Mode, metadata map[string]interface{}) (InitResult, error) {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return InitResult{}, ErrAlreadyInitialized
	}
	c.mu.Unlock()

	res, err := c.backend.Start(ctx, backend.StartRequest{
		CustomerID:    c.cfg.CustomerID,
		AgentKey:      c.cfg.AgentKey,
		PreferredMode: string(preferredMode),
		Metadata:      metadata,
	})
	if err != nil {
		return InitResult{}, fmt.Errorf("session start: %w", err)
	}

	mode := Mode(res.Mode)
	if mode == "" {
		mode = preferredMode
	}
	sess := &Session{
		SessionID:   res.SessionID,
		CustomerID:  c.cfg.CustomerID,
		AgentKey:    c.cfg.AgentKey,
		CurrentMode: mode,
		StartedAt:   time.Now(),
	}

	if res.SessionType == "continuation" {
		hist, err := c.backend.History(ctx, res.SessionID)
		if err != nil {
			c.reportError(fmt.Errorf("history reload: %w", err))
		} else {
			c.logbook.Replay(historyToTurns(hist))
		}
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	// The live channel is best-effort: a failed connect leaves the session
	// usable over the synchronous fallback.
	if err := c.channel.Connect(ctx); err != nil {
		log.Printf("[%s] status channel connect failed, fallback only: %v", sess.SessionID, err)
		c.reportError(err)
	}

	if mode == ModeVoice {
		c.startVoice(ctx)
	}

	return InitResult{
		SessionType: res.SessionType,
		CurrentMode: mode,
		Greeting:    res.Greeting,
		HasContext:  res.HasContext,
	}, nil
}

// SendMessage submits one user turn. Free text is first scanned for mode
// intent phrases; a match short-circuits into SwitchMode instead of sending.
// The returned string is the assistant text actually committed (possibly
// truncated by an interrupt).
func (c *Controller) SendMessage(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return "", ErrNotInitialized
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	if target, ok := detectModeIntent(text); ok {
		if err := c.SwitchMode(ctx, target, true); err != nil {
			return "", err
		}
		return fmt.Sprintf("Switched to %s mode.", target), nil
	}

	if err := c.machine.Begin(); err != nil {
		return "", err
	}
	defer c.machine.Finish()

	c.logbook.Apply(transcript.Fragment{
		Speaker: transcript.SpeakerUser,
		TurnID:  c.nextTurnID(),
		Text:    text,
		Mode:    string(sess.CurrentMode),
		Final:   true,
	})

	reply, err := c.requestReply(ctx, sess, text)
	if err != nil {
		return "", err
	}

	c.machine.MarkResponding()
	return c.revealReply(sess, reply), nil
}

// requestReply obtains the assistant reply: live channel first, synchronous
// fallback on timeout, closed channel or connection death. Failures with no
// remaining fallback surface to the caller.
func (c *Controller) requestReply(ctx context.Context, sess *Session, text string) (string, error) {
	if c.channel.State() == stream.StateOpen {
		p, err := c.channel.Send(stream.TurnRequest{
			Message:   text,
			SessionID: sess.SessionID,
			UserID:    sess.CustomerID,
			AgentKey:  sess.AgentKey,
			StoreID:   c.cfg.StoreID,
		})
		if err == nil {
			reply, err := c.awaitTerminal(ctx, p)
			if err == nil {
				return reply, nil
			}
			if !errors.Is(err, stream.ErrTimeout) && !errors.Is(err, stream.ErrConnectionFailed) {
				return "", err
			}
			log.Printf("[%s] live channel failed (%v), using fallback", sess.SessionID, err)
		} else if !errors.Is(err, stream.ErrNotConnected) && !errors.Is(err, stream.ErrPendingTurn) {
			return "", err
		}
	}

	reply, err := c.backend.Ask(ctx, text, sess.SessionID, map[string]interface{}{
		"customer_id": sess.CustomerID,
		"mode":        string(sess.CurrentMode),
	})
	if err != nil {
		c.reportError(err)
		return "", fmt.Errorf("assistant unavailable: %w", err)
	}
	return reply, nil
}

// awaitTerminal drains thinking updates and waits for the terminal message.
func (c *Controller) awaitTerminal(ctx context.Context, p *stream.Pending) (string, error) {
	status := p.Status
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case st, ok := <-status:
			if !ok {
				status = nil // terminal is on its way; stop selecting here
				continue
			}
			if c.ev.OnThinking != nil {
				c.ev.OnThinking(st)
			}
		case res := <-p.Done:
			if res.Err != nil {
				return "", res.Err
			}
			reply := parseFinalResponse(res.Payload)
			if reply == "" {
				// malformed terminal payload: treat like a dead channel and
				// let the fallback answer instead
				return "", stream.ErrConnectionFailed
			}
			return reply, nil
		}
	}
}

// revealReply commits the assistant reply progressively, chunk by chunk, so
// an interrupt truncates at a chunk boundary. Exactly one final turn is
// committed no matter how the reveal ends.
func (c *Controller) revealReply(sess *Session, reply string) string {
	turnID := c.nextTurnID()
	chunks := chunkReply(reply)
	var spoken strings.Builder
	for i, chunk := range chunks {
		if c.machine.PauseRequested() {
			break
		}
		if spoken.Len() > 0 {
			spoken.WriteString(" ")
		}
		spoken.WriteString(chunk)
		c.logbook.Apply(transcript.Fragment{
			Speaker: transcript.SpeakerAssistant,
			TurnID:  turnID,
			Text:    spoken.String(),
			Mode:    string(sess.CurrentMode),
		})
		if c.cfg.RevealInterval > 0 && i < len(chunks)-1 {
			time.Sleep(c.cfg.RevealInterval)
		}
	}
	final := spoken.String()
	if final == "" {
		// interrupted before the first chunk, or a blank reply: there is
		// nothing worth committing as an assistant turn
		return ""
	}
	c.logbook.Apply(transcript.Fragment{
		Speaker: transcript.SpeakerAssistant,
		TurnID:  turnID,
		Text:    final,
		Mode:    string(sess.CurrentMode),
		Final:   true,
	})
	return final
}

// Interrupt requests cancellation of the in-flight response. It is best
// effort: user-visible only while the machine allows it, and the interrupt
// frame to the backend may or may not be acknowledged.
func (c *Controller) Interrupt() {
	if !c.machine.Interrupt() {
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := c.channel.Interrupt(sess.SessionID); err != nil {
		log.Printf("[%s] interrupt frame not delivered: %v", sess.SessionID, err)
	}
}

// SwitchMode changes the active modality.
//
// A no-op when the target equals the current mode. The handshake failing
// leaves state unchanged. On success the mode commit is final: a failure to
// start the voice transport afterwards is reported but does not revert the
// mode, so text capability stays usable.
func (c *Controller) SwitchMode(ctx context.Context, target Mode, preserveContext bool) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotInitialized
	}
	if target == sess.CurrentMode {
		return nil
	}

	if err := c.backend.SwitchMode(ctx, sess.SessionID, string(target)); err != nil {
		return fmt.Errorf("%w: %v", ErrModeSwitchFailed, err)
	}

	c.mu.Lock()
	sess.PreviousMode = sess.CurrentMode
	sess.CurrentMode = target
	c.mu.Unlock()
	log.Printf("[%s] mode switched %s -> %s", sess.SessionID, sess.PreviousMode, target)

	if preserveContext {
		hist, err := c.backend.Context(ctx, sess.SessionID, string(target))
		if err != nil {
			c.reportError(fmt.Errorf("context reload: %w", err))
		} else {
			c.logbook.Replay(historyToTurns(hist))
		}
	}

	if target == ModeVoice {
		c.startVoice(ctx)
	} else {
		c.stopVoice()
	}
	return nil
}

// startVoice initializes the real-time transport and begins speaking
// detection on the remote party's audio. A confirmed rising edge requests a
// transcription over the status channel.
func (c *Controller) startVoice(ctx context.Context) {
	if c.voice == nil {
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := c.voice.Start(ctx); err != nil {
		// mode stays committed; voice degrades, text remains usable
		c.reportError(fmt.Errorf("voice transport init: %w", err))
		return
	}
	sessionID := sess.SessionID
	sampler := vad.NewSampler(c.voice.AudioSource(), c.cfg.VADConfig, c.cfg.VADInterval, c.cfg.DisableVAD, vad.Events{
		OnSpeakingChanged: func(ev vad.SpeakingChanged) {
			if c.ev.OnSpeakingChanged != nil {
				c.ev.OnSpeakingChanged(ev.Speaking)
			}
			if ev.Speaking {
				if err := c.channel.RequestTranscription(sessionID); err != nil {
					log.Printf("[%s] transcription request not delivered: %v", sessionID, err)
				}
			}
		},
		OnSourceLost: func(err error) { c.reportError(err) },
	})
	c.mu.Lock()
	c.sampler = sampler
	c.mu.Unlock()
	sampler.Start()
}

func (c *Controller) stopVoice() {
	c.mu.Lock()
	sampler := c.sampler
	c.sampler = nil
	c.mu.Unlock()
	if sampler != nil {
		sampler.Stop()
	}
	if c.voice != nil {
		if err := c.voice.Close(); err != nil {
			log.Printf("voice transport close: %v", err)
		}
	}
}

// End archives the session and tears the engine down. The session is
// logically destroyed even if archiving fails.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return ErrNotInitialized
	}
	c.machine.Finish()
	c.stopVoice()
	c.channel.Close()
	if _, err := c.backend.End(ctx, sess.SessionID, "user"); err != nil {
		return fmt.Errorf("session end: %w", err)
	}
	return nil
}

func (c *Controller) nextTurnID() string {
	c.mu.Lock()
	c.turnSeq++
	seq := c.turnSeq
	c.mu.Unlock()
	return fmt.Sprintf("turn-%d-%d", time.Now().UnixMilli(), seq)
}

func (c *Controller) reportError(err error) {
	if c.ev.OnError != nil {
		c.ev.OnError(err)
	}
}

func historyToTurns(hist []backend.HistoryMessage) []transcript.Turn {
	out := make([]transcript.Turn, 0, len(hist))
	for _, h := range hist {
		speaker := transcript.Speaker(h.Speaker)
		if speaker != transcript.SpeakerUser && speaker != transcript.SpeakerAssistant {
			continue
		}
		out = append(out, transcript.Turn{
			TurnID:  h.TurnID,
			Speaker: speaker,
			Content: h.Content,
			Mode:    h.Mode,
			Final:   true,
		})
	}
	return out
}

// parseFinalResponse extracts the assistant text from a terminal payload:
// first present of response|message|content wins.
func parseFinalResponse(payload json.RawMessage) string {
	var body struct {
		Response string `json:"response"`
		Message  string `json:"message"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("session: malformed final_response payload: %v", err)
		return ""
	}
	switch {
	case body.Response != "":
		return body.Response
	case body.Message != "":
		return body.Message
	}
	return body.Content
}

// chunkReply splits an assistant reply into sentence-like chunks so the
// progressive reveal can truncate at a natural boundary on interrupt.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(b.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
