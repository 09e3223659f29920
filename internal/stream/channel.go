package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected means a send was attempted while the connection is not
	// open. The caller must fall back immediately; frames are not durably
	// queued across reconnects.
	ErrNotConnected = errors.New("status channel not connected")
	// ErrTimeout means no terminal message arrived within the watchdog window.
	ErrTimeout = errors.New("status channel timeout waiting for final response")
	// ErrConnectionFailed means the channel could not open or the reconnect
	// budget is exhausted.
	ErrConnectionFailed = errors.New("status channel connection failed")
	// ErrPendingTurn means a send was attempted while a terminal correlation
	// is already outstanding. At most one per session.
	ErrPendingTurn = errors.New("status channel already has a pending turn")
)

// State of the managed connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config holds channel tuning. Zero values get conservative defaults.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ResponseTimeout      time.Duration // terminal-message watchdog
	HandshakeTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Events carries channel-level notifications.
type Events struct {
	OnStateChange  func(State)
	OnInterruptAck func()
}

// Pending correlates one send with its eventual terminal message. Status
// receives zero or more thinking updates before Done delivers exactly one
// TurnResult.
type Pending struct {
	Status <-chan ThinkingStatus
	Done   <-chan TurnResult

	statusCh chan ThinkingStatus
	doneCh   chan TurnResult
	watchdog *time.Timer
	once     sync.Once
}

func newPending() *Pending {
	p := &Pending{
		statusCh: make(chan ThinkingStatus, 16),
		doneCh:   make(chan TurnResult, 1),
	}
	p.Status = p.statusCh
	p.Done = p.doneCh
	return p
}

// resolve delivers the terminal result exactly once.
func (p *Pending) resolve(res TurnResult) {
	p.once.Do(func() {
		if p.watchdog != nil {
			p.watchdog.Stop()
		}
		p.doneCh <- res
		close(p.statusCh)
	})
}

// Channel is a managed duplex websocket connection to the agent backend. It
// frames outbound turn and interrupt messages, demultiplexes inbound status
// and terminal frames, and owns reconnection with linear backoff. The
// StreamingConnection state is mutated only here; everything else observes it
// through events.
type Channel struct {
	cfg Config
	ev  Events

	mu                sync.Mutex
	conn              *websocket.Conn
	state             State
	reconnectAttempts int
	reconnecting      bool // single-flight guard
	pending           *Pending
	closed            bool // deliberate close; never reconnect past this

	stateQueue  []State // undelivered OnStateChange notifications, in order
	dispatching bool
}

func NewChannel(cfg Config, ev Events) *Channel {
	cfg.applyDefaults()
	return &Channel{cfg: cfg, ev: ev, state: StateClosed}
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.ev.OnStateChange == nil {
		return
	}
	// Queue and deliver from a single dispatcher so observers see state
	// changes in the order they happened.
	c.stateQueue = append(c.stateQueue, s)
	if c.dispatching {
		return
	}
	c.dispatching = true
	go c.dispatchStates()
}

func (c *Channel) dispatchStates() {
	for {
		c.mu.Lock()
		if len(c.stateQueue) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}
		s := c.stateQueue[0]
		c.stateQueue = c.stateQueue[1:]
		c.mu.Unlock()
		c.ev.OnStateChange(s)
	}
}

// Connect dials the backend. The connection_established handshake frame is
// consumed by the read loop; callers only see the state change.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reconnectAttempts = 0
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			log.Printf("stream: dial failed with status %d", resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// Send frames a turn request. It fails fast when the connection is not open
// or a terminal correlation is already outstanding. The returned Pending
// carries thinking updates and the terminal result; a watchdog rejects it
// with ErrTimeout if no terminal message arrives in time.
func (c *Channel) Send(req TurnRequest) (*Pending, error) {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrPendingTurn
	}
	p := newPending()
	// Arm the watchdog before the pending becomes visible to the read loop;
	// a terminal frame may resolve it the moment the turn frame is written.
	p.watchdog = time.AfterFunc(c.cfg.ResponseTimeout, func() {
		c.clearPending(p)
		p.resolve(TurnResult{Err: ErrTimeout})
	})
	c.pending = p
	conn := c.conn
	c.mu.Unlock()

	frame := turnFrame{
		Message:      req.Message,
		SessionID:    req.SessionID,
		UserMetadata: req.UserMetadata,
		UserID:       req.UserID,
		AgentKey:     req.AgentKey,
		StoreID:      req.StoreID,
	}
	if err := conn.WriteJSON(frame); err != nil {
		p.watchdog.Stop()
		c.clearPending(p)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return p, nil
}

// Interrupt sends a best-effort stop_processing frame for the session.
func (c *Channel) Interrupt(sessionID string) error {
	c.mu.Lock()
	conn, open := c.conn, c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(interruptFrame{
		Type:      "interrupt",
		SessionID: sessionID,
		Action:    "stop_processing",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RequestTranscription asks the backend to transcribe the remote party's
// current utterance. Fired on rising speaking edges in voice mode.
func (c *Channel) RequestTranscription(sessionID string) error {
	c.mu.Lock()
	conn, open := c.conn, c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(transcriptionFrame{Type: "request_transcription", SessionID: sessionID})
}

// Close tears the connection down deliberately. A deliberate close never
// reconnects; any pending turn fails with ErrConnectionFailed.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	p := c.pending
	c.pending = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	if p != nil {
		p.resolve(TurnResult{Err: ErrConnectionFailed})
	}
}

func (c *Channel) clearPending(p *Pending) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

// readLoop processes inbound messages for the given connection in arrival
// order until it dies. Abnormal death kicks off reconnection.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onConnDown(conn, err)
			return
		}
		c.demux(data)
	}
}

// demux routes one inbound frame by type. Malformed or unexpected frames are
// logged and dropped; the session continues.
func (c *Channel) demux(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("stream: dropping malformed frame: %v", err)
		return
	}
	switch f.Type {
	case "connection_established":
		// handshake ack, no-op for callers
	case "thinking_status":
		c.mu.Lock()
		p := c.pending
		c.mu.Unlock()
		if p == nil {
			return
		}
		select {
		case p.statusCh <- ThinkingStatus{Progress: f.Progress, StatusMessage: f.StatusMessage}:
		default:
			// slow consumer: drop the update rather than stall the read loop
		}
	case "final_response":
		c.mu.Lock()
		p := c.pending
		c.pending = nil
		c.mu.Unlock()
		if p == nil {
			log.Printf("stream: dropping unexpected final_response")
			return
		}
		payload := make([]byte, len(data))
		copy(payload, data)
		p.resolve(TurnResult{Payload: payload})
	case "interrupt_ack":
		if c.ev.OnInterruptAck != nil {
			c.ev.OnInterruptAck()
		}
	default:
		log.Printf("stream: dropping frame with unknown type %q", f.Type)
	}
}

// onConnDown handles the death of a connection. A deliberate close is final;
// an abnormal closure starts the single reconnect goroutine.
func (c *Channel) onConnDown(conn *websocket.Conn, cause error) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn != conn {
		// stale loop for an already-replaced connection
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()
	log.Printf("stream: connection lost (%v), reconnecting", cause)
	go c.reconnect()
}

// reconnect retries with linear backoff. Exactly one of these runs at a time.
// The attempt budget is cumulative for the connection's lifetime (only a fresh
// Connect resets it), so N consecutive abnormal closures consume exactly N
// attempts and the channel then closes permanently for the session; callers
// must use the fallback transport from then on.
func (c *Channel) reconnect() {
	for {
		c.mu.Lock()
		if c.closed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		if attempt > c.cfg.MaxReconnectAttempts {
			c.reconnecting = false
			p := c.pending
			c.pending = nil
			c.setStateLocked(StateClosed)
			c.mu.Unlock()
			log.Printf("stream: reconnect budget exhausted, channel closed")
			if p != nil {
				p.resolve(TurnResult{Err: ErrConnectionFailed})
			}
			return
		}
		c.mu.Unlock()

		time.Sleep(c.cfg.ReconnectBaseDelay * time.Duration(attempt))

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Printf("stream: reconnect attempt %d/%d failed: %v", attempt, c.cfg.MaxReconnectAttempts, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.reconnecting = false
		c.setStateLocked(StateOpen)
		c.mu.Unlock()
		go c.readLoop(conn)
		return
	}
}

// ReconnectAttempts reports how many reconnect attempts the current recovery
// cycle has made.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}
