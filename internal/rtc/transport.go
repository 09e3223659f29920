// Package rtc is the default real-time voice transport: WebRTC signaling
// over a WebSocket plus decode of the remote party's audio for speaking
// detection. The session controller drives it through the VoiceTransport
// interface, so deployments with their own transport can swap it out.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/vad"
)

// signalMessage is the JSON signaling format: offer/answer + trickle ICE.
// Types: "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Config for the transport.
type Config struct {
	SignalingURL     string
	ICEServersJSON   string
	HandshakeTimeout time.Duration
	// SampleRate of decoded remote audio for energy sampling; 16000 typical.
	SampleRate int
}

// Transport implements session.VoiceTransport over pion/webrtc.
type Transport struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	pc      *webrtc.PeerConnection
	ring    *frameRing
	started bool
}

func NewTransport(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Transport{cfg: cfg, ring: newFrameRing(64)}
}

// AudioSource exposes the remote party's decoded audio for the VAD.
func (t *Transport) AudioSource() vad.EnergySource { return t.ring }

// Start dials the signaling endpoint, negotiates the peer connection and
// begins decoding the remote audio track. It returns once the answer is
// applied; ICE completion proceeds in the background.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.SignalingURL, nil)
	if err != nil {
		return fmt.Errorf("signaling dial: %w", err)
	}

	pc, err := t.createPeer()
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Trickle local candidates to the signaling peer.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.WriteJSON(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.WriteJSON(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("rtc: remote audio track: codec=%s", remote.Codec().MimeType)
		go t.decodeTrack(remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("rtc: peer connection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			t.ring.Close()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return err
	}
	if err := conn.WriteJSON(signalMessage{Type: "offer", SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return fmt.Errorf("signaling offer: %w", err)
	}

	// Wait for the answer; candidates may interleave before it.
	answerSDP, err := t.awaitAnswer(ctx, conn, pc)
	if err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return fmt.Errorf("apply answer: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.pc = pc
	t.started = true
	t.mu.Unlock()

	go t.signalLoop(conn, pc)
	return nil
}

func (t *Transport) createPeer() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(t.cfg.ICEServersJSON)})
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return pc, nil
}

// awaitAnswer reads signaling frames until the answer arrives, applying any
// early-trickled remote candidates on the way.
func (t *Transport) awaitAnswer(ctx context.Context, conn *websocket.Conn, pc *webrtc.PeerConnection) (string, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil {
			return "", fmt.Errorf("signaling answer: %w", err)
		}
		switch strings.ToLower(m.Type) {
		case "answer":
			if m.SDP == "" {
				return "", fmt.Errorf("signaling answer: empty sdp")
			}
			return m.SDP, nil
		case "candidate":
			if m.Candidate != "" {
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
			}
		case "error":
			return "", fmt.Errorf("signaling error: %s", m.Error)
		case "bye":
			return "", fmt.Errorf("signaling peer hung up")
		}
	}
}

// signalLoop keeps applying remote trickle candidates until the socket dies.
func (t *Transport) signalLoop(conn *websocket.Conn, pc *webrtc.PeerConnection) {
	for {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			_ = pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
		case "bye":
			_ = pc.Close()
			return
		}
	}
}

// decodeTrack decodes inbound Opus RTP into PCM16 frames for the VAD ring.
func (t *Transport) decodeTrack(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(t.cfg.SampleRate, 1)
	if err != nil {
		log.Printf("rtc: opus decoder: %v", err)
		return
	}
	samples := make([]int16, t.cfg.SampleRate/50*2) // room for a 40ms packet
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			continue
		}
		frame := make([]int16, n)
		copy(frame, samples[:n])
		t.ring.Write(frame)
	}
}

// Close sends a bye, tears down the peer connection and closes the audio
// source. Safe to call without a prior successful Start.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, pc := t.conn, t.pc
	t.conn, t.pc = nil, nil
	t.started = false
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(signalMessage{Type: "bye"})
		_ = conn.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	t.ring.Close()
	return nil
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
