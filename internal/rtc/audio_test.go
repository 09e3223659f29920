package rtc

import (
	"errors"
	"testing"
)

func TestFrameRing_FIFOAndOverflow(t *testing.T) {
	r := newFrameRing(2)
	r.Write([]int16{1})
	r.Write([]int16{2})
	r.Write([]int16{3}) // evicts frame 1

	f, err := r.ReadFrame()
	if err != nil || len(f) != 1 || f[0] != 2 {
		t.Fatalf("expected frame 2, got %v (%v)", f, err)
	}
	f, err = r.ReadFrame()
	if err != nil || f[0] != 3 {
		t.Fatalf("expected frame 3, got %v (%v)", f, err)
	}
}

func TestFrameRing_EmptyIsSilenceNotError(t *testing.T) {
	r := newFrameRing(4)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("empty ring must not error: %v", err)
	}
	if len(f) != 0 {
		t.Fatalf("empty ring must yield an empty frame")
	}
}

func TestFrameRing_ClosedReadsFail(t *testing.T) {
	r := newFrameRing(4)
	r.Write([]int16{1})
	r.Close()
	if _, err := r.ReadFrame(); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed, got %v", err)
	}
	// writes after close are dropped silently
	r.Write([]int16{2})
	if _, err := r.ReadFrame(); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed after post-close write, got %v", err)
	}
}

func TestParseICEServers_FallsBackToSTUN(t *testing.T) {
	servers := parseICEServers("")
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("expected default STUN server, got %+v", servers)
	}
	servers = parseICEServers(`[{"urls":["turn:turn.example.com"]}]`)
	if len(servers) != 1 || servers[0].URLs[0] != "turn:turn.example.com" {
		t.Fatalf("configured servers not honored: %+v", servers)
	}
}
