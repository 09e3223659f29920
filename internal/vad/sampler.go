package vad

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrMicrophoneUnavailable is reported once when the audio source disappears
// mid-session. Detection stays disabled for the rest of the session.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// EnergySource provides PCM16 mono frames for energy sampling. Returning an
// empty frame with a nil error means no audio is buffered yet and counts as
// silence; returning an error means the source is gone for good.
type EnergySource interface {
	ReadFrame() ([]int16, error)
}

// Events carries the sampler's fan-out callbacks.
type Events struct {
	// OnSpeakingChanged fires on confirmed speaking edges.
	OnSpeakingChanged func(SpeakingChanged)
	// OnSourceLost fires at most once, when the audio source fails.
	OnSourceLost func(error)
}

// Sampler reads the active audio source on a periodic tick, computes a scalar
// RMS energy per frame and feeds the hysteresis detector. It is a scheduled
// task with an explicit stop handle so shutdown is deterministic.
type Sampler struct {
	src      EnergySource
	det      *Detector
	interval time.Duration
	disabled bool
	ev       Events

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
}

// NewSampler constructs a sampler. When disabled is true (resource-constrained
// client), Start is a no-op and no events are ever emitted; dependent UI must
// assume an unknown speaking state.
func NewSampler(src EnergySource, cfg Config, interval time.Duration, disabled bool, ev Events) *Sampler {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Sampler{
		src:      src,
		det:      NewDetector(cfg),
		interval: interval,
		disabled: disabled,
		ev:       ev,
	}
}

// Start begins periodic sampling. Starting twice is a no-op.
func (s *Sampler) Start() {
	if s.disabled || s.src == nil {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopOnce = &sync.Once{}
	stopCh := s.stopCh
	s.mu.Unlock()
	go s.run(stopCh)
}

// Stop halts sampling. Safe to call multiple times and before Start.
func (s *Sampler) Stop() {
	s.mu.Lock()
	once, ch := s.stopOnce, s.stopCh
	s.running = false
	s.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ch) })
	}
}

// Speaking reports whether the detector currently confirms speech.
func (s *Sampler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.det.Phase() == PhaseSpeech || s.det.Phase() == PhaseMaybeSilence
}

func (s *Sampler) run(stopCh chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			frame, err := s.src.ReadFrame()
			if err != nil {
				// Source is gone: reset, report once, stop emitting. Never panic.
				s.mu.Lock()
				s.det.Reset()
				s.running = false
				s.mu.Unlock()
				log.Printf("vad: audio source lost: %v", err)
				if s.ev.OnSourceLost != nil {
					s.ev.OnSourceLost(fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err))
				}
				return
			}
			s.mu.Lock()
			change, edged := s.det.OnEnergySample(RMS(frame))
			s.mu.Unlock()
			if edged && s.ev.OnSpeakingChanged != nil {
				s.ev.OnSpeakingChanged(change)
			}
		}
	}
}
