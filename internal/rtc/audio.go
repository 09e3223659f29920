package rtc

import (
	"errors"
	"sync"
)

// ErrSourceClosed is returned by ReadFrame after the transport shuts down,
// signalling the energy sampler that the audio source is gone for good.
var ErrSourceClosed = errors.New("audio source closed")

// frameRing buffers decoded PCM16 frames from the remote track for the
// energy sampler. It keeps the latest frames only; when the sampler falls
// behind, the oldest frames are dropped rather than blocking the decoder.
type frameRing struct {
	mu     sync.Mutex
	frames [][]int16
	size   int
	closed bool
}

func newFrameRing(size int) *frameRing {
	if size <= 0 {
		size = 32
	}
	return &frameRing{size: size}
}

// Write appends one decoded frame, evicting the oldest on overflow.
func (r *frameRing) Write(frame []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.frames = append(r.frames, frame)
	if len(r.frames) > r.size {
		r.frames = r.frames[len(r.frames)-r.size:]
	}
}

// ReadFrame pops the oldest buffered frame. An empty ring yields an empty
// frame with a nil error, which the sampler treats as silence.
func (r *frameRing) ReadFrame() ([]int16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSourceClosed
	}
	if len(r.frames) == 0 {
		return nil, nil
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, nil
}

// Close marks the source gone; subsequent reads fail.
func (r *frameRing) Close() {
	r.mu.Lock()
	r.frames = nil
	r.closed = true
	r.mu.Unlock()
}
