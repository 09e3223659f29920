package vad

import "math"

// Phase is the detector's hysteresis state.
type Phase int

const (
	PhaseSilence Phase = iota
	PhaseMaybeSpeech
	PhaseSpeech
	PhaseMaybeSilence
)

func (p Phase) String() string {
	switch p {
	case PhaseSilence:
		return "silence"
	case PhaseMaybeSpeech:
		return "maybe_speech"
	case PhaseSpeech:
		return "speech"
	case PhaseMaybeSilence:
		return "maybe_silence"
	}
	return "unknown"
}

// Config holds the detector thresholds. SpeechThreshold must be above
// SilenceThreshold; the gap between them is the hysteresis band.
type Config struct {
	SpeechThreshold  float64 // normalized RMS above which a frame counts as speech
	SilenceThreshold float64 // normalized RMS below which a frame counts as silence
	SpeechFrames     int     // consecutive speech frames before speaking=true
	SilenceFrames    int     // consecutive silence frames before speaking=false
}

// DefaultConfig returns thresholds tuned for 16kHz mono microphone input.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  0.01,
		SilenceThreshold: 0.004,
		SpeechFrames:     2,
		SilenceFrames:    2,
	}
}

// SpeakingChanged is emitted on a confirmed edge of the speaking state.
type SpeakingChanged struct {
	Speaking bool
}

// Detector classifies a stream of per-frame energy values into speaking and
// silence edges. Debounce on both edges prevents flicker from transient
// energy dips; a single sub-threshold sample during maybe_speech resets the
// counter entirely.
type Detector struct {
	cfg   Config
	phase Phase
	count int
}

func NewDetector(cfg Config) *Detector {
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = 2
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = 2
	}
	return &Detector{cfg: cfg}
}

// Phase reports the current hysteresis state.
func (d *Detector) Phase() Phase { return d.phase }

// Reset returns the detector to silence. Called when the audio source goes
// away mid-session.
func (d *Detector) Reset() {
	d.phase = PhaseSilence
	d.count = 0
}

// OnEnergySample consumes one RMS value and reports whether a speaking edge
// was confirmed by this sample.
func (d *Detector) OnEnergySample(rms float64) (SpeakingChanged, bool) {
	switch d.phase {
	case PhaseSilence:
		if rms > d.cfg.SpeechThreshold {
			d.phase = PhaseMaybeSpeech
			d.count = 1
			if d.count >= d.cfg.SpeechFrames {
				d.phase = PhaseSpeech
				return SpeakingChanged{Speaking: true}, true
			}
		}
	case PhaseMaybeSpeech:
		if rms > d.cfg.SpeechThreshold {
			d.count++
			if d.count >= d.cfg.SpeechFrames {
				d.phase = PhaseSpeech
				d.count = 0
				return SpeakingChanged{Speaking: true}, true
			}
		} else {
			// no partial credit: one dip cancels the candidate utterance
			d.phase = PhaseSilence
			d.count = 0
		}
	case PhaseSpeech:
		if rms < d.cfg.SilenceThreshold {
			d.phase = PhaseMaybeSilence
			d.count = 1
			if d.count >= d.cfg.SilenceFrames {
				d.phase = PhaseSilence
				d.count = 0
				return SpeakingChanged{Speaking: false}, true
			}
		}
	case PhaseMaybeSilence:
		switch {
		case rms > d.cfg.SpeechThreshold:
			d.phase = PhaseSpeech
			d.count = 0
		case rms < d.cfg.SilenceThreshold:
			d.count++
			if d.count >= d.cfg.SilenceFrames {
				d.phase = PhaseSilence
				d.count = 0
				return SpeakingChanged{Speaking: false}, true
			}
		default:
			// inside the hysteresis band: not silence, so the consecutive
			// run is broken, but not loud enough to resume speech either
			d.count = 0
		}
	}
	return SpeakingChanged{}, false
}

// RMS computes the normalized root-mean-square energy of a PCM16 frame.
// The result is scaled to [0,1] so thresholds are sample-rate independent.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(frame))) / 32768.0
}
