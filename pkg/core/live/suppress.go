package live

import (
	"sync"
	"time"
)

// NoiseSuppressor attenuates stationary background noise on the 48kHz
// capture path and exposes a per-frame speech probability used by the
// activity detector. It tracks an adaptive noise floor from the quietest
// recent frames and gates frames close to that floor.
//
// After SilenceResetAfter of continuous silence the internal state is reset
// and ResetPending latches, so the caller can clear the vendor's input
// buffer in lockstep and keep both sides' view of "recent audio" aligned.
type NoiseSuppressor struct {
	config  SuppressorConfig
	capture AudioConfig

	mu           sync.Mutex
	noiseFloor   float64
	lastSpeech   time.Time
	lastProb     float64
	resetPending bool
	frames       int
	now          func() time.Time
}

// NewNoiseSuppressor creates a suppressor for the given capture format.
func NewNoiseSuppressor(config SuppressorConfig, capture AudioConfig) *NoiseSuppressor {
	return &NoiseSuppressor{
		config:  config,
		capture: capture,
		now:     time.Now,
	}
}

// ProcessFrame gates one capture frame and updates the speech probability.
// The returned slice is the (possibly attenuated) frame; it is never nil for
// a non-empty input.
func (n *NoiseSuppressor) ProcessFrame(pcm []byte) []byte {
	if len(pcm) == 0 {
		return pcm
	}

	energy := CalculateRMSRaw(pcm)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.frames++

	// Adaptive floor: fast decay toward quiet frames, slow rise toward loud
	// ones, so speech does not drag the floor up.
	if n.noiseFloor == 0 {
		n.noiseFloor = energy
	} else if energy < n.noiseFloor {
		n.noiseFloor = n.noiseFloor*0.8 + energy*0.2
	} else {
		n.noiseFloor = n.noiseFloor*0.995 + energy*0.005
	}

	// Probability from the energy margin over the floor. A frame at 4x the
	// floor (or more) is treated as certain speech.
	margin := energy - n.noiseFloor
	denom := n.noiseFloor * 3
	if denom < 1 {
		denom = 1
	}
	prob := margin / denom
	if prob < 0 {
		prob = 0
	}
	if prob > 1 {
		prob = 1
	}
	n.lastProb = prob

	ts := n.now()
	if prob > 0.5 || CalculatePeakAmplitude(pcm) >= n.config.SilencePeakCeiling {
		// A loud frame counts as activity even when the adaptive floor has
		// crept up enough to zero the probability.
		n.lastSpeech = ts
	} else if !n.lastSpeech.IsZero() && ts.Sub(n.lastSpeech) >= n.config.SilenceResetAfter {
		// Long silence: reset internal state and latch the buffer-clear
		// request for the transport.
		n.noiseFloor = energy
		n.lastSpeech = ts
		n.resetPending = true
	}

	// Hard-gate frames indistinguishable from the floor.
	if prob == 0 && energy < n.noiseFloor*1.2 {
		return make([]byte, len(pcm))
	}
	return pcm
}

// SpeechProbability returns the probability computed for the last frame.
func (n *NoiseSuppressor) SpeechProbability() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastProb
}

// TakeResetPending consumes the silence-reset latch. Returns true at most
// once per auto-reset.
func (n *NoiseSuppressor) TakeResetPending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.resetPending
	n.resetPending = false
	return p
}

// Reset clears all suppressor state.
func (n *NoiseSuppressor) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noiseFloor = 0
	n.lastSpeech = time.Time{}
	n.lastProb = 0
	n.resetPending = false
	n.frames = 0
}
