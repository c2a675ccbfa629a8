package live

import (
	"sync"
	"time"
)

// ActivitySource identifies where a voice-activity observation came from.
// Sources are consulted in priority order: a vendor that reports speech
// start/stop events wins over the suppressor probability, which wins over
// plain RMS energy.
type ActivitySource int

const (
	// SourceServer is a vendor speech_started/speech_stopped event.
	SourceServer ActivitySource = iota
	// SourceSuppressor is the noise suppressor's speech probability.
	SourceSuppressor
	// SourceEnergy is the RMS fallback.
	SourceEnergy
)

// String returns a human-readable source name.
func (s ActivitySource) String() string {
	switch s {
	case SourceServer:
		return "SERVER"
	case SourceSuppressor:
		return "SUPPRESSOR"
	case SourceEnergy:
		return "ENERGY"
	default:
		return "UNKNOWN"
	}
}

// ActivityDetector fuses the available voice-activity signals into one
// boolean that persists for a grace period after the last positive
// detection. The fused signal throttles the image upload path only; turn
// detection itself stays with the vendor.
type ActivityDetector struct {
	config ActivityConfig

	mu             sync.Mutex
	serverActive   bool
	serverReported bool
	lastPositive   time.Time
	now            func() time.Time
}

// NewActivityDetector creates a detector with the given thresholds.
func NewActivityDetector(config ActivityConfig) *ActivityDetector {
	return &ActivityDetector{config: config, now: time.Now}
}

// ObserveServerSpeech records a vendor speech start/stop event. Once any
// server event has been seen, server state takes priority over the local
// signals for the rest of the session.
func (d *ActivityDetector) ObserveServerSpeech(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serverReported = true
	d.serverActive = active
	if active {
		d.lastPositive = d.now()
	}
}

// ObserveFrame records the local measurements for one capture frame. The
// suppressor probability is preferred; rms is only consulted when the
// probability is unavailable (negative).
func (d *ActivityDetector) ObserveFrame(speechProbability, rms float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.serverReported {
		return
	}

	positive := false
	if speechProbability >= 0 {
		positive = speechProbability > d.config.SpeechProbabilityThreshold
	} else {
		positive = rms > d.config.RMSThreshold
	}
	if positive {
		d.lastPositive = d.now()
	}
}

// Active reports whether voice activity is asserted, including the grace
// window after the last positive detection.
func (d *ActivityDetector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.serverReported && d.serverActive {
		return true
	}
	if d.lastPositive.IsZero() {
		return false
	}
	return d.now().Sub(d.lastPositive) < d.config.GracePeriod
}

// Reset clears all observations, e.g. when a session is replaced.
func (d *ActivityDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serverActive = false
	d.serverReported = false
	d.lastPositive = time.Time{}
}
