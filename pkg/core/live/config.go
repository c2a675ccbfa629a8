package live

import "time"

// SessionState represents the lifecycle state of a companion session.
type SessionState int

const (
	// StateIdle means no session exists.
	StateIdle SessionState = iota
	// StateStarting means the transport and TTS bridge are being brought up.
	StateStarting
	// StateActive means the session is connected, warmed up and ready.
	StateActive
	// StatePreparingPending means a replacement session is being primed in
	// the background while the current one keeps serving.
	StatePreparingPending
	// StateSwapImminent means the final swap has been scheduled; inbound
	// microphone audio is cached instead of being sent to the old session.
	StateSwapImminent
	// StateEnding means teardown is in progress.
	StateEnding
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StatePreparingPending:
		return "PREPARING_PENDING"
	case StateSwapImminent:
		return "SWAP_IMMINENT"
	case StateEnding:
		return "ENDING"
	default:
		return "UNKNOWN"
	}
}

// AudioConfig describes a PCM16 stream.
type AudioConfig struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultCaptureConfig is the microphone format sent by desktop frontends.
func DefaultCaptureConfig() AudioConfig {
	return AudioConfig{SampleRate: 48000, Channels: 1, BitsPerSample: 16}
}

// DefaultUpstreamConfig is the format expected by realtime vendors.
func DefaultUpstreamConfig() AudioConfig {
	return AudioConfig{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// DefaultPlaybackConfig is the format delivered to the frontend speaker path.
func DefaultPlaybackConfig() AudioConfig {
	return AudioConfig{SampleRate: 48000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the byte rate of the stream.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * c.BitsPerSample / 8
}

// DurationMs converts a byte count to milliseconds of audio.
func (c AudioConfig) DurationMs(numBytes int) int {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return numBytes * 1000 / bps
}

// BytesForDurationMs converts milliseconds of audio to a byte count.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return c.BytesPerSecond() * ms / 1000
}

// ActivityConfig controls the unified voice-activity signal. The signal is
// derived, in priority order, from server speech events, the noise
// suppressor's speech probability, and finally RMS energy.
type ActivityConfig struct {
	// SpeechProbabilityThreshold gates the suppressor-derived signal.
	SpeechProbabilityThreshold float64
	// RMSThreshold gates the energy fallback, in raw int16 RMS units.
	RMSThreshold float64
	// GracePeriod keeps the signal asserted after the last positive
	// detection so brief pauses do not flap the image-upload throttle.
	GracePeriod time.Duration
}

// DefaultActivityConfig returns the tuned activity detection parameters.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		SpeechProbabilityThreshold: 0.4,
		RMSThreshold:               500,
		GracePeriod:                2 * time.Second,
	}
}

// SuppressorConfig controls noise suppression on the 48kHz capture path.
type SuppressorConfig struct {
	// SilenceResetAfter auto-resets the suppressor's internal state after
	// continuous silence, and signals the transport to clear the vendor's
	// input buffer in lockstep.
	SilenceResetAfter time.Duration
	// FrameSamples is the exact per-frame sample count that identifies a
	// 48kHz desktop capture chunk. Frames of any other size bypass the
	// suppressor and the downsampler.
	FrameSamples int
	// SilencePeakCeiling is the normalized peak amplitude a frame must
	// stay under to count toward the silence reset. A steady hum can read
	// as zero speech probability yet still carry real signal.
	SilencePeakCeiling float64
}

// DefaultSuppressorConfig returns suppressor parameters matching the
// 10ms/48kHz desktop capture format.
func DefaultSuppressorConfig() SuppressorConfig {
	return SuppressorConfig{
		SilenceResetAfter:  4 * time.Second,
		FrameSamples:       480,
		SilencePeakCeiling: 0.02,
	}
}

// RepetitionConfig controls the looping-response guard. The threshold and
// window are tuned empirically and deliberately configurable.
type RepetitionConfig struct {
	// SimilarityThreshold is the pairwise text similarity above which two
	// transcripts count as repeats.
	SimilarityThreshold float64
	// WindowSize is how many recent completed transcripts are kept.
	WindowSize int
	// MinHits is how many similar pairs within the window trigger the
	// one-shot warning.
	MinHits int
}

// DefaultRepetitionConfig returns the tuned repetition guard parameters.
func DefaultRepetitionConfig() RepetitionConfig {
	return RepetitionConfig{SimilarityThreshold: 0.8, WindowSize: 3, MinHits: 2}
}

// SwapConfig tunes the hot-swap scheduler and bounds the audio cache flush.
type SwapConfig struct {
	// RefreshInterval is the session age at which the scheduler starts
	// preparing a replacement. Vendors cap realtime connection length
	// well below a long conversation.
	RefreshInterval time.Duration
	// CheckInterval is the scheduler's polling cadence.
	CheckInterval time.Duration
	// FlushChunkBytes is the size of each cache slice sent to the newly
	// promoted session.
	FlushChunkBytes int
	// FlushMaxIterations caps the flush loop so a runaway cache cannot
	// stall the swap.
	FlushMaxIterations int
	// FlushInterval paces cache delivery so the vendor is not burst-fed.
	FlushInterval time.Duration
	// SilenceTrimBytes is how much trailing cached audio is discarded on a
	// vendor silence timeout (probable noise, about four seconds at 16kHz).
	SilenceTrimBytes int
}

// DefaultSwapConfig returns the tuned swap parameters.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		RefreshInterval:    5 * time.Minute,
		CheckInterval:      2 * time.Second,
		FlushChunkBytes:    1600,
		FlushMaxIterations: 20,
		FlushInterval:      25 * time.Millisecond,
		SilenceTrimBytes:   120000,
	}
}

// StartConfig bounds session startup and automatic restart.
type StartConfig struct {
	// TTSReadyTimeout is how long start waits for the TTS bridge readiness
	// signal before continuing without narration.
	TTSReadyTimeout time.Duration
	// WarmupTimeout bounds the throwaway prompt-cache priming response.
	WarmupTimeout time.Duration
	// MaxFailures is the consecutive start-failure count after which
	// automatic recreation is suppressed until the cooldown elapses.
	MaxFailures int
	// FailureCooldown is the suppression window after MaxFailures.
	FailureCooldown time.Duration
}

// DefaultStartConfig returns the tuned startup parameters.
func DefaultStartConfig() StartConfig {
	return StartConfig{
		TTSReadyTimeout: 8 * time.Second,
		WarmupTimeout:   10 * time.Second,
		MaxFailures:     3,
		FailureCooldown: 3 * time.Second,
	}
}

// TTSBufferConfig controls sentence assembly between model text deltas and
// the TTS bridge.
type TTSBufferConfig struct {
	// FlushPunctuation flushes immediately when a delta ends on one of
	// these runes.
	FlushPunctuation string
	// MinWordsAtBoundary flushes at a word boundary once this many words
	// have accumulated.
	MinWordsAtBoundary int
}

// DefaultTTSBufferConfig returns the tuned sentence assembly parameters.
func DefaultTTSBufferConfig() TTSBufferConfig {
	return TTSBufferConfig{FlushPunctuation: ",.!?，。！？", MinWordsAtBoundary: 5}
}

// ManagerConfig aggregates the session manager tuning knobs.
type ManagerConfig struct {
	Capture    AudioConfig
	Upstream   AudioConfig
	Playback   AudioConfig
	Activity   ActivityConfig
	Suppressor SuppressorConfig
	Repetition RepetitionConfig
	Swap       SwapConfig
	Start      StartConfig
	TTSBuffer  TTSBufferConfig
	// VendorAudioRate is the sample rate of vendor-emitted playback audio.
	VendorAudioRate int
	// ErrorLogInterval rate-limits audio-path error logs.
	ErrorLogInterval time.Duration
}

// DefaultManagerConfig returns a fully populated manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Capture:          DefaultCaptureConfig(),
		Upstream:         DefaultUpstreamConfig(),
		Playback:         DefaultPlaybackConfig(),
		Activity:         DefaultActivityConfig(),
		Suppressor:       DefaultSuppressorConfig(),
		Repetition:       DefaultRepetitionConfig(),
		Swap:             DefaultSwapConfig(),
		Start:            DefaultStartConfig(),
		TTSBuffer:        DefaultTTSBufferConfig(),
		VendorAudioRate:  24000,
		ErrorLogInterval: 2 * time.Second,
	}
}
