// Package realtime implements the vendor transports behind the live session
// manager: JSON-frame websocket vendors (Qwen, GLM, GPT, Step, Free), the
// SDK-mediated Gemini vendor, and the offline chat-completions vendor for
// text mode. Vendor differences live in a Profile table keyed by an explicit
// enum; nothing in this package matches substrings of model names.
package realtime

import (
	"fmt"
	"strings"
	"time"
)

// Vendor identifies one realtime backend.
type Vendor int

const (
	VendorQwen Vendor = iota
	VendorGLM
	VendorGPT
	VendorStep
	VendorFree
	VendorGemini
)

// String returns the canonical lowercase vendor name.
func (v Vendor) String() string {
	switch v {
	case VendorQwen:
		return "qwen"
	case VendorGLM:
		return "glm"
	case VendorGPT:
		return "gpt"
	case VendorStep:
		return "step"
	case VendorFree:
		return "free"
	case VendorGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// ParseVendor maps a configuration string to a Vendor. "openai" is accepted
// as an alias for the GPT realtime endpoint.
func ParseVendor(s string) (Vendor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qwen":
		return VendorQwen, nil
	case "glm":
		return VendorGLM, nil
	case "gpt", "openai":
		return VendorGPT, nil
	case "step", "stepfun":
		return VendorStep, nil
	case "free":
		return VendorFree, nil
	case "gemini":
		return VendorGemini, nil
	default:
		return 0, fmt.Errorf("realtime: unknown vendor %q", s)
	}
}

// Profile carries everything vendor-specific: endpoint, model, event naming,
// capability flags and rate limits. Behavior switches on these fields, never
// on the model string.
type Profile struct {
	Vendor       Vendor
	URL          string
	Model        string
	DefaultVoice string

	// Event names differ between the OpenAI-style schema generations.
	AudioDeltaEvents      []string
	TextDeltaEvents       []string
	TranscriptDeltaEvents []string
	TranscriptDoneEvents  []string

	// NativeVision vendors accept image frames inline; others go through the
	// out-of-band vision analysis path.
	NativeVision bool

	// RequiresWarmup vendors get one throwaway response after connect to
	// pre-process the system prompt.
	RequiresWarmup bool

	// SilenceWatchdog vendors do not close idle sessions themselves, so the
	// client runs a local watchdog that fires OnSilenceTimeout.
	SilenceWatchdog bool
	SilenceTimeout  time.Duration

	// ServerVAD reports whether the vendor emits speech_started/stopped.
	ServerVAD bool

	// SuppressTextDelta drops response.text.delta frames; the vendor mirrors
	// the same content into the audio transcript stream.
	SuppressTextDelta bool

	// InstructionsViaSession routes CreateResponse instructions through a
	// session.update instead of a conversation item.
	InstructionsViaSession bool

	// ModelQueryParam appends ?model= to the dial URL.
	ModelQueryParam bool

	ImageMinInterval   time.Duration
	IdleRateMultiplier float64
}

var (
	openAIStyleAudioDeltas      = []string{"response.audio.delta", "response.output_audio.delta"}
	openAIStyleTextDeltas       = []string{"response.text.delta", "response.output_text.delta"}
	openAIStyleTranscriptDeltas = []string{"response.audio_transcript.delta", "response.output_audio_transcript.delta"}
	openAIStyleTranscriptDones  = []string{"response.audio_transcript.done", "response.output_audio_transcript.done"}
)

var profiles = map[Vendor]Profile{
	VendorQwen: {
		Vendor:                 VendorQwen,
		URL:                    "wss://dashscope.aliyuncs.com/api-ws/v1/realtime",
		Model:                  "qwen3-omni-flash-realtime",
		DefaultVoice:           "Cherry",
		AudioDeltaEvents:       openAIStyleAudioDeltas,
		TextDeltaEvents:        openAIStyleTextDeltas,
		TranscriptDeltaEvents:  openAIStyleTranscriptDeltas,
		TranscriptDoneEvents:   openAIStyleTranscriptDones,
		NativeVision:           true,
		RequiresWarmup:         true,
		ServerVAD:              true,
		InstructionsViaSession: true,
		ModelQueryParam:        true,
		ImageMinInterval:       1500 * time.Millisecond,
		IdleRateMultiplier:     4,
	},
	VendorGLM: {
		Vendor:                VendorGLM,
		URL:                   "wss://open.bigmodel.cn/api/paas/v4/realtime",
		Model:                 "glm-realtime-air",
		DefaultVoice:          "tongtong",
		AudioDeltaEvents:      openAIStyleAudioDeltas,
		TextDeltaEvents:       openAIStyleTextDeltas,
		TranscriptDeltaEvents: openAIStyleTranscriptDeltas,
		TranscriptDoneEvents:  openAIStyleTranscriptDones,
		NativeVision:          true,
		RequiresWarmup:        true,
		SilenceWatchdog:       true,
		SilenceTimeout:        90 * time.Second,
		ServerVAD:             true,
		SuppressTextDelta:     true,
		ModelQueryParam:       true,
		ImageMinInterval:      1500 * time.Millisecond,
		IdleRateMultiplier:    4,
	},
	VendorGPT: {
		Vendor:                VendorGPT,
		URL:                   "wss://api.openai.com/v1/realtime",
		Model:                 "gpt-realtime-mini-2025-12-15",
		DefaultVoice:          "marin",
		AudioDeltaEvents:      openAIStyleAudioDeltas,
		TextDeltaEvents:       openAIStyleTextDeltas,
		TranscriptDeltaEvents: openAIStyleTranscriptDeltas,
		TranscriptDoneEvents:  openAIStyleTranscriptDones,
		NativeVision:          true,
		RequiresWarmup:        true,
		ServerVAD:             true,
		ModelQueryParam:       true,
		ImageMinInterval:      1500 * time.Millisecond,
		IdleRateMultiplier:    4,
	},
	VendorStep: {
		Vendor:                VendorStep,
		URL:                   "wss://api.stepfun.com/v1/realtime",
		Model:                 "step-audio-2",
		DefaultVoice:          "qingchunshaonv",
		AudioDeltaEvents:      openAIStyleAudioDeltas,
		TextDeltaEvents:       openAIStyleTextDeltas,
		TranscriptDeltaEvents: openAIStyleTranscriptDeltas,
		TranscriptDoneEvents:  openAIStyleTranscriptDones,
		RequiresWarmup:        true,
		ServerVAD:             true,
		ModelQueryParam:       true,
		ImageMinInterval:      1500 * time.Millisecond,
		IdleRateMultiplier:    4,
	},
	VendorFree: {
		Vendor:                VendorFree,
		URL:                   "wss://lanlan.tech/core",
		Model:                 "free-model",
		DefaultVoice:          "qingchunshaonv",
		AudioDeltaEvents:      openAIStyleAudioDeltas,
		TextDeltaEvents:       openAIStyleTextDeltas,
		TranscriptDeltaEvents: openAIStyleTranscriptDeltas,
		TranscriptDoneEvents:  openAIStyleTranscriptDones,
		NativeVision:          true,
		SilenceWatchdog:       true,
		SilenceTimeout:        90 * time.Second,
		ImageMinInterval:      1500 * time.Millisecond,
		IdleRateMultiplier:    4,
	},
	VendorGemini: {
		Vendor:             VendorGemini,
		Model:              "gemini-2.0-flash-live-001",
		DefaultVoice:       "Leda",
		NativeVision:       true,
		ImageMinInterval:   1500 * time.Millisecond,
		IdleRateMultiplier: 4,
	},
}

// ProfileFor returns the profile for a vendor. The boolean is false for an
// unknown vendor value.
func ProfileFor(v Vendor) (Profile, bool) {
	p, ok := profiles[v]
	return p, ok
}
