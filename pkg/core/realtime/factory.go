package realtime

import (
	"fmt"
	"log/slog"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

// FactoryConfig holds everything needed to build transports for one
// character session: the realtime vendor credentials plus the text-mode and
// vision fallbacks.
type FactoryConfig struct {
	Vendor Vendor
	APIKey string
	URL    string
	Model  string
	Voice  string

	Offline OfflineConfig

	// Vision is optional; without it, vendors lacking native vision drop
	// image frames.
	Vision *VisionAnalyzer

	// VoiceActive exposes the session's fused voice-activity signal to the
	// transports' rate limiters and watchdogs.
	VoiceActive func() bool

	Logger *slog.Logger
}

// NewFactory returns a TransportFactory that builds a fresh transport per
// session: the vendor realtime client for audio mode, the chat-completions
// client for text mode.
func NewFactory(cfg FactoryConfig) live.TransportFactory {
	return func(mode live.InputMode, cb live.TransportCallbacks) (live.Transport, error) {
		switch mode {
		case live.InputModeText:
			return NewOfflineClient(cfg.Offline, cb)

		case live.InputModeAudio:
			if cfg.Vendor == VendorGemini {
				return NewGeminiClient(GeminiConfig{
					APIKey:      cfg.APIKey,
					Model:       cfg.Model,
					Voice:       cfg.Voice,
					VoiceActive: cfg.VoiceActive,
					Logger:      cfg.Logger,
				}, cb)
			}
			profile, ok := ProfileFor(cfg.Vendor)
			if !ok {
				return nil, fmt.Errorf("realtime: unknown vendor %q", cfg.Vendor)
			}
			return NewClient(Config{
				Profile:     profile,
				APIKey:      cfg.APIKey,
				URL:         cfg.URL,
				Model:       cfg.Model,
				Voice:       cfg.Voice,
				Vision:      cfg.Vision,
				VoiceActive: cfg.VoiceActive,
				Logger:      cfg.Logger,
			}, cb)

		default:
			return nil, fmt.Errorf("realtime: unknown input mode %q", mode)
		}
	}
}
