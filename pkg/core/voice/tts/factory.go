package tts

import (
	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

// NewStepFunFactory returns a TTS factory producing one bridge per session.
// Text mode and audio mode share the same engine configuration; the bridge
// only runs when the session's vendor has no native speech.
func NewStepFunFactory(cfg StepFunConfig, bridgeCfg BridgeConfig) live.TTSFactory {
	return func(mode live.InputMode) (live.TTSBridge, error) {
		var bridge *Bridge
		engine, err := NewStepFunEngine(cfg, func(pcm []byte) {
			if bridge != nil {
				bridge.EmitAudio(pcm)
			}
		})
		if err != nil {
			return nil, err
		}
		bridge = NewBridge(bridgeCfg, engine)
		return bridge, nil
	}
}
