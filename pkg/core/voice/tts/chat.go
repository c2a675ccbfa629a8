package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

// ChatConfig parameterizes the request/response speech engine used on the
// text-mode path, where synthesis latency matters less than connection
// simplicity.
type ChatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string

	Logger *slog.Logger
}

const (
	chatDefaultModel = "tts-1"
	chatDefaultVoice = "alloy"
	chatSampleRate   = 24000
)

// ChatEngine buffers a speech turn's text and synthesizes it in one speech
// request on Finish. The endpoint returns 24kHz PCM16 which is resampled to
// the 48kHz playback rate.
type ChatEngine struct {
	cfg    ChatConfig
	client openai.Client
	logger *slog.Logger
	emit   func(pcm []byte)

	mu        sync.Mutex
	text      strings.Builder
	resampler *live.StreamResampler
	closed    bool
}

// NewChatEngine builds an engine. Synthesized 48kHz PCM16 goes to emit.
func NewChatEngine(cfg ChatConfig, emit func(pcm []byte)) (*ChatEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("tts: chat api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = chatDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = chatDefaultVoice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if emit == nil {
		return nil, errors.New("tts: emit callback is required")
	}

	resampler, err := live.NewStreamResampler(chatSampleRate, playbackSampleRate)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &ChatEngine{
		cfg:       cfg,
		client:    openai.NewClient(opts...),
		logger:    cfg.Logger,
		emit:      emit,
		resampler: resampler,
	}, nil
}

func (e *ChatEngine) Name() string { return "chat-tts" }

// Open starts a fresh speech turn: the text buffer and the resampler state
// from the previous turn are discarded.
func (e *ChatEngine) Open(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.text.Reset()
	e.resampler.Reset()
	return nil
}

func (e *ChatEngine) SendText(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.text.WriteString(text)
	return nil
}

// Finish synthesizes the buffered turn and emits the audio. An empty buffer
// is a no-op.
func (e *ChatEngine) Finish(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	text := strings.TrimSpace(e.text.String())
	e.text.Reset()
	e.mu.Unlock()

	if text == "" {
		return nil
	}

	resp, err := e.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(e.cfg.Model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(e.cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return fmt.Errorf("tts: speech request: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 8192)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			e.mu.Lock()
			closed := e.closed
			var pcm []byte
			if !closed {
				pcm = e.resampler.Process(buf[:n])
			}
			e.mu.Unlock()
			if closed {
				return ErrEngineClosed
			}
			if len(pcm) > 0 {
				e.emit(pcm)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tts: read speech response: %w", err)
		}
	}
}

func (e *ChatEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// NewChatFactory returns a TTS factory for the text-mode path: one bridge
// per session around the request/response speech engine.
func NewChatFactory(cfg ChatConfig, bridgeCfg BridgeConfig) live.TTSFactory {
	return func(mode live.InputMode) (live.TTSBridge, error) {
		var bridge *Bridge
		engine, err := NewChatEngine(cfg, func(pcm []byte) {
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
