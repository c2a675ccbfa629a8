package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

// ErrUnsupportedInput is returned when an input kind does not match the
// transport mode, e.g. audio into the text transport.
var ErrUnsupportedInput = errors.New("realtime: input kind not supported by this transport")

// maxPendingImages caps the queue of frames waiting to ride along with the
// next text message. Older frames are dropped first.
const maxPendingImages = 3

// OfflineConfig parameterizes the text-mode transport, which talks to an
// OpenAI-compatible chat-completions endpoint instead of a realtime socket.
type OfflineConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// Vision routes turns that carry queued image frames.
	VisionAPIKey  string
	VisionBaseURL string
	VisionModel   string

	// MaxResponseLength truncates a runaway reply, in runes. Zero disables
	// the guard.
	MaxResponseLength int

	// MaxHistoryMessages bounds the rolling conversation window, system
	// prompt excluded.
	MaxHistoryMessages int

	Logger *slog.Logger
}

// DefaultOfflineConfig returns the text-mode defaults.
func DefaultOfflineConfig() OfflineConfig {
	return OfflineConfig{
		MaxResponseLength:  1200,
		MaxHistoryMessages: 40,
	}
}

// OfflineClient is the text-mode transport. It keeps the conversation
// history locally and replays it on every completion request.
type OfflineClient struct {
	cfg    OfflineConfig
	cb     live.TransportCallbacks
	logger *slog.Logger

	client       openai.Client
	visionClient openai.Client
	hasVision    bool

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	mu            sync.Mutex
	history       []openai.ChatCompletionMessageParamUnion
	pendingImages []string
	streamCancel  context.CancelFunc
	interrupted   bool
}

// NewOfflineClient builds a text-mode transport from the given config.
func NewOfflineClient(cfg OfflineConfig, cb live.TransportCallbacks) (*OfflineClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("realtime: offline api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("realtime: offline model is required")
	}
	def := DefaultOfflineConfig()
	if cfg.MaxResponseLength == 0 {
		cfg.MaxResponseLength = def.MaxResponseLength
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = def.MaxHistoryMessages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &OfflineClient{
		cfg:    cfg,
		cb:     cb,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c.client = openai.NewClient(opts...)

	if cfg.VisionModel != "" {
		visionKey := cfg.VisionAPIKey
		if visionKey == "" {
			visionKey = cfg.APIKey
		}
		vopts := []option.RequestOption{option.WithAPIKey(visionKey)}
		if cfg.VisionBaseURL != "" {
			vopts = append(vopts, option.WithBaseURL(cfg.VisionBaseURL))
		}
		c.visionClient = openai.NewClient(vopts...)
		c.hasVision = true
	}
	return c, nil
}

// Mode reports the input type this transport serves.
func (c *OfflineClient) Mode() live.InputMode { return live.InputModeText }

// RequiresWarmup reports false: chat completions have no session to prime.
func (c *OfflineClient) RequiresWarmup() bool { return false }

// Fatal always reports false; request failures here are per-turn, not
// connection-level.
func (c *OfflineClient) Fatal() bool { return false }

// Connected reports whether the client is between Connect and Close.
func (c *OfflineClient) Connected() bool { return c.connected.Load() }

// Connect records the system prompt. There is no socket to open.
func (c *OfflineClient) Connect(ctx context.Context, instructions string) error {
	c.mu.Lock()
	c.history = []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(instructions),
	}
	c.mu.Unlock()
	c.connected.Store(true)
	return nil
}

// HandleMessages blocks until the context cancels or the client closes.
// The text transport has no unsolicited server events.
func (c *OfflineClient) HandleMessages(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return nil
	}
}

// StreamText sends one user message and streams the reply. Queued image
// frames ride along and reroute the turn to the vision model.
func (c *OfflineClient) StreamText(ctx context.Context, text string) error {
	return c.generate(ctx, text, false)
}

// StreamAudio is not supported in text mode.
func (c *OfflineClient) StreamAudio(ctx context.Context, chunk []byte) error {
	return ErrUnsupportedInput
}

// StreamImage queues a frame to accompany the next text message.
func (c *OfflineClient) StreamImage(ctx context.Context, b64 string) error {
	if !c.hasVision {
		return nil
	}
	c.mu.Lock()
	c.pendingImages = append(c.pendingImages, b64)
	if len(c.pendingImages) > maxPendingImages {
		c.pendingImages = c.pendingImages[len(c.pendingImages)-maxPendingImages:]
	}
	c.mu.Unlock()
	return nil
}

// CreateResponse injects instructions as a user message and generates.
// Skipped responses run silently: no deltas reach the callbacks, only the
// final OnResponseDone.
func (c *OfflineClient) CreateResponse(ctx context.Context, instructions string, skipped bool) error {
	return c.generate(ctx, instructions, skipped)
}

// ClearAudioBuffer is a no-op in text mode.
func (c *OfflineClient) ClearAudioBuffer(ctx context.Context) error { return nil }

// HandleInterruption aborts the in-flight completion stream, if any.
func (c *OfflineClient) HandleInterruption(ctx context.Context) error {
	c.mu.Lock()
	c.interrupted = true
	cancel := c.streamCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.cb.OnInterrupted != nil {
		c.cb.OnInterrupted()
	}
	return nil
}

// Close releases the client. Safe to call more than once.
func (c *OfflineClient) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		_ = c.HandleInterruption(context.Background())
	})
	return nil
}

// generate runs one completion turn: append the user message, stream the
// reply, commit both to history.
func (c *OfflineClient) generate(ctx context.Context, text string, silent bool) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.mu.Lock()
	images := c.pendingImages
	c.pendingImages = nil
	c.interrupted = false

	userMsg := c.buildUserMessage(text, images)
	c.history = append(c.history, userMsg)
	messages := make([]openai.ChatCompletionMessageParamUnion, len(c.history))
	copy(messages, c.history)

	streamCtx, cancel := context.WithCancel(ctx)
	c.streamCancel = cancel
	c.mu.Unlock()
	defer cancel()

	client := c.client
	model := c.cfg.Model
	if len(images) > 0 && c.hasVision {
		client = c.visionClient
		model = c.cfg.VisionModel
	}

	if !silent && c.cb.OnResponseCreated != nil {
		c.cb.OnResponseCreated()
	}

	stream := client.Chat.Completions.NewStreaming(streamCtx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})

	var reply []rune
	truncated := false
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		c.mu.Lock()
		interrupted := c.interrupted
		c.mu.Unlock()
		if interrupted {
			break
		}

		reply = append(reply, []rune(delta)...)
		if c.cfg.MaxResponseLength > 0 && len(reply) > c.cfg.MaxResponseLength {
			reply = reply[:c.cfg.MaxResponseLength]
			truncated = true
			break
		}
		if !silent && c.cb.OnTextDelta != nil {
			c.cb.OnTextDelta(delta)
		}
	}
	if err := stream.Err(); err != nil && streamCtx.Err() == nil {
		c.mu.Lock()
		c.history = c.history[:len(c.history)-1]
		c.mu.Unlock()
		c.reportError(fmt.Errorf("realtime: completion stream: %w", err))
		return err
	}
	if truncated {
		c.logger.Warn("reply truncated by length guard",
			slog.Int("limit", c.cfg.MaxResponseLength))
	}

	full := string(reply)
	c.mu.Lock()
	if full != "" {
		c.history = append(c.history, openai.AssistantMessage(full))
	}
	c.trimHistoryLocked()
	c.streamCancel = nil
	c.mu.Unlock()

	if !silent && full != "" && c.cb.OnOutputTranscript != nil {
		c.cb.OnOutputTranscript(full)
	}
	if c.cb.OnResponseDone != nil {
		c.cb.OnResponseDone(full)
	}
	return nil
}

func (c *OfflineClient) buildUserMessage(text string, images []string) openai.ChatCompletionMessageParamUnion {
	if len(images) == 0 || !c.hasVision {
		return openai.UserMessage(text)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(text),
	}
	for _, b64 := range images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:image/jpeg;base64," + b64,
		}))
	}
	return openai.UserMessage(parts)
}

// trimHistoryLocked drops the oldest exchanges past the window, keeping the
// system prompt. Callers hold c.mu.
func (c *OfflineClient) trimHistoryLocked() {
	if len(c.history) <= c.cfg.MaxHistoryMessages+1 {
		return
	}
	system := c.history[0]
	tail := c.history[len(c.history)-c.cfg.MaxHistoryMessages:]
	c.history = append([]openai.ChatCompletionMessageParamUnion{system}, tail...)
}

func (c *OfflineClient) reportError(err error) {
	if c.cb.OnConnectionError != nil {
		c.cb.OnConnectionError(err)
	}
}
