// Package tts streams synthesized speech from pluggable engines into
// the live session's audio channel.
package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Engine is one vendor synthesis stream. The bridge owns the request
// ordering; the engine owns the connection. Open discards any previous
// connection and starts a clean synthesis session.
type Engine interface {
	Name() string
	Open(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	// Finish commits the buffered text, waits for the vendor to report the
	// response complete, and closes the connection.
	Finish(ctx context.Context) error
	Close() error
}

// BridgeConfig tunes the request loop.
type BridgeConfig struct {
	// QueueSize bounds the pending request channel.
	QueueSize int
	// OpenTimeout bounds one connection handshake.
	OpenTimeout time.Duration
	// FinishTimeout bounds the wait for the vendor's final done event.
	FinishTimeout time.Duration

	Logger *slog.Logger
}

// DefaultBridgeConfig returns the bridge defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		QueueSize:     256,
		OpenTimeout:   8 * time.Second,
		FinishTimeout: 20 * time.Second,
	}
}

type request struct {
	speechID string
	text     string
	flush    bool
}

// Bridge pumps text fragments into a synthesis engine and hands back 48kHz
// PCM16. A new speech id reopens the engine so turns never share vendor
// state; Flush commits the current turn.
type Bridge struct {
	cfg    BridgeConfig
	engine Engine
	logger *slog.Logger

	requests chan request
	audio    chan []byte
	ready    chan error

	stop     chan struct{}
	stopOnce sync.Once
	doneWG   sync.WaitGroup

	mu      sync.Mutex
	current string
	opened  bool
}

// NewBridge starts the request loop for the given engine. Audio emitted by
// the engine must be routed to EmitAudio.
func NewBridge(cfg BridgeConfig, engine Engine) *Bridge {
	def := DefaultBridgeConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = def.FinishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		cfg:      cfg,
		engine:   engine,
		logger:   cfg.Logger,
		requests: make(chan request, cfg.QueueSize),
		audio:    make(chan []byte, cfg.QueueSize),
		ready:    make(chan error, 1),
		stop:     make(chan struct{}),
	}
	b.doneWG.Add(1)
	go b.run()
	return b
}

// Ready resolves exactly once with the startup handshake result.
func (b *Bridge) Ready() <-chan error { return b.ready }

// Audio is the synthesized 48kHz PCM16 stream.
func (b *Bridge) Audio() <-chan []byte { return b.audio }

// EmitAudio delivers one synthesized chunk; full consumers drop the oldest
// chunk rather than stalling the engine read loop.
func (b *Bridge) EmitAudio(pcm []byte) {
	select {
	case b.audio <- pcm:
	default:
		select {
		case <-b.audio:
		default:
		}
		select {
		case b.audio <- pcm:
		default:
		}
	}
}

// Speak enqueues one text fragment for the given speech id. Empty text is
// ignored. A full queue drops the fragment; synthesis lag that deep is
// already unrecoverable for a live conversation.
func (b *Bridge) Speak(speechID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	select {
	case b.requests <- request{speechID: speechID, text: text}:
	default:
		b.logger.Warn("tts queue full, dropping fragment",
			slog.String("speech_id", speechID))
	}
}

// Flush commits the current turn: the engine finishes synthesis and closes
// its connection.
func (b *Bridge) Flush() {
	select {
	case b.requests <- request{flush: true}:
	default:
	}
}

// DropPending discards queued fragments, used when the user interrupts.
func (b *Bridge) DropPending() {
	for {
		select {
		case <-b.requests:
		default:
			return
		}
	}
}

// Close stops the loop and releases the engine. Safe to call more than once.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.doneWG.Wait()
	return b.engine.Close()
}

func (b *Bridge) run() {
	defer b.doneWG.Done()

	// Warm the first connection so Ready reflects a real handshake.
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OpenTimeout)
	err := b.engine.Open(ctx)
	cancel()
	b.ready <- err
	if err != nil {
		b.logger.Warn("tts engine warmup failed",
			slog.String("engine", b.engine.Name()), slog.String("error", err.Error()))
	}
	b.mu.Lock()
	b.opened = err == nil
	b.mu.Unlock()

	for {
		select {
		case <-b.stop:
			return
		case req := <-b.requests:
			b.handle(req)
		}
	}
}

func (b *Bridge) handle(req request) {
	if req.flush {
		b.mu.Lock()
		opened := b.opened
		b.current = ""
		b.opened = false
		b.mu.Unlock()
		if !opened {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FinishTimeout)
		defer cancel()
		if err := b.engine.Finish(ctx); err != nil {
			b.logger.Warn("tts finish failed", slog.String("error", err.Error()))
		}
		return
	}

	b.mu.Lock()
	needOpen := !b.opened || b.current != req.speechID
	b.current = req.speechID
	b.mu.Unlock()

	if needOpen {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OpenTimeout)
		err := b.engine.Open(ctx)
		cancel()
		if err != nil {
			b.logger.Warn("tts reconnect failed", slog.String("error", err.Error()))
			b.mu.Lock()
			b.opened = false
			b.current = ""
			b.mu.Unlock()
			return
		}
		b.mu.Lock()
		b.opened = true
		b.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OpenTimeout)
	defer cancel()
	if err := b.engine.SendText(ctx, req.text); err != nil {
		b.logger.Warn("tts send failed", slog.String("error", err.Error()))
		// Connection is gone; force a reconnect on the next fragment.
		b.mu.Lock()
		b.opened = false
		b.current = ""
		b.mu.Unlock()
	}
}
