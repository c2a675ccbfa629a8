package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

const (
	stepFunTTSURL = "wss://api.stepfun.com/v1/realtime/audio?model=step-tts-2"
	freeTTSURL    = "wss://lanlan.tech/tts"

	stepFunDefaultVoice = "qingchunshaonv"
	stepFunSampleRate   = 24000
	playbackSampleRate  = 48000
)

// ErrEngineClosed is returned by operations after a StepFun engine has been
// released.
var ErrEngineClosed = errors.New("tts: engine closed")

// StepFunConfig parameterizes the StepFun realtime TTS engine. FreeMode
// reroutes to the relay endpoint that needs no vendor key.
type StepFunConfig struct {
	APIKey   string
	VoiceID  string
	FreeMode bool
	URL      string

	Logger *slog.Logger
}

// StepFunEngine synthesizes through the StepFun realtime audio websocket.
// One connection serves one speech turn: Open handshakes a fresh session and
// resets the resampler so turns never blend at a chunk boundary.
type StepFunEngine struct {
	cfg    StepFunConfig
	url    string
	logger *slog.Logger
	emit   func(pcm []byte)

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	resampler *live.StreamResampler
	done      chan struct{}
	closed    bool
}

// NewStepFunEngine builds an engine. Synthesized 48kHz PCM16 goes to emit.
func NewStepFunEngine(cfg StepFunConfig, emit func(pcm []byte)) (*StepFunEngine, error) {
	if cfg.APIKey == "" && !cfg.FreeMode {
		return nil, errors.New("tts: stepfun api key is required")
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = stepFunDefaultVoice
	}
	if cfg.URL == "" {
		if cfg.FreeMode {
			cfg.URL = freeTTSURL
		} else {
			cfg.URL = stepFunTTSURL
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if emit == nil {
		return nil, errors.New("tts: emit callback is required")
	}

	resampler, err := live.NewStreamResampler(stepFunSampleRate, playbackSampleRate)
	if err != nil {
		return nil, err
	}
	return &StepFunEngine{
		cfg:       cfg,
		url:       cfg.URL,
		logger:    cfg.Logger,
		emit:      emit,
		resampler: resampler,
	}, nil
}

// Name identifies the engine in logs.
func (e *StepFunEngine) Name() string {
	if e.cfg.FreeMode {
		return "stepfun-free"
	}
	return "stepfun"
}

// Open dials a fresh connection, waits for the session id, and creates the
// synthesis session. Any previous connection is discarded first.
func (e *StepFunEngine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.dropConnLocked()
	e.resampler.Reset()
	e.mu.Unlock()

	header := http.Header{}
	if e.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, e.url, header)
	if err != nil {
		return fmt.Errorf("tts: dial: %w", err)
	}

	sessionID, err := awaitSessionID(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	create := map[string]any{
		"type": "tts.create",
		"data": map[string]any{
			"session_id":      sessionID,
			"voice_id":        e.cfg.VoiceID,
			"response_format": "wav",
			"sample_rate":     stepFunSampleRate,
		},
	}
	if err := writeJSON(ctx, conn, create); err != nil {
		_ = conn.Close()
		return fmt.Errorf("tts: create session: %w", err)
	}

	done := make(chan struct{}, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return ErrEngineClosed
	}
	e.conn = conn
	e.sessionID = sessionID
	e.done = done
	e.mu.Unlock()

	go e.readLoop(conn, done)
	return nil
}

// awaitSessionID reads until the connection handshake completes.
func awaitSessionID(ctx context.Context, conn *websocket.Conn) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("tts: connection handshake: %w", err)
		}
		var event struct {
			Type string `json:"type"`
			Data struct {
				SessionID string `json:"session_id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		switch event.Type {
		case "tts.connection.done":
			if event.Data.SessionID == "" {
				return "", errors.New("tts: handshake returned no session id")
			}
			return event.Data.SessionID, nil
		case "tts.response.error":
			return "", fmt.Errorf("tts: handshake rejected: %s", data)
		}
	}
}

// readLoop decodes audio deltas until the connection closes. Each delta is a
// complete base64 WAV file; its frames are resampled to the playback rate.
func (e *StepFunEngine) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event struct {
			Type string `json:"type"`
			Data struct {
				Audio string `json:"audio"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "tts.response.audio.delta":
			if event.Data.Audio == "" {
				continue
			}
			wav, err := base64.StdEncoding.DecodeString(event.Data.Audio)
			if err != nil {
				e.logger.Warn("bad audio delta", slog.String("error", err.Error()))
				continue
			}
			pcm, err := wavFrames(wav)
			if err != nil {
				e.logger.Warn("bad wav payload", slog.String("error", err.Error()))
				continue
			}
			e.mu.Lock()
			out := e.resampler.Process(pcm)
			e.mu.Unlock()
			if len(out) > 0 {
				e.emit(out)
			}

		case "tts.response.done", "tts.response.audio.done":
			select {
			case done <- struct{}{}:
			default:
			}

		case "tts.response.error":
			e.logger.Error("synthesis error", slog.String("event", string(data)))
		}
	}
}

// SendText streams one text fragment into the open session.
func (e *StepFunEngine) SendText(ctx context.Context, text string) error {
	e.mu.Lock()
	conn := e.conn
	sessionID := e.sessionID
	e.mu.Unlock()
	if conn == nil {
		return ErrEngineClosed
	}
	err := writeJSON(ctx, conn, map[string]any{
		"type": "tts.text.delta",
		"data": map[string]any{
			"session_id": sessionID,
			"text":       text,
		},
	})
	if err != nil {
		e.mu.Lock()
		e.dropConnLocked()
		e.mu.Unlock()
		return fmt.Errorf("tts: send text: %w", err)
	}
	return nil
}

// Finish commits the buffer, waits for the final done event, then closes the
// connection so the vendor does not hold it open until its own timeout.
func (e *StepFunEngine) Finish(ctx context.Context) error {
	e.mu.Lock()
	conn := e.conn
	sessionID := e.sessionID
	done := e.done
	e.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := writeJSON(ctx, conn, map[string]any{
		"type": "tts.text.done",
		"data": map[string]any{"session_id": sessionID},
	})
	if err == nil {
		select {
		case <-done:
		case <-ctx.Done():
			e.logger.Warn("timed out waiting for synthesis to finish")
		}
	}

	e.mu.Lock()
	e.dropConnLocked()
	e.mu.Unlock()
	return err
}

// Close releases the engine permanently.
func (e *StepFunEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.dropConnLocked()
	return nil
}

// dropConnLocked closes and forgets the current connection. Callers hold
// e.mu.
func (e *StepFunEngine) dropConnLocked() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.sessionID = ""
	e.done = nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return conn.WriteJSON(v)
}
