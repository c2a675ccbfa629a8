// Package session bridges one websocket connection to the live session
// manager: inbound frames become manager input, manager events become
// outbound frames. A dedicated writer goroutine serializes all writes and
// lets session-state frames preempt queued audio.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
	"github.com/zyumo777/N.E.K.O/pkg/gateway/live/protocol"
)

// Core is the slice of the live manager the websocket glue needs.
// *live.Manager satisfies it.
type Core interface {
	StartSession(ctx context.Context, mode live.InputMode) error
	StreamData(ctx context.Context, msg live.InputMessage) error
	Interrupt(ctx context.Context)
	EndSession(ctx context.Context, byServer bool)
	QueueExtraReply(ctx context.Context, text string)
	Events() <-chan live.Event
	SpeechID() string
}

// wsConn is the full connection surface the session drives. Tests substitute
// a fake; production hands in *websocket.Conn.
type wsConn interface {
	wsWriter
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// Config tunes one websocket session.
type Config struct {
	// PingInterval is the keepalive cadence. Zero means 20s.
	PingInterval time.Duration
	// WriteTimeout bounds every individual write. Zero means 5s.
	WriteTimeout time.Duration
	// ReadTimeout is the inbound idle limit, refreshed on every frame and
	// pong. Zero means 90s.
	ReadTimeout time.Duration
	// ReadLimit caps one inbound frame. Zero means 1 MiB.
	ReadLimit int64

	// PriorityQueueSize and NormalQueueSize size the outbound channels.
	PriorityQueueSize int
	NormalQueueSize   int

	// AudioFramesPerSecond and AudioBytesPerSecond throttle the inbound
	// microphone stream. Zero for both disables the throttle.
	AudioFramesPerSecond int
	AudioBytesPerSecond  int64
	AudioBurstSeconds    int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PriorityQueueSize <= 0 {
		c.PriorityQueueSize = 32
	}
	if c.NormalQueueSize <= 0 {
		c.NormalQueueSize = 256
	}
	if c.AudioFramesPerSecond <= 0 && c.AudioBytesPerSecond <= 0 {
		// 10ms capture frames are 100/s; double that plus headroom on
		// bytes (48kHz stereo PCM16 worst case is ~192KiB/s).
		c.AudioFramesPerSecond = 200
		c.AudioBytesPerSecond = 512 * 1024
	}
	if c.AudioBurstSeconds <= 0 {
		c.AudioBurstSeconds = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// maxCanceledSpeechIDs bounds the invalidated-speech set. Ids are minted per
// turn, so a handful of recent entries is enough to filter stale audio.
const maxCanceledSpeechIDs = 32

// Session pumps one websocket connection against the live manager.
type Session struct {
	ws       wsConn
	core     Core
	cfg      Config
	log      *slog.Logger
	throttle *audioThrottle

	priority chan outboundFrame
	normal   chan outboundFrame

	mu       sync.Mutex
	canceled map[string]struct{}
	order    []string
	dropped  int
}

// New wires a session around an accepted websocket connection.
func New(ws wsConn, core Core, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		ws:   ws,
		core: core,
		cfg:  cfg,
		log:  cfg.Logger,
		throttle: newAudioThrottle(nil, cfg.AudioFramesPerSecond,
			cfg.AudioBytesPerSecond, cfg.AudioBurstSeconds),
		priority: make(chan outboundFrame, cfg.PriorityQueueSize),
		normal:   make(chan outboundFrame, cfg.NormalQueueSize),
		canceled: make(map[string]struct{}),
	}
}

// Run drives the session until the client disconnects or ctx is canceled.
// It owns the connection and closes it on return.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := &outboundWriter{
		ws:         s.ws,
		ctx:        ctx,
		cfg:        s.cfg,
		priority:   s.priority,
		normal:     s.normal,
		isCanceled: s.isCanceled,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := writer.Run(); err != nil {
			s.log.Debug("outbound writer stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		s.pumpEvents(ctx)
	}()

	err := s.readLoop(ctx)
	cancel()
	wg.Wait()
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	s.ws.SetReadLimit(s.cfg.ReadLimit)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		switch msgType {
		case websocket.TextMessage:
			s.handleTextFrame(ctx, data)
		case websocket.BinaryMessage:
			s.handleAudioFrame(ctx, data)
		}
	}
}

func (s *Session) handleTextFrame(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			s.sendPriority(ctx, protocol.Status(de.Message))
		} else {
			s.sendPriority(ctx, protocol.Status("malformed message"))
		}
		return
	}

	switch m := msg.(type) {
	case protocol.ClientStartSession:
		// StartSession blocks through the silent startup window; run it off
		// the read loop so interrupt and end stay responsive. Failures
		// surface as session_failed events.
		go func() {
			if err := s.core.StartSession(ctx, live.InputMode(m.InputMode)); err != nil {
				s.log.Warn("start session failed", "mode", m.InputMode, "error", err)
			}
		}()

	case protocol.ClientStream:
		s.handleStream(ctx, m)

	case protocol.ClientEndSession:
		s.core.EndSession(ctx, false)

	case protocol.ClientInterrupt:
		s.core.Interrupt(ctx)
	}
}

func (s *Session) handleStream(ctx context.Context, m protocol.ClientStream) {
	var in live.InputMessage
	switch m.Kind {
	case protocol.StreamKindText:
		in = live.InputMessage{Type: live.InputText, Text: m.Text}
	case protocol.StreamKindAudio:
		pcm, err := base64.StdEncoding.DecodeString(m.DataB64)
		if err != nil {
			s.sendPriority(ctx, protocol.Status("invalid audio encoding"))
			return
		}
		s.handleAudioFrame(ctx, pcm)
		return
	case protocol.StreamKindScreen:
		in = live.InputMessage{Type: live.InputScreen, Image: m.DataB64}
	case protocol.StreamKindCamera:
		in = live.InputMessage{Type: live.InputCamera, Image: m.DataB64}
	default:
		return
	}

	if err := s.core.StreamData(ctx, in); err != nil {
		s.log.Debug("stream rejected", "kind", m.Kind, "error", err)
	}
}

func (s *Session) handleAudioFrame(ctx context.Context, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if !s.throttle.Allow(len(pcm)) {
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n == 1 || n%500 == 0 {
			s.log.Warn("inbound audio over budget, dropping", "dropped", n)
		}
		return
	}
	if err := s.core.StreamData(ctx, live.InputMessage{Type: live.InputAudio, Audio: pcm}); err != nil {
		s.log.Debug("audio rejected", "error", err)
	}
}

// pumpEvents maps manager events onto outbound frames until the event
// channel closes or ctx is canceled.
func (s *Session) pumpEvents(ctx context.Context) {
	events := s.core.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev live.Event) {
	switch e := ev.(type) {
	case live.SessionPreparingEvent:
		s.sendPriority(ctx, protocol.SessionPreparing(e.InputMode))
	case live.SessionStartedEvent:
		s.sendPriority(ctx, protocol.SessionStarted(e.InputMode))
	case live.SessionFailedEvent:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		s.sendPriority(ctx, protocol.SessionFailed(e.InputMode, msg))
	case live.SessionEndedByServerEvent:
		s.sendPriority(ctx, protocol.SessionEnded())
	case live.StatusEvent:
		s.sendPriority(ctx, protocol.Status(e.Message))
	case live.UserActivityEvent:
		s.markCanceled(e.InterruptedSpeechID)
		s.sendPriority(ctx, protocol.UserActivity(e.InterruptedSpeechID))
	case live.AutoCloseMicEvent:
		s.sendPriority(ctx, protocol.AutoCloseMic())
	case live.RepetitionWarningEvent:
		s.sendPriority(ctx, protocol.RepetitionWarning("assistant response looks repetitive"))

	case live.AssistantTextEvent:
		s.sendNormal(ctx, protocol.AssistantText(e.Text, e.NewMessage))
	case live.TurnEndEvent:
		s.sendNormal(ctx, protocol.TurnEnd())
	case live.UserTranscriptEvent:
		s.sendNormal(ctx, protocol.UserTranscript(e.Text))

	case live.AssistantAudioEvent:
		s.sendAudio(ctx, e.SpeechID, e.Data)

	case live.StateChangedEvent, live.ResponseDiscardedEvent:
		// Internal bookkeeping, not surfaced to the client.
	case live.DebugEvent:
		s.log.Debug(e.Message, "category", e.Category)
	}
}

func (s *Session) sendPriority(ctx context.Context, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("marshal outbound frame", "error", err)
		return
	}
	select {
	case s.priority <- outboundFrame{textPayload: payload}:
	case <-ctx.Done():
	}
}

func (s *Session) sendNormal(ctx context.Context, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("marshal outbound frame", "error", err)
		return
	}
	select {
	case s.normal <- outboundFrame{textPayload: payload}:
	default:
		// Slow client: drop text rather than stall the event pump.
		s.log.Debug("outbound queue full, dropping text frame")
	}
}

func (s *Session) sendAudio(ctx context.Context, speechID string, pcm []byte) {
	if len(pcm) == 0 || s.isCanceled(speechID) {
		return
	}
	header, err := json.Marshal(protocol.AudioChunkHeader(speechID, len(pcm)))
	if err != nil {
		return
	}
	frame := outboundFrame{
		speechID:      speechID,
		isSpeechAudio: true,
		pair:          &binaryPair{header: header, data: pcm},
	}
	select {
	case s.normal <- frame:
	default:
		s.log.Debug("outbound queue full, dropping audio chunk", "speech_id", speechID)
	}
}

func (s *Session) markCanceled(speechID string) {
	if speechID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.canceled[speechID]; ok {
		return
	}
	s.canceled[speechID] = struct{}{}
	s.order = append(s.order, speechID)
	for len(s.order) > maxCanceledSpeechIDs {
		delete(s.canceled, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Session) isCanceled(speechID string) bool {
	if speechID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.canceled[speechID]
	return ok
}
