// Package live owns realtime voice sessions: transport lifecycle,
// hot-swapping between providers, and the audio/text event stream.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TTSBridge is the manager's view of the streaming TTS worker. Speak and
// Flush enqueue; synthesized 48kHz PCM16 arrives on Audio. Ready resolves
// exactly once when the worker finished (or failed) its startup handshake.
type TTSBridge interface {
	Ready() <-chan error
	Speak(speechID, text string)
	Flush()
	DropPending()
	Audio() <-chan []byte
	Close() error
}

// TTSFactory builds a fresh TTS bridge for a session.
type TTSFactory func(mode InputMode) (TTSBridge, error)

// MemoryClient fetches the priming text block for a new dialog.
type MemoryClient interface {
	NewDialog(ctx context.Context, name string) (string, error)
}

// Dependencies carries everything a Manager needs. Transports is required;
// the rest default sensibly.
type Dependencies struct {
	Transports TransportFactory
	TTS        TTSFactory
	Memory     MemoryClient
	Logger     *slog.Logger
	Clock      func() time.Time
}

// responseGate tracks throwaway responses in flight on one transport. While
// a skip is armed that transport's output never reaches the frontend or the
// message cache, and each response.done consumes one armed skip instead of
// closing a turn. The skip is consumed in the done callback, not when the
// send returns: the completion arrives later on the receive loop. Guarded
// by Manager.mu.
type responseGate struct {
	skips  int
	reason string
}

// arm marks the next response as throwaway. Callers hold Manager.mu.
func (g *responseGate) arm(reason string) {
	g.skips++
	g.reason = reason
}

// disarm rolls one armed skip back after a failed send. Callers hold
// Manager.mu.
func (g *responseGate) disarm() {
	if g.skips > 0 {
		g.skips--
	}
	if g.skips == 0 {
		g.reason = ""
	}
}

// ErrStartSuppressed is returned when the consecutive-failure counter has
// tripped and the cooldown window has not yet elapsed.
var ErrStartSuppressed = errors.New("live: session start suppressed after repeated failures")

// ErrNoTransportFactory is returned when Dependencies.Transports is nil.
var ErrNoTransportFactory = errors.New("live: transport factory is required")

// InputType tags one frontend input message.
type InputType string

const (
	InputText   InputType = "text"
	InputAudio  InputType = "audio"
	InputScreen InputType = "screen"
	InputCamera InputType = "camera"
)

// InputMessage is one unit of frontend input routed through StreamData.
type InputMessage struct {
	Type  InputType
	Text  string
	Audio []byte
	Image string // base64 JPEG
}

// Manager owns the current transport, the pending transport prepared in the
// background, and the swap protocol between them. It fans transport events
// out to the session event channel consumed by the websocket glue, and
// drives the TTS bridge.
type Manager struct {
	cfg  ManagerConfig
	deps Dependencies

	// mu guards state, the session pointers, the speech id and the
	// startup/readiness flags. The caches carry their own locks so the
	// audio path does not contend with the text path.
	mu            sync.Mutex
	state         SessionState
	session       Transport
	sessionCancel context.CancelFunc
	sessionDone   chan struct{}
	pending       Transport
	pendingCancel context.CancelFunc
	pendingDone   chan struct{}
	pendingWarmed chan struct{}

	inputMode      InputMode
	speechID       string
	isStarting     bool
	sessionReady   bool
	closedByServer bool
	swapImminent   bool
	flushingCache  bool
	preparing      bool
	warmupDone     chan struct{}
	pendingGate    *responseGate
	newResponse    bool

	swapLoopStop   chan struct{}
	sessionStarted time.Time

	failCount   int
	lastFailure time.Time

	pendingInput      []InputMessage
	pendingExtraReply []string

	msgCache   messageCache
	audioCache hotSwapAudioCache

	suppressor        *NoiseSuppressor
	activity          *ActivityDetector
	captureResampler  *StreamResampler
	playbackResampler *StreamResampler

	ttsBuffer   *TTSBuffer
	ttsBridge   TTSBridge
	ttsReady    bool
	ttsPumpStop chan struct{}

	repetition *RepetitionGuard

	events chan Event
	closed atomic.Bool

	lastAudioErrLog time.Time
}

// NewManager creates a session manager. Config zero values are filled from
// the defaults.
func NewManager(cfg ManagerConfig, deps Dependencies) (*Manager, error) {
	if deps.Transports == nil {
		return nil, ErrNoTransportFactory
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	def := DefaultManagerConfig()
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture = def.Capture
	}
	if cfg.Upstream.SampleRate == 0 {
		cfg.Upstream = def.Upstream
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback = def.Playback
	}
	if cfg.Activity.GracePeriod == 0 {
		cfg.Activity = def.Activity
	}
	if cfg.Suppressor.FrameSamples == 0 {
		cfg.Suppressor = def.Suppressor
	}
	if cfg.Repetition.WindowSize == 0 {
		cfg.Repetition = def.Repetition
	}
	if cfg.Swap.FlushChunkBytes == 0 {
		cfg.Swap = def.Swap
	}
	if cfg.Swap.RefreshInterval == 0 {
		cfg.Swap.RefreshInterval = def.Swap.RefreshInterval
	}
	if cfg.Swap.CheckInterval == 0 {
		cfg.Swap.CheckInterval = def.Swap.CheckInterval
	}
	if cfg.Suppressor.SilencePeakCeiling == 0 {
		cfg.Suppressor.SilencePeakCeiling = def.Suppressor.SilencePeakCeiling
	}
	if cfg.Start.MaxFailures == 0 {
		cfg.Start = def.Start
	}
	if cfg.TTSBuffer.MinWordsAtBoundary == 0 {
		cfg.TTSBuffer = def.TTSBuffer
	}
	if cfg.VendorAudioRate == 0 {
		cfg.VendorAudioRate = def.VendorAudioRate
	}
	if cfg.ErrorLogInterval == 0 {
		cfg.ErrorLogInterval = def.ErrorLogInterval
	}

	capRes, err := NewStreamResampler(cfg.Capture.SampleRate, cfg.Upstream.SampleRate)
	if err != nil {
		return nil, err
	}
	playRes, err := NewStreamResampler(cfg.VendorAudioRate, cfg.Playback.SampleRate)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:               cfg,
		deps:              deps,
		state:             StateIdle,
		speechID:          uuid.NewString(),
		suppressor:        NewNoiseSuppressor(cfg.Suppressor, cfg.Capture),
		activity:          NewActivityDetector(cfg.Activity),
		captureResampler:  capRes,
		playbackResampler: playRes,
		ttsBuffer:         NewTTSBuffer(cfg.TTSBuffer),
		events:            make(chan Event, 256),
	}
	m.repetition = NewRepetitionGuard(cfg.Repetition, func() {
		m.emit(RepetitionWarningEvent{})
	})
	return m, nil
}

// Events returns the session event channel.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SpeechID returns the current speech-turn id.
func (m *Manager) SpeechID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speechID
}

// VoiceActive reports the fused voice-activity signal, used by callers to
// throttle image uploads.
func (m *Manager) VoiceActive() bool { return m.activity.Active() }

// emit delivers an event without ever blocking the caller. A full channel
// drops the event; the audio path must not stall on a slow consumer.
func (m *Manager) emit(e Event) {
	if m.closed.Load() {
		return
	}
	select {
	case m.events <- e:
	default:
		m.deps.Logger.Warn("session event dropped", slog.String("type", e.EventType()))
	}
}

func (m *Manager) setState(s SessionState) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old != s {
		m.emit(StateChangedEvent{OldState: old, NewState: s})
	}
}

// mintSpeechID invalidates the current speech turn and returns (old, new).
// Audio tagged with the old id that arrives late is recognizable and
// discardable downstream.
func (m *Manager) mintSpeechID() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.speechID
	m.speechID = uuid.NewString()
	return old, m.speechID
}

// StartSession brings up the TTS bridge and the transport in parallel.
// Duplicate concurrent calls collapse into one via the re-entrancy guard.
func (m *Manager) StartSession(ctx context.Context, mode InputMode) error {
	m.mu.Lock()
	if m.isStarting {
		m.mu.Unlock()
		return nil
	}
	if m.failCount >= m.cfg.Start.MaxFailures {
		elapsed := m.deps.Clock().Sub(m.lastFailure)
		if elapsed < m.cfg.Start.FailureCooldown {
			m.mu.Unlock()
			m.emit(StatusEvent{Message: "session start suppressed, cooling down"})
			return ErrStartSuppressed
		}
		m.failCount = 0
	}
	m.isStarting = true
	m.inputMode = mode
	m.closedByServer = false
	m.mu.Unlock()

	m.setState(StateStarting)
	m.emit(SessionPreparingEvent{InputMode: string(mode)})

	err := m.startSessionLocked(ctx, mode)
	if err != nil {
		m.mu.Lock()
		m.isStarting = false
		m.failCount++
		m.lastFailure = m.deps.Clock()
		m.mu.Unlock()
		m.setState(StateIdle)
		m.emit(SessionFailedEvent{InputMode: string(mode), Err: err})
		return err
	}

	m.mu.Lock()
	m.isStarting = false
	m.sessionReady = true
	m.failCount = 0
	m.sessionStarted = m.deps.Clock()
	queued := m.pendingInput
	m.pendingInput = nil
	m.mu.Unlock()

	m.setState(StateActive)
	m.emit(SessionStartedEvent{InputMode: string(mode)})
	m.startSwapLoop()

	// Flush input queued during the startup window so no caller-visible
	// data is lost.
	for _, msg := range queued {
		if err := m.StreamData(ctx, msg); err != nil {
			m.deps.Logger.Warn("queued input replay failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Manager) startSessionLocked(ctx context.Context, mode InputMode) error {
	// TTS bridge and transport start in parallel to keep perceived startup
	// latency down. TTS failure is non-fatal: the session continues
	// text-only.
	var ttsCh <-chan error
	if m.deps.TTS != nil {
		bridge, err := m.deps.TTS(mode)
		if err != nil {
			m.deps.Logger.Warn("tts bridge start failed", slog.String("error", err.Error()))
		} else {
			m.mu.Lock()
			m.ttsBridge = bridge
			m.mu.Unlock()
			ttsCh = bridge.Ready()
		}
	}

	priming := m.fetchPriming(ctx)

	gate := &responseGate{}
	transport, err := m.deps.Transports(mode, m.transportCallbacks(gate))
	if err != nil {
		return fmt.Errorf("live: create transport: %w", err)
	}
	if err := transport.Connect(ctx, priming); err != nil {
		return fmt.Errorf("live: connect: %w", err)
	}
	if !transport.Connected() {
		transport.Close()
		return errors.New("live: transport closed during connect")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.session = transport
	m.sessionCancel = cancel
	m.sessionDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		if err := transport.HandleMessages(loopCtx); err != nil && loopCtx.Err() == nil {
			m.deps.Logger.Warn("message loop exited", slog.String("error", err.Error()))
		}
	}()

	// Wait for TTS readiness, bounded. The session proceeds without
	// narration on timeout or handshake failure.
	if ttsCh != nil {
		select {
		case err := <-ttsCh:
			if err != nil {
				m.deps.Logger.Warn("tts bridge not ready", slog.String("error", err.Error()))
			} else {
				m.mu.Lock()
				m.ttsReady = true
				m.mu.Unlock()
				m.startTTSPump()
			}
		case <-time.After(m.cfg.Start.TTSReadyTimeout):
			m.deps.Logger.Warn("tts bridge readiness timeout")
		case <-ctx.Done():
			transport.Close()
			return ctx.Err()
		}
	}

	// Vendor prompt-cache warm-up: one throwaway response whose deltas are
	// fully swallowed. Failure here is non-fatal.
	if transport.RequiresWarmup() {
		if err := m.warmup(ctx, transport, gate); err != nil {
			m.deps.Logger.Warn("warm-up failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// warmup issues a skipped response and waits on a one-shot future resolved
// by the response-done callback. The armed skip stays in place past a
// timeout so a late completion is still swallowed instead of surfacing as a
// turn end.
func (m *Manager) warmup(ctx context.Context, t Transport, gate *responseGate) error {
	done := make(chan struct{})
	m.mu.Lock()
	m.warmupDone = done
	gate.arm("warmup")
	m.mu.Unlock()

	if err := t.CreateResponse(ctx, "", true); err != nil {
		m.mu.Lock()
		m.warmupDone = nil
		gate.disarm()
		m.mu.Unlock()
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(m.cfg.Start.WarmupTimeout):
		return errors.New("live: warm-up timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) fetchPriming(ctx context.Context) string {
	if m.deps.Memory == nil {
		return ""
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	text, err := m.deps.Memory.NewDialog(fetchCtx, "")
	if err != nil {
		m.deps.Logger.Warn("memory priming fetch failed", slog.String("error", err.Error()))
		return ""
	}
	return text
}

// StreamData routes one frontend input message. Input that arrives during
// the startup window is queued; input with no session triggers an automatic
// start keyed by the input type.
func (m *Manager) StreamData(ctx context.Context, msg InputMessage) error {
	m.mu.Lock()
	if !m.sessionReady {
		if m.isStarting {
			m.pendingInput = append(m.pendingInput, msg)
			if len(m.pendingInput) == 1 {
				m.deps.Logger.Info("session starting, caching input")
			}
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		mode := InputModeAudio
		if msg.Type == InputText {
			mode = InputModeText
		}
		if err := m.StartSession(ctx, mode); err != nil {
			return err
		}
		return m.process(ctx, msg)
	}
	m.mu.Unlock()
	return m.process(ctx, msg)
}

func (m *Manager) process(ctx context.Context, msg InputMessage) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return errors.New("live: no active session")
	}
	if session.Fatal() {
		m.logAudioErr("session in fatal state, dropping input")
		return nil
	}

	// Rebuild on mode mismatch, bounded by the failure counter.
	want := InputModeAudio
	if msg.Type == InputText {
		want = InputModeText
	}
	if msg.Type == InputText || msg.Type == InputAudio {
		if session.Mode() != want {
			m.mu.Lock()
			tooMany := m.failCount >= m.cfg.Start.MaxFailures
			m.mu.Unlock()
			if tooMany {
				return errors.New("live: session mode mismatch, rebuild suppressed")
			}
			m.deps.Logger.Info("rebuilding session for input mode",
				slog.String("want", string(want)), slog.String("have", string(session.Mode())))
			m.EndSession(ctx, false)
			if err := m.StartSession(ctx, want); err != nil {
				return err
			}
			m.mu.Lock()
			session = m.session
			m.mu.Unlock()
			if session == nil {
				return errors.New("live: rebuild produced no session")
			}
		}
	}

	switch msg.Type {
	case InputText:
		m.mu.Lock()
		old := m.speechID
		m.speechID = uuid.NewString()
		m.mu.Unlock()
		m.emit(UserActivityEvent{InterruptedSpeechID: old})
		return session.StreamText(ctx, msg.Text)

	case InputAudio:
		return m.processAudio(ctx, session, msg.Audio)

	case InputScreen, InputCamera:
		return session.StreamImage(ctx, msg.Image)

	default:
		return fmt.Errorf("live: unknown input type %q", msg.Type)
	}
}

// processAudio runs the capture pipeline: 48kHz frames get suppression and
// downsampling, other sizes pass through as already 16kHz. Processed audio
// is cached during the swap window instead of being sent to the old session.
func (m *Manager) processAudio(ctx context.Context, session Transport, chunk []byte) error {
	frameBytes := m.cfg.Suppressor.FrameSamples * 2
	processed := chunk
	if len(chunk) == frameBytes {
		processed = m.suppressor.ProcessFrame(chunk)
		m.activity.ObserveFrame(m.suppressor.SpeechProbability(), CalculateRMSRaw(chunk))
		if len(processed) == 0 {
			return nil
		}
		processed = m.captureResampler.Process(processed)
		if len(processed) == 0 {
			return nil
		}
		if m.suppressor.TakeResetPending() {
			if err := session.ClearAudioBuffer(ctx); err != nil {
				m.logAudioErr("buffer clear failed: " + err.Error())
			}
		}
	} else {
		m.activity.ObserveFrame(-1, CalculateRMSRaw(chunk))
	}

	m.mu.Lock()
	caching := m.swapImminent || m.flushingCache
	closedByServer := m.closedByServer
	m.mu.Unlock()

	if caching {
		if m.audioCache.append(processed) == 1 {
			m.deps.Logger.Info("swap imminent, caching processed audio")
		}
		return nil
	}
	if closedByServer {
		return nil // silent: avoids log spam after a server-side close
	}
	if !session.Connected() {
		m.logAudioErr("session closed, dropping audio")
		return nil
	}
	if err := session.StreamAudio(ctx, processed); err != nil {
		m.logAudioErr("audio send failed: " + err.Error())
	}
	return nil
}

// logAudioErr rate-limits audio-path error logs to one per interval.
func (m *Manager) logAudioErr(msg string) {
	m.mu.Lock()
	now := m.deps.Clock()
	if now.Sub(m.lastAudioErrLog) < m.cfg.ErrorLogInterval {
		m.mu.Unlock()
		return
	}
	m.lastAudioErrLog = now
	m.mu.Unlock()
	m.deps.Logger.Warn(msg)
}

// Interrupt handles a frontend-initiated interruption: cancel server-side,
// clear all queued narration, then mint the new speech id, in that order.
func (m *Manager) Interrupt(ctx context.Context) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session != nil {
		if err := session.HandleInterruption(ctx); err != nil {
			m.deps.Logger.Warn("interrupt failed", slog.String("error", err.Error()))
		}
	}
	m.handleNewTurn()
}

// handleNewTurn clears the TTS request queue and buffered text, sends the
// flush sentinel, then mints a new speech id. Ordering matters: stale audio
// arriving after this point carries the old id and is discarded downstream.
func (m *Manager) handleNewTurn() {
	m.ttsBuffer.Reset()
	m.mu.Lock()
	bridge := m.ttsBridge
	ready := m.ttsReady
	m.mu.Unlock()
	if bridge != nil && ready {
		bridge.DropPending()
		bridge.Flush()
	}
	old, _ := m.mintSpeechID()
	m.playbackReset()
	m.emit(UserActivityEvent{InterruptedSpeechID: old})
}

func (m *Manager) playbackReset() {
	m.mu.Lock()
	r := m.playbackResampler
	m.mu.Unlock()
	if r != nil {
		r.Reset()
	}
}

// startTTSPump forwards synthesized audio to the event channel tagged with
// the speech id current at delivery time.
func (m *Manager) startTTSPump() {
	m.mu.Lock()
	if m.ttsPumpStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.ttsPumpStop = stop
	bridge := m.ttsBridge
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case audio, ok := <-bridge.Audio():
				if !ok {
					return
				}
				m.mu.Lock()
				id := m.speechID
				m.mu.Unlock()
				m.emit(AssistantAudioEvent{SpeechID: id, Data: audio})
			}
		}
	}()
}

// EndSession tears the session down. The socket is closed before the
// message loop is cancelled: the receive loop only exits when the socket
// closes, so cancelling first can leave it hung.
func (m *Manager) EndSession(ctx context.Context, byServer bool) {
	m.cleanupPending()
	m.resetPreparation(true)

	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnding {
		m.mu.Unlock()
		return
	}
	m.isStarting = false
	session := m.session
	cancel := m.sessionCancel
	done := m.sessionDone
	bridge := m.ttsBridge
	pumpStop := m.ttsPumpStop
	loopStop := m.swapLoopStop
	mode := m.inputMode
	m.session = nil
	m.sessionCancel = nil
	m.sessionDone = nil
	m.ttsBridge = nil
	m.ttsPumpStop = nil
	m.swapLoopStop = nil
	m.ttsReady = false
	m.sessionReady = false
	m.pendingInput = nil
	m.mu.Unlock()

	m.setState(StateEnding)

	if session != nil {
		if err := session.Close(); err != nil {
			m.deps.Logger.Warn("session close failed", slog.String("error", err.Error()))
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			m.deps.Logger.Warn("message loop cancellation timeout")
		}
	}

	if loopStop != nil {
		close(loopStop)
	}
	if pumpStop != nil {
		close(pumpStop)
	}
	if bridge != nil {
		bridge.DropPending()
		if err := bridge.Close(); err != nil {
			m.deps.Logger.Warn("tts bridge close failed", slog.String("error", err.Error()))
		}
	}
	m.ttsBuffer.Reset()
	m.activity.Reset()
	m.suppressor.Reset()
	m.captureResampler.Reset()

	m.setState(StateIdle)
	if byServer {
		m.emit(SessionEndedByServerEvent{InputMode: string(mode)})
	} else {
		m.emit(StatusEvent{Message: "session ended"})
	}
}

// Close releases the manager. The event channel is closed after teardown.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.EndSession(context.Background(), false)
	close(m.events)
}

// transportCallbacks builds the callback set wired into one transport. The
// gate is per-transport: a throwaway prime on the pending session must not
// mute the session that is still serving the user.
func (m *Manager) transportCallbacks(gate *responseGate) TransportCallbacks {
	return TransportCallbacks{
		OnResponseCreated: func() {
			m.mu.Lock()
			m.newResponse = true
			m.mu.Unlock()
		},
		OnTextDelta: func(text string) {
			m.mu.Lock()
			if gate.skips > 0 {
				m.mu.Unlock()
				return
			}
			isNew := m.newResponse
			m.newResponse = false
			bridge := m.ttsBridge
			ready := m.ttsReady
			id := m.speechID
			m.mu.Unlock()

			m.emit(AssistantTextEvent{Text: text, NewMessage: isNew})
			if bridge != nil && ready {
				if chunk := m.ttsBuffer.Add(text); chunk != "" {
					bridge.Speak(id, chunk)
				}
			}
		},
		OnAudioDelta: func(pcm []byte) {
			m.mu.Lock()
			if gate.skips > 0 {
				m.mu.Unlock()
				return
			}
			id := m.speechID
			r := m.playbackResampler
			m.mu.Unlock()
			if r != nil {
				pcm = r.Process(pcm)
				if len(pcm) == 0 {
					return
				}
			}
			m.emit(AssistantAudioEvent{SpeechID: id, Data: pcm})
		},
		OnInputTranscript: func(text string) {
			m.msgCache.append("user", text)
			m.emit(UserTranscriptEvent{Text: text})
		},
		OnOutputTranscript: func(text string) {
			m.mu.Lock()
			skipping := gate.skips > 0
			m.mu.Unlock()
			if skipping {
				return // replayed snapshot, already cached
			}
			m.msgCache.append("assistant", text)
		},
		OnResponseDone: func(transcript string) {
			m.mu.Lock()
			if gate.skips > 0 {
				reason := gate.reason
				gate.disarm()
				var warm chan struct{}
				if reason == "warmup" {
					warm = m.warmupDone
					m.warmupDone = nil
				}
				m.mu.Unlock()
				m.emit(ResponseDiscardedEvent{Reason: reason})
				if warm != nil {
					close(warm)
				}
				return
			}
			bridge := m.ttsBridge
			ready := m.ttsReady
			id := m.speechID
			m.mu.Unlock()

			if bridge != nil && ready {
				if tail := m.ttsBuffer.Flush(); tail != "" {
					bridge.Speak(id, tail)
				}
				bridge.Flush()
			}
			m.repetition.Observe(transcript)
			m.emit(TurnEndEvent{})
		},
		OnSpeechStarted: func() {
			m.activity.ObserveServerSpeech(true)
		},
		OnSpeechStopped: func() {
			m.activity.ObserveServerSpeech(false)
		},
		OnInterrupted: func() {
			m.handleNewTurn()
		},
		OnSilenceTimeout: func() {
			// The trailing cached audio is probably noise; drop it, ask the
			// frontend to mute, keep the avatar up.
			m.audioCache.trimTail(m.cfg.Swap.SilenceTrimBytes)
			m.emit(AutoCloseMicEvent{})
			go m.EndSession(context.Background(), false)
		},
		OnRepetitionDetected: func() {
			m.emit(RepetitionWarningEvent{})
		},
		OnConnectionError: func(err error) {
			m.deps.Logger.Error("transport error", slog.String("error", err.Error()))
			m.mu.Lock()
			m.closedByServer = true
			m.mu.Unlock()
			m.emit(StatusEvent{Message: "connection lost, restarting"})
			go m.EndSession(context.Background(), true)
		},
	}
}
