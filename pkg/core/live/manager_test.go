package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeResponse struct {
	instructions string
	skipped      bool
}

// fakeTransport records every call so tests can assert on exactly what the
// manager sent where.
type fakeTransport struct {
	mode       InputMode
	warmup     bool
	manualDone bool
	cb         TransportCallbacks
	connectErr error

	mu         sync.Mutex
	connected  bool
	fatal      bool
	closed     bool
	audio      [][]byte
	texts      []string
	images     []string
	responses  []fakeResponse
	clearCalls int
	interrupts int
}

func (f *fakeTransport) Mode() InputMode      { return f.mode }
func (f *fakeTransport) RequiresWarmup() bool { return f.warmup }

func (f *fakeTransport) Connect(ctx context.Context, instructions string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) HandleMessages(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) CreateResponse(ctx context.Context, instructions string, skipped bool) error {
	f.mu.Lock()
	f.responses = append(f.responses, fakeResponse{instructions: instructions, skipped: skipped})
	done := f.cb.OnResponseDone
	manual := f.manualDone
	f.mu.Unlock()
	// Completion arrives later on the receive loop, never inside the send.
	// Tests that need to control the timing set manualDone and fire the
	// callback themselves.
	if done != nil && !manual {
		go done("")
	}
	return nil
}

func (f *fakeTransport) StreamAudio(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("fake: not connected")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.audio = append(f.audio, cp)
	return nil
}

func (f *fakeTransport) StreamText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) StreamImage(ctx context.Context, b64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, b64)
	return nil
}

func (f *fakeTransport) ClearAudioBuffer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	return nil
}

func (f *fakeTransport) HandleInterruption(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeTransport) Fatal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fatal
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) allAudio() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, c := range f.audio {
		out = append(out, c...)
	}
	return out
}

type fakeFactory struct {
	mu         sync.Mutex
	created    []*fakeTransport
	warmup     bool
	manualDone bool
	createErr  error
}

func (f *fakeFactory) factory() TransportFactory {
	return func(mode InputMode, cb TransportCallbacks) (Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.createErr != nil {
			return nil, f.createErr
		}
		t := &fakeTransport{mode: mode, warmup: f.warmup, manualDone: f.manualDone, cb: cb}
		f.created = append(f.created, t)
		return t, nil
	}
}

func (f *fakeFactory) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.created) {
		return nil
	}
	return f.created[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, f *fakeFactory) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Swap.FlushChunkBytes = 4
	cfg.Swap.FlushInterval = time.Millisecond
	m, err := NewManager(cfg, Dependencies{
		Transports: f.factory(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func drainEvents(m *Manager) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-m.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestNewManager_RequiresTransportFactory(t *testing.T) {
	_, err := NewManager(ManagerConfig{}, Dependencies{})
	if !errors.Is(err, ErrNoTransportFactory) {
		t.Fatalf("expected ErrNoTransportFactory, got %v", err)
	}
}

func TestManager_StartAndEndSession(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateActive {
		t.Fatalf("expected StateActive, got %v", m.State())
	}

	tr := f.transport(0)
	if tr == nil || !tr.Connected() {
		t.Fatal("expected a connected transport")
	}

	var started bool
	for _, e := range drainEvents(m) {
		if _, ok := e.(SessionStartedEvent); ok {
			started = true
		}
	}
	if !started {
		t.Error("expected SessionStartedEvent")
	}

	m.EndSession(context.Background(), false)
	if m.State() != StateIdle {
		t.Fatalf("expected StateIdle, got %v", m.State())
	}
	if tr.Connected() {
		t.Error("expected transport closed after EndSession")
	}
}

func TestManager_WarmupIssuesSkippedResponse(t *testing.T) {
	f := &fakeFactory{warmup: true}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}

	tr := f.transport(0)
	tr.mu.Lock()
	responses := append([]fakeResponse(nil), tr.responses...)
	tr.mu.Unlock()
	if len(responses) != 1 || !responses[0].skipped {
		t.Fatalf("expected one skipped warm-up response, got %+v", responses)
	}

	var discarded bool
	for _, e := range drainEvents(m) {
		if d, ok := e.(ResponseDiscardedEvent); ok && d.Reason == "warmup" {
			discarded = true
		}
	}
	if !discarded {
		t.Error("expected the warm-up response to be discarded")
	}
}

func TestManager_AutoStartOnInput(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	err := m.StreamData(context.Background(), InputMessage{Type: InputText, Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	tr := f.transport(0)
	if tr == nil {
		t.Fatal("expected auto-started session")
	}
	if tr.Mode() != InputModeText {
		t.Errorf("expected text-mode transport, got %v", tr.Mode())
	}
	tr.mu.Lock()
	texts := append([]string(nil), tr.texts...)
	tr.mu.Unlock()
	if len(texts) != 1 || texts[0] != "hello" {
		t.Errorf("expected the text to be delivered, got %v", texts)
	}
}

func TestManager_TextInputInvalidatesSpeechID(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeText); err != nil {
		t.Fatal(err)
	}
	before := m.SpeechID()
	drainEvents(m)

	if err := m.StreamData(context.Background(), InputMessage{Type: InputText, Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	after := m.SpeechID()
	if after == before {
		t.Error("text input must mint a new speech id")
	}

	var activity *UserActivityEvent
	for _, e := range drainEvents(m) {
		if a, ok := e.(UserActivityEvent); ok {
			activity = &a
		}
	}
	if activity == nil {
		t.Fatal("expected UserActivityEvent")
	}
	if activity.InterruptedSpeechID != before {
		t.Errorf("event should carry the invalidated id %q, got %q", before, activity.InterruptedSpeechID)
	}
}

func TestManager_Interrupt(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}
	before := m.SpeechID()

	m.Interrupt(context.Background())

	tr := f.transport(0)
	tr.mu.Lock()
	interrupts := tr.interrupts
	tr.mu.Unlock()
	if interrupts != 1 {
		t.Errorf("expected 1 interruption call, got %d", interrupts)
	}
	if m.SpeechID() == before {
		t.Error("interrupt must mint a new speech id")
	}
}

func TestManager_FailureCooldown(t *testing.T) {
	f := &fakeFactory{createErr: errors.New("vendor down")}
	cfg := DefaultManagerConfig()
	cfg.Start.MaxFailures = 2
	cfg.Start.FailureCooldown = time.Hour
	m, err := NewManager(cfg, Dependencies{
		Transports: f.factory(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	for i := 0; i < 2; i++ {
		if err := m.StartSession(context.Background(), InputModeAudio); err == nil {
			t.Fatal("expected start failure")
		}
	}

	err = m.StartSession(context.Background(), InputModeAudio)
	if !errors.Is(err, ErrStartSuppressed) {
		t.Fatalf("expected ErrStartSuppressed after repeated failures, got %v", err)
	}
}

func TestManager_AudioPassthrough(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}

	// Chunks that are not 48kHz capture frames pass through untouched.
	chunk := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := m.StreamData(context.Background(), InputMessage{Type: InputAudio, Audio: chunk}); err != nil {
		t.Fatal(err)
	}

	tr := f.transport(0)
	tr.mu.Lock()
	audio := append([][]byte(nil), tr.audio...)
	tr.mu.Unlock()
	if len(audio) != 1 || len(audio[0]) != len(chunk) {
		t.Fatalf("expected the chunk delivered as-is, got %v", audio)
	}
}

func TestManager_CaptureFrameIsDownsampled(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}

	// A 480-sample frame is the 48kHz capture format: it gets suppression
	// and 3:1 downsampling before hitting the transport.
	frame := constantFrame(5000, 480)
	if err := m.StreamData(context.Background(), InputMessage{Type: InputAudio, Audio: frame}); err != nil {
		t.Fatal(err)
	}

	tr := f.transport(0)
	tr.mu.Lock()
	audio := append([][]byte(nil), tr.audio...)
	tr.mu.Unlock()
	if len(audio) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(audio))
	}
	if len(audio[0]) != 320 {
		t.Errorf("expected 320 bytes of 16kHz audio, got %d", len(audio[0]))
	}
}

func TestManager_ImageInput(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}
	if err := m.StreamData(context.Background(), InputMessage{Type: InputScreen, Image: "b64data"}); err != nil {
		t.Fatal(err)
	}

	tr := f.transport(0)
	tr.mu.Lock()
	images := append([]string(nil), tr.images...)
	tr.mu.Unlock()
	if len(images) != 1 || images[0] != "b64data" {
		t.Errorf("expected the image delivered, got %v", images)
	}
}

func TestManager_ModeMismatchRebuild(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}

	// Text into an audio session tears it down and builds a text session.
	if err := m.StreamData(context.Background(), InputMessage{Type: InputText, Text: "switch"}); err != nil {
		t.Fatal(err)
	}

	if f.count() != 2 {
		t.Fatalf("expected a second transport, got %d", f.count())
	}
	if f.transport(0).Connected() {
		t.Error("old audio transport should be closed")
	}
	second := f.transport(1)
	if second.Mode() != InputModeText {
		t.Errorf("expected text transport, got %v", second.Mode())
	}
	second.mu.Lock()
	texts := append([]string(nil), second.texts...)
	second.mu.Unlock()
	if len(texts) != 1 || texts[0] != "switch" {
		t.Errorf("expected the text delivered to the new session, got %v", texts)
	}
}

func TestManager_EmitNeverBlocks(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	// Overfill the event channel; emit must drop rather than block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.emit(StatusEvent{Message: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full channel")
	}
}
