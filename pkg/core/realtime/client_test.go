package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

// recorder captures every callback invocation for assertions.
type recorder struct {
	mu sync.Mutex

	created     int
	textDeltas  []string
	audioDeltas [][]byte
	inputs      []string
	outputs     []string
	dones       []string
	speechOn    int
	speechOff   int
	interrupted int
	errors      []error
}

func (r *recorder) callbacks() live.TransportCallbacks {
	return live.TransportCallbacks{
		OnResponseCreated: func() {
			r.mu.Lock()
			r.created++
			r.mu.Unlock()
		},
		OnTextDelta: func(text string) {
			r.mu.Lock()
			r.textDeltas = append(r.textDeltas, text)
			r.mu.Unlock()
		},
		OnAudioDelta: func(pcm []byte) {
			r.mu.Lock()
			r.audioDeltas = append(r.audioDeltas, pcm)
			r.mu.Unlock()
		},
		OnInputTranscript: func(text string) {
			r.mu.Lock()
			r.inputs = append(r.inputs, text)
			r.mu.Unlock()
		},
		OnOutputTranscript: func(text string) {
			r.mu.Lock()
			r.outputs = append(r.outputs, text)
			r.mu.Unlock()
		},
		OnResponseDone: func(transcript string) {
			r.mu.Lock()
			r.dones = append(r.dones, transcript)
			r.mu.Unlock()
		},
		OnSpeechStarted: func() {
			r.mu.Lock()
			r.speechOn++
			r.mu.Unlock()
		},
		OnSpeechStopped: func() {
			r.mu.Lock()
			r.speechOff++
			r.mu.Unlock()
		},
		OnInterrupted: func() {
			r.mu.Lock()
			r.interrupted++
			r.mu.Unlock()
		},
		OnConnectionError: func(err error) {
			r.mu.Lock()
			r.errors = append(r.errors, err)
			r.mu.Unlock()
		},
	}
}

func newTestClient(t *testing.T, vendor Vendor) (*Client, *recorder) {
	t.Helper()
	profile, ok := ProfileFor(vendor)
	if !ok {
		t.Fatalf("no profile for %v", vendor)
	}
	rec := &recorder{}
	c, err := NewClient(Config{
		Profile: profile,
		APIKey:  "test-key",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, rec.callbacks())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, rec
}

func event(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("bad test event %s: %v", raw, err)
	}
	return out
}

func TestHandleEvent_ResponseLifecycle(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	c.handleEvent(event(t, `{"type":"response.created"}`))
	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"hello "}`))
	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"world"}`))
	c.handleEvent(event(t, `{"type":"response.done"}`))

	if rec.created != 1 {
		t.Errorf("created = %d, want 1", rec.created)
	}
	if len(rec.textDeltas) != 2 || rec.textDeltas[0] != "hello " || rec.textDeltas[1] != "world" {
		t.Errorf("textDeltas = %q", rec.textDeltas)
	}
	if len(rec.dones) != 1 || rec.dones[0] != "hello world" {
		t.Errorf("dones = %q, want accumulated transcript", rec.dones)
	}
}

func TestHandleEvent_SkippedResponseSuppressed(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	c.mu.Lock()
	c.skipUntilNext = true
	c.mu.Unlock()

	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"warm-up noise"}`))
	pcm := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	c.handleEvent(event(t, fmt.Sprintf(`{"type":"response.audio.delta","delta":%q}`, pcm)))
	c.handleEvent(event(t, `{"type":"response.done"}`))

	if len(rec.textDeltas) != 0 || len(rec.audioDeltas) != 0 {
		t.Errorf("suppressed response leaked deltas: text=%q audio=%d", rec.textDeltas, len(rec.audioDeltas))
	}
	if len(rec.dones) != 1 {
		t.Fatalf("dones = %d, want 1", len(rec.dones))
	}

	// The flag clears on done; the next response flows normally.
	c.handleEvent(event(t, `{"type":"response.created"}`))
	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"real"}`))
	if len(rec.textDeltas) != 1 || rec.textDeltas[0] != "real" {
		t.Errorf("post-warmup deltas = %q", rec.textDeltas)
	}
}

func TestHandleEvent_InterruptSuppressesStaleDeltas(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	c.handleEvent(event(t, `{"type":"response.created"}`))
	_ = c.HandleInterruption(context.Background())
	if rec.interrupted != 1 {
		t.Fatalf("interrupted = %d, want 1", rec.interrupted)
	}

	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"stale"}`))
	if len(rec.textDeltas) != 0 {
		t.Errorf("stale delta leaked: %q", rec.textDeltas)
	}

	c.handleEvent(event(t, `{"type":"response.created"}`))
	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"fresh"}`))
	if len(rec.textDeltas) != 1 || rec.textDeltas[0] != "fresh" {
		t.Errorf("post-interrupt deltas = %q", rec.textDeltas)
	}
}

func TestHandleEvent_GLMTextDeltaSuppressed(t *testing.T) {
	c, rec := newTestClient(t, VendorGLM)

	c.handleEvent(event(t, `{"type":"response.created"}`))
	c.handleEvent(event(t, `{"type":"response.text.delta","delta":"duplicate"}`))
	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"spoken"}`))

	if len(rec.textDeltas) != 1 || rec.textDeltas[0] != "spoken" {
		t.Errorf("textDeltas = %q, want only the transcript stream", rec.textDeltas)
	}
}

func TestHandleEvent_AudioDelta(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	c.handleEvent(event(t, fmt.Sprintf(`{"type":"response.audio.delta","delta":%q}`,
		base64.StdEncoding.EncodeToString(pcm))))

	if len(rec.audioDeltas) != 1 || string(rec.audioDeltas[0]) != string(pcm) {
		t.Fatalf("audioDeltas = %v", rec.audioDeltas)
	}

	// Malformed payloads are dropped, not delivered.
	c.handleEvent(event(t, `{"type":"response.audio.delta","delta":"!!!not-base64!!!"}`))
	if len(rec.audioDeltas) != 1 {
		t.Errorf("malformed delta was delivered")
	}
}

func TestHandleEvent_SpeechEvents(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	c.handleEvent(event(t, `{"type":"input_audio_buffer.speech_started"}`))
	c.handleEvent(event(t, `{"type":"input_audio_buffer.speech_stopped"}`))
	if rec.speechOn != 1 || rec.speechOff != 1 {
		t.Errorf("speech events = %d/%d, want 1/1", rec.speechOn, rec.speechOff)
	}
	if rec.interrupted != 0 {
		t.Errorf("interrupt fired without a response in flight")
	}

	// Barge-in: speech while responding interrupts.
	c.handleEvent(event(t, `{"type":"response.created"}`))
	c.handleEvent(event(t, `{"type":"input_audio_buffer.speech_started"}`))
	if rec.interrupted != 1 {
		t.Errorf("interrupted = %d, want 1 after barge-in", rec.interrupted)
	}
}

func TestHandleEvent_InputTranscription(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	c.handleEvent(event(t, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"what time is it"}`))
	if len(rec.inputs) != 1 || rec.inputs[0] != "what time is it" {
		t.Errorf("inputs = %q", rec.inputs)
	}
}

func TestHandleEvent_TranscriptDone(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	c.handleEvent(event(t, `{"type":"response.audio_transcript.done","transcript":"full sentence"}`))
	if len(rec.outputs) != 1 || rec.outputs[0] != "full sentence" {
		t.Errorf("outputs = %q", rec.outputs)
	}

	// Without an explicit transcript field the accumulated deltas serve.
	c.handleEvent(event(t, `{"type":"response.audio_transcript.delta","delta":"built up"}`))
	c.handleEvent(event(t, `{"type":"response.audio_transcript.done"}`))
	if len(rec.outputs) != 2 || rec.outputs[1] != "built up" {
		t.Errorf("outputs = %q", rec.outputs)
	}
}

func TestErrorEvent_OverloadThrottlesAudio(t *testing.T) {
	c, _ := newTestClient(t, VendorQwen)
	ctx := context.Background()

	c.handleErrorEvent(event(t, `{"type":"error","error":{"code":"503","message":"service overloaded"}}`))

	// Audio frames are silently dropped inside the window; other events
	// still reach the connection check.
	if err := c.sendEvent(ctx, map[string]any{"type": "input_audio_buffer.append", "audio": "AAAA"}); err != nil {
		t.Errorf("throttled audio frame: %v, want silent drop", err)
	}
	if err := c.sendEvent(ctx, map[string]any{"type": "response.create"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("non-audio event during throttle: %v, want ErrNotConnected", err)
	}

	// After the window the audio path reaches the connection check again.
	c.mu.Lock()
	c.throttleUntil = time.Now().Add(-time.Second)
	c.mu.Unlock()
	if err := c.sendEvent(ctx, map[string]any{"type": "input_audio_buffer.append", "audio": "AAAA"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("audio after throttle window: %v, want ErrNotConnected", err)
	}
}

func TestFatalLatch(t *testing.T) {
	c, rec := newTestClient(t, VendorQwen)

	c.latchFatal(errors.New("Response timeout"))
	c.latchFatal(errors.New("Response timeout"))

	if !c.Fatal() {
		t.Fatal("Fatal() = false after latch")
	}
	rec.mu.Lock()
	n := len(rec.errors)
	rec.mu.Unlock()
	if n != 1 {
		t.Errorf("connection errors = %d, want exactly 1", n)
	}
	if err := c.sendEvent(context.Background(), map[string]any{"type": "response.create"}); err != nil {
		t.Errorf("send after fatal: %v, want silent no-op", err)
	}
}

func TestIsFatalSignature(t *testing.T) {
	c, _ := newTestClient(t, VendorQwen)
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("write: broken pipe"), false},
		{errors.New("server said: Response timeout"), true},
		{&websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "internal"}, true},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}, false},
	}
	for _, tt := range tests {
		if got := c.isFatalSignature(tt.err); got != tt.want {
			t.Errorf("isFatalSignature(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSessionConfigPerVendor(t *testing.T) {
	glm, _ := newTestClient(t, VendorGLM)
	cfg := glm.sessionConfig("prompt")
	if _, ok := cfg["beta_fields"]; !ok {
		t.Error("glm config missing beta_fields")
	}

	qwen, _ := newTestClient(t, VendorQwen)
	cfg = qwen.sessionConfig("prompt")
	vad, ok := cfg["turn_detection"].(map[string]any)
	if !ok || vad["threshold"] != 0.5 {
		t.Errorf("qwen turn_detection = %v", cfg["turn_detection"])
	}

	gpt, _ := newTestClient(t, VendorGPT)
	cfg = gpt.sessionConfig("prompt")
	if cfg["type"] != "realtime" {
		t.Errorf("gpt config type = %v", cfg["type"])
	}

	step, _ := newTestClient(t, VendorStep)
	cfg = step.sessionConfig("prompt")
	if cfg["instructions"] != "prompt" {
		t.Errorf("step config instructions = %v", cfg["instructions"])
	}
}

func TestCreateResponse_SkipFlagSetBeforeSend(t *testing.T) {
	c, _ := newTestClient(t, VendorStep)

	// The send fails without a connection, but the suppression flag must
	// already be set so a racing response.created cannot leak deltas.
	_ = c.CreateResponse(context.Background(), "say hi", true)

	c.mu.Lock()
	skip := c.skipUntilNext
	c.mu.Unlock()
	if !skip {
		t.Error("skipUntilNext not set by skipped CreateResponse")
	}
}

func TestStreamImage_RateLimit(t *testing.T) {
	profile, _ := ProfileFor(VendorQwen)
	rec := &recorder{}
	voiceActive := true
	c, err := NewClient(Config{
		Profile:     profile,
		APIKey:      "test-key",
		VoiceActive: func() bool { return voiceActive },
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, rec.callbacks())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	c.mu.Lock()
	c.audioInBuffer = true
	c.mu.Unlock()

	// No connection: ErrNotConnected proves the frame was attempted, nil
	// proves it was rate-limited away.
	if err := c.StreamImage(ctx, "Zm9v"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("first frame: %v, want attempted send", err)
	}
	if err := c.StreamImage(ctx, "Zm9v"); err != nil {
		t.Fatalf("immediate second frame: %v, want silent drop", err)
	}

	// 1.5s elapsed satisfies the active-voice interval but not the idle one.
	c.mu.Lock()
	c.lastImage = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()
	voiceActive = false
	if err := c.StreamImage(ctx, "Zm9v"); err != nil {
		t.Fatalf("idle frame inside stretched interval: %v, want silent drop", err)
	}
	voiceActive = true
	c.mu.Lock()
	c.lastImage = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()
	if err := c.StreamImage(ctx, "Zm9v"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("active frame past interval: %v, want attempted send", err)
	}
}

func TestStreamImage_NonNativeOncePerTurn(t *testing.T) {
	c, _ := newTestClient(t, VendorStep)
	ctx := context.Background()

	if err := c.StreamImage(ctx, "Zm9v"); err != nil {
		t.Fatalf("StreamImage: %v", err)
	}
	c.mu.Lock()
	analyzed := c.imageAnalyzed
	c.mu.Unlock()
	if !analyzed {
		t.Fatal("first frame did not mark the turn analyzed")
	}

	// Flags reset when the response completes.
	c.handleEvent(event(t, `{"type":"response.done"}`))
	c.mu.Lock()
	analyzed = c.imageAnalyzed
	c.mu.Unlock()
	if analyzed {
		t.Error("analysis flag survived response.done")
	}
}

func TestDecodeBase64(t *testing.T) {
	want := []byte("frame")
	raw := base64.StdEncoding.EncodeToString(want)

	for _, in := range []string{raw, "data:image/jpeg;base64," + raw} {
		got, err := decodeBase64(in)
		if err != nil {
			t.Fatalf("decodeBase64(%q): %v", in, err)
		}
		if string(got) != string(want) {
			t.Errorf("decodeBase64(%q) = %q", in, got)
		}
	}
	if _, err := decodeBase64("!!!"); err == nil {
		t.Error("expected error for invalid payload")
	}
}
