package live

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func startActive(t *testing.T, f *fakeFactory) *Manager {
	t.Helper()
	m := newTestManager(t, f)
	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}
	drainEvents(m)
	return m
}

func TestPrepareSwap_BuildsPendingSession(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}

	if f.count() != 2 {
		t.Fatalf("expected 2 transports, got %d", f.count())
	}
	pending := f.transport(1)
	if !pending.Connected() {
		t.Fatal("pending transport should be connected")
	}

	// The pending session is primed with a skipped throwaway turn.
	pending.mu.Lock()
	responses := append([]fakeResponse(nil), pending.responses...)
	pending.mu.Unlock()
	if len(responses) != 1 || !responses[0].skipped {
		t.Fatalf("expected one skipped priming response, got %+v", responses)
	}

	if m.State() != StatePreparingPending {
		t.Errorf("expected StatePreparingPending, got %v", m.State())
	}

	// The old session keeps serving while preparation is parked.
	if !f.transport(0).Connected() {
		t.Error("old session must stay up during preparation")
	}
}

func TestPrepareSwap_NoopWhenNotActive(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.count() != 0 {
		t.Error("no pending session should be built without an active one")
	}
}

func TestFinalizeSwap_PromotesPendingAndRetiresOld(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Audio arriving in the imminent window is cached, never sent to the
	// old session.
	chunks := [][]byte{{1, 1, 1, 1}, {2, 2, 2, 2}, {3, 3, 3, 3}}
	m.mu.Lock()
	m.swapImminent = true
	m.mu.Unlock()
	for _, c := range chunks {
		if err := m.StreamData(context.Background(), InputMessage{Type: InputAudio, Audio: c}); err != nil {
			t.Fatal(err)
		}
	}
	if m.audioCache.len() != 3 {
		t.Fatalf("expected 3 cached chunks, got %d", m.audioCache.len())
	}

	if err := m.FinalizeSwap(context.Background()); err != nil {
		t.Fatal(err)
	}

	old := f.transport(0)
	pending := f.transport(1)

	if old.Connected() {
		t.Error("old session should be closed after the swap")
	}
	if !pending.Connected() {
		t.Error("promoted session must stay connected")
	}
	if m.State() != StateActive {
		t.Errorf("expected StateActive, got %v", m.State())
	}

	// Cached audio went to the promoted session only, in order.
	if got := old.allAudio(); len(got) != 0 {
		t.Errorf("old session must not receive cached audio, got %d bytes", len(got))
	}
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	if got := pending.allAudio(); !bytes.Equal(got, want) {
		t.Errorf("promoted session audio = %v, want %v", got, want)
	}

	// New input now flows to the promoted session.
	if err := m.StreamData(context.Background(), InputMessage{Type: InputAudio, Audio: []byte{9, 9}}); err != nil {
		t.Fatal(err)
	}
	if got := pending.allAudio(); !bytes.HasSuffix(got, []byte{9, 9}) {
		t.Error("post-swap audio must reach the promoted session")
	}
}

func TestFinalizeSwap_NoPending(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	err := m.FinalizeSwap(context.Background())
	if !errors.Is(err, ErrNoPendingSession) {
		t.Fatalf("expected ErrNoPendingSession, got %v", err)
	}
	if !f.transport(0).Connected() {
		t.Error("the active session must survive a no-op finalize")
	}
}

func TestFinalizeSwap_AbortsOnUnusablePending(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}

	pending := f.transport(1)
	pending.mu.Lock()
	pending.fatal = true
	pending.mu.Unlock()

	if err := m.FinalizeSwap(context.Background()); err == nil {
		t.Fatal("expected finalize to fail on a fatal pending session")
	}

	// The old session keeps serving; the pending one is discarded.
	if !f.transport(0).Connected() {
		t.Error("old session must survive an aborted swap")
	}
	if pending.Connected() {
		t.Error("unusable pending session should be closed")
	}
	if m.State() != StateActive {
		t.Errorf("expected StateActive after abort, got %v", m.State())
	}

	// A fresh preparation cycle works after the abort.
	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.count() != 3 {
		t.Errorf("expected a third transport, got %d", f.count())
	}
}

func TestFinalizeSwap_ConversationIncrementInFinalPrime(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Conversation that happens after the background snapshot lands in the
	// final priming turn via the transcript callbacks.
	old := f.transport(0)
	old.cb.OnInputTranscript("what is the weather")
	old.cb.OnOutputTranscript("let me check")

	if err := m.FinalizeSwap(context.Background()); err != nil {
		t.Fatal(err)
	}

	pending := f.transport(1)
	pending.mu.Lock()
	responses := append([]fakeResponse(nil), pending.responses...)
	pending.mu.Unlock()
	if len(responses) != 2 {
		t.Fatalf("expected background + final prime, got %d responses", len(responses))
	}
	final := responses[1]
	if !final.skipped {
		t.Error("final prime without extra replies must be skipped")
	}
	if !strings.Contains(final.instructions, "user: what is the weather") ||
		!strings.Contains(final.instructions, "assistant: let me check") {
		t.Errorf("final prime missing the conversation increment: %q", final.instructions)
	}
}

func TestFinalizeSwap_ExtraRepliesForceReport(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.QueueExtraReply(context.Background(), "weather lookup finished: sunny, 24C")

	if err := m.FinalizeSwap(context.Background()); err != nil {
		t.Fatal(err)
	}

	pending := f.transport(1)
	pending.mu.Lock()
	responses := append([]fakeResponse(nil), pending.responses...)
	pending.mu.Unlock()
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
	final := responses[1]
	if final.skipped {
		t.Error("final prime with task results must request a spoken report")
	}
	if !strings.Contains(final.instructions, "weather lookup finished: sunny, 24C") {
		t.Errorf("final prime missing the task result: %q", final.instructions)
	}
}

func TestQueueExtraReply_IgnoresEmpty(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	m.QueueExtraReply(context.Background(), "   ")

	m.mu.Lock()
	extras := len(m.pendingExtraReply)
	preparing := m.preparing
	m.mu.Unlock()
	if extras != 0 || preparing {
		t.Error("blank replies must not queue or trigger preparation")
	}
}

func TestPrepareSwap_PrimeCompletionStaysInternal(t *testing.T) {
	f := &fakeFactory{manualDone: true}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(m)

	// The prime's completion arrives on the pending receive loop well
	// after the send returned. It must stay internal: no turn end, no
	// narration flush.
	pending := f.transport(1)
	pending.cb.OnResponseDone("")

	var discarded bool
	for _, e := range drainEvents(m) {
		switch ev := e.(type) {
		case TurnEndEvent:
			t.Fatal("priming completion must not end a user-visible turn")
		case ResponseDiscardedEvent:
			if ev.Reason == "pending-prime" {
				discarded = true
			}
		}
	}
	if !discarded {
		t.Error("expected the priming completion to be discarded")
	}

	// A real turn on the serving session still closes normally.
	old := f.transport(0)
	old.cb.OnResponseDone("sure, one moment")
	var turnEnd bool
	for _, e := range drainEvents(m) {
		if _, ok := e.(TurnEndEvent); ok {
			turnEnd = true
		}
	}
	if !turnEnd {
		t.Error("the serving session's completions must still end turns")
	}
}

func TestFinalizeSwap_SkippedPrimeCompletionAfterPromotion(t *testing.T) {
	f := &fakeFactory{manualDone: true}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}
	pending := f.transport(1)
	pending.cb.OnResponseDone("")

	if err := m.FinalizeSwap(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(m)

	// The final skipped prime completes only after the session was
	// promoted. Without extra replies it must still be swallowed.
	pending.cb.OnResponseDone("")

	var discarded bool
	for _, e := range drainEvents(m) {
		switch ev := e.(type) {
		case TurnEndEvent:
			t.Fatal("the skipped final prime must not end a turn after promotion")
		case ResponseDiscardedEvent:
			if ev.Reason == "pending-prime" {
				discarded = true
			}
		}
	}
	if !discarded {
		t.Error("expected the final prime's completion to be discarded")
	}
}

func newClockedManager(t *testing.T, f *fakeFactory, clk *fakeClock) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Swap.FlushChunkBytes = 4
	cfg.Swap.FlushInterval = time.Millisecond
	m, err := NewManager(cfg, Dependencies{
		Transports: f.factory(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      clk.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestSwapTick_RefreshesAgedSession(t *testing.T) {
	f := &fakeFactory{}
	clk := &fakeClock{now: time.Now()}
	m := newClockedManager(t, f, clk)

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}

	// A young session is left alone.
	m.swapTick(context.Background())
	if f.count() != 1 {
		t.Fatalf("expected no replacement for a young session, got %d transports", f.count())
	}

	clk.Advance(m.cfg.Swap.RefreshInterval + time.Second)
	m.swapTick(context.Background())

	if f.count() != 2 {
		t.Fatalf("expected a replacement transport, got %d", f.count())
	}
	if f.transport(0).Connected() {
		t.Error("the aged session should be retired")
	}
	if !f.transport(1).Connected() {
		t.Error("the replacement must be serving")
	}
	if m.State() != StateActive {
		t.Errorf("expected StateActive after the scheduled swap, got %v", m.State())
	}
}

func TestSwapTick_WaitsForQuietBeforePromoting(t *testing.T) {
	f := &fakeFactory{}
	clk := &fakeClock{now: time.Now()}
	m := newClockedManager(t, f, clk)
	m.activity.now = clk.Now

	if err := m.StartSession(context.Background(), InputModeAudio); err != nil {
		t.Fatal(err)
	}

	m.QueueExtraReply(context.Background(), "timer finished: the tea is ready")
	waitForCond(t, func() bool {
		m.mu.Lock()
		warmed := m.pendingWarmed
		m.mu.Unlock()
		if warmed == nil {
			return false
		}
		select {
		case <-warmed:
			return true
		default:
			return false
		}
	})

	// The user is mid-sentence: the replacement stays parked.
	m.activity.ObserveServerSpeech(true)
	m.swapTick(context.Background())
	if !f.transport(0).Connected() {
		t.Fatal("the swap must hold while the user is speaking")
	}

	m.activity.ObserveServerSpeech(false)
	clk.Advance(m.cfg.Activity.GracePeriod + time.Second)
	m.swapTick(context.Background())
	if f.transport(0).Connected() {
		t.Fatal("the swap should run once the user goes quiet")
	}

	pending := f.transport(1)
	pending.mu.Lock()
	responses := append([]fakeResponse(nil), pending.responses...)
	pending.mu.Unlock()
	final := responses[len(responses)-1]
	if final.skipped || !strings.Contains(final.instructions, "the tea is ready") {
		t.Errorf("scheduled swap must deliver the task result, got %+v", final)
	}
}

func TestEndSession_StopsSwapScheduler(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	m.mu.Lock()
	running := m.swapLoopStop != nil
	m.mu.Unlock()
	if !running {
		t.Fatal("expected the swap scheduler to run alongside the session")
	}

	m.EndSession(context.Background(), false)

	m.mu.Lock()
	stopped := m.swapLoopStop == nil
	m.mu.Unlock()
	if !stopped {
		t.Error("expected the swap scheduler to stop with the session")
	}
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEndSession_DiscardsPendingPreparation(t *testing.T) {
	f := &fakeFactory{}
	m := startActive(t, f)

	if err := m.PrepareSwap(context.Background()); err != nil {
		t.Fatal(err)
	}
	pending := f.transport(1)

	m.EndSession(context.Background(), false)

	if pending.Connected() {
		t.Error("pending session should be torn down with the main one")
	}
	if m.State() != StateIdle {
		t.Errorf("expected StateIdle, got %v", m.State())
	}
}
