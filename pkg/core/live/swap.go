package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNoPendingSession is returned by FinalizeSwap when no pending session
// was prepared.
var ErrNoPendingSession = errors.New("live: no pending session to promote")

// QueueExtraReply schedules a task-result text for injection at the next
// swap. If no preparation is underway it starts one immediately so the
// model can report the result soon.
func (m *Manager) QueueExtraReply(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.mu.Lock()
	m.pendingExtraReply = append(m.pendingExtraReply, text)
	preparing := m.preparing
	m.mu.Unlock()

	if !preparing {
		go m.PrepareSwap(ctx)
	}
}

// PrepareSwap builds the replacement session in the background: a fresh
// transport of the same modality, primed with the memory context plus the
// conversation snapshot, warmed with one throwaway response and then parked
// until FinalizeSwap.
func (m *Manager) PrepareSwap(ctx context.Context) error {
	m.mu.Lock()
	if m.preparing || m.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	m.preparing = true
	mode := m.inputMode
	m.mu.Unlock()

	m.setState(StatePreparingPending)
	m.msgCache.startRecording()

	err := m.prepareBackground(ctx, mode)
	if err != nil {
		m.deps.Logger.Error("pending session preparation failed", slog.String("error", err.Error()))
		m.cleanupPending()
		m.resetPreparation(true)
		m.setState(StateActive)
		return err
	}
	return nil
}

func (m *Manager) prepareBackground(ctx context.Context, mode InputMode) error {
	priming := m.fetchPriming(ctx)
	snapshot := m.msgCache.snapshot()

	gate := &responseGate{}
	transport, err := m.deps.Transports(mode, m.transportCallbacks(gate))
	if err != nil {
		return fmt.Errorf("live: create pending transport: %w", err)
	}
	if err := transport.Connect(ctx, priming); err != nil {
		transport.Close()
		return fmt.Errorf("live: connect pending: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	warmed := make(chan struct{})

	m.mu.Lock()
	m.pending = transport
	m.pendingCancel = cancel
	m.pendingDone = done
	m.pendingWarmed = warmed
	m.pendingGate = gate
	m.mu.Unlock()

	// The pending session needs its own receive loop so priming responses
	// cycle; its gate keeps the deltas from reaching the frontend.
	go func() {
		defer close(done)
		if err := transport.HandleMessages(loopCtx); err != nil && loopCtx.Err() == nil {
			m.deps.Logger.Warn("pending message loop exited", slog.String("error", err.Error()))
		}
	}()

	// First prime: full snapshot as a skipped turn. The armed skip is
	// consumed when the prime's response.done arrives, which is after this
	// send returns.
	prime := renderMessages(snapshot)
	m.mu.Lock()
	gate.arm("pending-prime")
	m.mu.Unlock()
	if err := transport.CreateResponse(ctx, prime, true); err != nil {
		m.mu.Lock()
		gate.disarm()
		m.mu.Unlock()
		return fmt.Errorf("live: prime pending: %w", err)
	}

	close(warmed)
	return nil
}

// FinalizeSwap performs the five swap steps: prime the pending session with the
// conversation increment, flush cached audio into it, atomically promote it,
// then retire the old session. Any failure before promotion aborts the swap
// and leaves the old session running unmodified.
func (m *Manager) FinalizeSwap(ctx context.Context) error {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()

	if pending == nil {
		m.resetPreparation(true)
		return ErrNoPendingSession
	}
	if !pending.Connected() || pending.Fatal() {
		m.deps.Logger.Error("pending session unusable, aborting swap")
		m.cleanupPending()
		m.resetPreparation(true)
		m.setState(StateActive)
		return errors.New("live: pending session unusable")
	}

	m.mu.Lock()
	m.swapImminent = true
	extras := m.pendingExtraReply
	m.pendingExtraReply = nil
	gate := m.pendingGate
	m.mu.Unlock()
	m.setState(StateSwapImminent)

	// (a) Prime the pending session with the increment. With extra replies
	// queued the turn is non-skipped and directs the model to report task
	// results before resuming.
	prime := renderMessages(m.msgCache.increment())
	skipped := true
	if len(extras) > 0 {
		var b strings.Builder
		b.WriteString(prime)
		b.WriteString("Report the results of these finished tasks to the user in one short natural message, then continue the conversation:\n")
		for _, e := range extras {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
		prime = b.String()
		skipped = false
	}
	if skipped && gate != nil {
		m.mu.Lock()
		gate.arm("pending-prime")
		m.mu.Unlock()
	}
	if err := pending.CreateResponse(ctx, prime, skipped); err != nil {
		if skipped && gate != nil {
			m.mu.Lock()
			gate.disarm()
			m.mu.Unlock()
		}
		m.deps.Logger.Error("final prime failed, aborting swap", slog.String("error", err.Error()))
		m.abortSwap()
		return fmt.Errorf("live: final prime: %w", err)
	}

	// (b) Flush audio cached during the imminent window into the
	// soon-to-be-promoted session, paced and bounded.
	if err := m.flushAudioCache(ctx, pending); err != nil {
		m.deps.Logger.Error("cache flush failed, aborting swap", slog.String("error", err.Error()))
		m.abortSwap()
		return fmt.Errorf("live: cache flush: %w", err)
	}

	// (c) Promote. The pending reference is cleared in the same critical
	// section so no cleanup path can close the just-promoted session.
	m.mu.Lock()
	old := m.session
	oldCancel := m.sessionCancel
	oldDone := m.sessionDone
	m.session = pending
	m.sessionCancel = m.pendingCancel
	m.sessionDone = m.pendingDone
	m.pending = nil
	m.pendingCancel = nil
	m.pendingDone = nil
	m.pendingWarmed = nil
	m.pendingGate = nil
	m.sessionStarted = m.deps.Clock()
	m.mu.Unlock()

	// (d) Retire the old session: close the socket first so its receive
	// loop exits, then cancel and wait, bounded.
	if old != nil {
		if err := old.Close(); err != nil {
			m.deps.Logger.Warn("old session close failed", slog.String("error", err.Error()))
		}
	}
	if oldCancel != nil {
		oldCancel()
	}
	if oldDone != nil {
		select {
		case <-oldDone:
		case <-time.After(2 * time.Second):
			m.deps.Logger.Warn("old message loop cancellation timeout")
		}
	}

	// (e) Reset bookkeeping.
	m.resetPreparation(true)
	m.setState(StateActive)
	m.deps.Logger.Info("hot swap complete")
	return nil
}

// flushAudioCache delivers cached 16kHz audio to the target in bounded,
// paced chunks. Audio still arriving during the flush keeps caching.
func (m *Manager) flushAudioCache(ctx context.Context, target Transport) error {
	m.mu.Lock()
	m.flushingCache = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.flushingCache = false
		m.mu.Unlock()
	}()

	for i := 0; i < m.cfg.Swap.FlushMaxIterations; i++ {
		buf := m.audioCache.drain()
		if len(buf) == 0 {
			return nil
		}
		for off := 0; off < len(buf); off += m.cfg.Swap.FlushChunkBytes {
			end := off + m.cfg.Swap.FlushChunkBytes
			if end > len(buf) {
				end = len(buf)
			}
			if err := target.StreamAudio(ctx, buf[off:end]); err != nil {
				return err
			}
			select {
			case <-time.After(m.cfg.Swap.FlushInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	// Iteration cap hit: drop whatever is still queued rather than stall
	// the swap.
	m.audioCache.clear()
	return nil
}

// abortSwap discards the pending session and leaves the old one running.
func (m *Manager) abortSwap() {
	m.cleanupPending()
	m.resetPreparation(true)
	m.setState(StateActive)
	m.restartSessionLoopIfDead()
}

// restartSessionLoopIfDead restarts the current session's receive loop if an
// abort path left it stopped.
func (m *Manager) restartSessionLoopIfDead() {
	m.mu.Lock()
	session := m.session
	done := m.sessionDone
	m.mu.Unlock()
	if session == nil || !session.Connected() {
		return
	}
	if done != nil {
		select {
		case <-done:
		default:
			return // still running
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	newDone := make(chan struct{})
	m.mu.Lock()
	m.sessionCancel = cancel
	m.sessionDone = newDone
	m.mu.Unlock()
	go func() {
		defer close(newDone)
		if err := session.HandleMessages(loopCtx); err != nil && loopCtx.Err() == nil {
			m.deps.Logger.Warn("message loop exited", slog.String("error", err.Error()))
		}
	}()
}

// cleanupPending tears down a half-built pending session.
func (m *Manager) cleanupPending() {
	m.mu.Lock()
	pending := m.pending
	cancel := m.pendingCancel
	done := m.pendingDone
	m.pending = nil
	m.pendingCancel = nil
	m.pendingDone = nil
	m.pendingWarmed = nil
	m.pendingGate = nil
	m.mu.Unlock()

	if pending != nil {
		if err := pending.Close(); err != nil {
			m.deps.Logger.Warn("pending close failed", slog.String("error", err.Error()))
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

// startSwapLoop runs the refresh scheduler for the lifetime of the current
// session. Realtime vendors cap connection age, so a replacement is
// prepared before the cap bites and promoted at a quiet moment.
func (m *Manager) startSwapLoop() {
	m.mu.Lock()
	if m.swapLoopStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.swapLoopStop = stop
	m.mu.Unlock()

	go m.runSwapLoop(stop)
}

func (m *Manager) runSwapLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Swap.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		m.swapTick(context.Background())
	}
}

// swapTick is one scheduler pass: start preparing when the session has aged
// past the refresh interval or a task result is waiting to be reported, and
// finalize a warmed replacement once the user is not speaking.
func (m *Manager) swapTick(ctx context.Context) {
	m.mu.Lock()
	state := m.state
	age := m.deps.Clock().Sub(m.sessionStarted)
	extras := len(m.pendingExtraReply) > 0
	pending := m.pending
	warmed := m.pendingWarmed
	m.mu.Unlock()

	if state == StateActive && pending == nil && (extras || age >= m.cfg.Swap.RefreshInterval) {
		if err := m.PrepareSwap(ctx); err != nil {
			return
		}
		m.mu.Lock()
		pending = m.pending
		warmed = m.pendingWarmed
		m.mu.Unlock()
	}

	if pending == nil || warmed == nil {
		return
	}
	select {
	case <-warmed:
	default:
		return // still priming
	}
	if m.activity.Active() {
		return // hold the swap until the user goes quiet
	}
	if err := m.FinalizeSwap(ctx); err != nil {
		m.deps.Logger.Warn("scheduled swap failed", slog.String("error", err.Error()))
	}
}

// resetPreparation clears all swap bookkeeping. clearCache also empties the
// message cache and the audio cache.
func (m *Manager) resetPreparation(clearCache bool) {
	m.mu.Lock()
	m.preparing = false
	m.swapImminent = false
	m.flushingCache = false
	m.mu.Unlock()
	if clearCache {
		m.msgCache.clear()
		m.audioCache.clear()
	}
}
