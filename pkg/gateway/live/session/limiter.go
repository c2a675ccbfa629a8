package session

import "time"

// tokenBucket is a refilling budget, used once for frames/sec and once for
// bytes/sec.
type tokenBucket struct {
	rate   int64
	tokens int64
	max    int64
}

func newTokenBucket(rate int64, burstSeconds int64) tokenBucket {
	max := rate * burstSeconds
	return tokenBucket{rate: rate, tokens: max, max: max}
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

// audioThrottle caps the inbound microphone stream. Capture frames arrive on
// a fixed 10ms cadence, so a client pushing materially faster than real time
// is misbehaving and its excess frames are dropped.
type audioThrottle struct {
	now        func() time.Time
	frames     tokenBucket
	bytes      tokenBucket
	lastRefill time.Time
}

// newAudioThrottle builds a throttle allowing fps frames and bps bytes per
// second with the given burst window. Nil is returned (and means unlimited)
// when both rates are zero.
func newAudioThrottle(now func() time.Time, fps int, bps int64, burstSeconds int) *audioThrottle {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &audioThrottle{
		now:        now,
		frames:     newTokenBucket(int64(fps), int64(burstSeconds)),
		bytes:      newTokenBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

// Allow reports whether one frame of the given size fits the budget, and
// consumes it if so.
func (t *audioThrottle) Allow(frameBytes int) bool {
	if t == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}

	now := t.now()
	if elapsed := now.Sub(t.lastRefill); elapsed > 0 {
		t.frames.refill(elapsed)
		t.bytes.refill(elapsed)
	}
	t.lastRefill = now

	if t.frames.rate > 0 && t.frames.tokens < 1 {
		return false
	}
	if t.bytes.rate > 0 && t.bytes.tokens < int64(frameBytes) {
		return false
	}
	if t.frames.rate > 0 {
		t.frames.tokens--
	}
	if t.bytes.rate > 0 {
		t.bytes.tokens -= int64(frameBytes)
	}
	return true
}
