package live

import (
	"strings"
	"sync"
)

// CachedMessage is one conversation entry recorded while a pending session
// is being prepared, replayed into its priming prompt at swap time.
type CachedMessage struct {
	Role string
	Text string
}

// messageCache accumulates conversation entries during pending-session
// preparation. It only grows while preparation is underway and is cleared
// atomically on swap or abort. snapshotLen marks how much of the cache was
// already included in the background priming prompt, so the final swap only
// replays the increment.
type messageCache struct {
	mu          sync.Mutex
	entries     []CachedMessage
	snapshotLen int
	recording   bool
}

func (c *messageCache) startRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
	c.snapshotLen = 0
	c.recording = true
}

func (c *messageCache) append(role, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	c.entries = append(c.entries, CachedMessage{Role: role, Text: text})
}

// snapshot returns a copy of the full cache and marks its length so a later
// increment() call only returns entries recorded after this point.
func (c *messageCache) snapshot() []CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotLen = len(c.entries)
	out := make([]CachedMessage, len(c.entries))
	copy(out, c.entries)
	return out
}

// increment returns the entries recorded since the last snapshot.
func (c *messageCache) increment() []CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshotLen >= len(c.entries) {
		return nil
	}
	out := make([]CachedMessage, len(c.entries)-c.snapshotLen)
	copy(out, c.entries[c.snapshotLen:])
	return out
}

func (c *messageCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
	c.snapshotLen = 0
	c.recording = false
}

// renderMessages flattens cached entries into a priming text block.
func renderMessages(entries []CachedMessage) string {
	var b strings.Builder
	for _, m := range entries {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// hotSwapAudioCache holds processed 16kHz microphone audio that arrives
// while a swap is imminent or the cache is being flushed. It is only ever
// delivered to the newly promoted session, never the old one.
type hotSwapAudioCache struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *hotSwapAudioCache) append(chunk []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.chunks = append(c.chunks, cp)
	return len(c.chunks)
}

// drain removes and returns all cached audio as one contiguous buffer.
func (c *hotSwapAudioCache) drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int
	for _, ch := range c.chunks {
		total += len(ch)
	}
	out := make([]byte, 0, total)
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	c.chunks = c.chunks[:0]
	return out
}

// trimTail drops up to n trailing bytes, used when a silence timeout makes
// the most recent cached audio suspect.
func (c *hotSwapAudioCache) trimTail(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n > 0 && len(c.chunks) > 0 {
		last := c.chunks[len(c.chunks)-1]
		if len(last) <= n {
			n -= len(last)
			c.chunks = c.chunks[:len(c.chunks)-1]
			continue
		}
		c.chunks[len(c.chunks)-1] = last[:len(last)-n]
		n = 0
	}
}

func (c *hotSwapAudioCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *hotSwapAudioCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = c.chunks[:0]
}
