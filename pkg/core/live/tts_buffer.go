package live

import (
	"strings"
	"sync"
)

// TTSBuffer accumulates model text deltas and emits chunks suitable for
// streaming TTS. It sends text on:
// 1. Punctuation (configurable, CJK marks included)
// 2. Word count threshold when at a confirmed word boundary
type TTSBuffer struct {
	mu          sync.Mutex
	text        strings.Builder
	minWords    int
	punctuation string
}

// NewTTSBuffer creates a buffer with the given sentence assembly settings.
func NewTTSBuffer(config TTSBufferConfig) *TTSBuffer {
	if config.MinWordsAtBoundary <= 0 {
		config.MinWordsAtBoundary = DefaultTTSBufferConfig().MinWordsAtBoundary
	}
	if config.FlushPunctuation == "" {
		config.FlushPunctuation = DefaultTTSBufferConfig().FlushPunctuation
	}
	return &TTSBuffer{
		minWords:    config.MinWordsAtBoundary,
		punctuation: config.FlushPunctuation,
	}
}

// Add adds a text delta and returns text to hand to the TTS bridge, or an
// empty string while more text should be buffered.
func (b *TTSBuffer) Add(delta string) string {
	if delta == "" {
		return ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A delta starting with whitespace confirms the previous word completed.
	startsWithSpace := delta[0] == ' ' || delta[0] == '\n'

	prevContent := b.text.String()
	prevWordCount := len(strings.Fields(prevContent))

	b.text.WriteString(delta)
	content := b.text.String()

	// Priority 1: punctuation triggers an immediate send up to and
	// including the last mark.
	if strings.ContainsAny(delta, b.punctuation) {
		lastPunct := strings.LastIndexAny(content, b.punctuation)
		if lastPunct >= 0 {
			// LastIndexAny returns the byte index of the rune start; include
			// the whole rune for multi-byte marks.
			end := lastPunct
			for end < len(content) {
				end++
				if end == len(content) || (content[end]&0xC0) != 0x80 {
					break
				}
			}
			toSend := strings.TrimSpace(content[:end])
			remainder := strings.TrimSpace(content[end:])
			b.text.Reset()
			if remainder != "" {
				b.text.WriteString(remainder)
			}
			return toSend
		}
	}

	// Priority 2: enough buffered words and a confirmed boundary.
	if prevWordCount >= b.minWords && startsWithSpace {
		toSend := strings.TrimSpace(prevContent)
		b.text.Reset()
		b.text.WriteString(strings.TrimLeft(delta, " \n"))
		return toSend
	}

	return ""
}

// Flush returns any remaining buffered text and resets the buffer. Call when
// the model stream ends.
func (b *TTSBuffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := strings.TrimSpace(b.text.String())
	b.text.Reset()
	return result
}

// Reset clears the buffer without returning content. Call on interruption.
func (b *TTSBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.Reset()
}

// Len returns the current buffer length in bytes.
func (b *TTSBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.Len()
}
