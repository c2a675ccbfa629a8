package live

import (
	"strings"
	"sync"
)

// RepetitionGuard watches completed response transcripts for the model
// getting stuck in a loop. Each finished transcript is compared against the
// recent window; enough high-similarity pairs fire the callback exactly once
// and clear the window, so an unrelated follow-up response cannot
// immediately re-trigger.
type RepetitionGuard struct {
	config RepetitionConfig

	mu     sync.Mutex
	recent []string
	onHit  func()
}

// NewRepetitionGuard creates a guard with the given tuning.
func NewRepetitionGuard(config RepetitionConfig, onHit func()) *RepetitionGuard {
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultRepetitionConfig().WindowSize
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = DefaultRepetitionConfig().SimilarityThreshold
	}
	if config.MinHits <= 0 {
		config.MinHits = DefaultRepetitionConfig().MinHits
	}
	return &RepetitionGuard{config: config, onHit: onHit}
}

// Observe records one completed transcript. Returns true when the guard
// fired for this observation.
func (g *RepetitionGuard) Observe(transcript string) bool {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return false
	}

	g.mu.Lock()

	hits := 0
	for _, prev := range g.recent {
		if TextSimilarity(transcript, prev) >= g.config.SimilarityThreshold {
			hits++
		}
	}

	if hits >= g.config.MinHits {
		g.recent = g.recent[:0]
		cb := g.onHit
		g.mu.Unlock()
		if cb != nil {
			cb()
		}
		return true
	}

	g.recent = append(g.recent, transcript)
	if len(g.recent) > g.config.WindowSize {
		g.recent = g.recent[len(g.recent)-g.config.WindowSize:]
	}
	g.mu.Unlock()
	return false
}

// Reset clears the comparison window.
func (g *RepetitionGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recent = g.recent[:0]
}

// TextSimilarity returns the character-bigram Dice coefficient of two
// strings, in 0.0..1.0. It is cheap, language-agnostic and good enough to
// catch near-verbatim loops; exactness of the measure is not load-bearing.
func TextSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	var overlap int
	for gram, ca := range ba {
		if cb, ok := bb[gram]; ok {
			if ca < cb {
				overlap += ca
			} else {
				overlap += cb
			}
		}
	}

	var total int
	for _, c := range ba {
		total += c
	}
	for _, c := range bb {
		total += c
	}
	return 2 * float64(overlap) / float64(total)
}

func bigrams(s string) map[string]int {
	runes := []rune(strings.ToLower(strings.TrimSpace(s)))
	grams := make(map[string]int, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}
