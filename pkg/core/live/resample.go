package live

import "fmt"

// StreamResampler converts PCM16 between sample rates with state carried
// across chunk boundaries, so the output is continuous no matter how the
// input is framed. One instance serves one direction of one session and must
// be Reset whenever a new speech turn begins, otherwise filter history from
// the previous turn smears into the next.
type StreamResampler struct {
	srcRate int
	dstRate int

	// pos is the fractional read position into the virtual source stream,
	// expressed in source samples. last is the final sample of the previous
	// chunk, needed to interpolate across the boundary.
	pos     float64
	last    int16
	started bool
}

// NewStreamResampler creates a resampler for the given rate pair.
func NewStreamResampler(srcRate, dstRate int) (*StreamResampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("live: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	return &StreamResampler{srcRate: srcRate, dstRate: dstRate}, nil
}

// Process converts one PCM16 chunk. The returned slice may be empty when the
// chunk is too small to advance the output position.
func (r *StreamResampler) Process(pcm []byte) []byte {
	if r.srcRate == r.dstRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	in := pcm16Samples(pcm)
	if len(in) == 0 {
		return nil
	}

	// Prepend the carried sample so interpolation spans chunk boundaries.
	var src []int16
	if r.started {
		src = make([]int16, 0, len(in)+1)
		src = append(src, r.last)
		src = append(src, in...)
	} else {
		src = in
		r.started = true
	}

	step := float64(r.srcRate) / float64(r.dstRate)
	out := make([]int16, 0, int(float64(len(in))/step)+1)

	pos := r.pos
	for {
		i := int(pos)
		if i >= len(src)-1 {
			break
		}
		frac := pos - float64(i)
		a := float64(src[i])
		b := float64(src[i+1])
		out = append(out, int16(a+(b-a)*frac))
		pos += step
	}

	// Keep the fractional remainder relative to the carried sample that the
	// next call will prepend.
	consumed := float64(len(src) - 1)
	r.pos = pos - consumed
	r.last = src[len(src)-1]

	return pcm16Bytes(out)
}

// Reset discards carried state. Call on every new speech turn.
func (r *StreamResampler) Reset() {
	r.pos = 0
	r.last = 0
	r.started = false
}

// Ratio returns dstRate/srcRate as a float, useful for sizing buffers.
func (r *StreamResampler) Ratio() float64 {
	return float64(r.dstRate) / float64(r.srcRate)
}
