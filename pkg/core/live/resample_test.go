package live

import (
	"math"
	"testing"
)

func sineWave(rate, freq, n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(10000 * math.Sin(2*math.Pi*float64(freq)*float64(i)/float64(rate)))
	}
	return samples
}

func TestStreamResampler_InvalidRates(t *testing.T) {
	if _, err := NewStreamResampler(0, 16000); err == nil {
		t.Error("expected error for zero source rate")
	}
	if _, err := NewStreamResampler(48000, -1); err == nil {
		t.Error("expected error for negative destination rate")
	}
}

func TestStreamResampler_Passthrough(t *testing.T) {
	r, err := NewStreamResampler(16000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	in := pcm16Bytes([]int16{1, 2, 3, 4})
	out := r.Process(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d bytes, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
}

func TestStreamResampler_Downsample3to1(t *testing.T) {
	r, err := NewStreamResampler(48000, 16000)
	if err != nil {
		t.Fatal(err)
	}

	in := sineWave(48000, 440, 4800) // 100ms
	out := pcm16Samples(r.Process(pcm16Bytes(in)))

	// 3:1 ratio, allow a couple of samples of boundary slack.
	if len(out) < 1598 || len(out) > 1600 {
		t.Fatalf("expected ~1600 output samples, got %d", len(out))
	}

	// The resampled wave should still carry comparable energy.
	inRMS := CalculateRMSEnergy(pcm16Bytes(in))
	outRMS := CalculateRMSEnergy(pcm16Bytes(out))
	if math.Abs(inRMS-outRMS) > 0.05 {
		t.Errorf("energy changed too much: in=%.3f out=%.3f", inRMS, outRMS)
	}
}

func TestStreamResampler_ChunkingIndependence(t *testing.T) {
	// Resampling one big chunk and many small chunks must produce the same
	// sample count overall; continuity across boundaries is the whole point.
	in := sineWave(48000, 200, 960*5)

	whole, err := NewStreamResampler(48000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	wholeOut := whole.Process(pcm16Bytes(in))

	chunked, err := NewStreamResampler(48000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	var chunkedOut []byte
	for i := 0; i < len(in); i += 480 {
		chunkedOut = append(chunkedOut, chunked.Process(pcm16Bytes(in[i:i+480]))...)
	}

	if math.Abs(float64(len(wholeOut)-len(chunkedOut))) > 4 {
		t.Fatalf("chunked output length %d diverges from whole %d", len(chunkedOut), len(wholeOut))
	}

	// Samples should agree closely; linear interpolation is deterministic.
	a := pcm16Samples(wholeOut)
	b := pcm16Samples(chunkedOut)
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if d := int(a[i]) - int(b[i]); d > 2 || d < -2 {
			t.Fatalf("sample %d diverges: whole=%d chunked=%d", i, a[i], b[i])
		}
	}
}

func TestStreamResampler_Upsample(t *testing.T) {
	r, err := NewStreamResampler(24000, 48000)
	if err != nil {
		t.Fatal(err)
	}
	if r.Ratio() != 2.0 {
		t.Errorf("expected ratio 2.0, got %f", r.Ratio())
	}

	in := sineWave(24000, 440, 2400) // 100ms
	out := pcm16Samples(r.Process(pcm16Bytes(in)))
	if len(out) < 4790 || len(out) > 4800 {
		t.Fatalf("expected ~4800 output samples, got %d", len(out))
	}
}

func TestStreamResampler_Reset(t *testing.T) {
	r, err := NewStreamResampler(48000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	first := r.Process(pcm16Bytes(sineWave(48000, 440, 480)))

	r.Reset()
	second := r.Process(pcm16Bytes(sineWave(48000, 440, 480)))

	if len(first) != len(second) {
		t.Fatalf("reset did not restore initial state: %d vs %d bytes", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("output after Reset differs from fresh resampler")
		}
	}
}
