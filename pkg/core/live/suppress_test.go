package live

import (
	"testing"
	"time"
)

func constantFrame(amplitude int16, samples int) []byte {
	buf := make([]int16, samples)
	for i := range buf {
		buf[i] = amplitude
	}
	return pcm16Bytes(buf)
}

func TestNoiseSuppressor_SpeechProbability(t *testing.T) {
	s := NewNoiseSuppressor(DefaultSuppressorConfig(), DefaultCaptureConfig())

	// Establish a quiet floor.
	for i := 0; i < 20; i++ {
		s.ProcessFrame(constantFrame(100, 480))
	}
	if p := s.SpeechProbability(); p > 0.2 {
		t.Errorf("expected near-zero probability on steady noise, got %.3f", p)
	}

	// A frame far above the floor reads as speech.
	s.ProcessFrame(constantFrame(8000, 480))
	if p := s.SpeechProbability(); p < 0.9 {
		t.Errorf("expected high probability on loud frame, got %.3f", p)
	}
}

func TestNoiseSuppressor_GatesFloorFrames(t *testing.T) {
	s := NewNoiseSuppressor(DefaultSuppressorConfig(), DefaultCaptureConfig())

	for i := 0; i < 20; i++ {
		s.ProcessFrame(constantFrame(100, 480))
	}

	out := s.ProcessFrame(constantFrame(100, 480))
	if len(out) != 960 {
		t.Fatalf("expected full-length frame, got %d bytes", len(out))
	}
	for _, b := range out {
		if b != 0 {
			t.Fatal("frame at the noise floor should be zeroed")
		}
	}

	// Speech frames pass through unmodified.
	loud := constantFrame(8000, 480)
	out = s.ProcessFrame(loud)
	if out[0] != loud[0] || out[1] != loud[1] {
		t.Error("speech frame should pass through")
	}
}

func TestNoiseSuppressor_SilenceResetLatch(t *testing.T) {
	s := NewNoiseSuppressor(DefaultSuppressorConfig(), DefaultCaptureConfig())

	clock := time.Now()
	s.now = func() time.Time { return clock }

	// Speech marks the timestamp, then a long quiet run crosses the reset
	// threshold.
	for i := 0; i < 10; i++ {
		s.ProcessFrame(constantFrame(100, 480))
	}
	s.ProcessFrame(constantFrame(8000, 480))

	if s.TakeResetPending() {
		t.Fatal("latch must not be set before the silence window elapses")
	}

	clock = clock.Add(5 * time.Second)
	s.ProcessFrame(constantFrame(100, 480))

	if !s.TakeResetPending() {
		t.Fatal("expected reset latch after prolonged silence")
	}
	// Consume-once semantics.
	if s.TakeResetPending() {
		t.Error("latch must clear after being taken")
	}
}

func TestNoiseSuppressor_LoudHumBlocksSilenceReset(t *testing.T) {
	s := NewNoiseSuppressor(DefaultSuppressorConfig(), DefaultCaptureConfig())

	clock := time.Now()
	s.now = func() time.Time { return clock }

	// A steady hum drags the adaptive floor up until the probability reads
	// zero, but its peak amplitude still shows real signal.
	for i := 0; i < 30; i++ {
		s.ProcessFrame(constantFrame(2000, 480))
	}

	clock = clock.Add(5 * time.Second)
	s.ProcessFrame(constantFrame(2000, 480))

	if s.TakeResetPending() {
		t.Fatal("a loud hum must not count as silence for the reset latch")
	}
}

func TestNoiseSuppressor_Reset(t *testing.T) {
	s := NewNoiseSuppressor(DefaultSuppressorConfig(), DefaultCaptureConfig())
	s.ProcessFrame(constantFrame(8000, 480))
	s.Reset()
	if s.SpeechProbability() != 0 {
		t.Error("expected zero probability after Reset")
	}
}
