package live

import "math"

// pcm16Samples decodes little-endian PCM16 bytes into int16 samples.
func pcm16Samples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return samples
}

// pcm16Bytes encodes int16 samples as little-endian PCM16 bytes.
func pcm16Bytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(uint16(s) >> 8)
	}
	return pcm
}

// CalculateRMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM, normalized to 0.0..1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// CalculateRMSRaw computes RMS in raw int16 units (0..32768). The activity
// detector's energy threshold is expressed in these units.
func CalculateRMSRaw(pcm []byte) float64 {
	return CalculateRMSEnergy(pcm) * 32768.0
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in the PCM
// data, normalized to 0.0..1.0.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 to avoid overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

