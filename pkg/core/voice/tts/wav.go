package tts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavFrames extracts the PCM frames from a complete WAV file by walking the
// RIFF chunk list to the data chunk. Vendors ship every streamed delta as a
// self-contained file, header included.
func wavFrames(wav []byte) ([]byte, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, errors.New("tts: not a RIFF WAVE payload")
	}

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8
		if chunkSize < 0 || body+chunkSize > len(wav) {
			// Streaming encoders sometimes leave the size field stale;
			// take whatever data is actually present.
			chunkSize = len(wav) - body
		}
		if chunkID == "data" {
			return wav[body : body+chunkSize], nil
		}
		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++ // RIFF chunks are word-aligned
		}
	}
	return nil, fmt.Errorf("tts: no data chunk in %d-byte payload", len(wav))
}
