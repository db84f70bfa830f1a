package audio

import (
	"encoding/binary"
	"math"
)

// Level computes the normalized RMS of 16-bit little-endian PCM in [0, 1].
func Level(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(n))
	level := rms / 32768.0
	if level > 1 {
		level = 1
	}
	return level
}
