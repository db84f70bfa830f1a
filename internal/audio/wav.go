package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavSource replays a WAV file as a sequence of standalone WAV chunks,
// paced at the configured interval like a live capture would be.
type WavSource struct {
	path     string
	interval time.Duration
}

// NewWavSource creates a file-backed source. intervalMS controls chunk
// duration and pacing.
func NewWavSource(path string, intervalMS int) *WavSource {
	if intervalMS <= 0 {
		intervalMS = 1000
	}
	return &WavSource{
		path:     path,
		interval: time.Duration(intervalMS) * time.Millisecond,
	}
}

func (s *WavSource) Name() string { return "wav" }

func (s *WavSource) Available() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

func (s *WavSource) Devices() ([]Device, error) {
	_, rate, channels, err := s.decode()
	if err != nil {
		return nil, err
	}
	return []Device{{
		Index:      0,
		Name:       s.path,
		Channels:   channels,
		SampleRate: float64(rate),
	}}, nil
}

// Probe reports the normalized RMS level over the whole file.
func (s *WavSource) Probe(ctx context.Context) (float64, error) {
	samples, _, _, err := s.decode()
	if err != nil {
		return 0, err
	}
	return Level(samplesToPCM(samples)), nil
}

// Stream cuts the file into interval-sized windows, each wrapped as a
// standalone WAV payload, and emits them on a ticker.
func (s *WavSource) Stream(ctx context.Context) (<-chan Chunk, error) {
	samples, rate, channels, err := s.decode()
	if err != nil {
		return nil, err
	}

	window := rate * channels * int(s.interval/time.Millisecond) / 1000
	if window <= 0 {
		window = rate * channels
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		var seq uint64
		for start := 0; start < len(samples); start += window {
			end := start + window
			if end > len(samples) {
				end = len(samples)
			}
			payload, err := encodeWav(samples[start:end], rate, channels)
			if err != nil {
				return
			}
			seq++
			select {
			case out <- Chunk{Seq: seq, Data: payload, SampleRate: rate}:
			case <-ctx.Done():
				return
			}
			if end >= len(samples) {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *WavSource) decode() ([]int, int, int, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, 0, fmt.Errorf("wav file %s has no samples", s.path)
	}
	return buf.Data, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

// encodeWav wraps samples in a WAV container in memory.
func encodeWav(samples []int, rate, channels int) ([]byte, error) {
	mem := &memWriteSeeker{}
	enc := wav.NewEncoder(mem, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:   samples,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return mem.Bytes(), nil
}

func samplesToPCM(samples []int) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm
}

// memWriteSeeker backs the wav encoder, which needs seeking to patch the
// RIFF header after writing.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = m.pos + int(offset)
	case io.SeekEnd:
		next = len(m.buf) + int(offset)
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	m.pos = next
	return int64(next), nil
}

func (m *memWriteSeeker) Bytes() []byte {
	return m.buf
}
