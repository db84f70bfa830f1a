package audio

import (
	"context"
	"errors"
)

// Device describes one capture device or pseudo-device.
type Device struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Channels   int     `json:"channels"`
	SampleRate float64 `json:"sample_rate"`
}

// Chunk is one self-contained WAV payload cut from a source.
type Chunk struct {
	Seq        uint64
	Data       []byte
	SampleRate int
}

// Source produces audio chunks for feeding a session.
type Source interface {
	Name() string
	Available() bool
	Devices() ([]Device, error)
	// Probe reports the normalized input level in [0, 1].
	Probe(ctx context.Context) (float64, error)
	// Stream emits chunks until ctx ends or the source drains. The channel
	// closes when the source is exhausted.
	Stream(ctx context.Context) (<-chan Chunk, error)
}

// ErrNoAudio is returned by sources that cannot capture anything.
var ErrNoAudio = errors.New("no audio source available")

// NoneSource is the placeholder used when audio capture is disabled.
type NoneSource struct{}

func (NoneSource) Name() string { return "none" }

func (NoneSource) Available() bool { return false }

func (NoneSource) Devices() ([]Device, error) { return nil, nil }

func (NoneSource) Probe(ctx context.Context) (float64, error) { return 0, ErrNoAudio }

func (NoneSource) Stream(ctx context.Context) (<-chan Chunk, error) {
	return nil, ErrNoAudio
}
