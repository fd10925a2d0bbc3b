package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	// SampleRate is the PCM rate expected by the realtime endpoint.
	SampleRate = 24000
	// ChunkDuration is how much audio each hardware buffer carries.
	ChunkDuration = 250 * time.Millisecond
	// BytesPerSample for mono 16-bit PCM.
	BytesPerSample = 2
)

// ErrDeviceNotFound is returned when a named device is not present.
var ErrDeviceNotFound = errors.New("audio device not found")

// Capture defines the interface for audio capture
type Capture interface {
	// Start opens deviceID ("" = system default) and delivers mono int16
	// buffers of frames samples on out until ctx is cancelled. Read failures
	// after a successful open are sent on errs and end the stream.
	Start(ctx context.Context, deviceID string, sampleRate, frames int, out chan<- []int16, errs chan<- error) error
	Stop() error
	ListDevices() ([]AudioDevice, error)
	Close() error
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"isDefault"`
}

// Chunk is one hardware buffer of mono PCM16 audio.
type Chunk struct {
	Samples    []int16
	Seq        uint64
	Level      float32
	CapturedAt time.Time
}

// Bytes returns the chunk as little-endian PCM16.
func (c Chunk) Bytes() []byte {
	return PCM16Bytes(c.Samples)
}

// FramesPerChunk returns the sample count of one ChunkDuration buffer.
func FramesPerChunk(sampleRate int) int {
	return sampleRate * int(ChunkDuration/time.Millisecond) / 1000
}

// RMS returns the root mean square of samples normalised to [0,1].
func RMS(samples []int16) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	level := math.Sqrt(sum/float64(len(samples))) / math.MaxInt16
	if level > 1 {
		level = 1
	}
	return float32(level)
}

// PCM16Bytes encodes samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
