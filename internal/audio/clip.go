// Package audio captures fixed-duration mono PCM clips and converts them to and
// from WAV containers.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"time"
)

// ErrDevice marks a failure to read from the capture device.
var ErrDevice = errors.New("audio: capture device error")

// Clip is signed 16-bit little-endian PCM.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Recorder captures a clip of roughly the requested duration. Record blocks for
// the length of the recording.
type Recorder interface {
	Record(ctx context.Context, duration time.Duration, sampleRate int) (Clip, error)
}

// Empty reports whether the clip carries no audio.
func (c Clip) Empty() bool {
	return len(c.PCM) < 2
}

// Samples decodes the PCM payload into one int per sample.
func (c Clip) Samples() []int {
	samples := make([]int, len(c.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(c.PCM[i*2:])))
	}
	return samples
}

// Duration is the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := len(c.PCM) / 2 / channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// FromSamples packs samples into a clip.
func FromSamples(samples []int, sampleRate, channels int) Clip {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(clamp16(s))))
	}
	return Clip{PCM: pcm, SampleRate: sampleRate, Channels: channels}
}

// bufferSize is the byte size of a mono 16-bit buffer for duration at sampleRate.
func bufferSize(duration time.Duration, sampleRate int) int {
	samples := int(duration.Seconds() * float64(sampleRate))
	if samples < 0 {
		samples = 0
	}
	return samples * 2
}

func clamp16(v int) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
