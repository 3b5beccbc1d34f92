package audio

import (
	"context"
	"fmt"
	"os"
	"time"
)

type fileRecorder struct {
	path string
}

// NewFileRecorder replays a WAV file instead of a live device. The clip keeps
// the file's own sample rate.
func NewFileRecorder(path string) Recorder {
	return &fileRecorder{path: path}
}

func (r *fileRecorder) Record(ctx context.Context, duration time.Duration, _ int) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	f, err := os.Open(r.path)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: open %s: %v", ErrDevice, r.path, err)
	}
	defer f.Close()

	clip, err := DecodeWAV(f)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	if limit := bufferSize(duration, clip.SampleRate); limit > 0 && len(clip.PCM) > limit {
		clip.PCM = clip.PCM[:limit]
	}
	return clip, nil
}

type mockRecorder struct {
	pcm []byte
}

// NewMockRecorder returns pcm on every call, or silence of the requested
// length when pcm is nil.
func NewMockRecorder(pcm []byte) Recorder {
	return &mockRecorder{pcm: pcm}
}

func (m *mockRecorder) Record(ctx context.Context, duration time.Duration, sampleRate int) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	pcm := m.pcm
	if pcm == nil {
		pcm = make([]byte, bufferSize(duration, sampleRate))
	}
	return Clip{PCM: append([]byte(nil), pcm...), SampleRate: sampleRate, Channels: 1}, nil
}
