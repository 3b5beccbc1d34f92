package tts

import (
	"context"
	"sync"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth emits one short silent chunk per request.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		// 10ms of silence per character
		samples := len(req.Text) * m.sampleRate / 100
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, samples*2*m.channels),
			Final:      true,
		}
	}()
	return chunks, errs
}

// RecordingPlayer keeps every played buffer in memory. It backs the mock TTS
// mode and tests.
type RecordingPlayer struct {
	mu     sync.Mutex
	played [][]byte
}

func (p *RecordingPlayer) Play(ctx context.Context, pcm []byte, _, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, append([]byte(nil), pcm...))
	return nil
}

// Played returns how many buffers were played.
func (p *RecordingPlayer) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}
