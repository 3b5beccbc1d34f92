package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Both channels are closed
// when synthesis ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Player renders PCM on the local output device.
type Player interface {
	Play(ctx context.Context, pcm []byte, sampleRate, channels int) error
}
