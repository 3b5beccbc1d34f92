package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-predict/internal/audio"
)

var (
	// ErrNoSpeech is returned when the backend could not find intelligible speech.
	ErrNoSpeech = errors.New("stt: no speech recognized")
	// ErrUnavailable wraps transport and backend failures.
	ErrUnavailable = errors.New("stt: recognizer unavailable")
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, clip audio.Clip) (TranscriptResult, error)
}

type mockRecognizer struct {
	text string
}

// NewMockRecognizer always returns text.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, _ audio.Clip) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{Text: m.text, Confidence: 1}, nil
}
