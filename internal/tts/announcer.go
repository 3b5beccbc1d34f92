package tts

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-predict/internal/config"
)

// Announcer speaks short messages synchronously: Speak returns once the
// synthesized audio has finished playing.
type Announcer struct {
	synth  Synthesizer
	player Player
	voice  string
	logger *slog.Logger
}

func NewAnnouncer(synth Synthesizer, player Player, voice string, logger *slog.Logger) *Announcer {
	return &Announcer{
		synth:  synth,
		player: player,
		voice:  voice,
		logger: logger.With(slog.String("component", "announcer")),
	}
}

// NewAnnouncerFromConfig wires the synthesizer and player selected by cfg.
// A disabled TTS section yields a nil Announcer, which speaks nothing.
func NewAnnouncerFromConfig(cfg config.TTSConfig, logger *slog.Logger) (*Announcer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var (
		synth  Synthesizer
		player Player
		err    error
	)
	switch cfg.Mode {
	case "exec":
		synth, err = NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		player, err = NewExecPlayer(cfg.PlayerCommand)
		if err != nil {
			return nil, err
		}
	default:
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels)
		player = &RecordingPlayer{}
	}
	return NewAnnouncer(synth, player, cfg.Voice, logger), nil
}

// Speak synthesizes message and plays it.
func (a *Announcer) Speak(ctx context.Context, message string) error {
	if a == nil || strings.TrimSpace(message) == "" {
		return nil
	}
	chunks, errs := a.synth.Synthesize(ctx, SynthRequest{Text: message, Voice: a.voice})

	var pcm bytes.Buffer
	var sampleRate, channels int
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			sampleRate, channels = chunk.SampleRate, chunk.Channels
			pcm.Write(chunk.PCM)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			synthErr = errors.Join(synthErr, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if synthErr != nil {
		return synthErr
	}
	if pcm.Len() == 0 {
		a.logger.Debug("synthesizer produced no audio", slog.Int("chars", len(message)))
		return nil
	}
	return a.player.Play(ctx, pcm.Bytes(), sampleRate, channels)
}
