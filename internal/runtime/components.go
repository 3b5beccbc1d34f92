package runtime

import (
	"fmt"

	"github.com/loqalabs/loqa-predict/internal/audio"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/stt"
)

func newRecorder(cfg config.CaptureConfig) (audio.Recorder, error) {
	switch cfg.Mode {
	case "exec":
		return audio.NewExecRecorder(cfg.Command, cfg.Channels)
	case "file":
		return audio.NewFileRecorder(cfg.File), nil
	case "mock", "":
		return audio.NewMockRecorder(nil), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return stt.NewExecRecognizer(cfg)
	case "http":
		return stt.NewHTTPRecognizer(cfg)
	case "mock", "":
		return stt.NewMockRecognizer(cfg.MockText), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
