package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-predict/internal/audio"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, clip audio.Clip) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, cleanup, err := audio.WriteTempWAV(clip, "loqa_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: stt command failed: %v: %s", ErrUnavailable, err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: decode stt response: %v", ErrUnavailable, err)
	}
	if resp.Error != "" {
		return TranscriptResult{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Error)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return TranscriptResult{}, ErrNoSpeech
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}
