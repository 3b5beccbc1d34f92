package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

type execRecorder struct {
	cmd      []string
	channels int
	mu       sync.Mutex
}

// NewExecRecorder reads raw PCM from an external capture command such as
// arecord. The command must write S16_LE samples to stdout.
func NewExecRecorder(command string, channels int) (Recorder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if channels <= 0 {
		channels = 1
	}
	return &execRecorder{cmd: args, channels: channels}, nil
}

func (r *execRecorder) Record(ctx context.Context, duration time.Duration, sampleRate int) (Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := bufferSize(duration, sampleRate)
	if size == 0 {
		return Clip{}, fmt.Errorf("%w: zero-length recording requested", ErrDevice)
	}

	// arecord only takes whole seconds; the buffer bounds the real length
	seconds := int(math.Ceil(duration.Seconds()))
	ctx, cancel := context.WithTimeout(ctx, duration+5*time.Second)
	defer cancel()

	args := append([]string{}, r.cmd[1:]...)
	args = append(args,
		"-c", strconv.Itoa(r.channels),
		"-r", strconv.Itoa(sampleRate),
		"-d", strconv.Itoa(seconds),
	)
	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	if err := command.Start(); err != nil {
		return Clip{}, fmt.Errorf("%w: start capture: %v", ErrDevice, err)
	}

	pcm := make([]byte, size)
	n, readErr := io.ReadFull(stdout, pcm)
	cancel()
	waitErr := command.Wait()

	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		return Clip{}, fmt.Errorf("%w: read capture: %v", ErrDevice, readErr)
	}
	n -= n % 2
	if n == 0 {
		if waitErr != nil {
			return Clip{}, fmt.Errorf("%w: capture command failed: %v: %s", ErrDevice, waitErr, stderr.String())
		}
		return Clip{}, fmt.Errorf("%w: no audio captured", ErrDevice)
	}
	return Clip{PCM: pcm[:n], SampleRate: sampleRate, Channels: r.channels}, nil
}
