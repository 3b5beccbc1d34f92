package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-predict/internal/audio"
	"github.com/loqalabs/loqa-predict/internal/bus"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service is a recognizer node. It buffers audio frames per session and
// publishes the final transcript once the last frame arrives.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	clock      func() time.Time
}

type sessionState struct {
	buffer     []byte
	sampleRate int
	lastSeq    int
	lastSeen   time.Time
	truncated  bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt-service")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
		clock:      time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.ServeBus {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go s.sweepLoop()
	return s.bus.Conn().Flush()
}

func (s *Service) idleTimeout() time.Duration {
	if s.cfg.SessionIdleMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.SessionIdleMS) * time.Millisecond
}

// maxBytes is the mono S16LE buffer size of max_clip_ms at sampleRate.
func (s *Service) maxBytes(sampleRate int) int {
	clipMS := s.cfg.MaxClipMS
	if clipMS <= 0 {
		clipMS = 30000
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return sampleRate * 2 * clipMS / 1000
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.idleTimeout() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops sessions that have not received a frame within the idle timeout.
func (s *Service) sweep() int {
	cutoff := s.clock().Add(-s.idleTimeout())
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, state := range s.sessions {
		if state.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Info("dropped idle audio sessions", slog.Int("count", dropped))
	}
	return dropped
}

func (s *Service) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.ServeBus || s.sub != nil
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("dropping audio frame without session id")
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{sampleRate: frame.SampleRate}
		s.sessions[frame.SessionID] = state
	}
	if frame.Sequence != 0 && frame.Sequence <= state.lastSeq {
		s.mu.Unlock()
		s.logger.Debug("dropping out of order audio frame",
			slog.String("session_id", frame.SessionID),
			slog.Int("sequence", frame.Sequence))
		return
	}
	state.lastSeq = frame.Sequence
	state.lastSeen = s.clock()
	pcm := frame.PCM
	if room := s.maxBytes(state.sampleRate) - len(state.buffer); len(pcm) > room {
		pcm = pcm[:max(room, 0)]
		if !state.truncated {
			state.truncated = true
			s.logger.Warn("audio session exceeds max clip length, truncating",
				slog.String("session_id", frame.SessionID))
		}
	}
	state.buffer = append(state.buffer, pcm...)
	if !frame.Final {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, frame.SessionID)
	s.mu.Unlock()

	clip := audio.Clip{PCM: state.buffer, SampleRate: state.sampleRate, Channels: 1}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(frame.SessionID, clip)
	}()
}

func (s *Service) transcribe(sessionID string, clip audio.Clip) {
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	result, err := s.recognizer.Transcribe(ctx, clip)
	switch {
	case errors.Is(err, ErrNoSpeech):
		// publish empty text so the consumer reports an empty transcription
		result = TranscriptResult{}
	case err != nil:
		s.logger.Warn("stt transcription failed", slogError(err), slog.String("session_id", sessionID))
		return
	}
	s.publishTranscript(sessionID, result)
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult) {
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Timestamp:  s.clock().UTC(),
		Confidence: result.Confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
