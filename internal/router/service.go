package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-predict/internal/bus"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
	"github.com/loqalabs/loqa-predict/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Predictor is the part of the pipeline the router drives.
type Predictor interface {
	PredictFromText(ctx context.Context, text string) pipeline.Outcome
	PredictFromTranscript(ctx context.Context, text string) pipeline.Outcome
}

// Service turns bus messages into pipeline triggers. Outcomes are answered
// on the request's reply subject when one is set.
type Service struct {
	cfg            config.RouterConfig
	bus            *bus.Client
	predictor      Predictor
	logger         *slog.Logger
	subRequests    *nats.Subscription
	subTranscripts *nats.Subscription
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, predictor Predictor, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		predictor: predictor,
		logger:    logger.With(slog.String("component", "router")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectPredictRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.subRequests = sub

	subTranscripts, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		_ = s.subRequests.Drain()
		return err
	}
	s.subTranscripts = subTranscripts
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	if s.subRequests != nil {
		_ = s.subRequests.Drain()
	}
	if s.subTranscripts != nil {
		_ = s.subTranscripts.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subRequests != nil && s.subTranscripts != nil)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.PredictRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		// plain text payloads are accepted as well
		req.Text = strings.TrimSpace(string(msg.Data))
	}
	s.dispatch(msg, func(ctx context.Context) pipeline.Outcome {
		return s.predictor.PredictFromText(ctx, req.Text)
	})
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	if transcript.Partial {
		return
	}
	s.dispatch(msg, func(ctx context.Context) pipeline.Outcome {
		return s.predictor.PredictFromTranscript(ctx, transcript.Text)
	})
}

func (s *Service) dispatch(msg *nats.Msg, run func(context.Context) pipeline.Outcome) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := run(s.ctx)
		if msg.Reply == "" {
			return
		}
		if err := s.reply(msg.Reply, out); err != nil {
			s.logger.Warn("router failed to reply", slogError(err), slog.String("outcome_id", out.ID))
		}
	}()
}

func (s *Service) reply(subject string, out pipeline.Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return s.bus.Conn().Publish(subject, data)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
