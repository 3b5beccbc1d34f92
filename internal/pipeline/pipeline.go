// Package pipeline turns a voice or text trigger into exactly one reported
// outcome: record, transcribe, parse, predict, announce.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-predict/internal/audio"
	"github.com/loqalabs/loqa-predict/internal/stt"
)

const instrumentationName = "github.com/loqalabs/loqa-predict/pipeline"

// Predictor evaluates the fitted model.
type Predictor interface {
	Predict(x float64) float64
}

// Speaker reads a message aloud and returns when playback ends.
type Speaker interface {
	Speak(ctx context.Context, message string) error
}

type Pipeline struct {
	predictor  Predictor
	recorder   audio.Recorder
	recognizer stt.Recognizer
	speaker    Speaker
	sinks      []Sink

	duration   time.Duration
	sampleRate int
	precision  int

	logger  *slog.Logger
	machine *fsm.FSM
	tracer  trace.Tracer

	outcomes metric.Int64Counter
	stageMS  metric.Float64Histogram

	clock func() time.Time
	newID func() string

	// one trigger runs to completion before the next starts
	mu sync.Mutex
}

type Option func(*Pipeline)

// WithCapture sets the recording length and sample rate for the voice path.
func WithCapture(duration time.Duration, sampleRate int) Option {
	return func(p *Pipeline) {
		p.duration = duration
		p.sampleRate = sampleRate
	}
}

func WithPrecision(precision int) Option {
	return func(p *Pipeline) { p.precision = precision }
}

func WithSinks(sinks ...Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, sinks...) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// New builds a pipeline. speaker may be nil, in which case nothing is spoken.
func New(predictor Predictor, recorder audio.Recorder, recognizer stt.Recognizer, speaker Speaker, opts ...Option) *Pipeline {
	p := &Pipeline{
		predictor:  predictor,
		recorder:   recorder,
		recognizer: recognizer,
		speaker:    speaker,
		duration:   5 * time.Second,
		sampleRate: 44100,
		precision:  defaultValuePrecision,
		logger:     slog.Default(),
		tracer:     otel.Tracer(instrumentationName),
		clock:      time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "pipeline"))
	p.machine = newMachine(p.logger)
	p.initMetrics()
	return p
}

func (p *Pipeline) initMetrics() {
	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter("loqa.predict.outcomes",
		metric.WithDescription("Reported outcomes by kind and source"))
	if err != nil {
		p.logger.Warn("failed to create outcome counter", slogError(err))
	}
	hist, err := meter.Float64Histogram("loqa.predict.stage.duration",
		metric.WithDescription("Pipeline stage latency"),
		metric.WithUnit("ms"))
	if err != nil {
		p.logger.Warn("failed to create stage histogram", slogError(err))
	}
	p.outcomes = counter
	p.stageMS = hist
}

// State returns the current pipeline state.
func (p *Pipeline) State() string {
	return p.machine.Current()
}

// PredictFromVoice records a clip, transcribes it and predicts from the
// transcribed number.
func (p *Pipeline) PredictFromVoice(ctx context.Context) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "pipeline.voice")
	defer span.End()
	defer p.reset(ctx)

	out := p.newOutcome(SourceVoice)

	p.transition(ctx, eventRecord)
	var clip audio.Clip
	err := p.stage(ctx, "record", func(ctx context.Context) error {
		var err error
		clip, err = p.recorder.Record(ctx, p.duration, p.sampleRate)
		return err
	})
	if err == nil && clip.Empty() {
		err = fmt.Errorf("%w: empty clip", audio.ErrDevice)
	}
	if err != nil {
		out.Kind = KindAudioDeviceError
		out.Error = err.Error()
		out.Message = fmt.Sprintf(msgDeviceError, err)
		out.Spoken = msgDeviceErrorSpoken
		return p.report(ctx, span, out)
	}

	p.transition(ctx, eventTranscribe)
	var result stt.TranscriptResult
	err = p.stage(ctx, "transcribe", func(ctx context.Context) error {
		var err error
		result, err = p.recognizer.Transcribe(ctx, clip)
		return err
	})
	switch {
	case err != nil && !errors.Is(err, stt.ErrNoSpeech):
		out.Kind = KindTranscriptionFailed
		out.Error = err.Error()
		out.Message = msgUnavailable
		out.Spoken = msgUnavailable
		return p.report(ctx, span, out)
	case err != nil || strings.TrimSpace(result.Text) == "":
		out.Kind = KindTranscriptionEmpty
		out.Message = msgEmpty
		out.Spoken = msgEmptySpoken
		return p.report(ctx, span, out)
	}

	out.Transcript = result.Text
	out.Input = result.Text
	return p.evaluate(ctx, span, out, msgVoiceInvalid)
}

// PredictFromText parses typed input and predicts from it.
func (p *Pipeline) PredictFromText(ctx context.Context, text string) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "pipeline.text")
	defer span.End()
	defer p.reset(ctx)

	out := p.newOutcome(SourceText)
	out.Input = text
	return p.evaluate(ctx, span, out, msgTextInvalid)
}

// PredictFromTranscript continues the voice path with text that was
// transcribed elsewhere, e.g. by a recognizer node on the bus.
func (p *Pipeline) PredictFromTranscript(ctx context.Context, text string) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "pipeline.transcript")
	defer span.End()
	defer p.reset(ctx)

	out := p.newOutcome(SourceBus)
	if strings.TrimSpace(text) == "" {
		out.Kind = KindTranscriptionEmpty
		out.Message = msgEmpty
		out.Spoken = msgEmptySpoken
		return p.report(ctx, span, out)
	}
	out.Transcript = text
	out.Input = text
	return p.evaluate(ctx, span, out, msgVoiceInvalid)
}

func (p *Pipeline) evaluate(ctx context.Context, span trace.Span, out Outcome, invalidMsg string) Outcome {
	p.transition(ctx, eventParse)
	x, err := ParseNumber(out.Input)
	if err != nil {
		out.Kind = KindInvalidNumber
		out.Error = err.Error()
		out.Message = invalidMsg
		out.Spoken = msgInvalidSpoken
		return p.report(ctx, span, out)
	}

	p.transition(ctx, eventPredict)
	var value float64
	err = p.stage(ctx, "predict", func(context.Context) error {
		value = p.predictor.Predict(x)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("%w: prediction for %q is not finite", ErrOutOfRange, out.Input)
		}
		return nil
	})
	if err != nil {
		out.Kind = KindInvalidNumber
		out.Error = err.Error()
		out.Message = msgOutOfRange
		out.Spoken = msgOutOfRange
		return p.report(ctx, span, out)
	}
	display := FormatValue(value, p.precision)
	out.Kind = KindPrediction
	out.Value = &value
	out.Display = display
	out.Message = fmt.Sprintf(msgPrediction, display)
	out.Spoken = fmt.Sprintf(msgPredictionSpoken, display)
	span.SetAttributes(attribute.Float64("predict.input", x), attribute.Float64("predict.value", value))
	return p.report(ctx, span, out)
}

// report announces the outcome and hands it to every sink. Failures here are
// logged and never change the outcome.
func (p *Pipeline) report(ctx context.Context, span trace.Span, out Outcome) Outcome {
	p.transition(ctx, eventAnnounce)

	// the outcome is final even if the caller has gone away
	ctx = context.WithoutCancel(ctx)

	if p.speaker != nil && out.Spoken != "" {
		if err := p.stage(ctx, "announce", func(ctx context.Context) error {
			return p.speaker.Speak(ctx, out.Spoken)
		}); err != nil {
			p.logger.Warn("announce failed", slogError(err), slog.String("outcome", out.ID))
		}
	}
	for _, sink := range p.sinks {
		if err := sink.Record(ctx, out); err != nil {
			p.logger.Warn("outcome sink failed", slogError(err), slog.String("outcome", out.ID))
		}
	}

	span.SetAttributes(
		attribute.String("outcome.kind", string(out.Kind)),
		attribute.String("outcome.source", string(out.Source)),
	)
	if !out.OK() {
		span.SetStatus(codes.Error, string(out.Kind))
	}
	if p.outcomes != nil {
		p.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(out.Kind)),
			attribute.String("source", string(out.Source)),
		))
	}
	p.logger.Info("outcome reported",
		slog.String("id", out.ID),
		slog.String("source", string(out.Source)),
		slog.String("kind", string(out.Kind)),
		slog.String("message", out.Message))
	return out
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := p.clock()
	err := fn(ctx)
	elapsed := p.clock().Sub(start)

	if p.stageMS != nil {
		p.stageMS.Record(ctx, float64(elapsed)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("stage", name)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) newOutcome(source Source) Outcome {
	return Outcome{ID: p.newID(), Source: source, CreatedAt: p.clock().UTC()}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
