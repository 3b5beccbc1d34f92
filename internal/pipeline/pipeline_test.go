package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-predict/internal/audio"
	"github.com/loqalabs/loqa-predict/internal/predictor"
	"github.com/loqalabs/loqa-predict/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingPredictor struct {
	model *predictor.Model
	calls int
}

func (c *countingPredictor) Predict(x float64) float64 {
	c.calls++
	return c.model.Predict(x)
}

type stubRecognizer struct {
	result stt.TranscriptResult
	err    error
	calls  int
}

func (s *stubRecognizer) Transcribe(context.Context, audio.Clip) (stt.TranscriptResult, error) {
	s.calls++
	return s.result, s.err
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, time.Duration, int) (audio.Clip, error) {
	return audio.Clip{}, errors.New("no default input device")
}

type recordingSpeaker struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSpeaker) Speak(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	pipeline   *Pipeline
	predictor  *countingPredictor
	recognizer *stubRecognizer
	speaker    *recordingSpeaker
	recorded   []Outcome
}

func newFixture(t *testing.T, recorder audio.Recorder, result stt.TranscriptResult, sttErr error) *fixture {
	t.Helper()
	model, err := predictor.Fit(predictor.DefaultSamples())
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	f := &fixture{
		predictor:  &countingPredictor{model: model},
		recognizer: &stubRecognizer{result: result, err: sttErr},
		speaker:    &recordingSpeaker{},
	}
	if recorder == nil {
		recorder = audio.NewMockRecorder(nil)
	}
	sink := SinkFunc(func(_ context.Context, o Outcome) error {
		f.recorded = append(f.recorded, o)
		return nil
	})
	f.pipeline = New(f.predictor, recorder, f.recognizer, f.speaker,
		WithCapture(100*time.Millisecond, 8000),
		WithSinks(sink),
		WithLogger(newLogger()),
		WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func TestParseNumber(t *testing.T) {
	for _, in := range []string{"3", "3.0", " 3 ", "\t3\n"} {
		v, err := ParseNumber(in)
		if err != nil || v != 3 {
			t.Fatalf("ParseNumber(%q) = %v, %v; want 3", in, v, err)
		}
	}
	for _, in := range []string{"abc", "", "3,0", "   ", "NaN", "inf", "1e999", "0x1p2", "-0X10", "1_000"} {
		if _, err := ParseNumber(in); !errors.Is(err, ErrInvalidNumber) {
			t.Fatalf("ParseNumber(%q) expected ErrInvalidNumber, got %v", in, err)
		}
	}
}

func TestFormatValue(t *testing.T) {
	cases := map[float64]string{
		13.000000000000002:   "13",
		7:                    "7",
		-2.5:                 "-2.5",
		math.Copysign(0, -1): "0",
		1.23456789:           "1.234568",
	}
	for in, want := range cases {
		if got := FormatValue(in, 6); got != want {
			t.Fatalf("FormatValue(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestTextPathPredicts(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{}, nil)
	out := f.pipeline.PredictFromText(context.Background(), "2")

	if !out.OK() {
		t.Fatalf("expected prediction, got %+v", out)
	}
	if math.Abs(*out.Value-7) > 1e-9 {
		t.Fatalf("expected 7, got %v", *out.Value)
	}
	if out.Message != "Predicted Output: 7" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if len(f.speaker.messages) != 1 || f.speaker.messages[0] != "The model predicts 7" {
		t.Fatalf("unexpected spoken messages %v", f.speaker.messages)
	}
	if f.recognizer.calls != 0 {
		t.Fatal("text path must not transcribe")
	}
	if len(f.recorded) != 1 || f.recorded[0].ID != out.ID {
		t.Fatalf("expected outcome recorded once, got %v", f.recorded)
	}
	if !out.CreatedAt.Equal(fixedNow) {
		t.Fatalf("expected created_at from clock, got %v", out.CreatedAt)
	}
	if f.pipeline.State() != StateIdle {
		t.Fatalf("expected idle after trigger, got %s", f.pipeline.State())
	}
}

func TestTextPathPredictionOutOfRange(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{}, nil)
	out := f.pipeline.PredictFromText(context.Background(), "1e308")

	if out.Kind != KindInvalidNumber || out.Value != nil {
		t.Fatalf("expected invalid number without value, got %+v", out)
	}
	if !strings.Contains(out.Error, ErrOutOfRange.Error()) {
		t.Fatalf("expected out of range detail, got %q", out.Error)
	}
	if out.Message != "That number is too large to predict from." {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if len(f.speaker.messages) != 1 || strings.Contains(f.speaker.messages[0], "predicts") {
		t.Fatalf("a number must not be spoken, got %v", f.speaker.messages)
	}
	if len(f.recorded) != 1 {
		t.Fatalf("expected one recorded outcome, got %d", len(f.recorded))
	}
	if _, err := json.Marshal(out); err != nil {
		t.Fatalf("outcome must encode: %v", err)
	}
	if f.pipeline.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.pipeline.State())
	}
}

func TestTextPathInvalidNumber(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{}, nil)
	out := f.pipeline.PredictFromText(context.Background(), "not a number")

	if out.Kind != KindInvalidNumber {
		t.Fatalf("expected invalid number, got %s", out.Kind)
	}
	if out.Message != "That is not a valid number." {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if f.predictor.calls != 0 {
		t.Fatal("predictor must not be invoked")
	}
	if len(f.speaker.messages) != 1 || f.speaker.messages[0] != "That is not a valid number." {
		t.Fatalf("unexpected spoken messages %v", f.speaker.messages)
	}
	if f.pipeline.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.pipeline.State())
	}
}

func TestVoicePathEmptyTranscription(t *testing.T) {
	for _, text := range []string{"", "   "} {
		f := newFixture(t, nil, stt.TranscriptResult{Text: text}, nil)
		out := f.pipeline.PredictFromVoice(context.Background())

		if out.Kind != KindTranscriptionEmpty {
			t.Fatalf("expected transcription_empty for %q, got %s", text, out.Kind)
		}
		if !strings.Contains(out.Message, "couldn't understand") {
			t.Fatalf("unexpected message %q", out.Message)
		}
		if len(f.speaker.messages) != 1 || f.speaker.messages[0] != "I could not understand. Please try again." {
			t.Fatalf("unexpected spoken messages %v", f.speaker.messages)
		}
		if f.predictor.calls != 0 {
			t.Fatal("predictor must not be invoked")
		}
	}
}

func TestVoicePathNoSpeechError(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{}, stt.ErrNoSpeech)
	out := f.pipeline.PredictFromVoice(context.Background())
	if out.Kind != KindTranscriptionEmpty {
		t.Fatalf("expected transcription_empty, got %s", out.Kind)
	}
}

func TestVoicePathServiceFailureIsDistinct(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{}, errors.New("connection refused"))
	out := f.pipeline.PredictFromVoice(context.Background())
	if out.Kind != KindTranscriptionFailed {
		t.Fatalf("expected transcription_failed, got %s", out.Kind)
	}
	if out.Error == "" {
		t.Fatal("expected error detail")
	}
	if f.predictor.calls != 0 {
		t.Fatal("predictor must not be invoked")
	}
}

func TestVoicePathPredicts(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{Text: "4"}, nil)
	out := f.pipeline.PredictFromVoice(context.Background())

	if !out.OK() || math.Abs(*out.Value-13) > 1e-9 {
		t.Fatalf("expected 13, got %+v", out)
	}
	if out.Transcript != "4" {
		t.Fatalf("expected transcript 4, got %q", out.Transcript)
	}
	if len(f.speaker.messages) != 1 || !strings.Contains(f.speaker.messages[0], "13") {
		t.Fatalf("spoken message should contain 13, got %v", f.speaker.messages)
	}
	if f.pipeline.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.pipeline.State())
	}
}

func TestVoicePathInvalidNumber(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{Text: "four apples"}, nil)
	out := f.pipeline.PredictFromVoice(context.Background())
	if out.Kind != KindInvalidNumber {
		t.Fatalf("expected invalid number, got %s", out.Kind)
	}
	if out.Message != "That doesn't seem to be a valid number." {
		t.Fatalf("voice path should use its own message, got %q", out.Message)
	}
	if out.Transcript != "four apples" {
		t.Fatalf("expected transcript kept, got %q", out.Transcript)
	}
}

func TestVoicePathDeviceError(t *testing.T) {
	f := newFixture(t, failingRecorder{}, stt.TranscriptResult{Text: "4"}, nil)
	out := f.pipeline.PredictFromVoice(context.Background())
	if out.Kind != KindAudioDeviceError {
		t.Fatalf("expected audio device error, got %s", out.Kind)
	}
	if !strings.Contains(out.Message, "no default input device") {
		t.Fatalf("expected device detail in message, got %q", out.Message)
	}
	if f.recognizer.calls != 0 || f.predictor.calls != 0 {
		t.Fatal("capture failure must stop the pipeline")
	}
	if f.pipeline.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.pipeline.State())
	}
}

func TestTranscriptPath(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{}, nil)
	out := f.pipeline.PredictFromTranscript(context.Background(), "-1")
	if !out.OK() || math.Abs(*out.Value+2) > 1e-9 || out.Source != SourceBus {
		t.Fatalf("unexpected outcome %+v", out)
	}
	out = f.pipeline.PredictFromTranscript(context.Background(), "")
	if out.Kind != KindTranscriptionEmpty {
		t.Fatalf("expected transcription_empty, got %s", out.Kind)
	}
}

func TestSinkErrorDoesNotChangeOutcome(t *testing.T) {
	model, _ := predictor.Fit(predictor.DefaultSamples())
	p := New(model, audio.NewMockRecorder(nil), stt.NewMockRecognizer("1"), nil,
		WithLogger(newLogger()),
		WithSinks(SinkFunc(func(context.Context, Outcome) error { return errors.New("disk full") })),
	)
	out := p.PredictFromText(context.Background(), "1")
	if !out.OK() || math.Abs(*out.Value-4) > 1e-9 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestConcurrentTriggersAreSerialized(t *testing.T) {
	f := newFixture(t, nil, stt.TranscriptResult{Text: "3"}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				f.pipeline.PredictFromVoice(context.Background())
			} else {
				f.pipeline.PredictFromText(context.Background(), "3")
			}
		}(i)
	}
	wg.Wait()
	if len(f.recorded) != 8 {
		t.Fatalf("expected 8 outcomes, got %d", len(f.recorded))
	}
	for _, o := range f.recorded {
		if !o.OK() || math.Abs(*o.Value-10) > 1e-9 {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
	if f.pipeline.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.pipeline.State())
	}
}
