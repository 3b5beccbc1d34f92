package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidNumber is returned by ParseNumber for text that is not a finite float.
var ErrInvalidNumber = errors.New("invalid number")

// ErrOutOfRange marks a parsed input whose prediction does not fit in a float64.
var ErrOutOfRange = errors.New("prediction out of range")

// Kind classifies how a trigger ended.
type Kind string

const (
	KindPrediction          Kind = "prediction"
	KindTranscriptionEmpty  Kind = "transcription_empty"
	KindTranscriptionFailed Kind = "transcription_failed"
	KindInvalidNumber       Kind = "invalid_number"
	KindAudioDeviceError    Kind = "audio_device_error"
)

// Source names the entry point that produced an outcome.
type Source string

const (
	SourceVoice Source = "voice"
	SourceText  Source = "text"
	SourceBus   Source = "bus"
)

// Outcome is the single result reported to the user for one trigger.
type Outcome struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	Kind       Kind      `json:"kind"`
	Input      string    `json:"input,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Value      *float64  `json:"value,omitempty"`
	Display    string    `json:"display,omitempty"`
	Message    string    `json:"message"`
	Spoken     string    `json:"spoken,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OK reports whether the outcome carries a prediction.
func (o Outcome) OK() bool {
	return o.Kind == KindPrediction && o.Value != nil
}

// Sink receives every outcome once it has been reported.
type Sink interface {
	Record(ctx context.Context, o Outcome) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, o Outcome) error

func (f SinkFunc) Record(ctx context.Context, o Outcome) error { return f(ctx, o) }

const (
	msgPrediction       = "Predicted Output: %s"
	msgPredictionSpoken = "The model predicts %s"

	msgEmpty       = "I couldn't understand your speech. Please try again."
	msgEmptySpoken = "I could not understand. Please try again."

	msgUnavailable = "The speech service is unavailable. Please try again."

	msgVoiceInvalid       = "That doesn't seem to be a valid number."
	msgTextInvalid        = "That is not a valid number."
	msgInvalidSpoken      = "That is not a valid number."
	msgOutOfRange         = "That number is too large to predict from."
	msgDeviceError        = "Could not record audio: %v"
	msgDeviceErrorSpoken  = "I could not record any audio."
	defaultValuePrecision = 6
)

// ParseNumber interprets text as a decimal float. Surrounding whitespace is
// ignored; comma decimals, hex floats, NaN and infinities are rejected.
func ParseNumber(text string) (float64, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, fmt.Errorf("%w: empty input", ErrInvalidNumber)
	}
	digits := strings.TrimLeft(s, "+-")
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrInvalidNumber, s)
	}
	return v, nil
}

// FormatValue rounds v to precision decimals and drops trailing zeros, so
// floating point noise such as 13.000000000000002 prints as 13.
func FormatValue(v float64, precision int) string {
	scale := math.Pow(10, float64(precision))
	scaled := v * scale
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	r := math.Round(scaled) / scale
	if r == 0 {
		r = 0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}
