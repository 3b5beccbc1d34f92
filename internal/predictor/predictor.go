// Package predictor fits and serves the linear model behind every prediction.
package predictor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/loqalabs/loqa-predict/internal/config"
)

var (
	// ErrInsufficientSamples is returned when fewer than two samples are supplied.
	ErrInsufficientSamples = errors.New("predictor: at least two samples required")
	// ErrDegenerateSamples is returned when the samples cannot define a line.
	ErrDegenerateSamples = errors.New("predictor: degenerate samples")
)

// Sample is one training pair.
type Sample struct {
	X float64
	Y float64
}

// DefaultSamples returns the fixed training set, which lies exactly on y = 3x + 1.
func DefaultSamples() []Sample {
	return []Sample{
		{X: -1, Y: -2},
		{X: 0, Y: 1},
		{X: 1, Y: 4},
		{X: 2, Y: 7},
		{X: 3, Y: 10},
		{X: 4, Y: 13},
	}
}

// SamplesFromConfig converts configured pairs into samples.
func SamplesFromConfig(cfg config.ModelConfig) []Sample {
	samples := make([]Sample, 0, len(cfg.Samples))
	for _, s := range cfg.Samples {
		samples = append(samples, Sample{X: s.X, Y: s.Y})
	}
	return samples
}

// Model is a fitted ordinary-least-squares line. It is never mutated after Fit,
// so a single instance can be shared by every request.
type Model struct {
	Slope     float64
	Intercept float64
	R2        float64
	N         int
}

// Fit computes slope and intercept over samples.
func Fit(samples []Sample) (*Model, error) {
	if len(samples) < 2 {
		return nil, ErrInsufficientSamples
	}
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	distinct := false
	for i, s := range samples {
		if !finite(s.X) || !finite(s.Y) {
			return nil, fmt.Errorf("%w: sample %d is not finite", ErrDegenerateSamples, i)
		}
		xs[i], ys[i] = s.X, s.Y
		if s.X != xs[0] {
			distinct = true
		}
	}
	if !distinct {
		return nil, fmt.Errorf("%w: all x values are equal", ErrDegenerateSamples)
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	if !finite(alpha) || !finite(beta) {
		return nil, fmt.Errorf("%w: regression did not converge", ErrDegenerateSamples)
	}
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) {
		// all y equal: the line is exact but variance is zero
		r2 = 1
	}
	return &Model{Slope: beta, Intercept: alpha, R2: r2, N: len(samples)}, nil
}

// Predict evaluates the fitted line at x. Values outside the training range are
// extrapolated.
func (m *Model) Predict(x float64) float64 {
	return m.Intercept + m.Slope*x
}

func (m *Model) String() string {
	return fmt.Sprintf("y = %.4fx + %.4f", m.Slope, m.Intercept)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
