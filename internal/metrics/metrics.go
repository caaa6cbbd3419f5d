// Package metrics computes the regression quality measures reported for every epoch: mean squared error,
// affinity weighted mean squared error, mean absolute error and the coefficient of determination (R²).
//
// They are computed on the host, from the collected predictions, with gonum.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}

func residuals(predictions, targets []float64) []float64 {
	if len(predictions) != len(targets) {
		panic(fmt.Sprintf("metrics: %d predictions for %d targets", len(predictions), len(targets)))
	}
	diff := make([]float64, len(predictions))
	floats.SubTo(diff, predictions, targets)
	return diff
}

// MSE returns the mean of the squared differences. It returns NaN for empty inputs.
func MSE(predictions, targets []float64) float64 {
	diff := residuals(predictions, targets)
	if len(diff) == 0 {
		return math.NaN()
	}
	return floats.Dot(diff, diff) / float64(len(diff))
}

// WeightedMSE returns the mean of the squared differences weighted by (target+1), so errors on strong binders
// weigh more.
func WeightedMSE(predictions, targets []float64) float64 {
	diff := residuals(predictions, targets)
	if len(diff) == 0 {
		return math.NaN()
	}
	weights := make([]float64, len(targets))
	floats.AddConst(1, floats.AddTo(weights, weights, targets))
	floats.Mul(diff, diff)
	return floats.Dot(diff, weights) / float64(len(diff))
}

// MAE returns the mean of the absolute differences.
func MAE(predictions, targets []float64) float64 {
	diff := residuals(predictions, targets)
	if len(diff) == 0 {
		return math.NaN()
	}
	return floats.Norm(diff, 1) / float64(len(diff))
}

// R2 returns the coefficient of determination, 1 - SS_res/SS_tot.
//
// It is NaN when the targets have no variance (including a single target), and it can be arbitrarily negative
// for predictions worse than the targets' mean.
func R2(predictions, targets []float64) float64 {
	diff := residuals(predictions, targets)
	if len(diff) == 0 {
		return math.NaN()
	}
	mean := stat.Mean(targets, nil)
	var ssTot float64
	for _, t := range targets {
		ssTot += (t - mean) * (t - mean)
	}
	if ssTot == 0 {
		return math.NaN()
	}
	return 1 - floats.Dot(diff, diff)/ssTot
}

// Summary of the quality of a set of predictions.
type Summary struct {
	// N is the number of examples.
	N int

	MSE, WMSE, MAE, R2 float64

	// Loss is the mean training loss as reported by the model, which depends on the loss function chosen.
	// It is NaN if not set.
	Loss float64
}

// Summarize predictions against targets.
func Summarize(predictions, targets []float64) Summary {
	return Summary{
		N:    len(targets),
		MSE:  MSE(predictions, targets),
		WMSE: WeightedMSE(predictions, targets),
		MAE:  MAE(predictions, targets),
		R2:   R2(predictions, targets),
		Loss: math.NaN(),
	}
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("W_MSE: %7.5f|  MSE: %7.5f|  MAE: %7.5f|  R2: %7.5f", s.WMSE, s.MSE, s.MAE, s.R2)
}

// Scalars returns the summary as a map of named values, with the given prefix (e.g.: "train/").
func (s Summary) Scalars(prefix string) map[string]float64 {
	m := map[string]float64{
		prefix + "mse":  s.MSE,
		prefix + "wmse": s.WMSE,
		prefix + "mae":  s.MAE,
		prefix + "r2":   s.R2,
	}
	if !math.IsNaN(s.Loss) {
		m[prefix+"loss"] = s.Loss
	}
	return m
}

// Collector accumulates (prediction, target) pairs and the sum of the batch losses over an epoch.
// The zero value is ready to use.
type Collector struct {
	Predictions, Targets []float64
	lossSum              float64
	lossCount            int
}

// Add a batch of predictions and their targets.
func (c *Collector) Add(predictions, targets []float32) {
	if len(predictions) != len(targets) {
		panic(fmt.Sprintf("metrics: %d predictions for %d targets", len(predictions), len(targets)))
	}
	c.Predictions = append(c.Predictions, toFloat64(predictions)...)
	c.Targets = append(c.Targets, toFloat64(targets)...)
}

// AddLoss records the mean loss of one batch of n examples.
func (c *Collector) AddLoss(loss float32, n int) {
	c.lossSum += float64(loss) * float64(n)
	c.lossCount += n
}

// Len returns the number of pairs collected.
func (c *Collector) Len() int { return len(c.Targets) }

// Reset clears the collector for reuse, keeping the allocated space.
func (c *Collector) Reset() {
	c.Predictions = c.Predictions[:0]
	c.Targets = c.Targets[:0]
	c.lossSum, c.lossCount = 0, 0
}

// Summary of the pairs collected so far.
func (c *Collector) Summary() Summary {
	s := Summarize(c.Predictions, c.Targets)
	if c.lossCount > 0 {
		s.Loss = c.lossSum / float64(c.lossCount)
	}
	return s
}
