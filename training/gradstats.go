package training

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-vae/tensor"
)

// GradientStats summarises absolute gradient values across parameters.
type GradientStats struct {
	Mean float64
	Std  float64
}

// GradientMagnitudes collects |grad| of every parameter that has one and
// returns their mean and standard deviation.
func GradientMagnitudes(params []*tensor.Tensor) GradientStats {
	var mags []float64
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for _, v := range g.Data {
			mags = append(mags, math.Abs(float64(v)))
		}
	}
	if len(mags) == 0 {
		return GradientStats{}
	}
	mean, std := stat.MeanStdDev(mags, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return GradientStats{Mean: mean, Std: std}
}

// collectGroupGradients measures each loss group separately: for every group
// it clears the gradients, back-propagates the weighted group loss and
// records the magnitudes. Gradients are left cleared.
func collectGroupGradients(res *LossResult, params []*tensor.Tensor) (map[string]GradientStats, error) {
	stats := make(map[string]GradientStats, len(GradientGroups))
	for _, name := range GradientGroups {
		tensor.ZeroGrad(params)
		group, err := res.Group(name)
		if err != nil {
			return nil, err
		}
		if group.RequiresGrad() {
			if err := group.Backward(); err != nil {
				return nil, err
			}
		}
		stats[name] = GradientMagnitudes(params)
	}
	tensor.ZeroGrad(params)
	return stats, nil
}

// GradientAccumulator sums per-group statistics over the batches of an epoch.
type GradientAccumulator struct {
	sums    map[string]GradientStats
	batches int
}

func NewGradientAccumulator() *GradientAccumulator {
	return &GradientAccumulator{sums: make(map[string]GradientStats)}
}

func (a *GradientAccumulator) Add(stats map[string]GradientStats) {
	for name, s := range stats {
		sum := a.sums[name]
		sum.Mean += s.Mean
		sum.Std += s.Std
		a.sums[name] = sum
	}
	a.batches++
}

// Mean returns the per-batch average of every group, or nil if nothing was added.
func (a *GradientAccumulator) Mean() map[string]GradientStats {
	if a.batches == 0 {
		return nil
	}
	out := make(map[string]GradientStats, len(a.sums))
	for name, s := range a.sums {
		out[name] = GradientStats{Mean: s.Mean / float64(a.batches), Std: s.Std / float64(a.batches)}
	}
	return out
}

// Summary is a distributional summary of a tensor's values.
type Summary struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Summarize computes mean, standard deviation, min and max of t.
func Summarize(t *tensor.Tensor) Summary {
	if t == nil || len(t.Data) == 0 {
		return Summary{}
	}
	values := make([]float64, len(t.Data))
	for i, v := range t.Data {
		values[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return Summary{Mean: mean, Std: std, Min: floats.Min(values), Max: floats.Max(values)}
}
