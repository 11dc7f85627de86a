package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-vae/tensor"
)

func TestGradientMagnitudes(t *testing.T) {
	a := newParam(t, []float32{1, 1})
	b := newParam(t, []float32{1, 1})
	frozen := newParam(t, []float32{5})
	setGrad(t, a, []float32{1, -3})
	setGrad(t, b, []float32{-1, 3})

	stats := GradientMagnitudes([]*tensor.Tensor{a, b, frozen})
	// |g| = {1, 3, 1, 3}: mean 2, sample std sqrt(4/3)
	if math.Abs(stats.Mean-2) > 1e-9 {
		t.Errorf("mean = %v, expected 2", stats.Mean)
	}
	if math.Abs(stats.Std-math.Sqrt(4.0/3)) > 1e-9 {
		t.Errorf("std = %v, expected %v", stats.Std, math.Sqrt(4.0/3))
	}

	if empty := GradientMagnitudes(nil); empty != (GradientStats{}) {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestCollectGroupGradients(t *testing.T) {
	composer, _ := NewLossComposer(testExtractor(t), testOptions())
	x := randomImages([]int{1, 1, 8, 8}, 10)
	recon := randomImages([]int{1, 1, 8, 8}, 11)
	recon.SetRequiresGrad(true)
	mu := randomImages([]int{1, 2}, 12)
	mu.SetRequiresGrad(true)
	logVar, _ := tensor.Zeros([]int{1, 2})
	params := []*tensor.Tensor{recon, mu}

	res, err := composer.Compute(x, recon, mu, logVar, LossWeights{MSE: 1, Spst: 1, KLD: 1})
	if err != nil {
		t.Fatal(err)
	}
	stats, err := collectGroupGradients(res, params)
	if err != nil {
		t.Fatalf("collectGroupGradients failed: %v", err)
	}
	for _, name := range GradientGroups {
		if stats[name].Mean <= 0 {
			t.Errorf("group %s mean = %v, expected positive", name, stats[name].Mean)
		}
	}
	for _, p := range params {
		for _, g := range p.Grad().Data {
			if g != 0 {
				t.Fatal("gradients should be cleared after collection")
			}
		}
	}

	// The overall loss can still be back-propagated afterwards.
	if err := res.Overall.Backward(); err != nil {
		t.Fatalf("Backward after collection failed: %v", err)
	}
}

func TestGradientAccumulator(t *testing.T) {
	acc := NewGradientAccumulator()
	if acc.Mean() != nil {
		t.Error("empty accumulator should have no mean")
	}
	acc.Add(map[string]GradientStats{GroupKLD: {Mean: 1, Std: 2}})
	acc.Add(map[string]GradientStats{GroupKLD: {Mean: 3, Std: 4}})
	if got := acc.Mean()[GroupKLD]; got.Mean != 2 || got.Std != 3 {
		t.Errorf("mean = %+v, expected {2 3}", got)
	}
}

func TestSummarize(t *testing.T) {
	x, _ := tensor.NewTensor([]int{2, 2}, []float32{-1, 0, 1, 4})
	s := Summarize(x)
	if s.Mean != 1 || s.Min != -1 || s.Max != 4 {
		t.Errorf("summary = %+v", s)
	}
	if math.Abs(s.Std-math.Sqrt(14.0/3)) > 1e-9 {
		t.Errorf("std = %v, expected %v", s.Std, math.Sqrt(14.0/3))
	}
}
