package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vae"
)

func testExtractor(t *testing.T) *vae.FeatureExtractor {
	t.Helper()
	fe, err := vae.NewFeatureExtractor(1, 4, rand.New(rand.NewSource(110)))
	if err != nil {
		t.Fatalf("NewFeatureExtractor failed: %v", err)
	}
	return fe
}

func testOptions() LossOptions {
	return LossOptions{
		ContentLayer:         "conv_2",
		StyleLayer:           "conv_3",
		MSEReduction:         ReductionSum,
		SpatialStatReduction: ReductionMean,
		AutocorrShift:        2,
	}
}

func randomImages(shape []int, seed int64) *tensor.Tensor {
	x, _ := tensor.RandomUniform(shape, -1, 1, rand.New(rand.NewSource(seed)))
	return x
}

func TestLossIdentity(t *testing.T) {
	for _, normalize := range []bool{false, true} {
		opts := testOptions()
		opts.NormalizeSpatialStats = normalize
		composer, err := NewLossComposer(testExtractor(t), opts)
		if err != nil {
			t.Fatalf("NewLossComposer failed: %v", err)
		}

		x := randomImages([]int{2, 1, 8, 8}, 1)
		mu, _ := tensor.Zeros([]int{2, 3})
		logVar, _ := tensor.Zeros([]int{2, 3})

		res, err := composer.Compute(x, x.Clone(), mu, logVar, LossWeights{MSE: 1, Content: 1, Style: 1, Spst: 1, KLD: 1})
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		v := res.Values()
		for name, got := range map[string]float64{
			"mse": v.MSE, "content": v.Content, "style": v.Style, "spst": v.Spst, "kld": v.KLD, "overall": v.Overall,
		} {
			if math.Abs(got) > 1e-6 {
				t.Errorf("normalize=%v: %s loss = %v, expected 0", normalize, name, got)
			}
		}
	}
}

func TestLossTermValues(t *testing.T) {
	composer, err := NewLossComposer(testExtractor(t), testOptions())
	if err != nil {
		t.Fatal(err)
	}

	x, _ := tensor.Zeros([]int{1, 1, 4, 4})
	recon, _ := tensor.Full([]int{1, 1, 4, 4}, 0.5)
	mu, _ := tensor.NewTensor([]int{1, 2}, []float32{1, 0})
	logVar, _ := tensor.NewTensor([]int{1, 2}, []float32{0, math.Ln2})

	w := LossWeights{MSE: 0.5, Content: 0.2, Style: 0.1, Spst: 0.3, KLD: 2}
	res, err := composer.Compute(x, recon, mu, logVar, w)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	v := res.Values()

	// 16 pixels at squared error 0.25, summed.
	if math.Abs(v.MSE-4) > 1e-5 {
		t.Errorf("mse = %v, expected 4", v.MSE)
	}
	// -½[(1+0-1-1) + (1+ln2-0-2)]
	expectedKLD := -0.5 * ((1 + 0 - 1 - 1) + (1 + math.Log(2) - 2))
	if math.Abs(v.KLD-expectedKLD) > 1e-5 {
		t.Errorf("kld = %v, expected %v", v.KLD, expectedKLD)
	}
	// Constant maps have no spatial structure after centring.
	if math.Abs(v.Spst) > 1e-9 {
		t.Errorf("spst = %v, expected 0 for constant images", v.Spst)
	}

	weighted := w.MSE*v.MSE + w.Content*v.Content + w.Style*v.Style + w.Spst*v.Spst + w.KLD*v.KLD
	if math.Abs(v.Overall-weighted) > 1e-4 {
		t.Errorf("overall = %v, expected weighted sum %v", v.Overall, weighted)
	}

	mean := testOptions()
	mean.MSEReduction = ReductionMean
	composer, _ = NewLossComposer(testExtractor(t), mean)
	res, _ = composer.Compute(x, recon, mu, logVar, w)
	if got := res.Values().MSE; math.Abs(got-0.25) > 1e-6 {
		t.Errorf("mean-reduced mse = %v, expected 0.25", got)
	}
}

func TestSpatialStatsSoftEquality(t *testing.T) {
	x := randomImages([]int{1, 1, 8, 8}, 2)
	recon := randomImages([]int{1, 1, 8, 8}, 3)
	mu, _ := tensor.Zeros([]int{1, 2})
	logVar, _ := tensor.Zeros([]int{1, 2})

	tests := []struct {
		name     string
		eps      float64
		positive bool
	}{
		{"exact comparison", 0, true},
		{"wide band", 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.SoftEqualityEps = tt.eps
			composer, err := NewLossComposer(testExtractor(t), opts)
			if err != nil {
				t.Fatal(err)
			}
			res, err := composer.Compute(x, recon, mu, logVar, LossWeights{Spst: 1})
			if err != nil {
				t.Fatal(err)
			}
			if got := res.Values().Spst; (got > 0) != tt.positive {
				t.Errorf("spst = %v, expected positive=%v", got, tt.positive)
			}
		})
	}

	sumOpts := testOptions()
	sumOpts.SpatialStatReduction = ReductionSum
	meanComposer, _ := NewLossComposer(testExtractor(t), testOptions())
	sumComposer, _ := NewLossComposer(testExtractor(t), sumOpts)
	meanRes, _ := meanComposer.Compute(x, recon, mu, logVar, LossWeights{})
	sumRes, _ := sumComposer.Compute(x, recon, mu, logVar, LossWeights{})
	// 5x5 window, one map
	if ratio := sumRes.Values().Spst / meanRes.Values().Spst; math.Abs(ratio-25) > 1e-3 {
		t.Errorf("sum/mean ratio = %v, expected 25", ratio)
	}
}

func TestLossGradientsStayOutOfExtractor(t *testing.T) {
	fe := testExtractor(t)
	opts := testOptions()
	opts.KeepAutocorrelation = true
	composer, err := NewLossComposer(fe, opts)
	if err != nil {
		t.Fatal(err)
	}

	x := randomImages([]int{2, 1, 8, 8}, 4)
	recon := randomImages([]int{2, 1, 8, 8}, 5)
	recon.SetRequiresGrad(true)
	mu := randomImages([]int{2, 3}, 6)
	mu.SetRequiresGrad(true)
	logVar, _ := tensor.Zeros([]int{2, 3})

	res, err := composer.Compute(x, recon, mu, logVar, LossWeights{MSE: 1, Content: 1, Style: 1, Spst: 1, KLD: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Overall.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if recon.Grad() == nil || mu.Grad() == nil {
		t.Fatal("expected gradients on reconstruction and mu")
	}
	if x.Grad() != nil {
		t.Error("input images should not receive gradients")
	}
	for _, p := range fe.NamedParameters() {
		if p.Tensor.Grad() != nil {
			t.Errorf("frozen extractor weight %s received a gradient", p.Name)
		}
	}

	if res.AutocorrInput == nil || res.AutocorrRecon == nil {
		t.Fatal("autocorrelation maps should be kept")
	}
	if got := res.AutocorrRecon.Shape; got[0] != 2 || got[2] != 5 || got[3] != 5 {
		t.Errorf("autocorrelation shape = %v, expected [2 1 5 5]", got)
	}
	if res.AutocorrRecon.RequiresGrad() {
		t.Error("kept autocorrelation maps must be detached")
	}
}

func TestLossGroups(t *testing.T) {
	composer, _ := NewLossComposer(testExtractor(t), testOptions())
	x := randomImages([]int{1, 1, 8, 8}, 7)
	recon := randomImages([]int{1, 1, 8, 8}, 8)
	mu := randomImages([]int{1, 2}, 9)
	logVar, _ := tensor.Zeros([]int{1, 2})

	w := LossWeights{MSE: 0.7, Spst: 0.3, KLD: 0.5}
	res, _ := composer.Compute(x, recon, mu, logVar, w)
	v := res.Values()

	expected := map[string]float64{
		GroupReconKLD: w.MSE*v.MSE + w.KLD*v.KLD,
		GroupSpst:     w.Spst * v.Spst,
		GroupKLD:      w.KLD * v.KLD,
	}
	for _, name := range GradientGroups {
		g, err := res.Group(name)
		if err != nil {
			t.Fatalf("Group(%s) failed: %v", name, err)
		}
		got, _ := g.Item()
		if math.Abs(float64(got)-expected[name]) > 1e-4 {
			t.Errorf("group %s = %v, expected %v", name, got, expected[name])
		}
	}
	if _, err := res.Group("style"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestNewLossComposerFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*LossOptions)
	}{
		{"unknown content layer", func(o *LossOptions) { o.ContentLayer = "relu_9" }},
		{"unknown style layer", func(o *LossOptions) { o.StyleLayer = "" }},
		{"unknown reduction", func(o *LossOptions) { o.SpatialStatReduction = "max" }},
		{"negative epsilon", func(o *LossOptions) { o.SoftEqualityEps = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.modify(&opts)
			if _, err := NewLossComposer(testExtractor(t), opts); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}
