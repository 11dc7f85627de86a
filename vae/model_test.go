package vae

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-vae/tensor"
)

func smallConfig() Config {
	return Config{
		ImageSize:    8,
		Channels:     1,
		BaseChannels: 2,
		FCHidden1:    16,
		FCHidden2:    8,
		EmbedDim:     4,
		DropP:        0.1,
	}
}

func newModel(t *testing.T, cfg Config) *ResNetVAE {
	t.Helper()
	m, err := New(cfg, rand.New(rand.NewSource(110)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestForwardShapes(t *testing.T) {
	m := newModel(t, smallConfig())
	x, _ := tensor.RandomUniform([]int{3, 1, 8, 8}, -1, 1, rand.New(rand.NewSource(1)))

	out, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	checks := []struct {
		name  string
		got   []int
		shape []int
	}{
		{"recon", out.Recon.Shape, []int{3, 1, 8, 8}},
		{"z", out.Z.Shape, []int{3, 4}},
		{"mu", out.Mu.Shape, []int{3, 4}},
		{"logvar", out.LogVar.Shape, []int{3, 4}},
	}
	for _, c := range checks {
		if !equalInts(c.got, c.shape) {
			t.Errorf("%s shape = %v, expected %v", c.name, c.got, c.shape)
		}
	}
	for i, v := range out.Recon.Data {
		if v < -1 || v > 1 || math.IsNaN(float64(v)) {
			t.Fatalf("recon[%d] = %f outside [-1, 1]", i, v)
		}
	}

	bad, _ := tensor.Zeros([]int{1, 1, 4, 4})
	if _, err := m.Forward(bad); err == nil {
		t.Error("Expected error for wrong input size")
	}
}

func TestReparameterizeModes(t *testing.T) {
	m := newModel(t, smallConfig())
	mu, _ := tensor.NewTensor([]int{1, 4}, []float32{1, 2, 3, 4})
	logVar, _ := tensor.Zeros([]int{1, 4})

	m.Eval()
	z, err := m.Reparameterize(mu, logVar)
	if err != nil {
		t.Fatalf("Reparameterize failed: %v", err)
	}
	if z != mu {
		t.Error("Eval mode should return mu")
	}

	m.Train()
	z, _ = m.Reparameterize(mu, logVar)
	if z.Equal(mu) {
		t.Error("Training mode should add noise")
	}
}

func TestDeterministicFromSeed(t *testing.T) {
	a := newModel(t, smallConfig())
	b := newModel(t, smallConfig())
	pa, pb := a.NamedParameters(), b.NamedParameters()
	if len(pa) != len(pb) {
		t.Fatalf("parameter counts differ: %d vs %d", len(pa), len(pb))
	}
	for i := range pa {
		if pa[i].Name != pb[i].Name || !pa[i].Tensor.Equal(pb[i].Tensor) {
			t.Fatalf("parameter %s differs between identically seeded models", pa[i].Name)
		}
	}
}

func TestFreezeBackbone(t *testing.T) {
	cfg := smallConfig()
	full := newModel(t, cfg)
	cfg.FreezeBackbone = true
	frozen := newModel(t, cfg)

	if len(frozen.Parameters()) >= len(full.Parameters()) {
		t.Errorf("frozen model trains %d tensors, full model %d", len(frozen.Parameters()), len(full.Parameters()))
	}
	if len(frozen.NamedParameters()) != len(full.NamedParameters()) {
		t.Error("NamedParameters should include frozen weights")
	}

	x, _ := tensor.RandomUniform([]int{2, 1, 8, 8}, -1, 1, rand.New(rand.NewSource(2)))
	out, err := frozen.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := tensor.Mean(tensor.Square(out.Recon)).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range frozen.NamedParameters() {
		trainable := p.Tensor.RequiresGrad()
		if !trainable && p.Tensor.Grad() != nil {
			t.Errorf("%s is frozen but received a gradient", p.Name)
		}
	}
}

func TestNoGradIsScopedToModel(t *testing.T) {
	cfg := smallConfig()
	cfg.FreezeBackbone = true
	m := newModel(t, cfg)
	other := newModel(t, smallConfig())
	trainable := len(m.Parameters())
	x, _ := tensor.RandomUniform([]int{2, 1, 8, 8}, -1, 1, rand.New(rand.NewSource(5)))

	err := m.NoGrad(func() error {
		out, err := m.Forward(x)
		if err != nil {
			return err
		}
		if out.Recon.RequiresGrad() || out.Mu.RequiresGrad() {
			t.Error("outputs inside NoGrad should not track gradients")
		}
		otherOut, err := other.Forward(x)
		if err != nil {
			return err
		}
		if !otherOut.Recon.RequiresGrad() {
			t.Error("another model should keep recording")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NoGrad failed: %v", err)
	}
	if got := len(m.Parameters()); got != trainable {
		t.Errorf("trainable parameters = %d after NoGrad, expected %d", got, trainable)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"image size not divisible by 4", func(c *Config) { c.ImageSize = 10 }},
		{"zero channels", func(c *Config) { c.Channels = 0 }},
		{"zero embedding", func(c *Config) { c.EmbedDim = 0 }},
		{"dropout of one", func(c *Config) { c.DropP = 1 }},
	}
	for _, test := range tests {
		cfg := smallConfig()
		test.mutate(&cfg)
		if _, err := New(cfg, rand.New(rand.NewSource(1))); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestFeatureExtractor(t *testing.T) {
	fe, err := NewFeatureExtractor(1, 4, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("NewFeatureExtractor failed: %v", err)
	}
	for _, name := range []string{"conv_1", "conv_5"} {
		if !fe.HasLayer(name) {
			t.Errorf("expected layer %s", name)
		}
	}
	if fe.HasLayer("conv_6") {
		t.Error("conv_6 should not exist")
	}

	x, _ := tensor.RandomUniform([]int{2, 1, 8, 8}, -1, 1, rand.New(rand.NewSource(4)))
	x.SetRequiresGrad(true)
	feats, err := fe.Features(x, "conv_2", "conv_4")
	if err != nil {
		t.Fatalf("Features failed: %v", err)
	}
	if got := feats["conv_2"].Shape; !equalInts(got, []int{2, 4, 8, 8}) {
		t.Errorf("conv_2 shape = %v", got)
	}
	if got := feats["conv_4"].Shape; !equalInts(got, []int{2, 8, 4, 4}) {
		t.Errorf("conv_4 shape = %v", got)
	}

	if err := tensor.Sum(feats["conv_4"]).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if x.Grad() == nil {
		t.Error("gradient should reach the input")
	}
	for _, p := range fe.NamedParameters() {
		if p.Tensor.Grad() != nil {
			t.Errorf("%s should stay frozen", p.Name)
		}
	}

	if _, err := fe.Features(x, "relu_1"); err == nil {
		t.Error("Expected error for unknown layer")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
