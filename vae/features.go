package vae

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/layers"
	"github.com/tsawler/go-vae/tensor"
)

// FeatureExtractor is a frozen stack of convolution + ReLU stages used as a
// fixed similarity metric. Stage i is addressable as "conv_i".
type FeatureExtractor struct {
	stages []*layers.Conv2D
	names  []string
}

// NewFeatureExtractor builds five stages over inputs with the given channel
// count; the third stage halves the spatial size. Weights are drawn from rng
// and never receive gradients.
func NewFeatureExtractor(channels, width int, rng *rand.Rand) (*FeatureExtractor, error) {
	if channels <= 0 || width <= 0 {
		return nil, errors.Errorf("feature extractor: invalid channels %d or width %d", channels, width)
	}
	type stage struct{ in, out, stride int }
	stages := []stage{
		{channels, width, 1},
		{width, width, 1},
		{width, 2 * width, 2},
		{2 * width, 2 * width, 1},
		{2 * width, 2 * width, 1},
	}

	fe := &FeatureExtractor{}
	for i, s := range stages {
		conv, err := layers.NewConv2D(s.in, s.out, 3, s.stride, 1, true, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "feature stage %d", i+1)
		}
		layers.SetRequiresGrad(conv, false)
		conv.Eval()
		fe.stages = append(fe.stages, conv)
		fe.names = append(fe.names, fmt.Sprintf("conv_%d", i+1))
	}
	return fe, nil
}

// LayerNames lists the addressable stages in order.
func (fe *FeatureExtractor) LayerNames() []string {
	return append([]string(nil), fe.names...)
}

// HasLayer reports whether name addresses a stage.
func (fe *FeatureExtractor) HasLayer(name string) bool {
	return fe.index(name) >= 0
}

func (fe *FeatureExtractor) index(name string) int {
	for i, n := range fe.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Features runs x through the stages up to the deepest requested one and
// returns the activations of every requested stage. Gradients flow back to x
// but never into the extractor's weights.
func (fe *FeatureExtractor) Features(x *tensor.Tensor, names ...string) (map[string]*tensor.Tensor, error) {
	wanted := make(map[int]string, len(names))
	deepest := -1
	for _, name := range names {
		i := fe.index(name)
		if i < 0 {
			return nil, errors.Errorf("feature extractor has no layer %q (available: %v)", name, fe.names)
		}
		wanted[i] = name
		if i > deepest {
			deepest = i
		}
	}

	out := make(map[string]*tensor.Tensor, len(names))
	h := x
	for i := 0; i <= deepest; i++ {
		conv, err := fe.stages[i].Forward(h)
		if err != nil {
			return nil, errors.Wrapf(err, "feature stage %s", fe.names[i])
		}
		h = tensor.ReLU(conv)
		if name, ok := wanted[i]; ok {
			out[name] = h
		}
	}
	return out, nil
}

// NamedParameters exposes the frozen weights so they can be replaced from a
// checkpoint.
func (fe *FeatureExtractor) NamedParameters() []layers.NamedParameter {
	var params []layers.NamedParameter
	for i, stage := range fe.stages {
		params = append(params, layers.Prefix(fe.names[i], stage.NamedParameters())...)
	}
	return params
}
