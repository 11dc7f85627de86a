package layers

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/tensor"
)

// Conv2D implements a 2D convolution layer over [batch, channels, height, width].
type Conv2D struct {
	weight   *tensor.Tensor // [outputChannels, inputChannels, kernel, kernel]
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a Conv2D layer with Xavier-initialised weights drawn from rng.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, rng *rand.Rand) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, errors.Errorf("invalid Conv2D geometry: in=%d out=%d kernel=%d", inputChannels, outputChannels, kernelSize)
	}
	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	weight, err := xavierUniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, fanIn, fanOut, rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conv weight")
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{weight: weight, stride: stride, padding: padding, training: true}
	if bias {
		b, err := tensor.Zeros([]int{outputChannels})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create conv bias")
		}
		b.SetRequiresGrad(true)
		conv.bias = b
	}
	return conv, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output, err := tensor.Conv2D(input, c.weight, c.stride, c.padding)
	if err != nil {
		return nil, err
	}
	if c.bias != nil {
		return tensor.AddBias(output, c.bias)
	}
	return output, nil
}

// OutputSize returns the spatial size produced for an input of size in.
func (c *Conv2D) OutputSize(in int) int {
	return (in+2*c.padding-c.weight.Shape[2])/c.stride + 1
}

func (c *Conv2D) NamedParameters() []NamedParameter {
	params := []NamedParameter{{Name: "weight", Tensor: c.weight}}
	if c.bias != nil {
		params = append(params, NamedParameter{Name: "bias", Tensor: c.bias})
	}
	return params
}

func (c *Conv2D) Parameters() []*tensor.Tensor { return tensorsOf(c.NamedParameters()) }
func (c *Conv2D) Train()                       { c.training = true }
func (c *Conv2D) Eval()                        { c.training = false }
func (c *Conv2D) IsTraining() bool             { return c.training }

// ResidualBlock computes relu(x + conv(relu(conv(x)))) with two 3x3
// convolutions that keep the channel count and spatial size.
type ResidualBlock struct {
	conv1    *Conv2D
	conv2    *Conv2D
	training bool
}

// NewResidualBlock creates a residual block over the given number of channels.
func NewResidualBlock(channels int, rng *rand.Rand) (*ResidualBlock, error) {
	conv1, err := NewConv2D(channels, channels, 3, 1, 1, true, rng)
	if err != nil {
		return nil, err
	}
	conv2, err := NewConv2D(channels, channels, 3, 1, 1, true, rng)
	if err != nil {
		return nil, err
	}
	return &ResidualBlock{conv1: conv1, conv2: conv2, training: true}, nil
}

func (r *ResidualBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := r.conv1.Forward(input)
	if err != nil {
		return nil, errors.Wrap(err, "residual conv1")
	}
	h, err = r.conv2.Forward(tensor.ReLU(h))
	if err != nil {
		return nil, errors.Wrap(err, "residual conv2")
	}
	sum, err := tensor.Add(h, input)
	if err != nil {
		return nil, errors.Wrap(err, "residual shortcut")
	}
	return tensor.ReLU(sum), nil
}

func (r *ResidualBlock) NamedParameters() []NamedParameter {
	return append(Prefix("conv1", r.conv1.NamedParameters()), Prefix("conv2", r.conv2.NamedParameters())...)
}

func (r *ResidualBlock) Parameters() []*tensor.Tensor { return tensorsOf(r.NamedParameters()) }

func (r *ResidualBlock) Train() {
	r.training = true
	r.conv1.Train()
	r.conv2.Train()
}

func (r *ResidualBlock) Eval() {
	r.training = false
	r.conv1.Eval()
	r.conv2.Eval()
}

func (r *ResidualBlock) IsTraining() bool { return r.training }

// Upsample enlarges feature maps by an integer factor with nearest-neighbour
// interpolation.
type Upsample struct {
	factor   int
	training bool
}

func NewUpsample(factor int) *Upsample { return &Upsample{factor: factor, training: true} }

func (u *Upsample) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.UpsampleNearest(input, u.factor)
}

func (u *Upsample) Parameters() []*tensor.Tensor      { return nil }
func (u *Upsample) NamedParameters() []NamedParameter { return nil }
func (u *Upsample) Train()                            { u.training = true }
func (u *Upsample) Eval()                             { u.training = false }
func (u *Upsample) IsTraining() bool                  { return u.training }
