package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor      // Returns trainable parameters
	NamedParameters() []NamedParameter // Parameters with stable, checkpointable names
	Train()                            // Sets module to training mode
	Eval()                             // Sets module to evaluation mode
	IsTraining() bool                  // Returns true if in training mode
}

// NamedParameter pairs a parameter tensor with its dotted path inside a model,
// e.g. "encoder.0.weight".
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Prefix returns params with prefix prepended to every name.
func Prefix(prefix string, params []NamedParameter) []NamedParameter {
	out := make([]NamedParameter, len(params))
	for i, p := range params {
		out[i] = NamedParameter{Name: prefix + "." + p.Name, Tensor: p.Tensor}
	}
	return out
}

// tensorsOf strips the names from a parameter list.
func tensorsOf(params []NamedParameter) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Tensor
	}
	return out
}

// SetRequiresGrad switches gradient tracking for every parameter of m.
// Freezing a module keeps its weights fixed during optimisation.
func SetRequiresGrad(m Module, requires bool) {
	for _, p := range m.Parameters() {
		p.SetRequiresGrad(requires)
	}
}

// CountParameters returns the number of scalar parameters in m.
func CountParameters(m Module) int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.NumElems
	}
	return n
}

// xavierUniform fills a new tensor from U(-b, b) with b = sqrt(6/(fanIn+fanOut)).
func xavierUniform(shape []int, fanIn, fanOut int, rng *rand.Rand) (*tensor.Tensor, error) {
	bound := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	return tensor.RandomUniform(shape, -bound, bound, rng)
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor // [inputSize, outputSize]
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier-initialised weights drawn from rng
// and a zero bias.
func NewLinear(inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	weight, err := xavierUniform([]int{inputSize, outputSize}, inputSize, outputSize, rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create weight tensor")
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{weight: weight, training: true}

	if bias {
		b, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create bias tensor")
		}
		b.SetRequiresGrad(true)
		linear.bias = b
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMul(input, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		output, err = tensor.AddBias(output, l.bias)
		if err != nil {
			return nil, errors.Wrap(err, "bias addition failed")
		}
	}
	return output, nil
}

func (l *Linear) NamedParameters() []NamedParameter {
	params := []NamedParameter{{Name: "weight", Tensor: l.weight}}
	if l.bias != nil {
		params = append(params, NamedParameter{Name: "bias", Tensor: l.bias})
	}
	return params
}

func (l *Linear) Parameters() []*tensor.Tensor { return tensorsOf(l.NamedParameters()) }
func (l *Linear) Train()                       { l.training = true }
func (l *Linear) Eval()                        { l.training = false }
func (l *Linear) IsTraining() bool             { return l.training }

// activation wraps a parameter-free element-wise function.
type activation struct {
	fn       func(*tensor.Tensor) *tensor.Tensor
	training bool
}

func (a *activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return a.fn(input), nil
}

func (a *activation) Parameters() []*tensor.Tensor      { return nil }
func (a *activation) NamedParameters() []NamedParameter { return nil }
func (a *activation) Train()                            { a.training = true }
func (a *activation) Eval()                             { a.training = false }
func (a *activation) IsTraining() bool                  { return a.training }

// NewReLU creates a ReLU activation module.
func NewReLU() Module { return &activation{fn: tensor.ReLU, training: true} }

// NewTanh creates a Tanh activation module.
func NewTanh() Module { return &activation{fn: tensor.Tanh, training: true} }

// NewSigmoid creates a Sigmoid activation module.
func NewSigmoid() Module { return &activation{fn: tensor.Sigmoid, training: true} }

// Dropout zeroes activations with probability p in training mode and is the
// identity in evaluation mode.
type Dropout struct {
	p        float64
	rng      *rand.Rand
	training bool
}

// NewDropout creates a Dropout module drawing its masks from rng.
func NewDropout(p float64, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, errors.Errorf("dropout probability %v outside [0, 1)", p)
	}
	if rng == nil {
		return nil, errors.New("dropout requires a random source")
	}
	return &Dropout{p: p, rng: rng, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		return input, nil
	}
	return tensor.Dropout(input, d.p, func() bool { return d.rng.Float64() >= d.p })
}

func (d *Dropout) Parameters() []*tensor.Tensor      { return nil }
func (d *Dropout) NamedParameters() []NamedParameter { return nil }
func (d *Dropout) Train()                            { d.training = true }
func (d *Dropout) Eval()                             { d.training = false }
func (d *Dropout) IsTraining() bool                  { return d.training }

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	training bool
}

func NewFlatten() *Flatten { return &Flatten{training: true} }

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Flatten(input)
}

func (f *Flatten) Parameters() []*tensor.Tensor      { return nil }
func (f *Flatten) NamedParameters() []NamedParameter { return nil }
func (f *Flatten) Train()                            { f.training = true }
func (f *Flatten) Eval()                             { f.training = false }
func (f *Flatten) IsTraining() bool                  { return f.training }

// Sequential allows chaining multiple modules together. Parameters are named
// by the index of their module, e.g. "2.weight".
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d forward", i)
		}
	}
	return output, nil
}

func (s *Sequential) NamedParameters() []NamedParameter {
	var params []NamedParameter
	for i, module := range s.modules {
		params = append(params, Prefix(fmt.Sprint(i), module.NamedParameters())...)
	}
	return params
}

func (s *Sequential) Parameters() []*tensor.Tensor { return tensorsOf(s.NamedParameters()) }

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Len returns the number of modules in the container.
func (s *Sequential) Len() int { return len(s.modules) }
