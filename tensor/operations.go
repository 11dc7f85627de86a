package tensor

import (
	"fmt"
	"math"
)

func checkSameShape(op string, a, b *Tensor) error {
	if !shapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("%s: tensor shapes must match: %v vs %v", op, a.Shape, b.Shape)
	}
	return nil
}

// AddOp: ∂(a+b)/∂a = 1, ∂(a+b)/∂b = 1
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut, gradOut}
}

// Add returns a + b element-wise.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("Add", a, b); err != nil {
		return nil, err
	}
	out := resultLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return record(out, &AddOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// SubOp: ∂(a-b)/∂a = 1, ∂(a-b)/∂b = -1
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	neg := gradLike(gradOut)
	for i, g := range gradOut.Data {
		neg.Data[i] = -g
	}
	return []*Tensor{gradOut, neg}
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("Sub", a, b); err != nil {
		return nil, err
	}
	out := resultLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return record(out, &SubOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// MulOp: ∂(a*b)/∂a = b, ∂(a*b)/∂b = a
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	gradA := gradLike(a)
	gradB := gradLike(b)
	for i, g := range gradOut.Data {
		gradA.Data[i] = g * b.Data[i]
		gradB.Data[i] = g * a.Data[i]
	}
	return []*Tensor{gradA, gradB}
}

// Mul returns a * b element-wise.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("Mul", a, b); err != nil {
		return nil, err
	}
	out := resultLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return record(out, &MulOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad := gradLike(gradOut)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.factor
	}
	return []*Tensor{grad}
}

// Scale returns a * factor.
func Scale(a *Tensor, factor float64) *Tensor {
	f := float32(factor)
	out := resultLike(a)
	for i, v := range a.Data {
		out.Data[i] = v * f
	}
	return record(out, &ScaleOp{inputs: []*Tensor{a}, factor: f}, a)
}

// AddScalarOp adds a constant; the gradient passes through unchanged.
type AddScalarOp struct {
	inputs []*Tensor
}

func (op *AddScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *AddScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut}
}

// AddScalar returns a + value.
func AddScalar(a *Tensor, value float64) *Tensor {
	v := float32(value)
	out := resultLike(a)
	for i, x := range a.Data {
		out.Data[i] = x + v
	}
	return record(out, &AddScalarOp{inputs: []*Tensor{a}}, a)
}

// SquareOp: ∂a²/∂a = 2a
type SquareOp struct {
	inputs []*Tensor
}

func (op *SquareOp) Inputs() []*Tensor { return op.inputs }

func (op *SquareOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := gradLike(a)
	for i, g := range gradOut.Data {
		grad.Data[i] = 2 * a.Data[i] * g
	}
	return []*Tensor{grad}
}

// Square returns a² element-wise.
func Square(a *Tensor) *Tensor {
	out := resultLike(a)
	for i, v := range a.Data {
		out.Data[i] = v * v
	}
	return record(out, &SquareOp{inputs: []*Tensor{a}}, a)
}

// ExpOp: ∂eᵃ/∂a = eᵃ
type ExpOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *ExpOp) Inputs() []*Tensor { return op.inputs }

func (op *ExpOp) Backward(gradOut *Tensor) []*Tensor {
	grad := gradLike(gradOut)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.output.Data[i]
	}
	return []*Tensor{grad}
}

// Exp returns eᵃ element-wise.
func Exp(a *Tensor) *Tensor {
	out := resultLike(a)
	for i, v := range a.Data {
		out.Data[i] = float32(math.Exp(float64(v)))
	}
	return record(out, &ExpOp{inputs: []*Tensor{a}, output: out}, a)
}

// ReLUOp: ∂ReLU(x)/∂x = 1 if x > 0, else 0
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := gradLike(a)
	for i, g := range gradOut.Data {
		if a.Data[i] > 0 {
			grad.Data[i] = g
		}
	}
	return []*Tensor{grad}
}

func ReLU(a *Tensor) *Tensor {
	out := resultLike(a)
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return record(out, &ReLUOp{inputs: []*Tensor{a}}, a)
}

// SigmoidOp: ∂σ(x)/∂x = σ(x) * (1 - σ(x))
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	grad := gradLike(gradOut)
	for i, g := range gradOut.Data {
		s := op.output.Data[i]
		grad.Data[i] = g * s * (1 - s)
	}
	return []*Tensor{grad}
}

func Sigmoid(a *Tensor) *Tensor {
	out := resultLike(a)
	for i, v := range a.Data {
		out.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	return record(out, &SigmoidOp{inputs: []*Tensor{a}, output: out}, a)
}

// TanhOp: ∂tanh(x)/∂x = 1 - tanh²(x)
type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Inputs() []*Tensor { return op.inputs }

func (op *TanhOp) Backward(gradOut *Tensor) []*Tensor {
	grad := gradLike(gradOut)
	for i, g := range gradOut.Data {
		y := op.output.Data[i]
		grad.Data[i] = g * (1 - y*y)
	}
	return []*Tensor{grad}
}

func Tanh(a *Tensor) *Tensor {
	out := resultLike(a)
	for i, v := range a.Data {
		out.Data[i] = float32(math.Tanh(float64(v)))
	}
	return record(out, &TanhOp{inputs: []*Tensor{a}, output: out}, a)
}

// SumOp reduces every element to a [1] tensor.
type SumOp struct {
	inputs []*Tensor
	scale  float32
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := gradLike(a)
	g := gradOut.Data[0] * op.scale
	for i := range grad.Data {
		grad.Data[i] = g
	}
	return []*Tensor{grad}
}

// Sum returns the sum of all elements as a [1] tensor.
func Sum(a *Tensor) *Tensor {
	var total float64
	for _, v := range a.Data {
		total += float64(v)
	}
	out := FromScalar(total)
	return record(out, &SumOp{inputs: []*Tensor{a}, scale: 1}, a)
}

// Mean returns the mean of all elements as a [1] tensor.
func Mean(a *Tensor) *Tensor {
	var total float64
	for _, v := range a.Data {
		total += float64(v)
	}
	n := float64(a.NumElems)
	out := FromScalar(total / n)
	return record(out, &SumOp{inputs: []*Tensor{a}, scale: float32(1 / n)}, a)
}

// AddBiasOp adds a per-channel bias along dimension 1.
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor { return op.inputs }

func (op *AddBiasOp) Backward(gradOut *Tensor) []*Tensor {
	x, bias := op.inputs[0], op.inputs[1]
	gradBias := gradLike(bias)
	channels := bias.NumElems
	inner := x.NumElems / (x.Shape[0] * channels)
	for b := 0; b < x.Shape[0]; b++ {
		for c := 0; c < channels; c++ {
			base := (b*channels + c) * inner
			var s float32
			for k := 0; k < inner; k++ {
				s += gradOut.Data[base+k]
			}
			gradBias.Data[c] += s
		}
	}
	return []*Tensor{gradOut, gradBias}
}

// AddBias adds bias[c] to every element of channel c of x, where x is
// [batch, channels, ...] and bias is [channels].
func AddBias(x, bias *Tensor) (*Tensor, error) {
	if len(x.Shape) < 2 || len(bias.Shape) != 1 || x.Shape[1] != bias.Shape[0] {
		return nil, fmt.Errorf("AddBias: cannot add bias %v to input %v", bias.Shape, x.Shape)
	}
	out := resultLike(x)
	channels := bias.NumElems
	inner := x.NumElems / (x.Shape[0] * channels)
	for b := 0; b < x.Shape[0]; b++ {
		for c := 0; c < channels; c++ {
			base := (b*channels + c) * inner
			bv := bias.Data[c]
			for k := 0; k < inner; k++ {
				out.Data[base+k] = x.Data[base+k] + bv
			}
		}
	}
	return record(out, &AddBiasOp{inputs: []*Tensor{x, bias}}, x, bias), nil
}

// ViewOp reshapes without copying; the gradient is reshaped back.
type ViewOp struct {
	inputs []*Tensor
}

func (op *ViewOp) Inputs() []*Tensor { return op.inputs }

func (op *ViewOp) Backward(gradOut *Tensor) []*Tensor {
	grad, _ := gradOut.Reshape(op.inputs[0].Shape)
	return []*Tensor{grad}
}

// View reshapes a while keeping it connected to the graph.
func View(a *Tensor, shape []int) (*Tensor, error) {
	out, err := a.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return record(out, &ViewOp{inputs: []*Tensor{a}}, a), nil
}

// DropoutOp zeroes elements through a fixed scaled mask.
type DropoutOp struct {
	inputs []*Tensor
	mask   []float32
}

func (op *DropoutOp) Inputs() []*Tensor { return op.inputs }

func (op *DropoutOp) Backward(gradOut *Tensor) []*Tensor {
	grad := gradLike(gradOut)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.mask[i]
	}
	return []*Tensor{grad}
}

// Dropout applies inverted dropout with the given keep mask source.
// keep(i) is called once per element and reports whether it survives.
func Dropout(a *Tensor, p float64, keep func() bool) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("Dropout: probability %v outside [0, 1)", p)
	}
	scale := float32(1 / (1 - p))
	mask := make([]float32, a.NumElems)
	out := resultLike(a)
	for i, v := range a.Data {
		if keep() {
			mask[i] = scale
			out.Data[i] = v * scale
		}
	}
	return record(out, &DropoutOp{inputs: []*Tensor{a}, mask: mask}, a), nil
}

// DeadZoneOp shrinks values towards zero by eps.
type DeadZoneOp struct {
	inputs []*Tensor
	eps    float32
}

func (op *DeadZoneOp) Inputs() []*Tensor { return op.inputs }

func (op *DeadZoneOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := gradLike(a)
	for i, g := range gradOut.Data {
		if a.Data[i] > op.eps || a.Data[i] < -op.eps {
			grad.Data[i] = g
		}
	}
	return []*Tensor{grad}
}

// DeadZone returns sign(a)·max(|a|-eps, 0): differences inside the ±eps band
// count as equal.
func DeadZone(a *Tensor, eps float64) *Tensor {
	e := float32(eps)
	out := resultLike(a)
	for i, v := range a.Data {
		switch {
		case v > e:
			out.Data[i] = v - e
		case v < -e:
			out.Data[i] = v + e
		}
	}
	return record(out, &DeadZoneOp{inputs: []*Tensor{a}, eps: e}, a)
}
