package tensor

import (
	"fmt"
	"math"
)

func check4D(op string, x *Tensor) error {
	if len(x.Shape) != 4 {
		return fmt.Errorf("%s expects 4D input [batch, channels, height, width], got %v", op, x.Shape)
	}
	return nil
}

// GramOp: ∂G/∂F = (gradG + gradGᵀ)·F / norm
type GramOp struct {
	inputs []*Tensor
	norm   float32
}

func (op *GramOp) Inputs() []*Tensor { return op.inputs }

func (op *GramOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	b, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	grad := gradLike(x)
	sym := make([]float32, c*c)
	for n := 0; n < b; n++ {
		g := gradOut.Data[n*c*c : (n+1)*c*c]
		for i := 0; i < c; i++ {
			for j := 0; j < c; j++ {
				sym[i*c+j] = g[i*c+j] + g[j*c+i]
			}
		}
		feat := x.Data[n*c*hw : (n+1)*c*hw]
		gemm(false, false, 1/op.norm, sym, c, c, feat, c, hw, 0, grad.Data[n*c*hw:(n+1)*c*hw])
	}
	return []*Tensor{grad}
}

// Gram returns the per-sample Gram matrices [batch, C, C] of feature maps
// [batch, C, H, W], normalised by C·H·W.
func Gram(x *Tensor) (*Tensor, error) {
	if err := check4D("Gram", x); err != nil {
		return nil, err
	}
	b, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	norm := float32(c * hw)
	out, err := Zeros([]int{b, c, c})
	if err != nil {
		return nil, err
	}
	for n := 0; n < b; n++ {
		feat := x.Data[n*c*hw : (n+1)*c*hw]
		gemm(false, true, 1/norm, feat, c, hw, feat, c, hw, 0, out.Data[n*c*c:(n+1)*c*c])
	}
	return record(out, &GramOp{inputs: []*Tensor{x}, norm: norm}, x), nil
}

// CenterMapsOp: the gradient of x - mean(x) is g - mean(g) per map.
type CenterMapsOp struct {
	inputs []*Tensor
}

func (op *CenterMapsOp) Inputs() []*Tensor { return op.inputs }

func (op *CenterMapsOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := gradLike(x)
	centerPlanes(gradOut.Data, grad.Data, x.Shape[2]*x.Shape[3])
	return []*Tensor{grad}
}

func centerPlanes(src, dst []float32, plane int) {
	for start := 0; start < len(src); start += plane {
		var mean float64
		for _, v := range src[start : start+plane] {
			mean += float64(v)
		}
		m := float32(mean / float64(plane))
		for i := start; i < start+plane; i++ {
			dst[i] = src[i] - m
		}
	}
}

// CenterMaps subtracts the spatial mean from every [H, W] map of x.
func CenterMaps(x *Tensor) (*Tensor, error) {
	if err := check4D("CenterMaps", x); err != nil {
		return nil, err
	}
	out := resultLike(x)
	centerPlanes(x.Data, out.Data, x.Shape[2]*x.Shape[3])
	return record(out, &CenterMapsOp{inputs: []*Tensor{x}}, x), nil
}

// AutocorrelationOp differentiates out[s] = Σ_p x[p]·x[p+s] / (H·W).
type AutocorrelationOp struct {
	inputs   []*Tensor
	maxShift int
}

func (op *AutocorrelationOp) Inputs() []*Tensor { return op.inputs }

func (op *AutocorrelationOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	h, w := x.Shape[2], x.Shape[3]
	k := op.maxShift
	side := 2*k + 1
	planes := x.Shape[0] * x.Shape[1]
	inv := 1 / float32(h*w)
	grad := gradLike(x)

	for p := 0; p < planes; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := grad.Data[p*h*w : (p+1)*h*w]
		g := gradOut.Data[p*side*side : (p+1)*side*side]
		for dy := -k; dy <= k; dy++ {
			for dx := -k; dx <= k; dx++ {
				v := g[(dy+k)*side+dx+k] * inv
				if v == 0 {
					continue
				}
				for y := 0; y < h; y++ {
					sy := wrap(y+dy, h)
					for xx := 0; xx < w; xx++ {
						i := y*w + xx
						j := sy*w + wrap(xx+dx, w)
						dst[i] += v * src[j]
						dst[j] += v * src[i]
					}
				}
			}
		}
	}
	return []*Tensor{grad}
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Autocorrelation computes the circular spatial autocorrelation of every map
// of x for shifts in [-maxShift, maxShift]², giving
// [batch, C, 2·maxShift+1, 2·maxShift+1]. The zero shift sits at the centre.
func Autocorrelation(x *Tensor, maxShift int) (*Tensor, error) {
	if err := check4D("Autocorrelation", x); err != nil {
		return nil, err
	}
	h, w := x.Shape[2], x.Shape[3]
	if maxShift < 0 || maxShift >= h || maxShift >= w {
		return nil, fmt.Errorf("Autocorrelation: shift window %d does not fit %dx%d maps", maxShift, h, w)
	}
	k := maxShift
	side := 2*k + 1
	out, err := Zeros([]int{x.Shape[0], x.Shape[1], side, side})
	if err != nil {
		return nil, err
	}
	planes := x.Shape[0] * x.Shape[1]
	inv := 1 / float64(h*w)

	for p := 0; p < planes; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*side*side : (p+1)*side*side]
		for dy := -k; dy <= k; dy++ {
			for dx := -k; dx <= k; dx++ {
				var acc float64
				for y := 0; y < h; y++ {
					row := src[y*w : (y+1)*w]
					shifted := src[wrap(y+dy, h)*w:]
					for xx := 0; xx < w; xx++ {
						acc += float64(row[xx]) * float64(shifted[wrap(xx+dx, w)])
					}
				}
				dst[(dy+k)*side+dx+k] = float32(acc * inv)
			}
		}
	}
	return record(out, &AutocorrelationOp{inputs: []*Tensor{x}, maxShift: k}, x), nil
}

const normEps = 1e-12

// L2NormalizeMapsOp: for y = x/‖x‖, ∂y/∂x·g = (g - y·(y·g)) / ‖x‖
type L2NormalizeMapsOp struct {
	inputs []*Tensor
	output *Tensor
	norms  []float32
}

func (op *L2NormalizeMapsOp) Inputs() []*Tensor { return op.inputs }

func (op *L2NormalizeMapsOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	plane := x.Shape[2] * x.Shape[3]
	grad := gradLike(x)
	for p, n := range op.norms {
		y := op.output.Data[p*plane : (p+1)*plane]
		g := gradOut.Data[p*plane : (p+1)*plane]
		var dot float32
		for i := range y {
			dot += y[i] * g[i]
		}
		dst := grad.Data[p*plane : (p+1)*plane]
		for i := range y {
			dst[i] = (g[i] - y[i]*dot) / n
		}
	}
	return []*Tensor{grad}
}

// L2NormalizeMaps scales every [H, W] map of x to unit Euclidean norm.
func L2NormalizeMaps(x *Tensor) (*Tensor, error) {
	if err := check4D("L2NormalizeMaps", x); err != nil {
		return nil, err
	}
	plane := x.Shape[2] * x.Shape[3]
	planes := x.Shape[0] * x.Shape[1]
	out := resultLike(x)
	norms := make([]float32, planes)
	for p := 0; p < planes; p++ {
		src := x.Data[p*plane : (p+1)*plane]
		var ss float64
		for _, v := range src {
			ss += float64(v) * float64(v)
		}
		n := float32(math.Sqrt(ss + normEps))
		norms[p] = n
		dst := out.Data[p*plane : (p+1)*plane]
		for i, v := range src {
			dst[i] = v / n
		}
	}
	return record(out, &L2NormalizeMapsOp{inputs: []*Tensor{x}, output: out, norms: norms}, x), nil
}
