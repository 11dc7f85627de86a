package tensor

import (
	"fmt"
)

// convGeometry describes one Conv2D call.
type convGeometry struct {
	batch, inC, inH, inW int
	outC, kernel         int
	stride, padding      int
	outH, outW           int
}

func (g convGeometry) colRows() int { return g.inC * g.kernel * g.kernel }
func (g convGeometry) colCols() int { return g.outH * g.outW }

// im2col unrolls the receptive fields of one sample into a
// [inC·k·k, outH·outW] matrix.
func (g convGeometry) im2col(x []float32, cols []float32) {
	k := g.kernel
	plane := g.inH * g.inW
	n := g.colCols()
	for ci := 0; ci < g.inC; ci++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ci*k+ki)*k + kj
				dst := cols[row*n : (row+1)*n]
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.stride - g.padding + ki
					for ox := 0; ox < g.outW; ox++ {
						ix := ox*g.stride - g.padding + kj
						if iy < 0 || iy >= g.inH || ix < 0 || ix >= g.inW {
							dst[oy*g.outW+ox] = 0
							continue
						}
						dst[oy*g.outW+ox] = x[ci*plane+iy*g.inW+ix]
					}
				}
			}
		}
	}
}

// col2im scatters a column matrix back onto one sample, adding overlaps.
func (g convGeometry) col2im(cols []float32, x []float32) {
	k := g.kernel
	plane := g.inH * g.inW
	n := g.colCols()
	for ci := 0; ci < g.inC; ci++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ci*k+ki)*k + kj
				src := cols[row*n : (row+1)*n]
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.stride - g.padding + ki
					if iy < 0 || iy >= g.inH {
						continue
					}
					for ox := 0; ox < g.outW; ox++ {
						ix := ox*g.stride - g.padding + kj
						if ix < 0 || ix >= g.inW {
							continue
						}
						x[ci*plane+iy*g.inW+ix] += src[oy*g.outW+ox]
					}
				}
			}
		}
	}
}

// Conv2DOp keeps the unrolled input of every sample for the backward pass.
type Conv2DOp struct {
	inputs []*Tensor
	geom   convGeometry
	cols   [][]float32
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w := op.inputs[0], op.inputs[1]
	g := op.geom
	rows, n := g.colRows(), g.colCols()
	outSize := g.outC * n
	inSize := g.inC * g.inH * g.inW

	var gradX, gradW *Tensor
	if w.requiresGrad {
		gradW = gradLike(w)
	}
	if x.requiresGrad {
		gradX = gradLike(x)
	}

	gradCols := make([]float32, rows*n)
	for b := 0; b < g.batch; b++ {
		gOut := gradOut.Data[b*outSize : (b+1)*outSize]
		if gradW != nil {
			gemm(false, true, 1, gOut, g.outC, n, op.cols[b], rows, n, 1, gradW.Data)
		}
		if gradX != nil {
			gemm(true, false, 1, w.Data, g.outC, rows, gOut, g.outC, n, 0, gradCols)
			g.col2im(gradCols, gradX.Data[b*inSize:(b+1)*inSize])
		}
	}

	return []*Tensor{gradX, gradW}
}

// Conv2D convolves x [batch, inC, H, W] with weight [outC, inC, k, k].
// Bias is applied separately with AddBias.
func Conv2D(x, weight *Tensor, stride, padding int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got %v", x.Shape)
	}
	if len(weight.Shape) != 4 || weight.Shape[2] != weight.Shape[3] {
		return nil, fmt.Errorf("Conv2D expects square 4D weight [outC, inC, k, k], got %v", weight.Shape)
	}
	if weight.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("Conv2D: input has %d channels, weight expects %d", x.Shape[1], weight.Shape[1])
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("Conv2D: invalid stride %d or padding %d", stride, padding)
	}

	g := convGeometry{
		batch: x.Shape[0], inC: x.Shape[1], inH: x.Shape[2], inW: x.Shape[3],
		outC: weight.Shape[0], kernel: weight.Shape[2],
		stride: stride, padding: padding,
	}
	g.outH = (g.inH+2*padding-g.kernel)/stride + 1
	g.outW = (g.inW+2*padding-g.kernel)/stride + 1
	if g.outH <= 0 || g.outW <= 0 {
		return nil, fmt.Errorf("Conv2D: kernel %d does not fit input %dx%d", g.kernel, g.inH, g.inW)
	}

	out, err := Zeros([]int{g.batch, g.outC, g.outH, g.outW})
	if err != nil {
		return nil, err
	}

	rows, n := g.colRows(), g.colCols()
	inSize := g.inC * g.inH * g.inW
	outSize := g.outC * n
	cols := make([][]float32, g.batch)
	for b := 0; b < g.batch; b++ {
		cols[b] = make([]float32, rows*n)
		g.im2col(x.Data[b*inSize:(b+1)*inSize], cols[b])
		gemm(false, false, 1, weight.Data, g.outC, rows, cols[b], rows, n, 0, out.Data[b*outSize:(b+1)*outSize])
	}

	op := &Conv2DOp{inputs: []*Tensor{x, weight}, geom: g}
	out = record(out, op, x, weight)
	if out.creator == op {
		op.cols = cols
	}
	return out, nil
}

// UpsampleOp repeats every pixel factor×factor times.
type UpsampleOp struct {
	inputs []*Tensor
	factor int
}

func (op *UpsampleOp) Inputs() []*Tensor { return op.inputs }

func (op *UpsampleOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := gradLike(x)
	h, w := x.Shape[2], x.Shape[3]
	f := op.factor
	oh, ow := h*f, w*f
	planes := x.Shape[0] * x.Shape[1]
	for p := 0; p < planes; p++ {
		src := gradOut.Data[p*oh*ow : (p+1)*oh*ow]
		dst := grad.Data[p*h*w : (p+1)*h*w]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst[(y/f)*w+xx/f] += src[y*ow+xx]
			}
		}
	}
	return []*Tensor{grad}
}

// UpsampleNearest enlarges the two spatial dimensions of x by factor.
func UpsampleNearest(x *Tensor, factor int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("UpsampleNearest expects 4D input, got %v", x.Shape)
	}
	if factor < 1 {
		return nil, fmt.Errorf("UpsampleNearest: invalid factor %d", factor)
	}
	h, w := x.Shape[2], x.Shape[3]
	oh, ow := h*factor, w*factor
	out, err := Zeros([]int{x.Shape[0], x.Shape[1], oh, ow})
	if err != nil {
		return nil, err
	}
	planes := x.Shape[0] * x.Shape[1]
	for p := 0; p < planes; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*oh*ow : (p+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst[y*ow+xx] = src[(y/factor)*w+xx/factor]
			}
		}
	}
	return record(out, &UpsampleOp{inputs: []*Tensor{x}, factor: factor}, x), nil
}
