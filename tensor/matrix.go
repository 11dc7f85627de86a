package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = alpha·op(a)·op(b) + beta·c on row-major buffers, where
// a is stored as aRows×aCols and b as bRows×bCols.
func gemm(transA, transB bool, alpha float32, a []float32, aRows, aCols int, b []float32, bRows, bCols int, beta float32, c []float32) {
	tA, tB := blas.NoTrans, blas.NoTrans
	m, n := aRows, bCols
	if transA {
		tA = blas.Trans
		m = aCols
	}
	if transB {
		tB = blas.Trans
		n = bRows
	}
	blas32.Gemm(tA, tB, alpha, general(aRows, aCols, a), general(bRows, bCols, b), beta, general(m, n, c))
}

// MatMulOp: ∂(A @ B)/∂A = gradOut @ Bᵀ, ∂(A @ B)/∂B = Aᵀ @ gradOut
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]

	var gradA, gradB *Tensor
	if a.requiresGrad {
		gradA = gradLike(a)
		gemm(false, true, 1, gradOut.Data, m, n, b.Data, k, n, 0, gradA.Data)
	}
	if b.requiresGrad {
		gradB = gradLike(b)
		gemm(true, false, 1, a.Data, m, k, gradOut.Data, m, n, 0, gradB.Data)
	}
	return []*Tensor{gradA, gradB}
}

// MatMul multiplies a [m, k] matrix by a [k, n] matrix.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("MatMul: inner dimensions do not match: %v @ %v", a.Shape, b.Shape)
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out, err := Zeros([]int{m, n})
	if err != nil {
		return nil, err
	}
	gemm(false, false, 1, a.Data, m, k, b.Data, k, n, 0, out.Data)

	return record(out, &MatMulOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// Transpose returns a copy of a 2D tensor with its dimensions swapped.
// The result is not part of the autograd graph.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return out, nil
}

// Flatten keeps the first dimension and folds the rest, staying in the graph.
func Flatten(t *Tensor) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("Flatten requires at least 2 dimensions, got %v", t.Shape)
	}
	return View(t, []int{t.Shape[0], -1})
}
