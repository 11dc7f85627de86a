package tensor

import (
	"math"
	"testing"
)

func TestMatMul(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, []float32{7, 8, 9, 10, 11, 12})

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	expected := []float32{58, 64, 139, 154}
	for i := range expected {
		if c.Data[i] != expected[i] {
			t.Errorf("c[%d] = %f, expected %f", i, c.Data[i], expected[i])
		}
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("Expected error for mismatched inner dimensions")
	}

	tr, _ := Transpose(a)
	if v, _ := tr.At(2, 1); v != 6 {
		t.Errorf("Transpose(2, 1) = %f, expected 6", v)
	}
}

func TestMatMulGradient(t *testing.T) {
	b := randomTensor([]int{3, 2}, 7)
	numericGradCheck(t, "MatMul lhs", randomTensor([]int{2, 3}, 8), func(x *Tensor) (*Tensor, error) {
		y, err := MatMul(x, b)
		if err != nil {
			return nil, err
		}
		return Sum(Square(y)), nil
	})

	a := randomTensor([]int{2, 3}, 9)
	numericGradCheck(t, "MatMul rhs", randomTensor([]int{3, 2}, 10), func(x *Tensor) (*Tensor, error) {
		y, err := MatMul(a, x)
		if err != nil {
			return nil, err
		}
		return Sum(Square(y)), nil
	})
}

func TestConv2DForward(t *testing.T) {
	// 1x1x3x3 input, 1x1x2x2 kernel of ones: each output sums a 2x2 window
	x, _ := NewTensor([]int{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	w, _ := Ones([]int{1, 1, 2, 2})

	out, err := Conv2D(x, w, 1, 0)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	if out.Shape[2] != 2 || out.Shape[3] != 2 {
		t.Fatalf("Output shape = %v, expected [1 1 2 2]", out.Shape)
	}
	expected := []float32{12, 16, 24, 28}
	for i := range expected {
		if out.Data[i] != expected[i] {
			t.Errorf("out[%d] = %f, expected %f", i, out.Data[i], expected[i])
		}
	}

	padded, err := Conv2D(x, w, 2, 1)
	if err != nil {
		t.Fatalf("Conv2D with padding failed: %v", err)
	}
	// windows at (-1,-1), (-1,1), (1,-1), (1,1)
	expected = []float32{1, 5, 11, 28}
	for i := range expected {
		if padded.Data[i] != expected[i] {
			t.Errorf("padded[%d] = %f, expected %f", i, padded.Data[i], expected[i])
		}
	}

	tests := []struct {
		name string
		w    []int
	}{
		{"channel mismatch", []int{1, 2, 2, 2}},
		{"non-square kernel", []int{1, 1, 2, 3}},
		{"kernel larger than input", []int{1, 1, 5, 5}},
	}
	for _, test := range tests {
		bad, _ := Ones(test.w)
		if _, err := Conv2D(x, bad, 1, 0); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
}

func TestConv2DGradient(t *testing.T) {
	w := randomTensor([]int{3, 2, 3, 3}, 11)
	numericGradCheck(t, "Conv2D input", randomTensor([]int{2, 2, 5, 5}, 12), func(x *Tensor) (*Tensor, error) {
		y, err := Conv2D(x, w, 2, 1)
		if err != nil {
			return nil, err
		}
		return Sum(Square(y)), nil
	})

	x := randomTensor([]int{2, 2, 5, 5}, 13)
	numericGradCheck(t, "Conv2D weight", randomTensor([]int{3, 2, 3, 3}, 14), func(w *Tensor) (*Tensor, error) {
		y, err := Conv2D(x, w, 1, 1)
		if err != nil {
			return nil, err
		}
		return Mean(Square(y)), nil
	})
}

func TestAddBiasGradient(t *testing.T) {
	x := randomTensor([]int{2, 3, 2, 2}, 15)
	numericGradCheck(t, "AddBias", randomTensor([]int{3}, 16), func(b *Tensor) (*Tensor, error) {
		y, err := AddBias(x, b)
		if err != nil {
			return nil, err
		}
		return Sum(Square(y)), nil
	})
}

func TestUpsampleNearest(t *testing.T) {
	x, _ := NewTensor([]int{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	x.SetRequiresGrad(true)

	out, err := UpsampleNearest(x, 2)
	if err != nil {
		t.Fatalf("UpsampleNearest failed: %v", err)
	}
	expected := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	for i := range expected {
		if out.Data[i] != expected[i] {
			t.Errorf("out[%d] = %f, expected %f", i, out.Data[i], expected[i])
		}
	}

	if err := Sum(out).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, g := range x.Grad().Data {
		if math.Abs(float64(g-4)) > 1e-6 {
			t.Errorf("grad[%d] = %f, expected 4", i, g)
		}
	}
}
