package tensor

import (
	"fmt"
	"strings"
)

// Reshape returns a tensor sharing t's data with a different shape.
// One dimension may be -1 and is inferred. The result is not part of the
// autograd graph; use View inside a forward pass.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape, err := inferShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

func inferShape(numElems int, newShape []int) ([]int, error) {
	shape := append([]int(nil), newShape...)
	known := 1
	negOneIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}

	if negOneIdx >= 0 {
		if known == 0 || numElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", numElems, newShape)
		}
		shape[negOneIdx] = numElems / known
		known *= shape[negOneIdx]
	}

	if known != numElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", numElems, newShape, known)
	}
	return shape, nil
}

// Clone deep-copies the data. The clone is a leaf that keeps requiresGrad.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	return t.Data[0], nil
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.linearIndex(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

// SetAt writes the element at the given multi-dimensional index.
func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.linearIndex(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) linearIndex(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	linear := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		linear += idx * t.Strides[i]
	}
	return linear, nil
}

func (t *Tensor) Size() []int {
	result := make([]int, len(t.Shape))
	copy(result, t.Shape)
	return result
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports exact equality of shape and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// Slice returns a copy of rows [start, end) along the first dimension.
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if len(t.Shape) == 0 || start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("invalid slice [%d, %d) of tensor with shape %v", start, end, t.Shape)
	}
	rowSize := t.NumElems / t.Shape[0]
	data := make([]float32, (end-start)*rowSize)
	copy(data, t.Data[start*rowSize:end*rowSize])
	shape := append([]int{end - start}, t.Shape[1:]...)
	return NewTensor(shape, data)
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v)\n", t.Shape))

	if maxElements <= 0 {
		maxElements = 20
	}

	elementsToShow := t.NumElems
	if elementsToShow > maxElements {
		elementsToShow = maxElements
	}

	sb.WriteString("[")
	for i := 0; i < elementsToShow; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")

	return sb.String()
}

// ZeroGrad clears the accumulated gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad == nil {
			continue
		}
		for i := range t.grad.Data {
			t.grad.Data[i] = 0
		}
	}
}
