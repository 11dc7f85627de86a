package dataset

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/tensor"
)

// InMemoryDataset serves pre-built samples. Every image must share one shape
// and every label another.
type InMemoryDataset struct {
	images []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewInMemoryDataset pairs images with labels.
func NewInMemoryDataset(images, labels []*tensor.Tensor) (*InMemoryDataset, error) {
	if len(images) == 0 || len(images) != len(labels) {
		return nil, errors.Wrapf(ErrData, "need matching non-empty images (%d) and labels (%d)", len(images), len(labels))
	}
	for i := range images {
		if !tensor.SameShape(images[i], images[0]) || !tensor.SameShape(labels[i], labels[0]) {
			return nil, errors.Wrapf(ErrData, "sample %d has shape %v/%v, expected %v/%v",
				i, images[i].Shape, labels[i].Shape, images[0].Shape, labels[0].Shape)
		}
	}
	return &InMemoryDataset{images: images, labels: labels}, nil
}

func (d *InMemoryDataset) Len() int { return len(d.images) }

// Get returns copies of sample index.
func (d *InMemoryDataset) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.images) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	return d.images[index].Clone(), d.labels[index].Clone(), nil
}
