package training

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vision/dataset"
)

// indexDataset returns n samples whose single pixel and label hold the index.
func indexDataset(t *testing.T, n int) *dataset.InMemoryDataset {
	t.Helper()
	images := make([]*tensor.Tensor, n)
	labels := make([]*tensor.Tensor, n)
	for i := range images {
		images[i], _ = tensor.Full([]int{1, 1, 1}, float32(i))
		labels[i], _ = tensor.Full([]int{1}, float32(i))
	}
	ds, err := dataset.NewInMemoryDataset(images, labels)
	if err != nil {
		t.Fatalf("NewInMemoryDataset failed: %v", err)
	}
	return ds
}

func drain(t *testing.T, dl *DataLoader) (sizes []int, order []int) {
	t.Helper()
	dl.Reset()
	for dl.HasNext() {
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		sizes = append(sizes, batch.Size())
		for i := 0; i < batch.Size(); i++ {
			order = append(order, int(batch.Labels.Data[i]))
			if batch.Data.Data[i] != batch.Labels.Data[i] {
				t.Fatalf("sample %d data %v does not match label %v", i, batch.Data.Data[i], batch.Labels.Data[i])
			}
		}
	}
	if batch, _ := dl.Next(); batch != nil {
		t.Error("Next after the last batch should return nil")
	}
	return sizes, order
}

func TestDataLoaderBatches(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			dl := NewDataLoader(indexDataset(t, 5), 2, false, workers, nil)
			if dl.Len() != 3 || dl.NumSamples() != 5 {
				t.Fatalf("Len = %d, NumSamples = %d", dl.Len(), dl.NumSamples())
			}
			sizes, order := drain(t, dl)
			if fmt.Sprint(sizes) != "[2 2 1]" {
				t.Errorf("batch sizes = %v, expected [2 2 1]", sizes)
			}
			if fmt.Sprint(order) != "[0 1 2 3 4]" {
				t.Errorf("order = %v, expected sequential", order)
			}
		})
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	run := func(seed int64) []int {
		dl := NewDataLoader(indexDataset(t, 8), 3, true, 2, rand.New(rand.NewSource(seed)))
		_, first := drain(t, dl)
		_, second := drain(t, dl)
		return append(first, second...)
	}

	a, b := run(110), run(110)
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Errorf("same seed gave %v and %v", a, b)
	}
	if fmt.Sprint(a[:8]) == fmt.Sprint(a[8:]) {
		t.Error("consecutive epochs should be shuffled differently")
	}
	epoch := append([]int(nil), a[:8]...)
	sort.Ints(epoch)
	if fmt.Sprint(epoch) != "[0 1 2 3 4 5 6 7]" {
		t.Errorf("epoch does not cover every sample once: %v", a[:8])
	}
}

type failingDataset struct{ n int }

func (f failingDataset) Len() int { return f.n }
func (f failingDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	return nil, nil, fmt.Errorf("corrupt sample %d", idx)
}

func TestDataLoaderPropagatesErrors(t *testing.T) {
	dl := NewDataLoader(failingDataset{n: 3}, 2, false, 2, nil)
	dl.Reset()
	if _, err := dl.Next(); err == nil {
		t.Error("expected error from failing dataset")
	}
}

func TestRandomSplit(t *testing.T) {
	ds := indexDataset(t, 4)
	train, valid, err := RandomSplit(ds, 0.7, rand.New(rand.NewSource(110)))
	if err != nil {
		t.Fatalf("RandomSplit failed: %v", err)
	}
	if train.Len() != 2 || valid.Len() != 2 {
		t.Errorf("split = %d/%d, expected 2/2", train.Len(), valid.Len())
	}

	seen := map[int]bool{}
	for _, idx := range append(train.Indices(), valid.Indices()...) {
		if seen[idx] {
			t.Errorf("index %d appears twice", idx)
		}
		seen[idx] = true
	}
	if len(seen) != 4 {
		t.Errorf("split covers %d samples, expected 4", len(seen))
	}

	again, _, _ := RandomSplit(ds, 0.7, rand.New(rand.NewSource(110)))
	if fmt.Sprint(again.Indices()) != fmt.Sprint(train.Indices()) {
		t.Error("split should be reproducible from the seed")
	}

	_, label, err := train.Get(0)
	if err != nil || int(label.Data[0]) != train.Indices()[0] {
		t.Errorf("subset Get returned label %v, err %v", label, err)
	}
	if _, _, err := train.Get(2); err == nil {
		t.Error("expected out-of-range error")
	}

	sizes := []struct {
		n, train int
	}{{10, 7}, {3, 2}, {1, 0}}
	for _, s := range sizes {
		tr, va, _ := RandomSplit(indexDataset(t, s.n), 0.7, rand.New(rand.NewSource(1)))
		if tr.Len() != s.train || va.Len() != s.n-s.train {
			t.Errorf("n=%d: split %d/%d, expected %d/%d", s.n, tr.Len(), va.Len(), s.train, s.n-s.train)
		}
	}

	if _, _, err := RandomSplit(ds, 1, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for fraction 1")
	}
}
