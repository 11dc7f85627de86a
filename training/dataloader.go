package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-vae/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// DataLoader provides batching, shuffling, and parallel sample loading
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader. Shuffling draws from rng, which is
// required when shuffle is set. Samples of one batch are loaded by up to
// numWorkers goroutines.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, rng *rand.Rand) *DataLoader {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if shuffle && rng == nil {
		panic("training: a shuffling DataLoader needs a random source")
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		rng:        rng,
		indices:    indices,
	}
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return b.Data.Shape[0] }

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the number of samples in an epoch.
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

type sample struct {
	data, label *tensor.Tensor
}

// loadBatch loads the samples at indices and stacks them along a new leading
// dimension.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	samples := make([]sample, len(indices))
	errs := make([]error, len(indices))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(dl.numWorkers, len(indices)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				data, label, err := dl.dataset.Get(indices[i])
				if err != nil {
					errs[i] = fmt.Errorf("failed to load sample %d: %w", indices[i], err)
					continue
				}
				samples[i] = sample{data: data, label: label}
			}
		}()
	}
	for i := range indices {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	first := samples[0]
	batchData, err := tensor.Zeros(append([]int{len(indices)}, first.data.Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
	}
	batchLabels, err := tensor.Zeros(append([]int{len(indices)}, first.label.Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch labels tensor: %w", err)
	}

	for i, s := range samples {
		if err := copyInto(batchData, s.data, i); err != nil {
			return nil, fmt.Errorf("failed to copy data for sample %d: %w", indices[i], err)
		}
		if err := copyInto(batchLabels, s.label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %w", indices[i], err)
		}
	}

	return &Batch{Data: batchData, Labels: batchLabels}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	sampleSize := batchTensor.NumElems / batchTensor.Shape[0]
	if sampleTensor.NumElems != sampleSize {
		return fmt.Errorf("sample size mismatch: expected %d, got %d", sampleSize, sampleTensor.NumElems)
	}
	offset := batchIndex * sampleSize
	copy(batchTensor.Data[offset:offset+sampleSize], sampleTensor.Data)
	return nil
}

// Subset exposes selected samples of a dataset under new indices.
type Subset struct {
	dataset Dataset
	indices []int
}

// NewSubset wraps dataset, exposing the samples at indices in that order.
func NewSubset(dataset Dataset, indices []int) (*Subset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= dataset.Len() {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, dataset.Len())
		}
	}
	return &Subset{dataset: dataset, indices: append([]int(nil), indices...)}, nil
}

// Len returns the number of samples in the subset
func (s *Subset) Len() int {
	return len(s.indices)
}

// Get returns sample idx of the subset.
func (s *Subset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(s.indices) {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(s.indices))
	}
	return s.dataset.Get(s.indices[idx])
}

// Indices returns the underlying dataset indices of the subset.
func (s *Subset) Indices() []int {
	return append([]int(nil), s.indices...)
}

// RandomSplit partitions dataset into a training subset of
// floor(len·trainFraction) samples and a validation subset with the rest,
// drawing the permutation from rng.
func RandomSplit(dataset Dataset, trainFraction float64, rng *rand.Rand) (train, valid *Subset, err error) {
	if trainFraction <= 0 || trainFraction >= 1 {
		return nil, nil, configErrorf("train fraction %v outside (0, 1)", trainFraction)
	}
	n := dataset.Len()
	nTrain := int(float64(n) * trainFraction)
	perm := rng.Perm(n)

	if train, err = NewSubset(dataset, perm[:nTrain]); err != nil {
		return nil, nil, err
	}
	if valid, err = NewSubset(dataset, perm[nTrain:]); err != nil {
		return nil, nil, err
	}
	return train, valid, nil
}
