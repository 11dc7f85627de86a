package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vision/preprocessing"
)

// Names of the supported synthetic datasets and their directories under data/.
const (
	Shapes = "shapes"
	Lines  = "lines"
)

var dataDirs = map[string]string{
	Shapes: "raw",
	Lines:  "lines",
}

// ErrData marks a dataset that is missing or malformed.
var ErrData = errors.New("dataset error")

// CSVDataset is an image dataset described by a labels.csv file. The first
// column names an image file inside the image directory; every further column
// is a label. Numeric columns are parsed as floats, anything else is mapped to
// the index of its first appearance in that column.
type CSVDataset struct {
	name       string
	imageDir   string
	files      []string
	labels     [][]float32
	labelNames []string
	categories []map[string]int

	processor *preprocessing.ImageProcessor
	cache     *CacheManager
}

// Open loads a named dataset ("shapes" or "lines") below root, reading
// root/data/<dir>/labels.csv and images from root/data/<dir>/shape_images.
func Open(name, root string, processor *preprocessing.ImageProcessor, cacheSize int) (*CSVDataset, error) {
	dir, ok := dataDirs[name]
	if !ok {
		return nil, errors.Wrapf(ErrData, "unknown dataset %q", name)
	}
	base := filepath.Join(root, "data", dir)
	ds, err := NewCSVDataset(filepath.Join(base, "labels.csv"), filepath.Join(base, "shape_images"), processor, cacheSize)
	if err != nil {
		return nil, err
	}
	ds.name = name
	return ds, nil
}

// NewShapesDataset opens the shapes dataset (data/raw) below root.
func NewShapesDataset(root string, processor *preprocessing.ImageProcessor, cacheSize int) (*CSVDataset, error) {
	return Open(Shapes, root, processor, cacheSize)
}

// NewLinesDataset opens the lines dataset (data/lines) below root.
func NewLinesDataset(root string, processor *preprocessing.ImageProcessor, cacheSize int) (*CSVDataset, error) {
	return Open(Lines, root, processor, cacheSize)
}

// NewCSVDataset reads labelsPath and checks that every referenced image exists.
func NewCSVDataset(labelsPath, imageDir string, processor *preprocessing.ImageProcessor, cacheSize int) (*CSVDataset, error) {
	f, err := os.Open(labelsPath)
	if err != nil {
		return nil, errors.Wrapf(ErrData, "open labels: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrapf(ErrData, "read header of %s: %v", labelsPath, err)
	}
	if len(header) < 1 {
		return nil, errors.Wrapf(ErrData, "%s has an empty header", labelsPath)
	}

	ds := &CSVDataset{
		name:       filepath.Base(filepath.Dir(labelsPath)),
		imageDir:   imageDir,
		labelNames: header[1:],
		categories: make([]map[string]int, len(header)-1),
		processor:  processor,
		cache:      NewCacheManager(cacheSize),
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrData, "read %s: %v", labelsPath, err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(ErrData, "%s lists no images", labelsPath)
	}

	numeric := make([]bool, len(ds.labelNames))
	for c := range numeric {
		numeric[c] = true
		for _, row := range rows {
			if _, err := strconv.ParseFloat(strings.TrimSpace(row[c+1]), 64); err != nil {
				numeric[c] = false
				break
			}
		}
	}

	for _, row := range rows {
		path := filepath.Join(imageDir, row[0])
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(ErrData, "image %s: %v", row[0], err)
		}
		label := make([]float32, len(ds.labelNames))
		for c := range label {
			cell := strings.TrimSpace(row[c+1])
			if numeric[c] {
				v, _ := strconv.ParseFloat(cell, 64)
				label[c] = float32(v)
				continue
			}
			if ds.categories[c] == nil {
				ds.categories[c] = make(map[string]int)
			}
			idx, ok := ds.categories[c][cell]
			if !ok {
				idx = len(ds.categories[c])
				ds.categories[c][cell] = idx
			}
			label[c] = float32(idx)
		}
		ds.files = append(ds.files, row[0])
		ds.labels = append(ds.labels, label)
	}

	return ds, nil
}

// Len returns the number of items in the dataset
func (d *CSVDataset) Len() int {
	return len(d.files)
}

// Get decodes image index into a [1, size, size] tensor and returns its label
// vector. Decoded images are cached.
func (d *CSVDataset) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.files) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.files))
	}
	path := filepath.Join(d.imageDir, d.files[index])
	size := d.processor.TargetSize()

	data, ok := d.cache.Get(path)
	if !ok {
		img, err := d.processor.LoadFile(path)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrData, "%v", err)
		}
		data = img.Data
		d.cache.Put(path, data)
	}

	image, err := tensor.NewTensor([]int{1, size, size}, append([]float32(nil), data...))
	if err != nil {
		return nil, nil, err
	}
	values := append([]float32(nil), d.labels[index]...)
	if len(values) == 0 {
		values = []float32{float32(index)}
	}
	label, err := tensor.NewTensor([]int{len(values)}, values)
	if err != nil {
		return nil, nil, err
	}
	return image, label, nil
}

// Name returns the dataset name.
func (d *CSVDataset) Name() string { return d.name }

// LabelNames returns the label column names in label-vector order. A file
// without label columns yields the sample index as its only label.
func (d *CSVDataset) LabelNames() []string {
	if len(d.labelNames) == 0 {
		return []string{"index"}
	}
	return append([]string(nil), d.labelNames...)
}

// Categories returns the value-to-index mapping of a categorical label column,
// or nil for numeric columns.
func (d *CSVDataset) Categories(column string) map[string]int {
	for i, name := range d.labelNames {
		if name == column {
			return d.categories[i]
		}
	}
	return nil
}

// CacheStats reports decode cache usage.
func (d *CSVDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

func (d *CSVDataset) String() string {
	return fmt.Sprintf("CSVDataset(%s): %d samples, labels %v", d.name, len(d.files), d.labelNames)
}
