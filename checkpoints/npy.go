package checkpoints

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var npyMagic = []byte("\x93NUMPY")

// WriteNPY stores data as a little-endian float32 NumPy array (format
// version 1.0) with the given C-order shape.
func WriteNPY(path string, shape []int, data []float32) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(shape) == 0 || n != len(data) {
		return errors.Errorf("npy: shape %v does not hold %d values", shape, len(data))
	}

	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", tuple)

	// magic(6) + version(2) + length(2) + header + '\n' is padded to 64 bytes
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "npy: create")
	}
	w := bufio.NewWriter(f)

	w.Write(npyMagic)
	w.Write([]byte{1, 0})
	binary.Write(w, binary.LittleEndian, uint16(len(header)))
	w.WriteString(header)
	buf := make([]byte, 4)
	for _, v := range data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		w.Write(buf)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "npy: write")
	}
	return errors.Wrap(f.Close(), "npy: close")
}

var npyShape = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)

// ReadNPY loads an array written by WriteNPY.
func ReadNPY(path string) (shape []int, data []float32, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "npy: read")
	}
	r := bytes.NewReader(raw)

	magic := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic[:len(npyMagic)], npyMagic) {
		return nil, nil, errors.New("npy: bad magic")
	}
	if magic[len(npyMagic)] != 1 {
		return nil, nil, errors.Errorf("npy: unsupported version %d", magic[len(npyMagic)])
	}
	var headerLen uint16
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, errors.Wrap(err, "npy: header length")
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, errors.Wrap(err, "npy: header")
	}
	if !bytes.Contains(header, []byte("'<f4'")) {
		return nil, nil, errors.Errorf("npy: only little-endian float32 arrays are supported: %s", header)
	}

	m := npyShape.FindSubmatch(header)
	if m == nil {
		return nil, nil, errors.Errorf("npy: no shape in header %s", header)
	}
	n := 1
	for _, part := range strings.Split(string(m[1]), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "npy: shape %q", m[1])
		}
		shape = append(shape, d)
		n *= d
	}

	data = make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, nil, errors.Wrap(err, "npy: data")
	}
	return shape, data, nil
}
