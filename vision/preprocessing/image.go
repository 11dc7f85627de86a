package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ImageProcessor turns encoded images into normalised grayscale CHW float32
// data in [-1, 1]. It is safe for concurrent use.
type ImageProcessor struct {
	mu            sync.Mutex
	grayBuffer    *image.Gray
	targetSize    int
	threshold     float32
	thresholdUsed bool
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize}
}

// WithThreshold enables the threshold transform: after normalisation the
// image is binarised, pixels above thr255/255 become 1 and the rest 0.
func (p *ImageProcessor) WithThreshold(thr255 int) *ImageProcessor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threshold = float32(thr255) / 255
	p.thresholdUsed = thr255 > 0
	return p
}

// TargetSize returns the side length of processed images.
func (p *ImageProcessor) TargetSize() int { return p.targetSize }

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a PNG or JPEG image, converts it to grayscale,
// resizes it with nearest-neighbour sampling, normalises with mean 0.5 and
// std 0.5 and applies the threshold transform if enabled.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("image has no pixels")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.grayBuffer == nil || p.grayBuffer.Bounds().Dx() != p.targetSize {
		p.grayBuffer = image.NewGray(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	target := p.grayBuffer

	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)
	for y := 0; y < p.targetSize; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < p.targetSize; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}
			target.Set(x, y, color.GrayModel.Convert(img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY)))
		}
	}

	data := make([]float32, p.targetSize*p.targetSize)
	for i, g := range target.Pix[:len(data)] {
		v := clamp((float32(g)/255 - 0.5) / 0.5)
		if p.thresholdUsed {
			v = binarize(v, p.threshold)
		}
		data[i] = v
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 1,
	}, nil
}

// LoadFile opens and preprocesses the image at path.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

func binarize(v, thr float32) float32 {
	if v > thr {
		return 1
	}
	return 0
}

func clamp(v float32) float32 {
	if v != v {
		return 0
	}
	return float32(math.Max(-1, math.Min(1, float64(v))))
}

// ToGray maps CHW data in [-1, 1] back to an 8-bit grayscale image. Multi-channel
// data is averaged over channels.
func ToGray(data []float32, channels, height, width int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	plane := height * width
	for i := 0; i < plane; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += data[c*plane+i]
		}
		v := (clamp(sum/float32(channels)) + 1) / 2
		img.Pix[i] = uint8(math.Round(float64(v) * 255))
	}
	return img
}

// EncodePNG writes img as a PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return errors.Wrap(png.Encode(w, img), "failed to encode PNG")
}
