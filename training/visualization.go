package training

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vae"
	"github.com/tsawler/go-vae/vision/preprocessing"
)

const (
	gridPadding      = 2
	noiseGridColumns = 8
)

// NoiseGenerator renders images decoded from n latent codes drawn from the
// prior.
type NoiseGenerator func(model *vae.ResNetVAE, n int, rng *rand.Rand) (image.Image, error)

// decodeEval decodes z in evaluation mode without recording a graph and
// restores the model's mode afterwards.
func decodeEval(model *vae.ResNetVAE, z *tensor.Tensor) (*tensor.Tensor, error) {
	if model.IsTraining() {
		model.Eval()
		defer model.Train()
	}
	var out *tensor.Tensor
	err := model.NoGrad(func() error {
		var err error
		out, err = model.Decode(z)
		return err
	})
	return out, err
}

// ReconstructionGrid decodes the latent codes z of the images x and returns
// a two-row grid: originals on top, reconstructions below.
func ReconstructionGrid(model *vae.ResNetVAE, x, z *tensor.Tensor) (image.Image, error) {
	if x == nil || z == nil {
		return nil, errors.New("reconstruction grid needs images and latent codes")
	}
	if x.Shape[0] != z.Shape[0] {
		return nil, errors.Errorf("reconstruction grid: %d images but %d latent codes", x.Shape[0], z.Shape[0])
	}
	recon, err := decodeEval(model, z)
	if err != nil {
		return nil, errors.Wrap(err, "decode reconstructions")
	}
	return tileRows([][]*image.Gray{grayTiles(x), grayTiles(recon)}), nil
}

// GenerateFromNoise decodes n codes drawn from N(0, I) and lays the images
// out eight per row.
func GenerateFromNoise(model *vae.ResNetVAE, n int, rng *rand.Rand) (image.Image, error) {
	if n <= 0 {
		return nil, errors.Errorf("cannot generate %d images", n)
	}
	z, err := tensor.RandomNormal([]int{n, model.LatentDim()}, 0, 1, rng)
	if err != nil {
		return nil, err
	}
	images, err := decodeEval(model, z)
	if err != nil {
		return nil, errors.Wrap(err, "decode noise")
	}
	tiles := grayTiles(images)
	var rows [][]*image.Gray
	for start := 0; start < len(tiles); start += noiseGridColumns {
		rows = append(rows, tiles[start:min(start+noiseGridColumns, len(tiles))])
	}
	return tileRows(rows), nil
}

// AutocorrelationGrid shows input autocorrelation maps on top of the
// reconstruction maps. Each map is scaled by its largest magnitude so that
// zero is mid-gray.
func AutocorrelationGrid(input, recon *tensor.Tensor) (image.Image, error) {
	if input == nil || recon == nil {
		return nil, errors.New("autocorrelation grid needs both maps")
	}
	if !tensor.SameShape(input, recon) || len(input.Shape) != 4 {
		return nil, errors.Errorf("autocorrelation maps %v and %v do not match", input.Shape, recon.Shape)
	}
	return tileRows([][]*image.Gray{grayTiles(scaleMaps(input)), grayTiles(scaleMaps(recon))}), nil
}

// scaleMaps divides each [H, W] map by its largest magnitude.
func scaleMaps(t *tensor.Tensor) *tensor.Tensor {
	out := t.Clone()
	plane := t.Shape[2] * t.Shape[3]
	for start := 0; start < len(out.Data); start += plane {
		m := out.Data[start : start+plane]
		var peak float64
		for _, v := range m {
			peak = math.Max(peak, math.Abs(float64(v)))
		}
		if peak == 0 {
			continue
		}
		for i := range m {
			m[i] = float32(float64(m[i]) / peak)
		}
	}
	return out
}

// grayTiles converts a [batch, C, H, W] tensor into one image per sample.
func grayTiles(t *tensor.Tensor) []*image.Gray {
	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	size := c * h * w
	tiles := make([]*image.Gray, t.Shape[0])
	for i := range tiles {
		tiles[i] = preprocessing.ToGray(t.Data[i*size:(i+1)*size], c, h, w)
	}
	return tiles
}

// tileRows lays out rows of equally sized tiles with padding between them.
func tileRows(rows [][]*image.Gray) *image.Gray {
	var tw, th, cols int
	for _, row := range rows {
		cols = max(cols, len(row))
		for _, tile := range row {
			tw = max(tw, tile.Bounds().Dx())
			th = max(th, tile.Bounds().Dy())
		}
	}
	width := cols*(tw+gridPadding) + gridPadding
	height := len(rows)*(th+gridPadding) + gridPadding
	grid := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.Gray{Y: 0}), image.Point{}, draw.Src)

	for r, row := range rows {
		for c, tile := range row {
			at := image.Pt(gridPadding+c*(tw+gridPadding), gridPadding+r*(th+gridPadding))
			draw.Draw(grid, tile.Bounds().Add(at), tile, tile.Bounds().Min, draw.Src)
		}
	}
	return grid
}
