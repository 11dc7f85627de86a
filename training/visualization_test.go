package training

import (
	"image"
	"math/rand"
	"testing"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vae"
)

func testModel(t *testing.T) *vae.ResNetVAE {
	t.Helper()
	model, err := vae.New(tinyModelConfig(), rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("vae.New failed: %v", err)
	}
	return model
}

func TestReconstructionGrid(t *testing.T) {
	model := testModel(t)
	model.Train()
	x := randomImages([]int{3, 1, 8, 8}, 1)
	z := randomImages([]int{3, 4}, 2)
	trainable := len(model.Parameters())

	img, err := ReconstructionGrid(model, x, z)
	if err != nil {
		t.Fatalf("ReconstructionGrid failed: %v", err)
	}
	// 3 columns and 2 rows of 8x8 tiles with 2px padding.
	if b := img.Bounds(); b.Dx() != 3*10+2 || b.Dy() != 2*10+2 {
		t.Errorf("grid size = %dx%d", b.Dx(), b.Dy())
	}
	if !model.IsTraining() {
		t.Error("model mode should be restored")
	}
	if got := len(model.Parameters()); got != trainable || got == 0 {
		t.Error("model weights should track gradients again after decoding")
	}

	if _, err := ReconstructionGrid(model, x, randomImages([]int{2, 4}, 3)); err == nil {
		t.Error("expected error for mismatched batch sizes")
	}
}

func TestGenerateFromNoise(t *testing.T) {
	model := testModel(t)
	img, err := GenerateFromNoise(model, 10, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("GenerateFromNoise failed: %v", err)
	}
	// Eight per row: two rows.
	if b := img.Bounds(); b.Dx() != 8*10+2 || b.Dy() != 2*10+2 {
		t.Errorf("grid size = %dx%d", b.Dx(), b.Dy())
	}
	if _, err := GenerateFromNoise(model, 0, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for zero samples")
	}
}

func TestAutocorrelationGrid(t *testing.T) {
	input, _ := tensor.NewTensor([]int{1, 1, 3, 3}, []float32{0, 0, 0, 0, 4, 0, 0, 0, -2})
	recon, _ := tensor.Zeros([]int{1, 1, 3, 3})

	img, err := AutocorrelationGrid(input, recon)
	if err != nil {
		t.Fatalf("AutocorrelationGrid failed: %v", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("grid is %T, expected *image.Gray", img)
	}
	tests := []struct {
		x, y     int
		expected uint8
	}{
		{3, 3, 255}, // peak of the input map
		{4, 4, 64},  // -2 scaled by the peak
		{2, 2, 128}, // zero is mid-gray
		{3, 8, 128}, // all-zero reconstruction map
		{0, 0, 0},   // padding
	}
	for _, tt := range tests {
		if got := gray.GrayAt(tt.x, tt.y).Y; got != tt.expected {
			t.Errorf("pixel (%d, %d) = %d, expected %d", tt.x, tt.y, got, tt.expected)
		}
	}
	if input.Data[4] != 4 {
		t.Error("input maps must not be modified")
	}

	if _, err := AutocorrelationGrid(input, randomImages([]int{1, 1, 5, 5}, 1)); err == nil {
		t.Error("expected error for mismatched maps")
	}
	if _, err := AutocorrelationGrid(nil, recon); err == nil {
		t.Error("expected error for missing maps")
	}
}
