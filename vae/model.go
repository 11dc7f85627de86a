// Package vae implements a small ResNet-style convolutional variational
// autoencoder and the frozen feature extractor used for perceptual losses.
package vae

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/layers"
	"github.com/tsawler/go-vae/tensor"
)

// Config describes the network geometry.
type Config struct {
	// ImageSize is the square input side; it must be divisible by 4.
	ImageSize      int     `json:"image_size"`
	Channels       int     `json:"channels"`
	BaseChannels   int     `json:"base_channels"`
	FCHidden1      int     `json:"fc_hidden1"`
	FCHidden2      int     `json:"fc_hidden2"`
	EmbedDim       int     `json:"embed_dim"`
	DropP          float64 `json:"drop_p"`
	FreezeBackbone bool    `json:"freeze_backbone"`
}

// DefaultConfig returns a geometry sized for 64x64 grayscale shape images.
func DefaultConfig() Config {
	return Config{
		ImageSize:      64,
		Channels:       1,
		BaseChannels:   16,
		FCHidden1:      1024,
		FCHidden2:      1024,
		EmbedDim:       256,
		DropP:          0.2,
		FreezeBackbone: false,
	}
}

// Validate checks that the geometry can be built.
func (c Config) Validate() error {
	switch {
	case c.ImageSize < 4 || c.ImageSize%4 != 0:
		return errors.Errorf("image size %d must be a positive multiple of 4", c.ImageSize)
	case c.Channels <= 0 || c.BaseChannels <= 0:
		return errors.Errorf("channels (%d) and base channels (%d) must be positive", c.Channels, c.BaseChannels)
	case c.FCHidden1 <= 0 || c.FCHidden2 <= 0 || c.EmbedDim <= 0:
		return errors.Errorf("hidden sizes (%d, %d) and embedding size %d must be positive", c.FCHidden1, c.FCHidden2, c.EmbedDim)
	case c.DropP < 0 || c.DropP >= 1:
		return errors.Errorf("dropout probability %v outside [0, 1)", c.DropP)
	}
	return nil
}

// Output is the result of a full encode/sample/decode pass.
type Output struct {
	Recon  *tensor.Tensor // [batch, channels, size, size], in [-1, 1]
	Z      *tensor.Tensor // [batch, embed]
	Mu     *tensor.Tensor
	LogVar *tensor.Tensor
}

// ResNetVAE encodes images with a strided residual convolutional backbone and
// two fully connected layers, and decodes latents through fully connected
// layers followed by upsampling convolutions.
type ResNetVAE struct {
	cfg Config

	backbone  *layers.Sequential
	encoderFC *layers.Sequential
	fcMu      *layers.Linear
	fcLogVar  *layers.Linear

	decoderFC   *layers.Sequential
	decoderConv *layers.Sequential

	featureChannels int
	featureSize     int

	sampler  *rand.Rand
	training bool
}

// New builds a ResNetVAE whose weights are drawn from rng. Sampling noise and
// dropout masks come from a second source derived from rng, so a model is
// fully reproducible from one seed.
func New(cfg Config, rng *rand.Rand) (*ResNetVAE, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, errors.New("vae: a random source is required")
	}

	m := &ResNetVAE{
		cfg:             cfg,
		featureChannels: 2 * cfg.BaseChannels,
		featureSize:     cfg.ImageSize / 4,
		training:        true,
	}
	m.sampler = rand.New(rand.NewSource(rng.Int63()))
	flat := m.featureChannels * m.featureSize * m.featureSize

	stem, err := layers.NewConv2D(cfg.Channels, cfg.BaseChannels, 3, 2, 1, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "encoder stem")
	}
	res1, err := layers.NewResidualBlock(cfg.BaseChannels, rng)
	if err != nil {
		return nil, errors.Wrap(err, "encoder block 1")
	}
	down, err := layers.NewConv2D(cfg.BaseChannels, m.featureChannels, 3, 2, 1, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "encoder downsample")
	}
	res2, err := layers.NewResidualBlock(m.featureChannels, rng)
	if err != nil {
		return nil, errors.Wrap(err, "encoder block 2")
	}
	m.backbone = layers.NewSequential(stem, layers.NewReLU(), res1, down, layers.NewReLU(), res2)

	fc1, err := layers.NewLinear(flat, cfg.FCHidden1, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "encoder fc1")
	}
	fc2, err := layers.NewLinear(cfg.FCHidden1, cfg.FCHidden2, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "encoder fc2")
	}
	drop, err := layers.NewDropout(cfg.DropP, m.sampler)
	if err != nil {
		return nil, err
	}
	m.encoderFC = layers.NewSequential(layers.NewFlatten(), fc1, layers.NewReLU(), fc2, layers.NewReLU(), drop)

	if m.fcMu, err = layers.NewLinear(cfg.FCHidden2, cfg.EmbedDim, true, rng); err != nil {
		return nil, errors.Wrap(err, "mu head")
	}
	if m.fcLogVar, err = layers.NewLinear(cfg.FCHidden2, cfg.EmbedDim, true, rng); err != nil {
		return nil, errors.Wrap(err, "logvar head")
	}

	fc4, err := layers.NewLinear(cfg.EmbedDim, cfg.FCHidden2, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "decoder fc4")
	}
	fc5, err := layers.NewLinear(cfg.FCHidden2, flat, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "decoder fc5")
	}
	m.decoderFC = layers.NewSequential(fc4, layers.NewReLU(), fc5, layers.NewReLU())

	up1, err := layers.NewConv2D(m.featureChannels, cfg.BaseChannels, 3, 1, 1, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "decoder conv1")
	}
	up2, err := layers.NewConv2D(cfg.BaseChannels, cfg.Channels, 3, 1, 1, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "decoder conv2")
	}
	m.decoderConv = layers.NewSequential(
		layers.NewUpsample(2), up1, layers.NewReLU(),
		layers.NewUpsample(2), up2, layers.NewTanh(),
	)

	if cfg.FreezeBackbone {
		layers.SetRequiresGrad(m.backbone, false)
	}

	return m, nil
}

// Config returns the geometry the model was built with.
func (m *ResNetVAE) Config() Config { return m.cfg }

// LatentDim returns the size of the latent code.
func (m *ResNetVAE) LatentDim() int { return m.cfg.EmbedDim }

// Encode maps images to the mean and log-variance of the latent posterior.
func (m *ResNetVAE) Encode(x *tensor.Tensor) (mu, logVar *tensor.Tensor, err error) {
	want := []int{x.Shape[0], m.cfg.Channels, m.cfg.ImageSize, m.cfg.ImageSize}
	if len(x.Shape) != 4 || x.Shape[1] != want[1] || x.Shape[2] != want[2] || x.Shape[3] != want[3] {
		return nil, nil, errors.Errorf("vae: expected input %v, got %v", want, x.Shape)
	}

	h, err := m.backbone.Forward(x)
	if err != nil {
		return nil, nil, errors.Wrap(err, "backbone")
	}
	h, err = m.encoderFC.Forward(h)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoder fc")
	}
	if mu, err = m.fcMu.Forward(h); err != nil {
		return nil, nil, errors.Wrap(err, "mu head")
	}
	if logVar, err = m.fcLogVar.Forward(h); err != nil {
		return nil, nil, errors.Wrap(err, "logvar head")
	}
	return mu, logVar, nil
}

// Reparameterize draws z = mu + eps·exp(logVar/2) with eps ~ N(0, I) in
// training mode and returns mu unchanged in evaluation mode.
func (m *ResNetVAE) Reparameterize(mu, logVar *tensor.Tensor) (*tensor.Tensor, error) {
	if !m.training {
		return mu, nil
	}
	eps, err := tensor.RandomNormal(mu.Shape, 0, 1, m.sampler)
	if err != nil {
		return nil, err
	}
	std := tensor.Exp(tensor.Scale(logVar, 0.5))
	noise, err := tensor.Mul(std, eps)
	if err != nil {
		return nil, err
	}
	return tensor.Add(mu, noise)
}

// Decode maps latent codes [batch, embed] to images in [-1, 1].
func (m *ResNetVAE) Decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	if len(z.Shape) != 2 || z.Shape[1] != m.cfg.EmbedDim {
		return nil, errors.Errorf("vae: expected latent [batch, %d], got %v", m.cfg.EmbedDim, z.Shape)
	}
	h, err := m.decoderFC.Forward(z)
	if err != nil {
		return nil, errors.Wrap(err, "decoder fc")
	}
	h, err = tensor.View(h, []int{z.Shape[0], m.featureChannels, m.featureSize, m.featureSize})
	if err != nil {
		return nil, err
	}
	out, err := m.decoderConv.Forward(h)
	if err != nil {
		return nil, errors.Wrap(err, "decoder conv")
	}
	return out, nil
}

// Forward runs encode, reparameterise and decode.
func (m *ResNetVAE) Forward(x *tensor.Tensor) (*Output, error) {
	mu, logVar, err := m.Encode(x)
	if err != nil {
		return nil, err
	}
	z, err := m.Reparameterize(mu, logVar)
	if err != nil {
		return nil, err
	}
	recon, err := m.Decode(z)
	if err != nil {
		return nil, err
	}
	return &Output{Recon: recon, Z: z, Mu: mu, LogVar: logVar}, nil
}

// NamedParameters returns every weight of the model, including frozen ones,
// under stable names used by checkpoints.
func (m *ResNetVAE) NamedParameters() []layers.NamedParameter {
	var params []layers.NamedParameter
	params = append(params, layers.Prefix("backbone", m.backbone.NamedParameters())...)
	params = append(params, layers.Prefix("encoder_fc", m.encoderFC.NamedParameters())...)
	params = append(params, layers.Prefix("fc_mu", m.fcMu.NamedParameters())...)
	params = append(params, layers.Prefix("fc_logvar", m.fcLogVar.NamedParameters())...)
	params = append(params, layers.Prefix("decoder_fc", m.decoderFC.NamedParameters())...)
	params = append(params, layers.Prefix("decoder_conv", m.decoderConv.NamedParameters())...)
	return params
}

// Parameters returns the parameters that currently require gradients.
func (m *ResNetVAE) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, p := range m.NamedParameters() {
		if p.Tensor.RequiresGrad() {
			params = append(params, p.Tensor)
		}
	}
	return params
}

func (m *ResNetVAE) Train() {
	m.training = true
	m.backbone.Train()
	m.encoderFC.Train()
	m.decoderFC.Train()
	m.decoderConv.Train()
}

func (m *ResNetVAE) Eval() {
	m.training = false
	m.backbone.Eval()
	m.encoderFC.Eval()
	m.decoderFC.Eval()
	m.decoderConv.Eval()
}

func (m *ResNetVAE) IsTraining() bool { return m.training }

// NoGrad runs fn with gradient tracking off on every weight of the model.
// Computations inside fn build no graph through the model; other models are
// unaffected.
func (m *ResNetVAE) NoGrad(fn func() error) error {
	params := m.NamedParameters()
	tensors := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		tensors[i] = p.Tensor
	}
	return tensor.NoGrad(tensors, fn)
}
