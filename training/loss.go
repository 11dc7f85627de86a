package training

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vae"
)

// LossWeights scales the five loss terms. MSE and Spst are kept complementary
// by the trainer while the mixing schedule runs; the composer only sees the
// final values.
type LossWeights struct {
	MSE     float64
	Content float64
	Style   float64
	Spst    float64
	KLD     float64
}

// LossOptions configures the loss terms.
type LossOptions struct {
	ContentLayer string
	StyleLayer   string
	MSEReduction string // "sum" or "mean"

	SpatialStatReduction  string  // "mean" or "sum"
	NormalizeSpatialStats bool    // L2-normalise autocorrelation maps before comparing
	SoftEqualityEps       float64 // differences within ±eps count as equal
	AutocorrShift         int     // autocorrelation window is (2·shift+1)²

	// KeepAutocorrelation returns the input and reconstruction
	// autocorrelation maps with every result.
	KeepAutocorrelation bool
}

// LossOptionsFromConfig extracts the loss options of a run.
func LossOptionsFromConfig(cfg TrainingConfig) LossOptions {
	return LossOptions{
		ContentLayer:          cfg.ContentLayer,
		StyleLayer:            cfg.StyleLayer,
		MSEReduction:          cfg.MSEReduction,
		SpatialStatReduction:  cfg.SpatialStatReduction,
		NormalizeSpatialStats: cfg.NormalizeSpatialStats,
		SoftEqualityEps:       cfg.SoftEqualityEps,
		AutocorrShift:         cfg.AutocorrShift,
		KeepAutocorrelation:   cfg.Instrumentation,
	}
}

// LossComposer computes the weighted VAE objective: pixel reconstruction, KL
// divergence, perceptual content and style distances through a frozen
// feature extractor, and spatial-statistics similarity.
type LossComposer struct {
	features *vae.FeatureExtractor
	opts     LossOptions
}

// NewLossComposer checks every option up front, so an unknown layer name or
// reduction is an ErrConfiguration at construction instead of mid-training.
func NewLossComposer(features *vae.FeatureExtractor, opts LossOptions) (*LossComposer, error) {
	if features == nil {
		return nil, configErrorf("loss composer needs a feature extractor")
	}
	for _, layer := range []string{opts.ContentLayer, opts.StyleLayer} {
		if !features.HasLayer(layer) {
			return nil, configErrorf("feature extractor has no layer %q (available: %v)", layer, features.LayerNames())
		}
	}
	for _, r := range []string{opts.MSEReduction, opts.SpatialStatReduction} {
		if r != ReductionMean && r != ReductionSum {
			return nil, configErrorf("unknown reduction %q", r)
		}
	}
	if opts.SoftEqualityEps < 0 || opts.AutocorrShift < 0 {
		return nil, configErrorf("soft equality epsilon %v and autocorrelation shift %d must be non-negative",
			opts.SoftEqualityEps, opts.AutocorrShift)
	}
	return &LossComposer{features: features, opts: opts}, nil
}

// Options returns the composer's configuration.
func (c *LossComposer) Options() LossOptions { return c.opts }

// LossValues are detached per-term losses. The five terms are unweighted;
// Overall is the weighted sum that was back-propagated.
type LossValues struct {
	MSE     float64
	Content float64
	Style   float64
	Spst    float64
	KLD     float64
	Overall float64
}

// Add returns the element-wise sum of v and o.
func (v LossValues) Add(o LossValues) LossValues {
	return LossValues{
		MSE:     v.MSE + o.MSE,
		Content: v.Content + o.Content,
		Style:   v.Style + o.Style,
		Spst:    v.Spst + o.Spst,
		KLD:     v.KLD + o.KLD,
		Overall: v.Overall + o.Overall,
	}
}

// LossResult holds the graph-connected terms of one batch.
type LossResult struct {
	MSE     *tensor.Tensor
	Content *tensor.Tensor
	Style   *tensor.Tensor
	Spst    *tensor.Tensor
	KLD     *tensor.Tensor
	Overall *tensor.Tensor // the only tensor meant for Backward

	// Detached autocorrelation maps [batch, C, 2k+1, 2k+1], set only when
	// KeepAutocorrelation is on.
	AutocorrInput *tensor.Tensor
	AutocorrRecon *tensor.Tensor

	Weights LossWeights
}

// Values detaches the scalars for logging.
func (r *LossResult) Values() LossValues {
	return LossValues{
		MSE:     scalar(r.MSE),
		Content: scalar(r.Content),
		Style:   scalar(r.Style),
		Spst:    scalar(r.Spst),
		KLD:     scalar(r.KLD),
		Overall: scalar(r.Overall),
	}
}

func scalar(t *tensor.Tensor) float64 {
	v, err := t.Detach().Item()
	if err != nil {
		panic(fmt.Sprintf("loss term is not a scalar: %v", err))
	}
	return float64(v)
}

// Loss groups whose gradient magnitudes are tracked separately.
const (
	GroupReconKLD = "recon_kld"
	GroupSpst     = "spst"
	GroupKLD      = "kld"
)

// GradientGroups lists the tracked groups in reporting order.
var GradientGroups = []string{GroupReconKLD, GroupSpst, GroupKLD}

// Group returns the weighted loss of a gradient group, sharing the graph of r.
func (r *LossResult) Group(name string) (*tensor.Tensor, error) {
	w := r.Weights
	switch name {
	case GroupReconKLD:
		return tensor.Add(tensor.Scale(r.MSE, w.MSE), tensor.Scale(r.KLD, w.KLD))
	case GroupSpst:
		return tensor.Scale(r.Spst, w.Spst), nil
	case GroupKLD:
		return tensor.Scale(r.KLD, w.KLD), nil
	default:
		return nil, errors.Errorf("unknown gradient group %q", name)
	}
}

// Compute evaluates all terms for images x [batch, C, H, W], their
// reconstruction and the posterior parameters mu and logVar [batch, latent].
func (c *LossComposer) Compute(x, recon, mu, logVar *tensor.Tensor, w LossWeights) (*LossResult, error) {
	if !tensor.SameShape(x, recon) {
		return nil, errors.Errorf("loss: input %v and reconstruction %v differ in shape", x.Shape, recon.Shape)
	}
	res := &LossResult{Weights: w}
	var err error

	if res.MSE, err = c.reconstruction(x, recon); err != nil {
		return nil, errors.Wrap(err, "reconstruction loss")
	}
	if res.KLD, err = KLDivergence(mu, logVar); err != nil {
		return nil, errors.Wrap(err, "KL divergence")
	}
	if res.Content, res.Style, err = c.perceptual(x, recon); err != nil {
		return nil, errors.Wrap(err, "perceptual loss")
	}
	if err = c.spatialStats(x, recon, res); err != nil {
		return nil, errors.Wrap(err, "spatial statistics loss")
	}

	terms := []struct {
		t *tensor.Tensor
		w float64
	}{
		{res.MSE, w.MSE}, {res.Content, w.Content}, {res.Style, w.Style}, {res.Spst, w.Spst}, {res.KLD, w.KLD},
	}
	overall := tensor.Scale(terms[0].t, terms[0].w)
	for _, term := range terms[1:] {
		if overall, err = tensor.Add(overall, tensor.Scale(term.t, term.w)); err != nil {
			return nil, err
		}
	}
	res.Overall = overall
	return res, nil
}

func reduce(t *tensor.Tensor, reduction string) *tensor.Tensor {
	if reduction == ReductionMean {
		return tensor.Mean(t)
	}
	return tensor.Sum(t)
}

// squaredError returns reduce((a-b)²).
func squaredError(a, b *tensor.Tensor, reduction string) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(a, b)
	if err != nil {
		return nil, err
	}
	return reduce(tensor.Square(diff), reduction), nil
}

func (c *LossComposer) reconstruction(x, recon *tensor.Tensor) (*tensor.Tensor, error) {
	return squaredError(recon, x, c.opts.MSEReduction)
}

// KLDivergence is the closed-form KL divergence between N(mu, exp(logVar))
// and N(0, I), summed over batch and latent dimensions:
// -½·Σ(1 + logVar - mu² - exp(logVar)).
func KLDivergence(mu, logVar *tensor.Tensor) (*tensor.Tensor, error) {
	inner, err := tensor.Sub(tensor.AddScalar(logVar, 1), tensor.Square(mu))
	if err != nil {
		return nil, err
	}
	if inner, err = tensor.Sub(inner, tensor.Exp(logVar)); err != nil {
		return nil, err
	}
	return tensor.Scale(tensor.Sum(inner), -0.5), nil
}

// perceptual compares extractor activations: mean squared feature distance at
// the content layer and mean squared Gram distance at the style layer.
func (c *LossComposer) perceptual(x, recon *tensor.Tensor) (content, style *tensor.Tensor, err error) {
	target, err := c.features.Features(x.Detach(), c.opts.ContentLayer, c.opts.StyleLayer)
	if err != nil {
		return nil, nil, err
	}
	produced, err := c.features.Features(recon, c.opts.ContentLayer, c.opts.StyleLayer)
	if err != nil {
		return nil, nil, err
	}

	if content, err = squaredError(produced[c.opts.ContentLayer], target[c.opts.ContentLayer], ReductionMean); err != nil {
		return nil, nil, err
	}

	gramTarget, err := tensor.Gram(target[c.opts.StyleLayer])
	if err != nil {
		return nil, nil, err
	}
	gramProduced, err := tensor.Gram(produced[c.opts.StyleLayer])
	if err != nil {
		return nil, nil, err
	}
	if style, err = squaredError(gramProduced, gramTarget, ReductionMean); err != nil {
		return nil, nil, err
	}
	return content, style, nil
}

// autocorrelation returns the statistic compared by the spatial loss:
// autocorrelation of the mean-centred maps, optionally L2-normalised.
func (c *LossComposer) autocorrelation(x *tensor.Tensor, shift int) (*tensor.Tensor, error) {
	centred, err := tensor.CenterMaps(x)
	if err != nil {
		return nil, err
	}
	ac, err := tensor.Autocorrelation(centred, shift)
	if err != nil {
		return nil, err
	}
	if c.opts.NormalizeSpatialStats {
		return tensor.L2NormalizeMaps(ac)
	}
	return ac, nil
}

// spatialStats compares the autocorrelation structure of input and
// reconstruction under the soft-equality band.
func (c *LossComposer) spatialStats(x, recon *tensor.Tensor, res *LossResult) error {
	shift := c.opts.AutocorrShift
	if limit := min(x.Shape[2], x.Shape[3]) - 1; shift > limit {
		shift = limit
	}

	acInput, err := c.autocorrelation(x.Detach(), shift)
	if err != nil {
		return err
	}
	acRecon, err := c.autocorrelation(recon, shift)
	if err != nil {
		return err
	}

	diff, err := tensor.Sub(acRecon, acInput)
	if err != nil {
		return err
	}
	res.Spst = reduce(tensor.Square(tensor.DeadZone(diff, c.opts.SoftEqualityEps)), c.opts.SpatialStatReduction)

	if c.opts.KeepAutocorrelation {
		res.AutocorrInput = acInput.Detach()
		res.AutocorrRecon = acRecon.Detach()
	}
	return nil
}
