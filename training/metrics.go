package training

import (
	"fmt"
	"time"
)

// Names under which epoch scalars are logged. Dashboards built for earlier
// runs depend on them, so they never change.
const (
	MetricMSETraining       = "mse_training_loss"
	MetricMSEValidation     = "mse_validation_loss"
	MetricSpstTraining      = "spatial_stats_training_loss"
	MetricSpstValidation    = "spatial_stats_validation_loss"
	MetricKLDTraining       = "KLD_training_loss"
	MetricKLDValidation     = "KLD_validation_loss"
	MetricOverallTraining   = "overall_training_loss"
	MetricOverallValidation = "overall_validation_loss"
	MetricContentTraining   = "content_training_loss"
	MetricContentValidation = "content_validation_loss"
	MetricStyleTraining     = "style_training_loss"
	MetricStyleValidation   = "style_validation_loss"

	MetricMuTraining       = "mu_training"
	MetricMuValidation     = "mu_test"
	MetricLogVarTraining   = "logvar_train"
	MetricLogVarValidation = "logvar_test"

	MetricAlphaMSE     = "alpha_mse"
	MetricAlphaSpst    = "alpha_spst"
	MetricBeta         = "beta"
	MetricLearningRate = "learning_rate"
	MetricEpochSeconds = "epoch_seconds"
)

// Image keys of the checkpoint-epoch visualizations.
const (
	ImageTrainingReconstructions   = "Training reconstructions"
	ImageValidationReconstructions = "Validation reconstructions"
	ImageGeneratedFromNoise        = "Validation generated images from noise"
	ImageAutocorrTraining          = "Training autocorrelation"
	ImageAutocorrValidation        = "Validation autocorrelation"
)

// EpochMetrics is everything logged for one epoch. It is built fresh each
// epoch and handed straight to the sink.
type EpochMetrics struct {
	Epoch    int
	Train    LossValues
	Valid    LossValues
	Duration time.Duration

	MuTrain     Summary
	MuValid     Summary
	LogVarTrain Summary
	LogVarValid Summary

	AlphaMSE     float64
	AlphaSpst    float64
	Beta         float64
	LearningRate float64

	// Gradients holds per-group gradient statistics of the training pass,
	// nil when instrumentation is off.
	Gradients map[string]GradientStats
}

// NewEpochMetrics assembles the metrics of an epoch from its two passes.
func NewEpochMetrics(epoch int, train, valid *EpochResult, w LossWeights, lr float64) EpochMetrics {
	return EpochMetrics{
		Epoch:        epoch,
		Train:        train.Losses,
		Valid:        valid.Losses,
		MuTrain:      train.Mu,
		MuValid:      valid.Mu,
		LogVarTrain:  train.LogVar,
		LogVarValid:  valid.LogVar,
		AlphaMSE:     w.MSE,
		AlphaSpst:    w.Spst,
		Beta:         w.KLD,
		LearningRate: lr,
		Gradients:    train.Gradients,
	}
}

// Scalars flattens the metrics into the named values of one logged step.
// Latent summaries appear as <name> (the mean) plus <name>_std, _min and _max.
func (m EpochMetrics) Scalars() map[string]float64 {
	s := map[string]float64{
		MetricMSETraining:       m.Train.MSE,
		MetricMSEValidation:     m.Valid.MSE,
		MetricSpstTraining:      m.Train.Spst,
		MetricSpstValidation:    m.Valid.Spst,
		MetricKLDTraining:       m.Train.KLD,
		MetricKLDValidation:     m.Valid.KLD,
		MetricOverallTraining:   m.Train.Overall,
		MetricOverallValidation: m.Valid.Overall,
		MetricContentTraining:   m.Train.Content,
		MetricContentValidation: m.Valid.Content,
		MetricStyleTraining:     m.Train.Style,
		MetricStyleValidation:   m.Valid.Style,

		MetricAlphaMSE:     m.AlphaMSE,
		MetricAlphaSpst:    m.AlphaSpst,
		MetricBeta:         m.Beta,
		MetricLearningRate: m.LearningRate,
	}
	if m.Duration > 0 {
		s[MetricEpochSeconds] = m.Duration.Seconds()
	}
	addSummary(s, MetricMuTraining, m.MuTrain)
	addSummary(s, MetricMuValidation, m.MuValid)
	addSummary(s, MetricLogVarTraining, m.LogVarTrain)
	addSummary(s, MetricLogVarValidation, m.LogVarValid)
	for group, g := range m.Gradients {
		s[GradientMetricName(group, "mean")] = g.Mean
		s[GradientMetricName(group, "std")] = g.Std
	}
	return s
}

// GradientMetricName is the key of a gradient statistic, e.g. "grad_spst_mean".
func GradientMetricName(group, stat string) string {
	return fmt.Sprintf("grad_%s_%s", group, stat)
}

func addSummary(s map[string]float64, name string, sum Summary) {
	s[name] = sum.Mean
	s[name+"_std"] = sum.Std
	s[name+"_min"] = sum.Min
	s[name+"_max"] = sum.Max
}
