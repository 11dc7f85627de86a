package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/vae"
	"github.com/tsawler/go-vae/vision/dataset"
)

// Reductions accepted for the spatial-statistics and reconstruction losses.
const (
	ReductionMean = "mean"
	ReductionSum  = "sum"
)

// TrainingConfig holds every hyperparameter of a run
type TrainingConfig struct {
	Epochs int `json:"epochs"`

	// Loss weights. AMSE and ASpst are complementary while ScheduleSpst is on.
	AMSE     float64 `json:"a_mse"`
	AContent float64 `json:"a_content"`
	AStyle   float64 `json:"a_style"`
	ASpst    float64 `json:"a_spst"`
	Beta     float64 `json:"beta"`

	ContentLayer string `json:"content_layer"`
	StyleLayer   string `json:"style_layer"`

	LearningRate float64 `json:"learning_rate"`
	FineTuneLR   float64 `json:"fine_tune_lr"` // 0 disables fine-tuning
	// FineTuneFraction is the share of epochs after which FineTuneLR takes over.
	FineTuneFraction float64 `json:"fine_tune_fraction"`
	Optimizer        string  `json:"optimizer"` // "adam" or "sgd"
	Momentum         float64 `json:"momentum"`

	BatchSize    int  `json:"batch_size"`
	LogInterval  int  `json:"log_interval"`  // progress line every N batches
	SaveInterval int  `json:"save_interval"` // checkpoint every N epochs
	Resume       bool `json:"resume_training"`
	LastEpoch    *int `json:"last_epoch,omitempty"`
	ScheduleKLD  bool `json:"schedule_kld"`
	ScheduleSpst bool `json:"schedule_spst"`
	Debugging    bool `json:"debugging"`

	BetaStart     float64 `json:"beta_start"`
	NoiseSamples  int     `json:"noise_samples"`
	TrainFraction float64 `json:"train_fraction"`
	Seed          int64   `json:"seed"`

	// Loss options shared by the plain and the instrumented variant.
	Instrumentation       bool    `json:"instrumentation"`
	MSEReduction          string  `json:"mse_reduction"`
	SpatialStatReduction  string  `json:"spatial_stat_reduction"`
	NormalizeSpatialStats bool    `json:"normalize_spatial_stats"`
	SoftEqualityEps       float64 `json:"soft_equality_eps"`
	AutocorrShift         int     `json:"autocorr_shift"`

	Dataset        string `json:"dataset"`
	DataRoot       string `json:"data_root"`
	Threshold255   int    `json:"threshold_255"`
	CacheSize      int    `json:"cache_size"`
	NumWorkers     int    `json:"num_workers"`
	SaveDir        string `json:"save_dir"`
	Format         string `json:"checkpoint_format"` // "proto" or "json"
	FeatureWidth   int    `json:"feature_width"`
	FeatureWeights string `json:"feature_weights,omitempty"` // optional checkpoint of extractor weights

	Model vae.Config `json:"model"`
}

// DefaultTrainingConfig returns the settings of the reference training script
// at a geometry small enough for CPU training.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:           100,
		AMSE:             1,
		AContent:         0,
		AStyle:           0,
		ASpst:            0,
		Beta:             1,
		ContentLayer:     "conv_3",
		StyleLayer:       "conv_3",
		LearningRate:     1e-3,
		FineTuneLR:       5e-4,
		FineTuneFraction: 0.9,
		Optimizer:        "adam",
		BatchSize:        32,
		LogInterval:      2,
		SaveInterval:     20,
		BetaStart:        0.005,
		NoiseSamples:     32,
		TrainFraction:    0.7,
		Seed:             110,

		MSEReduction:         ReductionSum,
		SpatialStatReduction: ReductionMean,
		SoftEqualityEps:      0,
		AutocorrShift:        3,

		Dataset:      dataset.Shapes,
		DataRoot:     ".",
		Threshold255: 240,
		CacheSize:    1024,
		NumWorkers:   4,
		SaveDir:      "models",
		Format:       "proto",
		FeatureWidth: 8,

		Model: vae.DefaultConfig(),
	}
}

// LoadConfig reads a JSON file over the defaults.
func LoadConfig(path string) (TrainingConfig, error) {
	cfg := DefaultTrainingConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(ErrConfiguration, "read config %s: %v", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrConfiguration, "parse config %s: %v", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot run. Every failure is an
// ErrConfiguration.
func (c TrainingConfig) Validate() error {
	switch {
	case c.Epochs <= 0:
		return configErrorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return configErrorf("batch size must be positive, got %d", c.BatchSize)
	case c.LogInterval <= 0 || c.SaveInterval <= 0:
		return configErrorf("log interval (%d) and save interval (%d) must be positive", c.LogInterval, c.SaveInterval)
	case c.LearningRate <= 0 || c.FineTuneLR < 0:
		return configErrorf("learning rate %v must be positive and fine-tune rate %v non-negative", c.LearningRate, c.FineTuneLR)
	case c.FineTuneFraction <= 0 || c.FineTuneFraction > 1:
		return configErrorf("fine-tune fraction %v outside (0, 1]", c.FineTuneFraction)
	case c.TrainFraction <= 0 || c.TrainFraction >= 1:
		return configErrorf("train fraction %v outside (0, 1)", c.TrainFraction)
	case c.BetaStart < 0 || c.Beta < 0:
		return configErrorf("beta %v and beta start %v must be non-negative", c.Beta, c.BetaStart)
	case c.SoftEqualityEps < 0:
		return configErrorf("soft equality epsilon %v must be non-negative", c.SoftEqualityEps)
	case c.AutocorrShift < 0:
		return configErrorf("autocorrelation shift %d must be non-negative", c.AutocorrShift)
	case c.NoiseSamples < 0:
		return configErrorf("noise samples %d must be non-negative", c.NoiseSamples)
	}

	for _, r := range []string{c.MSEReduction, c.SpatialStatReduction} {
		if r != ReductionMean && r != ReductionSum {
			return configErrorf("unknown reduction %q (want %q or %q)", r, ReductionMean, ReductionSum)
		}
	}
	if c.Dataset != dataset.Shapes && c.Dataset != dataset.Lines {
		return configErrorf("unknown dataset %q", c.Dataset)
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd":
	default:
		return configErrorf("unknown optimizer %q", c.Optimizer)
	}
	if c.Resume {
		if c.LastEpoch == nil {
			return configErrorf("resuming requires the last epoch")
		}
		if *c.LastEpoch < 0 || *c.LastEpoch > c.Epochs {
			return configErrorf("last epoch %d outside [0, %d]", *c.LastEpoch, c.Epochs)
		}
	}
	if err := c.Model.Validate(); err != nil {
		return withKind(ErrConfiguration, err)
	}
	return nil
}

// StartEpoch is the first epoch the run trains: LastEpoch when resuming,
// otherwise 0.
func (c TrainingConfig) StartEpoch() int {
	if c.Resume && c.LastEpoch != nil {
		return *c.LastEpoch
	}
	return 0
}

// RunName concatenates the hyperparameters into the run directory name. Two
// runs with identical hyperparameters share a directory.
func (c TrainingConfig) RunName() string {
	var b strings.Builder
	b.WriteString("resnetVAE_shapesData_")
	fmt.Fprintf(&b, "lr%sbs%d", pyFloat(c.LearningRate), c.BatchSize)
	fmt.Fprintf(&b, "_a_mse_%s_a_content_%s_a_style_%s_a_spst_%s",
		pyFloat(c.AMSE), pyFloat(c.AContent), pyFloat(c.AStyle), pyFloat(c.ASpst))
	fmt.Fprintf(&b, "_content_layer_%s_style_layer_%s", c.ContentLayer, c.StyleLayer)
	fmt.Fprintf(&b, "_%s_reduction_mse_loss", c.MSEReduction)
	fmt.Fprintf(&b, "_KLD_scheduling_%sspatial_stats_loss_scheduled_%s", pyBool(c.ScheduleKLD), pyBool(c.ScheduleSpst))
	return b.String()
}

// pyFloat formats v the way the run names have always been spelled: "1.0",
// "0.001", "1e-05".
func pyFloat(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// RunDir is the directory that holds the run's checkpoints and artifacts.
func (c TrainingConfig) RunDir() string {
	return filepath.Join(c.SaveDir, c.RunName())
}
