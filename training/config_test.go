package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultTrainingConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	five := 5
	tests := []struct {
		name   string
		modify func(*TrainingConfig)
	}{
		{"zero epochs", func(c *TrainingConfig) { c.Epochs = 0 }},
		{"zero batch size", func(c *TrainingConfig) { c.BatchSize = 0 }},
		{"zero save interval", func(c *TrainingConfig) { c.SaveInterval = 0 }},
		{"train fraction of one", func(c *TrainingConfig) { c.TrainFraction = 1 }},
		{"unknown reduction", func(c *TrainingConfig) { c.SpatialStatReduction = "max" }},
		{"negative epsilon", func(c *TrainingConfig) { c.SoftEqualityEps = -0.1 }},
		{"unknown dataset", func(c *TrainingConfig) { c.Dataset = "circles" }},
		{"unknown optimizer", func(c *TrainingConfig) { c.Optimizer = "lbfgs" }},
		{"resume without last epoch", func(c *TrainingConfig) { c.Resume = true }},
		{"last epoch past the end", func(c *TrainingConfig) { c.Resume, c.Epochs, c.LastEpoch = true, 4, &five }},
		{"bad model geometry", func(c *TrainingConfig) { c.Model.ImageSize = 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTrainingConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestStartEpoch(t *testing.T) {
	cfg := DefaultTrainingConfig()
	if cfg.StartEpoch() != 0 {
		t.Errorf("fresh run starts at %d", cfg.StartEpoch())
	}
	last := 20
	cfg.LastEpoch = &last
	if cfg.StartEpoch() != 0 {
		t.Error("last epoch only applies when resuming")
	}
	cfg.Resume = true
	if cfg.StartEpoch() != 20 {
		t.Errorf("resumed run starts at %d, expected 20", cfg.StartEpoch())
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"epochs": 7, "a_spst": 0.25, "resume_training": true, "last_epoch": 3, "model": {"image_size": 16, "channels": 1, "base_channels": 4, "fc_hidden1": 8, "fc_hidden2": 8, "embed_dim": 2}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Epochs != 7 || cfg.ASpst != 0.25 || !cfg.Resume || cfg.LastEpoch == nil || *cfg.LastEpoch != 3 {
		t.Errorf("loaded config = %+v", cfg)
	}
	if cfg.BatchSize != 32 || cfg.Seed != 110 {
		t.Error("unset fields should keep their defaults")
	}
	if cfg.Model.ImageSize != 16 || cfg.Model.EmbedDim != 2 {
		t.Errorf("model config = %+v", cfg.Model)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("missing file: expected ErrConfiguration, got %v", err)
	}
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrConfiguration) {
		t.Errorf("bad JSON: expected ErrConfiguration, got %v", err)
	}
}

func TestRunName(t *testing.T) {
	cfg := DefaultTrainingConfig()
	expected := "resnetVAE_shapesData_lr0.001bs32_a_mse_1.0_a_content_0.0_a_style_0.0_a_spst_0.0" +
		"_content_layer_conv_3_style_layer_conv_3_sum_reduction_mse_loss" +
		"_KLD_scheduling_Falsespatial_stats_loss_scheduled_False"
	if got := cfg.RunName(); got != expected {
		t.Errorf("RunName() =\n%s\nexpected\n%s", got, expected)
	}

	cfg.ScheduleKLD = true
	cfg.ASpst = 0.5
	other := cfg.RunName()
	if other == expected {
		t.Error("different hyperparameters should give different names")
	}
	if cfg.RunDir() != filepath.Join("models", other) {
		t.Errorf("RunDir() = %s", cfg.RunDir())
	}
}

func TestPyFloat(t *testing.T) {
	tests := []struct {
		v        float64
		expected string
	}{
		{1, "1.0"},
		{0, "0.0"},
		{0.001, "0.001"},
		{0.0005, "0.0005"},
		{1e-5, "1e-05"},
		{-2.5, "-2.5"},
		{100, "100.0"},
	}
	for _, tt := range tests {
		if got := pyFloat(tt.v); got != tt.expected {
			t.Errorf("pyFloat(%v) = %s, expected %s", tt.v, got, tt.expected)
		}
	}
	if pyBool(true) != "True" || pyBool(false) != "False" {
		t.Error("pyBool should spell booleans with a capital letter")
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("file truncated")
	err := dataError(cause, "load checkpoint")
	if !errors.Is(err, ErrData) || errors.Is(err, ErrConfiguration) {
		t.Errorf("dataError kinds wrong: %v", err)
	}
	if errors.Cause(err) != ErrData {
		t.Errorf("Cause = %v, expected ErrData", errors.Cause(err))
	}
	if !errors.Is(err, cause) {
		t.Error("the original cause should stay reachable")
	}
	if dataError(nil, "x") != nil {
		t.Error("nil should stay nil")
	}
	if again := withKind(ErrData, err); again != err {
		t.Error("an error already of the kind should not be wrapped again")
	}
}
