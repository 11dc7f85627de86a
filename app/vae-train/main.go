// vae-train trains the ResNet VAE on the shapes or lines dataset.
//
// Usage:
//
//	vae-train -config=run.json -epochs=100 -a-spst=0.3 -schedule-spst
//
// Flags given on the command line override values read from -config.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vae/tracking"
	"github.com/tsawler/go-vae/training"
)

var (
	configFile = flag.String("config", "", "JSON file with training settings")
	epochs     = flag.Int("epochs", 100, "Number of training epochs")
	aMSE       = flag.Float64("a-mse", 1, "Weight of the reconstruction loss")
	aContent   = flag.Float64("a-content", 0, "Weight of the content loss")
	aStyle     = flag.Float64("a-style", 0, "Weight of the style loss")
	aSpst      = flag.Float64("a-spst", 0, "Weight of the spatial statistics loss")
	beta       = flag.Float64("beta", 1, "Weight of the KL divergence")
	content    = flag.String("content-layer", "conv_3", "Feature layer for the content loss")
	style      = flag.String("style-layer", "conv_3", "Feature layer for the style and spatial statistics losses")
	lr         = flag.Float64("lr", 1e-3, "Learning rate")
	fineTuneLR = flag.Float64("fine-tune-lr", 5e-4, "Learning rate for the final epochs")
	batchSize  = flag.Int("bs", 32, "Batch size")
	embedDim   = flag.Int("embed-dim", 0, "Latent dimension (0 keeps the model default)")
	dropout    = flag.Float64("dropout", 0.2, "Dropout probability")
	logEvery   = flag.Int("log-interval", 2, "Batches between progress lines")
	saveEvery  = flag.Int("save-interval", 20, "Epochs between checkpoints")
	resume     = flag.Bool("resume", false, "Resume from the checkpoint of -last-epoch")
	lastEpoch  = flag.Int("last-epoch", 0, "Epoch of the checkpoint to resume from")
	schedKLD   = flag.Bool("schedule-kld", false, "Ramp the KL weight up over the run")
	schedSpst  = flag.Bool("schedule-spst", false, "Shift weight from MSE to spatial statistics")
	dataName   = flag.String("dataset", "shapes", "Dataset: shapes or lines")
	dataRoot   = flag.String("data-root", ".", "Directory holding the dataset")
	saveDir    = flag.String("save-dir", "models", "Directory for run outputs")
	debugging  = flag.Bool("debugging", false, "Checkpoint every epoch")
	instrument = flag.Bool("instrumentation", false, "Record per-loss gradient statistics and autocorrelation maps")
	seed       = flag.Int64("seed", 110, "Random seed")
	plotURL    = flag.String("plot-url", "", "Base URL of a plotting service (empty disables it)")
	verbose    = flag.Bool("verbose", false, "Debug logging")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := run(logger); err != nil {
		logger.WithError(err).Error("vae-train failed")
		os.Exit(1)
	}
}

func run(logger *logrus.Logger) error {
	cfg := training.DefaultTrainingConfig()
	if *configFile != "" {
		var err error
		if cfg, err = training.LoadConfig(*configFile); err != nil {
			return err
		}
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	params, err := paramsOf(cfg)
	if err != nil {
		return err
	}
	runInfo := tracking.NewRunInfo(cfg.RunName(), cfg.Epochs, params)

	files, err := tracking.NewFileSink(filepath.Join(cfg.RunDir(), "tracking"), runInfo, logger)
	if err != nil {
		return err
	}
	sinks := tracking.MultiSink{files, tracking.NewLogSink(runInfo, logger)}
	if *plotURL != "" {
		pc := tracking.DefaultPlottingConfig()
		pc.BaseURL = *plotURL
		plots := tracking.NewPlottingSink(pc, runInfo, logger)
		if err := plots.CheckHealth(); err != nil {
			logger.WithError(err).Warn("plotting service unavailable, continuing without it")
		} else {
			sinks = append(sinks, plots)
		}
	}

	trainer, err := training.NewTrainer(cfg, training.WithLogger(logger), training.WithSink(sinks))
	if err != nil {
		sinks.Close(tracking.RunStatusFailed)
		return err
	}
	return trainer.Run()
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(cfg *training.TrainingConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "epochs":
			cfg.Epochs = *epochs
		case "a-mse":
			cfg.AMSE = *aMSE
		case "a-content":
			cfg.AContent = *aContent
		case "a-style":
			cfg.AStyle = *aStyle
		case "a-spst":
			cfg.ASpst = *aSpst
		case "beta":
			cfg.Beta = *beta
		case "content-layer":
			cfg.ContentLayer = *content
		case "style-layer":
			cfg.StyleLayer = *style
		case "lr":
			cfg.LearningRate = *lr
		case "fine-tune-lr":
			cfg.FineTuneLR = *fineTuneLR
		case "bs":
			cfg.BatchSize = *batchSize
		case "embed-dim":
			if *embedDim > 0 {
				cfg.Model.EmbedDim = *embedDim
			}
		case "dropout":
			cfg.Model.DropP = *dropout
		case "log-interval":
			cfg.LogInterval = *logEvery
		case "save-interval":
			cfg.SaveInterval = *saveEvery
		case "resume":
			cfg.Resume = *resume
		case "last-epoch":
			last := *lastEpoch
			cfg.LastEpoch = &last
		case "schedule-kld":
			cfg.ScheduleKLD = *schedKLD
		case "schedule-spst":
			cfg.ScheduleSpst = *schedSpst
		case "dataset":
			cfg.Dataset = *dataName
		case "data-root":
			cfg.DataRoot = *dataRoot
		case "save-dir":
			cfg.SaveDir = *saveDir
		case "debugging":
			cfg.Debugging = *debugging
		case "instrumentation":
			cfg.Instrumentation = *instrument
		case "seed":
			cfg.Seed = *seed
		}
	})
}

// paramsOf flattens cfg into the parameter map recorded with the run.
func paramsOf(cfg training.TrainingConfig) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode run parameters: %w", err)
	}
	params := map[string]interface{}{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("decode run parameters: %w", err)
	}
	return params, nil
}
