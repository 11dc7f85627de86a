package training

import (
	"fmt"
	"image"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vae/checkpoints"
	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/tracking"
	"github.com/tsawler/go-vae/vae"
	"github.com/tsawler/go-vae/vision/dataset"
	"github.com/tsawler/go-vae/vision/preprocessing"
)

// Phase is a state of the training state machine.
type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseResuming      Phase = "resuming"
	PhaseRunning       Phase = "running"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseFinished      Phase = "finished"
)

// Trainer owns a run: the model, optimizer, schedules and loss weights. It
// is not safe for concurrent use.
type Trainer struct {
	cfg    TrainingConfig
	logger *logrus.Logger
	sink   tracking.Sink
	data   Dataset
	noise  NoiseGenerator

	model      *vae.ResNetVAE
	optimizer  Optimizer
	runner     *EpochRunner
	store      *checkpoints.Store
	trainData  *DataLoader
	validData  *DataLoader
	noiseRNG   *rand.Rand
	lrSchedule LRScheduler
	beta       ExponentialScheduler
	spst       SigmoidScheduler
	weights    LossWeights
}

// Option customises a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger; the default is logrus.StandardLogger().
func WithLogger(logger *logrus.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithSink sets where epoch metrics and images go. The trainer closes it
// when the run ends.
func WithSink(sink tracking.Sink) Option {
	return func(t *Trainer) { t.sink = sink }
}

// WithDataset trains on ds instead of the dataset named in the config.
func WithDataset(ds Dataset) Option {
	return func(t *Trainer) { t.data = ds }
}

// WithNoiseGenerator replaces GenerateFromNoise.
func WithNoiseGenerator(g NoiseGenerator) Option {
	return func(t *Trainer) { t.noise = g }
}

// NewTrainer validates cfg and returns a trainer ready to Run. Invalid
// settings are reported as ErrConfiguration before anything is built.
func NewTrainer(cfg TrainingConfig, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{cfg: cfg, noise: GenerateFromNoise}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = loggerOrDefault(t.logger)
	if t.sink == nil {
		t.sink = tracking.NewLogSink(nil, t.logger)
	}
	return t, nil
}

// Model returns the model being trained, nil before Run.
func (t *Trainer) Model() *vae.ResNetVAE { return t.model }

func (t *Trainer) phase(p Phase) *logrus.Entry {
	return t.logger.WithField("phase", p)
}

// Run trains from the configured start epoch to the last epoch. The sink is
// closed with FINISHED on success and FAILED otherwise.
func (t *Trainer) Run() (err error) {
	defer func() {
		if err != nil {
			t.phase(PhaseFinished).WithError(err).Error("training failed")
			t.sink.Close(tracking.RunStatusFailed)
			return
		}
		t.sink.Close(tracking.RunStatusFinished)
	}()

	if err := t.initialize(); err != nil {
		return err
	}
	if t.cfg.Resume {
		if err := t.resume(); err != nil {
			return err
		}
	}

	runName := t.cfg.RunName()
	t.phase(PhaseRunning).WithFields(logrus.Fields{
		"run":   runName,
		"start": t.cfg.StartEpoch(),
		"end":   t.cfg.Epochs,
	}).Info("started training")

	for epoch := t.cfg.StartEpoch(); epoch < t.cfg.Epochs; epoch++ {
		if err := t.runEpoch(epoch); err != nil {
			return err
		}
	}

	t.phase(PhaseFinished).Infof("Finished training for %s.", runName)
	return nil
}

// initialize derives one random stream per consumer from the seed, then
// builds the loss, model, optimizer, data pipeline and schedules.
func (t *Trainer) initialize() error {
	cfg := t.cfg
	log := t.phase(PhaseInitializing)

	seeds := rand.New(rand.NewSource(cfg.Seed))
	splitRNG := rand.New(rand.NewSource(seeds.Int63()))
	shuffleRNG := rand.New(rand.NewSource(seeds.Int63()))
	modelRNG := rand.New(rand.NewSource(seeds.Int63()))
	featureRNG := rand.New(rand.NewSource(seeds.Int63()))
	t.noiseRNG = rand.New(rand.NewSource(seeds.Int63()))

	features, err := vae.NewFeatureExtractor(cfg.Model.Channels, cfg.FeatureWidth, featureRNG)
	if err != nil {
		return withKind(ErrConfiguration, err)
	}
	if cfg.FeatureWeights != "" {
		if err := loadFeatureWeights(features, cfg.FeatureWeights); err != nil {
			return err
		}
	}
	composer, err := NewLossComposer(features, LossOptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	format, err := checkpoints.ParseFormat(cfg.Format)
	if err != nil {
		return withKind(ErrConfiguration, err)
	}
	if t.store, err = checkpoints.NewStore(cfg.RunDir(), format); err != nil {
		return err
	}

	if t.data == nil {
		processor := preprocessing.NewImageProcessor(cfg.Model.ImageSize).WithThreshold(cfg.Threshold255)
		ds, err := dataset.Open(cfg.Dataset, cfg.DataRoot, processor, cfg.CacheSize)
		if err != nil {
			return dataError(err, "open dataset")
		}
		t.data = ds
	}
	train, valid, err := RandomSplit(t.data, cfg.TrainFraction, splitRNG)
	if err != nil {
		return err
	}
	if train.Len() == 0 || valid.Len() == 0 {
		return withKind(ErrData, errors.Errorf("dataset of %d samples leaves an empty split (%d/%d)",
			t.data.Len(), train.Len(), valid.Len()))
	}
	t.trainData = NewDataLoader(train, cfg.BatchSize, true, cfg.NumWorkers, shuffleRNG)
	t.validData = NewDataLoader(valid, cfg.BatchSize, false, 1, nil)

	if t.model, err = vae.New(cfg.Model, modelRNG); err != nil {
		return withKind(ErrConfiguration, err)
	}
	if t.optimizer, err = NewOptimizer(cfg.Optimizer, t.model.Parameters(), cfg.LearningRate, cfg.Momentum); err != nil {
		return err
	}
	t.runner = NewEpochRunner(t.model, composer, t.optimizer, cfg.LogInterval, cfg.Instrumentation, t.logger)

	t.lrSchedule = newLRSchedule(cfg)
	t.beta = NewExponentialScheduler(cfg.BetaStart, cfg.Beta, cfg.Epochs)
	t.spst = NewSigmoidScheduler(cfg.ASpst, cfg.Epochs)
	t.weights = LossWeights{
		MSE:     cfg.AMSE,
		Content: cfg.AContent,
		Style:   cfg.AStyle,
		Spst:    cfg.ASpst,
	}

	LogModelSummary(t.logger, "ResNetVAE", t.model.NamedParameters())
	log.WithFields(logrus.Fields{
		"seed":       cfg.Seed,
		"run":        cfg.RunName(),
		"train":      train.Len(),
		"validation": valid.Len(),
		"optimizer":  cfg.Optimizer,
		"schedule":   t.lrSchedule.GetName(),
	}).Info("initialized")
	return nil
}

// newLRSchedule switches to the fine-tuning rate late in the run. A zero
// fine-tuning rate keeps the base rate throughout.
func newLRSchedule(cfg TrainingConfig) LRScheduler {
	if cfg.FineTuneLR == 0 {
		return &NoOpScheduler{}
	}
	return NewFineTuneScheduler(cfg.Epochs, cfg.FineTuneFraction, cfg.FineTuneLR)
}

func loadFeatureWeights(features *vae.FeatureExtractor, path string) error {
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).LoadCheckpoint(path)
	if err != nil {
		return dataError(err, "load feature extractor weights")
	}
	return dataError(checkpoints.ApplyWeights(features.NamedParameters(), ckpt.Weights), "apply feature extractor weights")
}

// resume restores model, optimizer and mixing schedule from the checkpoint
// of the configured last epoch.
func (t *Trainer) resume() error {
	last := *t.cfg.LastEpoch
	ckpt, err := t.store.LoadModel(last)
	if err != nil {
		return dataError(err, "resume model")
	}
	if err := checkpoints.ApplyWeights(t.model.NamedParameters(), ckpt.Weights); err != nil {
		return dataError(err, "resume model")
	}
	state, err := t.store.LoadOptimizer(last)
	if err != nil {
		return dataError(err, "resume optimizer")
	}
	if err := t.optimizer.LoadState(state); err != nil {
		return dataError(err, "resume optimizer")
	}

	ts := ckpt.TrainingState
	if t.cfg.ScheduleSpst && ts.SpstStep > 0 {
		t.spst = t.spst.At(ts.SpstStep)
		t.weights.Spst = ts.AlphaSpst
		t.weights.MSE = ts.AlphaMSE
	}
	t.phase(PhaseResuming).WithFields(logrus.Fields{
		"epoch":         last,
		"learning_rate": t.optimizer.GetLR(),
		"alpha_mse":     t.weights.MSE,
		"alpha_spst":    t.weights.Spst,
	}).Info("resuming pretrained model")
	return nil
}

// runEpoch trains and validates one epoch, logs its metrics, advances the
// mixing schedule and checkpoints when due.
func (t *Trainer) runEpoch(epoch int) error {
	start := time.Now()

	lr := t.lrSchedule.GetLR(epoch, 0, t.cfg.LearningRate)
	if SwitchLearningRate(t.optimizer, lr) {
		t.phase(PhaseRunning).WithFields(logrus.Fields{"epoch": epoch, "learning_rate": lr}).Info("learning rate switched")
	}

	if t.cfg.ScheduleKLD {
		t.weights.KLD = t.beta.Beta(epoch)
	} else {
		t.weights.KLD = 1
	}

	trainRes, err := t.runner.Train(epoch, t.trainData, t.weights)
	if err != nil {
		return err
	}
	validRes, err := t.runner.Validate(epoch, t.validData, t.weights)
	if err != nil {
		return err
	}

	metrics := NewEpochMetrics(epoch, trainRes, validRes, t.weights, t.optimizer.GetLR())
	metrics.Duration = time.Since(start)
	t.sink.Log(tracking.Record{Step: epoch, Scalars: metrics.Scalars()})

	if t.cfg.ScheduleSpst {
		var v float64
		t.spst, v = t.spst.Step()
		t.weights.Spst = v
		t.weights.MSE = 1 - v
	}

	if t.cfg.Debugging || (epoch+1)%t.cfg.SaveInterval == 0 {
		if err := t.checkpoint(epoch, trainRes, validRes); err != nil {
			return err
		}
	}

	t.phase(PhaseRunning).WithFields(logrus.Fields{
		"epoch":    epoch,
		"duration": time.Since(start).Round(time.Millisecond),
		"train":    trainRes.Losses.Overall,
		"valid":    validRes.Losses.Overall,
	}).Info("epoch finished")
	return nil
}

// checkpoint persists state after epoch under the number epoch+1 and logs
// the visualizations. Only noise generation may fail without aborting.
func (t *Trainer) checkpoint(epoch int, trainRes, validRes *EpochResult) error {
	n := epoch + 1
	log := t.phase(PhaseCheckpointing).WithField("epoch", n)

	state := checkpoints.TrainingState{
		Epoch:        n,
		TotalSteps:   t.cfg.Epochs,
		LearningRate: t.optimizer.GetLR(),
		SpstStep:     t.spst.StepCount,
		AlphaMSE:     t.weights.MSE,
		AlphaSpst:    t.weights.Spst,
	}
	if err := t.store.SaveModel(n, t.model.NamedParameters(), state); err != nil {
		return err
	}
	if err := t.store.SaveOptimizer(n, t.optimizer.State()); err != nil {
		return err
	}
	for prefix, arr := range map[string]*tensor.Tensor{"X": trainRes.X, "y": trainRes.Y, "z": trainRes.Z} {
		path := filepath.Join(t.store.Dir, fmt.Sprintf("%s_train_epoch%d.npy", prefix, n))
		if err := checkpoints.WriteNPY(path, arr.Shape, arr.Data); err != nil {
			return err
		}
	}
	log.Info("checkpoint saved")

	images := make(map[string]image.Image)
	grid, err := ReconstructionGrid(t.model, trainRes.X, trainRes.Z)
	if err != nil {
		return errors.Wrap(err, "training reconstructions")
	}
	images[ImageTrainingReconstructions] = grid
	if grid, err = ReconstructionGrid(t.model, validRes.X, validRes.Z); err != nil {
		return errors.Wrap(err, "validation reconstructions")
	}
	images[ImageValidationReconstructions] = grid

	if t.cfg.NoiseSamples > 0 {
		if grid, err := t.generateFromNoise(); err != nil {
			log.WithError(err).Warn("error generating images from noise")
		} else {
			images[ImageGeneratedFromNoise] = grid
		}
	}

	if t.cfg.Instrumentation {
		for key, res := range map[string]*EpochResult{ImageAutocorrTraining: trainRes, ImageAutocorrValidation: validRes} {
			grid, err := AutocorrelationGrid(res.AutocorrInput, res.AutocorrRecon)
			if err != nil {
				return errors.Wrap(err, key)
			}
			images[key] = grid
		}
	}

	t.sink.Log(tracking.Record{Step: epoch, Images: images})
	log.WithField("images", len(images)).Info("visualizations logged")
	return nil
}

// generateFromNoise calls the noise generator and turns both its errors and
// its panics into ErrVisualization.
func (t *Trainer) generateFromNoise() (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, errors.Wrapf(ErrVisualization, "noise generation panicked: %v", r)
		}
	}()
	img, err = t.noise(t.model, t.cfg.NoiseSamples, t.noiseRNG)
	if err != nil {
		return nil, withKind(ErrVisualization, err)
	}
	return img, nil
}
