package training

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vae"
)

// EpochResult is what one pass over a loader produces. Losses are summed
// over batches, not averaged, so their magnitude grows with the number of
// batches. The tensors belong to the last batch and are detached.
type EpochResult struct {
	Losses  LossValues
	Batches int
	Samples int

	X *tensor.Tensor // images
	Y *tensor.Tensor // labels
	Z *tensor.Tensor // latent codes

	Mu     Summary
	LogVar Summary

	// Gradients are per-group statistics averaged over the training batches;
	// nil for validation or without instrumentation.
	Gradients map[string]GradientStats

	AutocorrInput *tensor.Tensor
	AutocorrRecon *tensor.Tensor
}

// EpochRunner executes training and validation passes of a VAE.
type EpochRunner struct {
	model           *vae.ResNetVAE
	loss            *LossComposer
	optimizer       Optimizer
	logger          *logrus.Logger
	logInterval     int
	instrumentation bool
}

// NewEpochRunner wires a runner. logInterval is the number of batches
// between progress lines.
func NewEpochRunner(model *vae.ResNetVAE, loss *LossComposer, optimizer Optimizer, logInterval int, instrumentation bool, logger *logrus.Logger) *EpochRunner {
	if logInterval <= 0 {
		logInterval = 1
	}
	return &EpochRunner{
		model:           model,
		loss:            loss,
		optimizer:       optimizer,
		logger:          loggerOrDefault(logger),
		logInterval:     logInterval,
		instrumentation: instrumentation,
	}
}

// Train runs one optimisation pass: for each batch it clears gradients,
// runs the model, composes the loss, optionally measures per-group
// gradients, back-propagates and steps the optimizer.
func (r *EpochRunner) Train(epoch int, loader *DataLoader, w LossWeights) (*EpochResult, error) {
	r.model.Train()
	params := r.model.Parameters()
	progress := NewProgressReporter(r.logger, "Train", epoch, loader.Len(), loader.NumSamples())

	var grads *GradientAccumulator
	if r.instrumentation {
		grads = NewGradientAccumulator()
	}

	result := &EpochResult{}
	loader.Reset()
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return nil, dataError(err, "load training batch")
		}

		r.optimizer.ZeroGrad()
		out, err := r.model.Forward(batch.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d batch %d: forward", epoch, result.Batches)
		}
		res, err := r.loss.Compute(batch.Data, out.Recon, out.Mu, out.LogVar, w)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d batch %d: loss", epoch, result.Batches)
		}

		if grads != nil {
			stats, err := collectGroupGradients(res, params)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d batch %d: gradient statistics", epoch, result.Batches)
			}
			grads.Add(stats)
		}

		if err := res.Overall.Backward(); err != nil {
			return nil, errors.Wrapf(err, "epoch %d batch %d: backward", epoch, result.Batches)
		}
		if err := r.optimizer.Step(); err != nil {
			return nil, errors.Wrapf(err, "epoch %d batch %d: optimizer step", epoch, result.Batches)
		}

		result.record(batch, out, res)
		if result.Batches%r.logInterval == 0 {
			progress.Update(result.Batches-1, result.Samples, result.Losses)
		}
	}
	if grads != nil {
		result.Gradients = grads.Mean()
	}
	progress.Finish(result.Samples, result.Losses)
	return result, nil
}

// Validate runs the same forward and loss computation without recording a
// graph or touching the optimizer. The model is left in evaluation mode.
func (r *EpochRunner) Validate(epoch int, loader *DataLoader, w LossWeights) (*EpochResult, error) {
	r.model.Eval()
	result := &EpochResult{}

	err := r.model.NoGrad(func() error {
		loader.Reset()
		for loader.HasNext() {
			batch, err := loader.Next()
			if err != nil {
				return dataError(err, "load validation batch")
			}
			out, err := r.model.Forward(batch.Data)
			if err != nil {
				return errors.Wrapf(err, "validation epoch %d batch %d: forward", epoch, result.Batches)
			}
			res, err := r.loss.Compute(batch.Data, out.Recon, out.Mu, out.LogVar, w)
			if err != nil {
				return errors.Wrapf(err, "validation epoch %d batch %d: loss", epoch, result.Batches)
			}
			result.record(batch, out, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"epoch":   epoch,
		"samples": result.Samples,
		"loss":    result.Losses.Overall,
		"mse":     result.Losses.MSE,
		"kld":     result.Losses.KLD,
	}).Info("validation done")
	return result, nil
}

// record adds a batch to the epoch totals and keeps it as the last batch.
func (e *EpochResult) record(batch *Batch, out *vae.Output, res *LossResult) {
	e.Losses = e.Losses.Add(res.Values())
	e.Batches++
	e.Samples += batch.Size()

	e.X = batch.Data
	e.Y = batch.Labels
	e.Z = out.Z.Detach()
	e.Mu = Summarize(out.Mu.Detach())
	e.LogVar = Summarize(out.LogVar.Detach())
	e.AutocorrInput = res.AutocorrInput
	e.AutocorrRecon = res.AutocorrRecon
}
