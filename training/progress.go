package training

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vae/layers"
)

// ProgressReporter emits PyTorch-style progress lines for one pass over a
// loader: "Train Epoch: 3 [64/1000 (6%)]" with the running losses attached
// as fields.
type ProgressReporter struct {
	logger       *logrus.Logger
	description  string
	epoch        int
	totalBatches int
	totalSamples int
	startTime    time.Time
}

// NewProgressReporter starts timing a pass of totalBatches batches covering
// totalSamples samples.
func NewProgressReporter(logger *logrus.Logger, description string, epoch, totalBatches, totalSamples int) *ProgressReporter {
	return &ProgressReporter{
		logger:       loggerOrDefault(logger),
		description:  description,
		epoch:        epoch,
		totalBatches: totalBatches,
		totalSamples: totalSamples,
		startTime:    time.Now(),
	}
}

// Update logs the state after batch (0-based) with samples seen so far and
// the losses accumulated over the pass.
func (p *ProgressReporter) Update(batch, samples int, running LossValues) {
	percentage := 0.0
	if p.totalSamples > 0 {
		percentage = float64(samples) / float64(p.totalSamples)
	}
	elapsed := time.Since(p.startTime)
	var eta time.Duration
	if percentage > 0 && percentage < 1 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	p.logger.WithFields(logrus.Fields{
		"epoch":    p.epoch,
		"batch":    batch + 1,
		"batches":  p.totalBatches,
		"samples":  samples,
		"progress": percentage,
		"elapsed":  formatDuration(elapsed),
		"eta":      formatDuration(eta),
		"mse":      running.MSE,
		"content":  running.Content,
		"style":    running.Style,
		"spst":     running.Spst,
		"kld":      running.KLD,
		"loss":     running.Overall,
	}).Infof("%s Epoch: %d [%d/%d (%.0f%%)]", p.description, p.epoch+1, samples, p.totalSamples, percentage*100)
}

// Finish logs the pass totals.
func (p *ProgressReporter) Finish(samples int, totals LossValues) {
	p.logger.WithFields(logrus.Fields{
		"epoch":    p.epoch,
		"samples":  samples,
		"duration": formatDuration(time.Since(p.startTime)),
		"loss":     totals.Overall,
	}).Infof("%s Epoch: %d done", p.description, p.epoch+1)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// LogModelSummary reports the parameter counts of a model.
func LogModelSummary(logger *logrus.Logger, name string, params []layers.NamedParameter) {
	var total, trainable int64
	for _, p := range params {
		n := int64(p.Tensor.NumElems)
		total += n
		if p.Tensor.RequiresGrad() {
			trainable += n
		}
	}
	loggerOrDefault(logger).WithFields(logrus.Fields{
		"model":                name,
		"tensors":              len(params),
		"total_parameters":     formatParameterCount(total),
		"trainable_parameters": formatParameterCount(trainable),
		"frozen_parameters":    formatParameterCount(total - trainable),
		"params_mb":            fmt.Sprintf("%.3f", float64(total*4)/1024/1024),
	}).Info("model summary")
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

func loggerOrDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}
