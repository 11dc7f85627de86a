// Package tracking records the metrics and images a training run produces.
//
// A Sink receives one Record per logged step. Delivery is fire-and-forget:
// sinks report their own failures through the logger and never hand an error
// back to the training loop.
package tracking

import (
	"image"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Record is a single logged step.
type Record struct {
	Step    int
	Scalars map[string]float64
	Images  map[string]image.Image
}

// Sink consumes records for one run.
type Sink interface {
	// Log delivers rec. It does not block on remote peers longer than the
	// sink's own timeout and never fails.
	Log(rec Record)
	// Close marks the run with its terminal status and releases resources.
	Close(status RunStatus)
}

func loggerOrDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// fileName turns a metric or image key into a file-system safe name.
func fileName(key string) string {
	return unsafeName.ReplaceAllString(key, "_")
}
