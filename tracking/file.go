package tracking

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vae/vision/preprocessing"
)

const (
	MetricsFileName     = "metrics.jsonl"
	RunFileName         = "run.json"
	ProgressionFileName = "progression.json"
	MediaDir            = "media"
)

// ProgressionFile is the training progress snapshot rewritten after every
// logged step, for external watchers.
type ProgressionFile struct {
	CurrentEpoch int                `json:"current_epoch"`
	TotalEpochs  int                `json:"total_epochs"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Timestamp    int64              `json:"timestamp"`
	StartTime    int64              `json:"start_time"`
}

type metricsLine struct {
	Step      int                `json:"step"`
	Timestamp int64              `json:"timestamp"`
	Scalars   map[string]float64 `json:"scalars,omitempty"`
	Images    map[string]string  `json:"images,omitempty"`
}

// FileSink appends records to metrics.jsonl and writes images as PNG files
// under media/.
type FileSink struct {
	dir     string
	run     *RunInfo
	logger  *logrus.Logger
	mu      sync.Mutex
	metrics *os.File
}

// NewFileSink creates dir if needed and writes the initial run.json.
func NewFileSink(dir string, run *RunInfo, logger *logrus.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Join(dir, MediaDir), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create tracking directory %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, MetricsFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metrics file")
	}
	s := &FileSink{dir: dir, run: run, logger: loggerOrDefault(logger), metrics: f}
	if err := s.writeJSON(RunFileName, run); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the directory the sink writes to.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Log(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := metricsLine{Step: rec.Step, Timestamp: time.Now().Unix(), Scalars: rec.Scalars}
	if len(rec.Images) > 0 {
		line.Images = make(map[string]string, len(rec.Images))
		keys := make([]string, 0, len(rec.Images))
		for k := range rec.Images {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rel := filepath.Join(MediaDir, fmt.Sprintf("%s_step%d.png", fileName(k), rec.Step))
			if err := s.writeImage(rel, rec.Images[k]); err != nil {
				s.logger.WithError(err).WithField("image", k).Warn("failed to write tracked image")
				continue
			}
			line.Images[k] = rel
		}
	}

	data, err := json.Marshal(line)
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode metrics line")
		return
	}
	if _, err := s.metrics.Write(append(data, '\n')); err != nil {
		s.logger.WithError(err).Warn("failed to append metrics line")
	}

	if len(rec.Scalars) > 0 {
		progress := ProgressionFile{
			CurrentEpoch: rec.Step,
			TotalEpochs:  s.run.TotalEpochs,
			Metrics:      rec.Scalars,
			Timestamp:    time.Now().Unix(),
			StartTime:    s.run.StartTime.Unix(),
		}
		if err := s.writeJSON(ProgressionFileName, progress); err != nil {
			s.logger.WithError(err).Warn("failed to write progression file")
		}
	}
}

func (s *FileSink) writeImage(rel string, img image.Image) error {
	f, err := os.Create(filepath.Join(s.dir, rel))
	if err != nil {
		return errors.Wrap(err, "failed to create image file")
	}
	if err := preprocessing.EncodePNG(f, img); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "failed to close image file")
}

// Close records the terminal status in run.json and closes the metrics file.
func (s *FileSink) Close(status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.run.End(status)
	if err := s.writeJSON(RunFileName, s.run); err != nil {
		s.logger.WithError(err).Warn("failed to write run file")
	}
	if err := s.metrics.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close metrics file")
	}
}

// writeJSON replaces name atomically.
func (s *FileSink) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", name)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", name)
	}
	return errors.Wrapf(os.Rename(tmp, path), "failed to replace %s", name)
}
