package tracking

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// LogSink writes every record as a single structured log entry.
type LogSink struct {
	logger *logrus.Logger
	run    *RunInfo
}

func NewLogSink(run *RunInfo, logger *logrus.Logger) *LogSink {
	return &LogSink{logger: loggerOrDefault(logger), run: run}
}

func (s *LogSink) Log(rec Record) {
	fields := logrus.Fields{"step": rec.Step}
	for k, v := range rec.Scalars {
		fields[k] = v
	}
	if len(rec.Images) > 0 {
		names := make([]string, 0, len(rec.Images))
		for k := range rec.Images {
			names = append(names, k)
		}
		sort.Strings(names)
		fields["images"] = names
	}
	s.logger.WithFields(fields).Info("metrics")
}

func (s *LogSink) Close(status RunStatus) {
	entry := s.logger.WithField("status", status)
	if s.run != nil {
		entry = entry.WithFields(logrus.Fields{"run_id": s.run.RunID, "run": s.run.RunName})
	}
	entry.Info("run closed")
}
