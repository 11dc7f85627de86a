package tracking

import (
	"bufio"
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func readRun(t *testing.T, dir string) RunInfo {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, RunFileName))
	if err != nil {
		t.Fatalf("failed to read run file: %v", err)
	}
	var run RunInfo
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("failed to parse run file: %v", err)
	}
	return run
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	logger, hook := test.NewNullLogger()
	run := NewRunInfo("run-a", 3, map[string]interface{}{"lr": 0.001})

	sink, err := NewFileSink(dir, run, logger)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	if got := readRun(t, dir); got.Status != RunStatusRunning || got.RunID != run.RunID {
		t.Errorf("initial run file = %+v", got)
	}

	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(1, 1, color.Gray{Y: 255})
	sink.Log(Record{Step: 0, Scalars: map[string]float64{"mse_training_loss": 1.5}})
	sink.Log(Record{Step: 1, Scalars: map[string]float64{"mse_training_loss": 0.5}, Images: map[string]image.Image{"Training reconstructions": img}})
	sink.Close(RunStatusFinished)

	if len(hook.AllEntries()) != 0 {
		t.Errorf("unexpected log entries: %v", hook.AllEntries())
	}

	f, err := os.Open(filepath.Join(dir, MetricsFileName))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []metricsLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line metricsLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad metrics line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d metrics lines, expected 2", len(lines))
	}
	if lines[1].Step != 1 || lines[1].Scalars["mse_training_loss"] != 0.5 {
		t.Errorf("second line = %+v", lines[1])
	}
	rel := lines[1].Images["Training reconstructions"]
	if rel != filepath.Join(MediaDir, "Training_reconstructions_step1.png") {
		t.Errorf("image path = %q", rel)
	}
	if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
		t.Errorf("image file missing: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ProgressionFileName))
	if err != nil {
		t.Fatal(err)
	}
	var progress ProgressionFile
	if err := json.Unmarshal(data, &progress); err != nil {
		t.Fatal(err)
	}
	if progress.CurrentEpoch != 1 || progress.TotalEpochs != 3 {
		t.Errorf("progression = %+v", progress)
	}

	final := readRun(t, dir)
	if final.Status != RunStatusFinished || final.EndTime == nil {
		t.Errorf("final run file = %+v", final)
	}
}

func TestFileSinkWarnsOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	logger, hook := test.NewNullLogger()
	sink, err := NewFileSink(dir, NewRunInfo("run-b", 1, nil), logger)
	if err != nil {
		t.Fatal(err)
	}
	// A directory where the image file should go makes the write fail.
	if err := os.MkdirAll(filepath.Join(dir, MediaDir, "grid_step0.png"), 0o755); err != nil {
		t.Fatal(err)
	}

	sink.Log(Record{Step: 0, Images: map[string]image.Image{"grid": image.NewGray(image.Rect(0, 0, 1, 1))}})
	sink.Close(RunStatusFailed)

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning, got %v", entry)
	}
	if got := readRun(t, dir); got.Status != RunStatusFailed {
		t.Errorf("status = %s, expected FAILED", got.Status)
	}
}
