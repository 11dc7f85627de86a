package tracking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PlotType names a plot understood by the plotting sidecar.
type PlotType string

const TrainingCurves PlotType = "training_curves"

// PlotData is the JSON document the plotting sidecar renders.
type PlotData struct {
	PlotType  PlotType               `json:"plot_type"`
	Title     string                 `json:"title"`
	Timestamp time.Time              `json:"timestamp"`
	ModelName string                 `json:"model_name"`
	Series    []SeriesData           `json:"series"`
	Config    PlotConfig             `json:"config"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData is a single named curve.
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter"
	Data []DataPoint `json:"data"`
}

type DataPoint struct {
	X interface{} `json:"x"`
	Y interface{} `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// PlottingConfig configures the sidecar client.
type PlottingConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultPlottingConfig returns default configuration for the plotting service
func DefaultPlottingConfig() PlottingConfig {
	return PlottingConfig{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
	}
}

// PlottingSink keeps the scalar history of a run and re-posts it as
// training curves to the plotting sidecar after every record. Images are not
// forwarded.
type PlottingSink struct {
	baseURL    string
	httpClient *http.Client
	run        *RunInfo
	logger     *logrus.Logger

	mu     sync.Mutex
	series map[string][]DataPoint
}

func NewPlottingSink(config PlottingConfig, run *RunInfo, logger *logrus.Logger) *PlottingSink {
	return &PlottingSink{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		run:        run,
		logger:     loggerOrDefault(logger),
		series:     make(map[string][]DataPoint),
	}
}

func (ps *PlottingSink) Log(rec Record) {
	if len(rec.Scalars) == 0 {
		return
	}
	ps.mu.Lock()
	for name, v := range rec.Scalars {
		ps.series[name] = append(ps.series[name], DataPoint{X: rec.Step, Y: v})
	}
	plot := ps.curves()
	ps.mu.Unlock()

	if _, err := ps.SendPlotData(plot); err != nil {
		ps.logger.WithError(err).WithField("step", rec.Step).Warn("failed to send training curves")
	}
}

func (ps *PlottingSink) Close(RunStatus) {}

// curves builds the training_curves plot from the collected history.
// Callers hold ps.mu.
func (ps *PlottingSink) curves() PlotData {
	names := make([]string, 0, len(ps.series))
	for name := range ps.series {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]SeriesData, 0, len(names))
	for _, name := range names {
		series = append(series, SeriesData{
			Name: name,
			Type: "line",
			Data: append([]DataPoint(nil), ps.series[name]...),
		})
	}

	plot := PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training Progress",
		Timestamp: time.Now(),
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Epoch",
			YAxisLabel:  "Value",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
	if ps.run != nil {
		plot.ModelName = ps.run.RunName
		plot.Metrics = map[string]interface{}{"run_id": ps.run.RunID}
	}
	return plot
}

// SendPlotData sends plot data to the sidecar plotting service
func (ps *PlottingSink) SendPlotData(plotData PlotData) (*PlottingResponse, error) {
	jsonData, err := json.Marshal(plotData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal plot data")
	}

	url := fmt.Sprintf("%s/api/plot", ps.baseURL)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-vae-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	var plotResponse PlottingResponse
	if err := json.Unmarshal(respBody, &plotResponse); err != nil {
		return nil, errors.Wrap(err, "failed to parse response JSON")
	}

	if resp.StatusCode != http.StatusOK {
		return &plotResponse, errors.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResponse.Message)
	}
	return &plotResponse, nil
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingSink) CheckHealth() error {
	resp, err := ps.httpClient.Get(fmt.Sprintf("%s/health", ps.baseURL))
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
