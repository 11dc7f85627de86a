package tracking

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// RunInfo describes a training run.
type RunInfo struct {
	RunID       string                 `json:"run_id"`
	RunName     string                 `json:"run_name"`
	Status      RunStatus              `json:"status"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     *time.Time             `json:"end_time,omitempty"`
	TotalEpochs int                    `json:"total_epochs"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// NewRunInfo starts a run with a fresh ID.
func NewRunInfo(name string, totalEpochs int, params map[string]interface{}) *RunInfo {
	return &RunInfo{
		RunID:       uuid.New().String(),
		RunName:     name,
		Status:      RunStatusRunning,
		StartTime:   time.Now(),
		TotalEpochs: totalEpochs,
		Params:      params,
	}
}

// End records the terminal status. Only the first call has an effect.
func (r *RunInfo) End(status RunStatus) {
	if r.EndTime != nil {
		return
	}
	now := time.Now()
	r.EndTime = &now
	r.Status = status
}
