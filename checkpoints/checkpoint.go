package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/layers"
)

// ErrMismatch reports a checkpoint whose tensors do not fit the live model.
var ErrMismatch = errors.New("checkpoint does not match model")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "proto" or "json" to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "proto", "protobuf", "":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is the content of one checkpoint file. Model files carry
// Weights and TrainingState; optimizer files carry OptimizerState.
type Checkpoint struct {
	Weights        []WeightTensor     `json:"weights,omitempty"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the progress needed to resume a run: the epoch the
// checkpoint closes, the learning rate in force, and where the loss-mixing
// schedule stands.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	TotalSteps   int     `json:"total_steps"`
	LearningRate float64 `json:"learning_rate"`
	SpstStep     int     `json:"spst_step"`
	AlphaMSE     float64 `json:"alpha_mse"`
	AlphaSpst    float64 `json:"alpha_spst"`
}

// OptimizerState captures optimizer-specific state (moments, velocities, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam", "SGD"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "velocity"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint saves a checkpoint to path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-vae"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	switch cs.format {
	case FormatProto:
		data = marshalCheckpoint(checkpoint)
	case FormatJSON:
		var err error
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return nil
}

// LoadCheckpoint loads a checkpoint from path.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint file")
	}

	switch cs.format {
	case FormatProto:
		ckpt, err := unmarshalCheckpoint(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return ckpt, nil
	case FormatJSON:
		var ckpt Checkpoint
		if err := json.Unmarshal(data, &ckpt); err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return &ckpt, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// splitName splits "decoder_fc.2.weight" into layer "decoder_fc.2" and type "weight".
func splitName(name string) (layer, kind string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// ExtractWeights copies every parameter into a WeightTensor.
func ExtractWeights(params []layers.NamedParameter) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		layer, kind := splitName(p.Name)
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float32(nil), p.Tensor.Data...),
			Layer: layer,
			Type:  kind,
		}
	}
	return weights
}

// ApplyWeights copies checkpointed values into the live parameters. Every
// parameter must be present with an identical shape; nothing is written
// unless all of them match.
func ApplyWeights(params []layers.NamedParameter, weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Wrapf(ErrMismatch, "missing tensor %s", p.Name)
		}
		if !sameShape(w.Shape, p.Tensor.Shape) || len(w.Data) != p.Tensor.NumElems {
			return errors.Wrapf(ErrMismatch, "tensor %s has shape %v (%d values), model expects %v",
				p.Name, w.Shape, len(w.Data), p.Tensor.Shape)
		}
	}
	if len(byName) != len(params) {
		return errors.Wrapf(ErrMismatch, "checkpoint has %d tensors, model has %d", len(byName), len(params))
	}

	for _, p := range params {
		copy(p.Tensor.Data, byName[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Store names and persists per-epoch model and optimizer files inside a run
// directory: model_epoch{N}.pth and optimizer_epoch{N}.pth.
type Store struct {
	Dir   string
	saver *CheckpointSaver
}

// NewStore creates dir if needed and returns a Store writing format.
func NewStore(dir string, format CheckpointFormat) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	return &Store{Dir: dir, saver: NewCheckpointSaver(format)}, nil
}

func (s *Store) ModelPath(epoch int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("model_epoch%d.pth", epoch))
}

func (s *Store) OptimizerPath(epoch int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("optimizer_epoch%d.pth", epoch))
}

// SaveModel writes the model weights and training state for epoch.
func (s *Store) SaveModel(epoch int, params []layers.NamedParameter, state TrainingState) error {
	ckpt := &Checkpoint{
		Weights:       ExtractWeights(params),
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-vae",
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("model state after epoch %d", epoch),
		},
	}
	return errors.Wrapf(s.saver.SaveCheckpoint(ckpt, s.ModelPath(epoch)), "save model epoch %d", epoch)
}

// LoadModel reads the model checkpoint written for epoch.
func (s *Store) LoadModel(epoch int) (*Checkpoint, error) {
	ckpt, err := s.saver.LoadCheckpoint(s.ModelPath(epoch))
	if err != nil {
		return nil, errors.Wrapf(err, "load model epoch %d", epoch)
	}
	return ckpt, nil
}

// SaveOptimizer writes the optimizer state for epoch.
func (s *Store) SaveOptimizer(epoch int, state *OptimizerState) error {
	ckpt := &Checkpoint{
		OptimizerState: state,
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-vae",
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("optimizer state after epoch %d", epoch),
		},
	}
	return errors.Wrapf(s.saver.SaveCheckpoint(ckpt, s.OptimizerPath(epoch)), "save optimizer epoch %d", epoch)
}

// LoadOptimizer reads the optimizer state written for epoch.
func (s *Store) LoadOptimizer(epoch int) (*OptimizerState, error) {
	ckpt, err := s.saver.LoadCheckpoint(s.OptimizerPath(epoch))
	if err != nil {
		return nil, errors.Wrapf(err, "load optimizer epoch %d", epoch)
	}
	if ckpt.OptimizerState == nil {
		return nil, errors.Errorf("%s holds no optimizer state", s.OptimizerPath(epoch))
	}
	return ckpt.OptimizerState, nil
}
