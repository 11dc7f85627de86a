package training

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/checkpoints"
	"github.com/tsawler/go-vae/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate

	// State snapshots hyperparameters and per-parameter buffers;
	// LoadState restores them onto the same parameter list.
	State() *checkpoints.OptimizerState
	LoadState(state *checkpoints.OptimizerState) error
}

// NewOptimizer builds the optimizer named by kind ("adam" or "sgd").
func NewOptimizer(kind string, parameters []*tensor.Tensor, lr, momentum float64) (Optimizer, error) {
	switch strings.ToLower(kind) {
	case "adam":
		return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, 0), nil
	case "sgd":
		return NewSGD(parameters, lr, momentum, 0, 0, false), nil
	default:
		return nil, configErrorf("unknown optimizer %q", kind)
	}
}

// bufferName names the state buffer kind of parameter i, e.g. "param.3.m".
func bufferName(i int, kind string) string {
	return fmt.Sprintf("param.%d.%s", i, kind)
}

func newBuffers(parameters []*tensor.Tensor) [][]float32 {
	buffers := make([][]float32, len(parameters))
	for i, p := range parameters {
		buffers[i] = make([]float32, p.NumElems)
	}
	return buffers
}

func snapshotBuffers(parameters []*tensor.Tensor, buffers [][]float32, kind string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, len(buffers))
	for i, b := range buffers {
		out[i] = checkpoints.OptimizerTensor{
			Name:      bufferName(i, kind),
			Shape:     append([]int(nil), parameters[i].Shape...),
			Data:      append([]float32(nil), b...),
			StateType: kind,
		}
	}
	return out
}

// restoreBuffers copies the buffers of kind from state. Every parameter must
// have a buffer of matching size.
func restoreBuffers(state *checkpoints.OptimizerState, parameters []*tensor.Tensor, buffers [][]float32, kind string) error {
	byName := make(map[string]checkpoints.OptimizerTensor, len(state.StateData))
	for _, t := range state.StateData {
		byName[t.Name] = t
	}
	for i, p := range parameters {
		t, ok := byName[bufferName(i, kind)]
		if !ok {
			return errors.Wrapf(checkpoints.ErrMismatch, "optimizer state lacks %s", bufferName(i, kind))
		}
		if len(t.Data) != p.NumElems {
			return errors.Wrapf(checkpoints.ErrMismatch, "%s has %d values, parameter has %d", t.Name, len(t.Data), p.NumElems)
		}
	}
	for i := range parameters {
		copy(buffers[i], byName[bufferName(i, kind)].Data)
	}
	return nil
}

func checkStateType(state *checkpoints.OptimizerState, want string) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != want {
		return errors.Wrapf(checkpoints.ErrMismatch, "optimizer state is %s, optimizer is %s", state.Type, want)
	}
	return nil
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   [][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   newBuffers(parameters),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	momentum := float32(sgd.momentum)
	for i, param := range sgd.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		velocity := sgd.velocities[i]
		for j, g := range grad.Data {
			// grad = grad + weight_decay * param
			g += float32(sgd.weightDecay) * param.Data[j]
			if sgd.momentum > 0 {
				// velocity = momentum * velocity + (1 - dampening) * grad
				velocity[j] = momentum*velocity[j] + float32(1-sgd.dampening)*g
				if sgd.nesterov {
					g += momentum * velocity[j]
				} else {
					g = velocity[j]
				}
			}
			param.Data[j] -= lr * g
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) State() *checkpoints.OptimizerState {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"lr":           sgd.learningRate,
			"momentum":     sgd.momentum,
			"weight_decay": sgd.weightDecay,
			"dampening":    sgd.dampening,
		},
		StateData: snapshotBuffers(sgd.parameters, sgd.velocities, "velocity"),
	}
}

func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := checkStateType(state, "SGD"); err != nil {
		return err
	}
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	if err := restoreBuffers(state, sgd.parameters, sgd.velocities, "velocity"); err != nil {
		return err
	}
	if lr, ok := state.Parameters["lr"]; ok {
		sgd.learningRate = lr
	}
	if m, ok := state.Parameters["momentum"]; ok {
		sgd.momentum = m
	}
	if wd, ok := state.Parameters["weight_decay"]; ok {
		sgd.weightDecay = wd
	}
	if d, ok := state.Parameters["dampening"]; ok {
		sgd.dampening = d
	}
	return nil
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           [][]float32 // First moment estimates
	v           [][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           newBuffers(parameters),
		v:           newBuffers(parameters),
	}
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		m, v := adam.m[i], adam.v[i]
		for j, g32 := range grad.Data {
			g := float64(g32) + adam.weightDecay*float64(param.Data[j])

			// m = beta1 * m + (1 - beta1) * grad, v = beta2 * v + (1 - beta2) * grad^2
			mj := adam.beta1*float64(m[j]) + (1-adam.beta1)*g
			vj := adam.beta2*float64(v[j]) + (1-adam.beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			mHat := mj / bias1
			vHat := vj / bias2
			param.Data[j] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// GetStep returns the number of steps taken.
func (adam *Adam) GetStep() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

func (adam *Adam) State() *checkpoints.OptimizerState {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	data := snapshotBuffers(adam.parameters, adam.m, "m")
	data = append(data, snapshotBuffers(adam.parameters, adam.v, "v")...)
	return &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"lr":           adam.lr,
			"beta1":        adam.beta1,
			"beta2":        adam.beta2,
			"epsilon":      adam.eps,
			"weight_decay": adam.weightDecay,
			"step":         float64(adam.step),
		},
		StateData: data,
	}
}

func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := checkStateType(state, "Adam"); err != nil {
		return err
	}
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	if err := restoreBuffers(state, adam.parameters, adam.m, "m"); err != nil {
		return err
	}
	if err := restoreBuffers(state, adam.parameters, adam.v, "v"); err != nil {
		return err
	}
	for key, dst := range map[string]*float64{
		"lr":           &adam.lr,
		"beta1":        &adam.beta1,
		"beta2":        &adam.beta2,
		"epsilon":      &adam.eps,
		"weight_decay": &adam.weightDecay,
	} {
		if v, ok := state.Parameters[key]; ok {
			*dst = v
		}
	}
	adam.step = int64(state.Parameters["step"])
	return nil
}
