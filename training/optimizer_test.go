package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/checkpoints"
	"github.com/tsawler/go-vae/tensor"
)

func newParam(t *testing.T, data []float32) *tensor.Tensor {
	t.Helper()
	param, err := tensor.NewTensor([]int{len(data)}, append([]float32(nil), data...))
	if err != nil {
		t.Fatalf("Failed to create parameter tensor: %v", err)
	}
	param.SetRequiresGrad(true)
	return param
}

// setGrad makes param.Grad() equal grad by back-propagating sum(param*grad).
func setGrad(t *testing.T, param *tensor.Tensor, grad []float32) {
	t.Helper()
	tensor.ZeroGrad([]*tensor.Tensor{param})
	g, err := tensor.NewTensor(param.Shape, grad)
	if err != nil {
		t.Fatal(err)
	}
	prod, err := tensor.Mul(param, g)
	if err != nil {
		t.Fatal(err)
	}
	if err := tensor.Sum(prod).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
}

func assertClose(t *testing.T, name string, got []float32, expected []float32, tol float64) {
	t.Helper()
	for i := range expected {
		if math.Abs(float64(got[i]-expected[i])) > tol {
			t.Errorf("%s[%d]: expected %.6f, got %.6f", name, i, expected[i], got[i])
		}
	}
}

func TestSGDOptimizer(t *testing.T) {
	t.Run("Basic SGD update", func(t *testing.T) {
		param := newParam(t, []float32{1.0, 2.0, 3.0})
		setGrad(t, param, []float32{0.1, 0.2, 0.3})

		optimizer := NewSGD([]*tensor.Tensor{param}, 0.1, 0.0, 0.0, 0.0, false)
		if err := optimizer.Step(); err != nil {
			t.Fatalf("SGD step failed: %v", err)
		}

		// new_param = old_param - lr * grad
		assertClose(t, "param", param.Data, []float32{0.99, 1.98, 2.97}, 1e-6)
	})

	t.Run("SGD with momentum", func(t *testing.T) {
		param := newParam(t, []float32{1.0, 2.0})
		optimizer := NewSGD([]*tensor.Tensor{param}, 0.1, 0.9, 0.0, 0.0, false)

		setGrad(t, param, []float32{0.1, 0.2})
		if err := optimizer.Step(); err != nil {
			t.Fatalf("First SGD step failed: %v", err)
		}
		setGrad(t, param, []float32{0.2, 0.1})
		if err := optimizer.Step(); err != nil {
			t.Fatalf("Second SGD step failed: %v", err)
		}

		// v1 = g1, p1 = p0 - lr*v1; v2 = 0.9*v1 + g2, p2 = p1 - lr*v2
		expected := []float32{
			1.0 - 0.1*0.1 - 0.1*(0.9*0.1+0.2),
			2.0 - 0.1*0.2 - 0.1*(0.9*0.2+0.1),
		}
		assertClose(t, "param", param.Data, expected, 1e-6)
	})

	t.Run("Frozen parameters are skipped", func(t *testing.T) {
		param := newParam(t, []float32{1.0})
		setGrad(t, param, []float32{1.0})
		param.SetRequiresGrad(false)

		NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, 0, false).Step()
		if param.Data[0] != 1.0 {
			t.Errorf("frozen parameter changed to %v", param.Data[0])
		}
	})
}

func TestAdamOptimizer(t *testing.T) {
	param := newParam(t, []float32{1.0, -1.0})
	optimizer := NewAdam([]*tensor.Tensor{param}, 0.01, 0.9, 0.999, 1e-8, 0)

	setGrad(t, param, []float32{0.5, -2.0})
	if err := optimizer.Step(); err != nil {
		t.Fatalf("Adam step failed: %v", err)
	}

	// The first bias-corrected step moves each weight by lr against the gradient sign.
	assertClose(t, "param", param.Data, []float32{0.99, -0.99}, 1e-5)
	if optimizer.GetStep() != 1 {
		t.Errorf("step = %d, expected 1", optimizer.GetStep())
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		make func(params []*tensor.Tensor) Optimizer
	}{
		{"Adam", func(p []*tensor.Tensor) Optimizer { return NewAdam(p, 0.01, 0.9, 0.999, 1e-8, 0) }},
		{"SGD", func(p []*tensor.Tensor) Optimizer { return NewSGD(p, 0.01, 0.9, 0, 0, false) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newParam(t, []float32{1, 2, 3})
			b := newParam(t, []float32{1, 2, 3})
			first := tt.make([]*tensor.Tensor{a})
			for i := 0; i < 3; i++ {
				setGrad(t, a, []float32{0.3, -0.1, 0.2})
				first.Step()
			}

			// Persist through the checkpoint store and restore into a fresh optimizer.
			store, err := checkpoints.NewStore(t.TempDir(), checkpoints.FormatProto)
			if err != nil {
				t.Fatal(err)
			}
			if err := store.SaveOptimizer(3, first.State()); err != nil {
				t.Fatalf("SaveOptimizer failed: %v", err)
			}
			state, err := store.LoadOptimizer(3)
			if err != nil {
				t.Fatalf("LoadOptimizer failed: %v", err)
			}

			copy(b.Data, a.Data)
			second := tt.make([]*tensor.Tensor{b})
			second.SetLR(1)
			if err := second.LoadState(state); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if second.GetLR() != 0.01 {
				t.Errorf("restored lr = %v, expected 0.01", second.GetLR())
			}

			// One more identical step must land both copies on the same values.
			setGrad(t, a, []float32{0.3, -0.1, 0.2})
			setGrad(t, b, []float32{0.3, -0.1, 0.2})
			first.Step()
			second.Step()
			assertClose(t, "param", b.Data, a.Data, 1e-7)
		})
	}
}

func TestOptimizerLoadStateRejectsMismatch(t *testing.T) {
	adam := NewAdam([]*tensor.Tensor{newParam(t, []float32{1, 2})}, 0.01, 0.9, 0.999, 1e-8, 0)
	sgd := NewSGD([]*tensor.Tensor{newParam(t, []float32{1, 2})}, 0.01, 0.9, 0, 0, false)

	if err := sgd.LoadState(adam.State()); errors.Cause(err) != checkpoints.ErrMismatch {
		t.Errorf("expected ErrMismatch for a foreign state, got %v", err)
	}

	bigger := NewAdam([]*tensor.Tensor{newParam(t, []float32{1, 2, 3})}, 0.01, 0.9, 0.999, 1e-8, 0)
	if err := bigger.LoadState(adam.State()); errors.Cause(err) != checkpoints.ErrMismatch {
		t.Errorf("expected ErrMismatch for a differently sized parameter, got %v", err)
	}
}

func TestNewOptimizer(t *testing.T) {
	params := []*tensor.Tensor{newParam(t, []float32{1})}
	if opt, err := NewOptimizer("Adam", params, 1e-3, 0); err != nil {
		t.Errorf("NewOptimizer(adam) failed: %v", err)
	} else if _, ok := opt.(*Adam); !ok {
		t.Errorf("expected *Adam, got %T", opt)
	}
	if _, err := NewOptimizer("rmsprop", params, 1e-3, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
