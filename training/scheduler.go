package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Implementations are pure functions of the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// FineTuneScheduler keeps the base rate until the run passes a fraction of
// its epochs, then switches to a fixed fine-tuning rate.
type FineTuneScheduler struct {
	TotalEpochs int
	Fraction    float64 // switch once epoch > floor(TotalEpochs*Fraction)
	FineTuneLR  float64
}

// NewFineTuneScheduler creates a fine-tune switch. A fraction outside (0, 1]
// defaults to 0.9.
func NewFineTuneScheduler(totalEpochs int, fraction, fineTuneLR float64) *FineTuneScheduler {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.9
	}
	return &FineTuneScheduler{
		TotalEpochs: totalEpochs,
		Fraction:    fraction,
		FineTuneLR:  fineTuneLR,
	}
}

// Threshold returns the last epoch that still uses the base rate.
func (s *FineTuneScheduler) Threshold() int {
	return int(math.Floor(float64(s.TotalEpochs) * s.Fraction))
}

// Active reports whether epoch trains with the fine-tuning rate.
func (s *FineTuneScheduler) Active(epoch int) bool {
	return epoch > s.Threshold()
}

func (s *FineTuneScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.Active(epoch) {
		return s.FineTuneLR
	}
	return baseLR
}

func (s *FineTuneScheduler) GetName() string {
	return "FineTuneLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SwitchLearningRate sets the optimizer's rate to lr. It reports whether the
// rate changed; calling it again with the same rate is a no-op.
func SwitchLearningRate(opt Optimizer, lr float64) bool {
	if opt.GetLR() == lr {
		return false
	}
	opt.SetLR(lr)
	return true
}

// exponentialRate controls how sharply the exponential ramp bends.
const exponentialRate = 5.0

// ExponentialSchedule ramps from start at epoch 0 to maxValue at totalEpochs
// along start + (max-start)·(e^(r·t)-1)/(e^r-1), t = epoch/totalEpochs. The
// epoch is clamped to [0, totalEpochs].
func ExponentialSchedule(epoch int, start, maxValue float64, totalEpochs int) float64 {
	if totalEpochs <= 0 {
		return maxValue
	}
	e := math.Max(0, math.Min(float64(epoch), float64(totalEpochs)))
	t := e / float64(totalEpochs)
	return start + (maxValue-start)*math.Expm1(exponentialRate*t)/math.Expm1(exponentialRate)
}

// ExponentialScheduler anneals the KL weight. It holds no state between calls.
type ExponentialScheduler struct {
	Start       float64
	MaxValue    float64
	TotalEpochs int
}

// NewExponentialScheduler creates a beta scheduler. A small start such as
// latent size over input size avoids posterior collapse early on.
func NewExponentialScheduler(start, maxValue float64, totalEpochs int) ExponentialScheduler {
	return ExponentialScheduler{Start: start, MaxValue: maxValue, TotalEpochs: totalEpochs}
}

// Beta returns the KL weight for epoch.
func (s ExponentialScheduler) Beta(epoch int) float64 {
	return ExponentialSchedule(epoch, s.Start, s.MaxValue, s.TotalEpochs)
}

// sigmoidSteepness sets the logistic range sampled by the ramp: [-6, 6].
const sigmoidSteepness = 12.0

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// sigmoidRamp maps k in [0, total] onto [0, 1] along a logistic curve
// rescaled so that ramp(0) = 0 and ramp(total) = 1.
func sigmoidRamp(k, total int) float64 {
	if total <= 0 {
		return 1
	}
	if k < 0 {
		k = 0
	}
	if k > total {
		k = total
	}
	lo := sigmoid(-sigmoidSteepness / 2)
	hi := sigmoid(sigmoidSteepness / 2)
	x := sigmoidSteepness * (float64(k)/float64(total) - 0.5)
	return (sigmoid(x) - lo) / (hi - lo)
}

// SigmoidScheduler is the loss-mixing coefficient schedule. It is a value:
// Step returns the advanced scheduler together with the coefficient instead
// of mutating the receiver, so a schedule can be checkpointed and resumed
// from its StepCount.
type SigmoidScheduler struct {
	Start     float64 // coefficient before the first step, clamped to [0, 1]
	Max       float64 // coefficient after TotalEpochs steps
	Epochs    int
	StepCount int
}

// NewSigmoidScheduler creates a schedule rising from initial to 1 over
// totalEpochs steps.
func NewSigmoidScheduler(initial float64, totalEpochs int) SigmoidScheduler {
	return SigmoidScheduler{
		Start:  math.Max(0, math.Min(1, initial)),
		Max:    1,
		Epochs: totalEpochs,
	}
}

// Value returns the coefficient at the current step count.
func (s SigmoidScheduler) Value() float64 {
	return s.Start + (s.Max-s.Start)*sigmoidRamp(s.StepCount, s.Epochs)
}

// Step advances the counter by one and returns the new scheduler and its
// coefficient. Past Epochs the coefficient stays at Max.
func (s SigmoidScheduler) Step() (SigmoidScheduler, float64) {
	s.StepCount++
	return s, s.Value()
}

// At returns the scheduler positioned at step count k.
func (s SigmoidScheduler) At(k int) SigmoidScheduler {
	s.StepCount = k
	return s
}
