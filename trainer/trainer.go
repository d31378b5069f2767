// Package trainer drives a network through the supervised training
// state machine described by spec.md §4.6, grounded line-for-line on
// original_source/neuralnet/trainer.cpp's update/do_training_cycle/
// do_eval/check_eval_keys/regenerate_training_cycle/compute_test_cost.
package trainer

import (
	"github.com/pkg/errors"

	"github.com/ktrain-go/ffnet/dataset"
	"github.com/ktrain-go/ffnet/eval"
	"github.com/ktrain-go/ffnet/nn"
)

// Phase is which dataset group the trainer is currently driving.
type Phase int

const (
	Training Phase = iota
	Testing
	Evaluation
)

func (p Phase) String() string {
	switch p {
	case Training:
		return "training"
	case Testing:
		return "testing"
	case Evaluation:
		return "evaluation"
	default:
		return "unknown"
	}
}

func (p Phase) group() dataset.Group {
	switch p {
	case Testing:
		return dataset.Testing
	case Evaluation:
		return dataset.Evaluation
	default:
		return dataset.Training
	}
}

// Stage is the sub-step a training-phase tick is in. Only meaningful
// while Phase == Training.
type Stage int

const (
	StageEval Stage = iota
	StageBackprop
	StageDeltas
)

// Config holds the hyperparameters spec.md §4.6 names.
type Config struct {
	BatchSize          int
	EvalBatchSize      int
	LearningRate       float32
	MinimumAverageCost float32
}

// trainingModeSetter is implemented by evaluators that pin GPU resources
// for the duration of a training run (currently gpueval.Evaluator).
// cpueval.Evaluator has no such resources and simply doesn't implement it.
type trainingModeSetter interface {
	SetTrainingMode(bool)
}

// Trainer drives one network through the phase/stage state machine.
type Trainer struct {
	network   *nn.Network
	evaluator eval.Evaluator
	data      dataset.Dataset
	config    Config

	running bool

	batchCount       int
	currentBatch     int
	currentEvalIndex int
	trainingCycle    []int

	phase Phase
	stage Stage

	currentEvalKeys []eval.Handle
	expectedByKey   map[eval.Handle][]float32
	evalCosts       []float32

	callbacks []func(Phase, float32)
}

// New creates a trainer for network, driven by evaluator against data.
// If the evaluator supports pinning resources for training, it is pinned
// immediately, matching the reference trainer's constructor calling
// evaluator->set_training(true).
func New(network *nn.Network, evaluator eval.Evaluator, data dataset.Dataset, config Config) *Trainer {
	t := &Trainer{
		network:       network,
		evaluator:     evaluator,
		data:          data,
		config:        config,
		expectedByKey: make(map[eval.Handle][]float32),
	}
	if setter, ok := evaluator.(trainingModeSetter); ok {
		setter.SetTrainingMode(true)
	}
	return t
}

// OnEvalComplete registers a callback fired with each testing/evaluation
// phase's computed average cost, the way
// original_source/trainer.h's on_eval_batch_complete does; dropped by the
// spec's distillation of the Trainer State but reinstated here since it
// is observable behavior a caller can otherwise only get by polling.
func (t *Trainer) OnEvalComplete(fn func(Phase, float32)) {
	t.callbacks = append(t.callbacks, fn)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (t *Trainer) IsRunning() bool { return t.running }

// Close unpins the evaluator's training-mode resources, if any. Go has
// no destructors, so callers that created a Trainer must call Close when
// done with it, mirroring the reference trainer's destructor calling
// evaluator->set_training(false).
func (t *Trainer) Close() {
	if setter, ok := t.evaluator.(trainingModeSetter); ok {
		setter.SetTrainingMode(false)
	}
}

// Start begins a training run: requires the dataset to have at least a
// training and testing group, opens in the testing phase (spec.md §4.6:
// "phase moves to testing" gates the very first training epoch), and
// regenerates the training cycle for when the trainer does reach the
// training phase.
func (t *Trainer) Start() error {
	if t.running {
		return nil
	}

	groups := t.data.Groups()
	if !groups[dataset.Training] {
		return eval.Wrap(eval.PreconditionFailure, "trainer: dataset has no training group")
	}
	if !groups[dataset.Testing] {
		return eval.Wrap(eval.PreconditionFailure, "trainer: dataset has no testing group")
	}

	t.phase = Testing
	t.stage = StageEval
	t.currentEvalIndex = 0
	t.evalCosts = nil
	t.currentEvalKeys = nil

	trainingSampleCount := t.data.SampleCount(dataset.Training)
	if t.config.BatchSize <= 0 {
		return eval.Wrap(eval.PreconditionFailure, "trainer: batch size must be positive")
	}
	t.batchCount = trainingSampleCount / t.config.BatchSize

	t.running = true
	t.regenerateTrainingCycle()

	return nil
}

// Stop halts the run without releasing evaluator resources; a later
// Start resumes from the testing phase.
func (t *Trainer) Stop() {
	t.running = false
}

// Update advances the state machine by one edge-triggered tick, matching
// trainer::update's dispatch on phase.
func (t *Trainer) Update() error {
	if !t.running {
		return nil
	}

	if t.phase == Training {
		done, err := t.doTrainingCycle()
		if err != nil {
			return err
		}
		if done {
			t.phase = Testing
			t.currentEvalIndex = 0
		}
		return nil
	}

	ready, err := t.doEval()
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	avg, ok := t.computeTestCost()
	if !ok {
		return nil
	}

	for _, cb := range t.callbacks {
		cb(t.phase, avg)
	}

	if avg < t.config.MinimumAverageCost {
		switch t.phase {
		case Testing:
			if t.data.Groups()[dataset.Evaluation] {
				t.phase = Evaluation
				t.currentEvalIndex = 0
			} else {
				t.Stop()
			}
		case Evaluation:
			t.Stop()
		}
	} else {
		t.phase = Training
	}

	return nil
}

// regenerateTrainingCycle reshuffles a fresh permutation of training
// indices via the shared RNG, per spec.md §4.6's Fisher-Yates
// requirement, grounded on trainer::regenerate_training_cycle.
func (t *Trainer) regenerateTrainingCycle() {
	t.currentBatch = 0

	n := t.data.SampleCount(dataset.Training)
	cycle := make([]int, n)
	for i := range cycle {
		cycle[i] = i
	}

	for i := len(cycle) - 1; i > 0; i-- {
		j := nn.SharedRandom.Intn(i + 1)
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}

	t.trainingCycle = cycle
}

// eval submits one training batch for forward evaluation, matching
// trainer::eval.
func (t *Trainer) eval() error {
	batchSize := t.config.BatchSize
	inputCount := t.data.InputCount()
	outputCount := t.data.OutputCount()

	batchInputs := make([]float32, 0, batchSize*inputCount)
	batchOutputs := make([]float32, 0, batchSize*outputCount)

	for i := 0; i < batchSize; i++ {
		cycleIndex := i + t.currentBatch*batchSize
		sampleIndex := t.trainingCycle[cycleIndex]

		inputs, outputs, ok := t.data.GetSample(dataset.Training, sampleIndex)
		if !ok {
			return eval.Wrap(eval.IOError, "trainer: failed to retrieve training sample %d", sampleIndex)
		}

		batchInputs = append(batchInputs, inputs...)
		batchOutputs = append(batchOutputs, outputs...)
	}

	key, err := t.evaluator.BeginEval(t.network, batchInputs)
	if err != nil {
		return errors.Wrap(err, "trainer: begin evaluation")
	}

	t.expectedByKey[key] = batchOutputs
	t.currentEvalKeys = append(t.currentEvalKeys, key)
	return nil
}

// backprop submits backpropagation for every in-flight eval key, matching
// trainer::backprop.
func (t *Trainer) backprop() error {
	if len(t.currentEvalKeys) == 0 {
		return nil
	}

	evalKeys := t.currentEvalKeys
	t.currentEvalKeys = nil

	for _, evalKey := range evalKeys {
		expected, ok := t.expectedByKey[evalKey]
		if !ok {
			return eval.Wrap(eval.PreconditionFailure, "trainer: missing expected outputs for key %d", evalKey)
		}

		outputs, err := t.evaluator.GetEvalResult(evalKey)
		if err != nil {
			return errors.Wrap(err, "trainer: get eval result")
		}

		key, err := t.evaluator.BeginBackprop(t.network, eval.BackpropInput{EvalOutputs: outputs, Expected: expected})
		if err != nil {
			return errors.Wrap(err, "trainer: begin backpropagation")
		}

		delete(t.expectedByKey, evalKey)
		if err := t.evaluator.FreeResult(evalKey); err != nil {
			return errors.Wrap(err, "trainer: free eval result")
		}
		t.currentEvalKeys = append(t.currentEvalKeys, key)
	}

	return nil
}

// composeDeltas applies accumulated gradients to the live network,
// matching trainer::compose_deltas.
func (t *Trainer) composeDeltas() (bool, error) {
	t.currentBatch++
	isLastBatch := t.currentBatch == t.batchCount

	scalar := t.config.LearningRate / float32(t.config.BatchSize)
	err := t.evaluator.ComposeDeltas(eval.ComposeDeltasInput{
		Network: t.network,
		Keys:    t.currentEvalKeys,
		Scalar:  scalar,
		Copy:    isLastBatch,
	})
	if err != nil {
		return false, errors.Wrap(err, "trainer: compose deltas")
	}

	for _, key := range t.currentEvalKeys {
		if err := t.evaluator.FreeResult(key); err != nil {
			return false, errors.Wrap(err, "trainer: free backprop result")
		}
	}
	t.currentEvalKeys = nil

	return isLastBatch, nil
}

// doTrainingCycle advances the eval/backprop/deltas sub-stage machine by
// one tick, matching trainer::do_training_cycle.
func (t *Trainer) doTrainingCycle() (bool, error) {
	for {
		for _, key := range t.currentEvalKeys {
			if !t.evaluator.IsResultReady(key) {
				return false, nil
			}
		}

		if len(t.currentEvalKeys) != 0 {
			switch t.stage {
			case StageEval:
				t.stage = StageBackprop
			case StageBackprop:
				t.stage = StageDeltas
			}
		}

		switch t.stage {
		case StageEval:
			if err := t.eval(); err != nil {
				return false, err
			}
		case StageBackprop:
			if err := t.backprop(); err != nil {
				return false, err
			}
		case StageDeltas:
			t.stage = StageEval
			done, err := t.composeDeltas()
			if err != nil {
				return false, err
			}
			if done {
				t.regenerateTrainingCycle()
				return true, nil
			}
			return false, nil
		}
	}
}

// checkEvalKeys retrieves and costs every in-flight testing/evaluation
// key, matching trainer::check_eval_keys. It returns true if any key is
// not yet ready (the caller must wait).
func (t *Trainer) checkEvalKeys() (bool, error) {
	var costs []float32

	for _, key := range t.currentEvalKeys {
		if !t.evaluator.IsResultReady(key) {
			return true, nil
		}

		output, err := t.evaluator.GetEvalResult(key)
		if err != nil {
			return false, errors.Wrap(err, "trainer: get eval result")
		}

		expected, ok := t.expectedByKey[key]
		if !ok {
			return false, eval.Wrap(eval.PreconditionFailure, "trainer: missing expected outputs for key %d", key)
		}

		outputs, err := t.evaluator.RetrieveEvalValues(t.network, output, nil)
		if err != nil {
			return false, errors.Wrap(err, "trainer: retrieve eval values")
		}

		for i, v := range outputs {
			costs = append(costs, t.evaluator.CostFunction(v, expected[i]))
		}

		delete(t.expectedByKey, key)
	}

	t.evalCosts = append(t.evalCosts, costs...)
	return false, nil
}

// doEval submits and drains one testing/evaluation batch, matching
// trainer::do_eval. It returns true once the whole group has been
// consumed.
func (t *Trainer) doEval() (bool, error) {
	group := t.phase.group()
	sampleCount := t.data.SampleCount(group)

	batchSize := t.config.EvalBatchSize
	if remaining := sampleCount - t.currentEvalIndex; remaining < batchSize {
		batchSize = remaining
	}

	if len(t.currentEvalKeys) != 0 {
		waiting, err := t.checkEvalKeys()
		if err != nil {
			return false, err
		}
		if waiting {
			return false, nil
		}

		t.currentEvalIndex += batchSize
		for _, k := range t.currentEvalKeys {
			if err := t.evaluator.FreeResult(k); err != nil {
				return false, errors.Wrap(err, "trainer: free eval result")
			}
		}
		t.currentEvalKeys = nil
		return t.currentEvalIndex == sampleCount, nil
	}

	if batchSize <= 0 {
		t.currentEvalKeys = nil
		return true, nil
	}

	inputCount := t.data.InputCount()
	outputCount := t.data.OutputCount()
	batchInputs := make([]float32, 0, batchSize*inputCount)
	batchOutputs := make([]float32, 0, batchSize*outputCount)

	for i := 0; i < batchSize; i++ {
		sample := i + t.currentEvalIndex
		inputs, outputs, ok := t.data.GetSample(group, sample)
		if !ok {
			return false, eval.Wrap(eval.IOError, "trainer: failed to retrieve %s sample %d", group, sample)
		}
		batchInputs = append(batchInputs, inputs...)
		batchOutputs = append(batchOutputs, outputs...)
	}

	key, err := t.evaluator.BeginEval(t.network, batchInputs)
	if err != nil {
		return false, errors.Wrap(err, "trainer: begin eval")
	}

	t.expectedByKey[key] = batchOutputs
	t.currentEvalKeys = []eval.Handle{key}

	waiting, err := t.checkEvalKeys()
	if err != nil {
		return false, err
	}
	if waiting {
		return false, nil
	}

	t.currentEvalIndex += batchSize
	for _, k := range t.currentEvalKeys {
		if err := t.evaluator.FreeResult(k); err != nil {
			return false, errors.Wrap(err, "trainer: free eval result")
		}
	}
	t.currentEvalKeys = nil

	return t.currentEvalIndex == sampleCount, nil
}

// computeTestCost returns the mean absolute accumulated cost for the
// phase that just finished, and clears the accumulator, matching
// trainer::compute_test_cost (which the original never clears — this
// Go port resets it so each phase's average is computed over only that
// phase's samples, since accumulated_eval_costs is defined per-phase in
// spec.md §3).
func (t *Trainer) computeTestCost() (float32, bool) {
	if len(t.evalCosts) == 0 {
		return 0, false
	}

	var sum float32
	for _, c := range t.evalCosts {
		if c < 0 {
			sum -= c
		} else {
			sum += c
		}
	}
	avg := sum / float32(len(t.evalCosts))
	t.evalCosts = nil

	return avg, true
}

// Phase returns the trainer's current phase, for diagnostics.
func (t *Trainer) Phase() Phase { return t.phase }

// Stage returns the trainer's current sub-stage, meaningful only while
// Phase() == Training.
func (t *Trainer) Stage() Stage { return t.stage }

// BatchCount returns the number of batches computed for the current epoch.
func (t *Trainer) BatchCount() int { return t.batchCount }

// CurrentBatch returns the index of the batch about to run within the
// current epoch.
func (t *Trainer) CurrentBatch() int { return t.currentBatch }
