package trainer

import (
	"testing"

	"github.com/ktrain-go/ffnet/cpueval"
	"github.com/ktrain-go/ffnet/dataset"
	"github.com/ktrain-go/ffnet/nn"
)

// identityNetwork mirrors cpueval's test helper of the same shape: a
// single layer whose weight matrix is scaled identity, so sigmoid(z)
// sits close to the input bit.
func identityNetwork(t *testing.T, size int) *nn.Network {
	t.Helper()
	layer := nn.NewLayer(size, size, nn.Sigmoid)
	const scale = 12
	for c := 0; c < size; c++ {
		layer.SetWeight(c, c, scale)
		layer.SetBias(c, -scale/2)
	}
	net, err := nn.NewNetwork([]nn.Layer{layer})
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return net
}

// forwardOnce runs one synchronous forward pass and returns its outputs,
// used to build datasets whose expected outputs exactly match what a
// given network already produces.
func forwardOnce(t *testing.T, e *cpueval.Evaluator, net *nn.Network, inputs []float32) []float32 {
	t.Helper()
	handle, err := e.BeginEval(net, inputs)
	if err != nil {
		t.Fatalf("BeginEval: %v", err)
	}
	defer e.FreeResult(handle)

	pass, err := e.GetEvalResult(handle)
	if err != nil {
		t.Fatalf("GetEvalResult: %v", err)
	}
	out, err := e.RetrieveEvalValues(net, pass, nil)
	if err != nil {
		t.Fatalf("RetrieveEvalValues: %v", err)
	}
	return out
}

// TestTrainingTerminatesWithoutEnteringTrainingPhase reproduces
// spec.md §8 Scenario 5: a dataset whose testing-group average cost is
// already below minimum_average_cost must stop the trainer the first
// time through the testing phase, never reaching the training phase.
func TestTrainingTerminatesWithoutEnteringTrainingPhase(t *testing.T) {
	net := identityNetwork(t, 2)
	e := cpueval.New()
	defer e.Close()

	inputsA := []float32{1, 0}
	inputsB := []float32{0, 1}
	outputsA := forwardOnce(t, e, net, inputsA)
	outputsB := forwardOnce(t, e, net, inputsB)

	data := dataset.NewInMemory(2, 2)
	if err := data.Add(dataset.Testing, inputsA, outputsA); err != nil {
		t.Fatalf("add testing sample: %v", err)
	}
	if err := data.Add(dataset.Testing, inputsB, outputsB); err != nil {
		t.Fatalf("add testing sample: %v", err)
	}
	// Start requires a training group even though this scenario never
	// reaches it.
	if err := data.Add(dataset.Training, inputsA, outputsA); err != nil {
		t.Fatalf("add training sample: %v", err)
	}

	tr := New(net, e, data, Config{
		BatchSize:          1,
		EvalBatchSize:      2,
		LearningRate:       0.1,
		MinimumAverageCost: 0.01,
	})
	defer tr.Close()

	var gotPhases []Phase
	var gotCosts []float32
	tr.OnEvalComplete(func(p Phase, cost float32) {
		gotPhases = append(gotPhases, p)
		gotCosts = append(gotCosts, cost)
	})

	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 20 && tr.IsRunning(); i++ {
		if tr.Phase() == Training {
			t.Fatalf("trainer entered the training phase; want immediate termination")
		}
		if err := tr.Update(); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	if tr.IsRunning() {
		t.Fatalf("trainer is still running after 20 ticks")
	}
	if len(gotPhases) != 1 || gotPhases[0] != Testing {
		t.Fatalf("OnEvalComplete fired for phases %v, want exactly one Testing callback", gotPhases)
	}
	if gotCosts[0] >= 0.01 {
		t.Errorf("reported average cost %v is not below the threshold", gotCosts[0])
	}
}

// TestRegenerateTrainingCycleIsAPermutation checks the universal
// property spec.md §4.6 requires of every epoch's shuffle: it visits
// every training index exactly once.
func TestRegenerateTrainingCycleIsAPermutation(t *testing.T) {
	net := identityNetwork(t, 2)
	e := cpueval.New()
	defer e.Close()

	data := dataset.NewInMemory(2, 2)
	for i := 0; i < 9; i++ {
		in := []float32{float32(i % 2), float32((i + 1) % 2)}
		if err := data.Add(dataset.Training, in, in); err != nil {
			t.Fatalf("add training sample: %v", err)
		}
	}
	if err := data.Add(dataset.Testing, []float32{1, 0}, []float32{1, 0}); err != nil {
		t.Fatalf("add testing sample: %v", err)
	}

	tr := New(net, e, data, Config{BatchSize: 3, EvalBatchSize: 1, LearningRate: 0.1, MinimumAverageCost: 0.01})
	defer tr.Close()

	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := make([]bool, 9)
	if len(tr.trainingCycle) != 9 {
		t.Fatalf("training cycle has %d entries, want 9", len(tr.trainingCycle))
	}
	for _, idx := range tr.trainingCycle {
		if idx < 0 || idx >= 9 {
			t.Fatalf("training cycle index %d out of range", idx)
		}
		if seen[idx] {
			t.Fatalf("training cycle visits index %d more than once", idx)
		}
		seen[idx] = true
	}
}

// TestTrainingCycleNeverExceedsBatchCount drives the trainer through the
// training phase and checks the other universal property from
// spec.md §4.6: a single epoch never submits more than batch_count
// training batches.
func TestTrainingCycleNeverExceedsBatchCount(t *testing.T) {
	net, err := nn.Randomize([]int{2, 3, 2}, nn.Sigmoid)
	if err != nil {
		t.Fatalf("Randomize: %v", err)
	}
	e := cpueval.New()
	defer e.Close()

	data := dataset.NewInMemory(2, 2)
	for i := 0; i < 7; i++ {
		in := []float32{float32(i % 2), float32((i + 1) % 2)}
		out := []float32{1, 0}
		if err := data.Add(dataset.Training, in, out); err != nil {
			t.Fatalf("add training sample: %v", err)
		}
	}
	if err := data.Add(dataset.Testing, []float32{1, 0}, []float32{0.9, 0.1}); err != nil {
		t.Fatalf("add testing sample: %v", err)
	}

	// Deliberately unreachable so the trainer always falls through to
	// the training phase instead of stopping after one testing pass.
	tr := New(net, e, data, Config{BatchSize: 3, EvalBatchSize: 1, LearningRate: 0.1, MinimumAverageCost: -1})
	defer tr.Close()

	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.BatchCount() != 2 {
		t.Fatalf("batch count = %d, want 2 for 7 samples at batch size 3", tr.BatchCount())
	}

	sawTraining := false
	for i := 0; i < 200 && tr.IsRunning(); i++ {
		if tr.Phase() == Training {
			sawTraining = true
			if tr.CurrentBatch() > tr.BatchCount() {
				t.Fatalf("current batch %d exceeds batch count %d", tr.CurrentBatch(), tr.BatchCount())
			}
		}
		if err := tr.Update(); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	if !sawTraining {
		t.Fatalf("trainer never entered the training phase")
	}
}
