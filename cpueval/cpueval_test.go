package cpueval

import (
	"math"
	"testing"

	"github.com/ktrain-go/ffnet/eval"
	"github.com/ktrain-go/ffnet/nn"
)

// identityNetwork builds a single-layer network whose weight matrix is
// 12 times the identity and whose biases are -6, so z is +6 for an input
// bit of 1 and -6 for 0, and sigmoid(z) sits within 0.003 of the input bit.
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

func approxEqual(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestTinyIdentityCheck(t *testing.T) {
	net := identityNetwork(t, 2)
	e := New()
	defer e.Close()

	handle, err := e.BeginEval(net, []float32{1, 0})
	if err != nil {
		t.Fatalf("BeginEval: %v", err)
	}
	if !e.IsResultReady(handle) {
		t.Fatalf("result not ready synchronously")
	}

	p, err := e.GetEvalResult(handle)
	if err != nil {
		t.Fatalf("GetEvalResult: %v", err)
	}

	out, err := e.RetrieveEvalValues(net, p, nil)
	if err != nil {
		t.Fatalf("RetrieveEvalValues: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d outputs, want 2", len(out))
	}
	if !approxEqual(out[0], 1, 0.05) {
		t.Errorf("out[0] = %v, want ~1", out[0])
	}
	if !approxEqual(out[1], 0, 0.05) {
		t.Errorf("out[1] = %v, want ~0", out[1])
	}

	if err := e.FreeResult(handle); err != nil {
		t.Fatalf("FreeResult: %v", err)
	}
	if e.IsResultReady(handle) {
		t.Fatalf("result still ready after free")
	}
}

func TestBackpropThenComposeReducesCost(t *testing.T) {
	net, err := nn.Randomize([]int{3, 4, 2}, nn.Sigmoid)
	if err != nil {
		t.Fatalf("Randomize: %v", err)
	}
	e := New()
	defer e.Close()

	inputs := []float32{0.2, 0.8, 0.5}
	expected := []float32{1, 0}

	costBefore, err := runCost(e, net, inputs, expected)
	if err != nil {
		t.Fatalf("runCost before: %v", err)
	}

	evalHandle, err := e.BeginEval(net, inputs)
	if err != nil {
		t.Fatalf("BeginEval: %v", err)
	}
	pass, err := e.GetEvalResult(evalHandle)
	if err != nil {
		t.Fatalf("GetEvalResult: %v", err)
	}

	backpropHandle, err := e.BeginBackprop(net, eval.BackpropInput{
		EvalOutputs: pass,
		Expected:    expected,
	})
	if err != nil {
		t.Fatalf("BeginBackprop: %v", err)
	}

	if err := e.ComposeDeltas(eval.ComposeDeltasInput{
		Network: net,
		Keys:    []eval.Handle{backpropHandle},
		Scalar:  1.0,
		Copy:    true,
	}); err != nil {
		t.Fatalf("ComposeDeltas: %v", err)
	}

	if err := e.FreeResult(evalHandle); err != nil {
		t.Fatalf("FreeResult eval: %v", err)
	}
	if err := e.FreeResult(backpropHandle); err != nil {
		t.Fatalf("FreeResult backprop: %v", err)
	}

	costAfter, err := runCost(e, net, inputs, expected)
	if err != nil {
		t.Fatalf("runCost after: %v", err)
	}

	if costAfter >= costBefore {
		t.Errorf("cost did not decrease: before=%v after=%v", costBefore, costAfter)
	}
}

func runCost(e *Evaluator, net *nn.Network, inputs, expected []float32) (float32, error) {
	handle, err := e.BeginEval(net, inputs)
	if err != nil {
		return 0, err
	}
	defer e.FreeResult(handle)

	pass, err := e.GetEvalResult(handle)
	if err != nil {
		return 0, err
	}

	out, err := e.RetrieveEvalValues(net, pass, nil)
	if err != nil {
		return 0, err
	}

	var total float32
	for i, v := range out {
		total += e.CostFunction(v, expected[i])
	}
	return total, nil
}

func TestBeginEvalRejectsShapeMismatch(t *testing.T) {
	net := identityNetwork(t, 2)
	e := New()
	defer e.Close()

	if _, err := e.BeginEval(net, []float32{1, 0, 1}); err == nil {
		t.Fatalf("expected error for input length not a multiple of input count")
	}
}

func TestComposeDeltasRejectsUnknownHandle(t *testing.T) {
	net := identityNetwork(t, 2)
	e := New()
	defer e.Close()

	err := e.ComposeDeltas(eval.ComposeDeltasInput{
		Network: net,
		Keys:    []eval.Handle{999},
		Scalar:  1,
	})
	if err == nil {
		t.Fatalf("expected error for unknown handle")
	}
}

func TestCloseDrainsResults(t *testing.T) {
	net := identityNetwork(t, 2)
	e := New()

	handle, err := e.BeginEval(net, []float32{1, 0})
	if err != nil {
		t.Fatalf("BeginEval: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if e.IsResultReady(handle) {
		t.Fatalf("result still ready after Close")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
