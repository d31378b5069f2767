// Package cpueval is the canonical, synchronous reference
// implementation of eval.Evaluator, grounded on
// original_source/src/neuralnet/neuralnet/evaluators/cpu_evaluator.cpp.
//
// A result's readiness is true the instant the submitting call
// returns: there is no asynchrony to model, matching spec.md §4.4.
package cpueval

import (
	"sync"

	"github.com/ktrain-go/ffnet/eval"
	"github.com/ktrain-go/ffnet/nn"
)

type resultKind int

const (
	resultEval resultKind = iota
	resultBackprop
)

// run holds the intermediate tensors of one forward pass within a
// batch: the raw inputs, then one (activations, z) pair per layer —
// the Go equivalent of cpu_result_t::results' flat pointer sequence.
type run struct {
	inputs      []float32
	activations [][]float32
	z           [][]float32
}

// pass is the opaque eval.Pass behind an eval handle: every run in the
// submitted batch.
type pass struct {
	network *nn.Network
	runs    []run
}

func (*pass) EvaluatorPass() {}

// delta mirrors one layer's shape but carries dC/dbias and dC/dweight
// instead of the live values, reusing nn.Layer as the original reuses
// layer_t for its delta records.
type delta = nn.Layer

type result struct {
	kind    resultKind
	network *nn.Network

	evalPass *pass       // resultEval
	deltas   [][]delta   // resultBackprop, indexed [run][layer]
}

// Evaluator is the CPU reference evaluator.
type Evaluator struct {
	mu      sync.Mutex
	nextKey eval.Handle
	results map[eval.Handle]*result
}

// New creates a CPU evaluator with no in-flight results.
func New() *Evaluator {
	return &Evaluator{
		nextKey: 1,
		results: make(map[eval.Handle]*result),
	}
}

func (e *Evaluator) allocKey() eval.Handle {
	k := e.nextKey
	e.nextKey++
	return k
}

// BeginEval implements eval.Evaluator.
func (e *Evaluator) BeginEval(network *nn.Network, inputs []float32) (eval.Handle, error) {
	layers := network.Layers()
	if len(layers) == 0 {
		return 0, eval.Wrap(eval.PreconditionFailure, "cpueval: network has no layers")
	}

	inputCount := network.InputCount()
	if inputCount <= 0 || len(inputs) == 0 || len(inputs)%inputCount != 0 {
		return 0, eval.Wrap(eval.PreconditionFailure,
			"cpueval: input length %d is not a positive multiple of input count %d", len(inputs), inputCount)
	}

	runCount := len(inputs) / inputCount
	p := &pass{network: network, runs: make([]run, runCount)}

	for i := 0; i < runCount; i++ {
		p.runs[i] = forward(layers, inputs[i*inputCount:(i+1)*inputCount])
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := e.allocKey()
	e.results[key] = &result{kind: resultEval, network: network, evalPass: p}
	return key, nil
}

func forward(layers []nn.Layer, inputs []float32) run {
	r := run{
		inputs:      append([]float32(nil), inputs...),
		activations: make([][]float32, len(layers)),
		z:           make([][]float32, len(layers)),
	}

	previous := r.inputs
	for i, layer := range layers {
		activations := make([]float32, layer.Size)
		z := make([]float32, layer.Size)

		for c := 0; c < layer.Size; c++ {
			// NOTE: the reference implementation this is grounded on
			// assigns rather than accumulates inside this loop
			// (`neuron_z = weight * previous_activation`), which spec.md
			// §9 flags as an unresolved bug in the original. Summation
			// is the only interpretation consistent with backprop, so
			// it is used here.
			sum := layer.Bias(c)
			for p := 0; p < layer.PreviousSize; p++ {
				sum += layer.Weight(c, p) * previous[p]
			}

			z[c] = sum
			activations[c] = layer.Function.Apply(sum)
		}

		r.activations[i] = activations
		r.z[i] = z
		previous = activations
	}

	return r
}

// IsResultReady implements eval.Evaluator.
func (e *Evaluator) IsResultReady(handle eval.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.results[handle]
	return ok
}

// GetEvalResult implements eval.Evaluator.
func (e *Evaluator) GetEvalResult(handle eval.Handle) (eval.Pass, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.results[handle]
	if !ok {
		return nil, eval.Wrap(eval.PreconditionFailure, "cpueval: unknown result %d", handle)
	}
	if r.kind != resultEval {
		return nil, eval.Wrap(eval.PreconditionFailure, "cpueval: result %d is not an eval result", handle)
	}

	return r.evalPass, nil
}

// RetrieveEvalValues implements eval.Evaluator.
func (e *Evaluator) RetrieveEvalValues(network *nn.Network, p eval.Pass, out []float32) ([]float32, error) {
	cp, ok := p.(*pass)
	if !ok {
		return nil, eval.Wrap(eval.PreconditionFailure, "cpueval: pass did not originate from this evaluator")
	}

	outputCount := network.OutputCount()
	out = out[:0]
	for _, r := range cp.runs {
		out = append(out, r.activations[len(r.activations)-1]...)
	}

	if len(out) != outputCount*len(cp.runs) {
		return nil, eval.Wrap(eval.PreconditionFailure, "cpueval: retrieved %d values, expected %d", len(out), outputCount*len(cp.runs))
	}

	return out, nil
}

// BeginBackprop implements eval.Evaluator.
func (e *Evaluator) BeginBackprop(network *nn.Network, input eval.BackpropInput) (eval.Handle, error) {
	layers := network.Layers()
	if len(layers) == 0 {
		return 0, eval.Wrap(eval.PreconditionFailure, "cpueval: network has no layers")
	}

	cp, ok := input.EvalOutputs.(*pass)
	if !ok {
		return 0, eval.Wrap(eval.PreconditionFailure, "cpueval: eval pass did not originate from this evaluator")
	}
	if cp.network != network {
		return 0, eval.Wrap(eval.PreconditionFailure, "cpueval: eval pass belongs to a different network")
	}

	outputCount := network.OutputCount()
	if len(input.Expected) != outputCount*len(cp.runs) {
		return 0, eval.Wrap(eval.PreconditionFailure,
			"cpueval: expected outputs length %d does not match %d runs of output count %d",
			len(input.Expected), len(cp.runs), outputCount)
	}

	deltas := make([][]delta, len(cp.runs))
	for i, r := range cp.runs {
		deltas[i] = backprop(layers, r, input.Expected[i*outputCount:(i+1)*outputCount])
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := e.allocKey()
	e.results[key] = &result{kind: resultBackprop, network: network, deltas: deltas}
	return key, nil
}

func backprop(layers []nn.Layer, r run, expected []float32) []delta {
	deltas := make([]delta, len(layers))
	// dC/dz of the layer after i; populated as we walk backwards.
	var nextDCDz []float32

	for i := len(layers) - 1; i >= 0; i-- {
		layer := layers[i]
		d := nn.NewLayer(layer.Size, layer.PreviousSize, layer.Function)

		previousActivations := r.inputs
		if i > 0 {
			previousActivations = r.activations[i-1]
		}

		dCDz := make([]float32, layer.Size)
		for c := 0; c < layer.Size; c++ {
			var dCDa float32
			if i == len(layers)-1 {
				dCDa = nn.CostDerivative(r.activations[i][c], expected[c])
			} else {
				nextLayer := layers[i+1]
				for n := 0; n < nextLayer.Size; n++ {
					dCDa += nextLayer.Weight(n, c) * nextDCDz[n]
				}
			}

			dz := dCDa * layer.Function.Derivative(r.z[i][c])
			dCDz[c] = dz

			d.SetBias(c, dz)
			for p := 0; p < layer.PreviousSize; p++ {
				d.SetWeight(c, p, dz*previousActivations[p])
			}
		}

		deltas[i] = d
		nextDCDz = dCDz
	}

	return deltas
}

// ComposeDeltas implements eval.Evaluator.
func (e *Evaluator) ComposeDeltas(input eval.ComposeDeltasInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]*result, len(input.Keys))
	for i, key := range input.Keys {
		r, ok := e.results[key]
		if !ok {
			return eval.Wrap(eval.PreconditionFailure, "cpueval: unknown backprop result %d", key)
		}
		if r.kind != resultBackprop {
			return eval.Wrap(eval.PreconditionFailure, "cpueval: result %d is not a backprop result", key)
		}
		if r.network != input.Network {
			return eval.Wrap(eval.PreconditionFailure, "cpueval: result %d belongs to a different network", key)
		}
		results[i] = r
	}

	layers := input.Network.LayersMut()
	for _, r := range results {
		for _, runDeltas := range r.deltas {
			for i := range layers {
				layer := &layers[i]
				d := runDeltas[i]
				if d.Size != layer.Size || d.PreviousSize != layer.PreviousSize {
					return eval.Wrap(eval.PreconditionFailure, "cpueval: delta/layer shape mismatch at layer %d", i)
				}

				for c := 0; c < layer.Size; c++ {
					layer.SetBias(c, layer.Bias(c)-input.Scalar*d.Bias(c))
					for p := 0; p < layer.PreviousSize; p++ {
						layer.SetWeight(c, p, layer.Weight(c, p)-input.Scalar*d.Weight(c, p))
					}
				}
			}
		}
	}

	// Copy is ignored: the canonical store mutated above is the same
	// memory the caller already observes, matching cpu_evaluator's
	// behavior in the reference implementation.
	return nil
}

// FreeResult implements eval.Evaluator.
func (e *Evaluator) FreeResult(handle eval.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.results[handle]; !ok {
		return eval.Wrap(eval.PreconditionFailure, "cpueval: unknown result %d", handle)
	}

	delete(e.results, handle)
	return nil
}

// CostFunction implements eval.Evaluator.
func (e *Evaluator) CostFunction(actual, expected float32) float32 {
	return nn.Cost(actual, expected)
}

// Close drains every outstanding result.
func (e *Evaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = make(map[eval.Handle]*result)
	return nil
}
