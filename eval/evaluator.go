// Package eval defines the asynchronous evaluator abstraction: an
// opaque-handle-keyed compute engine supporting forward evaluation,
// backpropagation, and gradient composition across many in-flight
// passes that share immutable network state.
//
// Design Notes (spec.md §9) are applied here: handles are a named
// integer type rather than an untyped pointer, and the eval-result
// object handed from BeginEval to BeginBackprop is a typed, opaque Pass
// rather than a void*.
package eval

import "github.com/ktrain-go/ffnet/nn"

// Handle is an opaque identifier an evaluator issues for a submitted
// operation. It is the sole means of referring to that operation's
// result and is valid only for the evaluator instance and network that
// produced it. The zero value is never a valid handle.
type Handle uint64

// Pass is an opaque, evaluator-owned reference to the intermediate
// tensors produced by one eval submission (activations, pre-activations,
// and eventually deltas). BeginBackprop accepts it directly in place of
// the reference implementation's untyped native-outputs pointer.
type Pass interface {
	// EvaluatorPass marks a type as an evaluator-owned Pass
	// implementation.
	EvaluatorPass()
}

// BackpropInput bundles what BeginBackprop needs: the pass produced by
// a prior BeginEval, and the flattened expected outputs for every run
// in that pass's batch.
type BackpropInput struct {
	EvalOutputs Pass
	Expected    []float32
}

// ComposeDeltasInput bundles a gradient-composition request: every key
// must be a backprop handle on the same network. Deltas are subtracted
// from the network's live weights/biases, scaled by Scalar and summed
// across every referenced pass. Copy requests that the canonical
// CPU-side layer values reflect the result before the call returns
// (the CPU evaluator always does; the GPU evaluator only mirrors back
// when Copy is set).
type ComposeDeltasInput struct {
	Network *nn.Network
	Keys    []Handle
	Scalar  float32
	Copy    bool
}

// Evaluator is an asynchronous computation engine keyed by Handle. All
// methods are called from a single caller goroutine (spec.md §5); the
// only concurrency is internal to a GPU backend's device queue.
type Evaluator interface {
	// BeginEval submits a batch of forward passes. inputs' length
	// must be a positive multiple of nn.InputCount(); run_count is
	// that multiple. Fails if the network is empty or the length is
	// not a positive multiple.
	BeginEval(network *nn.Network, inputs []float32) (Handle, error)

	// IsResultReady reports whether a handle's result has finished
	// computing. False for unknown handles.
	IsResultReady(handle Handle) bool

	// GetEvalResult returns the opaque pass behind an eval handle.
	// Fails if the handle is unknown or not eval-typed.
	GetEvalResult(handle Handle) (Pass, error)

	// RetrieveEvalValues returns the output-layer activations for
	// every run in the pass's batch: length == network.OutputCount() *
	// run_count. The result reuses out's storage when it is large
	// enough; earlier contents of out are overwritten, not kept.
	RetrieveEvalValues(network *nn.Network, pass Pass, out []float32) ([]float32, error)

	// BeginBackprop submits a backpropagation pass against a prior
	// eval pass. Fails unless the pass came from this evaluator and
	// network.
	BeginBackprop(network *nn.Network, input BackpropInput) (Handle, error)

	// ComposeDeltas applies accumulated deltas from a set of backprop
	// handles to the live network.
	ComposeDeltas(input ComposeDeltasInput) error

	// FreeResult releases the resources backing a handle and
	// decrements its pass's reference count. Freeing an unknown or
	// already-freed handle fails.
	FreeResult(handle Handle) error

	// CostFunction must match spec.md §3's pointwise squared error.
	CostFunction(actual, expected float32) float32

	// Close drains every outstanding result and releases all
	// resources. Evaluators must tolerate callers who never leaked a
	// handle, and must not panic if called twice.
	Close() error
}
