// Package nn holds the immutable-shaped, mutable-valued network model
// shared by every evaluator backend.
package nn

import (
	"fmt"
	"math/rand"
)

// SharedRandom is the process-wide pseudo-random generator used for
// weight randomization and training-cycle shuffling, matching the
// spec's "shared pseudo-random generator seeded once per process."
var SharedRandom = rand.New(rand.NewSource(1))

// Network is an ordered, non-empty sequence of dense layers. Shape
// (sizes, activation tags) is immutable after construction; only the
// weight/bias values are mutated, and only via gradient composition.
type Network struct {
	layers []Layer
}

// NewNetwork validates and wraps a sequence of layers into a Network.
// Layers are adopted by reference, not copied.
func NewNetwork(layers []Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("nn: network must have at least one layer")
	}

	for i, layer := range layers {
		if layer.Function != Sigmoid {
			return nil, fmt.Errorf("nn: layer %d has unrecognized activation function %d", i, int(layer.Function))
		}
		if i > 0 && layer.PreviousSize != layers[i-1].Size {
			return nil, fmt.Errorf("nn: layer %d previous_size %d does not match layer %d size %d",
				i, layer.PreviousSize, i-1, layers[i-1].Size)
		}
	}

	return &Network{layers: layers}, nil
}

// Randomize creates a network of the given layer sizes with uniformly
// random weights and biases in [-1, 1], using SharedRandom. layerSizes
// must have at least two entries: layerSizes[0] is the input width and
// layerSizes[1:] are the sizes of each dense layer.
func Randomize(layerSizes []int, function ActivationFunction) (*Network, error) {
	if len(layerSizes) < 2 {
		return nil, fmt.Errorf("nn: need at least an input width and one layer")
	}

	layers := make([]Layer, len(layerSizes)-1)
	for i := 1; i < len(layerSizes); i++ {
		layer := NewLayer(layerSizes[i], layerSizes[i-1], function)
		for c := range layer.Biases {
			layer.Biases[c] = randUnit()
		}
		for w := range layer.Weights {
			layer.Weights[w] = randUnit()
		}
		layers[i-1] = layer
	}

	return NewNetwork(layers)
}

func randUnit() float32 {
	return SharedRandom.Float32()*2 - 1
}

// Layers borrows the layer sequence.
func (n *Network) Layers() []Layer { return n.layers }

// LayersMut borrows the layer sequence for in-place mutation (used by
// gradient composition).
func (n *Network) LayersMut() []Layer { return n.layers }

// InputCount is the width of the first layer's input.
func (n *Network) InputCount() int { return n.layers[0].PreviousSize }

// OutputCount is the width of the last layer's output.
func (n *Network) OutputCount() int { return n.layers[len(n.layers)-1].Size }

// NumParameters is the total count of weights and biases across all
// layers.
func (n *Network) NumParameters() int {
	total := 0
	for _, l := range n.layers {
		total += len(l.Weights) + len(l.Biases)
	}
	return total
}

// Clone returns a network with the same shape and an independent copy
// of every layer's values.
func (n *Network) Clone() *Network {
	layers := make([]Layer, len(n.layers))
	for i, l := range n.layers {
		layers[i] = l.Clone()
	}
	return &Network{layers: layers}
}
