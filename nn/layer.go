package nn

// Layer is a fully-connected dense layer. Weights are laid out in
// current-major order: the weight connecting previous neuron p to
// current neuron c lives at index c*PreviousSize+p.
type Layer struct {
	Size         int
	PreviousSize int
	Function     ActivationFunction

	Biases  []float32 // len == Size
	Weights []float32 // len == Size*PreviousSize
}

// NewLayer allocates a layer with zeroed weights and biases.
func NewLayer(size, previousSize int, function ActivationFunction) Layer {
	return Layer{
		Size:         size,
		PreviousSize: previousSize,
		Function:     function,
		Biases:       make([]float32, size),
		Weights:      make([]float32, size*previousSize),
	}
}

// Bias returns the bias of neuron c.
func (l *Layer) Bias(c int) float32 { return l.Biases[c] }

// SetBias sets the bias of neuron c.
func (l *Layer) SetBias(c int, v float32) { l.Biases[c] = v }

// Weight returns the weight connecting previous neuron p to current
// neuron c.
func (l *Layer) Weight(c, p int) float32 { return l.Weights[c*l.PreviousSize+p] }

// SetWeight sets the weight connecting previous neuron p to current
// neuron c.
func (l *Layer) SetWeight(c, p int, v float32) { l.Weights[c*l.PreviousSize+p] = v }

// Clone returns a deep copy of the layer's values.
func (l Layer) Clone() Layer {
	out := Layer{
		Size:         l.Size,
		PreviousSize: l.PreviousSize,
		Function:     l.Function,
		Biases:       make([]float32, len(l.Biases)),
		Weights:      make([]float32, len(l.Weights)),
	}
	copy(out.Biases, l.Biases)
	copy(out.Weights, l.Weights)
	return out
}
