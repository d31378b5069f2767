package dataset

import "fmt"

// Sample is a single (inputs, outputs) pair.
type Sample struct {
	Inputs  []float32
	Outputs []float32
}

// InMemory is a Dataset backed by slices held entirely in memory,
// grounded on the group-keyed sample-slice shape used by
// neurlang/classifier's mnist loader, without that package's on-disk
// IDX/gzip parsing (an explicitly out-of-scope loader concern).
type InMemory struct {
	inputCount, outputCount int
	samples                 map[Group][]Sample
}

// NewInMemory creates an empty in-memory dataset for the given sample
// shape.
func NewInMemory(inputCount, outputCount int) *InMemory {
	return &InMemory{
		inputCount:  inputCount,
		outputCount: outputCount,
		samples:     make(map[Group][]Sample),
	}
}

// Add appends a sample to the given group, validating its shape.
func (d *InMemory) Add(group Group, inputs, outputs []float32) error {
	if len(inputs) != d.inputCount {
		return fmt.Errorf("dataset: sample has %d inputs, want %d", len(inputs), d.inputCount)
	}
	if len(outputs) != d.outputCount {
		return fmt.Errorf("dataset: sample has %d outputs, want %d", len(outputs), d.outputCount)
	}

	d.samples[group] = append(d.samples[group], Sample{Inputs: inputs, Outputs: outputs})
	return nil
}

func (d *InMemory) InputCount() int  { return d.inputCount }
func (d *InMemory) OutputCount() int { return d.outputCount }

func (d *InMemory) Groups() map[Group]bool {
	out := make(map[Group]bool, len(d.samples))
	for g, s := range d.samples {
		if len(s) > 0 {
			out[g] = true
		}
	}
	return out
}

func (d *InMemory) SampleCount(group Group) int {
	return len(d.samples[group])
}

func (d *InMemory) GetSample(group Group, index int) ([]float32, []float32, bool) {
	samples, ok := d.samples[group]
	if !ok || index < 0 || index >= len(samples) {
		return nil, nil, false
	}
	s := samples[index]
	return s.Inputs, s.Outputs, true
}
