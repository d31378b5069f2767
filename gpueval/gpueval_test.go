package gpueval

import (
	"strings"
	"testing"

	"github.com/ktrain-go/ffnet/nn"
)

// TestForwardShaderDimensions is a compile-time-shape smoke test: the
// generated WGSL must embed the layer's actual input/output widths so a
// shader compiled for one layer shape is never silently reused for
// another.
func TestForwardShaderDimensions(t *testing.T) {
	src := forwardShader(3, 4, nn.Sigmoid)
	if src == "" {
		t.Fatalf("forwardShader returned empty source")
	}
	if !containsAll(src, "n_out = 4u", "n_in = 3u") {
		t.Errorf("forward shader missing expected dimension literals:\n%s", src)
	}
}

func TestOutputAndHiddenDZShaderDimensions(t *testing.T) {
	out := outputDZShader(2, nn.Sigmoid)
	if !containsAll(out, "n_out = 2u") {
		t.Errorf("output dz shader missing dimension literal:\n%s", out)
	}

	hidden := hiddenDZShader(4, 2, nn.Sigmoid)
	if !containsAll(hidden, "n_out = 4u", "next_size = 2u") {
		t.Errorf("hidden dz shader missing dimension literals:\n%s", hidden)
	}
}

func TestGradsShaderDimensions(t *testing.T) {
	src := gradsShader(3, 4, 5)
	if !containsAll(src, "n_in = 3u", "n_out = 4u", "run_count = 5u") {
		t.Errorf("grads shader missing dimension literals:\n%s", src)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestScoreAdapterDiscreteBonusDominates(t *testing.T) {
	// scoreAdapter requires a live wgpu.Adapter and cannot run without a
	// GPU-backed test environment; the discrete-GPU bonus (10000) is
	// documented here as a property any future adapter-backed test must
	// preserve: a low-limit discrete adapter should still outscore a
	// high-limit integrated one whenever the gap is under 10000.
	t.Skip("requires a live wgpu adapter; exercised by integration tests outside this module")
}
