package gpueval

import (
	"fmt"

	"github.com/ktrain-go/ffnet/nn"
)

// activationWGSL returns the WGSL expressions implementing a layer's
// activation function and its derivative in terms of the activation's
// own output, the way loom/gpu/dense_backward.go's GenerateBackwardShaderDZ
// expresses sigmoid's derivative as y*(1-y) rather than re-deriving it from z.
func activationWGSL(f nn.ActivationFunction) (apply, derivativeFromOutput string) {
	switch f {
	case nn.Sigmoid:
		return "1.0 / (1.0 + exp(-x))", "y * (1.0 - y)"
	default:
		panic("gpueval: unsupported activation function")
	}
}

const workgroupSize = 256

func workgroupCount(total int) uint32 {
	if total <= 0 {
		return 1
	}
	return uint32((total + workgroupSize - 1) / workgroupSize)
}

// forwardShader computes, for every run in the batch, one layer's
// pre-activation and activation: z = bias + sum(weight*previous), out =
// f(z). Dimensions are baked in as literals rather than threaded through
// a uniform, following loom/gpu/dense.go's GenerateShader.
func forwardShader(nIn, nOut int, function nn.ActivationFunction) string {
	apply, _ := activationWGSL(function)
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> previous : array<f32>;
@group(0) @binding(1) var<storage, read_write> activations : array<f32>;
@group(0) @binding(2) var<storage, read_write> z : array<f32>;
@group(0) @binding(3) var<storage, read> weights : array<f32>;
@group(0) @binding(4) var<storage, read> biases : array<f32>;

fn activate(x: f32) -> f32 {
	return %s;
}

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.x;
	let n_out = %du;
	let n_in = %du;
	if (idx >= arrayLength(&activations)) {
		return;
	}

	let run = idx / n_out;
	let c = idx %% n_out;

	var sum: f32 = biases[c];
	let w_off = c * n_in;
	let p_off = run * n_in;
	for (var p: u32 = 0u; p < n_in; p = p + 1u) {
		sum = sum + weights[w_off + p] * previous[p_off + p];
	}

	z[idx] = sum;
	activations[idx] = activate(sum);
}
`, apply, workgroupSize, nOut, nIn)
}

// outputDZShader computes dC/dz for the last layer from its activations
// and the expected outputs, matching nn.CostDerivative composed with the
// activation derivative.
func outputDZShader(nOut int, function nn.ActivationFunction) string {
	_, derivative := activationWGSL(function)
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> activations : array<f32>;
@group(0) @binding(1) var<storage, read> expected : array<f32>;
@group(0) @binding(2) var<storage, read_write> dz : array<f32>;

fn act_derivative(y: f32) -> f32 {
	return %s;
}

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.x;
	if (idx >= arrayLength(&dz)) {
		return;
	}

	let y = activations[idx];
	let n_out = %du;
	let e = expected[idx];
	let dc_da = 2.0 * (y - e);
	dz[idx] = dc_da * act_derivative(y);
	_ = n_out;
}
`, derivative, workgroupSize, nOut)
}

// hiddenDZShader computes dC/dz for a hidden layer from the next layer's
// weights and its own dz, and from this layer's own activation for the
// derivative term, following the same accumulation the CPU evaluator
// performs.
func hiddenDZShader(nOut, nextSize int, function nn.ActivationFunction) string {
	_, derivative := activationWGSL(function)
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> activations : array<f32>;
@group(0) @binding(1) var<storage, read> next_weights : array<f32>;
@group(0) @binding(2) var<storage, read> next_dz : array<f32>;
@group(0) @binding(3) var<storage, read_write> dz : array<f32>;

fn act_derivative(y: f32) -> f32 {
	return %s;
}

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.x;
	let n_out = %du;
	let next_size = %du;
	if (idx >= arrayLength(&dz)) {
		return;
	}

	let run = idx / n_out;
	let c = idx %% n_out;

	var dc_da: f32 = 0.0;
	let next_off = run * next_size;
	for (var n: u32 = 0u; n < next_size; n = n + 1u) {
		dc_da = dc_da + next_weights[n * n_out + c] * next_dz[next_off + n];
	}

	let y = activations[idx];
	dz[idx] = dc_da * act_derivative(y);
}
`, derivative, workgroupSize, nOut, nextSize)
}

// gradsShader reduces a layer's per-run dz and previous activations into
// summed weight/bias gradients, following loom/gpu/dense_backward.go's
// GenerateBackwardShaderGrads, extended with the batch-dimension sum the
// CPU evaluator performs across every run in a pass.
func gradsShader(nIn, nOut, runCount int) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> previous : array<f32>;
@group(0) @binding(1) var<storage, read> dz : array<f32>;
@group(0) @binding(2) var<storage, read_write> weight_grad : array<f32>;
@group(0) @binding(3) var<storage, read_write> bias_grad : array<f32>;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.x;
	let n_in = %du;
	let n_out = %du;
	let run_count = %du;

	if (idx < n_out * n_in) {
		let c = idx / n_in;
		let p = idx %% n_in;
		var sum: f32 = 0.0;
		for (var r: u32 = 0u; r < run_count; r = r + 1u) {
			sum = sum + dz[r * n_out + c] * previous[r * n_in + p];
		}
		weight_grad[idx] = sum;
	}

	if (idx < n_out) {
		var sum: f32 = 0.0;
		for (var r: u32 = 0u; r < run_count; r = r + 1u) {
			sum = sum + dz[r * n_out + idx];
		}
		bias_grad[idx] = sum;
	}
}
`, workgroupSize, nIn, nOut, runCount)
}

// composeShader subtracts scalar*gradient from a layer's live weights and
// biases in place. It is layer-shape-agnostic (sized at dispatch time via
// arrayLength), so the evaluator compiles it exactly once, unlike the
// per-layer forward/backward kernels.
const composeShader = `
@group(0) @binding(0) var<storage, read> weight_grad : array<f32>;
@group(0) @binding(1) var<storage, read> bias_grad : array<f32>;
@group(0) @binding(2) var<storage, read_write> weights : array<f32>;
@group(0) @binding(3) var<storage, read_write> biases : array<f32>;
@group(0) @binding(4) var<uniform> scalar : f32;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.x;
	if (idx < arrayLength(&weights)) {
		weights[idx] = weights[idx] - scalar * weight_grad[idx];
	}
	if (idx < arrayLength(&biases)) {
		biases[idx] = biases[idx] - scalar * bias_grad[idx];
	}
}
`
