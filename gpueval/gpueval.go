// Package gpueval implements eval.Evaluator on top of
// github.com/openfluke/webgpu/wgpu, re-architecting spec.md §4.5's
// Vulkan-shaped resource model (storage images, fences, pipeline
// barriers, push constants) onto wgpu's surface as described in
// SPEC_FULL.md §5.5: storage buffers instead of images, a MapAsync-based
// fence substitute, one ComputePassEncoder boundary per layer instead of
// an explicit barrier, and a small uniform buffer instead of a push
// constant range.
package gpueval

import (
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/ktrain-go/ffnet/eval"
	"github.com/ktrain-go/ffnet/nn"
)

// Evaluator is the GPU evaluator.
type Evaluator struct {
	mu      sync.Mutex
	ctx     *Context
	ownsCtx bool

	nextKey   eval.Handle
	bindings  map[*nn.Network]*networkBinding
	passes    map[eval.Handle]*pass
	backprops map[eval.Handle]*backpropResult

	trainingMode bool

	composePipeline *wgpu.ComputePipeline
	scalarBuf       *wgpu.Buffer
}

// New creates a GPU evaluator that owns and will tear down its own
// WebGPU context, selecting a device via NewContext's scoring.
func New() (*Evaluator, error) {
	ctx, err := NewContext()
	if err != nil {
		return nil, err
	}
	e, err := newEvaluator(ctx, true)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	return e, nil
}

// NewWithContext creates a GPU evaluator against a caller-supplied
// context. The evaluator never releases objects it did not create,
// matching spec.md §4.5's caller-provided-context option.
func NewWithContext(ctx *Context) (*Evaluator, error) {
	return newEvaluator(ctx, false)
}

func newEvaluator(ctx *Context, ownsCtx bool) (*Evaluator, error) {
	e := &Evaluator{
		ctx:       ctx,
		ownsCtx:   ownsCtx,
		nextKey:   1,
		bindings:  make(map[*nn.Network]*networkBinding),
		passes:    make(map[eval.Handle]*pass),
		backprops: make(map[eval.Handle]*backpropResult),
	}

	module, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "compose",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: composeShader},
	})
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: compile compose shader")
	}
	e.composePipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "compose-pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	module.Release()
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create compose pipeline")
	}

	e.scalarBuf, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "compose-scalar",
		Size:  4,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create scalar buffer")
	}

	return e, nil
}

func (e *Evaluator) allocKey() eval.Handle {
	k := e.nextKey
	e.nextKey++
	return k
}

// SetTrainingMode pins or unpins every currently bound network's GPU
// resources, per spec.md §4.5: "while the evaluator is in training mode,
// a network's refcount is never allowed to hit zero even when all
// passes drain." Unpinning releases any binding that drained to zero
// while pinned.
func (e *Evaluator) SetTrainingMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.trainingMode = on
	for net, b := range e.bindings {
		b.pinned = on
		if !on && b.refCount == 0 {
			b.release()
			delete(e.bindings, net)
		}
	}
}

func (e *Evaluator) bindNetwork(network *nn.Network) (*networkBinding, error) {
	if b, ok := e.bindings[network]; ok {
		b.refCount++
		return b, nil
	}

	layers := network.Layers()
	resources := make([]layerResources, len(layers))

	for i, layer := range layers {
		weightBuf, err := e.ctx.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    newLabel("weights"),
			Contents: wgpu.ToBytes(layer.Weights),
			Usage:    wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create weight buffer")
		}
		biasBuf, err := e.ctx.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    newLabel("biases"),
			Contents: wgpu.ToBytes(layer.Biases),
			Usage:    wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create bias buffer")
		}

		forwardPipeline, err := e.compilePipeline("forward", forwardShader(layer.PreviousSize, layer.Size, layer.Function))
		if err != nil {
			return nil, err
		}

		resources[i] = layerResources{
			nIn:             layer.PreviousSize,
			nOut:            layer.Size,
			function:        layer.Function,
			weightBuf:       weightBuf,
			biasBuf:         biasBuf,
			forwardPipeline: forwardPipeline,
		}

		if i == len(layers)-1 {
			pipe, err := e.compilePipeline("output-dz", outputDZShader(layer.Size, layer.Function))
			if err != nil {
				return nil, err
			}
			resources[i].outputDZPipeline = pipe
		} else {
			pipe, err := e.compilePipeline("hidden-dz", hiddenDZShader(layer.Size, layers[i+1].Size, layer.Function))
			if err != nil {
				return nil, err
			}
			resources[i].hiddenDZPipeline = pipe
		}
	}

	b := &networkBinding{layers: resources, refCount: 1, pinned: e.trainingMode, label: newLabel("network")}
	e.bindings[network] = b
	return b, nil
}

func (e *Evaluator) compilePipeline(label, source string) (*wgpu.ComputePipeline, error) {
	module, err := e.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          newLabel(label),
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: compile "+label+" shader")
	}
	defer module.Release()

	pipeline, err := e.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   newLabel(label + "-pipeline"),
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create "+label+" pipeline")
	}
	return pipeline, nil
}

// unbindNetwork decrements a binding's refcount and releases it once it
// reaches zero, unless training mode keeps it pinned.
func (e *Evaluator) unbindNetwork(network *nn.Network) {
	b, ok := e.bindings[network]
	if !ok {
		return
	}
	b.refCount--
	if b.refCount <= 0 && !b.pinned {
		b.release()
		delete(e.bindings, network)
	}
}

// BeginEval implements eval.Evaluator.
func (e *Evaluator) BeginEval(network *nn.Network, inputs []float32) (eval.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	layers := network.Layers()
	if len(layers) == 0 {
		return 0, eval.Wrap(eval.PreconditionFailure, "gpueval: network has no layers")
	}
	inputCount := network.InputCount()
	if inputCount <= 0 || len(inputs) == 0 || len(inputs)%inputCount != 0 {
		return 0, eval.Wrap(eval.PreconditionFailure,
			"gpueval: input length %d is not a positive multiple of input count %d", len(inputs), inputCount)
	}
	runCount := len(inputs) / inputCount

	binding, err := e.bindNetwork(network)
	if err != nil {
		return 0, err
	}

	p, err := e.runForward(binding, network, inputs, runCount)
	if err != nil {
		e.unbindNetwork(network)
		return 0, err
	}
	p.refCount = 1

	key := e.allocKey()
	e.passes[key] = p
	return key, nil
}

func (e *Evaluator) runForward(binding *networkBinding, network *nn.Network, inputs []float32, runCount int) (*pass, error) {
	device := e.ctx.Device
	layers := network.Layers()

	inputBuf, err := device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    newLabel("input"),
		Contents: wgpu.ToBytes(inputs),
		Usage:    wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create input buffer")
	}

	p := &pass{network: network, runCount: runCount, inputBuf: inputBuf,
		layerOut: make([]*wgpu.Buffer, len(layers)), layerZ: make([]*wgpu.Buffer, len(layers))}

	encoder, err := device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create command encoder")
	}

	previous := inputBuf
	for i, layer := range layers {
		res := binding.layers[i]

		outBuf, err := device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: newLabel("activations"),
			Size:  uint64(runCount * layer.Size * 4),
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create activation buffer")
		}
		zBuf, err := device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: newLabel("z"),
			Size:  uint64(runCount * layer.Size * 4),
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create z buffer")
		}

		bindGroup, err := device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  newLabel("forward-bg"),
			Layout: res.forwardPipeline.GetBindGroupLayout(0),
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: previous, Size: previous.GetSize()},
				{Binding: 1, Buffer: outBuf, Size: outBuf.GetSize()},
				{Binding: 2, Buffer: zBuf, Size: zBuf.GetSize()},
				{Binding: 3, Buffer: res.weightBuf, Size: res.weightBuf.GetSize()},
				{Binding: 4, Buffer: res.biasBuf, Size: res.biasBuf.GetSize()},
			},
		})
		if err != nil {
			return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create forward bind group")
		}

		// One ComputePassEncoder per layer substitutes for the
		// activations/z self-dependency pipeline barrier spec.md §4.5
		// inserts between successive per-layer dispatches.
		computePass := encoder.BeginComputePass(nil)
		computePass.SetPipeline(res.forwardPipeline)
		computePass.SetBindGroup(0, bindGroup, nil)
		computePass.DispatchWorkgroups(workgroupCount(runCount*layer.Size), 1, 1)
		computePass.End()

		p.layerOut[i] = outBuf
		p.layerZ[i] = zBuf
		previous = outBuf
	}

	f, err := newFence(device, newLabel("eval-fence"))
	if err != nil {
		return nil, err
	}
	f.arm(encoder, p.layerOut[len(layers)-1])
	p.fence = f

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: finish command encoder")
	}
	e.ctx.Queue.Submit(cmd)
	if err := f.afterSubmit(); err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: arm eval fence")
	}

	return p, nil
}

// IsResultReady implements eval.Evaluator.
func (e *Evaluator) IsResultReady(handle eval.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.passes[handle]; ok {
		return p.fence.poll()
	}
	if r, ok := e.backprops[handle]; ok {
		return r.fence.poll()
	}
	return false
}

// GetEvalResult implements eval.Evaluator.
func (e *Evaluator) GetEvalResult(handle eval.Handle) (eval.Pass, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.passes[handle]
	if !ok {
		return nil, eval.Wrap(eval.PreconditionFailure, "gpueval: unknown result %d", handle)
	}
	return p, nil
}

// RetrieveEvalValues implements eval.Evaluator.
func (e *Evaluator) RetrieveEvalValues(network *nn.Network, passAny eval.Pass, out []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := passAny.(*pass)
	if !ok {
		return nil, eval.Wrap(eval.PreconditionFailure, "gpueval: pass did not originate from this evaluator")
	}

	outputCount := network.OutputCount()
	last := p.layerOut[len(p.layerOut)-1]
	values, err := e.readBufferSync(last, outputCount*p.runCount)
	if err != nil {
		return nil, err
	}

	out = append(out[:0], values...)
	return out, nil
}

// BeginBackprop implements eval.Evaluator.
func (e *Evaluator) BeginBackprop(network *nn.Network, input eval.BackpropInput) (eval.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := input.EvalOutputs.(*pass)
	if !ok {
		return 0, eval.Wrap(eval.PreconditionFailure, "gpueval: eval pass did not originate from this evaluator")
	}
	if p.network != network {
		return 0, eval.Wrap(eval.PreconditionFailure, "gpueval: eval pass belongs to a different network")
	}

	outputCount := network.OutputCount()
	if len(input.Expected) != outputCount*p.runCount {
		return 0, eval.Wrap(eval.PreconditionFailure,
			"gpueval: expected outputs length %d does not match %d runs of output count %d",
			len(input.Expected), p.runCount, outputCount)
	}

	binding, ok := e.bindings[network]
	if !ok {
		return 0, eval.Wrap(eval.PreconditionFailure, "gpueval: network is not bound")
	}

	result, err := e.runBackward(binding, network, p, input.Expected)
	if err != nil {
		return 0, err
	}
	p.refCount++

	key := e.allocKey()
	e.backprops[key] = result
	return key, nil
}

func (e *Evaluator) runBackward(binding *networkBinding, network *nn.Network, p *pass, expected []float32) (*backpropResult, error) {
	device := e.ctx.Device
	layers := network.Layers()
	runCount := p.runCount

	expectedBuf, err := device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    newLabel("expected"),
		Contents: wgpu.ToBytes(expected),
		Usage:    wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create expected buffer")
	}
	defer expectedBuf.Destroy()

	result := &backpropResult{network: network, sourcePass: p,
		weightGrads: make([]*wgpu.Buffer, len(layers)), biasGrads: make([]*wgpu.Buffer, len(layers))}

	encoder, err := device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create command encoder")
	}

	dzBuffers := make([]*wgpu.Buffer, len(layers))
	var nextDZ *wgpu.Buffer

	for i := len(layers) - 1; i >= 0; i-- {
		layer := layers[i]
		res := binding.layers[i]

		dz, err := device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: newLabel("dz"),
			Size:  uint64(runCount * layer.Size * 4),
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create dz buffer")
		}
		dzBuffers[i] = dz

		if i == len(layers)-1 {
			bg, err := device.CreateBindGroup(&wgpu.BindGroupDescriptor{
				Label:  newLabel("output-dz-bg"),
				Layout: res.outputDZPipeline.GetBindGroupLayout(0),
				Entries: []wgpu.BindGroupEntry{
					{Binding: 0, Buffer: p.layerOut[i], Size: p.layerOut[i].GetSize()},
					{Binding: 1, Buffer: expectedBuf, Size: expectedBuf.GetSize()},
					{Binding: 2, Buffer: dz, Size: dz.GetSize()},
				},
			})
			if err != nil {
				return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create output dz bind group")
			}
			cp := encoder.BeginComputePass(nil)
			cp.SetPipeline(res.outputDZPipeline)
			cp.SetBindGroup(0, bg, nil)
			cp.DispatchWorkgroups(workgroupCount(runCount*layer.Size), 1, 1)
			cp.End()
		} else {
			nextRes := binding.layers[i+1]
			bg, err := device.CreateBindGroup(&wgpu.BindGroupDescriptor{
				Label:  newLabel("hidden-dz-bg"),
				Layout: res.hiddenDZPipeline.GetBindGroupLayout(0),
				Entries: []wgpu.BindGroupEntry{
					{Binding: 0, Buffer: p.layerOut[i], Size: p.layerOut[i].GetSize()},
					{Binding: 1, Buffer: nextRes.weightBuf, Size: nextRes.weightBuf.GetSize()},
					{Binding: 2, Buffer: nextDZ, Size: nextDZ.GetSize()},
					{Binding: 3, Buffer: dz, Size: dz.GetSize()},
				},
			})
			if err != nil {
				return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create hidden dz bind group")
			}
			cp := encoder.BeginComputePass(nil)
			cp.SetPipeline(res.hiddenDZPipeline)
			cp.SetBindGroup(0, bg, nil)
			cp.DispatchWorkgroups(workgroupCount(runCount*layer.Size), 1, 1)
			cp.End()
		}

		nextDZ = dz

		previous := p.inputBuf
		if i > 0 {
			previous = p.layerOut[i-1]
		}

		weightGrad, err := device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: newLabel("weight-grad"),
			Size:  uint64(len(layer.Weights) * 4),
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create weight grad buffer")
		}
		biasGrad, err := device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: newLabel("bias-grad"),
			Size:  uint64(len(layer.Biases) * 4),
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create bias grad buffer")
		}

		gradsPipeline, err := e.compilePipeline("grads", gradsShader(layer.PreviousSize, layer.Size, runCount))
		if err != nil {
			return nil, err
		}

		bg, err := device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  newLabel("grads-bg"),
			Layout: gradsPipeline.GetBindGroupLayout(0),
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: previous, Size: previous.GetSize()},
				{Binding: 1, Buffer: dz, Size: dz.GetSize()},
				{Binding: 2, Buffer: weightGrad, Size: weightGrad.GetSize()},
				{Binding: 3, Buffer: biasGrad, Size: biasGrad.GetSize()},
			},
		})
		if err != nil {
			return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create grads bind group")
		}

		cp := encoder.BeginComputePass(nil)
		cp.SetPipeline(gradsPipeline)
		cp.SetBindGroup(0, bg, nil)
		cp.DispatchWorkgroups(workgroupCount(layer.Size*layer.PreviousSize), 1, 1)
		cp.End()
		gradsPipeline.Release()

		result.weightGrads[i] = weightGrad
		result.biasGrads[i] = biasGrad
	}

	for _, dz := range dzBuffers {
		releaseBuffer(dz)
	}

	f, err := newFence(device, newLabel("backprop-fence"))
	if err != nil {
		return nil, err
	}
	f.arm(encoder, result.biasGrads[0])
	result.fence = f

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: finish command encoder")
	}
	e.ctx.Queue.Submit(cmd)
	if err := f.afterSubmit(); err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: arm backprop fence")
	}

	return result, nil
}

// ComposeDeltas implements eval.Evaluator.
func (e *Evaluator) ComposeDeltas(input eval.ComposeDeltasInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	binding, ok := e.bindings[input.Network]
	if !ok {
		return eval.Wrap(eval.PreconditionFailure, "gpueval: network is not bound")
	}

	results := make([]*backpropResult, len(input.Keys))
	for i, key := range input.Keys {
		r, ok := e.backprops[key]
		if !ok {
			return eval.Wrap(eval.PreconditionFailure, "gpueval: unknown backprop result %d", key)
		}
		if r.network != input.Network {
			return eval.Wrap(eval.PreconditionFailure, "gpueval: result %d belongs to a different network", key)
		}
		if !r.fence.poll() {
			return eval.Wrap(eval.PreconditionFailure, "gpueval: result %d is not ready", key)
		}
		results[i] = r
	}

	e.ctx.Queue.WriteBuffer(e.scalarBuf, 0, wgpu.ToBytes([]float32{input.Scalar}))

	encoder, err := e.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return eval.WrapErr(eval.DeviceError, err, "gpueval: create command encoder")
	}

	layers := input.Network.Layers()
	for _, r := range results {
		for i, layer := range layers {
			res := binding.layers[i]
			bg, err := e.ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
				Label:  newLabel("compose-bg"),
				Layout: e.composePipeline.GetBindGroupLayout(0),
				Entries: []wgpu.BindGroupEntry{
					{Binding: 0, Buffer: r.weightGrads[i], Size: r.weightGrads[i].GetSize()},
					{Binding: 1, Buffer: r.biasGrads[i], Size: r.biasGrads[i].GetSize()},
					{Binding: 2, Buffer: res.weightBuf, Size: res.weightBuf.GetSize()},
					{Binding: 3, Buffer: res.biasBuf, Size: res.biasBuf.GetSize()},
					{Binding: 4, Buffer: e.scalarBuf, Size: e.scalarBuf.GetSize()},
				},
			})
			if err != nil {
				return eval.WrapErr(eval.DeviceError, err, "gpueval: create compose bind group")
			}

			cp := encoder.BeginComputePass(nil)
			cp.SetPipeline(e.composePipeline)
			cp.SetBindGroup(0, bg, nil)
			total := layer.Size * layer.PreviousSize
			if layer.Size > total {
				total = layer.Size
			}
			cp.DispatchWorkgroups(workgroupCount(total), 1, 1)
			cp.End()
		}
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return eval.WrapErr(eval.DeviceError, err, "gpueval: finish command encoder")
	}
	e.ctx.Queue.Submit(cmd)

	if input.Copy {
		if err := e.mirrorToHost(binding, input.Network); err != nil {
			return err
		}
	}

	return nil
}

// mirrorToHost copies the GPU-canonical weights/biases for every layer of
// network back into its CPU-side Layer values, per spec.md §4.5's
// copy=true mirror-image-to-buffer path.
func (e *Evaluator) mirrorToHost(binding *networkBinding, network *nn.Network) error {
	layers := network.LayersMut()
	for i := range layers {
		layer := &layers[i]
		res := binding.layers[i]

		weights, err := e.readBufferSync(res.weightBuf, len(layer.Weights))
		if err != nil {
			return err
		}
		biases, err := e.readBufferSync(res.biasBuf, len(layer.Biases))
		if err != nil {
			return err
		}

		copy(layer.Weights, weights)
		copy(layer.Biases, biases)
	}
	return nil
}

// readBufferSync blocks until a buffer's contents are read back to the
// host, grounded on loom/gpu/buffer.go's ReadBuffer: copy into a staging
// buffer, submit, MapAsync, Poll until the callback fires.
func (e *Evaluator) readBufferSync(buf *wgpu.Buffer, count int) ([]float32, error) {
	device := e.ctx.Device
	sizeBytes := uint64(count * 4)

	staging, err := device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: newLabel("readback-staging"),
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create staging buffer")
	}
	defer staging.Destroy()

	encoder, err := device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: create command encoder")
	}
	encoder.CopyBufferToBuffer(buf, 0, staging, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: finish readback encoder")
	}
	e.ctx.Queue.Submit(cmd)

	done := false
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = eval.Wrap(eval.DeviceError, "gpueval: map status %v", status)
		}
		done = true
	})
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: MapAsync")
	}

	for !done {
		device.Poll(true, nil)
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, eval.Wrap(eval.DeviceError, "gpueval: mapped range is nil")
	}
	out := make([]float32, count)
	copy(out, wgpu.FromBytes[float32](data))
	staging.Unmap()

	return out, nil
}

// FreeResult implements eval.Evaluator.
func (e *Evaluator) FreeResult(handle eval.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.passes[handle]; ok {
		delete(e.passes, handle)
		e.releasePassRef(p)
		return nil
	}
	if r, ok := e.backprops[handle]; ok {
		delete(e.backprops, handle)
		r.release()
		e.releasePassRef(r.sourcePass)
		return nil
	}

	return eval.Wrap(eval.PreconditionFailure, "gpueval: unknown result %d", handle)
}

func (e *Evaluator) releasePassRef(p *pass) {
	p.refCount--
	if p.refCount <= 0 {
		p.release()
		e.unbindNetwork(p.network)
	}
}

// CostFunction implements eval.Evaluator.
func (e *Evaluator) CostFunction(actual, expected float32) float32 {
	return nn.Cost(actual, expected)
}

// Close drains every outstanding result and network binding, then tears
// down the context if this evaluator created it, per spec.md §4.5's
// destructor flow: clear training mode, drain every result, zero-force
// every network refcount, tear down device objects.
func (e *Evaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.trainingMode = false

	for key, p := range e.passes {
		p.release()
		delete(e.passes, key)
	}
	for key, r := range e.backprops {
		r.release()
		delete(e.backprops, key)
	}
	for net, b := range e.bindings {
		b.release()
		delete(e.bindings, net)
	}

	if e.composePipeline != nil {
		e.composePipeline.Release()
		e.composePipeline = nil
	}
	releaseBuffer(e.scalarBuf)
	e.scalarBuf = nil

	if e.ownsCtx {
		e.ctx.Close()
		e.ownsCtx = false
	}
	return nil
}
