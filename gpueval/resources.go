package gpueval

import (
	"github.com/google/uuid"
	"github.com/openfluke/webgpu/wgpu"

	"github.com/ktrain-go/ffnet/eval"
	"github.com/ktrain-go/ffnet/nn"
)

// layerResources holds the compiled pipelines and live parameter buffers
// for one layer of a bound network. Pipelines are compiled once per
// network binding since their shapes never change; bind groups are
// created per pass against that pass's activation/dz buffers.
type layerResources struct {
	nIn, nOut int
	function  nn.ActivationFunction

	weightBuf *wgpu.Buffer
	biasBuf   *wgpu.Buffer

	forwardPipeline  *wgpu.ComputePipeline
	outputDZPipeline *wgpu.ComputePipeline // only populated for the last layer
	hiddenDZPipeline *wgpu.ComputePipeline // only populated for non-last layers
}

// networkBinding is the GPU-side mirror of one *nn.Network: per-layer
// parameter buffers and compiled pipelines, refcounted and optionally
// pinned during training, grounded on
// original_source/evaluators/evaluators.h's vulkan_network_data_t.
type networkBinding struct {
	layers   []layerResources
	refCount int
	pinned   bool
	label    string
}

// pass is the opaque eval.Pass behind a GPU eval handle: the per-layer
// activation/z buffers produced by one BeginEval, shared by every
// backprop that reads them.
type pass struct {
	network   *nn.Network
	runCount  int
	inputBuf  *wgpu.Buffer
	layerOut  []*wgpu.Buffer // activations after each layer, len(layers)
	layerZ    []*wgpu.Buffer // pre-activations at each layer, len(layers)
	fence     *fence
	refCount  int // live handles referencing this pass: the eval handle plus each backprop handle
	freedEval bool
}

func (*pass) EvaluatorPass() {}

// backpropResult is the deltas produced by one BeginBackprop: one
// (weightGrad, biasGrad) buffer pair per layer, summed over the pass's
// batch dimension.
type backpropResult struct {
	network     *nn.Network
	sourcePass  *pass
	weightGrads []*wgpu.Buffer
	biasGrads   []*wgpu.Buffer
	fence       *fence
}

func newLabel(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func releaseBuffer(b *wgpu.Buffer) {
	if b != nil {
		b.Destroy()
	}
}

func (p *pass) release() {
	releaseBuffer(p.inputBuf)
	for _, b := range p.layerOut {
		releaseBuffer(b)
	}
	for _, b := range p.layerZ {
		releaseBuffer(b)
	}
	if p.fence != nil {
		p.fence.release()
	}
}

func (r *backpropResult) release() {
	for _, b := range r.weightGrads {
		releaseBuffer(b)
	}
	for _, b := range r.biasGrads {
		releaseBuffer(b)
	}
	if r.fence != nil {
		r.fence.release()
	}
}

func (b *networkBinding) release() {
	for _, l := range b.layers {
		releaseBuffer(l.weightBuf)
		releaseBuffer(l.biasBuf)
		if l.forwardPipeline != nil {
			l.forwardPipeline.Release()
		}
		if l.outputDZPipeline != nil {
			l.outputDZPipeline.Release()
		}
		if l.hiddenDZPipeline != nil {
			l.hiddenDZPipeline.Release()
		}
	}
}

// fence is this module's substitute for a VkFence: a small MapRead
// buffer whose MapAsync callback sets a plain ready flag once the
// queue has finished everything submitted before the map request,
// grounded on loom/gpu/buffer.go's ReadBuffer MapAsync+Poll pattern.
type fence struct {
	device *wgpu.Device
	buf    *wgpu.Buffer
	ready  bool
	armed  bool
}

func newFence(device *wgpu.Device, label string) (*fence, error) {
	buf, err := device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  4,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, eval.WrapErr(eval.ResourceExhaustion, err, "gpueval: create fence buffer")
	}
	return &fence{device: device, buf: buf}, nil
}

// arm schedules a 4-byte copy from src into the fence buffer as the last
// thing the given encoder does, so that mapping the fence buffer for
// read cannot complete before everything recorded earlier in the
// encoder has.
func (f *fence) arm(encoder *wgpu.CommandEncoder, src *wgpu.Buffer) {
	encoder.CopyBufferToBuffer(src, 0, f.buf, 0, 4)
}

// afterSubmit must be called once the command buffer carrying arm's copy
// has been submitted. It requests the map that will flip ready once the
// queue reaches it.
func (f *fence) afterSubmit() error {
	f.armed = true
	f.ready = false
	return f.buf.MapAsync(wgpu.MapModeRead, 0, 4, func(status wgpu.BufferMapAsyncStatus) {
		f.ready = true
		f.buf.Unmap()
	})
}

// poll pumps the device event loop non-blockingly and reports whether
// the fence has signaled.
func (f *fence) poll() bool {
	if !f.armed {
		return false
	}
	f.device.Poll(false, nil)
	return f.ready
}

func (f *fence) release() {
	releaseBuffer(f.buf)
}
