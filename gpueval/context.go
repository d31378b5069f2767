package gpueval

import (
	"github.com/openfluke/webgpu/wgpu"

	"github.com/ktrain-go/ffnet/eval"
)

// Context bundles the WebGPU objects one evaluator instance uses.
// NewContext creates every field and marks each as owned, so Close
// releases them. A caller may instead build a Context itself and pass it
// to NewWithContext, which uses the supplied fields as they are and does
// not create missing ones: Device and Queue must be set. Close leaves
// the objects of a caller-built Context untouched.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	ownsInstance bool
	ownsAdapter  bool
	ownsDevice   bool
}

// NewContext selects the highest-scoring adapter available and creates a
// device and queue, grounded on original_source/evaluators/vulkan_evaluator.cpp's
// score_device (sum of compute work-group limits plus a discrete-GPU
// bonus) translated to wgpu's Adapter/AdapterInfo surface, and on
// loom/gpu/context.go's enumerate-then-request-adapter fallback chain.
func NewContext() (*Context, error) {
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, eval.Wrap(eval.DeviceError, "gpueval: wgpu.CreateInstance returned nil")
	}

	adapter, err := pickAdapter(instance)
	if err != nil {
		instance.Release()
		return nil, err
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: request device")
	}

	return &Context{
		Instance:     instance,
		Adapter:      adapter,
		Device:       device,
		Queue:        device.GetQueue(),
		ownsInstance: true,
		ownsAdapter:  true,
		ownsDevice:   true,
	}, nil
}

// pickAdapter scores every enumerable adapter and falls back to a plain
// RequestAdapter call if enumeration finds nothing, the way
// loom/gpu/context.go falls back through high-performance, low-power,
// then default adapter requests.
func pickAdapter(instance *wgpu.Instance) (*wgpu.Adapter, error) {
	adapters := instance.EnumerateAdapters(nil)

	var best *wgpu.Adapter
	var bestScore int64 = -1
	for _, a := range adapters {
		s := scoreAdapter(a)
		if s > bestScore {
			bestScore = s
			best = a
		}
	}

	if best != nil {
		return best, nil
	}

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		adapter, err = instance.RequestAdapter(nil)
	}
	if err != nil {
		return nil, eval.WrapErr(eval.DeviceError, err, "gpueval: request adapter")
	}
	if adapter == nil {
		return nil, eval.Wrap(eval.DeviceError, "gpueval: no adapter available")
	}
	return adapter, nil
}

// scoreAdapter implements spec.md §4.5's device score:
// image_dimension_2d + sum(compute_work_group_counts) + 10000*is_discrete.
// wgpu exposes no storage-image dimension limit (this module uses
// buffers, not images — see §5.5), so the image term is replaced by
// MaxStorageBufferBindingSize scaled to the same order of magnitude as
// the other terms; the compute-work-group term sums
// MaxComputeWorkgroupsPerDimension across the three dispatch axes, since
// wgpu does not expose Vulkan's three independent per-axis counts.
func scoreAdapter(a *wgpu.Adapter) int64 {
	limits := a.GetLimits()
	var score int64
	score += int64(limits.Limits.MaxStorageBufferBindingSize / (1024 * 1024))
	score += int64(limits.Limits.MaxComputeWorkgroupsPerDimension) * 3

	info := a.GetInfo()
	if info.AdapterType == wgpu.AdapterTypeDiscreteGPU {
		score += 10000
	}
	return score
}

// Close releases every object this context created. Objects in a
// Context the caller built for NewWithContext are left alone.
func (c *Context) Close() {
	if c.ownsDevice && c.Device != nil {
		c.Device.Release()
	}
	if c.ownsAdapter && c.Adapter != nil {
		c.Adapter.Release()
	}
	if c.ownsInstance && c.Instance != nil {
		c.Instance.Release()
	}
}
