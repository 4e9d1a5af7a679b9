// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build wgpu

package wgpu

import (
	"context"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceName is the name used to register the device.
const DeviceName = "wgpu"

func init() {
	gpu.Register(DeviceName, func(ctx context.Context, config string) (gpu.Device, error) {
		return New(ctx, config)
	})
}

// Device implements gpu.Device with a WebGPU adapter.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string
	limits   gpu.Limits
}

var _ gpu.Device = (*Device)(nil)

// New requests an adapter and a device. config is "", "low-power" or "high-performance".
func New(ctx context.Context, config string) (*Device, error) {
	preference := wgpu.PowerPreferenceHighPerformance
	switch config {
	case "", "high-performance":
	case "low-power":
		preference = wgpu.PowerPreferenceLowPower
	default:
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu device: unknown configuration %q", config)
	}
	d := &Device{instance: wgpu.CreateInstance(nil)}
	var err error
	d.adapter, err = d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: preference})
	if err != nil {
		d.release()
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: requesting adapter: %v", err)
	}
	d.device, err = d.adapter.RequestDevice(nil)
	if err != nil {
		d.release()
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: requesting device: %v", err)
	}
	d.queue = d.device.GetQueue()
	d.name = d.adapter.GetInfo().Name
	supported := d.device.GetLimits().Limits
	d.limits = gpu.Limits{
		MaxStorageBufferBindingSize:      supported.MaxStorageBufferBindingSize,
		MaxBufferSize:                    supported.MaxBufferSize,
		MaxStorageBuffersPerShaderStage:  int(supported.MaxStorageBuffersPerShaderStage),
		MaxComputeWorkgroupsPerDimension: supported.MaxComputeWorkgroupsPerDimension,
	}
	klog.FromContext(ctx).V(1).Info("created wgpu device", "adapter", d.name, "limits", d.limits)
	return d, nil
}

func (d *Device) release() {
	if d.queue != nil {
		d.queue.Release()
	}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
	*d = Device{}
}

// Name implements gpu.Device.
func (d *Device) Name() string { return d.name }

// Limits implements gpu.Device.
func (d *Device) Limits() gpu.Limits { return d.limits }

// Buffer implements gpu.Buffer.
type Buffer struct {
	buffer *wgpu.Buffer
	size   uint64
}

// Size implements gpu.Buffer.
func (b *Buffer) Size() uint64 { return b.size }

// Release implements gpu.Buffer.
func (b *Buffer) Release() {
	if b.buffer != nil {
		b.buffer.Release()
		b.buffer = nil
	}
}

// CreateBuffer implements gpu.Device.
func (d *Device) CreateBuffer(label string, size uint64) (gpu.Buffer, error) {
	if d.device == nil {
		return nil, errors.Wrap(gpu.ErrDevice, "wgpu device is closed")
	}
	buffer, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: creating buffer %q of %d bytes: %v", label, size, err)
	}
	return &Buffer{buffer: buffer, size: size}, nil
}

func asBuffer(b gpu.Buffer) (*Buffer, error) {
	buffer, ok := b.(*Buffer)
	if !ok || buffer.buffer == nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "invalid or released wgpu buffer %v", b)
	}
	return buffer, nil
}

// WriteBuffer implements gpu.Device.
func (d *Device) WriteBuffer(ctx context.Context, b gpu.Buffer, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(context.Cause(ctx), "writing buffer")
	}
	buffer, err := asBuffer(b)
	if err != nil {
		return err
	}
	if err := d.queue.WriteBuffer(buffer.buffer, 0, data); err != nil {
		return errors.Wrapf(gpu.ErrDevice, "wgpu: writing %d bytes: %v", len(data), err)
	}
	return nil
}

// ReadBuffer implements gpu.Device: it copies the buffer to a staging buffer, and blocks until it is mapped.
func (d *Device) ReadBuffer(ctx context.Context, b gpu.Buffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(context.Cause(ctx), "reading buffer")
	}
	buffer, err := asBuffer(b)
	if err != nil {
		return nil, err
	}
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "staging",
		Size:  buffer.size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: creating staging buffer: %v", err)
	}
	defer staging.Release()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: creating command encoder: %v", err)
	}
	defer encoder.Release()
	if err = encoder.CopyBufferToBuffer(buffer.buffer, 0, staging, 0, buffer.size); err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: copying to staging buffer: %v", err)
	}
	commands, err := encoder.Finish(nil)
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: finishing readback commands: %v", err)
	}
	defer commands.Release()
	d.queue.Submit(commands)

	var status wgpu.BufferMapAsyncStatus
	mapped := false
	err = staging.MapAsync(wgpu.MapModeRead, 0, buffer.size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
		mapped = true
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: mapping staging buffer: %v", err)
	}
	for !mapped {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(context.Cause(ctx), "waiting for buffer readback")
		}
		d.device.Poll(true, nil)
	}
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: mapping staging buffer failed with status %v", status)
	}
	data := append([]byte(nil), staging.GetMappedRange(0, uint(buffer.size))...)
	if err := staging.Unmap(); err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: unmapping staging buffer: %v", err)
	}
	return data, nil
}

// Pipeline implements gpu.Pipeline.
type Pipeline struct {
	module   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
	label    string
}

// Release implements gpu.Pipeline.
func (p *Pipeline) Release() {
	if p.pipeline != nil {
		p.pipeline.Release()
		p.module.Release()
		p.pipeline, p.module = nil, nil
	}
}

// CreatePipeline implements gpu.Device: it compiles spec.Source, with an automatic bind group layout.
func (d *Device) CreatePipeline(spec gpu.PipelineSpec) (gpu.Pipeline, error) {
	if d.device == nil {
		return nil, errors.Wrap(gpu.ErrDevice, "wgpu device is closed")
	}
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          spec.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: spec.Source},
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: compiling shader %q: %v", spec.Label, err)
	}
	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   spec.Label,
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: spec.EntryPoint},
	})
	if err != nil {
		module.Release()
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: creating pipeline %q: %v", spec.Label, err)
	}
	return &Pipeline{module: module, pipeline: pipeline, label: spec.Label}, nil
}

// BindGroup implements gpu.BindGroup.
type BindGroup struct {
	group *wgpu.BindGroup
}

// Release implements gpu.BindGroup.
func (g *BindGroup) Release() {
	if g.group != nil {
		g.group.Release()
		g.group = nil
	}
}

// CreateBindGroup implements gpu.Device.
func (d *Device) CreateBindGroup(label string, pipeline gpu.Pipeline, buffers []gpu.Buffer) (gpu.BindGroup, error) {
	p, ok := pipeline.(*Pipeline)
	if !ok || p.pipeline == nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "bind group %q: invalid or released pipeline", label)
	}
	entries := make([]wgpu.BindGroupEntry, len(buffers))
	for ii, b := range buffers {
		buffer, err := asBuffer(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "bind group %q binding %d", label, ii)
		}
		entries[ii] = wgpu.BindGroupEntry{Binding: uint32(ii), Buffer: buffer.buffer, Size: buffer.size}
	}
	layout := p.pipeline.GetBindGroupLayout(0)
	defer layout.Release()
	group, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "wgpu: creating bind group %q: %v", label, err)
	}
	return &BindGroup{group: group}, nil
}

// Submit implements gpu.Device. Each dispatch is recorded in its own compute pass, so that the writes of one
// dispatch are visible to the following ones.
func (d *Device) Submit(ctx context.Context, dispatches []gpu.Dispatch) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(context.Cause(ctx), "submitting")
	}
	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return errors.Wrapf(gpu.ErrDevice, "wgpu: creating command encoder: %v", err)
	}
	defer encoder.Release()
	for ii, dispatch := range dispatches {
		pipeline, ok := dispatch.Pipeline.(*Pipeline)
		if !ok || pipeline.pipeline == nil {
			return errors.Wrapf(gpu.ErrDevice, "dispatch #%d: invalid or released pipeline", ii)
		}
		group, ok := dispatch.BindGroup.(*BindGroup)
		if !ok || group.group == nil {
			return errors.Wrapf(gpu.ErrDevice, "dispatch #%d: invalid or released bind group", ii)
		}
		pass := encoder.BeginComputePass(nil)
		pass.SetPipeline(pipeline.pipeline)
		pass.SetBindGroup(0, group.group, nil)
		pass.DispatchWorkgroups(dispatch.Workgroups[0], dispatch.Workgroups[1], dispatch.Workgroups[2])
		err = pass.End()
		pass.Release()
		if err != nil {
			return errors.Wrapf(gpu.ErrDevice, "wgpu: recording dispatch #%d (%s): %v", ii, pipeline.label, err)
		}
	}
	commands, err := encoder.Finish(nil)
	if err != nil {
		return errors.Wrapf(gpu.ErrDevice, "wgpu: finishing commands: %v", err)
	}
	defer commands.Release()
	d.queue.Submit(commands)
	return nil
}

// Close implements gpu.Device.
func (d *Device) Close() error {
	d.release()
	return nil
}
