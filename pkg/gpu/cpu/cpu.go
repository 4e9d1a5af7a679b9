// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements a gpu.Device that executes the Go version of each shader (see package kernels) on
// the host, splitting the invocations of each dispatch among goroutines.
//
// It is registered as "cpu", and it is the default device. Its configuration is a comma separated list of
// options:
//
//   - workers=N: maximum number of goroutines used by each dispatch. Defaults to runtime.GOMAXPROCS(0).
//   - limits=webgpu: report the minimal WebGPU limits (gpu.DefaultLimits) instead of the host ones.
package cpu

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/kernels"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DeviceName is the name used to register the device.
const DeviceName = "cpu"

// minInvocationsPerWorker is the smallest number of invocations worth starting a goroutine for.
const minInvocationsPerWorker = 4096

func init() {
	gpu.Register(DeviceName, func(ctx context.Context, config string) (gpu.Device, error) {
		return New(ctx, config)
	})
}

// HostLimits are the limits reported by default: the whole address space is available, and dispatches can
// use the maximum WebGPU grid.
var HostLimits = gpu.Limits{
	MaxStorageBufferBindingSize:      1 << 40,
	MaxBufferSize:                    1 << 40,
	MaxStorageBuffersPerShaderStage:  16,
	MaxComputeWorkgroupsPerDimension: 65535,
}

// Device implements gpu.Device on the host.
type Device struct {
	workers int
	limits  gpu.Limits
	closed  atomic.Bool

	// allocated is the number of bytes held by live buffers.
	allocated atomic.Int64
}

var _ gpu.Device = (*Device)(nil)

// New creates a cpu device with the given configuration (see package documentation).
func New(ctx context.Context, config string) (*Device, error) {
	d := &Device{
		workers: runtime.GOMAXPROCS(0),
		limits:  HostLimits,
	}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "workers":
			workers, err := strconv.Atoi(value)
			if err != nil || workers < 1 {
				return nil, errors.Wrapf(gpu.ErrDevice, "cpu device: invalid workers=%q", value)
			}
			d.workers = workers
		case "limits":
			if value != "webgpu" {
				return nil, errors.Wrapf(gpu.ErrDevice, "cpu device: unknown limits=%q", value)
			}
			d.limits = gpu.DefaultLimits
		default:
			return nil, errors.Wrapf(gpu.ErrDevice, "cpu device: unknown option %q in configuration %q", key, config)
		}
	}
	klog.FromContext(ctx).V(1).Info("created cpu device", "workers", d.workers)
	return d, nil
}

// Name implements gpu.Device.
func (d *Device) Name() string { return DeviceName }

// Limits implements gpu.Device.
func (d *Device) Limits() gpu.Limits { return d.limits }

// Workers returns the maximum number of goroutines used by one dispatch.
func (d *Device) Workers() int { return d.workers }

// Allocated returns the number of bytes held by buffers not yet released.
func (d *Device) Allocated() uint64 { return uint64(d.allocated.Load()) }

func (d *Device) checkOpen() error {
	if d.closed.Load() {
		return errors.Wrap(gpu.ErrDevice, "cpu device is closed")
	}
	return nil
}

// Buffer implements gpu.Buffer.
type Buffer struct {
	device *Device
	label  string
	arg    kernels.Arg
}

// Size implements gpu.Buffer.
func (b *Buffer) Size() uint64 { return 4 * uint64(len(b.arg.Words)) }

// Release implements gpu.Buffer.
func (b *Buffer) Release() {
	if b.arg.Words == nil {
		return
	}
	b.device.allocated.Add(-int64(b.Size()))
	b.arg = kernels.Arg{}
}

// CreateBuffer implements gpu.Device.
func (d *Device) CreateBuffer(label string, size uint64) (gpu.Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if size == 0 || size%4 != 0 {
		return nil, errors.Wrapf(gpu.ErrDevice, "buffer %q: size %d is not a positive multiple of 4", label, size)
	}
	if size > d.limits.MaxBufferSize {
		return nil, errors.Wrapf(gpu.ErrDevice, "buffer %q: size %s exceeds the device limit of %s",
			label, humanize.IBytes(size), humanize.IBytes(d.limits.MaxBufferSize))
	}
	d.allocated.Add(int64(size))
	return &Buffer{device: d, label: label, arg: kernels.NewArg(make([]uint32, size/4))}, nil
}

func (d *Device) buffer(b gpu.Buffer) (*Buffer, error) {
	buffer, ok := b.(*Buffer)
	if !ok || buffer.device != d {
		return nil, errors.Wrapf(gpu.ErrDevice, "buffer %v was not created by this cpu device", b)
	}
	if buffer.arg.Words == nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "buffer %q was released", buffer.label)
	}
	return buffer, nil
}

// WriteBuffer implements gpu.Device.
func (d *Device) WriteBuffer(ctx context.Context, b gpu.Buffer, data []byte) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(context.Cause(ctx), "writing buffer")
	}
	buffer, err := d.buffer(b)
	if err != nil {
		return err
	}
	if len(data)%4 != 0 || uint64(len(data)) > buffer.Size() {
		return errors.Wrapf(gpu.ErrDevice, "writing %d bytes to buffer %q of %d bytes", len(data), buffer.label, buffer.Size())
	}
	copy(buffer.arg.Bytes(), data)
	return nil
}

// ReadBuffer implements gpu.Device. Submissions are synchronous, so there is never pending work.
func (d *Device) ReadBuffer(ctx context.Context, b gpu.Buffer) ([]byte, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(context.Cause(ctx), "reading buffer")
	}
	buffer, err := d.buffer(b)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buffer.arg.Bytes()...), nil
}

// Pipeline implements gpu.Pipeline: it holds the kernel.
type Pipeline struct {
	spec gpu.PipelineSpec
}

// Release implements gpu.Pipeline.
func (p *Pipeline) Release() {}

// CreatePipeline implements gpu.Device. The WGSL source is ignored: the cpu device runs spec.Kernel.
func (d *Device) CreatePipeline(spec gpu.PipelineSpec) (gpu.Pipeline, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if spec.Kernel == nil || spec.Kernel.Run == nil {
		return nil, errors.Wrapf(gpu.ErrDevice, "pipeline %q has no kernel, the cpu device can't run WGSL", spec.Label)
	}
	if len(spec.Access) > d.limits.MaxStorageBuffersPerShaderStage {
		return nil, errors.Wrapf(gpu.ErrDevice, "pipeline %q uses %d bindings, the device supports %d",
			spec.Label, len(spec.Access), d.limits.MaxStorageBuffersPerShaderStage)
	}
	return &Pipeline{spec: spec}, nil
}

// BindGroup implements gpu.BindGroup.
type BindGroup struct {
	buffers []*Buffer
}

// Release implements gpu.BindGroup.
func (g *BindGroup) Release() {}

// CreateBindGroup implements gpu.Device.
func (d *Device) CreateBindGroup(label string, pipeline gpu.Pipeline, buffers []gpu.Buffer) (gpu.BindGroup, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	p, ok := pipeline.(*Pipeline)
	if !ok {
		return nil, errors.Wrapf(gpu.ErrDevice, "bind group %q: pipeline was not created by the cpu device", label)
	}
	if len(buffers) != len(p.spec.Access) {
		return nil, errors.Wrapf(gpu.ErrDevice, "bind group %q: pipeline %q has %d bindings, got %d buffers",
			label, p.spec.Label, len(p.spec.Access), len(buffers))
	}
	group := &BindGroup{buffers: make([]*Buffer, len(buffers))}
	for ii, b := range buffers {
		buffer, err := d.buffer(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "bind group %q binding %d", label, ii)
		}
		group.buffers[ii] = buffer
	}
	return group, nil
}

// Submit implements gpu.Device. Dispatches are executed before Submit returns.
func (d *Device) Submit(ctx context.Context, dispatches []gpu.Dispatch) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	logger := klog.FromContext(ctx)
	for ii, dispatch := range dispatches {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(context.Cause(ctx), "cpu device interrupted before dispatch #%d", ii)
		}
		pipeline, ok := dispatch.Pipeline.(*Pipeline)
		if !ok {
			return errors.Wrapf(gpu.ErrDevice, "dispatch #%d: pipeline was not created by the cpu device", ii)
		}
		group, ok := dispatch.BindGroup.(*BindGroup)
		if !ok {
			return errors.Wrapf(gpu.ErrDevice, "dispatch #%d: bind group was not created by the cpu device", ii)
		}
		if logger.V(3).Enabled() {
			logger.V(3).Info("cpu dispatch", "pipeline", pipeline.spec.Label, "workgroups", dispatch.Workgroups)
		}
		if err := d.run(ctx, pipeline, group, dispatch.Workgroups); err != nil {
			return errors.WithMessagef(err, "dispatch #%d (%s)", ii, pipeline.spec.Label)
		}
	}
	return nil
}

// run executes the invocations of one dispatch, the same ones a GPU executes: all invocation indices smaller
// than the number of threads in the grid and the kernel's number of invocations.
func (d *Device) run(ctx context.Context, pipeline *Pipeline, group *BindGroup, workgroups [3]uint32) error {
	k := pipeline.spec.Kernel
	args := make([]kernels.Arg, len(group.buffers))
	for ii, buffer := range group.buffers {
		if buffer.arg.Words == nil {
			return errors.Wrapf(gpu.ErrDevice, "binding %d: buffer %q was released", ii, buffer.label)
		}
		args[ii] = buffer.arg
	}
	threads := uint64(workgroups[0]) * uint64(workgroups[1]) * uint64(workgroups[2]) * gpu.WorkgroupSize
	n := int(min(threads, uint64(k.Invocations)))
	if n == 0 {
		return nil
	}

	runRange := func(from, to int) error {
		return exceptions.TryCatch[error](func() {
			for idx := from; idx < to; idx++ {
				k.Run(args, idx)
			}
		})
	}
	numChunks := min(d.workers, (n+minInvocationsPerWorker-1)/minInvocationsPerWorker)
	if numChunks <= 1 {
		if err := runRange(0, n); err != nil {
			return errors.Wrapf(gpu.ErrDevice, "kernel %s failed: %v", k.Name, err)
		}
		return nil
	}
	g, gCtx := errgroup.WithContext(ctx)
	chunkSize := (n + numChunks - 1) / numChunks
	for from := 0; from < n; from += chunkSize {
		to := min(from+chunkSize, n)
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return context.Cause(gCtx)
			}
			if err := runRange(from, to); err != nil {
				return errors.Wrapf(gpu.ErrDevice, "kernel %s failed for invocations [%d, %d): %v", k.Name, from, to, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close implements gpu.Device.
func (d *Device) Close() error {
	d.closed.Store(true)
	return nil
}
