// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine executes compiled programs on a gpu.Device.
//
// A Model owns the device resources of one program: a buffer per BufferSpec (constants are uploaded once, when
// the Model is created), one pipeline per distinct shader and one bind group per step. Infer validates and uploads
// the inputs, submits every step in program order and reads back the requested outputs.
//
// A Model must not run Infer concurrently with itself; independent Models may share a device.
package engine

import (
	"context"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/gomlx/gpuonnx/pkg/compiler"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Option configures New.
type Option func(m *Model)

// WithLogger sets the logger used by the model.
func WithLogger(logger klog.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// WithLabel sets a prefix for the labels of the device resources, e.g. a session id.
func WithLabel(label string) Option {
	return func(m *Model) {
		m.label = label
	}
}

// Model is a compiled program loaded on a device.
type Model struct {
	program *compiler.Program
	device  gpu.Device
	logger  klog.Logger
	label   string

	buffers    []gpu.Buffer
	pipelines  []gpu.Pipeline
	bindGroups []gpu.BindGroup
	dispatches []gpu.Dispatch
	closed     bool
}

// New creates the device resources of the program and uploads its constants.
// The device is not owned by the Model: it must outlive it.
func New(ctx context.Context, program *compiler.Program, device gpu.Device, opts ...Option) (*Model, error) {
	m := &Model{
		program: program,
		device:  device,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.load(ctx); err != nil {
		m.release()
		return nil, err
	}
	if m.logger.V(1).Enabled() {
		memory := program.Memory()
		var total uint64
		for _, size := range memory {
			total += size
		}
		m.logger.V(1).Info("loaded program", "program", program.Name, "device", device.Name(),
			"buffers", len(m.buffers), "pipelines", len(m.pipelines), "dispatches", len(m.dispatches),
			"memory", humanize.IBytes(total))
	}
	return m, nil
}

func (m *Model) resourceLabel(label string) string {
	if m.label == "" {
		return label
	}
	return m.label + " " + label
}

func (m *Model) load(ctx context.Context) error {
	for ii := range m.program.Buffers {
		spec := &m.program.Buffers[ii]
		buffer, err := m.device.CreateBuffer(m.resourceLabel(spec.Label()), spec.Size)
		if err != nil {
			return deviceErrorf(err, "creating buffer %s (%s)", spec.Label(), humanize.IBytes(spec.Size))
		}
		m.buffers = append(m.buffers, buffer)
		if spec.Kind == compiler.KindConstant && len(spec.Init) > 0 {
			if err := m.device.WriteBuffer(ctx, buffer, spec.Init); err != nil {
				return deviceErrorf(err, "uploading constant %s", spec.Label())
			}
		}
	}

	// Steps with the same source share a pipeline: the source determines the kernel parameters.
	pipelineBySource := make(map[string]gpu.Pipeline)
	for ii := range m.program.Steps {
		step := &m.program.Steps[ii]
		pipeline, found := pipelineBySource[step.Shader.Source]
		if !found {
			var err error
			pipeline, err = m.device.CreatePipeline(gpu.PipelineSpec{
				Label:      m.resourceLabel(step.Shader.Label),
				Source:     step.Shader.Source,
				EntryPoint: step.Shader.EntryPoint,
				Kernel:     step.Kernel,
				Access:     step.Access(),
			})
			if err != nil {
				return deviceErrorf(err, "creating pipeline for step #%d (node %q)", ii, step.Node)
			}
			pipelineBySource[step.Shader.Source] = pipeline
			m.pipelines = append(m.pipelines, pipeline)
		}

		buffers := make([]gpu.Buffer, len(step.Bindings))
		for jj, binding := range step.Bindings {
			buffers[jj] = m.buffers[binding.Buffer]
		}
		bindGroup, err := m.device.CreateBindGroup(m.resourceLabel(step.Node), pipeline, buffers)
		if err != nil {
			return deviceErrorf(err, "creating bind group for step #%d (node %q)", ii, step.Node)
		}
		m.bindGroups = append(m.bindGroups, bindGroup)
		if slices.Contains(step.Workgroups[:], 0) {
			continue
		}
		m.dispatches = append(m.dispatches, gpu.Dispatch{
			Pipeline:   pipeline,
			BindGroup:  bindGroup,
			Workgroups: step.Workgroups,
		})
	}
	return nil
}

// Program returns the compiled program executed by the model.
func (m *Model) Program() *compiler.Program { return m.program }

// Infer runs the program with the given inputs, and returns the requested outputs (all if none is given),
// converted to float32.
//
// Every model input must be given, with exactly the compiled dimensions and the declared dtype.
func (m *Model) Infer(ctx context.Context, inputs map[string]*tensors.Tensor, outputNames ...string) (
	map[string][]float32, error) {
	if m.closed {
		return nil, errors.Wrap(ErrDevice, "model is closed")
	}
	start := time.Now()
	uploads, err := m.prepareInputs(inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := m.selectOutputs(outputNames)
	if err != nil {
		return nil, err
	}

	for ii, input := range m.program.Inputs {
		if len(uploads[ii]) == 0 {
			continue
		}
		if err := m.device.WriteBuffer(ctx, m.buffers[input.Buffer], uploads[ii]); err != nil {
			return nil, deviceErrorf(err, "uploading input %q", input.Name)
		}
	}
	if err := m.device.Submit(ctx, m.dispatches); err != nil {
		return nil, deviceErrorf(err, "submitting %d dispatches", len(m.dispatches))
	}
	results := make(map[string][]float32, len(outputs))
	for _, output := range outputs {
		data, err := m.device.ReadBuffer(ctx, m.buffers[output.Buffer])
		if err != nil {
			return nil, deviceErrorf(err, "reading output %q", output.Name)
		}
		t, err := tensors.FromDeviceBytes(output.Shape, data)
		if err != nil {
			return nil, deviceErrorf(err, "decoding output %q", output.Name)
		}
		values, err := t.Float32s()
		if err != nil {
			return nil, deviceErrorf(err, "converting output %q", output.Name)
		}
		results[output.Name] = values
	}
	m.logger.V(2).Info("inference", "program", m.program.Name, "dispatches", len(m.dispatches),
		"outputs", len(results), "elapsed", time.Since(start))
	return results, nil
}

// prepareInputs validates the inputs and returns their device representation, in the order of the program inputs.
func (m *Model) prepareInputs(inputs map[string]*tensors.Tensor) ([][]byte, error) {
	unknown := sets.Make[string]()
	for name := range inputs {
		if _, found := m.program.Input(name); !found {
			unknown.Insert(name)
		}
	}
	if len(unknown) > 0 {
		return nil, errors.Wrapf(ErrInvalidInput, "%q are not inputs of the model (inputs: %v)", sets.Sorted(unknown),
			m.InputNames())
	}
	uploads := make([][]byte, len(m.program.Inputs))
	for ii, input := range m.program.Inputs {
		t := inputs[input.Name]
		if t == nil {
			return nil, errors.Wrapf(ErrMissingInput, "input %q (%s)", input.Name, input.Shape)
		}
		shape := t.Shape()
		if shape.DType != input.Shape.DType {
			return nil, errors.Wrapf(ErrDTypeMismatch, "input %q has dtype %s, expected %s", input.Name,
				shape.DType, input.Shape.DType)
		}
		if !slices.Equal(shape.Dimensions, input.Shape.Dimensions) {
			return nil, errors.Wrapf(ErrShapeMismatch, "input %q has shape %s, the model was compiled for %s",
				input.Name, shape, input.Shape)
		}
		data, err := t.DeviceBytes()
		if err != nil {
			if errors.Is(err, tensors.ErrOutOfRange) {
				return nil, errors.Wrapf(ErrValueRange, "input %q: %v", input.Name, err)
			}
			return nil, errors.Wrapf(ErrDTypeMismatch, "input %q: %v", input.Name, err)
		}
		uploads[ii] = data
	}
	return uploads, nil
}

func (m *Model) selectOutputs(names []string) ([]compiler.Tensor, error) {
	if len(names) == 0 {
		return m.program.Outputs, nil
	}
	outputs := make([]compiler.Tensor, 0, len(names))
	for _, name := range names {
		output, found := m.program.Output(name)
		if !found {
			return nil, errors.Wrapf(ErrInvalidOutput, "%q is not an output of the model (outputs: %v)", name,
				m.OutputNames())
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

// InputNames returns the names of the model inputs, in declaration order.
func (m *Model) InputNames() []string {
	names := make([]string, len(m.program.Inputs))
	for ii, input := range m.program.Inputs {
		names[ii] = input.Name
	}
	return names
}

// OutputNames returns the names of the model outputs, in declaration order.
func (m *Model) OutputNames() []string {
	names := make([]string, len(m.program.Outputs))
	for ii, output := range m.program.Outputs {
		names[ii] = output.Name
	}
	return names
}

// Close releases the device resources of the model. It is safe to call more than once.
func (m *Model) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.release()
}

func (m *Model) release() {
	for _, bindGroup := range m.bindGroups {
		bindGroup.Release()
	}
	for _, pipeline := range m.pipelines {
		pipeline.Release()
	}
	for _, buffer := range m.buffers {
		buffer.Release()
	}
	m.bindGroups, m.pipelines, m.buffers, m.dispatches = nil, nil, nil, nil
}
