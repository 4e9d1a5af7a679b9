// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuonnx

import (
	"context"
	"maps"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpuonnx/pkg/compiler"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/engine"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/gomlx/gpuonnx/pkg/optimizer"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// The cpu device is always available.
	_ "github.com/gomlx/gpuonnx/pkg/gpu/cpu"
)

// Session is an ONNX model compiled and loaded on a device, ready to run inferences.
//
// A Session is immutable after construction. Run must not be called concurrently on the same Session; independent
// sessions may run concurrently, even when sharing a device.
type Session struct {
	id         uuid.UUID
	logger     klog.Logger
	opset      int64
	graph      *ir.Graph
	device     gpu.Device
	ownsDevice bool
	model      *engine.Model
}

// FromPath reads an ONNX model file and creates a Session for it. See New.
func FromPath(ctx context.Context, path string, opts ...Option) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindModelReading, errors.Wrapf(err, "reading %q", path))
	}
	return FromBytes(ctx, data, opts...)
}

// FromBytes decodes a serialized ONNX model and creates a Session for it. See New.
func FromBytes(ctx context.Context, data []byte, opts ...Option) (*Session, error) {
	model, err := onnx.Unmarshal(data)
	if err != nil {
		return nil, newError(KindModelDeserialization, err)
	}
	return New(ctx, model, opts...)
}

// New validates the operator sets of the model, builds its IR graph, optimizes it, compiles it for the device
// and loads the program on the device.
//
// Every error is a *SessionError.
func New(ctx context.Context, model *onnx.ModelProto, opts ...Option) (*Session, error) {
	cfg := newConfig(opts)
	s := &Session{id: uuid.New()}
	logger := klog.FromContext(ctx)
	if cfg.logger != nil {
		logger = *cfg.logger
	}
	s.logger = klog.LoggerWithValues(logger, "session", s.id.String())
	if model == nil {
		return nil, newError(KindIR, errors.Wrap(ir.ErrInvalidModel, "nil model"))
	}

	var err error
	s.opset, err = OnnxOpsetVersion(model)
	if err != nil {
		return nil, err
	}
	var buildOpts []ir.BuildOption
	for _, name := range slices.Sorted(maps.Keys(cfg.inputShapes)) {
		buildOpts = append(buildOpts, ir.WithInputShape(name, cfg.inputShapes[name]...))
	}
	s.graph, err = ir.Build(model, buildOpts...)
	if err != nil {
		return nil, classify(err)
	}
	s.logger.V(1).Info("built graph", "graph", s.graph.Name, "opset", s.opset, "nodes", len(s.graph.Nodes),
		"constants", len(s.graph.Constants))
	if cfg.optimize {
		optimizerOpts := []optimizer.Option{optimizer.WithLogger(s.logger)}
		if cfg.maxOptimizerIterations > 0 {
			optimizerOpts = append(optimizerOpts, optimizer.WithMaxIterations(cfg.maxOptimizerIterations))
		}
		s.graph, err = optimizer.New(optimizerOpts...).Optimize(s.graph)
		if err != nil {
			return nil, classify(err)
		}
	}

	if cfg.device != nil {
		s.device = cfg.device
	} else {
		if cfg.deviceConfig != "" {
			s.device, err = gpu.NewWithConfig(ctx, cfg.deviceConfig)
		} else {
			s.device, err = gpu.New(ctx)
		}
		if err != nil {
			return nil, newError(KindGPU, err)
		}
		s.ownsDevice = true
	}

	program, err := compiler.Compile(s.graph, s.device.Limits(), s.opset, compiler.WithLogger(s.logger))
	if err == nil {
		s.model, err = engine.New(ctx, program, s.device, engine.WithLogger(s.logger),
			engine.WithLabel(s.id.String()[:8]))
	}
	if err != nil {
		_ = s.closeDevice()
		return nil, classify(err)
	}
	if s.logger.V(1).Enabled() {
		memory := program.Memory()
		s.logger.V(1).Info("session ready", "device", s.device.Name(), "steps", len(program.Steps),
			"constants", humanize.IBytes(memory[compiler.KindConstant]),
			"intermediate", humanize.IBytes(memory[compiler.KindIntermediate]))
	}
	return s, nil
}

// ID identifies the session in logs and device resource labels.
func (s *Session) ID() uuid.UUID { return s.id }

// Opset returns the version of the standard ONNX operator set used by the model.
func (s *Session) Opset() int64 { return s.opset }

// Device returns the device the session runs on.
func (s *Session) Device() gpu.Device { return s.device }

// Graph returns the (optimized) graph compiled by the session.
func (s *Session) Graph() *ir.Graph { return s.graph }

// Program returns the compiled program.
func (s *Session) Program() *compiler.Program { return s.model.Program() }

// Inputs returns the model inputs, with the shapes the program was compiled for.
func (s *Session) Inputs() []ir.Value { return slices.Clone(s.graph.Inputs) }

// Outputs returns the model outputs, with their inferred shapes.
func (s *Session) Outputs() []ir.Value { return slices.Clone(s.graph.Outputs) }

// Run performs one inference and returns all the outputs of the model, converted to float32.
//
// inputs maps the name of each model input to a tensor with exactly the compiled dimensions and the declared
// dtype. The tensors are not modified and not retained after Run returns.
func (s *Session) Run(ctx context.Context, inputs map[string]*tensors.Tensor) (map[string][]float32, error) {
	return s.RunOutputs(ctx, inputs)
}

// RunOutputs is like Run, but only reads back the given outputs (all if none is given).
func (s *Session) RunOutputs(ctx context.Context, inputs map[string]*tensors.Tensor, names ...string) (
	map[string][]float32, error) {
	outputs, err := s.model.Infer(ctx, inputs, names...)
	if err != nil {
		return nil, classify(err)
	}
	return outputs, nil
}

// Close releases the device resources of the session, and the device itself if it was created by the session.
func (s *Session) Close() error {
	if s.model != nil {
		s.model.Close()
	}
	return s.closeDevice()
}

func (s *Session) closeDevice() error {
	if !s.ownsDevice || s.device == nil {
		return nil
	}
	s.ownsDevice = false
	if err := s.device.Close(); err != nil {
		return newError(KindGPU, err)
	}
	return nil
}
