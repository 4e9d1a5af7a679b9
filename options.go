// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuonnx

import (
	"slices"

	"github.com/gomlx/gpuonnx/pkg/gpu"
	"k8s.io/klog/v2"
)

// Option configures the creation of a Session.
type Option func(cfg *config)

type config struct {
	device                 gpu.Device
	deviceConfig           string
	logger                 *klog.Logger
	optimize               bool
	maxOptimizerIterations int
	inputShapes            map[string][]int
}

func newConfig(opts []Option) *config {
	cfg := &config{
		optimize:    true,
		inputShapes: make(map[string][]int),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithDevice runs the session on the given device. The device is not owned by the session: it is not closed
// by Session.Close, and it can be shared by several sessions.
func WithDevice(device gpu.Device) Option {
	return func(cfg *config) {
		cfg.device = device
	}
}

// WithDeviceConfig creates the device of the session with gpu.NewWithConfig, e.g. "cpu:workers=4" or "wgpu".
// By default, the device is created with gpu.New, which reads the GPUONNX_DEVICE environment variable.
func WithDeviceConfig(deviceConfig string) Option {
	return func(cfg *config) {
		cfg.deviceConfig = deviceConfig
	}
}

// WithLogger sets the logger of the session and of every stage of the pipeline.
// By default, the logger of the context given to the constructor is used (see klog.FromContext).
func WithLogger(logger klog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = &logger
	}
}

// WithOptimizations enables (the default) or disables the optimization of the graph before compilation.
func WithOptimizations(enabled bool) Option {
	return func(cfg *config) {
		cfg.optimize = enabled
	}
}

// WithMaxOptimizerIterations sets the maximum number of rounds of optimization passes.
func WithMaxOptimizerIterations(n int) Option {
	return func(cfg *config) {
		cfg.maxOptimizerIterations = n
	}
}

// WithInputShape sets the dimensions of a model input. It is required for inputs with symbolic dimensions
// (e.g. a "batch" axis), since programs are compiled for static shapes.
func WithInputShape(name string, dims ...int) Option {
	return func(cfg *config) {
		cfg.inputShapes[name] = slices.Clone(dims)
	}
}
