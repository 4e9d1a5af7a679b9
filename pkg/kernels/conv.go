// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/pkg/errors"
)

// Window2D is an ir.Window over exactly two spatial axes (height, width). 1D windows are mapped to a height of 1.
type Window2D struct {
	InH, InW             int
	KernelH, KernelW     int
	StrideH, StrideW     int
	DilationH, DilationW int
	PadTop, PadLeft      int
	PadBottom, PadRight  int
	OutH, OutW           int
}

func newWindow2D(w ir.Window) (Window2D, error) {
	switch len(w.Input) {
	case 1:
		return Window2D{
			InH: 1, InW: w.Input[0],
			KernelH: 1, KernelW: w.Kernel[0],
			StrideH: 1, StrideW: w.Strides[0],
			DilationH: 1, DilationW: w.Dilations[0],
			PadLeft: w.PadsBegin[0], PadRight: w.PadsEnd[0],
			OutH: 1, OutW: w.Output[0],
		}, nil
	case 2:
		return Window2D{
			InH: w.Input[0], InW: w.Input[1],
			KernelH: w.Kernel[0], KernelW: w.Kernel[1],
			StrideH: w.Strides[0], StrideW: w.Strides[1],
			DilationH: w.Dilations[0], DilationW: w.Dilations[1],
			PadTop: w.PadsBegin[0], PadLeft: w.PadsBegin[1],
			PadBottom: w.PadsEnd[0], PadRight: w.PadsEnd[1],
			OutH: w.Output[0], OutW: w.Output[1],
		}, nil
	}
	return Window2D{}, errors.Wrapf(ErrUnsupported, "windows over %d spatial axes", len(w.Input))
}

// ConvParams of a grouped 2D convolution kernel: one invocation per output element [batch, channel, y, x].
type ConvParams struct {
	Window2D
	Size                                    int
	InChannels, OutChannels, Group          int
	InChannelsPerGroup, OutChannelsPerGroup int
	HasBias                                 bool
	Activation                              []ir.Elementwise
}

func newConv(op *ir.Conv, inputs []shapes.Shape, output shapes.Shape) (*Kernel, error) {
	if len(inputs) < 2 {
		return nil, errors.Errorf("Conv requires at least 2 operands, got %d", len(inputs))
	}
	window, err := op.Window(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	w2d, err := newWindow2D(window)
	if err != nil {
		return nil, err
	}
	group := max(op.Group, 1)
	params := &ConvParams{
		Window2D:    w2d,
		Size:        output.Size(),
		InChannels:  inputs[0].Dimensions[1],
		OutChannels: inputs[1].Dimensions[0],
		Group:       group,
		HasBias:     len(inputs) > 2,
		Activation:  op.Activation,
	}
	params.InChannelsPerGroup = params.InChannels / group
	params.OutChannelsPerGroup = params.OutChannels / group
	p := params
	return &Kernel{
		Name:        "conv",
		Invocations: params.Size,
		Params:      params,
		Run: func(args []Arg, idx int) {
			x, w := args[0].F32, args[1].F32
			ox := idx % p.OutW
			oy := (idx / p.OutW) % p.OutH
			m := (idx / (p.OutW * p.OutH)) % p.OutChannels
			n := idx / (p.OutW * p.OutH * p.OutChannels)
			g := m / p.OutChannelsPerGroup
			var acc float32
			for c := range p.InChannelsPerGroup {
				inBase := (n*p.InChannels + g*p.InChannelsPerGroup + c) * p.InH
				wBase := (m*p.InChannelsPerGroup + c) * p.KernelH
				for ky := range p.KernelH {
					iy := oy*p.StrideH - p.PadTop + ky*p.DilationH
					if iy < 0 || iy >= p.InH {
						continue
					}
					for kx := range p.KernelW {
						ix := ox*p.StrideW - p.PadLeft + kx*p.DilationW
						if ix < 0 || ix >= p.InW {
							continue
						}
						acc += x[(inBase+iy)*p.InW+ix] * w[(wBase+ky)*p.KernelW+kx]
					}
				}
			}
			out := args[2]
			if p.HasBias {
				acc += args[2].F32[m]
				out = args[3]
			}
			out.F32[idx] = ApplyChain(p.Activation, acc)
		},
	}, nil
}

// PoolParams of a 2D pooling kernel: one invocation per output element [batch, channel, y, x].
type PoolParams struct {
	Window2D
	Size            int
	Max             bool
	CountIncludePad bool
}

// LowestFloat32 is the initial value of max reductions: WGSL has no literal for infinity.
const LowestFloat32 = -math.MaxFloat32

func newPool(op *ir.Pool, input, output shapes.Shape) (*Kernel, error) {
	window, err := op.Window(input)
	if err != nil {
		return nil, err
	}
	w2d, err := newWindow2D(window)
	if err != nil {
		return nil, err
	}
	p := &PoolParams{
		Window2D:        w2d,
		Size:            output.Size(),
		Max:             op.Kind == ir.PoolMax || op.Kind == ir.PoolGlobalMax,
		CountIncludePad: op.CountIncludePad,
	}
	return &Kernel{
		Name:        "pool",
		Invocations: p.Size,
		Params:      p,
		Run: func(args []Arg, idx int) {
			x := args[0].F32
			ox := idx % p.OutW
			oy := (idx / p.OutW) % p.OutH
			plane := idx / (p.OutW * p.OutH) // batch * channels + channel
			base := plane * p.InH * p.InW
			acc := float32(0)
			if p.Max {
				acc = LowestFloat32
			}
			count := 0
			for ky := range p.KernelH {
				iy := oy*p.StrideH - p.PadTop + ky*p.DilationH
				for kx := range p.KernelW {
					ix := ox*p.StrideW - p.PadLeft + kx*p.DilationW
					if iy < 0 || iy >= p.InH || ix < 0 || ix >= p.InW {
						if p.CountIncludePad && iy < p.InH+p.PadBottom && ix < p.InW+p.PadRight {
							count++
						}
						continue
					}
					v := x[base+iy*p.InW+ix]
					if p.Max {
						acc = max(acc, v)
					} else {
						acc += v
					}
					count++
				}
			}
			if !p.Max && count > 0 {
				acc /= float32(count)
			}
			args[1].F32[idx] = acc
		},
	}, nil
}

// BatchNormParams of an inference batch normalization kernel: one invocation per element.
// The channel of element idx is (idx / Spatial) % Channels.
type BatchNormParams struct {
	Size, Channels, Spatial int
	Epsilon                 float32
}

func newBatchNorm(op *ir.BatchNormalization, input shapes.Shape) *Kernel {
	p := &BatchNormParams{Size: input.Size(), Channels: 1, Spatial: 1, Epsilon: op.Epsilon}
	if input.Rank() > 1 {
		p.Channels = input.Dimensions[1]
		p.Spatial = shapes.Make(input.DType, input.Dimensions[2:]...).Size()
	}
	return &Kernel{
		Name:        "batchnorm",
		Invocations: p.Size,
		Params:      p,
		Run: func(args []Arg, idx int) {
			c := (idx / p.Spatial) % p.Channels
			x, scale, bias, mean, variance := args[0].F32[idx], args[1].F32[c], args[2].F32[c], args[3].F32[c], args[4].F32[c]
			args[5].F32[idx] = (x-mean)/float32(math.Sqrt(float64(variance+p.Epsilon)))*scale + bias
		},
	}
}
