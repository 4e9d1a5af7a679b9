// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Window describes a sliding window (of a convolution or pooling) over the spatial axes of an input with
// layout [batch, channels, spatial...]. Every slice has one entry per spatial axis.
type Window struct {
	Input       []int
	Kernel      []int
	Strides     []int
	Dilations   []int
	PadsBegin   []int
	PadsEnd     []int
	Output      []int
	NumChannels int
}

// Window resolves the convolution window for the given input and weights shapes.
func (op *Conv) Window(input, weights shapes.Shape) (Window, error) {
	if input.Rank() < 3 || weights.Rank() != input.Rank() {
		return Window{}, errors.Errorf("Conv input %s and weights %s must have the same rank, at least 3", input, weights)
	}
	if input.DType != weights.DType {
		return Window{}, errors.Errorf("Conv input %s and weights %s have different dtypes", input, weights)
	}
	group := max(op.Group, 1)
	if input.Dimensions[1] != weights.Dimensions[1]*group || weights.Dimensions[0]%group != 0 {
		return Window{}, errors.Errorf("Conv input %s channels don't match weights %s with %d groups", input, weights, group)
	}
	kernel := op.KernelShape
	if len(kernel) == 0 {
		kernel = weights.Dimensions[2:]
	}
	return newWindow(input, kernel, op.Strides, op.Dilations, op.Pads, op.AutoPad, false)
}

// Window resolves the pooling window for the given input shape.
func (op *Pool) Window(input shapes.Shape) (Window, error) {
	if input.Rank() < 3 {
		return Window{}, errors.Errorf("%s input %s must have rank at least 3", op.Kind, input)
	}
	if op.Kind.IsGlobal() {
		return newWindow(input, input.Dimensions[2:], nil, nil, nil, "", false)
	}
	if len(op.KernelShape) == 0 {
		return Window{}, errors.Errorf("%s requires a kernel_shape", op.Kind)
	}
	return newWindow(input, op.KernelShape, op.Strides, op.Dilations, op.Pads, op.AutoPad, op.CeilMode)
}

func newWindow(input shapes.Shape, kernel, strides, dilations, pads []int, autoPad string, ceilMode bool) (Window, error) {
	numSpatial := input.Rank() - 2
	w := Window{
		Input:       input.Dimensions[2:],
		Kernel:      kernel,
		Strides:     defaultInts(strides, numSpatial, 1),
		Dilations:   defaultInts(dilations, numSpatial, 1),
		PadsBegin:   make([]int, numSpatial),
		PadsEnd:     make([]int, numSpatial),
		Output:      make([]int, numSpatial),
		NumChannels: input.Dimensions[1],
	}
	if len(w.Kernel) != numSpatial || len(w.Strides) != numSpatial || len(w.Dilations) != numSpatial {
		return w, errors.Errorf("window (kernel=%v, strides=%v, dilations=%v) doesn't match the %d spatial axes of %s",
			kernel, strides, dilations, numSpatial, input)
	}
	if len(pads) != 0 && len(pads) != 2*numSpatial {
		return w, errors.Errorf("pads %v doesn't match the %d spatial axes of %s", pads, numSpatial, input)
	}
	for axis := range numSpatial {
		in, k, stride, dilation := w.Input[axis], w.Kernel[axis], w.Strides[axis], w.Dilations[axis]
		if k <= 0 || stride <= 0 || dilation <= 0 {
			return w, errors.Errorf("invalid window: kernel=%v, strides=%v, dilations=%v", kernel, strides, dilations)
		}
		effectiveKernel := dilation*(k-1) + 1
		switch autoPad {
		case "SAME_UPPER", "SAME_LOWER":
			w.Output[axis] = (in + stride - 1) / stride
			total := max(0, (w.Output[axis]-1)*stride+effectiveKernel-in)
			small, large := total/2, total-total/2
			if autoPad == "SAME_UPPER" {
				w.PadsBegin[axis], w.PadsEnd[axis] = small, large
			} else {
				w.PadsBegin[axis], w.PadsEnd[axis] = large, small
			}
			continue
		case "VALID":
		case "", "NOTSET":
			if len(pads) > 0 {
				w.PadsBegin[axis], w.PadsEnd[axis] = pads[axis], pads[axis+numSpatial]
			}
		default:
			return w, errors.Errorf("unknown auto_pad %q", autoPad)
		}
		padded := in + w.PadsBegin[axis] + w.PadsEnd[axis] - effectiveKernel
		if padded < 0 {
			return w, errors.Errorf("window of size %d larger than padded input %s", effectiveKernel, input)
		}
		if ceilMode {
			w.Output[axis] = (padded+stride-1)/stride + 1
			// The last window must start inside the input or the begin padding.
			if (w.Output[axis]-1)*stride >= in+w.PadsBegin[axis] {
				w.Output[axis]--
			}
		} else {
			w.Output[axis] = padded/stride + 1
		}
	}
	return w, nil
}

func defaultInts(values []int, n, defaultValue int) []int {
	if len(values) > 0 {
		return values
	}
	result := make([]int, n)
	for ii := range result {
		result[ii] = defaultValue
	}
	return result
}
