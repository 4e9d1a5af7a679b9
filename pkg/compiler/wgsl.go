// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"embed"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/gomlx/gpuonnx/pkg/kernels"
	"github.com/pkg/errors"
)

//go:embed shaders/*.wgsl.tmpl
var shadersFS embed.FS

// EntryPoint of every generated shader.
const EntryPoint = "main"

var shaderTemplates = template.Must(template.New("shaders").Funcs(template.FuncMap{
	"f32":         wgslFloat,
	"float":       func(v int) float32 { return float32(v) },
	"lowest":      func() string { return wgslFloat(kernels.LowestFloat32) },
	"mul":         func(a, b int) int { return a * b },
	"unary":       wgslUnary,
	"binary":      wgslBinary,
	"unravel":     wgslUnravel,
	"decompose":   wgslDecompose,
	"concatParts": concatParts,
	"reduceInit":  wgslReduceInit,
	"reduceStep":  wgslReduceStep,
	"isMean":      func(fn ir.ReduceFn) bool { return fn == ir.ReduceMean },
}).ParseFS(shadersFS, "shaders/*.wgsl.tmpl"))

// bindingDecl is the declaration of one storage buffer in a shader.
type bindingDecl struct {
	Index  int
	Name   string
	Access gpu.Access
	Type   string
}

// shaderData is the data of the shader templates.
type shaderData struct {
	Label         string
	WorkgroupSize int
	Invocations   int
	Bindings      []bindingDecl
	Params        any
}

// wordKernels move 32-bit words without interpreting them: their data bindings are declared as u32.
var wordKernels = map[string]bool{"copy": true, "transpose": true, "concat": true, "gather": true}

// wgslType returns the WGSL element type used for a tensor in a device buffer.
func wgslType(kernel string, binding int, shape shapes.Shape) string {
	if kernel == "gather" && binding == 1 {
		return "i32"
	}
	if wordKernels[kernel] {
		return "u32"
	}
	if shape.DType == dtypes.Float32 {
		return "f32"
	}
	return "i32"
}

// generateShader renders the WGSL source of the kernel. operands holds the shapes of the present inputs followed
// by the output.
func generateShader(k *kernels.Kernel, operands []shapes.Shape) (Shader, error) {
	data := shaderData{
		Label:         k.Name,
		WorkgroupSize: gpu.WorkgroupSize,
		Invocations:   k.Invocations,
		Bindings:      make([]bindingDecl, len(operands)),
		Params:        k.Params,
	}
	for ii, shape := range operands {
		decl := bindingDecl{Index: ii, Name: fmt.Sprintf("in%d", ii), Access: gpu.ReadOnly, Type: wgslType(k.Name, ii, shape)}
		if ii == len(operands)-1 {
			decl.Name, decl.Access = "out", gpu.ReadWrite
		}
		data.Bindings[ii] = decl
	}
	var sb strings.Builder
	if err := shaderTemplates.ExecuteTemplate(&sb, k.Name, data); err != nil {
		return Shader{}, errors.Wrapf(err, "generating WGSL for kernel %q", k.Name)
	}
	return Shader{Label: k.Name, Source: sb.String(), EntryPoint: EntryPoint}, nil
}

// wgslFloat formats a float32 literal. WGSL has no literals for infinities or NaN: infinities are clamped to the
// largest finite values.
func wgslFloat(v float32) string {
	switch {
	case v != v:
		return "bitcast<f32>(0x7fc00000u)"
	case math.IsInf(float64(v), 1):
		v = math.MaxFloat32
	case math.IsInf(float64(v), -1):
		v = -math.MaxFloat32
	}
	s := strconv.FormatFloat(float64(v), 'e', -1, 32) + "f"
	if v < 0 {
		return "(" + s + ")"
	}
	return s
}

// wgslUnary returns the expression applying e to the f32 variable x.
func wgslUnary(e ir.Elementwise) (string, error) {
	alpha, beta := wgslFloat(e.Alpha), wgslFloat(e.Beta)
	switch e.Fn {
	case ir.UnaryAbs:
		return "abs(x)", nil
	case ir.UnaryNeg:
		return "-x", nil
	case ir.UnaryRelu:
		return "max(x, 0.0)", nil
	case ir.UnaryLeakyRelu:
		return fmt.Sprintf("select(x, %s * x, x < 0.0)", alpha), nil
	case ir.UnaryElu:
		return fmt.Sprintf("select(x, %s * (exp(x) - 1.0), x < 0.0)", alpha), nil
	case ir.UnarySelu:
		return fmt.Sprintf("select(%[2]s * (%[1]s * exp(x) - %[1]s), %[2]s * x, x > 0.0)", alpha, beta), nil
	case ir.UnarySigmoid:
		return "1.0 / (1.0 + exp(-x))", nil
	case ir.UnaryHardSigmoid:
		return fmt.Sprintf("clamp(%s * x + %s, 0.0, 1.0)", alpha, beta), nil
	case ir.UnaryTanh:
		return "tanh(x)", nil
	case ir.UnaryExp:
		return "exp(x)", nil
	case ir.UnaryLog:
		return "log(x)", nil
	case ir.UnarySqrt:
		return "sqrt(x)", nil
	case ir.UnaryReciprocal:
		return "1.0 / x", nil
	case ir.UnaryFloor:
		return "floor(x)", nil
	case ir.UnaryCeil:
		return "ceil(x)", nil
	case ir.UnarySoftplus:
		return "log(exp(x) + 1.0)", nil
	case ir.UnarySoftsign:
		return "x / (1.0 + abs(x))", nil
	case ir.UnarySin:
		return "sin(x)", nil
	case ir.UnaryCos:
		return "cos(x)", nil
	case ir.UnaryClip:
		return fmt.Sprintf("min(max(x, %s), %s)", alpha, beta), nil
	}
	return "", errors.Errorf("no WGSL for elementwise function %s", e.Fn)
}

// wgslBinary returns the expression combining the variables lhs and rhs.
func wgslBinary(p *kernels.BinaryParams) (string, error) {
	switch p.Fn {
	case ir.BinaryAdd:
		return "lhs + rhs", nil
	case ir.BinarySub:
		return "lhs - rhs", nil
	case ir.BinaryMul:
		return "lhs * rhs", nil
	case ir.BinaryDiv:
		return "lhs / rhs", nil
	case ir.BinaryMax:
		return "max(lhs, rhs)", nil
	case ir.BinaryMin:
		return "min(lhs, rhs)", nil
	}
	if p.Float {
		switch p.Fn {
		case ir.BinaryPow:
			return "pow_signed(lhs, rhs)", nil
		case ir.BinaryPRelu:
			return "select(lhs, lhs * rhs, lhs < 0.0)", nil
		}
	}
	return "", errors.Errorf("no WGSL for binary function %s (float=%v)", p.Fn, p.Float)
}

// wgslUnravel returns the expression of kernels' unravel, with the strides baked in: the coordinates of the index
// variable v in the row-major strides from, multiplied by the strides to.
func wgslUnravel(v string, from, to []int) string {
	var terms []string
	for axis, stride := range from {
		if to[axis] == 0 || stride == 0 {
			continue
		}
		coord := v
		if stride != 1 {
			coord = fmt.Sprintf("(%s / %d)", v, stride)
		}
		if axis > 0 {
			dim := from[axis-1] / stride
			if dim == 1 {
				continue
			}
			coord = fmt.Sprintf("(%s %% %d)", coord, dim)
		}
		if to[axis] != 1 {
			coord = fmt.Sprintf("%s * %d", coord, to[axis])
		}
		terms = append(terms, coord)
	}
	if len(terms) == 0 {
		return "0"
	}
	return strings.Join(terms, " + ")
}

// wgslDecompose returns the offset of the element number v of a sub-tensor with the given dimensions and strides.
func wgslDecompose(v string, dims, strides []int) string {
	return wgslUnravel(v, shapes.Make(dtypes.Float32, dims...).Strides(), strides)
}

// concatPart is one input of a concatenation, covering [Begin, End) of the output axis.
type concatPart struct {
	Name            string
	Begin, End, Dim int
}

func concatParts(p *kernels.ConcatParams) []concatPart {
	parts := make([]concatPart, len(p.Offsets)-1)
	for ii := range parts {
		parts[ii] = concatPart{
			Name:  fmt.Sprintf("in%d", ii),
			Begin: p.Offsets[ii],
			End:   p.Offsets[ii+1],
			Dim:   p.Offsets[ii+1] - p.Offsets[ii],
		}
	}
	return parts
}

func wgslReduceInit(fn ir.ReduceFn) string {
	switch fn {
	case ir.ReduceMax:
		return wgslFloat(kernels.LowestFloat32)
	case ir.ReduceMin:
		return wgslFloat(math.MaxFloat32)
	}
	return "0.0"
}

func wgslReduceStep(fn ir.ReduceFn, acc, v string) string {
	switch fn {
	case ir.ReduceMax:
		return fmt.Sprintf("max(%s, %s)", acc, v)
	case ir.ReduceMin:
		return fmt.Sprintf("min(%s, %s)", acc, v)
	}
	return acc + " + " + v
}
