// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gpuonnx compiles an ONNX model, reports the compiled program and runs it on inputs filled with a constant.
//
// Usage:
//
//	gpuonnx [flags] <model.onnx>
//
// Example:
//
//	gpuonnx -program -runs=100 -fill=0.5 -device=cpu:workers=4 mnist-8.onnx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpuonnx"
	"github.com/gomlx/gpuonnx/pkg/compiler"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	// WebGPU device, when built with the "wgpu" tag.
	_ "github.com/gomlx/gpuonnx/pkg/gpu/wgpu"
)

var (
	flagDevice = flag.String("device", "", "Device configuration, formatted as \"<device>:<config>\", e.g. \"cpu:workers=4\" "+
		"or \"wgpu:high-performance\". Defaults to $GPUONNX_DEVICE or the cpu device.")
	flagProgram    = flag.Bool("program", false, "Lists the steps and buffers of the compiled program.")
	flagShaders    = flag.String("shaders", "", "Directory where to write the WGSL source of every step.")
	flagNoOptimize = flag.Bool("no_optimize", false, "Compile the graph without optimizing it.")
	flagInputShape = flag.String("input_shape", "", "Dimensions of inputs with symbolic axes, "+
		"e.g. \"input=1,3,224,224;mask=1,128\".")
	flagFill    = flag.Float64("fill", 0, "Value of every element of the inputs.")
	flagRuns    = flag.Int("runs", 1, "Number of inferences to run. Above 1, a progress bar and the mean time are shown.")
	flagMaxShow = flag.Int("max_show", 10, "Maximum number of values shown for each output.")
)

func main() {
	gpuonnx.InitLogging(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one model file. See 'gpuonnx -help'.")
		os.Exit(1)
	}
	ctx := klog.NewContext(context.Background(), klog.Background())
	modelPath := must.M1(fsutil.ReplaceTilde(args[0]))
	if !must.M1(fsutil.FileExists(modelPath)) {
		klog.Exitf("Model file %q not found", modelPath)
	}

	opts := []gpuonnx.Option{gpuonnx.WithOptimizations(!*flagNoOptimize)}
	if *flagDevice != "" {
		opts = append(opts, gpuonnx.WithDeviceConfig(*flagDevice))
	}
	opts = append(opts, must.M1(parseInputShapes(*flagInputShape))...)

	start := time.Now()
	session, err := gpuonnx.FromPath(ctx, modelPath, opts...)
	if err != nil {
		klog.Exitf("Failed to load %q: %+v", modelPath, err)
	}
	defer func() { must.M(session.Close()) }()
	loadTime := time.Since(start)

	reportSummary(modelPath, session, loadTime)
	if *flagProgram {
		reportProgram(session.Program())
	}
	if *flagShaders != "" {
		writeShaders(must.M1(fsutil.ReplaceTilde(*flagShaders)), session.Program())
	}
	run(ctx, session)
}

// parseInputShapes parses the -input_shape flag.
func parseInputShapes(value string) ([]gpuonnx.Option, error) {
	var opts []gpuonnx.Option
	for _, spec := range strings.Split(value, ";") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		name, dimsStr, found := strings.Cut(spec, "=")
		if !found {
			return nil, errors.Errorf("invalid -input_shape %q: expected \"<name>=<dim>,<dim>,...\"", spec)
		}
		var dims []int
		for _, dimStr := range strings.Split(dimsStr, ",") {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				return nil, errors.Errorf("invalid dimension %q for input %q", dimStr, name)
			}
			dims = append(dims, dim)
		}
		opts = append(opts, gpuonnx.WithInputShape(name, dims...))
	}
	return opts, nil
}

func reportSummary(path string, session *gpuonnx.Session, loadTime time.Duration) {
	program := session.Program()
	memory := program.Memory()
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(rightAlign, leftAlign)
	table.Row("model", path)
	table.Row("opset", strconv.FormatInt(session.Opset(), 10))
	table.Row("device", session.Device().Name())
	table.Row("load time", loadTime.String())
	table.Row("# nodes", humanize.Comma(int64(len(session.Graph().Nodes))))
	table.Row("# steps", humanize.Comma(int64(len(program.Steps))))
	table.Row("# buffers", humanize.Comma(int64(len(program.Buffers))))
	for _, kind := range []compiler.BufferKind{compiler.KindInput, compiler.KindOutput, compiler.KindIntermediate,
		compiler.KindConstant} {
		table.Row(kind.String()+" memory", humanize.IBytes(memory[kind]))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Inputs and Outputs"))
	table = newPlainTable(leftAlign)
	table.Headers("Kind", "Name", "Shape")
	for _, input := range session.Inputs() {
		table.Row("input", input.Name, input.Shape.String())
	}
	for _, output := range session.Outputs() {
		table.Row("output", output.Name, output.Shape.String())
	}
	fmt.Println(table.Render())
}

func reportProgram(program *compiler.Program) {
	fmt.Println(titleStyle.Render("Steps"))
	table := newPlainTable(rightAlign, leftAlign, leftAlign, leftAlign, rightAlign)
	table.Headers("#", "Kernel", "Node", "Buffers", "Workgroups")
	for ii, step := range program.Steps {
		buffers := make([]string, len(step.Bindings))
		for jj, binding := range step.Bindings {
			buffers[jj] = "#" + strconv.Itoa(binding.Buffer)
		}
		table.Row(strconv.Itoa(ii), step.Shader.Label, step.Node, strings.Join(buffers, " "),
			fmt.Sprintf("%d×%d×%d", step.Workgroups[0], step.Workgroups[1], step.Workgroups[2]))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Buffers"))
	table = newPlainTable(rightAlign, leftAlign, rightAlign, leftAlign)
	table.Headers("#", "Kind", "Size", "Tensors")
	for _, buffer := range program.Buffers {
		table.Row(strconv.Itoa(buffer.Index), buffer.Kind.String(), humanize.IBytes(buffer.Size),
			strings.Join(buffer.Tensors, ", "))
	}
	fmt.Println(table.Render())
}

func writeShaders(dir string, program *compiler.Program) {
	files := make(map[string]string, len(program.Steps))
	for ii, step := range program.Steps {
		files[fmt.Sprintf("%03d_%s.wgsl", ii, step.Shader.Label)] = step.Shader.Source
	}
	must.M(fsutil.WriteFiles(dir, files))
	klog.Infof("Wrote %d shaders to %q", len(program.Steps), dir)
}

// newInputs creates the inputs of the session, filled with the -fill value.
func newInputs(session *gpuonnx.Session) map[string]*tensors.Tensor {
	inputs := make(map[string]*tensors.Tensor)
	for _, input := range session.Inputs() {
		t := tensors.FromShape(input.Shape)
		switch flat := t.Flat().(type) {
		case []float32:
			for ii := range flat {
				flat[ii] = float32(*flagFill)
			}
		case []int32:
			for ii := range flat {
				flat[ii] = int32(*flagFill)
			}
		case []int64:
			for ii := range flat {
				flat[ii] = int64(*flagFill)
			}
		default:
			klog.Warningf("Input %q has dtype %s, left as zeros", input.Name, input.Shape.DType)
		}
		inputs[input.Name] = t
	}
	return inputs
}

func run(ctx context.Context, session *gpuonnx.Session) {
	if *flagRuns < 1 {
		return
	}
	inputs := newInputs(session)
	var bar *progressbar.ProgressBar
	if *flagRuns > 1 {
		bar = progressbar.Default(int64(*flagRuns), "inference")
	}
	var outputs map[string][]float32
	start := time.Now()
	for range *flagRuns {
		var err error
		outputs, err = session.Run(ctx, inputs)
		if err != nil {
			klog.Exitf("Inference failed: %+v", err)
		}
		if bar != nil {
			must.M(bar.Add(1))
		}
	}
	elapsed := time.Since(start)

	fmt.Println(titleStyle.Render("Outputs"))
	table := newPlainTable(leftAlign, rightAlign, leftAlign)
	table.Headers("Name", "Size", "Values")
	for _, name := range sortedKeys(outputs) {
		values := outputs[name]
		shown := values[:min(len(values), *flagMaxShow)]
		text := fmt.Sprintf("%v", shown)
		if len(shown) < len(values) {
			text = strings.TrimSuffix(text, "]") + " ...]"
		}
		table.Row(name, humanize.Comma(int64(len(values))), text)
	}
	fmt.Println(table.Render())
	fmt.Printf("%s inferences, mean time %s\n", humanize.Comma(int64(*flagRuns)), elapsed/time.Duration(*flagRuns))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
