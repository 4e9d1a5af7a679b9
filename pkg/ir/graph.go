// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the intermediate representation of a model: a directed acyclic graph of operator nodes.
//
// The Graph is an arena: nodes are stored in a flat slice in declaration order, and references between nodes are
// tensor names plus the indices of their producer and consumers. A Graph is immutable once created by NewGraph
// (or Build): optimizer passes create new graphs, sharing the unchanged *Node values with the previous one.
//
// NewGraph validates the single-producer property, that every referenced tensor exists, and that the graph is
// acyclic, and it infers the shape of every tensor.
package ir

import (
	"maps"
	"slices"

	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Node is one operator instance.
//
// An empty input name denotes an absent optional input. Nodes must not be modified once added to a Graph.
type Node struct {
	Name    string
	Op      Op
	Inputs  []string
	Outputs []string

	// ONNXOp is the type of the ONNX operator the node was built from, if any.
	ONNXOp string
}

// String returns the node name and operator type, for diagnostics.
func (n *Node) String() string {
	if n.ONNXOp != "" && n.ONNXOp != n.Op.Type() {
		return n.Name + " (" + n.Op.Type() + ", ONNX " + n.ONNXOp + ")"
	}
	return n.Name + " (" + n.Op.Type() + ")"
}

// Value is a named tensor descriptor: a graph input or output.
type Value struct {
	Name  string
	Shape shapes.Shape
}

// Graph is the IR of a model. See package documentation.
//
// The fields are read-only: use NewGraph or Graph.With to create new graphs.
type Graph struct {
	Name string

	// Opset is the version of the standard operator set declared by the model.
	Opset int64

	// Nodes in declaration order.
	Nodes []*Node

	// Inputs are the runtime inputs (initializers are not included).
	Inputs []Value

	// Outputs with their inferred shapes.
	Outputs []Value

	// Constants maps tensor names to their values: model initializers plus tensors computed at compile time.
	Constants map[string]*tensors.Tensor

	// hints are declared shapes (value_info), used for operators whose shapes can't be inferred.
	hints map[string]shapes.Shape

	shapes    map[string]shapes.Shape
	producer  map[string]int
	consumers map[string][]int
	order     []int

	// unresolved tensors have shapes that depend on an output of an operator without shape inference (an
	// unsupported operator, or an unsupported extra output). The compiler reports the operator.
	unresolved sets.Set[string]
}

// NewGraph validates and creates a graph, inferring the shapes of every tensor.
//
// Outputs are given with their declared shapes, which may be invalid (shapes.Invalid()) or have negative
// dimensions when not statically known: otherwise they must match the inferred shapes.
// hints may be nil.
func NewGraph(name string, opset int64, inputs, outputs []Value, constants map[string]*tensors.Tensor,
	nodes []*Node, hints map[string]shapes.Shape) (*Graph, error) {
	g := &Graph{
		Name:       name,
		Opset:      opset,
		Nodes:      nodes,
		Inputs:     inputs,
		Constants:  constants,
		hints:      hints,
		shapes:     make(map[string]shapes.Shape, len(inputs)+len(constants)+len(nodes)),
		producer:   make(map[string]int, len(nodes)),
		consumers:  make(map[string][]int),
		unresolved: sets.Make[string](),
	}
	if g.Constants == nil {
		g.Constants = make(map[string]*tensors.Tensor)
	}
	for _, input := range inputs {
		if _, found := g.shapes[input.Name]; found {
			return nil, errors.Wrapf(ErrDuplicateProducer, "input %q declared twice", input.Name)
		}
		g.shapes[input.Name] = input.Shape
	}
	for _, constantName := range slices.Sorted(maps.Keys(g.Constants)) {
		if _, found := g.shapes[constantName]; found {
			return nil, errors.Wrapf(ErrDuplicateProducer, "constant %q is also an input", constantName)
		}
		g.shapes[constantName] = g.Constants[constantName].Shape()
	}
	for nodeIdx, node := range nodes {
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if _, found := g.producer[output]; found {
				return nil, errors.Wrapf(ErrDuplicateProducer, "tensor %q produced by nodes %s and %s",
					output, nodes[g.producer[output]], node)
			}
			if _, found := g.shapes[output]; found {
				return nil, errors.Wrapf(ErrDuplicateProducer, "tensor %q produced by node %s is also an input or constant",
					output, node)
			}
			g.producer[output] = nodeIdx
		}
	}
	for nodeIdx, node := range nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			_, isProduced := g.producer[input]
			_, isDeclared := g.shapes[input]
			if !isProduced && !isDeclared {
				return nil, errors.Wrapf(ErrUndeclaredInput, "node %s references %q", node, input)
			}
			g.consumers[input] = append(g.consumers[input], nodeIdx)
		}
	}
	if err := g.topologicalSort(); err != nil {
		return nil, err
	}
	if err := g.inferShapes(); err != nil {
		return nil, err
	}

	g.Outputs = make([]Value, len(outputs))
	for ii, output := range outputs {
		inferred, found := g.shapes[output.Name]
		if !found {
			return nil, errors.Wrapf(ErrUnresolvedOutput, "output %q", output.Name)
		}
		if !inferred.Ok() {
			if g.unresolved.Has(output.Name) {
				g.Outputs[ii] = Value{Name: output.Name, Shape: inferred}
				continue
			}
			return nil, errors.Wrapf(ErrShapeInference, "shape of output %q is unknown", output.Name)
		}
		if isStatic(output.Shape) && !output.Shape.Equal(inferred) {
			return nil, errors.Wrapf(ErrShapeInference, "output %q declared with shape %s, but inferred %s",
				output.Name, output.Shape, inferred)
		}
		g.Outputs[ii] = Value{Name: output.Name, Shape: inferred}
	}
	return g, nil
}

func isStatic(shape shapes.Shape) bool {
	if !shape.Ok() || shape.Dimensions == nil {
		return false
	}
	for _, dim := range shape.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// With returns a new graph with the same name, opset, inputs, outputs and hints, but with the given nodes and
// constants. It is used by optimizer passes.
func (g *Graph) With(nodes []*Node, constants map[string]*tensors.Tensor) (*Graph, error) {
	return NewGraph(g.Name, g.Opset, g.Inputs, g.Outputs, constants, nodes, g.hints)
}

// Shape returns the shape of the tensor with the given name.
func (g *Graph) Shape(name string) (shapes.Shape, bool) {
	shape, found := g.shapes[name]
	return shape, found
}

// InputShapes returns the shapes of the inputs of the node, with an invalid shape for absent optional inputs.
func (g *Graph) InputShapes(node *Node) []shapes.Shape {
	result := make([]shapes.Shape, len(node.Inputs))
	for ii, input := range node.Inputs {
		if input == "" {
			result[ii] = shapes.Invalid()
			continue
		}
		result[ii] = g.shapes[input]
	}
	return result
}

// OutputShapes returns the shapes of the outputs of the node, with an invalid shape for unused outputs.
func (g *Graph) OutputShapes(node *Node) []shapes.Shape {
	result := make([]shapes.Shape, len(node.Outputs))
	for ii, output := range node.Outputs {
		if output == "" {
			result[ii] = shapes.Invalid()
			continue
		}
		result[ii] = g.shapes[output]
	}
	return result
}

// Producer returns the index of the node producing the tensor, or false if it is an input or a constant.
func (g *Graph) Producer(name string) (int, bool) {
	idx, found := g.producer[name]
	return idx, found
}

// Consumers returns the indices of the nodes consuming the tensor, in declaration order.
// A node consuming the tensor more than once is listed more than once.
func (g *Graph) Consumers(name string) []int {
	return g.consumers[name]
}

// Order returns the indices of the nodes in topological order. When more than one order is valid,
// declaration order is used as tie-break, so the result is deterministic.
func (g *Graph) Order() []int {
	return g.order
}

// IsInput returns whether name is a runtime input of the graph.
func (g *Graph) IsInput(name string) bool {
	for _, input := range g.Inputs {
		if input.Name == name {
			return true
		}
	}
	return false
}

// IsOutput returns whether name is a declared output of the graph.
func (g *Graph) IsOutput(name string) bool {
	for _, output := range g.Outputs {
		if output.Name == name {
			return true
		}
	}
	return false
}

// IsConstant returns whether name is a constant of the graph.
func (g *Graph) IsConstant(name string) bool {
	_, found := g.Constants[name]
	return found
}

// topologicalSort implements Kahn's algorithm, always picking the ready node with the lowest declaration index.
func (g *Graph) topologicalSort() error {
	numNodes := len(g.Nodes)
	inDegree := make([]int, numNodes)
	dependents := make([][]int, numNodes)
	for nodeIdx, node := range g.Nodes {
		for _, input := range node.Inputs {
			if producerIdx, found := g.producer[input]; found {
				inDegree[nodeIdx]++
				dependents[producerIdx] = append(dependents[producerIdx], nodeIdx)
			}
		}
	}
	ready := make([]int, 0, numNodes)
	for nodeIdx := range numNodes {
		if inDegree[nodeIdx] == 0 {
			ready = append(ready, nodeIdx)
		}
	}
	g.order = make([]int, 0, numNodes)
	for len(ready) > 0 {
		nodeIdx := ready[0]
		ready = ready[1:]
		g.order = append(g.order, nodeIdx)
		for _, dependent := range dependents[nodeIdx] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				pos, _ := slices.BinarySearch(ready, dependent)
				ready = slices.Insert(ready, pos, dependent)
			}
		}
	}
	if len(g.order) != numNodes {
		var inCycle []string
		for nodeIdx, degree := range inDegree {
			if degree > 0 {
				inCycle = append(inCycle, g.Nodes[nodeIdx].String())
			}
		}
		return errors.Wrapf(ErrCycle, "nodes %v", inCycle)
	}
	return nil
}
