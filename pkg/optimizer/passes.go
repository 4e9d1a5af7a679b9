// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"maps"
	"slices"

	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/gomlx/gpuonnx/pkg/kernels"
	"github.com/pkg/errors"
)

// rebuild creates the graph with the non-nil nodes of the given slice.
func rebuild(g *ir.Graph, nodes []*ir.Node, constants map[string]*tensors.Tensor) (*ir.Graph, error) {
	kept := make([]*ir.Node, 0, len(nodes))
	for _, node := range nodes {
		if node != nil {
			kept = append(kept, node)
		}
	}
	return g.With(kept, constants)
}

// IdentityElimination rewires the consumers of Identity nodes to read the Identity input directly.
// Identity nodes producing a graph output are kept.
type IdentityElimination struct{}

// Name implements Pass.
func (IdentityElimination) Name() string { return "IdentityElimination" }

// Apply implements Pass.
func (IdentityElimination) Apply(g *ir.Graph) (*ir.Graph, bool, error) {
	renames := make(map[string]string)
	nodes := slices.Clone(g.Nodes)
	for idx, node := range nodes {
		if _, isIdentity := node.Op.(*ir.Identity); !isIdentity || len(node.Outputs) != 1 || len(node.Inputs) != 1 {
			continue
		}
		if g.IsOutput(node.Outputs[0]) {
			continue
		}
		renames[node.Outputs[0]] = node.Inputs[0]
		nodes[idx] = nil
	}
	if len(renames) == 0 {
		return g, false, nil
	}
	resolve := func(name string) string {
		for {
			renamed, found := renames[name]
			if !found {
				return name
			}
			name = renamed
		}
	}
	for idx, node := range nodes {
		if node == nil {
			continue
		}
		var inputs []string
		for ii, input := range node.Inputs {
			if target := resolve(input); target != input {
				if inputs == nil {
					inputs = slices.Clone(node.Inputs)
				}
				inputs[ii] = target
			}
		}
		if inputs != nil {
			rewired := *node
			rewired.Inputs = inputs
			nodes[idx] = &rewired
		}
	}
	newGraph, err := rebuild(g, nodes, g.Constants)
	return newGraph, true, err
}

// ConstantFolding evaluates at compile time the nodes whose inputs are all constants, and replaces them with
// constants. Shape nodes are always folded, since shapes are static.
//
// Nodes without a kernel (see kernels.ErrUnsupported) are left for the compiler to report.
type ConstantFolding struct{}

// Name implements Pass.
func (ConstantFolding) Name() string { return "ConstantFolding" }

// Apply implements Pass.
func (ConstantFolding) Apply(g *ir.Graph) (*ir.Graph, bool, error) {
	constants := maps.Clone(g.Constants)
	nodes := slices.Clone(g.Nodes)
	changed := false
	for _, nodeIdx := range g.Order() {
		node := nodes[nodeIdx]
		if len(node.Outputs) != 1 || node.Outputs[0] == "" {
			continue
		}
		value, err := foldNode(g, node, constants)
		if err != nil {
			if errors.Is(err, kernels.ErrUnsupported) {
				continue
			}
			return nil, false, err
		}
		if value == nil {
			continue
		}
		constants[node.Outputs[0]] = value
		nodes[nodeIdx] = nil
		changed = true
	}
	if !changed {
		return g, false, nil
	}
	newGraph, err := rebuild(g, nodes, constants)
	return newGraph, true, err
}

// foldNode returns the value of the node output if it can be computed at compile time, or nil otherwise.
func foldNode(g *ir.Graph, node *ir.Node, constants map[string]*tensors.Tensor) (*tensors.Tensor, error) {
	switch node.Op.(type) {
	case *ir.Unsupported:
		return nil, nil
	case *ir.Shape, *ir.ConstantOfShape:
		inputs := g.InputShapes(node)
		for ii, input := range node.Inputs {
			if input != "" && !inputs[ii].Ok() {
				return nil, nil
			}
		}
		return kernels.StaticValue(node, inputs)
	}
	var inputs []*tensors.Tensor
	for _, input := range node.Inputs {
		if input == "" {
			continue
		}
		value, found := constants[input]
		if !found {
			return nil, nil
		}
		inputs = append(inputs, value)
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	output, _ := g.Shape(node.Outputs[0])
	return kernels.Evaluate(node, inputs, output, g.Opset)
}
