// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"maps"
	"slices"

	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/gomlx/gpuonnx/pkg/support/sets"
)

// DeadNodeElimination removes the nodes whose outputs are not (transitively) needed by any graph output, and the
// constants no remaining node uses. Unused extra outputs of the remaining nodes are dropped as well.
type DeadNodeElimination struct{}

// Name implements Pass.
func (DeadNodeElimination) Name() string { return "DeadNodeElimination" }

// Apply implements Pass.
func (DeadNodeElimination) Apply(g *ir.Graph) (*ir.Graph, bool, error) {
	needed := sets.Make[string](len(g.Outputs))
	for _, output := range g.Outputs {
		needed.Insert(output.Name)
	}
	order := g.Order()
	live := make([]bool, len(g.Nodes))
	for _, nodeIdx := range slices.Backward(order) {
		node := g.Nodes[nodeIdx]
		for _, output := range node.Outputs {
			if needed.Has(output) {
				live[nodeIdx] = true
				break
			}
		}
		if live[nodeIdx] {
			needed.Insert(node.Inputs...)
		}
	}

	changed := false
	nodes := make([]*ir.Node, len(g.Nodes))
	for nodeIdx, node := range g.Nodes {
		if !live[nodeIdx] {
			changed = true
			continue
		}
		nodes[nodeIdx] = node
		if trimmed := trimOutputs(node, needed); trimmed != nil {
			nodes[nodeIdx] = trimmed
			changed = true
		}
	}
	constants := make(map[string]*tensors.Tensor, len(g.Constants))
	for _, name := range slices.Sorted(maps.Keys(g.Constants)) {
		if needed.Has(name) {
			constants[name] = g.Constants[name]
		} else {
			changed = true
		}
	}
	if !changed {
		return g, false, nil
	}
	newGraph, err := rebuild(g, nodes, constants)
	return newGraph, true, err
}

// trimOutputs returns a copy of node without its unneeded outputs after the first, or nil if there are none.
func trimOutputs(node *ir.Node, needed sets.Set[string]) *ir.Node {
	last := 0
	for ii, output := range node.Outputs {
		if ii > 0 && output != "" && needed.Has(output) {
			last = ii
		}
	}
	outputs := slices.Clone(node.Outputs[:min(last+1, len(node.Outputs))])
	for ii := 1; ii < last; ii++ {
		if !needed.Has(outputs[ii]) {
			outputs[ii] = ""
		}
	}
	if slices.Equal(outputs, node.Outputs) {
		return nil
	}
	trimmed := *node
	trimmed.Outputs = outputs
	return &trimmed
}
