// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"slices"

	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/ir"
)

// Fusion merges a node into its single consumer when they match one of the patterns:
//
//   - Elementwise or Fused followed by Elementwise or Fused: a Fused node with the concatenated chain.
//   - Conv followed by Elementwise or Fused: a Conv with the functions appended to its activation.
//   - MatMul of two matrices followed by an Add of a constant bias: a Gemm.
//
// The intermediate tensor must not be a graph output, and must be consumed only once. Nodes are visited in
// topological order and a merged node takes the place of the consumer, so whole chains are merged in one pass.
type Fusion struct{}

// Name implements Pass.
func (Fusion) Name() string { return "Fusion" }

// Apply implements Pass.
func (Fusion) Apply(g *ir.Graph) (*ir.Graph, bool, error) {
	nodes := slices.Clone(g.Nodes)
	changed := false
	for _, nodeIdx := range g.Order() {
		node := nodes[nodeIdx]
		if node == nil || len(node.Outputs) != 1 || node.Outputs[0] == "" || g.IsOutput(node.Outputs[0]) {
			continue
		}
		consumers := g.Consumers(node.Outputs[0])
		if len(consumers) != 1 {
			continue
		}
		consumerIdx := consumers[0]
		merged := fuse(g, node, nodes[consumerIdx])
		if merged == nil {
			continue
		}
		nodes[consumerIdx] = merged
		nodes[nodeIdx] = nil
		changed = true
	}
	if !changed {
		return g, false, nil
	}
	newGraph, err := rebuild(g, nodes, g.Constants)
	return newGraph, true, err
}

// chainOf returns the elementwise functions applied by op, or nil if it is not an elementwise operator.
func chainOf(op ir.Op) []ir.Elementwise {
	switch op := op.(type) {
	case *ir.Elementwise:
		return []ir.Elementwise{*op}
	case *ir.Fused:
		return op.Chain
	}
	return nil
}

// fuse returns the node merging producer into consumer, or nil if they can't be merged.
func fuse(g *ir.Graph, producer, consumer *ir.Node) *ir.Node {
	name := producer.Name + "+" + consumer.Name
	if activation := chainOf(consumer.Op); activation != nil {
		switch op := producer.Op.(type) {
		case *ir.Elementwise, *ir.Fused:
			chain := slices.Concat(chainOf(op), activation)
			return &ir.Node{Name: name, Op: &ir.Fused{Chain: chain}, Inputs: producer.Inputs, Outputs: consumer.Outputs}
		case *ir.Conv:
			conv := *op
			conv.Activation = slices.Concat(op.Activation, activation)
			return &ir.Node{Name: name, Op: &conv, Inputs: producer.Inputs, Outputs: consumer.Outputs}
		}
		return nil
	}

	if add, isBinary := consumer.Op.(*ir.Binary); isBinary && add.Fn == ir.BinaryAdd {
		if _, isMatMul := producer.Op.(*ir.MatMul); !isMatMul {
			return nil
		}
		lhs, _ := g.Shape(producer.Inputs[0])
		rhs, _ := g.Shape(producer.Inputs[1])
		out, _ := g.Shape(producer.Outputs[0])
		if lhs.Rank() != 2 || rhs.Rank() != 2 {
			return nil
		}
		bias := consumer.Inputs[1]
		if bias == producer.Outputs[0] {
			bias = consumer.Inputs[0]
		}
		biasShape, _ := g.Shape(bias)
		if !g.IsConstant(bias) || biasShape.Rank() > 2 {
			return nil
		}
		// The bias must not change the shape of the result.
		if broadcast, err := shapes.Broadcast(out, biasShape); err != nil || !broadcast.Equal(out) {
			return nil
		}
		inputs := []string{producer.Inputs[0], producer.Inputs[1], bias}
		return &ir.Node{Name: name, Op: &ir.Gemm{Alpha: 1, Beta: 1}, Inputs: inputs, Outputs: consumer.Outputs}
	}
	return nil
}
