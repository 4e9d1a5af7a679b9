// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer rewrites an IR graph into a simpler, semantically equivalent one.
//
// The Optimizer runs an ordered list of passes. Each Pass is pure: it never modifies its input graph, and
// returns a new graph (validated by ir.NewGraph) plus whether anything changed. When any pass of a round reports
// a change, the whole sequence runs again, up to a maximum number of rounds.
package optimizer

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrOptimizer is matched (with errors.Is) by every error returned by the optimizer.
var ErrOptimizer = errors.New("optimizer error")

type optimizerError string

func (e optimizerError) Error() string        { return string(e) }
func (e optimizerError) Is(target error) bool { return target == ErrOptimizer }

const (
	// ErrIterationLimit is returned when the passes still change the graph after the maximum number of rounds.
	ErrIterationLimit = optimizerError("optimizer iteration limit exceeded")

	// ErrInvalidGraph is returned when a pass produces an invalid graph. It wraps the ir error describing the problem.
	ErrInvalidGraph = optimizerError("optimizer pass produced an invalid graph")
)

// passError matches ErrInvalidGraph, and unwraps to the error returned by the pass (usually an ir error).
type passError struct {
	pass string
	err  error
}

func (e *passError) Error() string {
	return fmt.Sprintf("%s: pass %s: %v", ErrInvalidGraph, e.pass, e.err)
}

func (e *passError) Unwrap() error { return e.err }

func (e *passError) Is(target error) bool { return target == ErrInvalidGraph || target == ErrOptimizer }

// Pass is one graph rewrite.
type Pass interface {
	// Name of the pass, for logging and errors.
	Name() string

	// Apply returns the rewritten graph and whether it changed anything. It must not modify g.
	Apply(g *ir.Graph) (*ir.Graph, bool, error)
}

// DefaultMaxIterations is the default maximum number of rounds of passes.
const DefaultMaxIterations = 8

// Optimizer runs a sequence of passes. Create it with New.
type Optimizer struct {
	passes        []Pass
	maxIterations int
	logger        klog.Logger
}

// Option configures an Optimizer.
type Option func(o *Optimizer)

// WithPasses replaces the list of passes. Without any pass Optimize returns its input.
func WithPasses(passes ...Pass) Option {
	return func(o *Optimizer) {
		o.passes = passes
	}
}

// WithMaxIterations sets the maximum number of rounds. Values < 1 are taken as 1.
func WithMaxIterations(n int) Option {
	return func(o *Optimizer) {
		o.maxIterations = max(n, 1)
	}
}

// WithLogger sets the logger used to report the progress of the optimization.
func WithLogger(logger klog.Logger) Option {
	return func(o *Optimizer) {
		o.logger = logger
	}
}

// DefaultPasses returns the passes used by default, in order.
func DefaultPasses() []Pass {
	return []Pass{
		IdentityElimination{},
		ConstantFolding{},
		Fusion{},
		DeadNodeElimination{},
	}
}

// New creates an Optimizer with the DefaultPasses, configured by the options.
func New(opts ...Option) *Optimizer {
	o := &Optimizer{
		passes:        DefaultPasses(),
		maxIterations: DefaultMaxIterations,
		logger:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize runs the passes on g until none changes the graph.
//
// Errors match ErrOptimizer, and either ErrIterationLimit or ErrInvalidGraph.
func (o *Optimizer) Optimize(g *ir.Graph) (*ir.Graph, error) {
	if len(o.passes) == 0 {
		return g, nil
	}
	numNodes := len(g.Nodes)
	for iteration := range o.maxIterations {
		changed := false
		for _, pass := range o.passes {
			newGraph, passChanged, err := pass.Apply(g)
			if err != nil {
				return nil, &passError{pass: pass.Name(), err: err}
			}
			if passChanged {
				o.logger.V(2).Info("optimizer pass changed the graph", "pass", pass.Name(), "iteration", iteration,
					"nodes", len(newGraph.Nodes), "constants", len(newGraph.Constants))
				g = newGraph
				changed = true
			}
		}
		if !changed {
			o.logger.V(1).Info("optimized graph", "graph", g.Name, "iterations", iteration+1,
				"nodes_before", numNodes, "nodes_after", len(g.Nodes))
			return g, nil
		}
	}
	return nil, errors.Wrapf(ErrIterationLimit, "graph %q still changing after %d iterations", g.Name, o.maxIterations)
}
