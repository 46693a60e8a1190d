// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package optimizer holds the pattern optimizers. Each one recognizes a
// canonical loop shape in a module and rewrites it into a GPU kernel
// through the primitives of package rewrite, driven by a configuration of
// named integer knobs.
//
// Optimizers never mutate a module in Applicable; Apply mutates the module
// it is given, which must be the module the match was computed on.
package optimizer

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/ir"
)

// Config is a named table of integer knobs, like BLOCK_SIZE_M=64.
// A Config is treated as immutable once handed to an optimizer.
type Config map[string]int

// Get returns the value of knob, or 0 if it is not set.
func (c Config) Get(knob string) int { return c[knob] }

// String returns the knobs sorted by name, e.g. "BLOCK_SIZE=256,VECTORIZE_WIDTH=4".
func (c Config) String() string {
	keys := slices.Sorted(maps.Keys(c))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, c[k])
	}
	return strings.Join(parts, ",")
}

// Space describes the knobs an optimizer reads and the configurations it
// tries when none are given.
type Space struct {
	Knobs    []string
	Defaults []Config
}

// Validate reports unknown, missing or non-positive knobs.
func (s Space) Validate(cfg Config) error {
	for k := range cfg {
		if !slices.Contains(s.Knobs, k) {
			return errors.Errorf("unknown knob %s, want one of %v", k, s.Knobs)
		}
	}
	for _, k := range s.Knobs {
		v, ok := cfg[k]
		if !ok {
			return errors.Errorf("missing knob %s in %s", k, cfg)
		}
		if v <= 0 {
			return errors.Errorf("knob %s must be positive, got %d", k, v)
		}
	}
	return nil
}

// Match is the record an optimizer produces when its pattern is found. Apply
// updates it so it describes the transformed module.
type Match interface {
	// Func is the ID of the function holding the pattern.
	Func() ir.ID
}

// Optimizer is a pattern optimizer.
type Optimizer interface {
	Name() string
	Space() Space

	// Applicable reports whether the pattern occurs in m and cfg can tile
	// it. It does not mutate m.
	Applicable(m *ir.Module, cfg Config) (Match, bool)

	// Apply rewrites m. A precondition violation panics.
	Apply(m *ir.Module, cfg Config, match Match)
}

// All returns a fresh instance of every optimizer in search order.
func All() []Optimizer {
	return []Optimizer{
		NewMatmul(),
		NewBatchMatmul(),
		NewBinary(),
		NewElementWise(),
		NewLayerNorm(),
		NewGather(),
		NewFMHA(),
	}
}

// ByName returns the optimizers with the given names, in the given order.
func ByName(names ...string) ([]Optimizer, error) {
	all := lo.KeyBy(All(), func(o Optimizer) string { return o.Name() })
	out := make([]Optimizer, 0, len(names))
	for _, n := range names {
		o, ok := all[n]
		if !ok {
			return nil, errors.Errorf("unknown optimizer %q, known optimizers are %v", n, Names())
		}
		out = append(out, o)
	}
	return out, nil
}

// Names lists the optimizer names in search order.
func Names() []string {
	return lo.Map(All(), func(o Optimizer, _ int) string { return o.Name() })
}

// Hardware limits every configuration must respect.
const (
	MaxThreadsPerBlock = 1024
	MaxSharedBytes     = 48 * 1024
)

// funcMatch is embedded by every match record.
type funcMatch struct {
	FuncID ir.ID
}

// Func implements Match.
func (f funcMatch) Func() ir.ID { return f.FuncID }

// entry returns the function not called by any other, or nil.
func entry(m *ir.Module) *ir.Node {
	called := map[string]bool{}
	for _, callees := range m.CallGraph() {
		for _, c := range callees {
			called[c] = true
		}
	}
	for _, id := range m.Funcs {
		if f := m.MustNode(id); !called[f.Name] {
			return f
		}
	}
	return nil
}

// loopEntry returns the entry function when it is a single loop nest with
// no calls, together with that nest's outermost loop.
func loopEntry(m *ir.Module) (*ir.Node, *ir.Node, bool) {
	f := entry(m)
	if f == nil {
		return nil, nil, false
	}
	root, ok := funcLoop(m, f)
	return f, root, ok
}

// funcLoop returns the only loop of f. Constants may precede it; calls and
// parallel loops are not allowed anywhere in f.
func funcLoop(m *ir.Module, f *ir.Node) (*ir.Node, bool) {
	var root *ir.Node
	for _, id := range f.Body {
		n := m.MustNode(id)
		switch n.Op {
		case ir.OpConst:
		case ir.OpFor:
			if root != nil {
				return nil, false
			}
			root = n
		default:
			return nil, false
		}
	}
	if root == nil || len(m.Collect(f.ID, ir.OpIs(ir.OpCall, ir.OpParallel))) > 0 {
		return nil, false
	}
	return root, true
}

// normalized reports whether every loop runs from 0 by 1 over constant
// bounds without a carried value.
func normalized(m *ir.Module, loops ...ir.ID) bool {
	for _, id := range loops {
		n := m.MustNode(id)
		lb, _, ok := n.ConstantBounds()
		if n.Op != ir.OpFor || !ok || lb != 0 || n.Step != 1 || n.Carried {
			return false
		}
	}
	return true
}

func trips(m *ir.Module, loops []ir.ID) []int {
	return lo.Map(loops, func(id ir.ID, _ int) int {
		t, _ := m.MustNode(id).TripCount()
		return t
	})
}

// accessDims returns, for every result of a memory access map, the index
// value it selects, or ok=false if some result is not a plain dimension.
// Constant results yield the zero Value.
func accessDims(n *ir.Node) (vals []ir.Value, ok bool) {
	vals = make([]ir.Value, len(n.Map.Results))
	for i, r := range n.Map.Results {
		switch {
		case r.IsConst():
		case len(r.Dims()) == 1 && r.IsDim(r.Dims()[0]):
			vals[i] = n.Indices[r.Dims()[0]]
		default:
			return nil, false
		}
	}
	return vals, true
}

func divides(d, n int) bool { return d > 0 && n%d == 0 }

// reject logs why a configuration does not fit a match.
func reject(name string, cfg Config, format string, args ...any) bool {
	if klog.V(2).Enabled() {
		klog.Infof("%s: %s rejected: %s", name, cfg, fmt.Sprintf(format, args...))
	}
	return false
}

// markLevel tags a parallel node with its level in the thread hierarchy.
func markLevel(m *ir.Module, id ir.ID, level string) *ir.Node {
	n := m.MustNode(id)
	n.SetAttr(ir.AttrLevel, level)
	return n
}
