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

package rewrite

import (
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
)

// check aborts the rewrite when a structural precondition does not hold.
func check(cond bool, primitive string, format string, args ...any) {
	if !cond {
		exceptions.Panicf("rewrite: "+primitive+": "+format, args...)
	}
}

func trace(primitive string, format string, args ...any) {
	if klog.V(2).Enabled() {
		klog.Infof("rewrite: "+primitive+": "+format, args...)
	}
}

// substituteSite replaces operand pos of a site with newVals. repl is the
// replacement expression over dims [0, len(newVals)).
func substituteSite(s ir.AffineSite, pos int, repl *affine.Expr, newVals []ir.Value) {
	ops := *s.Operands
	out := make([]ir.Value, 0, len(ops)+len(newVals)-1)
	out = append(out, ops[:pos]...)
	out = append(out, newVals...)
	out = append(out, ops[pos+1:]...)
	*s.Map = s.Map.ReplaceDim(pos, repl.ShiftDims(0, pos), len(newVals))
	*s.Operands = out
}

// rewriteValue replaces every affine use of old in n by repl over newVals.
// It returns true if a non-affine operand of n still reads old.
func rewriteValue(n *ir.Node, old ir.Value, newVals []ir.Value, repl *affine.Expr) bool {
	for _, s := range n.AffineSites() {
		// newVals may contain old itself, so resume scanning after them.
		for pos := 0; pos < len(*s.Operands); {
			if (*s.Operands)[pos] != old {
				pos++
				continue
			}
			substituteSite(s, pos, repl, newVals)
			pos += len(newVals)
		}
	}
	return slices.Contains(n.Operands, old)
}

// replaceValue rewrites every use of old within scope as repl(newVals).
// Non-affine uses receive an affine.apply materialized right before them.
func replaceValue(m *ir.Module, scope ir.ID, old ir.Value, newVals []ir.Value, repl *affine.Expr) {
	var direct []ir.ID
	m.Walk(scope, func(n *ir.Node) bool {
		if rewriteValue(n, old, newVals, repl) {
			direct = append(direct, n.ID)
		}
		return true
	})
	for _, id := range direct {
		b := ir.NewBuilder(m)
		b.SetInsertionPointBefore(id)
		v := b.Apply(affine.NewMap(len(newVals), repl), newVals...)
		n := m.MustNode(id)
		for i := range n.Operands {
			if n.Operands[i] == old {
				n.Operands[i] = v
			}
		}
	}
}

// replaceWithConstant substitutes the literal c for old within scope.
func replaceWithConstant(m *ir.Module, scope ir.ID, old ir.Value, c int) {
	var direct []ir.ID
	m.Walk(scope, func(n *ir.Node) bool {
		for _, s := range n.AffineSites() {
			for pos := slices.Index(*s.Operands, old); pos >= 0; pos = slices.Index(*s.Operands, old) {
				substituteSite(s, pos, affine.C(c), nil)
			}
		}
		if slices.Contains(n.Operands, old) {
			direct = append(direct, n.ID)
		}
		return true
	})
	for _, id := range direct {
		b := ir.NewBuilder(m)
		b.SetInsertionPointBefore(id)
		v := b.ConstIndex(c)
		m.ReplaceAllUses(old, v, id)
	}
}

// FoldConstantOperands replaces affine operands defined by index literals
// with their values, shrinking the maps.
func FoldConstantOperands(m *ir.Module, root ir.ID) {
	m.Walk(root, func(n *ir.Node) bool {
		for _, s := range n.AffineSites() {
			for pos := 0; pos < len(*s.Operands); {
				def := m.DefiningNode((*s.Operands)[pos])
				if def == nil || def.Op != ir.OpConst || def.Type.Elem != ir.Index {
					pos++
					continue
				}
				substituteSite(s, pos, affine.C(def.Int), nil)
			}
		}
		return true
	})
}

// normalizedIV returns (iv - lb) floordiv step over d0.
func normalizedIV(lb, step int) *affine.Expr {
	return affine.FloorDiv(affine.Sub(affine.D(0), affine.C(lb)), step)
}

// indexExprFor returns an expression over a site's dims for operand v,
// appending v to the site when it is not already an operand.
func indexExprFor(s ir.AffineSite, v ir.Value) *affine.Expr {
	pos := slices.Index(*s.Operands, v)
	if pos < 0 {
		pos = len(*s.Operands)
		*s.Operands = append(*s.Operands, v)
		*s.Map = s.Map.AddDims(1)
	}
	return affine.D(pos)
}

// prependIndex adds a leading result e(v) to the access map of a load or
// store, making it address one more (leading) buffer dimension.
func prependIndex(n *ir.Node, v ir.Value, e *affine.Expr) {
	s := n.AffineSites()[0]
	d := indexExprFor(s, v)
	*s.Map = s.Map.Prepend(e.Substitute(func(int) *affine.Expr { return d }))
}

// prependConstIndex adds a leading literal result to an access map.
func prependConstIndex(n *ir.Node, c int) {
	n.Map = n.Map.Prepend(affine.C(c))
}

// functionScopeConst returns an index literal defined at the top of the
// function containing id, reusing an existing one that is defined before id.
func functionScopeConst(m *ir.Module, id ir.ID, c int) ir.Value {
	f := m.FuncOf(id)
	for _, child := range f.Body {
		n := m.MustNode(child)
		if n.Op == ir.OpConst && n.Type.Elem == ir.Index && n.Int == c && m.Dominates(n.Result(), id) {
			return n.Result()
		}
	}
	b := ir.NewBuilder(m)
	b.SetInsertionPointToStart(f.ID)
	return b.ConstIndex(c)
}
