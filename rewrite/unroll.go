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

	"github.com/ajroetker/go-kcg/ir"
)

// UnrollFull is the AttrUnroll value requesting full unrolling downstream.
const UnrollFull = "unroll"

// Unroll fully unrolls every loop matching pred, innermost first. The body
// is cloned once per iteration with the induction variable replaced by an
// index literal defined at function scope. It returns the number of loops
// unrolled.
func Unroll(m *ir.Module, pred func(n *ir.Node) bool) int {
	const name = "unroll"
	ids := m.CollectModule(func(n *ir.Node) bool { return n.Op == ir.OpFor && pred(n) })
	slices.Reverse(ids)
	for _, id := range ids {
		l := m.MustNode(id)
		lb, ub, ok := l.ConstantBounds()
		check(ok, name, "loop %d has non-constant bounds", id)
		trace(name, "loop %d, %d iterations", id, max(0, (ub-lb+l.Step-1)/l.Step))

		var cur ir.Value
		if l.Carried {
			cur = l.Operands[0]
		}
		body := slices.Clone(l.Body)
		for it := lb; it < ub; it += l.Step {
			vm := ir.ValueMap{l.IV(): functionScopeConst(m, id, it)}
			if l.Carried {
				vm[l.CarriedValue()] = cur
			}
			for _, c := range body {
				cn := m.MustNode(c)
				if cn.Op == ir.OpYield {
					cur = vm.Lookup(cn.Operands[0])
					continue
				}
				clone := m.CloneSubtree(c, vm)
				m.InsertBefore(id, clone)
				FoldConstantOperands(m, clone)
			}
		}
		if l.Carried {
			m.ReplaceAllUses(l.Result(), cur, m.FuncOf(id).ID)
		}
		m.Erase(id)
	}
	return len(ids)
}

// UnrollAttribute tags every loop matching pred for a downstream unrolling
// pass and returns how many were tagged.
func UnrollAttribute(m *ir.Module, pred func(n *ir.Node) bool) int {
	ids := m.CollectModule(func(n *ir.Node) bool { return n.Op == ir.OpFor && pred(n) })
	for _, id := range ids {
		m.MustNode(id).SetAttr(ir.AttrUnroll, UnrollFull)
	}
	trace("unrollAttribute", "tagged %v", ids)
	return len(ids)
}

// LoopIn returns a predicate matching the given loops.
func LoopIn(ids ...ir.ID) func(n *ir.Node) bool {
	return func(n *ir.Node) bool { return slices.Contains(ids, n.ID) }
}

// TripAtMost returns a predicate matching loops with at most limit
// iterations.
func TripAtMost(limit int) func(n *ir.Node) bool {
	return func(n *ir.Node) bool {
		t, ok := n.TripCount()
		return ok && t <= limit
	}
}
