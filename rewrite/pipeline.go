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

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
)

// Pipeline double-buffers *buf across the iterations of computeAt.
//
// readBodies are direct children of computeAt that fill *buf. They move
// into a guarded prefetch at the start of the loop body that fills the
// other half of a two-slot buffer for the next iteration, while a clone
// of them placed before the loop fills slot 0 for the first iteration.
// Every other access of *buf must be inside computeAt and reads slot
// ((iv - lb) floordiv step) mod 2. The original allocation is erased and
// *buf is rebound to the double buffer.
func Pipeline(m *ir.Module, readBodies []ir.ID, buf *ir.Value, computeAt ir.ID) {
	const name = "pipeline"
	loop := m.MustNode(computeAt)
	check(loop.Op == ir.OpFor, name, "node %d is %s, not a loop", computeAt, loop.Op)
	lb, ub, ok := loop.ConstantBounds()
	check(ok, name, "loop %d has non-constant bounds", computeAt)
	check(!loop.Carried, name, "loop %d carries a value", computeAt)
	check(len(readBodies) > 0, name, "no read bodies")
	for _, rb := range readBodies {
		check(m.MustNode(rb).Parent == computeAt, name, "read body %d is not directly inside loop %d", rb, computeAt)
	}
	old := m.DefiningNode(*buf)
	check(old != nil && old.Op == ir.OpAlloc, name, "buffer is not defined by an alloc")
	oldBuf := *buf
	s := loop.Step
	iv := loop.IV()

	outside := slices.ContainsFunc(m.Users(oldBuf), func(n *ir.Node) bool {
		return !m.IsAncestor(computeAt, n.ID)
	})
	check(!outside, name, "buffer is accessed outside loop %d", computeAt)
	for _, u := range m.Users(oldBuf) {
		check(u.IsMemAccess(), name, "%s node %d uses the buffer", u.Op, u.ID)
	}
	trace(name, "buffer %d over loop %d, reads %v", old.ID, computeAt, readBodies)

	b := ir.NewBuilder(m)
	b.SetInsertionPointAfter(old.ID)
	shape := append([]int{2}, old.Type.Shape...)
	newBuf := b.Alloc(ir.Buffer(old.Type.Elem, old.Type.Space, shape...))

	// Prologue: the first iteration's reads, into slot 0.
	vm := ir.ValueMap{}
	for _, rb := range readBodies {
		c := m.CloneSubtree(rb, vm)
		m.InsertBefore(computeAt, c)
		replaceWithConstant(m, c, iv, lb)
		retarget(m, c, oldBuf, newBuf, func(n *ir.Node) { prependConstIndex(n, 0) })
		checkOperandsDominate(m, c, name)
	}

	// Prefetch of the next iteration into the other slot.
	b.SetInsertionPointToStart(computeAt)
	guard := b.If(affine.NewSet(1, affine.Add(affine.Scale(affine.D(0), -1), affine.C(ub-1-s))), iv)
	next := affine.Mod(affine.Add(normalizedIV(lb, s), affine.C(1)), 2)
	for _, rb := range readBodies {
		m.Append(guard.ID, rb)
		replaceValue(m, rb, iv, []ir.Value{iv}, affine.Add(affine.D(0), affine.C(s)))
		retarget(m, rb, oldBuf, newBuf, func(n *ir.Node) { prependIndex(n, iv, next) })
	}
	checkOperandsDominate(m, guard.ID, name)

	// Consumers read the current slot.
	cur := affine.Mod(normalizedIV(lb, s), 2)
	retarget(m, computeAt, oldBuf, newBuf, func(n *ir.Node) { prependIndex(n, iv, cur) })

	m.Erase(old.ID)
	*buf = newBuf
}

// retarget points the accesses of from inside root at to and lets fix
// extend their index maps.
func retarget(m *ir.Module, root ir.ID, from, to ir.Value, fix func(n *ir.Node)) {
	m.Walk(root, func(n *ir.Node) bool {
		if n.IsMemAccess() && n.MemRef() == from {
			n.SetMemRef(to)
			fix(n)
		}
		return true
	})
}

// checkOperandsDominate panics when a value read inside the subtree rooted
// at root is defined outside it but does not dominate root.
func checkOperandsDominate(m *ir.Module, root ir.ID, primitive string) {
	inside := map[ir.ID]bool{}
	m.Walk(root, func(n *ir.Node) bool {
		inside[n.ID] = true
		return true
	})
	m.Walk(root, func(n *ir.Node) bool {
		n.ForEachValue(func(v *ir.Value) {
			if !inside[v.Def] {
				check(m.Dominates(*v, root), primitive, "operand of node %d does not dominate node %d", n.ID, root)
			}
		})
		return true
	})
}

// checkUsersDominated panics when a result defined inside the subtree
// rooted at root is read outside it at a point root does not dominate.
func checkUsersDominated(m *ir.Module, root ir.ID, primitive string) {
	inside := map[ir.ID]bool{}
	m.Walk(root, func(n *ir.Node) bool {
		inside[n.ID] = true
		return true
	})
	fn := m.FuncOf(root)
	if fn == nil {
		return
	}
	m.Walk(fn.ID, func(n *ir.Node) bool {
		if inside[n.ID] {
			return false
		}
		n.ForEachValue(func(v *ir.Value) {
			if inside[v.Def] && !v.Arg {
				check(m.Dominates(*v, n.ID), primitive, "node %d reads a value of node %d before it is defined", n.ID, v.Def)
			}
		})
		return true
	})
}
