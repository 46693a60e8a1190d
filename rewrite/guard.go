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

// PadLoop raises the upper bound of a normalized loop to the next multiple
// of multiple, so it can be split evenly, and returns the original bound.
// The caller guards the extra iterations, see Guard.
func PadLoop(m *ir.Module, loop ir.ID, multiple int) int {
	const name = "pad"
	l := m.MustNode(loop)
	check(l.Op == ir.OpFor, name, "node %d is %s, not a loop", loop, l.Op)
	lb, ub, ok := l.ConstantBounds()
	check(ok && lb == 0 && l.Step == 1, name, "loop %d is not normalized", loop)
	check(multiple > 0, name, "multiple %d", multiple)
	padded := (ub + multiple - 1) / multiple * multiple
	if padded != ub {
		trace(name, "loop %d from %d to %d", loop, ub, padded)
		l.Upper = ir.ConstBound(padded)
	}
	return ub
}

// Guard wraps consecutive sibling nodes in an affine.if on set applied to
// operands and returns the conditional.
func Guard(m *ir.Module, nodes []ir.ID, set affine.Set, operands ...ir.Value) ir.ID {
	const name = "guard"
	check(len(nodes) > 0, name, "no nodes")
	parent := m.MustNode(nodes[0]).Parent
	first := m.IndexInParent(nodes[0])
	for i, id := range nodes {
		check(m.MustNode(id).Parent == parent && m.IndexInParent(id) == first+i, name, "nodes %v are not consecutive siblings", nodes)
	}
	b := ir.NewBuilder(m)
	b.SetInsertionPointBefore(nodes[0])
	g := b.If(set, operands...)
	for _, id := range nodes {
		m.Append(g.ID, id)
	}
	checkOperandsDominate(m, g.ID, name)
	checkUsersDominated(m, g.ID, name)
	trace(name, "%v under %s", nodes, set)
	return g.ID
}

// IrregularGuard guards a tile whose flat start offset is start(operands):
// the tile of extent elements runs only if it lies within [0, limit).
// Tiles straddling limit are skipped, so callers pick tile sizes for which
// limit is a multiple of extent.
func IrregularGuard(m *ir.Module, nodes []ir.ID, start *affine.Expr, extent, limit int, operands ...ir.Value) ir.ID {
	// limit - extent - start >= 0
	c := affine.Add(affine.Scale(start, -1), affine.C(limit-extent))
	return Guard(m, nodes, affine.NewSet(len(operands), c), operands...)
}

// InsertBarrier places a block-level barrier at pos relative to anchor.
func InsertBarrier(m *ir.Module, anchor ir.ID, pos Position) ir.ID {
	b := builderAt(m, anchor, pos)
	id := b.Barrier().ID
	trace("barrier", "%s %d", pos, anchor)
	return id
}

// builderAt returns a builder inserting at pos relative to anchor.
func builderAt(m *ir.Module, anchor ir.ID, pos Position) *ir.Builder {
	b := ir.NewBuilder(m)
	switch pos {
	case Before:
		b.SetInsertionPointBefore(anchor)
	case After:
		b.SetInsertionPointAfter(anchor)
	case Begin:
		b.SetInsertionPointToStart(anchor)
	case End:
		b.SetInsertionPointToEnd(anchor)
	default:
		check(false, "builder", "unknown position %d", pos)
	}
	return b
}

// Writes returns the stores to buf inside scope, in program order.
func Writes(m *ir.Module, scope ir.ID, buf ir.Value) []ir.ID {
	return m.Collect(scope, func(n *ir.Node) bool {
		return n.Op == ir.OpStore && n.MemRef() == buf
	})
}

// Reads returns the loads of buf inside scope, in program order.
func Reads(m *ir.Module, scope ir.ID, buf ir.Value) []ir.ID {
	return m.Collect(scope, func(n *ir.Node) bool {
		return n.Op == ir.OpLoad && n.MemRef() == buf
	})
}

// DeleteExtraConstants hoists index literals to the top of their function,
// merges duplicates and erases the unused ones. It returns the number of
// literals erased.
func DeleteExtraConstants(m *ir.Module) int {
	erased := 0
	for _, fid := range m.Funcs {
		consts := m.Collect(fid, func(n *ir.Node) bool {
			return n.Op == ir.OpConst && n.Type.Elem == ir.Index
		})
		canon := map[int]ir.Value{}
		var keep []ir.ID
		for _, id := range consts {
			n := m.MustNode(id)
			if c, ok := canon[n.Int]; ok {
				m.ReplaceAllUses(n.Result(), c, fid)
				m.Erase(id)
				erased++
				continue
			}
			canon[n.Int] = n.Result()
			keep = append(keep, id)
		}
		for _, id := range keep {
			if !m.HasUses(m.MustNode(id).Result()) {
				m.Erase(id)
				erased++
			}
		}
		keep = slices.DeleteFunc(keep, func(id ir.ID) bool { return m.Node(id) == nil })
		for i, id := range keep {
			m.Insert(fid, i, id)
		}
	}
	return erased
}

// ModifyLoopStepToOne rewrites a loop with constant bounds to iterate
// [0, trip) with step 1.
func ModifyLoopStepToOne(m *ir.Module, loop ir.ID) {
	const name = "modifyLoopStepToOne"
	l := m.MustNode(loop)
	check(l.Op == ir.OpFor, name, "node %d is %s, not a loop", loop, l.Op)
	lb, _, ok := l.ConstantBounds()
	check(ok, name, "loop %d has non-constant bounds", loop)
	if lb == 0 && l.Step == 1 {
		return
	}
	trip, _ := l.TripCount()
	step := l.Step
	l.Lower, l.Upper, l.Step = ir.ConstBound(0), ir.ConstBound(trip), 1
	for _, c := range slices.Clone(l.Body) {
		replaceValue(m, c, l.IV(), []ir.Value{l.IV()}, affine.Add(affine.Scale(affine.D(0), step), affine.C(lb)))
	}
}
