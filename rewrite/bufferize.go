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

	"github.com/samber/lo"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
)

// BufferizeLoopCarryVar turns the value carried by one loop of the chain
// into a local scratch cell. The cell has one slot per iteration of the
// chain loops enclosing the carried loop, so the loops can afterwards be
// interchanged freely. It returns the scratch buffer, or a zero Value when
// no loop of the chain carries a value.
func BufferizeLoopCarryVar(m *ir.Module, loops []ir.ID) ir.Value {
	const name = "bufferizeLoopCarryVar"
	carried := lo.Filter(loops, func(id ir.ID, _ int) bool {
		n := m.MustNode(id)
		return n.Op == ir.OpFor && n.Carried
	})
	check(len(carried) <= 1, name, "can't reorder more than one loop carrying a value: %v", carried)
	if len(carried) == 0 {
		return ir.Value{}
	}
	l := m.MustNode(carried[0])
	check(!l.Type.IsVector(), name, "loop %d carries a vector", l.ID)

	enclosing := lo.FilterMap(loops, func(id ir.ID, _ int) (*ir.Node, bool) {
		return m.MustNode(id), id != l.ID && m.IsAncestor(id, l.ID)
	})
	slices.SortFunc(enclosing, func(a, b *ir.Node) int { return m.Depth(a.ID) - m.Depth(b.ID) })

	shape := []int{1}
	idx := affine.ConstantMap(0)
	var ivs []ir.Value
	if len(enclosing) > 0 {
		shape = shape[:0]
		var results []*affine.Expr
		for i, e := range enclosing {
			lb, _, ok := e.ConstantBounds()
			trip, _ := e.TripCount()
			check(ok, name, "enclosing loop %d has non-constant bounds", e.ID)
			shape = append(shape, trip)
			results = append(results, normalizedIV(lb, e.Step).ShiftDims(0, i))
			ivs = append(ivs, e.IV())
		}
		idx = affine.NewMap(len(enclosing), results...)
	}
	trace(name, "loop %d into local buffer %v", l.ID, shape)

	buf := AllocBuffer(m, l.ID, ir.Buffer(l.Type.Elem, ir.Local, shape...))
	b := ir.NewBuilder(m)

	// Initial value.
	b.SetInsertionPointBefore(l.ID)
	init := l.Operands[0]
	if def := m.DefiningNode(init); def != nil && def.Parent == l.Parent {
		b.SetInsertionPointAfter(def.ID)
	}
	b.Store(init, buf, idx.Clone(), ivs...)

	// In-loop value.
	b.SetInsertionPointToStart(l.ID)
	cur := b.Load(buf, idx.Clone(), ivs...)
	m.ReplaceAllUses(l.CarriedValue(), cur, l.ID)

	// Yield becomes a store.
	y := m.MustNode(l.Body[len(l.Body)-1])
	b.SetInsertionPointBefore(y.ID)
	b.Store(y.Operands[0], buf, idx.Clone(), ivs...)
	m.Erase(y.ID)

	// Result.
	b.SetInsertionPointAfter(l.ID)
	res := b.Load(buf, idx.Clone(), ivs...)
	f := m.FuncOf(l.ID)
	m.ReplaceAllUses(l.Result(), res, f.ID)

	l.Carried = false
	l.Operands = nil
	l.Type = ir.Type{}
	return buf
}

// AllocBuffer allocates t at the start of the innermost parallel body
// enclosing (or being) at for local buffers, of the outermost one for shared
// buffers, and of the function otherwise. Local and shared buffers therefore
// get one instance per thread or per block respectively.
func AllocBuffer(m *ir.Module, at ir.ID, t ir.Type) ir.Value {
	scope := m.FuncOf(at).ID
	pars := lo.Filter(append([]*ir.Node{m.MustNode(at)}, m.Ancestors(at)...), func(n *ir.Node, _ int) bool {
		return n.Op == ir.OpParallel
	})
	if len(pars) > 0 {
		switch t.Space {
		case ir.Local:
			scope = pars[0].ID
		case ir.Shared:
			scope = pars[len(pars)-1].ID
		}
	}
	b := ir.NewBuilder(m)
	b.SetInsertionPointToStart(scope)
	// Keep allocations ahead of other statements but in creation order.
	body := m.MustNode(scope).Body
	pos := 0
	for pos < len(body) && m.MustNode(body[pos]).Op == ir.OpAlloc {
		pos++
	}
	if pos > 0 {
		b.SetInsertionPointAfter(body[pos-1])
	}
	return b.Alloc(t)
}
