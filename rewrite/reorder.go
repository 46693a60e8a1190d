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

// Reorder permutes a chain of nested loops into the order given by loops
// (outermost first) through adjacent interchanges. When a loop has
// statements beside the nested loop, those statements keep their position
// relative to it inside a clone of the loop. A value carried by a loop of
// the chain is first moved to memory with BufferizeLoopCarryVar. Loop IDs
// are stable.
func Reorder(m *ir.Module, loops []ir.ID) {
	const name = "reorder"
	for _, id := range loops {
		check(m.MustNode(id).Op == ir.OpFor, name, "node %d is not a loop", id)
	}
	BufferizeLoopCarryVar(m, loops)

	prio := make(map[ir.ID]int, len(loops))
	for i, id := range loops {
		prio[id] = i
	}
	for {
		chain := slices.Clone(loops)
		slices.SortFunc(chain, func(a, b ir.ID) int { return m.Depth(a) - m.Depth(b) })
		for i := 0; i+1 < len(chain); i++ {
			check(m.IsAncestor(chain[i], chain[i+1]), name, "loops %d and %d are not nested", chain[i], chain[i+1])
		}
		swapped := false
		for i := 0; i+1 < len(chain); i++ {
			if prio[chain[i]] > prio[chain[i+1]] {
				swap(m, chain[i], chain[i+1])
				swapped = true
				break
			}
		}
		if !swapped {
			return
		}
	}
}

// swap interchanges outer and its direct child loop inner.
func swap(m *ir.Module, outer, inner ir.ID) {
	const name = "reorder"
	o := m.MustNode(outer)
	in := m.MustNode(inner)
	check(in.Parent == outer, name, "loop %d is not directly nested in %d", inner, outer)
	for _, s := range in.AffineSites() {
		check(!slices.Contains(*s.Operands, o.IV()), name, "bounds of loop %d depend on loop %d", inner, outer)
	}
	trace(name, "interchange %d and %d", outer, inner)

	idx := m.IndexInParent(inner)
	pre := slices.Clone(o.Body[:idx])
	post := slices.Clone(o.Body[idx+1:])
	if len(pre) > 0 {
		shell := m.CloneShell(outer)
		m.Insert(o.Parent, m.IndexInParent(outer), shell.ID)
		moveInto(m, pre, shell.ID)
		m.ReplaceAllUses(o.IV(), shell.IV(), shell.ID)
	}
	if len(post) > 0 {
		shell := m.CloneShell(outer)
		m.Insert(o.Parent, m.IndexInParent(outer)+1, shell.ID)
		moveInto(m, post, shell.ID)
		m.ReplaceAllUses(o.IV(), shell.IV(), shell.ID)
	}

	m.InsertBefore(outer, inner)
	m.MoveBody(inner, outer)
	m.Append(inner, outer)
}

func moveInto(m *ir.Module, ids []ir.ID, parent ir.ID) {
	for _, id := range ids {
		m.Detach(id)
		m.Insert(parent, len(m.MustNode(parent).Body), id)
	}
}

// Parallel fuses up to three perfectly nested loops (outermost first) into
// one parallel node normalized to lower bound 0 and step 1. It returns the
// new node.
func Parallel(m *ir.Module, loops []ir.ID) ir.ID {
	const name = "parallel"
	check(len(loops) >= 1 && len(loops) <= 3, name, "%d loops, want 1 to 3", len(loops))
	var extents []int
	for i, id := range loops {
		n := m.MustNode(id)
		check(n.Op == ir.OpFor, name, "node %d is not a loop", id)
		check(!n.Carried, name, "loop %d carries a value", id)
		trip, ok := n.TripCount()
		check(ok, name, "loop %d has non-constant bounds", id)
		if i > 0 {
			p := m.MustNode(loops[i-1])
			check(n.Parent == p.ID && len(p.Body) == 1, name, "loops %d and %d are not perfectly nested", p.ID, id)
		}
		extents = append(extents, trip)
	}
	trace(name, "loops %v extents %v", loops, extents)

	b := ir.NewBuilder(m)
	b.SetInsertionPointBefore(loops[0])
	p := b.Parallel(extents...)
	m.MoveBody(loops[len(loops)-1], p.ID)
	for i, id := range loops {
		n := m.MustNode(id)
		lb, _, _ := n.ConstantBounds()
		repl := affine.Add(affine.Mul(affine.D(0), affine.C(n.Step)), affine.C(lb))
		replaceValue(m, p.ID, n.IV(), []ir.Value{p.IV(i)}, repl)
	}
	m.Erase(loops[0])
	return p.ID
}
