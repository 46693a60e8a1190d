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
	"github.com/ajroetker/go-kcg/ir"
)

// Position places a node relative to an anchor.
type Position int

const (
	// Before places the node right before the anchor.
	Before Position = iota
	// After places the node right after the anchor.
	After
	// Begin places the node first in the anchor's body.
	Begin
	// End places the node last in the anchor's body, ahead of a yield.
	End
)

// String returns the position name.
func (p Position) String() string {
	switch p {
	case Before:
		return "before"
	case After:
		return "after"
	case Begin:
		return "begin"
	case End:
		return "end"
	}
	return "unknown"
}

func place(m *ir.Module, id, anchor ir.ID, pos Position) {
	switch pos {
	case Before:
		m.InsertBefore(anchor, id)
	case After:
		m.InsertAfter(anchor, id)
	case Begin:
		m.Prepend(anchor, id)
	case End:
		m.Append(anchor, id)
	default:
		check(false, "schedule", "unknown position %d", pos)
	}
}

// Schedule moves op, with its body, to pos relative to anchor. Every value
// op reads must still be defined before it and every reader of its results
// must still come after it.
func Schedule(m *ir.Module, op, anchor ir.ID, pos Position) {
	const name = "schedule"
	check(op != anchor && !m.IsAncestor(op, anchor), name, "cannot move node %d into itself", op)
	trace(name, "node %d %s %d", op, pos, anchor)
	place(m, op, anchor, pos)
	checkOperandsDominate(m, op, name)
	checkUsersDominated(m, op, name)
}

// ExtractLoop places before loop a clone of op, a node inside loop,
// specialized to the given iteration: the induction variable is replaced by
// lb + iteration*step everywhere in the clone. It returns the clone.
func ExtractLoop(m *ir.Module, op, loop ir.ID, iteration int) ir.ID {
	const name = "extract_loop"
	l := m.MustNode(loop)
	check(l.Op == ir.OpFor, name, "node %d is %s, not a loop", loop, l.Op)
	check(m.IsAncestor(loop, op), name, "node %d is not inside loop %d", op, loop)
	lb, _, ok := l.ConstantBounds()
	check(ok, name, "loop %d has non-constant bounds", loop)
	trip, _ := l.TripCount()
	check(iteration >= 0 && iteration < trip, name, "iteration %d out of [0, %d)", iteration, trip)
	trace(name, "node %d of loop %d at iteration %d", op, loop, iteration)

	c := m.CloneSubtree(op, nil)
	m.InsertBefore(loop, c)
	replaceWithConstant(m, c, l.IV(), lb+iteration*l.Step)
	if l.Carried {
		check(!usesValue(m, c, l.CarriedValue()), name, "node %d reads the value carried by loop %d", op, loop)
	}
	checkOperandsDominate(m, c, name)
	return c
}

func usesValue(m *ir.Module, root ir.ID, v ir.Value) bool {
	found := false
	m.Walk(root, func(n *ir.Node) bool {
		found = found || n.Uses(v)
		return !found
	})
	return found
}
