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

package ir

import "slices"

// ValueRange returns static bounds [lo, hi] of an index value. It knows
// induction variables, index literals and affine.apply results; ok is false
// for anything else (for example values loaded from memory).
func (m *Module) ValueRange(v Value) (lo, hi int, ok bool) {
	n := m.nodes[v.Def]
	if n == nil {
		return 0, 0, false
	}
	if v.Arg {
		switch n.Op {
		case OpFor:
			if v.Index != 0 {
				return 0, 0, false
			}
			lbLo, lbHi, ok1 := m.boundRange(n.Lower, true)
			_, ubHi, ok2 := m.boundRange(n.Upper, false)
			if !ok1 || !ok2 || ubHi <= lbLo {
				return 0, 0, false
			}
			// A varying lower bound shifts the stride grid, so only ub-1 bounds
			// the last iteration.
			last := ubHi - 1
			if lbLo == lbHi {
				last = lbLo + (ubHi-lbLo-1)/n.Step*n.Step
			}
			return lbLo, last, true
		case OpParallel:
			r := n.Ranges[v.Index]
			if r.Trip() == 0 {
				return 0, 0, false
			}
			return r.Lower, r.Lower + (r.Trip()-1)*r.Step, true
		}
		return 0, 0, false
	}
	switch n.Op {
	case OpConst:
		if n.Type.Elem == Index {
			return n.Int, n.Int, true
		}
	case OpApply:
		lo, hi, ok := m.operandBox(n.Indices)
		if !ok {
			return 0, 0, false
		}
		a, b := n.Map.Results[0].Range(lo, hi)
		return a, b, true
	}
	return 0, 0, false
}

// boundRange returns the range of a bound. Lower bounds take the max of
// their results and upper bounds the min.
func (m *Module) boundRange(b Bound, lower bool) (lo, hi int, ok bool) {
	bl, bh, ok := m.operandBox(b.Operands)
	if !ok || len(b.Map.Results) == 0 {
		return 0, 0, false
	}
	for i, r := range b.Map.Results {
		a, c := r.Range(bl, bh)
		switch {
		case i == 0:
			lo, hi = a, c
		case lower:
			lo, hi = max(lo, a), max(hi, c)
		default:
			lo, hi = min(lo, a), min(hi, c)
		}
	}
	return lo, hi, true
}

// operandBox returns per-operand static ranges.
func (m *Module) operandBox(operands []Value) (lo, hi []int, ok bool) {
	lo = make([]int, len(operands))
	hi = make([]int, len(operands))
	for i, o := range operands {
		l, h, ok := m.ValueRange(o)
		if !ok {
			return nil, nil, false
		}
		lo[i], hi[i] = l, h
	}
	return lo, hi, true
}

// OperandBox returns static ranges for every operand, or ok=false if any
// operand cannot be bounded.
func (m *Module) OperandBox(operands []Value) (lo, hi []int, ok bool) {
	return m.operandBox(operands)
}

// EnclosingLoops returns the For and Parallel ancestors of id, outermost
// first.
func (m *Module) EnclosingLoops(id ID) []*Node {
	var loops []*Node
	for _, a := range m.Ancestors(id) {
		if a.Op == OpFor || a.Op == OpParallel {
			loops = append(loops, a)
		}
	}
	slices.Reverse(loops)
	return loops
}

// InnermostParallel returns the closest Parallel ancestor of id, or nil.
func (m *Module) InnermostParallel(id ID) *Node {
	for _, a := range m.Ancestors(id) {
		if a.Op == OpParallel {
			return a
		}
	}
	return nil
}

// PerfectChain returns the loops of the perfect nest rooted at outer: outer,
// then its body's single For child, and so on.
func (m *Module) PerfectChain(outer ID) []ID {
	chain := []ID{outer}
	n := m.MustNode(outer)
	for len(n.Body) == 1 {
		c := m.MustNode(n.Body[0])
		if c.Op != OpFor {
			break
		}
		chain = append(chain, c.ID)
		n = c
	}
	return chain
}

// LoopNest returns the nest rooted at outer following, at each level, the
// only For child of the body (other statements are allowed beside it).
func (m *Module) LoopNest(outer ID) []ID {
	chain := []ID{outer}
	n := m.MustNode(outer)
	for {
		var next *Node
		for _, c := range n.Body {
			if cn := m.MustNode(c); cn.Op == OpFor {
				if next != nil {
					return chain
				}
				next = cn
			}
		}
		if next == nil {
			return chain
		}
		chain = append(chain, next.ID)
		n = next
	}
}

// Depth returns the number of ancestors of id.
func (m *Module) Depth(id ID) int {
	return len(m.Ancestors(id))
}

// CallGraph returns, per function name, the names of the functions it calls
// in program order.
func (m *Module) CallGraph() map[string][]string {
	g := make(map[string][]string)
	for _, f := range m.Funcs {
		fn := m.nodes[f]
		g[fn.Name] = nil
		m.Walk(f, func(n *Node) bool {
			if n.Op == OpCall {
				g[fn.Name] = append(g[fn.Name], n.Name)
			}
			return true
		})
	}
	return g
}
