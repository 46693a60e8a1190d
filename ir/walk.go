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

// Walk visits root and its descendants in pre-order. Returning false from fn
// skips the children of that node. The child list is snapshotted before
// descending, so fn may rewrite the node it is visiting.
func (m *Module) Walk(root ID, fn func(n *Node) bool) {
	n := m.nodes[root]
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range slices.Clone(n.Body) {
		m.Walk(c, fn)
	}
}

// WalkPost visits root and its descendants in post-order.
func (m *Module) WalkPost(root ID, fn func(n *Node)) {
	n := m.nodes[root]
	if n == nil {
		return
	}
	for _, c := range slices.Clone(n.Body) {
		m.WalkPost(c, fn)
	}
	if m.nodes[root] != nil {
		fn(n)
	}
}

// WalkModule walks every function in pre-order.
func (m *Module) WalkModule(fn func(n *Node) bool) {
	for _, f := range slices.Clone(m.Funcs) {
		m.Walk(f, fn)
	}
}

// Collect returns the IDs of every node under root (inclusive) matching pred,
// in pre-order. A nil pred matches everything.
func (m *Module) Collect(root ID, pred func(n *Node) bool) []ID {
	var out []ID
	m.Walk(root, func(n *Node) bool {
		if pred == nil || pred(n) {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}

// CollectModule is Collect over every function.
func (m *Module) CollectModule(pred func(n *Node) bool) []ID {
	var out []ID
	for _, f := range m.Funcs {
		out = append(out, m.Collect(f, pred)...)
	}
	return out
}

// OpIs returns a predicate matching the given ops.
func OpIs(ops ...Op) func(n *Node) bool {
	return func(n *Node) bool {
		return slices.Contains(ops, n.Op)
	}
}

// Users returns the nodes reading v, in module pre-order.
func (m *Module) Users(v Value) []*Node {
	var out []*Node
	m.WalkModule(func(n *Node) bool {
		if n.Uses(v) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// HasUses reports whether any node reads v.
func (m *Module) HasUses(v Value) bool {
	return len(m.Users(v)) > 0
}

// ReplaceAllUses rewrites every read of old into new within scope
// (inclusive). A zero scope means the whole module.
func (m *Module) ReplaceAllUses(old, new Value, scope ID) {
	visit := func(n *Node) bool {
		n.ForEachValue(func(v *Value) {
			if *v == old {
				*v = new
			}
		})
		return true
	}
	if scope == 0 {
		m.WalkModule(visit)
		return
	}
	m.Walk(scope, visit)
}

// Dominates reports whether v is available at node id: it is a region
// argument of an ancestor, or the result of a node that precedes id (or one
// of id's ancestors) in the same body.
func (m *Module) Dominates(v Value, id ID) bool {
	if v.Arg {
		return m.IsAncestor(v.Def, id)
	}
	def := m.nodes[v.Def]
	if def == nil {
		return false
	}
	cur := id
	for {
		n := m.MustNode(cur)
		if n.Parent == 0 {
			return false
		}
		if n.Parent == def.Parent {
			p := m.MustNode(n.Parent)
			return slices.Index(p.Body, def.ID) < slices.Index(p.Body, cur)
		}
		cur = n.Parent
	}
}
