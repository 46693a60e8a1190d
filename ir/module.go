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

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Module owns every node of a program. Functions are the top-level nodes.
type Module struct {
	nodes  map[ID]*Node
	nextID ID
	Funcs  []ID
}

// NewModule creates an empty module.
func NewModule() *Module {
	return &Module{nodes: make(map[ID]*Node), nextID: 1}
}

// NewNode allocates a detached node with a fresh ID.
func (m *Module) NewNode(op Op) *Node {
	n := &Node{ID: m.nextID, Op: op}
	m.nextID++
	m.nodes[n.ID] = n
	return n
}

// Node returns the node with the given ID, or nil if it was erased.
func (m *Module) Node(id ID) *Node {
	return m.nodes[id]
}

// MustNode returns the node with the given ID and panics if it does not exist.
func (m *Module) MustNode(id ID) *Node {
	n := m.nodes[id]
	if n == nil {
		exceptions.Panicf("ir: node %d does not exist", id)
	}
	return n
}

// NumNodes returns the number of live nodes.
func (m *Module) NumNodes() int {
	return len(m.nodes)
}

// Func returns the function with the given name, or nil.
func (m *Module) Func(name string) *Node {
	for _, id := range m.Funcs {
		if f := m.nodes[id]; f.Name == name {
			return f
		}
	}
	return nil
}

// Clone returns a deep copy of m. Node IDs are preserved, so IDs recorded
// against the original remain meaningful in the copy.
func (m *Module) Clone() *Module {
	c := &Module{nodes: make(map[ID]*Node, len(m.nodes)), nextID: m.nextID, Funcs: slices.Clone(m.Funcs)}
	for id, n := range m.nodes {
		c.nodes[id] = n.shallowCopy()
	}
	return c
}

// IndexInParent returns the position of id in its parent's body.
func (m *Module) IndexInParent(id ID) int {
	n := m.MustNode(id)
	if n.Parent == 0 {
		return slices.Index(m.Funcs, id)
	}
	return slices.Index(m.MustNode(n.Parent).Body, id)
}

// Detach removes id from its parent's body without erasing it.
func (m *Module) Detach(id ID) {
	n := m.MustNode(id)
	if n.Parent == 0 {
		if i := slices.Index(m.Funcs, id); i >= 0 {
			m.Funcs = slices.Delete(m.Funcs, i, i+1)
		}
		return
	}
	p := m.MustNode(n.Parent)
	if i := slices.Index(p.Body, id); i >= 0 {
		p.Body = slices.Delete(p.Body, i, i+1)
	}
	n.Parent = 0
}

// Insert places the detached node id at position pos of parent's body.
func (m *Module) Insert(parent ID, pos int, id ID) {
	n := m.MustNode(id)
	if n.Parent != 0 {
		m.Detach(id)
	}
	p := m.MustNode(parent)
	if pos < 0 || pos > len(p.Body) {
		exceptions.Panicf("ir: insert position %d out of range for node %d with %d children", pos, parent, len(p.Body))
	}
	p.Body = slices.Insert(p.Body, pos, id)
	n.Parent = parent
}

// InsertBefore places id right before anchor.
func (m *Module) InsertBefore(anchor, id ID) {
	m.Detach(id)
	a := m.MustNode(anchor)
	m.Insert(a.Parent, m.IndexInParent(anchor), id)
}

// InsertAfter places id right after anchor.
func (m *Module) InsertAfter(anchor, id ID) {
	m.Detach(id)
	a := m.MustNode(anchor)
	m.Insert(a.Parent, m.IndexInParent(anchor)+1, id)
}

// Prepend places id at the start of parent's body.
func (m *Module) Prepend(parent, id ID) {
	m.Detach(id)
	m.Insert(parent, 0, id)
}

// Append places id at the end of parent's body. Yield terminators stay last.
func (m *Module) Append(parent, id ID) {
	m.Detach(id)
	p := m.MustNode(parent)
	pos := len(p.Body)
	if pos > 0 && m.MustNode(p.Body[pos-1]).Op == OpYield {
		pos--
	}
	m.Insert(parent, pos, id)
}

// Erase detaches id and deletes it together with its whole subtree.
func (m *Module) Erase(id ID) {
	m.Detach(id)
	m.deleteTree(id)
}

func (m *Module) deleteTree(id ID) {
	n := m.MustNode(id)
	for _, c := range n.Body {
		m.deleteTree(c)
	}
	delete(m.nodes, id)
}

// Splice moves every child of from to the position of anchor (before it).
func (m *Module) Splice(from, anchor ID) {
	body := slices.Clone(m.MustNode(from).Body)
	for _, c := range body {
		m.InsertBefore(anchor, c)
	}
}

// MoveBody appends every child of from to the end of to.
func (m *Module) MoveBody(from, to ID) {
	for _, c := range slices.Clone(m.MustNode(from).Body) {
		m.Detach(c)
		m.Insert(to, len(m.MustNode(to).Body), c)
	}
}

// AddFunc appends a detached function node to the module.
func (m *Module) AddFunc(f *Node) {
	if f.Op != OpFunc {
		exceptions.Panicf("ir: AddFunc on %s node %d", f.Op, f.ID)
	}
	m.Funcs = append(m.Funcs, f.ID)
}

// FuncOf returns the function containing id.
func (m *Module) FuncOf(id ID) *Node {
	n := m.MustNode(id)
	for n.Parent != 0 {
		n = m.MustNode(n.Parent)
	}
	if n.Op != OpFunc {
		return nil
	}
	return n
}

// Ancestors returns the chain of ancestors of id, innermost first.
func (m *Module) Ancestors(id ID) []*Node {
	var out []*Node
	n := m.MustNode(id)
	for n.Parent != 0 {
		n = m.MustNode(n.Parent)
		out = append(out, n)
	}
	return out
}

// IsAncestor reports whether a is a strict ancestor of id.
func (m *Module) IsAncestor(a, id ID) bool {
	for _, n := range m.Ancestors(id) {
		if n.ID == a {
			return true
		}
	}
	return false
}

// ValueType returns the type of v.
func (m *Module) ValueType(v Value) Type {
	n := m.MustNode(v.Def)
	if !v.Arg {
		return n.Type
	}
	switch n.Op {
	case OpFunc:
		return n.Params[v.Index]
	case OpFor:
		if v.Index == 0 {
			return IndexType()
		}
		return n.Type
	case OpParallel:
		return IndexType()
	}
	exceptions.Panicf("ir: %s node %d has no region arguments", n.Op, n.ID)
	return Type{}
}

// DefiningNode returns the node defining a result value, or nil for region
// arguments.
func (m *Module) DefiningNode(v Value) *Node {
	if v.Arg {
		return nil
	}
	return m.nodes[v.Def]
}
