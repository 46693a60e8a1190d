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
	"github.com/gomlx/exceptions"

	"github.com/ajroetker/go-kcg/affine"
)

// Builder creates nodes at an insertion point. Each created node is placed
// at the insertion point, which then advances past it.
type Builder struct {
	m      *Module
	parent ID
	pos    int

	// elemType is the element type used for floating point literals and
	// arithmetic results when none can be inferred.
	elemType ElemType
}

// BuilderOption configures the Builder.
type BuilderOption func(*Builder)

// WithElemType sets the default element type.
func WithElemType(elemType ElemType) BuilderOption {
	return func(b *Builder) {
		b.elemType = elemType
	}
}

// NewBuilder creates a builder over m with no insertion point.
func NewBuilder(m *Module, opts ...BuilderOption) *Builder {
	b := &Builder{m: m, elemType: F32}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Module returns the module being built.
func (b *Builder) Module() *Module { return b.m }

// ElemType returns the default element type.
func (b *Builder) ElemType() ElemType { return b.elemType }

// InsertionPoint is a saved builder position.
type InsertionPoint struct {
	parent ID
	pos    int
}

// Save returns the current insertion point.
func (b *Builder) Save() InsertionPoint { return InsertionPoint{b.parent, b.pos} }

// Restore resets the insertion point.
func (b *Builder) Restore(ip InsertionPoint) { b.parent, b.pos = ip.parent, ip.pos }

// SetInsertionPointToStart inserts at the beginning of parent's body.
func (b *Builder) SetInsertionPointToStart(parent ID) {
	b.parent, b.pos = parent, 0
}

// SetInsertionPointToEnd inserts at the end of parent's body, before a
// terminating yield if there is one.
func (b *Builder) SetInsertionPointToEnd(parent ID) {
	p := b.m.MustNode(parent)
	b.parent, b.pos = parent, len(p.Body)
	if b.pos > 0 && b.m.MustNode(p.Body[b.pos-1]).Op == OpYield {
		b.pos--
	}
}

// SetInsertionPointBefore inserts right before anchor.
func (b *Builder) SetInsertionPointBefore(anchor ID) {
	b.parent, b.pos = b.m.MustNode(anchor).Parent, b.m.IndexInParent(anchor)
}

// SetInsertionPointAfter inserts right after anchor.
func (b *Builder) SetInsertionPointAfter(anchor ID) {
	b.parent, b.pos = b.m.MustNode(anchor).Parent, b.m.IndexInParent(anchor)+1
}

// Within runs fn with the insertion point at the end of parent's body, then
// restores the previous insertion point.
func (b *Builder) Within(parent ID, fn func()) {
	saved := b.Save()
	b.SetInsertionPointToEnd(parent)
	fn()
	b.Restore(saved)
}

func (b *Builder) insert(n *Node) *Node {
	if b.parent == 0 {
		exceptions.Panicf("ir: builder has no insertion point for %s", n.Op)
	}
	b.m.Insert(b.parent, b.pos, n.ID)
	b.pos++
	return n
}

// Func creates a function and appends it to the module. The insertion point
// moves to its body.
func (b *Builder) Func(name string, params ...Type) *Node {
	f := b.m.NewNode(OpFunc)
	f.Name = name
	f.Params = append([]Type(nil), params...)
	b.m.AddFunc(f)
	b.SetInsertionPointToStart(f.ID)
	return f
}

// Alloc allocates a buffer.
func (b *Builder) Alloc(t Type) Value {
	if !t.IsBuffer() {
		exceptions.Panicf("ir: alloc of non-buffer type %s", t)
	}
	n := b.m.NewNode(OpAlloc)
	n.Type = t
	return b.insert(n).Result()
}

// ConstIndex materializes an index literal.
func (b *Builder) ConstIndex(v int) Value {
	n := b.m.NewNode(OpConst)
	n.Type = IndexType()
	n.Int = v
	return b.insert(n).Result()
}

// ConstFloat materializes a floating point literal of the default type.
func (b *Builder) ConstFloat(v float64) Value {
	n := b.m.NewNode(OpConst)
	n.Type = Scalar(b.elemType)
	n.Float = v
	return b.insert(n).Result()
}

// For creates a loop with constant bounds.
func (b *Builder) For(lb, ub, step int) *Node {
	return b.ForBound(ConstBound(lb), ConstBound(ub), step)
}

// ForBound creates a loop with general bounds.
func (b *Builder) ForBound(lb, ub Bound, step int) *Node {
	if step <= 0 {
		exceptions.Panicf("ir: loop step must be positive, got %d", step)
	}
	n := b.m.NewNode(OpFor)
	n.Lower, n.Upper, n.Step = lb, ub, step
	return b.insert(n)
}

// ForIter creates a loop carrying a value initialized to init. The body must
// end with Yield.
func (b *Builder) ForIter(lb, ub, step int, init Value) *Node {
	n := b.For(lb, ub, step)
	n.Carried = true
	n.Operands = []Value{init}
	n.Type = b.m.ValueType(init)
	return n
}

// Parallel creates a parallel loop over [0, extents[i]) with step 1.
func (b *Builder) Parallel(extents ...int) *Node {
	if len(extents) == 0 || len(extents) > 3 {
		exceptions.Panicf("ir: parallel loops bind 1 to 3 induction variables, got %d", len(extents))
	}
	n := b.m.NewNode(OpParallel)
	for _, e := range extents {
		n.Ranges = append(n.Ranges, Range{0, e, 1})
	}
	return b.insert(n)
}

// If creates a conditional guarded by set applied to operands.
func (b *Builder) If(set affine.Set, operands ...Value) *Node {
	checkArity("affine.if", set.NumDims, len(operands))
	n := b.m.NewNode(OpIf)
	n.Set = set
	n.Indices = append([]Value(nil), operands...)
	return b.insert(n)
}

// Load reads buf at map(indices).
func (b *Builder) Load(buf Value, m affine.Map, indices ...Value) Value {
	return b.VectorLoad(1, buf, m, indices...)
}

// VectorLoad reads width contiguous elements of buf starting at map(indices).
func (b *Builder) VectorLoad(width int, buf Value, m affine.Map, indices ...Value) Value {
	bt := b.m.ValueType(buf)
	checkAccess(bt, m, len(indices))
	n := b.m.NewNode(OpLoad)
	n.Operands = []Value{buf}
	n.Map = m
	n.Indices = append([]Value(nil), indices...)
	n.Type = Scalar(bt.Elem)
	if width > 1 {
		n.Width = width
		n.Type = Vector(bt.Elem, width)
	}
	return b.insert(n).Result()
}

// Store writes v to buf at map(indices).
func (b *Builder) Store(v, buf Value, m affine.Map, indices ...Value) *Node {
	return b.VectorStore(1, v, buf, m, indices...)
}

// VectorStore writes width contiguous elements. A scalar v is broadcast.
func (b *Builder) VectorStore(width int, v, buf Value, m affine.Map, indices ...Value) *Node {
	checkAccess(b.m.ValueType(buf), m, len(indices))
	n := b.m.NewNode(OpStore)
	n.Operands = []Value{v, buf}
	n.Map = m
	n.Indices = append([]Value(nil), indices...)
	if width > 1 {
		n.Width = width
	}
	return b.insert(n)
}

// Apply evaluates a single-result map.
func (b *Builder) Apply(m affine.Map, operands ...Value) Value {
	if len(m.Results) != 1 {
		exceptions.Panicf("ir: affine.apply needs a single-result map, got %s", m)
	}
	checkArity("affine.apply", m.NumDims, len(operands))
	n := b.m.NewNode(OpApply)
	n.Map = m
	n.Indices = append([]Value(nil), operands...)
	n.Type = IndexType()
	return b.insert(n).Result()
}

// Arith creates an arithmetic operation. The result type is the widest
// operand type, so mixing vectors and scalars broadcasts the scalars.
func (b *Builder) Arith(kind ArithKind, operands ...Value) Value {
	want := 2
	if kind.Unary() {
		want = 1
	}
	if len(operands) != want {
		exceptions.Panicf("ir: %s takes %d operands, got %d", kind, want, len(operands))
	}
	n := b.m.NewNode(OpArith)
	n.Arith = kind
	n.Operands = append([]Value(nil), operands...)
	n.Type = b.m.arithType(kind, operands)
	return b.insert(n).Result()
}

func (m *Module) arithType(kind ArithKind, operands []Value) Type {
	if kind == ArithIndexCast {
		return IndexType()
	}
	t := m.ValueType(operands[0])
	for _, o := range operands[1:] {
		if ot := m.ValueType(o); ot.IsVector() {
			t = ot
		}
	}
	return t
}

// Yield terminates a carried loop body.
func (b *Builder) Yield(v Value) *Node {
	n := b.m.NewNode(OpYield)
	n.Operands = []Value{v}
	return b.insert(n)
}

// Barrier synchronizes the threads of a block.
func (b *Builder) Barrier() *Node {
	return b.insert(b.m.NewNode(OpBarrier))
}

// Call invokes the function callee with buffer arguments.
func (b *Builder) Call(callee string, args ...Value) *Node {
	n := b.m.NewNode(OpCall)
	n.Name = callee
	n.Operands = append([]Value(nil), args...)
	return b.insert(n)
}

func checkArity(op string, numDims, numOperands int) {
	if numDims != numOperands {
		exceptions.Panicf("ir: %s map has %d dims but %d operands", op, numDims, numOperands)
	}
}

func checkAccess(bt Type, m affine.Map, numIndices int) {
	if !bt.IsBuffer() {
		exceptions.Panicf("ir: memory access on non-buffer type %s", bt)
	}
	checkArity("memory access", m.NumDims, numIndices)
	if len(m.Results) != len(bt.Shape) {
		exceptions.Panicf("ir: map %s has %d results for a rank-%d buffer", m, len(m.Results), len(bt.Shape))
	}
}
