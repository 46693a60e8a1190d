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

// Package ir provides an arena-based loop-nest representation: functions
// made of counted loops, parallel loops, affine conditionals and memory
// accesses addressed by affine maps. Nodes are owned by a Module and
// referenced by stable IDs, so rewrites never hold pointers into erased
// parts of the tree.
package ir

import (
	"fmt"
	"strings"

	"github.com/ajroetker/go-kcg/affine"
)

// Op is the kind of a node.
type Op int

const (
	// OpFunc is a kernel function. Its region arguments are the parameters.
	OpFunc Op = iota

	// OpCall invokes another function of the module with buffer arguments.
	OpCall

	// OpAlloc allocates a buffer in the memory space of its result type.
	OpAlloc

	// OpConst materializes an index or floating point literal.
	OpConst

	// OpFor is a counted loop. Region argument 0 is the induction variable
	// and argument 1, if present, is the loop-carried value.
	OpFor

	// OpParallel binds up to three induction variables simultaneously.
	OpParallel

	// OpIf executes its body when an affine integer set holds.
	OpIf

	// OpLoad reads a scalar, or Width contiguous elements, from a buffer.
	OpLoad

	// OpStore writes a scalar, or Width contiguous elements, to a buffer.
	OpStore

	// OpApply evaluates a single-result affine map to an index value.
	OpApply

	// OpArith is scalar or lane-wise arithmetic, see ArithKind.
	OpArith

	// OpYield terminates a loop body that carries a value.
	OpYield

	// OpBarrier synchronizes the threads of the enclosing block.
	OpBarrier
)

// String returns a human-readable name for the op.
func (op Op) String() string {
	switch op {
	case OpFunc:
		return "func"
	case OpCall:
		return "call"
	case OpAlloc:
		return "alloc"
	case OpConst:
		return "constant"
	case OpFor:
		return "affine.for"
	case OpParallel:
		return "affine.parallel"
	case OpIf:
		return "affine.if"
	case OpLoad:
		return "affine.load"
	case OpStore:
		return "affine.store"
	case OpApply:
		return "affine.apply"
	case OpArith:
		return "arith"
	case OpYield:
		return "affine.yield"
	case OpBarrier:
		return "gpu.barrier"
	default:
		return "unknown"
	}
}

// ArithKind selects the operation of an OpArith node.
type ArithKind int

const (
	ArithAdd ArithKind = iota
	ArithSub
	ArithMul
	ArithDiv
	ArithMax
	ArithMin
	ArithNeg
	ArithExp
	ArithSqrt
	ArithRsqrt
	ArithTanh
	ArithIndexCast
)

var arithNames = [...]string{
	ArithAdd:       "addf",
	ArithSub:       "subf",
	ArithMul:       "mulf",
	ArithDiv:       "divf",
	ArithMax:       "maxf",
	ArithMin:       "minf",
	ArithNeg:       "negf",
	ArithExp:       "exp",
	ArithSqrt:      "sqrt",
	ArithRsqrt:     "rsqrt",
	ArithTanh:      "tanh",
	ArithIndexCast: "index_cast",
}

// String returns the arith dialect mnemonic.
func (k ArithKind) String() string {
	if int(k) < len(arithNames) {
		return arithNames[k]
	}
	return "unknown"
}

// Unary reports whether the operation takes a single operand.
func (k ArithKind) Unary() bool {
	switch k {
	case ArithNeg, ArithExp, ArithSqrt, ArithRsqrt, ArithTanh, ArithIndexCast:
		return true
	}
	return false
}

// ParseArithKind returns the kind with the given mnemonic.
func ParseArithKind(name string) (ArithKind, bool) {
	for k, n := range arithNames {
		if n == name {
			return ArithKind(k), true
		}
	}
	return 0, false
}

// ElemType is a scalar element type.
type ElemType int

const (
	F32 ElemType = iota
	F16
	I32
	Index
)

// String returns the MLIR spelling of the element type.
func (e ElemType) String() string {
	switch e {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case I32:
		return "i32"
	case Index:
		return "index"
	default:
		return "unknown"
	}
}

// Size returns the element size in bytes.
func (e ElemType) Size() int {
	switch e {
	case F16:
		return 2
	case F32, I32:
		return 4
	default:
		return 8
	}
}

// IsFloat reports whether e is a floating point type.
func (e ElemType) IsFloat() bool {
	return e == F32 || e == F16
}

// MemorySpace classifies where a buffer lives on the device.
type MemorySpace int

const (
	Global MemorySpace = iota
	Shared
	Local
)

// String returns a human-readable name for the memory space.
func (s MemorySpace) String() string {
	switch s {
	case Global:
		return "global"
	case Shared:
		return "shared"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// TypeKind distinguishes scalar, vector and buffer types.
type TypeKind int

const (
	KindNone TypeKind = iota
	KindScalar
	KindVector
	KindBuffer
)

// Type is the type of a value.
type Type struct {
	Kind  TypeKind
	Elem  ElemType
	Lanes int
	Shape []int
	Space MemorySpace
}

// IndexType is the type of induction variables and affine.apply results.
func IndexType() Type { return Type{Kind: KindScalar, Elem: Index} }

// Scalar returns the scalar type of elem.
func Scalar(elem ElemType) Type { return Type{Kind: KindScalar, Elem: elem} }

// Vector returns a vector of lanes elements.
func Vector(elem ElemType, lanes int) Type {
	return Type{Kind: KindVector, Elem: elem, Lanes: lanes}
}

// Buffer returns a buffer type of the given shape.
func Buffer(elem ElemType, space MemorySpace, shape ...int) Type {
	return Type{Kind: KindBuffer, Elem: elem, Space: space, Shape: append([]int(nil), shape...)}
}

// IsBuffer reports whether t is a buffer type.
func (t Type) IsBuffer() bool { return t.Kind == KindBuffer }

// IsVector reports whether t is a vector type.
func (t Type) IsVector() bool { return t.Kind == KindVector }

// NumElements returns the element count of a buffer.
func (t Type) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Strides returns the row-major strides of a buffer.
func (t Type) Strides() []int {
	strides := make([]int, len(t.Shape))
	s := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= t.Shape[i]
	}
	return strides
}

// Equal reports whether two types are identical.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Elem != o.Elem || t.Lanes != o.Lanes || t.Space != o.Space || len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// String renders t in MLIR syntax.
func (t Type) String() string {
	switch t.Kind {
	case KindScalar:
		return t.Elem.String()
	case KindVector:
		return fmt.Sprintf("vector<%dx%s>", t.Lanes, t.Elem)
	case KindBuffer:
		var sb strings.Builder
		sb.WriteString("memref<")
		for _, d := range t.Shape {
			fmt.Fprintf(&sb, "%dx", d)
		}
		sb.WriteString(t.Elem.String())
		if t.Space != Global {
			fmt.Fprintf(&sb, ", %s", t.Space)
		}
		sb.WriteByte('>')
		return sb.String()
	default:
		return "none"
	}
}

// ID identifies a node within its Module. IDs are never reused.
type ID int

// Value is an SSA value: either result Index of node Def, or region argument
// Index of node Def when Arg is set.
type Value struct {
	Def   ID
	Index int
	Arg   bool
}

// IsValid reports whether v refers to a node.
func (v Value) IsValid() bool { return v.Def != 0 }

// Bound is a loop bound given by an affine map applied to operands. A lower
// bound with several results is their maximum, an upper bound their minimum.
type Bound struct {
	Map      affine.Map
	Operands []Value
}

// ConstBound returns a constant bound.
func ConstBound(v int) Bound {
	return Bound{Map: affine.ConstantMap(v)}
}

// Constant returns the bound's value when it is a single literal.
func (b Bound) Constant() (int, bool) {
	if len(b.Map.Results) == 1 && b.Map.Results[0].IsConst() {
		return b.Map.Results[0].Val, true
	}
	return 0, false
}

func (b Bound) clone() Bound {
	return Bound{Map: b.Map.Clone(), Operands: append([]Value(nil), b.Operands...)}
}

// Range is a normalized-or-not iteration range of a parallel dimension.
type Range struct {
	Lower, Upper, Step int
}

// Trip returns the number of iterations.
func (r Range) Trip() int {
	if r.Upper <= r.Lower {
		return 0
	}
	return (r.Upper - r.Lower + r.Step - 1) / r.Step
}

// Well-known attributes.
const (
	// AttrUnroll tags loops for a downstream unrolling pass.
	AttrUnroll = "affine.loop"

	// AttrLevel marks a parallel node as mapped to the "grid" or "block"
	// level of the thread hierarchy.
	AttrLevel = "gpu.level"

	// LevelGrid and LevelBlock are the values of AttrLevel.
	LevelGrid  = "grid"
	LevelBlock = "block"

	// AttrIndexBound on a function records the exclusive upper bound of
	// the values held by its integer parameters.
	AttrIndexBound = "kcg.index_bound"
)

// Node is an operation of the IR. The fields in use depend on Op.
type Node struct {
	ID     ID
	Op     Op
	Parent ID
	Body   []ID

	// Operands are non-affine operands: the buffer of a load, the value and
	// buffer of a store, arith inputs, call arguments, the init value of a
	// carried loop and yielded values.
	Operands []Value

	// Indices are the operands of Map (loads, stores, applies) or Set (ifs).
	Indices []Value
	Map     affine.Map
	Set     affine.Set

	// Width is the vector width of a load or store; 0 or 1 means scalar.
	Width int

	// For loops.
	Lower, Upper Bound
	Step         int
	Carried      bool

	// Parallel loops.
	Ranges []Range

	// Func and Call.
	Name   string
	Params []Type

	Arith ArithKind

	// Const literal.
	Int   int
	Float float64

	// Type is the type of result 0, or of the carried value of a loop.
	Type Type

	Attrs map[string]string
}

// IV returns the induction variable of a For node, or dimension i of a
// Parallel node.
func (n *Node) IV(i ...int) Value {
	idx := 0
	if len(i) > 0 {
		idx = i[0]
	}
	return Value{Def: n.ID, Index: idx, Arg: true}
}

// IVs returns every induction variable of a Parallel node.
func (n *Node) IVs() []Value {
	ivs := make([]Value, len(n.Ranges))
	for i := range ivs {
		ivs[i] = n.IV(i)
	}
	return ivs
}

// Arg returns region argument i (function parameters).
func (n *Node) Arg(i int) Value { return Value{Def: n.ID, Index: i, Arg: true} }

// CarriedValue returns the in-loop value of a carried For.
func (n *Node) CarriedValue() Value { return Value{Def: n.ID, Index: 1, Arg: true} }

// Result returns result 0.
func (n *Node) Result() Value { return Value{Def: n.ID} }

// MemRef returns the buffer operand of a load or store.
func (n *Node) MemRef() Value {
	switch n.Op {
	case OpLoad:
		return n.Operands[0]
	case OpStore:
		return n.Operands[1]
	}
	return Value{}
}

// SetMemRef replaces the buffer operand of a load or store.
func (n *Node) SetMemRef(v Value) {
	switch n.Op {
	case OpLoad:
		n.Operands[0] = v
	case OpStore:
		n.Operands[1] = v
	}
}

// StoredValue returns the value written by a store.
func (n *Node) StoredValue() Value { return n.Operands[0] }

// IsMemAccess reports whether n is a load or a store.
func (n *Node) IsMemAccess() bool { return n.Op == OpLoad || n.Op == OpStore }

// VectorWidth returns the number of lanes accessed by a load or store.
func (n *Node) VectorWidth() int {
	if n.Width > 1 {
		return n.Width
	}
	return 1
}

// ConstantBounds returns the literal bounds of a For node.
func (n *Node) ConstantBounds() (lb, ub int, ok bool) {
	lb, ok1 := n.Lower.Constant()
	ub, ok2 := n.Upper.Constant()
	return lb, ub, ok1 && ok2
}

// TripCount returns the iteration count of a For node with constant bounds.
func (n *Node) TripCount() (int, bool) {
	lb, ub, ok := n.ConstantBounds()
	if !ok {
		return 0, false
	}
	return Range{lb, ub, n.Step}.Trip(), true
}

// Attr returns an attribute value.
func (n *Node) Attr(key string) string {
	return n.Attrs[key]
}

// SetAttr sets an attribute.
func (n *Node) SetAttr(key, value string) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	n.Attrs[key] = value
}

// AffineSite is an (affine map, operand list) pair owned by a node. Rewrites
// that replace induction variables operate on sites uniformly.
type AffineSite struct {
	Map      *affine.Map
	Operands *[]Value
}

// AffineSites returns every affine site of n.
func (n *Node) AffineSites() []AffineSite {
	switch n.Op {
	case OpLoad, OpStore, OpApply:
		return []AffineSite{{&n.Map, &n.Indices}}
	case OpIf:
		return []AffineSite{{&n.Set.Map, &n.Indices}}
	case OpFor:
		return []AffineSite{{&n.Lower.Map, &n.Lower.Operands}, {&n.Upper.Map, &n.Upper.Operands}}
	}
	return nil
}

// ForEachValue calls fn on a pointer to every value slot read by n.
func (n *Node) ForEachValue(fn func(v *Value)) {
	for i := range n.Operands {
		fn(&n.Operands[i])
	}
	for i := range n.Indices {
		fn(&n.Indices[i])
	}
	for i := range n.Lower.Operands {
		fn(&n.Lower.Operands[i])
	}
	for i := range n.Upper.Operands {
		fn(&n.Upper.Operands[i])
	}
}

// Uses reports whether n reads v.
func (n *Node) Uses(v Value) bool {
	found := false
	n.ForEachValue(func(x *Value) {
		if *x == v {
			found = true
		}
	})
	return found
}

func (n *Node) shallowCopy() *Node {
	c := *n
	c.Body = append([]ID(nil), n.Body...)
	c.Operands = append([]Value(nil), n.Operands...)
	c.Indices = append([]Value(nil), n.Indices...)
	c.Map = n.Map.Clone()
	c.Set = n.Set.Clone()
	c.Lower = n.Lower.clone()
	c.Upper = n.Upper.clone()
	c.Ranges = append([]Range(nil), n.Ranges...)
	c.Params = append([]Type(nil), n.Params...)
	c.Type.Shape = append([]int(nil), n.Type.Shape...)
	if n.Attrs != nil {
		c.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v
		}
	}
	return &c
}
