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

// Package affine provides quasi-affine index expressions, maps and integer
// sets. Expressions are immutable trees: every constructor folds constants
// and returns a new node, so expressions can be freely shared between maps.
package affine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Kind is the operator of an expression node.
type Kind int

const (
	// KindDim is a reference to an input dimension (d0, d1, ...).
	KindDim Kind = iota

	// KindConst is an integer literal.
	KindConst

	// KindAdd is the sum of two expressions.
	KindAdd

	// KindMul is a product where the right operand is always a constant.
	KindMul

	// KindFloorDiv divides by a positive constant rounding toward -inf.
	KindFloorDiv

	// KindCeilDiv divides by a positive constant rounding toward +inf.
	KindCeilDiv

	// KindMod is the non-negative remainder by a positive constant.
	KindMod
)

// String returns the MLIR keyword for the operator.
func (k Kind) String() string {
	switch k {
	case KindDim:
		return "dim"
	case KindConst:
		return "const"
	case KindAdd:
		return "+"
	case KindMul:
		return "*"
	case KindFloorDiv:
		return "floordiv"
	case KindCeilDiv:
		return "ceildiv"
	case KindMod:
		return "mod"
	default:
		return "unknown"
	}
}

// Expr is a node of a quasi-affine expression.
type Expr struct {
	Kind Kind

	// Pos is the dimension position for KindDim.
	Pos int

	// Val is the literal for KindConst.
	Val int

	// LHS and RHS are the operands of binary nodes. For Mul, FloorDiv,
	// CeilDiv and Mod the RHS is always a constant.
	LHS, RHS *Expr
}

// D returns the dimension expression d<pos>.
func D(pos int) *Expr {
	if pos < 0 {
		exceptions.Panicf("affine: negative dimension position %d", pos)
	}
	return &Expr{Kind: KindDim, Pos: pos}
}

// C returns the constant expression v.
func C(v int) *Expr {
	return &Expr{Kind: KindConst, Val: v}
}

// IsConst reports whether e is a literal.
func (e *Expr) IsConst() bool {
	return e.Kind == KindConst
}

// IsDim reports whether e is exactly d<pos>.
func (e *Expr) IsDim(pos int) bool {
	return e.Kind == KindDim && e.Pos == pos
}

// Add returns a + b.
func Add(a, b *Expr) *Expr {
	if a.IsConst() && b.IsConst() {
		return C(a.Val + b.Val)
	}
	// Keep constants on the right so folding sees them.
	if a.IsConst() {
		a, b = b, a
	}
	if b.IsConst() && b.Val == 0 {
		return a
	}
	if b.IsConst() && a.Kind == KindAdd && a.RHS.IsConst() {
		return Add(a.LHS, C(a.RHS.Val+b.Val))
	}
	if a.Kind == KindAdd && a.RHS.IsConst() {
		// (x + c) + y  ->  (x + y) + c
		return Add(Add(a.LHS, b), a.RHS)
	}
	return &Expr{Kind: KindAdd, LHS: a, RHS: b}
}

// Mul returns a * b. One side must be constant.
func Mul(a, b *Expr) *Expr {
	if a.IsConst() && b.IsConst() {
		return C(a.Val * b.Val)
	}
	if a.IsConst() {
		a, b = b, a
	}
	if !b.IsConst() {
		exceptions.Panicf("affine: product of non-constant expressions %s and %s", a, b)
	}
	switch b.Val {
	case 0:
		return C(0)
	case 1:
		return a
	}
	if a.Kind == KindMul {
		return Mul(a.LHS, C(a.RHS.Val*b.Val))
	}
	return &Expr{Kind: KindMul, LHS: a, RHS: b}
}

// Scale returns e * c.
func Scale(e *Expr, c int) *Expr {
	return Mul(e, C(c))
}

// Sub returns a - b.
func Sub(a, b *Expr) *Expr {
	return Add(a, Mul(b, C(-1)))
}

// FloorDiv returns e floordiv d.
func FloorDiv(e *Expr, d int) *Expr {
	checkDivisor("floordiv", d)
	if d == 1 {
		return e
	}
	if e.IsConst() {
		return C(floorDiv(e.Val, d))
	}
	return &Expr{Kind: KindFloorDiv, LHS: e, RHS: C(d)}
}

// CeilDiv returns e ceildiv d.
func CeilDiv(e *Expr, d int) *Expr {
	checkDivisor("ceildiv", d)
	if d == 1 {
		return e
	}
	if e.IsConst() {
		return C(ceilDiv(e.Val, d))
	}
	return &Expr{Kind: KindCeilDiv, LHS: e, RHS: C(d)}
}

// Mod returns e mod d.
func Mod(e *Expr, d int) *Expr {
	checkDivisor("mod", d)
	if d == 1 {
		return C(0)
	}
	if e.IsConst() {
		return C(mod(e.Val, d))
	}
	return &Expr{Kind: KindMod, LHS: e, RHS: C(d)}
}

func checkDivisor(op string, d int) {
	if d <= 0 {
		exceptions.Panicf("affine: %s by non-positive constant %d", op, d)
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}

func mod(a, b int) int {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

// Eval evaluates e with dimension values dims.
func (e *Expr) Eval(dims []int) int {
	switch e.Kind {
	case KindDim:
		if e.Pos >= len(dims) {
			exceptions.Panicf("affine: d%d out of range for %d dims", e.Pos, len(dims))
		}
		return dims[e.Pos]
	case KindConst:
		return e.Val
	case KindAdd:
		return e.LHS.Eval(dims) + e.RHS.Eval(dims)
	case KindMul:
		return e.LHS.Eval(dims) * e.RHS.Val
	case KindFloorDiv:
		return floorDiv(e.LHS.Eval(dims), e.RHS.Val)
	case KindCeilDiv:
		return ceilDiv(e.LHS.Eval(dims), e.RHS.Val)
	case KindMod:
		return mod(e.LHS.Eval(dims), e.RHS.Val)
	}
	exceptions.Panicf("affine: unknown expression kind %d", e.Kind)
	return 0
}

// Substitute rebuilds e replacing every d<pos> with f(pos). The result is
// re-folded.
func (e *Expr) Substitute(f func(pos int) *Expr) *Expr {
	switch e.Kind {
	case KindDim:
		return f(e.Pos)
	case KindConst:
		return e
	case KindAdd:
		return Add(e.LHS.Substitute(f), e.RHS.Substitute(f))
	case KindMul:
		return Mul(e.LHS.Substitute(f), e.RHS)
	case KindFloorDiv:
		return FloorDiv(e.LHS.Substitute(f), e.RHS.Val)
	case KindCeilDiv:
		return CeilDiv(e.LHS.Substitute(f), e.RHS.Val)
	case KindMod:
		return Mod(e.LHS.Substitute(f), e.RHS.Val)
	}
	exceptions.Panicf("affine: unknown expression kind %d", e.Kind)
	return nil
}

// ShiftDims adds k to every dimension position >= from.
func (e *Expr) ShiftDims(from, k int) *Expr {
	return e.Substitute(func(pos int) *Expr {
		if pos >= from {
			return D(pos + k)
		}
		return D(pos)
	})
}

// ReplaceDim substitutes d<pos> with repl, where repl is expressed over
// dimensions [pos, pos+n). Dimensions after pos are shifted by n-1 so the
// result is consistent with an operand list where the operand at pos has
// been replaced by n operands.
func (e *Expr) ReplaceDim(pos int, repl *Expr, n int) *Expr {
	return e.Substitute(func(p int) *Expr {
		switch {
		case p == pos:
			return repl
		case p > pos:
			return D(p + n - 1)
		default:
			return D(p)
		}
	})
}

// Uses reports whether d<pos> appears in e.
func (e *Expr) Uses(pos int) bool {
	switch e.Kind {
	case KindDim:
		return e.Pos == pos
	case KindConst:
		return false
	default:
		return e.LHS.Uses(pos) || e.RHS.Uses(pos)
	}
}

// Dims returns the sorted, de-duplicated dimension positions used by e.
func (e *Expr) Dims() []int {
	var dims []int
	var walk func(*Expr)
	walk = func(x *Expr) {
		switch x.Kind {
		case KindDim:
			dims = append(dims, x.Pos)
		case KindConst:
		default:
			walk(x.LHS)
			walk(x.RHS)
		}
	}
	walk(e)
	slices.Sort(dims)
	return slices.Compact(dims)
}

// Equal reports structural equality.
func (e *Expr) Equal(o *Expr) bool {
	if e == o {
		return true
	}
	if e == nil || o == nil || e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case KindDim:
		return e.Pos == o.Pos
	case KindConst:
		return e.Val == o.Val
	default:
		return e.LHS.Equal(o.LHS) && e.RHS.Equal(o.RHS)
	}
}

func (e *Expr) precedence() int {
	switch e.Kind {
	case KindAdd:
		return 1
	case KindMul, KindFloorDiv, KindCeilDiv, KindMod:
		return 2
	default:
		return 3
	}
}

// String renders e in MLIR syntax, e.g. "d0 * 32 + d1 floordiv 4".
func (e *Expr) String() string {
	var sb strings.Builder
	e.write(&sb)
	return sb.String()
}

func (e *Expr) write(sb *strings.Builder) {
	operand := func(x *Expr, min int) {
		if x.precedence() < min {
			sb.WriteByte('(')
			x.write(sb)
			sb.WriteByte(')')
			return
		}
		x.write(sb)
	}
	switch e.Kind {
	case KindDim:
		fmt.Fprintf(sb, "d%d", e.Pos)
	case KindConst:
		fmt.Fprintf(sb, "%d", e.Val)
	case KindAdd:
		e.LHS.write(sb)
		if e.RHS.IsConst() && e.RHS.Val < 0 {
			fmt.Fprintf(sb, " - %d", -e.RHS.Val)
			return
		}
		if e.RHS.Kind == KindMul && e.RHS.RHS.Val < 0 {
			sb.WriteString(" - ")
			operand(Mul(e.RHS.LHS, C(-e.RHS.RHS.Val)), 2)
			return
		}
		sb.WriteString(" + ")
		operand(e.RHS, 1)
	default:
		operand(e.LHS, 2)
		fmt.Fprintf(sb, " %s %d", e.Kind, e.RHS.Val)
	}
}
