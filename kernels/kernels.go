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

// Package kernels builds the baseline loop nests of the supported tensor
// operations. They are naive: one loop per tensor dimension, accesses
// addressed directly by induction variables, and no memory hierarchy. The
// optimizers in package optimizer recognize exactly these shapes.
package kernels

import (
	"fmt"
	"math"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
)

type options struct {
	elem           ir.ElemType
	transA, transB bool
	name           string
}

// Option configures a kernel builder.
type Option func(*options)

// WithElemType sets the element type of the tensors. The default is F32.
func WithElemType(e ir.ElemType) Option {
	return func(o *options) { o.elem = e }
}

// WithTranspose stores A as [K, M] and/or B as [N, K] in matrix products.
func WithTranspose(a, b bool) Option {
	return func(o *options) { o.transA, o.transB = a, b }
}

// WithName overrides the name of the kernel function.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{elem: ir.F32, name: defaultName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Gemm describes a (batched) matrix product C = A x B with C of shape
// [Batch,] M x N. Batch 0 means an unbatched product.
type Gemm struct {
	Batch, M, N, K int
	TransA, TransB bool
}

// String returns a compact description, e.g. "2x128x128x64 (A^T)".
func (g Gemm) String() string {
	s := fmt.Sprintf("%dx%dx%d", g.M, g.N, g.K)
	if g.Batch > 0 {
		s = fmt.Sprintf("%dx%s", g.Batch, s)
	}
	switch {
	case g.TransA && g.TransB:
		s += " (A^T, B^T)"
	case g.TransA:
		s += " (A^T)"
	case g.TransB:
		s += " (B^T)"
	}
	return s
}

// ShapeA returns the shape of operand A.
func (g Gemm) ShapeA() []int { return g.shape(g.M, g.K, g.TransA) }

// ShapeB returns the shape of operand B.
func (g Gemm) ShapeB() []int { return g.shape(g.K, g.N, g.TransB) }

// ShapeC returns the shape of the result.
func (g Gemm) ShapeC() []int { return g.shape(g.M, g.N, false) }

func (g Gemm) shape(rows, cols int, trans bool) []int {
	s := []int{rows, cols}
	if trans {
		s = []int{cols, rows}
	}
	if g.Batch > 0 {
		s = append([]int{g.Batch}, s...)
	}
	return s
}

// Matmul builds C[i, j] = sum_k A[i, k] * B[k, j] as the function
// "matmul"(A, B, C).
func Matmul(m, n, k int, opts ...Option) *ir.Module {
	o := buildOptions("matmul", opts)
	mod := ir.NewModule()
	buildGemm(ir.NewBuilder(mod, ir.WithElemType(o.elem)), o.name, Gemm{M: m, N: n, K: k, TransA: o.transA, TransB: o.transB})
	return mod
}

// BatchMatmul builds C[b, i, j] = sum_k A[b, i, k] * B[b, k, j] as the
// function "batch_matmul"(A, B, C).
func BatchMatmul(batch, m, n, k int, opts ...Option) *ir.Module {
	if batch <= 0 {
		exceptions.Panicf("kernels: batch must be positive, got %d", batch)
	}
	o := buildOptions("batch_matmul", opts)
	mod := ir.NewModule()
	buildGemm(ir.NewBuilder(mod, ir.WithElemType(o.elem)), o.name, Gemm{Batch: batch, M: m, N: n, K: k, TransA: o.transA, TransB: o.transB})
	return mod
}

// gemmAccess returns the map of an operand indexed by the loop variables
// (batch, row, col) it depends on, swapped when trans is set.
func gemmAccess(batched, trans bool) affine.Map {
	if !batched {
		if trans {
			return affine.NewMap(2, affine.D(1), affine.D(0))
		}
		return affine.Identity(2)
	}
	if trans {
		return affine.NewMap(3, affine.D(0), affine.D(2), affine.D(1))
	}
	return affine.Identity(3)
}

// buildGemm emits the triple (or quadruple) loop nest:
//
//	for [b,] i, j { C[b, i, j] = 0; for k { C += A * B } }
func buildGemm(b *ir.Builder, name string, g Gemm) *ir.Node {
	elem := b.ElemType()
	f := b.Func(name,
		ir.Buffer(elem, ir.Global, g.ShapeA()...),
		ir.Buffer(elem, ir.Global, g.ShapeB()...),
		ir.Buffer(elem, ir.Global, g.ShapeC()...))
	zero := b.ConstFloat(0)
	batched := g.Batch > 0
	var outer []ir.Value
	if batched {
		lb := b.For(0, g.Batch, 1)
		outer = append(outer, lb.IV())
		b.SetInsertionPointToStart(lb.ID)
	}
	li := b.For(0, g.M, 1)
	b.SetInsertionPointToStart(li.ID)
	lj := b.For(0, g.N, 1)
	b.SetInsertionPointToStart(lj.ID)

	with := func(extra ...ir.Value) []ir.Value {
		return append(append([]ir.Value(nil), outer...), extra...)
	}
	cMap := gemmAccess(batched, false)
	b.Store(zero, f.Arg(2), cMap, with(li.IV(), lj.IV())...)
	lk := b.For(0, g.K, 1)
	b.Within(lk.ID, func() {
		a := b.Load(f.Arg(0), gemmAccess(batched, g.TransA), with(li.IV(), lk.IV())...)
		bv := b.Load(f.Arg(1), gemmAccess(batched, g.TransB), with(lk.IV(), lj.IV())...)
		c := b.Load(f.Arg(2), cMap, with(li.IV(), lj.IV())...)
		p := b.Arith(ir.ArithMul, a, bv)
		b.Store(b.Arith(ir.ArithAdd, c, p), f.Arg(2), cMap, with(li.IV(), lj.IV())...)
	})
	return f
}

// nest opens one loop per dimension of shape and returns the induction
// variables. The insertion point is left in the innermost body.
func nest(b *ir.Builder, shape []int) []ir.Value {
	ivs := make([]ir.Value, len(shape))
	for i, d := range shape {
		l := b.For(0, d, 1)
		ivs[i] = l.IV()
		b.SetInsertionPointToStart(l.ID)
	}
	return ivs
}

// Unary operations of ElementWise. Relu is max(x, 0).
const (
	Relu = "relu"
)

// ElementWise builds out[idx] = ops(in[idx]) over shape as the function
// "elementwise"(in, out). ops are applied in order; each is an arith
// mnemonic of a unary operation ("exp", "tanh", "negf", ...) or "relu".
func ElementWise(shape []int, ops []string, opts ...Option) *ir.Module {
	o := buildOptions("elementwise", opts)
	mod := ir.NewModule()
	b := ir.NewBuilder(mod, ir.WithElemType(o.elem))
	t := ir.Buffer(o.elem, ir.Global, shape...)
	f := b.Func(o.name, t, t)
	zero := b.ConstFloat(0)
	ivs := nest(b, shape)
	x := b.Load(f.Arg(0), affine.Identity(len(shape)), ivs...)
	for _, op := range ops {
		if op == Relu {
			x = b.Arith(ir.ArithMax, x, zero)
			continue
		}
		kind, ok := ir.ParseArithKind(op)
		if !ok || !kind.Unary() || kind == ir.ArithIndexCast {
			exceptions.Panicf("kernels: %q is not a unary float operation", op)
		}
		x = b.Arith(kind, x)
	}
	b.Store(x, f.Arg(1), affine.Identity(len(shape)), ivs...)
	return mod
}

// BroadcastShape returns the numpy-style broadcast of shapes a and b, or
// ok=false when they are incompatible.
func BroadcastShape(a, b []int) (out []int, ok bool) {
	n := max(len(a), len(b))
	out = make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := i - (n - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (n - len(b)); j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, false
		}
	}
	return out, true
}

// broadcastMap indexes an operand of shape in from the loops of a
// rank-rank output: size-1 dimensions are pinned to 0 and missing leading
// dimensions are ignored.
func broadcastMap(in []int, rank int) affine.Map {
	results := make([]*affine.Expr, len(in))
	for j, d := range in {
		if d == 1 {
			results[j] = affine.C(0)
		} else {
			results[j] = affine.D(rank - len(in) + j)
		}
	}
	return affine.NewMap(rank, results...)
}

// Binary builds out = a <op> b with numpy broadcasting as the function
// "binary"(a, b, out). kind is a binary arith operation.
func Binary(kind ir.ArithKind, shapeA, shapeB []int, opts ...Option) *ir.Module {
	if kind.Unary() {
		exceptions.Panicf("kernels: %s is not a binary operation", kind)
	}
	out, ok := BroadcastShape(shapeA, shapeB)
	if !ok {
		exceptions.Panicf("kernels: shapes %v and %v do not broadcast", shapeA, shapeB)
	}
	o := buildOptions("binary", opts)
	mod := ir.NewModule()
	b := ir.NewBuilder(mod, ir.WithElemType(o.elem))
	f := b.Func(o.name,
		ir.Buffer(o.elem, ir.Global, shapeA...),
		ir.Buffer(o.elem, ir.Global, shapeB...),
		ir.Buffer(o.elem, ir.Global, out...))
	ivs := nest(b, out)
	x := b.Load(f.Arg(0), broadcastMap(shapeA, len(out)), ivs...)
	y := b.Load(f.Arg(1), broadcastMap(shapeB, len(out)), ivs...)
	b.Store(b.Arith(kind, x, y), f.Arg(2), affine.Identity(len(out)), ivs...)
	return mod
}

// LayerNorm builds the row-wise normalization
//
//	out[i, j] = (x[i, j] - mean_i) * rsqrt(var_i + eps) * gamma[j] + beta[j]
//
// as the function "layernorm"(x, gamma, beta, out). The row statistics are
// two reductions carried by loops.
func LayerNorm(rows, cols int, eps float64, opts ...Option) *ir.Module {
	o := buildOptions("layernorm", opts)
	mod := ir.NewModule()
	b := ir.NewBuilder(mod, ir.WithElemType(o.elem))
	mat := ir.Buffer(o.elem, ir.Global, rows, cols)
	vec := ir.Buffer(o.elem, ir.Global, cols)
	f := b.Func(o.name, mat, vec, vec, mat)
	zero := b.ConstFloat(0)
	n := b.ConstFloat(float64(cols))
	epsilon := b.ConstFloat(eps)
	row := b.For(0, rows, 1)
	b.SetInsertionPointToStart(row.ID)
	i := row.IV()
	at := affine.Identity(2)

	sum := b.ForIter(0, cols, 1, zero)
	b.Within(sum.ID, func() {
		x := b.Load(f.Arg(0), at, i, sum.IV())
		b.Yield(b.Arith(ir.ArithAdd, sum.CarriedValue(), x))
	})
	mean := b.Arith(ir.ArithDiv, sum.Result(), n)

	sq := b.ForIter(0, cols, 1, zero)
	b.Within(sq.ID, func() {
		x := b.Load(f.Arg(0), at, i, sq.IV())
		d := b.Arith(ir.ArithSub, x, mean)
		b.Yield(b.Arith(ir.ArithAdd, sq.CarriedValue(), b.Arith(ir.ArithMul, d, d)))
	})
	variance := b.Arith(ir.ArithDiv, sq.Result(), n)
	rstd := b.Arith(ir.ArithRsqrt, b.Arith(ir.ArithAdd, variance, epsilon))

	norm := b.For(0, cols, 1)
	b.Within(norm.ID, func() {
		j := norm.IV()
		x := b.Load(f.Arg(0), at, i, j)
		g := b.Load(f.Arg(1), affine.Identity(1), j)
		bias := b.Load(f.Arg(2), affine.Identity(1), j)
		y := b.Arith(ir.ArithMul, b.Arith(ir.ArithMul, b.Arith(ir.ArithSub, x, mean), rstd), g)
		b.Store(b.Arith(ir.ArithAdd, y, bias), f.Arg(3), at, i, j)
	})
	return mod
}

// Gather builds out[i, j] = table[idx[i], j] as the function
// "gather"(table, idx, out). The index load is repeated in the inner loop
// so that scheduling can hoist it.
func Gather(rows, cols, numIndices int, opts ...Option) *ir.Module {
	o := buildOptions("gather", opts)
	mod := ir.NewModule()
	b := ir.NewBuilder(mod, ir.WithElemType(o.elem))
	f := b.Func(o.name,
		ir.Buffer(o.elem, ir.Global, rows, cols),
		ir.Buffer(ir.I32, ir.Global, numIndices),
		ir.Buffer(o.elem, ir.Global, numIndices, cols))
	f.SetAttr(ir.AttrIndexBound, strconv.Itoa(rows))
	ivs := nest(b, []int{numIndices, cols})
	r := b.Load(f.Arg(1), affine.Identity(1), ivs[0])
	ri := b.Arith(ir.ArithIndexCast, r)
	v := b.Load(f.Arg(0), affine.Identity(2), ri, ivs[1])
	b.Store(v, f.Arg(2), affine.Identity(2), ivs...)
	return mod
}

// Attention builds softmax(Q K^T / sqrt(dim)) V over [batch, seq, dim]
// tensors as the function "attention"(Q, K, V, O), which calls a batched
// product "bmm_qk", a row softmax "softmax" and a batched product
// "bmm_sv" through a global scores buffer.
func Attention(batch, seq, dim int, opts ...Option) *ir.Module {
	o := buildOptions("attention", opts)
	mod := ir.NewModule()
	b := ir.NewBuilder(mod, ir.WithElemType(o.elem))
	t := ir.Buffer(o.elem, ir.Global, batch, seq, dim)
	st := ir.Buffer(o.elem, ir.Global, batch, seq, seq)

	f := b.Func(o.name, t, t, t, t)
	s := b.Alloc(st)
	b.Call("bmm_qk", f.Arg(0), f.Arg(1), s)
	b.Call("softmax", s)
	b.Call("bmm_sv", s, f.Arg(2), f.Arg(3))

	buildGemm(b, "bmm_qk", Gemm{Batch: batch, M: seq, N: seq, K: dim, TransB: true})
	buildSoftmax(b, "softmax", batch, seq, 1/math.Sqrt(float64(dim)))
	buildGemm(b, "bmm_sv", Gemm{Batch: batch, M: seq, N: dim, K: seq})
	return mod
}

// buildSoftmax emits an in-place scaled row softmax over [batch, rows,
// rows]: s = exp((s - max) * scale) / sum.
func buildSoftmax(b *ir.Builder, name string, batch, rows int, scale float64) {
	st := ir.Buffer(b.ElemType(), ir.Global, batch, rows, rows)
	f := b.Func(name, st)
	lowest := b.ConstFloat(-math.MaxFloat32)
	zero := b.ConstFloat(0)
	c := b.ConstFloat(scale)
	ivs := nest(b, []int{batch, rows})
	at := affine.Identity(3)

	mx := b.ForIter(0, rows, 1, lowest)
	b.Within(mx.ID, func() {
		x := b.Load(f.Arg(0), at, ivs[0], ivs[1], mx.IV())
		b.Yield(b.Arith(ir.ArithMax, mx.CarriedValue(), x))
	})
	sum := b.ForIter(0, rows, 1, zero)
	b.Within(sum.ID, func() {
		x := b.Load(f.Arg(0), at, ivs[0], ivs[1], sum.IV())
		e := b.Arith(ir.ArithExp, b.Arith(ir.ArithMul, b.Arith(ir.ArithSub, x, mx.Result()), c))
		b.Store(e, f.Arg(0), at, ivs[0], ivs[1], sum.IV())
		b.Yield(b.Arith(ir.ArithAdd, sum.CarriedValue(), e))
	})
	norm := b.For(0, rows, 1)
	b.Within(norm.ID, func() {
		x := b.Load(f.Arg(0), at, ivs[0], ivs[1], norm.IV())
		b.Store(b.Arith(ir.ArithDiv, x, sum.Result()), f.Arg(0), at, ivs[0], ivs[1], norm.IV())
	})
}

// ByName builds a kernel from a name and its integer dimensions, as given
// on the command line:
//
//	matmul M,N,K  batch_matmul B,M,N,K  elementwise D0,...  binary D0,...
//	layernorm ROWS,COLS  gather ROWS,COLS,INDICES  attention B,SEQ,DIM
//
// Binary adds a row vector broadcast over the given shape, and elementwise
// applies tanh.
func ByName(name string, dims []int, opts ...Option) (m *ir.Module, err error) {
	need := map[string]int{"matmul": 3, "batch_matmul": 4, "layernorm": 2, "gather": 3, "attention": 3}
	if want, ok := need[name]; ok && len(dims) != want {
		return nil, errors.Errorf("kernel %s takes %d dimensions, got %v", name, want, dims)
	}
	if len(dims) == 0 {
		return nil, errors.Errorf("kernel %s needs at least one dimension", name)
	}
	for _, d := range dims {
		if d <= 0 {
			return nil, errors.Errorf("kernel %s: dimension %d is not positive", name, d)
		}
	}
	err = exceptions.TryCatch[error](func() {
		switch name {
		case "matmul":
			m = Matmul(dims[0], dims[1], dims[2], opts...)
		case "batch_matmul":
			m = BatchMatmul(dims[0], dims[1], dims[2], dims[3], opts...)
		case "elementwise":
			m = ElementWise(dims, []string{"tanh"}, opts...)
		case "binary":
			m = Binary(ir.ArithAdd, dims, dims[len(dims)-1:], opts...)
		case "layernorm":
			m = LayerNorm(dims[0], dims[1], 1e-5, opts...)
		case "gather":
			m = Gather(dims[0], dims[1], dims[2], opts...)
		case "attention":
			m = Attention(dims[0], dims[1], dims[2], opts...)
		default:
			exceptions.Panicf("unknown kernel %q, known kernels are %v", name, Names())
		}
	})
	return m, err
}

// Names lists the kernels ByName knows.
func Names() []string {
	return []string{"matmul", "batch_matmul", "elementwise", "binary", "layernorm", "gather", "attention"}
}
