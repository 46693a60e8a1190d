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

// Package lower translates affine modules to LLVM IR for the NVPTX backend.
//
// Functions become device functions with one pointer parameter per buffer.
// Parallel loops mapped to the grid or block level read their induction
// variables from the ctaid and tid special registers; other loops become
// counted loops whose induction variables and carried values live in entry
// block allocas, which mem2reg promotes. Local buffers are allocas and
// shared or global scratch buffers are module globals.
package lower

import (
	"context"
	"fmt"

	"github.com/gomlx/exceptions"
	llvm "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
)

// DefaultTriple is the target triple of lowered modules.
const DefaultTriple = "nvptx64-nvidia-cuda"

// Kernel is the launch configuration of a lowered function. Axis 0 is x,
// which maps to the innermost dimension of a parallel loop. Unused axes
// are 1.
type Kernel struct {
	Name        string
	Grid, Block [3]int
}

// Threads returns the number of threads of one block.
func (k Kernel) Threads() int { return k.Block[0] * k.Block[1] * k.Block[2] }

// LLVM is a search.Lowerer that keeps the textual IR of the last module it
// lowered.
type LLVM struct {
	// Triple overrides DefaultTriple.
	Triple string

	Text    string
	Kernels []Kernel
}

// Lower implements search.Lowerer.
func (l *LLVM) Lower(ctx context.Context, m *ir.Module) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mod, kernels, err := Module(m)
	if err != nil {
		return err
	}
	mod.TargetTriple = DefaultTriple
	if l.Triple != "" {
		mod.TargetTriple = l.Triple
	}
	l.Text, l.Kernels = mod.String(), kernels
	klog.V(1).Infof("lower: %d functions, %d bytes of LLVM IR", len(kernels), len(l.Text))
	return nil
}

// Module lowers every function of m. The kernels are returned in the order
// of m.Funcs.
func Module(m *ir.Module) (mod *llvm.Module, kernels []Kernel, err error) {
	err = exceptions.TryCatch[error](func() {
		l := &lowering{
			m:     m,
			mod:   llvm.NewModule(),
			funcs: make(map[string]*llvm.Func),
			decls: make(map[string]*llvm.Func),
		}
		l.declare()
		for _, id := range m.Funcs {
			kernels = append(kernels, l.function(m.MustNode(id)))
		}
		mod = l.mod
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "lowering to LLVM")
	}
	return mod, kernels, nil
}

type lowering struct {
	m     *ir.Module
	mod   *llvm.Module
	funcs map[string]*llvm.Func
	decls map[string]*llvm.Func

	// State of the function being lowered.
	f       *ir.Node
	fn      *llvm.Func
	entry   *llvm.Block
	cur     *llvm.Block
	values  map[ir.Value]value.Value
	carried map[ir.ID]*llvm.InstAlloca
	kernel  *Kernel
}

func elemType(e ir.ElemType) types.Type {
	switch e {
	case ir.F32:
		return types.Float
	case ir.F16:
		return types.Half
	case ir.I32:
		return types.I32
	}
	return types.I64
}

func typeOf(t ir.Type) types.Type {
	switch t.Kind {
	case ir.KindVector:
		return types.NewVector(uint64(t.Lanes), elemType(t.Elem))
	case ir.KindBuffer:
		return types.NewPointer(elemType(t.Elem))
	}
	return elemType(t.Elem)
}

func index(v int) *constant.Int { return constant.NewInt(types.I64, int64(v)) }

// floatConst returns v in the float (or float vector) type t, rounded to
// the precision of t.
func floatConst(t types.Type, v float64) constant.Constant {
	if vt, ok := t.(*types.VectorType); ok {
		elems := make([]constant.Constant, vt.Len)
		for i := range elems {
			elems[i] = floatConst(vt.ElemType, v)
		}
		return constant.NewVector(vt, elems...)
	}
	ft := t.(*types.FloatType)
	if ft == types.Half {
		return constant.NewFloat(ft, float64(float16.Fromfloat32(float32(v)).Float32()))
	}
	return constant.NewFloat(ft, float64(float32(v)))
}

// declare creates every function up front so calls may precede the
// definition of their callee.
func (l *lowering) declare() {
	for _, id := range l.m.Funcs {
		f := l.m.MustNode(id)
		params := make([]*llvm.Param, len(f.Params))
		for i, t := range f.Params {
			params[i] = llvm.NewParam(fmt.Sprintf("arg%d", i), typeOf(t))
		}
		l.funcs[f.Name] = l.mod.NewFunc(f.Name, types.Void, params...)
	}
}

// intrinsic returns the declaration of an external function, creating it on
// first use.
func (l *lowering) intrinsic(name string, ret types.Type, params ...types.Type) *llvm.Func {
	if f, ok := l.decls[name]; ok {
		return f
	}
	ps := make([]*llvm.Param, len(params))
	for i, t := range params {
		ps[i] = llvm.NewParam(fmt.Sprintf("x%d", i), t)
	}
	f := l.mod.NewFunc(name, ret, ps...)
	l.decls[name] = f
	return f
}

// math calls the overloaded LLVM intrinsic llvm.<op> on args of type t.
func (l *lowering) math(op string, t types.Type, args ...value.Value) value.Value {
	params := make([]types.Type, len(args))
	for i := range params {
		params[i] = t
	}
	return l.cur.NewCall(l.intrinsic("llvm."+op+"."+suffix(t), t, params...), args...)
}

func suffix(t types.Type) string {
	if vt, ok := t.(*types.VectorType); ok {
		return fmt.Sprintf("v%d%s", vt.Len, suffix(vt.ElemType))
	}
	if t == types.Half {
		return "f16"
	}
	return "f32"
}

func (l *lowering) function(f *ir.Node) Kernel {
	l.f, l.fn = f, l.funcs[f.Name]
	l.values = make(map[ir.Value]value.Value)
	l.carried = make(map[ir.ID]*llvm.InstAlloca)
	l.kernel = &Kernel{Name: f.Name, Grid: [3]int{1, 1, 1}, Block: [3]int{1, 1, 1}}
	for i, p := range l.fn.Params {
		l.values[f.Arg(i)] = p
	}
	l.entry = l.fn.NewBlock("entry")
	l.cur = l.fn.NewBlock("body")
	l.entry.NewBr(l.cur)
	l.body(f)
	l.cur.NewRet(nil)
	klog.V(2).Infof("lower: %s grid %v block %v", f.Name, l.kernel.Grid, l.kernel.Block)
	return *l.kernel
}

func (l *lowering) use(v ir.Value) value.Value {
	x, ok := l.values[v]
	if !ok {
		exceptions.Panicf("lower: %s uses %+v before its definition", l.f.Name, v)
	}
	return x
}

func (l *lowering) operands(vs []ir.Value) []value.Value {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		out[i] = l.use(v)
	}
	return out
}

func (l *lowering) body(n *ir.Node) {
	for _, id := range n.Body {
		l.node(l.m.MustNode(id))
	}
}

func (l *lowering) node(n *ir.Node) {
	switch n.Op {
	case ir.OpConst:
		if n.Type.Elem.IsFloat() {
			l.values[n.Result()] = floatConst(elemType(n.Type.Elem), n.Float)
		} else {
			l.values[n.Result()] = constant.NewInt(elemType(n.Type.Elem).(*types.IntType), int64(n.Int))
		}

	case ir.OpAlloc:
		l.alloc(n)

	case ir.OpFor:
		l.forLoop(n)

	case ir.OpParallel:
		switch level := n.Attr(ir.AttrLevel); level {
		case ir.LevelGrid, ir.LevelBlock:
			l.mapped(n, level)
		default:
			l.nested(n, 0)
		}

	case ir.OpIf:
		l.ifThen(n)

	case ir.OpLoad:
		ptr, et := l.address(n)
		if w := n.VectorWidth(); w > 1 {
			vt := types.NewVector(uint64(w), et)
			l.values[n.Result()] = l.cur.NewLoad(vt, l.cur.NewBitCast(ptr, types.NewPointer(vt)))
		} else {
			l.values[n.Result()] = l.cur.NewLoad(et, ptr)
		}

	case ir.OpStore:
		ptr, et := l.address(n)
		v := l.use(n.StoredValue())
		if w := n.VectorWidth(); w > 1 {
			vt := types.NewVector(uint64(w), et)
			if !l.m.ValueType(n.StoredValue()).IsVector() {
				v = l.splat(v, vt)
			}
			ptr = l.cur.NewBitCast(ptr, types.NewPointer(vt))
		}
		l.cur.NewStore(v, ptr)

	case ir.OpApply:
		l.values[n.Result()] = l.expr(n.Map.Results[0], l.operands(n.Indices))

	case ir.OpArith:
		l.values[n.Result()] = l.arith(n)

	case ir.OpYield:
		acc, ok := l.carried[n.Parent]
		if !ok {
			exceptions.Panicf("lower: yield outside of a carried loop in %s", l.f.Name)
		}
		l.cur.NewStore(l.use(n.Operands[0]), acc)

	case ir.OpBarrier:
		l.cur.NewCall(l.intrinsic("llvm.nvvm.barrier0", types.Void))

	case ir.OpCall:
		callee, ok := l.funcs[n.Name]
		if !ok {
			exceptions.Panicf("lower: %s calls unknown function %q", l.f.Name, n.Name)
		}
		l.cur.NewCall(callee, l.operands(n.Operands)...)

	default:
		exceptions.Panicf("lower: unexpected %s in %s", n.Op, l.f.Name)
	}
}

func (l *lowering) alloc(n *ir.Node) {
	et := elemType(n.Type.Elem)
	arr := types.NewArray(uint64(n.Type.NumElements()), et)
	var storage value.Value
	if n.Type.Space == ir.Local {
		storage = l.entry.NewAlloca(arr)
	} else {
		storage = l.mod.NewGlobalDef(fmt.Sprintf("%s.%s%d", l.f.Name, n.Type.Space, n.ID), constant.NewZeroInitializer(arr))
	}
	l.values[n.Result()] = l.cur.NewBitCast(storage, types.NewPointer(et))
}

// loop emits "for iv := lb; iv < ub; iv += step { body(iv) }" and leaves
// the insertion point in the exit block.
func (l *lowering) loop(name string, lb, ub value.Value, step int, body func(iv value.Value)) {
	slot := l.entry.NewAlloca(types.I64)
	l.cur.NewStore(lb, slot)
	head := l.fn.NewBlock(name + ".head")
	loopBody := l.fn.NewBlock(name + ".body")
	exit := l.fn.NewBlock(name + ".exit")
	l.cur.NewBr(head)

	iv := head.NewLoad(types.I64, slot)
	head.NewCondBr(head.NewICmp(enum.IPredSLT, iv, ub), loopBody, exit)

	l.cur = loopBody
	body(iv)
	l.cur.NewStore(l.cur.NewAdd(iv, index(step)), slot)
	l.cur.NewBr(head)
	l.cur = exit
}

func (l *lowering) forLoop(n *ir.Node) {
	lb, ub := l.bound(n.Lower, true), l.bound(n.Upper, false)
	var t types.Type
	if n.Carried {
		t = typeOf(n.Type)
		acc := l.entry.NewAlloca(t)
		l.cur.NewStore(l.use(n.Operands[0]), acc)
		l.carried[n.ID] = acc
	}
	l.loop(fmt.Sprintf("for%d", n.ID), lb, ub, n.Step, func(iv value.Value) {
		l.values[n.IV()] = iv
		if n.Carried {
			l.values[n.CarriedValue()] = l.cur.NewLoad(t, l.carried[n.ID])
		}
		l.body(n)
	})
	if n.Carried {
		l.values[n.Result()] = l.cur.NewLoad(t, l.carried[n.ID])
	}
}

// bound evaluates a loop bound: the maximum of the results of a lower
// bound, the minimum of those of an upper one.
func (l *lowering) bound(b ir.Bound, lower bool) value.Value {
	pred := enum.IPredSLT
	if lower {
		pred = enum.IPredSGT
	}
	dims := l.operands(b.Operands)
	var out value.Value
	for _, r := range b.Map.Results {
		v := l.expr(r, dims)
		if out == nil {
			out = v
			continue
		}
		out = l.cur.NewSelect(l.cur.NewICmp(pred, v, out), v, out)
	}
	return out
}

// mapped binds the induction variables of n to hardware thread indices.
func (l *lowering) mapped(n *ir.Node, level string) {
	reg, dims := "tid", &l.kernel.Block
	if level == ir.LevelGrid {
		reg, dims = "ctaid", &l.kernel.Grid
	}
	for i, r := range n.Ranges {
		axis := len(n.Ranges) - 1 - i
		dims[axis] = r.Trip()
		name := fmt.Sprintf("llvm.nvvm.read.ptx.sreg.%s.%c", reg, "xyz"[axis])
		id := l.cur.NewSExt(l.cur.NewCall(l.intrinsic(name, types.I32)), types.I64)
		l.values[n.IV(i)] = l.cur.NewAdd(index(r.Lower), l.cur.NewMul(id, index(r.Step)))
	}
	l.body(n)
}

// nested lowers an unmapped parallel loop to sequential loops, dim by dim.
func (l *lowering) nested(n *ir.Node, dim int) {
	if dim == len(n.Ranges) {
		l.body(n)
		return
	}
	r := n.Ranges[dim]
	l.loop(fmt.Sprintf("par%d.%d", n.ID, dim), index(r.Lower), index(r.Upper), r.Step, func(iv value.Value) {
		l.values[n.IV(dim)] = iv
		l.nested(n, dim+1)
	})
}

func (l *lowering) ifThen(n *ir.Node) {
	dims := l.operands(n.Indices)
	var cond value.Value = constant.True
	for i, r := range n.Set.Results {
		pred := enum.IPredSGE
		if n.Set.Eq[i] {
			pred = enum.IPredEQ
		}
		c := l.cur.NewICmp(pred, l.expr(r, dims), index(0))
		if i == 0 {
			cond = c
		} else {
			cond = l.cur.NewAnd(cond, c)
		}
	}
	then := l.fn.NewBlock(fmt.Sprintf("if%d.then", n.ID))
	merge := l.fn.NewBlock(fmt.Sprintf("if%d.end", n.ID))
	l.cur.NewCondBr(cond, then, merge)
	l.cur = then
	l.body(n)
	l.cur.NewBr(merge)
	l.cur = merge
}

// address returns a pointer to the first element accessed by a load or
// store, and the element type of its buffer.
func (l *lowering) address(n *ir.Node) (value.Value, types.Type) {
	buf := n.MemRef()
	bt := l.m.ValueType(buf)
	strides := bt.Strides()
	flat := affine.C(0)
	for i, r := range n.Map.Results {
		flat = affine.Add(flat, affine.Scale(r, strides[i]))
	}
	et := elemType(bt.Elem)
	offset := l.expr(flat, l.operands(n.Indices))
	return l.cur.NewGetElementPtr(et, l.use(buf), offset), et
}

// expr evaluates an affine expression on i64 dimension values.
func (l *lowering) expr(e *affine.Expr, dims []value.Value) value.Value {
	switch e.Kind {
	case affine.KindConst:
		return index(e.Val)
	case affine.KindDim:
		return dims[e.Pos]
	case affine.KindAdd:
		return l.cur.NewAdd(l.expr(e.LHS, dims), l.expr(e.RHS, dims))
	case affine.KindMul:
		return l.cur.NewMul(l.expr(e.LHS, dims), l.expr(e.RHS, dims))
	case affine.KindFloorDiv:
		return l.floorDiv(l.expr(e.LHS, dims), e.RHS.Val)
	case affine.KindCeilDiv:
		return l.floorDiv(l.cur.NewAdd(l.expr(e.LHS, dims), index(e.RHS.Val-1)), e.RHS.Val)
	case affine.KindMod:
		x := l.expr(e.LHS, dims)
		return l.cur.NewSub(x, l.cur.NewMul(l.floorDiv(x, e.RHS.Val), index(e.RHS.Val)))
	}
	exceptions.Panicf("lower: unexpected affine expression %s", e)
	return nil
}

// floorDiv divides by the positive constant d rounding toward -inf, where
// sdiv rounds toward zero.
func (l *lowering) floorDiv(x value.Value, d int) value.Value {
	if d == 1 {
		return x
	}
	neg := l.cur.NewICmp(enum.IPredSLT, x, index(0))
	adj := l.cur.NewSelect(neg, index(d-1), index(0))
	return l.cur.NewSDiv(l.cur.NewSub(x, adj), index(d))
}

// splat broadcasts the scalar x to vt.
func (l *lowering) splat(x value.Value, vt *types.VectorType) value.Value {
	var v value.Value = constant.NewUndef(vt)
	for i := range vt.Len {
		v = l.cur.NewInsertElement(v, x, constant.NewInt(types.I32, int64(i)))
	}
	return v
}

func (l *lowering) arith(n *ir.Node) value.Value {
	if n.Arith == ir.ArithIndexCast {
		x := l.use(n.Operands[0])
		switch src := l.m.ValueType(n.Operands[0]); {
		case src.Elem.IsFloat():
			return l.cur.NewFPToSI(x, types.I64)
		case src.Elem == ir.Index:
			return x
		default:
			return l.cur.NewSExt(x, types.I64)
		}
	}

	t := typeOf(n.Type)
	vt, isVector := t.(*types.VectorType)
	ops := l.operands(n.Operands)
	for i, o := range n.Operands {
		if isVector && !l.m.ValueType(o).IsVector() {
			ops[i] = l.splat(ops[i], vt)
		}
	}
	float := n.Type.Elem.IsFloat()
	x := ops[0]
	if n.Arith.Unary() {
		if !float {
			if n.Arith == ir.ArithNeg {
				return l.cur.NewSub(constant.NewZeroInitializer(t), x)
			}
			exceptions.Panicf("lower: %s of integers", n.Arith)
		}
		switch n.Arith {
		case ir.ArithNeg:
			return l.cur.NewFNeg(x)
		case ir.ArithExp:
			return l.math("exp", t, x)
		case ir.ArithSqrt:
			return l.math("sqrt", t, x)
		case ir.ArithRsqrt:
			return l.cur.NewFDiv(floatConst(t, 1), l.math("sqrt", t, x))
		case ir.ArithTanh:
			return l.math("tanh", t, x)
		}
	}

	y := ops[1]
	switch n.Arith {
	case ir.ArithAdd:
		if float {
			return l.cur.NewFAdd(x, y)
		}
		return l.cur.NewAdd(x, y)
	case ir.ArithSub:
		if float {
			return l.cur.NewFSub(x, y)
		}
		return l.cur.NewSub(x, y)
	case ir.ArithMul:
		if float {
			return l.cur.NewFMul(x, y)
		}
		return l.cur.NewMul(x, y)
	case ir.ArithDiv:
		if float {
			return l.cur.NewFDiv(x, y)
		}
		return l.cur.NewSDiv(x, y)
	case ir.ArithMax:
		if float {
			return l.math("maxnum", t, x, y)
		}
		return l.cur.NewSelect(l.cur.NewICmp(enum.IPredSGT, x, y), x, y)
	case ir.ArithMin:
		if float {
			return l.math("minnum", t, x, y)
		}
		return l.cur.NewSelect(l.cur.NewICmp(enum.IPredSLT, x, y), x, y)
	}
	exceptions.Panicf("lower: unexpected %s", n.Arith)
	return nil
}
