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

package rewrite_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/eval"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/rewrite"
)

// loops returns every For node of m in pre-order.
func loops(m *ir.Module) []ir.ID {
	return m.CollectModule(ir.OpIs(ir.OpFor))
}

// requireSame checks that got is well formed and computes what want does.
func requireSame(t *testing.T, want, got *ir.Module) {
	t.Helper()
	require.NoError(t, got.Verify(), "module:\n%s", got)
	require.NoError(t, eval.Verify(eval.NewInterpreter(), want, got, 11, 1e-5), "module:\n%s", got)
}

// requirePanics checks that fn fails a rewrite precondition.
func requirePanics(t *testing.T, fn func()) {
	t.Helper()
	err := exceptions.TryCatch[error](fn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rewrite:")
}

func trips(m *ir.Module, ids []ir.ID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i], _ = m.MustNode(id).TripCount()
	}
	return out
}

func TestSplitCombineInverse(t *testing.T) {
	for _, factors := range [][]int{{6}, {6, 2}, {12, 4, 2}} {
		ref := kernels.ElementWise([]int{24}, []string{"tanh"})
		m := ref.Clone()
		split := rewrite.Split(m, loops(m)[0], len(factors)+1, factors)
		require.Len(t, split, len(factors)+1)
		requireSame(t, ref, m)

		for _, id := range split {
			rewrite.ModifyLoopStepToOne(m, id)
		}
		flat := rewrite.CombineToOneDim(m, split)
		trip, ok := m.MustNode(flat).TripCount()
		require.True(t, ok)
		assert.Equal(t, 24, trip)
		assert.Len(t, loops(m), 1)
		requireSame(t, ref, m)
	}
}

func TestSplitPreconditions(t *testing.T) {
	m := kernels.ElementWise([]int{24}, []string{"tanh"})
	l := loops(m)[0]
	requirePanics(t, func() { rewrite.Split(m, l, 2, []int{5}) })
	requirePanics(t, func() { rewrite.Split(m, l, 3, []int{4}) })

	stepped := kernels.ElementWise([]int{24}, []string{"tanh"})
	sl := loops(stepped)[0]
	rewrite.Split(stepped, sl, 2, []int{4})
	requirePanics(t, func() { rewrite.Split(stepped, loops(stepped)[0], 2, []int{2}) })
}

func TestReorderMatmul(t *testing.T) {
	for _, order := range [][]int{{1, 0, 2}, {2, 1, 0}, {2, 0, 1}} {
		ref := kernels.Matmul(6, 5, 4)
		m := ref.Clone()
		ls := loops(m) // i, j, k
		target := []ir.ID{ls[order[0]], ls[order[1]], ls[order[2]]}
		rewrite.Reorder(m, target)
		for depth, id := range target[1:] {
			assert.True(t, m.IsAncestor(target[depth], id), "order %v: loop %d not inside %d", order, id, target[depth])
		}
		requireSame(t, ref, m)
	}
}

// rowSum builds out[i] = sum_j x[i, j] with a carried reduction.
func rowSum(rows, cols int) *ir.Module {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("rowsum", ir.Buffer(ir.F32, ir.Global, rows, cols), ir.Buffer(ir.F32, ir.Global, rows))
	zero := b.ConstFloat(0)
	li := b.For(0, rows, 1)
	b.Within(li.ID, func() {
		lj := b.ForIter(0, cols, 1, zero)
		b.Within(lj.ID, func() {
			x := b.Load(f.Arg(0), affine.Identity(2), li.IV(), lj.IV())
			b.Yield(b.Arith(ir.ArithAdd, lj.CarriedValue(), x))
		})
		b.Store(lj.Result(), f.Arg(1), affine.Identity(1), li.IV())
	})
	return m
}

func TestReorderCarried(t *testing.T) {
	ref := rowSum(5, 7)
	m := ref.Clone()
	ls := loops(m)
	rewrite.Reorder(m, []ir.ID{ls[1], ls[0]})
	assert.True(t, m.IsAncestor(ls[1], ls[0]))
	assert.False(t, m.MustNode(ls[1]).Carried)
	requireSame(t, ref, m)
}

func TestReorderRejectsTwoCarriedLoops(t *testing.T) {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("sum2", ir.Buffer(ir.F32, ir.Global, 4, 4), ir.Buffer(ir.F32, ir.Global, 1))
	zero := b.ConstFloat(0)
	outer := b.ForIter(0, 4, 1, zero)
	b.Within(outer.ID, func() {
		inner := b.ForIter(0, 4, 1, outer.CarriedValue())
		b.Within(inner.ID, func() {
			x := b.Load(f.Arg(0), affine.Identity(2), outer.IV(), inner.IV())
			b.Yield(b.Arith(ir.ArithAdd, inner.CarriedValue(), x))
		})
		b.Yield(inner.Result())
	})
	b.Store(outer.Result(), f.Arg(1), affine.ConstantMap(0))
	requirePanics(t, func() { rewrite.Reorder(m, loops(m)) })
}

func TestParallel(t *testing.T) {
	ref := kernels.ElementWise([]int{4, 8}, []string{"exp"})
	m := ref.Clone()
	ls := loops(m)
	rewrite.Split(m, ls[1], 2, []int{2})
	p := m.MustNode(rewrite.Parallel(m, loops(m)[:2]))
	assert.Equal(t, ir.OpParallel, p.Op)
	assert.Equal(t, []ir.Range{{Lower: 0, Upper: 4, Step: 1}, {Lower: 0, Upper: 4, Step: 1}}, p.Ranges)
	requireSame(t, ref, m)

	nonPerfect := kernels.Matmul(4, 4, 4)
	nl := loops(nonPerfect)
	requirePanics(t, func() { rewrite.Parallel(nonPerfect, nl[1:]) })
	requirePanics(t, func() { rewrite.Parallel(nonPerfect, nl) })
}

func TestVectorize(t *testing.T) {
	ref := kernels.ElementWise([]int{4, 16}, []string{"exp"})
	m := ref.Clone()
	inner := loops(m)[1]
	rewrite.Vectorize(m, inner, 4)

	l := m.MustNode(inner)
	trip, _ := l.TripCount()
	assert.Equal(t, 4, l.Step)
	assert.Equal(t, 16/4, trip, "one transaction per lane group")
	for _, id := range m.Collect(inner, ir.OpIs(ir.OpLoad, ir.OpStore)) {
		assert.Equal(t, 4, m.MustNode(id).Width)
	}
	requireSame(t, ref, m)

	other := kernels.ElementWise([]int{4, 16}, []string{"exp"})
	requirePanics(t, func() { rewrite.Vectorize(other, loops(other)[1], 3) })
	requirePanics(t, func() { rewrite.Vectorize(other, loops(other)[0], 4) })
}

func TestVectorizeBroadcastsInvariantLoads(t *testing.T) {
	ref := kernels.Binary(ir.ArithMul, []int{8, 8}, []int{8, 1})
	m := ref.Clone()
	rewrite.Vectorize(m, loops(m)[1], 8)
	var widths []int
	for _, id := range m.CollectModule(ir.OpIs(ir.OpLoad)) {
		widths = append(widths, m.MustNode(id).VectorWidth())
	}
	assert.Equal(t, []int{8, 1}, widths)
	requireSame(t, ref, m)
}

// stagedCopy builds out[k, t] = 2 * in[k, t] through a staging buffer filled
// by a read loop at every iteration of k, which steps by step.
func stagedCopy(rows, cols, step int) (m *ir.Module, read ir.ID, buf ir.Value, k ir.ID) {
	m = ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("staged", ir.Buffer(ir.F32, ir.Global, rows, cols), ir.Buffer(ir.F32, ir.Global, rows, cols))
	two := b.ConstFloat(2)
	buf = b.Alloc(ir.Buffer(ir.F32, ir.Local, cols))
	lk := b.For(0, rows, step)
	b.Within(lk.ID, func() {
		rl := b.For(0, cols, 1)
		read = rl.ID
		b.Within(rl.ID, func() {
			x := b.Load(f.Arg(0), affine.Identity(2), lk.IV(), rl.IV())
			b.Store(x, buf, affine.Identity(1), rl.IV())
		})
		cl := b.For(0, cols, 1)
		b.Within(cl.ID, func() {
			x := b.Load(buf, affine.Identity(1), cl.IV())
			b.Store(b.Arith(ir.ArithMul, x, two), f.Arg(1), affine.Identity(2), lk.IV(), cl.IV())
		})
	})
	return m, read, buf, lk.ID
}

func TestPipelineParity(t *testing.T) {
	for _, tc := range []struct{ rows, step int }{{8, 1}, {8, 2}, {7, 2}, {5, 3}} {
		rows, step := tc.rows, tc.step
		ref, _, _, _ := stagedCopy(rows, 4, step)
		m, read, buf, k := stagedCopy(rows, 4, step)
		old := buf
		rewrite.Pipeline(m, []ir.ID{read}, &buf, k)

		assert.NotEqual(t, old, buf)
		assert.Nil(t, m.Node(old.Def), "old allocation erased")
		assert.Equal(t, []int{2, 4}, m.ValueType(buf).Shape)

		// Every access of the staging buffer inside the loop selects its slot
		// from the iteration count; the prologue writes slot 0.
		for _, id := range append(rewrite.Writes(m, m.FuncOf(k).ID, buf), rewrite.Reads(m, k, buf)...) {
			n := m.MustNode(id)
			slot := n.Map.Results[0]
			if !m.IsAncestor(k, id) {
				assert.True(t, slot.IsConst() && slot.Val == 0, "prologue slot %s", slot)
				continue
			}
			for it := 0; it < rows; it += step {
				dims := make([]int, len(n.Indices))
				for i, v := range n.Indices {
					if v == m.MustNode(k).IV() {
						dims[i] = it
					}
				}
				want := (it / step) % 2
				if n.Op == ir.OpStore {
					want = (it/step + 1) % 2
				}
				assert.Equal(t, want, slot.Eval(dims), "node %d at iteration %d", id, it)
			}
		}
		requireSame(t, ref, m)
	}
}

func TestPipelineRejectsOutsideAccess(t *testing.T) {
	m, read, buf, k := stagedCopy(4, 4, 1)
	b := ir.NewBuilder(m)
	b.SetInsertionPointAfter(k)
	b.Load(buf, affine.ConstantMap(0))
	requirePanics(t, func() { rewrite.Pipeline(m, []ir.ID{read}, &buf, k) })
}

func TestUnroll(t *testing.T) {
	ref := kernels.ElementWise([]int{4, 3}, []string{"tanh"})
	m := ref.Clone()
	assert.Equal(t, 1, rewrite.Unroll(m, rewrite.TripAtMost(3)))
	assert.Len(t, loops(m), 1)
	assert.Len(t, m.CollectModule(ir.OpIs(ir.OpStore)), 3)
	requireSame(t, ref, m)

	carried := rowSum(3, 4)
	mc := carried.Clone()
	inner := loops(mc)[1]
	assert.Equal(t, 1, rewrite.Unroll(mc, rewrite.LoopIn(inner)))
	requireSame(t, carried, mc)

	nested := kernels.ElementWise([]int{2, 2}, []string{"tanh"})
	mn := nested.Clone()
	assert.Equal(t, 2, rewrite.Unroll(mn, rewrite.TripAtMost(2)))
	assert.Empty(t, loops(mn))
	rewrite.DeleteExtraConstants(mn)
	requireSame(t, nested, mn)
}

func TestUnrollAttribute(t *testing.T) {
	m := kernels.Matmul(4, 4, 16)
	assert.Equal(t, 1, rewrite.UnrollAttribute(m, func(n *ir.Node) bool {
		trip, _ := n.TripCount()
		return trip == 16
	}))
	tagged := m.CollectModule(func(n *ir.Node) bool { return n.Attr(ir.AttrUnroll) == rewrite.UnrollFull })
	assert.Equal(t, []ir.ID{loops(m)[2]}, tagged)
}

// guarded builds a loop over [lb, ub) whose body copies in[i] to out[i]
// under the guard i - 4 >= 0.
func guarded(lb, ub int) (*ir.Module, ir.ID) {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("guarded", ir.Buffer(ir.F32, ir.Global, 8), ir.Buffer(ir.F32, ir.Global, 8))
	l := b.For(lb, ub, 1)
	var cond *ir.Node
	b.Within(l.ID, func() {
		cond = b.If(affine.NewSet(1, affine.Sub(affine.D(0), affine.C(4))), l.IV())
		b.Within(cond.ID, func() {
			x := b.Load(f.Arg(0), affine.Identity(1), l.IV())
			b.Store(x, f.Arg(1), affine.Identity(1), l.IV())
		})
	})
	return m, l.ID
}

func TestDeadBranchElimination(t *testing.T) {
	ref, _ := guarded(4, 8)
	m, loop := guarded(4, 8)
	assert.Equal(t, 0, rewrite.DeleteFalseIf(m))
	assert.Equal(t, 1, rewrite.TakeOffTrueIf(m))
	assert.Empty(t, m.CollectModule(ir.OpIs(ir.OpIf)))
	assert.Len(t, m.MustNode(loop).Body, 2, "body spliced in place")
	requireSame(t, ref, m)

	ref, _ = guarded(0, 4)
	m, loop = guarded(0, 4)
	assert.Equal(t, 0, rewrite.TakeOffTrueIf(m))
	assert.Equal(t, 1, rewrite.DeleteFalseIf(m))
	assert.Empty(t, m.MustNode(loop).Body)
	requireSame(t, ref, m)

	m, _ = guarded(0, 8)
	assert.Equal(t, 0, rewrite.TakeOffTrueIf(m))
	assert.Equal(t, 0, rewrite.DeleteFalseIf(m))
	assert.Len(t, m.CollectModule(ir.OpIs(ir.OpIf)), 1)
}

func TestScheduleHoistsIndexLoad(t *testing.T) {
	ref := kernels.Gather(16, 8, 4)
	m := ref.Clone()
	inner := loops(m)[1]
	body := m.MustNode(inner).Body
	idxLoad, cast := body[0], body[1]
	rewrite.Schedule(m, idxLoad, inner, rewrite.Before)
	rewrite.Schedule(m, cast, inner, rewrite.Before)
	assert.Len(t, m.MustNode(inner).Body, 2)
	requireSame(t, ref, m)

	requirePanics(t, func() { rewrite.Schedule(m, idxLoad, cast, rewrite.After) })
}

func TestExtractLoop(t *testing.T) {
	ref := kernels.ElementWise([]int{4, 8}, []string{"tanh"})
	m := ref.Clone()
	ls := loops(m)
	c := rewrite.ExtractLoop(m, ls[1], ls[0], 2)
	assert.Equal(t, m.IndexInParent(ls[0])-1, m.IndexInParent(c))
	for _, id := range m.Collect(c, ir.OpIs(ir.OpLoad, ir.OpStore)) {
		first := m.MustNode(id).Map.Results[0]
		assert.True(t, first.IsConst() && first.Val == 2, "row index %s", first)
	}
	requireSame(t, ref, m)

	requirePanics(t, func() { rewrite.ExtractLoop(m, ls[1], ls[0], 4) })
	body := m.MustNode(ls[1]).Body
	requirePanics(t, func() { rewrite.ExtractLoop(m, body[len(body)-1], ls[1], 0) })
}

func TestCacheReadWrite(t *testing.T) {
	ref := kernels.ElementWise([]int{4, 8}, []string{"exp"})
	m := ref.Clone()
	f := m.MustNode(m.Funcs[0])
	ls := loops(m)
	row, col := m.MustNode(ls[0]), m.MustNode(ls[1])

	regIn := rewrite.AllocBuffer(m, col.ID, ir.Buffer(ir.F32, ir.Local, 8))
	regOut := rewrite.AllocBuffer(m, col.ID, ir.Buffer(ir.F32, ir.Local, 8))
	rowMap := affine.NewMap(2, affine.D(0), affine.D(1))
	rewrite.Read(m, f.Arg(0), rowMap, []ir.Value{row.IV()}, regIn, col.ID, rewrite.Before, 4)
	assert.Equal(t, 1, rewrite.CacheRead(m, col.ID, f.Arg(0), regIn, affine.Identity(1), col.IV()))
	assert.Equal(t, 1, rewrite.CacheWrite(m, col.ID, f.Arg(1), regOut, affine.Identity(1), col.IV()))
	rewrite.Write(m, regOut, f.Arg(1), rowMap, []ir.Value{row.IV()}, col.ID, rewrite.After, 4)

	assert.Len(t, rewrite.Reads(m, row.ID, f.Arg(0)), 1)
	assert.Len(t, rewrite.Writes(m, row.ID, f.Arg(1)), 1)
	requireSame(t, ref, m)

	requirePanics(t, func() {
		rewrite.CacheRead(m, col.ID, regIn, regOut, affine.Identity(2), col.IV(), col.IV())
	})
}

func TestCombineToTwoDim(t *testing.T) {
	ref := kernels.ElementWise([]int{6, 4}, []string{"tanh"})
	m := ref.Clone()
	outer, inner := rewrite.CombineToTwoDim(m, loops(m))
	assert.Equal(t, []int{4, 6}, trips(m, []ir.ID{outer, inner}))
	requireSame(t, ref, m)
}

func TestPadAndGuard(t *testing.T) {
	ref := kernels.ElementWise([]int{10}, []string{"tanh"})
	m := ref.Clone()
	l := loops(m)[0]
	assert.Equal(t, 10, rewrite.PadLoop(m, l, 4))
	assert.Equal(t, []int{12}, trips(m, []ir.ID{l}))
	g := rewrite.Guard(m, m.MustNode(l).Body,
		affine.NewSet(1, affine.Sub(affine.C(9), affine.D(0))), m.MustNode(l).IV())
	split := rewrite.Split(m, l, 2, []int{4})
	requireSame(t, ref, m)
	assert.True(t, m.IsAncestor(split[1], g))
}

func TestDeleteExtraConstants(t *testing.T) {
	m := kernels.ElementWise([]int{4}, []string{"tanh"})
	f := m.Funcs[0]
	b := ir.NewBuilder(m)
	b.SetInsertionPointToEnd(f)
	b.ConstIndex(3)
	b.ConstIndex(3)
	l := loops(m)[0]
	b.SetInsertionPointToStart(l)
	used := b.ConstIndex(1)
	b.Apply(affine.NewMap(1, affine.D(0)), used)
	assert.Equal(t, 2, rewrite.DeleteExtraConstants(m))
	assert.Equal(t, f, m.MustNode(used.Def).Parent, "literal hoisted to the function")
	require.NoError(t, m.Verify())
}

func TestInsertBarrier(t *testing.T) {
	m := kernels.ElementWise([]int{4}, []string{"tanh"})
	l := loops(m)[0]
	id := rewrite.InsertBarrier(m, l, rewrite.End)
	body := m.MustNode(l).Body
	assert.Equal(t, id, body[len(body)-1])
	assert.Equal(t, ir.OpBarrier, m.MustNode(id).Op)
}
