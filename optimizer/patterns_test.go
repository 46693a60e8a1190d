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

package optimizer_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/optimizer"
	"github.com/ajroetker/go-kcg/rewrite"
)

func flatConfig(threads, w int) optimizer.Config {
	return optimizer.Config{optimizer.BlockSize: threads, optimizer.VectorizeWidth: w}
}

func TestElementWise(t *testing.T) {
	for _, tc := range []struct {
		name       string
		shape      []int
		threads, w int
		grid       int
	}{
		{"exact", []int{4, 64}, 32, 4, 2},
		{"padded", []int{5, 12}, 8, 4, 2},
		{"scalar", []int{3, 7}, 16, 1, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ref := kernels.ElementWise(tc.shape, []string{"tanh", kernels.Relu})
			m, match := apply(t, optimizer.NewElementWise(), ref, flatConfig(tc.threads, tc.w))
			fm := match.(*optimizer.FlatMatch)
			assert.Equal(t, tc.shape, fm.Shape)
			assert.Equal(t, []int{tc.grid}, rangeTrips(m.MustNode(fm.Grid)))
			assert.Equal(t, []int{tc.threads}, rangeTrips(m.MustNode(fm.Block)))
			assert.Empty(t, m.CollectModule(ir.OpIs(ir.OpFor)), "loops left:\n%s", m)
			if tc.w > 1 {
				out := m.MustNode(fm.FuncID).Arg(1)
				assert.Positive(t, vectorAccesses(m, out, tc.w))
			}
		})
	}
}

func TestElementWiseGuardsPaddedTail(t *testing.T) {
	ref := kernels.ElementWise([]int{5, 12}, []string{"negf"})
	m, _ := apply(t, optimizer.NewElementWise(), ref, flatConfig(8, 4))
	assert.Len(t, m.CollectModule(ir.OpIs(ir.OpIf)), 1)

	exact := kernels.ElementWise([]int{4, 16}, []string{"negf"})
	m, _ = apply(t, optimizer.NewElementWise(), exact, flatConfig(8, 4))
	assert.Empty(t, m.CollectModule(ir.OpIs(ir.OpIf)), "guard of a whole number of blocks was kept:\n%s", m)
}

func TestElementWiseRejects(t *testing.T) {
	o := optimizer.NewElementWise()
	m := kernels.ElementWise([]int{4, 6}, []string{"exp"})
	_, ok := o.Applicable(m, flatConfig(32, 4))
	assert.False(t, ok, "width 4 on a last dimension of 6")
	_, ok = o.Applicable(m, flatConfig(2048, 1))
	assert.False(t, ok, "2048 threads")
	_, ok = o.Applicable(kernels.Binary(ir.ArithAdd, []int{4, 8}, []int{8}), flatConfig(32, 4))
	assert.False(t, ok, "ElementWise matched a binary kernel")
}

func TestBinary(t *testing.T) {
	for _, tc := range []struct {
		a, b []int
		kind optimizer.BinaryType
	}{
		{[]int{8, 16}, []int{8, 16}, optimizer.BinaryAllEqual},
		{[]int{8, 16}, []int{16}, optimizer.BinaryNoOneOrder},
		{[]int{2, 8, 16}, []int{1, 8, 16}, optimizer.BinaryHasOneOrder},
		{[]int{8, 16}, []int{8, 1}, optimizer.BinaryAllOne},
		{[]int{4, 8, 16}, []int{4, 1, 16}, optimizer.BinaryHasOneUnorder},
		{[]int{8, 16}, []int{1}, optimizer.BinaryConstant},
	} {
		t.Run(tc.kind.String(), func(t *testing.T) {
			ref := kernels.Binary(ir.ArithMul, tc.a, tc.b)
			_, match := apply(t, optimizer.NewBinary(), ref, flatConfig(32, 4))
			assert.Equal(t, tc.kind, match.(*optimizer.FlatMatch).Kind)
		})
	}
}

func TestLayerNorm(t *testing.T) {
	ref := kernels.LayerNorm(64, 32, 1e-5)
	cfg := optimizer.Config{optimizer.RowsPerBlock: 16, optimizer.VectorizeWidth: 4}
	m, match := apply(t, optimizer.NewLayerNorm(), ref, cfg)
	ln := match.(*optimizer.LayerNormMatch)
	assert.Equal(t, 64, ln.Rows)
	assert.Equal(t, 32, ln.Cols)
	assert.Equal(t, []int{4}, rangeTrips(m.MustNode(ln.Grid)))
	assert.Equal(t, []int{16}, rangeTrips(m.MustNode(ln.Block)))

	require.Len(t, ln.Stats, 2)
	for _, s := range ln.Stats {
		typ := m.ValueType(s)
		assert.Equal(t, ir.Local, typ.Space)
		assert.Equal(t, []int{1}, typ.Shape)
	}
	for _, id := range ln.Reductions {
		red := m.MustNode(id)
		assert.False(t, red.Carried)
		assert.Equal(t, "unroll", red.Attr(ir.AttrUnroll))
	}
	out := m.MustNode(ln.Output)
	assert.Equal(t, 4, out.Step)
	assert.True(t, m.IsAncestor(ln.Block, out.ID))
}

func TestLayerNormRejects(t *testing.T) {
	o := optimizer.NewLayerNorm()
	m := kernels.LayerNorm(48, 30, 1e-5)
	for name, cfg := range map[string]optimizer.Config{
		"rows":  {optimizer.RowsPerBlock: 32, optimizer.VectorizeWidth: 2},
		"width": {optimizer.RowsPerBlock: 16, optimizer.VectorizeWidth: 4},
	} {
		_, ok := o.Applicable(m, cfg)
		assert.False(t, ok, name)
	}
	_, ok := o.Applicable(m, optimizer.Config{optimizer.RowsPerBlock: 16, optimizer.VectorizeWidth: 2})
	assert.True(t, ok)
}

func TestGather(t *testing.T) {
	ref := kernels.Gather(16, 8, 12)
	cfg := optimizer.Config{optimizer.RowsPerBlock: 4, optimizer.VectorizeWidth: 4}
	m, match := apply(t, optimizer.NewGather(), ref, cfg)
	g := match.(*optimizer.GatherMatch)
	assert.Equal(t, 12, g.NumIndices)
	assert.Equal(t, 8, g.Cols)
	assert.Equal(t, []int{3}, rangeTrips(m.MustNode(g.Grid)))
	assert.Equal(t, []int{4, 2}, rangeTrips(m.MustNode(g.Block)))

	// The index is read once per thread, outside of the vector copy.
	assert.Equal(t, g.Block, m.MustNode(g.IndexLoad).Parent)
	assert.Len(t, rewrite.Reads(m, g.Block, g.Index), 1)
	assert.Equal(t, 1, vectorAccesses(m, g.Table, 4))
	assert.Equal(t, 1, vectorAccesses(m, g.Out, 4))

	_, ok := optimizer.NewGather().Applicable(ref, optimizer.Config{optimizer.RowsPerBlock: 5, optimizer.VectorizeWidth: 4})
	assert.False(t, ok)
}

func TestFMHA(t *testing.T) {
	const batch, seq, dim = 2, 16, 8
	ref := kernels.Attention(batch, seq, dim)
	cfg := optimizer.Config{optimizer.BlockRows: 8, optimizer.VectorizeWidth: 4}
	m, match := apply(t, optimizer.NewFMHA(), ref, cfg)
	fm := match.(*optimizer.FMHAMatch)
	assert.Equal(t, []int{batch, seq, dim}, []int{fm.Batch, fm.Seq, fm.Dim})
	assert.InDelta(t, 1/math.Sqrt(dim), fm.Scale, 1e-6)
	assert.ElementsMatch(t, []string{"bmm_qk", "softmax", "bmm_sv"}, fm.Callees)

	// One kernel is left and it never materializes the scores.
	assert.Len(t, m.Funcs, 1)
	assert.Empty(t, m.CollectModule(ir.OpIs(ir.OpCall)))
	m.WalkModule(func(n *ir.Node) bool {
		if n.Op == ir.OpAlloc {
			assert.Equal(t, ir.Local, n.Type.Space, "alloc %d", n.ID)
		}
		return true
	})
	assert.Equal(t, []int{batch, seq / 8}, rangeTrips(m.MustNode(fm.Grid)))
	assert.Equal(t, []int{8}, rangeTrips(m.MustNode(fm.Block)))
	assert.Equal(t, []int{dim}, m.ValueType(fm.Acc).Shape)
	assert.Positive(t, vectorAccesses(m, fm.O, 4))
}

func TestFMHARejects(t *testing.T) {
	o := optimizer.NewFMHA()
	cfg := optimizer.Config{optimizer.BlockRows: 8, optimizer.VectorizeWidth: 4}
	_, ok := o.Applicable(kernels.BatchMatmul(2, 16, 16, 8), cfg)
	assert.False(t, ok, "FMHA matched a plain product")
	_, ok = o.Applicable(kernels.Attention(1, 12, 8), cfg)
	assert.False(t, ok, "8 rows per block for a sequence of 12")
	_, ok = o.Applicable(kernels.Attention(1, 16, 6), cfg)
	assert.False(t, ok, "width 4 for a head dimension of 6")
}
