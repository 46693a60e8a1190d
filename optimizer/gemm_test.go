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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ajroetker/go-kcg/eval"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/optimizer"
)

func gemmConfig(bm, bn, bk, tm, tn, w int) optimizer.Config {
	return optimizer.Config{
		optimizer.BlockSizeM: bm, optimizer.BlockSizeN: bn, optimizer.BlockSizeK: bk,
		optimizer.ThreadSizeM: tm, optimizer.ThreadSizeN: tn, optimizer.VectorizeWidth: w,
	}
}

func TestMatmul(t *testing.T) {
	const M, N, K = 128, 128, 64
	ref := kernels.Matmul(M, N, K)
	m, match := apply(t, optimizer.NewMatmul(), ref, gemmConfig(32, 32, 16, 4, 4, 4))
	g := match.(*optimizer.GemmMatch)
	assert.Equal(t, kernels.Gemm{M: M, N: N, K: K}, g.Gemm)

	grid, block := m.MustNode(g.Grid), m.MustNode(g.Block)
	assert.Equal(t, ir.LevelGrid, grid.Attr(ir.AttrLevel))
	assert.Equal(t, ir.LevelBlock, block.Attr(ir.AttrLevel))
	assert.Equal(t, []int{4, 4}, rangeTrips(grid))
	assert.Equal(t, []int{8, 8}, rangeTrips(block))
	assert.True(t, m.IsAncestor(grid.ID, block.ID))
	assert.Positive(t, vectorAccesses(m, g.A, 4), "no width-4 loads of A:\n%s", m)
	assert.Positive(t, vectorAccesses(m, g.B, 4), "no width-4 loads of B:\n%s", m)
	assert.Positive(t, vectorAccesses(m, g.C, 4), "no width-4 stores of C:\n%s", m)
	assert.NotEmpty(t, m.CollectModule(ir.OpIs(ir.OpBarrier)))

	// Shared tiles are double buffered.
	var shared [][]int
	m.WalkModule(func(n *ir.Node) bool {
		if n.Op == ir.OpAlloc && n.Type.Space == ir.Shared {
			shared = append(shared, n.Type.Shape)
		}
		return true
	})
	assert.ElementsMatch(t, [][]int{{2, 16, 32}, {2, 16, 32}}, shared)

	// The tiled kernel agrees with gonum.
	entry, err := eval.Entry(m)
	require.NoError(t, err)
	args := eval.Inputs(entry, 17)
	require.NoError(t, eval.NewInterpreter().Run(m, entry.Name, args...))
	toDense := func(b *eval.Buffer, rows, cols int) *mat.Dense {
		d := mat.NewDense(rows, cols, nil)
		for i := range rows {
			for j := range cols {
				d.Set(i, j, float64(b.At(i, j)))
			}
		}
		return d
	}
	var want mat.Dense
	want.Mul(toDense(args[0], M, K), toDense(args[1], K, N))
	assert.True(t, mat.EqualApprox(&want, toDense(args[2], M, N), 1e-3))
}

func TestMatmulTransposed(t *testing.T) {
	for _, tc := range []struct {
		name           string
		transA, transB bool
	}{
		{"TN", true, false},
		{"NT", false, true},
		{"TT", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ref := kernels.Matmul(64, 64, 32, kernels.WithTranspose(tc.transA, tc.transB))
			_, match := apply(t, optimizer.NewMatmul(), ref, gemmConfig(32, 32, 16, 4, 4, 4))
			g := match.(*optimizer.GemmMatch)
			assert.Equal(t, tc.transA, g.TransA)
			assert.Equal(t, tc.transB, g.TransB)
		})
	}
}

func TestBatchMatmul(t *testing.T) {
	ref := kernels.BatchMatmul(2, 64, 64, 32)
	m, match := apply(t, optimizer.NewBatchMatmul(), ref, gemmConfig(32, 32, 16, 4, 4, 4))
	g := match.(*optimizer.GemmMatch)
	assert.Equal(t, 2, g.Batch)
	assert.Equal(t, []int{2, 2, 2}, rangeTrips(m.MustNode(g.Grid)))

	_, ok := optimizer.NewMatmul().Applicable(ref, gemmConfig(32, 32, 16, 4, 4, 4))
	assert.False(t, ok, "Matmul matched a batched product")
}

func TestGemmRejectsConfigurations(t *testing.T) {
	m := kernels.Matmul(128, 128, 64)
	o := optimizer.NewMatmul()
	for name, cfg := range map[string]optimizer.Config{
		"block does not divide":  gemmConfig(48, 32, 16, 4, 4, 4),
		"too many threads":       gemmConfig(64, 64, 16, 1, 1, 1),
		"too much shared memory": gemmConfig(128, 128, 64, 8, 8, 4),
		"width vs thread tile":   gemmConfig(32, 32, 16, 2, 2, 4),
		"copy does not divide":   gemmConfig(32, 32, 2, 4, 4, 4),
	} {
		_, ok := o.Applicable(m, cfg)
		assert.False(t, ok, name)
	}
}
