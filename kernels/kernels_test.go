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

package kernels_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ajroetker/go-kcg/eval"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
)

func run(t *testing.T, m *ir.Module, seed uint64) []*eval.Buffer {
	t.Helper()
	require.NoError(t, m.Verify())
	entry, err := eval.Entry(m)
	require.NoError(t, err)
	args := eval.Inputs(entry, seed)
	require.NoError(t, eval.NewInterpreter().Run(m, entry.Name, args...))
	return args
}

func dense(b *eval.Buffer, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i, v := range b.Data[:rows*cols] {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data)
}

func TestMatmulMatchesGonum(t *testing.T) {
	for _, tc := range []struct {
		name           string
		transA, transB bool
	}{
		{"NN", false, false},
		{"TN", true, false},
		{"NT", false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const m, n, k = 8, 12, 5
			args := run(t, kernels.Matmul(m, n, k, kernels.WithTranspose(tc.transA, tc.transB)), 3)
			var a, b mat.Matrix = dense(args[0], m, k), dense(args[1], k, n)
			if tc.transA {
				a = dense(args[0], k, m).T()
			}
			if tc.transB {
				b = dense(args[1], n, k).T()
			}
			var want mat.Dense
			want.Mul(a, b)
			got := dense(args[2], m, n)
			assert.True(t, mat.EqualApprox(&want, got, 1e-4), "C = %v, want %v", mat.Formatted(got), mat.Formatted(&want))
		})
	}
}

func TestBatchMatmul(t *testing.T) {
	const batch, m, n, k = 2, 3, 4, 5
	args := run(t, kernels.BatchMatmul(batch, m, n, k), 1)
	for bi := range batch {
		a := mat.NewDense(m, k, nil)
		b := mat.NewDense(k, n, nil)
		for i := range m {
			for j := range k {
				a.Set(i, j, float64(args[0].At(bi, i, j)))
			}
		}
		for i := range k {
			for j := range n {
				b.Set(i, j, float64(args[1].At(bi, i, j)))
			}
		}
		var want mat.Dense
		want.Mul(a, b)
		for i := range m {
			for j := range n {
				assert.InDelta(t, want.At(i, j), float64(args[2].At(bi, i, j)), 1e-4)
			}
		}
	}
}

func TestBinaryBroadcast(t *testing.T) {
	out, ok := kernels.BroadcastShape([]int{2, 20, 256}, []int{20, 1})
	require.True(t, ok)
	assert.Equal(t, []int{2, 20, 256}, out)
	_, ok = kernels.BroadcastShape([]int{3, 4}, []int{5})
	assert.False(t, ok)

	args := run(t, kernels.Binary(ir.ArithSub, []int{3, 4}, []int{4}), 5)
	for i := range 3 {
		for j := range 4 {
			assert.Equal(t, args[0].At(i, j)-args[1].At(j), args[2].At(i, j))
		}
	}
}

func TestElementWise(t *testing.T) {
	args := run(t, kernels.ElementWise([]int{4, 8}, []string{"negf", kernels.Relu}), 2)
	for i, x := range args[0].Data {
		assert.Equal(t, max(-x, 0), args[1].Data[i])
	}
}

func TestLayerNorm(t *testing.T) {
	const rows, cols = 3, 16
	args := run(t, kernels.LayerNorm(rows, cols, 1e-5), 4)
	for i := range rows {
		var mean, sq float64
		for j := range cols {
			mean += float64(args[0].At(i, j))
		}
		mean /= cols
		for j := range cols {
			d := float64(args[0].At(i, j)) - mean
			sq += d * d
		}
		rstd := 1 / math.Sqrt(sq/cols+1e-5)
		for j := range cols {
			want := (float64(args[0].At(i, j))-mean)*rstd*float64(args[1].At(j)) + float64(args[2].At(j))
			assert.InDelta(t, want, float64(args[3].At(i, j)), 1e-4)
		}
	}
}

func TestGather(t *testing.T) {
	args := run(t, kernels.Gather(10, 4, 6), 9)
	for i := range 6 {
		r := int(args[1].At(i))
		require.True(t, r >= 0 && r < 10, "index %d out of range", r)
		for j := range 4 {
			assert.Equal(t, args[0].At(r, j), args[2].At(i, j))
		}
	}
}

func TestAttention(t *testing.T) {
	const batch, seq, dim = 1, 4, 8
	m := kernels.Attention(batch, seq, dim)
	args := run(t, m, 6)
	q, k, v, o := args[0], args[1], args[2], args[3]
	scale := 1 / math.Sqrt(dim)
	for i := range seq {
		scores := make([]float64, seq)
		mx := math.Inf(-1)
		for j := range seq {
			for d := range dim {
				scores[j] += float64(q.At(0, i, d)) * float64(k.At(0, j, d))
			}
			mx = max(mx, scores[j])
		}
		var sum float64
		for j := range scores {
			scores[j] = math.Exp((scores[j] - mx) * scale)
			sum += scores[j]
		}
		for d := range dim {
			var want float64
			for j := range seq {
				want += scores[j] / sum * float64(v.At(0, j, d))
			}
			assert.InDelta(t, want, float64(o.At(0, i, d)), 1e-4)
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range kernels.Names() {
		dims := map[string][]int{
			"matmul": {4, 4, 4}, "batch_matmul": {2, 4, 4, 4}, "layernorm": {4, 8},
			"gather": {8, 4, 4}, "attention": {1, 4, 4},
		}[name]
		if dims == nil {
			dims = []int{4, 8}
		}
		m, err := kernels.ByName(name, dims)
		require.NoError(t, err, name)
		assert.NoError(t, m.Verify(), name)
	}
	_, err := kernels.ByName("matmul", []int{4, 4})
	assert.Error(t, err)
	_, err = kernels.ByName("conv", []int{4})
	assert.Error(t, err)
}

func TestGemmString(t *testing.T) {
	assert.Equal(t, "2x128x128x64 (B^T)", kernels.Gemm{Batch: 2, M: 128, N: 128, K: 64, TransB: true}.String())
	assert.Equal(t, []int{64, 128}, kernels.Gemm{M: 128, N: 32, K: 64, TransA: true}.ShapeA())
}
