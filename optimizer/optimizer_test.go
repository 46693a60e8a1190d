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

	"github.com/ajroetker/go-kcg/eval"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/optimizer"
)

// apply runs o on a clone of ref with cfg, checks the result against ref
// and returns it with the final match.
func apply(t *testing.T, o optimizer.Optimizer, ref *ir.Module, cfg optimizer.Config) (*ir.Module, optimizer.Match) {
	t.Helper()
	require.NoError(t, o.Space().Validate(cfg))
	m := ref.Clone()
	before := m.String()
	match, ok := o.Applicable(m, cfg)
	require.True(t, ok, "%s not applicable with %s to:\n%s", o.Name(), cfg, ref)
	require.Equal(t, before, m.String(), "Applicable modified the module")
	o.Apply(m, cfg, match)
	require.NoError(t, m.Verify(), "module:\n%s", m)
	require.NoError(t, eval.Verify(eval.NewInterpreter(), ref, m, 5, 1e-4), "module:\n%s", m)
	return m, match
}

func rangeTrips(n *ir.Node) []int {
	out := make([]int, len(n.Ranges))
	for i, r := range n.Ranges {
		out[i] = r.Trip()
	}
	return out
}

// vectorAccesses counts the loads and stores of buf moving width elements.
func vectorAccesses(m *ir.Module, buf ir.Value, width int) int {
	count := 0
	m.WalkModule(func(n *ir.Node) bool {
		if n.IsMemAccess() && n.MemRef() == buf && n.VectorWidth() == width {
			count++
		}
		return true
	})
	return count
}

func TestConfigString(t *testing.T) {
	cfg := optimizer.Config{optimizer.VectorizeWidth: 4, optimizer.BlockSize: 256}
	assert.Equal(t, "BLOCK_SIZE=256,VECTORIZE_WIDTH=4", cfg.String())
	assert.Equal(t, 256, cfg.Get(optimizer.BlockSize))
	assert.Equal(t, 0, cfg.Get(optimizer.BlockRows))
}

func TestSpaceValidate(t *testing.T) {
	s := optimizer.Space{Knobs: []string{"A", "B"}}
	assert.NoError(t, s.Validate(optimizer.Config{"A": 1, "B": 2}))
	assert.ErrorContains(t, s.Validate(optimizer.Config{"A": 1}), "missing knob B")
	assert.ErrorContains(t, s.Validate(optimizer.Config{"A": 1, "B": 2, "C": 3}), "unknown knob C")
	assert.ErrorContains(t, s.Validate(optimizer.Config{"A": 0, "B": 2}), "must be positive")
}

func TestDefaultsAreValid(t *testing.T) {
	for _, o := range optimizer.All() {
		require.NotEmpty(t, o.Space().Defaults, o.Name())
		for _, cfg := range o.Space().Defaults {
			assert.NoError(t, o.Space().Validate(cfg), "%s: %s", o.Name(), cfg)
		}
	}
}

func TestByName(t *testing.T) {
	assert.Equal(t, []string{"Matmul", "BatchMatmul", "Binary", "ElementWise", "LayerNorm", "Gather", "FMHA"}, optimizer.Names())
	os, err := optimizer.ByName("FMHA", "Matmul")
	require.NoError(t, err)
	require.Len(t, os, 2)
	assert.Equal(t, "FMHA", os[0].Name())
	assert.Equal(t, "Matmul", os[1].Name())
	_, err = optimizer.ByName("Conv")
	assert.ErrorContains(t, err, "unknown optimizer")
}

// TestPatternsAreDisjoint checks that every baseline kernel is recognized
// by its own optimizer only.
func TestPatternsAreDisjoint(t *testing.T) {
	modules := map[string]*ir.Module{
		"Matmul":      kernels.Matmul(256, 256, 64),
		"BatchMatmul": kernels.BatchMatmul(2, 64, 64, 32),
		"Binary":      kernels.Binary(ir.ArithAdd, []int{64, 256}, []int{256}),
		"ElementWise": kernels.ElementWise([]int{64, 256}, []string{"tanh"}),
		"LayerNorm":   kernels.LayerNorm(128, 64, 1e-5),
		"Gather":      kernels.Gather(100, 64, 64),
		"FMHA":        kernels.Attention(1, 64, 16),
	}
	for kernel, m := range modules {
		for _, o := range optimizer.All() {
			applicable := false
			for _, cfg := range o.Space().Defaults {
				if _, ok := o.Applicable(m, cfg); ok {
					applicable = true
					break
				}
			}
			assert.Equal(t, kernel == o.Name(), applicable, "%s on the %s kernel", o.Name(), kernel)
		}
	}
}

func TestBinaryTypes(t *testing.T) {
	for _, tc := range []struct {
		a, b []int
		want optimizer.BinaryType
	}{
		{[]int{3, 4}, []int{3, 4}, optimizer.BinaryAllEqual},
		{[]int{3, 4}, []int{1}, optimizer.BinaryConstant},
		{[]int{1, 1}, []int{3, 4}, optimizer.BinaryConstant},
		{[]int{2, 3, 4}, []int{3, 4}, optimizer.BinaryNoOneOrder},
		{[]int{3, 4}, []int{2, 3, 4}, optimizer.BinaryNoOneOrder},
		{[]int{2, 3, 4}, []int{1, 3, 4}, optimizer.BinaryHasOneOrder},
		{[]int{2, 3, 4}, []int{2, 1, 1}, optimizer.BinaryAllOne},
		{[]int{2, 3, 4}, []int{2, 1, 4}, optimizer.BinaryHasOneUnorder},
		{[]int{2, 3, 4}, []int{3, 1}, optimizer.BinaryHasOneUnorder},
	} {
		assert.Equal(t, tc.want, optimizer.ClassifyBinary(tc.a, tc.b), "%v and %v", tc.a, tc.b)
	}
	assert.Equal(t, "hasOneUnorder", optimizer.BinaryHasOneUnorder.String())
	assert.Equal(t, "unknown", optimizer.BinaryType(42).String())
}
