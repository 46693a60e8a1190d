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

package optimizer

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/rewrite"
)

// RowsPerBlock is the number of rows a block handles, one per thread.
const RowsPerBlock = "ROWS_PER_BLOCK"

// LayerNormMatch is a loop over rows whose body reduces the row in one or
// more carried loops and then writes it in a final elementwise loop.
type LayerNormMatch struct {
	funcMatch

	Row        ir.ID
	Reductions []ir.ID
	Output     ir.ID
	Rows, Cols int

	// Set by Apply: the per-thread cells holding the row statistics.
	Stats       []ir.Value
	Grid, Block ir.ID
}

func matchLayerNorm(m *ir.Module) (*LayerNormMatch, bool) {
	f, root, ok := loopEntry(m)
	if !ok || !normalized(m, root.ID) {
		return nil, false
	}
	match := &LayerNormMatch{funcMatch: funcMatch{f.ID}, Row: root.ID}
	match.Rows, _ = root.TripCount()
	for _, id := range root.Body {
		n := m.MustNode(id)
		switch n.Op {
		case ir.OpConst, ir.OpArith:
			continue
		case ir.OpFor:
		default:
			return nil, false
		}
		if match.Output != 0 {
			return nil, false
		}
		lb, _, ok := n.ConstantBounds()
		trip, _ := n.TripCount()
		if !ok || lb != 0 || n.Step != 1 || len(m.Collect(id, ir.OpIs(ir.OpFor))) != 1 {
			return nil, false
		}
		if match.Cols == 0 {
			match.Cols = trip
		} else if trip != match.Cols {
			return nil, false
		}
		if n.Carried {
			match.Reductions = append(match.Reductions, id)
		} else {
			match.Output = id
		}
	}
	if len(match.Reductions) == 0 || match.Output == 0 {
		return nil, false
	}
	return match, true
}

type layerNorm struct{}

// NewLayerNorm returns the optimizer of row normalizations: every thread of
// a block owns one row, keeps its statistics in registers and writes the
// row with vector stores.
func NewLayerNorm() Optimizer { return &layerNorm{} }

func (o *layerNorm) Name() string { return "LayerNorm" }

func (o *layerNorm) Space() Space {
	return Space{
		Knobs: []string{RowsPerBlock, VectorizeWidth},
		Defaults: []Config{
			{RowsPerBlock: 32, VectorizeWidth: 4},
			{RowsPerBlock: 64, VectorizeWidth: 4},
			{RowsPerBlock: 16, VectorizeWidth: 4},
			{RowsPerBlock: 32, VectorizeWidth: 2},
			{RowsPerBlock: 128, VectorizeWidth: 1},
		},
	}
}

func (o *layerNorm) Applicable(m *ir.Module, cfg Config) (Match, bool) {
	match, ok := matchLayerNorm(m)
	if !ok {
		return nil, false
	}
	rpb, w := cfg.Get(RowsPerBlock), cfg.Get(VectorizeWidth)
	switch {
	case rpb > MaxThreadsPerBlock || !divides(rpb, match.Rows):
		return nil, reject(o.Name(), cfg, "%d rows per block for %d rows", rpb, match.Rows)
	case !divides(w, match.Cols):
		return nil, reject(o.Name(), cfg, "width %d does not divide %d columns", w, match.Cols)
	}
	return match, true
}

func (o *layerNorm) Apply(m *ir.Module, cfg Config, match Match) {
	mt, ok := match.(*LayerNormMatch)
	if !ok {
		exceptions.Panicf("%s: unexpected match %T", o.Name(), match)
	}
	rpb, w := cfg.Get(RowsPerBlock), cfg.Get(VectorizeWidth)
	klog.V(1).Infof("%s: %dx%d with %s", o.Name(), mt.Rows, mt.Cols, cfg)

	rows := rewrite.Split(m, mt.Row, 2, []int{rpb})
	mt.Grid = markLevel(m, rewrite.Parallel(m, rows[:1]), ir.LevelGrid).ID
	mt.Block = markLevel(m, rewrite.Parallel(m, rows[1:]), ir.LevelBlock).ID
	mt.Row = 0

	mt.Stats = mt.Stats[:0]
	for _, red := range mt.Reductions {
		mt.Stats = append(mt.Stats, rewrite.BufferizeLoopCarryVar(m, []ir.ID{red}))
	}
	rewrite.Vectorize(m, mt.Output, w)
	rewrite.UnrollAttribute(m, rewrite.LoopIn(mt.Reductions...))
	rewrite.DeleteExtraConstants(m)
}
