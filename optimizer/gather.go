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
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/rewrite"
)

// GatherMatch is out[i, j] = table[idx[i], j].
type GatherMatch struct {
	funcMatch

	Table, Index, Out ir.Value
	Loops             []ir.ID
	NumIndices, Cols  int

	// IndexLoad and Cast read and convert idx[i].
	IndexLoad, Cast ir.ID

	// Set by Apply.
	Grid, Block ir.ID
}

func matchGather(m *ir.Module) (*GatherMatch, bool) {
	f, root, ok := loopEntry(m)
	if !ok {
		return nil, false
	}
	loops := m.PerfectChain(root.ID)
	if len(loops) != 2 || !normalized(m, loops...) {
		return nil, false
	}
	li, lj := m.MustNode(loops[0]), m.MustNode(loops[1])
	if len(lj.Body) != 4 {
		return nil, false
	}
	body := make([]*ir.Node, 4)
	for k, id := range lj.Body {
		body[k] = m.MustNode(id)
	}
	idx, cast, row, store := body[0], body[1], body[2], body[3]
	if idx.Op != ir.OpLoad || cast.Op != ir.OpArith || cast.Arith != ir.ArithIndexCast ||
		row.Op != ir.OpLoad || store.Op != ir.OpStore {
		return nil, false
	}
	if dims, ok := accessDims(idx); !ok || !slices.Equal(dims, []ir.Value{li.IV()}) {
		return nil, false
	}
	if cast.Operands[0] != idx.Result() || store.StoredValue() != row.Result() {
		return nil, false
	}
	if dims, ok := accessDims(row); !ok || !slices.Equal(dims, []ir.Value{cast.Result(), lj.IV()}) {
		return nil, false
	}
	if dims, ok := accessDims(store); !ok || !slices.Equal(dims, []ir.Value{li.IV(), lj.IV()}) {
		return nil, false
	}
	for _, n := range body {
		if n.IsMemAccess() && n.VectorWidth() != 1 {
			return nil, false
		}
	}
	match := &GatherMatch{
		funcMatch: funcMatch{f.ID},
		Table:     row.MemRef(),
		Index:     idx.MemRef(),
		Out:       store.MemRef(),
		Loops:     loops,
		IndexLoad: idx.ID,
		Cast:      cast.ID,
	}
	t := trips(m, loops)
	match.NumIndices, match.Cols = t[0], t[1]
	return match, true
}

type gather struct{}

// NewGather returns the optimizer of row gathers. A block copies
// ROWS_PER_BLOCK rows with one thread per vector of a row; the index is
// read once per thread.
func NewGather() Optimizer { return &gather{} }

func (o *gather) Name() string { return "Gather" }

func (o *gather) Space() Space {
	return Space{
		Knobs: []string{RowsPerBlock, VectorizeWidth},
		Defaults: []Config{
			{RowsPerBlock: 4, VectorizeWidth: 4},
			{RowsPerBlock: 8, VectorizeWidth: 4},
			{RowsPerBlock: 1, VectorizeWidth: 4},
			{RowsPerBlock: 4, VectorizeWidth: 2},
			{RowsPerBlock: 16, VectorizeWidth: 1},
		},
	}
}

func (o *gather) Applicable(m *ir.Module, cfg Config) (Match, bool) {
	match, ok := matchGather(m)
	if !ok {
		return nil, false
	}
	rpb, w := cfg.Get(RowsPerBlock), cfg.Get(VectorizeWidth)
	switch {
	case !divides(rpb, match.NumIndices):
		return nil, reject(o.Name(), cfg, "%d rows per block for %d indices", rpb, match.NumIndices)
	case !divides(w, match.Cols):
		return nil, reject(o.Name(), cfg, "width %d does not divide %d columns", w, match.Cols)
	case rpb*(match.Cols/w) > MaxThreadsPerBlock:
		return nil, reject(o.Name(), cfg, "%d threads per block", rpb*(match.Cols/w))
	}
	return match, true
}

func (o *gather) Apply(m *ir.Module, cfg Config, match Match) {
	mt, ok := match.(*GatherMatch)
	if !ok {
		exceptions.Panicf("%s: unexpected match %T", o.Name(), match)
	}
	rpb, w := cfg.Get(RowsPerBlock), cfg.Get(VectorizeWidth)
	klog.V(1).Infof("%s: %d rows of %d with %s", o.Name(), mt.NumIndices, mt.Cols, cfg)

	is := rewrite.Split(m, mt.Loops[0], 2, []int{rpb})
	js := rewrite.Split(m, mt.Loops[1], 2, []int{w})
	mt.Grid = markLevel(m, rewrite.Parallel(m, is[:1]), ir.LevelGrid).ID
	mt.Block = markLevel(m, rewrite.Parallel(m, []ir.ID{is[1], js[0]}), ir.LevelBlock).ID
	mt.Loops = nil

	lanes := js[1]
	rewrite.Schedule(m, mt.IndexLoad, lanes, rewrite.Before)
	rewrite.Schedule(m, mt.Cast, lanes, rewrite.Before)
	rewrite.Vectorize(m, lanes, w)
	rewrite.Unroll(m, rewrite.LoopIn(lanes))
	rewrite.DeleteExtraConstants(m)
}
