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

// Package search drives the pattern optimizers over their configuration
// spaces and keeps the variant of a module with the lowest latency.
//
// Every attempt starts from a fresh clone of the baseline, so attempts are
// independent and can run concurrently. The result does not depend on the
// number of workers: the best variant is the first attempt, in sweep order,
// that reaches the minimum latency, and the baseline wins all ties.
package search

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/optimizer"
)

// Evaluator scores a module. Lower is better; the unit is up to the
// implementation but must be consistent across calls.
type Evaluator interface {
	Evaluate(ctx context.Context, m *ir.Module) (float64, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, m *ir.Module) (float64, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, m *ir.Module) (float64, error) {
	return f(ctx, m)
}

// Lowerer consumes the chosen module once the search is over.
type Lowerer interface {
	Lower(ctx context.Context, m *ir.Module) error
}

// State is a step of the search.
type State int

const (
	Idle State = iota
	Resetting
	Testing
	Applying
	Evaluating
	Recording
	Done
)

var stateNames = [...]string{"idle", "resetting", "testing", "applying", "evaluating", "recording", "done"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Event reports a state change to an Observer. Attempt is -1 for the
// baseline and for the Idle and Done states.
type Event struct {
	State     State
	Attempt   int
	Optimizer string
	Config    optimizer.Config
	// Latency is set when entering Recording.
	Latency float64
}

// Observer is notified of every state change. Calls are serialized.
type Observer func(Event)

// Attempt is the outcome of one (optimizer, configuration) pair.
type Attempt struct {
	Optimizer  string
	Config     optimizer.Config
	Applicable bool
	Latency    float64
	// Err is the evaluator failure, if any. Such attempts are skipped.
	Err error
}

// Result is the outcome of a search.
type Result struct {
	// Best is the winning module: a transformed clone, or the baseline
	// itself when no attempt beat it.
	Best            *ir.Module
	MinLatency      float64
	BaselineLatency float64

	// Winner and Config identify the winning attempt; Winner is empty when
	// the baseline won.
	Winner string
	Config optimizer.Config

	// Attempts lists every attempt in sweep order.
	Attempts []Attempt
}

// Driver sweeps Optimizers, each over its configurations.
type Driver struct {
	Optimizers []optimizer.Optimizer

	// Configs overrides the configurations tried per optimizer name. An
	// optimizer without an entry uses its default space.
	Configs map[string][]optimizer.Config

	Evaluator Evaluator

	// Lowerer, if set, is invoked once on the best module.
	Lowerer Lowerer

	// Workers bounds the number of concurrent attempts; values below 2 run
	// the sweep sequentially.
	Workers int

	Observer Observer

	mu sync.Mutex
}

type job struct {
	index int
	opt   optimizer.Optimizer
	cfg   optimizer.Config
}

func (d *Driver) jobs() ([]job, error) {
	var jobs []job
	for _, o := range d.Optimizers {
		space := o.Space()
		cfgs, ok := d.Configs[o.Name()]
		if !ok {
			cfgs = space.Defaults
		}
		for _, cfg := range cfgs {
			if err := space.Validate(cfg); err != nil {
				return nil, errors.WithMessagef(err, "optimizer %s", o.Name())
			}
			jobs = append(jobs, job{index: len(jobs), opt: o, cfg: cfg})
		}
	}
	return jobs, nil
}

func (d *Driver) observe(e Event) {
	if d.Observer == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Observer(e)
}

// best is the reduction state of a sweep.
type best struct {
	module  *ir.Module
	latency float64
	index   int // -1 for the baseline.
}

// offer records a candidate that is strictly faster, or ties with a later
// attempt. The baseline keeps its ties.
func (b *best) offer(m *ir.Module, latency float64, index int) bool {
	if !(latency < b.latency || (latency == b.latency && b.index >= 0 && index < b.index)) {
		return false
	}
	b.module, b.latency, b.index = m, latency, index
	return true
}

// finite rejects latencies that cannot be ordered.
func finite(latency float64) error {
	if math.IsNaN(latency) || math.IsInf(latency, 0) {
		return errors.Errorf("latency %g is not finite", latency)
	}
	return nil
}

// Run sweeps the optimizers over baseline, which is never modified. A
// failure to evaluate the baseline or to lower the result is returned as
// an error; attempts whose evaluation fails are skipped. When ctx is
// canceled no new attempt starts and the best result found so far is
// returned together with the context error.
func (d *Driver) Run(ctx context.Context, baseline *ir.Module) (*Result, error) {
	if d.Evaluator == nil {
		return nil, errors.New("search: no evaluator")
	}
	jobs, err := d.jobs()
	if err != nil {
		return nil, err
	}
	d.observe(Event{State: Idle, Attempt: -1})

	d.observe(Event{State: Evaluating, Attempt: -1})
	base, err := d.Evaluator.Evaluate(ctx, baseline)
	if err == nil {
		err = finite(base)
	}
	if err != nil {
		return nil, errors.Wrap(err, "evaluating the baseline")
	}
	klog.V(1).Infof("search: baseline latency %g, %d attempts", base, len(jobs))

	res := &Result{BaselineLatency: base, Attempts: make([]Attempt, len(jobs))}
	b := best{module: baseline, latency: base, index: -1}
	record := func(j job, m *ir.Module, a Attempt) {
		d.mu.Lock()
		res.Attempts[j.index] = a
		won := a.Applicable && a.Err == nil && b.offer(m, a.Latency, j.index)
		d.mu.Unlock()
		if won {
			klog.V(1).Infof("search: %s %s improves to %g", j.opt.Name(), j.cfg, a.Latency)
		}
	}

	var runErr error
	if d.Workers < 2 {
		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			m, a := d.attempt(ctx, j, baseline)
			record(j, m, a)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(d.Workers)
		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				m, a := d.attempt(ctx, j, baseline)
				record(j, m, a)
				return nil
			})
		}
		_ = g.Wait()
		if runErr == nil {
			runErr = ctx.Err()
		}
	}

	res.Best, res.MinLatency = b.module, b.latency
	if b.index >= 0 {
		res.Winner = jobs[b.index].opt.Name()
		res.Config = jobs[b.index].cfg
	}
	if runErr != nil {
		d.observe(Event{State: Done, Attempt: -1})
		return res, errors.Wrap(runErr, "search interrupted")
	}
	if d.Lowerer != nil {
		if err := d.Lowerer.Lower(ctx, res.Best); err != nil {
			d.observe(Event{State: Done, Attempt: -1})
			return res, errors.Wrap(err, "lowering the best module")
		}
	}
	d.observe(Event{State: Done, Attempt: -1})
	return res, nil
}

// attempt runs one job on a fresh clone of baseline. Panics from the
// optimizer are not recovered: they are broken invariants.
func (d *Driver) attempt(ctx context.Context, j job, baseline *ir.Module) (*ir.Module, Attempt) {
	name := j.opt.Name()
	ev := func(s State) Event { return Event{State: s, Attempt: j.index, Optimizer: name, Config: j.cfg} }
	a := Attempt{Optimizer: name, Config: j.cfg}

	d.observe(ev(Resetting))
	m := baseline.Clone()

	d.observe(ev(Testing))
	match, ok := j.opt.Applicable(m, j.cfg)
	if !ok {
		klog.V(2).Infof("search: %s %s not applicable", name, j.cfg)
		return nil, a
	}
	a.Applicable = true

	d.observe(ev(Applying))
	j.opt.Apply(m, j.cfg, match)

	d.observe(ev(Evaluating))
	latency, err := d.Evaluator.Evaluate(ctx, m)
	if err == nil {
		err = finite(latency)
	}
	if err != nil {
		klog.Warningf("search: skipping %s %s: %v", name, j.cfg, err)
		a.Err = err
		return nil, a
	}
	a.Latency = latency

	e := ev(Recording)
	e.Latency = latency
	d.observe(e)
	klog.V(1).Infof("search: %s %s latency %g", name, j.cfg, latency)
	return m, a
}
