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

// Package config reads the YAML description of a search:
//
//	device: sm80
//	workers: 4
//	evaluator: cost
//	seed: 7
//	tolerance: 1e-3
//	optimizers:
//	  Matmul:
//	    - {BLOCK_SIZE_M: 64, BLOCK_SIZE_N: 64, BLOCK_SIZE_K: 16, THREAD_SIZE_M: 4, THREAD_SIZE_N: 4, VECTORIZE_WIDTH: 4}
//	  ElementWise: []
//
// Listing optimizers restricts the search to them. An optimizer with an
// empty list sweeps its default space.
package config

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-kcg/eval"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/optimizer"
	"github.com/ajroetker/go-kcg/search"
	"github.com/ajroetker/go-kcg/target"
)

// Evaluator kinds.
const (
	// CostModel scores variants with the analytic model of Device.
	CostModel = "cost"

	// Measure times the reference interpreter on the host.
	Measure = "measure"
)

// File is a search configuration.
type File struct {
	Device    string  `yaml:"device"`
	Workers   int     `yaml:"workers"`
	Evaluator string  `yaml:"evaluator"`
	Seed      uint64  `yaml:"seed"`
	Tolerance float64 `yaml:"tolerance"`

	// Repeats is the number of timed runs per variant of the Measure
	// evaluator.
	Repeats int `yaml:"repeats"`

	// Optimizers maps optimizer names to the configurations to try.
	Optimizers map[string][]optimizer.Config `yaml:"optimizers"`
}

// Default returns the configuration used without a file.
func Default() *File {
	return &File{Device: "sm80", Workers: 1, Evaluator: CostModel, Tolerance: 1e-3, Repeats: 5}
}

// Parse decodes and validates a configuration. Unknown fields are errors
// and omitted fields keep their Default values.
func Parse(data []byte) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration")
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return f, nil
}

// Validate checks the device, the evaluator and every configuration
// against the space of its optimizer.
func (f *File) Validate() error {
	if _, err := target.Lookup(f.Device); err != nil {
		return err
	}
	if f.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", f.Workers)
	}
	if f.Tolerance <= 0 {
		return errors.Errorf("tolerance must be positive, got %g", f.Tolerance)
	}
	if f.Evaluator != CostModel && f.Evaluator != Measure {
		return errors.Errorf("unknown evaluator %q, want %q or %q", f.Evaluator, CostModel, Measure)
	}
	for name, cfgs := range f.Optimizers {
		opts, err := optimizer.ByName(name)
		if err != nil {
			return err
		}
		space := opts[0].Space()
		for i, cfg := range cfgs {
			if err := space.Validate(cfg); err != nil {
				return errors.WithMessagef(err, "optimizers.%s[%d]", name, i)
			}
		}
	}
	return nil
}

// Selected returns the optimizers to run, in sweep order.
func (f *File) Selected() []optimizer.Optimizer {
	if len(f.Optimizers) == 0 {
		return optimizer.All()
	}
	return lo.Filter(optimizer.All(), func(o optimizer.Optimizer, _ int) bool {
		_, ok := f.Optimizers[o.Name()]
		return ok
	})
}

// Configs returns the configuration overrides of the search driver.
func (f *File) Configs() map[string][]optimizer.Config {
	return lo.PickBy(f.Optimizers, func(_ string, cfgs []optimizer.Config) bool { return len(cfgs) > 0 })
}

// NewEvaluator returns the evaluator of f, checking variants against
// reference.
func (f *File) NewEvaluator(reference *ir.Module) (search.Evaluator, error) {
	dev, err := target.Lookup(f.Device)
	if err != nil {
		return nil, err
	}
	var inner interface {
		Evaluate(ctx context.Context, m *ir.Module) (float64, error)
	}
	switch f.Evaluator {
	case CostModel:
		inner = eval.CostModel{Device: dev}
	case Measure:
		inner = eval.Measure{Repeats: f.Repeats, Seed: f.Seed}
	default:
		return nil, errors.Errorf("unknown evaluator %q", f.Evaluator)
	}
	return eval.Checked{Reference: reference, Inner: inner, Seed: f.Seed, Tol: f.Tolerance}, nil
}

// NewDriver returns a search driver for reference configured by f.
func (f *File) NewDriver(reference *ir.Module) (*search.Driver, error) {
	ev, err := f.NewEvaluator(reference)
	if err != nil {
		return nil, err
	}
	return &search.Driver{
		Optimizers: f.Selected(),
		Configs:    f.Configs(),
		Evaluator:  ev,
		Workers:    f.Workers,
	}, nil
}
