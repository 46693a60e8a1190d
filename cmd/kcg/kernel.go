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

package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/optimizer"
)

// kernelFlags select the baseline kernel.
type kernelFlags struct {
	kernel string
	shape  []int
	elem   string
}

func (k *kernelFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&k.kernel, "kernel", "k", "matmul", "Baseline kernel ("+strings.Join(kernels.Names(), ", ")+")")
	fs.IntSliceVarP(&k.shape, "shape", "s", []int{256, 256, 256}, "Kernel dimensions, see the kernel list in kcg info")
	fs.StringVar(&k.elem, "elem", "f32", "Element type (f32 or f16)")
}

func (k *kernelFlags) build() (*ir.Module, error) {
	var elem ir.ElemType
	switch k.elem {
	case "f32":
		elem = ir.F32
	case "f16":
		elem = ir.F16
	default:
		return nil, errors.Errorf("unsupported element type %q", k.elem)
	}
	return kernels.ByName(k.kernel, k.shape, kernels.WithElemType(elem))
}

// transformFlags select one optimizer configuration.
type transformFlags struct {
	optimizer string
	knobs     map[string]int
}

func (t *transformFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&t.optimizer, "optimizer", "o", "", "Optimizer to apply ("+strings.Join(optimizer.Names(), ", ")+")")
	fs.StringToIntVar(&t.knobs, "set", nil, "Configuration knobs, e.g. BLOCK_SIZE=256,VECTORIZE_WIDTH=4; the first default configuration if empty")
}

// apply returns ref unchanged when no optimizer is selected, or a
// transformed clone.
func (t *transformFlags) apply(ref *ir.Module) (*ir.Module, error) {
	if t.optimizer == "" {
		if len(t.knobs) > 0 {
			return nil, errors.New("--set requires --optimizer")
		}
		return ref, nil
	}
	opts, err := optimizer.ByName(t.optimizer)
	if err != nil {
		return nil, err
	}
	o := opts[0]
	cfg := optimizer.Config(t.knobs)
	if len(cfg) == 0 {
		cfg = o.Space().Defaults[0]
	}
	if err := o.Space().Validate(cfg); err != nil {
		return nil, errors.WithMessagef(err, "optimizer %s", o.Name())
	}
	m := ref.Clone()
	match, ok := o.Applicable(m, cfg)
	if !ok {
		return nil, errors.Errorf("%s with %s does not apply to this kernel", o.Name(), cfg)
	}
	o.Apply(m, cfg, match)
	if err := m.Verify(); err != nil {
		return nil, errors.WithMessagef(err, "%s with %s produced an invalid module", o.Name(), cfg)
	}
	return m, nil
}
