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
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/tools/txtar"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/config"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/lower"
	"github.com/ajroetker/go-kcg/search"
)

type tuneFlags struct {
	kernelFlags
	config    string
	workers   int
	device    string
	evaluator string
	out       string
	triple    string
}

func newTuneCmd() *cobra.Command {
	var f tuneFlags
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Search the fastest transformation of a kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTune(cmd, &f)
		},
	}
	fs := cmd.Flags()
	f.kernelFlags.register(fs)
	fs.StringVarP(&f.config, "config", "c", "", "YAML search configuration")
	fs.IntVarP(&f.workers, "workers", "w", runtime.NumCPU(), "Concurrent attempts")
	fs.StringVar(&f.device, "device", "", "Device profile of the cost model, overrides the configuration")
	fs.StringVar(&f.evaluator, "evaluator", "", `Evaluator, "cost" or "measure", overrides the configuration`)
	fs.StringVar(&f.out, "out", "", "Write the baseline, the best module and its LLVM IR to this txtar archive")
	fs.StringVar(&f.triple, "triple", lower.DefaultTriple, "Target triple of the LLVM IR")
	return cmd
}

func runTune(cmd *cobra.Command, f *tuneFlags) error {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return err
		}
	}
	if f.config == "" || cmd.Flags().Changed("workers") {
		cfg.Workers = f.workers
	}
	if f.device != "" {
		cfg.Device = f.device
	}
	if f.evaluator != "" {
		cfg.Evaluator = f.evaluator
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ref, err := f.build()
	if err != nil {
		return err
	}
	d, err := cfg.NewDriver(ref)
	if err != nil {
		return err
	}
	low := &lower.LLVM{Triple: f.triple}
	d.Lowerer = low
	d.Observer = func(e search.Event) {
		if e.Attempt >= 0 {
			klog.V(3).Infof("attempt %d %s %s: %s", e.Attempt, e.Optimizer, e.Config, e.State)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	start := time.Now()
	res, err := d.Run(ctx, ref)
	if res == nil {
		return err
	}
	report(cmd.OutOrStdout(), res, time.Since(start))
	if err != nil {
		return err
	}
	if f.out != "" {
		if err := os.WriteFile(f.out, archive(ref, res, low), 0o644); err != nil {
			return errors.Wrap(err, "writing the archive")
		}
		klog.V(1).Infof("wrote %s", f.out)
	}
	return nil
}

func summary(res *search.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "baseline  %.4g\n", res.BaselineLatency)
	if res.Winner == "" {
		fmt.Fprintf(&sb, "best      %.4g, the baseline is the best variant\n", res.MinLatency)
	} else {
		fmt.Fprintf(&sb, "best      %.4g (%.2fx) %s %s\n", res.MinLatency, res.BaselineLatency/res.MinLatency, res.Winner, res.Config)
	}
	return sb.String()
}

func report(w io.Writer, res *search.Result, elapsed time.Duration) {
	applicable, failed := 0, 0
	for _, a := range res.Attempts {
		if a.Applicable {
			applicable++
		}
		if a.Err != nil {
			failed++
		}
	}
	fmt.Fprint(w, summary(res))
	fmt.Fprintf(w, "attempts  %d applicable of %d, %d failed, %s\n", applicable, len(res.Attempts), failed, elapsed.Round(time.Millisecond))
}

// archive bundles the result of a search.
func archive(ref *ir.Module, res *search.Result, low *lower.LLVM) []byte {
	var attempts strings.Builder
	for i, a := range res.Attempts {
		status := "not applicable"
		switch {
		case a.Err != nil:
			status = "failed: " + a.Err.Error()
		case a.Applicable:
			status = fmt.Sprintf("%.4g", a.Latency)
		}
		fmt.Fprintf(&attempts, "%d %s %s %s\n", i, a.Optimizer, a.Config, status)
	}
	var kernels strings.Builder
	for _, k := range low.Kernels {
		fmt.Fprintf(&kernels, "%s grid=%v block=%v\n", k.Name, k.Grid, k.Block)
	}
	return txtar.Format(&txtar.Archive{
		Comment: []byte(summary(res)),
		Files: []txtar.File{
			{Name: "baseline.mlir", Data: []byte(ref.String())},
			{Name: "best.mlir", Data: []byte(res.Best.String())},
			{Name: "best.ll", Data: []byte(low.Text)},
			{Name: "launch.txt", Data: []byte(kernels.String())},
			{Name: "attempts.txt", Data: []byte(attempts.String())},
		},
	})
}
