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

// Command kcg searches loop transformations of tensor kernels.
//
// Usage:
//
//	kcg tune --kernel matmul --shape 1024,1024,512 --workers 8 --out matmul.txtar
//	kcg tune --kernel attention --shape 4,256,64 --config search.yaml
//	kcg dump --kernel layernorm --shape 512,768 --optimizer LayerNorm --set ROWS_PER_BLOCK=32,VECTORIZE_WIDTH=4
//	kcg lower --kernel elementwise --shape 64,256 --optimizer ElementWise
//	kcg info
//
// tune sweeps the pattern optimizers over their configuration spaces and
// reports the fastest variant; with --out it writes the baseline, the best
// module and its LLVM IR to a txtar archive. dump and lower print a kernel,
// optionally transformed by one optimizer configuration. Logging is
// controlled by the klog flags, e.g. -v=2 to trace every attempt.
package main

import (
	goflag "flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kcg",
		Short:         "Search-driven loop transformations for GPU kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	root.AddCommand(newTuneCmd(), newDumpCmd(), newLowerCmd(), newInfoCmd())
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
