// gate trains and evaluates graph neural networks that predict protein–ligand binding affinity.
//
// Subcommands:
//
//   - train: trains one fold of a dataset of interaction graphs.
//   - folds: reports the stratified folds of a dataset.
//   - featurize: builds interaction graphs from protein and ligand structures.
//   - archs: lists the model architectures.
package main

import (
	"context"
	goflag "flag"
	"os"
	"time"

	"github.com/janpfeifer/gateaffinity/internal/profilers"
	"github.com/janpfeifer/gateaffinity/internal/ui/spinning"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCommand() *cobra.Command {
	var (
		profiler *profilers.Profiler
		cancel   context.CancelFunc
	)
	root := &cobra.Command{
		Use:           "gate",
		Short:         "Graph neural networks for protein–ligand binding affinity",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Capture Control+C: commands stop between batches.
			var ctx context.Context
			ctx, cancel = context.WithCancel(cmd.Context())
			spinning.SafeInterrupt(cancel, 10*time.Second)
			cmd.SetContext(ctx)
			return profiler.Setup(ctx)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			profiler.OnQuit()
			if cancel != nil {
				cancel()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.AddGoFlagSet(goflag.CommandLine)
	profiler = profilers.RegisterFlags(flags)

	root.AddCommand(newTrainCommand(), newFoldsCommand(), newFeaturizeCommand(), newArchsCommand())
	return root
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
