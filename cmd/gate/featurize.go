package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/janpfeifer/gateaffinity/internal/featurize"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/janpfeifer/gateaffinity/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type featurizeOptions struct {
	structuresDir, index, output string
	affinityColumn, parallelism  int
	cutoff                       float64
}

func newFeaturizeCommand() *cobra.Command {
	opts := featurizeOptions{}
	cmd := &cobra.Command{
		Use:   "featurize",
		Short: "Build a dataset shard of interaction graphs from protein and ligand structures",
		Long: "Build a dataset shard of interaction graphs from protein and ligand structures, organized as in " +
			"PDBbind: <structures>/<id>/<id>_pocket.pdb (or _protein.pdb) and <id>_ligand.pdb (or .xyz).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFeaturize(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.structuresDir, "structures", "", "Directory with one sub-directory of structures per complex")
	flags.StringVar(&opts.index, "index", "", "Index file with the complex IDs and affinities")
	flags.IntVar(&opts.affinityColumn, "affinity_column", 3, "Column (0-based) of the affinity in the index file")
	flags.StringVar(&opts.output, "output", "data/training_data/graphs"+graphs.ShardExt, "Output shard file")
	flags.Float64Var(&opts.cutoff, "cutoff", featurize.DefaultCutoff, "Distance (Å) under which atoms are connected")
	flags.IntVar(&opts.parallelism, "parallelism", runtime.NumCPU(), "Number of complexes featurized in parallel")
	must.M(cmd.MarkFlagRequired("structures"))
	must.M(cmd.MarkFlagRequired("index"))
	return cmd
}

func runFeaturize(ctx context.Context, opts featurizeOptions) error {
	entries, err := featurize.ReadIndex(opts.index, opts.affinityColumn)
	if err != nil {
		return err
	}
	spinner := spinning.New(ctx, os.Stdout, fmt.Sprintf("Featurizing %d complexes", len(entries)))
	list, err := featurize.Dataset(ctx, opts.structuresDir, entries, opts.cutoff, opts.parallelism)
	spinner.Done()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Errorf("no complex could be featurized from %q", opts.structuresDir)
	}
	if err = os.MkdirAll(filepath.Dir(opts.output), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory")
	}
	if err = graphs.SaveShard(opts.output, list); err != nil {
		return err
	}
	fmt.Printf("Saved %d interaction graphs to %s\n", len(list), opts.output)
	return nil
}
