package main

import (
	"context"
	"fmt"

	"github.com/janpfeifer/gateaffinity/internal/config"
	"github.com/janpfeifer/gateaffinity/internal/folds"
	"github.com/janpfeifer/gateaffinity/internal/generics"
	"github.com/spf13/cobra"
)

func newFoldsCommand() *cobra.Command {
	d := config.Default()
	var (
		dataDir string
		nFolds  int
		seed    uint64
	)
	cmd := &cobra.Command{
		Use:   "folds",
		Short: "Report the strata and the stratified folds of a dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFolds(cmd.Context(), dataDir, nFolds, seed)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data_dir", d.DataDir, "Directory with the dataset shards")
	cmd.Flags().IntVar(&nFolds, "n_folds", d.NFolds, "Number of folds")
	cmd.Flags().Uint64Var(&seed, "seed", d.Seed, "Seed of the split")
	return cmd
}

func runFolds(ctx context.Context, dataDir string, nFolds int, seed uint64) error {
	dataset, err := loadDataset(ctx, dataDir)
	if err != nil {
		return err
	}
	labels := dataset.Labels()
	fmt.Printf("%d graphs\n\nStratum  Count\n", len(labels))
	for stratum, count := range generics.SortedKeysAndValues(folds.StrataCounts(labels)) {
		fmt.Printf("%7d  %5d\n", stratum, count)
	}
	splits, err := folds.Stratify(labels, nFolds, seed)
	if err != nil {
		return err
	}
	fmt.Printf("\nFold  Train  Validation\n")
	valSizes := make([]int, len(splits))
	for ii, fold := range splits {
		valSizes[ii] = len(fold.Validation)
		fmt.Printf("%4d  %5d  %10d\n", ii, len(fold.Train), valSizes[ii])
	}
	fmt.Printf("%d graphs in the validation sets\n", generics.Sum(valSizes))
	return nil
}
