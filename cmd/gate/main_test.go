package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"train", "folds", "featurize", "archs"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, cmd.Name())
	}
	train, _, err := root.Find([]string{"train"})
	require.NoError(t, err)
	for _, flag := range []string{"model", "loss_func", "n_folds", "fold_to_train", "alr_plateau", "pretrained", "config"} {
		require.NotNilf(t, train.Flags().Lookup(flag), "flag --%s", flag)
	}
	require.NotNil(t, root.PersistentFlags().Lookup("prof"))
	require.NoError(t, listArchs())
}
