package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/janpfeifer/gateaffinity/internal/featurize"
	"github.com/janpfeifer/gateaffinity/internal/models"
	"github.com/spf13/cobra"
)

func newArchsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archs",
		Short: "List the model architectures",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return listArchs()
		},
	}
}

// listArchs prints the architectures, as configured for the graphs built by featurize.
func listArchs() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ARCH\tLAYERS\tCONVS\tREADOUT\tHEAD")
	for _, arch := range models.ArchValues() {
		if arch == models.ArchFNN {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\tmean nodes and edges\tfnn\n", arch)
			continue
		}
		spec, err := models.SpecFor(arch, featurize.NumNodeFeatures, featurize.NumEdgeFeatures, 0)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%v\n", arch, len(spec.Layers), len(spec.Convs), spec.Readout, spec.Head)
	}
	return w.Flush()
}
