package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLayersCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "layers",
		Short: "List the layers of a model and the one used for explanations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := loadRegistry(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer reg.Close()

			entry, err := reg.Get(opts.modelName)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Model: %s (%s), input %dx%d, classes %v\n\n", entry.Name, entry.Mode, entry.ImageWidth, entry.ImageHeight, entry.Network.Classes())
			fmt.Fprintln(w, "INDEX\tNAME\tKIND\tOUTPUT\tEXPLAINED")
			for _, l := range entry.Network.Layers() {
				marker := ""
				if l.Name == entry.Layer.Name {
					marker = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%dx%dx%d\t%s\n", l.Index, l.Name, l.Kind, l.Height, l.Width, l.Channels, marker)
			}
			return w.Flush()
		},
	}
}
