package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/Sternrassler/dhis2-extract/pkg/config"
	"github.com/spf13/cobra"
)

func newParamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "List the pipeline parameters and their defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FLAG\tTYPE\tDEFAULT\tDESCRIPTION")
			for _, p := range config.Parameters {
				fmt.Fprintf(w, "--%s\t%s\t%s\t%s\n", flagName(p.Key), p.Type, p.Default, p.Name)
			}
			return w.Flush()
		},
	}
}
