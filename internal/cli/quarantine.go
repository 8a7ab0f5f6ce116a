package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devrev/pairdb/tierstore/internal/errors"
)

func newQuarantineCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and release batches excluded from reads",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List quarantined batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if a.Locator == nil {
				return errors.IndexUnavailable("locator index is disabled")
			}

			batches := a.Locator.Quarantined()
			if len(batches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no quarantined batches")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BATCH\tREASON")
			for _, b := range batches {
				fmt.Fprintf(tw, "%s\t%s\n", b.Name, b.Reason)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <batch>",
		Short: "Return a restored batch to automated reads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if a.Locator == nil {
				return errors.IndexUnavailable("locator index is disabled")
			}

			if err := a.Locator.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	})
	return cmd
}
