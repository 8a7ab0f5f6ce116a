package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/devrev/pairdb/tierstore/internal/errors"
)

func newIndexCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Locator index operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the locator index from the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if a.Locator == nil {
				return errors.IndexUnavailable("locator index is disabled")
			}

			start := time.Now()
			if err := a.Locator.Rebuild(cmd.Context()); err != nil {
				return err
			}
			entries, batches := a.Locator.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %s records in %s batches in %s, %d quarantined\n",
				humanize.Comma(int64(entries)), humanize.Comma(int64(batches)),
				time.Since(start).Round(time.Millisecond), len(a.Locator.Quarantined()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Load the locator index and print its size",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if a.Locator == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "index disabled, cold reads scan the archive")
				return nil
			}

			entries, batches := a.Locator.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "ready: %t\nrecords: %s\nbatches: %s\nquarantined: %d\n",
				a.Locator.Ready(), humanize.Comma(int64(entries)), humanize.Comma(int64(batches)),
				len(a.Locator.Quarantined()))
			return nil
		},
	})
	return cmd
}
