package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/validation"
)

func newRecordCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Hot tier record tooling",
	}

	var timestamp string
	put := &cobra.Command{
		Use:   "put <partition-key> <id> <payload>",
		Short: "Insert or replace a record in the hot tier",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := time.Now().UTC()
			if timestamp != "" {
				var err error
				if ts, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
					return fmt.Errorf("invalid --timestamp: %w", err)
				}
			}
			r := &model.Record{PartitionKey: args[0], ID: args[1], Timestamp: ts, Payload: []byte(args[2])}
			if err := validation.NewValidator().ValidateRecord(r); err != nil {
				return err
			}

			a, err := open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Writer.Put(cmd.Context(), r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s at %s\n", r.Key(), ts.Format(time.RFC3339Nano))
			return nil
		},
	}
	put.Flags().StringVar(&timestamp, "timestamp", "", "record timestamp (RFC 3339), defaults to now")

	cmd.AddCommand(put)
	return cmd
}
