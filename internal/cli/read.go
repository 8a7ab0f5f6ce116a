package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

type recordOutput struct {
	PartitionKey string    `json:"partition_key"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      string    `json:"payload"`
}

func newReadCmd(open appOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "read <partition-key> <id>",
		Short: "Read a record from whichever tier holds it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeApp(a)

			r, err := a.Reader.Read(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recordOutput{
				PartitionKey: r.PartitionKey,
				ID:           r.ID,
				Timestamp:    r.Timestamp,
				Payload:      string(r.Payload),
			})
		},
	}
}
