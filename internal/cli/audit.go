package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewAuditCommand creates the audit command, listing the adjustment trail
// for one order item in chronological order.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "audit <order-item-id>",
		Short:         "List the quantity adjustment trail for an order item",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, db, err := openService(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := svc.AuditEntries(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no audit entries")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s  %3d -> %3d  (delta %+d)  delivery_item=%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"),
					e.OperationType, e.OldQuantity, e.NewQuantity, e.DeltaApplied, e.DeliveryItemID)
			}
			return nil
		},
	}
}
