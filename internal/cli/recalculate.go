package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRecalculateCommand creates the recalculate command: the auditable
// escape hatch that overwrites a drifted remaining quantity with the value
// derived from the delivery ledger.
func NewRecalculateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate <order-item-id>",
		Short: "Recompute an order item's remaining quantity from the ledger",
		Long: `Sum delivered quantities over all live delivery items, recompute
remaining = requested - sum, and overwrite the stored value. The correction
is written to the audit trail as a RECALCULATION entry. A run that finds no
drift changes nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, db, err := openService(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := svc.Recalculate(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "order item:     %s\n", report.OrderItemID)
			fmt.Fprintf(cmd.OutOrStdout(), "ledger sum:     %d\n", report.LedgerSum)
			fmt.Fprintf(cmd.OutOrStdout(), "remaining:      %d -> %d (delta %+d)\n",
				report.OldRemaining, report.NewRemaining, report.Delta)
			if report.Delta == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no drift found, nothing written")
			}
			return nil
		},
	}
}
