package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"poledger/internal/core/service"
)

// NewVerifyCommand creates the verify command: a read-only drift scan over
// all order items. It repairs nothing; run recalculate on the flagged items.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify",
		Short:         "Report order items whose remaining quantity disagrees with the ledger",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, db, err := openService(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			drifted, err := svc.VerifyAll(cmd.Context())
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				if drifted == nil {
					drifted = []service.DriftReport{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(drifted)
			}

			if len(drifted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no drift found")
				return nil
			}
			for _, d := range drifted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  stored=%d ledger-derived=%d (requested=%d, delivered=%d)\n",
					d.OrderItemID, d.StoredRemaining, d.ExpectedRemaining, d.QuantityRequested, d.LedgerSum)
			}
			return fmt.Errorf("%d order item(s) drifted", len(drifted))
		},
	}
}
