package cli

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"poledger/internal/adapter/storage"
	"poledger/internal/core/service"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DSN    string
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the reconcilectl CLI: the
// privileged operator surface for the recovery and diagnostics operations.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reconcilectl",
		Short: "Operator tooling for the purchase-order reconciliation ledger",
		Long:  "Inspect audit trails, detect remaining-quantity drift, and repair it by recalculating from the delivery ledger.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", defaultDSN(), "MySQL DSN")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRecalculateCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func defaultDSN() string {
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		return dsn
	}
	return "root:root@tcp(localhost:3306)/poledger?parseTime=true"
}

// openService connects to the store and builds a reconciliation service
// without a cache: operator runs go straight to the authoritative store.
// The caller must close the returned DB.
func openService(opts *RootOptions) (*service.ReconcileService, *sql.DB, error) {
	db, err := sql.Open("mysql", opts.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}

	store := storage.NewMySQLStore(db)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	svc := service.NewReconcileService(store, nil, 1, service.WithLogger(logger))
	return svc, db, nil
}
