package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"poledger/internal/core/domain"
)

//go:embed schema.sql
var schemaSQL string

// MySQLStore is the authoritative store for order items, the delivery-item
// ledger and the audit trail. Every remaining-quantity write passes through
// domain.ValidateRemainingWrite, and every adjustment commits the ledger
// mutation, the remaining update and the audit row as one transaction.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// EnsureSchema applies the embedded schema. Idempotent.
func (m *MySQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) CreateOrderItem(ctx context.Context, item domain.OrderItem) error {
	if err := domain.ValidateRemainingWrite(0, item.QuantityRemaining, item.QuantityRequested, domain.OriginInitialize); err != nil {
		return err
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO order_items (id, product_name, quantity_requested, quantity_remaining, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		item.ID, item.ProductName, item.QuantityRequested, item.QuantityRemaining,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order item: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetOrderItem(ctx context.Context, id string) (*domain.OrderItem, error) {
	var item domain.OrderItem
	err := m.db.QueryRowContext(ctx, `
		SELECT id, product_name, quantity_requested, quantity_remaining, version, created_at, updated_at
		FROM order_items WHERE id = ?`, id,
	).Scan(&item.ID, &item.ProductName, &item.QuantityRequested, &item.QuantityRemaining,
		&item.Version, &item.CreatedAt, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order item: %w", err)
	}
	return &item, nil
}

// UpdateOrderItemInfo writes non-quantity fields. The incoming remaining
// quantity is compared against the stored value under OriginDirect, so any
// attempt to adjust it through this path is rejected.
func (m *MySQLStore) UpdateOrderItemInfo(ctx context.Context, item domain.OrderItem) error {
	var current, requested int
	err := m.db.QueryRowContext(ctx, `
		SELECT quantity_remaining, quantity_requested FROM order_items WHERE id = ?`, item.ID,
	).Scan(&current, &requested)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOrderItemNotFound
	}
	if err != nil {
		return fmt.Errorf("query order item: %w", err)
	}

	if err := domain.ValidateRemainingWrite(current, item.QuantityRemaining, requested, domain.OriginDirect); err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE order_items SET product_name = ?, updated_at = NOW(6) WHERE id = ?`,
		item.ProductName, item.ID,
	)
	if err != nil {
		return fmt.Errorf("update order item: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetDeliveryItem(ctx context.Context, id string) (*domain.DeliveryItem, error) {
	var item domain.DeliveryItem
	err := m.db.QueryRowContext(ctx, `
		SELECT id, order_item_id, delivery_id, delivered_quantity, unit_price, total_amount, created_at, updated_at
		FROM delivery_items WHERE id = ?`, id,
	).Scan(&item.ID, &item.OrderItemID, &item.DeliveryID, &item.DeliveredQuantity,
		&item.UnitPrice, &item.TotalAmount, &item.CreatedAt, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery item: %w", err)
	}
	return &item, nil
}

// ApplyAdjustment runs the reconciliation transaction script:
// read current state, guard the remaining write, mutate the ledger, apply
// the remaining quantity conditioned on the expected version, append the
// audit row, commit. Zero rows affected on the versioned update means a
// concurrent adjustment won the race; the whole transaction rolls back with
// ErrConcurrencyConflict and the caller revalidates against fresh state.
func (m *MySQLStore) ApplyAdjustment(ctx context.Context, adj domain.Adjustment) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w: %v", domain.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var current, requested int
	err = tx.QueryRowContext(ctx, `
		SELECT quantity_remaining, quantity_requested FROM order_items WHERE id = ?`, adj.OrderItemID,
	).Scan(&current, &requested)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOrderItemNotFound
	}
	if err != nil {
		return fmt.Errorf("query order item: %w", err)
	}

	if err := domain.ValidateRemainingWrite(current, adj.NewRemaining, requested, adj.Origin); err != nil {
		return err
	}

	if err := applyLedgerMutation(ctx, tx, adj); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE order_items
		SET quantity_remaining = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND version = ?`,
		adj.NewRemaining, adj.OrderItemID, adj.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update remaining quantity: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConcurrencyConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quantity_audit (id, operation_type, order_item_id, delivery_item_id, old_quantity, new_quantity, delta_applied, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.Audit.ID, adj.Audit.OperationType, adj.Audit.OrderItemID, adj.Audit.DeliveryItemID,
		adj.Audit.OldQuantity, adj.Audit.NewQuantity, adj.Audit.DeltaApplied, adj.Audit.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit adjustment: %w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func applyLedgerMutation(ctx context.Context, tx *sql.Tx, adj domain.Adjustment) error {
	switch adj.Op {
	case domain.OperationCreate:
		item := adj.DeliveryItem
		_, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_items (id, order_item_id, delivery_id, delivered_quantity, unit_price, total_amount, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.OrderItemID, item.DeliveryID, item.DeliveredQuantity,
			item.UnitPrice, item.TotalAmount, item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert delivery item: %w", err)
		}
		return nil

	case domain.OperationUpdate:
		item := adj.DeliveryItem
		result, err := tx.ExecContext(ctx, `
			UPDATE delivery_items
			SET delivered_quantity = ?, total_amount = ?, updated_at = ?
			WHERE id = ?`,
			item.DeliveredQuantity, item.TotalAmount, item.UpdatedAt, item.ID,
		)
		if err != nil {
			return fmt.Errorf("update delivery item: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.ErrDeliveryItemNotFound
		}
		return nil

	case domain.OperationDelete:
		result, err := tx.ExecContext(ctx, `DELETE FROM delivery_items WHERE id = ?`, adj.DeliveryItem.ID)
		if err != nil {
			return fmt.Errorf("delete delivery item: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.ErrDeliveryItemNotFound
		}
		return nil

	case domain.OperationRecalculation:
		// Recovery touches no ledger rows.
		return nil

	default:
		return fmt.Errorf("unknown adjustment operation %q", adj.Op)
	}
}

func (m *MySQLStore) SumDelivered(ctx context.Context, orderItemID string) (int, error) {
	var sum int
	err := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delivered_quantity), 0) FROM delivery_items WHERE order_item_id = ?`, orderItemID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum delivered quantities: %w", err)
	}
	return sum, nil
}

func (m *MySQLStore) AuditEntries(ctx context.Context, orderItemID string) ([]domain.QuantityAuditEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, operation_type, order_item_id, delivery_item_id, old_quantity, new_quantity, delta_applied, created_at
		FROM quantity_audit WHERE order_item_id = ? ORDER BY seq`, orderItemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.QuantityAuditEntry
	for rows.Next() {
		var e domain.QuantityAuditEntry
		if err := rows.Scan(&e.ID, &e.OperationType, &e.OrderItemID, &e.DeliveryItemID,
			&e.OldQuantity, &e.NewQuantity, &e.DeltaApplied, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func (m *MySQLStore) ListOrderItemIDs(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM order_items ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return ids, nil
}
