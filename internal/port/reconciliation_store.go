package port

import (
	"context"

	"poledger/internal/core/domain"
)

type ReconciliationStore interface {
	// CreateOrderItem persists a new order item. The remaining quantity must
	// equal the requested quantity; the write is guarded with OriginInitialize.
	CreateOrderItem(ctx context.Context, item domain.OrderItem) error

	// GetOrderItem retrieves an order item by ID, nil if absent.
	GetOrderItem(ctx context.Context, id string) (*domain.OrderItem, error)

	// UpdateOrderItemInfo updates non-quantity fields of an order item.
	// Any attempt to change the remaining quantity through this path fails
	// with ErrDirectMutationForbidden.
	UpdateOrderItemInfo(ctx context.Context, item domain.OrderItem) error

	// GetDeliveryItem retrieves a delivery item by ID, nil if absent.
	GetDeliveryItem(ctx context.Context, id string) (*domain.DeliveryItem, error)

	// ApplyAdjustment applies a reconciliation plan atomically: ledger
	// mutation, remaining-quantity write and audit append commit or roll back
	// together. Fails with ErrConcurrencyConflict when the order item's
	// version no longer matches adj.ExpectedVersion.
	ApplyAdjustment(ctx context.Context, adj domain.Adjustment) error

	// SumDelivered returns the sum of delivered quantities over all live
	// delivery items referencing the order item.
	SumDelivered(ctx context.Context, orderItemID string) (int, error)

	// AuditEntries returns the audit trail for an order item in
	// chronological order.
	AuditEntries(ctx context.Context, orderItemID string) ([]domain.QuantityAuditEntry, error)

	// ListOrderItemIDs returns the IDs of all order items.
	ListOrderItemIDs(ctx context.Context) ([]string, error)
}
