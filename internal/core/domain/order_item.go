package domain

import "time"

// OrderItem is a purchase-order line. QuantityRemaining is derived:
// requested minus the sum of delivered quantities over live delivery items.
// It is written only through the reconciliation engine (or the recovery
// operation), never directly.
type OrderItem struct {
	ID                string
	ProductName       string
	QuantityRequested int
	QuantityRemaining int
	Version           int // optimistic locking
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
