package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryItem records one partial fulfillment of an order item.
// DeliveredQuantity must be strictly positive for every live row.
type DeliveryItem struct {
	ID                string
	OrderItemID       string
	DeliveryID        string // delivery header reference, opaque to the engine
	DeliveredQuantity int
	UnitPrice         decimal.Decimal
	TotalAmount       decimal.Decimal
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
