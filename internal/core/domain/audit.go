package domain

import "time"

type OperationType string

const (
	OperationCreate        OperationType = "CREATE"
	OperationUpdate        OperationType = "UPDATE"
	OperationDelete        OperationType = "DELETE"
	OperationRecalculation OperationType = "RECALCULATION"
)

// QuantityAuditEntry is one row of the append-only adjustment trail.
// Every committed change to an order item's remaining quantity produces
// exactly one entry; entries are never mutated or deleted.
type QuantityAuditEntry struct {
	ID             string
	OperationType  OperationType
	OrderItemID    string
	DeliveryItemID string // empty for RECALCULATION entries
	OldQuantity    int
	NewQuantity    int
	DeltaApplied   int // signed change applied to the remaining quantity
	Timestamp      time.Time
}
