package domain

// Adjustment is a fully validated reconciliation plan: the ledger mutation,
// the new remaining quantity, and the audit entry, applied by the store as
// one atomic unit. ExpectedVersion carries the version of the order item the
// plan was validated against; the store must refuse to apply the plan if the
// row has moved on (ErrConcurrencyConflict).
type Adjustment struct {
	Op              OperationType
	OrderItemID     string
	ExpectedVersion int
	NewRemaining    int
	Origin          WriteOrigin

	// DeliveryItem is the ledger row to insert (CREATE), overwrite (UPDATE)
	// or delete (DELETE). Nil for RECALCULATION, which touches no ledger row.
	DeliveryItem *DeliveryItem

	Audit QuantityAuditEntry
}
