package service

import (
	"context"
	"errors"
	"fmt"

	"poledger/internal/core/domain"
)

// RecalculationReport describes the outcome of a recovery run.
type RecalculationReport struct {
	OrderItemID  string `json:"order_item_id"`
	OldRemaining int    `json:"old_remaining"`
	NewRemaining int    `json:"new_remaining"`
	Delta        int    `json:"delta"`
	LedgerSum    int    `json:"ledger_sum"`
}

// DriftReport flags an order item whose stored remaining quantity disagrees
// with the ledger-derived value.
type DriftReport struct {
	OrderItemID       string `json:"order_item_id"`
	QuantityRequested int    `json:"quantity_requested"`
	StoredRemaining   int    `json:"stored_remaining"`
	LedgerSum         int    `json:"ledger_sum"`
	ExpectedRemaining int    `json:"expected_remaining"`
}

// Recalculate recomputes an order item's remaining quantity from the ledger
// and overwrites the stored value. This is the designated escape hatch for
// repairing drift: it bypasses the direct-write guard's origin check
// (OriginRecalculation) while still enforcing the bound invariants, and the
// correction itself is audited. A recalculation that finds no drift writes
// nothing, so back-to-back runs converge with a zero delta.
func (s *ReconcileService) Recalculate(ctx context.Context, orderItemID string) (*RecalculationReport, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		item, err := s.store.GetOrderItem(ctx, orderItemID)
		if err != nil {
			return nil, fmt.Errorf("read order item: %w", err)
		}
		if item == nil {
			return nil, domain.ErrOrderItemNotFound
		}

		sum, err := s.store.SumDelivered(ctx, orderItemID)
		if err != nil {
			return nil, fmt.Errorf("sum delivered: %w", err)
		}

		correct := item.QuantityRequested - sum
		if correct < 0 || correct > item.QuantityRequested {
			return nil, fmt.Errorf("recalculate %s: ledger sum %d against requested %d: %w",
				orderItemID, sum, item.QuantityRequested, domain.ErrRecalculationInvariant)
		}

		report := &RecalculationReport{
			OrderItemID:  orderItemID,
			OldRemaining: item.QuantityRemaining,
			NewRemaining: correct,
			Delta:        correct - item.QuantityRemaining,
			LedgerSum:    sum,
		}

		if correct == item.QuantityRemaining {
			return report, nil
		}

		adj := domain.Adjustment{
			Op:              domain.OperationRecalculation,
			OrderItemID:     orderItemID,
			ExpectedVersion: item.Version,
			NewRemaining:    correct,
			Origin:          domain.OriginRecalculation,
			Audit:           s.auditEntry(domain.OperationRecalculation, orderItemID, "", item.QuantityRemaining, correct),
		}

		err = s.store.ApplyAdjustment(ctx, adj)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("recalculated remaining quantity",
			"order_item_id", orderItemID,
			"old", report.OldRemaining,
			"new", report.NewRemaining,
			"ledger_sum", sum)

		s.enqueueSync(orderItemID)
		return report, nil
	}

	return nil, domain.ErrConcurrencyConflict
}

// VerifyAll scans every order item and reports drift without repairing it.
// Operator tooling runs this to decide which items need Recalculate.
func (s *ReconcileService) VerifyAll(ctx context.Context) ([]DriftReport, error) {
	ids, err := s.store.ListOrderItemIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}

	var drifted []DriftReport
	for _, id := range ids {
		item, err := s.store.GetOrderItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read order item %s: %w", id, err)
		}
		if item == nil {
			continue
		}

		sum, err := s.store.SumDelivered(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("sum delivered for %s: %w", id, err)
		}

		expected := item.QuantityRequested - sum
		if expected != item.QuantityRemaining {
			drifted = append(drifted, DriftReport{
				OrderItemID:       id,
				QuantityRequested: item.QuantityRequested,
				StoredRemaining:   item.QuantityRemaining,
				LedgerSum:         sum,
				ExpectedRemaining: expected,
			})
		}
	}
	return drifted, nil
}
