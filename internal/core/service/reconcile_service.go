package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"poledger/internal/core/domain"
	"poledger/internal/port"
)

// DefaultMaxRetries bounds the optimistic-lock retry loop. Each retry
// re-reads the order item and re-validates against fresh state.
const DefaultMaxRetries = 3

// CacheSync asks a worker to refresh the cached remaining quantity of an
// order item after a committed adjustment.
type CacheSync struct {
	OrderItemID string
}

// ReconcileService is the quantity reconciliation engine. It owns the
// invariant remaining = requested − Σ(delivered over live delivery items):
// every delivery-item mutation goes through one of its operations, which
// read current state, validate bounds, and hand the store a fully validated
// Adjustment to apply atomically.
//
// Concurrency policy is optimistic: adjustments carry the order item version
// they were validated against, and a version mismatch at apply time aborts
// the transaction. The service retries with a fresh read up to maxRetries
// before surfacing ErrConcurrencyConflict.
type ReconcileService struct {
	store      port.ReconciliationStore
	cache      port.CacheRepository // may be nil; cache paths are skipped
	syncQueue  chan CacheSync
	maxRetries int
	logger     *slog.Logger
}

type Option func(*ReconcileService)

func WithMaxRetries(n int) Option {
	return func(s *ReconcileService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ReconcileService) {
		s.logger = logger
	}
}

func NewReconcileService(store port.ReconciliationStore, cache port.CacheRepository, queueSize int, opts ...Option) *ReconcileService {
	s := &ReconcileService{
		store:      store,
		cache:      cache,
		syncQueue:  make(chan CacheSync, queueSize),
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitOrderItem creates an order item with remaining = requested. This is
// the only write path permitted to establish the remaining quantity outside
// an adjustment (OriginInitialize).
func (s *ReconcileService) InitOrderItem(ctx context.Context, productName string, requested int) (*domain.OrderItem, error) {
	if requested < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	now := time.Now()
	item := domain.OrderItem{
		ID:                uuid.New().String(),
		ProductName:       productName,
		QuantityRequested: requested,
		QuantityRemaining: requested,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.CreateOrderItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create order item: %w", err)
	}

	s.enqueueSync(item.ID)
	return &item, nil
}

// RecordDelivery records a new partial fulfillment against an order item.
// requestID, when non-empty, deduplicates retried requests via the cache.
// The idempotency key only survives a committed delivery: a failed attempt
// releases it, so retrying with the original inputs stays possible.
func (s *ReconcileService) RecordDelivery(ctx context.Context, requestID, orderItemID, deliveryID string, quantity int, unitPrice decimal.Decimal) (*domain.DeliveryItem, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if unitPrice.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}

	var idemKey string
	if requestID != "" && s.cache != nil {
		idemKey = "delivery:" + requestID
		ok, err := s.cache.SetIdempotency(ctx, idemKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
	}

	item, err := s.recordDelivery(ctx, orderItemID, deliveryID, quantity, unitPrice)
	if err != nil && idemKey != "" {
		if relErr := s.cache.ReleaseIdempotency(ctx, idemKey); relErr != nil {
			s.logger.Warn("idempotency key release failed", "key", idemKey, "error", relErr)
		}
	}
	return item, err
}

func (s *ReconcileService) recordDelivery(ctx context.Context, orderItemID, deliveryID string, quantity int, unitPrice decimal.Decimal) (*domain.DeliveryItem, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		item, err := s.store.GetOrderItem(ctx, orderItemID)
		if err != nil {
			return nil, fmt.Errorf("read order item: %w", err)
		}
		if item == nil {
			return nil, domain.ErrOrderItemNotFound
		}
		if quantity > item.QuantityRemaining {
			return nil, domain.ErrInsufficientRemaining
		}

		now := time.Now()
		deliveryItem := &domain.DeliveryItem{
			ID:                uuid.New().String(),
			OrderItemID:       orderItemID,
			DeliveryID:        deliveryID,
			DeliveredQuantity: quantity,
			UnitPrice:         unitPrice,
			TotalAmount:       unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		newRemaining := item.QuantityRemaining - quantity
		adj := domain.Adjustment{
			Op:              domain.OperationCreate,
			OrderItemID:     orderItemID,
			ExpectedVersion: item.Version,
			NewRemaining:    newRemaining,
			Origin:          domain.OriginEngine,
			DeliveryItem:    deliveryItem,
			Audit:           s.auditEntry(domain.OperationCreate, orderItemID, deliveryItem.ID, item.QuantityRemaining, newRemaining),
		}

		err = s.store.ApplyAdjustment(ctx, adj)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.enqueueSync(orderItemID)
		return deliveryItem, nil
	}

	return nil, domain.ErrConcurrencyConflict
}

// AmendDelivery corrects the delivered quantity of a recorded fulfillment.
// Amending to the current quantity is a no-op: no write, no audit entry.
func (s *ReconcileService) AmendDelivery(ctx context.Context, deliveryItemID string, newQuantity int) error {
	if newQuantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		deliveryItem, err := s.store.GetDeliveryItem(ctx, deliveryItemID)
		if err != nil {
			return fmt.Errorf("read delivery item: %w", err)
		}
		if deliveryItem == nil {
			return domain.ErrDeliveryItemNotFound
		}

		diff := newQuantity - deliveryItem.DeliveredQuantity
		if diff == 0 {
			return nil
		}

		item, err := s.store.GetOrderItem(ctx, deliveryItem.OrderItemID)
		if err != nil {
			return fmt.Errorf("read order item: %w", err)
		}
		if item == nil {
			return domain.ErrOrderItemNotFound
		}

		newRemaining := item.QuantityRemaining - diff
		if newRemaining < 0 {
			return domain.ErrWouldUnderflow
		}
		if newRemaining > item.QuantityRequested {
			return domain.ErrWouldExceedRequested
		}

		updated := *deliveryItem
		updated.DeliveredQuantity = newQuantity
		updated.TotalAmount = updated.UnitPrice.Mul(decimal.NewFromInt(int64(newQuantity)))
		updated.UpdatedAt = time.Now()

		adj := domain.Adjustment{
			Op:              domain.OperationUpdate,
			OrderItemID:     item.ID,
			ExpectedVersion: item.Version,
			NewRemaining:    newRemaining,
			Origin:          domain.OriginEngine,
			DeliveryItem:    &updated,
			Audit:           s.auditEntry(domain.OperationUpdate, item.ID, updated.ID, item.QuantityRemaining, newRemaining),
		}

		err = s.store.ApplyAdjustment(ctx, adj)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.enqueueSync(item.ID)
		return nil
	}

	return domain.ErrConcurrencyConflict
}

// CancelDelivery removes a recorded fulfillment and restores its quantity.
// The exceed-requested check should be unreachable while the invariant holds;
// it guards against applying a cancellation on top of prior drift.
func (s *ReconcileService) CancelDelivery(ctx context.Context, deliveryItemID string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		deliveryItem, err := s.store.GetDeliveryItem(ctx, deliveryItemID)
		if err != nil {
			return fmt.Errorf("read delivery item: %w", err)
		}
		if deliveryItem == nil {
			return domain.ErrDeliveryItemNotFound
		}

		item, err := s.store.GetOrderItem(ctx, deliveryItem.OrderItemID)
		if err != nil {
			return fmt.Errorf("read order item: %w", err)
		}
		if item == nil {
			return domain.ErrOrderItemNotFound
		}

		newRemaining := item.QuantityRemaining + deliveryItem.DeliveredQuantity
		if newRemaining > item.QuantityRequested {
			return domain.ErrWouldExceedRequested
		}

		adj := domain.Adjustment{
			Op:              domain.OperationDelete,
			OrderItemID:     item.ID,
			ExpectedVersion: item.Version,
			NewRemaining:    newRemaining,
			Origin:          domain.OriginEngine,
			DeliveryItem:    deliveryItem,
			Audit:           s.auditEntry(domain.OperationDelete, item.ID, deliveryItem.ID, item.QuantityRemaining, newRemaining),
		}

		err = s.store.ApplyAdjustment(ctx, adj)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.enqueueSync(item.ID)
		return nil
	}

	return domain.ErrConcurrencyConflict
}

// UpdateOrderItemInfo updates descriptive fields on behalf of the order
// CRUD collaborator. The incoming remaining quantity travels to the store
// unchanged, where the direct-write guard rejects any attempt to adjust it.
func (s *ReconcileService) UpdateOrderItemInfo(ctx context.Context, item domain.OrderItem) error {
	return s.store.UpdateOrderItemInfo(ctx, item)
}

// GetOrderItem reads an order item from the authoritative store.
func (s *ReconcileService) GetOrderItem(ctx context.Context, orderItemID string) (*domain.OrderItem, error) {
	item, err := s.store.GetOrderItem(ctx, orderItemID)
	if err != nil {
		return nil, fmt.Errorf("read order item: %w", err)
	}
	if item == nil {
		return nil, domain.ErrOrderItemNotFound
	}
	return item, nil
}

// RemainingQuantity returns the remaining quantity, served from cache when
// possible and backfilled on miss.
func (s *ReconcileService) RemainingQuantity(ctx context.Context, orderItemID string) (int, error) {
	if s.cache != nil {
		qty, ok, err := s.cache.GetRemaining(ctx, orderItemID)
		if err != nil {
			s.logger.Warn("remaining cache read failed", "order_item_id", orderItemID, "error", err)
		} else if ok {
			return qty, nil
		}
	}

	item, err := s.GetOrderItem(ctx, orderItemID)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.SetRemaining(ctx, orderItemID, item.QuantityRemaining); err != nil {
			s.logger.Warn("remaining cache backfill failed", "order_item_id", orderItemID, "error", err)
		}
	}
	return item.QuantityRemaining, nil
}

// AuditEntries returns the adjustment trail for an order item in
// chronological order.
func (s *ReconcileService) AuditEntries(ctx context.Context, orderItemID string) ([]domain.QuantityAuditEntry, error) {
	entries, err := s.store.AuditEntries(ctx, orderItemID)
	if err != nil {
		return nil, fmt.Errorf("read audit entries: %w", err)
	}
	return entries, nil
}

// SyncQueue exposes pending cache refreshes for the worker pool.
func (s *ReconcileService) SyncQueue() <-chan CacheSync {
	return s.syncQueue
}

// Close stops accepting cache syncs. Pending entries remain readable until
// the workers drain the channel.
func (s *ReconcileService) Close() {
	close(s.syncQueue)
}

func (s *ReconcileService) auditEntry(op domain.OperationType, orderItemID, deliveryItemID string, oldQty, newQty int) domain.QuantityAuditEntry {
	return domain.QuantityAuditEntry{
		ID:             uuid.New().String(),
		OperationType:  op,
		OrderItemID:    orderItemID,
		DeliveryItemID: deliveryItemID,
		OldQuantity:    oldQty,
		NewQuantity:    newQty,
		DeltaApplied:   newQty - oldQty,
		Timestamp:      time.Now(),
	}
}

// enqueueSync is best-effort: a full queue drops the refresh rather than
// blocking the adjustment path. Reads fall through to the store on miss.
func (s *ReconcileService) enqueueSync(orderItemID string) {
	if s.cache == nil {
		return
	}
	select {
	case s.syncQueue <- CacheSync{OrderItemID: orderItemID}:
	default:
		s.logger.Warn("cache sync queue full, dropping refresh", "order_item_id", orderItemID)
	}
}
