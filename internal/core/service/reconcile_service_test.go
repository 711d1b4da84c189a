package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poledger/internal/adapter/storage"
	"poledger/internal/core/domain"
	"poledger/internal/port"
)

// mockCache implements port.CacheRepository in memory.
type mockCache struct {
	mu        sync.Mutex
	remaining map[string]int
	idem      map[string]bool
}

func newMockCache() *mockCache {
	return &mockCache{
		remaining: make(map[string]int),
		idem:      make(map[string]bool),
	}
}

func (m *mockCache) GetRemaining(ctx context.Context, orderItemID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qty, ok := m.remaining[orderItemID]
	return qty, ok, nil
}

func (m *mockCache) SetRemaining(ctx context.Context, orderItemID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining[orderItemID] = quantity
	return nil
}

func (m *mockCache) InvalidateRemaining(ctx context.Context, orderItemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remaining, orderItemID)
	return nil
}

func (m *mockCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idem[key] {
		return false, nil
	}
	m.idem[key] = true
	return true, nil
}

func (m *mockCache) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idem, key)
	return nil
}

// conflictStore injects a fixed number of version conflicts before
// delegating to the real store.
type conflictStore struct {
	port.ReconciliationStore
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) ApplyAdjustment(ctx context.Context, adj domain.Adjustment) error {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return domain.ErrConcurrencyConflict
	}
	c.mu.Unlock()
	return c.ReconciliationStore.ApplyAdjustment(ctx, adj)
}

func newTestService(opts ...Option) (*ReconcileService, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewReconcileService(store, nil, 16, opts...), store
}

// requireInvariant asserts remaining = requested − Σ(live delivered) and
// the bound invariants for one order item.
func requireInvariant(t *testing.T, store port.ReconciliationStore, orderItemID string) {
	t.Helper()
	ctx := context.Background()

	item, err := store.GetOrderItem(ctx, orderItemID)
	require.NoError(t, err)
	require.NotNil(t, item)

	sum, err := store.SumDelivered(ctx, orderItemID)
	require.NoError(t, err)

	require.Equal(t, item.QuantityRequested-sum, item.QuantityRemaining)
	require.GreaterOrEqual(t, item.QuantityRemaining, 0)
	require.LessOrEqual(t, item.QuantityRemaining, item.QuantityRequested)
}

func TestInitOrderItem(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "steel bolts", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, item.QuantityRequested)
	assert.Equal(t, 100, item.QuantityRemaining)
	requireInvariant(t, store, item.ID)

	_, err = svc.InitOrderItem(ctx, "bad", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestRecordDelivery_Success(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 100)
	require.NoError(t, err)

	price := decimal.RequireFromString("12.50")
	deliveryItem, err := svc.RecordDelivery(ctx, "", item.ID, "delivery-1", 30, price)
	require.NoError(t, err)
	assert.Equal(t, 30, deliveryItem.DeliveredQuantity)
	assert.True(t, deliveryItem.TotalAmount.Equal(decimal.RequireFromString("375")))

	got, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.QuantityRemaining)
	requireInvariant(t, store, item.ID)

	entries, err := svc.AuditEntries(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OperationCreate, entries[0].OperationType)
	assert.Equal(t, deliveryItem.ID, entries[0].DeliveryItemID)
	assert.Equal(t, 100, entries[0].OldQuantity)
	assert.Equal(t, 70, entries[0].NewQuantity)
	assert.Equal(t, -30, entries[0].DeltaApplied)
}

func TestRecordDelivery_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 10)
	require.NoError(t, err)

	_, err = svc.RecordDelivery(ctx, "", item.ID, "d", 0, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = svc.RecordDelivery(ctx, "", item.ID, "d", -5, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = svc.RecordDelivery(ctx, "", item.ID, "d", 1, decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.RecordDelivery(ctx, "", "missing", "d", 1, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrOrderItemNotFound)
}

func TestRecordDelivery_InsufficientRemaining(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 50)
	require.NoError(t, err)

	_, err = svc.RecordDelivery(ctx, "", item.ID, "d", 100, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInsufficientRemaining)

	// Rejected before any write: remaining untouched, no audit entry.
	got, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.QuantityRemaining)

	entries, err := svc.AuditEntries(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordDelivery_DuplicateRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewReconcileService(store, newMockCache(), 16)
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 10)
	require.NoError(t, err)

	_, err = svc.RecordDelivery(ctx, "req-1", item.ID, "d", 1, decimal.Zero)
	require.NoError(t, err)

	_, err = svc.RecordDelivery(ctx, "req-1", item.ID, "d", 1, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	got, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.QuantityRemaining)
}

func TestAmendDelivery_NoOp(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 100)
	require.NoError(t, err)
	deliveryItem, err := svc.RecordDelivery(ctx, "", item.ID, "d", 30, decimal.Zero)
	require.NoError(t, err)

	before, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)

	// Amending to the current quantity writes nothing.
	require.NoError(t, svc.AmendDelivery(ctx, deliveryItem.ID, 30))

	after, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, before.QuantityRemaining, after.QuantityRemaining)
	assert.Equal(t, before.Version, after.Version)

	entries, err := svc.AuditEntries(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // only the CREATE
}

func TestAmendDelivery_Bounds(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 100)
	require.NoError(t, err)
	deliveryItem, err := svc.RecordDelivery(ctx, "", item.ID, "d", 30, decimal.Zero)
	require.NoError(t, err)

	// remaining is 70; amending to 171 would drive it to -71.
	err = svc.AmendDelivery(ctx, deliveryItem.ID, 171)
	assert.ErrorIs(t, err, domain.ErrWouldUnderflow)

	err = svc.AmendDelivery(ctx, deliveryItem.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	err = svc.AmendDelivery(ctx, "missing", 10)
	assert.ErrorIs(t, err, domain.ErrDeliveryItemNotFound)

	got, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.QuantityRemaining)
}

func TestAmendDelivery_ExceedRequestedOnDrift(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 100)
	require.NoError(t, err)
	deliveryItem, err := svc.RecordDelivery(ctx, "", item.ID, "d", 30, decimal.Zero)
	require.NoError(t, err)

	// With remaining drifted to 95, amending 30 down to 10 would restore 20
	// and land at 115, above requested.
	store.CorruptRemaining(item.ID, 95)

	err = svc.AmendDelivery(ctx, deliveryItem.ID, 10)
	assert.ErrorIs(t, err, domain.ErrWouldExceedRequested)
	assertRemaining(t, svc, item.ID, 95)
}

func TestCancelDelivery_ExceedRequestedOnDrift(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 100)
	require.NoError(t, err)
	deliveryItem, err := svc.RecordDelivery(ctx, "", item.ID, "d", 30, decimal.Zero)
	require.NoError(t, err)

	// Cancelling on top of drift would push remaining to 120.
	store.CorruptRemaining(item.ID, 90)

	err = svc.CancelDelivery(ctx, deliveryItem.ID)
	assert.ErrorIs(t, err, domain.ErrWouldExceedRequested)
	assertRemaining(t, svc, item.ID, 90)

	// The delivery item survives the rejected cancellation.
	got, err := store.GetDeliveryItem(ctx, deliveryItem.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCancelDelivery(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 100)
	require.NoError(t, err)
	deliveryItem, err := svc.RecordDelivery(ctx, "", item.ID, "d", 30, decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, svc.CancelDelivery(ctx, deliveryItem.ID))

	got, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.QuantityRemaining)
	requireInvariant(t, store, item.ID)

	entries, err := svc.AuditEntries(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OperationDelete, entries[1].OperationType)
	assert.Equal(t, 30, entries[1].DeltaApplied)

	err = svc.CancelDelivery(ctx, deliveryItem.ID)
	assert.ErrorIs(t, err, domain.ErrDeliveryItemNotFound)
}

// TestLifecycleScenario walks the reference sequence: requested=100,
// record 30 -> 70, record 25 -> 45, amend first to 40 -> 35, cancel
// second -> 60, with the ledger invariant holding at each step.
func TestLifecycleScenario(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 100)
	require.NoError(t, err)

	first, err := svc.RecordDelivery(ctx, "", item.ID, "d1", 30, decimal.Zero)
	require.NoError(t, err)
	assertRemaining(t, svc, item.ID, 70)
	requireInvariant(t, store, item.ID)

	second, err := svc.RecordDelivery(ctx, "", item.ID, "d2", 25, decimal.Zero)
	require.NoError(t, err)
	assertRemaining(t, svc, item.ID, 45)
	requireInvariant(t, store, item.ID)

	require.NoError(t, svc.AmendDelivery(ctx, first.ID, 40))
	assertRemaining(t, svc, item.ID, 35)
	requireInvariant(t, store, item.ID)

	require.NoError(t, svc.CancelDelivery(ctx, second.ID))
	assertRemaining(t, svc, item.ID, 60)
	requireInvariant(t, store, item.ID)

	entries, err := svc.AuditEntries(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, []domain.OperationType{
		domain.OperationCreate, domain.OperationCreate,
		domain.OperationUpdate, domain.OperationDelete,
	}, []domain.OperationType{
		entries[0].OperationType, entries[1].OperationType,
		entries[2].OperationType, entries[3].OperationType,
	})
	assert.Equal(t, -10, entries[2].DeltaApplied)
	assert.Equal(t, 25, entries[3].DeltaApplied)
}

func TestRecordDelivery_Concurrent(t *testing.T) {
	initialRemaining := 20
	totalRequests := 50

	// Generous retry budget: every conflict means a competing adjustment
	// committed, so retries always make global progress.
	svc, store := newTestService(WithMaxRetries(1000))
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", initialRemaining)
	require.NoError(t, err)

	var successCount, insufficientCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordDelivery(ctx, "", item.ID, "d", 1, decimal.Zero)
			switch {
			case err == nil:
				successCount.Add(1)
			case assert.ErrorIs(t, err, domain.ErrInsufficientRemaining):
				insufficientCount.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(initialRemaining), successCount.Load())
	assert.Equal(t, int32(totalRequests-initialRemaining), insufficientCount.Load())

	got, err := svc.GetOrderItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.QuantityRemaining)
	requireInvariant(t, store, item.ID)

	entries, err := svc.AuditEntries(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, entries, initialRemaining)
}

func TestRecordDelivery_RetriesThenConflict(t *testing.T) {
	base := storage.NewMemoryStore()
	store := &conflictStore{ReconciliationStore: base, conflicts: 100}
	svc := NewReconcileService(store, nil, 16, WithMaxRetries(3))
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 10)
	require.NoError(t, err)

	_, err = svc.RecordDelivery(ctx, "", item.ID, "d", 1, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.True(t, domain.IsRetryable(err))
}

func TestRecordDelivery_FailedAttemptReleasesRequestID(t *testing.T) {
	base := storage.NewMemoryStore()
	store := &conflictStore{ReconciliationStore: base, conflicts: 100}
	cache := newMockCache()
	svc := NewReconcileService(store, cache, 16, WithMaxRetries(3))
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 10)
	require.NoError(t, err)

	// The attempt exhausts its retries; nothing was committed, so the
	// request ID must not be burned.
	_, err = svc.RecordDelivery(ctx, "req-1", item.ID, "d", 1, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	// Retrying with the original inputs once the contention clears succeeds
	// instead of tripping the duplicate check.
	store.mu.Lock()
	store.conflicts = 0
	store.mu.Unlock()

	_, err = svc.RecordDelivery(ctx, "req-1", item.ID, "d", 1, decimal.Zero)
	require.NoError(t, err)
	assertRemaining(t, svc, item.ID, 9)

	// The committed delivery keeps its key: a replay is still a duplicate.
	_, err = svc.RecordDelivery(ctx, "req-1", item.ID, "d", 1, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
}

func TestRecordDelivery_RecoversFromTransientConflict(t *testing.T) {
	base := storage.NewMemoryStore()
	store := &conflictStore{ReconciliationStore: base, conflicts: 2}
	svc := NewReconcileService(store, nil, 16, WithMaxRetries(3))
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 10)
	require.NoError(t, err)

	_, err = svc.RecordDelivery(ctx, "", item.ID, "d", 1, decimal.Zero)
	require.NoError(t, err)
	assertRemaining(t, svc, item.ID, 9)
}

func TestRemainingQuantity_CacheBackfill(t *testing.T) {
	store := storage.NewMemoryStore()
	cache := newMockCache()
	svc := NewReconcileService(store, cache, 16)
	ctx := context.Background()

	item, err := svc.InitOrderItem(ctx, "widgets", 40)
	require.NoError(t, err)

	// Miss populates the cache.
	qty, err := svc.RemainingQuantity(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, qty)

	cached, ok, _ := cache.GetRemaining(ctx, item.ID)
	assert.True(t, ok)
	assert.Equal(t, 40, cached)

	// A stale cache entry is served as-is; the store remains authoritative.
	cache.SetRemaining(ctx, item.ID, 7)
	qty, err = svc.RemainingQuantity(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, qty)
}

func assertRemaining(t *testing.T, svc *ReconcileService, orderItemID string, want int) {
	t.Helper()
	item, err := svc.GetOrderItem(context.Background(), orderItemID)
	require.NoError(t, err)
	require.Equal(t, want, item.QuantityRemaining)
}
