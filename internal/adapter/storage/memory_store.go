package storage

import (
	"context"
	"sort"
	"sync"

	"poledger/internal/core/domain"
)

// MemoryStore is an in-process ReconciliationStore with the same guard and
// versioning semantics as MySQLStore. It backs unit tests and local runs
// without a database.
type MemoryStore struct {
	mu            sync.Mutex
	orderItems    map[string]domain.OrderItem
	deliveryItems map[string]domain.DeliveryItem
	audit         []domain.QuantityAuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orderItems:    make(map[string]domain.OrderItem),
		deliveryItems: make(map[string]domain.DeliveryItem),
	}
}

func (m *MemoryStore) CreateOrderItem(ctx context.Context, item domain.OrderItem) error {
	if err := domain.ValidateRemainingWrite(0, item.QuantityRemaining, item.QuantityRequested, domain.OriginInitialize); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	item.Version = 0
	m.orderItems[item.ID] = item
	return nil
}

func (m *MemoryStore) GetOrderItem(ctx context.Context, id string) (*domain.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.orderItems[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryStore) UpdateOrderItemInfo(ctx context.Context, item domain.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orderItems[item.ID]
	if !ok {
		return domain.ErrOrderItemNotFound
	}

	if err := domain.ValidateRemainingWrite(stored.QuantityRemaining, item.QuantityRemaining, stored.QuantityRequested, domain.OriginDirect); err != nil {
		return err
	}

	stored.ProductName = item.ProductName
	m.orderItems[item.ID] = stored
	return nil
}

func (m *MemoryStore) GetDeliveryItem(ctx context.Context, id string) (*domain.DeliveryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.deliveryItems[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryStore) ApplyAdjustment(ctx context.Context, adj domain.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.orderItems[adj.OrderItemID]
	if !ok {
		return domain.ErrOrderItemNotFound
	}

	if err := domain.ValidateRemainingWrite(item.QuantityRemaining, adj.NewRemaining, item.QuantityRequested, adj.Origin); err != nil {
		return err
	}

	if item.Version != adj.ExpectedVersion {
		return domain.ErrConcurrencyConflict
	}

	switch adj.Op {
	case domain.OperationCreate:
		m.deliveryItems[adj.DeliveryItem.ID] = *adj.DeliveryItem
	case domain.OperationUpdate:
		if _, ok := m.deliveryItems[adj.DeliveryItem.ID]; !ok {
			return domain.ErrDeliveryItemNotFound
		}
		m.deliveryItems[adj.DeliveryItem.ID] = *adj.DeliveryItem
	case domain.OperationDelete:
		if _, ok := m.deliveryItems[adj.DeliveryItem.ID]; !ok {
			return domain.ErrDeliveryItemNotFound
		}
		delete(m.deliveryItems, adj.DeliveryItem.ID)
	case domain.OperationRecalculation:
		// no ledger mutation
	}

	item.QuantityRemaining = adj.NewRemaining
	item.Version++
	m.orderItems[adj.OrderItemID] = item
	m.audit = append(m.audit, adj.Audit)
	return nil
}

func (m *MemoryStore) SumDelivered(ctx context.Context, orderItemID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := 0
	for _, item := range m.deliveryItems {
		if item.OrderItemID == orderItemID {
			sum += item.DeliveredQuantity
		}
	}
	return sum, nil
}

func (m *MemoryStore) AuditEntries(ctx context.Context, orderItemID string) ([]domain.QuantityAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []domain.QuantityAuditEntry
	for _, e := range m.audit {
		if e.OrderItemID == orderItemID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *MemoryStore) ListOrderItemIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.orderItems))
	for id := range m.orderItems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CorruptRemaining overwrites the stored remaining quantity directly,
// bypassing the guard. Test hook for simulating drift that Recalculate must
// repair; no production caller exists.
func (m *MemoryStore) CorruptRemaining(orderItemID string, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.orderItems[orderItemID]
	if !ok {
		return
	}
	item.QuantityRemaining = quantity
	m.orderItems[orderItemID] = item
}
