package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"poledger/internal/core/domain"
	"poledger/internal/core/service"
)

type HTTPHandler struct {
	reconcile *service.ReconcileService
	logger    *slog.Logger
}

func NewHTTPHandler(reconcile *service.ReconcileService, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{reconcile: reconcile, logger: logger}
}

type CreateOrderItemRequest struct {
	ProductName       string `json:"product_name"`
	QuantityRequested int    `json:"quantity_requested"`
}

type OrderItemResponse struct {
	ID                string `json:"id"`
	ProductName       string `json:"product_name"`
	QuantityRequested int    `json:"quantity_requested"`
	QuantityRemaining int    `json:"quantity_remaining"`
}

type RecordDeliveryRequest struct {
	RequestID   string `json:"request_id"`
	OrderItemID string `json:"order_item_id"`
	DeliveryID  string `json:"delivery_id"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
}

type DeliveryItemResponse struct {
	ID                string `json:"id"`
	OrderItemID       string `json:"order_item_id"`
	DeliveryID        string `json:"delivery_id"`
	DeliveredQuantity int    `json:"delivered_quantity"`
	UnitPrice         string `json:"unit_price"`
	TotalAmount       string `json:"total_amount"`
}

type AmendDeliveryRequest struct {
	Quantity int `json:"quantity"`
}

type AuditEntryResponse struct {
	OperationType  string    `json:"operation_type"`
	OrderItemID    string    `json:"order_item_id"`
	DeliveryItemID string    `json:"delivery_item_id,omitempty"`
	OldQuantity    int       `json:"old_quantity"`
	NewQuantity    int       `json:"new_quantity"`
	DeltaApplied   int       `json:"delta_applied"`
	Timestamp      time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *HTTPHandler) CreateOrderItem(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.QuantityRequested < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "quantity_requested must be non-negative"})
		return
	}

	item, err := h.reconcile.InitOrderItem(r.Context(), req.ProductName, req.QuantityRequested)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderItemResponse(item))
}

func (h *HTTPHandler) GetOrderItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.reconcile.GetOrderItem(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderItemResponse(item))
}

type UpdateOrderItemRequest struct {
	ProductName       string `json:"product_name"`
	QuantityRemaining *int   `json:"quantity_remaining,omitempty"`
}

// UpdateOrderItem serves the order-CRUD collaborator. It cannot adjust the
// remaining quantity: a request that tries is rejected by the direct-write
// guard with 403.
func (h *HTTPHandler) UpdateOrderItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	item, err := h.reconcile.GetOrderItem(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	updated := *item
	updated.ProductName = req.ProductName
	if req.QuantityRemaining != nil {
		updated.QuantityRemaining = *req.QuantityRemaining
	}

	if err := h.reconcile.UpdateOrderItemInfo(r.Context(), updated); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderItemResponse(&updated))
}

func (h *HTTPHandler) GetRemaining(w http.ResponseWriter, r *http.Request) {
	remaining, err := h.reconcile.RemainingQuantity(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"quantity_remaining": remaining})
}

func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reconcile.AuditEntries(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			OperationType:  string(e.OperationType),
			OrderItemID:    e.OrderItemID,
			DeliveryItemID: e.DeliveryItemID,
			OldQuantity:    e.OldQuantity,
			NewQuantity:    e.NewQuantity,
			DeltaApplied:   e.DeltaApplied,
			Timestamp:      e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Recalculate is the privileged recovery endpoint, distinct from normal
// request handling (operators also reach it through reconcilectl).
func (h *HTTPHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconcile.Recalculate(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) RecordDelivery(w http.ResponseWriter, r *http.Request) {
	var req RecordDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.OrderItemID == "" || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing required fields"})
		return
	}

	unitPrice := decimal.Zero
	if req.UnitPrice != "" {
		var err error
		unitPrice, err = decimal.NewFromString(req.UnitPrice)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid unit_price"})
			return
		}
	}

	item, err := h.reconcile.RecordDelivery(r.Context(), req.RequestID, req.OrderItemID, req.DeliveryID, req.Quantity, unitPrice)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, deliveryItemResponse(item))
}

func (h *HTTPHandler) AmendDelivery(w http.ResponseWriter, r *http.Request) {
	var req AmendDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.reconcile.AmendDelivery(r.Context(), r.PathValue("id"), req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) CancelDelivery(w http.ResponseWriter, r *http.Request) {
	if err := h.reconcile.CancelDelivery(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderItemNotFound), errors.Is(err, domain.ErrDeliveryItemNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInsufficientRemaining),
		errors.Is(err, domain.ErrWouldUnderflow),
		errors.Is(err, domain.ErrWouldExceedRequested):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrDuplicateRequest):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "duplicate request"})
	case errors.Is(err, domain.ErrDirectMutationForbidden):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrStorageUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Retryable: true})
	default:
		h.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func orderItemResponse(item *domain.OrderItem) OrderItemResponse {
	return OrderItemResponse{
		ID:                item.ID,
		ProductName:       item.ProductName,
		QuantityRequested: item.QuantityRequested,
		QuantityRemaining: item.QuantityRemaining,
	}
}

func deliveryItemResponse(item *domain.DeliveryItem) DeliveryItemResponse {
	return DeliveryItemResponse{
		ID:                item.ID,
		OrderItemID:       item.OrderItemID,
		DeliveryID:        item.DeliveryID,
		DeliveredQuantity: item.DeliveredQuantity,
		UnitPrice:         item.UnitPrice.String(),
		TotalAmount:       item.TotalAmount.String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
