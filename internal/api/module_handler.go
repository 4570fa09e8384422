package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/orders"
)

// ListModules возвращает конфигурации модулей.
// GET /api/v1/modules
func (h *Handler) ListModules(w http.ResponseWriter, r *http.Request) {
	modules := h.platform.Modules()
	List(w, modules, len(modules))
}

// SyncModules перечитывает конфигурации модулей из БД.
// POST /api/v1/modules/sync
func (h *Handler) SyncModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.platform.Sync(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	List(w, modules, len(modules))
}

// Enqueue ставит задачу модуля в очередь.
// POST /api/v1/modules/{moduleID}/jobs
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if req.DelayMs < 0 {
		BadRequest(w, "delay_ms must not be negative")
		return
	}

	h.enqueue(w, r, chi.URLParam(r, "moduleID"), req)
}

// orderActions — модули, доступные через /order-items/{itemID}/{action}.
var orderActions = map[string]string{
	"submit":       orders.ModuleSubmit,
	"cancel":       orders.ModuleCancel,
	"payment-link": orders.ModulePaymentLink,
}

// OrderAction ставит задачу модуля заказов для позиции.
// POST /api/v1/order-items/{itemID}/{action}
func (h *Handler) OrderAction(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
	if err != nil {
		BadRequest(w, "invalid order item id")
		return
	}
	moduleID, ok := orderActions[chi.URLParam(r, "action")]
	if !ok {
		NotFound(w, "unknown order action")
		return
	}

	h.enqueue(w, r, moduleID, EnqueueRequest{
		Payload: map[string]any{"orderItemId": itemID.String()},
		Meta:    map[string]string{"source": "api"},
	})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, moduleID string, req EnqueueRequest) {
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	res, err := h.platform.Enqueue(r.Context(), moduleID, req.Payload, req.Meta, req.Options())
	if HandleError(w, h.logger, err) {
		return
	}

	if res.Created {
		Created(w, res)
		return
	}
	Success(w, res)
}
