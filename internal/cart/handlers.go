package cart

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/commerce-core/internal/common"
)

// Handler wires the cart engine to HTTP. It is deliberately thin: the
// authentication layer in front resolves the user, the tenant middleware
// establishes the scope, and everything else lives in the engine.
type Handler struct {
	Svc *Service
}

// Routes mounts the cart endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/cart", h.Get)
	r.Delete("/cart", h.Clear)
	r.Post("/cart/items", h.AddItem)
	r.Patch("/cart/items/{itemID}", h.UpdateItem)
	r.Delete("/cart/items/{itemID}", h.RemoveItem)
	r.Post("/cart/merge", h.Merge)
}

// Get returns the caller's cart, creating it on first access.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user is required", nil)
		return
	}
	view, err := h.Svc.GetOrCreateCart(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, viewBody(view))
}

// AddItem adds a SKU to the cart.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user is required", nil)
		return
	}
	var payload struct {
		SKUID    string `json:"skuId"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	res, err := h.Svc.AddItem(r.Context(), userID, payload.SKUID, payload.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{
		"item":   itemBody(res.Item),
		"capped": res.Capped,
	})
}

// UpdateItem sets an item's quantity.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user is required", nil)
		return
	}
	var payload struct {
		Quantity int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	item, err := h.Svc.UpdateItemQuantity(r.Context(), userID, chi.URLParam(r, "itemID"), payload.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, itemBody(item))
}

// RemoveItem deletes an item from the cart.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user is required", nil)
		return
	}
	if err := h.Svc.RemoveItem(r.Context(), userID, chi.URLParam(r, "itemID")); err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{"removed": true})
}

// Clear empties the cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user is required", nil)
		return
	}
	if err := h.Svc.ClearCart(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{"cleared": true})
}

// Merge folds a guest cart's lines into the caller's cart.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user is required", nil)
		return
	}
	var payload struct {
		Items []struct {
			SKUID    string `json:"skuId"`
			Quantity int64  `json:"quantity"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	items := make([]MergeItem, 0, len(payload.Items))
	for _, it := range payload.Items {
		items = append(items, MergeItem{SKUID: it.SKUID, Quantity: it.Quantity})
	}
	results, err := h.Svc.MergeCart(r.Context(), userID, items)
	if err != nil {
		writeError(w, err)
		return
	}
	body := make([]map[string]any, 0, len(results))
	for _, res := range results {
		entry := map[string]any{"skuId": res.SKUID, "success": res.Success, "capped": res.Capped}
		if res.Error != "" {
			entry["error"] = res.Error
		}
		body = append(body, entry)
	}
	common.Data(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, err error) {
	ae := classify(err)
	common.JSONError(w, ae.HTTPStatus, ae.Code, ae.Message, ae.Details)
}

// classify maps engine failures onto AppErrors. An error that already is one
// passes through with its code and status intact.
func classify(err error) *common.AppError {
	if ae, ok := common.AsAppError(err); ok {
		return ae
	}
	switch {
	case errors.Is(err, common.ErrTenantRequired):
		return common.NewAppError("TENANT_REQUIRED", "tenant is required", http.StatusBadRequest, err)
	case errors.Is(err, common.ErrNotFound):
		return common.NewAppError("NOT_FOUND", "resource not found", http.StatusNotFound, err)
	case common.IsValidation(err):
		var stock *common.StockError
		if errors.As(err, &stock) {
			ae := common.NewAppError("INSUFFICIENT_STOCK", stock.Error(), http.StatusUnprocessableEntity, err)
			ae.Details = map[string]any{
				"skuId":     stock.SKUID,
				"requested": stock.Requested,
				"available": stock.Available,
			}
			return ae
		}
		return common.NewAppError("SKU_NOT_SELLABLE", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, common.ErrConflict):
		return common.NewAppError("CONFLICT", "resource conflict", http.StatusConflict, err)
	case errors.Is(err, common.ErrTxAborted):
		return common.NewAppError("TX_ABORTED", "transaction aborted, retry the request", http.StatusConflict, err)
	case errors.Is(err, ErrInvalidInput):
		return common.NewAppError("BAD_REQUEST", err.Error(), http.StatusBadRequest, err)
	default:
		return common.NewAppError("INTERNAL", "unexpected error", http.StatusInternalServerError, err)
	}
}

func viewBody(v View) map[string]any {
	items := make([]map[string]any, 0, len(v.Items))
	for _, it := range v.Items {
		body := itemBody(it.CartItem)
		body["unitPrice"] = it.UnitPrice
		body["subtotal"] = it.Subtotal
		items = append(items, body)
	}
	return map[string]any{
		"id":          v.ID,
		"userId":      v.UserID,
		"items":       items,
		"totalAmount": v.TotalAmount,
		"totalItems":  v.TotalItems,
	}
}

func itemBody(it CartItem) map[string]any {
	return map[string]any{
		"id":       it.ID,
		"cartId":   it.CartID,
		"skuId":    it.SKUID,
		"quantity": it.Quantity,
	}
}
