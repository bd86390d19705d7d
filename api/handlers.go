/*
handlers.go - HTTP API handlers for the ward supply system

ENDPOINTS:
  Stock:
    GET    /api/stock                     List items (?drawer=A3)
    POST   /api/stock                     Create or replace item
    GET    /api/stock/{id}                Get item
    PUT    /api/stock/{id}                Replace item
    DELETE /api/stock/{id}                Remove item
    POST   /api/stock/{id}/adjust         Signed correction, clamped at 0
    POST   /api/stock/{id}/debit          Withdraw outside any cart

  Patients:
    GET    /api/patients                  List patients
    POST   /api/patients                  Create patient (id assigned)
    GET    /api/patients/{id}             Get patient

  Cart:
    GET    /api/patients/{id}/cart        Pending cart with total
    POST   /api/patients/{id}/cart/add    {item_id, qty}
    POST   /api/patients/{id}/cart/remove {item_id, qty}
    POST   /api/patients/{id}/cart/clear

  Settlement & reports:
    POST   /api/patients/{id}/settle      Confirm the cart
    GET    /api/patients/{id}/history     Patient records
    GET    /api/ledger                    Global records (?patient_id=&from=&to=)
    GET    /api/ledger/export             Same, as JSON lines

ERROR HANDLING:
  - 400: Invalid input, non-positive quantity, malformed item
  - 404: Item, patient or cart entry not found
  - 409: Insufficient stock, empty cart
  - 500: Storage failure (reconcile=true when a settlement half-applied)

SECURITY NOTE:
  No authentication. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/ward-supply/consumption"
	"github.com/warp/ward-supply/money"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *consumption.Service
	Logger  *zap.Logger
}

func NewHandler(svc *consumption.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

func (h *Handler) ListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListStock(r.Context(), r.URL.Query().Get("drawer"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.GetItem(r.Context(), consumption.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// SaveItem handles POST /api/stock and PUT /api/stock/{id}.
func (h *Handler) SaveItem(w http.ResponseWriter, r *http.Request) {
	var req SaveItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}

	item, err := itemFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}
	if err := h.Service.SetItem(r.Context(), item); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

func itemFromRequest(req SaveItemRequest) (consumption.InventoryItem, error) {
	item := consumption.InventoryItem{
		ID:             consumption.ItemID(strings.TrimSpace(req.ID)),
		Name:           strings.TrimSpace(req.Name),
		UnitType:       consumption.UnitType(strings.TrimSpace(req.UnitType)),
		Drawer:         strings.TrimSpace(req.Drawer),
		QuantityOnHand: req.Quantity,
		Description:    req.Description,
	}
	prices := []struct {
		field string
		in    string
		out   *int64
	}{
		{"cost_purchase", req.CostPurchase, &item.CostPurchase},
		{"cost_internal", req.CostInternal, &item.CostInternal},
		{"cost_patient", req.CostPatient, &item.CostPatient},
	}
	for _, p := range prices {
		v, err := money.ParseMinor(p.in)
		if err != nil {
			return consumption.InventoryItem{}, fmt.Errorf("%s: %w", p.field, err)
		}
		*p.out = v
	}
	return item, nil
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.RemoveItem(r.Context(), consumption.ItemID(chi.URLParam(r, "id"))); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	item, err := h.Service.AdjustStock(r.Context(), consumption.ItemID(chi.URLParam(r, "id")), req.Delta)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

func (h *Handler) DebitStock(w http.ResponseWriter, r *http.Request) {
	var req DebitStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := consumption.ItemID(chi.URLParam(r, "id"))
	if err := h.Service.DebitStock(r.Context(), id, req.Quantity); err != nil {
		h.writeServiceError(w, err)
		return
	}
	item, err := h.Service.GetItem(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.Service.ListPatients(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.Age < 0 {
		req.Age = 0
	}

	p, err := h.Service.CreatePatient(r.Context(), consumption.Patient{
		Name:     strings.TrimSpace(req.Name),
		Age:      req.Age,
		Guardian: strings.TrimSpace(req.Guardian),
		Location: strings.TrimSpace(req.Location),
		Notes:    strings.TrimSpace(req.Notes),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientDTO(p))
}

func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.GetPatient(r.Context(), patientParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(p))
}

// =============================================================================
// CART HANDLERS
// =============================================================================

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.Service.GetCart(r.Context(), patientParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(cart))
}

func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req CartChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cart, err := h.Service.AddToCart(r.Context(), patientParam(r), consumption.ItemID(req.ItemID), req.qty())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(cart))
}

func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	var req CartChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cart, err := h.Service.RemoveFromCart(r.Context(), patientParam(r), consumption.ItemID(req.ItemID), req.qty())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(cart))
}

func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	id := patientParam(r)
	if err := h.Service.ClearCart(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(consumption.NewCart(id)))
}

// =============================================================================
// SETTLEMENT & REPORT HANDLERS
// =============================================================================

func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.Settle(r.Context(), patientParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Service.History(r.Context(), patientParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(recs))
}

func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	filter, err := ledgerFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	recs, err := h.Service.Ledger(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(recs))
}

// ExportLedger streams one JSON record per line.
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := ledgerFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	recs, err := h.Service.Ledger(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(toRecordDTO(rec)); err != nil {
			h.Logger.Warn("ledger export aborted", zap.Error(err))
			return
		}
	}
}

func ledgerFilter(r *http.Request) (consumption.LedgerFilter, error) {
	q := r.URL.Query()
	f := consumption.LedgerFilter{PatientID: consumption.PatientID(q.Get("patient_id"))}

	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = parseTime(v, false); err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = parseTime(v, true); err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
	}
	return f, nil
}

// parseTime accepts RFC3339 or a bare date. A bare "to" date covers the
// whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("use RFC3339 or YYYY-MM-DD, got %q", v)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func patientParam(r *http.Request) consumption.PatientID {
	return consumption.PatientID(chi.URLParam(r, "id"))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case consumption.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, consumption.ErrInsufficientStock), errors.Is(err, consumption.ErrEmptyCart):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, consumption.ErrInvalidQuantity), errors.Is(err, consumption.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case consumption.NeedsReconciliation(err):
		writeError(w, http.StatusInternalServerError, "Settlement partially applied; reconciliation required", err)
	default:
		h.Logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Storage failure", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
