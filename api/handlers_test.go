/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Stock CRUD with decimal prices
- Cart add/remove/clear and settlement over HTTP
- Error kind to status mapping
- Ledger JSON lines export
*/
package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/ward-supply/consumption"
	"github.com/warp/ward-supply/store/sqlite"
)

var fixedNow = time.Date(2025, time.March, 10, 14, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := consumption.NewService(store, store, store, store,
		consumption.WithTransactor(store),
		consumption.WithPatients(store),
		consumption.WithClock(func() time.Time { return fixedNow }),
	)
	return NewRouter(NewHandler(svc, zap.NewNop()), []string{"*"})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seed(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/stock", SaveItemRequest{
		ID: "gauze", Name: "Sterile gauze", UnitType: "box", Drawer: "A1",
		Quantity: 10, CostPurchase: "0.90", CostInternal: "1,20", CostPatient: "1.505",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/patients", CreatePatientRequest{Name: "Ana", Age: 6})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PatientDTO](t, rec).ID
}

func qty(n int64) *int64 { return &n }

// =============================================================================
// STOCK
// =============================================================================

func TestSaveItem_ParsesDecimalPrices(t *testing.T) {
	h := newTestServer(t)
	seed(t, h)

	rec := do(t, h, http.MethodGet, "/api/stock/gauze", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	item := decode[ItemDTO](t, rec)
	assert.Equal(t, int64(90), item.CostPurchase)
	assert.Equal(t, int64(120), item.CostInternal, "comma decimal separator")
	assert.Equal(t, int64(151), item.CostPatient, "half-up rounding")
	assert.Equal(t, "1.51", item.PriceDisplay)
}

func TestSaveItem_Invalid(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/stock", SaveItemRequest{ID: "x", Name: "X", UnitType: "crate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/stock", SaveItemRequest{ID: "x", Name: "X", UnitType: "box", CostPatient: "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/stock", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStock_ListFilterAdjustDebitDelete(t *testing.T) {
	h := newTestServer(t)
	seed(t, h)

	rec := do(t, h, http.MethodGet, "/api/stock?drawer=a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ItemDTO](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/stock?drawer=Z9", nil)
	assert.Len(t, decode[[]ItemDTO](t, rec), 0)

	rec = do(t, h, http.MethodPost, "/api/stock/gauze/adjust", AdjustStockRequest{Delta: -15})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decode[ItemDTO](t, rec).Quantity)

	rec = do(t, h, http.MethodPost, "/api/stock/gauze/debit", DebitStockRequest{Quantity: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/stock/gauze", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/stock/gauze", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CART & SETTLEMENT
// =============================================================================

func TestCartAndSettle(t *testing.T) {
	// GIVEN: A patient and 10 gauze at 1.51
	// WHEN: Adding 3, removing 1 and settling over HTTP
	// THEN: One record of 3.02, stock 8, empty cart

	h := newTestServer(t)
	pid := seed(t, h)
	base := "/api/patients/" + pid

	rec := do(t, h, http.MethodPost, base+"/cart/add", CartChangeRequest{ItemID: "gauze", Quantity: qty(3)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, base+"/cart/remove", CartChangeRequest{ItemID: "gauze"})
	require.Equal(t, http.StatusOK, rec.Code)
	cart := decode[CartDTO](t, rec)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, int64(2), cart.Items[0].Quantity, "qty defaults to 1")
	assert.Equal(t, "3.02", cart.TotalDisplay)

	rec = do(t, h, http.MethodPost, base+"/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settlement := decode[SettlementDTO](t, rec)
	assert.Equal(t, 1, settlement.SettledCount)
	assert.Equal(t, int64(302), settlement.TotalMinorUnits)
	assert.True(t, settlement.SettledAt.Equal(fixedNow))

	rec = do(t, h, http.MethodGet, "/api/stock/gauze", nil)
	assert.Equal(t, int64(8), decode[ItemDTO](t, rec).Quantity)

	rec = do(t, h, http.MethodGet, base+"/cart", nil)
	assert.Empty(t, decode[CartDTO](t, rec).Items)

	rec = do(t, h, http.MethodGet, base+"/history", nil)
	history := decode[[]RecordDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, settlement.SettlementID, history[0].SettlementID)

	rec = do(t, h, http.MethodPost, base+"/settle", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "second settle hits an empty cart")
}

func TestCart_ErrorStatuses(t *testing.T) {
	h := newTestServer(t)
	pid := seed(t, h)
	base := "/api/patients/" + pid

	tests := []struct {
		name string
		path string
		body CartChangeRequest
		want int
	}{
		{"zero quantity", base + "/cart/add", CartChangeRequest{ItemID: "gauze", Quantity: qty(0)}, http.StatusBadRequest},
		{"unknown item", base + "/cart/add", CartChangeRequest{ItemID: "nope"}, http.StatusNotFound},
		{"over stock", base + "/cart/add", CartChangeRequest{ItemID: "gauze", Quantity: qty(11)}, http.StatusConflict},
		{"missing entry", base + "/cart/remove", CartChangeRequest{ItemID: "gauze"}, http.StatusNotFound},
		{"unknown patient", "/api/patients/P9999/cart/add", CartChangeRequest{ItemID: "gauze"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestClearCart(t *testing.T) {
	h := newTestServer(t)
	pid := seed(t, h)
	base := "/api/patients/" + pid

	do(t, h, http.MethodPost, base+"/cart/add", CartChangeRequest{ItemID: "gauze", Quantity: qty(2)})
	rec := do(t, h, http.MethodPost, base+"/cart/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[CartDTO](t, rec).Items)
}

// =============================================================================
// PATIENTS & LEDGER
// =============================================================================

func TestPatients(t *testing.T) {
	h := newTestServer(t)
	pid := seed(t, h)
	assert.Equal(t, "P0001", pid)

	rec := do(t, h, http.MethodPost, "/api/patients", CreatePatientRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/patients", nil)
	assert.Len(t, decode[[]PatientDTO](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/patients/"+pid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ana", decode[PatientDTO](t, rec).Name)
}

func TestLedger_FilterAndExport(t *testing.T) {
	h := newTestServer(t)
	pid := seed(t, h)
	base := "/api/patients/" + pid

	for i := 0; i < 2; i++ {
		do(t, h, http.MethodPost, base+"/cart/add", CartChangeRequest{ItemID: "gauze"})
		rec := do(t, h, http.MethodPost, base+"/settle", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/ledger?patient_id="+pid+"&from=2025-03-10&to=2025-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RecordDTO](t, rec), 2, "bare to date covers the whole day")

	rec = do(t, h, http.MethodGet, "/api/ledger?from=2025-03-11T00:00:00Z", nil)
	assert.Len(t, decode[[]RecordDTO](t, rec), 0)

	rec = do(t, h, http.MethodGet, "/api/ledger?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/ledger/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var lines int
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		var r RecordDTO
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		assert.Equal(t, int64(151), r.Total)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
