package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vetstock/backend/internal/domain"
	"vetstock/backend/internal/service"
	"vetstock/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response")
	}
	if body.Role != domain.RoleAdmin || body.PracticeID != "prac-lakeside" {
		t.Fatalf("unexpected login payload: %+v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestStockCountsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stock-counts", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestStockCountFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")
	csrf := fetchCSRFToken(t, api)

	session := createStockCount(t, api, token, csrf, "loc-lakeside-pharmacy")

	line := postJSON(t, api, token, csrf, http.MethodPost,
		fmt.Sprintf("/api/v1/stock-counts/%s/lines", session), map[string]any{
			"item_id":          "item-gauze-roll",
			"counted_quantity": 78,
		}, http.StatusOK)
	lineBody, _ := line["line"].(map[string]any)
	if lineBody["variance"] != float64(-2) {
		t.Fatalf("expected variance -2, got %v", lineBody["variance"])
	}

	result := postJSON(t, api, token, csrf, http.MethodPost,
		fmt.Sprintf("/api/v1/stock-counts/%s/complete", session), map[string]any{}, http.StatusOK)
	if result["status"] != domain.SessionStatusCompleted {
		t.Fatalf("expected completed status, got %v", result["status"])
	}
	if result["adjusted_items"] != float64(1) {
		t.Fatalf("expected 1 adjusted item, got %v", result["adjusted_items"])
	}
}

func TestCompleteConflictReturns409WithConflictList(t *testing.T) {
	api := newTestAPI(t)
	staffToken := login(t, api, "staff", "staff123")
	adminToken := login(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	session := createStockCount(t, api, staffToken, csrf, "loc-lakeside-pharmacy")
	postJSON(t, api, staffToken, csrf, http.MethodPost,
		fmt.Sprintf("/api/v1/stock-counts/%s/lines", session), map[string]any{
			"item_id":          "item-amox-250",
			"counted_quantity": 118,
		}, http.StatusOK)

	// Delivery lands out of band while the count is open.
	postJSON(t, api, adminToken, csrf, http.MethodPost, "/api/v1/inventory/adjust", map[string]any{
		"location_id": "loc-lakeside-pharmacy",
		"item_id":     "item-amox-250",
		"delta":       15,
		"reason":      "delivery",
	}, http.StatusOK)

	body := postJSON(t, api, staffToken, csrf, http.MethodPost,
		fmt.Sprintf("/api/v1/stock-counts/%s/complete", session), map[string]any{}, http.StatusConflict)
	conflicts, ok := body["conflicts"].([]any)
	if !ok || len(conflicts) != 1 {
		t.Fatalf("expected one conflict in 409 payload, got %v", body)
	}
}

func TestDeleteStockCountForbiddenForStaff(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")
	csrf := fetchCSRFToken(t, api)

	session := createStockCount(t, api, token, csrf, "loc-lakeside-pharmacy")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/stock-counts/"+session, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff delete, got %d", rec.Code)
	}
}

func TestCrossPracticeSessionReturns404(t *testing.T) {
	api := newTestAPI(t)
	lakesideToken := login(t, api, "staff", "staff123")
	hillcrestToken := login(t, api, "hillcrest-admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	session := createStockCount(t, api, lakesideToken, csrf, "loc-lakeside-pharmacy")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stock-counts/"+session, nil)
	req.Header.Set("Authorization", "Bearer "+hillcrestToken)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-practice read, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestInventoryAdjustForbiddenForStaff(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")
	csrf := fetchCSRFToken(t, api)

	postJSON(t, api, token, csrf, http.MethodPost, "/api/v1/inventory/adjust", map[string]any{
		"location_id": "loc-lakeside-pharmacy",
		"item_id":     "item-amox-250",
		"delta":       5,
		"reason":      "delivery",
	}, http.StatusForbidden)
}

func TestAuditLogsForbiddenForStaff(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff audit access, got %d", rec.Code)
	}
}

func TestListEndpointsReturnTypedPayloads(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	var locations domain.LocationListResponse
	getJSON(t, api, token, "/api/v1/locations", &locations)
	if len(locations.Locations) == 0 {
		t.Fatalf("expected seeded locations in payload")
	}

	var items domain.ItemListResponse
	getJSON(t, api, token, "/api/v1/items", &items)
	if len(items.Items) == 0 {
		t.Fatalf("expected seeded items in payload")
	}

	var inventory domain.InventoryListResponse
	getJSON(t, api, token, "/api/v1/inventory?location_id=loc-lakeside-pharmacy", &inventory)
	if len(inventory.Records) == 0 {
		t.Fatalf("expected seeded inventory records in payload")
	}

	postJSON(t, api, token, csrf, http.MethodPost, "/api/v1/inventory/adjust", map[string]any{
		"location_id": "loc-lakeside-pharmacy",
		"item_id":     "item-spot-on",
		"set_to":      5,
		"reason":      "correction",
	}, http.StatusOK)

	var lowStock domain.LowStockListResponse
	getJSON(t, api, token, "/api/v1/inventory/low-stock", &lowStock)
	found := false
	for _, alert := range lowStock.Alerts {
		if alert.ItemID == "item-spot-on" && alert.Quantity == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected spot-on below its reorder point in payload, got %+v", lowStock.Alerts)
	}

	var adjustments domain.AdjustmentListResponse
	getJSON(t, api, token, "/api/v1/adjustments?item_id=item-spot-on", &adjustments)
	if len(adjustments.Adjustments) != 1 {
		t.Fatalf("expected one adjustment row in payload, got %+v", adjustments.Adjustments)
	}

	var sessions domain.StockCountListResponse
	getJSON(t, api, token, "/api/v1/stock-counts", &sessions)
	if len(sessions.Sessions) != 0 {
		t.Fatalf("expected no sessions yet, got %+v", sessions.Sessions)
	}

	var logs domain.AuditLogListResponse
	getJSON(t, api, token, "/api/v1/audit-logs", &logs)
	if len(logs.Logs) == 0 {
		t.Fatalf("expected the adjustment to show up in the audit payload")
	}
}

func createStockCount(t *testing.T, api *API, token, csrf, locationID string) string {
	t.Helper()
	body := postJSON(t, api, token, csrf, http.MethodPost, "/api/v1/stock-counts", map[string]any{
		"location_id": locationID,
	}, http.StatusCreated)
	session, _ := body["session"].(map[string]any)
	id, _ := session["id"].(string)
	if id == "" {
		t.Fatalf("expected session id in response, got %v", body)
	}
	return id
}

func getJSON(t *testing.T, api *API, token, path string, dest any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: expected 200, got %d (body: %s)", path, rec.Code, rec.Body.String())
	}
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
}

func postJSON(t *testing.T, api *API, token, csrf, method, path string, payload map[string]any, wantStatus int) map[string]any {
	t.Helper()
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d (body: %s)", method, path, wantStatus, rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}
