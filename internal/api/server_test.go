package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthRequiresNoAuth(t *testing.T) {
	parts := newTestServer(t, "secret-key", nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	parts.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestOperationalEndpointsRequireAPIKey(t *testing.T) {
	parts := newTestServer(t, "secret-key", nil)

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/renew-watch"},
		{http.MethodPost, "/stop-watch"},
		{http.MethodGet, "/watch-status"},
		{http.MethodGet, "/emails"},
	}

	for _, ep := range endpoints {
		t.Run(ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()
			parts.server.Router().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("%s without key: status = %d, want 401", ep.path, rec.Code)
			}
		})
	}
}

func TestAPIKeyAccepted(t *testing.T) {
	parts := newTestServer(t, "secret-key", nil)

	headers := []struct {
		name  string
		key   string
		value string
	}{
		{"bearer", "Authorization", "Bearer secret-key"},
		{"raw authorization", "Authorization", "secret-key"},
		{"x-api-key", "X-API-Key", "secret-key"},
	}

	for _, h := range headers {
		t.Run(h.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/watch-status", nil)
			req.Header.Set(h.key, h.value)
			rec := httptest.NewRecorder()
			parts.server.Router().ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
		})
	}
}

func TestWrongAPIKeyRejected(t *testing.T) {
	parts := newTestServer(t, "secret-key", nil)

	req := httptest.NewRequest(http.MethodGet, "/watch-status", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	parts.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestPushEndpointBypassesAPIKey(t *testing.T) {
	// Pub/Sub cannot send the API key; /email-notify is authenticated by
	// OIDC token instead and must not sit behind the key middleware.
	parts := newTestServer(t, "secret-key", nil)

	req := pushRequest(t, `{"emailAddress":"user@example.com","historyId":1050}`)
	rec := httptest.NewRecorder()
	parts.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	parts.server.WaitReconciles()
}
