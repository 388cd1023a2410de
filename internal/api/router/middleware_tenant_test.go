package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apexrad/radsched/internal/tenancy"
)

func TestWithTenantScopeQueryParam(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenancy.TenantIDFromContext(r.Context())
		if !ok || tenantID != "acme-imaging" {
			t.Fatalf("expected tenant propagated, got %q / %v", tenantID, ok)
		}
		w.WriteHeader(http.StatusTeapot)
	})

	handler := withTenantScope(next)
	req := httptest.NewRequest(http.MethodGet, "/ops/dashboard?tenant=acme-imaging", nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected downstream status, got %d", rr.Code)
	}
}

func TestWithTenantScopeHeaderFallback(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenancy.TenantIDFromContext(r.Context())
		if tenantID != "acme-imaging" {
			t.Fatalf("expected header tenant, got %q", tenantID)
		}
	})

	handler := withTenantScope(next)
	req := httptest.NewRequest(http.MethodGet, "/ops/dashboard", nil)
	req.Header.Set(tenantHeader, "acme-imaging")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestWithTenantScopeMissing(t *testing.T) {
	handler := withTenantScope(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a tenant scope")
	}))
	req := httptest.NewRequest(http.MethodGet, "/ops/dashboard", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tenant, got %d", rr.Code)
	}
}
