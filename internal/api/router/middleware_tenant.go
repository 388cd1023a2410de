package router

import (
	"net/http"
	"strings"

	"github.com/apexrad/radsched/internal/tenancy"
)

const tenantHeader = "X-Tenant-ID"

// withTenantScope resolves which tenant an ops request reads, query param
// first with the header as fallback, and stores it in the request context.
// Webhook routes never pass through here; they resolve tenancy from the
// message itself.
func withTenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.Header.Get(tenantHeader))
		}
		if tenantID == "" {
			http.Error(w, `{"error":"tenant required"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithTenantID(r.Context(), tenantID)))
	})
}
