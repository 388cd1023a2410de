package handlers

import "net/http"

// Health reports process liveness for the load balancer.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
