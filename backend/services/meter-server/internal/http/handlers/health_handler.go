package handlers

import "net/http"

// Counter reports how many sessions are live.
type Counter interface {
	Len() int
}

// Health handles GET /health.
func Health(sessions Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"activeSessions": sessions.Len(),
		})
	}
}
