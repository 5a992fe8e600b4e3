package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"finflow/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ownerAndPeriod extracts and validates the owner_id and period query
// parameters shared by the report endpoints. It writes the error response
// itself and returns ok=false when validation fails.
func ownerAndPeriod(w http.ResponseWriter, r *http.Request) (string, core.Period, bool) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "missing owner_id query parameter")
		return "", core.Period{}, false
	}

	periodStr := strings.TrimSpace(r.URL.Query().Get("period"))
	if periodStr == "" {
		writeError(w, http.StatusBadRequest, "missing period query parameter")
		return "", core.Period{}, false
	}

	period, err := core.ParsePeriod(periodStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid period: must be YYYY-MM")
		return "", core.Period{}, false
	}

	return ownerID, period, true
}
