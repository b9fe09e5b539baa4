package main

import (
	"net/http"
)

// handleGetDashboard returns the current fleet summary.
func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := a.fleet.Summary(r.Context(), a.now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
