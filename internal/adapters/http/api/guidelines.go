package api

import (
	"fmt"
	"net/http"
	"strconv"
)

// GuidelinesHandler serves snapshots and history.
type GuidelinesHandler struct {
	deps        GuidelineDependencies
	defaultDays int
	maxDays     int
}

// NewGuidelinesHandler creates a new guidelines handler.
func NewGuidelinesHandler(deps GuidelineDependencies, defaultDays, maxDays int) *GuidelinesHandler {
	return &GuidelinesHandler{deps: deps, defaultDays: defaultDays, maxDays: maxDays}
}

// HandleGetGuidelines handles GET /guidelines?date=YYYY-MM-DD requests.
func (h *GuidelinesHandler) HandleGetGuidelines(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_guidelines"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	date, snap, err := h.deps.Guidelines(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeErr(w, r, Wrap(op, err))
		return
	}
	w.Header().Set(snapshotDateHeader, date)
	writeJSON(w, http.StatusOK, snap)
}

// HandleGetHistory handles GET /guidelines/history?days=N requests.
func (h *GuidelinesHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_guideline_history"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	days, err := h.days(r.URL.Query().Get("days"))
	if err != nil {
		writeErr(w, r, WrapKind(op, ErrBadRequest, err))
		return
	}
	hist, err := h.deps.History(r.Context(), days)
	if err != nil {
		writeErr(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *GuidelinesHandler) days(raw string) (int, error) {
	if raw == "" {
		return h.defaultDays, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > h.maxDays {
		return 0, fmt.Errorf("days must be between 1 and %d", h.maxDays)
	}
	return n, nil
}
