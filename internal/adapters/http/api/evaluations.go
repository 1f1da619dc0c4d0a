package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/internal/domain/submission"
)

// evaluationRequest mirrors the OpenAPI schema for POST /evaluations.
type evaluationRequest struct {
	DeviceID       string           `json:"deviceId"`
	ConsentVersion string           `json:"consentVersion"`
	Evaluations    []evaluationItem `json:"evaluations"`
}

type evaluationItem struct {
	GuidelineID string          `json:"guidelineId"`
	Percentage  json.RawMessage `json:"percentage"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

func (e evaluationRequest) validate() error {
	switch {
	case strings.TrimSpace(e.DeviceID) == "":
		return errors.New("missing deviceId")
	case strings.TrimSpace(e.ConsentVersion) == "":
		return errors.New("missing consentVersion")
	case e.Evaluations == nil:
		return errors.New("missing evaluations")
	}
	return nil
}

// toRequest converts the body; percentages must be unquoted JSON integers.
func (e evaluationRequest) toRequest() (submission.Request, error) {
	items := make([]model.EvaluationItem, len(e.Evaluations))
	for i, it := range e.Evaluations {
		if len(it.Percentage) == 0 {
			return submission.Request{}, fmt.Errorf("evaluations[%d]: missing percentage", i)
		}
		p, err := strconv.ParseInt(string(it.Percentage), 10, 64)
		if err != nil {
			return submission.Request{}, fmt.Errorf("evaluations[%d]: percentage must be an integer", i)
		}
		if p < math.MinInt32 || p > math.MaxInt32 {
			return submission.Request{}, fmt.Errorf("evaluations[%d]: percentage out of range", i)
		}
		items[i] = model.EvaluationItem{GuidelineID: it.GuidelineID, Percentage: int(p), Metadata: it.Metadata}
	}
	return submission.Request{DeviceID: e.DeviceID, ConsentVersion: e.ConsentVersion, Items: items}, nil
}

// EvaluationsHandler handles evaluation submissions.
type EvaluationsHandler struct {
	deps           EvaluationDependencies
	maxEvaluations int
}

// NewEvaluationsHandler creates a new evaluations handler.
func NewEvaluationsHandler(deps EvaluationDependencies, maxEvaluations int) *EvaluationsHandler {
	return &EvaluationsHandler{deps: deps, maxEvaluations: maxEvaluations}
}

// HandlePostEvaluations handles POST /evaluations requests.
// It answers with today's snapshot; a same-day resubmission gets the same
// snapshot and the X-Duplicate-Submission header.
func (h *EvaluationsHandler) HandlePostEvaluations(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_evaluations"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var body evaluationRequest
	if err := decodeJSON(r, op, &body); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		writeErr(w, r, WrapKind(op, ErrBadRequest, err))
		return
	}
	if h.maxEvaluations > 0 && len(body.Evaluations) > h.maxEvaluations {
		writeErr(w, r, WrapKind(op, ErrTooManyEvaluations,
			fmt.Errorf("maximum %d evaluations per request allowed", h.maxEvaluations)))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeErr(w, r, WrapKind(op, ErrBadRequest, err))
		return
	}

	res, err := h.deps.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, r, Wrap(op, err))
		return
	}
	w.Header().Set(evaluationDateHeader, res.Date)
	if res.Duplicate {
		w.Header().Set(duplicateHeader, "true")
	}
	writeJSON(w, http.StatusOK, res.Snapshot)
}
