package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/okian/guidepulse/internal/domain/model"
)

type consentRequest struct {
	DeviceID        string `json:"deviceId"`
	ConsentVersion  string `json:"consentVersion"`
	ConsentTextHash string `json:"consentTextHash"`
	Evidence        string `json:"evidence"`
	AgreedAt        string `json:"agreedAt,omitempty"`
}

func (c consentRequest) toConsent() (model.Consent, error) {
	switch {
	case strings.TrimSpace(c.DeviceID) == "":
		return model.Consent{}, errors.New("missing deviceId")
	case strings.TrimSpace(c.ConsentVersion) == "":
		return model.Consent{}, errors.New("missing consentVersion")
	}
	out := model.Consent{
		DeviceID:        c.DeviceID,
		ConsentVersion:  c.ConsentVersion,
		ConsentTextHash: c.ConsentTextHash,
		Evidence:        c.Evidence,
	}
	if c.AgreedAt != "" {
		t, err := time.Parse(time.RFC3339, c.AgreedAt)
		if err != nil {
			return model.Consent{}, errors.New("invalid agreedAt; must be RFC3339")
		}
		out.AgreedAt = t
	}
	return out, nil
}

type withdrawRequest struct {
	DeviceID       string `json:"deviceId"`
	ConsentVersion string `json:"consentVersion"`
}

type consentResponse struct {
	DeviceID        string     `json:"deviceId"`
	ConsentVersion  string     `json:"consentVersion"`
	ConsentTextHash string     `json:"consentTextHash"`
	Evidence        string     `json:"evidence"`
	AgreedAt        time.Time  `json:"agreedAt"`
	WithdrawnAt     *time.Time `json:"withdrawnAt"`
	Status          string     `json:"status"`
}

func newConsentResponse(c model.Consent) consentResponse {
	return consentResponse{
		DeviceID:        c.DeviceID,
		ConsentVersion:  c.ConsentVersion,
		ConsentTextHash: c.ConsentTextHash,
		Evidence:        c.Evidence,
		AgreedAt:        c.AgreedAt,
		WithdrawnAt:     c.WithdrawnAt,
		Status:          c.Status(),
	}
}

type consentStatusResponse struct {
	DeviceID       string `json:"deviceId"`
	ConsentVersion string `json:"consentVersion"`
	Status         string `json:"status"`
}

// ConsentsHandler handles the consent registry endpoints.
type ConsentsHandler struct {
	deps ConsentDependencies
}

// NewConsentsHandler creates a new consents handler.
func NewConsentsHandler(deps ConsentDependencies) *ConsentsHandler {
	return &ConsentsHandler{deps: deps}
}

// HandlePostConsent handles POST /consents requests.
func (h *ConsentsHandler) HandlePostConsent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_consent"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var body consentRequest
	if err := decodeJSON(r, op, &body); err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := body.toConsent()
	if err != nil {
		writeErr(w, r, WrapKind(op, ErrBadRequest, err))
		return
	}
	saved, err := h.deps.RecordConsent(r.Context(), c)
	if err != nil {
		writeErr(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, newConsentResponse(saved))
}

// HandleWithdraw handles POST /consents/withdraw requests.
func (h *ConsentsHandler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	const op = "api.withdraw_consent"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var body withdrawRequest
	if err := decodeJSON(r, op, &body); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(body.DeviceID) == "" || strings.TrimSpace(body.ConsentVersion) == "" {
		writeErr(w, r, WrapKind(op, ErrBadRequest, errors.New("missing deviceId or consentVersion")))
		return
	}
	c, err := h.deps.WithdrawConsent(r.Context(), body.DeviceID, body.ConsentVersion)
	if err != nil {
		writeErr(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, newConsentResponse(c))
}

// HandleStatus handles GET /consents/status?deviceId=&consentVersion= and
// GET /consents/status/{deviceId}/{consentVersion} requests.
func (h *ConsentsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	const op = "api.consent_status"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	deviceID := r.URL.Query().Get("deviceId")
	version := r.URL.Query().Get("consentVersion")
	if rest := strings.TrimPrefix(r.URL.Path, "/consents/status/"); rest != r.URL.Path && rest != "" {
		parts := strings.Split(rest, "/")
		if len(parts) != 2 {
			writeErr(w, r, NewKind(op, ErrBadRequest))
			return
		}
		deviceID, version = parts[0], parts[1]
	}
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(version) == "" {
		writeErr(w, r, WrapKind(op, ErrBadRequest, errors.New("missing deviceId or consentVersion")))
		return
	}
	status, err := h.deps.ConsentStatus(r.Context(), deviceID, version)
	if err != nil {
		writeErr(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, consentStatusResponse{DeviceID: deviceID, ConsentVersion: version, Status: status})
}
