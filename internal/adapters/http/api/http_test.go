package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/okian/guidepulse/internal/adapters/http/api"
	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/domain/evaluation"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/internal/domain/submission"
	"github.com/okian/guidepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// Mock implementations for testing
type mockDeps struct {
	submitted  []submission.Request
	result     submission.Result
	submitErr  error
	snapshot   []model.GuidelineSnapshot
	snapDate   string
	history    []model.GuidelineHistory
	historyErr error
	days       int
	consents   map[string]model.Consent
}

func newMockDeps() *mockDeps {
	return &mockDeps{
		consents: map[string]model.Consent{},
		snapDate: "2026-03-01",
		snapshot: []model.GuidelineSnapshot{
			{ID: "g1", Text: "Cite sources", Metadata: map[string]any{}, AveragePercentage: 70, TotalResponses: 2},
		},
	}
}

func (m *mockDeps) Submit(_ context.Context, req submission.Request) (submission.Result, error) {
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return submission.Result{}, m.submitErr
	}
	return m.result, nil
}

func (m *mockDeps) Guidelines(_ context.Context, date string) (string, []model.GuidelineSnapshot, error) {
	if date == "bad" {
		return "", nil, fmt.Errorf("%w: bad date", evaluation.ErrValidation)
	}
	if date == "" {
		date = m.snapDate
	}
	return date, m.snapshot, nil
}

func (m *mockDeps) History(_ context.Context, days int) ([]model.GuidelineHistory, error) {
	m.days = days
	return m.history, m.historyErr
}

func (m *mockDeps) RecordConsent(_ context.Context, c model.Consent) (model.Consent, error) {
	m.consents[c.DeviceID+"|"+c.ConsentVersion] = c
	return c, nil
}

func (m *mockDeps) WithdrawConsent(_ context.Context, deviceID, version string) (model.Consent, error) {
	c, ok := m.consents[deviceID+"|"+version]
	if !ok {
		return model.Consent{}, repository.ErrNotFound
	}
	if !c.Active() {
		return model.Consent{}, repository.ErrAlreadyWithdrawn
	}
	c.WithdrawnAt = &c.AgreedAt
	m.consents[deviceID+"|"+version] = c
	return c, nil
}

func (m *mockDeps) ConsentStatus(_ context.Context, deviceID, version string) (string, error) {
	c, ok := m.consents[deviceID+"|"+version]
	if !ok {
		return model.ConsentStatusNotFound, nil
	}
	return c.Status(), nil
}

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} {
	return m.stats
}

func newMux(deps *mockDeps, opts ...api.ServerOption) *http.ServeMux {
	server := api.NewServer(deps, &mockStatsProvider{stats: map[string]interface{}{"started": true}}, opts...)
	mux := http.NewServeMux()
	server.Register(context.Background(), mux)
	return mux
}

func do(mux *http.ServeMux, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func errorCode(w *httptest.ResponseRecorder) string {
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return body.Code
}

const validSubmission = `{"deviceId":"device-a","consentVersion":"1.0.0","evaluations":[{"guidelineId":"g1","percentage":80,"metadata":{"source":"popup"}}]}`

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		mux := newMux(newMockDeps())

		Convey("Then health answers ok", func() {
			w := do(mux, "GET", "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"status":"ok"`)
		})

		Convey("Then metrics are exposed", func() {
			do(mux, "GET", "/healthz", "")
			w := do(mux, "GET", "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "guidepulse_evaluations_http_requests_total")
		})

		Convey("Then stats merge service and runtime figures", func() {
			w := do(mux, "GET", "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var stats map[string]any
			So(json.Unmarshal(w.Body.Bytes(), &stats), ShouldBeNil)
			So(stats["started"], ShouldEqual, true)
			So(stats["goroutines"], ShouldBeGreaterThan, 0)
		})

		Convey("Then wrong methods are not found", func() {
			So(do(mux, "GET", "/evaluations", "").Code, ShouldEqual, http.StatusNotFound)
			So(do(mux, "POST", "/guidelines", "{}").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestEvaluationsHandler(t *testing.T) {
	Convey("Given an evaluations endpoint", t, func() {
		deps := newMockDeps()
		deps.result = submission.Result{Date: "2026-03-01", Snapshot: deps.snapshot}
		mux := newMux(deps, api.WithMaxEvaluations(2))

		Convey("When a valid batch is posted", func() {
			w := do(mux, "POST", "/evaluations", validSubmission)

			Convey("Then the snapshot is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("X-Duplicate-Submission"), ShouldBeEmpty)
				So(w.Header().Get("X-Evaluation-Date"), ShouldEqual, "2026-03-01")
				var snap []model.GuidelineSnapshot
				So(json.Unmarshal(w.Body.Bytes(), &snap), ShouldBeNil)
				So(snap[0].AveragePercentage, ShouldEqual, 70)
				So(snap[0].TotalResponses, ShouldEqual, 2)
			})

			Convey("Then the request is translated", func() {
				So(len(deps.submitted), ShouldEqual, 1)
				req := deps.submitted[0]
				So(req.DeviceID, ShouldEqual, "device-a")
				So(req.Items[0].Percentage, ShouldEqual, 80)
				So(req.Items[0].Metadata["source"], ShouldEqual, "popup")
			})
		})

		Convey("When the submission is a same-day duplicate", func() {
			deps.result.Duplicate = true
			w := do(mux, "POST", "/evaluations", validSubmission)

			Convey("Then it succeeds with the duplicate header", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("X-Duplicate-Submission"), ShouldEqual, "true")
			})
		})

		Convey("When the body is malformed", func() {
			cases := []string{
				`{`,
				`{"consentVersion":"1.0.0","evaluations":[]}`,
				`{"deviceId":"d","evaluations":[]}`,
				`{"deviceId":"d","consentVersion":"1"}`,
				`{"deviceId":"d","consentVersion":"1","evaluations":[{"guidelineId":"g1","percentage":80.5}]}`,
				`{"deviceId":"d","consentVersion":"1","evaluations":[{"guidelineId":"g1"}]}`,
				`{"deviceId":"d","consentVersion":"1","evaluations":[{"guidelineId":"g1","percentage":"50"}]}`,
				`{"deviceId":"d","consentVersion":"1","evaluations":[{"guidelineId":"g1","percentage":null}]}`,
				`{"deviceId":"d","consentVersion":"1","evaluations":[{"guidelineId":"g1","percentage":1e2}]}`,
				`{"deviceId":"d","consentVersion":"1","evaluations":[{"guidelineId":"g1","percentage":4294967346}]}`,
			}
			for _, body := range cases {
				w := do(mux, "POST", "/evaluations", body)
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(errorCode(w), ShouldEqual, "bad_request")
			}
			So(deps.submitted, ShouldBeEmpty)
		})

		Convey("When the batch exceeds the cap", func() {
			body := `{"deviceId":"d","consentVersion":"1","evaluations":[` +
				`{"guidelineId":"g1","percentage":1},{"guidelineId":"g1","percentage":2},{"guidelineId":"g1","percentage":3}]}`
			w := do(mux, "POST", "/evaluations", body)

			Convey("Then it is rejected as too large", func() {
				So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
				So(errorCode(w), ShouldEqual, "too_many_evaluations")
				So(deps.submitted, ShouldBeEmpty)
			})
		})

		Convey("When the engine reports domain errors", func() {
			cases := map[error]int{
				evaluation.ErrConsentRequired:           http.StatusForbidden,
				evaluation.ErrValidation:                http.StatusBadRequest,
				evaluation.ErrTransientStore:            http.StatusServiceUnavailable,
				errors.New("unexpected nil dereference"): http.StatusInternalServerError,
			}
			for cause, status := range cases {
				deps.submitErr = fmt.Errorf("wrapped: %w", cause)
				w := do(mux, "POST", "/evaluations", validSubmission)
				So(w.Code, ShouldEqual, status)
			}
		})

		Convey("When the store is unavailable", func() {
			deps.submitErr = fmt.Errorf("%w: sqlite insert_evaluations: disk I/O error at /var/lib/guidepulse.db", evaluation.ErrTransientStore)
			w := do(mux, "POST", "/evaluations", validSubmission)

			Convey("Then the cause stays in the log", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(errorCode(w), ShouldEqual, "store_unavailable")
				So(w.Body.String(), ShouldNotContainSubstring, "sqlite")
				So(w.Body.String(), ShouldNotContainSubstring, "guidepulse.db")
				So(w.Body.String(), ShouldContainSubstring, http.StatusText(http.StatusServiceUnavailable))
			})
		})

		Convey("When an internal error occurs", func() {
			deps.submitErr = errors.New("secret connection string")
			w := do(mux, "POST", "/evaluations", validSubmission)

			Convey("Then its detail is not echoed", func() {
				So(w.Body.String(), ShouldNotContainSubstring, "secret")
				So(errorCode(w), ShouldEqual, "internal_error")
			})
		})
	})

	Convey("Given a shared client key", t, func() {
		deps := newMockDeps()
		mux := newMux(deps, api.WithSharedKey("s3cret"))

		Convey("Then a missing or wrong key is unauthorized", func() {
			So(do(mux, "POST", "/evaluations", validSubmission).Code, ShouldEqual, http.StatusUnauthorized)
			w := do(mux, "POST", "/evaluations", validSubmission, "x-client-key", "nope")
			So(errorCode(w), ShouldEqual, "invalid_client_key")
			So(deps.submitted, ShouldBeEmpty)
		})

		Convey("Then the matching key is accepted", func() {
			w := do(mux, "POST", "/evaluations", validSubmission, "x-client-key", "s3cret")
			So(w.Code, ShouldEqual, http.StatusOK)
		})
	})

	Convey("Given a small body limit", t, func() {
		mux := newMux(newMockDeps(), api.WithBodyLimit(32))

		Convey("Then an oversized body is rejected", func() {
			w := do(mux, "POST", "/evaluations", validSubmission)
			So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
			So(errorCode(w), ShouldEqual, "payload_too_large")
		})
	})
}

func TestGuidelinesHandler(t *testing.T) {
	Convey("Given a guidelines endpoint", t, func() {
		deps := newMockDeps()
		deps.history = []model.GuidelineHistory{{ID: "g1", Text: "Cite sources", Metadata: map[string]any{},
			Data: []model.HistoryPoint{{Date: "2026-03-01", Average: 70, Count: 2}}}}
		mux := newMux(deps, api.WithDefaultHistoryDays(30))

		Convey("When reading today's snapshot", func() {
			w := do(mux, "GET", "/guidelines", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("X-Snapshot-Date"), ShouldEqual, "2026-03-01")
			So(w.Body.String(), ShouldContainSubstring, `"averagePercentage":70`)
		})

		Convey("When reading a specific date", func() {
			w := do(mux, "GET", "/guidelines?date=2026-02-27", "")
			So(w.Header().Get("X-Snapshot-Date"), ShouldEqual, "2026-02-27")
			So(do(mux, "GET", "/guidelines?date=bad", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When days is omitted", func() {
			w := do(mux, "GET", "/guidelines/history", "")

			Convey("Then the default window is used", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.days, ShouldEqual, 30)
				So(w.Body.String(), ShouldContainSubstring, `"data":[{"date":"2026-03-01","average":70,"count":2}]`)
			})
		})

		Convey("When days is at the bounds", func() {
			So(do(mux, "GET", "/guidelines/history?days=1", "").Code, ShouldEqual, http.StatusOK)
			So(deps.days, ShouldEqual, 1)
			So(do(mux, "GET", "/guidelines/history?days=180", "").Code, ShouldEqual, http.StatusOK)
			So(deps.days, ShouldEqual, 180)
		})

		Convey("When days is invalid", func() {
			for _, q := range []string{"0", "181", "-3", "ten", "1.5"} {
				w := do(mux, "GET", "/guidelines/history?days="+q, "")
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			}
		})
	})
}

func TestConsentsHandler(t *testing.T) {
	Convey("Given a consents endpoint", t, func() {
		deps := newMockDeps()
		mux := newMux(deps)
		consent := `{"deviceId":"device-a","consentVersion":"1.0.0","consentTextHash":"abc","evidence":"checkbox","agreedAt":"2026-03-01T09:00:00Z"}`

		Convey("When a consent is recorded", func() {
			w := do(mux, "POST", "/consents", consent)

			Convey("Then it is created and active", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				So(w.Body.String(), ShouldContainSubstring, `"status":"active"`)
				So(deps.consents["device-a|1.0.0"].ConsentTextHash, ShouldEqual, "abc")
			})

			Convey("Then both status forms report it", func() {
				w := do(mux, "GET", "/consents/status?deviceId=device-a&consentVersion=1.0.0", "")
				So(w.Body.String(), ShouldContainSubstring, `"status":"active"`)
				w = do(mux, "GET", "/consents/status/device-a/1.0.0", "")
				So(w.Body.String(), ShouldContainSubstring, `"status":"active"`)
			})

			Convey("Then withdrawing twice conflicts", func() {
				body := `{"deviceId":"device-a","consentVersion":"1.0.0"}`
				So(do(mux, "POST", "/consents/withdraw", body).Code, ShouldEqual, http.StatusOK)
				w := do(mux, "POST", "/consents/withdraw", body)
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(errorCode(w), ShouldEqual, "already_withdrawn")
			})
		})

		Convey("When withdrawing an unknown consent", func() {
			w := do(mux, "POST", "/consents/withdraw", `{"deviceId":"device-z","consentVersion":"1.0.0"}`)
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When the status is asked for an unknown device", func() {
			w := do(mux, "GET", "/consents/status/device-z/1.0.0", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"status":"not_found"`)
		})

		Convey("When requests are incomplete", func() {
			So(do(mux, "POST", "/consents", `{"deviceId":"device-a"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, "POST", "/consents", `{"deviceId":"a","consentVersion":"1","agreedAt":"yesterday"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, "GET", "/consents/status?deviceId=device-a", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, "GET", "/consents/status/a/b/c", "").Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestErrorKinds(t *testing.T) {
	Convey("Given wrapped API errors", t, func() {
		cause := errors.New("boom")
		err := api.WrapKind("api.op", api.ErrBadRequest, cause)

		Convey("Then both kind and cause match", func() {
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: bad request: boom")
		})

		Convey("Then KindOf finds the kind through outer wraps", func() {
			So(api.KindOf(api.Wrap("api.outer", err)), ShouldEqual, api.ErrBadRequest)
			So(api.KindOf(api.Wrap("api.outer", cause)), ShouldBeNil)
			So(api.KindOf(api.NewKind("api.op", api.ErrTooManyEvaluations)), ShouldEqual, api.ErrTooManyEvaluations)
		})

		Convey("Then Wrap of nil is nil", func() {
			So(api.Wrap("api.op", nil), ShouldBeNil)
		})
	})
}
