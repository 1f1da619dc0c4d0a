// Package submission implements the evaluation submission engine: consent
// gate, per-device daily lock, evaluation log append and aggregate increments,
// all in one store transaction.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/domain/calendar"
	"github.com/okian/guidepulse/internal/domain/evaluation"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/pkg/logger"
	"github.com/okian/guidepulse/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 25 * time.Millisecond
)

// ConsentOracle answers whether a device's consent version is currently active.
type ConsentOracle interface {
	IsConsentActive(ctx context.Context, deviceID, version string) (bool, error)
}

// GuidelineCatalog lists the known guidelines.
type GuidelineCatalog interface {
	ListGuidelines(ctx context.Context) ([]model.Guideline, error)
}

// Request is one client submission.
type Request struct {
	DeviceID       string
	ConsentVersion string
	Items          []model.EvaluationItem
}

// Result is the day's snapshot after the submission.
// Duplicate is set when the device had already submitted today; nothing was written.
type Result struct {
	Date      string
	Duplicate bool
	Snapshot  []model.GuidelineSnapshot
}

// Engine orchestrates consent check, lock, log and aggregate writes.
type Engine struct {
	store       repository.Store
	consent     ConsentOracle
	catalog     GuidelineCatalog
	cal         *calendar.Calendar
	logger      logger.Logger
	maxAttempts int
	backoff     time.Duration
	newID       func() string
}

// New builds an Engine. The store doubles as consent oracle and catalog unless overridden.
func New(store repository.Store, cal *calendar.Calendar, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		consent:     store,
		catalog:     store,
		cal:         cal,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("submission")
	}
	return e
}

// Submit records a batch for today. It returns evaluation.ErrValidation,
// evaluation.ErrConsentRequired or evaluation.ErrTransientStore on failure; a
// same-day resubmission succeeds with Result.Duplicate set.
func (e *Engine) Submit(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := e.submit(ctx, req)
	metrics.RecordSubmitLatency(float64(time.Since(start).Microseconds()) / 1000)

	switch {
	case err == nil && res.Duplicate:
		metrics.RecordSubmission(metrics.OutcomeDuplicate)
		e.logger.Info(ctx, "duplicate submission ignored",
			logger.String("deviceId", req.DeviceID),
			logger.String("date", res.Date),
			logger.Int("items", len(req.Items)),
		)
	case err == nil:
		metrics.RecordSubmission(metrics.OutcomeAccepted)
		e.logger.Debug(ctx, "submission accepted",
			logger.String("deviceId", req.DeviceID),
			logger.String("date", res.Date),
			logger.Int("items", len(req.Items)),
		)
	case errors.Is(err, evaluation.ErrConsentRequired):
		metrics.RecordSubmission(metrics.OutcomeConsentRequired)
		e.logger.Info(ctx, "submission rejected without active consent",
			logger.String("deviceId", req.DeviceID),
			logger.String("consentVersion", req.ConsentVersion),
		)
	case errors.Is(err, evaluation.ErrValidation):
		metrics.RecordSubmission(metrics.OutcomeInvalid)
		e.logger.Debug(ctx, "submission rejected", logger.Error(err))
	default:
		metrics.RecordSubmission(metrics.OutcomeError)
		e.logger.Error(ctx, "submission failed",
			logger.String("deviceId", req.DeviceID),
			logger.Error(err),
		)
	}
	return res, err
}

func (e *Engine) submit(ctx context.Context, req Request) (Result, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	version := strings.TrimSpace(req.ConsentVersion)
	if deviceID == "" {
		return Result{}, fmt.Errorf("%w: deviceId is required", evaluation.ErrValidation)
	}
	if version == "" {
		return Result{}, fmt.Errorf("%w: consentVersion is required", evaluation.ErrValidation)
	}
	if err := evaluation.ValidateItems(req.Items); err != nil {
		return Result{}, err
	}

	guidelines, err := e.catalog.ListGuidelines(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: list guidelines: %w", evaluation.ErrTransientStore, err)
	}
	known := make(map[string]model.Guideline, len(guidelines))
	for _, g := range guidelines {
		known[g.ID] = g
	}
	if missing := evaluation.UnknownGuidelines(req.Items, known); len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: unknown guideline ids %s", evaluation.ErrValidation, strings.Join(missing, ", "))
	}

	active, err := e.consent.IsConsentActive(ctx, deviceID, version)
	if err != nil {
		return Result{}, fmt.Errorf("%w: consent lookup: %w", evaluation.ErrTransientStore, err)
	}
	if !active {
		return Result{}, fmt.Errorf("%w: device %s version %s", evaluation.ErrConsentRequired, deviceID, version)
	}

	// One "today" for the whole call, so a retry never straddles midnight.
	now := e.cal.Now()
	today := now.Format(calendar.DateLayout)

	records := make([]model.EvaluationRecord, len(req.Items))
	for i, it := range req.Items {
		records[i] = model.EvaluationRecord{
			ID:             e.newID(),
			DeviceID:       deviceID,
			GuidelineID:    it.GuidelineID,
			Percentage:     it.Percentage,
			Metadata:       it.Metadata,
			ConsentVersion: version,
			Date:           today,
			CreatedAt:      now,
		}
	}
	deltas := evaluation.Deltas(req.Items)

	for attempt := 1; ; attempt++ {
		res, err := e.apply(ctx, deviceID, today, records, deltas)
		if err == nil {
			if !res.Duplicate {
				metrics.RecordEvaluationsStored(len(records))
				metrics.RecordAggregateUpserts(len(deltas))
			}
			return res, nil
		}
		if !errors.Is(err, repository.ErrBusy) || attempt >= e.maxAttempts {
			return Result{}, fmt.Errorf("%w: %w", evaluation.ErrTransientStore, err)
		}

		metrics.RecordSubmitRetry()
		e.logger.Warn(ctx, "store busy, retrying submission",
			logger.String("deviceId", deviceID),
			logger.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("%w: %w", evaluation.ErrTransientStore, ctx.Err())
		case <-time.After(time.Duration(attempt) * e.backoff):
		}
	}
}

// apply runs lock, log, aggregate and snapshot in one transaction.
func (e *Engine) apply(ctx context.Context, deviceID, today string, records []model.EvaluationRecord, deltas []model.AggregateDelta) (Result, error) {
	res := Result{Date: today}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		acquired, err := tx.AcquireSubmissionLock(ctx, deviceID, today)
		if err != nil {
			return err
		}
		if !acquired {
			res.Duplicate = true
			res.Snapshot, err = tx.Snapshot(ctx, today)
			return err
		}
		if err := tx.InsertEvaluations(ctx, records); err != nil {
			return err
		}
		for _, d := range deltas {
			if err := tx.IncrementAggregate(ctx, d, today); err != nil {
				return err
			}
		}
		res.Snapshot, err = tx.Snapshot(ctx, today)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
