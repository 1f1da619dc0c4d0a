// Package repository defines the evaluation storage contracts and errors.
package repository

import (
	"context"
	"time"

	"github.com/okian/guidepulse/internal/domain/model"
)

// Tx is the write surface of one all-or-nothing store transaction.
// Everything done through a Tx commits together or not at all.
type Tx interface {
	// AcquireSubmissionLock inserts the (deviceID, date) lock. It reports false,
	// without error, when the lock already exists.
	AcquireSubmissionLock(ctx context.Context, deviceID, date string) (bool, error)

	// InsertEvaluations appends records to the evaluation log.
	InsertEvaluations(ctx context.Context, records []model.EvaluationRecord) error

	// IncrementAggregate adds delta to the (guideline, date) aggregate, creating
	// it when absent. The average is recomputed by the store.
	IncrementAggregate(ctx context.Context, delta model.AggregateDelta, date string) error

	// Snapshot reads every catalog guideline decorated with date's aggregates,
	// ordered by guideline id.
	Snapshot(ctx context.Context, date string) ([]model.GuidelineSnapshot, error)
}

// Store provides transactional writes and lock-free reads.
type Store interface {
	// WithinTx runs fn in a transaction. A non-nil return from fn rolls back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Snapshot is Tx.Snapshot outside a transaction.
	Snapshot(ctx context.Context, date string) ([]model.GuidelineSnapshot, error)

	// AggregatesInRange returns aggregates with from <= date <= to ordered by
	// guideline id, then date.
	AggregatesInRange(ctx context.Context, from, to string) ([]model.DailyAggregate, error)

	// Guideline catalog.
	ListGuidelines(ctx context.Context) ([]model.Guideline, error)
	UpsertGuideline(ctx context.Context, g model.Guideline) error

	// Consent registry. IsConsentActive reads the current state on every call.
	IsConsentActive(ctx context.Context, deviceID, version string) (bool, error)
	RecordConsent(ctx context.Context, c model.Consent) (model.Consent, error)
	WithdrawConsent(ctx context.Context, deviceID, version string, at time.Time) (model.Consent, error)
	GetConsent(ctx context.Context, deviceID, version string) (model.Consent, error)

	// CountEvaluations counts log rows for a device on a date.
	CountEvaluations(ctx context.Context, deviceID, date string) (int, error)

	Close() error
}
