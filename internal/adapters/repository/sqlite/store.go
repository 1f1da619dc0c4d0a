// Package sqlite provides a SQLite-backed evaluation store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/adapters/repository/sqlite/migrations"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/pkg/metrics"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const defaultBusyTimeout = 5 * time.Second

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithBusyTimeout sets how long a connection waits on a locked database before SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.busyTimeout = d
		}
	}
}

// WithClock replaces time.Now for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store persists evaluations, locks, aggregates, guidelines and consents in SQLite.
type Store struct {
	sqlDB       *sql.DB
	busyTimeout time.Duration
	now         func() time.Time
	closed      atomic.Bool
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
//
// Transactions begin IMMEDIATE, so concurrent writers serialize at BEGIN and
// wait up to the busy timeout instead of failing mid-transaction.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: storage path is required", repository.ErrInvalidArgument)
	}
	s := &Store{busyTimeout: defaultBusyTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.Clean(path), s.busyTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	s.sqlDB = sqlDB
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil || s.closed.Swap(true) {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil || s.closed.Load() {
		return repository.ErrClosed
	}
	return nil
}

// WithinTx runs fn inside one IMMEDIATE transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	if err := s.ready(ctx); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryTxLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin", err)
	}
	// Rolls back on error and on panic in fn; a no-op after Commit.
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &tx{sqlTx: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	committed = true
	return nil
}

// tx implements repository.Tx on a *sql.Tx.
type tx struct {
	sqlTx *sql.Tx
	now   func() time.Time
}

// AcquireSubmissionLock inserts the lock row; an existing row means not acquired.
func (t *tx) AcquireSubmissionLock(ctx context.Context, deviceID, date string) (bool, error) {
	result, err := t.sqlTx.ExecContext(ctx,
		`INSERT INTO submission_locks (device_id, date, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id, date) DO NOTHING`,
		deviceID, date, toMillis(t.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, wrapErr("acquire_lock", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrapErr("acquire_lock", err)
	}
	return rowsAffected == 1, nil
}

// InsertEvaluations appends records to the evaluation log.
func (t *tx) InsertEvaluations(ctx context.Context, records []model.EvaluationRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := t.sqlTx.PrepareContext(ctx,
		`INSERT INTO evaluations (id, device_id, guideline_id, percentage, metadata, consent_version, date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapErr("insert_evaluations", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			return fmt.Errorf("%w: evaluation %s metadata: %w", repository.ErrInvalidArgument, r.ID, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = t.now()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.DeviceID, r.GuidelineID, r.Percentage, meta, r.ConsentVersion, r.Date, toMillis(createdAt),
		); err != nil {
			return wrapErr("insert_evaluations", err)
		}
	}
	return nil
}

// IncrementAggregate applies delta with store-side arithmetic. SET expressions
// see the pre-update row, so the average is derived from the new totals.
func (t *tx) IncrementAggregate(ctx context.Context, delta model.AggregateDelta, date string) error {
	if delta.Count < 0 || delta.Sum < 0 {
		return fmt.Errorf("%w: negative aggregate delta for %s", repository.ErrInvalidArgument, delta.GuidelineID)
	}
	now := toMillis(t.now())
	_, err := t.sqlTx.ExecContext(ctx,
		`INSERT INTO guideline_daily_aggregates (guideline_id, date, count, sum, average, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, IFNULL(ROUND(CAST(?4 AS REAL) / NULLIF(?3, 0), 2), 0), ?5, ?5)
		 ON CONFLICT(guideline_id, date) DO UPDATE SET
		   count = guideline_daily_aggregates.count + excluded.count,
		   sum = guideline_daily_aggregates.sum + excluded.sum,
		   average = IFNULL(ROUND(
		     CAST(guideline_daily_aggregates.sum + excluded.sum AS REAL)
		       / NULLIF(guideline_daily_aggregates.count + excluded.count, 0), 2), 0),
		   updated_at = excluded.updated_at`,
		delta.GuidelineID, date, delta.Count, delta.Sum, now,
	)
	if err != nil {
		return wrapErr("increment_aggregate", err)
	}
	return nil
}

// Snapshot reads date's snapshot inside the transaction.
func (t *tx) Snapshot(ctx context.Context, date string) ([]model.GuidelineSnapshot, error) {
	return snapshot(ctx, t.sqlTx, date)
}

// Snapshot reads date's snapshot outside any transaction.
func (s *Store) Snapshot(ctx context.Context, date string) ([]model.GuidelineSnapshot, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	defer observeQuery(time.Now())
	return snapshot(ctx, s.sqlDB, date)
}

func snapshot(ctx context.Context, q queryer, date string) ([]model.GuidelineSnapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT g.id, g.text, g.metadata, IFNULL(a.average, 0), IFNULL(a.count, 0)
		 FROM guidelines g
		 LEFT JOIN guideline_daily_aggregates a ON a.guideline_id = g.id AND a.date = ?
		 ORDER BY g.id ASC`, date)
	if err != nil {
		return nil, wrapErr("snapshot", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.GuidelineSnapshot{}
	for rows.Next() {
		var (
			s    model.GuidelineSnapshot
			meta string
		)
		if err := rows.Scan(&s.ID, &s.Text, &meta, &s.AveragePercentage, &s.TotalResponses); err != nil {
			return nil, wrapErr("snapshot", err)
		}
		s.Metadata = decodeMetadata(meta)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("snapshot", err)
	}
	return out, nil
}

// AggregatesInRange returns aggregates in [from, to] ordered by guideline id, date.
func (s *Store) AggregatesInRange(ctx context.Context, from, to string) ([]model.DailyAggregate, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	defer observeQuery(time.Now())

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT guideline_id, date, count, sum, average
		 FROM guideline_daily_aggregates
		 WHERE date BETWEEN ? AND ?
		 ORDER BY guideline_id ASC, date ASC`, from, to)
	if err != nil {
		return nil, wrapErr("aggregates_in_range", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DailyAggregate
	for rows.Next() {
		var a model.DailyAggregate
		if err := rows.Scan(&a.GuidelineID, &a.Date, &a.Count, &a.Sum, &a.Average); err != nil {
			return nil, wrapErr("aggregates_in_range", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("aggregates_in_range", err)
	}
	return out, nil
}

// ListGuidelines returns the catalog ordered by id.
func (s *Store) ListGuidelines(ctx context.Context) ([]model.Guideline, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	defer observeQuery(time.Now())

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, text, metadata FROM guidelines ORDER BY id ASC`)
	if err != nil {
		return nil, wrapErr("list_guidelines", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Guideline
	for rows.Next() {
		var (
			g    model.Guideline
			meta string
		)
		if err := rows.Scan(&g.ID, &g.Text, &meta); err != nil {
			return nil, wrapErr("list_guidelines", err)
		}
		g.Metadata = decodeMetadata(meta)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list_guidelines", err)
	}
	return out, nil
}

// UpsertGuideline creates or replaces a catalog entry.
func (s *Store) UpsertGuideline(ctx context.Context, g model.Guideline) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id := strings.TrimSpace(g.ID)
	if id == "" {
		return fmt.Errorf("%w: guideline id is required", repository.ErrInvalidArgument)
	}
	meta, err := encodeMetadata(g.Metadata)
	if err != nil {
		return fmt.Errorf("%w: guideline %s metadata: %w", repository.ErrInvalidArgument, id, err)
	}
	now := toMillis(s.now())
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO guidelines (id, text, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   text = excluded.text,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		id, g.Text, meta, now, now,
	)
	if err != nil {
		return wrapErr("upsert_guideline", err)
	}
	return nil
}

// IsConsentActive reads the consent row; no caching.
func (s *Store) IsConsentActive(ctx context.Context, deviceID, version string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	defer observeQuery(time.Now())

	var found int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM consents WHERE device_id = ? AND consent_version = ? AND withdrawn_at IS NULL`,
		deviceID, version,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("is_consent_active", err)
	}
	return true, nil
}

// RecordConsent upserts by (device, version) and clears any withdrawal.
func (s *Store) RecordConsent(ctx context.Context, c model.Consent) (model.Consent, error) {
	if err := s.ready(ctx); err != nil {
		return model.Consent{}, err
	}
	if strings.TrimSpace(c.DeviceID) == "" || strings.TrimSpace(c.ConsentVersion) == "" {
		return model.Consent{}, fmt.Errorf("%w: device id and consent version are required", repository.ErrInvalidArgument)
	}
	now := s.now()
	agreedAt := c.AgreedAt
	if agreedAt.IsZero() {
		agreedAt = now
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO consents (device_id, consent_version, consent_text_hash, evidence, agreed_at, withdrawn_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(device_id, consent_version) DO UPDATE SET
		   consent_text_hash = excluded.consent_text_hash,
		   evidence = excluded.evidence,
		   agreed_at = excluded.agreed_at,
		   withdrawn_at = NULL,
		   updated_at = excluded.updated_at`,
		c.DeviceID, c.ConsentVersion, c.ConsentTextHash, c.Evidence, toMillis(agreedAt), toMillis(now), toMillis(now),
	)
	if err != nil {
		return model.Consent{}, wrapErr("record_consent", err)
	}
	return s.GetConsent(ctx, c.DeviceID, c.ConsentVersion)
}

// WithdrawConsent stamps the withdrawal instant on an active consent.
func (s *Store) WithdrawConsent(ctx context.Context, deviceID, version string, at time.Time) (model.Consent, error) {
	if err := s.ready(ctx); err != nil {
		return model.Consent{}, err
	}
	if at.IsZero() {
		at = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE consents SET withdrawn_at = ?, updated_at = ?
		 WHERE device_id = ? AND consent_version = ? AND withdrawn_at IS NULL`,
		toMillis(at), toMillis(s.now()), deviceID, version,
	)
	if err != nil {
		return model.Consent{}, wrapErr("withdraw_consent", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return model.Consent{}, wrapErr("withdraw_consent", err)
	}
	current, err := s.GetConsent(ctx, deviceID, version)
	if err != nil {
		return model.Consent{}, err
	}
	if rowsAffected == 0 {
		return current, repository.ErrAlreadyWithdrawn
	}
	return current, nil
}

// GetConsent returns the consent row or ErrNotFound.
func (s *Store) GetConsent(ctx context.Context, deviceID, version string) (model.Consent, error) {
	if err := s.ready(ctx); err != nil {
		return model.Consent{}, err
	}
	defer observeQuery(time.Now())

	var (
		c                              model.Consent
		agreedAt, createdAt, updatedAt int64
		withdrawnAt                    sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT device_id, consent_version, consent_text_hash, evidence, agreed_at, withdrawn_at, created_at, updated_at
		 FROM consents WHERE device_id = ? AND consent_version = ?`,
		deviceID, version,
	).Scan(&c.DeviceID, &c.ConsentVersion, &c.ConsentTextHash, &c.Evidence, &agreedAt, &withdrawnAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Consent{}, repository.ErrNotFound
	}
	if err != nil {
		return model.Consent{}, wrapErr("get_consent", err)
	}
	c.AgreedAt = fromMillis(agreedAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	if withdrawnAt.Valid {
		w := fromMillis(withdrawnAt.Int64)
		c.WithdrawnAt = &w
	}
	return c, nil
}

// CountEvaluations counts log rows for a device on a date.
func (s *Store) CountEvaluations(ctx context.Context, deviceID, date string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	defer observeQuery(time.Now())

	var n int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evaluations WHERE device_id = ? AND date = ?`, deviceID, date,
	).Scan(&n); err != nil {
		return 0, wrapErr("count_evaluations", err)
	}
	return n, nil
}

func observeQuery(start time.Time) {
	metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Microseconds()) / 1000)
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// wrapErr tags busy/locked failures with repository.ErrBusy and counts the failure.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	metrics.RecordRepositoryError(op)
	if isBusy(err) {
		return fmt.Errorf("sqlite %s: %w: %w", op, repository.ErrBusy, err)
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") || strings.Contains(message, "database table is locked")
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ repository.Store = (*Store)(nil)
