// Package memory provides an in-memory transactional evaluation store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/pkg/metrics"
)

type lockKey struct{ deviceID, date string }

type aggKey struct{ guidelineID, date string }

type consentKey struct{ deviceID, version string }

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithClock replaces time.Now for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps all state in maps.
//
// Transactions are serialized by txMu and stage their writes privately; the
// staged writes are published under mu at commit, so readers never observe a
// partial submission.
type Store struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	guidelines  map[string]model.Guideline
	evaluations map[lockKey][]model.EvaluationRecord
	locks       map[lockKey]model.SubmissionLock
	aggregates  map[aggKey]model.DailyAggregate
	consents    map[consentKey]model.Consent
	closed      bool

	now func() time.Time
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		guidelines:  make(map[string]model.Guideline),
		evaluations: make(map[lockKey][]model.EvaluationRecord),
		locks:       make(map[lockKey]model.SubmissionLock),
		aggregates:  make(map[aggKey]model.DailyAggregate),
		consents:    make(map[consentKey]model.Consent),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close marks the store closed; later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return repository.ErrClosed
	}
	return nil
}

// WithinTx runs fn with exclusive write access and publishes its writes on success.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryTxLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	err := s.ready(ctx)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

// Snapshot reads date's committed snapshot.
func (s *Store) Snapshot(ctx context.Context, date string) ([]model.GuidelineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.snapshotLocked(date, nil), nil
}

// snapshotLocked builds a snapshot from committed state overlaid with staged aggregates.
func (s *Store) snapshotLocked(date string, staged map[aggKey]model.DailyAggregate) []model.GuidelineSnapshot {
	ids := make([]string, 0, len(s.guidelines))
	for id := range s.guidelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.GuidelineSnapshot, 0, len(ids))
	for _, id := range ids {
		key := aggKey{guidelineID: id, date: date}
		agg, ok := staged[key]
		if !ok {
			agg, ok = s.aggregates[key]
		}
		if ok {
			out = append(out, model.Decorate(s.guidelines[id], &agg))
		} else {
			out = append(out, model.Decorate(s.guidelines[id], nil))
		}
	}
	return out
}

// AggregatesInRange returns aggregates in [from, to] ordered by guideline id, date.
func (s *Store) AggregatesInRange(ctx context.Context, from, to string) ([]model.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var out []model.DailyAggregate
	for k, a := range s.aggregates {
		if k.date >= from && k.date <= to {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GuidelineID != out[j].GuidelineID {
			return out[i].GuidelineID < out[j].GuidelineID
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

// ListGuidelines returns the catalog ordered by id.
func (s *Store) ListGuidelines(ctx context.Context) ([]model.Guideline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Guideline, 0, len(s.guidelines))
	for _, g := range s.guidelines {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertGuideline creates or replaces a catalog entry.
func (s *Store) UpsertGuideline(ctx context.Context, g model.Guideline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	g.ID = strings.TrimSpace(g.ID)
	if g.ID == "" {
		return fmt.Errorf("%w: guideline id is required", repository.ErrInvalidArgument)
	}
	if g.Metadata == nil {
		g.Metadata = map[string]any{}
	}
	s.guidelines[g.ID] = g
	return nil
}

// IsConsentActive reads the current consent state.
func (s *Store) IsConsentActive(ctx context.Context, deviceID, version string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	c, ok := s.consents[consentKey{deviceID, version}]
	return ok && c.Active(), nil
}

// RecordConsent upserts by (device, version) and clears any withdrawal.
func (s *Store) RecordConsent(ctx context.Context, c model.Consent) (model.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return model.Consent{}, err
	}
	if strings.TrimSpace(c.DeviceID) == "" || strings.TrimSpace(c.ConsentVersion) == "" {
		return model.Consent{}, fmt.Errorf("%w: device id and consent version are required", repository.ErrInvalidArgument)
	}
	now := s.now().UTC()
	key := consentKey{c.DeviceID, c.ConsentVersion}
	if c.AgreedAt.IsZero() {
		c.AgreedAt = now
	}
	c.AgreedAt = c.AgreedAt.UTC()
	c.WithdrawnAt = nil
	c.CreatedAt = now
	if prev, ok := s.consents[key]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	c.UpdatedAt = now
	s.consents[key] = c
	return c, nil
}

// WithdrawConsent stamps the withdrawal instant on an active consent.
func (s *Store) WithdrawConsent(ctx context.Context, deviceID, version string, at time.Time) (model.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return model.Consent{}, err
	}
	key := consentKey{deviceID, version}
	c, ok := s.consents[key]
	if !ok {
		return model.Consent{}, repository.ErrNotFound
	}
	if !c.Active() {
		return c, repository.ErrAlreadyWithdrawn
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	c.WithdrawnAt = &at
	c.UpdatedAt = s.now().UTC()
	s.consents[key] = c
	return c, nil
}

// GetConsent returns the consent or ErrNotFound.
func (s *Store) GetConsent(ctx context.Context, deviceID, version string) (model.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx); err != nil {
		return model.Consent{}, err
	}
	c, ok := s.consents[consentKey{deviceID, version}]
	if !ok {
		return model.Consent{}, repository.ErrNotFound
	}
	return c, nil
}

// CountEvaluations counts committed records for a device on a date.
func (s *Store) CountEvaluations(ctx context.Context, deviceID, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	return len(s.evaluations[lockKey{deviceID, date}]), nil
}

var _ repository.Store = (*Store)(nil)
