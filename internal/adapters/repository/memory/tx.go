package memory

import (
	"context"
	"fmt"

	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/domain/model"
)

// tx stages writes until commit. Only one tx exists at a time (Store.txMu).
type tx struct {
	s           *Store
	locks       map[lockKey]model.SubmissionLock
	evaluations []model.EvaluationRecord
	aggregates  map[aggKey]model.DailyAggregate
}

func newTx(s *Store) *tx {
	return &tx{
		s:          s,
		locks:      make(map[lockKey]model.SubmissionLock),
		aggregates: make(map[aggKey]model.DailyAggregate),
	}
}

// AcquireSubmissionLock claims (deviceID, date) unless it is committed or staged.
func (t *tx) AcquireSubmissionLock(ctx context.Context, deviceID, date string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := lockKey{deviceID, date}
	if _, ok := t.locks[key]; ok {
		return false, nil
	}
	t.s.mu.RLock()
	_, exists := t.s.locks[key]
	t.s.mu.RUnlock()
	if exists {
		return false, nil
	}
	t.locks[key] = model.SubmissionLock{DeviceID: deviceID, Date: date, CreatedAt: t.s.now().UTC()}
	return true, nil
}

// InsertEvaluations stages records for the log.
func (t *tx) InsertEvaluations(ctx context.Context, records []model.EvaluationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range records {
		if r.Percentage < model.MinPercentage || r.Percentage > model.MaxPercentage {
			return fmt.Errorf("%w: evaluation %s percentage %d", repository.ErrInvalidArgument, r.ID, r.Percentage)
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = t.s.now().UTC()
		}
		t.evaluations = append(t.evaluations, r)
	}
	return nil
}

// IncrementAggregate stages committed-or-staged totals plus delta.
func (t *tx) IncrementAggregate(ctx context.Context, delta model.AggregateDelta, date string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delta.Count < 0 || delta.Sum < 0 {
		return fmt.Errorf("%w: negative aggregate delta for %s", repository.ErrInvalidArgument, delta.GuidelineID)
	}
	key := aggKey{delta.GuidelineID, date}
	agg, ok := t.aggregates[key]
	if !ok {
		t.s.mu.RLock()
		agg, ok = t.s.aggregates[key]
		t.s.mu.RUnlock()
		if !ok {
			agg = model.DailyAggregate{GuidelineID: delta.GuidelineID, Date: date}
		}
	}
	agg.Count += delta.Count
	agg.Sum += delta.Sum
	agg.Average = model.RoundAverage(agg.Sum, agg.Count)
	t.aggregates[key] = agg
	return nil
}

// Snapshot reads date's snapshot including this transaction's staged aggregates.
func (t *tx) Snapshot(ctx context.Context, date string) ([]model.GuidelineSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.snapshotLocked(date, t.aggregates), nil
}

func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.closed {
		return repository.ErrClosed
	}
	for k, l := range t.locks {
		t.s.locks[k] = l
	}
	for _, r := range t.evaluations {
		k := lockKey{r.DeviceID, r.Date}
		t.s.evaluations[k] = append(t.s.evaluations[k], r)
	}
	for k, a := range t.aggregates {
		t.s.aggregates[k] = a
	}
	return nil
}
