// Package trend reads daily aggregates back as per-guideline time series and
// per-date snapshots. Reads are lock-free and may trail in-flight submissions.
package trend

import (
	"context"
	"fmt"

	"github.com/okian/guidepulse/internal/domain/calendar"
	"github.com/okian/guidepulse/internal/domain/evaluation"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/pkg/logger"
	"github.com/okian/guidepulse/pkg/metrics"
)

// MaxDays bounds the history window.
const MaxDays = 180

// UnknownText labels aggregates whose guideline is no longer in the catalog.
const UnknownText = "Unknown"

// Source is the read side of the store the reader needs.
type Source interface {
	AggregatesInRange(ctx context.Context, from, to string) ([]model.DailyAggregate, error)
	ListGuidelines(ctx context.Context) ([]model.Guideline, error)
	Snapshot(ctx context.Context, date string) ([]model.GuidelineSnapshot, error)
}

// Reader serves history and snapshot queries.
type Reader struct {
	src    Source
	cal    *calendar.Calendar
	logger logger.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets a custom logger for the reader.
func WithLogger(l logger.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a Reader over src using cal for "today".
func New(src Source, cal *calendar.Calendar, opts ...Option) *Reader {
	r := &Reader{src: src, cal: cal}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("trend")
	}
	return r
}

// History returns one series per guideline with data in [today-(days-1), today].
// Series are ordered by guideline id and points by date; guidelines without
// data in the window are omitted.
func (r *Reader) History(ctx context.Context, days int) ([]model.GuidelineHistory, error) {
	if days < 1 || days > MaxDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d, got %d", evaluation.ErrValidation, MaxDays, days)
	}
	metrics.RecordHistoryRequest(days)

	from, to, err := r.cal.Range(days)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", evaluation.ErrValidation, err)
	}
	rows, err := r.src.AggregatesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregates %s..%s: %w", evaluation.ErrTransientStore, from, to, err)
	}
	guidelines, err := r.src.ListGuidelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list guidelines: %w", evaluation.ErrTransientStore, err)
	}
	catalog := make(map[string]model.Guideline, len(guidelines))
	for _, g := range guidelines {
		catalog[g.ID] = g
	}

	// rows arrive ordered by (guideline_id, date), so grouping is a single pass.
	var out []model.GuidelineHistory
	for _, row := range rows {
		if n := len(out); n == 0 || out[n-1].ID != row.GuidelineID {
			out = append(out, newSeries(row.GuidelineID, catalog))
		}
		cur := &out[len(out)-1]
		cur.Data = append(cur.Data, model.HistoryPoint{Date: row.Date, Average: row.Average, Count: row.Count})
	}

	r.logger.Debug(ctx, "history served",
		logger.Int("days", days),
		logger.String("from", from),
		logger.String("to", to),
		logger.Int("series", len(out)),
	)
	if out == nil {
		out = []model.GuidelineHistory{}
	}
	return out, nil
}

// Snapshot returns every catalog guideline decorated with date's aggregates.
// An empty date means today.
func (r *Reader) Snapshot(ctx context.Context, date string) (string, []model.GuidelineSnapshot, error) {
	if date == "" {
		date = r.cal.Today()
	} else {
		d, err := calendar.ParseDate(date)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", evaluation.ErrValidation, err)
		}
		date = d
	}
	snap, err := r.src.Snapshot(ctx, date)
	if err != nil {
		return "", nil, fmt.Errorf("%w: snapshot %s: %w", evaluation.ErrTransientStore, date, err)
	}
	return date, snap, nil
}

func newSeries(id string, catalog map[string]model.Guideline) model.GuidelineHistory {
	g, ok := catalog[id]
	if !ok {
		return model.GuidelineHistory{ID: id, Text: UnknownText, Metadata: map[string]any{}}
	}
	h := model.GuidelineHistory{ID: g.ID, Text: g.Text, Metadata: g.Metadata}
	if h.Metadata == nil {
		h.Metadata = map[string]any{}
	}
	return h
}
