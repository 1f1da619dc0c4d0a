// Package repotest is a conformance suite for repository.Store implementations.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sync/errgroup"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) repository.Store

const day = "2026-03-01"

var errBoom = errors.New("boom")

// Run executes every conformance scenario against stores built by open.
func Run(t *testing.T, open Opener) {
	t.Helper()
	t.Run("SubmissionLock", func(t *testing.T) { testSubmissionLock(t, open) })
	t.Run("Aggregates", func(t *testing.T) { testAggregates(t, open) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, open) })
	t.Run("Consent", func(t *testing.T) { testConsent(t, open) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open) })
}

func seed(ctx context.Context, s repository.Store, ids ...string) {
	for _, id := range ids {
		So(s.UpsertGuideline(ctx, model.Guideline{ID: id, Text: "text " + id}), ShouldBeNil)
	}
}

func acquire(ctx context.Context, s repository.Store, deviceID, date string) (bool, error) {
	var acquired bool
	err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		acquired, err = tx.AcquireSubmissionLock(ctx, deviceID, date)
		return err
	})
	return acquired, err
}

func testSubmissionLock(t *testing.T, open Opener) {
	Convey("Given an empty store", t, func() {
		ctx := context.Background()
		s := open(t)
		Reset(func() { _ = s.Close() })

		Convey("When the same device locks the same day twice", func() {
			first, err1 := acquire(ctx, s, "dev-1", day)
			second, err2 := acquire(ctx, s, "dev-1", day)

			Convey("Then only the first acquires and neither errors", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first, ShouldBeTrue)
				So(second, ShouldBeFalse)
			})
		})

		Convey("When the same device locks different days", func() {
			a, _ := acquire(ctx, s, "dev-1", day)
			b, _ := acquire(ctx, s, "dev-1", "2026-03-02")
			So(a, ShouldBeTrue)
			So(b, ShouldBeTrue)
		})

		Convey("When twenty submissions race for one device and day", func() {
			var winners atomic.Int32
			var g errgroup.Group
			for range 20 {
				g.Go(func() error {
					ok, err := acquire(ctx, s, "dev-race", day)
					if ok {
						winners.Add(1)
					}
					return err
				})
			}
			err := g.Wait()

			Convey("Then exactly one wins", func() {
				So(err, ShouldBeNil)
				So(winners.Load(), ShouldEqual, 1)
			})
		})
	})
}

func testAggregates(t *testing.T, open Opener) {
	Convey("Given a store with guideline g1", t, func() {
		ctx := context.Background()
		s := open(t)
		Reset(func() { _ = s.Close() })
		seed(ctx, s, "g1")

		Convey("When many transactions increment g1 concurrently", func() {
			const n = 25
			var g errgroup.Group
			var want int64
			for i := range n {
				p := int64((i * 7) % 101)
				want += p
				g.Go(func() error {
					return s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
						return tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g1", Count: 1, Sum: p}, day)
					})
				})
			}
			So(g.Wait(), ShouldBeNil)
			rows, err := s.AggregatesInRange(ctx, day, day)

			Convey("Then no increment is lost", func() {
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 1)
				So(rows[0].Count, ShouldEqual, n)
				So(rows[0].Sum, ShouldEqual, want)
				So(rows[0].Average, ShouldAlmostEqual, model.RoundAverage(want, n), 0.001)
			})
		})

		Convey("When increments need rounding", func() {
			So(s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
				if err := tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g1", Count: 1, Sum: 100}, day); err != nil {
					return err
				}
				return tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g1", Count: 2, Sum: 0}, day)
			}), ShouldBeNil)
			rows, err := s.AggregatesInRange(ctx, day, day)

			Convey("Then the stored average is rounded to two decimals", func() {
				So(err, ShouldBeNil)
				So(rows[0].Count, ShouldEqual, 3)
				So(rows[0].Sum, ShouldEqual, 100)
				So(rows[0].Average, ShouldEqual, 33.33)
			})
		})

		Convey("When aggregates span several days and guidelines", func() {
			seed(ctx, s, "g0")
			for _, d := range []string{"2026-02-27", "2026-02-28", day, "2026-03-02"} {
				for _, id := range []string{"g1", "g0"} {
					So(s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
						return tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: id, Count: 1, Sum: 50}, d)
					}), ShouldBeNil)
				}
			}
			rows, err := s.AggregatesInRange(ctx, "2026-02-28", day)

			Convey("Then the range is inclusive and ordered by guideline then date", func() {
				So(err, ShouldBeNil)
				var got []string
				for _, r := range rows {
					got = append(got, r.GuidelineID+"@"+r.Date)
				}
				So(got, ShouldResemble, []string{
					"g0@2026-02-28", "g0@2026-03-01",
					"g1@2026-02-28", "g1@2026-03-01",
				})
			})
		})

		Convey("When a delta is negative", func() {
			err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
				return tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g1", Count: -1}, day)
			})
			So(errors.Is(err, repository.ErrInvalidArgument), ShouldBeTrue)
		})
	})
}

func testRollback(t *testing.T, open Opener) {
	Convey("Given a store with guideline g1", t, func() {
		ctx := context.Background()
		s := open(t)
		Reset(func() { _ = s.Close() })
		seed(ctx, s, "g1")

		Convey("When a transaction fails after locking, logging and incrementing", func() {
			err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
				ok, err := tx.AcquireSubmissionLock(ctx, "dev-1", day)
				if err != nil || !ok {
					return fmt.Errorf("lock: %v %w", ok, err)
				}
				if err := tx.InsertEvaluations(ctx, []model.EvaluationRecord{{
					ID: "r1", DeviceID: "dev-1", GuidelineID: "g1", Percentage: 80, ConsentVersion: "1.0.0", Date: day,
				}}); err != nil {
					return err
				}
				if err := tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g1", Count: 1, Sum: 80}, day); err != nil {
					return err
				}
				return errBoom
			})

			Convey("Then nothing is visible and the lock is free again", func() {
				So(errors.Is(err, errBoom), ShouldBeTrue)

				n, err := s.CountEvaluations(ctx, "dev-1", day)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)

				rows, err := s.AggregatesInRange(ctx, day, day)
				So(err, ShouldBeNil)
				So(rows, ShouldBeEmpty)

				ok, err := acquire(ctx, s, "dev-1", day)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
			})
		})

		Convey("When the transaction body panics after locking and incrementing", func() {
			So(func() {
				_ = s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
					if _, err := tx.AcquireSubmissionLock(ctx, "dev-3", day); err != nil {
						return err
					}
					if err := tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g1", Count: 1, Sum: 40}, day); err != nil {
						return err
					}
					panic(errBoom)
				})
			}, ShouldPanicWith, errBoom)

			Convey("Then the store is released and nothing was kept", func() {
				short, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()

				ok, err := acquire(short, s, "dev-3", day)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)

				rows, err := s.AggregatesInRange(short, day, day)
				So(err, ShouldBeNil)
				So(rows, ShouldBeEmpty)
			})
		})

		Convey("When a transaction commits", func() {
			So(s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
				if _, err := tx.AcquireSubmissionLock(ctx, "dev-2", day); err != nil {
					return err
				}
				return tx.InsertEvaluations(ctx, []model.EvaluationRecord{
					{ID: "r2", DeviceID: "dev-2", GuidelineID: "g1", Percentage: 10, ConsentVersion: "1.0.0", Date: day,
						Metadata: map[string]any{"source": "popup"}},
					{ID: "r3", DeviceID: "dev-2", GuidelineID: "g1", Percentage: 20, ConsentVersion: "1.0.0", Date: day},
				})
			}), ShouldBeNil)

			Convey("Then its records are counted", func() {
				n, err := s.CountEvaluations(ctx, "dev-2", day)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
			})
		})
	})
}

func testSnapshot(t *testing.T, open Opener) {
	Convey("Given a catalog seeded out of order", t, func() {
		ctx := context.Background()
		s := open(t)
		Reset(func() { _ = s.Close() })
		seed(ctx, s, "g2", "g1")
		So(s.UpsertGuideline(ctx, model.Guideline{ID: "g3", Text: "third", Metadata: map[string]any{"tier": "core"}}), ShouldBeNil)

		Convey("When reading a day without aggregates", func() {
			snap, err := s.Snapshot(ctx, day)

			Convey("Then every guideline is present, ordered and zero-filled", func() {
				So(err, ShouldBeNil)
				So(len(snap), ShouldEqual, 3)
				So(snap[0].ID, ShouldEqual, "g1")
				So(snap[1].ID, ShouldEqual, "g2")
				So(snap[2].Metadata["tier"], ShouldEqual, "core")
				for _, g := range snap {
					So(g.TotalResponses, ShouldEqual, 0)
					So(g.AveragePercentage, ShouldEqual, 0)
				}
			})
		})

		Convey("When a transaction increments g2 and reads its own snapshot", func() {
			var inside []model.GuidelineSnapshot
			So(s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
				if err := tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g2", Count: 2, Sum: 90}, day); err != nil {
					return err
				}
				var err error
				inside, err = tx.Snapshot(ctx, day)
				return err
			}), ShouldBeNil)
			outside, err := s.Snapshot(ctx, day)

			Convey("Then both views carry the increment", func() {
				So(err, ShouldBeNil)
				So(inside[1].TotalResponses, ShouldEqual, 2)
				So(inside[1].AveragePercentage, ShouldEqual, 45)
				So(outside, ShouldResemble, inside)
			})
		})

		Convey("When a guideline is upserted again", func() {
			So(s.UpsertGuideline(ctx, model.Guideline{ID: "g1", Text: "renamed"}), ShouldBeNil)
			list, err := s.ListGuidelines(ctx)

			Convey("Then it is replaced, not duplicated", func() {
				So(err, ShouldBeNil)
				So(len(list), ShouldEqual, 3)
				So(list[0].Text, ShouldEqual, "renamed")
			})
		})

		Convey("When a guideline has no id", func() {
			err := s.UpsertGuideline(ctx, model.Guideline{ID: " "})
			So(errors.Is(err, repository.ErrInvalidArgument), ShouldBeTrue)
		})
	})
}

func testConsent(t *testing.T, open Opener) {
	Convey("Given an empty consent registry", t, func() {
		ctx := context.Background()
		s := open(t)
		Reset(func() { _ = s.Close() })
		agreed := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

		Convey("Then unknown consents are inactive and not found", func() {
			active, err := s.IsConsentActive(ctx, "dev-1", "1.0.0")
			So(err, ShouldBeNil)
			So(active, ShouldBeFalse)
			_, err = s.GetConsent(ctx, "dev-1", "1.0.0")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, err = s.WithdrawConsent(ctx, "dev-1", "1.0.0", time.Time{})
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("When a consent is recorded", func() {
			c, err := s.RecordConsent(ctx, model.Consent{
				DeviceID: "dev-1", ConsentVersion: "1.0.0", ConsentTextHash: "abc", Evidence: "click", AgreedAt: agreed,
			})
			So(err, ShouldBeNil)

			Convey("Then it is active for that version only", func() {
				So(c.Status(), ShouldEqual, model.ConsentStatusActive)
				So(c.AgreedAt.Equal(agreed), ShouldBeTrue)
				active, _ := s.IsConsentActive(ctx, "dev-1", "1.0.0")
				So(active, ShouldBeTrue)
				other, _ := s.IsConsentActive(ctx, "dev-1", "2.0.0")
				So(other, ShouldBeFalse)
			})

			Convey("When it is withdrawn", func() {
				at := agreed.Add(time.Hour)
				w, err := s.WithdrawConsent(ctx, "dev-1", "1.0.0", at)
				So(err, ShouldBeNil)

				Convey("Then the oracle reflects it immediately", func() {
					So(w.Status(), ShouldEqual, model.ConsentStatusWithdrawn)
					So(w.WithdrawnAt.Equal(at), ShouldBeTrue)
					active, err := s.IsConsentActive(ctx, "dev-1", "1.0.0")
					So(err, ShouldBeNil)
					So(active, ShouldBeFalse)
				})

				Convey("Then withdrawing again conflicts", func() {
					_, err := s.WithdrawConsent(ctx, "dev-1", "1.0.0", at)
					So(errors.Is(err, repository.ErrAlreadyWithdrawn), ShouldBeTrue)
				})

				Convey("Then recording again reactivates it", func() {
					c, err := s.RecordConsent(ctx, model.Consent{DeviceID: "dev-1", ConsentVersion: "1.0.0", ConsentTextHash: "def"})
					So(err, ShouldBeNil)
					So(c.Active(), ShouldBeTrue)
					So(c.ConsentTextHash, ShouldEqual, "def")
					active, _ := s.IsConsentActive(ctx, "dev-1", "1.0.0")
					So(active, ShouldBeTrue)
				})
			})
		})

		Convey("When a consent lacks a device id", func() {
			_, err := s.RecordConsent(ctx, model.Consent{ConsentVersion: "1.0.0"})
			So(errors.Is(err, repository.ErrInvalidArgument), ShouldBeTrue)
		})
	})
}

func testClosed(t *testing.T, open Opener) {
	Convey("Given a closed store", t, func() {
		ctx := context.Background()
		s := open(t)
		So(s.Close(), ShouldBeNil)

		Convey("Then operations fail with ErrClosed", func() {
			_, err := s.Snapshot(ctx, day)
			So(errors.Is(err, repository.ErrClosed), ShouldBeTrue)
			err = s.WithinTx(ctx, func(context.Context, repository.Tx) error { return nil })
			So(errors.Is(err, repository.ErrClosed), ShouldBeTrue)
			_, err = s.IsConsentActive(ctx, "dev-1", "1.0.0")
			So(errors.Is(err, repository.ErrClosed), ShouldBeTrue)
		})

		Convey("Then closing twice is harmless", func() {
			So(s.Close(), ShouldBeNil)
		})
	})
}
