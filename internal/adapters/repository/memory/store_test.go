package memory_test

import (
	"context"
	"testing"

	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/adapters/repository/memory"
	"github.com/okian/guidepulse/internal/adapters/repository/repotest"
	"github.com/okian/guidepulse/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStoreConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		return memory.New()
	})
}

func TestMemoryStoreIsolation(t *testing.T) {
	Convey("Given a transaction that has staged an increment", t, func() {
		ctx := context.Background()
		s := memory.New()
		So(s.UpsertGuideline(ctx, model.Guideline{ID: "g1"}), ShouldBeNil)

		var during []model.GuidelineSnapshot
		err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			if err := tx.IncrementAggregate(ctx, model.AggregateDelta{GuidelineID: "g1", Count: 1, Sum: 70}, "2026-03-01"); err != nil {
				return err
			}
			var err error
			during, err = s.Snapshot(ctx, "2026-03-01")
			return err
		})

		Convey("Then readers outside the transaction do not see it before commit", func() {
			So(err, ShouldBeNil)
			So(during[0].TotalResponses, ShouldEqual, 0)

			after, err := s.Snapshot(ctx, "2026-03-01")
			So(err, ShouldBeNil)
			So(after[0].TotalResponses, ShouldEqual, 1)
			So(after[0].AveragePercentage, ShouldEqual, 70)
		})
	})
}
