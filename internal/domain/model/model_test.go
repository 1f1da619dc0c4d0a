package model_test

import (
	"testing"
	"time"

	model "github.com/okian/guidepulse/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestRoundAverage(t *testing.T) {
	convey.Convey("Given aggregate sums and counts", t, func() {
		convey.Convey("When count is zero", func() {
			convey.Convey("Then the average is zero, not NaN", func() {
				convey.So(model.RoundAverage(0, 0), convey.ShouldEqual, 0)
				convey.So(model.RoundAverage(100, 0), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When the division is exact", func() {
			convey.So(model.RoundAverage(140, 2), convey.ShouldEqual, 70)
			convey.So(model.RoundAverage(100, 2), convey.ShouldEqual, 50)
		})

		convey.Convey("When the division needs rounding", func() {
			convey.Convey("Then it uses floating division rounded to two decimals", func() {
				convey.So(model.RoundAverage(100, 3), convey.ShouldEqual, 33.33)
				convey.So(model.RoundAverage(200, 3), convey.ShouldEqual, 66.67)
				convey.So(model.RoundAverage(1, 8), convey.ShouldEqual, 0.13)
				convey.So(model.RoundAverage(81, 2), convey.ShouldEqual, 40.5)
			})
		})
	})
}

func TestDecorate(t *testing.T) {
	convey.Convey("Given a guideline", t, func() {
		g := model.Guideline{ID: "g1", Text: "Cite sources"}

		convey.Convey("When no aggregate exists", func() {
			s := model.Decorate(g, nil)

			convey.Convey("Then the snapshot is zero-filled with empty metadata", func() {
				convey.So(s.ID, convey.ShouldEqual, "g1")
				convey.So(s.Text, convey.ShouldEqual, "Cite sources")
				convey.So(s.Metadata, convey.ShouldNotBeNil)
				convey.So(s.AveragePercentage, convey.ShouldEqual, 0)
				convey.So(s.TotalResponses, convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When an aggregate exists", func() {
			s := model.Decorate(g, &model.DailyAggregate{GuidelineID: "g1", Count: 2, Sum: 140, Average: 70})

			convey.Convey("Then the snapshot carries its average and count", func() {
				convey.So(s.AveragePercentage, convey.ShouldEqual, 70)
				convey.So(s.TotalResponses, convey.ShouldEqual, 2)
			})
		})
	})
}

func TestConsent(t *testing.T) {
	convey.Convey("Given a consent agreed an hour ago", t, func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		c := model.Consent{DeviceID: "dev-1", ConsentVersion: "1.0.0", AgreedAt: now.Add(-time.Hour)}

		convey.Convey("Then it is active", func() {
			convey.So(c.Active(), convey.ShouldBeTrue)
			convey.So(c.Status(), convey.ShouldEqual, model.ConsentStatusActive)
			convey.So(c.Duration(now), convey.ShouldEqual, time.Hour)
		})

		convey.Convey("When it is withdrawn after thirty minutes", func() {
			at := now.Add(-30 * time.Minute)
			c.WithdrawnAt = &at

			convey.Convey("Then it is withdrawn and its duration stops", func() {
				convey.So(c.Active(), convey.ShouldBeFalse)
				convey.So(c.Status(), convey.ShouldEqual, model.ConsentStatusWithdrawn)
				convey.So(c.Duration(now), convey.ShouldEqual, 30*time.Minute)
			})
		})
	})
}
