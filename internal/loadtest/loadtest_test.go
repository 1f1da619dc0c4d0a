package loadtest_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/guidepulse/internal/adapters/http/api"
	service "github.com/okian/guidepulse/internal/app"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/internal/loadtest"
	"github.com/okian/guidepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func newTestServer(t *testing.T, guidelines []model.Guideline) *httptest.Server {
	t.Helper()
	svc := service.New(
		service.WithStoreDriver(service.DriverMemory),
		service.WithGuidelines(guidelines),
	)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	mux := http.NewServeMux()
	api.NewServer(svc, svc, api.WithSharedKey("k")).Register(context.Background(), mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		svc.Stop()
	})
	return srv
}

func config(url string) *loadtest.Config {
	return &loadtest.Config{
		BaseURL:        url,
		Devices:        25,
		Workers:        4,
		Timeout:        5 * time.Second,
		ConsentVersion: "1.0.0",
		ClientKey:      "k",
		Resubmit:       0.2,
		Seed:           7,
	}
}

func TestRun(t *testing.T) {
	catalog := []model.Guideline{
		{ID: "g1", Text: "Cite sources"},
		{ID: "g2", Text: "Stay on topic"},
		{ID: "g3", Text: "Be concise"},
	}

	Convey("Given a running server", t, func() {
		srv := newTestServer(t, catalog)
		ctx := context.Background()

		Convey("When the load test runs", func() {
			stats, err := loadtest.Run(ctx, config(srv.URL))

			Convey("Then every first submission is accepted and every resubmission is a duplicate", func() {
				So(err, ShouldBeNil)
				So(stats.ConsentsRecorded, ShouldEqual, 25)
				So(stats.Accepted, ShouldEqual, 25)
				So(stats.Resubmitted, ShouldEqual, 5)
				So(stats.DuplicatesHonoured, ShouldEqual, 5)
				So(stats.Failed, ShouldEqual, 0)
			})

			Convey("Then a second run on top of existing aggregates also verifies", func() {
				_, err := loadtest.Run(ctx, config(srv.URL))
				So(err, ShouldBeNil)
			})
		})

		Convey("When the client key is wrong", func() {
			cfg := config(srv.URL)
			cfg.ClientKey = "wrong"
			stats, err := loadtest.Run(ctx, cfg)

			Convey("Then submissions fail and verification reports it", func() {
				So(errors.Is(err, loadtest.ErrVerification), ShouldBeTrue)
				So(stats.Accepted, ShouldEqual, 0)
				So(stats.Failed, ShouldEqual, 30)
			})
		})
	})

	Convey("Given a server with an empty catalog", t, func() {
		srv := newTestServer(t, nil)

		Convey("Then the run stops before generating batches", func() {
			_, err := loadtest.Run(context.Background(), config(srv.URL))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "no guidelines")
		})
	})

	Convey("Given no server", t, func() {
		Convey("Then the health check fails", func() {
			cfg := config("http://127.0.0.1:1")
			cfg.Timeout = 200 * time.Millisecond
			_, err := loadtest.Run(context.Background(), cfg)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "health check")
		})
	})
}

func TestGenerator(t *testing.T) {
	Convey("Given two generators with the same seed", t, func() {
		ids := []string{"g1", "g2"}
		a := loadtest.NewGenerator(42, ids, "1.0.0").Batches(10)
		b := loadtest.NewGenerator(42, ids, "1.0.0").Batches(10)

		Convey("Then they rate the same guidelines with the same percentages", func() {
			for i := range a {
				So(b[i].Evaluations, ShouldResemble, a[i].Evaluations)
				So(a[i].DeviceID, ShouldNotEqual, b[i].DeviceID)
			}
		})

		Convey("Then every batch is non-empty and in range", func() {
			for _, batch := range a {
				So(len(batch.Evaluations), ShouldBeBetweenOrEqual, 1, 3)
				for _, it := range batch.Evaluations {
					So(it.Percentage, ShouldBeBetweenOrEqual, 0, 100)
					So(it.GuidelineID, ShouldBeIn, ids)
				}
			}
		})
	})
}

func TestVerify(t *testing.T) {
	Convey("Given a snapshot before and after", t, func() {
		before := []loadtest.Snapshot{{ID: "g1", AveragePercentage: 50, TotalResponses: 2}}
		expected := loadtest.Expected{}
		expected.Add(loadtest.Batch{Evaluations: []loadtest.Item{
			{GuidelineID: "g1", Percentage: 100},
			{GuidelineID: "g2", Percentage: 33},
		}})

		Convey("When the deltas match", func() {
			after := []loadtest.Snapshot{
				{ID: "g1", AveragePercentage: 66.67, TotalResponses: 3},
				{ID: "g2", AveragePercentage: 33, TotalResponses: 1},
			}
			So(loadtest.Verify(before, after, expected), ShouldBeEmpty)
		})

		Convey("When a count is short", func() {
			after := []loadtest.Snapshot{{ID: "g1", AveragePercentage: 66.67, TotalResponses: 3}}
			problems := loadtest.Verify(before, after, expected)
			So(len(problems), ShouldEqual, 1)
			So(problems[0], ShouldContainSubstring, "g2: count grew by 0, want 1")
		})

		Convey("When the sum drifts past the rounding tolerance", func() {
			after := []loadtest.Snapshot{
				{ID: "g1", AveragePercentage: 60, TotalResponses: 3},
				{ID: "g2", AveragePercentage: 33, TotalResponses: 1},
			}
			problems := loadtest.Verify(before, after, expected)
			So(len(problems), ShouldEqual, 1)
			So(problems[0], ShouldContainSubstring, "g1: sum off")
		})

		Convey("When an unexpected guideline moved", func() {
			after := []loadtest.Snapshot{
				{ID: "g1", AveragePercentage: 66.67, TotalResponses: 3},
				{ID: "g2", AveragePercentage: 33, TotalResponses: 1},
				{ID: "g9", AveragePercentage: 10, TotalResponses: 1},
			}
			problems := loadtest.Verify(before, after, expected)
			So(problems, ShouldResemble, []string{"g9: count grew by 1, want 0"})
		})
	})
}
