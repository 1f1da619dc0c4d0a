package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	service "github.com/okian/guidepulse/internal/app"
	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/domain/evaluation"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/internal/domain/submission"
	"github.com/okian/guidepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func newMemoryService(opts ...service.Option) *service.Service {
	base := []service.Option{
		service.WithStoreDriver(service.DriverMemory),
		service.WithGuidelines([]model.Guideline{
			{ID: "g1", Text: "Cite sources"},
			{ID: "g2", Text: "Stay on topic"},
		}),
	}
	return service.New(append(base, opts...)...)
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it should have sensible defaults", func() {
			So(svc, ShouldNotBeNil)
			stats := svc.GetStats()
			So(stats["storeDriver"], ShouldEqual, service.DriverSQLite)
			So(stats["timezone"], ShouldEqual, "UTC")
			So(stats["maxAttempts"], ShouldEqual, 3)
		})
	})

	Convey("Given a new service with custom options", t, func() {
		svc := service.New(
			service.WithStoreDriver(service.DriverMemory),
			service.WithTimezone("Asia/Tokyo"),
			service.WithSubmitMaxAttempts(5),
		)

		Convey("Then the options are applied", func() {
			stats := svc.GetStats()
			So(stats["storeDriver"], ShouldEqual, service.DriverMemory)
			So(stats["timezone"], ShouldEqual, "Asia/Tokyo")
			So(stats["maxAttempts"], ShouldEqual, 5)
		})
	})
}

func TestService_Start(t *testing.T) {
	Convey("Given a new memory service", t, func() {
		svc := newMemoryService()
		defer svc.Stop()

		Convey("When starting the service", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := svc.Start(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
			})

			Convey("And it should report the seeded catalog", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["guidelines"], ShouldEqual, 2)
			})

			Convey("And starting twice is a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})
		})
	})

	Convey("Given an unknown store driver", t, func() {
		svc := service.New(service.WithStoreDriver("postgres"))

		Convey("Then start fails", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, service.ErrUnknownStoreDriver), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})
	})

	Convey("Given an unknown timezone", t, func() {
		svc := newMemoryService(service.WithTimezone("Mars/Olympus"))

		Convey("Then start fails", func() {
			So(svc.Start(context.Background()), ShouldNotBeNil)
		})
	})
}

func TestService_Stop(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := newMemoryService()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When stopping the service", func() {
			svc.Stop()

			Convey("Then it should be marked as stopped", func() {
				So(svc.GetStats()["started"], ShouldEqual, false)
			})

			Convey("And operations report it is not started", func() {
				_, err := svc.Submit(ctx, submission.Request{})
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
				_, err = svc.History(ctx, 1)
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			})
		})
	})
}

func TestService_Consent(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := newMemoryService()
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When a device has never consented", func() {
			status, err := svc.ConsentStatus(ctx, "device-a", "1.0.0")

			Convey("Then its status is not_found", func() {
				So(err, ShouldBeNil)
				So(status, ShouldEqual, model.ConsentStatusNotFound)
			})

			Convey("And withdrawing is not found", func() {
				_, err := svc.WithdrawConsent(ctx, "device-a", "1.0.0")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When a device consents and then withdraws", func() {
			c, err := svc.RecordConsent(ctx, model.Consent{DeviceID: " device-a ", ConsentVersion: "1.0.0", Evidence: "checkbox"})
			So(err, ShouldBeNil)
			So(c.DeviceID, ShouldEqual, "device-a")

			status, err := svc.ConsentStatus(ctx, "device-a", "1.0.0")
			So(err, ShouldBeNil)
			So(status, ShouldEqual, model.ConsentStatusActive)

			withdrawn, err := svc.WithdrawConsent(ctx, "device-a", "1.0.0")
			So(err, ShouldBeNil)
			So(withdrawn.WithdrawnAt, ShouldNotBeNil)

			Convey("Then the status is withdrawn and a second withdrawal conflicts", func() {
				status, err := svc.ConsentStatus(ctx, "device-a", "1.0.0")
				So(err, ShouldBeNil)
				So(status, ShouldEqual, model.ConsentStatusWithdrawn)

				_, err = svc.WithdrawConsent(ctx, "device-a", "1.0.0")
				So(errors.Is(err, repository.ErrAlreadyWithdrawn), ShouldBeTrue)
			})

			Convey("Then submissions are refused", func() {
				_, err := svc.Submit(ctx, submission.Request{
					DeviceID: "device-a", ConsentVersion: "1.0.0",
					Items: []model.EvaluationItem{{GuidelineID: "g1", Percentage: 80}},
				})
				So(errors.Is(err, evaluation.ErrConsentRequired), ShouldBeTrue)
			})

			Convey("Then recording again reactivates it", func() {
				_, err := svc.RecordConsent(ctx, model.Consent{DeviceID: "device-a", ConsentVersion: "1.0.0"})
				So(err, ShouldBeNil)
				status, _ := svc.ConsentStatus(ctx, "device-a", "1.0.0")
				So(status, ShouldEqual, model.ConsentStatusActive)
			})
		})

		Convey("When required fields are missing", func() {
			_, err := svc.RecordConsent(ctx, model.Consent{DeviceID: "device-a"})
			So(errors.Is(err, evaluation.ErrValidation), ShouldBeTrue)
			_, err = svc.ConsentStatus(ctx, "", "1.0.0")
			So(errors.Is(err, evaluation.ErrValidation), ShouldBeTrue)
		})
	})
}

func TestService_GetStats(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New()

		Convey("When getting stats before starting", func() {
			stats := svc.GetStats()

			Convey("Then it should return basic stats", func() {
				So(stats, ShouldNotBeNil)
				So(stats["started"], ShouldEqual, false)
				So(stats, ShouldNotContainKey, "today")
			})
		})
	})
}
