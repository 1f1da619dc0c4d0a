package loadtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/okian/guidepulse/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Run executes the load test. It returns ErrVerification when the final
// aggregates do not match what the server accepted.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	log := logger.Get().Named("loadtest")
	client := newHTTPClient(cfg)
	stats := &Stats{Devices: cfg.Devices, StartTime: time.Now()}

	log.Info(ctx, "Starting guidepulse load test",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("devices", cfg.Devices),
		logger.Int("workers", cfg.Workers),
		logger.Float64("resubmit", cfg.Resubmit),
		logger.Any("seed", cfg.Seed),
	)

	// Step 1: Check service health
	log.Info(ctx, "Step 1: Checking service health")
	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Baseline snapshot
	log.Info(ctx, "Step 2: Reading baseline snapshot")
	dateBefore, before, err := client.Snapshot(ctx)
	if err != nil {
		return stats, fmt.Errorf("baseline snapshot failed: %w", err)
	}
	ids := make([]string, 0, len(before))
	for _, s := range before {
		ids = append(ids, s.ID)
	}
	if len(ids) == 0 {
		return stats, errors.New("server has no guidelines to evaluate")
	}
	slices.Sort(ids)

	gen := NewGenerator(cfg.Seed, ids, cfg.ConsentVersion)
	batches := gen.Batches(cfg.Devices)

	// Step 3: Record consent
	log.Info(ctx, "Step 3: Recording consent", logger.Int("devices", len(batches)))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, b := range batches {
		g.Go(func() error {
			if err := client.Consent(gctx, b.DeviceID, cfg.ConsentVersion); err != nil {
				return fmt.Errorf("consent for %s: %w", b.DeviceID, err)
			}
			mu.Lock()
			stats.ConsentsRecorded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	// Step 4: Submit first batches
	log.Info(ctx, "Step 4: Submitting evaluations")
	expected := Expected{}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, b := range batches {
		g.Go(func() error {
			dup, err := client.Submit(gctx, b)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed++
				log.Warn(gctx, "submission failed", logger.String("deviceId", b.DeviceID), logger.Error(err))
			case dup:
				stats.UnexpectedDuplicate++
			default:
				stats.Accepted++
				stats.ItemsAccepted += len(b.Evaluations)
				expected.Add(b)
				if cfg.Verbose {
					log.Debug(gctx, "submission accepted",
						logger.String("deviceId", b.DeviceID),
						logger.Int("items", len(b.Evaluations)),
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	// Step 5: Resubmit for a fraction of devices
	resubmit := int(float64(len(batches)) * cfg.Resubmit)
	log.Info(ctx, "Step 5: Resubmitting", logger.Int("devices", resubmit))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, b := range batches[:resubmit] {
		again := gen.Resubmission(b)
		g.Go(func() error {
			dup, err := client.Submit(gctx, again)
			mu.Lock()
			defer mu.Unlock()
			stats.Resubmitted++
			switch {
			case err != nil:
				stats.Failed++
				log.Warn(gctx, "resubmission failed", logger.String("deviceId", again.DeviceID), logger.Error(err))
			case dup:
				stats.DuplicatesHonoured++
			default:
				// A second acceptance still moved the aggregates.
				expected.Add(again)
				log.Error(gctx, "resubmission was accepted", logger.String("deviceId", again.DeviceID))
			}
			return nil
		})
	}
	_ = g.Wait()

	// Step 6: Final snapshot
	log.Info(ctx, "Step 6: Reading final snapshot")
	dateAfter, after, err := client.Snapshot(ctx)
	if err != nil {
		return stats, fmt.Errorf("final snapshot failed: %w", err)
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	// Step 7: Verify
	log.Info(ctx, "Step 7: Verifying aggregates")
	var problems []string
	if dateBefore != dateAfter {
		problems = append(problems, fmt.Sprintf("day rolled over during the run (%s -> %s)", dateBefore, dateAfter))
	} else {
		problems = Verify(before, after, expected)
	}
	if stats.DuplicatesHonoured != stats.Resubmitted {
		problems = append(problems, fmt.Sprintf("%d of %d resubmissions were not flagged duplicate",
			stats.Resubmitted-stats.DuplicatesHonoured, stats.Resubmitted))
	}
	if stats.Failed > 0 {
		problems = append(problems, fmt.Sprintf("%d submissions failed", stats.Failed))
	}
	if stats.UnexpectedDuplicate > 0 {
		problems = append(problems, fmt.Sprintf("%d first submissions were flagged duplicate", stats.UnexpectedDuplicate))
	}

	displayFinalStats(ctx, log, stats)

	if len(problems) > 0 {
		for _, p := range problems {
			log.Error(ctx, "verification problem", logger.String("detail", p))
		}
		return stats, fmt.Errorf("%w: %d problems", ErrVerification, len(problems))
	}
	log.Info(ctx, "Verification passed: aggregates conserve every accepted evaluation")
	return stats, nil
}

func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	throughput := 0.0
	if stats.Duration > 0 {
		throughput = float64(stats.Accepted+stats.Resubmitted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "Final Statistics",
		logger.Int("devices", stats.Devices),
		logger.Int("consentsRecorded", stats.ConsentsRecorded),
		logger.Int("accepted", stats.Accepted),
		logger.Int("itemsAccepted", stats.ItemsAccepted),
		logger.Int("resubmitted", stats.Resubmitted),
		logger.Int("duplicatesHonoured", stats.DuplicatesHonoured),
		logger.Int("failed", stats.Failed),
		logger.Duration("duration", stats.Duration),
		logger.Float64("submissionsPerSecond", throughput),
	)
}
