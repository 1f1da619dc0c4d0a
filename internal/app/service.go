// Package service wires the store, submission engine and trend reader into
// the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/okian/guidepulse/internal/adapters/repository"
	"github.com/okian/guidepulse/internal/adapters/repository/memory"
	"github.com/okian/guidepulse/internal/adapters/repository/sqlite"
	"github.com/okian/guidepulse/internal/domain/calendar"
	"github.com/okian/guidepulse/internal/domain/evaluation"
	"github.com/okian/guidepulse/internal/domain/model"
	"github.com/okian/guidepulse/internal/domain/submission"
	"github.com/okian/guidepulse/internal/domain/trend"
	"github.com/okian/guidepulse/pkg/logger"
	"github.com/okian/guidepulse/pkg/metrics"
)

// Store drivers accepted by WithStoreDriver.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Service implements the API dependencies for evaluation collection.
type Service struct {
	mu sync.RWMutex

	// Core components
	store  repository.Store
	cal    *calendar.Calendar
	engine *submission.Engine
	reader *trend.Reader

	// Configuration
	storeDriver string
	storePath   string
	busyTimeout time.Duration
	timezone    string
	maxAttempts int
	guidelines  []model.Guideline
	clock       func() time.Time
	injected    repository.Store

	// State
	started   bool
	startedAt time.Time

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStoreDriver selects the backing store (sqlite or memory).
func WithStoreDriver(driver string) Option {
	return func(s *Service) {
		if driver != "" {
			s.storeDriver = driver
		}
	}
}

// WithStorePath sets the SQLite database file.
func WithStorePath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.storePath = path
		}
	}
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.busyTimeout = d
		}
	}
}

// WithTimezone sets the IANA zone that defines "today".
func WithTimezone(tz string) Option {
	return func(s *Service) {
		s.timezone = tz
	}
}

// WithSubmitMaxAttempts bounds engine retries on a busy store.
func WithSubmitMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithGuidelines seeds the guideline catalog on Start.
func WithGuidelines(gs []model.Guideline) Option {
	return func(s *Service) {
		s.guidelines = gs
	}
}

// WithClock replaces time.Now for the calendar.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithStore uses an already opened store instead of opening one by driver.
// The service takes ownership and closes it on Stop.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.injected = store
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		storeDriver: DriverSQLite,
		storePath:   "guidepulse.db",
		busyTimeout: 5 * time.Second,
		timezone:    "UTC",
		maxAttempts: 3,
		clock:       time.Now,
		logger:      nil, // Will be replaced when service starts
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start opens the store, seeds the catalog and builds the engine and reader.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Get()
	}

	s.logger.Info(ctx, "starting guidepulse service...",
		logger.String("driver", s.storeDriver),
		logger.String("timezone", s.timezone),
	)

	cal, err := calendar.New(s.timezone, calendar.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("service start: %w", err)
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return fmt.Errorf("service start: %w", err)
	}

	for _, g := range s.guidelines {
		if err := store.UpsertGuideline(ctx, g); err != nil {
			_ = store.Close()
			return fmt.Errorf("service start: seed guideline %q: %w", g.ID, err)
		}
	}
	catalog, err := store.ListGuidelines(ctx)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("service start: list guidelines: %w", err)
	}
	metrics.UpdateCatalogGuidelines(len(catalog))

	s.store = store
	s.cal = cal
	s.engine = submission.New(store, cal,
		submission.WithMaxAttempts(s.maxAttempts),
		submission.WithLogger(s.logger.Named("submission")),
	)
	s.reader = trend.New(store, cal, trend.WithLogger(s.logger.Named("trend")))
	s.started = true
	s.startedAt = time.Now()

	s.logger.Info(ctx, "guidepulse service started",
		logger.Int("guidelines", len(catalog)),
		logger.String("today", cal.Today()),
	)
	return nil
}

func (s *Service) openStore(ctx context.Context) (repository.Store, error) {
	if s.injected != nil {
		return s.injected, nil
	}
	switch s.storeDriver {
	case DriverSQLite:
		s.logger.Info(ctx, "using sqlite store", logger.String("path", s.storePath))
		return sqlite.Open(ctx, s.storePath, sqlite.WithBusyTimeout(s.busyTimeout))
	case DriverMemory:
		s.logger.Info(ctx, "using in-memory store")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreDriver, s.storeDriver)
	}
}

// Stop closes the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := context.Background()
	s.logger.Info(ctx, "stopping guidepulse service...")

	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "failed to close store", logger.Error(err))
	}
	s.injected = nil
	s.started = false
	s.logger.Info(ctx, "guidepulse service stopped")
}

// components returns the running engine and reader.
func (s *Service) components() (*submission.Engine, *trend.Reader, repository.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, nil, nil, ErrNotStarted
	}
	return s.engine, s.reader, s.store, nil
}

// Submit records a device's evaluation batch for today.
func (s *Service) Submit(ctx context.Context, req submission.Request) (submission.Result, error) {
	engine, _, _, err := s.components()
	if err != nil {
		return submission.Result{}, err
	}
	return engine.Submit(ctx, req)
}

// Guidelines returns the snapshot for date (empty means today) and the resolved date.
func (s *Service) Guidelines(ctx context.Context, date string) (string, []model.GuidelineSnapshot, error) {
	_, reader, _, err := s.components()
	if err != nil {
		return "", nil, err
	}
	return reader.Snapshot(ctx, date)
}

// History returns per-guideline series over the last days days.
func (s *Service) History(ctx context.Context, days int) ([]model.GuidelineHistory, error) {
	_, reader, _, err := s.components()
	if err != nil {
		return nil, err
	}
	return reader.History(ctx, days)
}

// RecordConsent records or reactivates a device's consent.
func (s *Service) RecordConsent(ctx context.Context, c model.Consent) (model.Consent, error) {
	_, _, store, err := s.components()
	if err != nil {
		return model.Consent{}, err
	}
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	c.ConsentVersion = strings.TrimSpace(c.ConsentVersion)
	if c.DeviceID == "" || c.ConsentVersion == "" {
		return model.Consent{}, fmt.Errorf("%w: deviceId and consentVersion are required", evaluation.ErrValidation)
	}

	saved, err := store.RecordConsent(ctx, c)
	if err != nil {
		return model.Consent{}, consentErr("record", err)
	}
	metrics.RecordConsentChange("record")
	s.logger.Info(ctx, "consent recorded",
		logger.String("deviceId", saved.DeviceID),
		logger.String("consentVersion", saved.ConsentVersion),
	)
	return saved, nil
}

// WithdrawConsent withdraws an active consent now. It returns
// repository.ErrNotFound or repository.ErrAlreadyWithdrawn unchanged.
func (s *Service) WithdrawConsent(ctx context.Context, deviceID, version string) (model.Consent, error) {
	_, _, store, err := s.components()
	if err != nil {
		return model.Consent{}, err
	}
	deviceID, version = strings.TrimSpace(deviceID), strings.TrimSpace(version)
	if deviceID == "" || version == "" {
		return model.Consent{}, fmt.Errorf("%w: deviceId and consentVersion are required", evaluation.ErrValidation)
	}

	c, err := store.WithdrawConsent(ctx, deviceID, version, time.Time{})
	if err != nil {
		return model.Consent{}, consentErr("withdraw", err)
	}
	metrics.RecordConsentChange("withdraw")
	s.logger.Info(ctx, "consent withdrawn",
		logger.String("deviceId", deviceID),
		logger.String("consentVersion", version),
		logger.Duration("heldFor", c.Duration(*c.WithdrawnAt)),
	)
	return c, nil
}

// ConsentStatus reports active, withdrawn or not_found for a device and version.
func (s *Service) ConsentStatus(ctx context.Context, deviceID, version string) (string, error) {
	_, _, store, err := s.components()
	if err != nil {
		return "", err
	}
	deviceID, version = strings.TrimSpace(deviceID), strings.TrimSpace(version)
	if deviceID == "" || version == "" {
		return "", fmt.Errorf("%w: deviceId and consentVersion are required", evaluation.ErrValidation)
	}

	c, err := store.GetConsent(ctx, deviceID, version)
	if errors.Is(err, repository.ErrNotFound) {
		return model.ConsentStatusNotFound, nil
	}
	if err != nil {
		return "", consentErr("status", err)
	}
	return c.Status(), nil
}

// consentErr keeps registry outcomes distinguishable and marks the rest transient.
func consentErr(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrAlreadyWithdrawn):
		return err
	case errors.Is(err, repository.ErrInvalidArgument):
		return fmt.Errorf("%w: %w", evaluation.ErrValidation, err)
	default:
		return fmt.Errorf("%w: consent %s: %w", evaluation.ErrTransientStore, op, err)
	}
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"storeDriver": s.storeDriver,
		"timezone":    s.timezone,
		"maxAttempts": s.maxAttempts,
	}

	if s.started {
		ctx := context.Background()
		stats["today"] = s.cal.Today()
		stats["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
		if gs, err := s.store.ListGuidelines(ctx); err == nil {
			stats["guidelines"] = len(gs)
			metrics.UpdateCatalogGuidelines(len(gs))
		}
	}

	return stats
}
