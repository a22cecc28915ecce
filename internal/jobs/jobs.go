package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
)

// BatchPayer runs the scheduled payout of every driver's balance.
type BatchPayer interface {
	RunBatchPayout(ctx context.Context) (ledger.BatchReport, error)
}

type BatchPayoutJob struct {
	payer  BatchPayer
	cron   string
	logger *slog.Logger
}

func NewBatchPayoutJob(payer BatchPayer, cron string, logger *slog.Logger) *BatchPayoutJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchPayoutJob{payer: payer, cron: cron, logger: logger}
}

func (j *BatchPayoutJob) Name() string { return "batch_payout" }

func (j *BatchPayoutJob) Definition() gocron.JobDefinition {
	return gocron.CronJob(j.cron, false)
}

func (j *BatchPayoutJob) Run(ctx context.Context) error {
	report, err := j.payer.RunBatchPayout(ctx)
	if err != nil {
		return err
	}
	var failed int
	for _, r := range report.Results {
		if r.Status == ledger.BatchFailed {
			failed++
		}
	}
	j.logger.Info("batch payout run", "processed", report.Processed, "failed", failed)
	return nil
}

// Refresher reloads business settings from their source.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type ConfigRefreshJob struct {
	refresher Refresher
	every     time.Duration
}

func NewConfigRefreshJob(r Refresher, every time.Duration) *ConfigRefreshJob {
	return &ConfigRefreshJob{refresher: r, every: every}
}

func (j *ConfigRefreshJob) Name() string { return "config_refresh" }

func (j *ConfigRefreshJob) Definition() gocron.JobDefinition {
	return gocron.DurationJob(j.every)
}

func (j *ConfigRefreshJob) Run(ctx context.Context) error {
	return j.refresher.Refresh(ctx)
}

type TripLister interface {
	ListTripsByStatus(ctx context.Context, status models.TripStatus, requestedBefore time.Time) ([]models.Trip, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, tripID string) (dispatch.Result, error)
	Redispatch(ctx context.Context, tripID string) (dispatch.Result, error)
}

type Canceller interface {
	CancelBySystem(ctx context.Context, tripID, reason string) (*models.Trip, error)
}

// SweepReport counts what one re-dispatch pass did.
type SweepReport struct {
	Dispatched   int `json:"dispatched"`
	Redispatched int `json:"redispatched"`
	Cancelled    int `json:"cancelled"`
	Errors       int `json:"errors"`
}

const noDriverReason = "no driver accepted the request"

// RedispatchJob retries trips stuck without a driver and gives up on them
// once they are older than maxAge.
type RedispatchJob struct {
	trips      TripLister
	dispatcher Dispatcher
	canceller  Canceller
	every      time.Duration
	maxAge     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type SweepOption func(*RedispatchJob)

func WithClock(now func() time.Time) SweepOption {
	return func(j *RedispatchJob) { j.now = now }
}

func NewRedispatchJob(trips TripLister, d Dispatcher, c Canceller, every, maxAge time.Duration, logger *slog.Logger, opts ...SweepOption) *RedispatchJob {
	if logger == nil {
		logger = slog.Default()
	}
	j := &RedispatchJob{trips: trips, dispatcher: d, canceller: c, every: every, maxAge: maxAge, logger: logger, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *RedispatchJob) Name() string { return "redispatch_sweep" }

func (j *RedispatchJob) Definition() gocron.JobDefinition {
	return gocron.DurationJob(j.every)
}

func (j *RedispatchJob) Run(ctx context.Context) error {
	report, err := j.Sweep(ctx)
	if err != nil {
		return err
	}
	if report != (SweepReport{}) {
		j.logger.Info("redispatch sweep", "dispatched", report.Dispatched, "redispatched", report.Redispatched,
			"cancelled", report.Cancelled, "errors", report.Errors)
	}
	return nil
}

// Sweep dispatches requested trips that were never picked up, re-offers
// matching trips whose offers all lapsed and cancels the ones past maxAge.
func (j *RedispatchJob) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := j.now()
	cutoff := now.Add(-j.maxAge)

	requested, err := j.trips.ListTripsByStatus(ctx, models.TripRequested, now.Add(-j.every))
	if err != nil {
		return report, fmt.Errorf("list requested trips: %w", err)
	}
	for _, t := range requested {
		if t.RequestedAt.Before(cutoff) {
			j.cancel(ctx, t.ID, &report)
			continue
		}
		res, err := j.dispatcher.Dispatch(ctx, t.ID)
		if err != nil {
			j.logger.Warn("sweep dispatch failed", "trip_id", t.ID, "err", err)
			report.Errors++
			continue
		}
		if res.Matched {
			report.Dispatched++
		}
	}

	matching, err := j.trips.ListTripsByStatus(ctx, models.TripMatching, now)
	if err != nil {
		return report, fmt.Errorf("list matching trips: %w", err)
	}
	for _, t := range matching {
		if t.RequestedAt.Before(cutoff) {
			j.cancel(ctx, t.ID, &report)
			continue
		}
		res, err := j.dispatcher.Redispatch(ctx, t.ID)
		switch {
		case errors.Is(err, apperr.ErrInvalidState):
		case err != nil:
			j.logger.Warn("sweep redispatch failed", "trip_id", t.ID, "err", err)
			report.Errors++
		case res.Matched:
			report.Redispatched++
		}
	}
	return report, nil
}

func (j *RedispatchJob) cancel(ctx context.Context, tripID string, report *SweepReport) {
	_, err := j.canceller.CancelBySystem(ctx, tripID, noDriverReason)
	switch {
	case err == nil:
		report.Cancelled++
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrInvalidTransition):
		// the trip moved on since it was listed
	default:
		j.logger.Warn("sweep cancel failed", "trip_id", tripID, "err", err)
		report.Errors++
	}
}
