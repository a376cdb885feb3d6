// Package ingest runs the periodic aprs.fi sync: fetch locations, persist them, wait the
// stagger, fetch weather, persist it. One cycle at a time, failures contained per kind.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/client"
	"github.com/kjstillabower/balloon-tracker-service/internal/degraded"
	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/persist"
)

const (
	DefaultInterval = 2 * time.Minute
	DefaultStagger  = 10 * time.Second

	source = "sync"
)

// ErrAlreadyStarted is returned by Start on a running loop.
var ErrAlreadyStarted = errors.New("sync loop already started")

// Persister is the part of persist.Persister the loop needs.
type Persister interface {
	Persist(ctx context.Context, rec models.Record, source string) (persist.Outcome, error)
}

// Options tune the loop. A zero Interval uses DefaultInterval; a zero Stagger means no wait.
type Options struct {
	Interval   time.Duration
	Stagger    time.Duration
	RunOnStart bool
}

// KindReport summarises one kind within a cycle.
type KindReport struct {
	Fetched  int
	Inserted int
	Skipped  int
	Failed   int
	// Err is the fetch error, or the last persist error.
	Err error
}

func (k KindReport) ok() bool { return k.Err == nil && k.Failed == 0 }

// CycleReport summarises one RunCycle call.
type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Location KindReport
	Weather  KindReport
	// Overlapped is set when the call returned immediately because a cycle was running.
	Overlapped bool
}

// Result is the syncCyclesTotal label: success, partial or failed.
func (r CycleReport) Result() string {
	switch {
	case r.Location.ok() && r.Weather.ok():
		return "success"
	case r.Location.ok() || r.Weather.ok():
		return "partial"
	default:
		return "failed"
	}
}

// Loop owns the sync goroutine.
type Loop struct {
	fetcher   client.Fetcher
	persister Persister
	opts      Options
	logger    *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(fetcher client.Fetcher, persister Persister, opts Options, logger *zap.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Stagger < 0 {
		opts.Stagger = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		fetcher:   fetcher,
		persister: persister,
		opts:      opts,
		logger:    logger,
	}
}

// Start launches the loop goroutine. It runs until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	l.logger.Info("sync loop started",
		zap.Duration("interval", l.opts.Interval),
		zap.Duration("stagger", l.opts.Stagger),
		zap.Bool("run_on_start", l.opts.RunOnStart))

	go l.run(ctx, l.done)
	return nil
}

// Stop cancels the loop, aborting any stagger wait, and blocks until the goroutine exits.
// Safe to call more than once or on a loop that was never started.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("sync loop stopped")
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if l.opts.RunOnStart {
		l.RunCycle(ctx)
	}

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunCycle(ctx)
		}
	}
}

// RunCycle performs one location+weather pass. Concurrent callers do not overlap: a call
// made while a cycle is running returns at once with Overlapped set.
func (l *Loop) RunCycle(ctx context.Context) CycleReport {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Debug("sync cycle already running, skipping")
		return CycleReport{Overlapped: true}
	}
	defer l.running.Store(false)

	report := CycleReport{ID: uuid.New().String(), Started: time.Now()}
	ctx = observability.WithCorrelationID(ctx, report.ID)
	logger := l.logger.With(zap.String("correlation_id", report.ID))

	report.Location = l.syncLocations(ctx, logger)

	if err := l.wait(ctx); err != nil {
		report.Weather = KindReport{Err: err}
	} else {
		report.Weather = l.syncWeather(ctx, logger)
	}

	report.Duration = time.Since(report.Started)
	result := report.Result()
	observability.SyncCyclesTotal.WithLabelValues(result).Inc()
	observability.SyncCycleDuration.Observe(report.Duration.Seconds())
	if result == "success" {
		observability.SyncLastSuccessTimestamp.SetToCurrentTime()
	}

	logger.Info("sync cycle complete",
		zap.String("result", result),
		zap.Int("locations_inserted", report.Location.Inserted),
		zap.Int("weathers_inserted", report.Weather.Inserted),
		zap.Duration("duration", report.Duration))
	return report
}

// wait sleeps for the stagger, returning early with ctx.Err() on cancellation.
func (l *Loop) wait(ctx context.Context) error {
	if l.opts.Stagger == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(l.opts.Stagger)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Loop) syncLocations(ctx context.Context, logger *zap.Logger) KindReport {
	reports, err := l.fetcher.FetchLocation(ctx)
	if err != nil {
		return l.fetchFailed(models.KindLocation, err, logger)
	}
	recs := make([]models.Record, len(reports))
	for i, r := range reports {
		recs[i] = r
	}
	return l.persistAll(ctx, models.KindLocation, recs, logger)
}

func (l *Loop) syncWeather(ctx context.Context, logger *zap.Logger) KindReport {
	reports, err := l.fetcher.FetchWeather(ctx)
	if err != nil {
		return l.fetchFailed(models.KindWeather, err, logger)
	}
	recs := make([]models.Record, len(reports))
	for i, r := range reports {
		recs[i] = r
	}
	return l.persistAll(ctx, models.KindWeather, recs, logger)
}

func (l *Loop) fetchFailed(kind models.RecordKind, err error, logger *zap.Logger) KindReport {
	category := client.CategorizeError(err)
	observability.FetchErrorsTotal.WithLabelValues(string(kind), string(category)).Inc()
	degraded.RecordError()
	observability.WithKind(logger, string(kind)).Warn("fetch failed",
		zap.String("category", string(category)), zap.Error(err))
	return KindReport{Err: err}
}

func (l *Loop) persistAll(ctx context.Context, kind models.RecordKind, recs []models.Record, logger *zap.Logger) KindReport {
	rep := KindReport{Fetched: len(recs)}
	for _, rec := range recs {
		outcome, err := l.persister.Persist(ctx, rec, source)
		if err != nil {
			rep.Failed++
			rep.Err = err
			observability.WithKind(logger, string(kind)).Error("persist failed", zap.Error(err))
			continue
		}
		if outcome == persist.Inserted {
			rep.Inserted++
		} else {
			rep.Skipped++
		}
	}
	if rep.ok() {
		degraded.RecordSuccess()
	} else {
		degraded.RecordError()
	}
	return rep
}
