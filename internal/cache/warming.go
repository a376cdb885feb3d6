package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
)

// Loader primes one cache entry, typically by reading through the service layer.
// Used by CacheWarmer to avoid a dependency on the service package.
type Loader func(ctx context.Context) error

// CacheWarmer fills the latest-record entries before the first front-end request.
type CacheWarmer struct {
	loaders map[string]Loader
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer running the named loaders.
func NewCacheWarmer(loaders map[string]Loader, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{loaders: loaders, logger: logger}
}

// Warm runs every loader concurrently. Returns the joined errors of failed loaders.
func (w *CacheWarmer) Warm(ctx context.Context) error {
	start := time.Now()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, load := range w.loaders {
		wg.Add(1)
		go func(name string, load Loader) {
			defer wg.Done()
			if err := load(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", name, err))
				mu.Unlock()
			}
		}(name, load)
	}
	wg.Wait()

	w.logger.Info("cache warming complete",
		zap.Int("entries", len(w.loaders)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", time.Since(start).Seconds()))
	if len(errs) > 0 {
		observability.CacheErrorsTotal.WithLabelValues("warm").Inc()
		return errors.Join(errs...)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, interval time.Duration) error {
	if err := w.Warm(ctx); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
