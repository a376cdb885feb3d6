// Package service answers the front-end read queries: the latest location and weather report
// (cache-aside, coalesced on miss) and the full newest-first lists.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/cache"
	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/store"
)

const (
	latestLocationKey = "latest:location"
	latestWeatherKey  = "latest:weather"
)

// TrackingService implements the read procedures over a store.Store with an optional cache.
type TrackingService struct {
	store     store.Store
	cache     cache.Cache
	ttl       time.Duration
	locations *requestCoalescer[*models.LocationReport]
	weathers  *requestCoalescer[*models.WeatherReport]
	logger    *zap.Logger
}

// NewTrackingService wires the query side. c may be nil to disable caching; ttl bounds how
// long a cached latest record may lag behind an insert the invalidation missed.
func NewTrackingService(s store.Store, c cache.Cache, ttl, coalesceTimeout time.Duration, logger *zap.Logger) *TrackingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if coalesceTimeout <= 0 {
		coalesceTimeout = 5 * time.Second
	}
	return &TrackingService{
		store:     s,
		cache:     c,
		ttl:       ttl,
		locations: newRequestCoalescer[*models.LocationReport](coalesceTimeout),
		weathers:  newRequestCoalescer[*models.WeatherReport](coalesceTimeout),
		logger:    logger,
	}
}

// GetLocation returns the newest location by observation time, or nil when none is stored.
func (s *TrackingService) GetLocation(ctx context.Context) (*models.LocationReport, error) {
	observability.QueriesTotal.WithLabelValues("getLocation").Inc()
	return getLatest(ctx, s, latestLocationKey, string(models.KindLocation), s.locations, s.store.LatestLocation)
}

// GetWeather returns the newest weather report, or nil when none is stored.
func (s *TrackingService) GetWeather(ctx context.Context) (*models.WeatherReport, error) {
	observability.QueriesTotal.WithLabelValues("getWeather").Inc()
	return getLatest(ctx, s, latestWeatherKey, string(models.KindWeather), s.weathers, s.store.LatestWeather)
}

// GetLocations lists locations newest first. limit <= 0 returns all.
func (s *TrackingService) GetLocations(ctx context.Context, limit int) ([]models.LocationReport, error) {
	observability.QueriesTotal.WithLabelValues("getLocations").Inc()
	list, err := s.store.Locations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	return list, nil
}

// GetWeathers lists weather reports newest first. limit <= 0 returns all.
func (s *TrackingService) GetWeathers(ctx context.Context, limit int) ([]models.WeatherReport, error) {
	observability.QueriesTotal.WithLabelValues("getWeathers").Inc()
	list, err := s.store.Weathers(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list weathers: %w", err)
	}
	return list, nil
}

// RecordStored drops the cached latest entry for the record's kind. Registered with the
// persister so the next read sees the insert.
func (s *TrackingService) RecordStored(ctx context.Context, rec models.Record) error {
	if s.cache == nil {
		return nil
	}
	key := latestWeatherKey
	if rec.Kind() == models.KindLocation {
		key = latestLocationKey
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// WarmLoaders returns cache loaders for both latest entries.
func (s *TrackingService) WarmLoaders() map[string]cache.Loader {
	return map[string]cache.Loader{
		string(models.KindLocation): func(ctx context.Context) error {
			_, err := s.GetLocation(ctx)
			return err
		},
		string(models.KindWeather): func(ctx context.Context) error {
			_, err := s.GetWeather(ctx)
			return err
		},
	}
}

// Ping reports whether storage is reachable.
func (s *TrackingService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// getLatest is the cache-aside read shared by GetLocation and GetWeather.
func getLatest[T any](
	ctx context.Context,
	s *TrackingService,
	key, kind string,
	coalescer *requestCoalescer[*T],
	load func(context.Context) (T, error),
) (*T, error) {
	logger := observability.LoggerFrom(ctx, s.logger)

	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			observability.CacheErrorsTotal.WithLabelValues("get").Inc()
			logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		case ok:
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				observability.CacheHitsTotal.WithLabelValues(kind).Inc()
				return &v, nil
			}
			logger.Warn("dropping undecodable cache entry", zap.String("key", key))
		}
	}

	v, shared, err := coalescer.GetOrDo(ctx, key, func(ctx context.Context) (*T, error) {
		rec, err := load(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", kind, err)
	}
	if shared {
		logger.Debug("coalesced store read", zap.String("key", key))
	}
	if v == nil || s.cache == nil {
		return v, nil
	}

	raw, err := json.Marshal(v)
	if err == nil {
		err = s.cache.Set(ctx, key, raw, s.ttl)
	}
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
