// Package store persists location and weather reports. Every backend enforces one row per
// timestamp key and kind with a unique constraint and reports violations as ErrDuplicate.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
)

var (
	// ErrDuplicate is returned by inserts that hit the timestamp-key unique constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound is returned by Latest* when the collection is empty.
	ErrNotFound = errors.New("record not found")
)

// Store is the storage contract shared by the persister and the query service.
// Implementations must be safe for concurrent use.
type Store interface {
	// HasKey reports whether a record of kind exists with the given timestamp key.
	HasKey(ctx context.Context, kind models.RecordKind, key time.Time) (bool, error)
	// HasSequenceSince reports whether a record of kind carries seq and has a key >= since.
	HasSequenceSince(ctx context.Context, kind models.RecordKind, seq int64, since time.Time) (bool, error)

	// InsertLocation stores r and sets r.ID.
	InsertLocation(ctx context.Context, r *models.LocationReport) error
	// InsertWeather stores r and sets r.ID.
	InsertWeather(ctx context.Context, r *models.WeatherReport) error

	LatestLocation(ctx context.Context) (models.LocationReport, error)
	LatestWeather(ctx context.Context) (models.WeatherReport, error)
	// Locations lists reports newest first by observation time. limit <= 0 means all.
	Locations(ctx context.Context, limit int) ([]models.LocationReport, error)
	Weathers(ctx context.Context, limit int) ([]models.WeatherReport, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and tunes a backend.
type Config struct {
	Backend         string
	SQLitePath      string
	PostgresURL     string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open builds the configured backend, applies its schema and checks connectivity.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case BackendMemory, "":
		logger.Info("using in-memory store")
		return NewMemory(), nil
	case BackendSQLite:
		logger.Info("opening sqlite store", zap.String("path", cfg.SQLitePath))
		return OpenSQLite(ctx, cfg)
	case BackendPostgres:
		logger.Info("opening postgres store", zap.String("url", maskPassword(cfg.PostgresURL)))
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// maskPassword hides the password part of a database URL for logging.
func maskPassword(url string) string {
	if url == "" {
		return "<empty>"
	}
	start := 0
	for i := 0; i < len(url); i++ {
		if url[i] == ':' && i > 0 && url[i-1] != '/' {
			start = i + 1
		}
		if url[i] == '@' && start > 0 {
			return url[:start] + "***" + url[i:]
		}
	}
	return url
}

func floatOrNil(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func intOrNil(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
