package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

const pgUniqueViolation = "23505"

// Postgres stores reports in PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to cfg.PostgresURL and applies the schema.
func OpenPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool and applies the schema.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *Postgres) HasKey(ctx context.Context, kind models.RecordKind, key time.Time) (bool, error) {
	var q string
	switch kind {
	case models.KindLocation:
		q = `SELECT EXISTS(SELECT 1 FROM locations WHERE received_at = $1)`
	case models.KindWeather:
		q = `SELECT EXISTS(SELECT 1 FROM weathers WHERE observed_at = $1)`
	default:
		return false, fmt.Errorf("unknown record kind %q", kind)
	}
	var found bool
	if err := p.pool.QueryRow(ctx, q, key.UTC()).Scan(&found); err != nil {
		return false, fmt.Errorf("query %s key: %w", kind, err)
	}
	return found, nil
}

func (p *Postgres) HasSequenceSince(ctx context.Context, kind models.RecordKind, seq int64, since time.Time) (bool, error) {
	var q string
	switch kind {
	case models.KindLocation:
		q = `SELECT EXISTS(SELECT 1 FROM locations WHERE sequence_count = $1 AND received_at >= $2)`
	case models.KindWeather:
		q = `SELECT EXISTS(SELECT 1 FROM weathers WHERE sequence_count = $1 AND observed_at >= $2)`
	default:
		return false, fmt.Errorf("unknown record kind %q", kind)
	}
	var found bool
	if err := p.pool.QueryRow(ctx, q, seq, since.UTC()).Scan(&found); err != nil {
		return false, fmt.Errorf("query %s sequence: %w", kind, err)
	}
	return found, nil
}

func (p *Postgres) InsertLocation(ctx context.Context, r *models.LocationReport) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO locations (
			name, type, symbol, srccall, dstcall, observed_at, received_at,
			lat, lng, altitude, comment, path, sequence_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		r.Name, r.Type, r.Symbol, r.SrcCall, r.DstCall, r.ObservedAt.UTC(), r.ReceivedAt.UTC(),
		r.Lat, r.Lng, r.Altitude, r.Comment, r.Path, r.SequenceCount,
	).Scan(&r.ID)
	if err != nil {
		if isPgUnique(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (p *Postgres) InsertWeather(ctx context.Context, r *models.WeatherReport) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO weathers (
			name, observed_at, temperature, humidity, pressure, altitude,
			altitude_max, ascent_rate, ozone_ppb, ozone_ppm, sequence_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		r.Name, r.ObservedAt.UTC(), r.Temperature, r.Humidity, r.Pressure, r.Altitude,
		r.AltitudeMax, r.AscentRate, r.OzonePPB, r.OzonePPM, r.SequenceCount,
	).Scan(&r.ID)
	if err != nil {
		if isPgUnique(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert weather: %w", err)
	}
	return nil
}

func (p *Postgres) LatestLocation(ctx context.Context) (models.LocationReport, error) {
	list, err := p.Locations(ctx, 1)
	if err != nil {
		return models.LocationReport{}, err
	}
	if len(list) == 0 {
		return models.LocationReport{}, ErrNotFound
	}
	return list[0], nil
}

func (p *Postgres) LatestWeather(ctx context.Context) (models.WeatherReport, error) {
	list, err := p.Weathers(ctx, 1)
	if err != nil {
		return models.WeatherReport{}, err
	}
	if len(list) == 0 {
		return models.WeatherReport{}, ErrNotFound
	}
	return list[0], nil
}

func (p *Postgres) Locations(ctx context.Context, limit int) ([]models.LocationReport, error) {
	q := `
		SELECT id, name, type, symbol, srccall, dstcall, observed_at, received_at,
		       lat, lng, altitude, comment, path, sequence_count
		FROM locations
		ORDER BY observed_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LocationReport, error) {
		var r models.LocationReport
		err := row.Scan(&r.ID, &r.Name, &r.Type, &r.Symbol, &r.SrcCall, &r.DstCall,
			&r.ObservedAt, &r.ReceivedAt, &r.Lat, &r.Lng, &r.Altitude, &r.Comment, &r.Path, &r.SequenceCount)
		r.ObservedAt = r.ObservedAt.UTC()
		r.ReceivedAt = r.ReceivedAt.UTC()
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan locations: %w", err)
	}
	return out, nil
}

func (p *Postgres) Weathers(ctx context.Context, limit int) ([]models.WeatherReport, error) {
	q := `
		SELECT id, name, observed_at, temperature, humidity, pressure, altitude,
		       altitude_max, ascent_rate, ozone_ppb, ozone_ppm, sequence_count
		FROM weathers
		ORDER BY observed_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query weathers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.WeatherReport, error) {
		var r models.WeatherReport
		err := row.Scan(&r.ID, &r.Name, &r.ObservedAt, &r.Temperature, &r.Humidity, &r.Pressure,
			&r.Altitude, &r.AltitudeMax, &r.AscentRate, &r.OzonePPB, &r.OzonePPM, &r.SequenceCount)
		r.ObservedAt = r.ObservedAt.UTC()
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan weathers: %w", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
