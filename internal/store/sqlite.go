package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLite stores reports in a single database file. Timestamps are unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at cfg.SQLitePath and applies the schema.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLite, error) {
	dsn, err := sqliteDSN(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	s, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open handle and applies the schema. An in-memory database must be
// limited to one connection, since each connection gets its own copy.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// busy_timeout keeps the sync loop and HTTP submissions from failing on "database is locked".
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL", nil
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLite) HasKey(ctx context.Context, kind models.RecordKind, key time.Time) (bool, error) {
	var q string
	switch kind {
	case models.KindLocation:
		q = `SELECT EXISTS(SELECT 1 FROM locations WHERE received_at = ?)`
	case models.KindWeather:
		q = `SELECT EXISTS(SELECT 1 FROM weathers WHERE observed_at = ?)`
	default:
		return false, fmt.Errorf("unknown record kind %q", kind)
	}
	var found bool
	if err := s.db.QueryRowContext(ctx, q, key.UnixMilli()).Scan(&found); err != nil {
		return false, fmt.Errorf("query %s key: %w", kind, err)
	}
	return found, nil
}

func (s *SQLite) HasSequenceSince(ctx context.Context, kind models.RecordKind, seq int64, since time.Time) (bool, error) {
	var q string
	switch kind {
	case models.KindLocation:
		q = `SELECT EXISTS(SELECT 1 FROM locations WHERE sequence_count = ? AND received_at >= ?)`
	case models.KindWeather:
		q = `SELECT EXISTS(SELECT 1 FROM weathers WHERE sequence_count = ? AND observed_at >= ?)`
	default:
		return false, fmt.Errorf("unknown record kind %q", kind)
	}
	var found bool
	if err := s.db.QueryRowContext(ctx, q, seq, since.UnixMilli()).Scan(&found); err != nil {
		return false, fmt.Errorf("query %s sequence: %w", kind, err)
	}
	return found, nil
}

func (s *SQLite) InsertLocation(ctx context.Context, r *models.LocationReport) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (
			name, type, symbol, srccall, dstcall, observed_at, received_at,
			lat, lng, altitude, comment, path, sequence_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Type, r.Symbol, r.SrcCall, r.DstCall,
		r.ObservedAt.UnixMilli(), r.ReceivedAt.UnixMilli(),
		r.Lat, r.Lng, floatOrNil(r.Altitude), r.Comment, r.Path, intOrNil(r.SequenceCount),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert location: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert location id: %w", err)
	}
	return nil
}

func (s *SQLite) InsertWeather(ctx context.Context, r *models.WeatherReport) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO weathers (
			name, observed_at, temperature, humidity, pressure, altitude,
			altitude_max, ascent_rate, ozone_ppb, ozone_ppm, sequence_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.ObservedAt.UnixMilli(), r.Temperature, r.Humidity,
		floatOrNil(r.Pressure), floatOrNil(r.Altitude), floatOrNil(r.AltitudeMax),
		floatOrNil(r.AscentRate), floatOrNil(r.OzonePPB), floatOrNil(r.OzonePPM),
		intOrNil(r.SequenceCount),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert weather: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert weather id: %w", err)
	}
	return nil
}

const (
	sqliteLocationColumns = `id, name, type, symbol, srccall, dstcall, observed_at, received_at,
		lat, lng, altitude, comment, path, sequence_count`
	sqliteWeatherColumns = `id, name, observed_at, temperature, humidity, pressure, altitude,
		altitude_max, ascent_rate, ozone_ppb, ozone_ppm, sequence_count`
)

func (s *SQLite) LatestLocation(ctx context.Context) (models.LocationReport, error) {
	list, err := s.Locations(ctx, 1)
	if err != nil {
		return models.LocationReport{}, err
	}
	if len(list) == 0 {
		return models.LocationReport{}, ErrNotFound
	}
	return list[0], nil
}

func (s *SQLite) LatestWeather(ctx context.Context) (models.WeatherReport, error) {
	list, err := s.Weathers(ctx, 1)
	if err != nil {
		return models.WeatherReport{}, err
	}
	if len(list) == 0 {
		return models.WeatherReport{}, ErrNotFound
	}
	return list[0], nil
}

func (s *SQLite) Locations(ctx context.Context, limit int) ([]models.LocationReport, error) {
	q := `SELECT ` + sqliteLocationColumns + ` FROM locations ORDER BY observed_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	out := []models.LocationReport{}
	for rows.Next() {
		var (
			r                  models.LocationReport
			observed, received int64
			altitude           sql.NullFloat64
			seq                sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Symbol, &r.SrcCall, &r.DstCall,
			&observed, &received, &r.Lat, &r.Lng, &altitude, &r.Comment, &r.Path, &seq); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		r.ObservedAt = time.UnixMilli(observed).UTC()
		r.ReceivedAt = time.UnixMilli(received).UTC()
		r.Altitude = nullFloat(altitude)
		r.SequenceCount = nullInt(seq)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return out, nil
}

func (s *SQLite) Weathers(ctx context.Context, limit int) ([]models.WeatherReport, error) {
	q := `SELECT ` + sqliteWeatherColumns + ` FROM weathers ORDER BY observed_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query weathers: %w", err)
	}
	defer rows.Close()

	out := []models.WeatherReport{}
	for rows.Next() {
		var (
			r                                          models.WeatherReport
			observed                                   int64
			pressure, altitude, altMax, rate, ppb, ppm sql.NullFloat64
			seq                                        sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Name, &observed, &r.Temperature, &r.Humidity,
			&pressure, &altitude, &altMax, &rate, &ppb, &ppm, &seq); err != nil {
			return nil, fmt.Errorf("scan weather: %w", err)
		}
		r.ObservedAt = time.UnixMilli(observed).UTC()
		r.Pressure = nullFloat(pressure)
		r.Altitude = nullFloat(altitude)
		r.AltitudeMax = nullFloat(altMax)
		r.AscentRate = nullFloat(rate)
		r.OzonePPB = nullFloat(ppb)
		r.OzonePPM = nullFloat(ppm)
		r.SequenceCount = nullInt(seq)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate weathers: %w", err)
	}
	return out, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
