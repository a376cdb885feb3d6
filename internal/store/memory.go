package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
)

// Memory keeps everything in process. Used for local runs and tests.
type Memory struct {
	mu        sync.RWMutex
	nextID    int64
	locations []models.LocationReport
	weathers  []models.WeatherReport
	keys      map[models.RecordKind]map[int64]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		keys: map[models.RecordKind]map[int64]struct{}{
			models.KindLocation: {},
			models.KindWeather:  {},
		},
	}
}

func (m *Memory) HasKey(ctx context.Context, kind models.RecordKind, key time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[kind][key.UnixMilli()]
	return ok, nil
}

func (m *Memory) HasSequenceSince(ctx context.Context, kind models.RecordKind, seq int64, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match := func(s *int64, key time.Time) bool {
		return s != nil && *s == seq && !key.Before(since)
	}
	switch kind {
	case models.KindLocation:
		for _, r := range m.locations {
			if match(r.SequenceCount, r.Key()) {
				return true, nil
			}
		}
	case models.KindWeather:
		for _, r := range m.weathers {
			if match(r.SequenceCount, r.Key()) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *Memory) InsertLocation(ctx context.Context, r *models.LocationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimKey(models.KindLocation, r.Key()) {
		return ErrDuplicate
	}
	m.nextID++
	r.ID = m.nextID
	m.locations = append(m.locations, *r)
	return nil
}

func (m *Memory) InsertWeather(ctx context.Context, r *models.WeatherReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimKey(models.KindWeather, r.Key()) {
		return ErrDuplicate
	}
	m.nextID++
	r.ID = m.nextID
	m.weathers = append(m.weathers, *r)
	return nil
}

// claimKey registers key for kind. Caller holds the write lock.
func (m *Memory) claimKey(kind models.RecordKind, key time.Time) bool {
	ms := key.UnixMilli()
	if _, ok := m.keys[kind][ms]; ok {
		return false
	}
	m.keys[kind][ms] = struct{}{}
	return true
}

func (m *Memory) LatestLocation(ctx context.Context) (models.LocationReport, error) {
	list, _ := m.Locations(ctx, 1)
	if len(list) == 0 {
		return models.LocationReport{}, ErrNotFound
	}
	return list[0], nil
}

func (m *Memory) LatestWeather(ctx context.Context) (models.WeatherReport, error) {
	list, _ := m.Weathers(ctx, 1)
	if len(list) == 0 {
		return models.WeatherReport{}, ErrNotFound
	}
	return list[0], nil
}

func (m *Memory) Locations(ctx context.Context, limit int) ([]models.LocationReport, error) {
	m.mu.RLock()
	out := make([]models.LocationReport, len(m.locations))
	copy(out, m.locations)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return newerFirst(out[i].ObservedAt, out[i].ID, out[j].ObservedAt, out[j].ID)
	})
	return truncate(out, limit), nil
}

func (m *Memory) Weathers(ctx context.Context, limit int) ([]models.WeatherReport, error) {
	m.mu.RLock()
	out := make([]models.WeatherReport, len(m.weathers))
	copy(out, m.weathers)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return newerFirst(out[i].ObservedAt, out[i].ID, out[j].ObservedAt, out[j].ID)
	})
	return truncate(out, limit), nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// newerFirst orders by time descending, then by insertion order descending.
func newerFirst(ti time.Time, idi int64, tj time.Time, idj int64) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return idi > idj
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
