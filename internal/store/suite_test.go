package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
)

var base = time.Date(2026, 6, 14, 9, 30, 0, 0, time.UTC)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func location(offset time.Duration, seq *int64) models.LocationReport {
	return models.LocationReport{
		Name:          "DL7HMX-15",
		Type:          "w",
		Symbol:        "/O",
		SrcCall:       "DL7HMX-15",
		DstCall:       "APLIGA",
		ObservedAt:    base.Add(offset - 30*time.Second),
		ReceivedAt:    base.Add(offset),
		Lat:           52.52,
		Lng:           13.405,
		Altitude:      f64(1200),
		Comment:       "Ct=1f",
		SequenceCount: seq,
	}
}

func weather(offset time.Duration, seq *int64) models.WeatherReport {
	return models.WeatherReport{
		Name:          "DL7HMX-15",
		ObservedAt:    base.Add(offset),
		Temperature:   -4.5,
		Humidity:      61,
		Pressure:      f64(870.1),
		OzonePPB:      f64(54.31),
		SequenceCount: seq,
	}
}

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("insert assigns id and round-trips at millisecond precision", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		in := location(0, i64(31))
		in.ReceivedAt = in.ReceivedAt.Add(123 * time.Millisecond)
		if err := s.InsertLocation(ctx, &in); err != nil {
			t.Fatalf("InsertLocation() error = %v", err)
		}
		if in.ID == 0 {
			t.Error("InsertLocation() did not set ID")
		}
		got, err := s.LatestLocation(ctx)
		if err != nil {
			t.Fatalf("LatestLocation() error = %v", err)
		}
		if !got.ReceivedAt.Equal(in.ReceivedAt) || got.ReceivedAt.UnixMilli() != in.ReceivedAt.UnixMilli() {
			t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, in.ReceivedAt)
		}
		if got.Lat != in.Lat || got.Lng != in.Lng || got.Path != in.Path {
			t.Errorf("LatestLocation() = %+v, want %+v", got, in)
		}
		if got.SequenceCount == nil || *got.SequenceCount != 31 {
			t.Errorf("SequenceCount = %v, want 31", got.SequenceCount)
		}
		if got.Altitude == nil || *got.Altitude != 1200 {
			t.Errorf("Altitude = %v, want 1200", got.Altitude)
		}
	})

	t.Run("unique key reports ErrDuplicate", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		a, b := location(0, nil), location(0, i64(2))
		if err := s.InsertLocation(ctx, &a); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		if err := s.InsertLocation(ctx, &b); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("second insert error = %v, want ErrDuplicate", err)
		}
		w1, w2 := weather(0, nil), weather(0, nil)
		if err := s.InsertWeather(ctx, &w1); err != nil {
			t.Fatalf("first weather insert: %v", err)
		}
		if err := s.InsertWeather(ctx, &w2); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("second weather insert error = %v, want ErrDuplicate", err)
		}
		list, _ := s.Locations(ctx, 0)
		if len(list) != 1 {
			t.Errorf("len(Locations) = %d, want 1", len(list))
		}
	})

	t.Run("kinds have independent keys", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		l := location(0, nil)
		w := weather(0, nil)
		w.ObservedAt = l.ReceivedAt
		if err := s.InsertLocation(ctx, &l); err != nil {
			t.Fatal(err)
		}
		if err := s.InsertWeather(ctx, &w); err != nil {
			t.Fatalf("InsertWeather() with a location's key error = %v", err)
		}
	})

	t.Run("HasKey", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		l := location(0, nil)
		if err := s.InsertLocation(ctx, &l); err != nil {
			t.Fatal(err)
		}
		if ok, err := s.HasKey(ctx, models.KindLocation, l.ReceivedAt); err != nil || !ok {
			t.Errorf("HasKey(received) = %v, %v, want true", ok, err)
		}
		if ok, _ := s.HasKey(ctx, models.KindLocation, l.ObservedAt); ok {
			t.Error("HasKey(observed) = true, location key is ReceivedAt")
		}
		if ok, _ := s.HasKey(ctx, models.KindWeather, l.ReceivedAt); ok {
			t.Error("HasKey(weather) = true for a location key")
		}
	})

	t.Run("HasSequenceSince respects the window", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		w := weather(0, i64(13))
		if err := s.InsertWeather(ctx, &w); err != nil {
			t.Fatal(err)
		}
		tests := []struct {
			name  string
			seq   int64
			since time.Time
			want  bool
		}{
			{"inside window", 13, base.Add(-time.Hour), true},
			{"boundary inclusive", 13, base, true},
			{"outside window", 13, base.Add(time.Millisecond), false},
			{"other sequence", 14, base.Add(-time.Hour), false},
		}
		for _, tt := range tests {
			got, err := s.HasSequenceSince(ctx, models.KindWeather, tt.seq, tt.since)
			if err != nil {
				t.Fatalf("%s: error = %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("%s: HasSequenceSince() = %v, want %v", tt.name, got, tt.want)
			}
		}
		if got, _ := s.HasSequenceSince(ctx, models.KindLocation, 13, base.Add(-time.Hour)); got {
			t.Error("HasSequenceSince(location) matched a weather record")
		}
	})

	t.Run("lists are newest first and stable against late older inserts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		newer := location(10*time.Minute, nil)
		older := location(0, nil)
		if err := s.InsertLocation(ctx, &newer); err != nil {
			t.Fatal(err)
		}
		if err := s.InsertLocation(ctx, &older); err != nil {
			t.Fatal(err)
		}
		list, err := s.Locations(ctx, 0)
		if err != nil {
			t.Fatalf("Locations() error = %v", err)
		}
		if len(list) != 2 || list[0].ID != newer.ID {
			t.Fatalf("Locations()[0] = %+v, want id %d first", list, newer.ID)
		}
		limited, _ := s.Locations(ctx, 1)
		if len(limited) != 1 {
			t.Errorf("Locations(limit 1) len = %d", len(limited))
		}

		for _, off := range []time.Duration{5 * time.Minute, time.Minute, 9 * time.Minute} {
			w := weather(off, nil)
			if err := s.InsertWeather(ctx, &w); err != nil {
				t.Fatal(err)
			}
		}
		ws, _ := s.Weathers(ctx, 0)
		for i := 1; i < len(ws); i++ {
			if ws[i].ObservedAt.After(ws[i-1].ObservedAt) {
				t.Errorf("Weathers() not descending at %d: %v after %v", i, ws[i].ObservedAt, ws[i-1].ObservedAt)
			}
		}
		latest, _ := s.LatestWeather(ctx)
		if !latest.ObservedAt.Equal(base.Add(9 * time.Minute)) {
			t.Errorf("LatestWeather().ObservedAt = %v", latest.ObservedAt)
		}
	})

	t.Run("empty store", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if _, err := s.LatestLocation(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("LatestLocation() error = %v, want ErrNotFound", err)
		}
		if _, err := s.LatestWeather(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("LatestWeather() error = %v, want ErrNotFound", err)
		}
		list, err := s.Weathers(ctx, 0)
		if err != nil || len(list) != 0 {
			t.Errorf("Weathers() = %v, %v, want empty", list, err)
		}
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}
