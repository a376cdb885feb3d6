package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/balloon-tracker-service/internal/client"
	"github.com/kjstillabower/balloon-tracker-service/internal/degraded"
	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/persist"
	"github.com/kjstillabower/balloon-tracker-service/internal/store"
)

var t0 = time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu         sync.Mutex
	locations  []models.LocationReport
	weathers   []models.WeatherReport
	locErr     error
	wxErr      error
	locCalls   int
	wxCalls    int
	block      chan struct{}
	locStarted chan struct{}
}

func (f *fakeFetcher) FetchLocation(ctx context.Context) ([]models.LocationReport, error) {
	f.mu.Lock()
	f.locCalls++
	started, block := f.locStarted, f.block
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return f.locations, f.locErr
}

func (f *fakeFetcher) FetchWeather(ctx context.Context) ([]models.WeatherReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wxCalls++
	return f.weathers, f.wxErr
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locCalls, f.wxCalls
}

func sample() *fakeFetcher {
	return &fakeFetcher{
		locations: []models.LocationReport{{Name: "DL7HMX-15", ObservedAt: t0, ReceivedAt: t0, Lat: 52, Lng: 13}},
		weathers:  []models.WeatherReport{{Name: "DL7HMX-15", ObservedAt: t0, Temperature: -3, Humidity: 80}},
	}
}

func newPersister() (*persist.Persister, *store.Memory) {
	s := store.NewMemory()
	return persist.New(s, nil), s
}

func TestRunCycle_PersistsBothKinds(t *testing.T) {
	p, s := newPersister()
	l := New(sample(), p, Options{Stagger: time.Millisecond}, nil)
	ctx := context.Background()

	rep := l.RunCycle(ctx)
	if rep.Result() != "success" {
		t.Fatalf("Result() = %q, want success: %+v", rep.Result(), rep)
	}
	if rep.Location.Inserted != 1 || rep.Weather.Inserted != 1 {
		t.Errorf("inserted loc=%d wx=%d, want 1 and 1", rep.Location.Inserted, rep.Weather.Inserted)
	}

	rep = l.RunCycle(ctx)
	if rep.Location.Skipped != 1 || rep.Weather.Skipped != 1 {
		t.Errorf("second cycle skipped loc=%d wx=%d, want 1 and 1", rep.Location.Skipped, rep.Weather.Skipped)
	}
	locs, _ := s.Locations(ctx, 0)
	wxs, _ := s.Weathers(ctx, 0)
	if len(locs) != 1 || len(wxs) != 1 {
		t.Errorf("stored loc=%d wx=%d, want 1 and 1", len(locs), len(wxs))
	}
}

func TestRunCycle_LocationFailureDoesNotBlockWeather(t *testing.T) {
	degraded.Reset()
	t.Cleanup(degraded.Reset)

	f := sample()
	f.locErr = client.ErrTransport
	p, s := newPersister()
	l := New(f, p, Options{}, nil)

	rep := l.RunCycle(context.Background())
	if !errors.Is(rep.Location.Err, client.ErrTransport) {
		t.Errorf("Location.Err = %v, want ErrTransport", rep.Location.Err)
	}
	if rep.Weather.Inserted != 1 {
		t.Errorf("Weather.Inserted = %d, want 1", rep.Weather.Inserted)
	}
	if rep.Result() != "partial" {
		t.Errorf("Result() = %q, want partial", rep.Result())
	}
	wxs, _ := s.Weathers(context.Background(), 0)
	if len(wxs) != 1 {
		t.Errorf("stored weathers = %d, want 1", len(wxs))
	}
	if errs, total := degraded.ErrorRate(time.Minute); errs != 1 || total != 2 {
		t.Errorf("degraded ErrorRate = %d/%d, want 1/2", errs, total)
	}
}

func TestRunCycle_WeatherValidationFailure(t *testing.T) {
	f := sample()
	f.wxErr = client.ErrValidation
	p, _ := newPersister()
	l := New(f, p, Options{}, nil)

	rep := l.RunCycle(context.Background())
	if rep.Location.Inserted != 1 {
		t.Errorf("Location.Inserted = %d, want 1", rep.Location.Inserted)
	}
	if !errors.Is(rep.Weather.Err, client.ErrValidation) {
		t.Errorf("Weather.Err = %v, want ErrValidation", rep.Weather.Err)
	}

	// The next cycle still runs.
	f.wxErr = nil
	rep = l.RunCycle(context.Background())
	if rep.Weather.Inserted != 1 {
		t.Errorf("next cycle Weather.Inserted = %d, want 1", rep.Weather.Inserted)
	}
}

type failingPersister struct{}

func (failingPersister) Persist(ctx context.Context, rec models.Record, source string) (persist.Outcome, error) {
	return 0, &persist.Error{Kind: rec.Kind(), Op: "insert", Err: errors.New("db down")}
}

func TestRunCycle_PersistFailureIsContained(t *testing.T) {
	l := New(sample(), failingPersister{}, Options{}, nil)

	rep := l.RunCycle(context.Background())
	if rep.Location.Failed != 1 || rep.Weather.Failed != 1 {
		t.Errorf("failed loc=%d wx=%d, want 1 and 1", rep.Location.Failed, rep.Weather.Failed)
	}
	if !errors.Is(rep.Location.Err, persist.ErrStorage) {
		t.Errorf("Location.Err = %v, want ErrStorage", rep.Location.Err)
	}
	if rep.Result() != "failed" {
		t.Errorf("Result() = %q, want failed", rep.Result())
	}
}

func TestRunCycle_CancelDuringStagger(t *testing.T) {
	f := sample()
	p, _ := newPersister()
	l := New(f, p, Options{Stagger: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleReport, 1)
	go func() { done <- l.RunCycle(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case rep := <-done:
		if !errors.Is(rep.Weather.Err, context.Canceled) {
			t.Errorf("Weather.Err = %v, want context.Canceled", rep.Weather.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunCycle did not return after cancel")
	}
	if _, wx := f.calls(); wx != 0 {
		t.Errorf("FetchWeather calls = %d, want 0", wx)
	}
}

func TestRunCycle_NoOverlap(t *testing.T) {
	f := sample()
	f.block = make(chan struct{})
	f.locStarted = make(chan struct{}, 1)
	p, _ := newPersister()
	l := New(f, p, Options{}, nil)

	first := make(chan CycleReport, 1)
	go func() { first <- l.RunCycle(context.Background()) }()
	<-f.locStarted

	second := l.RunCycle(context.Background())
	if !second.Overlapped {
		t.Error("second RunCycle() was not skipped while the first was running")
	}
	close(f.block)
	if rep := <-first; rep.Overlapped {
		t.Error("first RunCycle() reported Overlapped")
	}
	if loc, _ := f.calls(); loc != 1 {
		t.Errorf("FetchLocation calls = %d, want 1", loc)
	}
}

func TestLoop_StartStop(t *testing.T) {
	f := sample()
	p, _ := newPersister()
	l := New(f, p, Options{Interval: 10 * time.Millisecond, RunOnStart: true}, nil)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if loc, _ := f.calls(); loc >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("loop did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}

	l.Stop()
	loc, _ := f.calls()
	time.Sleep(30 * time.Millisecond)
	if after, _ := f.calls(); after != loc {
		t.Errorf("FetchLocation called after Stop: %d -> %d", loc, after)
	}
	l.Stop()
}

func TestLoop_StopWithoutStart(t *testing.T) {
	p, _ := newPersister()
	New(sample(), p, Options{}, nil).Stop()
}

func TestNew_Defaults(t *testing.T) {
	l := New(sample(), failingPersister{}, Options{Stagger: -1}, nil)
	if l.opts.Interval != DefaultInterval || l.opts.Stagger != 0 {
		t.Errorf("opts = %+v, want default interval and zero stagger", l.opts)
	}
}
