package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func TestCacheWarmer_Warm_Success(t *testing.T) {
	var calls int32
	load := func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil }
	warmer := NewCacheWarmer(map[string]Loader{"location": load, "weather": load}, nil)

	if err := warmer.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("loader calls = %d, want 2", calls)
	}
}

func TestCacheWarmer_Warm_Empty(t *testing.T) {
	if err := NewCacheWarmer(nil, nil).Warm(context.Background()); err != nil {
		t.Fatalf("Warm() with no loaders error = %v, want nil", err)
	}
}

func TestCacheWarmer_Warm_LoaderError(t *testing.T) {
	boom := errors.New("db down")
	warmer := NewCacheWarmer(map[string]Loader{
		"location": func(ctx context.Context) error { return boom },
		"weather":  func(ctx context.Context) error { return nil },
	}, nil)

	err := warmer.Warm(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Warm() error = %v, want wrapped loader error", err)
	}
	if !strings.Contains(err.Error(), "warm location") {
		t.Errorf("Warm() error = %q, want it to name the failed entry", err)
	}
}

func TestCacheWarmer_WarmPeriodic_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	warmer := NewCacheWarmer(map[string]Loader{"location": func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			cancel()
		}
		return nil
	}}, nil)

	if err := warmer.WarmPeriodic(ctx, 1<<62); !errors.Is(err, context.Canceled) {
		t.Errorf("WarmPeriodic() error = %v, want context.Canceled", err)
	}
}
