package cache

import (
	"context"
	"testing"
	"time"
)

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves them.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	val := []byte(`{"name":"DL7HMX-15"}`)
	if err := c.Set(ctx, "latest:location", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	val[0] = 'X'

	got, ok, err := c.Get(ctx, "latest:location")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got) != `{"name":"DL7HMX-15"}` {
		t.Errorf("Get() = %s, caller mutation leaked into cache", got)
	}
}

func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := NewInMemoryCache()

	_, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_Get_Expired verifies that expired entries miss and are removed on access.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	now = now.Add(2 * time.Second)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if len(c.data) != 0 {
		t.Error("expired entry should be deleted from cache")
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() after Delete() ok = true")
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestExpiration(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int32
	}{
		{time.Minute, 60},
		{0, 3600},
		{31 * 24 * time.Hour, 3600},
	}
	for _, tt := range tests {
		if got := expiration(tt.ttl); got != tt.want {
			t.Errorf("expiration(%v) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}

func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" a:11211, ,b:11211 ")
	if len(got) != 2 || got[0] != "a:11211" || got[1] != "b:11211" {
		t.Errorf("parseAddrs() = %v", got)
	}
}
