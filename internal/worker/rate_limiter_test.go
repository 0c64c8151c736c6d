package worker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T, limit int) *RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRateLimiter(rdb, "test", limit)
}

func TestRateLimiter_Allow(t *testing.T) {
	r := setupLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := r.Allow(ctx)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !allowed {
			t.Fatalf("dispatch %d should be allowed", i+1)
		}
	}

	allowed, err := r.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Error("fourth dispatch in the window should be denied")
	}
}

func TestRateLimiter_SharedAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	a := NewRateLimiter(rdb, "shared", 2)
	b := NewRateLimiter(rdb, "shared", 2)

	if ok, _ := a.Allow(ctx); !ok {
		t.Fatal("first dispatch should pass")
	}
	if ok, _ := b.Allow(ctx); !ok {
		t.Fatal("second dispatch should pass")
	}
	if ok, _ := a.Allow(ctx); ok {
		t.Error("third dispatch should be denied: the window is fleet-wide")
	}
}
