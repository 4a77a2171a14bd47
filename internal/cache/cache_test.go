package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"transcription-service/internal/domain"
)

func sampleResult() domain.Result {
	return domain.Result{
		Text: "hello world",
		Segments: []domain.Segment{
			{Start: 0, Text: "hello world"},
		},
	}
}

// TestHashBytes verifies stable, distinct digests.
func TestHashBytes(t *testing.T) {
	a := HashBytes([]byte("audio-a"))
	b := HashBytes([]byte("audio-b"))

	if a == b {
		t.Fatal("distinct content must not collide")
	}
	if a != HashBytes([]byte("audio-a")) {
		t.Fatal("hash must be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}

// TestMemoryCacheRoundTrip verifies set-then-get and miss behavior.
func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)

	if _, ok, err := c.Get(ctx, "absent"); err != nil || ok {
		t.Fatalf("miss = (%v, %v), want clean miss", ok, err)
	}

	if err := c.Set(ctx, "h1", sampleResult()); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "h1")
	if err != nil || !ok {
		t.Fatalf("get = (%v, %v), want hit", ok, err)
	}
	if got.Text != "hello world" {
		t.Fatalf("text = %q", got.Text)
	}
}

// TestMemoryCacheExpiry verifies passive TTL eviction on read.
func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set(ctx, "h1", sampleResult())

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok, err := c.Get(ctx, "h1"); err != nil || ok {
		t.Fatalf("get after ttl = (%v, %v), want miss", ok, err)
	}
}

// TestRedisCacheRoundTrip verifies the redis-backed variant end to end.
func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, time.Hour)

	if _, ok, err := c.Get(ctx, "absent"); err != nil || ok {
		t.Fatalf("miss = (%v, %v), want clean miss", ok, err)
	}

	if err := c.Set(ctx, "h1", sampleResult()); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "h1")
	if err != nil || !ok {
		t.Fatalf("get = (%v, %v), want hit", ok, err)
	}
	if len(got.Segments) != 1 || got.Segments[0].Text != "hello world" {
		t.Fatalf("segments = %+v", got.Segments)
	}
}

// TestRedisCacheExpiry verifies the server-side TTL.
func TestRedisCacheExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, time.Minute)

	if err := c.Set(ctx, "h1", sampleResult()); err != nil {
		t.Fatalf("set: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, err := c.Get(ctx, "h1"); err != nil || ok {
		t.Fatalf("get after ttl = (%v, %v), want miss", ok, err)
	}
}
