package profile

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type countingLookup struct {
	next  Lookup
	calls atomic.Int32
}

func (c *countingLookup) Lookup(ctx context.Context, number string) (*Profile, error) {
	c.calls.Add(1)
	return c.next.Lookup(ctx, number)
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedLookupReadThrough(t *testing.T) {
	rdb := testRedis(t)
	fs, err := ParseYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	src := &countingLookup{next: fs}
	c := NewCachedLookup(src, rdb, time.Minute)
	ctx := context.Background()
	const number = "+15550100001"
	t.Cleanup(func() { c.Invalidate(ctx, number) })
	c.Invalidate(ctx, number)

	for range 3 {
		p, err := c.Lookup(ctx, number)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if p.BusinessName != "Acme Plumbing" {
			t.Fatalf("business = %q", p.BusinessName)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("source lookups = %d, want 1", got)
	}

	if err := c.Invalidate(ctx, number); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup(ctx, number); err != nil {
		t.Fatal(err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("source lookups after invalidate = %d, want 2", got)
	}
}

func TestCachedLookupSkipsNegatives(t *testing.T) {
	rdb := testRedis(t)
	fs, err := ParseYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	src := &countingLookup{next: fs}
	c := NewCachedLookup(src, rdb, time.Minute)
	ctx := context.Background()

	for range 2 {
		if _, err := c.Lookup(ctx, "+15550100002"); !errors.Is(err, ErrInactive) {
			t.Fatalf("err = %v, want ErrInactive", err)
		}
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("source lookups = %d, want 2", got)
	}
}
