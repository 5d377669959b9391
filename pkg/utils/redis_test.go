package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAcquireLockIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	ok, err := AcquireLock(ctx, rdb, "lock:s1", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire, ok=%v err=%v", ok, err)
	}
	ok, err = AcquireLock(ctx, rdb, "lock:s1", "b", time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ok {
		t.Fatalf("expected second owner to be rejected")
	}

	// A foreign token must not release the lock.
	if err := ReleaseLock(ctx, rdb, "lock:s1", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mr.Exists("lock:s1") {
		t.Fatalf("lock released by non-owner")
	}
	if err := ReleaseLock(ctx, rdb, "lock:s1", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("lock:s1") {
		t.Fatalf("expected lock released by owner")
	}
}

func TestAcquireLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	if ok, _ := AcquireLock(ctx, rdb, "lock:s2", "a", time.Second); !ok {
		t.Fatalf("expected acquire")
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := AcquireLock(ctx, rdb, "lock:s2", "b", time.Second); !ok {
		t.Fatalf("expected acquire after ttl")
	}
}
