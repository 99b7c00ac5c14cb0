package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSubjectLimiter(t *testing.T) {
	limiter := NewSubjectLimiter(50 * time.Millisecond)
	subject := "user-1"

	first := limiter.Allow(subject, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(subject, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(subject, 2)
	if third.Allowed || third.Remaining != 0 || third.RetryAfter <= 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	time.Sleep(70 * time.Millisecond)
	reset := limiter.Allow(subject, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected new window, got %+v", reset)
	}
}

func TestSubjectLimiterIndependentSubjects(t *testing.T) {
	limiter := NewSubjectLimiter(time.Minute)
	limiter.Allow("noisy", 1)
	limiter.Allow("noisy", 1)
	quiet := limiter.Allow("quiet", 1)
	if !quiet.Allowed {
		t.Fatalf("quiet subject throttled by noisy neighbor: %+v", quiet)
	}
}

func TestSubjectLimiterLimitFloor(t *testing.T) {
	limiter := NewSubjectLimiter(time.Minute)
	d := limiter.Allow("s", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected floor limit of 1, got %+v", d)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, time.Minute)

	for i := 1; i <= 2; i++ {
		d := limiter.Allow("user-9", 2)
		if !d.Allowed || d.Count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	over := limiter.Allow("user-9", 2)
	if over.Allowed || over.RetryAfter <= 0 {
		t.Fatalf("expected throttled decision, got %+v", over)
	}
}

func TestRedisLimiterFallsBackWhenUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	limiter := NewRedis(client, time.Minute)

	limiter.Allow("user-5", 1)
	d := limiter.Allow("user-5", 1)
	if d.Allowed {
		t.Fatalf("fallback limiter not counting: %+v", d)
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	limiter := NewRedis(nil, time.Minute)
	if d := limiter.Allow("user-1", 5); !d.Allowed || d.Count != 1 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}
