package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// withClock pins the package clock to a controllable time.
func withClock(t *testing.T) *time.Time {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })
	return &now
}

func TestTokenBucketExactCapacity(t *testing.T) {
	withClock(t)

	l := NewLimiter(map[Kind]Limit{
		Connections: {Max: 5, Window: time.Minute},
	})

	for i := 0; i < 5; i++ {
		if !l.Check("192.0.2.1", Connections) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Check("192.0.2.1", Connections) {
		t.Fatal("request 6 should be denied within the same refill interval")
	}
	if got := l.Count("192.0.2.1", Connections); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}

	// A different key is an independent counter.
	if !l.Check("192.0.2.2", Connections) {
		t.Error("different IP should not share the bucket")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	now := withClock(t)

	l := NewLimiter(map[Kind]Limit{
		Connections: {Max: 60, Window: time.Minute},
	})

	for i := 0; i < 60; i++ {
		if !l.Check("ip", Connections) {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if l.Check("ip", Connections) {
		t.Fatal("bucket should be empty")
	}

	// One second refills one token at 60/min.
	*now = now.Add(time.Second)
	if !l.Check("ip", Connections) {
		t.Error("refilled token should be available")
	}
	if l.Check("ip", Connections) {
		t.Error("only one token should have refilled")
	}
}

func TestSlidingWindowEviction(t *testing.T) {
	now := withClock(t)

	l := NewLimiter(map[Kind]Limit{
		AuthAttempts: {Max: 3, Window: time.Hour},
	})

	for i := 0; i < 3; i++ {
		if !l.Check("ip", AuthAttempts) {
			t.Fatalf("attempt %d denied", i+1)
		}
	}
	if l.Check("ip", AuthAttempts) {
		t.Fatal("attempt 4 should be denied")
	}

	// Still denied half way through the window.
	*now = now.Add(30 * time.Minute)
	if l.Check("ip", AuthAttempts) {
		t.Fatal("window has not passed yet")
	}

	// The three entries fall out after the full window.
	*now = now.Add(31 * time.Minute)
	if !l.Check("ip", AuthAttempts) {
		t.Error("entries should have been evicted")
	}
	if got := l.Count("ip", AuthAttempts); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestCheckNAllOrNothing(t *testing.T) {
	withClock(t)

	l := NewLimiter(map[Kind]Limit{
		MessagesPerUser: {Max: 10, Window: time.Hour},
	})

	if !l.CheckN("user@example.com", MessagesPerUser, 8) {
		t.Fatal("8 of 10 should be allowed")
	}
	if l.CheckN("user@example.com", MessagesPerUser, 3) {
		t.Fatal("3 more would exceed 10, none should be admitted")
	}
	if got := l.Count("user@example.com", MessagesPerUser); got != 8 {
		t.Errorf("Count = %d after denied CheckN, want 8", got)
	}
	if !l.CheckN("user@example.com", MessagesPerUser, 2) {
		t.Error("remaining 2 should be allowed")
	}
}

func TestReset(t *testing.T) {
	withClock(t)

	l := NewLimiter(map[Kind]Limit{
		Connections: {Max: 1, Window: time.Minute},
	})

	if !l.Check("ip", Connections) {
		t.Fatal("first request denied")
	}
	if l.Check("ip", Connections) {
		t.Fatal("second request should be denied")
	}
	l.Reset("ip", Connections)
	if !l.Check("ip", Connections) {
		t.Error("request after Reset should be allowed")
	}
}

func TestUnknownKindAllowed(t *testing.T) {
	l := NewLimiter(map[Kind]Limit{})
	if !l.Check("ip", Connections) {
		t.Error("unconfigured kind should not limit")
	}
}

func TestConcurrentCheck(t *testing.T) {
	l := NewLimiter(map[Kind]Limit{
		Connections: {Max: 1000, Window: time.Minute},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("198.51.100.%d", n)
			for j := 0; j < 200; j++ {
				l.Check(key, Connections)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("198.51.100.%d", i)
		if got := l.Count(key, Connections); got != 200 {
			t.Errorf("Count(%s) = %d, want 200", key, got)
		}
	}
}

func TestStandaloneTokenBucket(t *testing.T) {
	withClock(t)

	b := NewTokenBucket(2, time.Minute)
	if !b.Allow() || !b.Allow() {
		t.Fatal("first two should be allowed")
	}
	if b.Allow() {
		t.Error("third should be denied")
	}
}
