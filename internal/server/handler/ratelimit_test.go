package handler

import (
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*SlidingLimiter, *time.Time) {
	clock := start
	l := NewSlidingLimiter()
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestSlidingLimiter_enforcesMax(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	for i := 0; i < 3; i++ {
		if !l.Allow("k|/v1/entities", time.Minute, 3) {
			t.Fatalf("request %d denied below the limit", i+1)
		}
	}
	if l.Allow("k|/v1/entities", time.Minute, 3) {
		t.Error("request above the limit allowed")
	}
}

func TestSlidingLimiter_keysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	for i := 0; i < 3; i++ {
		l.Allow("a|/v1/entities", time.Minute, 3)
	}
	if !l.Allow("b|/v1/entities", time.Minute, 3) {
		t.Error("a full bucket on one key starved another key")
	}
	if !l.Allow("a|/v1/jobs", time.Minute, 3) {
		t.Error("a full bucket on one route starved another route")
	}
}

func TestSlidingLimiter_previousWindowWeighs(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))

	for i := 0; i < 4; i++ {
		l.Allow("k", time.Minute, 4)
	}
	// A quarter into the next window three quarters of the previous
	// window's count still weighs in: estimate 3, room for one.
	*clock = clock.Add(75 * time.Second)
	if !l.Allow("k", time.Minute, 4) {
		t.Error("expected room under the weighted estimate")
	}
	if l.Allow("k", time.Minute, 4) {
		t.Error("expected the weighted estimate to deny the next request")
	}
}

func TestSlidingLimiter_idleBucketExpires(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))

	for i := 0; i < 4; i++ {
		l.Allow("k", time.Minute, 3)
	}
	*clock = clock.Add(3 * time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("k", time.Minute, 3) {
			t.Fatalf("request %d denied after the bucket went idle", i+1)
		}
	}
}

func TestSlidingLimiter_zeroMaxDisables(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	for i := 0; i < 100; i++ {
		if !l.Allow("k", time.Minute, 0) {
			t.Fatal("max <= 0 must disable the limiter")
		}
	}
}
