package handler

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/nebula-cp/nebula/internal/model"
)

// slidingWindow approximates a sliding-window counter from two fixed
// windows: the previous window's count is weighted by its remaining overlap
// with the sliding interval.
type slidingWindow struct {
	start time.Time
	prev  int
	cur   int
}

const limiterShards = 16

type limiterShard struct {
	mu      sync.Mutex
	buckets map[string]*slidingWindow
}

// SlidingLimiter is the per-credential request limiter. Buckets are keyed by
// credential prefix (client host for unauthenticated callers) plus the route,
// sharded to keep lock contention local, and expired passively on access.
type SlidingLimiter struct {
	shards [limiterShards]limiterShard
	now    func() time.Time
}

// NewSlidingLimiter builds an empty limiter.
func NewSlidingLimiter() *SlidingLimiter {
	l := &SlidingLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*slidingWindow)
	}
	return l
}

// Allow records one request against key and reports whether it fits within
// max requests per window.
func (l *SlidingLimiter) Allow(key string, window time.Duration, max int) bool {
	if max <= 0 {
		return true
	}
	shard := &l.shards[shardFor(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := l.now()
	w, ok := shard.buckets[key]
	if !ok {
		w = &slidingWindow{start: now}
		shard.buckets[key] = w
	}

	elapsed := now.Sub(w.start)
	switch {
	case elapsed >= 2*window:
		// Bucket idle past both windows: passive expiry.
		w.start = now
		w.prev = 0
		w.cur = 0
		elapsed = 0
	case elapsed >= window:
		w.start = w.start.Add(window)
		w.prev = w.cur
		w.cur = 0
		elapsed = now.Sub(w.start)
	}

	overlap := 1 - float64(elapsed)/float64(window)
	estimate := float64(w.prev)*overlap + float64(w.cur)
	if estimate >= float64(max) {
		return false
	}
	w.cur++
	return true
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck
	return int(h.Sum32() % limiterShards)
}

// Middleware enforces the limiter on one route group. The bucket key is the
// caller's credential prefix when authenticated, the client host otherwise,
// scoped per route so each route carries its own window/max.
func (l *SlidingLimiter) Middleware(window time.Duration, max int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if caller := callerFrom(c); caller != nil && caller.KeyPrefix != "" {
			key = caller.KeyPrefix
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !l.Allow(key+"|"+route, window, max) {
			RecordRateLimited(route)
			respondErr(c, model.ErrRateLimited("rate limit exceeded; retry shortly"))
			return
		}
		c.Next()
	}
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HostRateLimiter is a token-bucket limiter keyed by client host, applied to
// the open endpoints where no credential prefix exists yet. Stale entries
// are cleaned every 5 minutes.
func HostRateLimiter(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*hostLimiter)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			mu.Lock()
			for host, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, host)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		host := c.ClientIP()

		mu.Lock()
		l, ok := limiters[host]
		if !ok {
			l = &hostLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[host] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			RecordRateLimited("open")
			respondErr(c, model.ErrRateLimited("rate limit exceeded; retry shortly"))
			return
		}
		c.Next()
	}
}
