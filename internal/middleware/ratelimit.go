package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute caps failed auth attempts per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the tracking map.
	DefaultMaxTrackedIPs = 10000

	pruneInterval  = time.Minute
	staleThreshold = 5 * time.Minute
)

// failureTracker holds one IP's token bucket. seen drives pruning and
// eviction ordering.
type failureTracker struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter throttles repeated authentication failures per client IP.
// Successful requests are never counted; only failures consume tokens, so a
// legitimate client with a valid key is unaffected by the limit.
type RateLimiter struct {
	mu            sync.Mutex
	perIP         map[string]*failureTracker
	maxPerMinute  int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewRateLimiter starts a limiter allowing maxPerMinute failed attempts per
// IP (0 means DefaultMaxAttemptsPerMinute). A background goroutine prunes
// idle IPs until ctx is cancelled or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}

	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		perIP:         make(map[string]*failureTracker),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go rl.pruneLoop(ctx)

	return rl
}

// Allow reports whether ip may make another auth attempt. An IP with no
// recorded failures is always allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	tracker, ok := rl.perIP[ip]
	if !ok {
		return true
	}
	tracker.seen = time.Now()

	return tracker.limiter.Allow()
}

// RecordFailure counts a failed auth attempt against ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.RecordFailureAndAllow(ip)
}

// RecordFailureAndAllow counts a failed attempt against ip and reports
// whether the attempt was still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.trackerLocked(ip).limiter.Allow()
}

func (rl *RateLimiter) trackerLocked(ip string) *failureTracker {
	tracker, ok := rl.perIP[ip]
	if !ok {
		if len(rl.perIP) >= rl.maxTrackedIPs {
			rl.dropOldestLocked()
		}
		tracker = &failureTracker{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.perIP[ip] = tracker
	}
	tracker.seen = time.Now()

	return tracker
}

func (rl *RateLimiter) dropOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, tracker := range rl.perIP {
		if oldestIP == "" || tracker.seen.Before(oldest) {
			oldestIP, oldest = ip, tracker.seen
		}
	}
	delete(rl.perIP, oldestIP)
}

// Stop cancels the background pruning goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for ip, tracker := range rl.perIP {
		if tracker.seen.Before(cutoff) {
			delete(rl.perIP, ip)
		}
	}
}

// ExtractIP strips the port from a RemoteAddr string. Input without a port
// is returned unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}

	return host
}
