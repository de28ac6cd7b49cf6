package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InboxRateLimiter caps inbound inbox traffic per source IP, per actor
// domain and globally. Per-minute counters live in bucketed maps; the
// global cap is a token bucket.
type InboxRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket

	perIP     int
	perDomain int
	global    *rate.Limiter

	stop chan struct{}
}

type rateBucket struct {
	window int64
	count  int
}

// NewInboxRateLimiter builds a limiter with per-minute IP and domain caps
// and a global per-second cap.
func NewInboxRateLimiter(perIPPerMinute, perDomainPerMinute, globalPerSecond int) *InboxRateLimiter {
	if perIPPerMinute <= 0 {
		perIPPerMinute = 20
	}
	if perDomainPerMinute <= 0 {
		perDomainPerMinute = 40
	}
	if globalPerSecond <= 0 {
		globalPerSecond = 8
	}
	l := &InboxRateLimiter{
		buckets:   make(map[string]*rateBucket),
		perIP:     perIPPerMinute,
		perDomain: perDomainPerMinute,
		global:    rate.NewLimiter(rate.Limit(globalPerSecond), globalPerSecond*2),
		stop:      make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from the given source IP and actor domain
// fits under every cap. Counters are only consumed when all caps pass.
func (l *InboxRateLimiter) Allow(ip, domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := time.Now().Unix() / 60
	ipKey := "ip:" + ip
	domainKey := "domain:" + domain

	if l.peek(ipKey, window) >= l.perIP {
		return false
	}
	if domain != "" && l.peek(domainKey, window) >= l.perDomain {
		return false
	}
	if !l.global.Allow() {
		return false
	}

	l.bump(ipKey, window)
	if domain != "" {
		l.bump(domainKey, window)
	}
	return true
}

// Stop ends the background cleanup.
func (l *InboxRateLimiter) Stop() {
	close(l.stop)
}

func (l *InboxRateLimiter) peek(key string, window int64) int {
	if b, ok := l.buckets[key]; ok && b.window == window {
		return b.count
	}
	return 0
}

func (l *InboxRateLimiter) bump(key string, window int64) {
	b, ok := l.buckets[key]
	if !ok || b.window != window {
		l.buckets[key] = &rateBucket{window: window, count: 1}
		return
	}
	b.count++
}

func (l *InboxRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			window := time.Now().Unix() / 60
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.window < window-1 {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
