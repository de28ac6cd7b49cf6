package queue

import (
	"sync"
	"time"
)

// Acquire outcomes.
const (
	AcquireOK        = "acquired"
	AcquireThrottled = "throttled"
	AcquireBackoff   = "backoff"
)

type failureState struct {
	count       int
	lastFailure time.Time
	lastSuccess time.Time
}

// DomainThrottler gates concurrent outbound work per remote domain and
// applies failure-driven backoff on top. All state is in-memory.
type DomainThrottler struct {
	mu         sync.Mutex
	concurrent map[string]int
	failures   map[string]*failureState

	maxConcurrent    int
	failureThreshold int
	baseBackoff      time.Duration
	maxBackoff       time.Duration
}

// NewDomainThrottler builds a throttler. Zero arguments fall back to the
// defaults: 2 concurrent, threshold 5, 2 s base, 120 s cap.
func NewDomainThrottler(maxConcurrent, failureThreshold int, baseBackoff, maxBackoff time.Duration) *DomainThrottler {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if baseBackoff <= 0 {
		baseBackoff = 2 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 120 * time.Second
	}
	return &DomainThrottler{
		concurrent:       make(map[string]int),
		failures:         make(map[string]*failureState),
		maxConcurrent:    maxConcurrent,
		failureThreshold: failureThreshold,
		baseBackoff:      baseBackoff,
		maxBackoff:       maxBackoff,
	}
}

// Acquire attempts to take a delivery slot for a domain. Returns the
// outcome and, for backoff, the remaining wait.
func (t *DomainThrottler) Acquire(domain string) (string, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.failures[domain]; ok && f.count >= t.failureThreshold {
		backoff := t.backoffFor(f.count)
		elapsed := time.Since(f.lastFailure)
		if elapsed < backoff {
			return AcquireBackoff, backoff - elapsed
		}
	}

	if t.concurrent[domain] >= t.maxConcurrent {
		return AcquireThrottled, 0
	}
	t.concurrent[domain]++
	return AcquireOK, 0
}

// Release returns a slot and records the attempt outcome. Successes walk
// the failure count back down instead of clearing it outright.
func (t *DomainThrottler) Release(domain string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.concurrent[domain] > 0 {
		t.concurrent[domain]--
	}
	if t.concurrent[domain] == 0 {
		delete(t.concurrent, domain)
	}

	f := t.failures[domain]
	if f == nil {
		f = &failureState{}
		t.failures[domain] = f
	}
	if success {
		f.lastSuccess = time.Now()
		if f.count > 0 {
			f.count--
		}
		if f.count == 0 {
			delete(t.failures, domain)
		}
	} else {
		f.count++
		f.lastFailure = time.Now()
	}
}

// FailureCount reports the recorded consecutive failures for a domain.
func (t *DomainThrottler) FailureCount(domain string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.failures[domain]; ok {
		return f.count
	}
	return 0
}

func (t *DomainThrottler) backoffFor(failures int) time.Duration {
	over := failures - t.failureThreshold
	backoff := t.baseBackoff
	for i := 0; i < over; i++ {
		backoff *= 2
		if backoff >= t.maxBackoff {
			return t.maxBackoff
		}
	}
	return backoff
}
