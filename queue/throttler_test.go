package queue

import (
	"testing"
	"time"
)

func TestThrottlerConcurrencyLimit(t *testing.T) {
	th := NewDomainThrottler(2, 5, 0, 0)

	if state, _ := th.Acquire("a.example"); state != AcquireOK {
		t.Fatalf("first acquire = %s", state)
	}
	if state, _ := th.Acquire("a.example"); state != AcquireOK {
		t.Fatalf("second acquire = %s", state)
	}
	if state, _ := th.Acquire("a.example"); state != AcquireThrottled {
		t.Fatalf("third acquire = %s, want throttled", state)
	}

	// Another domain has its own budget.
	if state, _ := th.Acquire("b.example"); state != AcquireOK {
		t.Fatalf("other domain = %s", state)
	}

	th.Release("a.example", true)
	if state, _ := th.Acquire("a.example"); state != AcquireOK {
		t.Fatalf("acquire after release = %s", state)
	}
}

func TestThrottlerFailureBackoff(t *testing.T) {
	th := NewDomainThrottler(4, 2, 10*time.Second, time.Minute)

	for i := 0; i < 2; i++ {
		if state, _ := th.Acquire("flaky.example"); state != AcquireOK {
			t.Fatalf("acquire %d = %s", i, state)
		}
		th.Release("flaky.example", false)
	}

	state, remaining := th.Acquire("flaky.example")
	if state != AcquireBackoff {
		t.Fatalf("state = %s, want backoff after hitting the threshold", state)
	}
	if remaining <= 0 || remaining > 10*time.Second {
		t.Errorf("remaining = %s", remaining)
	}
}

func TestThrottlerElapsedBackoffAllowsRetry(t *testing.T) {
	th := NewDomainThrottler(4, 2, 10*time.Second, time.Minute)
	th.failures["old.example"] = &failureState{count: 3, lastFailure: time.Now().Add(-time.Hour)}

	if state, _ := th.Acquire("old.example"); state != AcquireOK {
		t.Fatalf("state = %s, backoff window long elapsed", state)
	}
}

func TestThrottlerSuccessWalksFailuresDown(t *testing.T) {
	th := NewDomainThrottler(4, 5, time.Second, time.Minute)

	for i := 0; i < 3; i++ {
		th.Acquire("meh.example")
		th.Release("meh.example", false)
	}
	if got := th.FailureCount("meh.example"); got != 3 {
		t.Fatalf("failures = %d", got)
	}

	th.Acquire("meh.example")
	th.Release("meh.example", true)
	if got := th.FailureCount("meh.example"); got != 2 {
		t.Errorf("failures after one success = %d, want 2", got)
	}

	for i := 0; i < 2; i++ {
		th.Acquire("meh.example")
		th.Release("meh.example", true)
	}
	if got := th.FailureCount("meh.example"); got != 0 {
		t.Errorf("failures after recovery = %d", got)
	}
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	th := NewDomainThrottler(2, 3, 2*time.Second, 30*time.Second)

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 16 * time.Second},
		{7, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := th.backoffFor(tc.failures); got != tc.want {
			t.Errorf("backoffFor(%d) = %s, want %s", tc.failures, got, tc.want)
		}
	}
}
