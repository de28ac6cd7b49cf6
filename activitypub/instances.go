package activitypub

import (
	"time"

	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
)

const (
	instanceBackoffBase = 60 * time.Second
	instanceBackoffMax  = 24 * time.Hour
)

// InstanceReachable reports whether deliveries to a domain are worth
// attempting at all. Unknown domains are assumed reachable; a domain stays
// in the retry window for reachability_timeout_days after first failure,
// after which it is considered dead until something marks it reachable.
func InstanceReachable(domainName string, deps *Deps) bool {
	inst, err := deps.Database.ReadInstanceByDomain(domainName)
	if err == db.ErrNotFound {
		return true
	}
	if err != nil {
		return true
	}
	if inst.UnreachableSince == nil {
		return true
	}
	timeout := time.Duration(deps.Conf.Conf.ReachabilityDays) * 24 * time.Hour
	return time.Since(*inst.UnreachableSince) < timeout
}

// InstanceBackoff computes the delivery backoff for an unreachable
// instance: 60s doubled per recorded failure, capped at a day.
func InstanceBackoff(inst *domain.Instance) time.Duration {
	if inst.FailureCount <= 0 {
		return 0
	}
	backoff := instanceBackoffBase
	for i := 1; i < inst.FailureCount; i++ {
		backoff *= 2
		if backoff >= instanceBackoffMax {
			return instanceBackoffMax
		}
	}
	return backoff
}

// ShouldRetryInstance reports whether the backoff window for a domain has
// elapsed. Domains with no record or no outage are always retryable.
func ShouldRetryInstance(domainName string, deps *Deps) bool {
	inst, err := deps.Database.ReadInstanceByDomain(domainName)
	if err != nil {
		return true
	}
	if inst.UnreachableSince == nil {
		return true
	}
	return time.Now().After(inst.UnreachableSince.Add(InstanceBackoff(inst)))
}
