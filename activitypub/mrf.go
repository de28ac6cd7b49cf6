package activitypub

import (
	"fmt"
	"log"
	"strings"

	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

// Policy filters or rewrites an incoming activity. Implementations return
// the (possibly rewritten) activity, or a RejectError to drop it.
type Policy interface {
	Name() string
	Filter(activity map[string]any, deps *Deps) (map[string]any, error)
}

// consistencyTypes bypass user-configured policies. Dropping an Undo, Block
// or Delete leaves remote and local state permanently out of sync, so only
// SimplePolicy may reject them.
var consistencyTypes = map[string]bool{
	"Undo":   true,
	"Block":  true,
	"Delete": true,
}

// PolicyChain runs an ordered list of policies over each activity. The
// normalize policy is always appended last.
type PolicyChain struct {
	policies []Policy
}

// NewPolicyChain builds a chain from the configured policy names. Unknown
// names are logged and skipped.
func NewPolicyChain(names []string) *PolicyChain {
	chain := &PolicyChain{}
	for _, name := range names {
		switch name {
		case "simple":
			chain.policies = append(chain.policies, &SimplePolicy{})
		case "normalize":
			// appended unconditionally below
		default:
			log.Printf("MRF: unknown policy %q, skipping", name)
		}
	}
	chain.policies = append(chain.policies, &NormalizePolicy{})
	return chain
}

// PolicyNames lists the active policies, for NodeInfo transparency.
func (c *PolicyChain) PolicyNames() []string {
	names := make([]string, 0, len(c.policies))
	for _, p := range c.policies {
		names = append(names, p.Name())
	}
	return names
}

// Filter applies the chain in order, short-circuiting on rejection. A
// panicking policy is treated as a pass-through so one bad policy cannot
// poison the whole pipeline.
func (c *PolicyChain) Filter(activity map[string]any, deps *Deps) (map[string]any, error) {
	typ := getString(activity, "type")
	for _, policy := range c.policies {
		_, isSimple := policy.(*SimplePolicy)
		_, isNormalize := policy.(*NormalizePolicy)
		if consistencyTypes[typ] && !isSimple && !isNormalize {
			continue
		}
		rewritten, err := runPolicy(policy, activity, deps)
		if err != nil {
			return nil, err
		}
		activity = rewritten
	}
	return activity, nil
}

func runPolicy(policy Policy, activity map[string]any, deps *Deps) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("MRF: policy %s panicked: %v", policy.Name(), r)
			result, err = activity, nil
		}
	}()
	return policy.Filter(activity, deps)
}

// SimplePolicy applies per-instance moderation flags from the instance
// registry to the activity's actor domain.
type SimplePolicy struct{}

func (p *SimplePolicy) Name() string { return "simple" }

func (p *SimplePolicy) Filter(activity map[string]any, deps *Deps) (map[string]any, error) {
	actorDomain := util.HostOf(anyToURI(activity["actor"]))
	if actorDomain == "" {
		return activity, nil
	}

	instances, err := deps.Database.ReadPolicyInstances()
	if err != nil {
		log.Printf("MRF: could not load instance policies: %v", err)
		return activity, nil
	}

	typ := getString(activity, "type")
	for _, inst := range instances {
		if !domainMatch(inst.Domain, actorDomain) {
			continue
		}
		if inst.Blocked {
			if typ != "Delete" || inst.RejectDeletes {
				return nil, &RejectError{Policy: p.Name(), Reason: "blocked domain " + inst.Domain}
			}
		}
		if inst.ReportRemoval && typ == "Flag" {
			return nil, &RejectError{Policy: p.Name(), Reason: "reports not accepted from " + inst.Domain}
		}
		if inst.MediaRemoval {
			stripMedia(activity)
		}
		if inst.MediaNSFW {
			forceSensitive(activity)
		}
		if inst.FederatedTimelineRemoval || inst.Silenced {
			demoteFromPublic(activity)
		}
		if inst.FollowersOnly {
			forceFollowersOnly(activity)
		}
		if inst.AvatarRemoval || inst.BannerRemoval {
			stripActorImages(activity, inst.AvatarRemoval, inst.BannerRemoval)
		}
	}
	return activity, nil
}

// domainMatch matches an instance pattern against a host. A "*.foo.com"
// pattern matches subdomains of foo.com but never foo.com itself.
func domainMatch(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if sub, ok := strings.CutPrefix(pattern, "*."); ok {
		return host != sub && strings.HasSuffix(host, "."+sub)
	}
	return pattern == host
}

func stripMedia(activity map[string]any) {
	if obj, ok := activity["object"].(map[string]any); ok {
		delete(obj, "attachment")
		delete(obj, "icon")
		delete(obj, "image")
	}
}

func forceSensitive(activity map[string]any) {
	if obj, ok := activity["object"].(map[string]any); ok {
		obj["sensitive"] = true
	}
}

// demoteFromPublic removes the Public address from to, keeping the post
// visible to followers. A to-only public post keeps Public in cc so it still
// reaches unlisted surfaces.
func demoteFromPublic(activity map[string]any) {
	obj, hasObj := activity["object"].(map[string]any)
	targets := []map[string]any{activity}
	if hasObj {
		targets = append(targets, obj)
	}
	for _, target := range targets {
		to, hadPublicTo := removeAddress(target["to"], PublicAudience)
		cc, hadPublicCc := removeAddress(target["cc"], PublicAudience)
		if hadPublicTo && !hadPublicCc {
			cc = append(cc, PublicAudience)
		}
		if hadPublicTo || hadPublicCc {
			target["to"] = anySlice(to)
			target["cc"] = anySlice(cc)
		}
	}
}

func forceFollowersOnly(activity map[string]any) {
	followers := anyToURI(activity["actor"]) + "/followers"
	activity["to"] = []any{followers}
	activity["cc"] = []any{}
	if obj, ok := activity["object"].(map[string]any); ok {
		obj["to"] = []any{followers}
		obj["cc"] = []any{}
	}
}

func stripActorImages(activity map[string]any, avatar, banner bool) {
	targets := []map[string]any{activity}
	if obj, ok := activity["object"].(map[string]any); ok {
		targets = append(targets, obj)
	}
	for _, target := range targets {
		if !actorTypes[getString(target, "type")] {
			continue
		}
		if avatar {
			delete(target, "icon")
		}
		if banner {
			delete(target, "image")
		}
	}
}

func removeAddress(v any, addr string) ([]string, bool) {
	var list []string
	switch val := v.(type) {
	case string:
		list = []string{val}
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
	default:
		return nil, false
	}
	out := list[:0]
	removed := false
	for _, item := range list {
		if item == addr {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return out, removed
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// NormalizePolicy backfills fields downstream handlers rely on. It never
// rejects.
type NormalizePolicy struct{}

func (p *NormalizePolicy) Name() string { return "normalize" }

func (p *NormalizePolicy) Filter(activity map[string]any, deps *Deps) (map[string]any, error) {
	// Flatten embedded actor objects to their id.
	if actorObj, ok := activity["actor"].(map[string]any); ok {
		if id := getString(actorObj, "id"); id != "" {
			activity["actor"] = id
		}
	}
	// An embedded object without attributedTo inherits the activity actor.
	if obj, ok := activity["object"].(map[string]any); ok {
		if anyToURI(obj["attributedTo"]) == "" {
			if actor := anyToURI(activity["actor"]); actor != "" {
				obj["attributedTo"] = actor
			}
		}
	}
	return activity, nil
}

// ApplyConfiguredPolicies writes the config-declared per-domain policy
// flags into the instance registry. Runs once at startup; SimplePolicy
// evaluates the stored rows from then on.
func ApplyConfiguredPolicies(conf *util.AppConfig, store *db.DB) error {
	for domainName, flags := range conf.Conf.MrfSimple {
		if err := store.UpsertInstancePolicy(buildInstancePolicy(domainName, flags)); err != nil {
			return fmt.Errorf("failed to apply policy for %s: %w", domainName, err)
		}
	}
	return nil
}

// buildInstancePolicy reflects config-level MRF settings into the stored
// flags of an instance row.
func buildInstancePolicy(domainName string, flags map[string]bool) *domain.Instance {
	inst := &domain.Instance{Domain: strings.ToLower(domainName)}
	inst.Blocked = flags["blocked"]
	inst.Silenced = flags["silenced"]
	inst.MediaRemoval = flags["media_removal"]
	inst.MediaNSFW = flags["media_nsfw"]
	inst.FederatedTimelineRemoval = flags["federated_timeline_removal"]
	inst.FollowersOnly = flags["followers_only"]
	inst.ReportRemoval = flags["report_removal"]
	inst.AvatarRemoval = flags["avatar_removal"]
	inst.BannerRemoval = flags["banner_removal"]
	inst.RejectDeletes = flags["reject_deletes"]
	return inst
}
