package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

const (
	objectCacheTTL = time.Hour
	maxFetchBody   = 1 * 1024 * 1024

	// actorRefreshAge is how stale a cached actor may get before a lookup
	// triggers a refetch.
	actorRefreshAge = 24 * time.Hour
)

type cacheEntry struct {
	obj     map[string]any
	expires time.Time
}

// objectCache is a TTL-bounded in-memory cache for fetched documents.
var objectCache sync.Map // url -> cacheEntry

// InvalidateObjectCache removes a URL from the fetch cache.
func InvalidateObjectCache(rawURL string) {
	objectCache.Delete(rawURL)
}

// FetchObject fetches an ActivityPub document. Responses are cached for an
// hour. When the remote answers 401 or 403 to an unsigned GET (or the
// instance is configured to sign all fetches), the request is retried with
// an HTTP signature from the instance service actor.
func FetchObject(rawURL string, deps *Deps) (map[string]any, error) {
	if cached, ok := objectCache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		objectCache.Delete(rawURL)
	}

	signed := deps.Conf != nil && deps.Conf.Conf.SignFetches
	obj, status, err := doFetch(rawURL, signed, deps)
	if err != nil && !signed && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		obj, _, err = doFetch(rawURL, true, deps)
	}
	if err != nil {
		return nil, err
	}

	objectCache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(objectCacheTTL)})
	return obj, nil
}

func doFetch(rawURL string, signed bool, deps *Deps) (map[string]any, int, error) {
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", AcceptHeader)
	req.Header.Set("User-Agent", deps.Conf.Conf.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if signed {
		if err := signFetch(req, deps); err != nil {
			log.Printf("Fetch: could not sign GET %s: %v", rawURL, err)
		}
	}

	resp, err := deps.client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return nil, resp.StatusCode, ErrGone
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: HTTP %d", ErrFetchFailed, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: invalid JSON: %v", ErrFetchFailed, rawURL, err)
	}
	return obj, resp.StatusCode, nil
}

// signFetch signs a GET request with the instance service actor's key.
func signFetch(req *http.Request, deps *Deps) error {
	serviceActor, err := deps.Database.ReadActorByURI(InstanceActorURI(deps.Conf))
	if err != nil {
		return fmt.Errorf("instance actor unavailable: %w", err)
	}
	privateKey, err := util.ParsePrivateKey(serviceActor.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse instance actor key: %w", err)
	}
	return SignRequest(req, privateKey, serviceActor.URI+"#main-key")
}

// InstanceActorURI returns the URI of the instance service actor used for
// signed fetches.
func InstanceActorURI(conf *util.AppConfig) string {
	return conf.Conf.InstanceURL + "/actor"
}

// EnsureInstanceActor returns the instance service actor, creating it with
// a fresh keypair on first use.
func EnsureInstanceActor(deps *Deps) (*domain.Actor, error) {
	uri := InstanceActorURI(deps.Conf)
	actor, err := deps.Database.ReadActorByURI(uri)
	if err == nil {
		return actor, nil
	}

	pair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance actor keys: %w", err)
	}
	actor = &domain.Actor{
		Id:             uuid.New(),
		URI:            uri,
		Username:       util.Name,
		Domain:         util.HostOf(uri),
		ActorType:      "Application",
		DisplayName:    util.Name + " instance actor",
		InboxURI:       deps.Conf.Conf.InstanceURL + "/inbox",
		SharedInboxURI: deps.Conf.Conf.InstanceURL + "/inbox",
		OutboxURI:      uri + "/outbox",
		FollowersURI:   uri + "/followers",
		PublicKeyPem:   pair.PublicKey,
		PrivateKeyPem:  pair.PrivateKey,
		Local:          true,
		LastFetchedAt:  time.Now().UTC(),
	}
	if err := deps.Database.UpsertActor(actor); err != nil {
		return nil, fmt.Errorf("failed to create instance actor: %w", err)
	}
	return actor, nil
}

// GetOrFetchActor returns the actor for a URI, preferring the local store.
// A stored actor older than a day is refreshed in place; refresh failures
// fall back to the stale record.
func GetOrFetchActor(actorURI string, deps *Deps) (*domain.Actor, error) {
	stored, err := deps.Database.ReadActorByURI(actorURI)
	if err == nil && time.Since(stored.LastFetchedAt) < actorRefreshAge {
		return stored, nil
	}

	fetched, fetchErr := FetchActor(actorURI, deps)
	if fetchErr != nil {
		if stored != nil {
			log.Printf("Fetch: refresh of %s failed, using stored copy: %v", actorURI, fetchErr)
			return stored, nil
		}
		return nil, fetchErr
	}

	if err := deps.Database.UpsertActor(fetched); err != nil {
		return nil, fmt.Errorf("failed to store actor: %w", err)
	}
	if err := deps.Database.EnsureInstance(fetched.Domain); err != nil {
		log.Printf("Fetch: failed to record instance %s: %v", fetched.Domain, err)
	}
	return fetched, nil
}

// FetchActor fetches and parses a remote actor document. The document id
// must match the requested URI's origin.
func FetchActor(actorURI string, deps *Deps) (*domain.Actor, error) {
	obj, err := FetchObject(actorURI, deps)
	if err != nil {
		return nil, err
	}

	actor := mapToActor(obj)
	if actor.URI == "" || actor.InboxURI == "" || actor.PublicKeyPem == "" {
		return nil, invalidf("actor %s missing id, inbox or public key", actorURI)
	}
	if !sameOrigin(actor.URI, actorURI) {
		return nil, invalidf("actor document id %s does not match fetched origin %s", actor.URI, actorURI)
	}
	return actor, nil
}

// mapToActor extracts a domain actor from a generic actor document.
func mapToActor(m map[string]any) *domain.Actor {
	actor := &domain.Actor{
		URI:         getString(m, "id"),
		ActorType:   getString(m, "type"),
		Username:    getString(m, "preferredUsername"),
		DisplayName: getString(m, "name"),
		Summary:     getString(m, "summary"),
		InboxURI:    getString(m, "inbox"),
		OutboxURI:   getString(m, "outbox"),
		FollowersURI: getString(m, "followers"),
		Domain:      util.HostOf(getString(m, "id")),
		LastFetchedAt: time.Now().UTC(),
	}
	if manual, ok := m["manuallyApprovesFollowers"].(bool); ok {
		actor.ManuallyApprovesFollowers = manual
	}
	if pk, ok := m["publicKey"].(map[string]any); ok {
		actor.PublicKeyPem = getString(pk, "publicKeyPem")
	}
	if ep, ok := m["endpoints"].(map[string]any); ok {
		actor.SharedInboxURI = getString(ep, "sharedInbox")
	}
	if actor.Username == "" {
		actor.Username = actor.URI
	}
	return actor
}

// WebFingerResolve resolves a user@domain handle to an actor URI.
func WebFingerResolve(handle string, deps *Deps) (string, error) {
	parts := strings.SplitN(strings.TrimPrefix(handle, "@"), "@", 2)
	if len(parts) != 2 {
		return "", invalidf("handle %q: expected user@domain", handle)
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s",
		parts[1], url.QueryEscape(parts[0]+"@"+parts[1]))

	req, err := http.NewRequest("GET", wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", deps.Conf.Conf.UserAgent())

	resp, err := deps.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: webfinger %s: %v", ErrFetchFailed, handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: webfinger %s: HTTP %d", ErrFetchFailed, handle, resp.StatusCode)
	}

	var wf struct {
		Links []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFetchBody)).Decode(&wf); err != nil {
		return "", fmt.Errorf("%w: webfinger %s: invalid JSON: %v", ErrFetchFailed, handle, err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && (link.Type == ContentType ||
			link.Type == `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`) {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no ActivityPub link in webfinger response for %s", handle)
}

// CollectionResult is a bounded collection fetch outcome. Partial results
// carry the items gathered before the page or item limit was hit.
type CollectionResult struct {
	Items   []string
	Partial bool
}

// FetchCollection walks a remote OrderedCollection, following first/next
// pages up to the configured page and item limits. Item entries resolve to
// their id when embedded.
func FetchCollection(collectionURI string, deps *Deps) (*CollectionResult, error) {
	maxItems := deps.Conf.Conf.MaxCollectionItems
	maxPages := deps.Conf.Conf.MaxCollectionPages

	result := &CollectionResult{}
	pageURI := collectionURI

	for page := 0; page < maxPages && pageURI != ""; page++ {
		obj, err := FetchObject(pageURI, deps)
		if err != nil {
			if len(result.Items) > 0 {
				result.Partial = true
				return result, nil
			}
			return nil, err
		}

		items := collectionItems(obj)
		for _, item := range items {
			if len(result.Items) >= maxItems {
				result.Partial = true
				return result, nil
			}
			result.Items = append(result.Items, item)
		}

		// A collection without inline items points at its first page.
		if len(items) == 0 && page == 0 {
			if first := anyToURI(obj["first"]); first != "" && first != pageURI {
				pageURI = first
				continue
			}
		}
		next := anyToURI(obj["next"])
		if next == "" || next == pageURI {
			return result, nil
		}
		pageURI = next
	}

	if pageURI != "" {
		result.Partial = true
	}
	return result, nil
}

func collectionItems(obj map[string]any) []string {
	var raw any
	if items, ok := obj["orderedItems"]; ok {
		raw = items
	} else if items, ok := obj["items"]; ok {
		raw = items
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if uri := anyToURI(item); uri != "" {
			out = append(out, uri)
		}
	}
	return out
}

func getString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
