package activitypub

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
)

// keyRefetchThrottle is the minimum spacing between refetches of the same
// keyId, so a burst of bad signatures can't turn into a fetch storm.
const keyRefetchThrottle = 300 * time.Second

var keyFetchTimes sync.Map // keyId -> time.Time of last refetch

// ResolveKey returns the public key for a keyId, consulting the key store
// first and fetching the owner's actor document on a miss.
func ResolveKey(keyId string, deps *Deps) (*domain.SigningKey, error) {
	key, err := deps.Database.ReadSigningKey(keyId)
	if err == nil {
		return key, nil
	}
	if err != db.ErrNotFound {
		return nil, err
	}
	return fetchKey(keyId, deps)
}

// RefreshKey refetches a key, typically after a verification failure that
// suggests the owner rotated it. Refetches of the same keyId inside the
// throttle window return the stored key unchanged.
func RefreshKey(keyId string, deps *Deps) (*domain.SigningKey, error) {
	if last, ok := keyFetchTimes.Load(keyId); ok {
		if time.Since(last.(time.Time)) < keyRefetchThrottle {
			return deps.Database.ReadSigningKey(keyId)
		}
	}
	InvalidateObjectCache(KeyIdToActorURI(keyId))
	return fetchKey(keyId, deps)
}

func fetchKey(keyId string, deps *Deps) (*domain.SigningKey, error) {
	keyFetchTimes.Store(keyId, time.Now())

	ownerURI := KeyIdToActorURI(keyId)
	actor, err := GetOrFetchActor(ownerURI, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key owner %s: %w", ownerURI, err)
	}
	if actor.PublicKeyPem == "" {
		return nil, invalidf("actor %s has no public key", ownerURI)
	}

	key := &domain.SigningKey{
		KeyId:        keyId,
		OwnerURI:     actor.URI,
		PublicKeyPem: actor.PublicKeyPem,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := deps.Database.UpsertSigningKey(key); err != nil {
		return nil, fmt.Errorf("failed to store key %s: %w", keyId, err)
	}
	return key, nil
}

// VerifyInboundRequest authenticates an incoming inbox POST. It resolves
// the signature's keyId to a public key and verifies the signature; on
// failure it refreshes the key once (the owner may have rotated it) and
// retries. Returns the verified actor URI.
//
// The request body must already be read; it is passed separately and
// restored on the request for each verification attempt.
func VerifyInboundRequest(r *http.Request, body []byte, deps *Deps) (string, error) {
	keyId, err := KeyId(r)
	if err != nil {
		return "", err
	}

	key, err := ResolveKey(keyId, deps)
	if err != nil {
		return "", err
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	actorURI, verifyErr := VerifyRequest(r, key.PublicKeyPem)
	if verifyErr == nil {
		return actorURI, nil
	}

	refreshed, err := RefreshKey(keyId, deps)
	if err != nil || refreshed == nil {
		return "", verifyErr
	}
	if refreshed.PublicKeyPem == key.PublicKeyPem {
		return "", verifyErr
	}

	log.Printf("Inbox: key %s changed, reverifying", keyId)
	r.Body = io.NopCloser(bytes.NewReader(body))
	return VerifyRequest(r, refreshed.PublicKeyPem)
}
