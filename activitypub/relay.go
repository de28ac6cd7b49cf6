package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

// RelayActorURI returns the URI of the local relay service actor.
func RelayActorURI(conf *util.AppConfig) string {
	return conf.Conf.InstanceURL + "/relay"
}

// EnsureRelayActor returns the local relay actor, creating it with a fresh
// keypair on first use.
func EnsureRelayActor(deps *Deps) (*domain.Actor, error) {
	uri := RelayActorURI(deps.Conf)
	actor, err := deps.Database.ReadActorByURI(uri)
	if err == nil {
		return actor, nil
	}
	if err != db.ErrNotFound {
		return nil, err
	}

	pair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate relay keys: %w", err)
	}
	actor = &domain.Actor{
		Id:             uuid.New(),
		URI:            uri,
		Username:       "relay",
		Domain:         util.HostOf(uri),
		ActorType:      "Application",
		DisplayName:    util.Name + " relay",
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
		return nil, fmt.Errorf("failed to create relay actor: %w", err)
	}
	return actor, nil
}

// RelaySubscribe follows a relay. The subscription stays pending until the
// relay answers with an Accept.
func RelaySubscribe(relayURI string, deps *Deps) error {
	relayActor, err := EnsureRelayActor(deps)
	if err != nil {
		return err
	}

	remote, err := GetOrFetchActor(relayURI, deps)
	if err != nil {
		return fmt.Errorf("failed to fetch relay %s: %w", relayURI, err)
	}
	inbox := remote.SharedInboxURI
	if inbox == "" {
		inbox = remote.InboxURI
	}

	if existing, err := deps.Database.ReadRelaySubscriptionByURI(remote.URI); err == nil &&
		existing.Status != domain.RelayError && existing.Status != domain.RelayRejected {
		return fmt.Errorf("already subscribed to %s (%s)", remote.URI, existing.Status)
	}

	follow := BuildFollow(relayActor, remote.URI, deps.Conf)
	sub := &domain.RelaySubscription{
		Id:                uuid.New(),
		RelayURI:          remote.URI,
		RelayInboxURI:     inbox,
		FollowActivityURI: getString(follow, "id"),
		Status:            domain.RelayPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := deps.Database.UpsertRelaySubscription(sub); err != nil {
		return fmt.Errorf("failed to store relay subscription: %w", err)
	}

	log.Printf("Relay: subscribing to %s", remote.URI)
	return ProcessOutgoing(follow, nil, []string{inbox}, deps)
}

// RelayUnsubscribe undoes the relay follow and drops the subscription.
func RelayUnsubscribe(relayURI string, deps *Deps) error {
	sub, err := deps.Database.ReadRelaySubscriptionByURI(relayURI)
	if err != nil {
		return fmt.Errorf("not subscribed to %s: %w", relayURI, err)
	}
	relayActor, err := EnsureRelayActor(deps)
	if err != nil {
		return err
	}

	inner := map[string]any{
		"id":     sub.FollowActivityURI,
		"type":   "Follow",
		"actor":  relayActor.URI,
		"object": sub.RelayURI,
	}
	undo := BuildUndo(relayActor, inner, deps.Conf)

	if err := deps.Database.DeleteRelaySubscriptionByURI(relayURI); err != nil {
		return fmt.Errorf("failed to delete relay subscription: %w", err)
	}
	log.Printf("Relay: unsubscribed from %s", relayURI)
	return ProcessOutgoing(undo, nil, []string{sub.RelayInboxURI}, deps)
}

// RelayForceActivate flips a pending subscription to active without waiting
// for an Accept, for relays that never send one.
func RelayForceActivate(relayURI string, deps *Deps) error {
	sub, err := deps.Database.ReadRelaySubscriptionByURI(relayURI)
	if err != nil {
		return err
	}
	if sub.Status != domain.RelayPending {
		return fmt.Errorf("subscription to %s is %s, not pending", relayURI, sub.Status)
	}
	return deps.Database.UpdateRelayStatus(sub.Id, domain.RelayActive)
}

// HandleRelayAccept matches an incoming Accept against a pending relay
// subscription, by follow activity id first and by relay actor second.
// Returns whether a subscription was matched.
func HandleRelayAccept(followURI, actorURI string, deps *Deps) (bool, error) {
	sub := findRelaySubscription(followURI, actorURI, deps)
	if sub == nil {
		return false, nil
	}
	if err := deps.Database.UpdateRelayStatus(sub.Id, domain.RelayActive); err != nil {
		return true, fmt.Errorf("failed to activate relay %s: %w", sub.RelayURI, err)
	}
	log.Printf("Relay: subscription to %s active", sub.RelayURI)
	return true, nil
}

// HandleRelayReject marks a pending subscription rejected.
func HandleRelayReject(followURI, actorURI string, deps *Deps) (bool, error) {
	sub := findRelaySubscription(followURI, actorURI, deps)
	if sub == nil {
		return false, nil
	}
	if err := deps.Database.UpdateRelayStatus(sub.Id, domain.RelayRejected); err != nil {
		return true, fmt.Errorf("failed to mark relay %s rejected: %w", sub.RelayURI, err)
	}
	log.Printf("Relay: subscription to %s rejected", sub.RelayURI)
	return true, nil
}

func findRelaySubscription(followURI, actorURI string, deps *Deps) *domain.RelaySubscription {
	if followURI != "" {
		if sub, err := deps.Database.ReadRelaySubscriptionByFollowURI(followURI); err == nil {
			return sub
		}
	}
	for _, uri := range []string{followURI, actorURI} {
		if uri == "" {
			continue
		}
		if sub, err := deps.Database.ReadRelaySubscriptionByURI(uri); err == nil {
			return sub
		}
	}
	return nil
}

// RelayFanOut announces a public local Create to every active relay.
func RelayFanOut(create map[string]any, deps *Deps) error {
	subs, err := deps.Database.ReadActiveRelaySubscriptions()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	relayActor, err := EnsureRelayActor(deps)
	if err != nil {
		return err
	}

	objectURI := ""
	if obj, ok := create["object"].(map[string]any); ok {
		objectURI = getString(obj, "id")
	}
	if objectURI == "" {
		return nil
	}

	announce := BuildAnnounce(relayActor, objectURI, deps.Conf)
	rawJSON, err := json.Marshal(announce)
	if err != nil {
		return err
	}
	envelope, _, err := DecodeActivity(rawJSON)
	if err != nil {
		return err
	}

	activityId, err := PersistOutgoing(envelope, rawJSON, nil, deps.Database)
	if err != nil {
		return err
	}

	inboxes := make([]string, 0, len(subs))
	for _, sub := range subs {
		inboxes = append(inboxes, sub.RelayInboxURI)
	}
	return Publish(activityId, 0, inboxes, deps)
}
