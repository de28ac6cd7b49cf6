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

// deliveryUniqueWindow deduplicates delivery jobs per delivery row.
const deliveryUniqueWindow = 300 * time.Second

// deliveryNudge wakes the dispatcher when new pending work lands. Buffered
// so publishers never block on it.
var deliveryNudge = make(chan struct{}, 1)

// NudgeDeliveries signals the dispatcher that pending deliveries exist.
func NudgeDeliveries() {
	select {
	case deliveryNudge <- struct{}{}:
	default:
	}
}

// DeliveryNudges exposes the nudge channel so the delivery pool can wake
// on newly published work.
func DeliveryNudges() <-chan struct{} {
	return deliveryNudge
}

// ActivityPriority maps an activity type to its queue priority. Content
// changes go first, relationship changes second, reactions last. Announce
// and Undo take the priority of what they wrap, so undoing a reaction is
// as sheddable as the reaction itself.
func ActivityPriority(activityType, objectType string) int {
	if activityType == "Announce" {
		if objectType == "" || noteObjectTypes[objectType] {
			return 0
		}
		return ActivityPriority(objectType, "")
	}
	if activityType == "Undo" && objectType != "" {
		return ActivityPriority(objectType, "")
	}
	switch activityType {
	case "Create", "Update", "Delete":
		return 0
	case "Follow", "Accept", "Reject", "Undo", "Block":
		return 1
	case "Like", "Dislike", "EmojiReact":
		return 2
	default:
		return 2
	}
}

// PersistOutgoing stores a locally built activity. An already stored
// activity URI is reused rather than duplicated.
func PersistOutgoing(activity *Activity, rawJSON []byte, account *domain.Account, database Database) (uuid.UUID, error) {
	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.ActorURI(),
		ObjectURI:    activity.ObjectURI(),
		RawJSON:      string(rawJSON),
		Local:        true,
		Processed:    true,
		CreatedAt:    time.Now().UTC(),
	}
	if account != nil {
		record.AccountId = &account.Id
	}

	inserted, err := database.CreateActivity(record)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to store outgoing activity: %w", err)
	}
	if !inserted {
		existing, err := database.ReadActivityByURI(activity.ID)
		if err != nil {
			return uuid.Nil, err
		}
		return existing.Id, nil
	}
	return record.Id, nil
}

// CompactInboxes deduplicates a recipient inbox list and collapses hosts
// with two or more recipients onto one shared inbox, preferring an inbox
// advertised by any cached actor of that host.
func CompactInboxes(inboxURIs []string, deps *Deps) []string {
	seen := make(map[string]bool, len(inboxURIs))
	byHost := make(map[string][]string)
	var hostOrder []string
	for _, inbox := range inboxURIs {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		host := util.HostOf(inbox)
		if host == "" {
			continue
		}
		if _, ok := byHost[host]; !ok {
			hostOrder = append(hostOrder, host)
		}
		byHost[host] = append(byHost[host], inbox)
	}

	var compacted []string
	for _, host := range hostOrder {
		inboxes := byHost[host]
		if len(inboxes) < 2 {
			compacted = append(compacted, inboxes...)
			continue
		}
		shared, err := deps.Database.ReadSharedInboxForDomain(host)
		if err != nil || shared == "" {
			shared = "https://" + host + "/inbox"
		}
		compacted = append(compacted, shared)
	}
	return compacted
}

// Publish creates delivery rows for an activity and enqueues a dispatcher
// job per row, then nudges the dispatcher.
func Publish(activityId uuid.UUID, priority int, inboxURIs []string, deps *Deps) error {
	compacted := CompactInboxes(inboxURIs, deps)
	if len(compacted) == 0 {
		return nil
	}

	deliveries, err := deps.Database.CreateDeliveries(activityId, compacted)
	if err != nil {
		return fmt.Errorf("failed to create deliveries: %w", err)
	}

	for _, d := range deliveries {
		args, _ := json.Marshal(map[string]string{"delivery_id": d.Id.String()})
		job := &domain.Job{
			Queue:       domain.QueueDelivery,
			Priority:    priority,
			Args:        string(args),
			UniqueKey:   "delivery:" + d.Id.String(),
			MaxAttempts: deps.Conf.Conf.MaxDeliveryAttempts,
		}
		if _, err := deps.Database.InsertJob(job, deliveryUniqueWindow); err != nil {
			log.Printf("Outbox: failed to enqueue delivery %s: %v", d.Id, err)
		}
	}

	NudgeDeliveries()
	log.Printf("Outbox: queued %d deliveries for activity %s", len(deliveries), activityId)
	return nil
}

// SendAccept answers an incoming Follow.
func SendAccept(account *domain.Account, localActor *domain.Actor, follower *domain.Actor, followURI string, deps *Deps) error {
	accept := BuildAccept(localActor, followURI, follower.URI, deps.Conf)
	return ProcessOutgoing(accept, account, []string{follower.InboxURI}, deps)
}

// SendReject declines an incoming Follow.
func SendReject(account *domain.Account, localActor *domain.Actor, follower *domain.Actor, followURI string, deps *Deps) error {
	reject := BuildReject(localActor, followURI, follower.URI, deps.Conf)
	return ProcessOutgoing(reject, account, []string{follower.InboxURI}, deps)
}

// SendFollow follows a remote actor on behalf of a local account. The
// follow row starts unaccepted until the remote side answers.
func SendFollow(account *domain.Account, remoteActorURI string, deps *Deps) error {
	localActor, err := EnsureLocalActor(account, deps)
	if err != nil {
		return err
	}
	if remoteActorURI == localActor.URI {
		return invalidf("cannot follow yourself")
	}

	remote, err := GetOrFetchActor(remoteActorURI, deps)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", remoteActorURI, err)
	}

	if existing, err := deps.Database.ReadFollowByPair(account.Id, remote.Id); err == nil && existing != nil {
		return fmt.Errorf("already following %s@%s", remote.Username, remote.Domain)
	} else if err != nil && err != db.ErrNotFound {
		return err
	}

	follow := BuildFollow(localActor, remoteActorURI, deps.Conf)
	record := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       account.Id,
		TargetAccountId: remote.Id,
		URI:             getString(follow, "id"),
		Accepted:        false,
		CreatedAt:       time.Now().UTC(),
	}
	if err := deps.Database.CreateFollow(record); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	return ProcessOutgoing(follow, account, []string{remote.InboxURI}, deps)
}

// SendUnfollow undoes a previously sent Follow and removes the local row.
func SendUnfollow(account *domain.Account, remoteActorURI string, deps *Deps) error {
	localActor, err := EnsureLocalActor(account, deps)
	if err != nil {
		return err
	}
	remote, err := GetOrFetchActor(remoteActorURI, deps)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", remoteActorURI, err)
	}
	follow, err := deps.Database.ReadFollowByPair(account.Id, remote.Id)
	if err != nil {
		return fmt.Errorf("not following %s: %w", remoteActorURI, err)
	}

	inner := map[string]any{
		"id":     follow.URI,
		"type":   "Follow",
		"actor":  localActor.URI,
		"object": remote.URI,
	}
	undo := BuildUndo(localActor, inner, deps.Conf)

	if err := deps.Database.DeleteFollowByURI(follow.URI); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	return ProcessOutgoing(undo, account, []string{remote.InboxURI}, deps)
}

// FederateNote publishes a local note as a Create to all follower inboxes
// and fans it out to active relays when public.
func FederateNote(note *domain.Note, account *domain.Account, deps *Deps) error {
	localActor, err := EnsureLocalActor(account, deps)
	if err != nil {
		return err
	}
	if err := ensureNoteURI(note, deps); err != nil {
		return err
	}
	obj := BuildNoteObject(note, localActor, deps)
	return federateObject(note, obj, localActor, account, deps)
}

// FederateQuestion publishes a local poll as a Create wrapping a Question.
func FederateQuestion(note *domain.Note, poll *domain.Poll, account *domain.Account, deps *Deps) error {
	localActor, err := EnsureLocalActor(account, deps)
	if err != nil {
		return err
	}
	if err := ensureNoteURI(note, deps); err != nil {
		return err
	}
	obj := BuildQuestionObject(note, poll, localActor, deps)
	return federateObject(note, obj, localActor, account, deps)
}

// ensureNoteURI assigns the canonical object id to a note that has never
// federated.
func ensureNoteURI(note *domain.Note, deps *Deps) error {
	if note.URI != "" {
		return nil
	}
	note.URI = LocalNoteURI(deps.Conf, note.Id)
	if err := deps.Database.SetNoteURI(note.Id, note.URI); err != nil {
		return fmt.Errorf("failed to assign note URI: %w", err)
	}
	return nil
}

func federateObject(note *domain.Note, obj map[string]any, localActor *domain.Actor, account *domain.Account, deps *Deps) error {
	create := BuildCreate(obj, localActor)

	inboxes, err := deps.Database.ReadFollowerInboxes(account.Id)
	if err != nil {
		return fmt.Errorf("failed to load follower inboxes: %w", err)
	}
	inboxes = append(inboxes, mentionInboxes(obj, deps)...)

	if err := ProcessOutgoing(create, account, inboxes, deps); err != nil {
		return err
	}

	if note.Visibility == domain.VisibilityPublic {
		if err := RelayFanOut(create, deps); err != nil {
			log.Printf("Outbox: relay fan-out failed: %v", err)
		}
		if deps.Broadcast != nil {
			deps.Broadcast(note)
		}
	}
	return nil
}

// SendNoteUpdate federates an edit of a local note to followers.
func SendNoteUpdate(note *domain.Note, account *domain.Account, deps *Deps) error {
	localActor, err := EnsureLocalActor(account, deps)
	if err != nil {
		return err
	}
	obj := BuildNoteObject(note, localActor, deps)
	update := BuildUpdate(obj, localActor, deps.Conf)

	inboxes, err := deps.Database.ReadFollowerInboxes(account.Id)
	if err != nil {
		return fmt.Errorf("failed to load follower inboxes: %w", err)
	}
	return ProcessOutgoing(update, account, inboxes, deps)
}

// SendNoteDelete federates the deletion of a local note as a Tombstone.
func SendNoteDelete(noteURI string, account *domain.Account, deps *Deps) error {
	localActor, err := EnsureLocalActor(account, deps)
	if err != nil {
		return err
	}
	deleteDoc := BuildDelete(noteURI, localActor, deps.Conf)

	inboxes, err := deps.Database.ReadFollowerInboxes(account.Id)
	if err != nil {
		return fmt.Errorf("failed to load follower inboxes: %w", err)
	}
	return ProcessOutgoing(deleteDoc, account, inboxes, deps)
}

// mentionInboxes resolves mention tags of an outgoing object to recipient
// inboxes.
func mentionInboxes(obj map[string]any, deps *Deps) []string {
	tags, ok := obj["tag"].([]any)
	if !ok {
		return nil
	}
	var inboxes []string
	for _, t := range tags {
		tag, ok := t.(map[string]any)
		if !ok || getString(tag, "type") != "Mention" {
			continue
		}
		actor, err := GetOrFetchActor(getString(tag, "href"), deps)
		if err != nil {
			continue
		}
		inboxes = append(inboxes, actor.InboxURI)
	}
	return inboxes
}
