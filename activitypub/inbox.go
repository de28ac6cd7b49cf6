package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

// Pipeline outcome tags.
const (
	OutcomeProcessed       = "processed"
	OutcomeAlreadyReceived = "already_received"
	OutcomeAcknowledged    = "acknowledged"
	OutcomeRejected        = "rejected"
)

// Outcome is the result of running an activity through the pipeline.
// Rejected outcomes carry the policy reason; they are not errors.
type Outcome struct {
	Tag    string
	Reason string
}

// errDuplicate aborts the pipeline transaction when the activity row
// already exists. Mapped to OutcomeAlreadyReceived, never surfaced.
var errDuplicate = errors.New("duplicate activity")

// pipelineContext carries per-activity state through handler dispatch.
type pipelineContext struct {
	activity *Activity
	raw      map[string]any
	rawJSON  []byte
	actorURI string

	// targetUsername is set when the activity arrived on a per-user inbox.
	targetUsername string

	deps *Deps // Database field routes through the open transaction

	outcome       string
	notifications []*domain.Notification

	// after runs post-commit against the non-transactional deps.
	after []func(deps *Deps)
}

func (p *pipelineContext) notify(n *domain.Notification) {
	n.Id = uuid.New()
	n.CreatedAt = time.Now().UTC()
	p.notifications = append(p.notifications, n)
}

// ProcessIncoming runs a verified incoming activity through validation, the
// policy chain and the typed handler, all in one transaction. Side effects
// (notification fan-out, reply deliveries) run after commit and are
// best-effort.
//
// actorURI is the signature-verified actor. targetUsername is the local user
// whose inbox received the activity, or "" for the shared inbox.
func ProcessIncoming(rawJSON []byte, actorURI, targetUsername string, deps *Deps) (*Outcome, error) {
	activity, raw, err := DecodeActivity(rawJSON)
	if err != nil {
		return nil, err
	}
	if err := ValidateActivity(raw); err != nil {
		return nil, err
	}
	if err := ValidateActorDomain(raw, actorURI); err != nil {
		return nil, err
	}

	pctx := &pipelineContext{
		activity:       activity,
		raw:            raw,
		rawJSON:        rawJSON,
		actorURI:       activity.ActorURI(),
		targetUsername: targetUsername,
		outcome:        OutcomeProcessed,
	}

	txErr := deps.Database.WithTransaction(func(tx Database) error {
		pctx.deps = &Deps{
			Conf:       deps.Conf,
			Database:   tx,
			HTTPClient: deps.HTTPClient,
			MRF:        deps.MRF,
		}

		filtered, err := deps.MRF.Filter(pctx.raw, pctx.deps)
		if err != nil {
			return err
		}
		pctx.raw = filtered
		// Re-decode so handler-visible fields reflect MRF rewrites.
		rewritten, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("failed to re-encode activity: %w", err)
		}
		pctx.rawJSON = rewritten
		if pctx.activity, _, err = DecodeActivity(rewritten); err != nil {
			return err
		}

		record := &domain.Activity{
			Id:           uuid.New(),
			ActivityURI:  pctx.activity.ID,
			ActivityType: pctx.activity.Type,
			ActorURI:     pctx.actorURI,
			ObjectURI:    pctx.activity.ObjectURI(),
			RawJSON:      string(pctx.rawJSON),
			Local:        false,
			CreatedAt:    time.Now().UTC(),
		}
		if record.ActivityURI != "" {
			inserted, err := tx.CreateActivity(record)
			if err != nil {
				return fmt.Errorf("failed to store activity: %w", err)
			}
			if !inserted {
				return errDuplicate
			}
		}

		if err := dispatchActivity(pctx); err != nil {
			return err
		}

		for _, n := range pctx.notifications {
			if err := tx.CreateNotification(n); err != nil {
				return fmt.Errorf("failed to store notification: %w", err)
			}
		}
		if record.ActivityURI != "" {
			if err := tx.MarkActivityProcessed(record.Id); err != nil {
				return fmt.Errorf("failed to mark activity processed: %w", err)
			}
		}
		return nil
	})

	switch {
	case txErr == nil:
	case errors.Is(txErr, errDuplicate):
		return &Outcome{Tag: OutcomeAlreadyReceived}, nil
	case IsReject(txErr):
		var reject *RejectError
		errors.As(txErr, &reject)
		log.Printf("Inbox: rejected %s from %s: %s", activity.Type, actorURI, reject.Reason)
		return &Outcome{Tag: OutcomeRejected, Reason: reject.Reason}, nil
	default:
		return nil, txErr
	}

	runSideEffects(pctx, deps)
	return &Outcome{Tag: pctx.outcome}, nil
}

// runSideEffects fires post-commit work. Failures are logged and swallowed;
// committed state is never undone by a side effect.
func runSideEffects(pctx *pipelineContext, deps *Deps) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Inbox: side effect panicked: %v", r)
		}
	}()
	if deps.Notify != nil {
		for _, n := range pctx.notifications {
			deps.Notify(n)
		}
	}
	for _, fn := range pctx.after {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Inbox: side effect panicked: %v", r)
				}
			}()
			fn(deps)
		}()
	}
}

// ProcessOutgoing validates a locally built activity, runs it through the
// policy chain, persists it as a local activity row and hands it to the
// publisher. Publisher enqueue errors are logged, not fatal.
func ProcessOutgoing(doc map[string]any, account *domain.Account, inboxURIs []string, deps *Deps) error {
	if err := ValidateActivity(doc); err != nil {
		return err
	}

	return deps.Database.WithTransaction(func(tx Database) error {
		txDeps := &Deps{Conf: deps.Conf, Database: tx, HTTPClient: deps.HTTPClient, MRF: deps.MRF}

		filtered, err := deps.MRF.Filter(doc, txDeps)
		if err != nil {
			return err
		}
		rawJSON, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("failed to encode activity: %w", err)
		}
		activity, _, err := DecodeActivity(rawJSON)
		if err != nil {
			return err
		}

		activityId, err := PersistOutgoing(activity, rawJSON, account, tx)
		if err != nil {
			return err
		}
		priority := ActivityPriority(activity.Type, activity.ObjectType())
		if err := Publish(activityId, priority, inboxURIs, txDeps); err != nil {
			log.Printf("Outbox: failed to queue federation of %s: %v", activity.ID, err)
		}
		return nil
	})
}

// dispatchActivity routes to the typed handler. Handlers are idempotent;
// replays must not double-count.
func dispatchActivity(pctx *pipelineContext) error {
	switch pctx.activity.Type {
	case "Create":
		return handleCreate(pctx)
	case "Follow":
		return handleFollow(pctx)
	case "Accept":
		return handleAccept(pctx)
	case "Reject":
		return handleReject(pctx)
	case "Like":
		return handleInteraction(pctx, domain.InteractionLike)
	case "Dislike":
		return handleInteraction(pctx, domain.InteractionDislike)
	case "EmojiReact":
		return handleInteraction(pctx, domain.InteractionEmojiReact)
	case "Announce":
		return handleAnnounce(pctx)
	case "Delete":
		return handleDelete(pctx)
	case "Update":
		return handleUpdate(pctx)
	case "Block":
		return handleBlock(pctx)
	case "Flag":
		return handleFlag(pctx)
	case "Undo":
		return handleUndo(pctx)
	default:
		log.Printf("Inbox: unsupported activity type %s from %s", pctx.activity.Type, pctx.actorURI)
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
}

// handleCreate stores an incoming post. Non-content objects are
// acknowledged without storage.
func handleCreate(pctx *pipelineContext) error {
	var obj NoteObject
	if err := json.Unmarshal(pctx.activity.Object, &obj); err != nil {
		return invalidf("unparseable Create object: %v", err)
	}
	if !noteObjectTypes[obj.Type] {
		log.Printf("Inbox: ignoring Create of %s from %s", obj.Type, pctx.actorURI)
		pctx.outcome = OutcomeAcknowledged
		return nil
	}

	note, created, err := storeRemotePost(&obj, pctx.actorURI, pctx.deps)
	if err != nil {
		return err
	}
	if !created {
		pctx.outcome = OutcomeAlreadyReceived
		return nil
	}

	if repliesURI := obj.RepliesURI(); repliesURI != "" {
		scheduleRepliesFetch(repliesURI, note.URI, pctx.deps)
	}

	if note.Visibility == domain.VisibilityPublic {
		pctx.after = append(pctx.after, func(deps *Deps) {
			if deps.Broadcast != nil {
				deps.Broadcast(note)
			}
		})
	}

	// Reply and mention notifications for local users.
	if note.InReplyToURI != "" {
		if parent, err := pctx.deps.Database.ReadNoteByURI(note.InReplyToURI); err == nil && parent.AccountId != nil {
			pctx.notify(&domain.Notification{
				AccountId:        *parent.AccountId,
				NotificationType: "reply",
				ActorURI:         pctx.actorURI,
				NoteId:           &note.Id,
				NoteURI:          note.URI,
				NotePreview:      notePreview(note.Content),
			})
		}
	}
	for _, tag := range obj.Tag {
		if tag.Type != "Mention" {
			continue
		}
		mentioned, err := pctx.deps.Database.ReadActorByURI(tag.Href)
		if err != nil || !mentioned.Local || mentioned.AccountId == nil {
			continue
		}
		pctx.notify(&domain.Notification{
			AccountId:        *mentioned.AccountId,
			NotificationType: "mention",
			ActorURI:         pctx.actorURI,
			NoteId:           &note.Id,
			NoteURI:          note.URI,
			NotePreview:      notePreview(note.Content),
		})
	}
	return nil
}

// StoreRemotePost ingests a raw remote object outside the normal inbox flow
// (for example while backfilling a reply chain). Returns the stored note and
// whether it was newly created.
func StoreRemotePost(objMap map[string]any, deps *Deps) (*domain.Note, bool, error) {
	rawJSON, err := json.Marshal(objMap)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode object: %w", err)
	}
	var obj NoteObject
	if err := json.Unmarshal(rawJSON, &obj); err != nil {
		return nil, false, invalidf("unparseable object: %v", err)
	}
	if !noteObjectTypes[obj.Type] {
		return nil, false, invalidf("object type %s is not storable", obj.Type)
	}
	return storeRemotePost(&obj, obj.AttributedToURI(), deps)
}

func storeRemotePost(obj *NoteObject, actorURI string, deps *Deps) (*domain.Note, bool, error) {
	if obj.ID == "" {
		return nil, false, invalidf("object missing id")
	}

	if existing, err := deps.Database.ReadNoteByURI(obj.ID); err == nil {
		return existing, false, nil
	}

	authorURI := obj.AttributedToURI()
	if authorURI == "" {
		authorURI = actorURI
	}
	author, err := GetOrFetchActor(authorURI, deps)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve author %s: %w", authorURI, err)
	}

	note := &domain.Note{
		Id:             uuid.New(),
		RemoteActorId:  &author.Id,
		URI:            obj.ID,
		Content:        util.StripHTML(obj.Content),
		Name:           obj.Name,
		ContentWarning: obj.Summary,
		Visibility:     deriveVisibility(obj, author),
		InReplyToURI:   obj.InReplyToURI(),
		CommunityURI:   obj.AudienceURI(),
		Sensitive:      obj.Sensitive,
		CreatedAt:      parsePublished(obj.Published),
	}
	if err := deps.Database.CreateNote(note); err != nil {
		return nil, false, fmt.Errorf("failed to store note: %w", err)
	}

	if note.InReplyToURI != "" {
		if err := deps.Database.IncrementReplyCountByURI(note.InReplyToURI); err != nil {
			log.Printf("Inbox: failed to bump reply count for %s: %v", note.InReplyToURI, err)
		}
	}

	for _, att := range obj.Attachment {
		if att.URL == "" {
			continue
		}
		mediaType := att.MediaType
		if mediaType == "" {
			mediaType = util.GuessMediaType(att.URL)
		}
		record := &domain.NoteAttachment{
			Id:        uuid.New(),
			NoteId:    note.Id,
			URL:       att.URL,
			MediaType: mediaType,
			Name:      att.Name,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Database.CreateNoteAttachment(record); err != nil {
			log.Printf("Inbox: failed to store attachment for %s: %v", note.URI, err)
		}
	}

	for _, tag := range obj.Tag {
		if tag.Type != "Mention" || tag.Href == "" {
			continue
		}
		username, domainName := splitHandleTag(tag.Name)
		mention := &domain.NoteMention{
			Id:                uuid.New(),
			NoteId:            note.Id,
			MentionedActorURI: tag.Href,
			MentionedUsername: username,
			MentionedDomain:   domainName,
			CreatedAt:         time.Now().UTC(),
		}
		if err := deps.Database.CreateNoteMention(mention); err != nil {
			log.Printf("Inbox: failed to store mention %s: %v", tag.Name, err)
		}
	}

	return note, true, nil
}

// deriveVisibility maps AS2 addressing to a visibility level: Public in to
// is public, Public in cc is unlisted, the author's followers collection in
// to is followers, anything else is direct.
func deriveVisibility(obj *NoteObject, author *domain.Actor) string {
	for _, uri := range obj.To {
		if uri == PublicAudience {
			return domain.VisibilityPublic
		}
	}
	for _, uri := range obj.Cc {
		if uri == PublicAudience {
			return domain.VisibilityUnlisted
		}
	}
	if author.FollowersURI != "" {
		for _, uri := range obj.To {
			if uri == author.FollowersURI {
				return domain.VisibilityFollowers
			}
		}
	}
	return domain.VisibilityDirect
}

// handleFollow records an incoming follow of a local account and, unless
// the account requires manual approval, answers with an Accept.
func handleFollow(pctx *pipelineContext) error {
	targetURI := pctx.activity.ObjectURI()
	account, localActor, err := resolveLocalAccount(targetURI, pctx.targetUsername, pctx.deps)
	if err != nil {
		return err
	}

	follower, err := GetOrFetchActor(pctx.actorURI, pctx.deps)
	if err != nil {
		return fmt.Errorf("failed to resolve follower %s: %w", pctx.actorURI, err)
	}

	autoAccept := !account.ManuallyApprovesFollowers
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower.Id,
		TargetAccountId: account.Id,
		URI:             pctx.activity.ID,
		Accepted:        autoAccept,
		CreatedAt:       time.Now().UTC(),
	}
	if err := pctx.deps.Database.CreateFollow(follow); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}

	pctx.notify(&domain.Notification{
		AccountId:        account.Id,
		NotificationType: "follow",
		ActorURI:         follower.URI,
		ActorUsername:    follower.Username,
		ActorDomain:      follower.Domain,
	})

	if autoAccept {
		followURI := pctx.activity.ID
		pctx.after = append(pctx.after, func(deps *Deps) {
			if err := SendAccept(account, localActor, follower, followURI, deps); err != nil {
				log.Printf("Inbox: failed to send Accept for %s: %v", followURI, err)
			}
		})
	}

	log.Printf("Inbox: follow from %s@%s to %s (auto accept %v)",
		follower.Username, follower.Domain, account.Username, autoAccept)
	return nil
}

// handleAccept resolves an Accept against a pending outgoing Follow, or
// hands it to the relay subsystem.
func handleAccept(pctx *pipelineContext) error {
	followURI := pctx.activity.ObjectURI()
	if followURI == "" {
		return invalidf("Accept without resolvable object")
	}

	if _, err := pctx.deps.Database.ReadFollowByURI(followURI); err == nil {
		if err := pctx.deps.Database.AcceptFollowByURI(followURI); err != nil {
			return fmt.Errorf("failed to accept follow %s: %w", followURI, err)
		}
		log.Printf("Inbox: follow %s accepted by %s", followURI, pctx.actorURI)
		return nil
	}

	if handled, err := HandleRelayAccept(followURI, pctx.actorURI, pctx.deps); err != nil {
		return err
	} else if handled {
		return nil
	}

	log.Printf("Inbox: Accept for unknown follow %s from %s", followURI, pctx.actorURI)
	pctx.outcome = OutcomeAcknowledged
	return nil
}

// handleReject removes the pending follow the remote side declined.
func handleReject(pctx *pipelineContext) error {
	followURI := pctx.activity.ObjectURI()
	if followURI == "" {
		return invalidf("Reject without resolvable object")
	}

	if handled, err := HandleRelayReject(followURI, pctx.actorURI, pctx.deps); err != nil {
		return err
	} else if handled {
		return nil
	}

	if err := pctx.deps.Database.DeleteFollowByURI(followURI); err != nil {
		log.Printf("Inbox: Reject for unknown follow %s: %v", followURI, err)
	}
	pctx.outcome = OutcomeAcknowledged
	return nil
}

// handleInteraction records a Like, Dislike or EmojiReact on a local note
// and bumps the matching count. Unknown notes are a terminal miss.
func handleInteraction(pctx *pipelineContext, kind string) error {
	objectURI := pctx.activity.ObjectURI()
	note, err := pctx.deps.Database.ReadNoteByURI(objectURI)
	if err == db.ErrNotFound {
		return fmt.Errorf("%w: no note %s for %s", ErrNotFound, objectURI, kind)
	}
	if err != nil {
		return err
	}

	emoji := ""
	if kind == domain.InteractionEmojiReact {
		emoji = pctx.activity.Content
	}

	interaction := &domain.RemoteInteraction{
		Id:        uuid.New(),
		NoteId:    note.Id,
		ActorURI:  pctx.actorURI,
		Type:      kind,
		Emoji:     emoji,
		URI:       pctx.activity.ID,
		CreatedAt: time.Now().UTC(),
	}
	inserted, err := pctx.deps.Database.CreateRemoteInteraction(interaction)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", kind, err)
	}
	if !inserted {
		pctx.outcome = OutcomeAlreadyReceived
		return nil
	}

	if err := pctx.deps.Database.AdjustNoteCount(note.Id, kind, 1); err != nil {
		return fmt.Errorf("failed to adjust %s count: %w", kind, err)
	}

	if note.AccountId != nil {
		pctx.notify(&domain.Notification{
			AccountId:        *note.AccountId,
			NotificationType: kind,
			ActorURI:         pctx.actorURI,
			NoteId:           &note.Id,
			NoteURI:          note.URI,
			NotePreview:      notePreview(note.Content),
		})
	}
	return nil
}

// handleAnnounce records a boost. Unknown but content-like objects are
// fetched and stored first so the boost lands on a real note.
func handleAnnounce(pctx *pipelineContext) error {
	objectURI := pctx.activity.ObjectURI()
	if objectURI == "" {
		return invalidf("Announce without resolvable object")
	}

	note, err := pctx.deps.Database.ReadNoteByURI(objectURI)
	if err == db.ErrNotFound {
		obj, fetchErr := FetchObject(objectURI, pctx.deps)
		if fetchErr != nil {
			return fmt.Errorf("%w: Announce object %s: %v", ErrNotFound, objectURI, fetchErr)
		}
		note, _, err = StoreRemotePost(obj, pctx.deps)
	}
	if err != nil {
		return err
	}

	interaction := &domain.RemoteInteraction{
		Id:        uuid.New(),
		NoteId:    note.Id,
		ActorURI:  pctx.actorURI,
		Type:      domain.InteractionAnnounce,
		URI:       pctx.activity.ID,
		CreatedAt: time.Now().UTC(),
	}
	inserted, err := pctx.deps.Database.CreateRemoteInteraction(interaction)
	if err != nil {
		return fmt.Errorf("failed to store boost: %w", err)
	}
	if !inserted {
		pctx.outcome = OutcomeAlreadyReceived
		return nil
	}
	if err := pctx.deps.Database.AdjustNoteCount(note.Id, domain.InteractionAnnounce, 1); err != nil {
		return fmt.Errorf("failed to adjust boost count: %w", err)
	}

	if note.AccountId != nil {
		pctx.notify(&domain.Notification{
			AccountId:        *note.AccountId,
			NotificationType: "boost",
			ActorURI:         pctx.actorURI,
			NoteId:           &note.Id,
			NoteURI:          note.URI,
			NotePreview:      notePreview(note.Content),
		})
	}
	return nil
}

// handleDelete tombstones a note or cascades an actor deletion. Ownership
// is checked against the verified actor.
func handleDelete(pctx *pipelineContext) error {
	objectURI := pctx.activity.ObjectURI()
	if objectURI == "" {
		return invalidf("Delete without resolvable object")
	}

	if objectURI == pctx.actorURI {
		return deleteActor(pctx, objectURI)
	}

	note, err := pctx.deps.Database.ReadNoteByURI(objectURI)
	if err == db.ErrNotFound {
		// The object never federated here; nothing to do.
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
	if err != nil {
		return err
	}

	if note.RemoteActorId == nil {
		return invalidf("remote Delete targets local note %s", objectURI)
	}
	owner, err := pctx.deps.Database.ReadActorById(*note.RemoteActorId)
	if err != nil {
		return fmt.Errorf("failed to load note owner: %w", err)
	}
	if owner.URI != pctx.actorURI {
		return invalidf("actor %s cannot delete note owned by %s", pctx.actorURI, owner.URI)
	}

	if err := pctx.deps.Database.TombstoneNoteByURI(objectURI); err != nil {
		return fmt.Errorf("failed to tombstone note: %w", err)
	}
	if note.InReplyToURI != "" {
		if err := pctx.deps.Database.DecrementReplyCountByURI(note.InReplyToURI); err != nil {
			log.Printf("Inbox: failed to drop reply count for %s: %v", note.InReplyToURI, err)
		}
	}
	log.Printf("Inbox: tombstoned %s", objectURI)
	return nil
}

func deleteActor(pctx *pipelineContext, actorURI string) error {
	actor, err := pctx.deps.Database.ReadActorByURI(actorURI)
	if err == db.ErrNotFound {
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
	if err != nil {
		return err
	}
	if actor.Local {
		return invalidf("remote Delete targets local actor %s", actorURI)
	}

	database := pctx.deps.Database
	if err := database.DeleteFollowsByActorId(actor.Id); err != nil {
		return fmt.Errorf("failed to delete follows of %s: %w", actorURI, err)
	}
	if err := database.DeleteActivitiesByActorURI(actorURI); err != nil {
		return fmt.Errorf("failed to delete activities of %s: %w", actorURI, err)
	}
	if err := database.DeleteSigningKeysByOwner(actorURI); err != nil {
		return fmt.Errorf("failed to delete keys of %s: %w", actorURI, err)
	}
	if err := database.DeleteActorByURI(actorURI); err != nil {
		return fmt.Errorf("failed to delete actor %s: %w", actorURI, err)
	}
	InvalidateObjectCache(actorURI)
	log.Printf("Inbox: actor %s deleted, cascaded", actorURI)
	return nil
}

// handleUpdate refreshes a cached actor or edits a stored note.
func handleUpdate(pctx *pipelineContext) error {
	objectType := pctx.activity.ObjectType()

	if actorTypes[objectType] {
		objectURI := pctx.activity.ObjectURI()
		if !sameOrigin(objectURI, pctx.actorURI) {
			return invalidf("actor %s cannot update actor %s", pctx.actorURI, objectURI)
		}
		InvalidateObjectCache(objectURI)
		actor, err := FetchActor(objectURI, pctx.deps)
		if err != nil {
			return fmt.Errorf("failed to refetch updated actor %s: %w", objectURI, err)
		}
		if err := pctx.deps.Database.UpsertActor(actor); err != nil {
			return fmt.Errorf("failed to store updated actor: %w", err)
		}
		log.Printf("Inbox: refreshed actor %s", objectURI)
		return nil
	}

	var obj NoteObject
	if err := json.Unmarshal(pctx.activity.Object, &obj); err != nil {
		return invalidf("unparseable Update object: %v", err)
	}
	if !noteObjectTypes[obj.Type] {
		log.Printf("Inbox: ignoring Update of %s from %s", obj.Type, pctx.actorURI)
		pctx.outcome = OutcomeAcknowledged
		return nil
	}

	note, err := pctx.deps.Database.ReadNoteByURI(obj.ID)
	if err == db.ErrNotFound {
		// Never saw the original; store the edited version as new.
		_, _, err := storeRemotePost(&obj, pctx.actorURI, pctx.deps)
		return err
	}
	if err != nil {
		return err
	}

	if note.RemoteActorId == nil {
		return invalidf("remote Update targets local note %s", obj.ID)
	}
	owner, err := pctx.deps.Database.ReadActorById(*note.RemoteActorId)
	if err != nil {
		return fmt.Errorf("failed to load note owner: %w", err)
	}
	if owner.URI != pctx.actorURI {
		return invalidf("actor %s cannot edit note owned by %s", pctx.actorURI, owner.URI)
	}

	editedAt := parsePublished(obj.Updated)
	if err := pctx.deps.Database.UpdateNoteContent(obj.ID,
		util.StripHTML(obj.Content), obj.Name, obj.Summary, obj.Sensitive, editedAt); err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	log.Printf("Inbox: edited %s", obj.ID)
	return nil
}

// handleBlock records a block of a local account by a remote actor.
func handleBlock(pctx *pipelineContext) error {
	targetURI := pctx.activity.ObjectURI()
	account, _, err := resolveLocalAccount(targetURI, "", pctx.deps)
	if err != nil {
		if IsInvalid(err) {
			// Block of a non-local target; nothing to record.
			pctx.outcome = OutcomeAcknowledged
			return nil
		}
		return err
	}

	block := &domain.UserBlock{
		Id:        uuid.New(),
		ActorURI:  pctx.actorURI,
		AccountId: account.Id,
		URI:       pctx.activity.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := pctx.deps.Database.CreateUserBlock(block); err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	log.Printf("Inbox: %s blocked %s", pctx.actorURI, account.Username)
	return nil
}

// handleFlag records a moderation report against local targets.
func handleFlag(pctx *pipelineContext) error {
	objectURIs := flagObjectURIs(pctx.raw)
	if len(objectURIs) == 0 {
		return invalidf("Flag without object URIs")
	}

	var accountIds []string
	for _, uri := range objectURIs {
		if account, _, err := resolveLocalAccount(uri, "", pctx.deps); err == nil {
			accountIds = append(accountIds, account.Id.String())
			continue
		}
		if note, err := pctx.deps.Database.ReadNoteByURI(uri); err == nil && note.AccountId != nil {
			accountIds = append(accountIds, note.AccountId.String())
		}
	}

	urisJSON, _ := json.Marshal(objectURIs)
	idsJSON, _ := json.Marshal(accountIds)
	report := &domain.Report{
		Id:          uuid.New(),
		ReporterURI: pctx.actorURI,
		Content:     pctx.activity.Content,
		ObjectURIs:  string(urisJSON),
		AccountIds:  string(idsJSON),
		CreatedAt:   time.Now().UTC(),
	}
	if err := pctx.deps.Database.CreateReport(report); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	log.Printf("Inbox: report from %s covering %d objects", pctx.actorURI, len(objectURIs))
	return nil
}

// handleUndo routes an Undo by the inner activity's type. Embedded objects
// dispatch directly; bare URIs are resolved locally first, then fetched.
// An unresolvable reference is acknowledged, since the referenced activity
// may simply be gone.
func handleUndo(pctx *pipelineContext) error {
	var inner struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object any    `json:"object"`
	}

	if err := json.Unmarshal(pctx.activity.Object, &inner); err != nil || inner.Type == "" {
		uri := pctx.activity.ObjectURI()
		if uri == "" {
			pctx.outcome = OutcomeAcknowledged
			return nil
		}
		resolved, ok := resolveUndoTarget(uri, pctx)
		if !ok {
			log.Printf("Inbox: Undo of unresolvable %s, acknowledging", uri)
			pctx.outcome = OutcomeAcknowledged
			return nil
		}
		inner = resolved
	}

	switch inner.Type {
	case "Follow":
		return undoFollow(pctx, inner.ID)
	case "Like":
		return undoInteraction(pctx, anyToURI(inner.Object), domain.InteractionLike)
	case "Dislike":
		return undoInteraction(pctx, anyToURI(inner.Object), domain.InteractionDislike)
	case "EmojiReact":
		return undoInteraction(pctx, anyToURI(inner.Object), domain.InteractionEmojiReact)
	case "Announce":
		return undoInteraction(pctx, anyToURI(inner.Object), domain.InteractionAnnounce)
	case "Block":
		if err := pctx.deps.Database.DeleteUserBlockByURI(inner.ID); err != nil {
			log.Printf("Inbox: Undo Block %s: %v", inner.ID, err)
		}
		return nil
	default:
		log.Printf("Inbox: Undo of unsupported type %s, acknowledging", inner.Type)
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
}

func resolveUndoTarget(uri string, pctx *pipelineContext) (struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Object any    `json:"object"`
}, bool) {
	var resolved struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object any    `json:"object"`
	}

	if stored, err := pctx.deps.Database.ReadActivityByURI(uri); err == nil {
		resolved.Type = stored.ActivityType
		resolved.ID = stored.ActivityURI
		resolved.Object = stored.ObjectURI
		return resolved, true
	}
	// Undoing a relay follow references our own outgoing Follow.
	if _, err := pctx.deps.Database.ReadFollowByURI(uri); err == nil {
		resolved.Type = "Follow"
		resolved.ID = uri
		return resolved, true
	}

	obj, err := FetchObject(uri, pctx.deps)
	if err != nil {
		return resolved, false
	}
	resolved.Type = getString(obj, "type")
	resolved.ID = getString(obj, "id")
	resolved.Object = obj["object"]
	return resolved, resolved.Type != ""
}

// undoFollow removes a follow after checking the undoing actor created it.
func undoFollow(pctx *pipelineContext, followURI string) error {
	follow, err := pctx.deps.Database.ReadFollowByURI(followURI)
	if err == db.ErrNotFound {
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
	if err != nil {
		return err
	}

	follower, err := pctx.deps.Database.ReadActorById(follow.AccountId)
	if err != nil {
		return fmt.Errorf("failed to load follow actor: %w", err)
	}
	if follower.URI != pctx.actorURI {
		return invalidf("actor %s cannot undo follow by %s", pctx.actorURI, follower.URI)
	}

	if err := pctx.deps.Database.DeleteFollowByURI(followURI); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	log.Printf("Inbox: removed follow %s", followURI)
	return nil
}

// undoInteraction removes a recorded interaction and decrements its count.
func undoInteraction(pctx *pipelineContext, noteURI, kind string) error {
	if noteURI == "" {
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
	note, err := pctx.deps.Database.ReadNoteByURI(noteURI)
	if err == db.ErrNotFound {
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
	if err != nil {
		return err
	}

	emoji := ""
	if kind == domain.InteractionEmojiReact {
		emoji = pctx.activity.Content
	}
	interaction, err := pctx.deps.Database.ReadInteractionByKey(note.Id, pctx.actorURI, kind, emoji)
	if err == db.ErrNotFound {
		pctx.outcome = OutcomeAcknowledged
		return nil
	}
	if err != nil {
		return err
	}

	if err := pctx.deps.Database.DeleteInteractionById(interaction.Id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	if err := pctx.deps.Database.AdjustNoteCount(note.Id, kind, -1); err != nil {
		return fmt.Errorf("failed to adjust %s count: %w", kind, err)
	}
	log.Printf("Inbox: removed %s by %s on %s", kind, pctx.actorURI, noteURI)
	return nil
}

// resolveLocalAccount maps an actor URI (or an inbox username fallback) to
// the local account it belongs to.
func resolveLocalAccount(actorURI, fallbackUsername string, deps *Deps) (*domain.Account, *domain.Actor, error) {
	if actorURI != "" {
		actor, err := deps.Database.ReadActorByURI(actorURI)
		if err == nil && actor.Local && actor.AccountId != nil {
			account, err := deps.Database.ReadAccountById(*actor.AccountId)
			if err != nil {
				return nil, nil, err
			}
			return account, actor, nil
		}
	}
	if fallbackUsername != "" {
		account, err := deps.Database.ReadAccountByUsername(fallbackUsername)
		if err != nil {
			return nil, nil, fmt.Errorf("local account %s: %w", fallbackUsername, err)
		}
		actor, err := deps.Database.ReadActorByAccountId(account.Id)
		if err != nil {
			return nil, nil, fmt.Errorf("actor for %s: %w", fallbackUsername, err)
		}
		return account, actor, nil
	}
	return nil, nil, invalidf("%s is not a local account", actorURI)
}

// flagObjectURIs collects every URI from a Flag's object field, which may be
// a single URI or a list mixing URIs and embedded objects.
func flagObjectURIs(raw map[string]any) []string {
	var uris []string
	switch obj := raw["object"].(type) {
	case string:
		if obj != "" {
			uris = append(uris, obj)
		}
	case map[string]any:
		if id := getString(obj, "id"); id != "" {
			uris = append(uris, id)
		}
	case []any:
		for _, item := range obj {
			if uri := anyToURI(item); uri != "" {
				uris = append(uris, uri)
			}
		}
	}
	return uris
}

// notePreview truncates notification previews to 200 bytes without cutting
// a UTF-8 sequence in half.
func notePreview(content string) string {
	preview := strings.TrimSpace(content)
	if len(preview) <= 200 {
		return preview
	}
	cut := 200
	for cut > 0 && !utf8.RuneStart(preview[cut]) {
		cut--
	}
	return preview[:cut]
}

func splitHandleTag(name string) (string, string) {
	parts := strings.SplitN(strings.TrimPrefix(name, "@"), "@", 2)
	if len(parts) != 2 {
		return strings.TrimPrefix(name, "@"), ""
	}
	return parts[0], parts[1]
}

func parsePublished(value string) time.Time {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
