package activitypub

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

// securityContext is the @context carried by every outgoing document.
var securityContext = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// communityInheritDepth bounds how far up a reply chain the owning
// community is inherited.
const communityInheritDepth = 10

var contentSanitizer = bluemonday.UGCPolicy()

// LocalActorURI returns the canonical URI of a local user.
func LocalActorURI(conf *util.AppConfig, username string) string {
	return fmt.Sprintf("%s/users/%s", conf.Conf.InstanceURL, username)
}

// LocalNoteURI returns the canonical object id of a local note.
func LocalNoteURI(conf *util.AppConfig, noteId uuid.UUID) string {
	return fmt.Sprintf("%s/notes/%s", conf.Conf.InstanceURL, noteId)
}

func newActivityURI(conf *util.AppConfig) string {
	return fmt.Sprintf("%s/activities/%s", conf.Conf.InstanceURL, uuid.New())
}

// BuildActorDocument renders an actor as JSON-LD. Used for local users, the
// instance service actor and the relay actor.
func BuildActorDocument(actor *domain.Actor, conf *util.AppConfig) map[string]any {
	doc := map[string]any{
		"@context":          securityContext,
		"id":                actor.URI,
		"type":              actor.ActorType,
		"preferredUsername": actor.Username,
		"name":              actor.DisplayName,
		"summary":           actor.Summary,
		"inbox":             actor.InboxURI,
		"outbox":            actor.OutboxURI,
		"followers":         actor.FollowersURI,
		"following":         actor.URI + "/following",
		"manuallyApprovesFollowers": actor.ManuallyApprovesFollowers,
		"publicKey": map[string]any{
			"id":           actor.URI + "#main-key",
			"owner":        actor.URI,
			"publicKeyPem": actor.PublicKeyPem,
		},
		"endpoints": map[string]any{
			"sharedInbox": conf.Conf.InstanceURL + "/inbox",
		},
	}
	return doc
}

// BuildNoteObject renders a local note as JSON-LD, with audience derived
// from its visibility, mention tags resolved through WebFinger and the
// community inherited from its reply chain.
func BuildNoteObject(note *domain.Note, author *domain.Actor, deps *Deps) map[string]any {
	to, cc := deriveAudience(note.Visibility, author)

	obj := map[string]any{
		"id":           note.URI,
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      renderContent(note.Content),
		"mediaType":    "text/html",
		"published":    note.CreatedAt.UTC().Format(time.RFC3339),
		"sensitive":    note.Sensitive,
	}
	if note.Name != "" {
		obj["name"] = note.Name
		obj["type"] = "Page"
	}
	if note.ContentWarning != "" {
		obj["summary"] = note.ContentWarning
	}
	if note.EditedAt != nil {
		obj["updated"] = note.EditedAt.UTC().Format(time.RFC3339)
	}
	if note.InReplyToURI != "" {
		obj["inReplyTo"] = note.InReplyToURI
	}

	if community := resolveCommunity(note, deps); community != "" {
		obj["audience"] = community
		to = append(to, community)
	}

	tags, mentionURIs := buildMentionTags(note.Content, deps)
	if len(tags) > 0 {
		obj["tag"] = tags
		cc = append(cc, mentionURIs...)
	}

	if attachments := buildAttachments(note, deps); len(attachments) > 0 {
		obj["attachment"] = attachments
	}

	obj["to"] = to
	obj["cc"] = cc
	return obj
}

// BuildQuestionObject renders a note with an attached poll as a Question.
// Options are inline Note objects carrying their vote totals, listed under
// oneOf for single-choice polls and anyOf for multiple-choice ones.
func BuildQuestionObject(note *domain.Note, poll *domain.Poll, author *domain.Actor, deps *Deps) map[string]any {
	obj := BuildNoteObject(note, author, deps)
	obj["type"] = "Question"

	options := make([]any, len(poll.Options))
	for i, opt := range poll.Options {
		options[i] = map[string]any{
			"type": "Note",
			"name": opt.Name,
			"replies": map[string]any{
				"type":       "Collection",
				"totalItems": opt.Votes,
			},
		}
	}
	if poll.Multiple {
		obj["anyOf"] = options
	} else {
		obj["oneOf"] = options
	}

	if poll.ExpiresAt != nil {
		obj["endTime"] = poll.ExpiresAt.UTC().Format(time.RFC3339)
		if poll.ExpiresAt.Before(time.Now()) {
			obj["closed"] = poll.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return obj
}

// deriveAudience maps a visibility level to to/cc addressing.
func deriveAudience(visibility string, author *domain.Actor) ([]any, []any) {
	followers := author.FollowersURI
	if followers == "" {
		followers = author.URI + "/followers"
	}
	switch visibility {
	case domain.VisibilityPublic:
		return []any{PublicAudience}, []any{followers}
	case domain.VisibilityUnlisted:
		return []any{followers}, []any{PublicAudience}
	case domain.VisibilityFollowers:
		return []any{followers}, []any{}
	default:
		return []any{}, []any{}
	}
}

// resolveCommunity returns the community actor owning this note, walking up
// the reply chain when the note itself carries none.
func resolveCommunity(note *domain.Note, deps *Deps) string {
	if note.CommunityURI != "" {
		return note.CommunityURI
	}
	parentURI := note.InReplyToURI
	for depth := 0; depth < communityInheritDepth && parentURI != ""; depth++ {
		parent, err := deps.Database.ReadNoteByURI(parentURI)
		if err != nil {
			return ""
		}
		if parent.CommunityURI != "" {
			return parent.CommunityURI
		}
		parentURI = parent.InReplyToURI
	}
	return ""
}

// buildMentionTags resolves @user@domain mentions in the content to Mention
// tags. Unresolvable mentions are skipped.
func buildMentionTags(content string, deps *Deps) ([]any, []any) {
	var tags []any
	var uris []any
	for _, handle := range util.ExtractMentions(content) {
		actorURI, err := WebFingerResolve(handle, deps)
		if err != nil {
			log.Printf("Outbox: could not resolve mention %s: %v", handle, err)
			continue
		}
		tags = append(tags, map[string]any{
			"type": "Mention",
			"href": actorURI,
			"name": "@" + handle,
		})
		uris = append(uris, actorURI)
	}
	return tags, uris
}

func buildAttachments(note *domain.Note, deps *Deps) []any {
	stored, err := deps.Database.ReadNoteAttachments(note.Id)
	if err != nil {
		return nil
	}
	var attachments []any
	for _, att := range stored {
		mediaType := att.MediaType
		if mediaType == "" {
			mediaType = util.GuessMediaType(att.URL)
		}
		entry := map[string]any{
			"type":      util.AttachmentTypeForMediaType(mediaType),
			"url":       att.URL,
			"mediaType": mediaType,
		}
		if att.Name != "" {
			entry["name"] = att.Name
		}
		attachments = append(attachments, entry)
	}
	return attachments
}

// renderContent sanitizes note content for federation, mapping bare
// newlines to break tags.
func renderContent(content string) string {
	html := strings.ReplaceAll(content, "\n", "<br>")
	return contentSanitizer.Sanitize("<p>" + html + "</p>")
}

// BuildCreate wraps a note object in a Create. The activity id is derived
// from the object id.
func BuildCreate(obj map[string]any, author *domain.Actor) map[string]any {
	return map[string]any{
		"@context":  securityContext,
		"id":        getString(obj, "id") + "/activity",
		"type":      "Create",
		"actor":     author.URI,
		"published": obj["published"],
		"to":        obj["to"],
		"cc":        obj["cc"],
		"object":    obj,
	}
}

// BuildUpdate wraps an edited note object in an Update.
func BuildUpdate(obj map[string]any, author *domain.Actor, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     "Update",
		"actor":    author.URI,
		"to":       obj["to"],
		"cc":       obj["cc"],
		"object":   obj,
	}
}

// BuildDelete produces a Delete with a Tombstone object.
func BuildDelete(objectURI string, author *domain.Actor, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     "Delete",
		"actor":    author.URI,
		"to":       []any{PublicAudience},
		"object": map[string]any{
			"id":   objectURI,
			"type": "Tombstone",
		},
	}
}

// BuildFollow produces a Follow of a remote actor.
func BuildFollow(actor *domain.Actor, targetURI string, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     "Follow",
		"actor":    actor.URI,
		"object":   targetURI,
	}
}

// BuildAccept answers a Follow. The Follow is embedded so the remote side
// can match it by id or by pair.
func BuildAccept(actor *domain.Actor, followURI, followerURI string, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     "Accept",
		"actor":    actor.URI,
		"object": map[string]any{
			"id":     followURI,
			"type":   "Follow",
			"actor":  followerURI,
			"object": actor.URI,
		},
	}
}

// BuildReject declines a Follow.
func BuildReject(actor *domain.Actor, followURI, followerURI string, conf *util.AppConfig) map[string]any {
	reject := BuildAccept(actor, followURI, followerURI, conf)
	reject["type"] = "Reject"
	return reject
}

// BuildAnnounce boosts an object to the actor's followers, and optionally
// to an explicit audience such as relay subscribers.
func BuildAnnounce(actor *domain.Actor, objectURI string, conf *util.AppConfig) map[string]any {
	followers := actor.FollowersURI
	if followers == "" {
		followers = actor.URI + "/followers"
	}
	return map[string]any{
		"@context":  securityContext,
		"id":        newActivityURI(conf),
		"type":      "Announce",
		"actor":     actor.URI,
		"published": time.Now().UTC().Format(time.RFC3339),
		"to":        []any{PublicAudience},
		"cc":        []any{followers},
		"object":    objectURI,
	}
}

// BuildLike, BuildDislike and BuildEmojiReact produce interaction
// activities on a remote object.
func BuildLike(actor *domain.Actor, objectURI string, conf *util.AppConfig) map[string]any {
	return buildInteraction(actor, objectURI, "Like", "", conf)
}

func BuildDislike(actor *domain.Actor, objectURI string, conf *util.AppConfig) map[string]any {
	return buildInteraction(actor, objectURI, "Dislike", "", conf)
}

func BuildEmojiReact(actor *domain.Actor, objectURI, emoji string, conf *util.AppConfig) map[string]any {
	return buildInteraction(actor, objectURI, "EmojiReact", emoji, conf)
}

func buildInteraction(actor *domain.Actor, objectURI, typ, emoji string, conf *util.AppConfig) map[string]any {
	doc := map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     typ,
		"actor":    actor.URI,
		"object":   objectURI,
	}
	if emoji != "" {
		doc["content"] = emoji
	}
	return doc
}

// BuildBlock produces a Block of a remote actor.
func BuildBlock(actor *domain.Actor, targetURI string, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     "Block",
		"actor":    actor.URI,
		"object":   targetURI,
	}
}

// BuildFlag produces a moderation report against one or more remote URIs.
func BuildFlag(actor *domain.Actor, objectURIs []string, comment string, conf *util.AppConfig) map[string]any {
	objects := make([]any, len(objectURIs))
	for i, uri := range objectURIs {
		objects[i] = uri
	}
	return map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     "Flag",
		"actor":    actor.URI,
		"content":  comment,
		"object":   objects,
	}
}

// BuildUndo wraps a previously sent activity in an Undo.
func BuildUndo(actor *domain.Actor, inner map[string]any, conf *util.AppConfig) map[string]any {
	undone := make(map[string]any, len(inner))
	for k, v := range inner {
		if k == "@context" {
			continue
		}
		undone[k] = v
	}
	return map[string]any{
		"@context": securityContext,
		"id":       newActivityURI(conf),
		"type":     "Undo",
		"actor":    actor.URI,
		"object":   undone,
	}
}

// EnsureLocalActor returns the actor row for a local account, creating it
// with fresh URIs if the account has never federated.
func EnsureLocalActor(account *domain.Account, deps *Deps) (*domain.Actor, error) {
	actor, err := deps.Database.ReadActorByAccountId(account.Id)
	if err == nil {
		return actor, nil
	}
	if err != db.ErrNotFound {
		return nil, err
	}

	uri := LocalActorURI(deps.Conf, account.Username)
	actor = &domain.Actor{
		Id:                        uuid.New(),
		URI:                       uri,
		Username:                  account.Username,
		Domain:                    util.HostOf(uri),
		ActorType:                 "Person",
		DisplayName:               account.DisplayName,
		Summary:                   account.Summary,
		InboxURI:                  uri + "/inbox",
		SharedInboxURI:            deps.Conf.Conf.InstanceURL + "/inbox",
		OutboxURI:                 uri + "/outbox",
		FollowersURI:              uri + "/followers",
		PublicKeyPem:              account.PublicKeyPem,
		ManuallyApprovesFollowers: account.ManuallyApprovesFollowers,
		Local:                     true,
		AccountId:                 &account.Id,
		LastFetchedAt:             time.Now().UTC(),
	}
	if err := deps.Database.UpsertActor(actor); err != nil {
		return nil, fmt.Errorf("failed to create local actor: %w", err)
	}
	return actor, nil
}
