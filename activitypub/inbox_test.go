package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

func encodeDoc(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func createActivityDoc(activityURI, actorURI string, obj map[string]any) map[string]any {
	return map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       activityURI,
		"type":     "Create",
		"actor":    actorURI,
		"to":       []any{PublicAudience},
		"object":   obj,
	}
}

func TestProcessIncomingCreateStoresNote(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	author := mock.remoteActor("https://remote.example/users/alice")

	noteURI := "https://remote.example/notes/n1"
	doc := createActivityDoc("https://remote.example/activities/c1", author.URI, map[string]any{
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "<p>hello fediverse</p>",
		"to":           []any{PublicAudience},
		"published":    "2026-08-20T10:00:00Z",
	})

	outcome, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps)
	if err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if outcome.Tag != OutcomeProcessed {
		t.Fatalf("outcome = %s", outcome.Tag)
	}

	note, err := mock.ReadNoteByURI(noteURI)
	if err != nil {
		t.Fatalf("note not stored: %v", err)
	}
	if note.Content != "hello fediverse" {
		t.Errorf("content = %q, HTML should be stripped", note.Content)
	}
	if note.Visibility != domain.VisibilityPublic {
		t.Errorf("visibility = %s", note.Visibility)
	}
	if note.RemoteActorId == nil || *note.RemoteActorId != author.Id {
		t.Error("note not attributed to the cached author")
	}

	stored, err := mock.ReadActivityByURI("https://remote.example/activities/c1")
	if err != nil {
		t.Fatalf("activity row missing: %v", err)
	}
	if !stored.Processed {
		t.Error("activity row not marked processed")
	}
}

func TestProcessIncomingDuplicateActivity(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	author := mock.remoteActor("https://remote.example/users/alice")

	doc := createActivityDoc("https://remote.example/activities/dup1", author.URI, map[string]any{
		"id":           "https://remote.example/notes/dup1",
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "once",
		"to":           []any{PublicAudience},
	})
	raw := encodeDoc(t, doc)

	if outcome, err := ProcessIncoming(raw, author.URI, "", deps); err != nil || outcome.Tag != OutcomeProcessed {
		t.Fatalf("first pass: %v / %v", outcome, err)
	}
	outcome, err := ProcessIncoming(raw, author.URI, "", deps)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if outcome.Tag != OutcomeAlreadyReceived {
		t.Errorf("outcome = %s, want %s", outcome.Tag, OutcomeAlreadyReceived)
	}
}

func TestProcessIncomingBlockedDomainRejected(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	mock.instances["bad.example"] = &domain.Instance{Domain: "bad.example", Blocked: true}
	troll := mock.remoteActor("https://bad.example/users/troll")

	doc := createActivityDoc("https://bad.example/activities/spam1", troll.URI, map[string]any{
		"id":           "https://bad.example/notes/spam1",
		"type":         "Note",
		"attributedTo": troll.URI,
		"content":      "buy stuff",
		"to":           []any{PublicAudience},
	})

	outcome, err := ProcessIncoming(encodeDoc(t, doc), troll.URI, "", deps)
	if err != nil {
		t.Fatalf("rejection must not surface as error: %v", err)
	}
	if outcome.Tag != OutcomeRejected {
		t.Fatalf("outcome = %s", outcome.Tag)
	}
	if !strings.Contains(outcome.Reason, "bad.example") {
		t.Errorf("reason = %q", outcome.Reason)
	}
	if _, err := mock.ReadNoteByURI("https://bad.example/notes/spam1"); err == nil {
		t.Error("rejected note must not be stored")
	}
	if _, err := mock.ReadActivityByURI("https://bad.example/activities/spam1"); err == nil {
		t.Error("rejected activity must not leave a row behind")
	}
}

func TestProcessIncomingActorDomainMismatch(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)

	doc := createActivityDoc("https://remote.example/activities/forged", "https://remote.example/users/alice", map[string]any{
		"id":      "https://remote.example/notes/forged",
		"type":    "Note",
		"content": "hi",
	})

	_, err := ProcessIncoming(encodeDoc(t, doc), "https://other.example/users/mallory", "", deps)
	if !IsInvalid(err) {
		t.Fatalf("expected validation error for signer/actor mismatch, got %v", err)
	}
}

func TestProcessIncomingUnsupportedType(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	actor := mock.remoteActor("https://remote.example/users/alice")

	doc := map[string]any{
		"id":     "https://remote.example/activities/listen1",
		"type":   "Listen",
		"actor":  actor.URI,
		"object": "https://remote.example/audio/1",
	}
	outcome, err := ProcessIncoming(encodeDoc(t, doc), actor.URI, "", deps)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Tag != OutcomeAcknowledged {
		t.Errorf("outcome = %s", outcome.Tag)
	}
}

func TestCreateReplyNotifiesLocalAuthor(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, _ := mock.localAccount(deps.Conf, "bob")
	author := mock.remoteActor("https://remote.example/users/alice")

	parent := &domain.Note{
		Id:         uuid.New(),
		AccountId:  &account.Id,
		URI:        deps.Conf.Conf.InstanceURL + "/notes/parent1",
		Content:    "original",
		Visibility: domain.VisibilityPublic,
	}
	mock.notes[parent.URI] = parent

	doc := createActivityDoc("https://remote.example/activities/reply1", author.URI, map[string]any{
		"id":           "https://remote.example/notes/reply1",
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "nice post",
		"inReplyTo":    parent.URI,
		"to":           []any{PublicAudience},
	})

	var delivered []*domain.Notification
	deps.Notify = func(n *domain.Notification) { delivered = append(delivered, n) }

	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	if parent.ReplyCount != 1 {
		t.Errorf("reply count = %d", parent.ReplyCount)
	}
	if len(mock.notified) != 1 {
		t.Fatalf("stored notifications = %d", len(mock.notified))
	}
	n := mock.notified[0]
	if n.NotificationType != "reply" || n.AccountId != account.Id {
		t.Errorf("notification = %+v", n)
	}
	if len(delivered) != 1 {
		t.Errorf("Notify hook fired %d times", len(delivered))
	}
}

func TestCreateMentionNotifiesLocalUser(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, localActor := mock.localAccount(deps.Conf, "bob")
	author := mock.remoteActor("https://remote.example/users/alice")

	doc := createActivityDoc("https://remote.example/activities/m1", author.URI, map[string]any{
		"id":           "https://remote.example/notes/m1",
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "hey @bob@perch.example",
		"to":           []any{PublicAudience},
		"tag": []any{
			map[string]any{"type": "Mention", "href": localActor.URI, "name": "@bob@perch.example"},
		},
	})

	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	if len(mock.mentions) != 1 {
		t.Fatalf("mention rows = %d", len(mock.mentions))
	}
	if mock.mentions[0].MentionedUsername != "bob" || mock.mentions[0].MentionedDomain != "perch.example" {
		t.Errorf("mention = %+v", mock.mentions[0])
	}
	if len(mock.notified) != 1 || mock.notified[0].NotificationType != "mention" {
		t.Fatalf("notifications = %+v", mock.notified)
	}
	if mock.notified[0].AccountId != account.Id {
		t.Error("mention notification for wrong account")
	}
}

func TestCreateSchedulesRepliesFetch(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	author := mock.remoteActor("https://remote.example/users/alice")

	noteURI := "https://remote.example/notes/threaded1"
	doc := createActivityDoc("https://remote.example/activities/threaded1", author.URI, map[string]any{
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "start of a thread",
		"to":           []any{PublicAudience},
		"replies": map[string]any{
			"id":   noteURI + "/replies",
			"type": "Collection",
		},
	})
	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	var job *domain.Job
	for _, j := range mock.jobs {
		if j.Queue == domain.QueueRepliesFetch {
			job = j
		}
	}
	if job == nil {
		t.Fatalf("no replies job queued: %+v", mock.jobs)
	}
	if job.UniqueKey != "replies:"+noteURI {
		t.Errorf("unique key = %q", job.UniqueKey)
	}
	if !strings.Contains(job.Args, noteURI+"/replies") {
		t.Errorf("args = %q", job.Args)
	}

	// A note without a replies collection schedules nothing extra.
	plain := createActivityDoc("https://remote.example/activities/plain1", author.URI, map[string]any{
		"id":           "https://remote.example/notes/plain1",
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "no thread",
		"to":           []any{PublicAudience},
	})
	before := len(mock.jobs)
	if _, err := ProcessIncoming(encodeDoc(t, plain), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	for _, j := range mock.jobs[before:] {
		if j.Queue == domain.QueueRepliesFetch {
			t.Error("replies job queued for a note without a replies collection")
		}
	}
}

func TestCreatePublicNoteBroadcasts(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	author := mock.remoteActor("https://remote.example/users/alice")

	var seen []*domain.Note
	deps.Broadcast = func(n *domain.Note) { seen = append(seen, n) }

	doc := createActivityDoc("https://remote.example/activities/bc1", author.URI, map[string]any{
		"id":           "https://remote.example/notes/bc1",
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "for everyone",
		"to":           []any{PublicAudience},
	})
	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 {
		t.Fatalf("broadcast fired %d times", len(seen))
	}
	if seen[0].URI != "https://remote.example/notes/bc1" {
		t.Errorf("broadcast note = %s", seen[0].URI)
	}

	// Replaying the same activity must not broadcast again.
	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Errorf("duplicate delivery broadcast again (%d)", len(seen))
	}
}

func TestCreateNonPublicNoteNotBroadcast(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	author := mock.remoteActor("https://remote.example/users/alice")

	fired := 0
	deps.Broadcast = func(n *domain.Note) { fired++ }

	doc := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.example/activities/dm1",
		"type":     "Create",
		"actor":    author.URI,
		"to":       []any{author.FollowersURI},
		"object": map[string]any{
			"id":           "https://remote.example/notes/dm1",
			"type":         "Note",
			"attributedTo": author.URI,
			"content":      "followers only",
			"to":           []any{author.FollowersURI},
		},
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Errorf("non-public note broadcast %d times", fired)
	}
}

func TestFollowAutoAcceptSendsAccept(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	_, localActor := mock.localAccount(deps.Conf, "bob")
	follower := mock.remoteActor("https://remote.example/users/alice")

	followURI := "https://remote.example/activities/follow1"
	doc := map[string]any{
		"id":     followURI,
		"type":   "Follow",
		"actor":  follower.URI,
		"object": localActor.URI,
	}

	outcome, err := ProcessIncoming(encodeDoc(t, doc), follower.URI, "", deps)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Tag != OutcomeProcessed {
		t.Fatalf("outcome = %s", outcome.Tag)
	}

	follow, err := mock.ReadFollowByURI(followURI)
	if err != nil {
		t.Fatalf("follow row missing: %v", err)
	}
	if !follow.Accepted {
		t.Error("follow should be auto accepted")
	}
	if len(mock.notified) != 1 || mock.notified[0].NotificationType != "follow" {
		t.Errorf("notifications = %+v", mock.notified)
	}

	// The post-commit Accept persists an outgoing activity and queues one
	// delivery to the follower's inbox.
	if len(mock.deliveries) != 1 {
		t.Fatalf("deliveries = %d", len(mock.deliveries))
	}
	for _, d := range mock.deliveries {
		if d.InboxURI != follower.InboxURI {
			t.Errorf("delivery inbox = %s", d.InboxURI)
		}
	}
	if len(mock.jobs) != 1 || mock.jobs[0].Queue != domain.QueueDelivery {
		t.Errorf("jobs = %+v", mock.jobs)
	}
}

func TestFollowManualApprovalStaysPending(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, localActor := mock.localAccount(deps.Conf, "carol")
	account.ManuallyApprovesFollowers = true
	follower := mock.remoteActor("https://remote.example/users/alice")

	followURI := "https://remote.example/activities/follow2"
	doc := map[string]any{
		"id":     followURI,
		"type":   "Follow",
		"actor":  follower.URI,
		"object": localActor.URI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), follower.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	follow, err := mock.ReadFollowByURI(followURI)
	if err != nil {
		t.Fatal(err)
	}
	if follow.Accepted {
		t.Error("manual approval account must not auto accept")
	}
	if len(mock.deliveries) != 0 {
		t.Errorf("no Accept should be queued, got %d deliveries", len(mock.deliveries))
	}
}

func TestAcceptResolvesPendingFollow(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	remote := mock.remoteActor("https://remote.example/users/alice")

	followURI := deps.Conf.Conf.InstanceURL + "/activities/out-follow-1"
	mock.follows[followURI] = &domain.Follow{Id: uuid.New(), URI: followURI}

	doc := map[string]any{
		"id":     "https://remote.example/activities/accept1",
		"type":   "Accept",
		"actor":  remote.URI,
		"object": followURI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), remote.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if !mock.follows[followURI].Accepted {
		t.Error("follow not marked accepted")
	}
}

func TestAcceptActivatesRelaySubscription(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	relay := mock.remoteActor("https://relay.example/actor")

	sub := &domain.RelaySubscription{
		Id:                uuid.New(),
		RelayURI:          relay.URI,
		RelayInboxURI:     "https://relay.example/inbox",
		FollowActivityURI: deps.Conf.Conf.InstanceURL + "/activities/relay-follow-1",
		Status:            domain.RelayPending,
	}
	mock.relays[sub.Id] = sub

	doc := map[string]any{
		"id":     "https://relay.example/activities/accept1",
		"type":   "Accept",
		"actor":  relay.URI,
		"object": sub.FollowActivityURI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), relay.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if sub.Status != domain.RelayActive {
		t.Errorf("relay status = %s", sub.Status)
	}
}

func TestLikeOnLocalNote(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, _ := mock.localAccount(deps.Conf, "bob")
	liker := mock.remoteActor("https://remote.example/users/alice")

	note := &domain.Note{
		Id:         uuid.New(),
		AccountId:  &account.Id,
		URI:        deps.Conf.Conf.InstanceURL + "/notes/liked1",
		Content:    "likable",
		Visibility: domain.VisibilityPublic,
	}
	mock.notes[note.URI] = note

	doc := map[string]any{
		"id":     "https://remote.example/activities/like1",
		"type":   "Like",
		"actor":  liker.URI,
		"object": note.URI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), liker.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	if note.LikeCount != 1 {
		t.Errorf("like count = %d", note.LikeCount)
	}
	if len(mock.notified) != 1 || mock.notified[0].NotificationType != domain.InteractionLike {
		t.Errorf("notifications = %+v", mock.notified)
	}

	// A second Like by the same actor under a fresh activity id must not
	// double-count.
	doc["id"] = "https://remote.example/activities/like2"
	outcome, err := ProcessIncoming(encodeDoc(t, doc), liker.URI, "", deps)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Tag != OutcomeAlreadyReceived {
		t.Errorf("replayed like outcome = %s", outcome.Tag)
	}
	if note.LikeCount != 1 {
		t.Errorf("like count after replay = %d", note.LikeCount)
	}
}

func TestLikeOnUnknownNoteIsTerminal(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	liker := mock.remoteActor("https://remote.example/users/alice")

	doc := map[string]any{
		"id":     "https://remote.example/activities/like-nowhere",
		"type":   "Like",
		"actor":  liker.URI,
		"object": "https://perch.example/notes/never-existed",
	}
	_, err := ProcessIncoming(encodeDoc(t, doc), liker.URI, "", deps)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEmojiReactKeyedByEmoji(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, _ := mock.localAccount(deps.Conf, "bob")
	reactor := mock.remoteActor("https://remote.example/users/alice")

	note := &domain.Note{
		Id:        uuid.New(),
		AccountId: &account.Id,
		URI:       deps.Conf.Conf.InstanceURL + "/notes/react1",
		Content:   "reactable",
	}
	mock.notes[note.URI] = note

	for i, emoji := range []string{"🔥", "🎉"} {
		doc := map[string]any{
			"id":      "https://remote.example/activities/react" + string(rune('a'+i)),
			"type":    "EmojiReact",
			"actor":   reactor.URI,
			"object":  note.URI,
			"content": emoji,
		}
		if _, err := ProcessIncoming(encodeDoc(t, doc), reactor.URI, "", deps); err != nil {
			t.Fatal(err)
		}
	}
	if len(mock.interactions) != 2 {
		t.Errorf("distinct emoji reactions should both store, got %d", len(mock.interactions))
	}
}

func TestAnnounceFetchesUnknownObject(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	booster := mock.remoteActor("https://remote.example/users/alice")
	author := mock.remoteActor("https://faraway.example/users/carol")

	boostedURI := "https://faraway.example/notes/boosted-announce-test"
	noteDoc := map[string]any{
		"id":           boostedURI,
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "worth boosting",
		"to":           []any{PublicAudience},
	}
	noteJSON, _ := json.Marshal(noteDoc)
	deps.HTTPClient = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() == boostedURI {
			return jsonResponse(200, string(noteJSON)), nil
		}
		return jsonResponse(404, "{}"), nil
	})

	doc := map[string]any{
		"id":     "https://remote.example/activities/boost1",
		"type":   "Announce",
		"actor":  booster.URI,
		"object": boostedURI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), booster.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	note, err := mock.ReadNoteByURI(boostedURI)
	if err != nil {
		t.Fatalf("boosted object not stored: %v", err)
	}
	if note.BoostCount != 1 {
		t.Errorf("boost count = %d", note.BoostCount)
	}
}

func TestDeleteTombstonesOwnedNote(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	author := mock.remoteActor("https://remote.example/users/alice")

	note := &domain.Note{
		Id:            uuid.New(),
		RemoteActorId: &author.Id,
		URI:           "https://remote.example/notes/gone1",
		Content:       "to be removed",
	}
	mock.notes[note.URI] = note

	doc := map[string]any{
		"id":     "https://remote.example/activities/del1",
		"type":   "Delete",
		"actor":  author.URI,
		"object": note.URI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if !note.Deleted || note.Content != "" {
		t.Errorf("note not tombstoned: %+v", note)
	}
}

func TestDeleteByNonOwnerRejected(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	owner := mock.remoteActor("https://remote.example/users/alice")
	other := mock.remoteActor("https://remote.example/users/mallory")

	note := &domain.Note{
		Id:            uuid.New(),
		RemoteActorId: &owner.Id,
		URI:           "https://remote.example/notes/keep1",
		Content:       "mine",
	}
	mock.notes[note.URI] = note

	doc := map[string]any{
		"id":     "https://remote.example/activities/del2",
		"type":   "Delete",
		"actor":  other.URI,
		"object": note.URI,
	}
	_, err := ProcessIncoming(encodeDoc(t, doc), other.URI, "", deps)
	if !IsInvalid(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if note.Deleted {
		t.Error("note must survive a foreign Delete")
	}
}

func TestDeleteUnknownObjectAcknowledged(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	actor := mock.remoteActor("https://remote.example/users/alice")

	doc := map[string]any{
		"id":     "https://remote.example/activities/del3",
		"type":   "Delete",
		"actor":  actor.URI,
		"object": "https://remote.example/notes/never-seen",
	}
	outcome, err := ProcessIncoming(encodeDoc(t, doc), actor.URI, "", deps)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Tag != OutcomeAcknowledged {
		t.Errorf("outcome = %s", outcome.Tag)
	}
}

func TestDeleteActorCascades(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	actor := mock.remoteActor("https://remote.example/users/leaving")

	mock.follows["https://remote.example/activities/f1"] = &domain.Follow{
		Id: uuid.New(), AccountId: actor.Id, URI: "https://remote.example/activities/f1",
	}
	keyId := actor.URI + "#main-key"
	mock.signingKeys[keyId] = &domain.SigningKey{KeyId: keyId, OwnerURI: actor.URI}
	mock.activities["https://remote.example/activities/old1"] = &domain.Activity{
		Id: uuid.New(), ActivityURI: "https://remote.example/activities/old1", ActorURI: actor.URI,
	}

	doc := map[string]any{
		"id":     "https://remote.example/activities/del-self",
		"type":   "Delete",
		"actor":  actor.URI,
		"object": actor.URI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), actor.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	if _, err := mock.ReadActorByURI(actor.URI); err == nil {
		t.Error("actor row survived")
	}
	if len(mock.follows) != 0 {
		t.Error("follow rows survived")
	}
	if _, err := mock.ReadSigningKey(keyId); err == nil {
		t.Error("signing key survived")
	}
	if _, err := mock.ReadActivityByURI("https://remote.example/activities/old1"); err == nil {
		t.Error("old activity rows survived")
	}
}

func TestUpdateEditsOwnedNote(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	author := mock.remoteActor("https://remote.example/users/alice")

	note := &domain.Note{
		Id:            uuid.New(),
		RemoteActorId: &author.Id,
		URI:           "https://remote.example/notes/edit1",
		Content:       "original",
	}
	mock.notes[note.URI] = note

	doc := map[string]any{
		"id":    "https://remote.example/activities/upd1",
		"type":  "Update",
		"actor": author.URI,
		"object": map[string]any{
			"id":           note.URI,
			"type":         "Note",
			"attributedTo": author.URI,
			"content":      "<p>edited</p>",
			"updated":      "2026-08-21T12:00:00Z",
		},
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), author.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if note.Content != "edited" {
		t.Errorf("content = %q", note.Content)
	}
	if note.EditedAt == nil {
		t.Error("edit timestamp not recorded")
	}
}

func TestUpdateActorRefreshesCache(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	actor := mock.remoteActor("https://upd.example/users/u1")

	refreshed := map[string]any{
		"id":                "https://upd.example/users/u1",
		"type":              "Person",
		"preferredUsername": "u1",
		"name":              "Updated Name",
		"inbox":             "https://upd.example/users/u1/inbox",
		"publicKey": map[string]any{
			"id":           "https://upd.example/users/u1#main-key",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nplaceholder\n-----END PUBLIC KEY-----",
		},
	}
	refreshedJSON, _ := json.Marshal(refreshed)
	deps.HTTPClient = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, string(refreshedJSON)), nil
	})

	doc := map[string]any{
		"id":     "https://upd.example/activities/upd-actor",
		"type":   "Update",
		"actor":  actor.URI,
		"object": refreshed,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), actor.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	stored, err := mock.ReadActorByURI(actor.URI)
	if err != nil {
		t.Fatal(err)
	}
	if stored.DisplayName != "Updated Name" {
		t.Errorf("display name = %q", stored.DisplayName)
	}
}

func TestUpdateForeignActorRejected(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	actor := mock.remoteActor("https://remote.example/users/alice")

	doc := map[string]any{
		"id":    "https://remote.example/activities/upd-foreign",
		"type":  "Update",
		"actor": actor.URI,
		"object": map[string]any{
			"id":    "https://other.example/users/victim",
			"type":  "Person",
			"inbox": "https://other.example/users/victim/inbox",
		},
	}
	_, err := ProcessIncoming(encodeDoc(t, doc), actor.URI, "", deps)
	if !IsInvalid(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBlockAndUndoBlock(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	_, localActor := mock.localAccount(deps.Conf, "bob")
	blocker := mock.remoteActor("https://remote.example/users/alice")

	blockURI := "https://remote.example/activities/block1"
	doc := map[string]any{
		"id":     blockURI,
		"type":   "Block",
		"actor":  blocker.URI,
		"object": localActor.URI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), blocker.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.blocks[blockURI]; !ok {
		t.Fatal("block row not stored")
	}

	undo := map[string]any{
		"id":    "https://remote.example/activities/unblock1",
		"type":  "Undo",
		"actor": blocker.URI,
		"object": map[string]any{
			"id":     blockURI,
			"type":   "Block",
			"actor":  blocker.URI,
			"object": localActor.URI,
		},
	}
	if _, err := ProcessIncoming(encodeDoc(t, undo), blocker.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.blocks[blockURI]; ok {
		t.Error("block row survived the Undo")
	}
}

func TestFlagCreatesReport(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, localActor := mock.localAccount(deps.Conf, "bob")
	reporter := mock.remoteActor("https://remote.example/users/alice")

	note := &domain.Note{
		Id:        uuid.New(),
		AccountId: &account.Id,
		URI:       deps.Conf.Conf.InstanceURL + "/notes/offending",
		Content:   "reported",
	}
	mock.notes[note.URI] = note

	doc := map[string]any{
		"id":      "https://remote.example/activities/flag1",
		"type":    "Flag",
		"actor":   reporter.URI,
		"content": "spam",
		"object":  []any{localActor.URI, note.URI},
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), reporter.URI, "", deps); err != nil {
		t.Fatal(err)
	}

	if len(mock.reports) != 1 {
		t.Fatalf("reports = %d", len(mock.reports))
	}
	report := mock.reports[0]
	if report.Content != "spam" || report.ReporterURI != reporter.URI {
		t.Errorf("report = %+v", report)
	}
	if !strings.Contains(report.AccountIds, account.Id.String()) {
		t.Errorf("account ids %s missing %s", report.AccountIds, account.Id)
	}
}

func TestUndoLikeDecrementsCount(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, _ := mock.localAccount(deps.Conf, "bob")
	liker := mock.remoteActor("https://remote.example/users/alice")

	note := &domain.Note{
		Id:        uuid.New(),
		AccountId: &account.Id,
		URI:       deps.Conf.Conf.InstanceURL + "/notes/unlike1",
		Content:   "liked then not",
		LikeCount: 1,
	}
	mock.notes[note.URI] = note
	likeURI := "https://remote.example/activities/like-undo-1"
	ri := &domain.RemoteInteraction{
		Id:       uuid.New(),
		NoteId:   note.Id,
		ActorURI: liker.URI,
		Type:     domain.InteractionLike,
		URI:      likeURI,
	}
	mock.interactions[ri.Id] = ri

	doc := map[string]any{
		"id":    "https://remote.example/activities/undo-like1",
		"type":  "Undo",
		"actor": liker.URI,
		"object": map[string]any{
			"id":     likeURI,
			"type":   "Like",
			"actor":  liker.URI,
			"object": note.URI,
		},
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), liker.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if note.LikeCount != 0 {
		t.Errorf("like count = %d", note.LikeCount)
	}
	if len(mock.interactions) != 0 {
		t.Error("interaction row survived the Undo")
	}
}

func TestUndoFollowRemovesFollow(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, _ := mock.localAccount(deps.Conf, "bob")
	follower := mock.remoteActor("https://remote.example/users/alice")

	followURI := "https://remote.example/activities/follow-undo-1"
	mock.follows[followURI] = &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower.Id,
		TargetAccountId: account.Id,
		URI:             followURI,
		Accepted:        true,
	}

	doc := map[string]any{
		"id":    "https://remote.example/activities/undo-follow1",
		"type":  "Undo",
		"actor": follower.URI,
		"object": map[string]any{
			"id":    followURI,
			"type":  "Follow",
			"actor": follower.URI,
		},
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), follower.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if _, err := mock.ReadFollowByURI(followURI); err == nil {
		t.Error("follow survived the Undo")
	}
}

func TestUndoFollowByWrongActorRejected(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, _ := mock.localAccount(deps.Conf, "bob")
	follower := mock.remoteActor("https://remote.example/users/alice")
	impostor := mock.remoteActor("https://remote.example/users/mallory")

	followURI := "https://remote.example/activities/follow-undo-2"
	mock.follows[followURI] = &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower.Id,
		TargetAccountId: account.Id,
		URI:             followURI,
	}

	doc := map[string]any{
		"id":    "https://remote.example/activities/undo-follow2",
		"type":  "Undo",
		"actor": impostor.URI,
		"object": map[string]any{
			"id":   followURI,
			"type": "Follow",
		},
	}
	_, err := ProcessIncoming(encodeDoc(t, doc), impostor.URI, "", deps)
	if !IsInvalid(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := mock.ReadFollowByURI(followURI); err != nil {
		t.Error("follow must survive a foreign Undo")
	}
}

func TestUndoByBareURIResolvesStoredActivity(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	account, _ := mock.localAccount(deps.Conf, "bob")
	liker := mock.remoteActor("https://remote.example/users/alice")

	note := &domain.Note{
		Id:        uuid.New(),
		AccountId: &account.Id,
		URI:       deps.Conf.Conf.InstanceURL + "/notes/bare-undo",
		Content:   "bare",
		LikeCount: 1,
	}
	mock.notes[note.URI] = note

	likeURI := "https://remote.example/activities/like-bare-1"
	mock.activities[likeURI] = &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  likeURI,
		ActivityType: "Like",
		ActorURI:     liker.URI,
		ObjectURI:    note.URI,
	}
	ri := &domain.RemoteInteraction{
		Id:       uuid.New(),
		NoteId:   note.Id,
		ActorURI: liker.URI,
		Type:     domain.InteractionLike,
		URI:      likeURI,
	}
	mock.interactions[ri.Id] = ri

	doc := map[string]any{
		"id":     "https://remote.example/activities/undo-bare1",
		"type":   "Undo",
		"actor":  liker.URI,
		"object": likeURI,
	}
	if _, err := ProcessIncoming(encodeDoc(t, doc), liker.URI, "", deps); err != nil {
		t.Fatal(err)
	}
	if note.LikeCount != 0 {
		t.Errorf("like count = %d", note.LikeCount)
	}
}

func TestProcessIncomingMalformedJSON(t *testing.T) {
	deps := newTestDeps(newMockDatabase())
	_, err := ProcessIncoming([]byte("{not json"), "https://remote.example/users/alice", "", deps)
	if !IsInvalid(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSideEffectPanicDoesNotPoisonOutcome(t *testing.T) {
	mock := newMockDatabase()
	deps := newTestDeps(mock)
	_, localActor := mock.localAccount(deps.Conf, "bob")
	follower := mock.remoteActor("https://remote.example/users/alice")
	deps.Notify = func(n *domain.Notification) { panic("subscriber bug") }

	doc := map[string]any{
		"id":     "https://remote.example/activities/follow-panic",
		"type":   "Follow",
		"actor":  follower.URI,
		"object": localActor.URI,
	}
	outcome, err := ProcessIncoming(encodeDoc(t, doc), follower.URI, "", deps)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Tag != OutcomeProcessed {
		t.Errorf("outcome = %s", outcome.Tag)
	}
}

func TestNotePreviewTruncates(t *testing.T) {
	long := strings.Repeat("x", 300)
	if got := notePreview(long); len(got) != 200 {
		t.Errorf("preview length = %d", len(got))
	}
	if got := notePreview("  short  "); got != "short" {
		t.Errorf("preview = %q", got)
	}

	// The cut must land on a rune boundary, not in the middle of a
	// multi-byte sequence.
	multibyte := strings.Repeat("a", 199) + "🦤🦤"
	got := notePreview(multibyte)
	if !utf8.ValidString(got) {
		t.Errorf("preview is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", 199) {
		t.Errorf("preview = %q", got)
	}
}

func TestDeriveVisibility(t *testing.T) {
	author := &domain.Actor{FollowersURI: "https://remote.example/users/alice/followers"}

	public := &NoteObject{To: Audience{PublicAudience}}
	if v := deriveVisibility(public, author); v != domain.VisibilityPublic {
		t.Errorf("public = %s", v)
	}
	unlisted := &NoteObject{To: Audience{author.FollowersURI}, Cc: Audience{PublicAudience}}
	if v := deriveVisibility(unlisted, author); v != domain.VisibilityUnlisted {
		t.Errorf("unlisted = %s", v)
	}
	followers := &NoteObject{To: Audience{author.FollowersURI}}
	if v := deriveVisibility(followers, author); v != domain.VisibilityFollowers {
		t.Errorf("followers = %s", v)
	}
	direct := &NoteObject{To: Audience{"https://perch.example/users/bob"}}
	if v := deriveVisibility(direct, author); v != domain.VisibilityDirect {
		t.Errorf("direct = %s", v)
	}
}

func TestParsePublished(t *testing.T) {
	parsed := parsePublished("2026-08-20T10:00:00Z")
	want := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	if !parsed.Equal(want) {
		t.Errorf("parsed = %v", parsed)
	}
	if fallback := parsePublished("garbage"); time.Since(fallback) > time.Minute {
		t.Error("unparseable published should fall back to now")
	}
}

func TestSplitHandleTag(t *testing.T) {
	user, domainName := splitHandleTag("@alice@remote.example")
	if user != "alice" || domainName != "remote.example" {
		t.Errorf("got %q %q", user, domainName)
	}
	user, domainName = splitHandleTag("@alice")
	if user != "alice" || domainName != "" {
		t.Errorf("got %q %q", user, domainName)
	}
}
