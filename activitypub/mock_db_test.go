package activitypub

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

// mockDatabase is an in-memory Database for tests. Maps are keyed the way
// the sqlite store indexes them; WithTransaction runs the callback against
// the mock itself.
type mockDatabase struct {
	mu sync.Mutex

	accounts     map[uuid.UUID]*domain.Account
	actors       map[string]*domain.Actor
	activities   map[string]*domain.Activity
	deliveries   map[uuid.UUID]*domain.Delivery
	instances    map[string]*domain.Instance
	signingKeys  map[string]*domain.SigningKey
	follows      map[string]*domain.Follow
	notes        map[string]*domain.Note
	attachments  map[uuid.UUID][]domain.NoteAttachment
	mentions     []domain.NoteMention
	interactions map[uuid.UUID]*domain.RemoteInteraction
	relays       map[uuid.UUID]*domain.RelaySubscription
	blocks       map[string]*domain.UserBlock
	reports      []*domain.Report
	notified     []*domain.Notification
	jobs         []*domain.Job

	// followerInboxes is returned by ReadFollowerInboxes per account.
	followerInboxes map[uuid.UUID][]string

	forceError error
}

func newMockDatabase() *mockDatabase {
	return &mockDatabase{
		accounts:        make(map[uuid.UUID]*domain.Account),
		actors:          make(map[string]*domain.Actor),
		activities:      make(map[string]*domain.Activity),
		deliveries:      make(map[uuid.UUID]*domain.Delivery),
		instances:       make(map[string]*domain.Instance),
		signingKeys:     make(map[string]*domain.SigningKey),
		follows:         make(map[string]*domain.Follow),
		notes:           make(map[string]*domain.Note),
		attachments:     make(map[uuid.UUID][]domain.NoteAttachment),
		interactions:    make(map[uuid.UUID]*domain.RemoteInteraction),
		relays:          make(map[uuid.UUID]*domain.RelaySubscription),
		blocks:          make(map[string]*domain.UserBlock),
		followerInboxes: make(map[uuid.UUID][]string),
	}
}

func (m *mockDatabase) WithTransaction(f func(tx Database) error) error {
	if m.forceError != nil {
		return m.forceError
	}
	return f(m)
}

// Accounts

func (m *mockDatabase) addAccount(acc *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.Id] = acc
}

func (m *mockDatabase) ReadAccountByUsername(username string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.Username == username {
			return acc, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadAccountById(id uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[id]; ok {
		return acc, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) UpdateAccountKeys(id uuid.UUID, publicKeyPem, privateKeyPem string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return db.ErrNotFound
	}
	acc.PublicKeyPem, acc.PrivateKeyPem = publicKeyPem, privateKeyPem
	return nil
}

func (m *mockDatabase) CountAccounts() (int, error) { return len(m.accounts), nil }
func (m *mockDatabase) CountLocalNotes() (int, error) {
	n := 0
	for _, note := range m.notes {
		if note.AccountId != nil && !note.Deleted {
			n++
		}
	}
	return n, nil
}
func (m *mockDatabase) CountActiveAccountsSince(since time.Time) (int, error) {
	return len(m.accounts), nil
}

// Actors

func (m *mockDatabase) UpsertActor(actor *domain.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[actor.URI] = actor
	return nil
}

func (m *mockDatabase) ReadActorByURI(uri string) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if actor, ok := m.actors[uri]; ok {
		return actor, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadActorById(id uuid.UUID) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, actor := range m.actors {
		if actor.Id == id {
			return actor, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadActorByHandle(username, domainName string) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, actor := range m.actors {
		if actor.Username == username && actor.Domain == domainName {
			return actor, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadActorByAccountId(accountId uuid.UUID) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, actor := range m.actors {
		if actor.AccountId != nil && *actor.AccountId == accountId {
			return actor, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadSharedInboxForDomain(domainName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, actor := range m.actors {
		if actor.Domain == domainName && actor.SharedInboxURI != "" {
			return actor.SharedInboxURI, nil
		}
	}
	return "", db.ErrNotFound
}

func (m *mockDatabase) DeleteActorByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actors, uri)
	return nil
}

// Activities

func (m *mockDatabase) CreateActivity(a *domain.Activity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.activities[a.ActivityURI]; exists {
		return false, nil
	}
	m.activities[a.ActivityURI] = a
	return true, nil
}

func (m *mockDatabase) ReadActivityByURI(uri string) (*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.activities[uri]; ok {
		return a, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadActivityById(id uuid.UUID) (*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.Id == id {
			return a, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadActivityByObjectURI(objectURI string) (*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.ObjectURI == objectURI {
			return a, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ActivityURIExists(uri string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activities[uri]
	return ok, nil
}

func (m *mockDatabase) MarkActivityProcessed(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.Id == id {
			now := time.Now().UTC()
			a.Processed, a.ProcessedAt = true, &now
			break
		}
	}
	return nil
}

func (m *mockDatabase) MarkActivityFailed(id uuid.UUID, processError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.Id == id {
			a.ProcessError = processError
			a.ProcessAttempts++
			break
		}
	}
	return nil
}

func (m *mockDatabase) DeleteActivityByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activities, uri)
	return nil
}

func (m *mockDatabase) DeleteActivitiesByActorURI(actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uri, a := range m.activities {
		if a.ActorURI == actorURI && !a.Local {
			delete(m.activities, uri)
		}
	}
	return nil
}

// Deliveries

func (m *mockDatabase) CreateDeliveries(activityId uuid.UUID, inboxURIs []string) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Delivery, 0, len(inboxURIs))
	for _, inbox := range inboxURIs {
		d := &domain.Delivery{
			Id:         uuid.New(),
			ActivityId: activityId,
			InboxURI:   inbox,
			Status:     domain.DeliveryPending,
			CreatedAt:  time.Now().UTC(),
		}
		m.deliveries[d.Id] = d
		out = append(out, *d)
	}
	return out, nil
}

func (m *mockDatabase) ReadDeliveryById(id uuid.UUID) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		return d, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadDueDeliveries(limit int) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var due []domain.Delivery
	for _, d := range m.deliveries {
		if d.Status == domain.DeliveryPending && d.NextRetryAt != nil && d.NextRetryAt.Before(now) {
			due = append(due, *d)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (m *mockDatabase) MarkDeliveryDelivered(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		d.Status = domain.DeliveryDelivered
		return nil
	}
	return db.ErrNotFound
}

func (m *mockDatabase) MarkDeliveryFailed(id uuid.UUID, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		d.Status, d.ErrorMessage = domain.DeliveryFailed, errorMessage
		return nil
	}
	return db.ErrNotFound
}

func (m *mockDatabase) UpdateDeliveryRetry(id uuid.UUID, attempts int, nextRetry time.Time, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		now := time.Now().UTC()
		d.Attempts, d.NextRetryAt, d.ErrorMessage, d.LastAttemptAt = attempts, &nextRetry, errorMessage, &now
		return nil
	}
	return db.ErrNotFound
}

func (m *mockDatabase) PurgeFinishedDeliveries(olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.deliveries {
		if d.Status != domain.DeliveryPending && d.CreatedAt.Before(olderThan) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

// Instances

func (m *mockDatabase) EnsureInstance(domainName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[domainName]; !ok {
		m.instances[domainName] = &domain.Instance{Domain: domainName, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func (m *mockDatabase) ReadInstanceByDomain(domainName string) (*domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[domainName]; ok {
		return inst, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadPolicyInstances() ([]domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Instance
	for _, inst := range m.instances {
		if inst.Blocked || inst.Silenced || inst.MediaRemoval || inst.MediaNSFW ||
			inst.FederatedTimelineRemoval || inst.FollowersOnly || inst.ReportRemoval ||
			inst.AvatarRemoval || inst.BannerRemoval || inst.RejectDeletes {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (m *mockDatabase) MarkInstanceUnreachable(domainName string) error {
	_ = m.EnsureInstance(domainName)
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[domainName]
	if inst.UnreachableSince == nil {
		now := time.Now().UTC()
		inst.UnreachableSince = &now
	}
	inst.FailureCount++
	return nil
}

func (m *mockDatabase) MarkInstanceReachable(domainName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[domainName]; ok {
		inst.UnreachableSince, inst.FailureCount = nil, 0
	}
	return nil
}

// Signing keys

func (m *mockDatabase) UpsertSigningKey(key *domain.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signingKeys[key.KeyId] = key
	return nil
}

func (m *mockDatabase) ReadSigningKey(keyId string) (*domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.signingKeys[keyId]; ok {
		return key, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) DeleteSigningKeysByOwner(ownerURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for keyId, key := range m.signingKeys {
		if key.OwnerURI == ownerURI {
			delete(m.signingKeys, keyId)
		}
	}
	return nil
}

// Follows

func (m *mockDatabase) CreateFollow(f *domain.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.follows[f.URI] = f
	return nil
}

func (m *mockDatabase) ReadFollowByURI(uri string) (*domain.Follow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.follows[uri]; ok {
		return f, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadFollowByPair(accountId, targetAccountId uuid.UUID) (*domain.Follow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.follows {
		if f.AccountId == accountId && f.TargetAccountId == targetAccountId {
			return f, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) AcceptFollowByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.follows[uri]; ok {
		f.Accepted = true
		return nil
	}
	return db.ErrNotFound
}

func (m *mockDatabase) DeleteFollowByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.follows[uri]; !ok {
		return db.ErrNotFound
	}
	delete(m.follows, uri)
	return nil
}

func (m *mockDatabase) DeleteFollowsByActorId(actorId uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uri, f := range m.follows {
		if f.AccountId == actorId || f.TargetAccountId == actorId {
			delete(m.follows, uri)
		}
	}
	return nil
}

func (m *mockDatabase) ReadFollowerInboxes(accountId uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.followerInboxes[accountId], nil
}

// Notes

func (m *mockDatabase) CreateNote(note *domain.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[note.URI] = note
	return nil
}

func (m *mockDatabase) ReadNoteByURI(uri string) (*domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if note, ok := m.notes[uri]; ok {
		return note, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadNoteById(id uuid.UUID) (*domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, note := range m.notes {
		if note.Id == id {
			return note, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) UpdateNoteContent(uri, content, name, contentWarning string, sensitive bool, editedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[uri]
	if !ok {
		return db.ErrNotFound
	}
	note.Content, note.Name, note.ContentWarning, note.Sensitive = content, name, contentWarning, sensitive
	note.EditedAt = &editedAt
	return nil
}

func (m *mockDatabase) TombstoneNoteByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if note, ok := m.notes[uri]; ok {
		note.Deleted, note.Content = true, ""
		return nil
	}
	return db.ErrNotFound
}

func (m *mockDatabase) SetNoteURI(id uuid.UUID, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for old, note := range m.notes {
		if note.Id == id {
			delete(m.notes, old)
			note.URI = uri
			m.notes[uri] = note
			return nil
		}
	}
	return db.ErrNotFound
}

func (m *mockDatabase) IncrementReplyCountByURI(parentURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if note, ok := m.notes[parentURI]; ok {
		note.ReplyCount++
	}
	return nil
}

func (m *mockDatabase) DecrementReplyCountByURI(parentURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if note, ok := m.notes[parentURI]; ok && note.ReplyCount > 0 {
		note.ReplyCount--
	}
	return nil
}

func (m *mockDatabase) AdjustNoteCount(noteId uuid.UUID, kind string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, note := range m.notes {
		if note.Id != noteId {
			continue
		}
		switch kind {
		case domain.InteractionLike:
			note.LikeCount += delta
		case domain.InteractionDislike:
			note.DislikeCount += delta
		case domain.InteractionAnnounce:
			note.BoostCount += delta
		}
		return nil
	}
	return db.ErrNotFound
}

func (m *mockDatabase) CreateNoteAttachment(att *domain.NoteAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[att.NoteId] = append(m.attachments[att.NoteId], *att)
	return nil
}

func (m *mockDatabase) ReadNoteAttachments(noteId uuid.UUID) ([]domain.NoteAttachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachments[noteId], nil
}

func (m *mockDatabase) CreateNoteMention(mention *domain.NoteMention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mentions = append(m.mentions, *mention)
	return nil
}

// Interactions

func (m *mockDatabase) CreateRemoteInteraction(ri *domain.RemoteInteraction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.interactions {
		if existing.NoteId == ri.NoteId && existing.ActorURI == ri.ActorURI &&
			existing.Type == ri.Type && existing.Emoji == ri.Emoji {
			return false, nil
		}
	}
	m.interactions[ri.Id] = ri
	return true, nil
}

func (m *mockDatabase) ReadInteractionByURI(uri string) (*domain.RemoteInteraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ri := range m.interactions {
		if ri.URI == uri {
			return ri, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadInteractionByKey(noteId uuid.UUID, actorURI, kind, emoji string) (*domain.RemoteInteraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ri := range m.interactions {
		if ri.NoteId == noteId && ri.ActorURI == actorURI && ri.Type == kind && ri.Emoji == emoji {
			return ri, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) DeleteInteractionById(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interactions, id)
	return nil
}

// Relay subscriptions

func (m *mockDatabase) UpsertRelaySubscription(sub *domain.RelaySubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays[sub.Id] = sub
	return nil
}

func (m *mockDatabase) ReadRelaySubscriptionByURI(relayURI string) (*domain.RelaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.relays {
		if sub.RelayURI == relayURI {
			return sub, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadRelaySubscriptionByFollowURI(followURI string) (*domain.RelaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.relays {
		if sub.FollowActivityURI == followURI {
			return sub, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockDatabase) ReadActiveRelaySubscriptions() ([]domain.RelaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RelaySubscription
	for _, sub := range m.relays {
		if sub.Status == domain.RelayActive {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *mockDatabase) UpdateRelayStatus(id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.relays[id]; ok {
		sub.Status = status
		return nil
	}
	return db.ErrNotFound
}

func (m *mockDatabase) DeleteRelaySubscriptionByURI(relayURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.relays {
		if sub.RelayURI == relayURI {
			delete(m.relays, id)
			return nil
		}
	}
	return db.ErrNotFound
}

// Moderation and notifications

func (m *mockDatabase) CreateUserBlock(b *domain.UserBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.URI] = b
	return nil
}

func (m *mockDatabase) DeleteUserBlockByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[uri]; !ok {
		return db.ErrNotFound
	}
	delete(m.blocks, uri)
	return nil
}

func (m *mockDatabase) CreateReport(r *domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *mockDatabase) CreateNotification(n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, n)
	return nil
}

// Durable queue

func (m *mockDatabase) InsertJob(job *domain.Job, uniqueWindow time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.UniqueKey != "" && uniqueWindow > 0 {
		cutoff := time.Now().Add(-uniqueWindow)
		for _, existing := range m.jobs {
			if existing.UniqueKey == job.UniqueKey && existing.InsertedAt.After(cutoff) {
				return false, nil
			}
		}
	}
	if job.Id == (uuid.UUID{}) {
		job.Id = uuid.New()
	}
	job.InsertedAt = time.Now().UTC()
	m.jobs = append(m.jobs, job)
	return true, nil
}

// roundTripFunc fakes the HTTPClient with a function.
type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.InstanceURL = "https://perch.example"
	conf.Conf.SslDomain = "perch.example"
	conf.ApplyDefaults()
	return conf
}

func newTestDeps(mock *mockDatabase) *Deps {
	return &Deps{
		Conf:     testConf(),
		Database: mock,
		HTTPClient: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return nil, errUnexpectedFetch(req.URL.String())
		}),
		MRF: NewPolicyChain([]string{"simple"}),
	}
}

type errUnexpectedFetch string

func (e errUnexpectedFetch) Error() string { return "unexpected fetch of " + string(e) }

// remoteActor seeds a cached remote actor and returns it.
func (m *mockDatabase) remoteActor(uri string) *domain.Actor {
	actor := &domain.Actor{
		Id:            uuid.New(),
		URI:           uri,
		Username:      strings.TrimPrefix(uri[strings.LastIndex(uri, "/")+1:], "@"),
		Domain:        util.HostOf(uri),
		ActorType:     "Person",
		InboxURI:      uri + "/inbox",
		FollowersURI:  uri + "/followers",
		LastFetchedAt: time.Now().UTC(),
	}
	m.actors[uri] = actor
	return actor
}

// localAccount seeds a local account with its actor row.
func (m *mockDatabase) localAccount(conf *util.AppConfig, username string) (*domain.Account, *domain.Actor) {
	account := &domain.Account{
		Id:        uuid.New(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	m.accounts[account.Id] = account

	uri := conf.Conf.InstanceURL + "/users/" + username
	actor := &domain.Actor{
		Id:           uuid.New(),
		URI:          uri,
		Username:     username,
		Domain:       conf.Conf.SslDomain,
		ActorType:    "Person",
		InboxURI:     uri + "/inbox",
		FollowersURI: uri + "/followers",
		Local:        true,
		AccountId:    &account.Id,
	}
	m.actors[uri] = actor
	return account, actor
}
