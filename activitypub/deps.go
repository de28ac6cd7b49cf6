package activitypub

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

// Database defines the database operations required by the federation core.
// This interface allows for dependency injection and testing with mock
// implementations.
type Database interface {
	// Transactions. The Database passed to f routes all calls through one
	// transaction; returning an error rolls everything back.
	WithTransaction(f func(tx Database) error) error

	// Accounts
	ReadAccountByUsername(username string) (*domain.Account, error)
	ReadAccountById(id uuid.UUID) (*domain.Account, error)
	UpdateAccountKeys(id uuid.UUID, publicKeyPem, privateKeyPem string) error
	CountAccounts() (int, error)
	CountLocalNotes() (int, error)
	CountActiveAccountsSince(since time.Time) (int, error)

	// Actors
	UpsertActor(actor *domain.Actor) error
	ReadActorByURI(uri string) (*domain.Actor, error)
	ReadActorById(id uuid.UUID) (*domain.Actor, error)
	ReadActorByHandle(username, domainName string) (*domain.Actor, error)
	ReadActorByAccountId(accountId uuid.UUID) (*domain.Actor, error)
	ReadSharedInboxForDomain(domainName string) (string, error)
	DeleteActorByURI(uri string) error

	// Activities
	CreateActivity(a *domain.Activity) (bool, error)
	ReadActivityByURI(uri string) (*domain.Activity, error)
	ReadActivityById(id uuid.UUID) (*domain.Activity, error)
	ReadActivityByObjectURI(objectURI string) (*domain.Activity, error)
	ActivityURIExists(uri string) (bool, error)
	MarkActivityProcessed(id uuid.UUID) error
	MarkActivityFailed(id uuid.UUID, processError string) error
	DeleteActivityByURI(uri string) error
	DeleteActivitiesByActorURI(actorURI string) error

	// Deliveries
	CreateDeliveries(activityId uuid.UUID, inboxURIs []string) ([]domain.Delivery, error)
	ReadDeliveryById(id uuid.UUID) (*domain.Delivery, error)
	ReadDueDeliveries(limit int) ([]domain.Delivery, error)
	MarkDeliveryDelivered(id uuid.UUID) error
	MarkDeliveryFailed(id uuid.UUID, errorMessage string) error
	UpdateDeliveryRetry(id uuid.UUID, attempts int, nextRetry time.Time, errorMessage string) error
	PurgeFinishedDeliveries(olderThan time.Time) (int64, error)

	// Instances
	EnsureInstance(domainName string) error
	ReadInstanceByDomain(domainName string) (*domain.Instance, error)
	ReadPolicyInstances() ([]domain.Instance, error)
	MarkInstanceUnreachable(domainName string) error
	MarkInstanceReachable(domainName string) error

	// Signing keys
	UpsertSigningKey(key *domain.SigningKey) error
	ReadSigningKey(keyId string) (*domain.SigningKey, error)
	DeleteSigningKeysByOwner(ownerURI string) error

	// Follows
	CreateFollow(f *domain.Follow) error
	ReadFollowByURI(uri string) (*domain.Follow, error)
	ReadFollowByPair(accountId, targetAccountId uuid.UUID) (*domain.Follow, error)
	AcceptFollowByURI(uri string) error
	DeleteFollowByURI(uri string) error
	DeleteFollowsByActorId(actorId uuid.UUID) error
	ReadFollowerInboxes(accountId uuid.UUID) ([]string, error)

	// Notes
	CreateNote(note *domain.Note) error
	ReadNoteByURI(uri string) (*domain.Note, error)
	ReadNoteById(id uuid.UUID) (*domain.Note, error)
	UpdateNoteContent(uri, content, name, contentWarning string, sensitive bool, editedAt time.Time) error
	TombstoneNoteByURI(uri string) error
	SetNoteURI(id uuid.UUID, uri string) error
	IncrementReplyCountByURI(parentURI string) error
	DecrementReplyCountByURI(parentURI string) error
	AdjustNoteCount(noteId uuid.UUID, kind string, delta int) error
	CreateNoteAttachment(att *domain.NoteAttachment) error
	ReadNoteAttachments(noteId uuid.UUID) ([]domain.NoteAttachment, error)
	CreateNoteMention(m *domain.NoteMention) error

	// Interactions
	CreateRemoteInteraction(ri *domain.RemoteInteraction) (bool, error)
	ReadInteractionByURI(uri string) (*domain.RemoteInteraction, error)
	ReadInteractionByKey(noteId uuid.UUID, actorURI, kind, emoji string) (*domain.RemoteInteraction, error)
	DeleteInteractionById(id uuid.UUID) error

	// Relay subscriptions
	UpsertRelaySubscription(sub *domain.RelaySubscription) error
	ReadRelaySubscriptionByURI(relayURI string) (*domain.RelaySubscription, error)
	ReadRelaySubscriptionByFollowURI(followURI string) (*domain.RelaySubscription, error)
	ReadActiveRelaySubscriptions() ([]domain.RelaySubscription, error)
	UpdateRelayStatus(id uuid.UUID, status string) error
	DeleteRelaySubscriptionByURI(relayURI string) error

	// Moderation and notifications
	CreateUserBlock(b *domain.UserBlock) error
	DeleteUserBlockByURI(uri string) error
	CreateReport(r *domain.Report) error
	CreateNotification(n *domain.Notification) error

	// Durable queue
	InsertJob(job *domain.Job, uniqueWindow time.Duration) (bool, error)
}

// HTTPClient defines the HTTP client operations required by the federation
// core, for dependency injection and testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Deps holds dependencies for the federation core.
type Deps struct {
	Conf       *util.AppConfig
	Database   Database
	HTTPClient HTTPClient
	MRF        *PolicyChain

	// Notify is invoked after a commit for every notification created by an
	// inbound activity. Optional.
	Notify func(n *domain.Notification)

	// Broadcast is invoked after a commit for every public note stored, so
	// live timeline subscribers see it. Optional.
	Broadcast func(note *domain.Note)
}

// client returns the configured HTTP client, falling back to the package
// default when none was injected.
func (d *Deps) client() HTTPClient {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return defaultHTTPClient
}

// DBAdapter adapts the concrete sqlite store to the Database interface. The
// only method that needs adapting is WithTransaction, whose callback takes
// the interface type.
type DBAdapter struct {
	*db.DB
}

// NewDBAdapter wraps a store for use by the federation core.
func NewDBAdapter(store *db.DB) *DBAdapter {
	return &DBAdapter{DB: store}
}

func (a *DBAdapter) WithTransaction(f func(tx Database) error) error {
	return a.DB.WithTransaction(func(tx *db.DB) error {
		return f(&DBAdapter{DB: tx})
	})
}

// DefaultHTTPClient is the HTTP client used in production.
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient creates an HTTP client with the specified timeout.
func NewDefaultHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Do executes the HTTP request.
func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

var defaultHTTPClient HTTPClient = NewDefaultHTTPClient(10 * time.Second)
