package domain

import (
	"time"

	"github.com/google/uuid"
)

// Actor represents a federated actor, local or remote. Local service actors
// (such as the relay actor) keep their private key in PrivateKeyPem.
type Actor struct {
	Id                        uuid.UUID
	URI                       string
	Username                  string
	Domain                    string
	ActorType                 string // Person, Group, Organization, Service, Application
	DisplayName               string
	Summary                   string
	InboxURI                  string
	SharedInboxURI            string
	OutboxURI                 string
	FollowersURI              string
	PublicKeyPem              string
	PrivateKeyPem             string // only for local service actors
	ManuallyApprovesFollowers bool
	Local                     bool
	AccountId                 *uuid.UUID // local account, nil for remote and service actors
	LastFetchedAt             time.Time
}

// Activity represents a stored ActivityPub activity (for deduplication,
// reprocessing and federation-level passthrough). RawJSON holds the full
// JSON-LD document verbatim.
type Activity struct {
	Id              uuid.UUID
	ActivityURI     string
	ActivityType    string // Create, Follow, Like, Announce, Undo, etc.
	ActorURI        string
	ObjectURI       string
	RawJSON         string
	Local           bool // true if originated from this server
	AccountId       *uuid.UUID
	Processed       bool
	ProcessedAt     *time.Time
	ProcessError    string
	ProcessAttempts int
	CreatedAt       time.Time
}

// Delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery is one per-recipient delivery record of an outgoing activity.
// Transient failures are retried through NextRetryAt on the same row, never
// by inserting a new one.
type Delivery struct {
	Id            uuid.UUID
	ActivityId    uuid.UUID
	InboxURI      string
	Status        string // pending, delivered, failed
	Attempts      int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	ErrorMessage  string
	CreatedAt     time.Time
}

// Instance is the per-domain record for MRF policy flags and reachability.
// Domain may carry a "*." wildcard prefix for policy matching.
type Instance struct {
	Domain                   string
	Blocked                  bool
	Silenced                 bool
	MediaRemoval             bool
	MediaNSFW                bool
	FederatedTimelineRemoval bool
	FollowersOnly            bool
	ReportRemoval            bool
	AvatarRemoval            bool
	BannerRemoval            bool
	RejectDeletes            bool
	UnreachableSince         *time.Time
	FailureCount             int
	NodeInfo                 string // raw JSON, advisory
	PolicyAppliedAt          *time.Time
	CreatedAt                time.Time
}

// SigningKey caches a key by its keyId ({actor_uri}#main-key).
// PrivateKeyPem is empty for remote keys.
type SigningKey struct {
	KeyId         string
	OwnerURI      string
	PublicKeyPem  string
	PrivateKeyPem string
	UpdatedAt     time.Time
}

// Relay subscription statuses.
const (
	RelayPending  = "pending"
	RelayActive   = "active"
	RelayRejected = "rejected"
	RelayError    = "error"
)

// RelaySubscription tracks the Follow state machine against one relay actor.
type RelaySubscription struct {
	Id                uuid.UUID
	RelayURI          string
	RelayInboxURI     string
	FollowActivityURI string
	Status            string // pending, active, rejected, error
	Accepted          bool
	CreatedAt         time.Time
	AcceptedAt        *time.Time
}

// Follow represents a follow relationship. AccountId and TargetAccountId may
// each reference a local account or a remote actor row.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower
	TargetAccountId uuid.UUID // the target being followed
	URI             string    // Follow activity URI
	Accepted        bool
	CreatedAt       time.Time
}

// Remote interaction types.
const (
	InteractionLike       = "like"
	InteractionDislike    = "dislike"
	InteractionEmojiReact = "emoji_react"
	InteractionAnnounce   = "announce"
)

// RemoteInteraction records a Like/Dislike/EmojiReact/Announce from a remote
// actor on a local note. Unique per (note, actor, type, emoji).
type RemoteInteraction struct {
	Id        uuid.UUID
	NoteId    uuid.UUID
	ActorURI  string
	Type      string
	Emoji     string
	URI       string // activity URI
	CreatedAt time.Time
}

// UserBlock records an incoming Block from a remote actor against a local account.
type UserBlock struct {
	Id        uuid.UUID
	ActorURI  string
	AccountId uuid.UUID
	URI       string // Block activity URI
	CreatedAt time.Time
}

// Report is a moderation report created from an incoming Flag activity.
type Report struct {
	Id          uuid.UUID
	ReporterURI string
	Content     string
	ObjectURIs  string // JSON array of reported URIs
	AccountIds  string // JSON array of local account ids targeted
	CreatedAt   time.Time
}
