package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a local user account.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	PublicKeyPem  string
	PrivateKeyPem string
	IsAdmin       bool
	ManuallyApprovesFollowers bool
	CreatedAt     time.Time
}

// Note visibilities.
const (
	VisibilityPublic    = "public"
	VisibilityUnlisted  = "unlisted"
	VisibilityFollowers = "followers"
	VisibilityDirect    = "direct"
)

// Note represents a post, local or federated in. URI is the ActivityPub
// object id; for local notes it is assigned on first federation.
type Note struct {
	Id             uuid.UUID
	AccountId      *uuid.UUID // local author, nil for federated notes
	RemoteActorId  *uuid.UUID // remote author, nil for local notes
	URI            string     // ActivityPub object id
	Content        string
	Name           string
	ContentWarning string
	Visibility     string // public, unlisted, followers, direct
	InReplyToURI   string
	CommunityURI   string // owning community actor, inherited down reply chains
	Sensitive      bool
	Deleted        bool
	EditedAt       *time.Time
	ReplyCount     int
	LikeCount      int
	DislikeCount   int
	BoostCount     int
	CreatedAt      time.Time
}

// Poll holds the choices attached to a note published as a Question.
type Poll struct {
	Options   []PollOption
	Multiple  bool // more than one choice may be selected
	ExpiresAt *time.Time
}

// PollOption is one poll choice with its running vote total.
type PollOption struct {
	Name  string
	Votes int
}

// NoteAttachment is one media attachment of a note.
type NoteAttachment struct {
	Id        uuid.UUID
	NoteId    uuid.UUID
	URL       string
	MediaType string
	Name      string // alt text
	CreatedAt time.Time
}

// NoteMention represents a @user@domain mention in a note.
type NoteMention struct {
	Id                uuid.UUID
	NoteId            uuid.UUID
	MentionedActorURI string
	MentionedUsername string
	MentionedDomain   string
	CreatedAt         time.Time
}
