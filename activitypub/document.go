package activitypub

import (
	"encoding/json"
	"strings"

	"github.com/perchnet/perch/util"
)

// PublicAudience is the ActivityStreams Public collection URI.
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// ContentType is the media type for ActivityPub documents.
const ContentType = "application/activity+json"

// AcceptHeader is sent on outgoing fetches.
const AcceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// Activity is the generic ActivityPub envelope. Object stays raw so each
// handler can decode the shape it expects.
type Activity struct {
	Context any             `json:"@context,omitempty"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   any             `json:"actor"`
	Object  json.RawMessage `json:"object,omitempty"`
	Target  any             `json:"target,omitempty"`
	To      Audience        `json:"to,omitempty"`
	Cc      Audience        `json:"cc,omitempty"`
	Content string          `json:"content,omitempty"`
}

// ActorURI returns the activity's actor as a URI string. Actors given as
// embedded objects resolve through their id.
func (a *Activity) ActorURI() string {
	return anyToURI(a.Actor)
}

// ObjectURI returns the activity's object id, whether the object is a bare
// URI or an embedded document.
func (a *Activity) ObjectURI() string {
	if len(a.Object) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ObjectType returns the embedded object's type, or "" for bare URIs.
func (a *Activity) ObjectType() string {
	if len(a.Object) == 0 {
		return ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.Type
	}
	return ""
}

// IsPublic reports whether the activity addresses the Public collection in
// either to or cc.
func (a *Activity) IsPublic() bool {
	for _, uri := range a.To {
		if uri == PublicAudience {
			return true
		}
	}
	for _, uri := range a.Cc {
		if uri == PublicAudience {
			return true
		}
	}
	return false
}

// Audience is a to/cc list that tolerates the single-string form remote
// software sometimes sends.
type Audience []string

func (au *Audience) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*au = Audience{s}
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	out := make(Audience, 0, len(list))
	for _, item := range list {
		if uri := anyToURI(item); uri != "" {
			out = append(out, uri)
		}
	}
	*au = out
	return nil
}

// NoteObject is the subset of a Note/Article/Page/Question object the
// federation core consumes.
type NoteObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo any      `json:"attributedTo"`
	Content      string   `json:"content"`
	Name         string   `json:"name"`
	Summary      string   `json:"summary"`
	Published    string   `json:"published"`
	Updated      string   `json:"updated"`
	InReplyTo    any      `json:"inReplyTo"`
	Sensitive    bool     `json:"sensitive"`
	Replies      any      `json:"replies"`
	To           Audience `json:"to"`
	Cc           Audience `json:"cc"`
	Audience     any      `json:"audience"`
	Tag          []Tag    `json:"tag"`
	Attachment   []struct {
		Type      string `json:"type"`
		URL       string `json:"url"`
		MediaType string `json:"mediaType"`
		Name      string `json:"name"`
	} `json:"attachment"`
}

// Tag is one entry of an object's tag array (Mention, Hashtag, Emoji).
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

// AttributedToURI resolves the author URI of a note object.
func (n *NoteObject) AttributedToURI() string {
	return anyToURI(n.AttributedTo)
}

// InReplyToURI resolves the parent URI of a reply, or "".
func (n *NoteObject) InReplyToURI() string {
	return anyToURI(n.InReplyTo)
}

// RepliesURI resolves the object's replies collection, or "".
func (n *NoteObject) RepliesURI() string {
	return anyToURI(n.Replies)
}

// AudienceURI resolves the owning community/group actor of the object, or "".
func (n *NoteObject) AudienceURI() string {
	return anyToURI(n.Audience)
}

// noteObjectTypes are the object types stored as notes.
var noteObjectTypes = map[string]bool{
	"Note":     true,
	"Article":  true,
	"Page":     true,
	"Question": true,
	"Video":    true,
	"Event":    true,
}

// actorTypes are the recognized ActivityPub actor types.
var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// anyToURI extracts a URI from a value that may be a string, a list, or an
// embedded object with an id.
func anyToURI(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if id, ok := val["id"].(string); ok {
			return id
		}
	case []any:
		for _, item := range val {
			if uri := anyToURI(item); uri != "" {
				return uri
			}
		}
	}
	return ""
}

// sameOrigin reports whether two URIs share a host, case-insensitively.
func sameOrigin(a, b string) bool {
	ha, hb := util.HostOf(a), util.HostOf(b)
	return ha != "" && strings.EqualFold(ha, hb)
}
