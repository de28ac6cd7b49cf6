package activitypub

import (
	"encoding/json"

	"github.com/perchnet/perch/util"
)

// contentObjectTypes are embedded object types that must carry some content.
var contentObjectTypes = map[string]bool{
	"Note":     true,
	"Article":  true,
	"Page":     true,
	"Question": true,
	"Event":    true,
	"Audio":    true,
	"Video":    true,
	"Image":    true,
}

// ValidateActivity checks the structural shape of an incoming activity map.
// It never mutates the input; failures are ValidationErrors with the reason.
func ValidateActivity(activity map[string]any) error {
	typ := getString(activity, "type")
	if typ == "" {
		return invalidf("missing type")
	}

	id := getString(activity, "id")
	if id == "" && typ != "Delete" {
		return invalidf("missing id")
	}
	if id != "" && !util.IsURL(id) {
		return invalidf("id %q is not an http(s) URI", id)
	}

	// The document may itself be an actor object instead of an activity.
	if actorTypes[typ] {
		if !util.IsURL(id) {
			return invalidf("actor object missing valid id")
		}
		if inbox := getString(activity, "inbox"); !util.IsURL(inbox) {
			return invalidf("actor object missing valid inbox")
		}
		return nil
	}

	actorURI := anyToURI(activity["actor"])
	if !util.IsURL(actorURI) {
		return invalidf("actor %q is not an http(s) URI", actorURI)
	}

	switch typ {
	case "Create", "Update", "Delete", "Like", "Dislike", "EmojiReact",
		"Announce", "Undo", "Follow", "Accept", "Reject":
		if !hasObject(activity) {
			return invalidf("%s requires an object", typ)
		}
	case "Flag":
		if !hasObject(activity) {
			return invalidf("Flag requires an object")
		}
	case "Block":
		if obj := anyToURI(activity["object"]); !util.IsURL(obj) {
			return invalidf("Block requires a URI object")
		}
	}

	if obj, ok := activity["object"].(map[string]any); ok {
		if err := validateContentObject(obj); err != nil {
			return err
		}
	}
	return nil
}

// validateContentObject requires content-bearing objects to actually carry
// content: at least one of content, summary, name, or an attachment.
func validateContentObject(obj map[string]any) error {
	typ := getString(obj, "type")
	if !contentObjectTypes[typ] {
		return nil
	}
	if getString(obj, "content") != "" ||
		getString(obj, "summary") != "" ||
		getString(obj, "name") != "" {
		return nil
	}
	if atts, ok := obj["attachment"].([]any); ok && len(atts) > 0 {
		return nil
	}
	return invalidf("%s object %q has no content, summary, name or attachment", typ, getString(obj, "id"))
}

// ValidateActorDomain enforces that the activity's actor lives on the host
// the request signature was verified against.
func ValidateActorDomain(activity map[string]any, verifiedActorURI string) error {
	actorURI := anyToURI(activity["actor"])
	if actorURI == "" {
		return invalidf("missing actor")
	}
	if !sameOrigin(actorURI, verifiedActorURI) {
		return invalidf("actor %s does not match signer %s", actorURI, verifiedActorURI)
	}
	return nil
}

func hasObject(activity map[string]any) bool {
	switch obj := activity["object"].(type) {
	case string:
		return obj != ""
	case map[string]any:
		return true
	case []any:
		return len(obj) > 0
	}
	return false
}

// DecodeActivity parses raw JSON into both the generic envelope and the raw
// map used by validation and MRF.
func DecodeActivity(raw []byte) (*Activity, map[string]any, error) {
	var activity Activity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return nil, nil, invalidf("unparseable JSON: %v", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, nil, invalidf("unparseable JSON: %v", err)
	}
	return &activity, asMap, nil
}
