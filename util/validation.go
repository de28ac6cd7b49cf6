package util

import (
	"regexp"
	"unicode"
)

// Characters WebFinger allows in a username without percent-encoding.
var webFingerUsernameRegex = regexp.MustCompile(`^[A-Za-z0-9\-._~!$&'()*+,;=]+$`)

// IsValidWebFingerUsername reports whether a username can appear in an
// acct: resource without percent-encoding. Returns (false, reason) otherwise.
func IsValidWebFingerUsername(username string) (bool, string) {
	if len(username) == 0 {
		return false, "username must be at least 1 character"
	}
	if !webFingerUsernameRegex.MatchString(username) {
		return false, "username contains characters outside A-Za-z0-9-._~!$&'()*+,;="
	}
	for _, r := range username {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return false, "username contains non-printable characters"
		}
	}
	return true, ""
}
