package util

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"path"
	"regexp"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

// GetVersion returns the embedded software version.
func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

// GetNameAndVersion returns "perch / x.y.z".
func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// PrettyPrint renders any value as indented JSON for logging.
func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

var (
	brRegex      = regexp.MustCompile(`(?i)<br\s*/?>`)
	pCloseRegex  = regexp.MustCompile(`(?i)</p>`)
	tagRegex     = regexp.MustCompile(`<[^>]*>`)
	mentionRegex = regexp.MustCompile(`@([A-Za-z0-9_.\-]+)@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
)

// StripHTML converts HTML content to plain text, turning <br> and paragraph
// boundaries into newlines and unescaping entities.
func StripHTML(s string) string {
	s = brRegex.ReplaceAllString(s, "\n")
	s = pCloseRegex.ReplaceAllString(s, "\n\n")
	s = tagRegex.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}

// ExtractMentions returns all @user@domain handles found in text, without
// the leading @. Each entry is "user@domain".
func ExtractMentions(text string) []string {
	matches := mentionRegex.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	handles := make([]string, 0, len(matches))
	for _, m := range matches {
		handle := m[1] + "@" + m[2]
		if !seen[handle] {
			seen[handle] = true
			handles = append(handles, handle)
		}
	}
	return handles
}

// GuessMediaType guesses a MIME type from a media URL's file extension.
// Unknown extensions fall back to application/octet-stream.
func GuessMediaType(mediaURL string) string {
	u, err := url.Parse(mediaURL)
	ext := ""
	if err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// AttachmentTypeForMediaType maps a MIME type to its AS2 attachment type.
func AttachmentTypeForMediaType(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "Image"
	case strings.HasPrefix(mediaType, "video/"):
		return "Video"
	case strings.HasPrefix(mediaType, "audio/"):
		return "Audio"
	default:
		return "Document"
	}
}

// IsURL checks if a given string is an HTTP or HTTPS URL.
func IsURL(text string) bool {
	u, err := url.Parse(strings.TrimSpace(text))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// HostOf returns the lowercase host of a URI, or "" if it cannot be parsed.
func HostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
