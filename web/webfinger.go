package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/perchnet/perch/activitypub"
	"github.com/perchnet/perch/util"
)

const contentTypeJRD = "application/jrd+json; charset=utf-8"

// handleWebFinger resolves acct: resources for local accounts and the
// instance and relay service actors.
func (s *Server) handleWebFinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported resource"})
		return
	}

	handle := strings.TrimPrefix(resource, "acct:")
	username, domainName, found := strings.Cut(handle, "@")
	if found && domainName != s.Conf.Conf.SslDomain {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown domain"})
		return
	}
	if ok, reason := util.IsValidWebFingerUsername(username); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return
	}

	var actorURI string
	switch username {
	case "actor":
		actorURI = activitypub.InstanceActorURI(s.Conf)
	case "relay":
		actorURI = activitypub.RelayActorURI(s.Conf)
	default:
		if _, err := s.Deps.Database.ReadAccountByUsername(username); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		actorURI = activitypub.LocalActorURI(s.Conf, username)
	}

	doc := map[string]any{
		"subject": "acct:" + username + "@" + s.Conf.Conf.SslDomain,
		"aliases": []string{actorURI},
		"links": []map[string]any{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": actorURI,
			},
		},
	}
	c.Header("Content-Type", contentTypeJRD)
	c.JSON(http.StatusOK, doc)
}
