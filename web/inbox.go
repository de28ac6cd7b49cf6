package web

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/perchnet/perch/activitypub"
	"github.com/perchnet/perch/queue"
	"github.com/perchnet/perch/util"
)

// maxInboxBody caps inbound activity size at 1 MB.
const maxInboxBody = 1 << 20

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.acceptActivity(c, "")
}

func (s *Server) handleUserInbox(c *gin.Context) {
	s.acceptActivity(c, c.Param("name"))
}

// acceptActivity is the hot path: read, parse, rate limit, verify the HTTP
// signature and stage the activity. Everything heavier happens in the
// worker pool; the sender only waits for a 202.
func (s *Server) acceptActivity(c *gin.Context, targetUsername string) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxInboxBody)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "activity too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	var activity map[string]any
	if err := json.Unmarshal(body, &activity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON"})
		return
	}

	claimedActor := stringField(activity, "actor")
	if !s.Limiter.Allow(c.ClientIP(), util.HostOf(claimedActor)) {
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	actorURI, err := activitypub.VerifyInboundRequest(c.Request, body, s.Deps)
	if err != nil {
		log.Printf("Inbox: signature rejected from %s: %v", c.ClientIP(), err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	if targetUsername == "" {
		targetUsername = s.resolveTarget(activity)
	}

	activityType := stringField(activity, "type")
	priority := activitypub.ActivityPriority(activityType, objectType(activity))
	outcome := s.Inbox.Enqueue(activity, stringField(activity, "id"), actorURI, targetUsername, priority)
	if outcome != queue.EnqueueQueued {
		log.Printf("Inbox: %s from %s %s", activityType, actorURI, outcome)
	}
	c.Status(http.StatusAccepted)
}

// resolveTarget extracts the local username a shared-inbox activity is
// addressed to, from to, cc and the object in that order. Empty means the
// pipeline resolves the target itself.
func (s *Server) resolveTarget(activity map[string]any) string {
	for _, field := range []string{"to", "cc"} {
		if list, ok := activity[field].([]any); ok {
			for _, entry := range list {
				if uri, ok := entry.(string); ok {
					if name := s.localUsername(uri); name != "" {
						return name
					}
				}
			}
		}
	}
	if uri, ok := activity["object"].(string); ok {
		return s.localUsername(uri)
	}
	return ""
}

// localUsername extracts the username from a local /users/ URI, tolerating
// collection suffixes like /followers.
func (s *Server) localUsername(uri string) string {
	prefix := s.Conf.Conf.InstanceURL + "/users/"
	if !strings.HasPrefix(uri, prefix) {
		return ""
	}
	name := strings.TrimPrefix(uri, prefix)
	if idx := strings.Index(name, "/"); idx >= 0 {
		name = name[:idx]
	}
	return name
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// objectType returns the type of an embedded object, or "" when the object
// is a bare URI.
func objectType(activity map[string]any) string {
	if obj, ok := activity["object"].(map[string]any); ok {
		return stringField(obj, "type")
	}
	return ""
}
