package web

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/perchnet/perch/activitypub"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/queue"
	"github.com/perchnet/perch/util"
)

// ContentType for ActivityPub responses. Requests arrive with either this
// or the ld+json profile form; both are accepted.
const contentTypeAP = "application/activity+json; charset=utf-8"

// Server holds everything the HTTP surface needs: the federation core
// dependencies, the staging queue the inbox feeds and the rate limiter in
// front of it.
type Server struct {
	Conf    *util.AppConfig
	Deps    *activitypub.Deps
	Store   *db.DB
	Inbox   *queue.InboxQueue
	Limiter *queue.InboxRateLimiter
}

// Router builds the gin engine with all federation endpoints mounted. The
// caller owns the http.Server wrapping it.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	g.POST("/inbox", s.handleSharedInbox)
	g.POST("/users/:name/inbox", s.handleUserInbox)

	g.GET("/users/:name", s.handleActor)
	g.GET("/users/:name/outbox", s.handleOutbox)
	g.GET("/users/:name/followers", s.handleFollowers)
	g.GET("/users/:name/following", s.handleFollowing)
	g.GET("/notes/:id", s.handleNote)

	g.GET("/actor", s.handleInstanceActor)
	g.GET("/relay", s.handleRelayActor)

	g.GET("/.well-known/webfinger", s.handleWebFinger)
	g.GET("/.well-known/nodeinfo", s.handleWellKnownNodeInfo)
	g.GET("/nodeinfo/2.0", s.handleNodeInfo20)

	return g
}

// ListenAddr returns the configured bind address.
func (s *Server) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort)
}

// Run serves the router on the configured address. Used when the caller
// does not need shutdown control.
func (s *Server) Run() error {
	addr := s.ListenAddr()
	log.Printf("Web: listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}
