package web

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/perchnet/perch/activitypub"
	"github.com/perchnet/perch/domain"
)

// collectionPageSize is the item count per OrderedCollectionPage.
const collectionPageSize = 50

func (s *Server) handleActor(c *gin.Context) {
	account, err := s.Deps.Database.ReadAccountByUsername(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
		return
	}
	actor, err := activitypub.EnsureLocalActor(account, s.Deps)
	if err != nil {
		log.Printf("Web: failed to load actor %s: %v", account.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	renderJSONLD(c, activitypub.BuildActorDocument(actor, s.Conf))
}

func (s *Server) handleInstanceActor(c *gin.Context) {
	actor, err := activitypub.EnsureInstanceActor(s.Deps)
	if err != nil {
		log.Printf("Web: failed to load instance actor: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	renderJSONLD(c, activitypub.BuildActorDocument(actor, s.Conf))
}

func (s *Server) handleRelayActor(c *gin.Context) {
	actor, err := activitypub.EnsureRelayActor(s.Deps)
	if err != nil {
		log.Printf("Web: failed to load relay actor: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	renderJSONLD(c, activitypub.BuildActorDocument(actor, s.Conf))
}

// handleNote serves a local note as ActivityPub JSON. Non-public notes and
// tombstones answer 404; the addressing alone does not protect them.
func (s *Server) handleNote(c *gin.Context) {
	noteId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
		return
	}
	note, err := s.Deps.Database.ReadNoteById(noteId)
	if err != nil || note.AccountId == nil || note.Deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
		return
	}
	if note.Visibility != domain.VisibilityPublic && note.Visibility != domain.VisibilityUnlisted {
		c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
		return
	}

	account, err := s.Deps.Database.ReadAccountById(*note.AccountId)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
		return
	}
	author, err := activitypub.EnsureLocalActor(account, s.Deps)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if note.URI == "" {
		note.URI = activitypub.LocalNoteURI(s.Conf, note.Id)
	}

	obj := activitypub.BuildNoteObject(note, author, s.Deps)
	obj["@context"] = "https://www.w3.org/ns/activitystreams"
	renderJSONLD(c, obj)
}

// handleOutbox serves a local user's public notes as an OrderedCollection
// of Create activities.
func (s *Server) handleOutbox(c *gin.Context) {
	name := c.Param("name")
	account, err := s.Deps.Database.ReadAccountByUsername(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
		return
	}

	total, err := s.Store.CountPublicNotesByAccount(account.Id)
	if err != nil {
		log.Printf("Web: outbox count for %s failed: %v", name, err)
		total = 0
	}

	collectionURI := activitypub.LocalActorURI(s.Conf, name) + "/outbox"
	page, paged := pageParam(c)
	if !paged {
		renderJSONLD(c, collectionEnvelope(collectionURI, total))
		return
	}

	notes, err := s.Store.ReadPublicNotesByAccount(account.Id, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		log.Printf("Web: outbox read for %s failed: %v", name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	author, err := activitypub.EnsureLocalActor(account, s.Deps)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	items := make([]any, 0, len(notes))
	for i := range notes {
		note := &notes[i]
		if note.URI == "" {
			note.URI = activitypub.LocalNoteURI(s.Conf, note.Id)
		}
		obj := activitypub.BuildNoteObject(note, author, s.Deps)
		create := activitypub.BuildCreate(obj, author)
		delete(create, "@context")
		items = append(items, create)
	}
	renderJSONLD(c, collectionPage(collectionURI, page, total, items))
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.handleFollowCollection(c, "followers")
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.handleFollowCollection(c, "following")
}

func (s *Server) handleFollowCollection(c *gin.Context, kind string) {
	name := c.Param("name")
	account, err := s.Deps.Database.ReadAccountByUsername(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
		return
	}

	var total int
	if kind == "followers" {
		total, err = s.Store.CountFollowers(account.Id)
	} else {
		total, err = s.Store.CountFollowing(account.Id)
	}
	if err != nil {
		log.Printf("Web: %s count for %s failed: %v", kind, name, err)
		total = 0
	}

	collectionURI := activitypub.LocalActorURI(s.Conf, name) + "/" + kind
	page, paged := pageParam(c)
	if !paged {
		renderJSONLD(c, collectionEnvelope(collectionURI, total))
		return
	}

	var uris []string
	if kind == "followers" {
		uris, err = s.Store.ReadFollowerURIs(account.Id, collectionPageSize, (page-1)*collectionPageSize)
	} else {
		uris, err = s.Store.ReadFollowingURIs(account.Id, collectionPageSize, (page-1)*collectionPageSize)
	}
	if err != nil {
		log.Printf("Web: %s read for %s failed: %v", kind, name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	items := make([]any, len(uris))
	for i, uri := range uris {
		items[i] = uri
	}
	renderJSONLD(c, collectionPage(collectionURI, page, total, items))
}

// collectionEnvelope is the unpaged OrderedCollection pointing at its first
// page. Mastodon expects paging even for small collections.
func collectionEnvelope(collectionURI string, total int) map[string]any {
	return map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         collectionURI,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      collectionURI + "?page=1",
	}
}

func collectionPage(collectionURI string, page, total int, items []any) map[string]any {
	doc := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           collectionURI + "?page=" + strconv.Itoa(page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURI,
		"totalItems":   total,
		"orderedItems": items,
	}
	if page*collectionPageSize < total {
		doc["next"] = collectionURI + "?page=" + strconv.Itoa(page+1)
	}
	return doc
}

// pageParam parses the page query parameter. Absent or invalid means the
// unpaged envelope.
func pageParam(c *gin.Context) (int, bool) {
	raw := c.Query("page")
	if raw == "" {
		return 0, false
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1, true
	}
	return page, true
}

func renderJSONLD(c *gin.Context, doc map[string]any) {
	body, err := json.Marshal(doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, contentTypeAP, body)
}
