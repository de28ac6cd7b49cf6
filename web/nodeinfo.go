package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/perchnet/perch/util"
)

// NodeInfo 2.0, https://nodeinfo.diaspora.software/schema.html
type nodeInfo20 struct {
	Version           string           `json:"version"`
	Software          nodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          nodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             nodeInfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata"`
}

type nodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type nodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type nodeInfoUsage struct {
	Users      nodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type nodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfyear int `json:"activeHalfyear"`
}

func (s *Server) handleWellKnownNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": s.Conf.Conf.InstanceURL + "/nodeinfo/2.0",
			},
		},
	})
}

func (s *Server) handleNodeInfo20(c *gin.Context) {
	db := s.Deps.Database
	total, err := db.CountAccounts()
	if err != nil {
		log.Printf("Web: account count failed: %v", err)
	}
	localPosts, err := db.CountLocalNotes()
	if err != nil {
		log.Printf("Web: local note count failed: %v", err)
	}
	now := time.Now()
	activeMonth, err := db.CountActiveAccountsSince(now.AddDate(0, -1, 0))
	if err != nil {
		log.Printf("Web: active month count failed: %v", err)
	}
	activeHalfyear, err := db.CountActiveAccountsSince(now.AddDate(0, -6, 0))
	if err != nil {
		log.Printf("Web: active halfyear count failed: %v", err)
	}

	metadata := map[string]any{
		"nodeName": util.Name,
	}
	// Policy transparency is opt-in; with it off the document only admits
	// that federation is on.
	federation := map[string]any{"enabled": true}
	if s.Conf.Conf.MrfTransparency && s.Deps.MRF != nil {
		federation["mrfPolicies"] = s.Deps.MRF.PolicyNames()
	}
	metadata["federation"] = federation

	c.JSON(http.StatusOK, nodeInfo20{
		Version: "2.0",
		Software: nodeInfoSoftware{
			Name:    util.Name,
			Version: util.GetVersion(),
		},
		Protocols: []string{"activitypub"},
		Services: nodeInfoServices{
			Inbound:  []string{},
			Outbound: []string{},
		},
		OpenRegistrations: false,
		Usage: nodeInfoUsage{
			Users: nodeInfoUsers{
				Total:          total,
				ActiveMonth:    activeMonth,
				ActiveHalfyear: activeHalfyear,
			},
			LocalPosts: localPosts,
		},
		Metadata: metadata,
	})
}
