package domain

import (
	"time"

	"github.com/google/uuid"
)

// Queue names used by the federation core.
const (
	QueueInboxProcess   = "inbox_process"
	QueueDelivery       = "delivery"
	QueueRepliesFetch   = "replies_fetch"
	QueueRetryScheduler = "retry_scheduler"
	QueueMaintenance    = "maintenance"
)

// Job is one unit of work in the durable queue. Priority 0 is highest,
// 3 lowest; jobs are FIFO within a priority. UniqueKey deduplicates inserts
// inside a uniqueness window.
type Job struct {
	Id          uuid.UUID
	Queue       string
	Priority    int
	Args        string // JSON
	UniqueKey   string
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	InsertedAt  time.Time
}

// Notification is a stored user notification; delivery to the user is
// handled outside the federation core.
type Notification struct {
	Id               uuid.UUID
	AccountId        uuid.UUID
	NotificationType string // follow, like, boost, mention, reply, report
	ActorURI         string
	ActorUsername    string
	ActorDomain      string
	NoteId           *uuid.UUID
	NoteURI          string
	NotePreview      string
	Read             bool
	CreatedAt        time.Time
}
