package queue

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

// Enqueue outcomes. All three are successes from the sender's point of
// view; the inbox handler answers 202 for each.
const (
	EnqueueQueued    = "queued"
	EnqueueDuplicate = "duplicate"
	EnqueueShed      = "shed"
)

const dedupWindow = 60 * time.Second

// InboxJobArgs is the payload of one inbox_process job.
type InboxJobArgs struct {
	RawJSON        json.RawMessage `json:"raw_json"`
	ActorURI       string          `json:"actor_uri"`
	TargetUsername string          `json:"target_username,omitempty"`
}

type stagedActivity struct {
	ref        string
	activityId string
	priority   int
	args       InboxJobArgs
	stagedAt   time.Time
}

// InboxQueue is the in-memory staging buffer between the inbox HTTP handler
// and the durable queue. Enqueue is O(1) and database-free; one dedicated
// flusher moves staged work into inbox_process jobs in small transactional
// chunks.
type InboxQueue struct {
	mu     sync.Mutex
	staged map[string]*stagedActivity
	order  []string
	dedup  map[string]time.Time

	store *db.DB
	pool  *WorkerPool // nudged after each successful flush; may be nil

	maxQueueSize  int
	flushInterval time.Duration
	maxBatchSize  int
	chunkSize     int

	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewInboxQueue builds the staging queue. Start must be called to launch
// the flusher.
func NewInboxQueue(store *db.DB, pool *WorkerPool, conf *util.AppConfig) *InboxQueue {
	return &InboxQueue{
		staged:        make(map[string]*stagedActivity),
		dedup:         make(map[string]time.Time),
		store:         store,
		pool:          pool,
		maxQueueSize:  conf.Conf.MaxQueueSize,
		flushInterval: time.Duration(conf.Conf.FlushIntervalMs) * time.Millisecond,
		maxBatchSize:  conf.Conf.MaxBatchSize,
		chunkSize:     conf.Conf.InsertChunkSize,
		stop:          make(chan struct{}),
	}
}

// Enqueue stages a verified activity for durable processing. Duplicates
// inside the dedup window and low-priority overflow are dropped.
func (q *InboxQueue) Enqueue(activity map[string]any, activityId, actorURI, targetUsername string, priority int) string {
	trimPayload(activity)
	rawJSON, err := json.Marshal(activity)
	if err != nil {
		log.Printf("Queue: failed to encode staged activity %s: %v", activityId, err)
		return EnqueueShed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if activityId != "" {
		if staged, ok := q.dedup[activityId]; ok && now.Sub(staged) < dedupWindow {
			return EnqueueDuplicate
		}
	}

	// Shedding drops only reactions; content and relationship changes are
	// always staged.
	if len(q.staged) >= q.maxQueueSize && priority >= 2 {
		return EnqueueShed
	}

	ref := uuid.NewString()
	q.staged[ref] = &stagedActivity{
		ref:        ref,
		activityId: activityId,
		priority:   priority,
		args: InboxJobArgs{
			RawJSON:        rawJSON,
			ActorURI:       actorURI,
			TargetUsername: targetUsername,
		},
		stagedAt: now,
	}
	q.order = append(q.order, ref)
	if activityId != "" {
		q.dedup[activityId] = now
	}
	return EnqueueQueued
}

// Len reports the current staging depth.
func (q *InboxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.staged)
}

// Start launches the flusher.
func (q *InboxQueue) Start() {
	q.stopped.Add(1)
	go q.flushLoop()
}

// Stop halts the flusher after a final drain.
func (q *InboxQueue) Stop() {
	close(q.stop)
	q.stopped.Wait()
}

func (q *InboxQueue) flushLoop() {
	defer q.stopped.Done()
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			q.flush()
			return
		case <-ticker.C:
			q.flush()
		}
	}
}

// flush drains up to maxBatchSize staged items and inserts them into the
// durable queue, one transaction per chunk. A failed chunk is re-staged.
func (q *InboxQueue) flush() {
	batch := q.takeBatch()
	if len(batch) == 0 {
		return
	}

	inserted := 0
	for start := 0; start < len(batch); start += q.chunkSize {
		end := start + q.chunkSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		err := q.store.WithTransaction(func(tx *db.DB) error {
			for _, item := range chunk {
				argsJSON, err := json.Marshal(item.args)
				if err != nil {
					return err
				}
				job := &domain.Job{
					Queue:    domain.QueueInboxProcess,
					Priority: item.priority,
					Args:     string(argsJSON),
				}
				if _, err := tx.InsertJob(job, 0); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("Queue: inbox flush chunk failed, re-staging %d items: %v", len(chunk), err)
			q.restage(chunk)
			continue
		}
		inserted += len(chunk)
	}

	if inserted > 0 && q.pool != nil {
		q.pool.Nudge()
	}
}

// takeBatch removes up to maxBatchSize items key by key, oldest first, and
// prunes expired dedup entries in passing.
func (q *InboxQueue) takeBatch() []*stagedActivity {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.maxBatchSize
	if n > len(q.order) {
		n = len(q.order)
	}
	var batch []*stagedActivity
	kept := q.order[:0]
	for i, ref := range q.order {
		if i < n {
			if item, ok := q.staged[ref]; ok {
				batch = append(batch, item)
				delete(q.staged, ref)
			}
			continue
		}
		kept = append(kept, ref)
	}
	q.order = kept

	cutoff := time.Now().Add(-dedupWindow)
	for id, staged := range q.dedup {
		if staged.Before(cutoff) {
			delete(q.dedup, id)
		}
	}
	return batch
}

func (q *InboxQueue) restage(items []*stagedActivity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		if _, exists := q.staged[item.ref]; exists {
			continue
		}
		q.staged[item.ref] = item
		q.order = append(q.order, item.ref)
	}
}

// trimPayload strips known-large fields remote software attaches that the
// pipeline never reads, shrinking what the queue has to carry.
func trimPayload(v any) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	delete(m, "contentMap")
	delete(m, "nameMap")
	delete(m, "summaryMap")
	for _, nested := range m {
		switch val := nested.(type) {
		case map[string]any:
			trimPayload(val)
		case []any:
			for _, item := range val {
				trimPayload(item)
			}
		}
	}
}
