package activitypub

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/queue"
	"github.com/perchnet/perch/util"
)

const retrySchedulerBatch = 500

// HandleInboxJob processes one staged inbound activity through the
// pipeline. Validation failures and policy rejections are terminal; other
// errors retry with backoff.
func HandleInboxJob(job domain.Job, deps *Deps) queue.Result {
	var args queue.InboxJobArgs
	if err := json.Unmarshal([]byte(job.Args), &args); err != nil {
		log.Printf("Dispatch: unreadable inbox job %s: %v", job.Id, err)
		return queue.Ok()
	}

	outcome, err := ProcessIncoming(args.RawJSON, args.ActorURI, args.TargetUsername, deps)
	if err != nil {
		if IsInvalid(err) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) {
			log.Printf("Dispatch: dropping activity from %s: %v", args.ActorURI, err)
			return queue.Ok()
		}
		return queue.Error(err)
	}
	if outcome.Tag != OutcomeProcessed {
		log.Printf("Dispatch: activity from %s: %s", args.ActorURI, outcome.Tag)
	}
	return queue.Ok()
}

// repliesUniqueWindow deduplicates replies-fetch jobs per note.
const repliesUniqueWindow = time.Hour

// scheduleRepliesFetch stages a low-priority job that walks a new note's
// replies collection. Runs inside the ingest transaction.
func scheduleRepliesFetch(collectionURI, noteURI string, deps *Deps) {
	args, _ := json.Marshal(map[string]string{"collection_uri": collectionURI})
	job := &domain.Job{
		Queue:     domain.QueueRepliesFetch,
		Priority:  3,
		Args:      string(args),
		UniqueKey: "replies:" + noteURI,
	}
	if _, err := deps.Database.InsertJob(job, repliesUniqueWindow); err != nil {
		log.Printf("Dispatch: failed to stage replies fetch for %s: %v", noteURI, err)
	}
}

// HandleRepliesJob walks a replies collection and ingests each item as a
// remote post. Replies ingested this way do not stage further fetches, so
// the walk stays one level deep per inbound Create.
func HandleRepliesJob(job domain.Job, deps *Deps) queue.Result {
	var args struct {
		CollectionURI string `json:"collection_uri"`
	}
	if err := json.Unmarshal([]byte(job.Args), &args); err != nil || args.CollectionURI == "" {
		log.Printf("Dispatch: unreadable replies job %s", job.Id)
		return queue.Ok()
	}

	result, err := FetchCollection(args.CollectionURI, deps)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) || IsInvalid(err) {
			return queue.Ok()
		}
		return queue.Error(err)
	}

	ingested := 0
	for _, itemURI := range result.Items {
		if _, err := deps.Database.ReadNoteByURI(itemURI); err == nil {
			continue
		}
		obj, err := FetchObject(itemURI, deps)
		if err != nil {
			continue
		}
		if _, created, err := StoreRemotePost(obj, deps); err == nil && created {
			ingested++
		}
	}
	if ingested > 0 {
		log.Printf("Dispatch: ingested %d replies from %s", ingested, args.CollectionURI)
	}
	return queue.Ok()
}

// HandleDeliveryJob attempts one outbound delivery. The job is a pointer to
// a Delivery row; transient failures reschedule the row and the
// RetryScheduler enqueues a fresh job when its time comes.
func HandleDeliveryJob(job domain.Job, throttler *queue.DomainThrottler, deps *Deps) queue.Result {
	var args struct {
		DeliveryId string `json:"delivery_id"`
	}
	if err := json.Unmarshal([]byte(job.Args), &args); err != nil {
		log.Printf("Dispatch: unreadable delivery job %s: %v", job.Id, err)
		return queue.Ok()
	}
	deliveryId, err := uuid.Parse(args.DeliveryId)
	if err != nil {
		return queue.Ok()
	}

	delivery, err := deps.Database.ReadDeliveryById(deliveryId)
	if err == db.ErrNotFound {
		return queue.Ok()
	}
	if err != nil {
		return queue.Error(err)
	}
	if delivery.Status != domain.DeliveryPending {
		return queue.Ok()
	}

	conf := deps.Conf.Conf
	age := time.Since(job.InsertedAt)
	if age > time.Duration(conf.MaxJobAgeSecs)*time.Second {
		log.Printf("Dispatch: discarding stale delivery job for %s (age %s)", delivery.InboxURI, age.Round(time.Second))
		return queue.Ok()
	}

	domainName := util.HostOf(delivery.InboxURI)
	if !InstanceReachable(domainName, deps) {
		markFailed(delivery, "instance unreachable", deps)
		log.Printf("Dispatch: dropping delivery to dead instance %s", domainName)
		return queue.Ok()
	}

	state, remaining := throttler.Acquire(domainName)
	switch state {
	case queue.AcquireThrottled, queue.AcquireBackoff:
		if age > time.Duration(conf.MaxBackoffJobAgeSecs)*time.Second {
			// Out of snooze budget; hand the row back to the retry scheduler.
			retryAt := time.Now().Add(time.Duration(conf.ThrottleSnoozeSecs) * time.Second)
			if err := deps.Database.UpdateDeliveryRetry(delivery.Id, delivery.Attempts, retryAt, "domain "+state); err != nil {
				log.Printf("Dispatch: failed to park delivery %s: %v", delivery.Id, err)
			}
			return queue.Ok()
		}
		snooze := time.Duration(conf.ThrottleSnoozeSecs) * time.Second
		if state == queue.AcquireBackoff && remaining > snooze {
			snooze = remaining
		}
		return queue.Snooze(snooze)
	}

	success := deliverActivity(delivery, domainName, deps)
	throttler.Release(domainName, success)
	return queue.Ok()
}

// deliverActivity performs the signed POST and classifies the result on the
// delivery row. Returns whether the attempt succeeded.
func deliverActivity(delivery *domain.Delivery, domainName string, deps *Deps) bool {
	activity, err := deps.Database.ReadActivityById(delivery.ActivityId)
	if err != nil {
		log.Printf("Dispatch: delivery %s has no activity: %v", delivery.Id, err)
		markFailed(delivery, "missing activity", deps)
		return false
	}

	privateKey, keyId, err := resolveSigner(activity, deps)
	if err != nil {
		log.Printf("Dispatch: no signer for %s: %v", activity.ActivityURI, err)
		markFailed(delivery, "no signing key: "+err.Error(), deps)
		return false
	}

	req, err := http.NewRequest("POST", delivery.InboxURI, bytes.NewReader([]byte(activity.RawJSON)))
	if err != nil {
		markFailed(delivery, err.Error(), deps)
		return false
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", deps.Conf.Conf.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, privateKey, keyId); err != nil {
		markFailed(delivery, "signing failed: "+err.Error(), deps)
		return false
	}

	resp, err := deps.client().Do(req)
	if err != nil {
		scheduleRetry(delivery, err.Error(), domainName, deps)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := deps.Database.MarkDeliveryDelivered(delivery.Id); err != nil {
			log.Printf("Dispatch: failed to mark %s delivered: %v", delivery.Id, err)
		}
		if err := deps.Database.MarkInstanceReachable(domainName); err != nil {
			log.Printf("Dispatch: failed to mark %s reachable: %v", domainName, err)
		}
		log.Printf("Dispatch: delivered %s to %s (%d)", activity.ActivityType, delivery.InboxURI, resp.StatusCode)
		return true

	case terminalDeliveryStatus(resp.StatusCode):
		markFailed(delivery, fmt.Sprintf("HTTP %d", resp.StatusCode), deps)
		log.Printf("Dispatch: %s to %s rejected terminally (%d)", activity.ActivityType, delivery.InboxURI, resp.StatusCode)
		return false

	default:
		scheduleRetry(delivery, fmt.Sprintf("HTTP %d", resp.StatusCode), domainName, deps)
		return false
	}
}

// terminalDeliveryStatus reports 4xx codes that will never succeed on
// retry.
func terminalDeliveryStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func markFailed(delivery *domain.Delivery, reason string, deps *Deps) {
	if err := deps.Database.MarkDeliveryFailed(delivery.Id, reason); err != nil {
		log.Printf("Dispatch: failed to mark delivery %s failed: %v", delivery.Id, err)
	}
}

// scheduleRetry records a transient failure: the row gets an exponentially
// later next_retry_at and the instance is flagged unreachable. Rows at the
// attempt cap fail terminally.
func scheduleRetry(delivery *domain.Delivery, reason, domainName string, deps *Deps) {
	attempts := delivery.Attempts + 1
	if attempts >= deps.Conf.Conf.MaxDeliveryAttempts {
		markFailed(delivery, reason+" (attempts exhausted)", deps)
	} else {
		nextRetry := time.Now().Add(deliveryBackoff(attempts))
		if err := deps.Database.UpdateDeliveryRetry(delivery.Id, attempts, nextRetry, reason); err != nil {
			log.Printf("Dispatch: failed to reschedule delivery %s: %v", delivery.Id, err)
		}
	}
	if err := deps.Database.MarkInstanceUnreachable(domainName); err != nil {
		log.Printf("Dispatch: failed to mark %s unreachable: %v", domainName, err)
	}
}

func deliveryBackoff(attempts int) time.Duration {
	backoff := instanceBackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= instanceBackoffMax {
			return instanceBackoffMax
		}
	}
	return backoff
}

// resolveSigner finds the private key that signs an activity's deliveries,
// generating a keypair on first use for accounts and service actors that
// never federated before.
func resolveSigner(activity *domain.Activity, deps *Deps) (*rsa.PrivateKey, string, error) {
	if activity.AccountId != nil {
		account, err := deps.Database.ReadAccountById(*activity.AccountId)
		if err != nil {
			return nil, "", err
		}
		if account.PrivateKeyPem == "" {
			pair, err := util.GeneratePemKeypair()
			if err != nil {
				return nil, "", fmt.Errorf("failed to generate keys: %w", err)
			}
			if err := deps.Database.UpdateAccountKeys(account.Id, pair.PublicKey, pair.PrivateKey); err != nil {
				return nil, "", err
			}
			account.PublicKeyPem, account.PrivateKeyPem = pair.PublicKey, pair.PrivateKey
		}
		privateKey, err := util.ParsePrivateKey(account.PrivateKeyPem)
		if err != nil {
			return nil, "", err
		}
		return privateKey, LocalActorURI(deps.Conf, account.Username) + "#main-key", nil
	}

	actor, err := deps.Database.ReadActorByURI(activity.ActorURI)
	if err != nil {
		return nil, "", err
	}
	if !actor.Local {
		return nil, "", fmt.Errorf("actor %s is not local", actor.URI)
	}
	if actor.PrivateKeyPem == "" {
		pair, err := util.GeneratePemKeypair()
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate keys: %w", err)
		}
		actor.PublicKeyPem, actor.PrivateKeyPem = pair.PublicKey, pair.PrivateKey
		if err := deps.Database.UpsertActor(actor); err != nil {
			return nil, "", err
		}
	}
	privateKey, err := util.ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return nil, "", err
	}
	return privateKey, actor.URI + "#main-key", nil
}

// RunRetryScheduler enqueues a delivery job for every pending row whose
// retry time has come, up to one batch per tick.
func RunRetryScheduler(pool *queue.WorkerPool, deps *Deps) {
	due, err := deps.Database.ReadDueDeliveries(retrySchedulerBatch)
	if err != nil {
		log.Printf("Dispatch: retry scan failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	enqueued := 0
	for _, d := range due {
		// Rows for domains still inside their failure backoff wait for a
		// later tick.
		if !ShouldRetryInstance(util.HostOf(d.InboxURI), deps) {
			continue
		}
		args, _ := json.Marshal(map[string]string{"delivery_id": d.Id.String()})
		job := &domain.Job{
			Queue:       domain.QueueDelivery,
			Args:        string(args),
			UniqueKey:   "delivery:" + d.Id.String(),
			MaxAttempts: deps.Conf.Conf.MaxDeliveryAttempts,
		}
		inserted, err := deps.Database.InsertJob(job, deliveryUniqueWindow)
		if err != nil {
			log.Printf("Dispatch: failed to enqueue retry for %s: %v", d.Id, err)
			continue
		}
		if inserted {
			enqueued++
		}
	}
	if enqueued > 0 {
		log.Printf("Dispatch: enqueued %d delivery retries", enqueued)
		if pool != nil {
			pool.Nudge()
		}
	}
}

// RunMaintenance purges finished deliveries and stale jobs. Meant to run
// daily.
func RunMaintenance(store *db.DB, deps *Deps) {
	cutoff := time.Now().AddDate(0, 0, -7)
	if n, err := deps.Database.PurgeFinishedDeliveries(cutoff); err != nil {
		log.Printf("Dispatch: delivery purge failed: %v", err)
	} else if n > 0 {
		log.Printf("Dispatch: purged %d finished deliveries", n)
	}
	for _, q := range []string{domain.QueueDelivery, domain.QueueInboxProcess, domain.QueueRepliesFetch} {
		if n, err := store.PurgeOldJobs(q, time.Now().Add(-24*time.Hour)); err != nil {
			log.Printf("Dispatch: job purge on %s failed: %v", q, err)
		} else if n > 0 {
			log.Printf("Dispatch: purged %d stale %s jobs", n, q)
		}
	}
}
