package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perchnet/perch/activitypub"
	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/queue"
	"github.com/perchnet/perch/util"
	"github.com/perchnet/perch/web"
)

// App wires the store, the federation core, the worker pools and the HTTP
// server together and owns their lifecycle.
type App struct {
	config *util.AppConfig
	store  *db.DB
	deps   *activitypub.Deps

	inboxPool    *queue.WorkerPool
	deliveryPool *queue.WorkerPool
	repliesPool  *queue.WorkerPool
	inboxQueue   *queue.InboxQueue
	rateLimiter  *queue.InboxRateLimiter
	throttler    *queue.DomainThrottler
	broadcaster  *activitypub.TimelineBroadcaster

	httpServer *http.Server
	background chan struct{}
	done       chan os.Signal
}

// New creates an App for the given configuration.
func New(conf *util.AppConfig) *App {
	return &App{
		config:     conf,
		background: make(chan struct{}),
		done:       make(chan os.Signal, 1),
	}
}

// Initialize opens the database, runs migrations and builds every
// component. Nothing runs until Start.
func (a *App) Initialize() error {
	c := a.config.Conf

	store, err := db.Open(c.DbPath)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", c.DbPath, err)
	}
	a.store = store

	if err := store.CreateDB(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := store.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := activitypub.MigrateLegacyKeys(store); err != nil {
		return fmt.Errorf("failed to migrate legacy keys: %w", err)
	}

	a.broadcaster = activitypub.NewTimelineBroadcaster()
	a.deps = &activitypub.Deps{
		Conf:       a.config,
		Database:   activitypub.NewDBAdapter(store),
		HTTPClient: activitypub.NewDefaultHTTPClient(time.Duration(c.DeliveryTimeoutSecs) * time.Second),
		MRF:        activitypub.NewPolicyChain(c.MrfPolicies),
		Broadcast:  a.broadcaster.Publish,
	}

	if err := activitypub.ApplyConfiguredPolicies(a.config, store); err != nil {
		return err
	}
	if _, err := activitypub.EnsureInstanceActor(a.deps); err != nil {
		return fmt.Errorf("failed to ensure instance actor: %w", err)
	}

	a.throttler = queue.NewDomainThrottler(
		c.MaxConcurrentPerDomain,
		c.FailureThreshold,
		time.Duration(c.BaseBackoffMs)*time.Millisecond,
		time.Duration(c.MaxBackoffMs)*time.Millisecond,
	)

	a.inboxPool = queue.NewWorkerPool(store, domain.QueueInboxProcess, c.QueueWorkers,
		func(job domain.Job) queue.Result {
			return activitypub.HandleInboxJob(job, a.deps)
		})
	a.deliveryPool = queue.NewWorkerPool(store, domain.QueueDelivery, c.DeliveryWorkers,
		func(job domain.Job) queue.Result {
			return activitypub.HandleDeliveryJob(job, a.throttler, a.deps)
		})
	a.repliesPool = queue.NewWorkerPool(store, domain.QueueRepliesFetch, 1,
		func(job domain.Job) queue.Result {
			return activitypub.HandleRepliesJob(job, a.deps)
		})

	a.inboxQueue = queue.NewInboxQueue(store, a.inboxPool, a.config)
	a.rateLimiter = queue.NewInboxRateLimiter(c.MaxPerMinute, c.MaxPerDomainPerMinute, c.MaxGlobalPerSecond)

	server := &web.Server{
		Conf:    a.config,
		Deps:    a.deps,
		Store:   store,
		Inbox:   a.inboxQueue,
		Limiter: a.rateLimiter,
	}
	a.httpServer = &http.Server{
		Addr:    server.ListenAddr(),
		Handler: server.Router(),
	}
	return nil
}

// Start launches the pools, the schedulers and the HTTP server, then blocks
// until a shutdown signal arrives.
func (a *App) Start() error {
	a.inboxPool.Start()
	a.deliveryPool.Start()
	a.repliesPool.Start()
	a.inboxQueue.Start()
	go a.runSchedulers()

	signal.Notify(a.done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting HTTP server on %s", a.httpServer.Addr)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-a.done
	log.Println("Shutdown signal received")
	return a.Shutdown()
}

// runSchedulers drives the periodic work: delivery retries, publisher
// nudges and daily maintenance.
func (a *App) runSchedulers() {
	retry := time.NewTicker(time.Duration(a.config.Conf.RetrySchedulerSecs) * time.Second)
	defer retry.Stop()
	maintenance := time.NewTicker(24 * time.Hour)
	defer maintenance.Stop()

	for {
		select {
		case <-a.background:
			return
		case <-activitypub.DeliveryNudges():
			a.deliveryPool.Nudge()
		case <-retry.C:
			activitypub.RunRetryScheduler(a.deliveryPool, a.deps)
		case <-maintenance.C:
			activitypub.RunMaintenance(a.store, a.deps)
		}
	}
}

// Shutdown stops accepting requests, drains the staging queue and the
// pools, then closes the store.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		shutdownErr = err
	}

	close(a.background)
	a.broadcaster.Close()
	a.inboxQueue.Stop()
	a.rateLimiter.Stop()
	a.inboxPool.Stop()
	a.deliveryPool.Stop()
	a.repliesPool.Stop()

	if err := a.store.Close(); err != nil {
		log.Printf("Database close error: %v", err)
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	log.Println("Shutdown complete")
	return shutdownErr
}
