package queue

import (
	"log"
	"sync"
	"time"

	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/domain"
)

// Result is the outcome of one job execution. The zero value completes the
// job.
type Result struct {
	err    error
	snooze time.Duration
}

// Ok completes the job.
func Ok() Result { return Result{} }

// Error counts a failed attempt; the job retries until max_attempts.
func Error(err error) Result { return Result{err: err} }

// Snooze reschedules the job without consuming an attempt.
func Snooze(d time.Duration) Result { return Result{snooze: d} }

// Handler executes one job.
type Handler func(job domain.Job) Result

// WorkerPool runs jobs of a single queue with bounded concurrency. One
// leaser goroutine claims due jobs; workers execute them and record the
// result. Executing jobs abandoned by a crash are rescued after a timeout.
type WorkerPool struct {
	store       *db.DB
	queue       string
	concurrency int
	handler     Handler

	pollInterval time.Duration
	retryBase    time.Duration
	retryMax     time.Duration

	jobs  chan domain.Job
	nudge chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewWorkerPool creates a pool for one queue. Start must be called before
// jobs run.
func NewWorkerPool(store *db.DB, queue string, concurrency int, handler Handler) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerPool{
		store:        store,
		queue:        queue,
		concurrency:  concurrency,
		handler:      handler,
		pollInterval: time.Second,
		retryBase:    30 * time.Second,
		retryMax:     time.Hour,
		jobs:         make(chan domain.Job, concurrency),
		nudge:        make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Nudge wakes the leaser before its next poll tick.
func (p *WorkerPool) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Start launches the leaser and workers.
func (p *WorkerPool) Start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.lease()
}

// Stop drains the pool. Running jobs finish; leased but unstarted jobs are
// rescued on the next startup.
func (p *WorkerPool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *WorkerPool) lease() {
	defer p.wg.Done()
	defer close(p.jobs)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	rescue := time.NewTicker(time.Minute)
	defer rescue.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		case <-p.nudge:
		case <-rescue.C:
			if n, err := p.store.RescueStuckJobs(time.Now().Add(-10 * time.Minute)); err != nil {
				log.Printf("Queue: rescue on %s failed: %v", p.queue, err)
			} else if n > 0 {
				log.Printf("Queue: rescued %d stuck %s jobs", n, p.queue)
			}
			continue
		}

		jobs, err := p.store.LeaseJobs(p.queue, p.concurrency)
		if err != nil {
			log.Printf("Queue: lease on %s failed: %v", p.queue, err)
			continue
		}
		for _, job := range jobs {
			select {
			case p.jobs <- job:
			case <-p.stop:
				return
			}
		}
		// Keep draining without waiting for the ticker while work remains.
		if len(jobs) == p.concurrency {
			p.Nudge()
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *WorkerPool) run(job domain.Job) {
	result := p.safeHandle(job)

	switch {
	case result.snooze > 0:
		if err := p.store.SnoozeJob(job.Id, time.Now().Add(result.snooze)); err != nil {
			log.Printf("Queue: snooze of %s job %s failed: %v", p.queue, job.Id, err)
		}
	case result.err != nil:
		retrying, err := p.store.RetryJob(&job, time.Now().Add(p.retryBackoff(job.Attempts)))
		if err != nil {
			log.Printf("Queue: retry of %s job %s failed: %v", p.queue, job.Id, err)
			return
		}
		if retrying {
			log.Printf("Queue: %s job %s attempt %d failed, retrying: %v",
				p.queue, job.Id, job.Attempts+1, result.err)
		} else {
			log.Printf("Queue: %s job %s exhausted attempts, dropping: %v",
				p.queue, job.Id, result.err)
		}
	default:
		if err := p.store.CompleteJob(job.Id); err != nil {
			log.Printf("Queue: completion of %s job %s failed: %v", p.queue, job.Id, err)
		}
	}
}

// safeHandle runs the handler; a panic counts as a failed attempt.
func (p *WorkerPool) safeHandle(job domain.Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Queue: %s job %s panicked: %v", p.queue, job.Id, r)
			result = Result{err: &panicError{value: r}}
		}
	}()
	return p.handler(job)
}

func (p *WorkerPool) retryBackoff(attempts int) time.Duration {
	backoff := p.retryBase
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= p.retryMax {
			return p.retryMax
		}
	}
	return backoff
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return "job panicked" }
