// Package worker runs post-execution audit jobs on a fixed pool of
// goroutines fed by a bounded queue.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/models"
)

type AuditWorker struct {
	numWorkers int
	jobTimeout time.Duration
	jobs       chan models.VerificationJob
	jobFunc    JobFunc
	logger     zerolog.Logger

	mu         sync.RWMutex
	stopped    bool
	waitGroup  *sync.WaitGroup
	cancelFunc context.CancelFunc
}

func (aw *AuditWorker) Start() {
	aw.logger.Info().Int("workers", aw.numWorkers).Int("queue", cap(aw.jobs)).Msg("[worker] Starting audit workers")

	var ctx context.Context
	ctx, aw.cancelFunc = context.WithCancel(context.Background())

	for i := 1; i <= aw.numWorkers; i++ {
		aw.waitGroup.Add(1)
		go aw.worker(ctx, i)
	}
}

// Submit queues job without blocking. It reports false when the queue is
// full or the pool has been stopped.
func (aw *AuditWorker) Submit(job models.VerificationJob) bool {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.stopped {
		return false
	}
	select {
	case aw.jobs <- job:
		return true
	default:
		return false
	}
}

func (aw *AuditWorker) worker(ctx context.Context, id int) {
	defer aw.waitGroup.Done()
	aw.logger.Debug().Int("worker", id).Msg("[worker] Worker initialized and waiting for jobs")

	for {
		select {
		case <-ctx.Done():
			aw.logger.Debug().Int("worker", id).Msg("[worker] Worker received shutdown signal, exiting")
			return
		case job := <-aw.jobs:
			aw.run(ctx, id, job)
		}
	}
}

func (aw *AuditWorker) run(ctx context.Context, id int, job models.VerificationJob) {
	defer func() {
		if r := recover(); r != nil {
			aw.logger.Error().Interface("panic", r).Int("worker", id).Msg("[worker] job panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, aw.jobTimeout)
	defer cancel()
	if err := aw.jobFunc(ctx, job); err != nil {
		aw.logger.Warn().Err(err).Int("worker", id).Str("paymentId", job.PaymentID).Msg("[worker] Error in job")
	}
}

// Stop rejects new jobs, cancels running ones and waits for every worker
// to exit. Jobs still queued are discarded.
func (aw *AuditWorker) Stop() {
	aw.logger.Info().Msg("[worker] Shutting down the audit worker pool...")

	aw.mu.Lock()
	aw.stopped = true
	aw.mu.Unlock()

	if aw.cancelFunc != nil {
		aw.cancelFunc()
	}
	aw.waitGroup.Wait()
	aw.logger.Info().Msg("[worker] All workers have been safely shut down.")
}
