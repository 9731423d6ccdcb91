package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/models"
)

// Processor settles one payment. *Orchestrator implements it.
type Processor interface {
	ProcessPayment(ctx context.Context, p Payment) (models.RegisterEntry, error)
}

// Job is a queued settlement. Done, when set, is called with the outcome.
type Job struct {
	Payment Payment
	Done    func(models.RegisterEntry, error)
}

// Stats are the queue's running counters.
type Stats struct {
	Enqueued  int64 `json:"settlements_enqueued_total"`
	Overflow  int64 `json:"settlements_overflow_total"`
	Processed int64 `json:"settlements_processed_total"`
	Failed    int64 `json:"settlements_failed_total"`
}

// Queue runs settlements on a fixed pool of workers, detached from the
// request that produced them.
type Queue struct {
	proc    Processor
	jobs    chan Job
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup

	enqueued, overflow, processed, failed atomic.Int64
}

func NewQueue(proc Processor, size int, timeout time.Duration, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 1000
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Queue{proc: proc, jobs: make(chan Job, size), timeout: timeout, log: logger}
}

// Start launches n workers. They exit after Close once the queue drains.
func (q *Queue) Start(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				q.run(job)
			}
		}()
	}
}

// Enqueue hands job to a worker. When the queue is full the job runs on its
// own goroutine instead of being dropped.
func (q *Queue) Enqueue(job Job) {
	q.enqueued.Add(1)
	select {
	case q.jobs <- job:
	default:
		q.overflow.Add(1)
		q.log.Warn("settlement queue full, running inline", zap.String("reference_code", job.Payment.Push.ReferenceCode))
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run(job)
		}()
	}
}

func (q *Queue) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	entry, err := q.proc.ProcessPayment(ctx, job.Payment)
	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		q.log.Error("settlement failed",
			zap.String("reference_code", job.Payment.Push.ReferenceCode),
			zap.String("event", job.Payment.Event),
			zap.String("user", job.Payment.User),
			zap.Error(err))
	}
	if job.Done != nil {
		job.Done(entry, err)
	}
}

// Close stops accepting jobs and waits for in-flight ones.
func (q *Queue) Close() {
	close(q.jobs)
	q.wg.Wait()
}

func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Overflow:  q.overflow.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}
