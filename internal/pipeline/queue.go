package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/config"
)

// RunFunc runs one extraction job.
type RunFunc func(ctx context.Context, documentID string) error

// Queue admits extraction jobs and runs them on a bounded worker pool. Each document owns
// at most one slot from submission until its job returns.
type Queue struct {
	pool    *ants.Pool
	intake  chan string
	run     RunFunc
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	slots  map[string]struct{}
	closed bool

	ctx        context.Context
	cancel     context.CancelFunc
	dispatched chan struct{}
	jobs       sync.WaitGroup
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

// NewQueue starts a queue running at most cfg.MaxConcurrentJobs jobs at once, buffering up
// to cfg.QueueSize submissions.
func NewQueue(cfg config.PipelineConfig, run RunFunc, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentJobs <= 0 || cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("queue needs positive max_concurrent_jobs and queue_size")
	}
	pool, err := ants.NewPool(cfg.MaxConcurrentJobs,
		ants.WithPanicHandler(func(p any) {
			logger.Error("Extraction job panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pool:       pool,
		intake:     make(chan string, cfg.QueueSize),
		run:        run,
		timeout:    cfg.JobTimeout,
		logger:     logger,
		slots:      make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		dispatched: make(chan struct{}),
	}
	go q.dispatch()
	return q, nil
}

// Submit queues documentID. It returns a conflict when the document already holds a slot
// and ErrUnavailable when the intake is full or the queue is shut down.
func (q *Queue) Submit(documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return apperr.New(apperr.ErrUnavailable, "extraction queue is shutting down", nil)
	}
	if _, taken := q.slots[documentID]; taken {
		return apperr.Conflict("document is already queued for extraction")
	}
	select {
	case q.intake <- documentID:
		q.slots[documentID] = struct{}{}
		return nil
	default:
		return apperr.New(apperr.ErrUnavailable, "extraction queue is full", nil)
	}
}

func (q *Queue) dispatch() {
	defer close(q.dispatched)
	for id := range q.intake {
		q.jobs.Add(1)
		// Blocks while all workers are busy.
		err := q.pool.Submit(func() {
			defer q.jobs.Done()
			defer q.release(id)
			q.execute(id)
		})
		if err != nil {
			q.jobs.Done()
			q.release(id)
			q.logger.Error("Failed to schedule extraction", zap.String("document_id", id), zap.Error(err))
		}
	}
}

func (q *Queue) execute(id string) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if err := q.run(ctx, id); err != nil {
		q.logger.Debug("Extraction job ended with error", zap.String("document_id", id), zap.Error(err))
	}
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.slots, id)
	q.mu.Unlock()
}

// Stats returns current queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	inFlight := len(q.slots)
	q.mu.Unlock()
	return QueueStats{
		Capacity: q.pool.Cap(),
		Running:  q.pool.Running(),
		Queued:   len(q.intake),
		InFlight: inFlight,
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs to finish. When ctx
// ends first, running jobs are cancelled and ctx's error is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.intake)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-q.dispatched
		q.jobs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		q.cancel()
		<-done
	}
	q.cancel()
	q.pool.Release()
	return err
}
