// Package jobqueue implements a named at-least-once job queue with inline
// fallback, job-id coalescing and a pooled worker loop.
//
// Retries are not automatic at this layer; the domain worker decides when to
// re-enqueue.
package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
)

var (
	// Error is the default jobqueue errs class.
	Error = errs.Class("jobqueue")
	// ErrClosed is returned when enqueueing on a closed queue.
	ErrClosed = errs.Class("queue closed")

	mon = monkit.Package()
)

// Config holds queue tunables.
type Config struct {
	Name        string `help:"queue name used in logs and metrics" default:"jobs"`
	Concurrency int    `help:"number of concurrent workers" default:"1"`
	Inline      bool   `help:"run handlers on the caller instead of the worker pool" default:"false"`
}

// Job is a single unit of queued work.
type Job struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
}

// Handler executes a single job. The handler owns any persisted job-record
// transitions; the queue only tracks depth counters.
type Handler func(ctx context.Context, job Job) error

// Depths is a snapshot of the queue counters.
type Depths struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
	Paused    int64
}

// Queue dispatches jobs to a handler. Jobs sharing an ID are coalesced while
// still waiting; once a job is picked up a duplicate ID may be enqueued again.
type Queue struct {
	log     *zap.Logger
	name    string
	handler Handler
	inline  bool

	limiter *sync2.Limiter
	kick    chan struct{}

	mu      sync.Mutex
	waiting []Job
	queued  map[string]struct{}
	paused  bool
	closed  bool

	active    int64
	completed int64
	failed    int64
}

// New creates a queue that feeds jobs to handler.
func New(log *zap.Logger, config Config, handler Handler) *Queue {
	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		log:     log,
		name:    config.Name,
		handler: handler,
		inline:  config.Inline,
		limiter: sync2.NewLimiter(concurrency),
		kick:    make(chan struct{}, 1),
		queued:  map[string]struct{}{},
	}
}

// Option customizes a single enqueue.
type Option func(*Job)

// WithJobID sets the coalescing ID for a job.
func WithJobID(id string) Option {
	return func(job *Job) { job.ID = id }
}

// Enqueue adds a job. In inline mode the handler runs on the caller and
// Enqueue returns its error; in pooled mode Enqueue returns after the job is
// accepted.
func (queue *Queue) Enqueue(ctx context.Context, payload []byte, opts ...Option) (err error) {
	defer mon.Task()(&ctx)(&err)

	job := Job{Payload: payload, EnqueuedAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(&job)
	}

	if queue.inline {
		return queue.run(ctx, job)
	}

	queue.mu.Lock()
	if queue.closed {
		queue.mu.Unlock()
		return ErrClosed.New("%s", queue.name)
	}
	if job.ID != "" {
		if _, dup := queue.queued[job.ID]; dup {
			queue.mu.Unlock()
			mon.Counter("jobqueue_coalesced", monkit.NewSeriesTag("queue", queue.name)).Inc(1)
			return nil
		}
		queue.queued[job.ID] = struct{}{}
	}
	queue.waiting = append(queue.waiting, job)
	queue.mu.Unlock()

	select {
	case queue.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run consumes the queue until ctx is cancelled. In inline mode it only waits
// for cancellation.
func (queue *Queue) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer queue.limiter.Wait()

	if queue.inline {
		<-ctx.Done()
		return nil
	}

	for {
		job, ok := queue.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-queue.kick:
				continue
			}
		}

		started := queue.limiter.Go(ctx, func() {
			if err := queue.run(ctx, job); err != nil {
				queue.log.Error("job failed",
					zap.String("queue", queue.name),
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
		})
		if !started {
			return nil
		}
	}
}

func (queue *Queue) next() (Job, bool) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.paused || len(queue.waiting) == 0 {
		return Job{}, false
	}
	job := queue.waiting[0]
	queue.waiting = queue.waiting[1:]
	if job.ID != "" {
		delete(queue.queued, job.ID)
	}
	queue.active++
	return job, true
}

func (queue *Queue) run(ctx context.Context, job Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !queue.inline {
		defer func() {
			queue.mu.Lock()
			queue.active--
			queue.mu.Unlock()
		}()
	}
	err = queue.handler(ctx, job)

	queue.mu.Lock()
	if err != nil {
		queue.failed++
	} else {
		queue.completed++
	}
	queue.mu.Unlock()

	tag := monkit.NewSeriesTag("queue", queue.name)
	if err != nil {
		mon.Counter("jobqueue_failed", tag).Inc(1)
		return Error.Wrap(err)
	}
	mon.Counter("jobqueue_completed", tag).Inc(1)
	return nil
}

// Pause stops dispatching new jobs; running jobs finish.
func (queue *Queue) Pause() {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.paused = true
}

// Resume restarts dispatching.
func (queue *Queue) Resume() {
	queue.mu.Lock()
	queue.paused = false
	queue.mu.Unlock()

	select {
	case queue.kick <- struct{}{}:
	default:
	}
}

// Depths returns the current counters.
func (queue *Queue) Depths() Depths {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	depths := Depths{
		Waiting:   int64(len(queue.waiting)),
		Active:    queue.active,
		Completed: queue.completed,
		Failed:    queue.failed,
	}
	if queue.paused {
		depths.Paused = depths.Waiting
	}
	return depths
}

// Close refuses further work. Jobs already waiting are dropped; the in-flight
// jobs drain through Run's limiter.
func (queue *Queue) Close() error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.closed = true
	queue.waiting = nil
	queue.queued = map[string]struct{}{}
	return nil
}
