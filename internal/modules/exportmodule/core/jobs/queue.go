// Package jobs schedules export jobs on a single worker and keeps their
// history in the database.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

// Job is one scheduled export.
type Job struct {
	ID      string
	Request types.ExportRequest
	Handle  *progress.Handle

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *types.ExportResult
	err    error
}

// NewJob creates a job whose progress is delivered to handle.
func NewJob(id string, req types.ExportRequest, handle *progress.Handle) *Job {
	if handle == nil {
		handle = progress.NewHandle(nil)
	}
	return &Job{ID: id, Request: req, Handle: handle, done: make(chan struct{})}
}

// Done is closed once the job has finished, whatever the outcome.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns the result and error of a finished job.
func (j *Job) Outcome() (*types.ExportResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

func (j *Job) finish(result *types.ExportResult, err error) {
	j.mu.Lock()
	j.result, j.err = result, err
	j.mu.Unlock()
	j.cancel()
	close(j.done)
}

// RunFunc executes one job. ctx is cancelled when the job is cancelled or
// the queue stops.
type RunFunc func(ctx context.Context, job *Job) (*types.ExportResult, error)

// Queue runs jobs one at a time in submission order. Jobs that do not fit
// in the backlog are rejected.
type Queue struct {
	run    RunFunc
	logger hclog.Logger
	jobs   chan *Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Job
	closed bool
}

// NewQueue creates a queue holding at most size waiting jobs. Call Start
// to launch the worker.
func NewQueue(size int, run RunFunc, logger hclog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		run:    run,
		logger: logger.Named("export-queue"),
		jobs:   make(chan *Job, size),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*Job),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Submit enqueues job without blocking. A full backlog returns an error
// wrapping ErrQueueFull.
func (q *Queue) Submit(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("%w: queue is shut down", exportErrors.ErrQueueFull)
	}
	if _, exists := q.active[job.ID]; exists {
		return fmt.Errorf("%w: job %s already scheduled", exportErrors.ErrInvalidInput, job.ID)
	}

	job.ctx, job.cancel = context.WithCancel(q.ctx)
	select {
	case q.jobs <- job:
		q.active[job.ID] = job
		q.logger.Debug("job queued", "job_id", job.ID, "backlog", len(q.jobs))
		return nil
	default:
		job.cancel()
		return fmt.Errorf("%w: %d jobs waiting", exportErrors.ErrQueueFull, cap(q.jobs))
	}
}

// Cancel cancels a queued or running job. It reports whether the job was
// known to the queue.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.active[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	job.cancel()
	q.logger.Info("job cancellation requested", "job_id", id)
	return true
}

// Lookup returns a queued or running job.
func (q *Queue) Lookup(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.active[id]
	return job, ok
}

// Backlog returns the number of jobs waiting for the worker.
func (q *Queue) Backlog() int {
	return len(q.jobs)
}

// Stop cancels every job and waits for the worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cancel()
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.execute(job)
	}
}

func (q *Queue) execute(job *Job) {
	var (
		result *types.ExportResult
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("job panicked", "job_id", job.ID, "panic", r)
				err = fmt.Errorf("export job panicked: %v", r)
			}
		}()
		result, err = q.run(job.ctx, job)
	}()

	q.mu.Lock()
	delete(q.active, job.ID)
	q.mu.Unlock()
	job.finish(result, err)
}
