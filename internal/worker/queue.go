package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// ErrQueueFull is returned when a local queue cannot accept more jobs.
var ErrQueueFull = errors.New("job queue is full")

// Delivery is one received job together with the handle needed to settle it.
type Delivery struct {
	Job    models.PipelineJob
	ID     string
	Handle string
	// Err is set when the message body could not be decoded.
	Err error
}

// Queue carries pipeline jobs from the API to the workers.
type Queue interface {
	Enqueue(ctx context.Context, job models.PipelineJob) error
	// Receive blocks until at least one job is available or ctx is done.
	Receive(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack hands the job back for another attempt.
	Nack(ctx context.Context, d Delivery) error
}

// Extender is implemented by queues whose deliveries go back to other
// consumers unless renewed while the job runs.
type Extender interface {
	Extend(ctx context.Context, d Delivery) error
}

// MemoryQueue is an in-process Queue backed by a buffered channel.
type MemoryQueue struct {
	jobs        chan models.PipelineJob
	maxAttempts int
	seq         atomic.Int64
	dropped     atomic.Int64
}

// DefaultMaxAttempts bounds redelivery of a job that keeps failing.
const DefaultMaxAttempts = 3

// NewMemoryQueue creates a queue holding up to capacity pending jobs.
func NewMemoryQueue(capacity, maxAttempts int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryQueue{
		jobs:        make(chan models.PipelineJob, capacity),
		maxAttempts: maxAttempts,
	}
}

// Enqueue adds a job without blocking the caller.
func (q *MemoryQueue) Enqueue(_ context.Context, job models.PipelineJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt == "" {
		job.EnqueuedAt = time.Now().UTC().Format(time.RFC3339)
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, job.VideoID)
	}
}

// Receive waits for the next job.
func (q *MemoryQueue) Receive(ctx context.Context) ([]Delivery, error) {
	select {
	case job := <-q.jobs:
		id := strconv.FormatInt(q.seq.Add(1), 10)
		return []Delivery{{Job: job, ID: id, Handle: id}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op; a received job is already off the channel.
func (q *MemoryQueue) Ack(context.Context, Delivery) error {
	return nil
}

// Nack re-enqueues the job with its attempt count raised, dropping it once
// the attempt limit is reached.
func (q *MemoryQueue) Nack(ctx context.Context, d Delivery) error {
	if d.Job.Attempt >= q.maxAttempts {
		q.dropped.Add(1)
		return fmt.Errorf("job for %s dropped after %d attempts", d.Job.VideoID, d.Job.Attempt)
	}
	job := d.Job
	job.Attempt++
	return q.Enqueue(ctx, job)
}

// Len returns the number of pending jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Dropped returns how many jobs exhausted their attempts.
func (q *MemoryQueue) Dropped() int64 {
	return q.dropped.Load()
}
