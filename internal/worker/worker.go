package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/media-pipeline/internal/metrics"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

// RetryBackoffPeriod is how long the loop waits after a failed receive.
const RetryBackoffPeriod = 5 * time.Second

// DefaultExtendInterval is how often a running job's lease is renewed on
// queues that implement Extender.
const DefaultExtendInterval = 5 * time.Minute

var tracer = otel.Tracer("media-worker")

// Processor runs the pipeline for one job. A non-nil error means the job
// should be delivered again.
type Processor interface {
	ProcessJob(ctx context.Context, job models.PipelineJob) error
}

// Worker pulls pipeline jobs from a queue and runs a bounded number at once.
type Worker struct {
	queue         Queue
	processor     Processor
	maxConcurrent int
	backoff       time.Duration
	extendEvery   time.Duration
	log           *slog.Logger
}

// Config holds worker dependencies.
type Config struct {
	Queue             Queue
	Processor         Processor
	MaxConcurrentJobs int
	// ExtendInterval defaults to DefaultExtendInterval.
	ExtendInterval time.Duration
	Logger         *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	extendEvery := cfg.ExtendInterval
	if extendEvery <= 0 {
		extendEvery = DefaultExtendInterval
	}
	return &Worker{
		queue:         cfg.Queue,
		processor:     cfg.Processor,
		maxConcurrent: maxConcurrent,
		backoff:       RetryBackoffPeriod,
		extendEvery:   extendEvery,
		log:           cfg.Logger,
	}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight
// jobs to finish. Jobs run detached from ctx so shutdown drains them.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting queue polling",
		"maxConcurrent", w.maxConcurrent,
	)

	sem := make(chan struct{}, w.maxConcurrent)
	jobCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	defer func() {
		w.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
		wg.Wait()
		w.log.InfoContext(ctx, "All jobs completed, shutting down")
	}()

	for {
		// Hold a slot before receiving so a leased message is never left
		// waiting behind a full pool.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		deliveries, err := w.queue.Receive(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return
			}
			w.log.ErrorContext(ctx, "Failed to receive jobs", "error", err)
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		if len(deliveries) == 0 {
			<-sem
			continue
		}

		for i, d := range deliveries {
			if i > 0 {
				// Extra messages from one receive wait for their own slot.
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					// Not started; hand them back.
					for _, rest := range deliveries[i:] {
						w.release(jobCtx, rest)
					}
					return
				}
			}

			wg.Add(1)
			go func(d Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(jobCtx, d)
			}(d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d Delivery) {
	ctx, span := tracer.Start(ctx, "process-job")
	defer span.End()

	if d.Err != nil {
		// Undecodable messages never succeed, so drop them.
		w.log.ErrorContext(ctx, "Discarding malformed job", "messageId", d.ID, "error", d.Err)
		if err := w.queue.Ack(ctx, d); err != nil {
			w.log.ErrorContext(ctx, "Failed to ack job", "messageId", d.ID, "error", err)
		}
		return
	}

	span.SetAttributes(
		attribute.String("video.id", d.Job.VideoID),
		attribute.Int("job.attempt", d.Job.Attempt),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	stopExtending := w.keepLeased(ctx, d)
	err := w.process(ctx, d.Job)
	stopExtending()

	if err != nil {
		w.log.ErrorContext(ctx, "Failed to process job",
			"videoId", d.Job.VideoID,
			"attempt", d.Job.Attempt,
			"error", err,
		)
		metrics.JobsRetried.Inc()
		w.release(ctx, d)
		return
	}

	if err := w.queue.Ack(ctx, d); err != nil {
		w.log.ErrorContext(ctx, "Failed to ack job", "videoId", d.Job.VideoID, "error", err)
	}
}

// keepLeased renews d's lease every extendEvery until the returned func is
// called. Queues without leases get a no-op.
func (w *Worker) keepLeased(ctx context.Context, d Delivery) func() {
	ext, ok := w.queue.(Extender)
	if !ok {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.extendEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, d); err != nil && ctx.Err() == nil {
					w.log.WarnContext(ctx, "Failed to extend job lease",
						"videoId", d.Job.VideoID,
						"messageId", d.ID,
						"error", err,
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// process shields the pool from a panicking processor.
func (w *Worker) process(ctx context.Context, job models.PipelineJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("processor panicked")
			w.log.ErrorContext(ctx, "Recovered processor panic", "videoId", job.VideoID, "panic", r)
		}
	}()
	return w.processor.ProcessJob(ctx, job)
}

func (w *Worker) release(ctx context.Context, d Delivery) {
	if err := w.queue.Nack(ctx, d); err != nil {
		w.log.WarnContext(ctx, "Failed to return job to queue",
			"videoId", d.Job.VideoID,
			"error", err,
		)
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
