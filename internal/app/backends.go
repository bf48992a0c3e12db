// Package app assembles the configured backends shared by the API and worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/media-pipeline/internal/config"
	"github.com/amillerrr/media-pipeline/internal/health"
	"github.com/amillerrr/media-pipeline/internal/pipeline"
	"github.com/amillerrr/media-pipeline/internal/storage"
	"github.com/amillerrr/media-pipeline/internal/transcoder"
	"github.com/amillerrr/media-pipeline/internal/worker"
)

// AWSConfigTimeout bounds loading AWS credentials and region.
const AWSConfigTimeout = 10 * time.Second

// FileStore is a pipeline file store that can also hand out playback URLs.
type FileStore interface {
	pipeline.FileStore
	URL(ctx context.Context, key string) (string, error)
}

// Backends holds the record store, file store and job queue selected by
// configuration, plus health probes for each.
type Backends struct {
	Store  storage.RecordStore
	Files  FileStore
	Queue  worker.Queue
	Probes []health.Probe
	// MediaDir is set when files live on local disk.
	MediaDir string

	closers []io.Closer
}

// Open builds the backends named by cfg.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backends, error) {
	b := &Backends{}

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		loadCtx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
		defer cancel()

		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(loadCtx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		otelaws.AppendMiddlewares(&awsCfg.APIOptions)
	}

	switch cfg.Storage.StoreBackend {
	case config.BackendDynamoDB:
		client := dynamodb.NewFromConfig(awsCfg)
		b.Store = storage.NewDynamoStore(client, cfg.AWS.DynamoDBTable)
		b.Probes = append(b.Probes, health.DynamoDBProbe(client, cfg.AWS.DynamoDBTable))
	case config.BackendSQL:
		store, err := storage.OpenSQLStore(cfg.Storage.DatabaseDriver, cfg.Storage.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		b.Store = store
		b.closers = append(b.closers, store)
		b.Probes = append(b.Probes, health.PingProbe("database", store))
	default:
		b.Store = storage.NewMemoryStore()
	}

	switch cfg.Storage.FileBackend {
	case config.BackendS3:
		client := s3.NewFromConfig(awsCfg)
		b.Files = storage.NewS3FileStore(client, cfg.AWS.MediaBucket, cfg.AWS.CDNDomain)
		b.Probes = append(b.Probes, health.S3Probe(client, cfg.AWS.MediaBucket))
	default:
		files, err := storage.NewLocalFileStore(cfg.Storage.LocalMediaDir, cfg.Storage.PublicBaseURL)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Files = files
		b.MediaDir = files.Root()
		b.Probes = append(b.Probes, health.DirProbe("media", files.Root()))
	}

	switch cfg.Storage.QueueBackend {
	case config.BackendSQS:
		client := sqs.NewFromConfig(awsCfg)
		b.Queue = worker.NewSQSQueue(client, cfg.AWS.SQSQueueURL)
		b.Probes = append(b.Probes, health.SQSProbe(client, cfg.AWS.SQSQueueURL))
	default:
		b.Queue = worker.NewMemoryQueue(0, worker.DefaultMaxAttempts)
	}

	log.InfoContext(ctx, "Backends initialized",
		"store", cfg.Storage.StoreBackend,
		"files", cfg.Storage.FileBackend,
		"queue", cfg.Storage.QueueBackend,
	)
	return b, nil
}

// Close releases backend connections.
func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewOrchestrator creates the pipeline orchestrator over the backends.
func NewOrchestrator(cfg *config.Config, b *Backends, log *slog.Logger) (*pipeline.Orchestrator, error) {
	profiles, err := transcoder.ProfilesByLabel(cfg.Pipeline.QualityProfiles)
	if err != nil {
		return nil, err
	}

	engine := transcoder.NewFFmpeg(&transcoder.FFmpegConfig{
		FFmpegPath:  cfg.Pipeline.FFmpegPath,
		FFprobePath: cfg.Pipeline.FFprobePath,
		Logger:      log,
	})

	return pipeline.New(&pipeline.Config{
		Store:                 b.Store,
		Files:                 b.Files,
		Engine:                engine,
		Queue:                 b.Queue,
		Profiles:              profiles,
		Logger:                log,
		WorkDir:               cfg.Pipeline.WorkDir,
		MaxConcurrentEncodes:  cfg.Pipeline.MaxConcurrentEncodes,
		ProbeTimeout:          cfg.Pipeline.ProbeTimeout,
		EncodeTimeout:         cfg.Pipeline.EncodeTimeout,
		FrameTimeout:          cfg.Pipeline.FrameTimeout,
		FailWithoutRenditions: cfg.Pipeline.ZeroRenditionPolicy == config.PolicyFailed,
	}), nil
}

// NewWorker creates the job pool that runs orchestrator pipelines.
func NewWorker(cfg *config.Config, b *Backends, o *pipeline.Orchestrator, log *slog.Logger) *worker.Worker {
	return worker.New(&worker.Config{
		Queue:             b.Queue,
		Processor:         o,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		ExtendInterval:    cfg.Worker.LeaseExtendInterval,
		Logger:            log,
	})
}
