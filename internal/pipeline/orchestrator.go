// Package pipeline drives videos through upload, processing and removal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/amillerrr/media-pipeline/internal/metrics"
	"github.com/amillerrr/media-pipeline/internal/storage"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-pipeline")

// Default stage timeouts
const (
	DefaultProbeTimeout  = 2 * time.Minute
	DefaultEncodeTimeout = 30 * time.Minute
	DefaultFrameTimeout  = 30 * time.Second
)

// Store is the record persistence the orchestrator needs.
type Store interface {
	CreateVideo(ctx context.Context, video *models.Video) error
	GetVideo(ctx context.Context, videoID string) (*models.Video, error)
	UpdateVideo(ctx context.Context, videoID string, patch models.VideoPatch) (*models.Video, error)
	TransitionVideo(ctx context.Context, videoID string, from, to models.VideoStatus, patch models.VideoPatch) (*models.Video, error)
	BeginDelete(ctx context.Context, videoID string) (*models.Video, error)
	DeleteVideo(ctx context.Context, videoID string) error
	ListVideos(ctx context.Context, filter models.VideoFilter, page models.Page) (*models.VideoPage, error)
	PutRendition(ctx context.Context, rendition *models.Rendition) error
	ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error)
}

// FileStore holds originals, renditions and thumbnails.
type FileStore interface {
	Save(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)
	Fetch(ctx context.Context, key, destPath string) error
	Delete(ctx context.Context, key string) error
}

// Engine probes and encodes media files.
type Engine interface {
	Probe(ctx context.Context, inputPath string) (*models.MediaInfo, error)
	Transcode(ctx context.Context, inputPath string, profile models.QualityProfile, outputPath string) (*models.EncodedOutput, error)
	ExtractFrame(ctx context.Context, inputPath string, offsetSeconds float64, outputPath string) error
}

// JobQueue schedules pipeline runs.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.PipelineJob) error
}

// Config holds orchestrator dependencies and tuning.
type Config struct {
	Store    Store
	Files    FileStore
	Engine   Engine
	Queue    JobQueue
	Profiles []models.QualityProfile
	Logger   *slog.Logger

	WorkDir              string
	MaxConcurrentEncodes int
	ProbeTimeout         time.Duration
	EncodeTimeout        time.Duration
	FrameTimeout         time.Duration
	// FailWithoutRenditions marks a video FAILED when every encode failed.
	// By default it still becomes READY.
	FailWithoutRenditions bool
}

// Orchestrator owns the video lifecycle.
type Orchestrator struct {
	store    Store
	files    FileStore
	engine   Engine
	queue    JobQueue
	profiles []models.QualityProfile
	log      *slog.Logger

	workDir               string
	encodes               *semaphore.Weighted
	probeTimeout          time.Duration
	encodeTimeout         time.Duration
	frameTimeout          time.Duration
	failWithoutRenditions bool

	now func() time.Time
}

// New creates an orchestrator. The encode semaphore is shared by every
// pipeline the orchestrator runs.
func New(cfg *Config) *Orchestrator {
	maxEncodes := cfg.MaxConcurrentEncodes
	if maxEncodes <= 0 {
		maxEncodes = 2
	}
	return &Orchestrator{
		store:                 cfg.Store,
		files:                 cfg.Files,
		engine:                cfg.Engine,
		queue:                 cfg.Queue,
		profiles:              cfg.Profiles,
		log:                   cfg.Logger,
		workDir:               cfg.WorkDir,
		encodes:               semaphore.NewWeighted(int64(maxEncodes)),
		probeTimeout:          orDefault(cfg.ProbeTimeout, DefaultProbeTimeout),
		encodeTimeout:         orDefault(cfg.EncodeTimeout, DefaultEncodeTimeout),
		frameTimeout:          orDefault(cfg.FrameTimeout, DefaultFrameTimeout),
		failWithoutRenditions: cfg.FailWithoutRenditions,
		now:                   time.Now,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// UploadRequest is the metadata supplied when an upload begins.
type UploadRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	OwnerID     string           `json:"ownerId"`
	Type        models.VideoType `json:"type"`
	IsPublic    bool             `json:"isPublic"`
	IsFeatured  bool             `json:"isFeatured"`
	IsPremium   bool             `json:"isPremium"`
}

// Upload is an original file handed to AcceptUpload.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// RemoveResult reports what Remove deleted. Keys that held no object are
// not counted in FilesDeleted.
type RemoveResult struct {
	VideoID      string `json:"videoId"`
	FilesDeleted int    `json:"filesDeleted"`
}

// BeginUpload creates a video awaiting its original file.
func (o *Orchestrator) BeginUpload(ctx context.Context, req UploadRequest) (*models.Video, error) {
	if err := validateUploadRequest(req); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	video := &models.Video{
		ID:          uuid.New().String(),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		OwnerID:     req.OwnerID,
		Type:        req.Type,
		Status:      models.StatusUploading,
		IsPublic:    req.IsPublic,
		IsFeatured:  req.IsFeatured,
		IsPremium:   req.IsPremium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := o.store.CreateVideo(ctx, video); err != nil {
		return nil, fmt.Errorf("failed to create video: %w", err)
	}

	o.log.InfoContext(ctx, "Upload started", "videoId", video.ID, "type", video.Type)
	return video, nil
}

// AcceptUpload stores the original, moves the video to PROCESSING and
// schedules the pipeline. It returns without waiting for processing.
func (o *Orchestrator) AcceptUpload(ctx context.Context, videoID string, up Upload) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "accept-upload")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	video, err := o.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.Status != models.StatusUploading {
		return nil, fmt.Errorf("%w: video %s is %s", models.ErrInvalidState, videoID, video.Status)
	}

	if err := validateFilename(up.Filename); err != nil {
		return nil, err
	}
	if err := validateContentType(up.ContentType); err != nil {
		return nil, err
	}

	key := storage.OriginalKey(videoID, filepath.Ext(up.Filename))
	size, err := o.files.Save(ctx, key, up.Body, up.ContentType)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store original: %w", err)
	}

	filename := filepath.Base(up.Filename)
	video, err = o.store.TransitionVideo(ctx, videoID, models.StatusUploading, models.StatusProcessing, models.VideoPatch{
		OriginalRef:      &key,
		OriginalFilename: &filename,
		FileSizeBytes:    &size,
	})
	if err != nil {
		// A concurrent accept may have won with the same key.
		if current, getErr := o.store.GetVideo(ctx, videoID); getErr != nil || current.OriginalRef != key {
			o.deleteFile(ctx, key)
		}
		return nil, err
	}

	job := models.PipelineJob{
		VideoID:    videoID,
		Attempt:    1,
		EnqueuedAt: o.now().UTC().Format(time.RFC3339),
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		span.RecordError(err)
		o.log.ErrorContext(ctx, "Failed to schedule processing", "videoId", videoID, "error", err)
		msg := "failed to schedule processing"
		if _, failErr := o.store.TransitionVideo(ctx, videoID, models.StatusProcessing, models.StatusFailed, models.VideoPatch{ErrorMessage: &msg}); failErr != nil {
			o.log.ErrorContext(ctx, "Failed to mark video as failed", "videoId", videoID, "error", failErr)
		}
		return nil, fmt.Errorf("failed to queue job: %w", err)
	}

	metrics.UploadsAccepted.Inc()
	o.log.InfoContext(ctx, "Processing job queued",
		"videoId", videoID,
		"key", key,
		"sizeBytes", size,
	)
	return video, nil
}

// GetVideo returns a video by id.
func (o *Orchestrator) GetVideo(ctx context.Context, videoID string) (*models.Video, error) {
	return o.store.GetVideo(ctx, videoID)
}

// Renditions returns the renditions of a video.
func (o *Orchestrator) Renditions(ctx context.Context, videoID string) ([]models.Rendition, error) {
	if _, err := o.store.GetVideo(ctx, videoID); err != nil {
		return nil, err
	}
	return o.store.ListRenditions(ctx, videoID)
}

// ListVideos returns one page of videos.
func (o *Orchestrator) ListVideos(ctx context.Context, filter models.VideoFilter, page models.Page) (*models.VideoPage, error) {
	return o.store.ListVideos(ctx, filter, page.Normalize())
}

// Remove deletes a video's files and records. The video is first marked
// in the store, which stops any pipeline for it, in this process or
// another, from recording further output. A Remove that fails part way can
// be retried.
func (o *Orchestrator) Remove(ctx context.Context, videoID string) (*RemoveResult, error) {
	ctx, span := tracer.Start(ctx, "remove-video")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	video, err := o.store.BeginDelete(ctx, videoID)
	if err != nil {
		return nil, err
	}

	renditions, err := o.store.ListRenditions(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}

	keys := make([]string, 0, len(renditions)+2)
	if video.OriginalRef != "" {
		keys = append(keys, video.OriginalRef)
	}
	for _, r := range renditions {
		keys = append(keys, r.FileRef)
	}
	if video.ThumbnailRef != "" {
		keys = append(keys, video.ThumbnailRef)
	}

	result := &RemoveResult{VideoID: videoID}
	for _, key := range keys {
		if o.deleteFile(ctx, key) {
			result.FilesDeleted++
		}
	}

	if err := o.store.DeleteVideo(ctx, videoID); err != nil {
		return nil, fmt.Errorf("failed to delete video record: %w", err)
	}

	o.log.InfoContext(ctx, "Video removed",
		"videoId", videoID,
		"filesDeleted", result.FilesDeleted,
		"renditions", len(renditions),
	)
	return result, nil
}

// deleteFile removes a stored object, logging failures. It reports whether
// an object was actually removed.
func (o *Orchestrator) deleteFile(ctx context.Context, key string) bool {
	err := o.files.Delete(ctx, key)
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrObjectNotFound):
		o.log.DebugContext(ctx, "File already gone", "key", key)
	default:
		o.log.WarnContext(ctx, "Failed to delete file", "key", key, "error", err)
	}
	return false
}
