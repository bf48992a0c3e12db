package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/media-pipeline/internal/metrics"
	"github.com/amillerrr/media-pipeline/internal/storage"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

// Thumbnail geometry
const (
	ThumbnailWidth  = 640
	ThumbnailHeight = 360
)

// Frame positions tried for the thumbnail, as fractions of the duration.
// The preferred frame comes first.
var thumbnailFractions = []float64{0.25, 0.10, 0.50}

// Pipeline outcomes recorded in metrics
const (
	outcomeReady   = "ready"
	outcomeFailed  = "failed"
	outcomeRemoved = "removed"
)

// ProcessJob runs the processing pipeline for a queued video. It returns an
// error only when the terminal status could not be persisted.
func (o *Orchestrator) ProcessJob(ctx context.Context, job models.PipelineJob) error {
	ctx, span := tracer.Start(ctx, "run-pipeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", job.VideoID),
		attribute.Int("job.attempt", job.Attempt),
	)

	video, err := o.store.GetVideo(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			o.log.InfoContext(ctx, "Skipping job for missing video", "videoId", job.VideoID)
			return nil
		}
		return fmt.Errorf("failed to load video: %w", err)
	}
	if video.Status != models.StatusProcessing {
		o.log.InfoContext(ctx, "Skipping job", "videoId", video.ID, "status", video.Status)
		return nil
	}

	o.log.InfoContext(ctx, "Processing video",
		"videoId", video.ID,
		"attempt", job.Attempt,
		"originalRef", video.OriginalRef,
	)

	start := o.now()
	produced, runErr := o.run(ctx, video)
	if runErr != nil {
		span.RecordError(runErr)
	}
	return o.finish(ctx, video, produced, runErr, o.now().Sub(start))
}

// run executes the pipeline stages. Panics surface as errors.
func (o *Orchestrator) run(ctx context.Context, video *models.Video) (produced int, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.ErrorContext(ctx, "Pipeline panic", "videoId", video.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	if o.workDir != "" {
		if err := os.MkdirAll(o.workDir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(o.workDir, video.ID+"-")
	if err != nil {
		return 0, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			o.log.WarnContext(ctx, "Failed to clean up work dir", "path", workDir, "error", rmErr)
		}
	}()

	input := filepath.Join(workDir, "original"+filepath.Ext(video.OriginalRef))
	fetchStart := o.now()
	if err := o.files.Fetch(ctx, video.OriginalRef, input); err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrDownloadFailed, err)
	}
	o.log.DebugContext(ctx, "Fetched original", "videoId", video.ID, "seconds", o.now().Sub(fetchStart).Seconds())

	info, err := o.probe(ctx, input)
	if err != nil {
		return 0, err
	}

	err = o.guarded(ctx, video.ID, func() error {
		_, err := o.store.UpdateVideo(ctx, video.ID, models.MetadataPatch(info))
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := o.thumbnail(ctx, video.ID, input, workDir, info.DurationSeconds); err != nil {
		if errors.Is(err, models.ErrVideoRemoved) {
			return 0, err
		}
		metrics.RecordThumbnail(false)
		o.log.WarnContext(ctx, "Thumbnail generation failed", "videoId", video.ID, "error", err)
	} else {
		metrics.RecordThumbnail(true)
	}

	return o.encodeAll(ctx, video.ID, input, workDir)
}

func (o *Orchestrator) probe(ctx context.Context, input string) (*models.MediaInfo, error) {
	ctx, span := tracer.Start(ctx, "probe")
	defer span.End()

	probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	info, err := o.engine.Probe(probeCtx, input)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, models.ErrUnreadableMedia) {
			err = fmt.Errorf("%w: %w", models.ErrUnreadableMedia, err)
		}
		return nil, err
	}
	return info, nil
}

// thumbnail extracts candidate frames, keeps the preferred one that
// succeeded and stores it scaled to fit the thumbnail box.
func (o *Orchestrator) thumbnail(ctx context.Context, videoID, input, workDir string, duration float64) error {
	ctx, span := tracer.Start(ctx, "thumbnail")
	defer span.End()

	var frame string
	var frameErr error
	for i, fraction := range thumbnailFractions {
		path := filepath.Join(workDir, fmt.Sprintf("frame-%d.jpg", i))
		if err := o.extractFrame(ctx, input, duration*fraction, path); err != nil {
			frameErr = errors.Join(frameErr, err)
			continue
		}
		frame = path
		break
	}
	if frame == "" {
		return fmt.Errorf("%w: %w", models.ErrThumbnailFailed, frameErr)
	}

	img, err := imaging.Open(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrThumbnailFailed, err)
	}
	thumb := filepath.Join(workDir, "thumbnail.jpg")
	fitted := imaging.Fit(img, ThumbnailWidth, ThumbnailHeight, imaging.Lanczos)
	if err := imaging.Save(fitted, thumb, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("%w: %w", models.ErrThumbnailFailed, err)
	}

	key := storage.ThumbnailKey(videoID)
	return o.guarded(ctx, videoID, func() error {
		if _, err := o.saveFile(ctx, key, thumb, "image/jpeg"); err != nil {
			return err
		}
		if _, err := o.store.UpdateVideo(ctx, videoID, models.VideoPatch{ThumbnailRef: &key}); err != nil {
			o.deleteFile(ctx, key)
			return err
		}
		return nil
	})
}

func (o *Orchestrator) extractFrame(ctx context.Context, input string, offset float64, output string) error {
	frameCtx, cancel := context.WithTimeout(ctx, o.frameTimeout)
	defer cancel()
	return o.engine.ExtractFrame(frameCtx, input, offset, output)
}

// encodeAll attempts every profile. Individual failures are skipped; only a
// removal of the video stops the siblings.
func (o *Orchestrator) encodeAll(ctx context.Context, videoID, input, workDir string) (int, error) {
	var produced atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(o.profiles), 1))

	for _, profile := range o.profiles {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					o.log.ErrorContext(gctx, "Encode panic", "videoId", videoID, "quality", profile.Label, "panic", r)
					err = nil
				}
			}()

			err = o.encodeProfile(gctx, videoID, input, workDir, profile)
			switch {
			case err == nil:
				produced.Add(1)
				return nil
			case errors.Is(err, models.ErrVideoRemoved):
				return err
			default:
				o.log.WarnContext(gctx, "Encode failed, skipping profile",
					"videoId", videoID,
					"quality", profile.Label,
					"error", err,
				)
				return nil
			}
		})
	}

	err := g.Wait()
	return int(produced.Load()), err
}

func (o *Orchestrator) encodeProfile(ctx context.Context, videoID, input, workDir string, profile models.QualityProfile) error {
	ctx, span := tracer.Start(ctx, "encode")
	defer span.End()
	span.SetAttributes(attribute.String("quality", profile.Label))

	if err := o.encodes.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.encodes.Release(1)

	encodeCtx, cancel := context.WithTimeout(ctx, o.encodeTimeout)
	defer cancel()

	output := filepath.Join(workDir, profile.Label+".mp4")
	start := time.Now()
	encoded, err := o.engine.Transcode(encodeCtx, input, profile, output)
	metrics.RecordEncode(profile.Label, err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, models.ErrEncodingFailed) {
			err = fmt.Errorf("%w: %s: %w", models.ErrEncodingFailed, profile.Label, err)
		}
		return err
	}
	defer os.Remove(encoded.Path)

	key := storage.RenditionKey(videoID, profile.Label)
	return o.guarded(ctx, videoID, func() error {
		size, err := o.saveFile(ctx, key, encoded.Path, "video/mp4")
		if err != nil {
			return err
		}
		rendition := &models.Rendition{
			ID:            models.RenditionID(videoID, profile.Label),
			VideoID:       videoID,
			Quality:       profile.Label,
			FileRef:       key,
			FileSizeBytes: size,
			BitRateKbps:   encoded.BitRateKbps,
			Resolution:    encoded.Resolution,
			Ready:         true,
			CreatedAt:     o.now().UTC(),
		}
		if err := o.store.PutRendition(ctx, rendition); err != nil {
			o.deleteFile(ctx, key)
			return err
		}
		o.log.InfoContext(ctx, "Rendition stored",
			"videoId", videoID,
			"quality", profile.Label,
			"sizeBytes", size,
		)
		return nil
	})
}

// guarded runs a write for a video unless it is gone or being removed.
// Removal may begin while fn runs; the store then refuses fn's record write
// and fn deletes the file it just saved.
func (o *Orchestrator) guarded(ctx context.Context, videoID string, fn func() error) error {
	_, err := o.store.GetVideo(ctx, videoID)
	if err == nil {
		err = fn()
	}
	if errors.Is(err, models.ErrVideoNotFound) {
		return fmt.Errorf("%w: %s", models.ErrVideoRemoved, videoID)
	}
	return err
}

func (o *Orchestrator) saveFile(ctx context.Context, key, path, contentType string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	size, err := o.files.Save(ctx, key, f, contentType)
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", key, err)
	}
	return size, nil
}

// finish records the terminal status of a pipeline run.
func (o *Orchestrator) finish(ctx context.Context, video *models.Video, produced int, runErr error, elapsed time.Duration) error {
	logArgs := []any{"videoId", video.ID, "renditions", produced, "durationSeconds", elapsed.Seconds()}

	if errors.Is(runErr, models.ErrVideoRemoved) {
		metrics.RecordPipeline(outcomeRemoved, elapsed.Seconds())
		o.log.InfoContext(ctx, "Video removed during processing, output discarded", logArgs...)
		return nil
	}

	if runErr == nil && produced == 0 && o.failWithoutRenditions {
		runErr = fmt.Errorf("%w: no rendition could be produced", models.ErrEncodingFailed)
	}

	var (
		to      models.VideoStatus
		patch   models.VideoPatch
		outcome string
	)
	if runErr != nil {
		msg := runErr.Error()
		to, patch, outcome = models.StatusFailed, models.VideoPatch{ErrorMessage: &msg}, outcomeFailed
	} else {
		published := o.now().UTC()
		to, patch, outcome = models.StatusReady, models.VideoPatch{PublishedAt: &published}, outcomeReady
	}

	if _, err := o.store.TransitionVideo(ctx, video.ID, models.StatusProcessing, to, patch); err != nil {
		switch {
		case errors.Is(err, models.ErrVideoNotFound):
			metrics.RecordPipeline(outcomeRemoved, elapsed.Seconds())
			o.log.InfoContext(ctx, "Video removed before completion", logArgs...)
			return nil
		case errors.Is(err, models.ErrInvalidState):
			o.log.WarnContext(ctx, "Video already finished by another run", logArgs...)
			return nil
		}
		o.log.ErrorContext(ctx, "Failed to record pipeline outcome", append(logArgs, "error", err)...)
		return fmt.Errorf("failed to mark video %s: %w", to, err)
	}

	metrics.RecordPipeline(outcome, elapsed.Seconds())
	if runErr != nil {
		o.log.ErrorContext(ctx, "Video processing failed", append(logArgs, "error", runErr)...)
	} else {
		o.log.InfoContext(ctx, "Video processed successfully", logArgs...)
	}
	return nil
}
