// Package streaming picks the rendition a client should play.
package streaming

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/media-pipeline/internal/metrics"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-streaming")

// Selection is the rendition chosen for playback.
type Selection struct {
	VideoID            string           `json:"videoId"`
	Quality            string           `json:"quality"`
	URL                string           `json:"url"`
	Rendition          models.Rendition `json:"rendition"`
	FellBack           bool             `json:"fellBack"`
	AvailableQualities []string         `json:"availableQualities"`
}

// Select picks a ready rendition of a READY video. With no requested
// quality, or one that is not available, it returns the highest bitrate.
func Select(video *models.Video, renditions []models.Rendition, requested string) (*Selection, error) {
	if video.Status != models.StatusReady {
		return nil, fmt.Errorf("%w: video %s is %s", models.ErrNotReady, video.ID, video.Status)
	}

	ready := make([]models.Rendition, 0, len(renditions))
	for _, r := range renditions {
		if r.Ready {
			ready = append(ready, r)
		}
	}
	if len(ready) == 0 {
		return nil, fmt.Errorf("%w: video %s", models.ErrNoRenditionsAvailable, video.ID)
	}

	slices.SortFunc(ready, func(a, b models.Rendition) int {
		return cmp.Or(
			cmp.Compare(a.BitRateKbps, b.BitRateKbps),
			strings.Compare(a.Quality, b.Quality),
		)
	})

	available := make([]string, len(ready))
	for i, r := range ready {
		available[i] = r.Quality
	}

	chosen := ready[len(ready)-1]
	fellBack := false
	if requested != "" {
		i := slices.IndexFunc(ready, func(r models.Rendition) bool {
			return strings.EqualFold(r.Quality, requested)
		})
		if i >= 0 {
			chosen = ready[i]
		} else {
			fellBack = true
		}
	}

	return &Selection{
		VideoID:            video.ID,
		Quality:            chosen.Quality,
		Rendition:          chosen,
		FellBack:           fellBack,
		AvailableQualities: available,
	}, nil
}

// Store reads the records stream selection needs.
type Store interface {
	GetVideo(ctx context.Context, videoID string) (*models.Video, error)
	ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error)
}

// URLResolver turns a stored file reference into a playable URL.
type URLResolver interface {
	URL(ctx context.Context, key string) (string, error)
}

// Service resolves playback requests.
type Service struct {
	store Store
	urls  URLResolver
	log   *slog.Logger
}

// NewService creates a stream selection service.
func NewService(store Store, urls URLResolver, log *slog.Logger) *Service {
	return &Service{store: store, urls: urls, log: log}
}

// SelectStream loads a video and its renditions and returns the URL of the
// rendition to play.
func (s *Service) SelectStream(ctx context.Context, videoID, quality string) (*Selection, error) {
	ctx, span := tracer.Start(ctx, "select-stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.String("quality.requested", quality),
	)

	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	renditions, err := s.store.ListRenditions(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}

	sel, err := Select(video, renditions, quality)
	if err != nil {
		return nil, err
	}

	sel.URL, err = s.urls.URL(ctx, sel.Rendition.FileRef)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to resolve stream URL: %w", err)
	}

	metrics.RecordStreamSelection(sel.Quality, sel.FellBack)
	if sel.FellBack {
		s.log.InfoContext(ctx, "Requested quality unavailable, using default",
			"videoId", videoID,
			"requested", quality,
			"quality", sel.Quality,
		)
	}
	span.SetAttributes(attribute.String("quality.selected", sel.Quality))
	return sel, nil
}
