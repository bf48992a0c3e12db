// Package analytics records views and engagement and aggregates them into
// per-video reports and trending rankings.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/media-pipeline/internal/metrics"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-analytics")

// Store is the persistence analytics needs.
type Store interface {
	GetVideo(ctx context.Context, videoID string) (*models.Video, error)
	IncrementCounter(ctx context.Context, videoID string, counter models.Counter, delta int64) (int64, error)
	// UpsertDailyView creates or widens the viewer's event for the day and,
	// only when it creates one, adds a view to the video in the same write.
	UpsertDailyView(ctx context.Context, event *models.ViewEvent) (*models.ViewEvent, bool, error)
	ListViewEvents(ctx context.Context, videoID, sinceDay string) ([]models.ViewEvent, error)
	CountViewsSince(ctx context.Context, sinceDay string) (map[string]int64, error)
}

// ViewInput describes one playback interaction.
type ViewInput struct {
	VideoID              string
	UserID               string
	IPAddress            string
	UserAgent            string
	Headers              http.Header
	Interaction          models.Interaction
	WatchDuration        float64
	CompletionPercentage float64
}

// Recorder records views and engagement.
type Recorder struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log, now: time.Now}
}

// RecordView stores a view. The first interaction of a viewer with a video
// on a UTC day creates an event and counts one view; later ones only widen
// its watch duration and completion.
func (r *Recorder) RecordView(ctx context.Context, in ViewInput) (*models.ViewEvent, error) {
	ctx, span := tracer.Start(ctx, "record-view")
	defer span.End()

	if in.VideoID == "" {
		return nil, models.ErrMissingVideoID
	}
	if in.Interaction == "" {
		in.Interaction = models.InteractionView
	}
	if !in.Interaction.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidInteraction, in.Interaction)
	}

	viewerKey := models.ViewerKey(in.UserID, in.IPAddress)
	if viewerKey == "" {
		viewerKey = "anon:" + uuid.New().String()
	}
	device, browser := ParseUserAgent(in.UserAgent)
	now := r.now().UTC()

	event := &models.ViewEvent{
		ID:                   uuid.New().String(),
		VideoID:              in.VideoID,
		ViewerKey:            viewerKey,
		UserID:               in.UserID,
		IPAddress:            in.IPAddress,
		Interaction:          in.Interaction,
		WatchDuration:        max(in.WatchDuration, 0),
		CompletionPercentage: min(max(in.CompletionPercentage, 0), 100),
		Country:              CountryFromHeaders(in.Headers),
		Device:               device,
		Browser:              browser,
		Day:                  models.DayKey(now),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	span.SetAttributes(
		attribute.String("video.id", in.VideoID),
		attribute.String("view.interaction", string(in.Interaction)),
	)

	// The store raises view_count together with creating the event.
	stored, created, err := r.store.UpsertDailyView(ctx, event)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.RecordView(string(in.Interaction), created)
	r.log.DebugContext(ctx, "View recorded",
		"videoId", in.VideoID,
		"interaction", in.Interaction,
		"created", created,
	)
	return stored, nil
}

// TrackUsage records a preview or download. It shares the daily
// deduplication of RecordView.
func (r *Recorder) TrackUsage(ctx context.Context, in ViewInput) (*models.ViewEvent, error) {
	if in.Interaction == "" {
		in.Interaction = models.InteractionPreview
	}
	if in.Interaction != models.InteractionPreview && in.Interaction != models.InteractionDownload {
		return nil, fmt.Errorf("%w: %q is not a usage type", models.ErrInvalidInteraction, in.Interaction)
	}
	return r.RecordView(ctx, in)
}

// RecordEngagement counts a like, share or comment and returns the new total.
func (r *Recorder) RecordEngagement(ctx context.Context, videoID, kind string) (int64, error) {
	counter, err := models.ParseEngagement(kind)
	if err != nil {
		return 0, err
	}
	total, err := r.store.IncrementCounter(ctx, videoID, counter, 1)
	if err != nil {
		return 0, err
	}
	return total, nil
}
