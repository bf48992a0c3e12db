package storage

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-storage")

// ErrObjectNotFound is returned when a file store has no object at a key,
// including from Delete.
var ErrObjectNotFound = errors.New("object not found")

// ErrObjectTooLarge is returned when a file exceeds what the store accepts
// in one object.
var ErrObjectTooLarge = errors.New("object too large")

// ErrVideoExists is returned when creating a video whose id is taken.
var ErrVideoExists = errors.New("video already exists")

// RecordStore is the full persistence surface shared by every backend.
// Consumers declare the narrower subsets they need.
//
// BeginDelete marks a video as being removed. From then on GetVideo and
// ListVideos no longer see it, and every write that targets it (video
// updates, counters, renditions, view events) fails with
// models.ErrVideoNotFound. The marker lives in the store, so it holds for
// every process sharing it. DeleteVideo still accepts a marked video.
type RecordStore interface {
	CreateVideo(ctx context.Context, video *models.Video) error
	GetVideo(ctx context.Context, videoID string) (*models.Video, error)
	UpdateVideo(ctx context.Context, videoID string, patch models.VideoPatch) (*models.Video, error)
	TransitionVideo(ctx context.Context, videoID string, from, to models.VideoStatus, patch models.VideoPatch) (*models.Video, error)
	IncrementCounter(ctx context.Context, videoID string, counter models.Counter, delta int64) (int64, error)
	BeginDelete(ctx context.Context, videoID string) (*models.Video, error)
	DeleteVideo(ctx context.Context, videoID string) error
	ListVideos(ctx context.Context, filter models.VideoFilter, page models.Page) (*models.VideoPage, error)

	PutRendition(ctx context.Context, rendition *models.Rendition) error
	ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error)

	UpsertDailyView(ctx context.Context, event *models.ViewEvent) (*models.ViewEvent, bool, error)
	ListViewEvents(ctx context.Context, videoID, sinceDay string) ([]models.ViewEvent, error)
	CountViewsSince(ctx context.Context, sinceDay string) (map[string]int64, error)
}

var (
	_ RecordStore = (*MemoryStore)(nil)
	_ RecordStore = (*DynamoStore)(nil)
	_ RecordStore = (*SQLStore)(nil)
)

// patchFields flattens the set fields of a patch into attribute names shared
// by the DynamoDB items and the SQL columns.
func patchFields(p models.VideoPatch) map[string]any {
	fields := make(map[string]any)
	set := func(name string, ok bool, v any) {
		if ok {
			fields[name] = v
		}
	}

	set("title", p.Title != nil, deref(p.Title))
	set("description", p.Description != nil, deref(p.Description))
	set("original_ref", p.OriginalRef != nil, deref(p.OriginalRef))
	set("original_filename", p.OriginalFilename != nil, deref(p.OriginalFilename))
	set("file_size_bytes", p.FileSizeBytes != nil, deref(p.FileSizeBytes))
	set("thumbnail_ref", p.ThumbnailRef != nil, deref(p.ThumbnailRef))
	set("duration_seconds", p.DurationSeconds != nil, deref(p.DurationSeconds))
	set("width", p.Width != nil, deref(p.Width))
	set("height", p.Height != nil, deref(p.Height))
	set("resolution", p.Resolution != nil, deref(p.Resolution))
	set("frame_rate", p.FrameRate != nil, deref(p.FrameRate))
	set("bit_rate_kbps", p.BitRateKbps != nil, deref(p.BitRateKbps))
	set("codec", p.Codec != nil, deref(p.Codec))
	set("is_public", p.IsPublic != nil, deref(p.IsPublic))
	set("is_featured", p.IsFeatured != nil, deref(p.IsFeatured))
	set("is_premium", p.IsPremium != nil, deref(p.IsPremium))
	set("error_message", p.ErrorMessage != nil, deref(p.ErrorMessage))
	if p.PublishedAt != nil {
		fields["published_at"] = p.PublishedAt.UTC()
	}

	return fields
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// paginateVideos filters, sorts and slices videos in memory. Ties on the
// sort field are broken by id ascending.
func paginateVideos(videos []models.Video, filter models.VideoFilter, page models.Page) *models.VideoPage {
	page = page.Normalize()

	matched := make([]models.Video, 0, len(videos))
	for i := range videos {
		if !videos[i].Deleting && filter.Matches(&videos[i]) {
			matched = append(matched, videos[i])
		}
	}

	slices.SortStableFunc(matched, func(a, b models.Video) int {
		c := compareVideos(a, b, page.SortBy)
		if page.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	result := &models.VideoPage{
		Items: []models.Video{},
		Total: len(matched),
		Page:  page.Page,
		Limit: page.Limit,
	}

	start := page.Offset()
	if start >= len(matched) {
		return result
	}
	end := min(start+page.Limit, len(matched))
	result.Items = matched[start:end]

	return result
}

func compareVideos(a, b models.Video, field models.SortField) int {
	switch field {
	case models.SortPublishedAt:
		return publishedAt(a).Compare(publishedAt(b))
	case models.SortViewCount:
		return cmp.Compare(a.ViewCount, b.ViewCount)
	case models.SortTitle:
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func publishedAt(v models.Video) time.Time {
	if v.PublishedAt == nil {
		return time.Time{}
	}
	return *v.PublishedAt
}
