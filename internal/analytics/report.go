package analytics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// Aggregation defaults
const (
	DefaultWindowDays         = 30
	DefaultTrendingWindowDays = 7
	DefaultTrendingLimit      = 10
	MaxTrendingLimit          = 100
	topN                      = 10
)

// Bucket is one group of an aggregation.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// DayCount is the number of view events on one day.
type DayCount struct {
	Day   string `json:"day"`
	Views int64  `json:"views"`
}

// Report summarises the view events of a video over a window of days.
type Report struct {
	VideoID          string     `json:"videoId"`
	WindowDays       int        `json:"windowDays"`
	Since            string     `json:"since"`
	TotalViews       int64      `json:"totalViews"`
	UniqueViews      int64      `json:"uniqueViews"`
	AverageWatchTime float64    `json:"averageWatchTime"`
	CompletionRate   float64    `json:"completionRate"`
	TopCountries     []Bucket   `json:"topCountries"`
	TopDevices       []Bucket   `json:"topDevices"`
	ViewsByDate      []DayCount `json:"viewsByDate"`
}

// TrendingVideo is a video ranked by views inside a window.
type TrendingVideo struct {
	Video       models.Video `json:"video"`
	WindowViews int64        `json:"windowViews"`
}

// windowStart returns the first day of a window of days ending today.
func windowStart(now time.Time, days int) string {
	return models.DayKey(now.UTC().AddDate(0, 0, -(days - 1)))
}

// GetAnalytics aggregates a video's view events from the last windowDays
// days, today included.
func (r *Recorder) GetAnalytics(ctx context.Context, videoID string, windowDays int) (*Report, error) {
	ctx, span := tracer.Start(ctx, "get-analytics")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if _, err := r.store.GetVideo(ctx, videoID); err != nil {
		return nil, err
	}

	since := windowStart(r.now(), windowDays)
	events, err := r.store.ListViewEvents(ctx, videoID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list view events: %w", err)
	}

	report := Aggregate(events)
	report.VideoID = videoID
	report.WindowDays = windowDays
	report.Since = since
	return report, nil
}

// Aggregate summarises a set of view events. Rates are zero when there are
// no events.
func Aggregate(events []models.ViewEvent) *Report {
	report := &Report{
		TopCountries: []Bucket{},
		TopDevices:   []Bucket{},
		ViewsByDate:  []DayCount{},
	}
	if len(events) == 0 {
		return report
	}

	viewers := make(map[string]struct{})
	countries := make(map[string]int64)
	devices := make(map[string]int64)
	days := make(map[string]int64)
	var watch, completion float64

	for _, e := range events {
		viewers[e.ViewerKey] = struct{}{}
		countries[orUnknown(e.Country)]++
		devices[orUnknown(e.Device)]++
		days[e.Day]++
		watch += e.WatchDuration
		completion += e.CompletionPercentage
	}

	n := float64(len(events))
	report.TotalViews = int64(len(events))
	report.UniqueViews = int64(len(viewers))
	report.AverageWatchTime = watch / n
	report.CompletionRate = completion / n
	report.TopCountries = topBuckets(countries, topN)
	report.TopDevices = topBuckets(devices, topN)

	for _, day := range slices.Sorted(maps.Keys(days)) {
		report.ViewsByDate = append(report.ViewsByDate, DayCount{Day: day, Views: days[day]})
	}
	return report
}

// topBuckets returns the n largest groups, ties ordered by key.
func topBuckets(counts map[string]int64, n int) []Bucket {
	buckets := make([]Bucket, 0, len(counts))
	for k, c := range counts {
		buckets = append(buckets, Bucket{Key: k, Count: c})
	}
	slices.SortFunc(buckets, func(a, b Bucket) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), strings.Compare(a.Key, b.Key))
	})
	if len(buckets) > n {
		buckets = buckets[:n]
	}
	return buckets
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

// GetTrendingVideos ranks videos by view events in the last windowDays days.
// Ties go to the lower video id. Videos deleted since are skipped.
func (r *Recorder) GetTrendingVideos(ctx context.Context, limit, windowDays int) ([]TrendingVideo, error) {
	ctx, span := tracer.Start(ctx, "get-trending-videos")
	defer span.End()

	if limit <= 0 {
		limit = DefaultTrendingLimit
	}
	limit = min(limit, MaxTrendingLimit)
	if windowDays <= 0 {
		windowDays = DefaultTrendingWindowDays
	}

	counts, err := r.store.CountViewsSince(ctx, windowStart(r.now(), windowDays))
	if err != nil {
		return nil, fmt.Errorf("failed to count views: %w", err)
	}

	ranked := topBuckets(counts, len(counts))
	trending := make([]TrendingVideo, 0, min(limit, len(ranked)))
	for _, b := range ranked {
		if len(trending) == limit {
			break
		}
		video, err := r.store.GetVideo(ctx, b.Key)
		if err != nil {
			if errors.Is(err, models.ErrVideoNotFound) {
				continue
			}
			return nil, err
		}
		trending = append(trending, TrendingVideo{Video: *video, WindowViews: b.Count})
	}
	return trending, nil
}
