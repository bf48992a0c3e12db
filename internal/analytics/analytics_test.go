package analytics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/amillerrr/media-pipeline/internal/logger"
	"github.com/amillerrr/media-pipeline/internal/storage"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

const (
	iphoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

var day0 = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T, ids ...string) (*Recorder, *storage.MemoryStore, *time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, id := range ids {
		err := store.CreateVideo(context.Background(), &models.Video{
			ID: id, Title: id, Type: models.TypeMusicVideo, Status: models.StatusReady,
		})
		if err != nil {
			t.Fatalf("CreateVideo() error = %v", err)
		}
	}
	now := day0
	r := NewRecorder(store, logger.Discard())
	r.now = func() time.Time { return now }
	return r, store, &now
}

func viewCount(t *testing.T, store *storage.MemoryStore, id string) int64 {
	t.Helper()
	v, err := store.GetVideo(context.Background(), id)
	if err != nil {
		t.Fatalf("GetVideo() error = %v", err)
	}
	return v.ViewCount
}

func TestRecordView_SameViewerSameDay(t *testing.T) {
	r, store, _ := newRecorder(t, "v1")
	ctx := context.Background()

	first, err := r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "u1", WatchDuration: 40, CompletionPercentage: 80})
	if err != nil {
		t.Fatalf("RecordView() error = %v", err)
	}
	second, err := r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "u1", WatchDuration: 90, CompletionPercentage: 30})
	if err != nil {
		t.Fatalf("RecordView() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("second view created a new event %s, want %s", second.ID, first.ID)
	}
	if second.WatchDuration != 90 || second.CompletionPercentage != 80 {
		t.Errorf("merged = %v/%v, want 90/80", second.WatchDuration, second.CompletionPercentage)
	}
	if got := viewCount(t, store, "v1"); got != 1 {
		t.Errorf("ViewCount = %d, want 1", got)
	}

	events, _ := store.ListViewEvents(ctx, "v1", "")
	if len(events) != 1 || events[0].ViewerKey != "user:u1" || events[0].Day != "2025-03-10" {
		t.Errorf("events = %+v", events)
	}
}

func TestRecordView_DistinctViewersAndDays(t *testing.T) {
	r, store, now := newRecorder(t, "v1")
	ctx := context.Background()

	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "u1"})
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", IPAddress: "203.0.113.7"})
	if got := viewCount(t, store, "v1"); got != 2 {
		t.Errorf("ViewCount = %d, want 2 for distinct viewers", got)
	}

	// The day boundary is UTC midnight.
	*now = time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC)
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "u1"})
	if got := viewCount(t, store, "v1"); got != 3 {
		t.Errorf("ViewCount = %d, want 3 after day rollover", got)
	}

	// Anonymous viewers are never merged.
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1"})
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1"})
	if got := viewCount(t, store, "v1"); got != 5 {
		t.Errorf("ViewCount = %d, want 5 after anonymous views", got)
	}
}

func TestRecordView_ConcurrentSameViewer(t *testing.T) {
	r, store, _ := newRecorder(t, "v1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "u1", WatchDuration: float64(i)}); err != nil {
				t.Errorf("RecordView() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := viewCount(t, store, "v1"); got != 1 {
		t.Errorf("ViewCount = %d, want 1", got)
	}
	events, _ := store.ListViewEvents(ctx, "v1", "")
	if len(events) != 1 || events[0].WatchDuration != 19 {
		t.Errorf("events = %+v, want one event with watch 19", events)
	}
}

// counterlessStore fails every standalone counter update.
type counterlessStore struct {
	*storage.MemoryStore
}

func (counterlessStore) IncrementCounter(context.Context, string, models.Counter, int64) (int64, error) {
	return 0, errors.New("counter update unavailable")
}

func TestRecordView_CountsWithTheEvent(t *testing.T) {
	_, store, _ := newRecorder(t, "v1")
	r := NewRecorder(counterlessStore{store}, logger.Discard())
	r.now = func() time.Time { return day0 }
	ctx := context.Background()

	for range 2 {
		if _, err := r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "u1"}); err != nil {
			t.Fatalf("RecordView() error = %v", err)
		}
	}
	if _, err := r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "u2"}); err != nil {
		t.Fatalf("RecordView() error = %v", err)
	}

	events, _ := store.ListViewEvents(ctx, "v1", "")
	if got := viewCount(t, store, "v1"); got != int64(len(events)) || got != 2 {
		t.Errorf("ViewCount = %d with %d events, want 2 and 2", got, len(events))
	}
}

func TestRecordView_Validation(t *testing.T) {
	r, _, _ := newRecorder(t, "v1")
	ctx := context.Background()

	tests := []struct {
		name    string
		in      ViewInput
		wantErr error
	}{
		{"missing video id", ViewInput{UserID: "u1"}, models.ErrMissingVideoID},
		{"unknown interaction", ViewInput{VideoID: "v1", Interaction: "like"}, models.ErrInvalidInteraction},
		{"unknown video", ViewInput{VideoID: "missing", UserID: "u1"}, models.ErrVideoNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.RecordView(ctx, tt.in); !errors.Is(err, tt.wantErr) {
				t.Errorf("RecordView() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecordView_DerivesClientAttributes(t *testing.T) {
	r, _, _ := newRecorder(t, "v1")
	headers := http.Header{}
	headers.Set("CloudFront-Viewer-Country", "de")

	event, err := r.RecordView(context.Background(), ViewInput{
		VideoID:              "v1",
		IPAddress:            "198.51.100.4",
		UserAgent:            iphoneUA,
		Headers:              headers,
		WatchDuration:        -5,
		CompletionPercentage: 140,
	})
	if err != nil {
		t.Fatalf("RecordView() error = %v", err)
	}

	want := models.ViewEvent{
		VideoID:              "v1",
		ViewerKey:            "ip:198.51.100.4",
		IPAddress:            "198.51.100.4",
		Interaction:          models.InteractionView,
		WatchDuration:        0,
		CompletionPercentage: 100,
		Country:              "DE",
		Device:               "mobile",
		Browser:              "Safari",
		Day:                  "2025-03-10",
		CreatedAt:            day0,
		UpdatedAt:            day0,
	}
	got := *event
	got.ID = ""
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackUsage(t *testing.T) {
	r, store, _ := newRecorder(t, "v1")
	ctx := context.Background()

	event, err := r.TrackUsage(ctx, ViewInput{VideoID: "v1", UserID: "u1"})
	if err != nil {
		t.Fatalf("TrackUsage() error = %v", err)
	}
	if event.Interaction != models.InteractionPreview {
		t.Errorf("Interaction = %s, want preview", event.Interaction)
	}
	if _, err := r.TrackUsage(ctx, ViewInput{VideoID: "v1", UserID: "u2", Interaction: models.InteractionDownload}); err != nil {
		t.Fatalf("TrackUsage() download error = %v", err)
	}
	if _, err := r.TrackUsage(ctx, ViewInput{VideoID: "v1", Interaction: models.InteractionView}); !errors.Is(err, models.ErrInvalidInteraction) {
		t.Errorf("TrackUsage() view error = %v, want ErrInvalidInteraction", err)
	}
	if got := viewCount(t, store, "v1"); got != 2 {
		t.Errorf("ViewCount = %d, want 2", got)
	}
}

func TestRecordEngagement(t *testing.T) {
	r, store, _ := newRecorder(t, "v1")
	ctx := context.Background()

	for range 3 {
		if _, err := r.RecordEngagement(ctx, "v1", "like"); err != nil {
			t.Fatalf("RecordEngagement() error = %v", err)
		}
	}
	total, err := r.RecordEngagement(ctx, "v1", "share")
	if err != nil || total != 1 {
		t.Errorf("RecordEngagement(share) = (%d, %v), want (1, nil)", total, err)
	}

	v, _ := store.GetVideo(ctx, "v1")
	if v.LikeCount != 3 || v.ShareCount != 1 || v.ViewCount != 0 {
		t.Errorf("counters = like %d share %d view %d", v.LikeCount, v.ShareCount, v.ViewCount)
	}

	if _, err := r.RecordEngagement(ctx, "v1", "dislike"); !errors.Is(err, models.ErrInvalidCounter) {
		t.Errorf("RecordEngagement(dislike) error = %v, want ErrInvalidCounter", err)
	}
	if _, err := r.RecordEngagement(ctx, "missing", "like"); !errors.Is(err, models.ErrVideoNotFound) {
		t.Errorf("RecordEngagement(missing) error = %v, want ErrVideoNotFound", err)
	}
}

func TestGetAnalytics_NoEvents(t *testing.T) {
	r, _, _ := newRecorder(t, "v1")

	report, err := r.GetAnalytics(context.Background(), "v1", 0)
	if err != nil {
		t.Fatalf("GetAnalytics() error = %v", err)
	}

	want := &Report{
		VideoID:      "v1",
		WindowDays:   DefaultWindowDays,
		Since:        "2025-02-09",
		TopCountries: []Bucket{},
		TopDevices:   []Bucket{},
		ViewsByDate:  []DayCount{},
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.GetAnalytics(context.Background(), "missing", 7); !errors.Is(err, models.ErrVideoNotFound) {
		t.Errorf("GetAnalytics() missing error = %v, want ErrVideoNotFound", err)
	}
}

func TestGetAnalytics(t *testing.T) {
	r, _, now := newRecorder(t, "v1")
	ctx := context.Background()

	us := http.Header{"Cf-Ipcountry": []string{"US"}}
	fr := http.Header{"Cf-Ipcountry": []string{"FR"}}

	// Outside a 7-day window.
	*now = day0.AddDate(0, 0, -10)
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "old", Headers: us, WatchDuration: 999})

	*now = day0.AddDate(0, 0, -1)
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "a", Headers: us, UserAgent: desktopUA, WatchDuration: 60, CompletionPercentage: 50})
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "b", Headers: fr, UserAgent: iphoneUA, WatchDuration: 30, CompletionPercentage: 25})

	*now = day0
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "a", Headers: us, UserAgent: desktopUA, WatchDuration: 120, CompletionPercentage: 100})
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", UserID: "a", Headers: us, UserAgent: desktopUA, WatchDuration: 10, CompletionPercentage: 5})
	_, _ = r.RecordView(ctx, ViewInput{VideoID: "v1", IPAddress: "192.0.2.1"})

	report, err := r.GetAnalytics(ctx, "v1", 7)
	if err != nil {
		t.Fatalf("GetAnalytics() error = %v", err)
	}

	want := &Report{
		VideoID:          "v1",
		WindowDays:       7,
		Since:            "2025-03-04",
		TotalViews:       4,
		UniqueViews:      3,
		AverageWatchTime: 52.5,
		CompletionRate:   43.75,
		TopCountries:     []Bucket{{"US", 2}, {"FR", 1}, {Unknown, 1}},
		TopDevices:       []Bucket{{"desktop", 2}, {"mobile", 1}, {Unknown, 1}},
		ViewsByDate:      []DayCount{{"2025-03-09", 2}, {"2025-03-10", 2}},
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_TopTen(t *testing.T) {
	var events []models.ViewEvent
	for i := range 12 {
		for range i + 1 {
			events = append(events, models.ViewEvent{ViewerKey: "x", Country: string(rune('A'+i)) + "Z", Day: "2025-03-10"})
		}
	}
	report := Aggregate(events)
	if len(report.TopCountries) != 10 {
		t.Fatalf("TopCountries = %d entries, want 10", len(report.TopCountries))
	}
	if report.TopCountries[0] != (Bucket{"LZ", 12}) {
		t.Errorf("TopCountries[0] = %+v, want LZ with 12", report.TopCountries[0])
	}
}

func TestGetTrendingVideos(t *testing.T) {
	r, store, now := newRecorder(t, "a", "b", "c", "d")
	ctx := context.Background()

	view := func(id string, viewers ...string) {
		for _, u := range viewers {
			if _, err := r.RecordView(ctx, ViewInput{VideoID: id, UserID: u}); err != nil {
				t.Fatalf("RecordView() error = %v", err)
			}
		}
	}

	// Old views on d fall outside the window.
	*now = day0.AddDate(0, 0, -30)
	view("d", "1", "2", "3", "4", "5")

	*now = day0
	view("c", "1", "2", "3")
	view("b", "1", "2")
	view("a", "1", "2")
	view("d", "1")

	// Deleted videos drop out of the ranking.
	if err := store.CreateVideo(ctx, &models.Video{ID: "e", Title: "e", Type: models.TypeInterview}); err != nil {
		t.Fatal(err)
	}
	view("e", "1", "2", "3", "4")
	if err := store.DeleteVideo(ctx, "e"); err != nil {
		t.Fatal(err)
	}

	trending, err := r.GetTrendingVideos(ctx, 3, 7)
	if err != nil {
		t.Fatalf("GetTrendingVideos() error = %v", err)
	}

	var got []Bucket
	for _, tv := range trending {
		got = append(got, Bucket{tv.Video.ID, tv.WindowViews})
	}
	want := []Bucket{{"c", 3}, {"a", 2}, {"b", 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trending mismatch (-want +got):\n%s", diff)
	}

	all, _ := r.GetTrendingVideos(ctx, 0, 0)
	if len(all) != 4 {
		t.Errorf("default trending = %d videos, want 4", len(all))
	}
}

func TestCountryFromHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"cloudfront", http.Header{"Cloudfront-Viewer-Country": []string{"gb"}}, "GB"},
		{"cloudflare", http.Header{"Cf-Ipcountry": []string{"JP"}}, "JP"},
		{"unknown code skipped", http.Header{"Cf-Ipcountry": []string{"XX"}, "X-Country-Code": []string{"br"}}, "BR"},
		{"tor", http.Header{"Cf-Ipcountry": []string{"T1"}}, ""},
		{"malformed", http.Header{"X-Country-Code": []string{"USA"}}, ""},
		{"none", http.Header{}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountryFromHeaders(tt.header); got != tt.want {
				t.Errorf("CountryFromHeaders() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		ua          string
		wantDevice  string
		wantBrowser string
	}{
		{"", Unknown, Unknown},
		{desktopUA, "desktop", "Chrome"},
		{iphoneUA, "mobile", "Safari"},
		{"Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/120.0 Mobile/15E148 Safari/604.1", "tablet", "Chrome"},
		{"Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36", "mobile", "Chrome"},
		{"Mozilla/5.0 (Linux; Android 12; SM-X200) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36", "tablet", "Chrome"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0", "desktop", "Edge"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0", "desktop", "Firefox"},
		{"Googlebot/2.1 (+http://www.google.com/bot.html)", "bot", "Other"},
	}
	for _, tt := range tests {
		device, browser := ParseUserAgent(tt.ua)
		if device != tt.wantDevice || browser != tt.wantBrowser {
			t.Errorf("ParseUserAgent(%q) = (%s, %s), want (%s, %s)", tt.ua, device, browser, tt.wantDevice, tt.wantBrowser)
		}
	}
}
