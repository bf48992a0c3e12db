package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// storeFactories lists every backend that runs without external services.
func storeFactories(t *testing.T) map[string]func(t *testing.T) RecordStore {
	return map[string]func(t *testing.T) RecordStore{
		"memory": func(t *testing.T) RecordStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) RecordStore {
			store, err := OpenSQLStore("sqlite", "file::memory:")
			if err != nil {
				t.Fatalf("OpenSQLStore() error = %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store RecordStore)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newVideo(id string, offset time.Duration) *models.Video {
	return &models.Video{
		ID:        id,
		Title:     "Video " + id,
		Type:      models.TypeMusicVideo,
		Status:    models.StatusUploading,
		IsPublic:  true,
		CreatedAt: baseTime.Add(offset),
		UpdatedAt: baseTime.Add(offset),
	}
}

func mustCreate(t *testing.T, store RecordStore, v *models.Video) {
	t.Helper()
	if err := store.CreateVideo(context.Background(), v); err != nil {
		t.Fatalf("CreateVideo(%s) error = %v", v.ID, err)
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		v := newVideo("v1", 0)
		v.Description = "live at the forum"
		mustCreate(t, store, v)

		got, err := store.GetVideo(ctx, "v1")
		if err != nil {
			t.Fatalf("GetVideo() error = %v", err)
		}
		if diff := cmp.Diff(v, got); diff != "" {
			t.Errorf("GetVideo() mismatch (-want +got):\n%s", diff)
		}

		if err := store.CreateVideo(ctx, v); !errors.Is(err, ErrVideoExists) {
			t.Errorf("CreateVideo() duplicate error = %v, want ErrVideoExists", err)
		}

		if _, err := store.GetVideo(ctx, "missing"); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("GetVideo(missing) error = %v, want ErrVideoNotFound", err)
		}
	})
}

func TestStore_UpdateVideo(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))

		thumb := "thumbnails/v1.jpg"
		got, err := store.UpdateVideo(ctx, "v1", models.VideoPatch{ThumbnailRef: &thumb})
		if err != nil {
			t.Fatalf("UpdateVideo() error = %v", err)
		}
		if got.ThumbnailRef != thumb {
			t.Errorf("ThumbnailRef = %q, want %q", got.ThumbnailRef, thumb)
		}
		if got.Title != "Video v1" {
			t.Errorf("Title = %q, unset patch fields must be kept", got.Title)
		}

		if _, err := store.UpdateVideo(ctx, "missing", models.VideoPatch{ThumbnailRef: &thumb}); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("UpdateVideo(missing) error = %v, want ErrVideoNotFound", err)
		}
	})
}

func TestStore_TransitionVideo(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))

		ref := "originals/v1.mp4"
		got, err := store.TransitionVideo(ctx, "v1", models.StatusUploading, models.StatusProcessing,
			models.VideoPatch{OriginalRef: &ref})
		if err != nil {
			t.Fatalf("TransitionVideo() error = %v", err)
		}
		if got.Status != models.StatusProcessing || got.OriginalRef != ref {
			t.Errorf("TransitionVideo() = %s/%q, want PROCESSING/%q", got.Status, got.OriginalRef, ref)
		}

		// A second transition from UPLOADING must lose.
		_, err = store.TransitionVideo(ctx, "v1", models.StatusUploading, models.StatusProcessing, models.VideoPatch{})
		if !errors.Is(err, models.ErrInvalidState) {
			t.Errorf("TransitionVideo() stale error = %v, want ErrInvalidState", err)
		}

		_, err = store.TransitionVideo(ctx, "missing", models.StatusUploading, models.StatusProcessing, models.VideoPatch{})
		if !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("TransitionVideo(missing) error = %v, want ErrVideoNotFound", err)
		}
	})
}

func TestStore_TransitionVideo_OneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.TransitionVideo(ctx, "v1", models.StatusUploading, models.StatusProcessing, models.VideoPatch{})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("concurrent transitions won = %d, want 1", wins)
		}
	})
}

func TestStore_IncrementCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.IncrementCounter(ctx, "v1", models.CounterLikes, 1); err != nil {
					t.Errorf("IncrementCounter() error = %v", err)
				}
			}()
		}
		wg.Wait()

		got, err := store.IncrementCounter(ctx, "v1", models.CounterLikes, 1)
		if err != nil {
			t.Fatalf("IncrementCounter() error = %v", err)
		}
		if got != 21 {
			t.Errorf("like_count = %d, want 21", got)
		}

		if _, err := store.IncrementCounter(ctx, "v1", models.Counter("dislikes"), 1); !errors.Is(err, models.ErrInvalidCounter) {
			t.Errorf("IncrementCounter(bad) error = %v, want ErrInvalidCounter", err)
		}
		if _, err := store.IncrementCounter(ctx, "missing", models.CounterViews, 1); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("IncrementCounter(missing) error = %v, want ErrVideoNotFound", err)
		}
	})
}

func TestStore_Renditions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))

		for _, q := range []string{"720p", "360p"} {
			r := &models.Rendition{
				ID:        models.RenditionID("v1", q),
				VideoID:   "v1",
				Quality:   q,
				FileRef:   RenditionKey("v1", q),
				Ready:     true,
				CreatedAt: baseTime,
			}
			if err := store.PutRendition(ctx, r); err != nil {
				t.Fatalf("PutRendition(%s) error = %v", q, err)
			}
		}

		// Re-encoding replaces the record.
		replaced := &models.Rendition{ID: models.RenditionID("v1", "720p"), VideoID: "v1", Quality: "720p", FileRef: "new", Ready: true, CreatedAt: baseTime}
		if err := store.PutRendition(ctx, replaced); err != nil {
			t.Fatalf("PutRendition(replace) error = %v", err)
		}

		got, err := store.ListRenditions(ctx, "v1")
		if err != nil {
			t.Fatalf("ListRenditions() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListRenditions() len = %d, want 2", len(got))
		}
		for _, r := range got {
			if r.Quality == "720p" && r.FileRef != "new" {
				t.Errorf("720p FileRef = %q, want new", r.FileRef)
			}
		}

		orphan := &models.Rendition{ID: "x-360p", VideoID: "missing", Quality: "360p"}
		if err := store.PutRendition(ctx, orphan); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("PutRendition(orphan) error = %v, want ErrVideoNotFound", err)
		}
	})
}

func newView(videoID, viewer, day string, watch, completion float64) *models.ViewEvent {
	at, _ := time.Parse(models.DayLayout, day)
	return &models.ViewEvent{
		ID:                   fmt.Sprintf("%s-%s-%s-%v", videoID, viewer, day, watch),
		VideoID:              videoID,
		ViewerKey:            viewer,
		Interaction:          models.InteractionView,
		WatchDuration:        watch,
		CompletionPercentage: completion,
		Day:                  day,
		CreatedAt:            at,
		UpdatedAt:            at,
	}
}

func TestStore_UpsertDailyView(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))

		_, created, err := store.UpsertDailyView(ctx, newView("v1", "user:a", "2025-03-10", 30, 20))
		if err != nil || !created {
			t.Fatalf("UpsertDailyView() first = (created %v, err %v), want created", created, err)
		}

		merged, created, err := store.UpsertDailyView(ctx, newView("v1", "user:a", "2025-03-10", 90, 10))
		if err != nil {
			t.Fatalf("UpsertDailyView() second error = %v", err)
		}
		if created {
			t.Error("UpsertDailyView() second created a new event")
		}
		if merged.WatchDuration != 90 || merged.CompletionPercentage != 20 {
			t.Errorf("merged = (%v, %v), want (90, 20)", merged.WatchDuration, merged.CompletionPercentage)
		}

		// Next day and other viewer are separate events.
		if _, created, _ := store.UpsertDailyView(ctx, newView("v1", "user:a", "2025-03-11", 5, 5)); !created {
			t.Error("next-day view not created")
		}
		if _, created, _ := store.UpsertDailyView(ctx, newView("v1", "ip:10.0.0.1", "2025-03-10", 5, 5)); !created {
			t.Error("other viewer not created")
		}

		events, err := store.ListViewEvents(ctx, "v1", "2025-03-10")
		if err != nil {
			t.Fatalf("ListViewEvents() error = %v", err)
		}
		if len(events) != 3 {
			t.Errorf("ListViewEvents() len = %d, want 3", len(events))
		}

		events, _ = store.ListViewEvents(ctx, "v1", "2025-03-11")
		if len(events) != 1 {
			t.Errorf("ListViewEvents(since 11th) len = %d, want 1", len(events))
		}

		// Only created events are counted on the video.
		v, err := store.GetVideo(ctx, "v1")
		if err != nil {
			t.Fatalf("GetVideo() error = %v", err)
		}
		if v.ViewCount != 3 {
			t.Errorf("ViewCount = %d, want 3", v.ViewCount)
		}

		if _, _, err := store.UpsertDailyView(ctx, newView("missing", "user:a", "2025-03-10", 1, 1)); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("UpsertDailyView(missing) error = %v, want ErrVideoNotFound", err)
		}
	})
}

func TestStore_UpsertDailyView_ConcurrentSameViewer(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := store.UpsertDailyView(ctx, newView("v1", "user:a", "2025-03-10", float64(i), float64(i)))
				if err != nil {
					t.Errorf("UpsertDailyView() error = %v", err)
					return
				}
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Errorf("created = %d, want exactly 1", created)
		}
		events, _ := store.ListViewEvents(ctx, "v1", "2025-03-10")
		if len(events) != 1 || events[0].WatchDuration != 9 {
			t.Errorf("events = %+v, want one with watch 9", events)
		}
		if v, _ := store.GetVideo(ctx, "v1"); v == nil || v.ViewCount != 1 {
			t.Errorf("video = %+v, want ViewCount 1", v)
		}
	})
}

func TestStore_CountViewsSince(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))
		mustCreate(t, store, newVideo("v2", time.Second))

		views := []*models.ViewEvent{
			newView("v1", "user:a", "2025-03-01", 1, 1),
			newView("v1", "user:a", "2025-03-10", 1, 1),
			newView("v1", "user:b", "2025-03-10", 1, 1),
			newView("v2", "user:a", "2025-03-10", 1, 1),
		}
		for _, v := range views {
			if _, _, err := store.UpsertDailyView(ctx, v); err != nil {
				t.Fatalf("UpsertDailyView() error = %v", err)
			}
		}

		got, err := store.CountViewsSince(ctx, "2025-03-05")
		if err != nil {
			t.Fatalf("CountViewsSince() error = %v", err)
		}
		want := map[string]int64{"v1": 2, "v2": 1}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("CountViewsSince() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_DeleteVideo_Cascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))
		mustCreate(t, store, newVideo("v2", time.Second))

		for _, id := range []string{"v1", "v2"} {
			r := &models.Rendition{ID: models.RenditionID(id, "360p"), VideoID: id, Quality: "360p", Ready: true, CreatedAt: baseTime}
			if err := store.PutRendition(ctx, r); err != nil {
				t.Fatalf("PutRendition() error = %v", err)
			}
			if _, _, err := store.UpsertDailyView(ctx, newView(id, "user:a", "2025-03-10", 1, 1)); err != nil {
				t.Fatalf("UpsertDailyView() error = %v", err)
			}
		}

		if err := store.DeleteVideo(ctx, "v1"); err != nil {
			t.Fatalf("DeleteVideo() error = %v", err)
		}

		if _, err := store.GetVideo(ctx, "v1"); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("GetVideo() after delete error = %v, want ErrVideoNotFound", err)
		}
		if rs, _ := store.ListRenditions(ctx, "v1"); len(rs) != 0 {
			t.Errorf("orphan renditions = %d, want 0", len(rs))
		}
		if vs, _ := store.ListViewEvents(ctx, "v1", ""); len(vs) != 0 {
			t.Errorf("orphan views = %d, want 0", len(vs))
		}
		counts, _ := store.CountViewsSince(ctx, "")
		if _, ok := counts["v1"]; ok {
			t.Error("deleted video still counted")
		}

		// Sibling untouched.
		if rs, _ := store.ListRenditions(ctx, "v2"); len(rs) != 1 {
			t.Errorf("v2 renditions = %d, want 1", len(rs))
		}

		if err := store.DeleteVideo(ctx, "v1"); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("DeleteVideo() twice error = %v, want ErrVideoNotFound", err)
		}
	})
}

func TestStore_BeginDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		mustCreate(t, store, newVideo("v1", 0))
		mustCreate(t, store, newVideo("v2", time.Second))
		kept := &models.Rendition{ID: models.RenditionID("v1", "360p"), VideoID: "v1", Quality: "360p", Ready: true, CreatedAt: baseTime}
		if err := store.PutRendition(ctx, kept); err != nil {
			t.Fatalf("PutRendition() error = %v", err)
		}

		marked, err := store.BeginDelete(ctx, "v1")
		if err != nil {
			t.Fatalf("BeginDelete() error = %v", err)
		}
		if marked.ID != "v1" || !marked.Deleting {
			t.Errorf("BeginDelete() = %+v, want v1 flagged", marked)
		}
		if _, err := store.BeginDelete(ctx, "v1"); err != nil {
			t.Errorf("BeginDelete() again error = %v", err)
		}
		if _, err := store.BeginDelete(ctx, "missing"); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("BeginDelete(missing) error = %v, want ErrVideoNotFound", err)
		}

		if _, err := store.GetVideo(ctx, "v1"); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("GetVideo() error = %v, want ErrVideoNotFound", err)
		}
		page, err := store.ListVideos(ctx, models.VideoFilter{}, models.Page{})
		if err != nil {
			t.Fatalf("ListVideos() error = %v", err)
		}
		if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != "v2" {
			t.Errorf("ListVideos() = %+v, want only v2", page)
		}

		title := "late"
		if _, err := store.UpdateVideo(ctx, "v1", models.VideoPatch{Title: &title}); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("UpdateVideo() error = %v, want ErrVideoNotFound", err)
		}
		if _, err := store.TransitionVideo(ctx, "v1", models.StatusUploading, models.StatusProcessing, models.VideoPatch{}); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("TransitionVideo() error = %v, want ErrVideoNotFound", err)
		}
		if _, err := store.IncrementCounter(ctx, "v1", models.CounterLikes, 1); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("IncrementCounter() error = %v, want ErrVideoNotFound", err)
		}
		late := &models.Rendition{ID: models.RenditionID("v1", "720p"), VideoID: "v1", Quality: "720p", Ready: true, CreatedAt: baseTime}
		if err := store.PutRendition(ctx, late); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("PutRendition() error = %v, want ErrVideoNotFound", err)
		}
		if _, _, err := store.UpsertDailyView(ctx, newView("v1", "user:a", "2025-03-10", 1, 1)); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("UpsertDailyView() error = %v, want ErrVideoNotFound", err)
		}

		// Renditions stay listable so their files can be cleaned up.
		rs, err := store.ListRenditions(ctx, "v1")
		if err != nil {
			t.Fatalf("ListRenditions() error = %v", err)
		}
		if diff := cmp.Diff([]string{"360p"}, qualities(rs)); diff != "" {
			t.Errorf("ListRenditions() mismatch (-want +got):\n%s", diff)
		}

		if err := store.DeleteVideo(ctx, "v1"); err != nil {
			t.Fatalf("DeleteVideo() error = %v", err)
		}
		if _, err := store.BeginDelete(ctx, "v1"); !errors.Is(err, models.ErrVideoNotFound) {
			t.Errorf("BeginDelete() after delete error = %v, want ErrVideoNotFound", err)
		}
	})
}

func qualities(rs []models.Rendition) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Quality
	}
	return out
}

func TestStore_ListVideos(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()

		a := newVideo("a", 1*time.Minute)
		a.Title = "Neon Nights"
		b := newVideo("b", 2*time.Minute)
		b.Title = "After Hours"
		b.Type = models.TypeInterview
		c := newVideo("c", 3*time.Minute)
		c.Title = "Blue Hour"
		c.IsPublic = false
		for _, v := range []*models.Video{a, b, c} {
			mustCreate(t, store, v)
		}
		if _, err := store.IncrementCounter(ctx, "a", models.CounterViews, 5); err != nil {
			t.Fatalf("IncrementCounter() error = %v", err)
		}

		public := true
		tests := []struct {
			name   string
			filter models.VideoFilter
			page   models.Page
			want   []string
			total  int
		}{
			{"default newest first", models.VideoFilter{}, models.Page{}, []string{"c", "b", "a"}, 3},
			{"title ascending", models.VideoFilter{}, models.Page{SortBy: models.SortTitle}, []string{"b", "c", "a"}, 3},
			{"most viewed", models.VideoFilter{}, models.Page{SortBy: models.SortViewCount, Desc: true}, []string{"a", "b", "c"}, 3},
			{"by type", models.VideoFilter{Type: models.TypeInterview}, models.Page{}, []string{"b"}, 1},
			{"public only", models.VideoFilter{Public: &public}, models.Page{}, []string{"b", "a"}, 2},
			{"search", models.VideoFilter{Search: "hour"}, models.Page{SortBy: models.SortTitle}, []string{"b", "c"}, 2},
			{"second page", models.VideoFilter{}, models.Page{Page: 2, Limit: 2}, []string{"a"}, 3},
			{"past the end", models.VideoFilter{}, models.Page{Page: 5, Limit: 2}, []string{}, 3},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.ListVideos(ctx, tt.filter, tt.page)
				if err != nil {
					t.Fatalf("ListVideos() error = %v", err)
				}
				ids := make([]string, len(got.Items))
				for i, v := range got.Items {
					ids[i] = v.ID
				}
				if diff := cmp.Diff(tt.want, ids); diff != "" {
					t.Errorf("ListVideos() ids mismatch (-want +got):\n%s", diff)
				}
				if got.Total != tt.total {
					t.Errorf("Total = %d, want %d", got.Total, tt.total)
				}
			})
		}
	})
}

func TestPatchFields(t *testing.T) {
	title := "New"
	width := 1280
	published := time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))

	got := patchFields(models.VideoPatch{Title: &title, Width: &width, PublishedAt: &published})
	want := map[string]any{
		"title":        "New",
		"width":        1280,
		"published_at": published.UTC(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("patchFields() mismatch (-want +got):\n%s", diff)
	}
}
