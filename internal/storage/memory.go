package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// MemoryStore is a process-local RecordStore. A single mutex serializes
// writers, which makes counter increments and view upserts atomic.
type MemoryStore struct {
	mu         sync.RWMutex
	videos     map[string]*models.Video
	renditions map[string]map[string]models.Rendition
	views      map[string]map[string]*models.ViewEvent
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:     make(map[string]*models.Video),
		renditions: make(map[string]map[string]models.Rendition),
		views:      make(map[string]map[string]*models.ViewEvent),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateVideo(_ context.Context, video *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.videos[video.ID]; ok {
		return fmt.Errorf("%w: %s", ErrVideoExists, video.ID)
	}
	v := cloneVideo(video)
	s.videos[video.ID] = v
	return nil
}

func (s *MemoryStore) GetVideo(_ context.Context, videoID string) (*models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.live(videoID)
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	return cloneVideo(v), nil
}

func (s *MemoryStore) UpdateVideo(_ context.Context, videoID string, patch models.VideoPatch) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.live(videoID)
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	patch.Apply(v)
	v.UpdatedAt = s.now()
	return cloneVideo(v), nil
}

func (s *MemoryStore) TransitionVideo(_ context.Context, videoID string, from, to models.VideoStatus, patch models.VideoPatch) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.live(videoID)
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	if v.Status != from {
		return nil, fmt.Errorf("%w: video %s is %s, expected %s", models.ErrInvalidState, videoID, v.Status, from)
	}
	patch.Apply(v)
	v.Status = to
	v.UpdatedAt = s.now()
	return cloneVideo(v), nil
}

func (s *MemoryStore) IncrementCounter(_ context.Context, videoID string, counter models.Counter, delta int64) (int64, error) {
	if !counter.IsValid() {
		return 0, fmt.Errorf("%w: %s", models.ErrInvalidCounter, counter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.live(videoID)
	if !ok {
		return 0, models.ErrVideoNotFound
	}
	v.AddToCounter(counter, delta)
	v.UpdatedAt = s.now()
	return v.CounterValue(counter), nil
}

func (s *MemoryStore) BeginDelete(_ context.Context, videoID string) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[videoID]
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	if !v.Deleting {
		v.Deleting = true
		v.UpdatedAt = s.now()
	}
	return cloneVideo(v), nil
}

func (s *MemoryStore) DeleteVideo(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.videos[videoID]; !ok {
		return models.ErrVideoNotFound
	}
	delete(s.videos, videoID)
	delete(s.renditions, videoID)
	delete(s.views, videoID)
	return nil
}

func (s *MemoryStore) ListVideos(_ context.Context, filter models.VideoFilter, page models.Page) (*models.VideoPage, error) {
	s.mu.RLock()
	videos := make([]models.Video, 0, len(s.videos))
	for _, v := range s.videos {
		videos = append(videos, *cloneVideo(v))
	}
	s.mu.RUnlock()

	return paginateVideos(videos, filter, page), nil
}

func (s *MemoryStore) PutRendition(_ context.Context, rendition *models.Rendition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(rendition.VideoID); !ok {
		return models.ErrVideoNotFound
	}
	byQuality, ok := s.renditions[rendition.VideoID]
	if !ok {
		byQuality = make(map[string]models.Rendition)
		s.renditions[rendition.VideoID] = byQuality
	}
	byQuality[rendition.Quality] = *rendition
	return nil
}

func (s *MemoryStore) ListRenditions(_ context.Context, videoID string) ([]models.Rendition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Rendition, 0, len(s.renditions[videoID]))
	for _, r := range s.renditions[videoID] {
		result = append(result, r)
	}
	slices.SortFunc(result, func(a, b models.Rendition) int {
		return strings.Compare(a.Quality, b.Quality)
	})
	return result, nil
}

func (s *MemoryStore) UpsertDailyView(_ context.Context, event *models.ViewEvent) (*models.ViewEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.live(event.VideoID)
	if !ok {
		return nil, false, models.ErrVideoNotFound
	}

	byKey, ok := s.views[event.VideoID]
	if !ok {
		byKey = make(map[string]*models.ViewEvent)
		s.views[event.VideoID] = byKey
	}

	key := event.Day + "#" + event.ViewerKey
	if existing, ok := byKey[key]; ok {
		existing.Widen(event.WatchDuration, event.CompletionPercentage, event.UpdatedAt)
		merged := *existing
		return &merged, false, nil
	}

	stored := *event
	byKey[key] = &stored
	video.AddToCounter(models.CounterViews, 1)
	video.UpdatedAt = s.now()
	created := stored
	return &created, true, nil
}

func (s *MemoryStore) ListViewEvents(_ context.Context, videoID, sinceDay string) ([]models.ViewEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.ViewEvent, 0, len(s.views[videoID]))
	for _, e := range s.views[videoID] {
		if e.Day >= sinceDay {
			result = append(result, *e)
		}
	}
	sortViewEvents(result)
	return result, nil
}

func (s *MemoryStore) CountViewsSince(_ context.Context, sinceDay string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for videoID, byKey := range s.views {
		for _, e := range byKey {
			if e.Day >= sinceDay {
				counts[videoID]++
			}
		}
	}
	return counts, nil
}

// live returns the stored video unless it is missing or being deleted.
// Callers hold s.mu.
func (s *MemoryStore) live(videoID string) (*models.Video, bool) {
	v, ok := s.videos[videoID]
	if !ok || v.Deleting {
		return nil, false
	}
	return v, true
}

func cloneVideo(v *models.Video) *models.Video {
	c := *v
	if v.PublishedAt != nil {
		t := *v.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// sortViewEvents orders events by day, then viewer.
func sortViewEvents(events []models.ViewEvent) {
	slices.SortFunc(events, func(a, b models.ViewEvent) int {
		if c := strings.Compare(a.Day, b.Day); c != 0 {
			return c
		}
		return strings.Compare(a.ViewerKey, b.ViewerKey)
	})
}
