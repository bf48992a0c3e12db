package models

import (
	"fmt"
	"strings"
	"time"
)

// VideoStatus represents the lifecycle status of a video.
type VideoStatus string

const (
	StatusUploading  VideoStatus = "UPLOADING"
	StatusProcessing VideoStatus = "PROCESSING"
	StatusReady      VideoStatus = "READY"
	StatusFailed     VideoStatus = "FAILED"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s VideoStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to VideoStatus) bool {
	switch from {
	case StatusUploading:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusReady || to == StatusFailed
	}
	return false
}

// VideoType is the editorial category of a video.
type VideoType string

const (
	TypeMusicVideo      VideoType = "music-video"
	TypeLyricVideo      VideoType = "lyric-video"
	TypeBehindTheScenes VideoType = "behind-the-scenes"
	TypeLivePerformance VideoType = "live-performance"
	TypeInterview       VideoType = "interview"
)

// IsValid returns true if the type is a known VideoType.
func (t VideoType) IsValid() bool {
	switch t {
	case TypeMusicVideo, TypeLyricVideo, TypeBehindTheScenes, TypeLivePerformance, TypeInterview:
		return true
	}
	return false
}

// Counter names a monotonic engagement counter on a video.
type Counter string

const (
	CounterViews    Counter = "view_count"
	CounterLikes    Counter = "like_count"
	CounterShares   Counter = "share_count"
	CounterComments Counter = "comment_count"
)

// IsValid returns true if the counter is known.
func (c Counter) IsValid() bool {
	switch c {
	case CounterViews, CounterLikes, CounterShares, CounterComments:
		return true
	}
	return false
}

// ParseEngagement maps an engagement kind (like, share, comment) to its counter.
func ParseEngagement(kind string) (Counter, error) {
	switch strings.ToLower(kind) {
	case "like", "likes":
		return CounterLikes, nil
	case "share", "shares":
		return CounterShares, nil
	case "comment", "comments":
		return CounterComments, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidCounter, kind)
}

// Video is one media asset and its processing state.
type Video struct {
	ID               string      `dynamodbav:"video_id" json:"id"`
	Title            string      `dynamodbav:"title" json:"title"`
	Description      string      `dynamodbav:"description,omitempty" json:"description,omitempty"`
	OwnerID          string      `dynamodbav:"owner_id,omitempty" json:"ownerId,omitempty"`
	Type             VideoType   `dynamodbav:"type" json:"type"`
	Status           VideoStatus `dynamodbav:"status" json:"status"`
	OriginalRef      string      `dynamodbav:"original_ref,omitempty" json:"originalRef,omitempty"`
	OriginalFilename string      `dynamodbav:"original_filename,omitempty" json:"originalFilename,omitempty"`
	FileSizeBytes    int64       `dynamodbav:"file_size_bytes,omitempty" json:"fileSizeBytes,omitempty"`
	ThumbnailRef     string      `dynamodbav:"thumbnail_ref,omitempty" json:"thumbnailRef,omitempty"`

	// Populated by metadata extraction.
	DurationSeconds float64 `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	Width           int     `dynamodbav:"width,omitempty" json:"width,omitempty"`
	Height          int     `dynamodbav:"height,omitempty" json:"height,omitempty"`
	Resolution      string  `dynamodbav:"resolution,omitempty" json:"resolution,omitempty"`
	FrameRate       float64 `dynamodbav:"frame_rate,omitempty" json:"frameRate,omitempty"`
	BitRateKbps     int     `dynamodbav:"bit_rate_kbps,omitempty" json:"bitRateKbps,omitempty"`
	Codec           string  `dynamodbav:"codec,omitempty" json:"codec,omitempty"`

	ViewCount    int64 `dynamodbav:"view_count" json:"viewCount"`
	LikeCount    int64 `dynamodbav:"like_count" json:"likeCount"`
	ShareCount   int64 `dynamodbav:"share_count" json:"shareCount"`
	CommentCount int64 `dynamodbav:"comment_count" json:"commentCount"`

	IsPublic   bool `dynamodbav:"is_public" json:"isPublic"`
	IsFeatured bool `dynamodbav:"is_featured" json:"isFeatured"`
	IsPremium  bool `dynamodbav:"is_premium" json:"isPremium"`

	ErrorMessage string     `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`
	PublishedAt  *time.Time `dynamodbav:"published_at,omitempty" json:"publishedAt,omitempty"`
	CreatedAt    time.Time  `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `dynamodbav:"updated_at" json:"updatedAt"`

	// Deleting is set once removal has started. Stores hide such videos
	// and refuse further writes to them.
	Deleting bool `dynamodbav:"deleting,omitempty" json:"-"`
}

// CounterValue returns the current value of the named counter.
func (v *Video) CounterValue(c Counter) int64 {
	switch c {
	case CounterViews:
		return v.ViewCount
	case CounterLikes:
		return v.LikeCount
	case CounterShares:
		return v.ShareCount
	case CounterComments:
		return v.CommentCount
	}
	return 0
}

// AddToCounter increments the named counter in place.
func (v *Video) AddToCounter(c Counter, delta int64) {
	switch c {
	case CounterViews:
		v.ViewCount += delta
	case CounterLikes:
		v.LikeCount += delta
	case CounterShares:
		v.ShareCount += delta
	case CounterComments:
		v.CommentCount += delta
	}
}

// VideoPatch is a partial update. Nil fields are left unchanged.
type VideoPatch struct {
	Title            *string
	Description      *string
	OriginalRef      *string
	OriginalFilename *string
	FileSizeBytes    *int64
	ThumbnailRef     *string
	DurationSeconds  *float64
	Width            *int
	Height           *int
	Resolution       *string
	FrameRate        *float64
	BitRateKbps      *int
	Codec            *string
	IsPublic         *bool
	IsFeatured       *bool
	IsPremium        *bool
	ErrorMessage     *string
	PublishedAt      *time.Time
}

// MetadataPatch builds the patch applied after a successful probe.
func MetadataPatch(info *MediaInfo) VideoPatch {
	resolution := info.Resolution()
	return VideoPatch{
		DurationSeconds: &info.DurationSeconds,
		Width:           &info.Width,
		Height:          &info.Height,
		Resolution:      &resolution,
		FrameRate:       &info.FrameRate,
		BitRateKbps:     &info.BitRateKbps,
		Codec:           &info.Codec,
	}
}

// Apply copies the set fields of the patch onto v.
func (p VideoPatch) Apply(v *Video) {
	if p.Title != nil {
		v.Title = *p.Title
	}
	if p.Description != nil {
		v.Description = *p.Description
	}
	if p.OriginalRef != nil {
		v.OriginalRef = *p.OriginalRef
	}
	if p.OriginalFilename != nil {
		v.OriginalFilename = *p.OriginalFilename
	}
	if p.FileSizeBytes != nil {
		v.FileSizeBytes = *p.FileSizeBytes
	}
	if p.ThumbnailRef != nil {
		v.ThumbnailRef = *p.ThumbnailRef
	}
	if p.DurationSeconds != nil {
		v.DurationSeconds = *p.DurationSeconds
	}
	if p.Width != nil {
		v.Width = *p.Width
	}
	if p.Height != nil {
		v.Height = *p.Height
	}
	if p.Resolution != nil {
		v.Resolution = *p.Resolution
	}
	if p.FrameRate != nil {
		v.FrameRate = *p.FrameRate
	}
	if p.BitRateKbps != nil {
		v.BitRateKbps = *p.BitRateKbps
	}
	if p.Codec != nil {
		v.Codec = *p.Codec
	}
	if p.IsPublic != nil {
		v.IsPublic = *p.IsPublic
	}
	if p.IsFeatured != nil {
		v.IsFeatured = *p.IsFeatured
	}
	if p.IsPremium != nil {
		v.IsPremium = *p.IsPremium
	}
	if p.ErrorMessage != nil {
		v.ErrorMessage = *p.ErrorMessage
	}
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		v.PublishedAt = &t
	}
}

// SortField names a sortable column for video listings.
type SortField string

const (
	SortCreatedAt   SortField = "created_at"
	SortPublishedAt SortField = "published_at"
	SortViewCount   SortField = "view_count"
	SortTitle       SortField = "title"
)

// IsValid returns true if the sort field is supported.
func (f SortField) IsValid() bool {
	switch f {
	case SortCreatedAt, SortPublishedAt, SortViewCount, SortTitle:
		return true
	}
	return false
}

// VideoFilter narrows a video listing. Zero values match everything.
type VideoFilter struct {
	Type    VideoType
	Status  VideoStatus
	OwnerID string
	Public  *bool
	Search  string
}

// Matches reports whether v satisfies the filter.
func (f VideoFilter) Matches(v *Video) bool {
	if f.Type != "" && v.Type != f.Type {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && v.OwnerID != f.OwnerID {
		return false
	}
	if f.Public != nil && v.IsPublic != *f.Public {
		return false
	}
	if f.Search != "" {
		term := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(v.Title), term) &&
			!strings.Contains(strings.ToLower(v.Description), term) {
			return false
		}
	}
	return true
}

// Pagination defaults
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page selects a window of a sorted listing. Page numbers start at 1.
type Page struct {
	Page   int
	Limit  int
	SortBy SortField
	Desc   bool
}

// Normalize fills defaults and clamps out-of-range values.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if !p.SortBy.IsValid() {
		p.SortBy = SortCreatedAt
		p.Desc = true
	}
	return p
}

// Offset returns the number of items preceding the page.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// VideoPage is one page of a video listing.
type VideoPage struct {
	Items []Video `json:"items"`
	Total int     `json:"total"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
}
