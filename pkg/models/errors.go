package models

import "errors"

// Sentinel errors for media operations.
var (
	// Lookup and lifecycle errors
	ErrVideoNotFound         = errors.New("video not found")
	ErrRenditionNotFound     = errors.New("rendition not found")
	ErrInvalidState          = errors.New("operation not valid for current video status")
	ErrNotReady              = errors.New("video is not ready for playback")
	ErrNoRenditionsAvailable = errors.New("no renditions available")
	ErrVideoRemoved          = errors.New("video was removed during processing")

	// Processing errors
	ErrUnreadableMedia = errors.New("unreadable media")
	ErrEncodingFailed  = errors.New("encoding failed")
	ErrThumbnailFailed = errors.New("thumbnail generation failed")
	ErrFFmpegFailed    = errors.New("ffmpeg execution failed")
	ErrJobParseFailed  = errors.New("failed to parse job")
	ErrDownloadFailed  = errors.New("failed to fetch original")

	// Validation errors
	ErrMissingVideoID     = errors.New("videoId is required")
	ErrMissingTitle       = errors.New("title is required")
	ErrInvalidVideoType   = errors.New("invalid video type")
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrFilenameTooLong    = errors.New("filename too long")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrInvalidCounter     = errors.New("invalid counter")
	ErrInvalidInteraction = errors.New("invalid interaction type")
	ErrInvalidDelta       = errors.New("counter delta must be positive")
)
