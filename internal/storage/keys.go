package storage

import (
	"fmt"
	"path"
	"strings"
)

// OriginalKey returns the storage key of a video's uploaded original.
func OriginalKey(videoID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("originals/%s%s", videoID, strings.ToLower(ext))
}

// RenditionKey returns the storage key of a video's rendition at a quality.
func RenditionKey(videoID, quality string) string {
	return fmt.Sprintf("renditions/%s/%s.mp4", videoID, quality)
}

// ThumbnailKey returns the storage key of a video's thumbnail.
func ThumbnailKey(videoID string) string {
	return fmt.Sprintf("thumbnails/%s.jpg", videoID)
}

// ContentType guesses the MIME type of a stored object from its key.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".avi":
		return "video/x-msvideo"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
