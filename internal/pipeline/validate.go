package pipeline

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// MaxFilenameLength bounds the original filename kept on a video.
const MaxFilenameLength = 255

// Allowed video extensions and content types
var (
	AllowedExtensions = map[string]bool{
		".mp4":  true,
		".mov":  true,
		".avi":  true,
		".mkv":  true,
		".webm": true,
	}

	AllowedContentTypes = map[string]bool{
		"video/mp4":        true,
		"video/quicktime":  true,
		"video/x-msvideo":  true,
		"video/x-matroska": true,
		"video/webm":       true,
	}
)

func validateFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("%w: filename is required", models.ErrInvalidFileType)
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: allowed extensions are mp4, mov, avi, mkv, webm", models.ErrInvalidFileType)
	}

	return nil
}

// validateContentType accepts an empty or generic binary type; the
// extension check already vouches for those.
func validateContentType(contentType string) error {
	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidContentType, contentType)
	}
	if mediaType == "application/octet-stream" || AllowedContentTypes[mediaType] {
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrInvalidContentType, contentType)
}

func validateUploadRequest(req UploadRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return models.ErrMissingTitle
	}
	if !req.Type.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidVideoType, req.Type)
	}
	return nil
}
