package transcoder

import (
	"fmt"
	"slices"
	"strings"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// DefaultProfiles is the quality profile table, ascending by target bitrate.
var DefaultProfiles = []models.QualityProfile{
	{Label: "360p", Width: 640, Height: 360, VideoBitrateKbps: 800, MaxRateKbps: 880, BufSizeKbps: 1600, AudioBitrateKbps: 96},
	{Label: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1200, MaxRateKbps: 1320, BufSizeKbps: 2400, AudioBitrateKbps: 96},
	{Label: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2500, MaxRateKbps: 2750, BufSizeKbps: 5000, AudioBitrateKbps: 128},
	{Label: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, MaxRateKbps: 5500, BufSizeKbps: 7500, AudioBitrateKbps: 192},
}

// ProfilesByLabel returns the subset of DefaultProfiles named by labels, in
// table order. An empty list selects the whole table.
func ProfilesByLabel(labels []string) ([]models.QualityProfile, error) {
	if len(labels) == 0 {
		return slices.Clone(DefaultProfiles), nil
	}

	result := make([]models.QualityProfile, 0, len(labels))
	for _, p := range DefaultProfiles {
		if slices.ContainsFunc(labels, func(l string) bool { return strings.EqualFold(l, p.Label) }) {
			result = append(result, p)
		}
	}

	for _, l := range labels {
		if GetProfileByLabel(DefaultProfiles, l) == nil {
			return nil, fmt.Errorf("unknown quality profile %q", l)
		}
	}

	return result, nil
}

// GetProfileByLabel returns the profile matching the given label, or nil if not found.
func GetProfileByLabel(profiles []models.QualityProfile, label string) *models.QualityProfile {
	for i := range profiles {
		if strings.EqualFold(profiles[i].Label, label) {
			return &profiles[i]
		}
	}
	return nil
}

// ScaleFilter returns the video filter that fits the input inside the profile
// frame, keeping aspect ratio and padding to the exact profile size.
func ScaleFilter(p models.QualityProfile) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		p.Width, p.Height, p.Width, p.Height,
	)
}
