package transcoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// probeResult is the subset of ffprobe's JSON output the pipeline reads.
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		BitRate      string `json:"bit_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// parseProbeOutput converts ffprobe JSON into MediaInfo. Output without a
// video stream is unreadable.
func parseProbeOutput(data []byte) (*models.MediaInfo, error) {
	var result probeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ffprobe output: %v", models.ErrUnreadableMedia, err)
	}

	for _, s := range result.Streams {
		if s.CodecType != "video" {
			continue
		}

		info := &models.MediaInfo{
			Width:  s.Width,
			Height: s.Height,
			Codec:  s.CodecName,
		}

		info.DurationSeconds = parseFloat(result.Format.Duration)
		if info.DurationSeconds == 0 {
			info.DurationSeconds = parseFloat(s.Duration)
		}

		info.FrameRate = parseFrameRate(s.AvgFrameRate)
		if info.FrameRate == 0 {
			info.FrameRate = parseFrameRate(s.RFrameRate)
		}

		info.BitRateKbps = int(parseFloat(result.Format.BitRate) / 1000)
		if info.BitRateKbps == 0 {
			info.BitRateKbps = int(parseFloat(s.BitRate) / 1000)
		}

		return info, nil
	}

	return nil, fmt.Errorf("%w: no video stream", models.ErrUnreadableMedia)
}

// parseFrameRate parses rates such as "30000/1001" or "25".
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
