package models

import (
	"fmt"
	"time"
)

// Rendition is one encoded quality tier of a video.
type Rendition struct {
	ID            string    `dynamodbav:"rendition_id" json:"id"`
	VideoID       string    `dynamodbav:"video_id" json:"videoId"`
	Quality       string    `dynamodbav:"quality" json:"quality"`
	FileRef       string    `dynamodbav:"file_ref" json:"fileRef"`
	FileSizeBytes int64     `dynamodbav:"file_size_bytes" json:"fileSizeBytes"`
	BitRateKbps   int       `dynamodbav:"bit_rate_kbps" json:"bitRateKbps"`
	Resolution    string    `dynamodbav:"resolution" json:"resolution"`
	Ready         bool      `dynamodbav:"ready" json:"ready"`
	CreatedAt     time.Time `dynamodbav:"created_at" json:"createdAt"`
}

// RenditionID returns the deterministic id of a video's rendition at a quality.
// Re-encoding the same tier replaces the previous record.
func RenditionID(videoID, quality string) string {
	return fmt.Sprintf("%s-%s", videoID, quality)
}

// QualityProfile is a target rendition of the transcoding table.
type QualityProfile struct {
	Label            string `dynamodbav:"label" json:"label"`
	Width            int    `dynamodbav:"width" json:"width"`
	Height           int    `dynamodbav:"height" json:"height"`
	VideoBitrateKbps int    `dynamodbav:"video_bitrate_kbps" json:"videoBitrateKbps"`
	MaxRateKbps      int    `dynamodbav:"max_rate_kbps" json:"maxRateKbps"`
	BufSizeKbps      int    `dynamodbav:"buf_size_kbps" json:"bufSizeKbps"`
	AudioBitrateKbps int    `dynamodbav:"audio_bitrate_kbps" json:"audioBitrateKbps"`
}

// Resolution returns the profile resolution as WxH.
func (p QualityProfile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// MediaInfo holds the properties measured by probing a media file.
type MediaInfo struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameRate       float64 `json:"frameRate"`
	BitRateKbps     int     `json:"bitRateKbps"`
	Codec           string  `json:"codec"`
}

// Resolution returns the probed resolution as WxH.
func (m MediaInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// EncodedOutput describes a file produced by the encoding engine.
type EncodedOutput struct {
	Path          string
	FileSizeBytes int64
	BitRateKbps   int
	Resolution    string
}

// PipelineJob asks a worker to run the processing pipeline for a video.
type PipelineJob struct {
	VideoID    string `json:"videoId"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt string `json:"enqueuedAt"`
}

// Validate checks if the job has all required fields.
func (j *PipelineJob) Validate() error {
	if j.VideoID == "" {
		return ErrMissingVideoID
	}
	return nil
}
