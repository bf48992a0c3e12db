package models

import (
	"fmt"
	"time"
)

// Interaction is the kind of playback a view event records.
type Interaction string

const (
	InteractionView     Interaction = "view"
	InteractionPreview  Interaction = "preview"
	InteractionDownload Interaction = "download"
)

// IsValid returns true if the interaction is known.
func (i Interaction) IsValid() bool {
	switch i {
	case InteractionView, InteractionPreview, InteractionDownload:
		return true
	}
	return false
}

// DayLayout is the calendar-day key format. Days are UTC.
const DayLayout = "2006-01-02"

// DayKey returns the UTC calendar day of t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ViewerKey returns the dedup identity of a viewer: the user id when
// authenticated, otherwise the IP address. Empty when neither is known.
func ViewerKey(userID, ipAddress string) string {
	switch {
	case userID != "":
		return fmt.Sprintf("user:%s", userID)
	case ipAddress != "":
		return fmt.Sprintf("ip:%s", ipAddress)
	}
	return ""
}

// ViewEvent is one playback, preview or download of a video by a viewer on a day.
type ViewEvent struct {
	ID                   string      `dynamodbav:"view_id" json:"id"`
	VideoID              string      `dynamodbav:"video_id" json:"videoId"`
	ViewerKey            string      `dynamodbav:"viewer_key" json:"viewerKey"`
	UserID               string      `dynamodbav:"user_id,omitempty" json:"userId,omitempty"`
	IPAddress            string      `dynamodbav:"ip_address,omitempty" json:"ipAddress,omitempty"`
	Interaction          Interaction `dynamodbav:"interaction" json:"interaction"`
	WatchDuration        float64     `dynamodbav:"watch_duration" json:"watchDuration"`
	CompletionPercentage float64     `dynamodbav:"completion_percentage" json:"completionPercentage"`
	Country              string      `dynamodbav:"country,omitempty" json:"country,omitempty"`
	Device               string      `dynamodbav:"device,omitempty" json:"device,omitempty"`
	Browser              string      `dynamodbav:"browser,omitempty" json:"browser,omitempty"`
	Day                  string      `dynamodbav:"day" json:"day"`
	CreatedAt            time.Time   `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt            time.Time   `dynamodbav:"updated_at" json:"updatedAt"`
}

// Widen merges a repeat interaction into the event, keeping the larger
// watch duration and completion percentage.
func (e *ViewEvent) Widen(watchDuration, completion float64, at time.Time) {
	e.WatchDuration = max(e.WatchDuration, watchDuration)
	e.CompletionPercentage = max(e.CompletionPercentage, completion)
	e.UpdatedAt = at
}
