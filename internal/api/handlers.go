package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/media-pipeline/internal/analytics"
	"github.com/amillerrr/media-pipeline/internal/auth"
	"github.com/amillerrr/media-pipeline/internal/pipeline"
	"github.com/amillerrr/media-pipeline/internal/storage"
	"github.com/amillerrr/media-pipeline/internal/streaming"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-api")

// Request size limits
const (
	MaxRequestBodySize = 1 << 20 // 1 MB
	MaxUploadSize      = storage.MaxObjectSize
)

// Videos is the video lifecycle the API exposes.
type Videos interface {
	BeginUpload(ctx context.Context, req pipeline.UploadRequest) (*models.Video, error)
	AcceptUpload(ctx context.Context, videoID string, up pipeline.Upload) (*models.Video, error)
	GetVideo(ctx context.Context, videoID string) (*models.Video, error)
	Renditions(ctx context.Context, videoID string) ([]models.Rendition, error)
	ListVideos(ctx context.Context, filter models.VideoFilter, page models.Page) (*models.VideoPage, error)
	Remove(ctx context.Context, videoID string) (*pipeline.RemoveResult, error)
}

// Streams picks renditions for playback.
type Streams interface {
	SelectStream(ctx context.Context, videoID, quality string) (*streaming.Selection, error)
}

// Analytics records and reports views.
type Analytics interface {
	RecordView(ctx context.Context, in analytics.ViewInput) (*models.ViewEvent, error)
	TrackUsage(ctx context.Context, in analytics.ViewInput) (*models.ViewEvent, error)
	RecordEngagement(ctx context.Context, videoID, kind string) (int64, error)
	GetAnalytics(ctx context.Context, videoID string, windowDays int) (*analytics.Report, error)
	GetTrendingVideos(ctx context.Context, limit, windowDays int) ([]analytics.TrendingVideo, error)
}

// Credentials validates login attempts.
type Credentials func() (username, password string, err error)

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	log         *slog.Logger
	videos      Videos
	streams     Streams
	analytics   Analytics
	jwtService  *auth.JWTService
	rateLimiter *auth.RateLimiter
	credentials Credentials
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Logger      *slog.Logger
	Videos      Videos
	Streams     Streams
	Analytics   Analytics
	JWTService  *auth.JWTService
	RateLimiter *auth.RateLimiter
	Credentials Credentials
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		log:         cfg.Logger,
		videos:      cfg.Videos,
		streams:     cfg.Streams,
		analytics:   cfg.Analytics,
		jwtService:  cfg.JWTService,
		rateLimiter: cfg.RateLimiter,
		credentials: cfg.Credentials,
	}
}

func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeServiceError maps a service error onto an HTTP status. Internal
// errors are logged and hidden from the client.
func (h *Handlers) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "Request failed", "error", err)
		h.writeError(ctx, w, status, "Internal server error")
		return
	}
	h.writeError(ctx, w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrVideoNotFound),
		errors.Is(err, models.ErrRenditionNotFound),
		errors.Is(err, models.ErrNoRenditionsAvailable):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrNotReady),
		errors.Is(err, storage.ErrVideoExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrMissingVideoID),
		errors.Is(err, models.ErrMissingTitle),
		errors.Is(err, models.ErrInvalidVideoType),
		errors.Is(err, models.ErrInvalidFileType),
		errors.Is(err, models.ErrFilenameTooLong),
		errors.Is(err, models.ErrInvalidContentType),
		errors.Is(err, models.ErrInvalidCounter),
		errors.Is(err, models.ErrInvalidInteraction),
		errors.Is(err, models.ErrInvalidDelta):
		return http.StatusBadRequest
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || errors.Is(err, storage.ErrObjectTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "Request body too large")
			return err
		}
		h.writeError(r.Context(), w, http.StatusBadRequest, "Invalid request body")
		return err
	}
	return nil
}

// LoginHandler exchanges basic credentials for a JWT.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := auth.GetClientIP(r)

	if h.rateLimiter != nil && h.rateLimiter.IsLimited(clientIP) {
		h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.credentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(expectedUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(expectedPassword)) == 1
	if !userOK || !passOK {
		if h.rateLimiter != nil {
			h.rateLimiter.RecordFailure(clientIP)
		}
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	if h.rateLimiter != nil {
		h.rateLimiter.Reset(clientIP)
	}

	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// CreateVideoHandler starts an upload.
func (h *Handlers) CreateVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pipeline.UploadRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = auth.UserID(ctx)
	}

	video, err := h.videos.BeginUpload(ctx, req)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusCreated, video)
}

// UploadHandler accepts the original file as the "file" part of a
// multipart body and schedules processing.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload-handler")
	defer span.End()

	videoID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("video.id", videoID))

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	reader, err := r.MultipartReader()
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "Expected multipart/form-data body")
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			h.writeError(ctx, w, http.StatusBadRequest, "Missing file part")
			return
		}
		if err != nil {
			span.RecordError(err)
			h.writeServiceError(ctx, w, err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		video, err := h.videos.AcceptUpload(ctx, videoID, pipeline.Upload{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		_ = part.Close()
		if err != nil {
			span.RecordError(err)
			h.writeServiceError(ctx, w, err)
			return
		}

		h.writeJSON(ctx, w, http.StatusAccepted, video)
		return
	}
}

// VideoResponse is a video with its renditions.
type VideoResponse struct {
	*models.Video
	Renditions []models.Rendition `json:"renditions"`
}

// GetVideoHandler returns a video and its renditions.
func (h *Handlers) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := chi.URLParam(r, "id")

	video, err := h.videos.GetVideo(ctx, videoID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	renditions, err := h.videos.Renditions(ctx, videoID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if renditions == nil {
		renditions = []models.Rendition{}
	}
	h.writeJSON(ctx, w, http.StatusOK, VideoResponse{Video: video, Renditions: renditions})
}

// ListVideosHandler lists videos. Query parameters: type, status, owner,
// public, search, page, limit, sort, order.
func (h *Handlers) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := models.VideoFilter{
		Type:    models.VideoType(q.Get("type")),
		Status:  models.VideoStatus(strings.ToUpper(q.Get("status"))),
		OwnerID: q.Get("owner"),
		Search:  q.Get("search"),
	}
	if v := q.Get("public"); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(ctx, w, http.StatusBadRequest, "public must be true or false")
			return
		}
		filter.Public = &public
	}

	page := models.Page{
		Page:   queryInt(q.Get("page"), 1),
		Limit:  queryInt(q.Get("limit"), models.DefaultPageLimit),
		SortBy: models.SortField(q.Get("sort")),
		Desc:   !strings.EqualFold(q.Get("order"), "asc"),
	}

	result, err := h.videos.ListVideos(ctx, filter, page)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, result)
}

// DeleteVideoHandler removes a video with all its files and records.
func (h *Handlers) DeleteVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.videos.Remove(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, result)
}

// StreamHandler selects a rendition for playback.
func (h *Handlers) StreamHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	selection, err := h.streams.SelectStream(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("quality"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, selection)
}

// ViewRequest is the payload of a view or usage submission.
type ViewRequest struct {
	Interaction          models.Interaction `json:"interaction"`
	WatchDuration        float64            `json:"watchDuration"`
	CompletionPercentage float64            `json:"completionPercentage"`
}

func (h *Handlers) viewInput(w http.ResponseWriter, r *http.Request) (analytics.ViewInput, bool) {
	var req ViewRequest
	if r.ContentLength != 0 {
		if err := h.decodeJSON(w, r, &req); err != nil {
			return analytics.ViewInput{}, false
		}
	}
	return analytics.ViewInput{
		VideoID:              chi.URLParam(r, "id"),
		UserID:               auth.UserID(r.Context()),
		IPAddress:            auth.GetClientIP(r),
		UserAgent:            r.UserAgent(),
		Headers:              r.Header,
		Interaction:          req.Interaction,
		WatchDuration:        req.WatchDuration,
		CompletionPercentage: req.CompletionPercentage,
	}, true
}

// RecordViewHandler records a playback view.
func (h *Handlers) RecordViewHandler(w http.ResponseWriter, r *http.Request) {
	in, ok := h.viewInput(w, r)
	if !ok {
		return
	}
	event, err := h.analytics.RecordView(r.Context(), in)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, event)
}

// TrackUsageHandler records a preview or download.
func (h *Handlers) TrackUsageHandler(w http.ResponseWriter, r *http.Request) {
	in, ok := h.viewInput(w, r)
	if !ok {
		return
	}
	event, err := h.analytics.TrackUsage(r.Context(), in)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, event)
}

// EngagementHandler counts a like, share or comment.
func (h *Handlers) EngagementHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := chi.URLParam(r, "id")
	kind := chi.URLParam(r, "kind")

	total, err := h.analytics.RecordEngagement(ctx, videoID, kind)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"videoId": videoID, "kind": kind, "total": total})
}

// AnalyticsHandler reports views for a video over ?days=.
func (h *Handlers) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days := queryInt(r.URL.Query().Get("days"), analytics.DefaultWindowDays)

	report, err := h.analytics.GetAnalytics(ctx, chi.URLParam(r, "id"), days)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, report)
}

// TrendingHandler ranks videos by recent views.
func (h *Handlers) TrendingHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), analytics.DefaultTrendingLimit)
	days := queryInt(q.Get("days"), analytics.DefaultTrendingWindowDays)
	if days <= 0 {
		days = analytics.DefaultTrendingWindowDays
	}

	videos, err := h.analytics.GetTrendingVideos(ctx, limit, days)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"videos": videos, "windowDays": days})
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
