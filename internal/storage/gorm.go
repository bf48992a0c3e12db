package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amillerrr/media-pipeline/pkg/models"
)

// videoRow is the videos table.
type videoRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	Title            string `gorm:"not null"`
	Description      string
	OwnerID          string `gorm:"index;size:64"`
	Type             string `gorm:"index;size:32"`
	Status           string `gorm:"index;size:16"`
	OriginalRef      string
	OriginalFilename string
	FileSizeBytes    int64
	ThumbnailRef     string
	DurationSeconds  float64
	Width            int
	Height           int
	Resolution       string
	FrameRate        float64
	BitRateKbps      int
	Codec            string
	ViewCount        int64 `gorm:"not null;default:0"`
	LikeCount        int64 `gorm:"not null;default:0"`
	ShareCount       int64 `gorm:"not null;default:0"`
	CommentCount     int64 `gorm:"not null;default:0"`
	IsPublic         bool
	IsFeatured       bool
	IsPremium        bool
	ErrorMessage     string
	PublishedAt      *time.Time
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
	Deleting         bool `gorm:"not null;default:false;index"`
}

func (videoRow) TableName() string { return "videos" }

// renditionRow is the renditions table.
type renditionRow struct {
	ID            string `gorm:"primaryKey;size:96"`
	VideoID       string `gorm:"index;size:64;not null"`
	Quality       string `gorm:"size:16;not null"`
	FileRef       string
	FileSizeBytes int64
	BitRateKbps   int
	Resolution    string
	Ready         bool
	CreatedAt     time.Time
}

func (renditionRow) TableName() string { return "renditions" }

// viewEventRow is the view_events table. The unique index is what makes
// concurrent upserts for the same viewer and day collapse into one row.
type viewEventRow struct {
	ID                   string `gorm:"primaryKey;size:64"`
	VideoID              string `gorm:"size:64;not null;uniqueIndex:idx_view_viewer_day,priority:1;index:idx_view_day,priority:2"`
	ViewerKey            string `gorm:"size:128;not null;uniqueIndex:idx_view_viewer_day,priority:2"`
	Day                  string `gorm:"size:10;not null;uniqueIndex:idx_view_viewer_day,priority:3;index:idx_view_day,priority:1"`
	UserID               string
	IPAddress            string
	Interaction          string `gorm:"size:16"`
	WatchDuration        float64
	CompletionPercentage float64
	Country              string
	Device               string
	Browser              string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (viewEventRow) TableName() string { return "view_events" }

// SQLStore is a RecordStore over a relational database through gorm.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLStore connects with the named driver (postgres or sqlite) and
// migrates the schema.
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// One connection keeps sqlite writers serialized and :memory: shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&videoRow{}, &renditionRow{}, &viewEventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) CreateVideo(ctx context.Context, video *models.Video) error {
	row := toVideoRow(video)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&videoRow{}).Where("id = ?", video.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrVideoExists, video.ID)
		}
		return tx.Create(&row).Error
	})
	if err != nil && !errors.Is(err, ErrVideoExists) {
		return fmt.Errorf("failed to create video: %w", err)
	}
	return err
}

func (s *SQLStore) GetVideo(ctx context.Context, videoID string) (*models.Video, error) {
	v, err := s.getVideo(s.db.WithContext(ctx), videoID)
	if err != nil {
		return nil, err
	}
	if v.Deleting {
		return nil, models.ErrVideoNotFound
	}
	return v, nil
}

func (s *SQLStore) getVideo(tx *gorm.DB, videoID string) (*models.Video, error) {
	var row videoRow
	if err := tx.Where("id = ?", videoID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateVideo(ctx context.Context, videoID string, patch models.VideoPatch) (*models.Video, error) {
	var updated *models.Video
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := patchFields(patch)
		fields["updated_at"] = s.now()

		res := tx.Model(&videoRow{}).Where("id = ? AND deleting = ?", videoID, false).Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("failed to update video: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrVideoNotFound
		}

		v, err := s.getVideo(tx, videoID)
		updated = v
		return err
	})
	return updated, err
}

func (s *SQLStore) TransitionVideo(ctx context.Context, videoID string, from, to models.VideoStatus, patch models.VideoPatch) (*models.Video, error) {
	var updated *models.Video
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := patchFields(patch)
		fields["status"] = string(to)
		fields["updated_at"] = s.now()

		res := tx.Model(&videoRow{}).
			Where("id = ? AND status = ? AND deleting = ?", videoID, string(from), false).
			Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("failed to transition video: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			current, err := s.getVideo(tx, videoID)
			if err != nil {
				return err
			}
			if current.Deleting {
				return models.ErrVideoNotFound
			}
			return fmt.Errorf("%w: video %s is %s, expected %s", models.ErrInvalidState, videoID, current.Status, from)
		}

		v, err := s.getVideo(tx, videoID)
		updated = v
		return err
	})
	return updated, err
}

func (s *SQLStore) IncrementCounter(ctx context.Context, videoID string, counter models.Counter, delta int64) (int64, error) {
	if !counter.IsValid() {
		return 0, fmt.Errorf("%w: %s", models.ErrInvalidCounter, counter)
	}
	column := string(counter)

	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&videoRow{}).Where("id = ? AND deleting = ?", videoID, false).Updates(map[string]any{
			column:       gorm.Expr(column+" + ?", delta),
			"updated_at": s.now(),
		})
		if res.Error != nil {
			return fmt.Errorf("failed to increment %s: %w", column, res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrVideoNotFound
		}
		return tx.Model(&videoRow{}).Select(column).Where("id = ?", videoID).Row().Scan(&value)
	})
	return value, err
}

func (s *SQLStore) BeginDelete(ctx context.Context, videoID string) (*models.Video, error) {
	var marked *models.Video
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&videoRow{}).Where("id = ?", videoID).Updates(map[string]any{
			"deleting":   true,
			"updated_at": s.now(),
		})
		if res.Error != nil {
			return fmt.Errorf("failed to mark video deleting: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrVideoNotFound
		}

		v, err := s.getVideo(tx, videoID)
		marked = v
		return err
	})
	return marked, err
}

func (s *SQLStore) DeleteVideo(ctx context.Context, videoID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", videoID).Delete(&viewEventRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete views: %w", err)
		}
		if err := tx.Where("video_id = ?", videoID).Delete(&renditionRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete renditions: %w", err)
		}
		res := tx.Where("id = ?", videoID).Delete(&videoRow{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete video: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrVideoNotFound
		}
		return nil
	})
}

func (s *SQLStore) ListVideos(ctx context.Context, filter models.VideoFilter, page models.Page) (*models.VideoPage, error) {
	page = page.Normalize()

	q := s.db.WithContext(ctx).Model(&videoRow{}).Where("deleting = ?", false)
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.Public != nil {
		q = q.Where("is_public = ?", *filter.Public)
	}
	if filter.Search != "" {
		term := "%" + strings.ToLower(filter.Search) + "%"
		q = q.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", term, term)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count videos: %w", err)
	}

	column := string(page.SortBy)
	if page.SortBy == models.SortTitle {
		column = "LOWER(title)"
	}

	var rows []videoRow
	err := q.
		Order(column + " " + direction(page.Desc)).
		Order("id ASC").
		Offset(page.Offset()).
		Limit(page.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	result := &models.VideoPage{
		Items: make([]models.Video, len(rows)),
		Total: int(total),
		Page:  page.Page,
		Limit: page.Limit,
	}
	for i := range rows {
		result.Items[i] = *rows[i].toModel()
	}
	return result, nil
}

func direction(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}

func (s *SQLStore) PutRendition(ctx context.Context, rendition *models.Rendition) error {
	row := toRenditionRow(rendition)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockLiveVideo(tx, rendition.VideoID); err != nil {
			return err
		}
		err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to put rendition: %w", err)
		}
		return nil
	})
}

// lockLiveVideo takes the video row's write lock for the rest of tx and
// fails with models.ErrVideoNotFound when the video is missing or being
// deleted. A concurrent BeginDelete either commits first or waits for tx.
func lockLiveVideo(tx *gorm.DB, videoID string) error {
	res := tx.Model(&videoRow{}).
		Where("id = ? AND deleting = ?", videoID, false).
		UpdateColumn("deleting", gorm.Expr("deleting"))
	if res.Error != nil {
		return fmt.Errorf("failed to lock video: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrVideoNotFound
	}
	return nil
}

func (s *SQLStore) ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error) {
	var rows []renditionRow
	err := s.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("quality ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}

	result := make([]models.Rendition, len(rows))
	for i := range rows {
		result[i] = rows[i].toModel()
	}
	return result, nil
}

func (s *SQLStore) UpsertDailyView(ctx context.Context, event *models.ViewEvent) (*models.ViewEvent, bool, error) {
	row := toViewEventRow(event)
	var (
		stored  viewEventRow
		created bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockLiveVideo(tx, event.VideoID); err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "video_id"}, {Name: "viewer_key"}, {Name: "day"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to insert view: %w", res.Error)
		}
		created = res.RowsAffected == 1
		if created {
			err := tx.Model(&videoRow{}).Where("id = ?", event.VideoID).Updates(map[string]any{
				"view_count": gorm.Expr("view_count + ?", 1),
				"updated_at": s.now(),
			}).Error
			if err != nil {
				return fmt.Errorf("failed to count view: %w", err)
			}
		}

		byViewerDay := func(db *gorm.DB) *gorm.DB {
			return db.Where("video_id = ? AND viewer_key = ? AND day = ?", event.VideoID, event.ViewerKey, event.Day)
		}
		if !created {
			err := tx.Model(&viewEventRow{}).Scopes(byViewerDay).Updates(map[string]any{
				"watch_duration":        gorm.Expr("CASE WHEN watch_duration < ? THEN ? ELSE watch_duration END", event.WatchDuration, event.WatchDuration),
				"completion_percentage": gorm.Expr("CASE WHEN completion_percentage < ? THEN ? ELSE completion_percentage END", event.CompletionPercentage, event.CompletionPercentage),
				"updated_at":            event.UpdatedAt,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to merge view: %w", err)
			}
		}

		return tx.Scopes(byViewerDay).First(&stored).Error
	})
	if err != nil {
		return nil, false, err
	}

	result := stored.toModel()
	return &result, created, nil
}

func (s *SQLStore) ListViewEvents(ctx context.Context, videoID, sinceDay string) ([]models.ViewEvent, error) {
	var rows []viewEventRow
	err := s.db.WithContext(ctx).
		Where("video_id = ? AND day >= ?", videoID, sinceDay).
		Order("day ASC").
		Order("viewer_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}

	result := make([]models.ViewEvent, len(rows))
	for i := range rows {
		result[i] = rows[i].toModel()
	}
	return result, nil
}

func (s *SQLStore) CountViewsSince(ctx context.Context, sinceDay string) (map[string]int64, error) {
	var rows []struct {
		VideoID string
		Views   int64
	}
	err := s.db.WithContext(ctx).
		Model(&viewEventRow{}).
		Select("video_id, COUNT(*) AS views").
		Where("day >= ?", sinceDay).
		Group("video_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count views: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.VideoID] = r.Views
	}
	return counts, nil
}

func toVideoRow(v *models.Video) videoRow {
	return videoRow{
		ID:               v.ID,
		Title:            v.Title,
		Description:      v.Description,
		OwnerID:          v.OwnerID,
		Type:             string(v.Type),
		Status:           string(v.Status),
		OriginalRef:      v.OriginalRef,
		OriginalFilename: v.OriginalFilename,
		FileSizeBytes:    v.FileSizeBytes,
		ThumbnailRef:     v.ThumbnailRef,
		DurationSeconds:  v.DurationSeconds,
		Width:            v.Width,
		Height:           v.Height,
		Resolution:       v.Resolution,
		FrameRate:        v.FrameRate,
		BitRateKbps:      v.BitRateKbps,
		Codec:            v.Codec,
		ViewCount:        v.ViewCount,
		LikeCount:        v.LikeCount,
		ShareCount:       v.ShareCount,
		CommentCount:     v.CommentCount,
		IsPublic:         v.IsPublic,
		IsFeatured:       v.IsFeatured,
		IsPremium:        v.IsPremium,
		ErrorMessage:     v.ErrorMessage,
		PublishedAt:      v.PublishedAt,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
		Deleting:         v.Deleting,
	}
}

func (r *videoRow) toModel() *models.Video {
	v := &models.Video{
		ID:               r.ID,
		Title:            r.Title,
		Description:      r.Description,
		OwnerID:          r.OwnerID,
		Type:             models.VideoType(r.Type),
		Status:           models.VideoStatus(r.Status),
		OriginalRef:      r.OriginalRef,
		OriginalFilename: r.OriginalFilename,
		FileSizeBytes:    r.FileSizeBytes,
		ThumbnailRef:     r.ThumbnailRef,
		DurationSeconds:  r.DurationSeconds,
		Width:            r.Width,
		Height:           r.Height,
		Resolution:       r.Resolution,
		FrameRate:        r.FrameRate,
		BitRateKbps:      r.BitRateKbps,
		Codec:            r.Codec,
		ViewCount:        r.ViewCount,
		LikeCount:        r.LikeCount,
		ShareCount:       r.ShareCount,
		CommentCount:     r.CommentCount,
		IsPublic:         r.IsPublic,
		IsFeatured:       r.IsFeatured,
		IsPremium:        r.IsPremium,
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		Deleting:         r.Deleting,
	}
	if r.PublishedAt != nil {
		t := r.PublishedAt.UTC()
		v.PublishedAt = &t
	}
	return v
}

func toRenditionRow(r *models.Rendition) renditionRow {
	return renditionRow{
		ID:            r.ID,
		VideoID:       r.VideoID,
		Quality:       r.Quality,
		FileRef:       r.FileRef,
		FileSizeBytes: r.FileSizeBytes,
		BitRateKbps:   r.BitRateKbps,
		Resolution:    r.Resolution,
		Ready:         r.Ready,
		CreatedAt:     r.CreatedAt,
	}
}

func (r *renditionRow) toModel() models.Rendition {
	return models.Rendition{
		ID:            r.ID,
		VideoID:       r.VideoID,
		Quality:       r.Quality,
		FileRef:       r.FileRef,
		FileSizeBytes: r.FileSizeBytes,
		BitRateKbps:   r.BitRateKbps,
		Resolution:    r.Resolution,
		Ready:         r.Ready,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

func toViewEventRow(e *models.ViewEvent) viewEventRow {
	return viewEventRow{
		ID:                   e.ID,
		VideoID:              e.VideoID,
		ViewerKey:            e.ViewerKey,
		Day:                  e.Day,
		UserID:               e.UserID,
		IPAddress:            e.IPAddress,
		Interaction:          string(e.Interaction),
		WatchDuration:        e.WatchDuration,
		CompletionPercentage: e.CompletionPercentage,
		Country:              e.Country,
		Device:               e.Device,
		Browser:              e.Browser,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}

func (r *viewEventRow) toModel() models.ViewEvent {
	return models.ViewEvent{
		ID:                   r.ID,
		VideoID:              r.VideoID,
		ViewerKey:            r.ViewerKey,
		UserID:               r.UserID,
		IPAddress:            r.IPAddress,
		Interaction:          models.Interaction(r.Interaction),
		WatchDuration:        r.WatchDuration,
		CompletionPercentage: r.CompletionPercentage,
		Country:              r.Country,
		Device:               r.Device,
		Browser:              r.Browser,
		Day:                  r.Day,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}
