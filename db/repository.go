package db

import (
	"context"
	"time"

	"github.com/devrayat000/video-ingest/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrVideoNotFound = errors.New("video not found")

// VideoRepository is the video metadata store.
type VideoRepository struct {
	db *gorm.DB
}

func NewVideoRepository(gdb *gorm.DB) *VideoRepository {
	return &VideoRepository{db: gdb}
}

// CreateVideo inserts a new video record
func (r *VideoRepository) CreateVideo(ctx context.Context, video *models.Video) error {
	if video.ID == uuid.Nil {
		video.ID = uuid.New()
	}
	return errors.WithStack(r.db.WithContext(ctx).Create(video).Error)
}

// GetVideo retrieves a video by ID with its variants, thumbnails and manifests
func (r *VideoRepository) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	var video models.Video
	err := r.db.WithContext(ctx).
		Preload("Variants", func(tx *gorm.DB) *gorm.DB { return tx.Order("height DESC") }).
		Preload("Thumbnails", func(tx *gorm.DB) *gorm.DB { return tx.Order("timestamp_seconds ASC") }).
		Preload("Manifests").
		First(&video, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &video, nil
}

// ListVideos retrieves videos newest first
func (r *VideoRepository) ListVideos(ctx context.Context, limit, offset int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 20
	}
	var videos []models.Video
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&videos).Error
	return videos, errors.WithStack(err)
}

// UpdateVideoStatus sets the status and, for failures, the error message
func (r *VideoRepository) UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, errMsg string) error {
	updates := map[string]any{"status": status}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	return r.update(ctx, id, updates)
}

// MarkFinalized records the verified chunk count and moves the video to pending.
func (r *VideoRepository) MarkFinalized(ctx context.Context, id uuid.UUID, totalChunks int) error {
	return r.update(ctx, id, map[string]any{
		"status":       models.StatusPending,
		"total_chunks": totalChunks,
		"finalized_at": time.Now(),
	})
}

// UpdateSource records the key of the combined original.
func (r *VideoRepository) UpdateSource(ctx context.Context, id uuid.UUID, sourceKey string, size int64) error {
	return r.update(ctx, id, map[string]any{
		"source_key": sourceKey,
		"file_size":  size,
		"status":     models.StatusProcessing,
	})
}

// UpdateVideoMetadata stores probed media properties
func (r *VideoRepository) UpdateVideoMetadata(ctx context.Context, id uuid.UUID, width, height int, duration float64, codec string, bitrateKbps int) error {
	return r.update(ctx, id, map[string]any{
		"source_width":  width,
		"source_height": height,
		"duration":      duration,
		"codec":         codec,
		"bitrate_kbps":  bitrateKbps,
	})
}

// CreateVariant inserts a rendition row. An existing row for the same quality is left untouched.
func (r *VideoRepository) CreateVariant(ctx context.Context, v *models.VideoVariant) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = models.VariantReady
	}
	return errors.WithStack(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_id"}, {Name: "quality"}},
		DoNothing: true,
	}).Create(v).Error)
}

func (r *VideoRepository) ListVariants(ctx context.Context, videoID uuid.UUID) ([]models.VideoVariant, error) {
	var variants []models.VideoVariant
	err := r.db.WithContext(ctx).Where("video_id = ?", videoID).Order("height DESC").Find(&variants).Error
	return variants, errors.WithStack(err)
}

// ReplaceThumbnails swaps the full thumbnail set of a video in one transaction,
// so a retried thumbnail job never leaves two primaries behind.
func (r *VideoRepository) ReplaceThumbnails(ctx context.Context, videoID uuid.UUID, thumbs []models.VideoThumbnail) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", videoID).Delete(&models.VideoThumbnail{}).Error; err != nil {
			return errors.WithStack(err)
		}
		if len(thumbs) == 0 {
			return nil
		}
		for i := range thumbs {
			thumbs[i].VideoID = videoID
			if thumbs[i].ID == uuid.Nil {
				thumbs[i].ID = uuid.New()
			}
		}
		return errors.WithStack(tx.Create(&thumbs).Error)
	})
}

func (r *VideoRepository) ListThumbnails(ctx context.Context, videoID uuid.UUID) ([]models.VideoThumbnail, error) {
	var thumbs []models.VideoThumbnail
	err := r.db.WithContext(ctx).Where("video_id = ?", videoID).Order("timestamp_seconds ASC").Find(&thumbs).Error
	return thumbs, errors.WithStack(err)
}

// UpsertManifest records the manifest for (video, type), replacing an earlier one.
func (r *VideoRepository) UpsertManifest(ctx context.Context, m *models.VideoManifest) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return errors.WithStack(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"storage_path", "segment_count"}),
	}).Create(m).Error)
}

func (r *VideoRepository) GetManifest(ctx context.Context, videoID uuid.UUID, typ models.ManifestType) (*models.VideoManifest, error) {
	var m models.VideoManifest
	err := r.db.WithContext(ctx).First(&m, "video_id = ? AND type = ?", videoID, typ).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVideoNotFound
	}
	return &m, errors.WithStack(err)
}

// UpdateMasterPlaylist updates the master playlist key for a video
func (r *VideoRepository) UpdateMasterPlaylist(ctx context.Context, id uuid.UUID, key string) error {
	return r.update(ctx, id, map[string]any{"master_playlist_key": key})
}

// MarkReady flags the video as playable once at least one rendition exists.
func (r *VideoRepository) MarkReady(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, map[string]any{"status": models.StatusReady})
}

// CompleteVideo marks a video as completed
func (r *VideoRepository) CompleteVideo(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, map[string]any{
		"status":       models.StatusCompleted,
		"completed_at": time.Now(),
	})
}

func (r *VideoRepository) update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Video{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVideoNotFound
	}
	return nil
}
