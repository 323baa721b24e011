package models

import (
	"time"

	"github.com/google/uuid"
)

type VideoStatus string

const (
	StatusUploading  VideoStatus = "uploading"
	StatusPending    VideoStatus = "pending"
	StatusProcessing VideoStatus = "processing"
	StatusReady      VideoStatus = "ready"
	StatusCompleted  VideoStatus = "completed"
	StatusFailed     VideoStatus = "failed"
)

type Video struct {
	ID                uuid.UUID        `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	OriginalName      string           `json:"original_name" gorm:"column:original_name;type:varchar(255);not null"`
	ContentType       string           `json:"content_type" gorm:"column:content_type;type:varchar(128)"`
	UploadPath        string           `json:"upload_path" gorm:"column:upload_path;type:text;not null"`
	SourceKey         string           `json:"source_key" gorm:"column:source_key;type:text"`
	Status            VideoStatus      `json:"status" gorm:"column:status;type:varchar(32);not null;index"`
	ChunkSize         int64            `json:"chunk_size" gorm:"column:chunk_size;type:bigint;not null"`
	TotalChunks       int              `json:"total_chunks" gorm:"column:total_chunks;not null;default:0"`
	SourceHeight      int              `json:"source_height" gorm:"column:source_height;not null;default:0"`
	SourceWidth       int              `json:"source_width" gorm:"column:source_width;not null;default:0"`
	Codec             string           `json:"codec" gorm:"column:codec;type:varchar(64)"`
	BitrateKbps       int              `json:"bitrate_kbps" gorm:"column:bitrate_kbps;not null;default:0"`
	Duration          float64          `json:"duration" gorm:"column:duration;type:double precision;not null;default:0"`
	FileSize          int64            `json:"file_size" gorm:"column:file_size;type:bigint;not null"`
	MasterPlaylistKey *string          `json:"master_playlist_key,omitempty" gorm:"column:master_playlist_key;type:text"`
	CreatedAt         time.Time        `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time        `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	FinalizedAt       *time.Time       `json:"finalized_at,omitempty" gorm:"column:finalized_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty" gorm:"column:completed_at"`
	ErrorMessage      *string          `json:"error_message,omitempty" gorm:"column:error_message;type:text"`
	Variants          []VideoVariant   `json:"variants,omitempty" gorm:"foreignKey:VideoID;references:ID;constraint:OnDelete:CASCADE"`
	Thumbnails        []VideoThumbnail `json:"thumbnails,omitempty" gorm:"foreignKey:VideoID;references:ID;constraint:OnDelete:CASCADE"`
	Manifests         []VideoManifest  `json:"manifests,omitempty" gorm:"foreignKey:VideoID;references:ID;constraint:OnDelete:CASCADE"`
}

type VariantStatus string

const VariantReady VariantStatus = "ready"

// VideoVariant is one transcoded rendition. Rows are written once and never updated.
type VideoVariant struct {
	ID              uuid.UUID     `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	VideoID         uuid.UUID     `json:"video_id" gorm:"column:video_id;type:uuid;not null;uniqueIndex:idx_variant_video_quality"`
	Quality         string        `json:"quality" gorm:"column:quality;type:varchar(32);not null;uniqueIndex:idx_variant_video_quality"`
	Width           int           `json:"width" gorm:"column:width;not null"`
	Height          int           `json:"height" gorm:"column:height;not null"`
	BitrateKbps     int           `json:"bitrate_kbps" gorm:"column:bitrate_kbps;not null"`
	StoragePath     string        `json:"storage_path" gorm:"column:storage_path;type:text;not null"`
	FileSize        int64         `json:"file_size" gorm:"column:file_size;type:bigint;not null"`
	DurationSeconds float64       `json:"duration_seconds" gorm:"column:duration_seconds;type:double precision;not null"`
	Status          VariantStatus `json:"status" gorm:"column:status;type:varchar(16);not null"`
	CreatedAt       time.Time     `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

type VideoThumbnail struct {
	ID               uuid.UUID `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	VideoID          uuid.UUID `json:"video_id" gorm:"column:video_id;type:uuid;not null;index"`
	StoragePath      string    `json:"storage_path" gorm:"column:storage_path;type:text;not null"`
	Width            int       `json:"width" gorm:"column:width;not null"`
	Height           int       `json:"height" gorm:"column:height;not null"`
	TimestampSeconds float64   `json:"timestamp_seconds" gorm:"column:timestamp_seconds;type:double precision;not null"`
	IsPrimary        bool      `json:"is_primary" gorm:"column:is_primary;not null;default:false"`
	CreatedAt        time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

type ManifestType string

const ManifestHLS ManifestType = "hls"

type VideoManifest struct {
	ID           uuid.UUID    `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	VideoID      uuid.UUID    `json:"video_id" gorm:"column:video_id;type:uuid;not null;uniqueIndex:idx_manifest_video_type"`
	Type         ManifestType `json:"type" gorm:"column:type;type:varchar(16);not null;uniqueIndex:idx_manifest_video_type"`
	StoragePath  string       `json:"storage_path" gorm:"column:storage_path;type:text;not null"`
	SegmentCount int          `json:"segment_count" gorm:"column:segment_count;not null"`
	CreatedAt    time.Time    `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

type ProcessingProgress struct {
	VideoID   uuid.UUID   `json:"video_id"`
	JobID     *uuid.UUID  `json:"job_id,omitempty"`
	TaskType  TaskType    `json:"task_type,omitempty"`
	Status    VideoStatus `json:"status"`
	Progress  int         `json:"progress"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}
