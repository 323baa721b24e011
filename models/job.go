package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskCombineChunks TaskType = "combine_chunks"
	TaskTranscode     TaskType = "transcode"
	TaskThumbnail     TaskType = "thumbnail"
	TaskHLSDash       TaskType = "hls_dash"
)

// Stage priorities. Lower runs sooner.
const (
	PriorityCombine   = 1
	PriorityTranscode = 2
	PriorityFollowUp  = 3
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ProcessingJob is a row of the durable job queue. A video has at most one job per task type.
type ProcessingJob struct {
	ID           uuid.UUID  `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	VideoID      uuid.UUID  `json:"video_id" gorm:"column:video_id;type:uuid;not null;uniqueIndex:idx_job_video_task"`
	TaskType     TaskType   `json:"task_type" gorm:"column:task_type;type:varchar(32);not null;uniqueIndex:idx_job_video_task"`
	Status       JobStatus  `json:"status" gorm:"column:status;type:varchar(16);not null;index:idx_job_claim,priority:1"`
	Priority     int        `json:"priority" gorm:"column:priority;not null;index:idx_job_claim,priority:2"`
	RetryCount   int        `json:"retry_count" gorm:"column:retry_count;not null;default:0"`
	MaxRetries   int        `json:"max_retries" gorm:"column:max_retries;not null"`
	WorkerID     *string    `json:"worker_id,omitempty" gorm:"column:worker_id;type:varchar(128)"`
	UploadPath   string     `json:"upload_path" gorm:"column:upload_path;type:text;not null"`
	TotalChunks  int        `json:"total_chunks" gorm:"column:total_chunks;not null;default:0"`
	ErrorMessage *string    `json:"error_message,omitempty" gorm:"column:error_message;type:text"`
	StartedAt    *time.Time `json:"started_at,omitempty" gorm:"column:started_at;index"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CreatedAt    time.Time  `json:"created_at" gorm:"column:created_at;not null;index:idx_job_claim,priority:3"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (ProcessingJob) TableName() string {
	return "processing_jobs"
}
