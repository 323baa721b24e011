// Package ingest is the server side of the chunked upload contract.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/db"
	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRequest     = errors.New("invalid upload request")
	ErrSizeExceeded       = errors.New("file exceeds maximum upload size")
	ErrUploadNotFound     = errors.New("upload not found")
	ErrUploadClosed       = errors.New("upload already finalized")
	ErrIncompleteUpload   = errors.New("upload is missing chunks")
	ErrChunkCountMismatch = errors.New("chunk count does not match upload")
)

type VideoStore interface {
	CreateVideo(ctx context.Context, video *models.Video) error
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	MarkFinalized(ctx context.Context, id uuid.UUID, totalChunks int) error
}

type JobInserter interface {
	Insert(ctx context.Context, job *models.ProcessingJob) (bool, error)
}

type Service struct {
	store     storage.ObjectStore
	signer    storage.URLSigner
	videos    VideoStore
	jobs      JobInserter
	cfg       config.UploadConfig
	publicURL string
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewService wires the upload service. Chunks go straight to the store when it
// can presign URLs; otherwise clients are pointed at the API's proxy endpoint under publicURL.
func NewService(store storage.ObjectStore, videos VideoStore, jobs JobInserter, cfg config.UploadConfig, publicURL string, log logrus.FieldLogger) *Service {
	s := &Service{
		store:     store,
		videos:    videos,
		jobs:      jobs,
		cfg:       cfg,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log.WithField("component", "ingest"),
		now:       time.Now,
	}
	if signer, ok := store.(storage.URLSigner); ok {
		s.signer = signer
	}
	if s.cfg.ChunkSize <= 0 {
		s.cfg.ChunkSize = 10 << 20
	}
	if s.cfg.URLTTL <= 0 {
		s.cfg.URLTTL = 15 * time.Minute
	}
	return s
}

func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func (s *Service) InitiateUpload(ctx context.Context, req models.InitiateUploadRequest) (*models.InitiateUploadResponse, error) {
	if strings.TrimSpace(req.FileName) == "" {
		return nil, fmt.Errorf("%w: file_name is required", ErrInvalidRequest)
	}
	if req.SizeBytes <= 0 {
		return nil, fmt.Errorf("%w: size_bytes must be positive", ErrInvalidRequest)
	}
	if s.cfg.MaxFileSize > 0 && req.SizeBytes > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrSizeExceeded, req.SizeBytes, s.cfg.MaxFileSize)
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.cfg.ChunkSize
	}

	id := uuid.New()
	video := &models.Video{
		ID:           id,
		OriginalName: req.FileName,
		ContentType:  req.ContentType,
		UploadPath:   storage.UploadPath(id),
		Status:       models.StatusUploading,
		ChunkSize:    chunkSize,
		TotalChunks:  TotalChunks(req.SizeBytes, chunkSize),
		FileSize:     req.SizeBytes,
	}
	if err := s.videos.CreateVideo(ctx, video); err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"video_id":     id,
		"size":         req.SizeBytes,
		"total_chunks": video.TotalChunks,
	}).Info("upload initiated")

	return &models.InitiateUploadResponse{
		UploadID:    id.String(),
		VideoID:     id.String(),
		ChunkSize:   chunkSize,
		TotalChunks: video.TotalChunks,
	}, nil
}

// openVideo resolves an upload that still accepts chunks.
func (s *Service) openVideo(ctx context.Context, uploadID uuid.UUID, index int) (*models.Video, error) {
	video, err := s.lookup(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if video.Status != models.StatusUploading {
		return nil, ErrUploadClosed
	}
	if index < 0 || index >= video.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d outside [0, %d)", ErrInvalidRequest, index, video.TotalChunks)
	}
	return video, nil
}

func (s *Service) lookup(ctx context.Context, uploadID uuid.UUID) (*models.Video, error) {
	video, err := s.videos.GetVideo(ctx, uploadID)
	if errors.Is(err, db.ErrVideoNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return video, nil
}

func (s *Service) ChunkUploadTarget(ctx context.Context, uploadID uuid.UUID, index int) (*models.ChunkTargetResponse, error) {
	video, err := s.openVideo(ctx, uploadID, index)
	if err != nil {
		return nil, err
	}
	target := &models.ChunkTargetResponse{
		Method: "PUT",
		// GCS signs the content type, so clients must send exactly this header.
		Headers:   map[string]string{"Content-Type": "application/octet-stream"},
		Key:       storage.ChunkKey(video.UploadPath, index),
		ExpiresAt: s.now().Add(s.cfg.URLTTL),
	}
	if s.signer != nil {
		url, err := s.signer.PresignPut(ctx, target.Key, s.cfg.URLTTL)
		if err != nil {
			return nil, fmt.Errorf("presign chunk %d: %w", index, err)
		}
		target.URL = url
		return target, nil
	}
	target.URL = fmt.Sprintf("%s/api/uploads/%s/chunks/%d", s.publicURL, uploadID, index)
	return target, nil
}

func expectedChunkSize(video *models.Video, index int) int64 {
	start := int64(index) * video.ChunkSize
	return min(video.ChunkSize, video.FileSize-start)
}

// PutChunk stores one chunk received through the API proxy. size may be -1 when unknown.
func (s *Service) PutChunk(ctx context.Context, uploadID uuid.UUID, index int, r io.Reader, size int64) error {
	video, err := s.openVideo(ctx, uploadID, index)
	if err != nil {
		return err
	}
	want := expectedChunkSize(video, index)
	if size >= 0 && size != want {
		return fmt.Errorf("%w: chunk %d is %d bytes, expected %d", ErrInvalidRequest, index, size, want)
	}
	// Never read past the expected length; a short body surfaces via the size check on finalize.
	body := io.LimitReader(r, want)
	if err := s.store.Put(ctx, storage.ChunkKey(video.UploadPath, index), body, want, "application/octet-stream"); err != nil {
		return fmt.Errorf("store chunk %d: %w", index, err)
	}
	return nil
}

// FinalizeUpload verifies the chunk set and enqueues combine_chunks.
// Repeating it with the same count is a no-op that returns the same video.
func (s *Service) FinalizeUpload(ctx context.Context, uploadID uuid.UUID, totalChunks int) (*models.FinalizeUploadResponse, error) {
	video, err := s.lookup(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if totalChunks != video.TotalChunks {
		return nil, fmt.Errorf("%w: got %d, upload has %d", ErrChunkCountMismatch, totalChunks, video.TotalChunks)
	}
	log := s.log.WithField("video_id", video.ID)

	status := video.Status
	if video.FinalizedAt == nil {
		if err := s.verifyChunks(ctx, video); err != nil {
			return nil, err
		}
		if err := s.videos.MarkFinalized(ctx, video.ID, totalChunks); err != nil {
			return nil, fmt.Errorf("mark finalized: %w", err)
		}
		status = models.StatusPending
	}

	// Insert is idempotent per (video, task type), so a retried finalize that
	// crashed before this point still gets its job exactly once.
	inserted, err := s.jobs.Insert(ctx, &models.ProcessingJob{
		VideoID:     video.ID,
		TaskType:    models.TaskCombineChunks,
		Priority:    models.PriorityCombine,
		UploadPath:  video.UploadPath,
		TotalChunks: totalChunks,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue combine: %w", err)
	}
	log.WithField("inserted", inserted).Info("upload finalized")
	return &models.FinalizeUploadResponse{VideoID: video.ID.String(), Status: status}, nil
}

func (s *Service) verifyChunks(ctx context.Context, video *models.Video) error {
	objs, err := s.store.List(ctx, storage.ChunkPrefix(video.UploadPath))
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	seen := make(map[int]int64, len(objs))
	for _, o := range objs {
		idx, err := storage.ParseChunkIndex(o.Key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIncompleteUpload, err)
		}
		seen[idx] = o.Size
	}

	var missing []int
	var total int64
	for i := 0; i < video.TotalChunks; i++ {
		size, ok := seen[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		if want := expectedChunkSize(video, i); size != want {
			return fmt.Errorf("%w: chunk %d is %d bytes, expected %d", ErrIncompleteUpload, i, size, want)
		}
		total += size
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %d missing, first %d", ErrIncompleteUpload, len(missing), missing[0])
	}
	if len(seen) != video.TotalChunks {
		return fmt.Errorf("%w: %d chunk objects for %d chunks", ErrIncompleteUpload, len(seen), video.TotalChunks)
	}
	if total != video.FileSize {
		return fmt.Errorf("%w: %d bytes stored, expected %d", ErrIncompleteUpload, total, video.FileSize)
	}
	return nil
}
