package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/db"
	"github.com/devrayat000/video-ingest/db/dbtest"
	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/devrayat000/video-ingest/storage"
	"github.com/devrayat000/video-ingest/utils"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	svc   *Service
	store storage.ObjectStore
	repo  *db.VideoRepository
	queue *queue.GormQueue
}

func newEnv(t *testing.T, store storage.ObjectStore) *env {
	t.Helper()
	gdb := dbtest.Open(t)
	if store == nil {
		store = storage.NewFSStore(afero.NewMemMapFs())
	}
	e := &env{store: store, repo: db.NewVideoRepository(gdb), queue: queue.NewGormQueue(gdb)}
	e.svc = NewService(store, e.repo, e.queue, config.UploadConfig{
		MaxFileSize: 1 << 20,
		ChunkSize:   100,
		URLTTL:      time.Minute,
	}, "http://api.local/", utils.DiscardLogger())
	return e
}

func (e *env) initiate(t *testing.T, size int64) uuid.UUID {
	t.Helper()
	resp, err := e.svc.InitiateUpload(context.Background(), models.InitiateUploadRequest{FileName: "talk.mov", SizeBytes: size, ContentType: "video/quicktime"})
	require.NoError(t, err)
	return uuid.MustParse(resp.UploadID)
}

func (e *env) putAll(t *testing.T, id uuid.UUID, size int64, skip ...int) {
	t.Helper()
	skipped := map[int]bool{}
	for _, s := range skip {
		skipped[s] = true
	}
	n := TotalChunks(size, 100)
	for i := 0; i < n; i++ {
		if skipped[i] {
			continue
		}
		length := min(int64(100), size-int64(i)*100)
		require.NoError(t, e.svc.PutChunk(context.Background(), id, i, bytes.NewReader(make([]byte, length)), length))
	}
}

func TestTotalChunks(t *testing.T) {
	assert.Equal(t, 10, TotalChunks(95<<20, 10<<20))
	assert.Equal(t, 1, TotalChunks(1, 10))
	assert.Equal(t, 2, TotalChunks(20, 10))
	assert.Equal(t, 0, TotalChunks(0, 10))
}

func TestInitiateUpload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	resp, err := e.svc.InitiateUpload(ctx, models.InitiateUploadRequest{FileName: "talk.mov", SizeBytes: 950})
	require.NoError(t, err)
	assert.Equal(t, resp.UploadID, resp.VideoID)
	assert.EqualValues(t, 100, resp.ChunkSize)
	assert.Equal(t, 10, resp.TotalChunks)

	video, err := e.repo.GetVideo(ctx, uuid.MustParse(resp.VideoID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, video.Status)
	assert.Equal(t, "uploads/"+resp.VideoID+"/", video.UploadPath)
}

func TestInitiateUploadValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	_, err := e.svc.InitiateUpload(ctx, models.InitiateUploadRequest{FileName: "big.mp4", SizeBytes: 2 << 20})
	assert.ErrorIs(t, err, ErrSizeExceeded)
	_, err = e.svc.InitiateUpload(ctx, models.InitiateUploadRequest{FileName: "", SizeBytes: 10})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.svc.InitiateUpload(ctx, models.InitiateUploadRequest{FileName: "x.mp4", SizeBytes: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestChunkUploadTargetProxy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	id := e.initiate(t, 250)

	target, err := e.svc.ChunkUploadTarget(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, "PUT", target.Method)
	assert.Equal(t, "http://api.local/api/uploads/"+id.String()+"/chunks/2", target.URL)
	assert.Equal(t, storage.ChunkKey(storage.UploadPath(id), 2), target.Key)

	_, err = e.svc.ChunkUploadTarget(ctx, id, 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.svc.ChunkUploadTarget(ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

type signingStore struct {
	storage.ObjectStore
}

func (signingStore) PresignPut(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://bucket.example/" + key + "?ttl=" + ttl.String(), nil
}

func TestChunkUploadTargetPresigned(t *testing.T) {
	e := newEnv(t, signingStore{storage.NewFSStore(afero.NewMemMapFs())})
	id := e.initiate(t, 250)

	target, err := e.svc.ChunkUploadTarget(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.example/uploads/"+id.String()+"/chunks/chunk_000000?ttl=1m0s", target.URL)
}

func TestPutChunkRejectsWrongSize(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	id := e.initiate(t, 250)

	err := e.svc.PutChunk(ctx, id, 0, bytes.NewReader(make([]byte, 99)), 99)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	// The last chunk is short.
	require.NoError(t, e.svc.PutChunk(ctx, id, 2, bytes.NewReader(make([]byte, 50)), 50))
}

func TestFinalizeUploadEnqueuesCombineOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	id := e.initiate(t, 950)
	e.putAll(t, id, 950)

	resp, err := e.svc.FinalizeUpload(ctx, id, 10)
	require.NoError(t, err)
	assert.Equal(t, id.String(), resp.VideoID)
	assert.Equal(t, models.StatusPending, resp.Status)

	again, err := e.svc.FinalizeUpload(ctx, id, 10)
	require.NoError(t, err)
	assert.Equal(t, resp.VideoID, again.VideoID)

	jobs, err := e.queue.ListForVideo(ctx, id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.TaskCombineChunks, jobs[0].TaskType)
	assert.Equal(t, models.PriorityCombine, jobs[0].Priority)
	assert.Equal(t, 10, jobs[0].TotalChunks)

	// Chunks are closed once finalized.
	err = e.svc.PutChunk(ctx, id, 0, bytes.NewReader(make([]byte, 100)), 100)
	assert.ErrorIs(t, err, ErrUploadClosed)
}

func TestFinalizeUploadCountMismatch(t *testing.T) {
	e := newEnv(t, nil)
	id := e.initiate(t, 950)
	e.putAll(t, id, 950)

	_, err := e.svc.FinalizeUpload(context.Background(), id, 9)
	assert.ErrorIs(t, err, ErrChunkCountMismatch)
}

func TestFinalizeUploadMissingChunk(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	id := e.initiate(t, 950)
	e.putAll(t, id, 950, 7)

	_, err := e.svc.FinalizeUpload(ctx, id, 10)
	assert.ErrorIs(t, err, ErrIncompleteUpload)
	assert.Contains(t, err.Error(), "first 7")

	jobs, err := e.queue.ListForVideo(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
