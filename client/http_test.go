package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrayat000/video-ingest/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRemoteRoundTrip(t *testing.T) {
	var chunkBody []byte
	var chunkType string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads", func(w http.ResponseWriter, r *http.Request) {
		var req models.InitiateUploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "clip.mp4", req.FileName)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.InitiateUploadResponse{UploadID: "u1", VideoID: "u1", ChunkSize: 4, TotalChunks: 3})
	})
	mux.HandleFunc("GET /api/uploads/u1/chunks/2/target", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.ChunkTargetResponse{
			URL:     "http://" + r.Host + "/bucket/chunk_000002?sig=abc",
			Method:  http.MethodPut,
			Headers: map[string]string{"Content-Type": "application/octet-stream"},
		})
	})
	mux.HandleFunc("PUT /bucket/chunk_000002", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("sig"))
		chunkType = r.Header.Get("Content-Type")
		chunkBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/uploads/u1/finalize", func(w http.ResponseWriter, r *http.Request) {
		var req models.FinalizeUploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.TotalChunks)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.FinalizeUploadResponse{VideoID: "u1", Status: models.StatusPending})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	r := NewHTTPRemote(srv.URL+"/", 0)

	started, err := r.InitiateUpload(ctx, models.InitiateUploadRequest{FileName: "clip.mp4", SizeBytes: 10})
	require.NoError(t, err)
	assert.Equal(t, "u1", started.UploadID)
	assert.Equal(t, 3, started.TotalChunks)

	target, err := r.ChunkUploadTarget(ctx, "u1", 2)
	require.NoError(t, err)
	require.NoError(t, r.UploadChunk(ctx, target, []byte("xy")))
	assert.Equal(t, []byte("xy"), chunkBody)
	assert.Equal(t, "application/octet-stream", chunkType)

	fin, err := r.FinalizeUpload(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, fin.Status)

	assert.NoError(t, r.Ping(ctx))
}

func TestHTTPRemoteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "file exceeds maximum upload size"})
	}))
	defer srv.Close()

	_, err := NewHTTPRemote(srv.URL, 0).InitiateUpload(context.Background(), models.InitiateUploadRequest{FileName: "x", SizeBytes: 1})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusRequestEntityTooLarge, se.StatusCode)
	assert.Equal(t, "file exceeds maximum upload size", se.Message)
	assert.False(t, Retryable(err))

	srv.Close()
	err = NewHTTPRemote(srv.URL, 0).Ping(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err))
}
