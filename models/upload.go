package models

import "time"

// Wire types of the upload API, shared by the api package and the upload client.

type InitiateUploadRequest struct {
	FileName    string `json:"file_name"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	ChunkSize   int64  `json:"chunk_size"`
}

type InitiateUploadResponse struct {
	UploadID    string `json:"upload_id"`
	VideoID     string `json:"video_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

type ChunkTargetResponse struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Key       string            `json:"key"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type FinalizeUploadRequest struct {
	TotalChunks int `json:"total_chunks"`
}

type FinalizeUploadResponse struct {
	VideoID string      `json:"video_id"`
	Status  VideoStatus `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
