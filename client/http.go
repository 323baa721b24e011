package client

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devrayat000/video-ingest/models"
	"github.com/go-resty/resty/v2"
)

// HTTPRemote talks to the ingest API. Chunk bodies go to whatever URL the
// API hands out, which is either a presigned object store URL or the API itself.
type HTTPRemote struct {
	client *resty.Client
}

func NewHTTPRemote(baseURL string, timeout time.Duration) *HTTPRemote {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPRemote{client: c}
}

func (r *HTTPRemote) InitiateUpload(ctx context.Context, req models.InitiateUploadRequest) (*models.InitiateUploadResponse, error) {
	var out models.InitiateUploadResponse
	var apiErr models.ErrorResponse
	res, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/uploads")
	if err := check("initiate upload", res, err, &apiErr); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) ChunkUploadTarget(ctx context.Context, uploadID string, index int) (*models.ChunkTargetResponse, error) {
	var out models.ChunkTargetResponse
	var apiErr models.ErrorResponse
	res, err := r.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"id": uploadID, "index": strconv.Itoa(index)}).
		SetResult(&out).
		SetError(&apiErr).
		Get("/api/uploads/{id}/chunks/{index}/target")
	if err := check("chunk target", res, err, &apiErr); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) UploadChunk(ctx context.Context, target *models.ChunkTargetResponse, data []byte) error {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}
	res, err := r.client.R().
		SetContext(ctx).
		SetHeaders(target.Headers).
		SetBody(data).
		Execute(method, target.URL)
	return check("upload chunk", res, err, nil)
}

func (r *HTTPRemote) FinalizeUpload(ctx context.Context, uploadID string, totalChunks int) (*models.FinalizeUploadResponse, error) {
	var out models.FinalizeUploadResponse
	var apiErr models.ErrorResponse
	res, err := r.client.R().
		SetContext(ctx).
		SetPathParam("id", uploadID).
		SetBody(models.FinalizeUploadRequest{TotalChunks: totalChunks}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/uploads/{id}/finalize")
	if err := check("finalize upload", res, err, &apiErr); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks the API health endpoint. It is the default connectivity probe.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	res, err := r.client.R().SetContext(ctx).Get("/healthz")
	return check("health check", res, err, nil)
}

func check(op string, res *resty.Response, err error, apiErr *models.ErrorResponse) error {
	if err != nil {
		return &transportError{op: op, err: err}
	}
	if !res.IsError() {
		return nil
	}
	msg := ""
	if apiErr != nil {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(res.Body()))
	}
	return &StatusError{Op: op, StatusCode: res.StatusCode(), Message: msg}
}

type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string { return e.op + ": " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
