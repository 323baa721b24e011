package client

import (
	"time"
)

type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusUploading  Status = "uploading"
	StatusPaused     Status = "paused"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the task loop will never run again on its own.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PauseReason separates a user pause from a connectivity pause. Only the
// latter is resumed automatically when the network comes back.
type PauseReason string

const (
	PauseNone    PauseReason = ""
	PauseUser    PauseReason = "user"
	PauseNetwork PauseReason = "network"
)

type Metadata struct {
	FileName    string
	ContentType string
}

// Progress is the snapshot handed to subscribers on every change.
type Progress struct {
	TaskID           string
	Status           Status
	PauseReason      PauseReason
	UploadedChunks   int
	TotalChunks      int
	UploadedBytes    int64
	TotalBytes       int64
	Percentage       float64
	SpeedBytesPerSec float64
	ETASeconds       float64
	UploadID         string
	VideoID          string
	Err              error
}

type task struct {
	id         string
	sourcePath string
	meta       Metadata
	size       int64
	chunkSize  int64
	total      int

	// uploaded is the watermark: chunks [0, uploaded) are stored remotely.
	uploaded int
	status   Status
	reason   PauseReason
	uploadID string
	videoID  string
	err      error
	running  bool
	removed  bool

	// Speed is a simple average over the current run.
	runStart time.Time
	runBytes int64

	subs    map[int]func(Progress)
	nextSub int
	changed chan struct{}
}

func newTask(id, sourcePath string, meta Metadata, size, chunkSize int64) *task {
	return &task{
		id:         id,
		sourcePath: sourcePath,
		meta:       meta,
		size:       size,
		chunkSize:  chunkSize,
		total:      totalChunks(size, chunkSize),
		status:     StatusPreparing,
		subs:       map[int]func(Progress){},
		changed:    make(chan struct{}),
	}
}

func totalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// chunkRange is the byte range [off, off+n) of chunk i.
func (t *task) chunkRange(i int) (off, n int64) {
	off = int64(i) * t.chunkSize
	return off, min(t.chunkSize, t.size-off)
}

func (t *task) uploadedBytes() int64 {
	return min(int64(t.uploaded)*t.chunkSize, t.size)
}

// active reports whether the loop may start another step.
func (t *task) active() bool {
	return !t.removed && (t.status == StatusPreparing || t.status == StatusUploading)
}

func (t *task) snapshot(now time.Time) Progress {
	p := Progress{
		TaskID:         t.id,
		Status:         t.status,
		PauseReason:    t.reason,
		UploadedChunks: t.uploaded,
		TotalChunks:    t.total,
		UploadedBytes:  t.uploadedBytes(),
		TotalBytes:     t.size,
		UploadID:       t.uploadID,
		VideoID:        t.videoID,
		Err:            t.err,
	}
	if t.size > 0 {
		p.Percentage = float64(p.UploadedBytes) / float64(t.size) * 100
	}
	if elapsed := now.Sub(t.runStart).Seconds(); !t.runStart.IsZero() && elapsed > 0 && t.runBytes > 0 {
		p.SpeedBytesPerSec = float64(t.runBytes) / elapsed
		p.ETASeconds = float64(t.size-p.UploadedBytes) / p.SpeedBytesPerSec
	}
	return p
}

// broadcast wakes every Wait caller. Callers hold the manager lock.
func (t *task) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}
