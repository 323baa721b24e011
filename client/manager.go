// Package client uploads large files to the ingest API in fixed-size chunks.
//
// Chunks of one task are sent strictly in order, so the number of stored
// chunks is also the resume point. Failed chunks are retried with
// exponential backoff; pausing, a lost connection or an exhausted retry
// budget all keep that watermark.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/devrayat000/video-ingest/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	ErrSizeExceeded = errors.New("file exceeds maximum upload size")
	ErrTaskNotFound = errors.New("upload task not found")
	ErrInvalidState = errors.New("invalid task state")
	ErrCancelled    = errors.New("upload cancelled")
)

type Options struct {
	ChunkSize   int64
	MaxFileSize int64
	// MaxRetries is the number of retries per chunk after the first attempt.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	ChunkTimeout  time.Duration
	// MaxConcurrent bounds how many tasks upload at the same time.
	MaxConcurrent int64
}

func (o *Options) defaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10 << 20
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 10 << 30
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = 2 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
}

type Manager struct {
	remote Remote
	opts   Options
	log    logrus.FieldLogger
	sem    *semaphore.Weighted
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	online bool
}

func NewManager(remote Remote, opts Options, log logrus.FieldLogger) *Manager {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		remote: remote,
		opts:   opts,
		log:    log.WithField("component", "upload_manager"),
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*task{},
		online: true,
	}
}

type StartOption func(*task)

// WithProgress subscribes fn before the task loop starts, so it sees every event.
func WithProgress(fn func(Progress)) StartOption {
	return func(t *task) {
		t.subs[t.nextSub] = fn
		t.nextSub++
	}
}

// StartUpload registers a task for sourcePath and starts it in the background.
func (m *Manager) StartUpload(sourcePath string, meta Metadata, opts ...StartOption) (string, error) {
	fi, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidState, sourcePath)
	}
	if fi.Size() == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidState, sourcePath)
	}
	if fi.Size() > m.opts.MaxFileSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrSizeExceeded, fi.Size(), m.opts.MaxFileSize)
	}
	if meta.FileName == "" {
		meta.FileName = filepath.Base(sourcePath)
	}

	t := newTask(uuid.NewString(), sourcePath, meta, fi.Size(), m.opts.ChunkSize)
	for _, opt := range opts {
		opt(t)
	}
	m.mu.Lock()
	m.tasks[t.id] = t
	if !m.online {
		t.status, t.reason = StatusPaused, PauseNetwork
	} else {
		m.spawnLocked(t)
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"task_id":      t.id,
		"size":         t.size,
		"total_chunks": t.total,
	}).Info("upload started")
	return t.id, nil
}

// PauseUpload stops the task before its next chunk. A chunk already in
// flight is allowed to finish.
func (m *Manager) PauseUpload(taskID string) error {
	return m.pause(taskID, PauseUser)
}

func (m *Manager) pause(taskID string, reason PauseReason) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	switch t.status {
	case StatusPreparing, StatusUploading:
	case StatusPaused:
		// A user pause overrides a network pause so reconnecting will not resume it.
		if reason == PauseUser {
			t.reason = PauseUser
		}
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot pause a %s task", ErrInvalidState, t.status)
	}
	t.status, t.reason = StatusPaused, reason
	m.emitLocked(t)
	m.mu.Unlock()
	return nil
}

// ResumeUpload restarts a paused or failed task from its watermark.
func (m *Manager) ResumeUpload(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.status != StatusPaused && t.status != StatusFailed {
		return fmt.Errorf("%w: cannot resume a %s task", ErrInvalidState, t.status)
	}
	if !m.online {
		// Hand it to the connectivity watcher.
		t.status, t.reason, t.err = StatusPaused, PauseNetwork, nil
		m.emitLocked(t)
		return nil
	}
	m.resumeLocked(t)
	return nil
}

func (m *Manager) resumeLocked(t *task) {
	t.err = nil
	t.reason = PauseNone
	if t.uploadID == "" {
		t.status = StatusPreparing
	} else {
		t.status = StatusUploading
	}
	m.emitLocked(t)
	if !t.running {
		m.spawnLocked(t)
	}
}

// CancelUpload forgets the task. Its loop stops at the next checkpoint;
// chunks already stored remotely are left for server-side cleanup.
func (m *Manager) CancelUpload(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, taskID)
	t.removed = true
	t.broadcast()
	m.log.WithField("task_id", taskID).Info("upload cancelled")
	return nil
}

// Subscribe registers fn for every progress change of the task and returns
// a function that removes it.
func (m *Manager) Subscribe(taskID string, fn func(Progress)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(t.subs, id)
		m.mu.Unlock()
	}, nil
}

func (m *Manager) Snapshot(taskID string) (Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Progress{}, ErrTaskNotFound
	}
	return t.snapshot(m.now()), nil
}

// Wait blocks until the task completes or fails. A failed task returns its error.
func (m *Manager) Wait(ctx context.Context, taskID string) (Progress, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return Progress{}, ErrTaskNotFound
	}
	for {
		m.mu.Lock()
		p := t.snapshot(m.now())
		removed, changed := t.removed, t.changed
		m.mu.Unlock()
		switch {
		case removed:
			return p, ErrCancelled
		case p.Status == StatusCompleted:
			return p, nil
		case p.Status == StatusFailed:
			return p, p.Err
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-changed:
		}
	}
}

// SetOnline pauses every running task when the network goes away and
// resumes the ones it paused when it comes back.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.log.WithField("online", online).Info("connectivity changed")
	for _, t := range m.tasks {
		switch {
		case !online && (t.status == StatusPreparing || t.status == StatusUploading):
			t.status, t.reason = StatusPaused, PauseNetwork
			m.emitLocked(t)
		case online && t.status == StatusPaused && t.reason == PauseNetwork:
			m.resumeLocked(t)
		}
	}
}

// Close stops all loops and waits for them to exit. In-flight requests are aborted.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) spawnLocked(t *task) {
	t.running = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(t)
	}()
}

// emitLocked notifies subscribers. Callbacks run synchronously on the
// caller's goroutine while the lock is held, so they must not call back into the Manager.
func (m *Manager) emitLocked(t *task) {
	p := t.snapshot(m.now())
	for _, fn := range t.subs {
		fn(p)
	}
	t.broadcast()
}

func (m *Manager) failLocked(t *task, err error) {
	t.status, t.err = StatusFailed, err
	m.emitLocked(t)
	m.log.WithError(err).WithFields(logrus.Fields{
		"task_id":  t.id,
		"uploaded": t.uploaded,
	}).Error("upload failed")
}

func (m *Manager) run(t *task) {
	defer func() {
		m.mu.Lock()
		t.running = false
		// Resumed between the last checkpoint and here.
		if t.active() && m.ctx.Err() == nil {
			m.spawnLocked(t)
		}
		m.mu.Unlock()
	}()
	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	t.runStart, t.runBytes = m.now(), 0
	m.mu.Unlock()

	if !m.prepare(t) {
		return
	}

	f, err := os.Open(t.sourcePath)
	if err != nil {
		m.mu.Lock()
		m.failLocked(t, fmt.Errorf("open source: %w", err))
		m.mu.Unlock()
		return
	}
	defer f.Close()

	for {
		m.mu.Lock()
		if !t.active() {
			m.mu.Unlock()
			return
		}
		i := t.uploaded
		m.mu.Unlock()
		if i >= t.total {
			break
		}

		data, err := t.readChunk(f, i)
		if err != nil {
			m.mu.Lock()
			m.failLocked(t, err)
			m.mu.Unlock()
			return
		}
		if halted, err := m.uploadChunk(t, i, data); err != nil {
			m.mu.Lock()
			m.chunkFailedLocked(t, i, halted, err)
			m.mu.Unlock()
			return
		}

		m.mu.Lock()
		t.uploaded++
		t.runBytes += int64(len(data))
		m.emitLocked(t)
		m.mu.Unlock()
	}

	m.finalize(t)
}

// prepare obtains the remote upload id once per task.
func (m *Manager) prepare(t *task) bool {
	m.mu.Lock()
	if !t.active() {
		m.mu.Unlock()
		return false
	}
	if t.uploadID != "" {
		m.mu.Unlock()
		return true
	}
	req := models.InitiateUploadRequest{
		FileName:    t.meta.FileName,
		SizeBytes:   t.size,
		ContentType: t.meta.ContentType,
		ChunkSize:   t.chunkSize,
	}
	m.mu.Unlock()

	resp, err := m.remote.InitiateUpload(m.ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.ctx.Err() == nil && t.active() {
			m.failLocked(t, fmt.Errorf("initiate upload: %w", err))
		}
		return false
	}
	t.uploadID = resp.UploadID
	// The server may impose its own chunk size.
	if resp.ChunkSize > 0 && resp.ChunkSize != t.chunkSize {
		t.chunkSize = resp.ChunkSize
		t.total = totalChunks(t.size, t.chunkSize)
	}
	if t.status == StatusPreparing {
		t.status = StatusUploading
	}
	m.emitLocked(t)
	return t.active()
}

func (t *task) readChunk(f io.ReaderAt, i int) ([]byte, error) {
	off, n := t.chunkRange(i)
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
		return nil, fmt.Errorf("read chunk %d: %w", i, err)
	}
	return buf, nil
}

// uploadChunk stores one chunk with retries. halted reports that the retries
// stopped because the task left the active states, not because they ran out.
func (m *Manager) uploadChunk(t *task, i int, data []byte) (halted bool, err error) {
	log := m.log.WithFields(logrus.Fields{"task_id": t.id, "chunk": i})
	err = retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(m.ctx, m.opts.ChunkTimeout)
			defer cancel()
			target, err := m.remote.ChunkUploadTarget(ctx, t.uploadID, i)
			if err != nil {
				return err
			}
			return m.remote.UploadChunk(ctx, target, data)
		},
		retry.Context(m.ctx),
		retry.Attempts(uint(m.opts.MaxRetries+1)),
		retry.Delay(m.opts.RetryDelay),
		retry.MaxDelay(m.opts.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			m.mu.Lock()
			active := t.active()
			m.mu.Unlock()
			if !active {
				halted = true
				return false
			}
			return Retryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("attempt", n+1).Warn("chunk upload failed, retrying")
		}),
	)
	return halted, err
}

// chunkFailedLocked records a chunk that could not be stored. Retries cut
// short by a pause or by shutdown leave the task as it is, even when it was
// resumed again before this point.
func (m *Manager) chunkFailedLocked(t *task, i int, halted bool, err error) {
	if halted || t.removed || m.ctx.Err() != nil {
		return
	}
	m.failLocked(t, fmt.Errorf("chunk %d: %w", i, err))
}

func (m *Manager) finalize(t *task) {
	m.mu.Lock()
	if !t.active() {
		m.mu.Unlock()
		return
	}
	t.status = StatusProcessing
	m.emitLocked(t)
	uploadID, total := t.uploadID, t.total
	m.mu.Unlock()

	resp, err := m.remote.FinalizeUpload(m.ctx, uploadID, total)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.ctx.Err() == nil {
			m.failLocked(t, fmt.Errorf("finalize upload: %w", err))
		}
		return
	}
	t.videoID = resp.VideoID
	t.status = StatusCompleted
	m.emitLocked(t)
	m.log.WithFields(logrus.Fields{"task_id": t.id, "video_id": t.videoID}).Info("upload completed")
}
