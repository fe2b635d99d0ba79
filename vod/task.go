package vod

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/rs/zerolog/log"

	"github.com/recative/polyv/upload"
)

// partSize is the multipart chunk size. Matching the platform's own web
// uploader keeps server-side assembly behavior identical.
const partSize int64 = 5 << 20

// blockStore is the chunk-transfer surface of the object storage, narrowed
// so tests can drive a task without a bucket.
type blockStore interface {
	InitParts(key string) (uploadID string, err error)
	UploadPart(key, uploadID string, partNumber int, r io.Reader, size int64) (oss.UploadPart, error)
	Complete(key, uploadID string, parts []oss.UploadPart, callback string) error
	Abort(key, uploadID string) error
}

// uploadTask moves one file into the platform's storage. A task survives
// multiple runs: pauses, credential refreshes and transient failures all
// leave enough state behind to continue from the last confirmed chunk.
type uploadTask struct {
	id     string
	file   upload.FileSpec
	client *Client
	notify upload.Notifier

	newStore func(*UploadSession) (blockStore, error)
	chunk    int64

	mu        sync.Mutex
	data      *upload.FileData
	status    int
	concluded bool
	onResolve func(int)
	onReject  func(error)
	cancel    chan struct{}

	session    *UploadSession
	store      blockStore
	key        string
	uploadID   string
	parts      []oss.UploadPart
	offset     int64
	credsStale bool
}

func newUploadTask(c *Client, file upload.FileSpec, data *upload.FileData, notify upload.Notifier) *uploadTask {
	return &uploadTask{
		id:       Fingerprint(c.credentials().UserID, file),
		file:     file,
		client:   c,
		notify:   notify,
		newStore: newOSSStore,
		chunk:    partSize,
		data:     data,
	}
}

// TaskFactory binds the client into the engine's factory contract.
func (c *Client) TaskFactory() upload.TaskFactory {
	return func(file upload.FileSpec, data *upload.FileData, notify upload.Notifier) (upload.Task, error) {
		if file.Open == nil {
			return nil, fmt.Errorf("file %s: no content reader", file.Name)
		}
		if file.Size <= 0 {
			return nil, fmt.Errorf("file %s: empty content", file.Name)
		}
		return newUploadTask(c, file, data, notify), nil
	}
}

func (t *uploadTask) ID() string { return t.id }

func (t *uploadTask) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// VID reports the platform video id, empty until a session has been opened.
func (t *uploadTask) VID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.VID
}

func (t *uploadTask) UpdateFileData(patch upload.FileData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Merge(patch)
}

func (t *uploadTask) OnResolve(fn func(int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResolve = fn
}

func (t *uploadTask) OnReject(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReject = fn
}

// Start begins or resumes the asynchronous run. Starting an already running
// task is a no-op.
func (t *uploadTask) Start() {
	t.mu.Lock()
	if t.status == upload.StatusUploading && !t.concluded {
		t.mu.Unlock()
		return
	}
	t.status = upload.StatusUploading
	t.concluded = false
	t.cancel = make(chan struct{})
	cancel := t.cancel
	t.mu.Unlock()

	go t.run(cancel)
}

// Stop requests cooperative cancellation. An unsettled task concludes with
// the stopped code right away; one that never ran keeps its pristine marker
// so it stays editable and startable.
func (t *uploadTask) Stop() {
	t.mu.Lock()
	if t.concluded {
		t.mu.Unlock()
		return
	}
	t.concluded = true
	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
	if t.status != upload.StatusNotStarted {
		t.status = upload.StatusStopped
	}
	fn := t.onResolve
	t.mu.Unlock()

	t.notify.FileStopped(t.id)
	if fn != nil {
		fn(upload.StatusStopped)
	}
}

// concludeCode settles the current run; it reports false when another
// conclusion won the latch. A task that never ran keeps the pristine marker.
func (t *uploadTask) concludeCode(code int) bool {
	t.mu.Lock()
	if t.concluded {
		t.mu.Unlock()
		return false
	}
	t.concluded = true
	if t.status != upload.StatusNotStarted {
		t.status = code
	}
	fn := t.onResolve
	t.mu.Unlock()

	if fn != nil {
		fn(code)
	}
	return true
}

func (t *uploadTask) concludeErr(err error) bool {
	t.mu.Lock()
	if t.concluded {
		t.mu.Unlock()
		return false
	}
	t.concluded = true
	fn := t.onReject
	t.mu.Unlock()

	if fn != nil {
		fn(err)
	}
	return true
}

func (t *uploadTask) isConcluded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.concluded
}

func (t *uploadTask) run(cancel <-chan struct{}) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-ctx.Done():
		}
	}()

	t.notify.FileStarted(t.id)

	if err := t.ensureSession(ctx); err != nil {
		if t.isConcluded() {
			return
		}
		code := initStatus(err)
		log.Warn().Err(err).Str("task_id", t.id).Int("code", code).Msg("upload session unavailable")
		t.concludeCode(code)
		return
	}

	if err := t.transfer(cancel); err != nil {
		if t.isConcluded() {
			return
		}
		if code := transferStatus(err); code != 0 {
			t.noteRetry(code)
			log.Warn().Err(err).Str("task_id", t.id).Int("code", code).Msg("transfer interrupted")
			t.concludeCode(code)
			return
		}
		log.Error().Err(err).Str("task_id", t.id).Msg("transfer failed")
		t.abortParts()
		if t.concludeErr(err) {
			t.notify.FileFailed(t.id, &upload.Error{Message: err.Error()})
		}
		return
	}

	if t.concludeCode(upload.StatusSucceed) {
		t.mu.Lock()
		vid := ""
		if t.session != nil {
			vid = t.session.VID
		}
		t.mu.Unlock()
		log.Info().Str("task_id", t.id).Str("vid", vid).Msg("upload finished")
		t.notify.FileSucceed(t.id)
	}
}

// ensureSession opens a platform session on the first run and refreshes
// stale storage credentials on later ones. The chunk ledger survives a
// refresh, so the transfer continues where it left off.
func (t *uploadTask) ensureSession(ctx context.Context) error {
	t.mu.Lock()
	sess := t.session
	stale := t.credsStale
	data := *t.data
	t.mu.Unlock()

	if sess == nil {
		newSess, err := t.client.InitUpload(ctx, InitUploadRequest{
			FileName: t.file.Name,
			FileSize: t.file.Size,
			Data:     data,
		})
		if err != nil {
			return err
		}
		store, err := t.newStore(newSess)
		if err != nil {
			return fmt.Errorf("open storage for %s: %w", newSess.VID, err)
		}
		key := storageKey(newSess, t.file.Name)
		uploadID, err := store.InitParts(key)
		if err != nil {
			return fmt.Errorf("init multipart for %s: %w", newSess.VID, err)
		}

		t.mu.Lock()
		t.session = newSess
		t.store = store
		t.key = key
		t.uploadID = uploadID
		t.parts = nil
		t.offset = 0
		t.mu.Unlock()
		return nil
	}

	if stale || sess.Expired() {
		newSess, err := t.client.RefreshUpload(ctx, sess.VID)
		if err != nil {
			if initStatus(err) == upload.StatusQuotaExceeded {
				return err
			}
			return &Error{Status: upload.StatusSessionExpired, Message: "credential refresh failed: " + err.Error()}
		}
		store, err := t.newStore(newSess)
		if err != nil {
			return fmt.Errorf("reopen storage for %s: %w", newSess.VID, err)
		}

		t.mu.Lock()
		t.session = newSess
		t.store = store
		t.credsStale = false
		t.mu.Unlock()
	}
	return nil
}

// transfer moves the remaining chunks and completes the multipart upload.
// A closed cancel channel makes it return nil after the current chunk; the
// stop conclusion has already settled the run by then.
func (t *uploadTask) transfer(cancel <-chan struct{}) error {
	t.mu.Lock()
	store := t.store
	key := t.key
	uploadID := t.uploadID
	parts := append([]oss.UploadPart(nil), t.parts...)
	offset := t.offset
	callback := t.session.Callback
	t.mu.Unlock()
	size := t.file.Size

	reader, err := t.file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", t.file.Name, err)
	}
	defer reader.Close()

	if offset > 0 {
		if _, err := reader.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s to %d: %w", t.file.Name, offset, err)
		}
		t.notify.FileProgress(t.id, progress(offset, size))
	}

	for offset < size {
		select {
		case <-cancel:
			return nil
		default:
		}

		n := t.chunk
		if remaining := size - offset; remaining < n {
			n = remaining
		}
		partNumber := len(parts) + 1
		part, err := store.UploadPart(key, uploadID, partNumber, io.LimitReader(reader, n), n)
		if err != nil {
			return fmt.Errorf("upload part %d of %s: %w", partNumber, t.file.Name, err)
		}
		offset += n
		parts = append(parts, part)

		t.mu.Lock()
		t.parts = parts
		t.offset = offset
		t.mu.Unlock()

		select {
		case <-cancel:
			return nil
		default:
			t.notify.FileProgress(t.id, progress(offset, size))
		}
	}

	select {
	case <-cancel:
		return nil
	default:
	}
	if err := store.Complete(key, uploadID, parts, callback); err != nil {
		return fmt.Errorf("complete multipart of %s: %w", t.file.Name, err)
	}
	return nil
}

// noteRetry adjusts saved state so the next run recovers from the mapped
// condition: stale credentials refresh in place, a lost session starts over.
func (t *uploadTask) noteRetry(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch code {
	case upload.StatusTokenExpired:
		t.credsStale = true
	case upload.StatusSessionExpired:
		t.session = nil
		t.store = nil
		t.key = ""
		t.uploadID = ""
		t.parts = nil
		t.offset = 0
	}
}

// abortParts tells the storage to drop the half-assembled upload after a
// hard failure. Best effort.
func (t *uploadTask) abortParts() {
	t.mu.Lock()
	store := t.store
	key := t.key
	uploadID := t.uploadID
	t.mu.Unlock()
	if store == nil || uploadID == "" {
		return
	}
	if err := store.Abort(key, uploadID); err != nil {
		log.Warn().Err(err).Str("task_id", t.id).Msg("abort multipart failed")
	}
}

func progress(offset, size int64) float64 {
	return float64(offset) / float64(size)
}

func storageKey(sess *UploadSession, fileName string) string {
	return path.Join(sess.Dir, sess.VID+path.Ext(fileName))
}
