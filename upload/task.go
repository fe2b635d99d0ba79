package upload

import (
	"io"
	"strings"
	"time"
)

// Status markers readable through Task.StatusCode. A task starts at
// StatusNotStarted, switches to StatusUploading when a run begins, and keeps
// the code of its latest conclusion afterwards. A task stopped before it
// ever ran concludes with StatusStopped but keeps the pristine marker, so it
// still counts as editable and startable.
const (
	StatusNotStarted = 0
	StatusUploading  = 1
)

// Conclusion codes, mirrored from the vendor platform.
const (
	StatusSucceed        = 100 // upload finished and acknowledged
	StatusInitFailed     = 101 // session initialization failed
	StatusQuotaExceeded  = 102 // remote storage quota exhausted
	StatusStopped        = 104 // stopped by the user
	StatusSessionExpired = 105 // resumable session no longer valid
	StatusTokenExpired   = 106 // storage credentials expired mid-transfer
	StatusRetryable      = 107 // transient transport failure
)

// Task is the capability contract the engine depends on. Implementations
// live outside this package (see the vod package) and are handed in through
// a TaskFactory; the engine assumes nothing beyond these methods.
//
// Start must not block: it begins or resumes the asynchronous run. Stop
// requests cooperative cancellation and concludes an unsettled task with
// StatusStopped, so no Completion waiting on it can hang. OnResolve and
// OnReject each hold a single listener slot: registering again replaces the
// previous listener, and an armed listener fires at most once per
// conclusion. Re-running the task (after a retry resubmission) arms the
// slots for the next conclusion.
type Task interface {
	ID() string
	StatusCode() int
	Start()
	Stop()
	UpdateFileData(FileData)
	OnResolve(func(code int))
	OnReject(func(err error))
}

// FileSpec describes the local content a task will upload.
type FileSpec struct {
	Name    string
	Size    int64
	ModTime time.Time
	MIME    string

	// Open hands out a fresh reader over the content. A task opens one per
	// run and seeks past already-transferred chunks when resuming.
	Open func() (io.ReadSeekCloser, error)
}

// FileData is the vendor-side metadata attached to one upload. Zero fields
// count as unset when merging.
type FileData struct {
	Title      string `json:"title,omitempty"`
	Desc       string `json:"desc,omitempty"`
	CataID     int64  `json:"cataid,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Luping     int    `json:"luping,omitempty"`
	KeepSource int    `json:"keepsource,omitempty"`
}

// Merge overlays the non-zero fields of patch onto d.
func (d *FileData) Merge(patch FileData) {
	if patch.Title != "" {
		d.Title = patch.Title
	}
	if patch.Desc != "" {
		d.Desc = patch.Desc
	}
	if patch.CataID != 0 {
		d.CataID = patch.CataID
	}
	if patch.Tag != "" {
		d.Tag = patch.Tag
	}
	if patch.Luping != 0 {
		d.Luping = patch.Luping
	}
	if patch.KeepSource != 0 {
		d.KeepSource = patch.KeepSource
	}
}

// TaskFactory builds the task for a submitted file. The returned task's id
// must be a stable fingerprint of the file, so resubmitting the same content
// collides with the tracked entry instead of duplicating it. The *FileData
// is shared between the manager and the task; UpdateFileData merges into it.
type TaskFactory func(file FileSpec, data *FileData, notify Notifier) (Task, error)

// Notifier is how task implementations report per-file activity back into
// the engine's event stream.
type Notifier interface {
	FileStarted(id string)
	FileStopped(id string)
	FileProgress(id string, progress float64)
	FileSucceed(id string)
	FileFailed(id string, uploadErr *Error)
}

// FileEvents are optional per-file callbacks supplied to AddFile. They fire
// before the manager-level subscribers for the same occurrence.
type FileEvents struct {
	OnStarted  func(Event)
	OnStopped  func(Event)
	OnProgress func(Event)
	OnSucceed  func(Event)
	OnFailed   func(Event)
}

func defaultTitle(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return name
}
