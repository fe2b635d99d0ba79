// Package upload implements a concurrency-bounded upload task engine: an
// ordered registry of submitted files, a wait queue of parked tasks, a
// capacity-limited pool of running ones, and a dispatcher that turns task
// conclusions into retries, re-queues and subscriber events. Transport is
// not this package's business; tasks are built by an injected factory and
// drive themselves once started.
package upload

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Mode is the manager's global lifecycle phase.
type Mode int

const (
	ModeNotStarted Mode = iota
	ModeUploading
)

func (m Mode) String() string {
	if m == ModeUploading {
		return "uploading"
	}
	return "notStarted"
}

// tracked pairs a submitted task with the Completion of its current
// admission cycle, buffered until the aggregation watch drains it.
type tracked struct {
	task Task
	comp *Completion
}

// fileRecord is everything the manager remembers about one submission.
// Records outlive queue membership so a late conclusion still dispatches
// with the right metadata; deleted guards the retry paths against
// resurrecting a removed task.
type fileRecord struct {
	task    Task
	data    *FileData
	events  FileEvents
	deleted bool
}

// Manager composes the file registry, the wait queue and the upload pool
// into the engine's public API. All mutation goes through its methods; the
// zero tolerance for external queue access is what keeps the id-uniqueness
// and membership invariants honest.
type Manager struct {
	mu      sync.Mutex
	cfg     *Config
	factory TaskFactory
	emitter *Emitter

	fileQueue *Queue[Task]
	waitQueue *Queue[Task]
	pool      *Pool

	records  map[string]*fileRecord
	pending  []tracked
	mode     Mode
	watching bool
}

// NewManager wires an engine around the given shared config and task
// factory. A nil cfg gets defaults.
func NewManager(cfg *Config, factory TaskFactory) *Manager {
	if cfg == nil {
		cfg = NewConfig(DefaultLimit, nil, UserData{})
	}
	return &Manager{
		cfg:       cfg,
		factory:   factory,
		emitter:   NewEmitter(),
		fileQueue: NewQueue[Task](),
		waitQueue: NewQueue[Task](),
		pool:      NewPool(cfg.Limit()),
		records:   make(map[string]*fileRecord),
	}
}

// Config returns the shared configuration the manager was built with.
func (m *Manager) Config() *Config {
	return m.cfg
}

// On subscribes fn to the named event and returns its unsubscribe func.
func (m *Manager) On(name string, fn Handler) func() {
	return m.emitter.On(name, fn)
}

// Mode reports the current lifecycle phase.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// FileInfo is a point-in-time view of one tracked upload.
type FileInfo struct {
	TaskID     string   `json:"uploadTaskId"`
	StatusCode int      `json:"statusCode"`
	FileData   FileData `json:"fileData"`
	Waiting    bool     `json:"waiting"`
}

// Files lists every tracked upload in submission order.
func (m *Manager) Files() []FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.fileQueue.List()
	out := make([]FileInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, m.fileInfoLocked(t))
	}
	return out
}

// File reports the tracked upload with the given id.
func (m *Manager) File(id string) (FileInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.fileQueue.Find(id)
	if !ok {
		return FileInfo{}, false
	}
	return m.fileInfoLocked(t), true
}

func (m *Manager) fileInfoLocked(t Task) FileInfo {
	info := FileInfo{TaskID: t.ID(), StatusCode: t.StatusCode()}
	if rec := m.records[t.ID()]; rec != nil && rec.data != nil {
		info.FileData = *rec.data
	}
	_, info.Waiting = m.waitQueue.Find(t.ID())
	return info
}

// AddFile submits a file. The factory builds the task first so the file's
// fingerprint exists to collide on: a duplicate id rejects with code 110, a
// file the type predicate refuses with code 111, and both rejections are
// also published as Error events. An accepted file parks in the wait queue
// while the manager is idle and goes straight into the pool while a batch is
// uploading.
func (m *Manager) AddFile(file FileSpec, events FileEvents, data *FileData) (Task, error) {
	if data == nil {
		data = &FileData{}
	}
	if data.Title == "" {
		data.Title = defaultTitle(file.Name)
	}

	task, err := m.factory(file, data, managerNotifier{m})
	if err != nil {
		return nil, err
	}
	id := task.ID()

	m.mu.Lock()
	if _, exists := m.fileQueue.Find(id); exists {
		m.mu.Unlock()
		uerr := newError(CodeDuplicateFile, "file already in upload queue: "+file.Name, *data)
		m.emitError(id, *data, uerr)
		return nil, uerr
	}
	if !m.cfg.Accepts(file) {
		m.mu.Unlock()
		uerr := newError(CodeUnacceptableType, "file type not accepted: "+file.Name, *data)
		m.emitError(id, *data, uerr)
		return nil, uerr
	}
	m.records[id] = &fileRecord{task: task, data: data, events: events}
	m.fileQueue.Enqueue(task)
	uploading := m.mode == ModeUploading
	if uploading {
		m.submitLocked(task)
	} else {
		m.waitQueue.Enqueue(task)
	}
	m.mu.Unlock()

	log.Debug().
		Str("task_id", id).
		Str("file", file.Name).
		Bool("direct", uploading).
		Msg("file added to upload queue")
	return task, nil
}

// RemoveFile untracks the file entirely. A task inside the pool is removed
// first (freeing its slot), marked deleted and stopped; a parked one just
// leaves the wait queue. Either way it leaves the file registry, and the
// deleted mark keeps the retry dispatch from re-admitting it.
func (m *Manager) RemoveFile(id string) {
	m.mu.Lock()
	if rec := m.records[id]; rec != nil {
		rec.deleted = true
	}
	stopTask, inPool := m.pool.Remove(id)
	if !inPool {
		m.waitQueue.Remove(id)
	}
	m.fileQueue.Remove(id)
	m.mu.Unlock()

	if inPool {
		stopTask.Stop()
	}
	log.Debug().Str("task_id", id).Bool("was_running", inPool).Msg("file removed")
}

// StopFile pauses a task that is inside the pool and parks it back in the
// wait queue. A task already waiting is left untouched.
func (m *Manager) StopFile(id string) {
	m.mu.Lock()
	t, ok := m.pool.Remove(id)
	if ok {
		m.requeueLocked(t, false)
	}
	m.mu.Unlock()

	if ok {
		t.Stop()
		log.Debug().Str("task_id", id).Msg("file stopped")
	}
}

// ResumeFile moves a parked task into the pool. When the manager is idle the
// aggregation watch is restarted so the resumed task's conclusion is still
// observed; the mode field itself stays as it was.
func (m *Manager) ResumeFile(id string) {
	m.mu.Lock()
	t, ok := m.waitQueue.Remove(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.submitLocked(t)
	restart := m.mode == ModeNotStarted
	m.mu.Unlock()

	log.Debug().Str("task_id", id).Msg("file resumed")
	if restart {
		m.startWatch()
	}
}

// StartAll drains the wait queue into the pool in order, skipping tasks
// carrying the stopped marker, flips the manager to uploading and arms the
// batch-completion watch.
func (m *Manager) StartAll() {
	m.mu.Lock()
	submitted := 0
	for {
		t, ok := m.waitQueue.Dequeue()
		if !ok {
			break
		}
		if t.StatusCode() == StatusStopped {
			continue
		}
		m.submitLocked(t)
		submitted++
	}
	m.mode = ModeUploading
	m.mu.Unlock()

	log.Info().Int("submitted", submitted).Msg("upload batch started")
	m.startWatch()
}

// StopAll pulls every task out of the pool and stops it. Tasks that never
// got to run are parked back in the wait queue; started ones re-enter it
// through their stop conclusions. The manager returns to the idle mode.
func (m *Manager) StopAll() {
	m.drainPool(false)
	log.Info().Msg("upload batch stopped")
}

// ClearAll stops everything and forgets every tracked file.
func (m *Manager) ClearAll() {
	m.drainPool(true)
	log.Info().Msg("upload queue cleared")
}

func (m *Manager) drainPool(drop bool) {
	m.mu.Lock()
	var toStop []Task
	for {
		t, ok := m.pool.Dequeue()
		if !ok {
			break
		}
		if !drop && t.StatusCode() == StatusNotStarted {
			m.requeueLocked(t, false)
		}
		toStop = append(toStop, t)
	}
	if drop {
		for _, rec := range m.records {
			rec.deleted = true
		}
		m.records = make(map[string]*fileRecord)
		m.waitQueue.Clear()
		m.fileQueue.Clear()
	}
	m.mode = ModeNotStarted
	m.mu.Unlock()

	for _, t := range toStop {
		t.Stop()
	}
}

// UpdateFileData merges metadata into a file that has not begun uploading.
// Only a task parked in the wait queue with a pristine status is editable;
// anything else rejects with code 112, mirrored as an Error event.
func (m *Manager) UpdateFileData(id string, patch FileData) error {
	m.mu.Lock()
	t, ok := m.waitQueue.Find(id)
	if !ok || t.StatusCode() != StatusNotStarted {
		var data FileData
		if rec := m.records[id]; rec != nil && rec.data != nil {
			data = *rec.data
		}
		m.mu.Unlock()
		uerr := newError(CodeFileLocked, "file is locked for editing: "+id, data)
		m.emitError(id, data, uerr)
		return uerr
	}
	t.UpdateFileData(patch)
	m.mu.Unlock()
	return nil
}

// UpdateUserData merges fresh credential fields into the shared config.
func (m *Manager) UpdateUserData(patch UserData) {
	m.cfg.UpdateUserData(patch)
}

// submitLocked admits the task into the pool and buffers its completion for
// the aggregation watch. Callers hold m.mu.
func (m *Manager) submitLocked(t Task) {
	comp := m.pool.Enqueue(t)
	m.pending = append(m.pending, tracked{task: t, comp: comp})
}

// requeueLocked parks a task in the wait queue, replacing any existing entry
// with the same id so nothing is ever tracked there twice. front selects
// priority insertion. Callers hold m.mu.
func (m *Manager) requeueLocked(t Task, front bool) {
	m.waitQueue.Remove(t.ID())
	if front {
		m.waitQueue.Unshift(t)
	} else {
		m.waitQueue.Enqueue(t)
	}
}

func (m *Manager) emitError(id string, data FileData, uerr *Error) {
	log.Warn().Str("task_id", id).Int("code", uerr.Code).Msg(uerr.Message)
	m.emitter.Emit(EventError, Event{TaskID: id, FileData: data, Err: uerr})
}
