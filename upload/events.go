package upload

import "sync"

// Event names the manager emits.
const (
	EventError          = "Error"
	EventUploadComplete = "UploadComplete"
	EventFileStarted    = "FileStarted"
	EventFileStopped    = "FileStopped"
	EventFileProgress   = "FileProgress"
	EventFileSucceed    = "FileSucceed"
	EventFileFailed     = "FileFailed"
)

// Event is the payload handed to subscribers. TaskID and FileData are set on
// every per-file event, Progress only on FileProgress, Err on Error and
// FileFailed. UploadComplete carries an empty payload: it reports on the
// batch, not on one file.
type Event struct {
	TaskID   string   `json:"uploadTaskId,omitempty"`
	FileData FileData `json:"fileData"`
	Progress float64  `json:"progress,omitempty"`
	Err      *Error   `json:"-"`
}

// Handler consumes events. Handlers run synchronously on the emitting
// goroutine, in registration order.
type Handler func(Event)

type subscriber struct {
	seq int
	fn  Handler
}

// Emitter maps event names to ordered subscriber lists. Dispatch walks a
// snapshot taken at emit time, so a handler registered during a pass is not
// invoked until the next one.
type Emitter struct {
	mu   sync.Mutex
	seq  int
	subs map[string][]subscriber
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[string][]subscriber)}
}

// On registers fn for the named event and returns a func that unsubscribes
// it. Unsubscribing twice is harmless.
func (e *Emitter) On(name string, fn Handler) func() {
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.subs[name] = append(e.subs[name], subscriber{seq: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[name]
		for i, s := range list {
			if s.seq == id {
				e.subs[name] = append(append([]subscriber{}, list[:i]...), list[i+1:]...)
				return
			}
		}
	}
}

// Emit invokes every handler subscribed to name at the moment of the call.
func (e *Emitter) Emit(name string, ev Event) {
	e.mu.Lock()
	list := e.subs[name]
	snapshot := make([]subscriber, len(list))
	copy(snapshot, list)
	e.mu.Unlock()

	for _, s := range snapshot {
		s.fn(ev)
	}
}
