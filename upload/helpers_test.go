package upload

import (
	"sync"
	"testing"
	"time"
)

// fakeTask is a hand-driven Task: tests decide when and how each run
// concludes, while the latch and marker behavior follows the contract.
type fakeTask struct {
	mu        sync.Mutex
	id        string
	status    int
	concluded bool
	runs      int
	data      *FileData
	notify    Notifier
	onResolve func(int)
	onReject  func(error)

	startCh chan struct{}
}

func newFakeTask(id string) *fakeTask {
	return &fakeTask{id: id, startCh: make(chan struct{}, 16)}
}

func (t *fakeTask) ID() string { return t.id }

func (t *fakeTask) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *fakeTask) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func (t *fakeTask) Start() {
	t.mu.Lock()
	t.status = StatusUploading
	t.concluded = false
	t.runs++
	notify := t.notify
	t.mu.Unlock()

	// The contract promises an asynchronous run: callbacks never fire on
	// the caller's goroutine.
	go func() {
		if notify != nil {
			notify.FileStarted(t.id)
		}
		t.startCh <- struct{}{}
	}()
}

func (t *fakeTask) Stop() {
	t.mu.Lock()
	if t.concluded {
		t.mu.Unlock()
		return
	}
	t.concluded = true
	if t.status != StatusNotStarted {
		t.status = StatusStopped
	}
	fn := t.onResolve
	notify := t.notify
	t.mu.Unlock()

	if notify != nil {
		notify.FileStopped(t.id)
	}
	if fn != nil {
		fn(StatusStopped)
	}
}

func (t *fakeTask) UpdateFileData(patch FileData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data != nil {
		t.data.Merge(patch)
	}
}

func (t *fakeTask) OnResolve(fn func(int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResolve = fn
}

func (t *fakeTask) OnReject(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReject = fn
}

// Resolve concludes the current run with code, the way a real task settles
// after its transfer phase.
func (t *fakeTask) Resolve(code int) {
	t.mu.Lock()
	if t.concluded {
		t.mu.Unlock()
		return
	}
	t.concluded = true
	if t.status != StatusNotStarted {
		t.status = code
	}
	fn := t.onResolve
	notify := t.notify
	t.mu.Unlock()

	if code == StatusSucceed && notify != nil {
		notify.FileSucceed(t.id)
	}
	if fn != nil {
		fn(code)
	}
}

// Reject concludes the current run exceptionally.
func (t *fakeTask) Reject(err error) {
	t.mu.Lock()
	if t.concluded {
		t.mu.Unlock()
		return
	}
	t.concluded = true
	fn := t.onReject
	notify := t.notify
	t.mu.Unlock()

	if notify != nil {
		notify.FileFailed(t.id, asError(err, nil))
	}
	if fn != nil {
		fn(err)
	}
}

// Progress reports transfer progress through the notifier.
func (t *fakeTask) Progress(p float64) {
	t.mu.Lock()
	notify := t.notify
	t.mu.Unlock()
	if notify != nil {
		notify.FileProgress(t.id, p)
	}
}

// awaitStart fails the test unless the task begins a run within the
// deadline.
func (t *fakeTask) awaitStart(tb testing.TB) {
	tb.Helper()
	select {
	case <-t.startCh:
	case <-time.After(2 * time.Second):
		tb.Fatalf("task %s did not start in time", t.id)
	}
}

// assertNotStarted fails the test if the task begins a run within the given
// window.
func (t *fakeTask) assertNotStarted(tb testing.TB, window time.Duration) {
	tb.Helper()
	select {
	case <-t.startCh:
		tb.Fatalf("task %s started unexpectedly", t.id)
	case <-time.After(window):
	}
}

// fakeFactory hands back pre-built tasks keyed by file name, wiring in the
// shared metadata pointer and the notifier the way a real factory does.
func fakeFactory(tasks map[string]*fakeTask) TaskFactory {
	return func(file FileSpec, data *FileData, notify Notifier) (Task, error) {
		t, ok := tasks[file.Name]
		if !ok {
			t = newFakeTask(file.Name)
			tasks[file.Name] = t
		}
		t.mu.Lock()
		t.data = data
		t.notify = notify
		t.mu.Unlock()
		return t, nil
	}
}

func testSpec(name string) FileSpec {
	return FileSpec{Name: name, Size: 1 << 20, ModTime: time.Unix(1700000000, 0)}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("condition not reached in time: %s", what)
}
