package upload

import "github.com/rs/zerolog/log"

// startWatch launches the batch-completion drain unless one is already
// active. An active loop picks up new submissions on its next pass, which
// makes restart requests from retry dispatch idempotent.
func (m *Manager) startWatch() {
	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return
	}
	m.watching = true
	m.mu.Unlock()
	go m.watchLoop()
}

// watchLoop drains the pending buffer in passes: snapshot it, hand every
// completion to its own dispatcher, and wait for all of those dispatchers to
// finish before looking again. Waiting on dispatch rather than on bare
// settlement guarantees the final emptiness check happens after every
// re-queue and resubmission from this pass has been applied. When a pass
// ends with nothing new pending and an empty pool, the batch is over: the
// mode drops back to idle and, if the wait queue is empty too while files
// remain tracked, UploadComplete fires exactly once.
func (m *Manager) watchLoop() {
	for {
		m.mu.Lock()
		snapshot := m.pending
		m.pending = nil
		m.mu.Unlock()

		dones := make([]chan struct{}, 0, len(snapshot))
		for _, tr := range snapshot {
			done := make(chan struct{})
			dones = append(dones, done)
			go func(tr tracked) {
				defer close(done)
				m.dispatch(tr)
			}(tr)
		}
		for _, done := range dones {
			<-done
		}

		m.mu.Lock()
		if len(m.pending) > 0 {
			m.mu.Unlock()
			continue
		}
		fireComplete := false
		if m.pool.Size() == 0 {
			m.mode = ModeNotStarted
			fireComplete = m.waitQueue.Size() == 0 && m.fileQueue.Size() > 0
		}
		m.watching = false
		m.mu.Unlock()

		if fireComplete {
			log.Info().Msg("upload batch complete")
			m.emitter.Emit(EventUploadComplete, Event{})
		}
		return
	}
}

// dispatch waits for one completion and applies the conclusion table:
//
//	100            removed from the wait queue if a stop raced it there
//	102            re-queued with priority, surfaced as an Error event
//	101, 104, 105  re-queued with priority, silently
//	106, 107       resubmitted straight into the pool
//	anything else  left alone
//
// Every retry path checks the deleted mark first, so a removed file never
// comes back. A rejected completion only surfaces the failure; the dead task
// keeps its pool slot until removed.
func (m *Manager) dispatch(tr tracked) {
	code, err := tr.comp.Result()
	id := tr.task.ID()

	if err != nil {
		m.mu.Lock()
		var data FileData
		if rec := m.records[id]; rec != nil && rec.data != nil {
			data = *rec.data
		}
		m.mu.Unlock()
		m.emitError(id, data, asError(err, data))
		return
	}

	m.mu.Lock()
	rec := m.records[id]
	deleted := rec == nil || rec.deleted
	var data FileData
	if rec != nil && rec.data != nil {
		data = *rec.data
	}
	// A stopped task sits in the wait queue from the moment StopFile parked
	// it, so a resume can race this dispatch and move it back into the pool.
	// A pool member never goes back to the wait queue.
	_, pooled := m.pool.Find(id)
	emitQuota := false
	restart := false
	switch code {
	case StatusSucceed:
		m.waitQueue.Remove(id)
	case StatusQuotaExceeded:
		if !deleted && !pooled {
			m.requeueLocked(tr.task, true)
		}
		emitQuota = true
	case StatusInitFailed, StatusStopped, StatusSessionExpired:
		if !deleted && !pooled {
			m.requeueLocked(tr.task, true)
		}
	case StatusTokenExpired, StatusRetryable:
		if !deleted {
			m.submitLocked(tr.task)
			restart = m.mode == ModeNotStarted
		}
	}
	m.mu.Unlock()

	if code != StatusSucceed {
		log.Debug().Str("task_id", id).Int("code", code).Bool("deleted", deleted).Msg("task concluded without success")
	}
	if emitQuota {
		m.emitError(id, data, newError(StatusQuotaExceeded, "remote storage quota exhausted", data))
	}
	if restart {
		m.startWatch()
	}
}

// managerNotifier routes task-level activity into the per-file callbacks and
// the manager's event stream. It is handed to the factory so tasks never see
// the manager itself.
type managerNotifier struct {
	m *Manager
}

func (n managerNotifier) FileStarted(id string) {
	n.m.notifyFile(id, EventFileStarted, 0, nil)
}

func (n managerNotifier) FileStopped(id string) {
	n.m.notifyFile(id, EventFileStopped, 0, nil)
}

func (n managerNotifier) FileProgress(id string, progress float64) {
	n.m.notifyFile(id, EventFileProgress, progress, nil)
}

func (n managerNotifier) FileSucceed(id string) {
	n.m.notifyFile(id, EventFileSucceed, 0, nil)
}

func (n managerNotifier) FileFailed(id string, uploadErr *Error) {
	n.m.notifyFile(id, EventFileFailed, 0, uploadErr)
}

// notifyFile fans one per-file occurrence out to the file's own callbacks
// first, then to the manager-level subscribers. Handlers run outside the
// manager lock, so they are free to call back into the API.
func (m *Manager) notifyFile(id, name string, progress float64, uerr *Error) {
	m.mu.Lock()
	var data FileData
	var events FileEvents
	if rec := m.records[id]; rec != nil {
		if rec.data != nil {
			data = *rec.data
		}
		events = rec.events
	}
	m.mu.Unlock()

	ev := Event{TaskID: id, FileData: data, Progress: progress, Err: uerr}
	switch name {
	case EventFileStarted:
		if events.OnStarted != nil {
			events.OnStarted(ev)
		}
	case EventFileStopped:
		if events.OnStopped != nil {
			events.OnStopped(ev)
		}
	case EventFileProgress:
		if events.OnProgress != nil {
			events.OnProgress(ev)
		}
	case EventFileSucceed:
		if events.OnSucceed != nil {
			events.OnSucceed(ev)
		}
	case EventFileFailed:
		if events.OnFailed != nil {
			events.OnFailed(ev)
		}
	}
	m.emitter.Emit(name, ev)
}
