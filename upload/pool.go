package upload

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultLimit caps concurrently running uploads. The vendor platform
	// throttles beyond five parallel transfers, so limits outside [1, 5]
	// silently reset to it.
	DefaultLimit = 5
	maxLimit     = 5
)

// item pairs a queued task with the deferred result of this admission cycle.
type item struct {
	id   string
	task Task
	comp *Completion
}

func (it *item) ID() string { return it.id }

// Pool is the capacity-limited executor. Tasks wait in FIFO order for one of
// limit slots; a running task occupies its slot until its conclusion
// resolves or it is removed. A task that concludes by rejection keeps the
// slot occupied on purpose: freeing it is the remove path's job, so a
// half-dead task cannot silently leak capacity accounting.
type Pool struct {
	mu         sync.Mutex
	limit      int
	waiting    *Queue[*item]
	processing *Queue[*item]
}

// NewPool clamps limit the same way NewConfig does.
func NewPool(limit int) *Pool {
	if limit < 1 || limit > maxLimit {
		limit = DefaultLimit
	}
	return &Pool{
		limit:      limit,
		waiting:    NewQueue[*item](),
		processing: NewQueue[*item](),
	}
}

// Limit reports the admission cap.
func (p *Pool) Limit() int {
	return p.limit
}

// Size counts every task the pool tracks, waiting or running.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting.Size() + p.processing.Size()
}

// Running reports how many slots are occupied.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing.Size()
}

// Enqueue wraps the task with a fresh Completion, arms the task's
// termination listeners to settle it, and queues the task for admission. The
// listeners are armed before the task is queued, so a conclusion arriving at
// any point settles the returned Completion: even a task stopped before it
// ever ran cannot strand a waiter.
func (p *Pool) Enqueue(t Task) *Completion {
	it := &item{id: t.ID(), task: t, comp: newCompletion()}
	t.OnResolve(func(code int) {
		p.mu.Lock()
		p.processing.Remove(it.id)
		p.mu.Unlock()
		it.comp.resolve(code)
		p.check()
	})
	t.OnReject(func(err error) {
		it.comp.reject(err)
		p.check()
	})

	p.mu.Lock()
	p.waiting.Enqueue(it)
	p.mu.Unlock()
	p.check()
	return it.comp
}

// Dequeue removes and returns the next tracked task, draining running tasks
// before waiting ones.
func (p *Pool) Dequeue() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if it, ok := p.processing.Dequeue(); ok {
		return it.task, true
	}
	if it, ok := p.waiting.Dequeue(); ok {
		return it.task, true
	}
	return nil, false
}

// Find reports the tracked task with the given id, running tasks first.
func (p *Pool) Find(id string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if it, ok := p.processing.Find(id); ok {
		return it.task, true
	}
	if it, ok := p.waiting.Find(id); ok {
		return it.task, true
	}
	return nil, false
}

// Remove drops the task with the given id, searching running tasks first.
// Removing a running task frees its slot and re-runs admission.
func (p *Pool) Remove(id string) (Task, bool) {
	p.mu.Lock()
	if it, ok := p.processing.Remove(id); ok {
		p.mu.Unlock()
		p.check()
		return it.task, true
	}
	it, ok := p.waiting.Remove(id)
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return it.task, true
}

// check admits waiting tasks into free slots in FIFO order and starts them.
// Start is invoked outside the pool lock: a task concluding synchronously
// re-enters through its listeners.
func (p *Pool) check() {
	p.mu.Lock()
	var admitted []*item
	for p.processing.Size() < p.limit {
		it, ok := p.waiting.Dequeue()
		if !ok {
			break
		}
		p.processing.Enqueue(it)
		admitted = append(admitted, it)
	}
	p.mu.Unlock()

	for _, it := range admitted {
		log.Debug().Str("task_id", it.id).Msg("upload pool admitted task")
		it.task.Start()
	}
}
