package upload

// QueueItem is anything addressable by a stable id. Task satisfies it, and
// the pool tracks its own wrapper items through the same structure.
type QueueItem interface {
	ID() string
}

// Queue is an ordered, id-addressable registry. It does no locking of its
// own: Manager and Pool both use it under their mutexes.
type Queue[T QueueItem] struct {
	items []T
}

func NewQueue[T QueueItem]() *Queue[T] {
	return &Queue[T]{}
}

// Enqueue appends an item to the back of the queue.
func (q *Queue[T]) Enqueue(v T) {
	q.items = append(q.items, v)
}

// Unshift prepends an item, used for priority re-queueing.
func (q *Queue[T]) Unshift(v T) {
	q.items = append([]T{v}, q.items...)
}

// Size reports how many items are currently tracked.
func (q *Queue[T]) Size() int {
	return len(q.items)
}

// Find returns the item with the given id without mutating the queue.
func (q *Queue[T]) Find(id string) (T, bool) {
	for _, v := range q.items {
		if v.ID() == id {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Remove deletes and returns the item with the given id.
func (q *Queue[T]) Remove(id string) (T, bool) {
	for i, v := range q.items {
		if v.ID() == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Dequeue removes and returns the front item; ok is false when the queue is
// empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Clear drops every tracked item.
func (q *Queue[T]) Clear() {
	q.items = nil
}

// List returns an ordered snapshot of the queue contents.
func (q *Queue[T]) List() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}
