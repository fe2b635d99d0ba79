package upload

import "sync"

// Completion is the deferred outcome of one pool admission cycle. It settles
// exactly once and can be observed by any number of consumers: the
// aggregation watch and the per-task dispatcher both wait on the same value.
type Completion struct {
	once sync.Once
	done chan struct{}
	code int
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(code int) {
	c.once.Do(func() {
		c.code = code
		close(c.done)
	})
}

func (c *Completion) reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the completion settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result blocks until settlement and returns the conclusion code, or the
// error the task was rejected with.
func (c *Completion) Result() (int, error) {
	<-c.done
	return c.code, c.err
}
