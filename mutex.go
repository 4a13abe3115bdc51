package haywatch

import (
	"fmt"
	"sync"
)

// Mutex is a single-flight task sequencer. At most one task runs at a
// time and tasks run in submission order, regardless of how calls
// interleave. This is what makes check-then-act sequences over shared
// subject state atomic with respect to each other.
type Mutex struct {
	stateLock sync.Mutex
	tail      chan struct{}
	pending   int
}

func NewMutex() *Mutex {
	return &Mutex{}
}

// RunSequential enqueues the task and returns a channel that receives
// the task's error once it has run. Safe to call from within another
// task, which chains the new task behind the running one.
func (self *Mutex) RunSequential(task func() error) <-chan error {
	result := make(chan error, 1)

	self.stateLock.Lock()
	prev := self.tail
	next := make(chan struct{})
	self.tail = next
	self.pending += 1
	self.stateLock.Unlock()

	go func() {
		defer close(next)

		if prev != nil {
			<-prev
		}

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task panic: %v", r)
				}
			}()
			return task()
		}()
		result <- err

		self.stateLock.Lock()
		self.pending -= 1
		if self.tail == next {
			self.tail = nil
		}
		self.stateLock.Unlock()
	}()

	return result
}

// Wait blocks until the currently chained tasks complete.
// Task errors are swallowed. Used to catch up before reading state.
func (self *Mutex) Wait() {
	self.stateLock.Lock()
	tail := self.tail
	self.stateLock.Unlock()

	if tail != nil {
		<-tail
	}
}

func (self *Mutex) IsLocked() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < self.pending
}
