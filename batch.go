package haywatch

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultBatchLimit = 100

func DefaultBatchSettings() *BatchSettings {
	return &BatchSettings{
		// a zero window coalesces calls that arrive before the flush runs
		Window: 0,
		Limit:  DefaultBatchLimit,
	}
}

type BatchSettings struct {
	// calls buffered within one window execute together
	Window time.Duration
	// maximum args per batcher call. buffered args beyond the limit
	// are split into further chunks
	Limit int
}

// BatchResult is one element of a batcher's result array.
// Err set rejects only that invocation.
type BatchResult[R any] struct {
	Value R
	Err   error
}

// BatcherFunction receives one chunk of buffered args and must return
// exactly one result per arg. Returning an error rejects the whole chunk.
type BatcherFunction[A any, R any] func(args []A) ([]BatchResult[R], error)

// BatchProcessor coalesces independent calls into batched calls.
type BatchProcessor[A any, R any] struct {
	batcher  BatcherFunction[A, R]
	settings *BatchSettings

	stateLock sync.Mutex
	pending   []*batchItem[A, R]
	timer     *time.Timer
}

type batchItem[A any, R any] struct {
	arg    A
	result chan BatchResult[R]
}

func NewBatchProcessorWithDefaults[A any, R any](batcher BatcherFunction[A, R]) *BatchProcessor[A, R] {
	return NewBatchProcessor(batcher, DefaultBatchSettings())
}

func NewBatchProcessor[A any, R any](batcher BatcherFunction[A, R], settings *BatchSettings) *BatchProcessor[A, R] {
	return &BatchProcessor[A, R]{
		batcher:  batcher,
		settings: settings,
	}
}

// Invoke buffers the arg into the pending batch and blocks until the
// batch executes.
func (self *BatchProcessor[A, R]) Invoke(arg A) (R, error) {
	item := &batchItem[A, R]{
		arg:    arg,
		result: make(chan BatchResult[R], 1),
	}

	self.stateLock.Lock()
	self.pending = append(self.pending, item)
	if self.timer == nil {
		self.timer = time.AfterFunc(self.settings.Window, self.flush)
	}
	self.stateLock.Unlock()

	result := <-item.result
	return result.Value, result.Err
}

func (self *BatchProcessor[A, R]) flush() {
	self.stateLock.Lock()
	items := self.pending
	self.pending = nil
	self.timer = nil
	self.stateLock.Unlock()

	if len(items) == 0 {
		return
	}

	limit := self.settings.Limit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	glog.V(2).Infof("[batch]flush n=%d limit=%d\n", len(items), limit)

	for i := 0; i < len(items); i += limit {
		chunk := items[i:min(i+limit, len(items))]
		args := make([]A, len(chunk))
		for j, item := range chunk {
			args[j] = item.arg
		}

		results, err := self.batcher(args)
		if err != nil {
			for _, item := range chunk {
				item.result <- BatchResult[R]{Err: err}
			}
			continue
		}
		if len(results) != len(chunk) {
			// a batcher bug, not a transient condition
			sizeErr := &BatchSizeError{
				Expected: len(chunk),
				Actual:   len(results),
			}
			for _, item := range chunk {
				item.result <- BatchResult[R]{Err: sizeErr}
			}
			continue
		}
		for j, item := range chunk {
			item.result <- results[j]
		}
	}
}

// BatchIdsFunction receives the full merged id set of one window.
type BatchIdsFunction func(ids []string) error

// BatchIds coalesces calls over an accumulating de-duplicated id set.
// All callers contributing to one window share a single deferred result.
type BatchIds struct {
	method BatchIdsFunction
	window time.Duration

	stateLock  sync.Mutex
	pendingIds map[string]bool
	order      []string
	timer      *time.Timer
	deferred   *batchIdsDeferred
}

type batchIdsDeferred struct {
	done chan struct{}
	err  error
}

func NewBatchIdsWithDefaults(method BatchIdsFunction) *BatchIds {
	return NewBatchIds(method, DefaultBatchSettings().Window)
}

func NewBatchIds(method BatchIdsFunction, window time.Duration) *BatchIds {
	return &BatchIds{
		method:     method,
		window:     window,
		pendingIds: map[string]bool{},
	}
}

// Invoke merges the ids into the pending set, resets the window timer,
// and blocks until the accumulated call executes.
func (self *BatchIds) Invoke(ids []string) error {
	self.stateLock.Lock()
	if self.deferred == nil {
		self.deferred = &batchIdsDeferred{
			done: make(chan struct{}),
		}
	}
	deferred := self.deferred
	for _, id := range ids {
		if !self.pendingIds[id] {
			self.pendingIds[id] = true
			self.order = append(self.order, id)
		}
	}
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.window, self.flush)
	self.stateLock.Unlock()

	<-deferred.done
	return deferred.err
}

func (self *BatchIds) flush() {
	self.stateLock.Lock()
	ids := self.order
	deferred := self.deferred
	self.order = nil
	self.pendingIds = map[string]bool{}
	self.deferred = nil
	self.timer = nil
	self.stateLock.Unlock()

	if deferred == nil {
		return
	}

	glog.V(2).Infof("[batch]flush ids n=%d\n", len(ids))

	deferred.err = self.method(ids)
	close(deferred.done)
}
