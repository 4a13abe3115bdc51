package haywatch

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
// the zero value is not usable, use `NewCallbackList`
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   []T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbacks := slices.Clone(self.callbacks)
	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbackIds = []int{}
	self.callbacks = []T{}
}
