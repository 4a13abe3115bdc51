package haywatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type WatchAddedEvent struct {
	Ids []string
}

type WatchRemovedEvent struct {
	Ids []string
}

type WatchRefreshedEvent struct{}

type WatchClosedEvent struct{}

type AddedFunction func(event *WatchAddedEvent)
type RemovedFunction func(event *WatchRemovedEvent)
type RefreshedFunction func(event *WatchRefreshedEvent)
type ClosedFunction func(event *WatchClosedEvent)

// process-wide registry of open watches
// deliberately shared across all subjects in one process
var openWatchesLock sync.Mutex
var openWatches = map[string]*Watch{}

func OpenWatches() []*Watch {
	openWatchesLock.Lock()
	defer openWatchesLock.Unlock()
	return maps.Values(openWatches)
}

// test hook
func clearOpenWatches() {
	openWatchesLock.Lock()
	defer openWatchesLock.Unlock()
	openWatches = map[string]*Watch{}
}

// ChangedFilter builds a derived changed listener that restricts the
// diff to the named fields and evaluates a condition against the
// current row before letting the event through.
type ChangedFilter struct {
	// empty means all fields
	Interests []string
	// nil means no condition
	Condition func(dict Dict) bool
	Callback  ChangedFunction
}

// Watch is a named, closable handle that subscribes to a subset of ids
// on a shared Subject. It holds private copies of the rows it tracks,
// so concurrent watches never observe each other's field mutations.
type Watch struct {
	id      string
	display string
	subject Subject

	stateLock    sync.Mutex
	grid         map[string]Dict
	pollRate     time.Duration
	closed       bool
	subjectUnsub func()

	addedCallbacks     *CallbackList[AddedFunction]
	removedCallbacks   *CallbackList[RemovedFunction]
	changedCallbacks   *CallbackList[ChangedFunction]
	refreshedCallbacks *CallbackList[RefreshedFunction]
	closedCallbacks    *CallbackList[ClosedFunction]
}

// OpenWatch creates a watch over the ids, registers it in the
// process-wide registry, and subscribes it to the subject's changes.
// The owner must eventually call Close, otherwise the ids stay
// referenced in the shared subject indefinitely.
func OpenWatch(ctx context.Context, subject Subject, display string, ids []string) (*Watch, error) {
	watch := &Watch{
		id:                 ulid.Make().String(),
		display:            display,
		subject:            subject,
		grid:               map[string]Dict{},
		addedCallbacks:     NewCallbackList[AddedFunction](),
		removedCallbacks:   NewCallbackList[RemovedFunction](),
		changedCallbacks:   NewCallbackList[ChangedFunction](),
		refreshedCallbacks: NewCallbackList[RefreshedFunction](),
		closedCallbacks:    NewCallbackList[ClosedFunction](),
	}
	watch.subjectUnsub = subject.AddChangedCallback(watch.subjectChanged)

	openWatchesLock.Lock()
	openWatches[watch.id] = watch
	openWatchesLock.Unlock()
	recomputePollRate(subject)

	if 0 < len(ids) {
		if err := watch.Add(ctx, ids); err != nil {
			watch.Close(ctx)
			return nil, err
		}
	}

	glog.V(2).Infof("[watch]open %s id=%s n=%d\n", display, watch.id, len(ids))
	return watch, nil
}

func (self *Watch) Id() string {
	return self.id
}

func (self *Watch) Display() string {
	return self.display
}

func (self *Watch) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

// Ids returns the ids this watch currently tracks.
func (self *Watch) Ids() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.grid)
}

// Get returns this watch's private copy of the row.
func (self *Watch) Get(id string) (Dict, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	dict, ok := self.grid[id]
	return dict, ok
}

// Add asks the subject to track the net-new ids. Fires an Added event
// with the ids actually added. Never fires if nothing is new.
func (self *Watch) Add(ctx context.Context, ids []string) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return fmt.Errorf("watch %s is closed", self.id)
	}
	newIds := []string{}
	for _, id := range ids {
		if _, ok := self.grid[id]; !ok && !slices.Contains(newIds, id) {
			newIds = append(newIds, id)
		}
	}
	self.stateLock.Unlock()

	if len(newIds) == 0 {
		return nil
	}
	if err := self.subject.Add(ctx, newIds); err != nil {
		return err
	}

	addedIds := []string{}
	self.stateLock.Lock()
	for _, id := range newIds {
		if dict, ok := self.subject.Get(id); ok {
			// copy, never alias
			self.grid[id] = dict.Copy()
			addedIds = append(addedIds, id)
		}
	}
	self.stateLock.Unlock()

	if 0 < len(addedIds) {
		self.fireAdded(&WatchAddedEvent{Ids: addedIds})
	}
	return nil
}

// Remove stops tracking the ids this watch actually tracks and fires a
// Removed event with them. Never fires if nothing was tracked.
func (self *Watch) Remove(ctx context.Context, ids []string) error {
	self.stateLock.Lock()
	removedIds := []string{}
	for _, id := range ids {
		if _, ok := self.grid[id]; ok {
			delete(self.grid, id)
			removedIds = append(removedIds, id)
		}
	}
	self.stateLock.Unlock()

	if len(removedIds) == 0 {
		return nil
	}
	if err := self.subject.Remove(ctx, removedIds); err != nil {
		return err
	}
	self.fireRemoved(&WatchRemovedEvent{Ids: removedIds})
	return nil
}

// Refresh asks the subject to refresh and rebuilds this watch's grid
// from the subject's current state for exactly the tracked ids.
func (self *Watch) Refresh(ctx context.Context) error {
	if err := self.subject.Refresh(ctx); err != nil {
		return err
	}

	self.stateLock.Lock()
	for id := range self.grid {
		if dict, ok := self.subject.Get(id); ok {
			self.grid[id] = dict.Copy()
		}
	}
	self.stateLock.Unlock()

	self.fireRefreshed(&WatchRefreshedEvent{})
	return nil
}

// Close removes all tracked ids from the subject, fires Closed, clears
// the local grid and all listeners, and unregisters the watch.
// Idempotent.
func (self *Watch) Close(ctx context.Context) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil
	}
	self.closed = true
	ids := maps.Keys(self.grid)
	self.grid = map[string]Dict{}
	self.stateLock.Unlock()

	self.subjectUnsub()

	var removeErr error
	if 0 < len(ids) {
		removeErr = self.subject.Remove(ctx, ids)
	}

	self.fireClosed(&WatchClosedEvent{})

	self.addedCallbacks.Clear()
	self.removedCallbacks.Clear()
	self.changedCallbacks.Clear()
	self.refreshedCallbacks.Clear()
	self.closedCallbacks.Clear()

	openWatchesLock.Lock()
	delete(openWatches, self.id)
	openWatchesLock.Unlock()
	recomputePollRate(self.subject)

	glog.V(2).Infof("[watch]close %s id=%s\n", self.display, self.id)
	return removeErr
}

// PollRate is this watch's desired rate, not the subject's effective
// rate. <= 0 means no preference.
func (self *Watch) PollRate() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pollRate
}

func (self *Watch) SetPollRate(pollRate time.Duration) {
	self.stateLock.Lock()
	self.pollRate = pollRate
	self.stateLock.Unlock()
	recomputePollRate(self.subject)
}

// the subject's effective rate is the minimum desired rate across all
// open watches on it. a computed minimum <= 0 falls back to the
// subject's default
func recomputePollRate(subject Subject) {
	openWatchesLock.Lock()
	minRate := time.Duration(0)
	for _, watch := range openWatches {
		if watch.subject != subject {
			continue
		}
		rate := watch.PollRate()
		if rate <= 0 {
			continue
		}
		if minRate <= 0 || rate < minRate {
			minRate = rate
		}
	}
	openWatchesLock.Unlock()

	subject.SetPollRate(minRate)
}

// ChangedFunction on the shared subject
func (self *Watch) subjectChanged(event *WatchChangedEvent) {
	// forward only tracked ids, patching the local grid first
	filtered := map[string]*DictChanged{}
	self.stateLock.Lock()
	for id, diff := range event.Changed {
		dict, ok := self.grid[id]
		if !ok {
			continue
		}
		current, _ := self.subject.Get(id)
		patchDict(dict, diff, current)
		filtered[id] = diff
	}
	self.stateLock.Unlock()

	if 0 < len(filtered) {
		self.fireChanged(&WatchChangedEvent{Changed: filtered})
	}
}

func (self *Watch) AddAddedCallback(callback AddedFunction) func() {
	callbackId := self.addedCallbacks.Add(callback)
	return func() {
		self.addedCallbacks.Remove(callbackId)
	}
}

func (self *Watch) AddRemovedCallback(callback RemovedFunction) func() {
	callbackId := self.removedCallbacks.Add(callback)
	return func() {
		self.removedCallbacks.Remove(callbackId)
	}
}

func (self *Watch) AddChangedCallback(callback ChangedFunction) func() {
	callbackId := self.changedCallbacks.Add(callback)
	return func() {
		self.changedCallbacks.Remove(callbackId)
	}
}

// AddChangedFilterCallback composes the filter into a changed listener
// and registers it. The returned function unregisters it.
func (self *Watch) AddChangedFilterCallback(filter *ChangedFilter) func() {
	callback := func(event *WatchChangedEvent) {
		changed := map[string]*DictChanged{}
		for id, diff := range event.Changed {
			if 0 < len(filter.Interests) {
				diff = diff.Restrict(filter.Interests)
				if diff == nil {
					continue
				}
			}
			if filter.Condition != nil {
				dict, ok := self.Get(id)
				if !ok || !filter.Condition(dict) {
					continue
				}
			}
			changed[id] = diff
		}
		if 0 < len(changed) {
			filter.Callback(&WatchChangedEvent{Changed: changed})
		}
	}
	return self.AddChangedCallback(callback)
}

func (self *Watch) AddRefreshedCallback(callback RefreshedFunction) func() {
	callbackId := self.refreshedCallbacks.Add(callback)
	return func() {
		self.refreshedCallbacks.Remove(callbackId)
	}
}

func (self *Watch) AddClosedCallback(callback ClosedFunction) func() {
	callbackId := self.closedCallbacks.Add(callback)
	return func() {
		self.closedCallbacks.Remove(callbackId)
	}
}

func (self *Watch) fireAdded(event *WatchAddedEvent) {
	for _, callback := range self.addedCallbacks.Get() {
		func() {
			defer recoverCallbackPanic("added")
			callback(event)
		}()
	}
}

func (self *Watch) fireRemoved(event *WatchRemovedEvent) {
	for _, callback := range self.removedCallbacks.Get() {
		func() {
			defer recoverCallbackPanic("removed")
			callback(event)
		}()
	}
}

func (self *Watch) fireChanged(event *WatchChangedEvent) {
	for _, callback := range self.changedCallbacks.Get() {
		func() {
			defer recoverCallbackPanic("changed")
			callback(event)
		}()
	}
}

func (self *Watch) fireRefreshed(event *WatchRefreshedEvent) {
	for _, callback := range self.refreshedCallbacks.Get() {
		func() {
			defer recoverCallbackPanic("refreshed")
			callback(event)
		}()
	}
}

func (self *Watch) fireClosed(event *WatchClosedEvent) {
	for _, callback := range self.closedCallbacks.Get() {
		func() {
			defer recoverCallbackPanic("closed")
			callback(event)
		}()
	}
}

func recoverCallbackPanic(tag string) {
	if r := recover(); r != nil {
		glog.Warningf("[watch]%s callback panic = %v\n", tag, r)
	}
}
