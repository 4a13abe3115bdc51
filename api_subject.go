package haywatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

func DefaultSubjectSettings() *SubjectSettings {
	return &SubjectSettings{
		PollInterval:  5 * time.Second,
		LingerTimeout: 10 * time.Second,
		Lease:         1 * time.Minute,
	}
}

type SubjectSettings struct {
	// default poll interval, used while no watch requests a faster rate
	PollInterval time.Duration
	// grace period before closing a server watch with no remaining ids
	LingerTimeout time.Duration
	// lease duration advertised when opening a watch
	Lease time.Duration
}

// dictCount pairs a cached row with its reference count.
// count >= 1 while the id is present. the row and the count entry are
// removed together when the count reaches zero.
type dictCount struct {
	dict  Dict
	count int
}

// ApiSubject owns the authoritative local snapshot and the server
// watch lifecycle. Every state-mutating operation (open/add/remove/
// poll/refresh/close) funnels through a single FIFO task mutex, so
// check-then-act sequences are atomic with respect to each other.
type ApiSubject struct {
	ctx    context.Context
	cancel context.CancelFunc

	apis     WatchApis
	display  string
	settings *SubjectSettings

	taskMutex *Mutex

	stateLock   sync.Mutex
	watchId     string
	grid        map[string]*dictCount
	pollRate    time.Duration
	pollTimer   *time.Timer
	lingerTimer *time.Timer

	changedCallbacks *CallbackList[ChangedFunction]
}

func NewApiSubjectWithDefaults(ctx context.Context, apis WatchApis, display string) *ApiSubject {
	return NewApiSubject(ctx, apis, display, DefaultSubjectSettings())
}

func NewApiSubject(ctx context.Context, apis WatchApis, display string, settings *SubjectSettings) *ApiSubject {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ApiSubject{
		ctx:              cancelCtx,
		cancel:           cancel,
		apis:             apis,
		display:          display,
		settings:         settings,
		taskMutex:        NewMutex(),
		grid:             map[string]*dictCount{},
		changedCallbacks: NewCallbackList[ChangedFunction](),
	}
}

func (self *ApiSubject) Display() string {
	return self.display
}

func (self *ApiSubject) PollRate() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pollRate <= 0 {
		return self.settings.PollInterval
	}
	return self.pollRate
}

func (self *ApiSubject) SetPollRate(pollRate time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pollRate == pollRate {
		return
	}
	self.pollRate = pollRate
	if self.watchId != "" {
		self.restartPollLocked()
	}
}

func (self *ApiSubject) AddChangedCallback(callback ChangedFunction) func() {
	callbackId := self.changedCallbacks.Add(callback)
	return func() {
		self.changedCallbacks.Remove(callbackId)
	}
}

func (self *ApiSubject) Get(id string) (Dict, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if dc, ok := self.grid[id]; ok {
		return dc.dict, true
	}
	return nil, false
}

func (self *ApiSubject) Inspect() []Dict {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	records := []Dict{}
	for _, dc := range self.grid {
		records = append(records, dc.dict.Copy())
	}
	return records
}

// RefCount is the current reference count for the id, 0 if absent.
func (self *ApiSubject) RefCount(id string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if dc, ok := self.grid[id]; ok {
		return dc.count
	}
	return 0
}

func (self *ApiSubject) WatchId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.watchId
}

func (self *ApiSubject) Add(ctx context.Context, ids []string) error {
	return <-self.taskMutex.RunSequential(func() error {
		return self.addTask(ctx, ids)
	})
}

func (self *ApiSubject) addTask(ctx context.Context, ids []string) error {
	self.cancelLinger()

	self.stateLock.Lock()
	open := self.watchId != ""
	self.stateLock.Unlock()

	if !open {
		if err := self.openTask(ctx, ids); err != nil {
			return err
		}
		self.checkLinger()
		return nil
	}

	// already open. new ids are added server-side while cached ids just
	// get their reference count incremented
	newIds := []string{}
	newCounts := map[string]int{}
	self.stateLock.Lock()
	for _, id := range ids {
		if dc, ok := self.grid[id]; ok {
			dc.count += 1
		} else {
			if newCounts[id] == 0 {
				newIds = append(newIds, id)
			}
			newCounts[id] += 1
		}
	}
	watchId := self.watchId
	self.stateLock.Unlock()

	if 0 < len(newIds) {
		records, err := self.apis.WatchAdd(ctx, watchId, newIds)
		if err != nil {
			return err
		}
		self.stateLock.Lock()
		for _, record := range records {
			id := record.Id()
			if id == "" {
				continue
			}
			if _, ok := self.grid[id]; !ok {
				self.grid[id] = &dictCount{
					dict:  record,
					count: newCounts[id],
				}
			}
		}
		self.stateLock.Unlock()
	}
	return nil
}

// must be called from a task
func (self *ApiSubject) openTask(ctx context.Context, ids []string) error {
	// initial reference counts come from duplicate occurrences
	counts := map[string]int{}
	order := []string{}
	for _, id := range ids {
		if counts[id] == 0 {
			order = append(order, id)
		}
		counts[id] += 1
	}

	result, err := self.apis.WatchOpen(ctx, order, self.display, self.settings.Lease)
	if err != nil {
		return err
	}

	grid := map[string]*dictCount{}
	for _, record := range result.Records {
		id := record.Id()
		if id == "" {
			continue
		}
		if _, ok := grid[id]; ok {
			// at most one row per id
			continue
		}
		grid[id] = &dictCount{
			dict:  record,
			count: counts[id],
		}
	}

	self.stateLock.Lock()
	self.watchId = result.WatchId
	self.grid = grid
	self.restartPollLocked()
	self.stateLock.Unlock()

	glog.V(2).Infof("[subject]open %s watch=%s n=%d\n", self.display, result.WatchId, len(grid))
	return nil
}

func (self *ApiSubject) Remove(ctx context.Context, ids []string) error {
	return <-self.taskMutex.RunSequential(func() error {
		return self.removeTask(ctx, ids)
	})
}

func (self *ApiSubject) removeTask(ctx context.Context, ids []string) error {
	// only ids newly vacated are sent server-side
	removedIds := []string{}
	self.stateLock.Lock()
	for _, id := range ids {
		dc, ok := self.grid[id]
		if !ok {
			continue
		}
		dc.count -= 1
		if dc.count <= 0 {
			delete(self.grid, id)
			removedIds = append(removedIds, id)
		}
	}
	watchId := self.watchId
	empty := len(self.grid) == 0
	self.stateLock.Unlock()

	var removeErr error
	if 0 < len(removedIds) && watchId != "" {
		removeErr = self.apis.WatchRemove(ctx, watchId, removedIds)
	}
	if empty {
		self.checkLinger()
	}
	return removeErr
}

func (self *ApiSubject) Poll(ctx context.Context) error {
	return <-self.taskMutex.RunSequential(func() error {
		return self.pollTask(ctx)
	})
}

func (self *ApiSubject) pollTask(ctx context.Context) error {
	self.stateLock.Lock()
	watchId := self.watchId
	self.stateLock.Unlock()
	if watchId == "" {
		// no server watch
		return nil
	}

	records, err := self.apis.WatchPoll(ctx, watchId)
	if err != nil {
		var gridErr *GridError
		if errors.As(err, &gridErr) {
			// the server rejected or lost the watch
			glog.V(1).Infof("[subject]poll grid err, reopen: %s\n", gridErr)
			return self.reopenTask(ctx)
		}
		return err
	}

	changed := map[string]*DictChanged{}
	self.stateLock.Lock()
	for _, record := range records {
		id := record.Id()
		dc, ok := self.grid[id]
		if !ok {
			continue
		}
		if diff := DiffDicts(dc.dict, record); diff != nil {
			changed[id] = diff
		}
		dc.dict = record
	}
	self.restartPollLocked()
	self.stateLock.Unlock()

	if 0 < len(changed) {
		self.fireChanged(&WatchChangedEvent{Changed: changed})
	}
	return nil
}

func (self *ApiSubject) Refresh(ctx context.Context) error {
	return <-self.taskMutex.RunSequential(func() error {
		return self.refreshTask(ctx)
	})
}

func (self *ApiSubject) refreshTask(ctx context.Context) error {
	self.stateLock.Lock()
	watchId := self.watchId
	self.stateLock.Unlock()
	if watchId == "" {
		return nil
	}

	records, err := self.apis.WatchRefresh(ctx, watchId)
	if err != nil {
		var gridErr *GridError
		if errors.As(err, &gridErr) {
			glog.V(1).Infof("[subject]refresh grid err, reopen: %s\n", gridErr)
			return self.reopenTask(ctx)
		}
		return err
	}

	// replace the snapshot wholesale instead of diffing
	self.stateLock.Lock()
	for _, record := range records {
		if dc, ok := self.grid[record.Id()]; ok {
			dc.dict = record
		}
	}
	self.restartPollLocked()
	self.stateLock.Unlock()
	return nil
}

// reopenTask closes the server watch ignoring errors and reopens with
// the previously cached id set. Reference counts are preserved.
// must be called from a task
func (self *ApiSubject) reopenTask(ctx context.Context) error {
	self.stateLock.Lock()
	watchId := self.watchId
	ids := maps.Keys(self.grid)
	self.stateLock.Unlock()

	if watchId != "" {
		if err := self.apis.WatchClose(ctx, watchId); err != nil {
			glog.V(1).Infof("[subject]reopen close err = %s\n", err)
		}
	}

	result, err := self.apis.WatchOpen(ctx, ids, self.display, self.settings.Lease)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.watchId = result.WatchId
	for _, record := range result.Records {
		if dc, ok := self.grid[record.Id()]; ok {
			dc.dict = record
		}
	}
	self.restartPollLocked()
	self.stateLock.Unlock()

	glog.V(2).Infof("[subject]reopen %s watch=%s n=%d\n", self.display, result.WatchId, len(ids))
	return nil
}

// CheckClose closes the server watch only if the snapshot is currently
// empty. Idempotent, safe to invoke from the linger timer and from an
// explicit call.
func (self *ApiSubject) CheckClose(ctx context.Context) error {
	return <-self.taskMutex.RunSequential(func() error {
		return self.checkCloseTask(ctx, false)
	})
}

// Close force-closes the server watch regardless of remaining ids.
func (self *ApiSubject) Close(ctx context.Context) error {
	err := <-self.taskMutex.RunSequential(func() error {
		return self.checkCloseTask(ctx, true)
	})
	self.cancel()
	return err
}

// must be called from a task
func (self *ApiSubject) checkCloseTask(ctx context.Context, force bool) error {
	self.stateLock.Lock()
	watchId := self.watchId
	empty := len(self.grid) == 0
	if watchId == "" || (!empty && !force) {
		self.stateLock.Unlock()
		return nil
	}
	self.watchId = ""
	self.grid = map[string]*dictCount{}
	self.stopPollLocked()
	self.stateLock.Unlock()
	self.cancelLinger()

	glog.V(2).Infof("[subject]close %s watch=%s\n", self.display, watchId)
	return self.apis.WatchClose(ctx, watchId)
}

func (self *ApiSubject) fireChanged(event *WatchChangedEvent) {
	for _, callback := range self.changedCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Warningf("[subject]changed callback panic = %v\n", r)
				}
			}()
			callback(event)
		}()
	}
}

// (re)starts the linger timer if the watch is open with an empty snapshot
func (self *ApiSubject) checkLinger() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.watchId == "" || 0 < len(self.grid) {
		return
	}
	if self.lingerTimer != nil {
		self.lingerTimer.Stop()
	}
	self.lingerTimer = time.AfterFunc(self.settings.LingerTimeout, func() {
		if err := self.CheckClose(self.ctx); err != nil {
			glog.V(1).Infof("[subject]linger close err = %s\n", err)
		}
	})
}

func (self *ApiSubject) cancelLinger() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.lingerTimer != nil {
		self.lingerTimer.Stop()
		self.lingerTimer = nil
	}
}

// must be called with `stateLock`
func (self *ApiSubject) restartPollLocked() {
	if self.pollTimer != nil {
		self.pollTimer.Stop()
	}
	pollRate := self.pollRate
	if pollRate <= 0 {
		pollRate = self.settings.PollInterval
	}
	self.pollTimer = time.AfterFunc(pollRate, func() {
		if err := self.Poll(self.ctx); err != nil {
			// transport errors surface here. keep the poll loop alive,
			// the next poll reconciles
			glog.V(1).Infof("[subject]poll err = %s\n", err)
			self.stateLock.Lock()
			if self.watchId != "" {
				self.restartPollLocked()
			}
			self.stateLock.Unlock()
		}
	})
}

// must be called with `stateLock`
func (self *ApiSubject) stopPollLocked() {
	if self.pollTimer != nil {
		self.pollTimer.Stop()
		self.pollTimer = nil
	}
}
