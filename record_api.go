package haywatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// RecordApi is the REST-backed adapter for the record server: the
// watch endpoints consumed by ApiSubject plus the read and defs calls
// the tooling uses.
type RecordApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	fetch  FetchFunction

	defsLock sync.Mutex
	defsLoad *defsLoad
	defs     []Dict
}

func NewRecordApi(apiUrl string) *RecordApi {
	return NewRecordApiWithContext(context.Background(), apiUrl, NewTokenFetchWithDefaults().Fetch)
}

func NewRecordApiWithContext(ctx context.Context, apiUrl string, fetch FetchFunction) *RecordApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RecordApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		fetch:  fetch,
	}
}

func (self *RecordApi) Close() {
	self.cancel()
}

// WatchApis

func (self *RecordApi) WatchOpen(ctx context.Context, ids []string, display string, lease time.Duration) (*WatchOpenResult, error) {
	args := Dict{
		"watchDis": display,
		"lease":    lease.Seconds(),
		"ids":      ids,
	}
	grid, err := FetchGrid(ctx, self.fetch, fmt.Sprintf("%s/watchSub", self.apiUrl), args)
	if err != nil {
		return nil, err
	}
	watchId, _ := grid.Meta["watchId"].(string)
	if watchId == "" {
		return nil, fmt.Errorf("watchSub response missing watchId")
	}
	return &WatchOpenResult{
		WatchId: watchId,
		Records: grid.Rows,
	}, nil
}

func (self *RecordApi) WatchAdd(ctx context.Context, watchId string, ids []string) ([]Dict, error) {
	args := Dict{
		"watchId": watchId,
		"ids":     ids,
	}
	grid, err := FetchGrid(ctx, self.fetch, fmt.Sprintf("%s/watchSub", self.apiUrl), args)
	if err != nil {
		return nil, err
	}
	return grid.Rows, nil
}

func (self *RecordApi) WatchPoll(ctx context.Context, watchId string) ([]Dict, error) {
	args := Dict{
		"watchId": watchId,
	}
	grid, err := FetchGrid(ctx, self.fetch, fmt.Sprintf("%s/watchPoll", self.apiUrl), args)
	if err != nil {
		return nil, err
	}
	return grid.Rows, nil
}

func (self *RecordApi) WatchRefresh(ctx context.Context, watchId string) ([]Dict, error) {
	args := Dict{
		"watchId": watchId,
		"refresh": true,
	}
	grid, err := FetchGrid(ctx, self.fetch, fmt.Sprintf("%s/watchPoll", self.apiUrl), args)
	if err != nil {
		return nil, err
	}
	return grid.Rows, nil
}

func (self *RecordApi) WatchRemove(ctx context.Context, watchId string, ids []string) error {
	args := Dict{
		"watchId": watchId,
		"ids":     ids,
	}
	_, err := FetchGrid(ctx, self.fetch, fmt.Sprintf("%s/watchUnsub", self.apiUrl), args)
	return err
}

func (self *RecordApi) WatchClose(ctx context.Context, watchId string) error {
	args := Dict{
		"watchId": watchId,
		"close":   true,
	}
	_, err := FetchGrid(ctx, self.fetch, fmt.Sprintf("%s/watchUnsub", self.apiUrl), args)
	return err
}

// reads

type ReadByIdsCallback apiCallback[[]Dict]

func (self *RecordApi) ReadByIds(readByIds []string, callback ReadByIdsCallback) {
	go self.ReadByIdsSync(readByIds, callback)
}

func (self *RecordApi) ReadByIdsSync(readByIds []string, callback ReadByIdsCallback) ([]Dict, error) {
	if callback == nil {
		callback = NewNoopApiCallback[[]Dict]()
	}
	args := Dict{
		"ids": readByIds,
	}
	grid, err := FetchGrid(self.ctx, self.fetch, fmt.Sprintf("%s/read", self.apiUrl), args)
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	callback.Result(grid.Rows, nil)
	return grid.Rows, nil
}

// defs

type defsLoad struct {
	done chan struct{}
	defs []Dict
	err  error
}

// LoadDefs loads the server's def namespace once. Concurrent callers
// share a single in-flight call, and a failed attempt does not poison
// future retries.
func (self *RecordApi) LoadDefs(ctx context.Context) ([]Dict, error) {
	self.defsLock.Lock()
	if self.defs != nil {
		defs := self.defs
		self.defsLock.Unlock()
		return defs, nil
	}
	load := self.defsLoad
	if load == nil {
		load = &defsLoad{
			done: make(chan struct{}),
		}
		self.defsLoad = load
		go self.loadDefs(load)
	}
	self.defsLock.Unlock()

	select {
	case <-load.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return load.defs, load.err
}

func (self *RecordApi) loadDefs(load *defsLoad) {
	defer close(load.done)

	grid, err := FetchGrid(self.ctx, self.fetch, fmt.Sprintf("%s/defs", self.apiUrl), nil)

	self.defsLock.Lock()
	defer self.defsLock.Unlock()
	self.defsLoad = nil
	if err != nil {
		load.err = err
		return
	}
	load.defs = grid.Rows
	self.defs = grid.Rows
}
