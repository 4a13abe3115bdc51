package haywatch

import (
	"context"
	"time"
)

// WatchChangedEvent aggregates the per-id diffs of one poll.
type WatchChangedEvent struct {
	Changed map[string]*DictChanged
}

func (self *WatchChangedEvent) Ids() []string {
	ids := []string{}
	for id := range self.Changed {
		ids = append(ids, id)
	}
	return ids
}

type ChangedFunction func(event *WatchChangedEvent)

// Subject is the thing being watched: a reference-counted, pollable
// remote state. Implemented by ApiSubject and decorated by BatchSubject.
type Subject interface {
	Display() string

	PollRate() time.Duration
	// a rate <= 0 falls back to the configured default
	SetPollRate(pollRate time.Duration)

	// Add opens or extends the server watch. Duplicate ids increment
	// the reference count of the cached row.
	Add(ctx context.Context, ids []string) error

	// Remove decrements reference counts. Ids that reach zero are
	// removed from the snapshot and unsubscribed server-side.
	Remove(ctx context.Context, ids []string) error

	// Refresh replaces the entire snapshot from the server.
	Refresh(ctx context.Context) error

	// AddChangedCallback registers a listener for poll diffs.
	// The returned function unregisters it.
	AddChangedCallback(callback ChangedFunction) func()

	// Get is a synchronous cache lookup.
	Get(id string) (Dict, bool)

	// Inspect returns a copy of all cached rows.
	Inspect() []Dict
}

type WatchOpenResult struct {
	WatchId string
	Records []Dict
}

// WatchApis is the network port consumed by ApiSubject, implemented by
// a REST or RPC backed adapter. Mutating calls may fail with a
// transport error (propagated) or a *GridError (the subject recovers
// by reopening).
type WatchApis interface {
	WatchOpen(ctx context.Context, ids []string, display string, lease time.Duration) (*WatchOpenResult, error)
	WatchAdd(ctx context.Context, watchId string, ids []string) ([]Dict, error)
	// WatchPoll returns only rows changed since the last poll
	WatchPoll(ctx context.Context, watchId string) ([]Dict, error)
	// WatchRefresh returns the full current state of all watched rows
	WatchRefresh(ctx context.Context, watchId string) ([]Dict, error)
	WatchRemove(ctx context.Context, watchId string, ids []string) error
	WatchClose(ctx context.Context, watchId string) error
}
