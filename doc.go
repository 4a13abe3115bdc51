// Package haywatch synchronizes a local view of remote records with a
// record server using a polling watch protocol over point-to-point
// request/response calls.
//
// A Subject owns the authoritative local snapshot and the server watch
// lifecycle. ApiSubject is the server-backed implementation; BatchSubject
// decorates any Subject and coalesces near-simultaneous add/remove calls
// from many callers into single round trips. A Watch multiplexes many
// logical subscriptions over one shared Subject, tracks per-watch
// interest, and dispatches filtered change events to its callers.
//
//	service := haywatch.NewWatchServiceWithDefaults(ctx, api, "my app")
//	watch, err := service.Watch(ctx, "equip monitor", ids)
//	unsub := watch.AddChangedCallback(func(event *haywatch.WatchChangedEvent) {
//		// ...
//	})
//	defer watch.Close(ctx)
//
// The watch does not guarantee exactly-once delivery of changes. It
// guarantees eventual, deduplicated convergence of the local snapshot
// toward server state via periodic polling and idempotent reconciliation.
//
// Logging convention in the `haywatch` package:
// Warning:
//   - recovered listener callback panics
//
// V(1):
//   - abnormal events that the subsystem recovers from on its own,
//     e.g. a grid error on poll that triggers a reopen
//
// V(2):
//   - key lifecycle events with ids that can be used to filter,
//     e.g. watch open/close, token acquisition, batch flushes
package haywatch
