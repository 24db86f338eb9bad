// Package sync implements the bidirectional engine between the local graph
// store and the per-identity remote document store.
//
// Push drains the durable outbox and flushes pending task rows; pull applies
// remote task deltas under last-write-wins and reconciles full edge
// snapshots. The Coordinator schedules both: a debounced push after local
// mutations, a periodic pull, and a manual sync-now that runs push then pull.
// Only one pass runs at a time.
//
// Example:
//
//	pusher := sync.NewPusher(st, client, nil)
//	puller := sync.NewPuller(st, client, nil)
//	coord := sync.NewCoordinator(st, pusher, puller, authMgr, nil)
//	coord.Start()
//	defer coord.Stop()
//
//	st.SetObserver(func(task.Event) { coord.NotifyMutation() })
package sync
