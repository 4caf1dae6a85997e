// Package vnode supervises the consumer of a single shard queue.
//
// A Supervisor binds the queue vnode_<n> to the shared topic exchange with the
// key *.vnode_<n>, consumes it with per-message acknowledgement and
// periodically asks the broker how many consumers the queue has. When the
// broker reports more than one, the supervisor assumes another process owns
// the shard too and stops itself. There is no election: every duplicate that
// observes the overlap on its own audit tick stops, so a shard may be left
// unconsumed until the orchestrator reassigns it. Duplicate consumption is
// bounded by roughly one audit interval.
//
// State moves Unbound -> Active -> Stopped and never leaves Stopped.
package vnode
