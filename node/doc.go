// Package node implements the pipeline stage nodes: compute stages
// backed by an accelerator execution thread, network stages with a
// resilience policy over a pluggable transport, software stages running
// a bounded callback, and remote-proxy stages that delegate
// capabilities across devices under a replay-protected token protocol.
//
// All variants share one lifecycle, uninitialized → initialized →
// (connected) → shut down, and every public operation takes a
// capability and re-derives its permission check on the spot. A
// capability can be revoked or expire between two calls, so nothing
// here caches a previous check's outcome.
//
// Nodes are created by the registry package, which mints each node's
// dedicated capability and owns its teardown.
package node
