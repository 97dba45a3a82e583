// Package orchestrator splits one logical pipeline across physical
// workers and drives its remote lifecycle.
//
// Splitting cuts the stage sequence at cross-device link stages; the
// link stage appears in both adjacent partitions as their shared
// rendezvous point. Each partition is serialized into a deployment
// descriptor and shipped through the RPC collaborator. Cross-device
// links come up in a strict two-phase order: the inbound side prepares
// its receive endpoint first, and only then does the outbound side
// connect to it.
package orchestrator
