// Package weft is a capability-mediated pipeline platform for
// heterogeneous packet-processing devices.
//
// A pipeline is a sequence of stages (compute kernels, network links,
// software functions and remote proxies), each backed by a node bound
// to a device. Every operation on a node is gated by a capability:
// an unforgeable grant carrying a permission set, a scope and optional
// resource and thread bindings, organized in a delegation tree with
// recursive revocation.
//
// # Layers
//
// Device and data plane:
//   - device: the device abstraction and an in-memory simulated device
//   - node: node variants (compute, network, software, remote proxy),
//     link resilience and the replay-protected delegation token codec
//   - vlan: 12-bit route tags, device identities and the route registry
//   - capability: the permission bitset and the delegation tree
//
// Per-pipeline control:
//   - registry: per-pipeline resource registry: node and buffer
//     creation, capability minting, enforcement limits, fail-open stall
//   - executor: graph execution with transfer-descriptor planning and
//     bounded completion polling
//
// Multi-device control plane:
//   - orchestrator: pipeline partitioning across workers, two-phase
//     link establishment, execution and teardown
//   - rpcnats: the NATS request/reply control protocol and client
//   - agent: the worker-side control service
//   - natsclient: control-plane connection management
//
// Ambient infrastructure:
//   - config: daemon configuration and YAML pipeline manifests
//   - errors: classified error handling
//   - metric: Prometheus metrics and the scrape/health server
//   - health: component health aggregation
//   - pkg/retry, pkg/worker: retry policies and the bounded run pool
//
// # Binary
//
// cmd/weftd runs a worker agent: it connects to NATS, answers control
// calls on its worker subject and executes deployed partitions against
// the local device.
package weft
