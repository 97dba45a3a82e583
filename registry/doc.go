// Package registry owns the nodes, buffers and capabilities of one
// pipeline instance.
//
// A registry is the sole factory for capability-protected resources.
// CreateNode and CreateBuffer mint a dedicated capability per resource,
// registered under the deterministic identifier CapabilityID(resource)
// and bound to it; consumers locate it with FindCapability. Each
// registry carries its own resource-enforcement engine (rate, memory
// and thread accounting) so independently created registries never
// share state.
//
// A stalled registry is terminal: ReleaseResources frees buffer memory
// through the owning nodes, revokes every non-root capability and
// leaves only the root in place. The pipeline must then be re-created.
package registry
