// Package capability implements the permission kernel that mediates every
// operation on every pipeline resource.
//
// A Capability is an unforgeable token naming a bounded set of permissions
// over one resource, restricted to a scope (local compute, network, host
// software, remote, or global). Capabilities form a tree: every non-root
// capability is created by delegation from its parent and holds a subset of
// the parent's permissions at the moment of delegation. Revoking a
// capability invalidates its entire subtree; an expired capability grants
// nothing regardless of its bitset.
//
// The tree is internally synchronized: one Tree guards all capabilities it
// owns with a single lock, revoked capabilities are marked dead and
// unlinked rather than freed while reachable, and all fallible operations
// return explicit errors. Consumers re-derive permission checks on every
// call; a capability can be revoked or expire between two calls, so no
// check result may be cached.
//
// Typical flow:
//
//	tree, err := capability.NewTree("dfg_root", capability.PermAll, capability.ScopeGlobal)
//	...
//	child, err := tree.Root().Delegate("node0_cap",
//	    capability.PermRead|capability.PermWrite, capability.ScopeLocal)
//	...
//	if !child.Has(capability.PermWrite) {
//	    // denied: expired, revoked, or never granted
//	}
package capability
