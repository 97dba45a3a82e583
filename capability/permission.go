package capability

import "strings"

// Permission is a bitset of operations a capability grants on its resource.
type Permission uint32

// Permission bits. Delegation of PermDelegate itself additionally requires
// the delegating capability to hold PermTransitiveDelegate.
const (
	// PermRead grants read access to the bound resource
	PermRead Permission = 1 << iota
	// PermWrite grants write access to the bound resource
	PermWrite
	// PermExecute grants operation invocation on compute resources
	PermExecute
	// PermDelegate grants creation of child capabilities
	PermDelegate
	// PermTransitiveDelegate grants delegation of PermDelegate itself
	PermTransitiveDelegate
	// PermNetSend grants outbound transfers on network nodes
	PermNetSend
	// PermNetReceive grants inbound transfers on network nodes
	PermNetReceive
	// PermNetEstablish grants connection setup/teardown on network nodes
	PermNetEstablish
	// PermQoSModify grants changes to network QoS parameters
	PermQoSModify
	// PermSoftExecute grants invocation of host software callbacks
	PermSoftExecute
	// PermSoftMemory grants host memory accounting on software nodes
	PermSoftMemory
	// PermRemoteExecute grants lifecycle control of remote proxy nodes
	PermRemoteExecute
	// PermRemoteDelegate grants capability delegation across devices
	PermRemoteDelegate
	// PermRemoteTransfer grants data transfers through remote proxy nodes
	PermRemoteTransfer
)

// PermNone is the empty permission set; a capability holding it is revoked.
const PermNone Permission = 0

// PermAll is every defined permission bit.
const PermAll = PermRead | PermWrite | PermExecute | PermDelegate |
	PermTransitiveDelegate | PermNetSend | PermNetReceive | PermNetEstablish |
	PermQoSModify | PermSoftExecute | PermSoftMemory | PermRemoteExecute |
	PermRemoteDelegate | PermRemoteTransfer

var permissionNames = []struct {
	bit  Permission
	name string
}{
	{PermRead, "read"},
	{PermWrite, "write"},
	{PermExecute, "execute"},
	{PermDelegate, "delegate"},
	{PermTransitiveDelegate, "transitive_delegate"},
	{PermNetSend, "net_send"},
	{PermNetReceive, "net_receive"},
	{PermNetEstablish, "net_establish"},
	{PermQoSModify, "qos_modify"},
	{PermSoftExecute, "soft_execute"},
	{PermSoftMemory, "soft_memory"},
	{PermRemoteExecute, "remote_execute"},
	{PermRemoteDelegate, "remote_delegate"},
	{PermRemoteTransfer, "remote_transfer"},
}

// String returns a pipe-separated list of the set bits, or "none".
func (p Permission) String() string {
	if p == PermNone {
		return "none"
	}

	var names []string
	for _, pn := range permissionNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, "|")
}

// Subset reports whether every bit in p is also set in other.
func (p Permission) Subset(other Permission) bool {
	return p&other == p
}

// Scope is the coarse domain partition a capability is restricted to.
type Scope int

// Scopes. ScopeGlobal may delegate into any scope; every other scope may
// only delegate within itself.
const (
	ScopeLocal Scope = iota
	ScopeNetwork
	ScopeSoftware
	ScopeRemote
	ScopeGlobal
)

// String returns the string representation of the scope
func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeNetwork:
		return "network"
	case ScopeSoftware:
		return "software"
	case ScopeRemote:
		return "remote"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}
