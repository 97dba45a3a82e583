package vlan

import "fmt"

// Bit widths of the identity components.
const (
	NodeBits     = 2
	InstanceBits = 4

	MaxNode     = 1<<NodeBits - 1     // 3
	MaxInstance = 1<<InstanceBits - 1 // 15

	combinedBits = NodeBits + InstanceBits
	combinedMask = 1<<combinedBits - 1
)

// Identity names one traffic endpoint: a physical node and an
// accelerator instance on it. The zero value is External.
type Identity struct {
	Node     uint8
	Instance uint8
}

// External is the reserved identity for traffic entering or leaving the
// fabric from the outside network. Ingress from External bypasses the
// route allow-list.
var External = Identity{}

// Valid reports whether both components fit their bit widths.
func (id Identity) Valid() bool {
	return id.Node <= MaxNode && id.Instance <= MaxInstance
}

// IsExternal reports whether this is the reserved external identity.
func (id Identity) IsExternal() bool {
	return id == External
}

// Combined packs the identity into its 6-bit wire form, node in the
// high bits.
func (id Identity) Combined() uint8 {
	return id.Node<<InstanceBits | id.Instance&MaxInstance
}

// IdentityFromCombined unpacks a 6-bit wire value. High bits beyond the
// identity width are discarded.
func IdentityFromCombined(v uint8) Identity {
	v &= combinedMask
	return Identity{
		Node:     v >> InstanceBits,
		Instance: v & MaxInstance,
	}
}

// String renders the identity as node.instance, or "external" for the
// reserved identity.
func (id Identity) String() string {
	if id.IsExternal() {
		return "external"
	}
	return fmt.Sprintf("%d.%d", id.Node, id.Instance)
}
