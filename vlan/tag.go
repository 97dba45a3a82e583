package vlan

import "fmt"

// Tag is the 12-bit route tag carried with cross-device traffic:
// src-node(2b) | src-instance(4b) | dst-node(2b) | dst-instance(4b).
type Tag uint16

// TagBits is the width of a route tag on the wire.
const TagBits = 2 * combinedBits

// MaxTag is the largest encodable tag value.
const MaxTag Tag = 1<<TagBits - 1

// NoRoute is the sentinel returned when no allow-listed route exists to
// the requested destination. It is outside the 12-bit tag range and is
// never a valid wire value.
const NoRoute Tag = 0xFFFF

// Reserved trailer width of the routing-fabric route id.
const routeIDShift = 2

// EncodeTag packs a source and destination identity into a route tag.
func EncodeTag(src, dst Identity) Tag {
	return Tag(src.Combined())<<combinedBits | Tag(dst.Combined())
}

// Src decodes the source identity.
func (t Tag) Src() Identity {
	return IdentityFromCombined(uint8(t >> combinedBits))
}

// Dst decodes the destination identity.
func (t Tag) Dst() Identity {
	return IdentityFromCombined(uint8(t))
}

// Valid reports whether the value fits the 12-bit wire format. NoRoute
// is not valid.
func (t Tag) Valid() bool {
	return t <= MaxTag
}

// RouteID converts the tag to the 14-bit form used by the routing
// fabric, with the 2-bit reserved trailer zeroed.
func (t Tag) RouteID() uint16 {
	return uint16(t) << routeIDShift
}

// TagFromRouteID recovers the tag from a 14-bit fabric route id,
// discarding the reserved trailer.
func TagFromRouteID(id uint16) Tag {
	return Tag(id>>routeIDShift) & MaxTag
}

// String renders the tag as src->dst, or "no-route" for the sentinel.
func (t Tag) String() string {
	if t == NoRoute {
		return "no-route"
	}
	return fmt.Sprintf("%s->%s", t.Src(), t.Dst())
}
