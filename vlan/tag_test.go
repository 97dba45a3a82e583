package vlan

import "testing"

func TestTagRoundTrip(t *testing.T) {
	// Exhaustive over every valid identity pair.
	for srcNode := uint8(0); srcNode <= MaxNode; srcNode++ {
		for srcInst := uint8(0); srcInst <= MaxInstance; srcInst++ {
			for dstNode := uint8(0); dstNode <= MaxNode; dstNode++ {
				for dstInst := uint8(0); dstInst <= MaxInstance; dstInst++ {
					src := Identity{Node: srcNode, Instance: srcInst}
					dst := Identity{Node: dstNode, Instance: dstInst}

					tag := EncodeTag(src, dst)
					if !tag.Valid() {
						t.Fatalf("EncodeTag(%v, %v) = 0x%04x out of range", src, dst, uint16(tag))
					}
					if got := tag.Src(); got != src {
						t.Fatalf("tag 0x%03x Src() = %v, want %v", uint16(tag), got, src)
					}
					if got := tag.Dst(); got != dst {
						t.Fatalf("tag 0x%03x Dst() = %v, want %v", uint16(tag), got, dst)
					}
				}
			}
		}
	}
}

func TestTagLayout(t *testing.T) {
	// Wire layout is src-node(2b) | src-instance(4b) | dst-node(2b) |
	// dst-instance(4b), source in the high bits.
	src := Identity{Node: 0b10, Instance: 0b1010}
	dst := Identity{Node: 0b01, Instance: 0b0011}

	tag := EncodeTag(src, dst)
	if want := Tag(0b10_1010_01_0011); tag != want {
		t.Errorf("EncodeTag = 0b%012b, want 0b%012b", uint16(tag), uint16(want))
	}
}

func TestRouteIDTrailer(t *testing.T) {
	tag := EncodeTag(Identity{Node: 3, Instance: 15}, Identity{Node: 2, Instance: 1})

	id := tag.RouteID()
	if id&0b11 != 0 {
		t.Errorf("RouteID() = 0x%04x has nonzero reserved trailer", id)
	}
	if id>>2 != uint16(tag) {
		t.Errorf("RouteID() = 0x%04x does not carry tag 0x%03x", id, uint16(tag))
	}
	if got := TagFromRouteID(id); got != tag {
		t.Errorf("TagFromRouteID(0x%04x) = 0x%03x, want 0x%03x", id, uint16(got), uint16(tag))
	}

	// The trailer is discarded on the way back in.
	if got := TagFromRouteID(id | 0b11); got != tag {
		t.Errorf("TagFromRouteID with trailer set = 0x%03x, want 0x%03x", uint16(got), uint16(tag))
	}
}

func TestNoRouteSentinel(t *testing.T) {
	if NoRoute.Valid() {
		t.Error("NoRoute must not be a valid wire tag")
	}
	if got := NoRoute.String(); got != "no-route" {
		t.Errorf("NoRoute.String() = %q, want %q", got, "no-route")
	}
	// Every encodable tag is distinct from the sentinel.
	if max := EncodeTag(Identity{Node: 3, Instance: 15}, Identity{Node: 3, Instance: 15}); max == NoRoute {
		t.Error("maximum tag collides with NoRoute")
	}
}

func TestIdentityCombined(t *testing.T) {
	tests := []struct {
		id   Identity
		want uint8
	}{
		{Identity{}, 0},
		{Identity{Node: 0, Instance: 1}, 0b000001},
		{Identity{Node: 1, Instance: 0}, 0b010000},
		{Identity{Node: 3, Instance: 15}, 0b111111},
		{Identity{Node: 2, Instance: 5}, 0b100101},
	}

	for _, tt := range tests {
		if got := tt.id.Combined(); got != tt.want {
			t.Errorf("%v.Combined() = 0b%06b, want 0b%06b", tt.id, got, tt.want)
		}
		if got := IdentityFromCombined(tt.want); got != tt.id {
			t.Errorf("IdentityFromCombined(0b%06b) = %v, want %v", tt.want, got, tt.id)
		}
	}
}

func TestIdentityValid(t *testing.T) {
	tests := []struct {
		id    Identity
		valid bool
	}{
		{Identity{}, true},
		{Identity{Node: 3, Instance: 15}, true},
		{Identity{Node: 4, Instance: 0}, false},
		{Identity{Node: 0, Instance: 16}, false},
		{Identity{Node: 255, Instance: 255}, false},
	}

	for _, tt := range tests {
		if got := tt.id.Valid(); got != tt.valid {
			t.Errorf("{%d,%d}.Valid() = %v, want %v", tt.id.Node, tt.id.Instance, got, tt.valid)
		}
	}
}

func TestIdentityString(t *testing.T) {
	if got := External.String(); got != "external" {
		t.Errorf("External.String() = %q, want %q", got, "external")
	}
	if got := (Identity{Node: 2, Instance: 7}).String(); got != "2.7" {
		t.Errorf("String() = %q, want %q", got, "2.7")
	}
}
