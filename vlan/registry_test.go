package vlan

import (
	stderrors "errors"
	"sync"
	"testing"

	"github.com/weftworks/weft/errors"
)

func newTestRegistry(t *testing.T, local Identity) *RouteRegistry {
	t.Helper()
	r, err := NewRouteRegistry(local)
	if err != nil {
		t.Fatalf("NewRouteRegistry failed: %v", err)
	}
	return r
}

func TestNewRouteRegistryValidation(t *testing.T) {
	if _, err := NewRouteRegistry(External); err == nil {
		t.Error("claiming the external identity should fail")
	}
	if _, err := NewRouteRegistry(Identity{Node: 4}); err == nil {
		t.Error("out-of-range identity should fail")
	}

	r := newTestRegistry(t, Identity{Node: 1, Instance: 2})
	if got := r.LocalIdentity(); got != (Identity{Node: 1, Instance: 2}) {
		t.Errorf("LocalIdentity() = %v", got)
	}
	// The local identity is pre-registered in the directory.
	if _, ok := r.Identity(r.LocalIdentity().Combined()); !ok {
		t.Error("local identity missing from directory")
	}
}

func TestValidateIncoming(t *testing.T) {
	local := Identity{Node: 1, Instance: 2}
	peer := Identity{Node: 2, Instance: 3}
	stranger := Identity{Node: 3, Instance: 9}

	r := newTestRegistry(t, local)
	if err := r.AllowRoute(peer, local); err != nil {
		t.Fatalf("AllowRoute failed: %v", err)
	}

	tests := []struct {
		name    string
		tag     Tag
		wantErr bool
	}{
		{
			name: "allow-listed peer accepted",
			tag:  EncodeTag(peer, local),
		},
		{
			name: "external source accepted without a route",
			tag:  EncodeTag(External, local),
		},
		{
			name:    "unlisted source rejected",
			tag:     EncodeTag(stranger, local),
			wantErr: true,
		},
		{
			name:    "wrong destination rejected",
			tag:     EncodeTag(peer, stranger),
			wantErr: true,
		},
		{
			name:    "external source to wrong destination rejected",
			tag:     EncodeTag(External, stranger),
			wantErr: true,
		},
		{
			name:    "reverse direction of allow-listed route rejected",
			tag:     EncodeTag(local, peer),
			wantErr: true,
		},
		{
			name:    "oversized tag rejected",
			tag:     Tag(0x1000),
			wantErr: true,
		},
		{
			name:    "no-route sentinel rejected",
			tag:     NoRoute,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateIncoming(tt.tag)
			if tt.wantErr {
				if !stderrors.Is(err, errors.ErrVLANMismatch) {
					t.Fatalf("error = %v, want %v", err, errors.ErrVLANMismatch)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateIncoming failed: %v", err)
			}
		})
	}
}

func TestOutgoingTag(t *testing.T) {
	local := Identity{Node: 1, Instance: 2}
	peer := Identity{Node: 2, Instance: 3}
	stranger := Identity{Node: 3, Instance: 9}

	r := newTestRegistry(t, local)
	if err := r.AllowRoute(local, peer); err != nil {
		t.Fatalf("AllowRoute failed: %v", err)
	}

	if got, want := r.OutgoingTag(peer), EncodeTag(local, peer); got != want {
		t.Errorf("OutgoingTag(peer) = %v, want %v", got, want)
	}
	// External needs no route.
	if got, want := r.OutgoingTag(External), EncodeTag(local, External); got != want {
		t.Errorf("OutgoingTag(External) = %v, want %v", got, want)
	}
	if got := r.OutgoingTag(stranger); got != NoRoute {
		t.Errorf("OutgoingTag(stranger) = %v, want NoRoute", got)
	}
	if got := r.OutgoingTag(Identity{Node: 7, Instance: 1}); got != NoRoute {
		t.Errorf("OutgoingTag(invalid) = %v, want NoRoute", got)
	}

	// Revoking the route withdraws the tag.
	r.RevokeRoute(local, peer)
	if got := r.OutgoingTag(peer); got != NoRoute {
		t.Errorf("OutgoingTag after revoke = %v, want NoRoute", got)
	}
}

func TestRouteLookup(t *testing.T) {
	local := Identity{Node: 1, Instance: 0}
	peer := Identity{Node: 2, Instance: 0}

	r := newTestRegistry(t, local)
	if err := r.AllowRoute(peer, local); err != nil {
		t.Fatalf("AllowRoute failed: %v", err)
	}

	if !r.RouteAllowed(peer, local) {
		t.Error("RouteAllowed(peer, local) = false")
	}
	if r.RouteAllowed(local, peer) {
		t.Error("allow-list is directional; reverse should not be allowed")
	}

	route, ok := r.RouteForTag(EncodeTag(peer, local))
	if !ok {
		t.Fatal("RouteForTag missed an allow-listed route")
	}
	if route.Src != peer || route.Dst != local {
		t.Errorf("RouteForTag = %v, want %v->%v", route, peer, local)
	}
	if _, ok := r.RouteForTag(EncodeTag(local, peer)); ok {
		t.Error("RouteForTag returned a route never allow-listed")
	}

	if got := len(r.Routes()); got != 1 {
		t.Errorf("Routes() returned %d entries, want 1", got)
	}

	// AllowRoute registers both endpoints in the directory.
	if _, ok := r.Identity(peer.Combined()); !ok {
		t.Error("peer missing from identity directory after AllowRoute")
	}
}

func TestAllowRouteValidation(t *testing.T) {
	r := newTestRegistry(t, Identity{Node: 1, Instance: 0})

	if err := r.AllowRoute(Identity{Node: 9}, Identity{Node: 1}); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("AllowRoute with invalid src: error = %v, want %v", err, errors.ErrInvalidArgument)
	}
	if err := r.AllowRoute(Identity{Node: 1}, Identity{Instance: 200}); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("AllowRoute with invalid dst: error = %v, want %v", err, errors.ErrInvalidArgument)
	}
}

func TestRegistryConcurrency(t *testing.T) {
	local := Identity{Node: 1, Instance: 1}
	r := newTestRegistry(t, local)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i <= int(MaxInstance); i++ {
				peer := Identity{Node: uint8(g % int(MaxNode+1)), Instance: uint8(i)}
				if peer == local || peer.IsExternal() {
					continue
				}
				_ = r.AllowRoute(peer, local)
				_ = r.ValidateIncoming(EncodeTag(peer, local))
				r.OutgoingTag(peer)
				if i%3 == 0 {
					r.RevokeRoute(peer, local)
				}
			}
		}(g)
	}
	wg.Wait()
}
