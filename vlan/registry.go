package vlan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftworks/weft/errors"
)

// Route is one permitted src→dst pair in the allow-list.
type Route struct {
	Src Identity
	Dst Identity
}

// Tag returns the wire tag for the route.
func (r Route) Tag() Tag {
	return EncodeTag(r.Src, r.Dst)
}

func (r Route) String() string {
	return fmt.Sprintf("%s->%s", r.Src, r.Dst)
}

// RouteRegistry is one device process's view of the routing fabric: its
// own identity, the directory of known endpoint identities, and the
// allow-list of permitted routes with its reverse tag lookup. All
// methods are safe for concurrent use.
type RouteRegistry struct {
	mu         sync.RWMutex
	local      Identity
	identities map[uint8]Identity
	allowed    map[Route]struct{}
	byTag      map[Tag]Route

	logger *slog.Logger
}

// RegistryOption configures a RouteRegistry at construction.
type RegistryOption func(*RouteRegistry)

// WithLogger sets the registry logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *RouteRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouteRegistry creates a registry for a process whose local identity
// is local. The external identity cannot be claimed as local.
func NewRouteRegistry(local Identity, opts ...RegistryOption) (*RouteRegistry, error) {
	if !local.Valid() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("local identity %d.%d out of range: %w",
				local.Node, local.Instance, errors.ErrInvalidArgument),
			"vlan", "NewRouteRegistry", "identity validation")
	}
	if local.IsExternal() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("external identity is reserved: %w", errors.ErrInvalidArgument),
			"vlan", "NewRouteRegistry", "identity validation")
	}

	r := &RouteRegistry{
		local:      local,
		identities: make(map[uint8]Identity),
		allowed:    make(map[Route]struct{}),
		byTag:      make(map[Tag]Route),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.identities[local.Combined()] = local
	return r, nil
}

// LocalIdentity returns the identity this registry validates inbound
// traffic against.
func (r *RouteRegistry) LocalIdentity() Identity {
	return r.local
}

// RegisterIdentity adds an endpoint to the identity directory.
// Re-registering a known identity is a no-op.
func (r *RouteRegistry) RegisterIdentity(id Identity) error {
	if !id.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("identity %d.%d out of range: %w",
				id.Node, id.Instance, errors.ErrInvalidArgument),
			"vlan", "RegisterIdentity", "identity validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[id.Combined()] = id
	return nil
}

// Identity resolves a combined 6-bit endpoint value against the
// directory.
func (r *RouteRegistry) Identity(combined uint8) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[combined&combinedMask]
	return id, ok
}

// AllowRoute adds a src→dst pair to the allow-list and its tag to the
// reverse lookup. Both endpoints are registered as a side effect.
func (r *RouteRegistry) AllowRoute(src, dst Identity) error {
	if !src.Valid() || !dst.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("route %s->%s out of range: %w", src, dst, errors.ErrInvalidArgument),
			"vlan", "AllowRoute", "route validation")
	}

	route := Route{Src: src, Dst: dst}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[src.Combined()] = src
	r.identities[dst.Combined()] = dst
	r.allowed[route] = struct{}{}
	r.byTag[route.Tag()] = route

	r.logger.Debug("route allowed",
		"component", "vlan",
		"route", route.String(),
		"tag", fmt.Sprintf("0x%03x", uint16(route.Tag())))
	return nil
}

// RevokeRoute removes a pair from the allow-list. Unknown routes are
// ignored.
func (r *RouteRegistry) RevokeRoute(src, dst Identity) {
	route := Route{Src: src, Dst: dst}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allowed, route)
	delete(r.byTag, route.Tag())
}

// RouteAllowed reports whether src→dst is on the allow-list.
func (r *RouteRegistry) RouteAllowed(src, dst Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allowed[Route{Src: src, Dst: dst}]
	return ok
}

// RouteForTag is the reverse lookup from a wire tag to its allow-listed
// route.
func (r *RouteRegistry) RouteForTag(tag Tag) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.byTag[tag]
	return route, ok
}

// Routes returns a snapshot of the allow-list.
func (r *RouteRegistry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]Route, 0, len(r.allowed))
	for route := range r.allowed {
		routes = append(routes, route)
	}
	return routes
}

// ValidateIncoming checks an inbound tag. The destination must be this
// process's local identity. An external source is accepted
// unconditionally; any other source must hold an allow-listed route to
// the local identity.
func (r *RouteRegistry) ValidateIncoming(tag Tag) error {
	if !tag.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("tag 0x%04x exceeds %d bits: %w", uint16(tag), TagBits, errors.ErrVLANMismatch),
			"vlan", "ValidateIncoming", "tag validation")
	}

	src, dst := tag.Src(), tag.Dst()
	if dst != r.local {
		return errors.WrapInvalid(
			fmt.Errorf("tag destination %s is not local identity %s: %w",
				dst, r.local, errors.ErrVLANMismatch),
			"vlan", "ValidateIncoming", "destination check")
	}
	if src.IsExternal() {
		return nil
	}

	r.mu.RLock()
	_, ok := r.allowed[Route{Src: src, Dst: dst}]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("inbound route not allow-listed",
			"component", "vlan",
			"src", src.String(),
			"dst", dst.String())
		return errors.WrapInvalid(
			fmt.Errorf("route %s->%s not allow-listed: %w", src, dst, errors.ErrVLANMismatch),
			"vlan", "ValidateIncoming", "allow-list check")
	}
	return nil
}

// OutgoingTag builds the tag for traffic from the local identity to dst.
// External destinations always route; any other destination must be
// allow-listed, otherwise NoRoute is returned.
func (r *RouteRegistry) OutgoingTag(dst Identity) Tag {
	if !dst.Valid() {
		return NoRoute
	}
	if dst.IsExternal() {
		return EncodeTag(r.local, dst)
	}

	r.mu.RLock()
	_, ok := r.allowed[Route{Src: r.local, Dst: dst}]
	r.mu.RUnlock()
	if !ok {
		return NoRoute
	}
	return EncodeTag(r.local, dst)
}
