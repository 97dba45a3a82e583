package capability

import (
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/weft/errors"
)

// ThreadUnbound marks a capability with no execution-thread binding.
const ThreadUnbound = -1

// Tree owns all capabilities of one registry instance. Every mutation of
// any capability in the tree is serialized through the tree lock, so
// delegation and revocation are safe from concurrent callers.
type Tree struct {
	mu   sync.Mutex
	root *Capability
	byID map[string]*Capability
	now  func() time.Time
}

// TreeOption configures a Tree at construction.
type TreeOption func(*Tree)

// WithClock replaces the time source. Tests use this to force expiry
// without sleeping.
func WithClock(now func() time.Time) TreeOption {
	return func(t *Tree) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTree creates a capability tree with a single root capability holding
// perms in scope. The root survives resets and is never revoked.
func NewTree(rootID string, perms Permission, scope Scope, opts ...TreeOption) (*Tree, error) {
	if rootID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"capability", "NewTree", "root id validation")
	}

	t := &Tree{
		byID: make(map[string]*Capability),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	root := &Capability{
		id:        rootID,
		tree:      t,
		perms:     perms,
		scope:     scope,
		thread:    ThreadUnbound,
		children:  make(map[string]*Capability),
		createdAt: t.now(),
	}
	t.root = root
	t.byID[rootID] = root
	return t, nil
}

// Root returns the root capability.
func (t *Tree) Root() *Capability {
	return t.root
}

// Find returns the live capability with the given id, or nil. Revoked
// capabilities are unlinked from the index and never returned.
func (t *Tree) Find(id string) *Capability {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// Len returns the number of live capabilities, including the root.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Reset revokes every capability except the root. Used by registry
// teardown; idempotent.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, child := range t.root.children {
		child.revokeLocked()
	}
	t.root.children = make(map[string]*Capability)
}

// Capability is a single permission token. All state is guarded by the
// owning tree's lock; the exported methods take it.
type Capability struct {
	id    string
	tree  *Tree
	perms Permission
	scope Scope

	// Resource binding: closed world. An unbound capability never
	// satisfies a resource or thread identity check.
	resource     string
	resourceSize uint64
	thread       int

	parent   *Capability
	children map[string]*Capability

	createdAt time.Time
	expiresAt time.Time // zero means no expiry
	revoked   bool
}

// ID returns the capability identifier.
func (c *Capability) ID() string {
	return c.id
}

// Scope returns the capability scope.
func (c *Capability) Scope() Scope {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.scope
}

// Permissions returns the current permission bitset. A revoked capability
// reports PermNone.
func (c *Capability) Permissions() Permission {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.perms
}

// Has reports whether the capability currently grants the permission.
// Expired and revoked capabilities grant nothing.
func (c *Capability) Has(p Permission) bool {
	return c.HasAll(p)
}

// HasAll reports whether the capability currently grants every bit in mask.
func (c *Capability) HasAll(mask Permission) bool {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if c.revoked || c.expiredLocked() {
		return false
	}
	return c.perms&mask == mask
}

// Revoked reports whether the capability has been revoked. A capability
// whose permission set is empty is treated as revoked for all checks.
func (c *Capability) Revoked() bool {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.revoked || c.perms == PermNone
}

// Delegate creates a child capability holding perms restricted to scope.
//
// Delegation fails when the caller lacks PermDelegate, when perms requests
// PermDelegate without the caller holding PermTransitiveDelegate, when
// perms is not a subset of the caller's current permissions, or on a scope
// violation: only a global parent may change scope, and no non-global
// parent may mint a global child. The child inherits the caller's resource
// and thread bindings; both may be rebound later.
func (c *Capability) Delegate(childID string, perms Permission, scope Scope) (*Capability, error) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	if childID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"capability", "Delegate", "child id validation")
	}
	if c.revoked || c.perms == PermNone {
		return nil, errors.WrapInvalid(errors.ErrCapabilityInvalid,
			"capability", "Delegate", "caller liveness check")
	}
	if c.expiredLocked() {
		return nil, errors.WrapInvalid(errors.ErrCapabilityExpired,
			"capability", "Delegate", "caller expiry check")
	}
	if c.perms&PermDelegate == 0 {
		return nil, errors.WrapInvalid(errors.ErrNoDelegate,
			"capability", "Delegate", "delegate permission check")
	}
	if perms&PermDelegate != 0 && c.perms&PermTransitiveDelegate == 0 {
		return nil, errors.WrapInvalid(errors.ErrNoTransitiveDelegate,
			"capability", "Delegate", "transitive delegate check")
	}
	if !perms.Subset(c.perms) {
		return nil, errors.WrapInvalid(errors.ErrInsufficientPermissions,
			"capability", "Delegate", "permission subset check")
	}
	if c.scope != ScopeGlobal {
		if scope == ScopeGlobal {
			return nil, errors.WrapInvalid(errors.ErrScopeMismatch,
				"capability", "Delegate", "scope escalation check")
		}
		if scope != c.scope {
			return nil, errors.WrapInvalid(errors.ErrScopeMismatch,
				"capability", "Delegate", "scope equality check")
		}
	}
	if _, exists := c.tree.byID[childID]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("capability %q: %w", childID, errors.ErrAlreadyExists),
			"capability", "Delegate", "duplicate id check")
	}

	child := &Capability{
		id:           childID,
		tree:         c.tree,
		perms:        c.perms & perms,
		scope:        scope,
		resource:     c.resource,
		resourceSize: c.resourceSize,
		thread:       c.thread,
		parent:       c,
		children:     make(map[string]*Capability),
		createdAt:    c.tree.now(),
	}
	c.children[childID] = child
	c.tree.byID[childID] = child
	return child, nil
}

// Revoke clears the permission set, forces immediate expiry, recursively
// revokes all children and detaches the capability from its parent. The
// subtree is unlinked from the tree index; handles still held by callers
// report revoked on every check.
func (c *Capability) Revoke() {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	c.revokeLocked()
	if c.parent != nil {
		delete(c.parent.children, c.id)
		c.parent = nil
	}
}

// revokeLocked revokes the subtree rooted at c. Caller holds the tree lock.
func (c *Capability) revokeLocked() {
	for _, child := range c.children {
		child.revokeLocked()
	}
	c.children = make(map[string]*Capability)
	c.perms = PermNone
	c.expiresAt = c.tree.now()
	c.revoked = true
	delete(c.tree.byID, c.id)
}

// BindResource binds the capability to a resource handle of the given size.
func (c *Capability) BindResource(handle string, size uint64) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	c.resource = handle
	c.resourceSize = size
}

// BindThread binds the capability to an execution-thread handle.
func (c *Capability) BindThread(thread int) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	c.thread = thread
}

// ForResource reports whether the capability is bound to exactly this
// resource handle. Unbound capabilities never match.
func (c *Capability) ForResource(handle string) bool {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.resource != "" && c.resource == handle
}

// ForThread reports whether the capability is bound to exactly this
// execution-thread handle. Unbound capabilities never match.
func (c *Capability) ForThread(thread int) bool {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.thread != ThreadUnbound && c.thread == thread
}

// ResourceSize returns the size recorded with the resource binding.
func (c *Capability) ResourceSize() uint64 {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.resourceSize
}

// SetExpiry sets an absolute deadline measured from the creation instant.
// A non-positive duration expires the capability immediately.
func (c *Capability) SetExpiry(d time.Duration) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	c.expiresAt = c.createdAt.Add(d)
}

// Expired reports whether the capability's deadline has passed. A
// capability without a deadline never expires.
func (c *Capability) Expired() bool {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.expiredLocked()
}

func (c *Capability) expiredLocked() bool {
	return !c.expiresAt.IsZero() && c.tree.now().After(c.expiresAt)
}

// Parent returns the parent capability, nil for the root and for revoked
// capabilities.
func (c *Capability) Parent() *Capability {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.parent
}

// ChildIDs returns the identifiers of the direct children.
func (c *Capability) ChildIDs() []string {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	ids := make([]string, 0, len(c.children))
	for id := range c.children {
		ids = append(ids, id)
	}
	return ids
}
