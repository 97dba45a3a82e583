package node

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/vlan"
)

// Token is one capability delegation carried between devices. The
// signature covers every field except itself.
type Token struct {
	GrantID     string                `json:"grant_id"`
	Permissions capability.Permission `json:"permissions"`
	Scope       capability.Scope      `json:"scope"`
	Sequence    uint32                `json:"sequence"`
	Tag         vlan.Tag              `json:"tag"`
	CreatedAt   time.Time             `json:"created_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	Signature   []byte                `json:"signature"`
}

// signingBytes builds the canonical byte string the signature covers.
// Field order and widths are fixed; both ends must agree on them.
func (t *Token) signingBytes() []byte {
	buf := make([]byte, 0, 34+len(t.GrantID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.GrantID)))
	buf = append(buf, t.GrantID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.Permissions))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.Scope))
	buf = binary.BigEndian.AppendUint32(buf, t.Sequence)
	buf = binary.BigEndian.AppendUint16(buf, uint16(t.Tag))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.CreatedAt.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.ExpiresAt.UnixNano()))
	return buf
}

// Sign computes and stores the integrity signature.
func (t *Token) Sign(secret []byte) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(t.signingBytes())
	t.Signature = mac.Sum(nil)
}

// verifySignature recomputes the signature and compares in constant
// time.
func (t *Token) verifySignature(secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(t.signingBytes())
	return hmac.Equal(t.Signature, mac.Sum(nil))
}

// structural reports the first structural defect, nil for a
// well-formed token.
func (t *Token) structural() error {
	switch {
	case t.GrantID == "":
		return fmt.Errorf("empty grant id: %w", errors.ErrTokenInvalid)
	case t.Permissions == capability.PermNone:
		return fmt.Errorf("empty permission set: %w", errors.ErrTokenInvalid)
	case !t.Tag.Valid():
		return fmt.Errorf("tag 0x%04x out of range: %w", uint16(t.Tag), errors.ErrTokenInvalid)
	case t.CreatedAt.IsZero() || t.ExpiresAt.IsZero():
		return fmt.Errorf("missing timestamps: %w", errors.ErrTokenInvalid)
	case len(t.Signature) != sha256.Size:
		return fmt.Errorf("signature length %d: %w", len(t.Signature), errors.ErrTokenInvalid)
	}
	return nil
}

// Marshal encodes the token for the wire.
func (t *Token) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errors.WrapInvalid(err, "node", "Token.Marshal", "token encoding")
	}
	return data, nil
}

// UnmarshalToken decodes a wire token. Undecodable bytes are reported
// as token-invalid.
func UnmarshalToken(data []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("undecodable token: %w", errors.ErrTokenInvalid),
			"node", "UnmarshalToken", "token decoding")
	}
	return &t, nil
}

// VerifierConfig parameterizes token verification.
type VerifierConfig struct {
	// ClockSkew is the tolerance applied to the future-timestamp and
	// expiry checks.
	ClockSkew time.Duration
	// SeqWindow bounds how far a sequence number may advance past the
	// last accepted value.
	SeqWindow uint32
	// RolloverMargin defines "near the ends" for counter rollover:
	// the last value within the margin of the maximum, the new value
	// within the margin of zero.
	RolloverMargin uint32
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultVerifierConfig returns the verification defaults.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		ClockSkew:      30 * time.Second,
		SeqWindow:      1024,
		RolloverMargin: 1024,
	}
}

func (c *VerifierConfig) normalize() {
	if c.ClockSkew <= 0 {
		c.ClockSkew = 30 * time.Second
	}
	if c.SeqWindow == 0 {
		c.SeqWindow = 1024
	}
	if c.RolloverMargin == 0 {
		c.RolloverMargin = 1024
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// TokenVerifier checks inbound tokens. Sequence state is tracked per
// source identity; the verifier is safe for concurrent use.
type TokenVerifier struct {
	secret []byte
	routes *vlan.RouteRegistry
	cfg    VerifierConfig

	mu      sync.Mutex
	lastSeq map[vlan.Identity]uint32
	seen    map[vlan.Identity]bool
}

// NewTokenVerifier creates a verifier bound to a route registry.
func NewTokenVerifier(secret []byte, routes *vlan.RouteRegistry, cfg VerifierConfig) (*TokenVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty secret: %w", errors.ErrInvalidArgument),
			"node", "NewTokenVerifier", "secret validation")
	}
	if routes == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil route registry: %w", errors.ErrInvalidArgument),
			"node", "NewTokenVerifier", "route registry validation")
	}
	cfg.normalize()
	return &TokenVerifier{
		secret:  secret,
		routes:  routes,
		cfg:     cfg,
		lastSeq: make(map[vlan.Identity]uint32),
		seen:    make(map[vlan.Identity]bool),
	}, nil
}

// Verify runs the full check chain in its fixed order: structure,
// VLAN route, signature, future timestamp, expiry, then the sequence
// window. The first failing check wins and the token is discarded;
// sequence state only advances on full acceptance.
func (v *TokenVerifier) Verify(tok *Token) error {
	if tok == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil token: %w", errors.ErrTokenInvalid),
			"node", "Verify", "structural check")
	}
	if err := tok.structural(); err != nil {
		return errors.WrapInvalid(err, "node", "Verify", "structural check")
	}
	if err := v.routes.ValidateIncoming(tok.Tag); err != nil {
		return err
	}
	if !tok.verifySignature(v.secret) {
		return errors.WrapInvalid(
			fmt.Errorf("token %s: %w", tok.GrantID, errors.ErrSignatureInvalid),
			"node", "Verify", "signature check")
	}

	now := v.cfg.Now()
	if tok.CreatedAt.After(now.Add(v.cfg.ClockSkew)) {
		return errors.WrapInvalid(
			fmt.Errorf("token %s created in the future: %w", tok.GrantID, errors.ErrTokenInvalid),
			"node", "Verify", "timestamp check")
	}
	if now.After(tok.ExpiresAt.Add(v.cfg.ClockSkew)) {
		return errors.WrapInvalid(
			fmt.Errorf("token %s: %w", tok.GrantID, errors.ErrTokenExpired),
			"node", "Verify", "expiry check")
	}

	src := tok.Tag.Src()
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seen[src] {
		last := v.lastSeq[src]
		advanced := tok.Sequence > last && tok.Sequence-last <= v.cfg.SeqWindow
		rolledOver := last >= math.MaxUint32-v.cfg.RolloverMargin && tok.Sequence <= v.cfg.RolloverMargin
		if !advanced && !rolledOver {
			return errors.WrapInvalid(
				fmt.Errorf("token %s sequence %d after %d: %w",
					tok.GrantID, tok.Sequence, last, errors.ErrSequenceError),
				"node", "Verify", "sequence check")
		}
	}
	v.seen[src] = true
	v.lastSeq[src] = tok.Sequence
	return nil
}
