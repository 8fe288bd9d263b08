// Package auth implements the room's optional token authentication and the
// role/capability model. Tokens are stored hashed in the room's auth
// subspace; the plaintext is returned exactly once at issue time.
//
// Auth is off by default: a Gate with no room secret authenticates every
// request as the agent it claims to be, with the worker role.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

// Capability is a single permission checked at tool dispatch.
type Capability string

const (
	CanReadState    Capability = "can_read_state"
	CanClaim        Capability = "can_claim"
	CanBroadcast    Capability = "can_broadcast"
	CanManageAgents Capability = "can_manage_agents"
	CanAdmin        Capability = "can_admin"
)

var (
	// ErrUnauthorized is returned when no valid token accompanies a request
	// to an auth-enabled room.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrForbidden is returned when the caller's role lacks a capability.
	ErrForbidden = errors.New("forbidden")
)

// roleCapabilities orders the grants: reader ⊂ worker ⊂ admin.
var roleCapabilities = map[room.Role][]Capability{
	room.RoleReader: {CanReadState},
	room.RoleWorker: {CanReadState, CanClaim, CanBroadcast},
	room.RoleAdmin:  {CanReadState, CanClaim, CanBroadcast, CanManageAgents, CanAdmin},
}

// RoleHas reports whether role grants cap.
func RoleHas(role room.Role, cap Capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == cap {
			return true
		}
	}
	return false
}

// Identity is the authenticated caller of a tool invocation.
type Identity struct {
	Agent string
	Role  room.Role
}

// Require returns ErrForbidden unless the identity's role grants cap.
func (id Identity) Require(cap Capability) error {
	if !RoleHas(id.Role, cap) {
		return fmt.Errorf("%w: role %s lacks %s", ErrForbidden, id.Role, cap)
	}
	return nil
}

// token is the stored (hashed) credential record.
type token struct {
	Agent     string    `json:"agent"`
	Role      room.Role `json:"role"`
	Hash      string    `json:"hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func tokenKey(hash string) string { return "auth/tokens/" + hash }

// Gate authenticates requests and resolves their identity. Safe for
// concurrent use.
type Gate struct {
	store  storage.Store
	secret string
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate over the room's storage. An empty secret disables
// authentication entirely.
func NewGate(store storage.Store, secret string, opts ...Option) *Gate {
	g := &Gate{store: store, secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether the room requires tokens.
func (g *Gate) Enabled() bool { return g.secret != "" }

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Issue mints a token for agent with the given role. ttl <= 0 means no
// expiry. The returned plaintext is never stored.
func (g *Gate) Issue(ctx context.Context, agent string, role room.Role, ttl time.Duration) (string, error) {
	if err := room.ValidateAgentName(agent); err != nil {
		return "", err
	}
	if _, ok := roleCapabilities[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	plain := "masc_" + hex.EncodeToString(buf)

	t := token{
		Agent:    agent,
		Role:     role,
		Hash:     hashToken(plain),
		IssuedAt: g.now().UTC(),
	}
	if ttl > 0 {
		t.ExpiresAt = t.IssuedAt.Add(ttl)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	if err := g.store.Put(ctx, tokenKey(t.Hash), raw, 0); err != nil {
		return "", err
	}
	return plain, nil
}

// Verify resolves a bearer token to its identity. The "Bearer " prefix is
// accepted and stripped.
func (g *Gate) Verify(ctx context.Context, bearer string) (Identity, error) {
	plain := strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer ")
	if plain == "" {
		return Identity{}, ErrUnauthorized
	}
	hash := hashToken(plain)
	raw, found, err := g.store.Get(ctx, tokenKey(hash))
	if err != nil {
		return Identity{}, err
	}
	if !found {
		return Identity{}, ErrUnauthorized
	}
	var t token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Identity{}, fmt.Errorf("%w: auth token: %v", storage.ErrCorruptValue, err)
	}
	if subtle.ConstantTimeCompare([]byte(t.Hash), []byte(hash)) != 1 {
		return Identity{}, ErrUnauthorized
	}
	if !t.ExpiresAt.IsZero() && g.now().After(t.ExpiresAt) {
		return Identity{}, ErrTokenExpired
	}
	return Identity{Agent: t.Agent, Role: t.Role}, nil
}

// Revoke deletes every token issued to agent. Returns the number revoked.
func (g *Gate) Revoke(ctx context.Context, agent string) (int, error) {
	entries, err := g.store.Scan(ctx, "auth/tokens/")
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, e := range entries {
		var t token
		if err := json.Unmarshal(e.Value, &t); err != nil {
			continue
		}
		if t.Agent != agent {
			continue
		}
		if err := g.store.Delete(ctx, e.Key); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// Resolve authenticates a request. When auth is disabled the claimed agent
// is trusted and fallbackRole applies (worker when empty). When enabled, the
// bearer token is mandatory and its identity wins over any claimed agent.
func (g *Gate) Resolve(ctx context.Context, bearer, claimedAgent string, fallbackRole room.Role) (Identity, error) {
	if !g.Enabled() {
		if fallbackRole == "" {
			fallbackRole = room.RoleWorker
		}
		return Identity{Agent: claimedAgent, Role: fallbackRole}, nil
	}
	return g.Verify(ctx, bearer)
}
