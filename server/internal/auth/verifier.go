package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/servwatch/servwatch/server/internal/config"
)

// RoleAdmin is the role granted visibility of every tenant.
const RoleAdmin = "admin"

// ErrInvalidToken is returned by a Verifier for unknown or empty tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Principal is the verified identity of a subscriber session.
type Principal struct {
	SubjectID string
	Role      string
}

// Privileged reports whether p may see data for every tenant.
func (p Principal) Privileged() bool { return p.Role == RoleAdmin }

// CanSee reports whether p is entitled to data owned by tenantID.
// Data with no resolved owner is visible to every authenticated principal.
func (p Principal) CanSee(tenantID string) bool {
	return tenantID == "" || p.Privileged() || p.SubjectID == tenantID
}

// Verifier maps a bearer token to a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// StaticVerifier verifies tokens against a fixed table loaded from config.
// The table can be swapped at runtime with Replace.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens []tokenEntry
}

type tokenEntry struct {
	token     string
	principal Principal
}

// NewStaticVerifier builds a verifier from configured session tokens.
// Entries whose token environment variable is unset are skipped.
func NewStaticVerifier(tokens []config.SessionToken) *StaticVerifier {
	v := &StaticVerifier{}
	v.Replace(tokens)
	return v
}

// Replace swaps the token table.
func (v *StaticVerifier) Replace(tokens []config.SessionToken) {
	entries := make([]tokenEntry, 0, len(tokens))
	for _, t := range tokens {
		tok := t.Token()
		if tok == "" {
			continue
		}
		role := t.Role
		if role == "" {
			role = "user"
		}
		entries = append(entries, tokenEntry{
			token:     tok,
			principal: Principal{SubjectID: t.Subject, Role: role},
		})
	}

	v.mu.Lock()
	v.tokens = entries
	v.mu.Unlock()
}

// Verify returns the principal bound to token.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Principal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	// Every entry is compared so timing does not reveal the match position.
	var (
		found Principal
		ok    bool
	)
	for _, e := range v.tokens {
		if equal(token, e.token) {
			found, ok = e.principal, true
		}
	}
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	return found, nil
}
