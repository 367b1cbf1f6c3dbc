package models

import "time"

// API key scopes for the private license API. A key may hold the wildcard
// scope, the "other" scope (access to records it does not own), or individual
// action scopes such as "browse", "read", "edit", "add", "delete".
const (
	APIScopeAll   = "all"
	APIScopeOther = "other"
)

// APIKey represents a private API credential.
type APIKey struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	KeyHash    string     `db:"key_hash" json:"-"`
	KeyPrefix  string     `db:"key_prefix" json:"key_prefix"`
	Scopes     StringList `db:"scopes" json:"scopes"`
	// IPAllowlist holds CIDR blocks the key may be used from. Empty means any.
	IPAllowlist StringList `db:"ip_allowlist" json:"ip_allowlist"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// HasScope reports whether the key carries the named scope, honouring the
// wildcard scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == APIScopeAll || s == scope {
			return true
		}
	}
	return false
}
