// Package auth - scopes.go defines the permission scopes granted to API keys
// and the helpers for checking them. Scopes name the private actions a key
// may call; "all" is the wildcard and "other" widens ownership so a key can
// operate on records created by other keys.
package auth

import (
	"errors"
	"fmt"
)

// Scope represents a permission granted to an API key.
type Scope string

const (
	// License API action scopes.
	ScopeLicensesBrowse Scope = "browse"
	ScopeLicensesRead   Scope = "read"
	ScopeLicensesAdd    Scope = "add"
	ScopeLicensesEdit   Scope = "edit"
	ScopeLicensesDelete Scope = "delete"

	// Package API action scopes.
	ScopePackagesBrowse Scope = "browse_packages"
	ScopePackagesManage Scope = "manage_packages"

	// ScopeOther grants access to records owned by other API keys.
	ScopeOther Scope = "other"

	// ScopeAll is the wildcard covering every scope.
	ScopeAll Scope = "all"
)

// AllScopes returns every valid scope.
func AllScopes() []Scope {
	return []Scope{
		ScopeLicensesBrowse,
		ScopeLicensesRead,
		ScopeLicensesAdd,
		ScopeLicensesEdit,
		ScopeLicensesDelete,
		ScopePackagesBrowse,
		ScopePackagesManage,
		ScopeOther,
		ScopeAll,
	}
}

// ValidScopes returns a set of valid scope strings.
func ValidScopes() map[string]bool {
	valid := make(map[string]bool)
	for _, scope := range AllScopes() {
		valid[string(scope)] = true
	}
	return valid
}

// ValidateScopes checks that every provided scope is valid.
func ValidateScopes(scopes []string) error {
	valid := ValidScopes()
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks whether the key's scopes cover required. The "all"
// wildcard covers every scope, ownership widening included.
func HasScope(keyScopes []string, required Scope) bool {
	requiredStr := string(required)
	for _, scope := range keyScopes {
		if scope == requiredStr || scope == string(ScopeAll) {
			return true
		}
		// Manage implies browse for packages.
		if required == ScopePackagesBrowse && scope == string(ScopePackagesManage) {
			return true
		}
	}
	return false
}

// HasAnyScope checks whether the key has at least one of the required scopes.
func HasAnyScope(keyScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(keyScopes, required) {
			return true
		}
	}
	return false
}

// GetDefaultScopes returns the scopes granted to a new API key.
func GetDefaultScopes() []string {
	return []string{
		string(ScopeLicensesBrowse),
		string(ScopeLicensesRead),
	}
}

// ValidateScopeString validates a single scope string.
func ValidateScopeString(scope string) error {
	if !ValidScopes()[scope] {
		return errors.New("invalid scope")
	}
	return nil
}
