package auth

import "testing"

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"empty list", []string{}, false},
		{"single valid scope", []string{"read"}, false},
		{"multiple valid scopes", []string{"browse", "read", "all"}, false},
		{"all defined scopes", func() []string {
			s := make([]string, 0, len(AllScopes()))
			for _, sc := range AllScopes() {
				s = append(s, string(sc))
			}
			return s
		}(), false},
		{"invalid scope", []string{"not-a-scope"}, true},
		{"mixed valid and invalid", []string{"read", "invalid"}, true},
		{"empty string scope", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name      string
		keyScopes []string
		required  Scope
		want      bool
	}{
		// Exact match
		{"exact match read", []string{"read"}, ScopeLicensesRead, true},
		{"exact match all", []string{"all"}, ScopeAll, true},
		// Wildcard grants everything
		{"all grants read", []string{"all"}, ScopeLicensesRead, true},
		{"all grants delete", []string{"all"}, ScopeLicensesDelete, true},
		{"all grants other", []string{"all"}, ScopeOther, true},
		{"all grants manage_packages", []string{"all"}, ScopePackagesManage, true},
		// Manage implies browse for packages
		{"manage_packages implies browse_packages", []string{"manage_packages"}, ScopePackagesBrowse, true},
		{"browse_packages does not imply manage_packages", []string{"browse_packages"}, ScopePackagesManage, false},
		// No match
		{"no scopes", []string{}, ScopeLicensesRead, false},
		{"wrong scope", []string{"browse"}, ScopeLicensesRead, false},
		{"read does not imply edit", []string{"read"}, ScopeLicensesEdit, false},
		{"other is not an action scope", []string{"other"}, ScopeLicensesRead, false},
		// Multiple scopes, one matches
		{"one of many matches", []string{"browse", "read"}, ScopeLicensesRead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HasScope(tt.keyScopes, tt.required)
			if got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.keyScopes, tt.required, got, tt.want)
			}
		})
	}
}

func TestHasAnyScope(t *testing.T) {
	tests := []struct {
		name           string
		keyScopes      []string
		requiredScopes []Scope
		want           bool
	}{
		{"matches first", []string{"browse"}, []Scope{ScopeLicensesBrowse, ScopeLicensesRead}, true},
		{"matches second", []string{"read"}, []Scope{ScopeLicensesBrowse, ScopeLicensesRead}, true},
		{"matches none", []string{"delete"}, []Scope{ScopeLicensesBrowse, ScopeLicensesRead}, false},
		{"empty required", []string{"read"}, []Scope{}, false},
		{"empty key scopes", []string{}, []Scope{ScopeLicensesRead}, false},
		{"wildcard matches any", []string{"all"}, []Scope{ScopeLicensesEdit, ScopeLicensesDelete}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HasAnyScope(tt.keyScopes, tt.requiredScopes)
			if got != tt.want {
				t.Errorf("HasAnyScope(%v, %v) = %v, want %v", tt.keyScopes, tt.requiredScopes, got, tt.want)
			}
		})
	}
}

func TestGetDefaultScopes(t *testing.T) {
	defaults := GetDefaultScopes()
	if len(defaults) == 0 {
		t.Fatal("GetDefaultScopes() returned no scopes")
	}
	if err := ValidateScopes(defaults); err != nil {
		t.Errorf("GetDefaultScopes() returned invalid scopes: %v", err)
	}
	for _, s := range defaults {
		if s == string(ScopeAll) || s == string(ScopeOther) {
			t.Errorf("default scopes must not include %q", s)
		}
	}
}
