package models

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// License helpers
// ---------------------------------------------------------------------------

func TestLicense_HasDomain(t *testing.T) {
	l := &License{AllowedDomains: StringList{"example.com", "shop.example.com"}}
	if !l.HasDomain("example.com") {
		t.Error("HasDomain() should be true for a listed domain")
	}
	if l.HasDomain("evil.example.com") {
		t.Error("HasDomain() should be false for an unlisted domain")
	}
	if (&License{}).HasDomain("example.com") {
		t.Error("HasDomain() should be false with an empty list")
	}
}

func TestLicense_IsExpired(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	if (&License{}).IsExpired(now) {
		t.Error("IsExpired() should be false without an expiry date")
	}

	past := now.Add(-48 * time.Hour)
	if !(&License{DateExpiry: &past}).IsExpired(now) {
		t.Error("IsExpired() should be true for a past expiry")
	}

	future := now.Add(48 * time.Hour)
	if (&License{DateExpiry: &future}).IsExpired(now) {
		t.Error("IsExpired() should be false for a future expiry")
	}

	// Day granularity: expiring today counts as expired.
	today := now.Truncate(24 * time.Hour)
	if !(&License{DateExpiry: &today}).IsExpired(now) {
		t.Error("IsExpired() should be true for an expiry falling today")
	}
}

func TestLicense_NextDeactivate(t *testing.T) {
	tests := []struct {
		name string
		data JSONMap
		want int64
	}{
		{"absent", JSONMap{}, 0},
		{"float64 from json scan", JSONMap{DataKeyNextDeactivate: float64(1756000000)}, 1756000000},
		{"int64 from in-process write", JSONMap{DataKeyNextDeactivate: int64(1756000000)}, 1756000000},
		{"json.Number", JSONMap{DataKeyNextDeactivate: json.Number("1756000000")}, 1756000000},
		{"malformed", JSONMap{DataKeyNextDeactivate: "soon"}, 0},
	}

	for _, tt := range tests {
		l := &License{Data: tt.data}
		if got := l.NextDeactivate(); got != tt.want {
			t.Errorf("%s: NextDeactivate() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestLicense_APIOwner(t *testing.T) {
	l := &License{Data: JSONMap{DataKeyAPIOwner: "key-alpha"}}
	if got := l.APIOwner(); got != "key-alpha" {
		t.Errorf("APIOwner() = %q, want %q", got, "key-alpha")
	}
	if got := (&License{}).APIOwner(); got != "" {
		t.Errorf("APIOwner() on empty data = %q, want empty", got)
	}
}

func TestFormatDate(t *testing.T) {
	if got := FormatDate(nil); got != "" {
		t.Errorf("FormatDate(nil) = %q, want empty", got)
	}
	d := time.Date(2027, 3, 15, 23, 59, 0, 0, time.UTC)
	if got := FormatDate(&d); got != "2027-03-15" {
		t.Errorf("FormatDate() = %q, want 2027-03-15", got)
	}
}

// ---------------------------------------------------------------------------
// JSONB column types
// ---------------------------------------------------------------------------

func TestStringList_RoundTrip(t *testing.T) {
	v, err := StringList{"a", "b"}.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var got StringList
	if err := got.Scan(v); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("round trip = %v", got)
	}
}

func TestStringList_NilValue(t *testing.T) {
	v, err := StringList(nil).Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if string(v.([]byte)) != "[]" {
		t.Errorf("nil StringList should serialize as [], got %s", v)
	}
}

func TestJSONMap_RoundTrip(t *testing.T) {
	v, err := JSONMap{"k": "v"}.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var got JSONMap
	if err := got.Scan(string(v.([]byte))); err != nil {
		t.Fatalf("Scan() from string error: %v", err)
	}
	if got["k"] != "v" {
		t.Errorf("round trip = %v", got)
	}
}

func TestJSONMap_ScanUnsupportedType(t *testing.T) {
	var m JSONMap
	if err := m.Scan(42); err == nil {
		t.Error("Scan() should reject unsupported source types")
	}
}

// ---------------------------------------------------------------------------
// APIKey scopes
// ---------------------------------------------------------------------------

func TestAPIKey_HasScope(t *testing.T) {
	k := &APIKey{Scopes: StringList{"browse", "read"}}
	if !k.HasScope("browse") {
		t.Error("HasScope() should be true for a granted scope")
	}
	if k.HasScope("delete") {
		t.Error("HasScope() should be false for an ungranted scope")
	}

	wildcard := &APIKey{Scopes: StringList{APIScopeAll}}
	for _, scope := range []string{"browse", "delete", APIScopeOther} {
		if !wildcard.HasScope(scope) {
			t.Errorf("wildcard key should cover %q", scope)
		}
	}
}
