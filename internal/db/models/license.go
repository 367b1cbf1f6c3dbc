// Package models defines the database model types for the update server.
// Each type corresponds to a database table and uses struct tags for both
// JSON serialization and sqlx row scanning. Models are pure data types;
// business logic belongs in the license engine, query logic in the
// repositories layer.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// License statuses. A license is usable for activation only while pending,
// activated, or deactivated; on-hold, blocked, and expired reject every
// state transition initiated by a client.
const (
	LicenseStatusPending     = "pending"
	LicenseStatusActivated   = "activated"
	LicenseStatusDeactivated = "deactivated"
	LicenseStatusOnHold      = "on-hold"
	LicenseStatusBlocked     = "blocked"
	LicenseStatusExpired     = "expired"
)

// Package types.
const (
	PackageTypePlugin  = "plugin"
	PackageTypeTheme   = "theme"
	PackageTypeGeneric = "generic"
)

// Well-known keys inside License.Data.
const (
	// DataKeyNextDeactivate holds the Unix timestamp before which the next
	// deactivation is refused.
	DataKeyNextDeactivate = "next_deactivate"
	// DataKeyAPIOwner holds the id of the API key that created the record.
	DataKeyAPIOwner = "api_owner"
)

// ValidLicenseStatuses enumerates every accepted status value.
var ValidLicenseStatuses = map[string]bool{
	LicenseStatusPending:     true,
	LicenseStatusActivated:   true,
	LicenseStatusDeactivated: true,
	LicenseStatusOnHold:      true,
	LicenseStatusBlocked:     true,
	LicenseStatusExpired:     true,
}

// ValidPackageTypes enumerates every accepted package type.
var ValidPackageTypes = map[string]bool{
	PackageTypePlugin:  true,
	PackageTypeTheme:   true,
	PackageTypeGeneric: true,
}

// StringList is a JSONB-backed string slice.
type StringList []string

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("models: cannot scan %T into StringList", src)
	}
}

// JSONMap is a JSONB-backed free-form object.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("models: cannot scan %T into JSONMap", src)
	}
}

// License represents one license record.
type License struct {
	ID                int64      `db:"id" json:"id"`
	LicenseKey        string     `db:"license_key" json:"license_key"`
	MaxAllowedDomains int        `db:"max_allowed_domains" json:"max_allowed_domains"`
	AllowedDomains    StringList `db:"allowed_domains" json:"allowed_domains"`
	Status            string     `db:"status" json:"status"`
	OwnerName         string     `db:"owner_name" json:"owner_name"`
	Email             string     `db:"email" json:"email"`
	CompanyName       string     `db:"company_name" json:"company_name"`
	TxnID             string     `db:"txn_id" json:"txn_id"`
	DateCreated       time.Time  `db:"date_created" json:"date_created"`
	DateRenewed       *time.Time `db:"date_renewed" json:"date_renewed,omitempty"`
	DateExpiry        *time.Time `db:"date_expiry" json:"date_expiry,omitempty"`
	PackageSlug       string     `db:"package_slug" json:"package_slug"`
	PackageType       string     `db:"package_type" json:"package_type"`
	HMACKey           string     `db:"hmac_key" json:"hmac_key"`
	CryptoKey         string     `db:"crypto_key" json:"crypto_key"`
	Data              JSONMap    `db:"data" json:"data"`
}

// HasDomain reports whether domain is in the allowed list.
func (l *License) HasDomain(domain string) bool {
	for _, d := range l.AllowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// NextDeactivate returns the Unix timestamp before which deactivation is
// refused, or zero when no cooldown is recorded. The value is stored through
// JSONB so it may scan back as float64 or json.Number depending on the path
// that wrote it.
func (l *License) NextDeactivate() int64 {
	raw, ok := l.Data[DataKeyNextDeactivate]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// APIOwner returns the id of the API key that owns this record, or "".
func (l *License) APIOwner() string {
	owner, _ := l.Data[DataKeyAPIOwner].(string)
	return owner
}

// IsExpired reports whether the license carries an expiry date in the past.
// Comparison is by calendar day, not instant: a license expiring today is
// already expired.
func (l *License) IsExpired(now time.Time) bool {
	if l.DateExpiry == nil {
		return false
	}
	today := now.Truncate(24 * time.Hour)
	return !l.DateExpiry.After(today)
}

// FormatDate renders a nullable date the way the APIs expose it: "YYYY-MM-DD"
// or the empty string.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
