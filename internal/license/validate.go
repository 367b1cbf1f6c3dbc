package license

import (
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/db/models"
)

// slugPattern matches the package slugs accepted across the server: lowercase
// alphanumerics separated by single hyphens, the shape a normalized archive
// root directory must also carry.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

const dateLayout = "2006-01-02"

// LicenseInput is the client-supplied payload for add and edit operations.
// Pointer fields distinguish "absent" from "zero" so edits only touch the
// fields the caller sent.
type LicenseInput struct {
	LicenseKey        *string  `json:"license_key"`
	MaxAllowedDomains *int     `json:"max_allowed_domains"`
	AllowedDomains    []string `json:"allowed_domains"`
	Status            *string  `json:"status"`
	OwnerName         *string  `json:"owner_name"`
	Email             *string  `json:"email"`
	CompanyName       *string  `json:"company_name"`
	TxnID             *string  `json:"txn_id"`
	DateCreated       *string  `json:"date_created"`
	DateRenewed       *string  `json:"date_renewed"`
	DateExpiry        *string  `json:"date_expiry"`
	PackageSlug       *string  `json:"package_slug"`
	PackageType       *string  `json:"package_type"`
}

// validateInput collects every field error instead of stopping at the first,
// so a client can fix its payload in one round trip. forCreate additionally
// requires the fields a new record cannot exist without.
func validateInput(in *LicenseInput, forCreate bool) []string {
	var errs []string

	if forCreate {
		if in.PackageSlug == nil {
			errs = append(errs, "package_slug is required")
		}
		if in.Email == nil {
			errs = append(errs, "email is required")
		}
	}

	// A blank key on create is filled in with a generated one, so only
	// caller-supplied values are held to the length rule.
	if in.LicenseKey != nil && *in.LicenseKey != "" && len(*in.LicenseKey) < 8 {
		errs = append(errs, "license_key must be at least 8 characters")
	}
	if in.MaxAllowedDomains != nil && *in.MaxAllowedDomains < 1 {
		errs = append(errs, "max_allowed_domains must be at least 1")
	}
	if in.Status != nil && !models.ValidLicenseStatuses[*in.Status] {
		errs = append(errs, fmt.Sprintf("status %q is not a valid license status", *in.Status))
	}
	if in.Email != nil {
		if _, err := mail.ParseAddress(*in.Email); err != nil {
			errs = append(errs, "email is not a valid address")
		}
	}
	if in.PackageSlug != nil && !slugPattern.MatchString(*in.PackageSlug) {
		errs = append(errs, "package_slug must be lowercase alphanumerics and hyphens")
	}
	if in.PackageType != nil && !models.ValidPackageTypes[*in.PackageType] {
		errs = append(errs, fmt.Sprintf("package_type %q is not one of plugin, theme, generic", *in.PackageType))
	}
	for _, d := range in.AllowedDomains {
		if len(d) < 5 {
			errs = append(errs, fmt.Sprintf("allowed_domains entry %q is shorter than 5 characters", d))
		}
	}

	for _, f := range []struct {
		name  string
		value *string
	}{
		{"date_created", in.DateCreated},
		{"date_renewed", in.DateRenewed},
		{"date_expiry", in.DateExpiry},
	} {
		if f.value == nil || *f.value == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, *f.value); err != nil {
			errs = append(errs, fmt.Sprintf("%s must use the YYYY-MM-DD format", f.name))
		}
	}

	return errs
}

// dedupeDomains keeps the first occurrence of each domain, preserving the
// caller's order. Stored domain lists are ordered sets.
func dedupeDomains(domains []string) models.StringList {
	seen := make(map[string]struct{}, len(domains))
	out := make(models.StringList, 0, len(domains))
	for _, d := range domains {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// parseDate converts an optional "YYYY-MM-DD" string into a nullable time.
// The empty string clears the date.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
