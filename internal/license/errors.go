// Package license implements the license lifecycle: CRUD with ownership
// rules, the activation/deactivation state machine, signature issuance and
// verification, and the expiry sweep.
package license

import (
	"errors"
	"fmt"
	"net/http"
)

// Rejection is a structured refusal from the license engine. Code and Data
// are returned to the client verbatim; HTTPStatus drives the response status.
// A Rejection is an expected outcome of the state machine, not a server
// fault, which is why it is distinct from plain errors: handlers render
// Rejections as client-facing JSON and treat everything else as a 500.
type Rejection struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("license: %s: %s", r.Code, r.Message)
}

// Rejection codes.
const (
	CodeInvalidLicenseKey    = "invalid_license_key"
	CodeInvalidLicenseData   = "invalid_license_data"
	CodeLicenseNotFound      = "license_not_found"
	CodeLicenseExists        = "license_exists"
	CodeIllegalStatus        = "illegal_license_status"
	CodeMaxDomainsReached    = "max_domains_reached"
	CodeAlreadyActivated     = "license_already_activated"
	CodeAlreadyDeactivated   = "license_already_deactivated"
	CodeTooEarlyDeactivation = "too_early_deactivation"
	CodeUnexpectedError      = "unexpected_error"
)

func rejectInvalidKey() *Rejection {
	return &Rejection{
		Code:       CodeInvalidLicenseKey,
		Message:    "The provided license key is invalid.",
		HTTPStatus: http.StatusBadRequest,
	}
}

func rejectInvalidData(errs []string) *Rejection {
	return &Rejection{
		Code:       CodeInvalidLicenseData,
		Message:    "The provided license data is invalid.",
		HTTPStatus: http.StatusBadRequest,
		Data:       map[string]interface{}{"errors": errs},
	}
}

func rejectNotFound() *Rejection {
	return &Rejection{
		Code:       CodeLicenseNotFound,
		Message:    "The license could not be found.",
		HTTPStatus: http.StatusNotFound,
	}
}

func rejectExists(licenseKey string) *Rejection {
	return &Rejection{
		Code:       CodeLicenseExists,
		Message:    "A license with this key already exists.",
		HTTPStatus: http.StatusConflict,
		Data:       map[string]interface{}{"license_key": licenseKey},
	}
}

// rejectIllegalStatus refuses a state transition for a license that is
// on-hold, blocked, or expired. The offending status is always included; for
// expired licenses the expiry date rides along so clients can tell their
// users when the license lapsed.
func rejectIllegalStatus(status, dateExpiry string) *Rejection {
	r := &Rejection{
		Code:       CodeIllegalStatus,
		Message:    "The license status does not allow this operation.",
		HTTPStatus: http.StatusForbidden,
		Data:       map[string]interface{}{"status": status},
	}
	if dateExpiry != "" {
		r.Data["date_expiry"] = dateExpiry
	}
	return r
}

func rejectMaxDomains() *Rejection {
	return &Rejection{
		Code:       CodeMaxDomainsReached,
		Message:    "The license has reached the maximum number of allowed domains.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

func rejectAlreadyActivated() *Rejection {
	return &Rejection{
		Code:       CodeAlreadyActivated,
		Message:    "The license is already activated for this domain.",
		HTTPStatus: http.StatusConflict,
	}
}

func rejectAlreadyDeactivated() *Rejection {
	return &Rejection{
		Code:       CodeAlreadyDeactivated,
		Message:    "The license is already deactivated for this domain.",
		HTTPStatus: http.StatusConflict,
	}
}

func rejectTooEarlyDeactivation(nextDeactivate int64) *Rejection {
	return &Rejection{
		Code:       CodeTooEarlyDeactivation,
		Message:    "The license cannot be deactivated again yet.",
		HTTPStatus: http.StatusForbidden,
		Data:       map[string]interface{}{"next_deactivate": nextDeactivate},
	}
}

// RejectUnexpected wraps an internal failure for client consumption. The
// underlying error is deliberately absent from the payload; it belongs in
// logs, not responses.
func RejectUnexpected() *Rejection {
	return &Rejection{
		Code:       CodeUnexpectedError,
		Message:    "An unexpected error occurred.",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// AsRejection returns the Rejection inside err, or nil when err is a plain
// error.
func AsRejection(err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	return nil
}
