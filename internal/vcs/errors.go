// errors.go defines sentinel error values shared across all resolver
// implementations, plus the RemoteAPIError wrapper for provider API failures.
package vcs

import "errors"

var (
	// Configuration errors
	ErrUnknownProviderKind = errors.New("unknown VCS provider kind")
	ErrRepoURLRequired     = errors.New("repository URL is required")
	ErrRepoURLInvalid      = errors.New("repository URL is not owner/name shaped")
	ErrResolverUnavailable = errors.New("no resolver registered for provider")

	// Remote lookup errors
	ErrFileNotFound   = errors.New("remote file not found")
	ErrBranchNotFound = errors.New("branch not found")
	ErrTagNotFound    = errors.New("tag not found")
	ErrRateLimited    = errors.New("provider API rate limit exceeded")
)

// RemoteAPIError represents a failure reported by the provider API. Transport
// errors carry StatusCode 0.
type RemoteAPIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteAPIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// WrapRemoteError creates a RemoteAPIError.
func WrapRemoteError(status int, reason string, err error) *RemoteAPIError {
	return &RemoteAPIError{
		StatusCode: status,
		Message:    reason,
		Err:        err,
	}
}
