package classcharts

import "errors"

// Error taxonomy for the remote API. Any other error returned by a
// Client is a transient failure (network, decode, server error).
var (
	// ErrAuthentication means the credentials were rejected or the
	// session is missing or expired.
	ErrAuthentication = errors.New("classcharts: authentication failed")

	// ErrValidation means the request or response was rejected as
	// malformed, including an account with no pupils.
	ErrValidation = errors.New("classcharts: validation failed")
)

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
