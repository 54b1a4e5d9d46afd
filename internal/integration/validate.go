package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
)

var (
	// ErrInvalidAuth means the account credentials were rejected.
	ErrInvalidAuth = errors.New("invalid credentials")

	// ErrNoPupils means the account authenticated but has no pupils.
	ErrNoPupils = errors.New("no pupils on account")

	// ErrAlreadyConfigured means an entry for the same account is
	// already set up.
	ErrAlreadyConfigured = errors.New("account already configured")
)

// ValidateAccount logs in and fetches the roster, classifying failures
// into ErrInvalidAuth, ErrNoPupils, or a wrapped classcharts error.
func ValidateAccount(ctx context.Context, client classcharts.Client) ([]classcharts.Pupil, error) {
	if err := client.Login(ctx); err != nil {
		return nil, classify(err)
	}
	pupils, err := client.GetPupils(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(pupils) == 0 {
		return nil, ErrNoPupils
	}
	return pupils, nil
}

func classify(err error) error {
	switch {
	case classcharts.IsAuthentication(err):
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	case classcharts.IsValidation(err) && strings.Contains(strings.ToLower(err.Error()), "no pupils"):
		return fmt.Errorf("%w: %w", ErrNoPupils, err)
	default:
		return err
	}
}

// ErrorCode maps a setup or validation error to the short code shown
// to the user.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAuth):
		return "invalid_auth"
	case errors.Is(err, ErrNoPupils):
		return "no_pupils"
	case errors.Is(err, ErrAlreadyConfigured):
		return "already_configured"
	case classcharts.IsValidation(err):
		return "validation_error"
	default:
		return "unknown"
	}
}

// IsPermanent reports setup errors that retrying cannot fix. Anything
// else (network failures, server errors) may succeed on a later try.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidAuth) ||
		errors.Is(err, ErrNoPupils) ||
		errors.Is(err, ErrAlreadyConfigured)
}
