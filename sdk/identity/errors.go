package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrLoginRequired means the provider holds no session for the user.
	ErrLoginRequired = errors.New("login required")
	// ErrMissingRefreshToken means a refresh token strategy has no token to
	// use, as after a restart with in-memory placement.
	ErrMissingRefreshToken = errors.New("missing refresh token")
	ErrPopupClosed         = errors.New("popup closed")
	ErrPopupTimeout        = errors.New("popup timeout")
	ErrPopupBlocked        = errors.New("unable to open a popup")
	// ErrRedirecting is returned once the host has navigated to the login
	// page. The flow resumes with HandleRedirectCallback.
	ErrRedirecting   = errors.New("redirecting")
	ErrInvalidState  = errors.New("invalid state")
	ErrNotDiscovered = errors.New("provider configuration not loaded")
)

// ProviderError is an OAuth error response.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is maps the OAuth codes meaning "no usable session" to ErrLoginRequired.
func (e *ProviderError) Is(target error) bool {
	if target != ErrLoginRequired {
		return false
	}
	switch e.Code {
	case "login_required", "interaction_required", "consent_required", "invalid_grant":
		return true
	}
	return false
}

// IsNoSession reports whether err means silent authentication cannot
// succeed and the user must log in.
func IsNoSession(err error) bool {
	return errors.Is(err, ErrLoginRequired) || errors.Is(err, ErrMissingRefreshToken)
}

// IsDeclined reports whether an interactive login ended without the user
// authenticating.
func IsDeclined(err error) bool {
	return errors.Is(err, ErrPopupClosed) || errors.Is(err, ErrPopupTimeout) || errors.Is(err, ErrPopupBlocked)
}
