package identity

import (
	"context"

	"github.com/bertrandmartel/othent/sdk/jwt"
)

// AuthorizationParams are extra parameters sent with authorize and token
// requests, e.g. transaction_input.
type AuthorizationParams map[string]string

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Provider is the identity provider client. Every token request bypasses
// any cache, since the token carries per request data.
type Provider interface {
	Initialize(ctx context.Context) error
	GetTokenSilently(ctx context.Context, params AuthorizationParams) (*TokenResponse, error)
	// LoginWithPopup blocks until the popup flow completes and returns the
	// tokens it obtained.
	LoginWithPopup(ctx context.Context, params AuthorizationParams) (*TokenResponse, error)
	// LoginWithRedirect navigates the host away and returns ErrRedirecting.
	LoginWithRedirect(ctx context.Context, params AuthorizationParams) error
	HandleRedirectCallback(ctx context.Context, callbackURL string) (*TokenResponse, error)
	DecodeIDToken(ctx context.Context, idToken string) (*jwt.Claims, error)
	IsAuthenticated(ctx context.Context) (bool, error)
	Logout(ctx context.Context, returnTo string) error
}
