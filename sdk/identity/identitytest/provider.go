// Package identitytest provides a mock identity provider for tests.
package identitytest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/bertrandmartel/othent/sdk/identity"
	"github.com/bertrandmartel/othent/sdk/jwt"
)

// MockProvider is a mock implementation of identity.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockProvider) GetTokenSilently(ctx context.Context, params identity.AuthorizationParams) (*identity.TokenResponse, error) {
	args := m.Called(ctx, params)
	if got := args.Get(0); got != nil {
		return got.(*identity.TokenResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) LoginWithPopup(ctx context.Context, params identity.AuthorizationParams) (*identity.TokenResponse, error) {
	args := m.Called(ctx, params)
	if got := args.Get(0); got != nil {
		return got.(*identity.TokenResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) LoginWithRedirect(ctx context.Context, params identity.AuthorizationParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockProvider) HandleRedirectCallback(ctx context.Context, callbackURL string) (*identity.TokenResponse, error) {
	args := m.Called(ctx, callbackURL)
	if got := args.Get(0); got != nil {
		return got.(*identity.TokenResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) DecodeIDToken(ctx context.Context, idToken string) (*jwt.Claims, error) {
	args := m.Called(ctx, idToken)
	if got := args.Get(0); got != nil {
		return got.(*jwt.Claims), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) IsAuthenticated(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockProvider) Logout(ctx context.Context, returnTo string) error {
	args := m.Called(ctx, returnTo)
	return args.Error(0)
}

// ValidClaims returns the claims of a user whose wallet exists.
func ValidClaims() *jwt.Claims {
	claims := NewUserClaims()
	claims.Owner = "dGVzdC1vd25lci1tb2R1bHVz"
	claims.WalletAddress = "kWt6BDnqBJIEfrHK_nDRGLN7VuUUzWpOqj5pg9n4n1c"
	claims.AuthSystem = "KMS"
	return claims
}

// NewUserClaims returns the claims of a user authenticated with the provider
// whose wallet has not been created yet.
func NewUserClaims() *jwt.Claims {
	claims := &jwt.Claims{
		Email: "test@example.com",
	}
	claims.Subject = "google-oauth2|113378216876216346016"
	return claims
}
