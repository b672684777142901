package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dgrijalva/jwt-go"
	"github.com/lestrrat-go/jwx/jwk"
)

// Claims is an ID token as minted for the KMS: standard OIDC profile claims
// plus the wallet claims added by the identity provider rules.
type Claims struct {
	jwt.StandardClaims
	Name              string          `json:"name,omitempty"`
	GivenName         string          `json:"given_name,omitempty"`
	MiddleName        string          `json:"middle_name,omitempty"`
	FamilyName        string          `json:"family_name,omitempty"`
	Nickname          string          `json:"nickname,omitempty"`
	PreferredUsername string          `json:"preferred_username,omitempty"`
	Profile           string          `json:"profile,omitempty"`
	Picture           string          `json:"picture,omitempty"`
	Website           string          `json:"website,omitempty"`
	Locale            string          `json:"locale,omitempty"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
	Email             string          `json:"email,omitempty"`
	EmailVerified     bool            `json:"email_verified,omitempty"`
	Nonce             string          `json:"nonce,omitempty"`
	SID               string          `json:"sid,omitempty"`
	Owner             string          `json:"owner,omitempty"`
	WalletAddress     string          `json:"walletAddress,omitempty"`
	AuthSystem        string          `json:"authSystem,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

type VerifyError struct {
	ErrorType string
	Err       error
}

const (
	ErrorSessionExpired = "SESSION_EXPIRED"
	ErrorValidation     = "JWT_VALIDATION_ERROR"
	ErrorTokenParse     = "JWT_TOKEN_PARSE_ERROR"
	ErrorNoJwksEndpoint = "JWT_JWKS_ENDPOINT_MISSING"
	ErrorOther          = "OTHER"
)

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %v", e.ErrorType, e.Err)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

func newVerifyError(errorType string, err error) *VerifyError {
	return &VerifyError{ErrorType: errorType, Err: err}
}

type VerifierOptions struct {
	JwksURL    string
	Issuer     string
	Audience   string
	HTTPClient *http.Client
	// SkipFields lists the claims not checked against the expected values,
	// "iss" or "aud".
	SkipFields []string
	// SkipSignature decodes tokens without checking their signature. Only
	// meant for tokens received over a channel already trusted, such as the
	// token endpoint response.
	SkipSignature bool
}

// Verifier decodes ID tokens, checking their signature against the issuer
// JWKS. The key set is fetched once and fetched again when a token is signed
// with an unknown key id.
type Verifier struct {
	opts VerifierOptions

	mu  sync.Mutex
	set jwk.Set
}

func NewVerifier(opts VerifierOptions) *Verifier {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Verifier{opts: opts}
}

func (v *Verifier) skip(field string) bool {
	for _, element := range v.opts.SkipFields {
		if element == field {
			return true
		}
	}
	return false
}

func (v *Verifier) keySet(ctx context.Context, refresh bool) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.set != nil && !refresh {
		return v.set, nil
	}
	set, err := jwk.Fetch(ctx, v.opts.JwksURL, jwk.WithHTTPClient(v.opts.HTTPClient))
	if err != nil {
		return nil, err
	}
	v.set = set
	return set, nil
}

func (v *Verifier) lookup(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	for _, refresh := range []bool{false, true} {
		set, err := v.keySet(ctx, refresh)
		if err != nil {
			return nil, err
		}
		if key, ok := set.LookupKeyID(keyID); ok {
			var raw rsa.PublicKey
			if err := key.Raw(&raw); err != nil {
				return nil, err
			}
			return &raw, nil
		}
	}
	return nil, fmt.Errorf("unable to find key %q", keyID)
}

// Decode parses and validates an ID token.
func (v *Verifier) Decode(ctx context.Context, idToken string) (*Claims, error) {
	claims := &Claims{}
	if v.opts.SkipSignature {
		if _, _, err := new(jwt.Parser).ParseUnverified(idToken, claims); err != nil {
			return nil, newVerifyError(ErrorTokenParse, err)
		}
		if err := claims.Valid(); err != nil {
			return nil, classify(err)
		}
	} else {
		if v.opts.JwksURL == "" {
			return nil, newVerifyError(ErrorNoJwksEndpoint, errors.New("jwks endpoint is missing"))
		}
		_, err := jwt.ParseWithClaims(idToken, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			keyID, ok := token.Header["kid"].(string)
			if !ok {
				return nil, errors.New("expecting JWT header to have string kid")
			}
			return v.lookup(ctx, keyID)
		})
		if err != nil {
			return nil, classify(err)
		}
	}
	if err := v.validate(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func classify(err error) *VerifyError {
	var validationErr *jwt.ValidationError
	if errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorExpired != 0 {
		return newVerifyError(ErrorSessionExpired, err)
	}
	return newVerifyError(ErrorTokenParse, err)
}

func (v *Verifier) validate(claims *Claims) error {
	if claims.Subject == "" {
		return newVerifyError(ErrorValidation, errors.New("sub field is missing"))
	}
	if v.opts.Issuer != "" && !v.skip("iss") {
		if strings.TrimSuffix(claims.Issuer, "/") != strings.TrimSuffix(v.opts.Issuer, "/") {
			return newVerifyError(ErrorValidation, fmt.Errorf("error validating issuer %v", claims.Issuer))
		}
	}
	if v.opts.Audience != "" && !v.skip("aud") {
		if !claims.VerifyAudience(v.opts.Audience, true) {
			return newVerifyError(ErrorValidation, fmt.Errorf("error validating aud %v", claims.Audience))
		}
	}
	return nil
}

// VerifyNonce checks the nonce of a token minted by an authorization request.
func VerifyNonce(claims *Claims, nonce string) error {
	if claims.Nonce != nonce {
		return newVerifyError(ErrorValidation, fmt.Errorf("error validating nonce %v", claims.Nonce))
	}
	return nil
}
