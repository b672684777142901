package identitytest

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	jwtgo "github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/bertrandmartel/othent/sdk/binary"
	"github.com/bertrandmartel/othent/sdk/identity"
)

type pendingCode struct {
	nonce     string
	challenge string
}

// Server is an authorization server issuing RS256 id tokens for the
// subject of NewUserClaims. It answers every authorize request with a code,
// as a provider with a logged in user does.
type Server struct {
	URL      string
	ClientID string

	server *httptest.Server
	key    *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]pendingCode
	refreshTokens map[string]bool
	claims        map[string]interface{}
	counter       int
}

func NewServer(t *testing.T, clientID string) *Server {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{
		ClientID:      clientID,
		key:           key,
		codes:         make(map[string]pendingCode),
		refreshTokens: make(map[string]bool),
		claims:        make(map[string]interface{}),
	}
	e := echo.New()
	e.GET("/.well-known/openid-configuration", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"issuer":                 s.URL + "/",
			"authorization_endpoint": s.URL + "/authorize",
			"token_endpoint":         s.URL + "/oauth/token",
			"jwks_uri":               s.URL + "/.well-known/jwks.json",
		})
	})
	e.GET("/.well-known/jwks.json", func(c echo.Context) error {
		k, err := jwk.New(&s.key.PublicKey)
		if err != nil {
			return err
		}
		k.Set(jwk.KeyIDKey, "kid-1")
		set := jwk.NewSet()
		set.Add(k)
		return c.JSON(http.StatusOK, set)
	})
	e.GET("/authorize", s.authorize)
	e.POST("/oauth/token", s.token)
	s.server = httptest.NewServer(e)
	s.URL = s.server.URL
	t.Cleanup(s.server.Close)
	return s
}

// SetClaims adds claims to every id token issued from now on, e.g. the
// wallet claims once the user was created.
func (s *Server) SetClaims(claims map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range claims {
		s.claims[k] = v
	}
}

// Follow plays a popup: it requests authorizeURL and returns the callback
// url the server redirected to.
func (s *Server) Follow(client *http.Client, authorizeURL string) (string, error) {
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	r, err := noRedirect.Get(authorizeURL)
	if err != nil {
		return "", err
	}
	r.Body.Close()
	return r.Header.Get("Location"), nil
}

func (s *Server) authorize(c echo.Context) error {
	q := c.Request().URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	s.mu.Lock()
	s.counter++
	code := fmt.Sprintf("code-%d", s.counter)
	s.codes[code] = pendingCode{nonce: q.Get("nonce"), challenge: q.Get("code_challenge")}
	s.mu.Unlock()

	values := url.Values{}
	values.Set("state", q.Get("state"))
	values.Set("code", code)
	redirect.RawQuery = values.Encode()
	return c.Redirect(http.StatusFound, redirect.String())
}

func (s *Server) token(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := ""
	switch form.Get("grant_type") {
	case "authorization_code":
		pending, ok := s.codes[form.Get("code")]
		delete(s.codes, form.Get("code"))
		challenge, _ := binary.Hash([]byte(form.Get("code_verifier")), binary.SHA256)
		if !ok || binary.B64UrlEncode(challenge) != pending.challenge {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid_grant", "error_description": "bad code"})
		}
		nonce = pending.nonce
	case "refresh_token":
		if !s.refreshTokens[form.Get("refresh_token")] {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid_grant", "error_description": "Unknown or invalid refresh token."})
		}
		delete(s.refreshTokens, form.Get("refresh_token"))
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
	s.counter++
	refreshToken := fmt.Sprintf("rt-%d", s.counter)
	s.refreshTokens[refreshToken] = true

	user := NewUserClaims()
	claims := jwtgo.MapClaims{
		"iss":   s.URL + "/",
		"aud":   s.ClientID,
		"sub":   user.Subject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"nonce": nonce,
		"email": user.Email,
	}
	for k, v := range s.claims {
		claims[k] = v
	}
	token := jwtgo.NewWithClaims(jwtgo.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	idToken, err := token.SignedString(s.key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, identity.TokenResponse{
		AccessToken:  "access",
		IDToken:      idToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    86400,
	})
}
