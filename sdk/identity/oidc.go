package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	"github.com/bertrandmartel/othent/sdk/application"
	"github.com/bertrandmartel/othent/sdk/binary"
	"github.com/bertrandmartel/othent/sdk/config"
	"github.com/bertrandmartel/othent/sdk/jwt"
	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/bertrandmartel/othent/sdk/metrics"
	"github.com/bertrandmartel/othent/sdk/session"
)

const (
	DefaultScope = "openid profile email offline_access"
	// RefreshTokenKey is the durable store key holding the refresh token. It
	// lives outside the session namespace: a session clear keeps it, only
	// Logout drops it.
	RefreshTokenKey = "@@othent-oidc@@::refresh_token"

	discoveryPath = "/.well-known/openid-configuration"
)

type OIDCOptions struct {
	// Domain is the provider host, e.g. auth.othent.io. A scheme may be given.
	Domain      string
	ClientID    string
	Strategy    config.Strategy
	RedirectURI string
	Scope       string
	Host        application.Host
	// HTTPClient defaults to the host client. For the iframe-cookies
	// strategy it must carry the provider session cookies.
	HTTPClient *http.Client
	// RefreshTokens holds the refresh token with the refresh-localstorage
	// strategy. Tokens are kept in memory otherwise.
	RefreshTokens session.DurableStore
	PopupTimeout  time.Duration
	Logger        *zerolog.Logger
	Metrics       *metrics.Metrics
}

type transaction struct {
	codeVerifier string
	nonce        string
	redirectURI  string
}

// OIDC is a Provider speaking OpenID Connect with PKCE.
type OIDC struct {
	opts       OIDCOptions
	issuerURL  string
	httpClient *http.Client
	log        zerolog.Logger

	mu            sync.Mutex
	conf          *configuration
	verifier      *jwt.Verifier
	refreshToken  string
	authenticated bool
	transactions  map[string]transaction
}

func NewOIDC(opts OIDCOptions) (*OIDC, error) {
	if opts.Domain == "" || opts.ClientID == "" {
		return nil, errors.New("domain and client id are required")
	}
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyRefreshMemory
	}
	if opts.Scope == "" {
		opts.Scope = DefaultScope
	}
	if opts.PopupTimeout == 0 {
		opts.PopupTimeout = config.DefaultPopupTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil && opts.Host != nil {
		httpClient = opts.Host.GetHTTPClient()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.Strategy == config.StrategyRefreshLocalStorage && opts.RefreshTokens == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrMissingBackend, RefreshTokenKey)
	}
	issuerURL := strings.TrimSuffix(opts.Domain, "/")
	if !strings.HasPrefix(issuerURL, "http://") && !strings.HasPrefix(issuerURL, "https://") {
		issuerURL = "https://" + issuerURL
	}
	return &OIDC{
		opts:         opts,
		issuerURL:    issuerURL,
		httpClient:   httpClient,
		log:          logger.OrNop(opts.Logger).With().Str("component", "oidc").Logger(),
		transactions: make(map[string]transaction),
	}, nil
}

// Initialize loads the provider configuration. It is safe to call again.
func (o *OIDC) Initialize(ctx context.Context) error {
	o.mu.Lock()
	loaded := o.conf != nil
	o.mu.Unlock()
	if loaded {
		return nil
	}
	conf := new(configuration)
	if err := fetchConfiguration(ctx, o.httpClient, o.issuerURL+discoveryPath, conf); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if conf.Issuer == "" {
		conf.Issuer = o.issuerURL + "/"
	}
	verifier := jwt.NewVerifier(jwt.VerifierOptions{
		JwksURL:    conf.JwksURI,
		Issuer:     conf.Issuer,
		Audience:   o.opts.ClientID,
		HTTPClient: o.httpClient,
	})
	o.mu.Lock()
	o.conf = conf
	o.verifier = verifier
	o.mu.Unlock()
	o.log.Debug().Str("issuer", conf.Issuer).Msg("provider configuration loaded")
	return nil
}

func (o *OIDC) configuration() (*configuration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conf == nil {
		return nil, ErrNotDiscovered
	}
	return o.conf, nil
}

func (o *OIDC) GetTokenSilently(ctx context.Context, params AuthorizationParams) (*TokenResponse, error) {
	var (
		token *TokenResponse
		err   error
	)
	if o.opts.Strategy.UsesRefreshTokens() {
		token, err = o.refresh(ctx, params)
	} else {
		token, err = o.authorizeSilently(ctx, params)
	}
	o.opts.Metrics.RecordToken("silent", outcome(err))
	return token, err
}

func (o *OIDC) refresh(ctx context.Context, params AuthorizationParams) (*TokenResponse, error) {
	conf, err := o.configuration()
	if err != nil {
		return nil, err
	}
	refreshToken, err := o.loadRefreshToken()
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", o.opts.ClientID)
	form.Set("refresh_token", refreshToken)

	token := new(TokenResponse)
	if err := fetchToken(ctx, o.httpClient, conf.TokenEndpoint, form, token); err != nil {
		if errors.Is(err, ErrLoginRequired) {
			o.log.Debug().Err(err).Msg("refresh token rejected")
			o.setAuthenticated(false)
			if err := o.storeRefreshToken(""); err != nil {
				o.log.Warn().Err(err).Msg("failed to drop refresh token")
			}
		}
		return nil, err
	}
	if token.RefreshToken != "" {
		if err := o.storeRefreshToken(token.RefreshToken); err != nil {
			return nil, err
		}
	}
	o.setAuthenticated(true)
	return token, nil
}

// authorizeSilently runs the authorization code flow with prompt=none,
// relying on the provider session cookie carried by the http client.
func (o *OIDC) authorizeSilently(ctx context.Context, params AuthorizationParams) (*TokenResponse, error) {
	authorizeURL, state, tx, err := o.buildAuthorizeURL(params, map[string]string{
		"prompt":        "none",
		"response_mode": "query",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeURL, nil)
	if err != nil {
		return nil, err
	}
	noRedirect := *o.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	r, err := noRedirect.Do(req)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	location := r.Header.Get("Location")
	if r.StatusCode < 300 || r.StatusCode >= 400 || location == "" {
		return nil, ErrLoginRequired
	}
	code, callbackState, err := callbackParams(location)
	if err != nil {
		return nil, err
	}
	if callbackState != state {
		return nil, ErrInvalidState
	}
	return o.exchange(ctx, code, tx, params)
}

func (o *OIDC) LoginWithPopup(ctx context.Context, params AuthorizationParams) (*TokenResponse, error) {
	token, err := o.loginWithPopup(ctx, params)
	o.opts.Metrics.RecordToken("popup", outcome(err))
	return token, err
}

func (o *OIDC) loginWithPopup(ctx context.Context, params AuthorizationParams) (*TokenResponse, error) {
	if o.opts.Host == nil {
		return nil, ErrPopupBlocked
	}
	authorizeURL, state, tx, err := o.buildAuthorizeURL(params, map[string]string{
		"response_mode": "query",
	})
	if err != nil {
		return nil, err
	}
	popupCtx, cancel := context.WithTimeout(ctx, o.opts.PopupTimeout)
	defer cancel()

	callbackURL, err := o.opts.Host.OpenPopup(popupCtx, authorizeURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrPopupTimeout
		}
		return nil, err
	}
	code, callbackState, err := callbackParams(callbackURL)
	if err != nil {
		return nil, err
	}
	if callbackState != state {
		return nil, ErrInvalidState
	}
	return o.exchange(ctx, code, tx, params)
}

func (o *OIDC) LoginWithRedirect(ctx context.Context, params AuthorizationParams) error {
	if o.opts.Host == nil {
		return errors.New("no host to navigate with")
	}
	authorizeURL, state, tx, err := o.buildAuthorizeURL(params, nil)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.transactions[state] = tx
	o.mu.Unlock()
	if err := o.opts.Host.Navigate(authorizeURL); err != nil {
		o.mu.Lock()
		delete(o.transactions, state)
		o.mu.Unlock()
		return err
	}
	o.opts.Metrics.RecordToken("redirect", "redirecting")
	return ErrRedirecting
}

func (o *OIDC) HandleRedirectCallback(ctx context.Context, callbackURL string) (*TokenResponse, error) {
	code, state, err := callbackParams(callbackURL)
	if err != nil {
		var providerErr *ProviderError
		if errors.As(err, &providerErr) {
			o.mu.Lock()
			delete(o.transactions, state)
			o.mu.Unlock()
		}
		return nil, err
	}
	o.mu.Lock()
	tx, ok := o.transactions[state]
	delete(o.transactions, state)
	o.mu.Unlock()
	if !ok {
		return nil, ErrInvalidState
	}
	token, err := o.exchange(ctx, code, tx, nil)
	o.opts.Metrics.RecordToken("redirect", outcome(err))
	return token, err
}

func (o *OIDC) exchange(ctx context.Context, code string, tx transaction, params AuthorizationParams) (*TokenResponse, error) {
	conf, err := o.configuration()
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", o.opts.ClientID)
	form.Set("code", code)
	form.Set("code_verifier", tx.codeVerifier)
	form.Set("redirect_uri", tx.redirectURI)

	token := new(TokenResponse)
	if err := fetchToken(ctx, o.httpClient, conf.TokenEndpoint, form, token); err != nil {
		return nil, err
	}
	claims, err := o.DecodeIDToken(ctx, token.IDToken)
	if err != nil {
		return nil, err
	}
	if err := jwt.VerifyNonce(claims, tx.nonce); err != nil {
		return nil, err
	}
	if token.RefreshToken != "" && o.opts.Strategy.UsesRefreshTokens() {
		if err := o.storeRefreshToken(token.RefreshToken); err != nil {
			return nil, err
		}
	}
	o.setAuthenticated(true)
	return token, nil
}

func (o *OIDC) buildAuthorizeURL(params AuthorizationParams, extra map[string]string) (string, string, transaction, error) {
	conf, err := o.configuration()
	if err != nil {
		return "", "", transaction{}, err
	}
	codeVerifier, err := randomVerifier()
	if err != nil {
		return "", "", transaction{}, err
	}
	challenge, err := binary.Hash([]byte(codeVerifier), binary.SHA256)
	if err != nil {
		return "", "", transaction{}, err
	}
	state := uuid.Must(uuid.NewV4()).String()
	tx := transaction{
		codeVerifier: codeVerifier,
		nonce:        uuid.Must(uuid.NewV4()).String(),
		redirectURI:  o.opts.RedirectURI,
	}
	if o.opts.Host != nil && o.opts.Host.GetConfig() != nil && tx.redirectURI == "" {
		tx.redirectURI = o.opts.Host.GetConfig().RedirectURI
	}

	u, err := url.Parse(conf.AuthorizationEndpoint)
	if err != nil {
		return "", "", transaction{}, err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	for k, v := range extra {
		q.Set(k, v)
	}
	q.Set("client_id", o.opts.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", o.opts.Scope)
	q.Set("state", state)
	q.Set("nonce", tx.nonce)
	q.Set("code_challenge", binary.B64UrlEncode(challenge))
	q.Set("code_challenge_method", "S256")
	if tx.redirectURI != "" {
		q.Set("redirect_uri", tx.redirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), state, tx, nil
}

func (o *OIDC) DecodeIDToken(ctx context.Context, idToken string) (*jwt.Claims, error) {
	o.mu.Lock()
	verifier := o.verifier
	o.mu.Unlock()
	if verifier == nil {
		return nil, ErrNotDiscovered
	}
	return verifier.Decode(ctx, idToken)
}

// IsAuthenticated reports whether the last token request succeeded.
func (o *OIDC) IsAuthenticated(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authenticated, nil
}

// Logout drops the provider tokens and navigates to the provider logout
// page, which ends the provider session and returns to returnTo.
func (o *OIDC) Logout(ctx context.Context, returnTo string) error {
	o.mu.Lock()
	o.authenticated = false
	o.transactions = make(map[string]transaction)
	conf := o.conf
	o.mu.Unlock()
	if err := o.storeRefreshToken(""); err != nil {
		o.log.Warn().Err(err).Msg("failed to drop refresh token")
	}
	if o.opts.Host == nil {
		return nil
	}
	endpoint := o.issuerURL + "/v2/logout"
	if conf != nil && conf.EndSessionEndpoint != "" {
		endpoint = conf.EndSessionEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("client_id", o.opts.ClientID)
	if returnTo != "" {
		q.Set("returnTo", returnTo)
		q.Set("post_logout_redirect_uri", returnTo)
	}
	u.RawQuery = q.Encode()
	return o.opts.Host.Navigate(u.String())
}

func (o *OIDC) setAuthenticated(authenticated bool) {
	o.mu.Lock()
	o.authenticated = authenticated
	o.mu.Unlock()
}

func (o *OIDC) loadRefreshToken() (string, error) {
	if o.opts.Strategy == config.StrategyRefreshLocalStorage {
		token, err := o.opts.RefreshTokens.GetItem(RefreshTokenKey)
		if errors.Is(err, session.ErrNotFound) {
			return "", nil
		}
		return token, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refreshToken, nil
}

func (o *OIDC) storeRefreshToken(token string) error {
	if o.opts.Strategy == config.StrategyRefreshLocalStorage {
		if token == "" {
			return o.opts.RefreshTokens.RemoveItem(RefreshTokenKey)
		}
		return o.opts.RefreshTokens.SetItem(RefreshTokenKey, token)
	}
	o.mu.Lock()
	o.refreshToken = token
	o.mu.Unlock()
	return nil
}

func randomVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return binary.B64UrlEncode(buf), nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRedirecting):
		return "redirecting"
	case IsNoSession(err):
		return "login_required"
	case errors.Is(err, ErrPopupClosed):
		return "popup_closed"
	case errors.Is(err, ErrPopupTimeout):
		return "popup_timeout"
	case errors.Is(err, ErrPopupBlocked):
		return "popup_blocked"
	}
	return "error"
}
