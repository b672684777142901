package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bertrandmartel/othent/sdk/config"
	"github.com/bertrandmartel/othent/sdk/events"
	"github.com/bertrandmartel/othent/sdk/identity"
	"github.com/bertrandmartel/othent/sdk/jwt"
	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/bertrandmartel/othent/sdk/metrics"
	"github.com/bertrandmartel/othent/sdk/session"
)

var (
	ErrClientNotReady  = errors.New("identity client is not ready, Initialize must complete first")
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrMissingIDToken  = errors.New("could not get the user's details")
)

type Options struct {
	Provider identity.Provider
	Config   *config.Config
	// Cookies and Durable back the cookie and local storage slots. They are
	// required when the matching persistence is configured.
	Cookies session.CookieSlot
	Durable session.DurableStore
	// InitialUserDetails skip restoring the durable snapshot.
	InitialUserDetails *session.UserDetails
	Logger             *zerolog.Logger
	Metrics            *metrics.Metrics
	Now                func() time.Time
}

// TokenResult is a freshly issued ID token. UserDetails is nil when the
// claims do not describe a valid user yet.
type TokenResult struct {
	IDToken     string
	Claims      *jwt.Claims
	UserDetails *session.UserDetails
}

type transition int

const (
	// restored values update the cache only
	restoreTransition transition = iota
	// authenticated values also update the auth flag and the storage slots
	authTransition
	// remote values come from another instance which already wrote storage
	remoteTransition
)

// Client owns the current user. Every change of the cached user details goes
// through setUserDetails.
type Client struct {
	provider identity.Provider
	store    *session.Store
	cfg      *config.Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	events   *events.Handler[*session.UserDetails]

	// transitionMu serializes user details transitions, mu guards fields
	transitionMu sync.Mutex

	mu            sync.Mutex
	ready         bool
	authenticated bool
	userDetails   *session.UserDetails
	updateID      string
	timer         *time.Timer
	timerGen      uint64
	appInfo       config.AppInfo
	stopSync      func()
}

// New fails with session.ErrInvalidStorageKey before any network activity
// when a storage key is outside the reserved namespace.
func New(opts Options) (*Client, error) {
	if opts.Provider == nil {
		return nil, errors.New("identity provider is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.OrNop(opts.Logger).With().Str("component", "auth").Logger()
	store, err := session.NewStore(session.StoreOptions{
		Cookies:    opts.Cookies,
		CookieKey:  cfg.ResolvedCookieKey(),
		Durable:    opts.Durable,
		DurableKey: cfg.ResolvedLocalStorageKey(),
		Expiration: cfg.RefreshTokenExpiration(),
		Logger:     &log,
		Now:        opts.Now,
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		provider: opts.Provider,
		store:    store,
		cfg:      cfg,
		log:      log,
		metrics:  opts.Metrics,
		events:   events.NewHandler[*session.UserDetails](events.Options{Logger: &log}),
		appInfo:  cfg.AppInfo,
	}
	c.restore(opts.InitialUserDetails)
	return c, nil
}

// Initialize sets up the identity provider client.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.provider.Initialize(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) AuthEvents() *events.Handler[*session.UserDetails] {
	return c.events
}

func (c *Client) SetAppInfo(appInfo config.AppInfo) {
	c.mu.Lock()
	c.appInfo = appInfo
	c.mu.Unlock()
}

func (c *Client) AppInfo() config.AppInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appInfo
}

// Store exposes the storage codec, e.g. to read the cookie slot.
func (c *Client) Store() *session.Store {
	return c.store
}

// AuthorizationParams builds the parameters attached to every token
// request. claims may be nil.
func (c *Client) AuthorizationParams(claims OperationClaims) (identity.AuthorizationParams, error) {
	input, err := TransactionInput(c.AppInfo(), claims)
	if err != nil {
		return nil, err
	}
	return identity.AuthorizationParams{"transaction_input": input}, nil
}

// RequestTokenSilently obtains a new token scoped to claims without user
// interaction. Errors meaning there is no session are returned as is, any
// other failure leaves the session in an unknown state and clears it.
func (c *Client) RequestTokenSilently(ctx context.Context, claims OperationClaims) (*TokenResult, error) {
	if !c.IsReady() {
		return nil, ErrClientNotReady
	}
	params, err := c.AuthorizationParams(claims)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("transaction_input", params["transaction_input"]).Msg("requesting token silently")

	token, err := c.provider.GetTokenSilently(ctx, params)
	if err != nil {
		if !identity.IsNoSession(err) && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("silent token request failed, clearing session")
			c.setUserDetails(nil, authTransition)
		}
		return nil, err
	}
	return c.handleToken(ctx, token)
}

// EncodeToken returns a raw ID token scoped to claims.
func (c *Client) EncodeToken(ctx context.Context, claims OperationClaims) (string, error) {
	result, err := c.RequestTokenSilently(ctx, claims)
	if err != nil {
		return "", err
	}
	return result.IDToken, nil
}

// LogIn runs the interactive login. With the popup method it blocks until
// the popup completes; with the redirect method it returns
// identity.ErrRedirecting once the host navigated away.
func (c *Client) LogIn(ctx context.Context) (*TokenResult, error) {
	if !c.IsReady() {
		return nil, ErrClientNotReady
	}
	authenticated, err := c.provider.IsAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	if authenticated {
		return nil, ErrAlreadyLoggedIn
	}
	params, err := c.AuthorizationParams(nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.LoginMethod == config.LoginMethodRedirect {
		if err := c.provider.LoginWithRedirect(ctx, params); err != nil {
			return nil, err
		}
		return nil, identity.ErrRedirecting
	}
	token, err := c.provider.LoginWithPopup(ctx, params)
	if err != nil {
		return nil, err
	}
	return c.handleToken(ctx, token)
}

// HandleRedirectCallback completes a redirect login from the url the
// provider redirected to.
func (c *Client) HandleRedirectCallback(ctx context.Context, callbackURL string) (*TokenResult, error) {
	if !c.IsReady() {
		return nil, ErrClientNotReady
	}
	token, err := c.provider.HandleRedirectCallback(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	return c.handleToken(ctx, token)
}

func (c *Client) handleToken(ctx context.Context, token *identity.TokenResponse) (*TokenResult, error) {
	if token == nil || token.IDToken == "" {
		c.setUserDetails(nil, authTransition)
		return nil, ErrMissingIDToken
	}
	claims, err := c.provider.DecodeIDToken(ctx, token.IDToken)
	if err != nil {
		c.setUserDetails(nil, authTransition)
		return nil, fmt.Errorf("decode id token: %w", err)
	}
	var next *session.UserDetails
	if session.IsValidUser(claims) {
		next = session.UserDetailsFromClaims(claims)
	} else {
		c.log.Debug().Str("sub", claims.Subject).Msg("token claims do not describe a wallet user yet")
	}
	return &TokenResult{
		IDToken:     token.IDToken,
		Claims:      claims,
		UserDetails: c.setUserDetails(next, authTransition),
	}, nil
}

// LogOut clears the cached user and the storage slots before asking the
// provider to end its session. Provider failures are only logged.
func (c *Client) LogOut(ctx context.Context) error {
	c.setUserDetails(nil, authTransition)
	return c.providerLogout(ctx)
}

func (c *Client) providerLogout(ctx context.Context) error {
	if !c.IsReady() {
		return ErrClientNotReady
	}
	if err := c.provider.Logout(ctx, c.cfg.ReturnToURI); err != nil {
		c.log.Warn().Err(err).Msg("provider logout failed")
	}
	return nil
}

// expire logs out the session the timer of generation gen was armed for.
// The generation is checked under the transition lock: a session installed
// after the timer fired is kept.
func (c *Client) expire(gen uint64) {
	_, applied := c.applyTransition(nil, authTransition, func() bool { return gen == c.timerGen })
	if !applied {
		return
	}
	c.log.Info().Msg("session expired")
	if err := c.providerLogout(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("logout on expiry failed")
	}
}

func (c *Client) restore(initial *session.UserDetails) {
	details := initial
	if details == nil {
		var err error
		details, err = c.store.Restore()
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to restore user details")
		}
	}
	c.setUserDetails(details, restoreTransition)
}

// setUserDetails replaces the cached user details. The cached pointer only
// changes when the content does, so callers comparing references see a
// change only for a real transition.
func (c *Client) setUserDetails(details *session.UserDetails, kind transition) *session.UserDetails {
	current, _ := c.applyTransition(details, kind, nil)
	return current
}

// applyTransition applies a user details change when cond, evaluated with mu
// held, is nil or true.
func (c *Client) applyTransition(details *session.UserDetails, kind transition, cond func() bool) (*session.UserDetails, bool) {
	c.transitionMu.Lock()

	updateID := events.UpdateID(details)
	c.mu.Lock()
	if cond != nil && !cond() {
		c.mu.Unlock()
		c.transitionMu.Unlock()
		return nil, false
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
	if details != nil {
		gen := c.timerGen
		c.timer = time.AfterFunc(c.cfg.RefreshTokenExpiration(), func() { c.expire(gen) })
	}
	changed := updateID != c.updateID
	if changed {
		c.userDetails = details
		c.updateID = updateID
	}
	if kind != restoreTransition {
		c.authenticated = details != nil
	}
	current := c.userDetails
	c.mu.Unlock()

	if kind == authTransition {
		if err := c.store.Persist(details); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist user details")
		}
	}
	c.transitionMu.Unlock()

	if changed {
		if current == nil {
			c.metrics.RecordSession("anonymous")
		} else {
			c.metrics.RecordSession("authenticated")
		}
	}
	c.events.Emit(current)
	return current, true
}

// StartTabSyncing follows the durable slot written by other instances: a
// write restores their user, a removal clears this instance without any
// network call since the other instance already logged out.
func (c *Client) StartTabSyncing() (func(), error) {
	if c.store.DurableKey() == "" {
		c.log.Warn().Msg("tab syncing is a no-op unless local storage persistence is enabled")
		return func() {}, nil
	}
	stop, err := c.store.Watch(func(e session.StorageEvent) {
		if e.NewValue != nil {
			c.restore(nil)
			return
		}
		c.setUserDetails(nil, remoteTransition)
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stopSync = stop
	c.mu.Unlock()
	return stop, nil
}

// Close stops the expiry timer and tab syncing.
func (c *Client) Close() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
	stop := c.stopSync
	c.stopSync = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Client) GetCachedUserDetails() *session.UserDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userDetails
}

func (c *Client) GetCachedUserSub() string {
	if d := c.GetCachedUserDetails(); d != nil {
		return d.Sub
	}
	return ""
}

// GetCachedUserPublicKey returns the owner, the modulus of the user key.
func (c *Client) GetCachedUserPublicKey() string {
	if d := c.GetCachedUserDetails(); d != nil {
		return d.Owner
	}
	return ""
}

func (c *Client) GetCachedUserAddress() string {
	if d := c.GetCachedUserDetails(); d != nil {
		return d.WalletAddress
	}
	return ""
}

func (c *Client) GetCachedUserAddressLabel() string {
	if d := c.GetCachedUserDetails(); d != nil {
		return d.WalletAddressLabel
	}
	return ""
}

func (c *Client) GetCachedUserEmail() string {
	if d := c.GetCachedUserDetails(); d != nil {
		return d.Email
	}
	return ""
}
