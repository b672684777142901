// Package wallet exposes the othent session and key service as an arweave
// wallet: connect, sign, dispatch, encrypt, decrypt and message signatures.
package wallet

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bertrandmartel/othent/sdk/application"
	"github.com/bertrandmartel/othent/sdk/arweave"
	"github.com/bertrandmartel/othent/sdk/auth"
	"github.com/bertrandmartel/othent/sdk/config"
	"github.com/bertrandmartel/othent/sdk/events"
	"github.com/bertrandmartel/othent/sdk/identity"
	"github.com/bertrandmartel/othent/sdk/kms"
	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/bertrandmartel/othent/sdk/metrics"
	"github.com/bertrandmartel/othent/sdk/session"
)

type Permission string

const (
	PermissionAccessAddress       Permission = "ACCESS_ADDRESS"
	PermissionAccessAllAddresses  Permission = "ACCESS_ALL_ADDRESSES"
	PermissionAccessArweaveConfig Permission = "ACCESS_ARWEAVE_CONFIG"
	PermissionAccessPublicKey     Permission = "ACCESS_PUBLIC_KEY"
	PermissionDecrypt             Permission = "DECRYPT"
	PermissionDispatch            Permission = "DISPATCH"
	PermissionEncrypt             Permission = "ENCRYPT"
	PermissionSignTransaction     Permission = "SIGN_TRANSACTION"
	PermissionSignature           Permission = "SIGNATURE"
)

// AllPermissions is sorted. The wallet always holds all of them.
var AllPermissions = []Permission{
	PermissionAccessAddress,
	PermissionAccessAllAddresses,
	PermissionAccessArweaveConfig,
	PermissionAccessPublicKey,
	PermissionDecrypt,
	PermissionDispatch,
	PermissionEncrypt,
	PermissionSignTransaction,
	PermissionSignature,
}

var (
	ErrMissingCachedUser        = errors.New("missing cached user")
	ErrUnexpectedAuthentication = errors.New("unexpected authentication error")
	ErrPartialPermissions       = errors.New("othent implicitly has access to all available permissions, pass no permissions or all of them")
	ErrErrorEventsDisabled      = errors.New("error events can only be listened to when throwErrors is false")
	ErrMissingBuilder           = errors.New("no arweave transaction builder configured")
	ErrMissingUploader          = errors.New("no arweave uploader configured")
	ErrMissingDataItemSigner    = errors.New("no data item signer configured")
	ErrMissingTransaction       = errors.New("missing transaction")
)

type Options struct {
	Config *config.Config
	// Host provides the http client, the storage backends, the popup and
	// the navigation.
	Host application.Host
	// Provider defaults to identity.OIDC built from Config and Host.
	Provider           identity.Provider
	Builder            arweave.Builder
	Uploader           arweave.Uploader
	DataItems          arweave.DataItemSigner
	InitialUserDetails *session.UserDetails
	// CurrentURL is the page the wallet is loaded on. An eager connect is
	// skipped when it carries an authorization response.
	CurrentURL string
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
}

type ConnectOptions struct {
	Permissions []Permission
	AppInfo     *config.AppInfo
	Gateway     *config.GatewayConfig
}

type DispatchOptions struct {
	// Node is the bundler, config.DispatchNode when empty.
	Node string
	// Uploader overrides the wallet uploader for the fallback upload.
	Uploader arweave.Uploader
}

type Wallet struct {
	cfg       *config.Config
	auth      *auth.Client
	api       *kms.Client
	builder   arweave.Builder
	uploader  arweave.Uploader
	dataItems arweave.DataItemSigner
	bundler   *arweave.Bundler
	log       zerolog.Logger
	metrics   *metrics.Metrics
	errors    *events.Handler[error]

	mu         sync.Mutex
	gateway    config.GatewayConfig
	tokens     map[string]bool
	currentURL string
}

func New(opts Options) (*Wallet, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.OrNop(opts.Logger).With().Str("component", "wallet").Logger()

	httpClient := http.DefaultClient
	var (
		cookies session.CookieSlot
		durable session.DurableStore
	)
	if opts.Host != nil {
		if c := opts.Host.GetHTTPClient(); c != nil {
			httpClient = c
		}
		cookies = opts.Host.Cookies()
		durable = opts.Host.LocalStorage()
	}

	provider := opts.Provider
	if provider == nil {
		oidc, err := identity.NewOIDC(identity.OIDCOptions{
			Domain:        cfg.Domain,
			ClientID:      cfg.ClientID,
			Strategy:      cfg.Strategy,
			RedirectURI:   cfg.RedirectURI,
			Host:          opts.Host,
			HTTPClient:    httpClient,
			RefreshTokens: durable,
			PopupTimeout:  cfg.PopupTimeout(),
			Logger:        &log,
			Metrics:       opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		provider = oidc
	}

	authClient, err := auth.New(auth.Options{
		Provider:           provider,
		Config:             cfg,
		Cookies:            cookies,
		Durable:            durable,
		InitialUserDetails: opts.InitialUserDetails,
		Logger:             &log,
		Metrics:            opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	api, err := kms.New(kms.Options{
		BaseURL:    cfg.ServerBaseURL,
		Tokens:     authClient,
		HTTPClient: httpClient,
		Logger:     &log,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Wallet{
		cfg:        cfg,
		auth:       authClient,
		api:        api,
		builder:    opts.Builder,
		uploader:   opts.Uploader,
		dataItems:  opts.DataItems,
		bundler:    &arweave.Bundler{HTTPClient: httpClient},
		log:        log,
		metrics:    opts.Metrics,
		errors:     events.NewHandler[error](events.Options{AlwaysDeliver: true, SkipReplay: true, Logger: &log}),
		gateway:    cfg.Gateway,
		tokens:     make(map[string]bool),
		currentURL: opts.CurrentURL,
	}, nil
}

// Init initializes the identity client and, with autoConnect "eager",
// connects unless the current url is a login callback.
func (w *Wallet) Init(ctx context.Context) error {
	if err := w.auth.Initialize(ctx); err != nil {
		_, err = handle[struct{}](w, struct{}{}, err)
		return err
	}
	if w.cfg.AutoConnect == config.AutoConnectEager && !isCallbackURL(w.currentURL) {
		if _, err := w.Connect(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

func isCallbackURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	q := u.Query()
	return q.Has("code") || q.Has("state")
}

func (w *Wallet) IsReady() bool {
	return w.auth.IsReady()
}

func (w *Wallet) IsAuthenticated() bool {
	return w.auth.IsAuthenticated()
}

// Auth returns the session client.
func (w *Wallet) Auth() *auth.Client {
	return w.auth
}

// OnAuth registers a listener of user details changes and returns the
// function removing it.
func (w *Wallet) OnAuth(listener func(*session.UserDetails)) func() {
	id := w.auth.AuthEvents().Add(listener)
	return func() { w.auth.AuthEvents().Delete(id) }
}

// OnError registers a listener of the errors the wallet methods do not
// return, only allowed when throwErrors is false.
func (w *Wallet) OnError(listener func(error)) (func(), error) {
	if w.cfg.ThrowErrors {
		return nil, ErrErrorEventsDisabled
	}
	id := w.errors.Add(listener)
	return func() { w.errors.Delete(id) }, nil
}

// Close stops the session expiry timer and tab syncing.
func (w *Wallet) Close() {
	w.auth.Close()
}

// StartTabSyncing follows logins and logouts made by other instances
// sharing the local storage backend.
func (w *Wallet) StartTabSyncing() (func(), error) {
	return w.auth.StartTabSyncing()
}

// handle returns err unchanged when errors are thrown. Otherwise err goes to
// the error listeners, or to the log when there is none, and the zero value
// is returned without error.
func handle[T any](w *Wallet, value T, err error) (T, error) {
	if err == nil || w.cfg.ThrowErrors {
		return value, err
	}
	if w.errors.HasListeners() {
		w.errors.Emit(err)
	} else {
		w.log.Warn().Err(err).Msg("unhandled error, add an error listener when throwErrors is false")
	}
	var zero T
	return zero, nil
}

// Connect authenticates the user, silently when a session exists and with
// the configured login method otherwise. A nil result without error means
// the user declined to log in.
func (w *Wallet) Connect(ctx context.Context, opts *ConnectOptions) (*session.UserDetails, error) {
	details, err := w.connect(ctx, opts)
	return handle(w, details, err)
}

func (w *Wallet) connect(ctx context.Context, opts *ConnectOptions) (*session.UserDetails, error) {
	if opts != nil {
		if opts.Permissions != nil && !hasAllPermissions(opts.Permissions) {
			return nil, ErrPartialPermissions
		}
		if opts.AppInfo != nil {
			w.auth.SetAppInfo(*opts.AppInfo)
		}
		if opts.Gateway != nil {
			w.mu.Lock()
			w.gateway = *opts.Gateway
			w.mu.Unlock()
		}
	}

	result, err := w.auth.RequestTokenSilently(ctx, nil)
	if err != nil {
		if !identity.IsNoSession(err) {
			return nil, err
		}
		w.log.Warn().Err(err).Msg("no session to refresh, logging in")
		result, err = w.auth.LogIn(ctx)
		if err != nil {
			if identity.IsDeclined(err) {
				w.log.Warn().Err(err).Msg("login declined")
				return nil, nil
			}
			return nil, err
		}
	}
	return w.completeConnection(ctx, result)
}

// completeConnection creates the wallet of a first time user with the token
// already obtained, then refreshes once to read the created wallet.
func (w *Wallet) completeConnection(ctx context.Context, result *auth.TokenResult) (*session.UserDetails, error) {
	if result != nil && result.IDToken != "" && result.UserDetails == nil {
		if err := w.api.CreateUser(ctx, result.IDToken); err != nil {
			return nil, err
		}
		var err error
		result, err = w.auth.RequestTokenSilently(ctx, nil)
		if err != nil {
			return nil, err
		}
	}
	if result != nil && result.IDToken != "" && result.UserDetails != nil {
		return result.UserDetails, nil
	}
	if err := w.auth.LogOut(ctx); err != nil {
		w.log.Warn().Err(err).Msg("logout after unexpected authentication failed")
	}
	return nil, ErrUnexpectedAuthentication
}

// CompleteConnectionAfterRedirect finishes a redirect login. It returns nil
// when callbackURL carries no authorization response.
func (w *Wallet) CompleteConnectionAfterRedirect(ctx context.Context, callbackURL string) (*session.UserDetails, error) {
	details, err := w.completeConnectionAfterRedirect(ctx, callbackURL)
	return handle(w, details, err)
}

func (w *Wallet) completeConnectionAfterRedirect(ctx context.Context, callbackURL string) (*session.UserDetails, error) {
	if w.cfg.LoginMethod != config.LoginMethodRedirect {
		w.log.Warn().Msg(`completing a redirect login is a no-op unless loginMethod is "redirect"`)
	}
	if callbackURL == "" {
		callbackURL = w.currentURL
	}
	u, err := url.Parse(callbackURL)
	if err != nil || callbackURL == "" {
		return nil, nil
	}
	if q := u.Query(); !q.Has("code") || !q.Has("state") {
		return nil, nil
	}
	result, err := w.auth.HandleRedirectCallback(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	return w.completeConnection(ctx, result)
}

func (w *Wallet) Disconnect(ctx context.Context) error {
	_, err := handle(w, struct{}{}, w.auth.LogOut(ctx))
	return err
}

// RequireAuth fails with ErrMissingCachedUser unless a user is cached. With
// autoConnect other than "off" it connects first when not authenticated.
func (w *Wallet) RequireAuth(ctx context.Context) error {
	_, _, err := w.requireUser(ctx)
	_, err = handle(w, struct{}{}, err)
	return err
}

func (w *Wallet) requireUser(ctx context.Context) (sub string, publicKey string, err error) {
	if w.cfg.AutoConnect != config.AutoConnectOff && !w.auth.IsAuthenticated() {
		if _, err := w.connect(ctx, nil); err != nil {
			return "", "", err
		}
	}
	sub = w.auth.GetCachedUserSub()
	publicKey = w.auth.GetCachedUserPublicKey()
	if sub == "" || publicKey == "" {
		return "", "", ErrMissingCachedUser
	}
	return sub, publicKey, nil
}

func (w *Wallet) GetActiveAddress() string {
	return w.auth.GetCachedUserAddress()
}

// GetActivePublicKey returns the owner, the modulus of the user key.
func (w *Wallet) GetActivePublicKey() string {
	return w.auth.GetCachedUserPublicKey()
}

// GetAllAddresses returns the single wallet address of the user, if any.
func (w *Wallet) GetAllAddresses() []string {
	if address := w.auth.GetCachedUserAddress(); address != "" {
		return []string{address}
	}
	return []string{}
}

// GetWalletNames maps the wallet address to its label, e.g.
// "Google (email@gmail.com)".
func (w *Wallet) GetWalletNames() map[string]string {
	address := w.auth.GetCachedUserAddress()
	label := w.auth.GetCachedUserAddressLabel()
	if address == "" || label == "" {
		return map[string]string{}
	}
	return map[string]string{address: label}
}

func (w *Wallet) GetUserDetails() *session.UserDetails {
	return w.auth.GetCachedUserDetails()
}

func (w *Wallet) GetArweaveConfig() config.GatewayConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gateway
}

func (w *Wallet) GetPermissions() []Permission {
	return append([]Permission(nil), AllPermissions...)
}

// AddToken only tracks the token in memory.
func (w *Wallet) AddToken(id string) {
	w.log.Warn().Str("token", id).Msg("tokens are only tracked in memory")
	w.mu.Lock()
	w.tokens[id] = true
	w.mu.Unlock()
}

func (w *Wallet) IsTokenAdded(id string) bool {
	w.log.Warn().Str("token", id).Msg("tokens are only tracked in memory")
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens[id]
}

func hasAllPermissions(permissions []Permission) bool {
	sorted := make([]string, len(permissions))
	for i, p := range permissions {
		sorted[i] = string(p)
	}
	sort.Strings(sorted)
	all := make([]string, len(AllPermissions))
	for i, p := range AllPermissions {
		all[i] = string(p)
	}
	return strings.Join(sorted, "-") == strings.Join(all, "-")
}
