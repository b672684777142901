package wallet

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bertrandmartel/othent/sdk/arweave"
	"github.com/bertrandmartel/othent/sdk/binary"
	"github.com/bertrandmartel/othent/sdk/config"
	"github.com/bertrandmartel/othent/sdk/identity"
	"github.com/bertrandmartel/othent/sdk/identity/identitytest"
	"github.com/bertrandmartel/othent/sdk/jwt"
	"github.com/bertrandmartel/othent/sdk/metrics"
	"github.com/bertrandmartel/othent/sdk/session"
)

var walletKey *rsa.PrivateKey

//executed before all test in this package
func TestMain(m *testing.M) {
	var err error
	walletKey, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func testOwner() string {
	return binary.B64UrlEncode(walletKey.N.Bytes())
}

func walletClaims() *jwt.Claims {
	claims := identitytest.ValidClaims()
	claims.Owner = testOwner()
	claims.WalletAddress, _ = binary.OwnerToAddress(claims.Owner)
	return claims
}

type testHost struct {
	cfg     *config.Config
	storage *session.MemoryTab
}

func (h *testHost) GetHTTPClient() *http.Client        { return http.DefaultClient }
func (h *testHost) GetConfig() *config.Config          { return h.cfg }
func (h *testHost) Cookies() session.CookieSlot        { return nil }
func (h *testHost) LocalStorage() session.DurableStore { return h.storage }

func (h *testHost) OpenPopup(ctx context.Context, authorizeURL string) (string, error) {
	return "", identity.ErrPopupBlocked
}

func (h *testHost) Navigate(location string) error {
	return nil
}

type kmsInput struct {
	Data struct {
		KeyName    string              `json:"keyName"`
		Data       map[string]int      `json:"data"`
		Plaintext  binary.BufferObject `json:"plaintext"`
		Ciphertext binary.BufferObject `json:"ciphertext"`
	} `json:"data"`
}

// fakeKMS reads the operation from the token, which the mocked provider
// sets to the transaction input, and signs with walletKey.
type fakeKMS struct {
	server *httptest.Server

	mu    sync.Mutex
	calls map[string]int
	// onCreateUser runs when a user is created.
	onCreateUser func()
}

func newFakeKMS(t *testing.T) *fakeKMS {
	f := &fakeKMS{calls: make(map[string]int)}
	e := echo.New()
	e.POST("/create-user", func(c echo.Context) error {
		f.count("createUser")
		if f.onCreateUser != nil {
			f.onCreateUser()
		}
		return c.JSON(http.StatusOK, map[string]bool{"data": true})
	})
	e.POST("/sign", func(c echo.Context) error {
		f.count("sign")
		input, err := decodeInput(c)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		data := make([]byte, len(input.Data.Data))
		for k, v := range input.Data.Data {
			i, _ := strconv.Atoi(k)
			data[i] = byte(v)
		}
		digest := sha256.Sum256(data)
		signature, err := rsa.SignPSS(rand.Reader, walletKey, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: 32})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"signData": binary.B64UrlEncode(signature)})
	})
	e.POST("/encrypt", func(c echo.Context) error {
		f.count("encrypt")
		input, err := decodeInput(c)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		return c.JSON(http.StatusOK, map[string]string{"encryptData": binary.B64UrlEncode(reverse(input.Data.Plaintext.Data))})
	})
	e.POST("/decrypt", func(c echo.Context) error {
		f.count("decrypt")
		input, err := decodeInput(c)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		return c.JSON(http.StatusOK, map[string]string{"decryptData": binary.B64UrlEncode(reverse(input.Data.Ciphertext.Data))})
	})
	f.server = httptest.NewServer(e)
	t.Cleanup(f.server.Close)
	return f
}

func decodeInput(c echo.Context) (*kmsInput, error) {
	req := struct {
		EncodedData string `json:"encodedData"`
	}{}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	input := new(kmsInput)
	if err := json.Unmarshal([]byte(req.EncodedData), input); err != nil {
		return nil, err
	}
	if input.Data.KeyName != identitytest.ValidClaims().Subject {
		return nil, errors.New("unexpected key name")
	}
	return input, nil
}

func reverse(values []int) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[len(values)-1-i] = byte(v)
	}
	return out
}

func (f *fakeKMS) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeKMS) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

type fakeBuilder struct {
	attributes []arweave.CreateTransactionAttributes
}

func (b *fakeBuilder) CreateTransaction(ctx context.Context, attributes arweave.CreateTransactionAttributes) (*arweave.Transaction, error) {
	b.attributes = append(b.attributes, attributes)
	return &arweave.Transaction{
		Owner:    attributes.Owner,
		Target:   attributes.Target,
		Quantity: attributes.Quantity,
		Reward:   attributes.Reward,
		Data:     attributes.Data,
	}, nil
}

func (b *fakeBuilder) SignatureData(ctx context.Context, tx *arweave.Transaction) ([]byte, error) {
	return append([]byte("signature data:"), tx.Data...), nil
}

type fakeUploader struct {
	uploaded []*arweave.Transaction
}

func (u *fakeUploader) Upload(ctx context.Context, tx *arweave.Transaction) error {
	u.uploaded = append(u.uploaded, tx)
	return nil
}

type fakeDataItems struct {
	items   []arweave.DataItem
	signers []arweave.Signer
}

func (d *fakeDataItems) SignDataItem(ctx context.Context, item arweave.DataItem, signer arweave.Signer) ([]byte, error) {
	d.items = append(d.items, item)
	d.signers = append(d.signers, signer)
	signature, err := signer.Sign(ctx, item.Data)
	if err != nil {
		return nil, err
	}
	return append(signature, item.Data...), nil
}

type fixture struct {
	wallet   *Wallet
	provider *identitytest.MockProvider
	kms      *fakeKMS
	builder  *fakeBuilder
	uploader *fakeUploader
	items    *fakeDataItems
	metrics  *metrics.Metrics
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ReturnToURI = "https://app.example"
	cfg.RedirectURI = "https://app.example"
	cfg.AppInfo = config.AppInfo{Name: "OthentTesting", Version: "0.1", Env: "testing"}
	cfg.PersistLocalStorage = true
	cfg.Tags = []config.Tag{{Name: "Protocol", Value: "Testing"}}
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, currentURL string) *fixture {
	f := &fixture{
		provider: new(identitytest.MockProvider),
		kms:      newFakeKMS(t),
		builder:  &fakeBuilder{},
		uploader: &fakeUploader{},
		items:    &fakeDataItems{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	cfg.ServerBaseURL = f.kms.server.URL
	f.provider.On("Initialize", mock.Anything).Return(nil)
	f.provider.On("Logout", mock.Anything, cfg.ReturnToURI).Return(nil)

	w, err := New(Options{
		Config:     cfg,
		Host:       &testHost{cfg: cfg, storage: session.NewMemoryStorage().Tab()},
		Provider:   f.provider,
		Builder:    f.builder,
		Uploader:   f.uploader,
		DataItems:  f.items,
		CurrentURL: currentURL,
		Metrics:    f.metrics,
	})
	require.Nil(t, err)
	t.Cleanup(w.Close)
	f.wallet = w
	return f
}

// silent answers every silent token request with the transaction input as
// the token. The claims are decoded in order, the last one repeatedly.
func (f *fixture) silent(claims ...*jwt.Claims) {
	token := &identity.TokenResponse{}
	f.provider.On("GetTokenSilently", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		token.IDToken = args.Get(1).(identity.AuthorizationParams)["transaction_input"]
	}).Return(token, nil)
	f.decodes(claims...)
}

func (f *fixture) decodes(claims ...*jwt.Claims) {
	for i, c := range claims {
		call := f.provider.On("DecodeIDToken", mock.Anything, mock.Anything).Return(c, nil)
		if i < len(claims)-1 {
			call.Once()
		}
	}
}

func (f *fixture) connect(t *testing.T) *session.UserDetails {
	f.silent(walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))
	details, err := f.wallet.Connect(context.Background(), nil)
	require.Nil(t, err)
	require.NotNil(t, details)
	return details
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AppInfo.Name = ""
	_, err := New(Options{Config: cfg, Provider: new(identitytest.MockProvider)})
	assert.Equal(t, config.ErrIncompleteAppInfo, err)

	cfg = testConfig()
	cfg.LocalStorageKey = "userDetails"
	_, err = New(Options{Config: cfg, Provider: new(identitytest.MockProvider)})
	assert.True(t, errors.Is(err, session.ErrInvalidStorageKey))
}

func TestConnectExistingUser(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	details := f.connect(t)

	assert.Equal(t, testOwner(), details.Owner)
	assert.True(t, f.wallet.IsAuthenticated())
	assert.Equal(t, details.WalletAddress, f.wallet.GetActiveAddress())
	assert.Equal(t, testOwner(), f.wallet.GetActivePublicKey())
	assert.Equal(t, []string{details.WalletAddress}, f.wallet.GetAllAddresses())
	assert.Equal(t, map[string]string{details.WalletAddress: "Google (test@example.com)"}, f.wallet.GetWalletNames())
	assert.Equal(t, details, f.wallet.GetUserDetails())

	f.provider.AssertNumberOfCalls(t, "GetTokenSilently", 1)
	assert.Equal(t, 0, f.kms.called("createUser"))
}

func TestConnectNewUser(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.silent(identitytest.NewUserClaims(), walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))

	details, err := f.wallet.Connect(context.Background(), nil)
	require.Nil(t, err)
	require.NotNil(t, details)
	assert.Equal(t, testOwner(), details.Owner)

	f.provider.AssertNumberOfCalls(t, "GetTokenSilently", 2)
	assert.Equal(t, 1, f.kms.called("createUser"))
}

func TestConnectNewUserAfterLogin(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.provider.On("GetTokenSilently", mock.Anything, mock.Anything).Return(nil, identity.ErrLoginRequired).Once()
	f.provider.On("IsAuthenticated", mock.Anything).Return(false, nil)
	f.provider.On("LoginWithPopup", mock.Anything, mock.Anything).Return(&identity.TokenResponse{IDToken: "popup-token"}, nil)
	f.silent(identitytest.NewUserClaims(), walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))

	details, err := f.wallet.Connect(context.Background(), nil)
	require.Nil(t, err)
	require.NotNil(t, details)
	assert.True(t, details.Valid())

	assert.Equal(t, 1, f.kms.called("createUser"))
	f.provider.AssertNumberOfCalls(t, "GetTokenSilently", 2)
	f.provider.AssertNumberOfCalls(t, "LoginWithPopup", 1)
}

// browserHost plays a browser for the real provider client: the popup
// follows the authorize redirect and local storage is one tab.
type browserHost struct {
	testHost
	idp    *identitytest.Server
	client *http.Client
}

func newBrowserHost(t *testing.T, cfg *config.Config, idp *identitytest.Server, tab *session.MemoryTab) *browserHost {
	jar, err := cookiejar.New(nil)
	require.Nil(t, err)
	return &browserHost{
		testHost: testHost{cfg: cfg, storage: tab},
		idp:      idp,
		client:   &http.Client{Jar: jar},
	}
}

func (h *browserHost) GetHTTPClient() *http.Client { return h.client }

func (h *browserHost) OpenPopup(ctx context.Context, authorizeURL string) (string, error) {
	return h.idp.Follow(h.client, authorizeURL)
}

func TestConnectFirstTimeUserWithStoredRefreshToken(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = config.StrategyRefreshLocalStorage
	idp := identitytest.NewServer(t, cfg.ClientID)
	cfg.Domain = idp.URL
	kms := newFakeKMS(t)
	cfg.ServerBaseURL = kms.server.URL
	claims := walletClaims()
	kms.onCreateUser = func() {
		idp.SetClaims(map[string]interface{}{
			"owner":         claims.Owner,
			"walletAddress": claims.WalletAddress,
			"authSystem":    session.AuthSystemKMS,
		})
	}
	// the refresh token and the user details share one tab
	tab := session.NewMemoryStorage().Tab()
	w, err := New(Options{Config: cfg, Host: newBrowserHost(t, cfg, idp, tab)})
	require.Nil(t, err)
	t.Cleanup(w.Close)
	require.Nil(t, w.Init(context.Background()))

	details, err := w.Connect(context.Background(), nil)
	require.Nil(t, err)
	require.NotNil(t, details)
	assert.True(t, details.Valid())
	assert.Equal(t, testOwner(), details.Owner)
	assert.Equal(t, 1, kms.called("createUser"))

	_, err = tab.GetItem(identity.RefreshTokenKey)
	assert.Nil(t, err)
	_, err = tab.GetItem(session.DefaultStorageKey)
	assert.Nil(t, err)

	require.Nil(t, w.Disconnect(context.Background()))
	keys, err := tab.Keys()
	require.Nil(t, err)
	assert.Empty(t, keys)
}

func TestConnectLogsIn(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.provider.On("GetTokenSilently", mock.Anything, mock.Anything).Return(nil, identity.ErrMissingRefreshToken)
	f.provider.On("IsAuthenticated", mock.Anything).Return(false, nil)
	f.provider.On("LoginWithPopup", mock.Anything, mock.Anything).Return(&identity.TokenResponse{IDToken: "popup-token"}, nil)
	f.provider.On("DecodeIDToken", mock.Anything, "popup-token").Return(walletClaims(), nil)
	require.Nil(t, f.wallet.Init(context.Background()))

	details, err := f.wallet.Connect(context.Background(), nil)
	require.Nil(t, err)
	require.NotNil(t, details)
	assert.True(t, f.wallet.IsAuthenticated())
	f.provider.AssertNumberOfCalls(t, "GetTokenSilently", 1)
	f.provider.AssertNumberOfCalls(t, "LoginWithPopup", 1)
}

func TestConnectDeclined(t *testing.T) {
	for _, declined := range []error{identity.ErrPopupClosed, identity.ErrPopupTimeout, identity.ErrPopupBlocked} {
		f := newFixture(t, testConfig(), "")
		f.provider.On("GetTokenSilently", mock.Anything, mock.Anything).Return(nil, &identity.ProviderError{Code: "login_required"})
		f.provider.On("IsAuthenticated", mock.Anything).Return(false, nil)
		f.provider.On("LoginWithPopup", mock.Anything, mock.Anything).Return(nil, declined)
		require.Nil(t, f.wallet.Init(context.Background()))

		details, err := f.wallet.Connect(context.Background(), nil)
		assert.Nil(t, err)
		assert.Nil(t, details)
		assert.False(t, f.wallet.IsAuthenticated())
	}
}

func TestConnectRedirecting(t *testing.T) {
	cfg := testConfig()
	cfg.LoginMethod = config.LoginMethodRedirect
	f := newFixture(t, cfg, "")
	f.provider.On("GetTokenSilently", mock.Anything, mock.Anything).Return(nil, identity.ErrMissingRefreshToken)
	f.provider.On("IsAuthenticated", mock.Anything).Return(false, nil)
	f.provider.On("LoginWithRedirect", mock.Anything, mock.Anything).Return(nil)
	require.Nil(t, f.wallet.Init(context.Background()))

	_, err := f.wallet.Connect(context.Background(), nil)
	assert.Equal(t, identity.ErrRedirecting, err)
}

func TestConnectUnexpectedAuthentication(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.silent(identitytest.NewUserClaims())
	require.Nil(t, f.wallet.Init(context.Background()))

	details, err := f.wallet.Connect(context.Background(), nil)
	assert.Equal(t, ErrUnexpectedAuthentication, err)
	assert.Nil(t, details)
	assert.False(t, f.wallet.IsAuthenticated())
	f.provider.AssertCalled(t, "Logout", mock.Anything, "https://app.example")
}

func TestConnectOptions(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.silent(walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))

	_, err := f.wallet.Connect(context.Background(), &ConnectOptions{Permissions: []Permission{PermissionSignature}})
	assert.Equal(t, ErrPartialPermissions, err)
	f.provider.AssertNotCalled(t, "GetTokenSilently", mock.Anything, mock.Anything)

	permissions := []Permission{
		PermissionSignature, PermissionSignTransaction, PermissionEncrypt,
		PermissionDispatch, PermissionDecrypt, PermissionAccessPublicKey,
		PermissionAccessArweaveConfig, PermissionAccessAllAddresses, PermissionAccessAddress,
	}
	gateway := config.GatewayConfig{Host: "localhost", Port: 1984, Protocol: "http"}
	appInfo := config.AppInfo{Name: "OtherApp", Version: "2.0", Env: "staging"}
	details, err := f.wallet.Connect(context.Background(), &ConnectOptions{
		Permissions: permissions,
		AppInfo:     &appInfo,
		Gateway:     &gateway,
	})
	require.Nil(t, err)
	require.NotNil(t, details)
	assert.Equal(t, gateway, f.wallet.GetArweaveConfig())
	assert.Equal(t, AllPermissions, f.wallet.GetPermissions())

	signed, err := f.wallet.Sign(context.Background(), &arweave.Transaction{Data: []byte("data")})
	require.Nil(t, err)
	assert.Contains(t, signed.Tags, arweave.Tag{Name: "App-Name", Value: "OtherApp"})
}

func TestMissingCachedUser(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	require.Nil(t, f.wallet.Init(context.Background()))

	_, err := f.wallet.Encrypt(context.Background(), []byte("plaintext"))
	assert.Equal(t, ErrMissingCachedUser, err)
	_, err = f.wallet.Sign(context.Background(), &arweave.Transaction{})
	assert.Equal(t, ErrMissingCachedUser, err)
	_, err = f.wallet.Dispatch(context.Background(), &arweave.Transaction{}, nil)
	assert.Equal(t, ErrMissingCachedUser, err)
	assert.Equal(t, ErrMissingCachedUser, f.wallet.RequireAuth(context.Background()))

	assert.Equal(t, "", f.wallet.GetActiveAddress())
	assert.Equal(t, []string{}, f.wallet.GetAllAddresses())
	assert.Equal(t, map[string]string{}, f.wallet.GetWalletNames())
	assert.Nil(t, f.wallet.GetUserDetails())
	f.provider.AssertNotCalled(t, "GetTokenSilently", mock.Anything, mock.Anything)
}

func TestLazyConnect(t *testing.T) {
	cfg := testConfig()
	cfg.AutoConnect = config.AutoConnectLazy
	f := newFixture(t, cfg, "")
	f.silent(walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))
	f.provider.AssertNotCalled(t, "GetTokenSilently", mock.Anything, mock.Anything)

	ciphertext, err := f.wallet.Encrypt(context.Background(), []byte("plaintext"))
	require.Nil(t, err)
	assert.True(t, f.wallet.IsAuthenticated())
	plaintext, err := f.wallet.Decrypt(context.Background(), ciphertext)
	require.Nil(t, err)
	assert.Equal(t, []byte("plaintext"), plaintext)
	assert.Equal(t, 1, f.kms.called("encrypt"))
	assert.Equal(t, 1, f.kms.called("decrypt"))
}

func TestInitEagerConnect(t *testing.T) {
	cfg := testConfig()
	cfg.AutoConnect = config.AutoConnectEager
	cfg.LoginMethod = config.LoginMethodRedirect
	f := newFixture(t, cfg, "https://app.example/?code=abc&state=xyz")
	f.silent(walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))
	f.provider.AssertNotCalled(t, "GetTokenSilently", mock.Anything, mock.Anything)
	assert.True(t, f.wallet.IsReady())

	f = newFixture(t, cfg, "https://app.example/wallet")
	f.silent(walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))
	assert.True(t, f.wallet.IsAuthenticated())
}

func TestCompleteConnectionAfterRedirect(t *testing.T) {
	cfg := testConfig()
	cfg.LoginMethod = config.LoginMethodRedirect
	f := newFixture(t, cfg, "")
	f.provider.On("HandleRedirectCallback", mock.Anything, "https://app.example/?code=abc&state=xyz").
		Return(&identity.TokenResponse{IDToken: "redirect-token"}, nil)
	f.silent(identitytest.NewUserClaims(), walletClaims())
	require.Nil(t, f.wallet.Init(context.Background()))

	details, err := f.wallet.CompleteConnectionAfterRedirect(context.Background(), "https://app.example/?state=xyz")
	assert.Nil(t, err)
	assert.Nil(t, details)
	f.provider.AssertNotCalled(t, "HandleRedirectCallback", mock.Anything, mock.Anything)

	details, err = f.wallet.CompleteConnectionAfterRedirect(context.Background(), "https://app.example/?code=abc&state=xyz")
	require.Nil(t, err)
	require.NotNil(t, details)
	assert.Equal(t, testOwner(), details.Owner)
	assert.Equal(t, 1, f.kms.called("createUser"))
	f.provider.AssertNumberOfCalls(t, "GetTokenSilently", 1)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.connect(t)

	require.Nil(t, f.wallet.Disconnect(context.Background()))
	assert.False(t, f.wallet.IsAuthenticated())
	assert.Equal(t, "", f.wallet.GetActiveAddress())
	f.provider.AssertCalled(t, "Logout", mock.Anything, "https://app.example")
}

func TestSign(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.connect(t)

	tx := &arweave.Transaction{
		Data:     []byte("hello"),
		Target:   "target-address",
		Quantity: "100",
		Reward:   "10",
		Tags:     []arweave.Tag{{Name: "Content-Type", Value: "text/plain"}},
	}
	signed, err := f.wallet.Sign(context.Background(), tx)
	require.Nil(t, err)

	assert.Equal(t, "", tx.ID)
	assert.Equal(t, testOwner(), signed.Owner)
	assert.Equal(t, arweave.CreateTransactionAttributes{
		Data:     []byte("hello"),
		Owner:    testOwner(),
		Target:   "target-address",
		Quantity: "100",
		Reward:   "10",
	}, f.builder.attributes[0])
	assert.Equal(t, []arweave.Tag{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Protocol", Value: "Testing"},
		{Name: "App-Name", Value: "OthentTesting"},
		{Name: "App-Version", Value: "0.1"},
		{Name: "App-Env", Value: "testing"},
		{Name: "Client", Value: config.ClientName},
		{Name: "Client-Version", Value: config.ClientVersion},
	}, signed.Tags)

	signature, err := binary.B64UrlDecode(signed.Signature)
	require.Nil(t, err)
	id := sha256.Sum256(signature)
	assert.Equal(t, binary.B64UrlEncode(id[:]), signed.ID)
	digest := sha256.Sum256([]byte("signature data:hello"))
	assert.Nil(t, rsa.VerifyPSS(&walletKey.PublicKey, crypto.SHA256, digest[:], signature, nil))
}

func TestMissingTransaction(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.connect(t)

	_, err := f.wallet.Sign(context.Background(), nil)
	assert.Equal(t, ErrMissingTransaction, err)
	_, err = f.wallet.Dispatch(context.Background(), nil, nil)
	assert.Equal(t, ErrMissingTransaction, err)
	assert.Empty(t, f.builder.attributes)
	assert.Empty(t, f.items.items)
}

func TestSignMessage(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.connect(t)
	ctx := context.Background()

	signature, err := f.wallet.SignMessage(ctx, []byte("message"), nil)
	require.Nil(t, err)

	valid, err := f.wallet.VerifyMessage(ctx, []byte("message"), signature, "", nil)
	require.Nil(t, err)
	assert.True(t, valid)

	valid, err = f.wallet.VerifyMessage(ctx, []byte("message"), signature, testOwner(), &SignMessageOptions{HashAlgorithm: binary.SHA256})
	require.Nil(t, err)
	assert.True(t, valid)

	valid, err = f.wallet.VerifyMessage(ctx, []byte("other message"), signature, "", nil)
	require.Nil(t, err)
	assert.False(t, valid)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.Nil(t, err)
	valid, err = f.wallet.VerifyMessage(ctx, []byte("message"), signature, binary.B64UrlEncode(other.N.Bytes()), nil)
	require.Nil(t, err)
	assert.False(t, valid)

	_, err = f.wallet.VerifyMessage(ctx, []byte("message"), signature, "", &SignMessageOptions{HashAlgorithm: "MD5"})
	assert.True(t, errors.Is(err, binary.ErrUnknownHashAlgorithm))

	raw, err := f.wallet.Signature(ctx, []byte("raw"))
	require.Nil(t, err)
	assert.Len(t, raw, 256)
}

func TestPrivateHash(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	digest, err := f.wallet.PrivateHash([]byte("secret"), nil)
	require.Nil(t, err)
	expected := sha256.Sum256([]byte("secret"))
	assert.Equal(t, expected[:], digest)

	digest, err = f.wallet.PrivateHash([]byte("secret"), &SignMessageOptions{HashAlgorithm: binary.SHA512})
	require.Nil(t, err)
	assert.Len(t, digest, 64)
}

func newBundler(t *testing.T, status int) (*httptest.Server, *[]byte) {
	received := new([]byte)
	e := echo.New()
	e.POST("/tx", func(c echo.Context) error {
		*received, _ = io.ReadAll(c.Request().Body)
		if status != http.StatusOK {
			return c.String(status, "bundler unavailable")
		}
		return c.JSON(http.StatusOK, arweave.BundledTransaction{ID: "bundled-id", Owner: testOwner(), Signature: "bundled-signature"})
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, received
}

func TestDispatchBundled(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.connect(t)
	bundler, received := newBundler(t, http.StatusOK)

	result, err := f.wallet.Dispatch(context.Background(), &arweave.Transaction{
		Data:   []byte("bundled data"),
		Target: "target-address",
		Tags:   []arweave.Tag{{Name: "Content-Type", Value: "text/plain"}},
	}, &DispatchOptions{Node: bundler.URL})
	require.Nil(t, err)
	assert.Equal(t, arweave.DispatchBundled, result.Type)
	assert.Equal(t, "bundled-id", result.ID)
	require.NotNil(t, result.Bundle)

	require.Len(t, f.items.items, 1)
	item := f.items.items[0]
	assert.Equal(t, "target-address", item.Target)
	assert.Contains(t, item.Tags, arweave.Tag{Name: "Client", Value: config.ClientName})
	signer := f.items.signers[0]
	assert.Equal(t, walletKey.N.Bytes(), signer.PublicKey)
	assert.Equal(t, arweave.SignatureTypeArweave, signer.SignatureType)
	assert.Equal(t, 512, signer.OwnerLength)
	assert.Equal(t, []byte("bundled data"), (*received)[len(*received)-len("bundled data"):])

	assert.Empty(t, f.uploader.uploaded)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Dispatches.WithLabelValues("BUNDLED")))
}

func TestDispatchFallback(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.connect(t)
	bundler, _ := newBundler(t, http.StatusServiceUnavailable)

	result, err := f.wallet.Dispatch(context.Background(), &arweave.Transaction{Data: []byte("base data")}, &DispatchOptions{Node: bundler.URL})
	require.Nil(t, err)
	assert.Equal(t, arweave.DispatchBase, result.Type)
	require.Len(t, f.uploader.uploaded, 1)
	uploaded := f.uploader.uploaded[0]
	assert.Equal(t, uploaded.ID, result.ID)
	assert.Equal(t, uploaded.Signature, result.Signature)
	assert.Equal(t, testOwner(), result.Owner)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Dispatches.WithLabelValues("BASE")))

	// unreachable node
	bundler.Close()
	override := &fakeUploader{}
	result, err = f.wallet.Dispatch(context.Background(), &arweave.Transaction{Data: []byte("base data")}, &DispatchOptions{Node: bundler.URL, Uploader: override})
	require.Nil(t, err)
	assert.Equal(t, arweave.DispatchBase, result.Type)
	assert.Len(t, override.uploaded, 1)
	assert.Len(t, f.uploader.uploaded, 1)
}

func TestNoThrow(t *testing.T) {
	cfg := testConfig()
	cfg.ThrowErrors = false
	f := newFixture(t, cfg, "")
	require.Nil(t, f.wallet.Init(context.Background()))

	// without listener the error is only logged
	ciphertext, err := f.wallet.Encrypt(context.Background(), []byte("plaintext"))
	assert.Nil(t, err)
	assert.Nil(t, ciphertext)

	var received []error
	remove, err := f.wallet.OnError(func(err error) {
		received = append(received, err)
	})
	require.Nil(t, err)

	_, err = f.wallet.Encrypt(context.Background(), []byte("plaintext"))
	assert.Nil(t, err)
	_, err = f.wallet.Decrypt(context.Background(), []byte("ciphertext"))
	assert.Nil(t, err)
	assert.Equal(t, []error{ErrMissingCachedUser, ErrMissingCachedUser}, received)

	remove()
	_, _ = f.wallet.Encrypt(context.Background(), []byte("plaintext"))
	assert.Len(t, received, 2)

	f = newFixture(t, testConfig(), "")
	_, err = f.wallet.OnError(func(error) {})
	assert.Equal(t, ErrErrorEventsDisabled, err)
}

func TestOnAuth(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	var (
		mu   sync.Mutex
		last *session.UserDetails
	)
	remove := f.wallet.OnAuth(func(details *session.UserDetails) {
		mu.Lock()
		last = details
		mu.Unlock()
	})
	details := f.connect(t)
	mu.Lock()
	assert.Equal(t, details, last)
	mu.Unlock()

	remove()
	require.Nil(t, f.wallet.Disconnect(context.Background()))
	mu.Lock()
	assert.Equal(t, details, last)
	mu.Unlock()
}

func TestTokens(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	assert.False(t, f.wallet.IsTokenAdded("token-id"))
	f.wallet.AddToken("token-id")
	assert.True(t, f.wallet.IsTokenAdded("token-id"))
}
