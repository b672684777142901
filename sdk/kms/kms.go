// Package kms is the client of the remote key service. Every request is
// authenticated by an ID token scoped to the operation it performs.
package kms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bertrandmartel/othent/sdk/auth"
	"github.com/bertrandmartel/othent/sdk/binary"
	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/bertrandmartel/othent/sdk/metrics"
)

const (
	OperationCreateUser = "createUser"
	OperationSign       = "sign"
	OperationEncrypt    = "encrypt"
	OperationDecrypt    = "decrypt"
)

var messages = map[string]string{
	OperationCreateUser: "Error creating user on server.",
	OperationSign:       "Error signing data on server.",
	OperationEncrypt:    "Error encrypting on server.",
	OperationDecrypt:    "Error decrypting on server.",
}

var routes = map[string]string{
	OperationCreateUser: "/create-user",
	OperationSign:       "/sign",
	OperationEncrypt:    "/encrypt",
	OperationDecrypt:    "/decrypt",
}

// OperationError is returned for any failed or malformed key service
// response. Requests are never retried.
type OperationError struct {
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	if msg, ok := messages[e.Operation]; ok {
		return msg
	}
	return "Error performing " + e.Operation + " on server."
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// TokenEncoder mints ID tokens carrying operation claims, implemented by
// auth.Client.
type TokenEncoder interface {
	EncodeToken(ctx context.Context, claims auth.OperationClaims) (string, error)
}

type Options struct {
	BaseURL    string
	Tokens     TokenEncoder
	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	baseURL    string
	tokens     TokenEncoder
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

type encodedRequest struct {
	EncodedData string `json:"encodedData"`
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("key service base url is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token encoder is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		tokens:     opts.Tokens,
		httpClient: httpClient,
		log:        logger.OrNop(opts.Logger).With().Str("component", "kms").Logger(),
		metrics:    opts.Metrics,
	}, nil
}

// CreateUser creates the wallet of the user identified by idToken. The token
// is the one already obtained while connecting, no new token is minted.
func (c *Client) CreateUser(ctx context.Context, idToken string) error {
	start := time.Now()
	response, err := c.post(ctx, OperationCreateUser, idToken)
	if err == nil {
		err = createUserResult(response)
	}
	c.record(OperationCreateUser, err, start)
	return err
}

func createUserResult(response map[string]json.RawMessage) error {
	raw, ok := response["createUserData"]
	if !ok {
		raw = response["data"]
	}
	var created bool
	if err := json.Unmarshal(raw, &created); err != nil {
		return &OperationError{Operation: OperationCreateUser, Err: err}
	}
	if !created {
		return &OperationError{Operation: OperationCreateUser, Err: errors.New("user was not created")}
	}
	return nil
}

func (c *Client) Sign(ctx context.Context, data []byte, keyName string) ([]byte, error) {
	return c.operation(ctx, auth.SignClaims{KeyName: keyName, Data: data})
}

func (c *Client) Encrypt(ctx context.Context, plaintext []byte, keyName string) ([]byte, error) {
	return c.operation(ctx, auth.EncryptClaims{KeyName: keyName, Plaintext: plaintext})
}

func (c *Client) Decrypt(ctx context.Context, ciphertext []byte, keyName string) ([]byte, error) {
	return c.operation(ctx, auth.DecryptClaims{KeyName: keyName, Ciphertext: ciphertext})
}

// SignerFunc signs with keyName, the shape data item signers expect.
func (c *Client) SignerFunc(keyName string) func(ctx context.Context, data []byte) ([]byte, error) {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		return c.Sign(ctx, data, keyName)
	}
}

func (c *Client) operation(ctx context.Context, claims auth.OperationClaims) ([]byte, error) {
	op := claims.Operation()
	token, err := c.tokens.EncodeToken(ctx, claims)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := c.request(ctx, op, token)
	c.record(op, err, start)
	return result, err
}

func (c *Client) request(ctx context.Context, op string, token string) ([]byte, error) {
	response, err := c.post(ctx, op, token)
	if err != nil {
		return nil, err
	}
	payload := binary.Payload{Kind: binary.LegacyPayload, Raw: response["data"]}
	if raw, ok := response[op+"Data"]; ok {
		payload = binary.Payload{Kind: binary.ModernPayload, Raw: raw}
	}
	result, err := binary.Normalize(payload)
	if err != nil {
		return nil, &OperationError{Operation: op, Err: err}
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, op string, token string) (map[string]json.RawMessage, error) {
	if c.httpClient == nil {
		return nil, &OperationError{Operation: op, Err: errors.New("no http client specified")}
	}
	body, err := json.Marshal(encodedRequest{EncodedData: token})
	if err != nil {
		return nil, &OperationError{Operation: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+routes[op], bytes.NewReader(body))
	if err != nil {
		return nil, &OperationError{Operation: op, Err: err}
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/json")

	c.log.Debug().Str("operation", op).Str("url", req.URL.String()).Msg("key service request")
	r, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &OperationError{Operation: op, Err: err}
	}
	defer r.Body.Close()
	if r.StatusCode == http.StatusNotFound {
		return nil, &OperationError{Operation: op, Err: errors.New("record was not found")}
	}
	if r.StatusCode < 200 || r.StatusCode >= 300 {
		return nil, &OperationError{Operation: op, Err: errors.New("received incorrect status : " + strconv.Itoa(r.StatusCode))}
	}
	response := map[string]json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&response); err != nil {
		return nil, &OperationError{Operation: op, Err: err}
	}
	return response, nil
}

func (c *Client) record(op string, err error, start time.Time) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		c.log.Warn().Err(errors.Unwrap(err)).Str("operation", op).Msg(err.Error())
	}
	c.metrics.RecordKMS(op, outcome, time.Since(start))
}
