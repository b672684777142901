package auth

import (
	"encoding/json"
	"errors"

	"github.com/bertrandmartel/othent/sdk/binary"
	"github.com/bertrandmartel/othent/sdk/config"
)

var ErrMissingKeyName = errors.New("operation claims require a key name")

// OperationClaims are the parameters of one remote key operation. They are
// embedded in the token request so the issued token is scoped to that exact
// operation.
type OperationClaims interface {
	Operation() string
	Validate() error
}

// SignClaims serialize their data as an index record, {"0":b0,"1":b1,...}.
type SignClaims struct {
	KeyName string
	Data    []byte
}

func (c SignClaims) Operation() string { return "sign" }

func (c SignClaims) Validate() error {
	if c.KeyName == "" {
		return ErrMissingKeyName
	}
	return nil
}

func (c SignClaims) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		KeyName string         `json:"keyName"`
		Data    map[string]int `json:"data"`
	}{c.KeyName, binary.ToLegacyRecord(c.Data)})
}

type EncryptClaims struct {
	KeyName   string
	Plaintext []byte
}

func (c EncryptClaims) Operation() string { return "encrypt" }

func (c EncryptClaims) Validate() error {
	if c.KeyName == "" {
		return ErrMissingKeyName
	}
	return nil
}

func (c EncryptClaims) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		KeyName   string              `json:"keyName"`
		Plaintext binary.BufferObject `json:"plaintext"`
	}{c.KeyName, binary.ToBufferObject(c.Plaintext)})
}

type DecryptClaims struct {
	KeyName    string
	Ciphertext []byte
}

func (c DecryptClaims) Operation() string { return "decrypt" }

func (c DecryptClaims) Validate() error {
	if c.KeyName == "" {
		return ErrMissingKeyName
	}
	return nil
}

func (c DecryptClaims) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		KeyName    string              `json:"keyName"`
		Ciphertext binary.BufferObject `json:"ciphertext"`
	}{c.KeyName, binary.ToBufferObject(c.Ciphertext)})
}

// CreateUserClaims carry no data: the user is created from the token
// identity alone.
type CreateUserClaims struct{}

func (c CreateUserClaims) Operation() string { return "createUser" }

func (c CreateUserClaims) Validate() error { return nil }

type transactionInput struct {
	OthentFunction   string          `json:"othentFunction"`
	OthentSDKVersion string          `json:"othentSDKVersion"`
	OthentAPIVersion string          `json:"othentAPIVersion"`
	AppName          string          `json:"appName"`
	AppVersion       string          `json:"appVersion"`
	Data             OperationClaims `json:"data,omitempty"`
}

// TransactionInput returns the transaction_input authorization parameter for
// claims, which may be nil.
func TransactionInput(appInfo config.AppInfo, claims OperationClaims) (string, error) {
	input := transactionInput{
		OthentFunction:   "KMS",
		OthentSDKVersion: config.ClientName,
		OthentAPIVersion: config.ClientVersion,
		AppName:          appInfo.Name,
		AppVersion:       appInfo.Version,
	}
	if claims != nil {
		if err := claims.Validate(); err != nil {
			return "", err
		}
		if _, ok := claims.(CreateUserClaims); !ok {
			input.Data = claims
		}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
