// Package arweave holds the transaction and data item collaborators of the
// wallet. Binary serialization of transactions and ANS-104 data items is
// left to the host's arweave library behind Builder, Uploader and
// DataItemSigner.
package arweave

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bertrandmartel/othent/sdk/config"
)

type Tag = config.Tag

// Transaction is a decoded arweave transaction: tags hold plain strings and
// ID, Owner and Signature are base64url.
type Transaction struct {
	ID        string
	Owner     string
	Signature string
	Target    string
	Quantity  string
	Reward    string
	Data      []byte
	Tags      []Tag
}

type CreateTransactionAttributes struct {
	Data     []byte
	Owner    string
	Target   string
	Quantity string
	Reward   string
}

type Builder interface {
	// CreateTransaction returns a new unsigned transaction, filling the
	// anchor and reward from the gateway when needed.
	CreateTransaction(ctx context.Context, attributes CreateTransactionAttributes) (*Transaction, error)
	// SignatureData returns the deep hash the transaction signature covers.
	SignatureData(ctx context.Context, tx *Transaction) ([]byte, error)
}

// Uploader posts a signed transaction and its data chunks to a gateway.
type Uploader interface {
	Upload(ctx context.Context, tx *Transaction) error
}

type DataItem struct {
	Data   []byte
	Tags   []Tag
	Target string
	Anchor string
}

// Signer describes an arweave RSA-PSS signer, signature type 1.
type Signer struct {
	PublicKey       []byte
	SignatureType   int
	SignatureLength int
	OwnerLength     int
	Sign            func(ctx context.Context, data []byte) ([]byte, error)
}

const (
	SignatureTypeArweave = 1
	ArweaveKeyLength     = 512
)

type DataItemSigner interface {
	// SignDataItem creates the data item, signs it with signer and returns
	// its raw bytes.
	SignDataItem(ctx context.Context, item DataItem, signer Signer) ([]byte, error)
}

// GatewayURL returns the base url of a gateway, e.g. https://arweave.net:443.
func GatewayURL(gateway config.GatewayConfig) string {
	return fmt.Sprintf("%s://%s:%s", gateway.Protocol, gateway.Host, strconv.Itoa(gateway.Port))
}
