package wallet

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/bertrandmartel/othent/sdk/arweave"
	"github.com/bertrandmartel/othent/sdk/binary"
	"github.com/bertrandmartel/othent/sdk/config"
)

type SignMessageOptions struct {
	HashAlgorithm binary.HashAlgorithm
}

func hashAlgorithm(opts *SignMessageOptions) binary.HashAlgorithm {
	if opts == nil || opts.HashAlgorithm == "" {
		return binary.SHA256
	}
	return opts.HashAlgorithm
}

// commonTags appends the config tags, the app info and the client tags to
// tags.
func (w *Wallet) commonTags(tags []arweave.Tag) []arweave.Tag {
	appInfo := w.auth.AppInfo()
	all := make([]arweave.Tag, 0, len(tags)+len(w.cfg.Tags)+5)
	all = append(all, tags...)
	all = append(all, w.cfg.Tags...)
	return append(all,
		arweave.Tag{Name: "App-Name", Value: appInfo.Name},
		arweave.Tag{Name: "App-Version", Value: appInfo.Version},
		arweave.Tag{Name: "App-Env", Value: appInfo.Env},
		arweave.Tag{Name: "Client", Value: config.ClientName},
		arweave.Tag{Name: "Client-Version", Value: config.ClientVersion},
	)
}

// Sign returns a new transaction with the data, target, quantity and
// reward of tx, the common tags added and signed with the user key. tx is
// left untouched.
func (w *Wallet) Sign(ctx context.Context, tx *arweave.Transaction) (*arweave.Transaction, error) {
	signed, err := w.sign(ctx, tx)
	return handle(w, signed, err)
}

func (w *Wallet) sign(ctx context.Context, tx *arweave.Transaction) (*arweave.Transaction, error) {
	if tx == nil {
		return nil, ErrMissingTransaction
	}
	sub, publicKey, err := w.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if w.builder == nil {
		return nil, ErrMissingBuilder
	}
	toSign, err := w.builder.CreateTransaction(ctx, arweave.CreateTransactionAttributes{
		Data:     tx.Data,
		Owner:    publicKey,
		Target:   tx.Target,
		Quantity: tx.Quantity,
		Reward:   tx.Reward,
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	toSign.Tags = w.commonTags(tx.Tags)

	data, err := w.builder.SignatureData(ctx, toSign)
	if err != nil {
		return nil, fmt.Errorf("transaction signature data: %w", err)
	}
	signature, err := w.api.Sign(ctx, data, sub)
	if err != nil {
		return nil, err
	}
	id := sha256.Sum256(signature)
	toSign.ID = binary.B64UrlEncode(id[:])
	toSign.Owner = publicKey
	toSign.Signature = binary.B64UrlEncode(signature)
	return toSign, nil
}

// SignDataItem creates an ANS-104 data item carrying the common tags, signs
// it with the user key and returns its raw bytes.
func (w *Wallet) SignDataItem(ctx context.Context, item arweave.DataItem) ([]byte, error) {
	raw, err := w.signDataItem(ctx, item)
	return handle(w, raw, err)
}

func (w *Wallet) signDataItem(ctx context.Context, item arweave.DataItem) ([]byte, error) {
	sub, publicKey, err := w.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if w.dataItems == nil {
		return nil, ErrMissingDataItemSigner
	}
	owner, err := binary.B64UrlDecode(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	signer := arweave.Signer{
		PublicKey:       owner,
		SignatureType:   arweave.SignatureTypeArweave,
		SignatureLength: arweave.ArweaveKeyLength,
		OwnerLength:     arweave.ArweaveKeyLength,
		Sign:            w.api.SignerFunc(sub),
	}
	item.Tags = w.commonTags(item.Tags)
	return w.dataItems.SignDataItem(ctx, item, signer)
}

// Dispatch posts tx as a signed data item to the bundler node. When the
// bundler cannot be reached or rejects it, tx is signed as a base layer
// transaction and uploaded instead.
func (w *Wallet) Dispatch(ctx context.Context, tx *arweave.Transaction, opts *DispatchOptions) (*arweave.DispatchResult, error) {
	result, err := w.dispatch(ctx, tx, opts)
	return handle(w, result, err)
}

func (w *Wallet) dispatch(ctx context.Context, tx *arweave.Transaction, opts *DispatchOptions) (*arweave.DispatchResult, error) {
	if tx == nil {
		return nil, ErrMissingTransaction
	}
	if opts == nil {
		opts = &DispatchOptions{}
	}
	dataItem, err := w.signDataItem(ctx, arweave.DataItem{
		Data:   tx.Data,
		Tags:   tx.Tags,
		Target: tx.Target,
	})
	if err != nil {
		return nil, err
	}

	node := opts.Node
	if node == "" {
		node = w.cfg.DispatchNode
	}
	if node == "" {
		node = config.DefaultDispatchNode
	}
	bundle, err := w.bundler.Post(ctx, node, dataItem)
	if err == nil {
		w.metrics.RecordDispatch(string(arweave.DispatchBundled))
		return &arweave.DispatchResult{
			Type:      arweave.DispatchBundled,
			ID:        bundle.ID,
			Signature: bundle.Signature,
			Owner:     bundle.Owner,
			Bundle:    bundle,
		}, nil
	}
	if !isBundlerFailure(ctx, err) {
		return nil, err
	}
	w.log.Warn().Err(err).Str("node", node).Msg("error dispatching bundled transaction, uploading to the gateway")

	uploader := opts.Uploader
	if uploader == nil {
		uploader = w.uploader
	}
	if uploader == nil {
		return nil, ErrMissingUploader
	}
	signed, err := w.sign(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := uploader.Upload(ctx, signed); err != nil {
		return nil, fmt.Errorf("upload transaction: %w", err)
	}
	w.metrics.RecordDispatch(string(arweave.DispatchBase))
	return &arweave.DispatchResult{
		Type:      arweave.DispatchBase,
		ID:        signed.ID,
		Signature: signed.Signature,
		Owner:     signed.Owner,
	}, nil
}

// isBundlerFailure reports whether err is a bundler rejection or a
// transport failure, as opposed to a cancelled dispatch.
func isBundlerFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var bundlerErr *arweave.BundlerError
	var urlErr *url.Error
	return errors.As(err, &bundlerErr) || errors.As(err, &urlErr)
}

func (w *Wallet) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ciphertext, err := w.withSub(ctx, func(sub string) ([]byte, error) {
		return w.api.Encrypt(ctx, plaintext, sub)
	})
	return handle(w, ciphertext, err)
}

func (w *Wallet) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	plaintext, err := w.withSub(ctx, func(sub string) ([]byte, error) {
		return w.api.Decrypt(ctx, ciphertext, sub)
	})
	return handle(w, plaintext, err)
}

// Signature signs raw data with the user key.
//
// Deprecated: use Sign, SignDataItem or SignMessage.
func (w *Wallet) Signature(ctx context.Context, data []byte) ([]byte, error) {
	signature, err := w.withSub(ctx, func(sub string) ([]byte, error) {
		return w.api.Sign(ctx, data, sub)
	})
	return handle(w, signature, err)
}

// SignMessage signs the digest of data, SHA-256 unless opts says otherwise.
func (w *Wallet) SignMessage(ctx context.Context, data []byte, opts *SignMessageOptions) ([]byte, error) {
	signature, err := w.withSub(ctx, func(sub string) ([]byte, error) {
		digest, err := binary.Hash(data, hashAlgorithm(opts))
		if err != nil {
			return nil, err
		}
		return w.api.Sign(ctx, digest, sub)
	})
	return handle(w, signature, err)
}

func (w *Wallet) withSub(ctx context.Context, fn func(sub string) ([]byte, error)) ([]byte, error) {
	sub, _, err := w.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return fn(sub)
}

var pssMethods = map[binary.HashAlgorithm]*jwt.SigningMethodRSAPSS{
	binary.SHA256: jwt.SigningMethodPS256,
	binary.SHA384: jwt.SigningMethodPS384,
	binary.SHA512: jwt.SigningMethodPS512,
}

// VerifyMessage checks an RSA-PSS signature made by SignMessage. publicKey
// is a b64url modulus and defaults to the cached user owner.
func (w *Wallet) VerifyMessage(ctx context.Context, data []byte, signature []byte, publicKey string, opts *SignMessageOptions) (bool, error) {
	valid, err := w.verifyMessage(ctx, data, signature, publicKey, opts)
	return handle(w, valid, err)
}

func (w *Wallet) verifyMessage(ctx context.Context, data []byte, signature []byte, publicKey string, opts *SignMessageOptions) (bool, error) {
	if publicKey == "" {
		_, owner, err := w.requireUser(ctx)
		if err != nil {
			return false, err
		}
		publicKey = owner
	}
	algorithm := hashAlgorithm(opts)
	method, ok := pssMethods[algorithm]
	if !ok {
		return false, fmt.Errorf("%w: %s", binary.ErrUnknownHashAlgorithm, algorithm)
	}
	digest, err := binary.Hash(data, algorithm)
	if err != nil {
		return false, err
	}
	key, err := publicKeyFromOwner(publicKey)
	if err != nil {
		return false, err
	}
	// the PSS method digests its input again, as the key service does
	// with the digest it receives
	if err := method.Verify(string(digest), jwt.EncodeSegment(signature), key); err != nil {
		w.log.Debug().Err(err).Msg("message signature does not verify")
		return false, nil
	}
	return true, nil
}

func publicKeyFromOwner(owner string) (*rsa.PublicKey, error) {
	raw := `{"kty":"RSA","e":"AQAB","n":"` + strings.TrimRight(owner, "=") + `"}`
	key, err := jwk.ParseKey([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub := new(rsa.PublicKey)
	if err := key.Raw(pub); err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// PrivateHash digests data, SHA-256 unless opts says otherwise.
func (w *Wallet) PrivateHash(data []byte, opts *SignMessageOptions) ([]byte, error) {
	digest, err := binary.Hash(data, hashAlgorithm(opts))
	return handle(w, digest, err)
}
