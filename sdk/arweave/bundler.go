package arweave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type DispatchType string

const (
	DispatchBundled DispatchType = "BUNDLED"
	DispatchBase    DispatchType = "BASE"
)

// BundledTransaction is the bundler receipt of a posted data item.
type BundledTransaction struct {
	ID                  string   `json:"id"`
	Timestamp           int64    `json:"timestamp"`
	Winc                string   `json:"winc"`
	Version             string   `json:"version"`
	DeadlineHeight      int64    `json:"deadlineHeight"`
	DataCaches          []string `json:"dataCaches"`
	FastFinalityIndexes []string `json:"fastFinalityIndexes"`
	Public              string   `json:"public"`
	Signature           string   `json:"signature"`
	Owner               string   `json:"owner"`
}

// DispatchResult is BUNDLED with Bundle set when the bundler accepted the
// data item, BASE when the transaction was uploaded to a gateway instead.
type DispatchResult struct {
	Type      DispatchType        `json:"type"`
	ID        string              `json:"id"`
	Signature string              `json:"signature,omitempty"`
	Owner     string              `json:"owner,omitempty"`
	Bundle    *BundledTransaction `json:"bundle,omitempty"`
}

// BundlerError is a bundler response outside 2xx.
type BundlerError struct {
	StatusCode int
	Body       string
}

func (e *BundlerError) Error() string {
	return fmt.Sprintf("%d - %s", e.StatusCode, e.Body)
}

type Bundler struct {
	HTTPClient *http.Client
}

// Post sends a signed data item to {node}/tx.
func (b *Bundler) Post(ctx context.Context, node string, dataItem []byte) (*BundledTransaction, error) {
	httpClient := b.HTTPClient
	if httpClient == nil {
		return nil, errors.New("no http client specified")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(node, "/")+"/tx", bytes.NewReader(dataItem))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/octet-stream")
	req.Header.Add("Accept", "application/json")

	r, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()
	if r.StatusCode < 200 || r.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1024))
		return nil, &BundlerError{StatusCode: r.StatusCode, Body: string(body)}
	}
	receipt := new(BundledTransaction)
	if err := json.NewDecoder(r.Body).Decode(receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}
