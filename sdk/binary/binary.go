package binary

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"
)

type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "SHA-256"
	SHA384 HashAlgorithm = "SHA-384"
	SHA512 HashAlgorithm = "SHA-512"
)

var ErrUnknownHashAlgorithm = errors.New("unknown hash algorithm")

func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHashAlgorithm, a)
}

// Hash digests data, SHA-256 when algorithm is empty.
func Hash(data []byte, algorithm HashAlgorithm) ([]byte, error) {
	h, err := algorithm.New()
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

func B64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64UrlDecode accepts both base64 and base64url, with or without padding.
func B64UrlDecode(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	s = strings.TrimRight(s, "=")
	return base64.RawStdEncoding.DecodeString(s)
}

// OwnerToAddress derives an Arweave wallet address from a b64url owner
// (the public key modulus).
func OwnerToAddress(owner string) (string, error) {
	raw, err := B64UrlDecode(owner)
	if err != nil {
		return "", fmt.Errorf("decode owner: %w", err)
	}
	sum := sha256.Sum256(raw)
	return B64UrlEncode(sum[:]), nil
}

// BufferObject is the JSON form of a Node.js Buffer.
type BufferObject struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

func ToBufferObject(data []byte) BufferObject {
	values := make([]int, len(data))
	for i, b := range data {
		values[i] = int(b)
	}
	return BufferObject{Type: "Buffer", Data: values}
}

// ToLegacyRecord returns the index keyed form {"0": b0, "1": b1, ...}.
func ToLegacyRecord(data []byte) map[string]int {
	record := make(map[string]int, len(data))
	for i, b := range data {
		record[strconv.Itoa(i)] = int(b)
	}
	return record
}

type PayloadKind int

const (
	// LegacyPayload is the raw value of a {"data": ...} response: a UTF-8
	// string, a BufferObject or an index keyed record.
	LegacyPayload PayloadKind = iota
	// ModernPayload is the raw value of a {"<operation>Data": ...} response:
	// a base64 or base64url string.
	ModernPayload
)

type Payload struct {
	Kind PayloadKind
	Raw  json.RawMessage
}

var ErrEmptyPayload = errors.New("empty payload")

// Normalize turns either response shape into bytes.
func Normalize(p Payload) ([]byte, error) {
	raw := strings.TrimSpace(string(p.Raw))
	if raw == "" || raw == "null" {
		return nil, ErrEmptyPayload
	}
	switch p.Kind {
	case ModernPayload:
		var s string
		if err := json.Unmarshal(p.Raw, &s); err != nil {
			return nil, fmt.Errorf("modern payload: %w", err)
		}
		if s == "" {
			return nil, ErrEmptyPayload
		}
		return B64UrlDecode(s)
	case LegacyPayload:
		return normalizeLegacy(p.Raw)
	}
	return nil, fmt.Errorf("unknown payload kind %d", p.Kind)
}

func normalizeLegacy(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, ErrEmptyPayload
		}
		return []byte(s), nil
	}
	var obj BufferObject
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type == "Buffer" {
		return fromInts(obj.Data)
	}
	var record map[string]int
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("legacy payload: %w", err)
	}
	if len(record) == 0 {
		return nil, ErrEmptyPayload
	}
	type indexed struct {
		index int
		value int
	}
	entries := make([]indexed, 0, len(record))
	for k, v := range record {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("legacy payload: invalid index %q", k)
		}
		entries = append(entries, indexed{i, v})
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].index < entries[b].index })
	values := make([]int, len(entries))
	for i, e := range entries {
		values[i] = e.value
	}
	return fromInts(values)
}

func fromInts(values []int) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("legacy payload: byte out of range %d", v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
