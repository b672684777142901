package binary

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestB64Url(t *testing.T) {
	data := []byte{0xfb, 0xff, 0xfe, 0x01}
	encoded := B64UrlEncode(data)
	assert.Equal(t, "-__-AQ", encoded)

	decoded, err := B64UrlDecode(encoded)
	require.Nil(t, err)
	assert.Equal(t, data, decoded)

	// standard alphabet with padding is accepted too
	decoded, err = B64UrlDecode("+//+AQ==")
	require.Nil(t, err)
	assert.Equal(t, data, decoded)

	_, err = B64UrlDecode("not*base64")
	assert.NotNil(t, err)
}

func TestOwnerToAddress(t *testing.T) {
	owner := B64UrlEncode([]byte("some rsa modulus"))
	sum := sha256.Sum256([]byte("some rsa modulus"))
	address, err := OwnerToAddress(owner)
	require.Nil(t, err)
	assert.Equal(t, B64UrlEncode(sum[:]), address)
	assert.Equal(t, 43, len(address))

	_, err = OwnerToAddress("%%%")
	assert.NotNil(t, err)
}

func TestHash(t *testing.T) {
	h, err := Hash([]byte("hello"), "")
	require.Nil(t, err)
	assert.Equal(t, 32, len(h))
	h, err = Hash([]byte("hello"), SHA384)
	require.Nil(t, err)
	assert.Equal(t, 48, len(h))
	h, err = Hash([]byte("hello"), SHA512)
	require.Nil(t, err)
	assert.Equal(t, 64, len(h))
	_, err = Hash([]byte("hello"), "MD5")
	assert.True(t, errors.Is(err, ErrUnknownHashAlgorithm))
}

func TestLegacyEncodings(t *testing.T) {
	raw, err := json.Marshal(ToLegacyRecord([]byte{1, 2, 255}))
	require.Nil(t, err)
	assert.Equal(t, `{"0":1,"1":2,"2":255}`, string(raw))

	raw, err = json.Marshal(ToBufferObject([]byte{1, 2}))
	require.Nil(t, err)
	assert.Equal(t, `{"type":"Buffer","data":[1,2]}`, string(raw))
}

func TestNormalize(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 200}

	// modern base64url / base64
	out, err := Normalize(Payload{Kind: ModernPayload, Raw: json.RawMessage(`"` + B64UrlEncode(data) + `"`)})
	require.Nil(t, err)
	assert.Equal(t, data, out)
	out, err = Normalize(Payload{Kind: ModernPayload, Raw: json.RawMessage(`"AAECAwQFBgcICQrI"`)})
	require.Nil(t, err)
	assert.Equal(t, data, out)

	// legacy string is raw text
	out, err = Normalize(Payload{Kind: LegacyPayload, Raw: json.RawMessage(`"plaintext"`)})
	require.Nil(t, err)
	assert.Equal(t, []byte("plaintext"), out)

	// legacy buffer object
	out, err = Normalize(Payload{Kind: LegacyPayload, Raw: json.RawMessage(`{"type":"Buffer","data":[0,1,2,3,4,5,6,7,8,9,10,200]}`)})
	require.Nil(t, err)
	assert.Equal(t, data, out)

	// legacy record sorted by numeric index, not lexically
	out, err = Normalize(Payload{Kind: LegacyPayload, Raw: json.RawMessage(`{"10":10,"2":2,"0":0,"11":200,"1":1,"3":3,"4":4,"5":5,"6":6,"7":7,"8":8,"9":9}`)})
	require.Nil(t, err)
	assert.Equal(t, data, out)

	_, err = Normalize(Payload{Kind: LegacyPayload, Raw: json.RawMessage(`null`)})
	assert.Equal(t, ErrEmptyPayload, err)
	_, err = Normalize(Payload{Kind: ModernPayload})
	assert.Equal(t, ErrEmptyPayload, err)
	_, err = Normalize(Payload{Kind: ModernPayload, Raw: json.RawMessage(`""`)})
	assert.Equal(t, ErrEmptyPayload, err)
	_, err = Normalize(Payload{Kind: LegacyPayload, Raw: json.RawMessage(`{"a":1}`)})
	assert.NotNil(t, err)
	_, err = Normalize(Payload{Kind: LegacyPayload, Raw: json.RawMessage(`{"type":"Buffer","data":[256]}`)})
	assert.NotNil(t, err)
	_, err = Normalize(Payload{Kind: LegacyPayload, Raw: json.RawMessage(`{}`)})
	assert.Equal(t, ErrEmptyPayload, err)
}
