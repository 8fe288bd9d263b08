package secure

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestCodec_RoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey(t))
	require.NoError(t, err)

	plain := []byte(`{"id":"t1","title":"review PR"}`)
	sealed, err := codec.Seal(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, sealed)

	opened, err := codec.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestCodec_RejectsBadKey(t *testing.T) {
	_, err := NewCodec("not-base64!!!")
	assert.Error(t, err)

	_, err = NewCodec(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestCodec_RejectsTamperedValue(t *testing.T) {
	codec, err := NewCodec(testKey(t))
	require.NoError(t, err)

	sealed, err := codec.Seal([]byte("state"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = codec.Open(sealed)
	assert.Error(t, err)
}
