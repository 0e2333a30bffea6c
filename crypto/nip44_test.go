package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/nip60-cashu/walletengine/walleterr"
)

func TestNIP44RoundTrip(t *testing.T) {
	sender, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	recipient, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	plaintext := `{"kind":17375,"content":"wallet config"}`

	ciphertext, err := NIP44Encrypt(plaintext, sender, recipient.PubKey())
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)

	decrypted, err := NIP44Decrypt(ciphertext, recipient, sender.PubKey())
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestNIP44EncryptionIsRandomized(t *testing.T) {
	sender, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	recipient, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	c1, err := NIP44Encrypt("same plaintext", sender, recipient.PubKey())
	require.NoError(t, err)
	c2, err := NIP44Encrypt("same plaintext", sender, recipient.PubKey())
	require.NoError(t, err)

	require.NotEqual(t, c1, c2, "nonce must be fresh per encryption")
}

func TestNIP44DecryptRejectsTamperedMac(t *testing.T) {
	sender, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	recipient, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	ciphertext, err := NIP44Encrypt("hello", sender, recipient.PubKey())
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 0x01

	_, err = NIP44Decrypt(string(tampered), recipient, sender.PubKey())
	require.Error(t, err)
}

func TestNIP44DecryptRejectsBadVersion(t *testing.T) {
	_, err := NIP44Decrypt("not valid base64 at all!!", nil, nil)
	require.Error(t, err)

	payload := make([]byte, nip44MinPayloadLen)
	payload[0] = 0x01
	_, err = NIP44Decrypt(base64.StdEncoding.EncodeToString(payload), nil, nil)
	require.ErrorIs(t, err, walleterr.ErrBadVersion)
}

func TestCalcPaddedLen(t *testing.T) {
	cases := []struct {
		in       int
		expected int
	}{
		{1, 32},
		{32, 32},
		{33, 64},
		{64, 64},
		{65, 96},
		{256, 256},
		{257, 320},
	}
	for _, c := range cases {
		require.Equal(t, c.expected, calcPaddedLen(c.in), "calcPaddedLen(%d)", c.in)
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	for _, msg := range [][]byte{
		[]byte("a"),
		[]byte("a short message"),
		make([]byte, 1000),
	} {
		padded, err := pad(msg)
		require.NoError(t, err)

		unpadded, err := unpad(padded)
		require.NoError(t, err)
		require.Equal(t, msg, unpadded)
	}
}
