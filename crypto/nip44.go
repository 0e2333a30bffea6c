package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/nip60-cashu/walletengine/walleterr"
)

// NIP-44 v2 payload layout: version(1) + nonce(32) + ciphertext(?) + mac(32).
const (
	nip44Version        = 2
	nip44SaltString      = "nip44-v2"
	nip44MinPlaintextLen = 1
	nip44MaxPlaintextLen = 65535
	nip44MinPayloadLen   = 99
	nip44MaxPayloadLen   = 65603
)

var nip44Salt = []byte(nip44SaltString)

// conversationKey derives the NIP-44 shared secret between privKey and
// pubKey: ECDH over secp256k1 keeping only the shared point's x coordinate,
// then HKDF-Extract with the fixed salt "nip44-v2".
func conversationKey(privKey *secp256k1.PrivateKey, pubKey *secp256k1.PublicKey) []byte {
	var pubPoint, shared secp256k1.JacobianPoint
	pubKey.AsJacobian(&pubPoint)
	secp256k1.ScalarMultNonConst(&privKey.Key, &pubPoint, &shared)
	shared.ToAffine()

	xBytes := shared.X.Bytes()

	extractor := hkdf.Extract(sha256.New, xBytes[:], nip44Salt)
	return extractor
}

// messageKeys derives the per-message ChaCha20 key, ChaCha20 nonce, and
// HMAC key from the conversation key and a random 32-byte message nonce via
// HKDF-Expand(info=nonce, length=76).
func messageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	reader := hkdf.Expand(sha256.New, convKey, nonce)
	expanded := make([]byte, 76)
	if _, err := readFull(reader, expanded); err != nil {
		return nil, nil, nil, err
	}
	return expanded[0:32], expanded[32:44], expanded[44:76], nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// calcPaddedLen implements NIP-44's padding-length rule: at least 32 bytes;
// above that, rounded up to a multiple of 32 while the next power of two is
// at most 256, and to a multiple of one eighth of the next power of two
// beyond that (e.g. 65 -> 96, 257 -> 320).
func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << (bits.Len(uint(unpaddedLen-1)))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpaddedLen-1)/chunk + 1)
}

// pad applies NIP-44 padding: a 2-byte big-endian length prefix, the
// plaintext, and zero bytes out to 2+calcPaddedLen(len(plaintext)).
func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < nip44MinPlaintextLen || n > nip44MaxPlaintextLen {
		return nil, fmt.Errorf("%w: plaintext length %d out of range", walleterr.ErrBadPadding, n)
	}

	paddedLen := 2 + calcPaddedLen(n)
	out := make([]byte, paddedLen)
	binary.BigEndian.PutUint16(out[0:2], uint16(n))
	copy(out[2:2+n], plaintext)
	return out, nil
}

// unpad reverses pad, rejecting any payload whose declared length doesn't
// match the actual padded size.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("%w: padded data too short", walleterr.ErrBadPadding)
	}

	unpaddedLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if unpaddedLen == 0 || len(padded) < 2+unpaddedLen {
		return nil, fmt.Errorf("%w: declared length %d inconsistent with payload", walleterr.ErrBadPadding, unpaddedLen)
	}
	if len(padded) != 2+calcPaddedLen(unpaddedLen) {
		return nil, fmt.Errorf("%w: padded length does not match calc_padded_len", walleterr.ErrBadPadding)
	}

	return padded[2 : 2+unpaddedLen], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// chacha20Crypt runs the NIP-44 ChaCha20 stream cipher: the 12-byte NIP-44
// nonce is passed as-is to golang.org/x/crypto/chacha20, whose block counter
// starts at zero.
func chacha20Crypt(key, nonce, data []byte) ([]byte, error) {
	cipher, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", walleterr.ErrInternal, err)
	}
	out := make([]byte, len(data))
	cipher.XORKeyStream(out, data)
	return out, nil
}

// NIP44Encrypt encrypts plaintext from senderKey to recipientPubKey using
// NIP-44 v2: a fresh 32-byte nonce, HKDF-derived message keys, ChaCha20 over
// padded plaintext, and an HMAC-SHA256 MAC over (nonce || ciphertext).
// The result is the base64-encoded concatenation of
// version(1) || nonce(32) || ciphertext || mac(32).
func NIP44Encrypt(plaintext string, senderKey *secp256k1.PrivateKey, recipientPubKey *secp256k1.PublicKey) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", walleterr.ErrInternal, err)
	}

	convKey := conversationKey(senderKey, recipientPubKey)
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	ciphertext, err := chacha20Crypt(chachaKey, chachaNonce, padded)
	if err != nil {
		return "", err
	}

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	payload := make([]byte, 0, 1+32+len(ciphertext)+32)
	payload = append(payload, byte(nip44Version))
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac...)

	return base64.StdEncoding.EncodeToString(payload), nil
}

// NIP44Decrypt reverses NIP44Encrypt: it verifies the MAC in constant time
// before decrypting, so a forged payload never reaches the padding decoder.
func NIP44Decrypt(ciphertext string, recipientKey *secp256k1.PrivateKey, senderPubKey *secp256k1.PublicKey) (string, error) {
	if len(ciphertext) > 0 && ciphertext[0] == '#' {
		return "", fmt.Errorf("%w: unsupported payload prefix", walleterr.ErrBadVersion)
	}

	payload, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", walleterr.ErrInvalidBase64, err)
	}
	if len(payload) < nip44MinPayloadLen || len(payload) > nip44MaxPayloadLen {
		return "", fmt.Errorf("%w: payload size %d out of range", walleterr.ErrBadVersion, len(payload))
	}

	version := payload[0]
	if version != nip44Version {
		return "", fmt.Errorf("%w: version %d", walleterr.ErrBadVersion, version)
	}

	nonce := payload[1:33]
	mac := payload[len(payload)-32:]
	encrypted := payload[33 : len(payload)-32]

	convKey := conversationKey(recipientKey, senderPubKey)
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}

	expectedMac := hmacAAD(hmacKey, encrypted, nonce)
	if subtle.ConstantTimeCompare(expectedMac, mac) != 1 {
		return "", walleterr.ErrBadMac
	}

	paddedPlaintext, err := chacha20Crypt(chachaKey, chachaNonce, encrypted)
	if err != nil {
		return "", err
	}

	plaintext, err := unpad(paddedPlaintext)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
