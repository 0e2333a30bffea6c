// Package events builds, signs, and decrypts the three NIP-60 event kinds
// a wallet keeps on Nostr relays: the replaceable Wallet event, and the
// append-only Token and History events. Every payload is NIP-44-encrypted
// to the wallet owner's own pubkey (a self-DM), so the manager here is the
// only place in the module that ever holds plaintext wallet state.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/crypto"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// Event kinds. Wallet is a replaceable event (latest by CreatedAt wins);
// Token and History are append-only.
const (
	KindWallet  = 17375
	KindToken   = 7375
	KindHistory = 7376
)

// Tag is a Nostr tag: ["name", value, ...].
type Tag []string

// Event is a signed Nostr event, per NIP-01. Content is always the
// NIP-44-encrypted payload for our three kinds; plaintext never reaches
// this struct's Content field once signed.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// serializationArray is the NIP-01 canonical form hashed to produce an
// event's id: [0, pubkey, created_at, kind, tags, content].
func (e Event) serializationArray() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	return json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
}

// Sign computes e's id and schnorr signature over it using privkey,
// filling in PubKey, ID, and Sig.
func Sign(e Event, privkey *btcec.PrivateKey) (Event, error) {
	e.PubKey = hex.EncodeToString(schnorrPubkeyBytes(privkey))

	serialized, err := e.serializationArray()
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}
	id := sha256.Sum256(serialized)
	e.ID = hex.EncodeToString(id[:])

	sig, err := schnorr.Sign(privkey, id[:])
	if err != nil {
		return Event{}, fmt.Errorf("signing event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())

	return e, nil
}

// Verify checks that e's id matches its serialized content and that Sig is
// a valid schnorr signature over that id by the key in PubKey.
func Verify(e Event) (bool, error) {
	serialized, err := e.serializationArray()
	if err != nil {
		return false, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}
	id := sha256.Sum256(serialized)
	if hex.EncodeToString(id[:]) != e.ID {
		return false, nil
	}

	pubkeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
	}
	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", walleterr.ErrInvalidPoint, err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, err
	}

	return sig.Verify(id[:], pubkey), nil
}

// schnorrPubkeyBytes returns the 32-byte x-only pubkey NIP-01 uses to
// identify an author.
func schnorrPubkeyBytes(privkey *btcec.PrivateKey) []byte {
	return schnorr.SerializePubKey(privkey.PubKey())
}

// encryptSelf encrypts plaintext to ownerPrivkey's own pubkey (the
// self-DM pattern every wallet event payload uses).
func encryptSelf(plaintext string, ownerPrivkey *secp256k1.PrivateKey) (string, error) {
	return crypto.NIP44Encrypt(plaintext, ownerPrivkey, ownerPrivkey.PubKey())
}

// decryptSelf reverses encryptSelf.
func decryptSelf(ciphertext string, ownerPrivkey *secp256k1.PrivateKey) (string, error) {
	return crypto.NIP44Decrypt(ciphertext, ownerPrivkey, ownerPrivkey.PubKey())
}

// FindTagValues returns the values of every tag in tags named name.
func FindTagValues(tags []Tag, name string) []string {
	var values []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// sortedStrings returns a sorted copy of ss, used anywhere event content
// needs deterministic ordering (e.g. del-id lists) for stable re-signing.
func sortedStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
