package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// Keyset is a mint's signing keyset as the wallet sees it: the id, the unit
// and fee rate it was published under, its amount -> public key map, and the
// wallet's own NUT-13 deterministic-secret counter for it. It never carries
// private key material - that only ever exists on the mint, which is out of
// this module's scope.
type Keyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	InputFeePpk uint
	Counter     uint32
	Keys        PublicKeys
}

// Fee computes the ceil(numProofs*ppk/1000) input fee for spending
// numProofs inputs from this keyset, per NUT-02.
func (ks Keyset) Fee(numProofs int) uint64 {
	if ks.InputFeePpk == 0 || numProofs == 0 {
		return 0
	}
	return (uint64(numProofs)*uint64(ks.InputFeePpk) + 999) / 1000
}

type keysetTemp struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	InputFeePpk uint
	Counter     uint32
	Keys        map[uint64][]byte
}

func (ks *Keyset) MarshalJSON() ([]byte, error) {
	temp := &keysetTemp{
		Id:          ks.Id,
		MintURL:     ks.MintURL,
		Unit:        ks.Unit,
		Active:      ks.Active,
		InputFeePpk: ks.InputFeePpk,
		Counter:     ks.Counter,
		Keys: func() map[uint64][]byte {
			m := make(map[uint64][]byte, len(ks.Keys))
			for amount, pub := range ks.Keys {
				m[amount] = pub.SerializeCompressed()
			}
			return m
		}(),
	}
	return json.Marshal(temp)
}

func (ks *Keyset) UnmarshalJSON(data []byte) error {
	temp := &keysetTemp{}
	if err := json.Unmarshal(data, temp); err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}

	ks.Id = temp.Id
	ks.MintURL = temp.MintURL
	ks.Unit = temp.Unit
	ks.Active = temp.Active
	ks.InputFeePpk = temp.InputFeePpk
	ks.Counter = temp.Counter

	ks.Keys = make(PublicKeys, len(temp.Keys))
	for amount, keyBytes := range temp.Keys {
		pub, err := ValidatePublicKey(keyBytes)
		if err != nil {
			return err
		}
		ks.Keys[amount] = pub
	}
	return nil
}

// PublicKeys maps an amount to the mint's public key for that denomination.
type PublicKeys map[uint64]*secp256k1.PublicKey

// MarshalJSON renders keys in ascending-amount order so wire output is
// deterministic.
func (pks PublicKeys) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	amounts := make([]uint64, 0, len(pks))
	for amount := range pks {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	for i, amount := range amounts {
		if i != 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(fmt.Sprintf("%d", amount))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := json.Marshal(hex.EncodeToString(pks[amount].SerializeCompressed()))
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (pks *PublicKeys) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}

	result := make(PublicKeys, len(raw))
	for amountStr, keyHex := range raw {
		var amount uint64
		if _, err := fmt.Sscanf(amountStr, "%d", &amount); err != nil {
			return fmt.Errorf("%w: invalid amount %q", walleterr.ErrInvalidKeyset, amountStr)
		}

		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
		}
		pub, err := ValidatePublicKey(keyBytes)
		if err != nil {
			return err
		}
		result[amount] = pub
	}
	*pks = result
	return nil
}

// ValidatePublicKey enforces NUT-01: 33 compressed bytes with a 0x02/0x03
// prefix that parses as a valid secp256k1 point.
func ValidatePublicKey(keyBytes []byte) (*secp256k1.PublicKey, error) {
	if len(keyBytes) != 33 || (keyBytes[0] != 0x02 && keyBytes[0] != 0x03) {
		return nil, fmt.Errorf("%w: public key must be 33 bytes prefixed 0x02 or 0x03", walleterr.ErrInvalidKeyset)
	}
	pub, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", walleterr.ErrInvalidKeyset, err)
	}
	return pub, nil
}

// DeriveKeysetId returns the 16 hex-character id for keys: sort the
// amount->pubkey pairs ascending by amount, concatenate the compressed
// public keys, SHA-256 the result, and prefix the first 7 bytes of the
// digest with a one-byte version (0x00 for version 0).
func DeriveKeysetId(keys PublicKeys) string {
	return DeriveKeysetIdVersioned(keys, 0)
}

func DeriveKeysetIdVersioned(keys PublicKeys, version byte) string {
	type amountKey struct {
		amount uint64
		pub    *secp256k1.PublicKey
	}
	pairs := make([]amountKey, 0, len(keys))
	for amount, pub := range keys {
		pairs = append(pairs, amountKey{amount, pub})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].amount < pairs[j].amount })

	concat := make([]byte, 0, len(pairs)*33)
	for _, p := range pairs {
		concat = append(concat, p.pub.SerializeCompressed()...)
	}

	digest := sha256.Sum256(concat)
	return fmt.Sprintf("%02x%s", version, hex.EncodeToString(digest[:7]))
}

// ValidateKeysetId verifies the NUT-01 invariant that a keyset's declared
// id matches the id derived from its own public keys.
func ValidateKeysetId(declaredId string, keys PublicKeys) error {
	if derived := DeriveKeysetId(keys); derived != declaredId {
		return fmt.Errorf("%w: keyset id %q does not match derived id %q", walleterr.ErrInvalidKeyset, declaredId, derived)
	}
	return nil
}
