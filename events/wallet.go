package events

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/walleterr"
)

// WalletContent is the decrypted payload of a Wallet event: the P2PK
// private key the wallet locks incoming nutzaps to, and the set of mints
// it trusts.
type WalletContent struct {
	PrivKeyHex string
	Mints      []string
}

// NewWalletEvent builds and signs a replaceable Wallet event announcing
// mints and the wallet's P2PK private key, encrypted to ownerPrivkey's own
// pubkey.
func NewWalletEvent(mints []string, p2pkPrivkey *btcec.PrivateKey, ownerPrivkey *secp256k1.PrivateKey, createdAt int64) (Event, error) {
	tags := []Tag{{"privkey", hex.EncodeToString(p2pkPrivkey.Serialize())}}
	for _, mint := range mints {
		tags = append(tags, Tag{"mint", mint})
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}

	content, err := encryptSelf(string(tagsJSON), ownerPrivkey)
	if err != nil {
		return Event{}, err
	}

	ownerSigningKey, _ := btcec.PrivKeyFromBytes(ownerPrivkey.Serialize())
	return Sign(Event{
		CreatedAt: createdAt,
		Kind:      KindWallet,
		Tags:      []Tag{},
		Content:   content,
	}, ownerSigningKey)
}

// DecryptWalletEvent decrypts and parses a Wallet event's content.
func DecryptWalletEvent(event Event, ownerPrivkey *secp256k1.PrivateKey) (WalletContent, error) {
	plaintext, err := decryptSelf(event.Content, ownerPrivkey)
	if err != nil {
		return WalletContent{}, err
	}

	var tags []Tag
	if err := json.Unmarshal([]byte(plaintext), &tags); err != nil {
		return WalletContent{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}

	content := WalletContent{}
	for _, tag := range tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "privkey":
			content.PrivKeyHex = tag[1]
		case "mint":
			content.Mints = append(content.Mints, tag[1])
		}
	}
	return content, nil
}
