package events

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// TokenContent is the decrypted payload of a Token event.
type TokenContent struct {
	Mint   string       `json:"mint"`
	Proofs cashu.Proofs `json:"proofs"`
	// Del lists Token event ids this event supersedes; the state
	// reconstructor invalidates every id here once it decrypts this
	// event, even if it visits the superseded event first.
	Del []string `json:"del,omitempty"`
}

// NewTokenEvent builds and signs a Token event carrying proofs, optionally
// superseding the Token events named in deletedTokenIDs.
func NewTokenEvent(proofs cashu.Proofs, mintURL string, deletedTokenIDs []string, ownerPrivkey *secp256k1.PrivateKey, createdAt int64) (Event, error) {
	content := TokenContent{
		Mint:   mintURL,
		Proofs: proofs,
		Del:    sortedStrings(deletedTokenIDs),
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}

	encrypted, err := encryptSelf(string(contentJSON), ownerPrivkey)
	if err != nil {
		return Event{}, err
	}

	ownerSigningKey, _ := btcec.PrivKeyFromBytes(ownerPrivkey.Serialize())
	return Sign(Event{
		CreatedAt: createdAt,
		Kind:      KindToken,
		Tags:      []Tag{},
		Content:   encrypted,
	}, ownerSigningKey)
}

// DecryptTokenEvent decrypts and parses a Token event's content.
func DecryptTokenEvent(event Event, ownerPrivkey *secp256k1.PrivateKey) (TokenContent, error) {
	plaintext, err := decryptSelf(event.Content, ownerPrivkey)
	if err != nil {
		return TokenContent{}, err
	}

	var content TokenContent
	if err := json.Unmarshal([]byte(plaintext), &content); err != nil {
		return TokenContent{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}
	return content, nil
}
