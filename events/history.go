package events

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/walleterr"
)

// Direction is the flow a History event records: money arriving (in) or
// leaving (out) the wallet.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// HistoryContent is the decrypted payload of a History event.
type HistoryContent struct {
	Direction Direction `json:"direction"`
	Amount    uint64    `json:"amount"`
	Unit      string    `json:"unit"`
	// CreatedTokenIDs names the Token events this spend created (e.g.
	// change from a send). DestroyedTokenIDs names the Token events it
	// consumed. Both are informational only - balance comes from
	// fetch_wallet_state folding the live Token events, never from here.
	CreatedTokenIDs   []string `json:"created_token_ids,omitempty"`
	DestroyedTokenIDs []string `json:"destroyed_token_ids,omitempty"`
}

// NewHistoryEvent builds and signs a History event recording one balance
// movement.
func NewHistoryEvent(content HistoryContent, ownerPrivkey *secp256k1.PrivateKey, createdAt int64) (Event, error) {
	content.CreatedTokenIDs = sortedStrings(content.CreatedTokenIDs)
	content.DestroyedTokenIDs = sortedStrings(content.DestroyedTokenIDs)

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
		Kind:      KindHistory,
		Tags:      []Tag{},
		Content:   encrypted,
	}, ownerSigningKey)
}

// DecryptHistoryEvent decrypts and parses a History event's content.
func DecryptHistoryEvent(event Event, ownerPrivkey *secp256k1.PrivateKey) (HistoryContent, error) {
	plaintext, err := decryptSelf(event.Content, ownerPrivkey)
	if err != nil {
		return HistoryContent{}, err
	}

	var content HistoryContent
	if err := json.Unmarshal([]byte(plaintext), &content); err != nil {
		return HistoryContent{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}
	return content, nil
}
