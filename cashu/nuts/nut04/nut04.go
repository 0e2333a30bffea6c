// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import "github.com/nip60-cashu/walletengine/cashu"

type QuoteState string

const (
	Unpaid QuoteState = "UNPAID"
	Paid   QuoteState = "PAID"
	Issued QuoteState = "ISSUED"
)

type PostMintQuoteBolt11Request struct {
	Amount      uint64 `json:"amount"`
	Unit        string `json:"unit"`
	Description string `json:"description,omitempty"`
	// Pubkey locks the eventual mint response to a NUT-20 signature from
	// the matching private key.
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string     `json:"quote"`
	Request string     `json:"request"`
	Paid    bool       `json:"paid"`
	State   QuoteState `json:"state"`
	Expiry  int64      `json:"expiry"`
	Pubkey  string     `json:"pubkey,omitempty"`
}

type PostMintBolt11Request struct {
	Quote     string                `json:"quote"`
	Outputs   cashu.BlindedMessages `json:"outputs"`
	Signature string                `json:"signature,omitempty"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
