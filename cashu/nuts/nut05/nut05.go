// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import "github.com/nip60-cashu/walletengine/cashu"

type QuoteState string

const (
	Unpaid  QuoteState = "UNPAID"
	Pending QuoteState = "PENDING"
	Paid    QuoteState = "PAID"
)

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string     `json:"quote"`
	Amount     uint64     `json:"amount"`
	FeeReserve uint64     `json:"fee_reserve"`
	Paid       bool       `json:"paid"`
	State      QuoteState `json:"state"`
	Expiry     int64      `json:"expiry"`
}

// PostMeltBolt11Request carries the inputs that pay a quote, plus an
// optional set of blank (NUT-08) outputs the mint may use to return
// overpaid fee-reserve amount as signed change.
type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	Paid     bool                    `json:"paid"`
	Preimage string                  `json:"payment_preimage"`
	Change   cashu.BlindedSignatures `json:"change,omitempty"`
}
