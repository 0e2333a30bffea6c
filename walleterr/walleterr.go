// Package walleterr holds the sentinel error values for the wallet error
// taxonomy described by the wallet engine's design: callers use
// errors.Is against these sentinels rather than matching on message text.
package walleterr

import (
	"errors"
	"strconv"
)

// Balance / proof-selection errors. Refuse the operation, no state change.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientProofs  = errors.New("insufficient proofs")
)

// Parsing / cryptographic rejections. The caller gets a precise variant.
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidPrefix   = errors.New("invalid token prefix")
	ErrInvalidBase64   = errors.New("invalid base64 encoding")
	ErrInvalidJson     = errors.New("invalid json")
	ErrInvalidCbor     = errors.New("invalid cbor")
	ErrInvalidHex      = errors.New("invalid hex encoding")
	ErrInvalidPoint    = errors.New("invalid curve point")
	ErrInvalidKeyset   = errors.New("invalid keyset")
	ErrBadMac          = errors.New("nip-44: mac authentication failed")
	ErrBadVersion      = errors.New("nip-44: unsupported payload version")
	ErrBadPadding      = errors.New("nip-44: invalid padding")
)

// Transport-layer errors, retried locally where it is safe to do so.
var (
	ErrNetwork           = errors.New("network error")
	ErrConnectionTimeout = errors.New("relay connection timeout")
	ErrPublishTimeout    = errors.New("relay publish acknowledgement timeout")
)

// Mint-operation / per-operation terminal errors.
var (
	ErrAlreadySpent  = errors.New("proof already spent")
	ErrQuoteExpired  = errors.New("quote expired")
	ErrPaymentFailed = errors.New("lightning payment failed")
)

// ErrInternal marks an invariant violation (e.g. hash-to-curve exhaustion).
// Seeing it always indicates a bug, never a caller mistake.
var ErrInternal = errors.New("internal invariant violation")

// MintHTTPError is returned for any 4xx/5xx response from a mint.
type MintHTTPError struct {
	Status int
	Body   string
}

func (e *MintHTTPError) Error() string {
	return "mint http error: status=" + strconv.Itoa(e.Status) + " body=" + e.Body
}
