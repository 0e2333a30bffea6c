// Package cashu contains the core structs and codec logic of the Cashu
// protocol as consumed by a wallet: proofs, blinded messages/signatures,
// and the V3/V4 token wire formats.
package cashu

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/nip60-cashu/walletengine/walleterr"
)

type Unit int

const (
	Sat Unit = iota

	BOLT11_METHOD = "bolt11"
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	default:
		return "unknown"
	}
}

func ParseUnit(s string) (Unit, error) {
	if s == "sat" || s == "" {
		return Sat, nil
	}
	return 0, fmt.Errorf("invalid unit %q", s)
}

// BlindedMessage is the pre-mint intent sent to a mint: amount, the
// keyset it should be signed under, and B_ = Y + rG.
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	B_      string `json:"B_"`
	Id      string `json:"id"`
	Witness string `json:"witness,omitempty"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	return BlindedMessage{Amount: amount, B_: hex.EncodeToString(B_.SerializeCompressed()), Id: id}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var total uint64
	for _, msg := range bm {
		total += msg.Amount
	}
	return total
}

// SortBlindedMessages sorts blindedMessages by ascending amount, permuting
// secrets and rs (the blinding factors) in lockstep so each message, its
// generating secret, and its blinding factor stay paired. NUT-03 requires
// ascending output order to keep swap outputs from leaking amount-order
// information about which outputs are change.
func SortBlindedMessages(blindedMessages BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey) {
	for i := 0; i < len(blindedMessages)-1; i++ {
		for j := i + 1; j < len(blindedMessages); j++ {
			if blindedMessages[i].Amount > blindedMessages[j].Amount {
				blindedMessages[i], blindedMessages[j] = blindedMessages[j], blindedMessages[i]
				secrets[i], secrets[j] = secrets[j], secrets[i]
				rs[i], rs[j] = rs[j], rs[i]
			}
		}
	}
}

// BlindedSignature is a mint's signature over a BlindedMessage.
type BlindedSignature struct {
	Amount uint64     `json:"amount"`
	C_     string     `json:"C_"`
	Id     string     `json:"id"`
	DLEQ   *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var total uint64
	for _, sig := range bs {
		total += sig.Amount
	}
	return total
}

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Proof is a spendable e-cash token atom. Secret is kept in its canonical
// internal form (base64 standard encoding of the underlying secret bytes);
// the wire formats (V3 JSON, V4 CBOR, and mint HTTP requests) always carry
// it as lowercase hex, so every (de)serialization path converts at the
// boundary - see secretToWireHex/secretFromWireHex below.
type Proof struct {
	Amount  uint64
	Id      string
	Secret  string
	C       string
	Witness string
	DLEQ    *DLEQProof
}

// ID returns the identity key used for proof-uniqueness and spent-proof
// cache lookups: "secret:C" over the canonical (base64) secret.
func (p Proof) ID() string {
	return p.Secret + ":" + p.C
}

// SecretBytes decodes Secret from its canonical base64 form back to the
// raw secret bytes.
func (p Proof) SecretBytes() ([]byte, error) {
	return secretFromCanonical(p.Secret)
}

// HashInput returns the bytes that hash_to_curve, BDHKE verification, and
// P2PK signing all operate over: the UTF-8 bytes of the secret's wire-hex
// string, not the raw decoded bytes. This matches the Cashu convention that
// hash_to_curve hashes the secret exactly as it appears in the wire
// "secret" field.
func (p Proof) HashInput() ([]byte, error) {
	wireHex, err := secretToWireHex(p.Secret)
	if err != nil {
		return nil, err
	}
	return []byte(wireHex), nil
}

// SecretFromWireString builds the canonical (base64) internal form of a
// secret given its wire string. A hex string (a random or NUT-13
// deterministic secret) is hex-decoded, so the proof's wire secret and
// HashInput are that same hex string. Any other string (e.g. a NUT-10
// well-known JSON secret) is stored as its raw bytes, so its wire secret is
// the hex encoding of those bytes, not the string itself.
func SecretFromWireString(wireString string) string {
	if b, err := hex.DecodeString(wireString); err == nil {
		return secretToCanonical(b)
	}
	return secretToCanonical([]byte(wireString))
}

// NewProofFromSecretBytes builds a Proof whose Secret is the canonical
// base64 encoding of secretBytes.
func NewProofFromSecretBytes(id string, amount uint64, secretBytes []byte, C *secp256k1.PublicKey) Proof {
	return Proof{
		Amount: amount,
		Id:     id,
		Secret: secretToCanonical(secretBytes),
		C:      hex.EncodeToString(C.SerializeCompressed()),
	}
}

type wireProof struct {
	Amount  uint64     `json:"amount"`
	Id      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	Witness string     `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

func (p Proof) MarshalJSON() ([]byte, error) {
	wireSecret, err := secretToWireHex(p.Secret)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireProof{
		Amount:  p.Amount,
		Id:      p.Id,
		Secret:  wireSecret,
		C:       p.C,
		Witness: p.Witness,
		DLEQ:    p.DLEQ,
	})
}

func (p *Proof) UnmarshalJSON(data []byte) error {
	var wp wireProof
	if err := json.Unmarshal(data, &wp); err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}

	canonicalSecret, err := secretFromWireHex(wp.Secret)
	if err != nil {
		return err
	}

	p.Amount = wp.Amount
	p.Id = wp.Id
	p.Secret = canonicalSecret
	p.C = wp.C
	p.Witness = wp.Witness
	p.DLEQ = wp.DLEQ
	return nil
}

type Proofs []Proof

func (proofs Proofs) Amount() uint64 {
	var total uint64
	for _, proof := range proofs {
		total += proof.Amount
	}
	return total
}

// CheckDuplicateProofs reports whether proofs contains two entries sharing
// the same (secret, C) identity.
func CheckDuplicateProofs(proofs Proofs) bool {
	seen := make(map[string]bool, len(proofs))
	for _, proof := range proofs {
		id := proof.ID()
		if seen[id] {
			return true
		}
		seen[id] = true
	}
	return false
}

// secretToCanonical/secretFromCanonical convert between raw secret bytes
// and the internal base64 storage form.
func secretToCanonical(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func secretFromCanonical(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", walleterr.ErrInvalidBase64, err)
	}
	return b, nil
}

// secretToWireHex converts a canonical (base64) secret to the lowercase
// hex form used on the wire.
func secretToWireHex(canonical string) (string, error) {
	b, err := secretFromCanonical(canonical)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// secretFromWireHex converts a wire-form hex secret to the canonical
// (base64) form stored internally.
func secretFromWireHex(wireHex string) (string, error) {
	b, err := hex.DecodeString(wireHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
	}
	return secretToCanonical(b), nil
}

// Token is satisfied by both TokenV3 and TokenV4.
type Token interface {
	Proofs() Proofs
	Mint() string
	Amount() uint64
	Serialize() (string, error)
}

// DecodeToken picks the codec from the token's prefix: "cashuB" decodes as
// V4, "cashuA" as V3, and any other prefix is rejected.
func DecodeToken(tokenstr string) (Token, error) {
	if len(tokenstr) < 6 {
		return nil, fmt.Errorf("%w: token too short", walleterr.ErrInvalidPrefix)
	}

	switch tokenstr[:6] {
	case "cashuB":
		return DecodeTokenV4(tokenstr)
	case "cashuA":
		return DecodeTokenV3(tokenstr)
	default:
		return nil, fmt.Errorf("%w: unrecognized token prefix %q", walleterr.ErrInvalidPrefix, tokenstr[:6])
	}
}

type TokenV3 struct {
	Token []TokenV3Proof `json:"token"`
	Unit  string         `json:"unit"`
	Memo  string         `json:"memo,omitempty"`
}

type TokenV3Proof struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

func NewTokenV3(proofs Proofs, mint string, unit Unit, memo string, includeDLEQ bool) TokenV3 {
	if !includeDLEQ {
		for i := range proofs {
			proofs[i].DLEQ = nil
		}
	}
	return TokenV3{
		Token: []TokenV3Proof{{Mint: mint, Proofs: proofs}},
		Unit:  unit.String(),
		Memo:  memo,
	}
}

func decodeTokenBase64(base64Token string) ([]byte, error) {
	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", walleterr.ErrInvalidBase64, err)
		}
	}
	return tokenBytes, nil
}

func DecodeTokenV3(tokenstr string) (*TokenV3, error) {
	if len(tokenstr) < 6 || tokenstr[:6] != "cashuA" {
		return nil, fmt.Errorf("%w: expected cashuA prefix", walleterr.ErrInvalidPrefix)
	}

	tokenBytes, err := decodeTokenBase64(tokenstr[6:])
	if err != nil {
		return nil, err
	}

	var token TokenV3
	if err := json.Unmarshal(tokenBytes, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}
	if len(token.Token) == 0 {
		return nil, fmt.Errorf("%w: empty token array", walleterr.ErrInvalidToken)
	}

	return &token, nil
}

func (t TokenV3) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tp := range t.Token {
		proofs = append(proofs, tp.Proofs...)
	}
	return proofs
}

func (t TokenV3) Mint() string {
	return t.Token[0].Mint
}

func (t TokenV3) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV3) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return "cashuA" + base64.URLEncoding.EncodeToString(jsonBytes), nil
}

type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	Memo        string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	Unit        string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

func (tp TokenV4Proof) MarshalJSON() ([]byte, error) {
	aux := struct {
		Id     string    `json:"i"`
		Proofs []ProofV4 `json:"p"`
	}{Id: hex.EncodeToString(tp.Id), Proofs: tp.Proofs}
	return json.Marshal(aux)
}

type ProofV4 struct {
	Amount  uint64  `json:"a"`
	Secret  string  `json:"s"`
	C       []byte  `json:"c"`
	Witness string  `json:"w,omitempty"`
	DLEQ    *DLEQV4 `json:"d,omitempty"`
}

func (p ProofV4) MarshalJSON() ([]byte, error) {
	aux := struct {
		Amount  uint64  `json:"a"`
		Secret  string  `json:"s"`
		C       string  `json:"c"`
		Witness string  `json:"w,omitempty"`
		DLEQ    *DLEQV4 `json:"d,omitempty"`
	}{Amount: p.Amount, Secret: p.Secret, C: hex.EncodeToString(p.C), Witness: p.Witness, DLEQ: p.DLEQ}
	return json.Marshal(aux)
}

type DLEQV4 struct {
	E []byte `json:"e"`
	S []byte `json:"s"`
	R []byte `json:"r"`
}

func NewTokenV4(proofs Proofs, mint string, unit Unit, memo string, includeDLEQ bool) (TokenV4, error) {
	proofsByKeyset := make(map[string][]ProofV4)
	order := make([]string, 0)
	for _, proof := range proofs {
		wireSecret, err := secretToWireHex(proof.Secret)
		if err != nil {
			return TokenV4{}, err
		}
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
		}

		p4 := ProofV4{Amount: proof.Amount, Secret: wireSecret, C: C, Witness: proof.Witness}
		if includeDLEQ && proof.DLEQ != nil {
			e, err := hex.DecodeString(proof.DLEQ.E)
			if err != nil {
				return TokenV4{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
			}
			s, err := hex.DecodeString(proof.DLEQ.S)
			if err != nil {
				return TokenV4{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
			}
			r, err := hex.DecodeString(proof.DLEQ.R)
			if err != nil {
				return TokenV4{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
			}
			p4.DLEQ = &DLEQV4{E: e, S: s, R: r}
		}

		if _, ok := proofsByKeyset[proof.Id]; !ok {
			order = append(order, proof.Id)
		}
		proofsByKeyset[proof.Id] = append(proofsByKeyset[proof.Id], p4)
	}

	tokenProofs := make([]TokenV4Proof, 0, len(order))
	for _, keysetId := range order {
		idBytes, err := hex.DecodeString(keysetId)
		if err != nil {
			return TokenV4{}, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
		}
		tokenProofs = append(tokenProofs, TokenV4Proof{Id: idBytes, Proofs: proofsByKeyset[keysetId]})
	}

	return TokenV4{MintURL: mint, Unit: unit.String(), Memo: memo, TokenProofs: tokenProofs}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	if len(tokenstr) < 6 || tokenstr[:6] != "cashuB" {
		return nil, fmt.Errorf("%w: expected cashuB prefix", walleterr.ErrInvalidPrefix)
	}

	tokenBytes, err := decodeTokenBase64(tokenstr[6:])
	if err != nil {
		return nil, err
	}

	var tokenV4 TokenV4
	if err := cbor.Unmarshal(tokenBytes, &tokenV4); err != nil {
		return nil, fmt.Errorf("%w: %v", walleterr.ErrInvalidCbor, err)
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tp := range t.TokenProofs {
		keysetId := hex.EncodeToString(tp.Id)
		for _, p4 := range tp.Proofs {
			canonicalSecret, err := secretFromWireHex(p4.Secret)
			if err != nil {
				continue
			}
			proof := Proof{
				Amount:  p4.Amount,
				Id:      keysetId,
				Secret:  canonicalSecret,
				C:       hex.EncodeToString(p4.C),
				Witness: p4.Witness,
			}
			if p4.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(p4.DLEQ.E),
					S: hex.EncodeToString(p4.DLEQ.S),
					R: hex.EncodeToString(p4.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Mint() string {
	return t.MintURL
}

func (t TokenV4) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}
	return "cashuB" + base64.RawURLEncoding.EncodeToString(cborData), nil
}

// Error is the JSON error body a mint returns on 4xx/5xx HTTP responses.
type Error struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

func (e Error) Error() string {
	return e.Detail
}

// AmountSplit decomposes amount into its binary denominations, e.g.
// 13 -> [1, 4, 8].
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

func GenerateRandomQuoteId() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	hash := sha256.Sum256(randomBytes)
	return hex.EncodeToString(hash[:]), nil
}

func Max(x, y uint64) uint64 {
	if x > y {
		return x
	}
	return y
}

func Count(amounts []uint64, amount uint64) uint {
	var count uint
	for _, amt := range amounts {
		if amt == amount {
			count++
		}
	}
	return count
}
