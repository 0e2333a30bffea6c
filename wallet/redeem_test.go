package wallet

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut01"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut02"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut03"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut06"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut07"
	"github.com/nip60-cashu/walletengine/crypto"
	"github.com/nip60-cashu/walletengine/walleterr"
)

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// fakeMint is a minimal real-signing Cashu mint: one active keyset, amount
// 1 only, enough to exercise Redeem's swap and check_state calls with
// genuine BDHKE math rather than canned fixtures.
type fakeMint struct {
	mu       sync.Mutex
	keysetId string
	signKeys map[uint64]*secp256k1.PrivateKey
	spentY   map[string]bool
}

func newFakeMint(t *testing.T) *fakeMint {
	signKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return &fakeMint{
		keysetId: "00fake000000000",
		signKeys: map[uint64]*secp256k1.PrivateKey{1: signKey},
		spentY:   make(map[string]bool),
	}
}

func (m *fakeMint) keyset() crypto.Keyset {
	keys := make(crypto.PublicKeys, len(m.signKeys))
	for amount, k := range m.signKeys {
		keys[amount] = k.PubKey()
	}
	return crypto.Keyset{Id: m.keysetId, Unit: "sat", Active: true, Keys: keys}
}

func (m *fakeMint) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		info := nut06.MintInfo{Name: "fake mint", Nuts: nut06.NutsMap{7: map[string]any{}, 9: map[string]any{}}}
		_ = json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(nut01.GetKeysResponse{
			Keysets: []nut01.Keyset{{Id: m.keysetId, Unit: "sat", Keys: m.keyset().Keys}},
		})
	})
	mux.HandleFunc("/v1/keysets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(nut02.GetKeysetsResponse{
			Keysets: []nut02.Keyset{{Id: m.keysetId, Unit: "sat", Active: true}},
		})
	})
	mux.HandleFunc("/v1/checkstate", func(w http.ResponseWriter, r *http.Request) {
		var req nut07.PostCheckStateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		m.mu.Lock()
		defer m.mu.Unlock()
		states := make([]map[string]string, 0, len(req.Ys))
		for _, y := range req.Ys {
			state := "UNSPENT"
			if m.spentY[y] {
				state = "SPENT"
			}
			states = append(states, map[string]string{"Y": y, "state": state, "witness": ""})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"states": states})
	})
	mux.HandleFunc("/v1/swap", func(w http.ResponseWriter, r *http.Request) {
		var req nut03.PostSwapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		m.mu.Lock()
		for _, in := range req.Inputs {
			hashInput, err := in.HashInput()
			require.NoError(t, err)
			Y, err := crypto.HashToCurve(hashInput)
			require.NoError(t, err)
			y := hex.EncodeToString(Y.SerializeCompressed())
			if m.spentY[y] {
				m.mu.Unlock()
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{"detail": "Token already spent.", "code": 11001})
				return
			}
			m.spentY[y] = true
		}
		m.mu.Unlock()

		sigs := make(cashu.BlindedSignatures, len(req.Outputs))
		for i, out := range req.Outputs {
			signKey, ok := m.signKeys[out.Amount]
			require.True(t, ok, "no sign key for amount %d", out.Amount)
			bBytes, err := hex.DecodeString(out.B_)
			require.NoError(t, err)
			B_, err := crypto.ValidatePublicKey(bBytes)
			require.NoError(t, err)
			C_ := crypto.SignBlindedMessage(B_, signKey)
			sigs[i] = cashu.BlindedSignature{Amount: out.Amount, C_: hex.EncodeToString(C_.SerializeCompressed()), Id: out.Id}
		}
		_ = json.NewEncoder(w).Encode(nut03.PostSwapResponse{Signatures: sigs})
	})
	return httptest.NewServer(mux)
}

// issueProof blind-signs a fresh secret against signKey and returns the
// resulting spendable proof, as if it had come from a prior mint/swap.
func (m *fakeMint) issueProof(t *testing.T, amount uint64) cashu.Proof {
	secretBytes := make([]byte, 32)
	_, err := cryptorand.Read(secretBytes)
	require.NoError(t, err)
	wireHex := hex.EncodeToString(secretBytes)

	r, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	B_, r, err := crypto.BlindMessage([]byte(wireHex), r)
	require.NoError(t, err)

	signKey := m.signKeys[amount]
	require.NotNil(t, signKey)
	C_ := crypto.SignBlindedMessage(B_, signKey)
	C := crypto.UnblindSignature(C_, r, signKey.PubKey())

	return cashu.Proof{
		Amount: amount,
		Id:     m.keysetId,
		Secret: cashu.SecretFromWireString(wireHex),
		C:      hex.EncodeToString(C.SerializeCompressed()),
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newFakeRelayServer accepts one websocket connection and always replies OK
// to EVENT and a single EOSE (no stored events) to REQ - Redeem never reads
// its own proofs back from relays, it only needs publishes acknowledged.
func newFakeRelayServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var msg []interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg) == 0 {
				continue
			}
			kind, _ := msg[0].(string)
			switch kind {
			case "EVENT":
				event, _ := msg[1].(map[string]interface{})
				id, _ := event["id"].(string)
				conn.WriteJSON([]interface{}{"OK", id, true, ""})
			case "REQ":
				subID, _ := msg[1].(string)
				conn.WriteJSON([]interface{}{"EOSE", subID})
			}
		}
	}))
}

func relayWSURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestEngine(t *testing.T, relayURL string) *Engine {
	ownerKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	p2pkKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := New(Config{
		OwnerPrivkey: ownerKey,
		P2PKPrivkey:  p2pkKey,
		RelayURLs:    []string{relayURL},
		BackupDir:    t.TempDir(),
	})
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRedeemSwapsTokenAndPublishes(t *testing.T) {
	mint := newFakeMint(t)
	mintServer := mint.server(t)
	defer mintServer.Close()

	relayServer := newFakeRelayServer(t)
	defer relayServer.Close()

	e := newTestEngine(t, relayWSURL(relayServer))

	proof := mint.issueProof(t, 1)
	token := cashu.NewTokenV3(cashu.Proofs{proof}, mintServer.URL, cashu.Sat, "", false)
	tokenStr, err := token.Serialize()
	require.NoError(t, err)

	ctx, cancel := testContext()
	defer cancel()

	amount, unit, err := e.Redeem(ctx, tokenStr, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), amount)
	require.Equal(t, "sat", unit)
}

func TestRedeemRejectsAlreadySpentProof(t *testing.T) {
	mint := newFakeMint(t)
	mintServer := mint.server(t)
	defer mintServer.Close()

	relayServer := newFakeRelayServer(t)
	defer relayServer.Close()

	e := newTestEngine(t, relayWSURL(relayServer))

	proof := mint.issueProof(t, 1)
	token := cashu.NewTokenV3(cashu.Proofs{proof}, mintServer.URL, cashu.Sat, "", false)
	tokenStr, err := token.Serialize()
	require.NoError(t, err)

	ctx, cancel := testContext()
	defer cancel()
	_, _, err = e.Redeem(ctx, tokenStr, nil, false)
	require.NoError(t, err)

	ctx2, cancel2 := testContext()
	defer cancel2()
	_, _, err = e.Redeem(ctx2, tokenStr, nil, false)
	require.ErrorIs(t, err, walleterr.ErrAlreadySpent)
}

func TestRedeemRejectsMalformedToken(t *testing.T) {
	relayServer := newFakeRelayServer(t)
	defer relayServer.Close()
	e := newTestEngine(t, relayWSURL(relayServer))

	ctx, cancel := testContext()
	defer cancel()
	_, _, err := e.Redeem(ctx, "cashuAnotvalidjson", nil, false)
	require.Error(t, err)
}
