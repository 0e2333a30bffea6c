package spentcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut07"
	"github.com/nip60-cashu/walletengine/mintclient"
	"github.com/stretchr/testify/require"
)

func newCheckStateServer(t *testing.T, states map[string]nut07.State) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req nut07.PostCheckStateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := nut07.PostCheckStateResponse{}
		for _, y := range req.Ys {
			resp.States = append(resp.States, nut07.ProofState{Y: y, State: states[y]})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestBatchValidateDropsSpent(t *testing.T) {
	unspentProof := cashu.Proof{Amount: 1, Id: "00", Secret: cashu.SecretFromWireString("aa"), C: "02aa"}
	spentProof := cashu.Proof{Amount: 2, Id: "00", Secret: cashu.SecretFromWireString("bb"), C: "02bb"}

	unspentY, err := ProofY(unspentProof)
	require.NoError(t, err)
	spentY, err := ProofY(spentProof)
	require.NoError(t, err)

	server := newCheckStateServer(t, map[string]nut07.State{
		unspentY: nut07.Unspent,
		spentY:   nut07.Spent,
	})
	defer server.Close()

	client := mintclient.New(server.URL)
	cache := New()

	survivors, err := cache.BatchValidate(context.Background(), map[string]cashu.Proofs{
		server.URL: {unspentProof, spentProof},
	}, map[string]*mintclient.Client{server.URL: client})
	require.NoError(t, err)

	require.Len(t, survivors, 1)
	require.Equal(t, unspentProof.Secret, survivors[0].Secret)
	require.True(t, cache.IsKnownSpent(spentProof))
	require.False(t, cache.IsKnownSpent(unspentProof))
}

func TestBatchValidateSkipsAlreadySpent(t *testing.T) {
	proof := cashu.Proof{Amount: 1, Id: "00", Secret: cashu.SecretFromWireString("cc"), C: "02cc"}
	y, err := ProofY(proof)
	require.NoError(t, err)

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(nut07.PostCheckStateResponse{
			States: []nut07.ProofState{{Y: y, State: nut07.Spent}},
		})
	}))
	defer server.Close()

	client := mintclient.New(server.URL)
	cache := New()
	byMint := map[string]cashu.Proofs{server.URL: {proof}}
	clients := map[string]*mintclient.Client{server.URL: client}

	_, err = cache.BatchValidate(context.Background(), byMint, clients)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	survivors, err := cache.BatchValidate(context.Background(), byMint, clients)
	require.NoError(t, err)
	require.Empty(t, survivors)
	require.Equal(t, 1, calls)
}
