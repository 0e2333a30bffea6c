package wallet

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut07"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut09"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut13"
	"github.com/nip60-cashu/walletengine/crypto"
	"github.com/nip60-cashu/walletengine/mintclient"
	"github.com/nip60-cashu/walletengine/walleterr"
)

const restoreBatchSize = 100

// RestoreFromMnemonic implements NUT-09 recovery: for each mint, for each of
// its hex-id keysets, it walks the deterministic NUT-13 counter in batches,
// asking the mint to return blind signatures for any outputs it recognizes,
// unblinding them, and keeping only the ones NUT-07 still reports unspent.
// It stops once a mint/keyset run hits 3 consecutive empty batches. Restored
// proofs are not published anywhere by this method - the caller decides
// whether to hand them to StoreProofs, which needs them grouped by mint.
func (e *Engine) RestoreFromMnemonic(ctx context.Context, mnemonic string, mintsToRestore []string) (map[string]cashu.Proofs, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", walleterr.ErrInternal)
	}
	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	restored := make(map[string]cashu.Proofs)
	for _, mintURL := range mintsToRestore {
		client := mintclient.New(mintURL)

		info, err := client.GetInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting info from mint %q: %w", mintURL, err)
		}
		if _, ok := info.Nuts[7]; !ok {
			continue
		}
		if _, ok := info.Nuts[9]; !ok {
			continue
		}

		keysetsInfo, err := client.GetKeysetsInfo(ctx)
		if err != nil {
			return nil, err
		}

		for _, ki := range keysetsInfo.Keysets {
			if _, err := hex.DecodeString(ki.Id); err != nil {
				continue
			}

			keysRes, err := client.GetKeysById(ctx, ki.Id)
			if err != nil {
				return nil, err
			}
			if len(keysRes.Keysets) == 0 {
				continue
			}
			keys := keysRes.Keysets[0].Keys

			keysetPath, err := nut13.DeriveKeysetPath(masterKey, ki.Id)
			if err != nil {
				return nil, err
			}

			proofs, err := e.restoreKeyset(ctx, client, ki.Id, keys, keysetPath)
			if err != nil {
				return nil, err
			}
			restored[mintURL] = append(restored[mintURL], proofs...)
		}
	}

	return restored, nil
}

func (e *Engine) restoreKeyset(ctx context.Context, client *mintclient.Client, keysetId string, keys map[uint64]*secp256k1.PublicKey, keysetPath *hdkeychain.ExtendedKey) (cashu.Proofs, error) {
	var restored cashu.Proofs
	var counter uint32
	emptyBatches := 0

	for emptyBatches < 3 {
		blindedMessages := make(cashu.BlindedMessages, restoreBatchSize)
		rs := make([]*secp256k1.PrivateKey, restoreBatchSize)
		secrets := make([]string, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secretHex, err := nut13.DeriveSecret(keysetPath, counter)
			if err != nil {
				return nil, err
			}
			r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
			if err != nil {
				return nil, err
			}
			B_, r, err := crypto.BlindMessage([]byte(secretHex), r)
			if err != nil {
				return nil, err
			}

			blindedMessages[i] = cashu.NewBlindedMessage(keysetId, 0, B_)
			rs[i] = r
			secrets[i] = secretHex
			counter++
		}

		restoreResponse, err := client.Restore(ctx, nut09.PostRestoreRequest{Outputs: blindedMessages})
		if err != nil {
			return nil, fmt.Errorf("error restoring signatures from mint '%v': %w", client.MintURL(), err)
		}
		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		// index by the B_ the mint echoed back so we can line each returned
		// signature up with the (secret, r) pair that produced it.
		byB := make(map[string]int, len(blindedMessages))
		for i, bm := range blindedMessages {
			byB[bm.B_] = i
		}

		Ys := make([]string, 0, len(restoreResponse.Signatures))
		proofByY := make(map[string]cashu.Proof, len(restoreResponse.Signatures))

		for i, output := range restoreResponse.Outputs {
			if i >= len(restoreResponse.Signatures) {
				break
			}
			idx, ok := byB[output.B_]
			if !ok {
				continue
			}
			matching := restoreResponse.Signatures[i]

			pubkey, ok := keys[matching.Amount]
			if !ok {
				return nil, fmt.Errorf("%w: key not found for amount %d", walleterr.ErrInvalidKeyset, matching.Amount)
			}
			C_, err := parsePubkeyHex(matching.C_)
			if err != nil {
				return nil, err
			}
			C := crypto.UnblindSignature(C_, rs[idx], pubkey)

			Y, err := crypto.HashToCurve([]byte(secrets[idx]))
			if err != nil {
				return nil, err
			}
			Yhex := hex.EncodeToString(Y.SerializeCompressed())
			Ys = append(Ys, Yhex)
			proofByY[Yhex] = cashu.Proof{
				Amount: matching.Amount,
				Secret: cashu.SecretFromWireString(secrets[idx]),
				C:      hex.EncodeToString(C.SerializeCompressed()),
				Id:     keysetId,
			}
		}

		stateResp, err := client.CheckState(ctx, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return nil, err
		}
		for _, ps := range stateResp.States {
			if ps.State != nut07.Unspent {
				continue
			}
			if proof, ok := proofByY[ps.Y]; ok {
				restored = append(restored, proof)
			}
		}
	}

	return restored, nil
}
