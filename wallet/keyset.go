package wallet

import (
	"context"
	"fmt"

	"github.com/nip60-cashu/walletengine/crypto"
	"github.com/nip60-cashu/walletengine/mintclient"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// fetchActiveKeysets queries mintURL's active signing keys and returns them
// keyed by keyset id.
func fetchActiveKeysets(ctx context.Context, client *mintclient.Client, mintURL string) (map[string]crypto.Keyset, error) {
	resp, err := client.GetActiveKeys(ctx)
	if err != nil {
		return nil, err
	}

	keysetsInfo, err := client.GetKeysetsInfo(ctx)
	if err != nil {
		return nil, err
	}
	feeByID := make(map[string]uint, len(keysetsInfo.Keysets))
	for _, ki := range keysetsInfo.Keysets {
		feeByID[ki.Id] = ki.InputFeePpk
	}

	active := make(map[string]crypto.Keyset, len(resp.Keysets))
	for _, keysetRes := range resp.Keysets {
		keyset := crypto.Keyset{
			Id:          keysetRes.Id,
			MintURL:     mintURL,
			Unit:        keysetRes.Unit,
			Active:      true,
			InputFeePpk: feeByID[keysetRes.Id],
			Keys:        keysetRes.Keys,
		}
		active[keyset.Id] = keyset
	}
	return active, nil
}

// fetchInactiveKeysets returns the mint's inactive keyset metadata (no key
// material - only needed so the wallet knows which of its own stored
// proofs came from a keyset that has been rotated out).
func fetchInactiveKeysets(ctx context.Context, client *mintclient.Client, mintURL string) (map[string]crypto.Keyset, error) {
	resp, err := client.GetKeysetsInfo(ctx)
	if err != nil {
		return nil, err
	}

	inactive := make(map[string]crypto.Keyset)
	for _, ki := range resp.Keysets {
		if ki.Active {
			continue
		}
		inactive[ki.Id] = crypto.Keyset{
			Id:          ki.Id,
			MintURL:     mintURL,
			Unit:        ki.Unit,
			Active:      false,
			InputFeePpk: ki.InputFeePpk,
		}
	}
	return inactive, nil
}

// activeKeysetForUnit returns the active keyset this mint publishes for
// unit, preferring the first match (mints typically run one active keyset
// per unit at a time).
func activeKeysetForUnit(active map[string]crypto.Keyset, unit string) (crypto.Keyset, error) {
	for _, ks := range active {
		if ks.Unit == unit {
			return ks, nil
		}
	}
	return crypto.Keyset{}, fmt.Errorf("%w: no active keyset for unit %q", walleterr.ErrInvalidKeyset, unit)
}
