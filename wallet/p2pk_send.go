package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut03"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut11"
	"github.com/nip60-cashu/walletengine/crypto"
	"github.com/nip60-cashu/walletengine/denom"
	"github.com/nip60-cashu/walletengine/events"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// createLockedBlindedMessages is createBlindedMessages with one change: the
// secret each output commits to is a NUT-10 well-known P2PK secret (NUT-11)
// naming lockPubkeyHex, instead of a random string. Whoever redeems the
// resulting proofs must sign for that pubkey.
func createLockedBlindedMessages(keysetId string, amounts []uint64, lockPubkeyHex string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	messages := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amount := range amounts {
		wireSecret, err := nut11.P2PKSecret(lockPubkeyHex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", walleterr.ErrInternal, err)
		}

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", walleterr.ErrInternal, err)
		}

		B_, _, err := crypto.BlindMessage([]byte(wireSecret), r)
		if err != nil {
			return nil, nil, nil, err
		}

		messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = cashu.SecretFromWireString(wireSecret)
		rs[i] = r
	}

	return messages, secrets, rs, nil
}

// SendLocked behaves like Send but the send-amount outputs carry a NUT-11
// P2PK spending condition naming lockPubkeyHex: only whoever holds that key
// can later redeem the resulting token. Change outputs are unlocked as
// usual.
func (e *Engine) SendLocked(ctx context.Context, amount uint64, targetMint, unit string, v4 bool, lockPubkeyHex string) (string, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	ws, err := e.fetchState(ctx, true)
	if err != nil {
		return "", err
	}
	if ws.Proofs.Amount() < amount {
		return "", walleterr.ErrInsufficientBalance
	}

	available := ws.ByMint[targetMint]
	if available.Amount() < amount {
		if _, err := e.transferBalanceToMint(ctx, ws, amount-available.Amount(), targetMint); err != nil {
			return "", err
		}
		ws, err = e.fetchState(ctx, false)
		if err != nil {
			return "", err
		}
		available = ws.ByMint[targetMint]
	}

	ms, err := e.mintFor(ctx, targetMint)
	if err != nil {
		return "", err
	}
	if unit == "" {
		unit = ms.unit
	}
	keyset, err := ms.activeKeyset(unit)
	if err != nil {
		return "", err
	}

	selected, err := selectProofs(available, amount, inactiveIDSet(ms))
	if err != nil {
		return "", err
	}

	fee := keyset.Fee(len(selected))
	if selected.Amount() < amount+fee {
		return "", walleterr.ErrInsufficientBalance
	}
	change := selected.Amount() - amount - fee

	sendAmounts := denom.ToAmounts(denom.OptimalSplit(amount, denom.DefaultDenominations()))
	changeAmounts := denom.ToAmounts(denom.OptimalSplit(change, denom.DefaultDenominations()))

	sendOutputs, sendSecrets, sendRs, err := createLockedBlindedMessages(keyset.Id, sendAmounts, lockPubkeyHex)
	if err != nil {
		return "", err
	}
	changeOutputs, changeSecrets, changeRs, err := createBlindedMessages(keyset.Id, changeAmounts)
	if err != nil {
		return "", err
	}

	outputs := append(append(cashu.BlindedMessages{}, sendOutputs...), changeOutputs...)
	secrets := append(append([]string{}, sendSecrets...), changeSecrets...)
	rs := append(append([]*secp256k1.PrivateKey{}, sendRs...), changeRs...)
	cashu.SortBlindedMessages(outputs, secrets, rs)

	swapResp, err := ms.client.Swap(ctx, nut03.PostSwapRequest{Inputs: selected, Outputs: outputs})
	if err != nil {
		return "", err
	}
	allProofs, err := constructProofs(swapResp.Signatures, secrets, rs, keyset)
	if err != nil {
		return "", err
	}

	// The amount sort can interleave locked send outputs with unlocked
	// change outputs of equal amount, so split by secret, not by amount.
	lockedSecrets := make(map[string]bool, len(sendSecrets))
	for _, s := range sendSecrets {
		lockedSecrets[s] = true
	}
	var sendProofs, changeProofs cashu.Proofs
	for _, p := range allProofs {
		if lockedSecrets[p.Secret] {
			sendProofs = append(sendProofs, p)
		} else {
			changeProofs = append(changeProofs, p)
		}
	}

	var tokenStr string
	if v4 {
		t4, err := cashu.NewTokenV4(sendProofs, targetMint, mustUnit(unit), "", false)
		if err != nil {
			return "", err
		}
		tokenStr, err = t4.Serialize()
		if err != nil {
			return "", err
		}
	} else {
		tok := cashu.NewTokenV3(sendProofs, targetMint, mustUnit(unit), "", false)
		tokenStr, err = tok.Serialize()
		if err != nil {
			return "", err
		}
	}

	del := eventIDsFor(selected, ws.ProofToEventID)
	now := nowUnix()
	var created []string
	if len(changeProofs) > 0 {
		changeEvent, err := e.manager.PublishTokenEvent(ctx, changeProofs, targetMint, del, now)
		if err != nil {
			return "", err
		}
		created = []string{changeEvent.ID}
	} else {
		for _, id := range del {
			if err := e.manager.DeleteTokenEvent(ctx, id, now); err != nil {
				return "", err
			}
		}
	}
	if _, err := e.manager.PublishSpendingHistory(ctx, events.HistoryContent{
		Direction:         events.DirectionOut,
		Amount:            amount,
		Unit:              unit,
		CreatedTokenIDs:   created,
		DestroyedTokenIDs: del,
	}, now); err != nil {
		return "", err
	}

	return tokenStr, nil
}

// RedeemLocked unblinds and spends a P2PK-locked token received via Send
// (or SendLocked), attaching signingKey's schnorr signature to each input
// so the mint's NUT-11 check passes, then proceeds like Redeem.
func (e *Engine) RedeemLocked(ctx context.Context, tokenStr string, trustedMints []string, autoSwap bool, signingKey *btcec.PrivateKey) (uint64, string, error) {
	tok, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", walleterr.ErrInvalidToken, err)
	}

	signed, err := nut11.AddSignatureToInputs(tok.Proofs(), signingKey)
	if err != nil {
		return 0, "", err
	}

	var rebuilt string
	unit := tokenUnit(tok)
	switch tok.(type) {
	case *cashu.TokenV4:
		t4, err := cashu.NewTokenV4(signed, tok.Mint(), mustUnit(unit), "", false)
		if err != nil {
			return 0, "", err
		}
		rebuilt, err = t4.Serialize()
		if err != nil {
			return 0, "", err
		}
	default:
		t3 := cashu.NewTokenV3(signed, tok.Mint(), mustUnit(unit), "", false)
		rebuilt, err = t3.Serialize()
		if err != nil {
			return 0, "", err
		}
	}

	return e.Redeem(ctx, rebuilt, trustedMints, autoSwap)
}
