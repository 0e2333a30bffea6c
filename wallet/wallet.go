// Package wallet implements the NIP-60 wallet engine: a stateless Cashu
// client whose only durable storage is the set of Nostr events it
// publishes. Every operation fetches the live proof set from relays,
// performs mint HTTP calls, and republishes the resulting events - there
// is no local database.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut03"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut04"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut05"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut20"
	"github.com/nip60-cashu/walletengine/crypto"
	"github.com/nip60-cashu/walletengine/denom"
	"github.com/nip60-cashu/walletengine/events"
	"github.com/nip60-cashu/walletengine/mintclient"
	"github.com/nip60-cashu/walletengine/relay"
	"github.com/nip60-cashu/walletengine/spentcache"
	"github.com/nip60-cashu/walletengine/state"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// mintState caches one mint's client and keyset tables so repeated
// operations against the same mint don't refetch them.
type mintState struct {
	client   *mintclient.Client
	active   map[string]crypto.Keyset
	inactive map[string]crypto.Keyset
	unit     string
}

// activeKeyset returns ms's active keyset for unit, or ErrInvalidKeyset if
// the mint has no active keyset in that unit.
func (ms *mintState) activeKeyset(unit string) (crypto.Keyset, error) {
	return activeKeysetForUnit(ms.active, unit)
}

// Engine is the wallet's process-wide entry point. It holds the owner's
// keys in memory only and reconstructs every other piece of state from
// relays and mints on demand.
type Engine struct {
	ownerPrivkey *secp256k1.PrivateKey
	p2pkPrivkey  *btcec.PrivateKey
	ownerPubkey  string

	manager *events.Manager
	pool    *relay.Pool
	cache   *spentcache.Cache

	backupDir string

	opMu sync.Mutex // serializes composite publish-then-wait sequences (Redeem/Send/Melt/transfer)

	mintsMu sync.Mutex // guards mints, independent of opMu to avoid self-deadlock when an op looks up a mint
	mints   map[string]*mintState
}

// Config carries the arguments New needs to construct an Engine.
type Config struct {
	OwnerPrivkey *secp256k1.PrivateKey
	P2PKPrivkey  *btcec.PrivateKey
	RelayURLs    []string
	BackupDir    string
}

func New(cfg Config) *Engine {
	pool := relay.NewPool(cfg.RelayURLs)
	manager := events.NewManager(pool, pool, cfg.OwnerPrivkey)

	btcecKey, _ := btcec.PrivKeyFromBytes(cfg.OwnerPrivkey.Serialize())
	ownerPubkey := hex.EncodeToString(schnorr.SerializePubKey(btcecKey.PubKey()))

	return &Engine{
		ownerPrivkey: cfg.OwnerPrivkey,
		p2pkPrivkey:  cfg.P2PKPrivkey,
		ownerPubkey:  ownerPubkey,
		manager:      manager,
		pool:         pool,
		cache:        spentcache.New(),
		backupDir:    cfg.BackupDir,
		mints:        make(map[string]*mintState),
	}
}

// Close disconnects every relay the engine's pool holds open.
func (e *Engine) Close() error {
	return e.pool.Close()
}

// AnnounceWallet publishes (or replaces) the Wallet event advertising the
// mints this wallet trusts and its P2PK receiving key. Callers run this
// once at setup and whenever the trusted mint list changes.
func (e *Engine) AnnounceWallet(ctx context.Context, trustedMints []string) error {
	_, err := e.manager.PublishWalletEvent(ctx, trustedMints, e.p2pkPrivkey, nowUnix())
	return err
}

// TrustedMints returns the mint list from the newest Wallet event, or nil
// if none has been published yet.
func (e *Engine) TrustedMints(ctx context.Context) ([]string, error) {
	ws, err := e.fetchState(ctx, false)
	if err != nil {
		return nil, err
	}
	return ws.Mints, nil
}

// mintFor returns the cached mintState for mintURL, fetching its keysets
// if this is the first time the engine has seen it.
func (e *Engine) mintFor(ctx context.Context, mintURL string) (*mintState, error) {
	e.mintsMu.Lock()
	ms, ok := e.mints[mintURL]
	e.mintsMu.Unlock()
	if ok {
		return ms, nil
	}

	client := mintclient.New(mintURL)
	active, err := fetchActiveKeysets(ctx, client, mintURL)
	if err != nil {
		return nil, err
	}
	inactive, err := fetchInactiveKeysets(ctx, client, mintURL)
	if err != nil {
		return nil, err
	}

	unit := "sat"
	for _, ks := range active {
		unit = ks.Unit
		break
	}

	ms = &mintState{client: client, active: active, inactive: inactive, unit: unit}
	e.mintsMu.Lock()
	e.mints[mintURL] = ms
	e.mintsMu.Unlock()
	return ms, nil
}

func (e *Engine) unitFor(mintURL string) string {
	e.mintsMu.Lock()
	ms, ok := e.mints[mintURL]
	e.mintsMu.Unlock()
	if !ok {
		return "sat"
	}
	return ms.unit
}

func (e *Engine) clientMap() map[string]*mintclient.Client {
	e.mintsMu.Lock()
	defer e.mintsMu.Unlock()
	clients := make(map[string]*mintclient.Client, len(e.mints))
	for url, ms := range e.mints {
		clients[url] = ms.client
	}
	return clients
}

// fetchState reconstructs the current wallet state, optionally validating
// every non-pending proof against its mint's check_state endpoint.
func (e *Engine) fetchState(ctx context.Context, checkProofs bool) (*state.WalletState, error) {
	return state.FetchWalletState(ctx, e.pool, e.pool, e.ownerPrivkey, e.ownerPubkey, e.cache, state.Options{
		CheckProofs: checkProofs,
		Unit:        e.unitFor,
		Clients:     e.clientMap(),
	})
}

// Balance reconstructs the wallet's current state from its published
// events, without hitting any mint's check_state endpoint. Callers after
// an authoritative balance (e.g. before a Send) should prefer the
// individual operations, which validate proofs themselves.
func (e *Engine) Balance(ctx context.Context) (*state.WalletState, error) {
	return e.fetchState(ctx, false)
}

// createBlindedMessages builds len(amounts) blinded messages under
// keysetId using fresh random secrets and blinding factors, returning the
// messages alongside the secrets and blinding factors needed to unblind
// and reconstruct proofs once the mint signs them back.
func createBlindedMessages(keysetId string, amounts []uint64) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	messages := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amount := range amounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", walleterr.ErrInternal, err)
		}
		wireHex := hex.EncodeToString(secretBytes)

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", walleterr.ErrInternal, err)
		}

		B_, _, err := crypto.BlindMessage([]byte(wireHex), r)
		if err != nil {
			return nil, nil, nil, err
		}

		messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = cashu.SecretFromWireString(wireHex)
		rs[i] = r
	}

	return messages, secrets, rs, nil
}

// constructProofs unblinds sigs against keyset's per-amount public keys
// and assembles the resulting spendable proofs. secrets and rs must be in
// the same order the blinded messages were submitted in.
func constructProofs(sigs cashu.BlindedSignatures, secrets []string, rs []*secp256k1.PrivateKey, keyset crypto.Keyset) (cashu.Proofs, error) {
	if len(sigs) != len(secrets) || len(sigs) != len(rs) {
		return nil, fmt.Errorf("%w: signature count mismatch", walleterr.ErrInternal)
	}

	proofs := make(cashu.Proofs, len(sigs))
	for i, sig := range sigs {
		pub, ok := keyset.Keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("%w: no key for amount %d in keyset %s", walleterr.ErrInvalidKeyset, sig.Amount, keyset.Id)
		}

		C_, err := parsePubkeyHex(sig.C_)
		if err != nil {
			return nil, err
		}

		C := crypto.UnblindSignature(C_, rs[i], pub)

		proofs[i] = cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			DLEQ:   sig.DLEQ,
		}
	}
	return proofs, nil
}

func parsePubkeyHex(h string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", walleterr.ErrInvalidHex, err)
	}
	return crypto.ValidatePublicKey(b)
}

// selectProofs greedily picks proofs from available totaling at least
// amount, preferring proofs whose keyset has been rotated out (so stale
// proofs get consolidated first) before touching the freshest ones.
func selectProofs(available cashu.Proofs, amount uint64, inactiveIDs map[string]bool) (cashu.Proofs, error) {
	var inactive, active cashu.Proofs
	for _, p := range available {
		if inactiveIDs[p.Id] {
			inactive = append(inactive, p)
		} else {
			active = append(active, p)
		}
	}

	ordered := append(append(cashu.Proofs{}, inactive...), active...)

	var selected cashu.Proofs
	var total uint64
	for _, p := range ordered {
		if total >= amount {
			break
		}
		selected = append(selected, p)
		total += p.Amount
	}
	if total < amount {
		return nil, walleterr.ErrInsufficientProofs
	}
	return selected, nil
}

func inactiveIDSet(ms *mintState) map[string]bool {
	ids := make(map[string]bool, len(ms.inactive))
	for id := range ms.inactive {
		ids[id] = true
	}
	return ids
}

// eventIDsFor returns the distinct Token event ids backing proofs,
// excluding the pending sentinel (nothing to supersede there).
func eventIDsFor(proofs cashu.Proofs, proofToEventID map[string]string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range proofs {
		id := proofToEventID[p.ID()]
		if id == "" || id == state.PendingEventID || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Redeem parses token, optionally transfers it into a trusted mint, swaps
// it for fresh proofs at the issuing mint, and publishes the result as a
// new Token event plus an incoming History entry.
func (e *Engine) Redeem(ctx context.Context, tokenStr string, trustedMints []string, autoSwap bool) (uint64, string, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	tok, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return 0, "", err
	}
	proofs := tok.Proofs()
	if len(proofs) == 0 {
		return 0, "", walleterr.ErrInvalidToken
	}
	sourceMint := tok.Mint()
	unit := tokenUnit(tok)
	total := tok.Amount()

	ms, err := e.mintFor(ctx, sourceMint)
	if err != nil {
		return 0, "", err
	}

	survivors, err := e.cache.BatchValidate(ctx,
		map[string]cashu.Proofs{sourceMint: proofs},
		map[string]*mintclient.Client{sourceMint: ms.client})
	if err != nil {
		return 0, "", err
	}
	if len(survivors) != len(proofs) {
		return 0, "", walleterr.ErrAlreadySpent
	}

	trusted := false
	for _, m := range trustedMints {
		if m == sourceMint {
			trusted = true
			break
		}
	}

	if !trusted && autoSwap && len(trustedMints) > 0 {
		destMint := trustedMints[0]
		minted, err := e.transferProofsToMint(ctx, sourceMint, destMint, proofs)
		if err != nil {
			return 0, "", err
		}
		if err := e.publishRedemption(ctx, destMint, unit, nil, minted); err != nil {
			return 0, "", err
		}
		return minted.Amount(), unit, nil
	}

	keyset, err := ms.activeKeyset(unit)
	if err != nil {
		return 0, "", err
	}

	split := denom.OptimalSplit(total, denom.DefaultDenominations())
	amounts := denom.ToAmounts(split)
	outputs, secrets, rs, err := createBlindedMessages(keyset.Id, amounts)
	if err != nil {
		return 0, "", err
	}

	swapResp, err := ms.client.Swap(ctx, nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs})
	if err != nil {
		return 0, "", err
	}

	newProofs, err := constructProofs(swapResp.Signatures, secrets, rs, keyset)
	if err != nil {
		return 0, "", err
	}

	if err := e.publishRedemption(ctx, sourceMint, unit, nil, newProofs); err != nil {
		return 0, "", err
	}
	return total, unit, nil
}

func (e *Engine) publishRedemption(ctx context.Context, mintURL, unit string, del []string, proofs cashu.Proofs) error {
	now := nowUnix()
	tokenEvent, err := e.manager.PublishTokenEvent(ctx, proofs, mintURL, del, now)
	if err != nil {
		return err
	}
	_, err = e.manager.PublishSpendingHistory(ctx, events.HistoryContent{
		Direction:       events.DirectionIn,
		Amount:          proofs.Amount(),
		Unit:            unit,
		CreatedTokenIDs: []string{tokenEvent.ID},
	}, now)
	return err
}

// Send selects spendable proofs totaling at least amount from targetMint
// (transferring in from other mints first if targetMint's own balance is
// short), swaps them into send-amount and change outputs kept in NUT-03
// ascending order, serializes the send portion as a token, and publishes
// the change portion as a new Token event superseding whatever it consumed.
func (e *Engine) Send(ctx context.Context, amount uint64, targetMint, unit string, v4 bool) (string, error) {
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

	allAmounts := append(append([]uint64{}, sendAmounts...), changeAmounts...)
	outputs, secrets, rs, err := createBlindedMessages(keyset.Id, allAmounts)
	if err != nil {
		return "", err
	}
	cashu.SortBlindedMessages(outputs, secrets, rs)

	swapResp, err := ms.client.Swap(ctx, nut03.PostSwapRequest{Inputs: selected, Outputs: outputs})
	if err != nil {
		return "", err
	}
	allProofs, err := constructProofs(swapResp.Signatures, secrets, rs, keyset)
	if err != nil {
		return "", err
	}

	sendProofs, changeProofs := splitBySet(allProofs, sendAmounts)

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

// splitBySet separates allProofs into the send set and the change set by
// amount: walking allProofs in order, a proof goes to the send set while
// sendAmounts still has an unclaimed entry of its amount, otherwise to the
// change set. Proofs of equal amount are treated as interchangeable; which
// submitted output a proof came from is not tracked.
func splitBySet(allProofs cashu.Proofs, sendAmounts []uint64) (cashu.Proofs, cashu.Proofs) {
	remaining := make(map[uint64]int, len(sendAmounts))
	for _, a := range sendAmounts {
		remaining[a]++
	}
	var send, change cashu.Proofs
	for _, p := range allProofs {
		if remaining[p.Amount] > 0 {
			remaining[p.Amount]--
			send = append(send, p)
		} else {
			change = append(change, p)
		}
	}
	return send, change
}

// MintTask represents a quote polling loop started by Mint.
type MintTask struct {
	done   chan struct{}
	paid   bool
	err    error
	cancel context.CancelFunc
}

// Wait blocks until the task completes or ctx is canceled, returning
// whether the quote was paid before a caller-supplied deadline elapsed.
func (t *MintTask) Wait(ctx context.Context) (bool, error) {
	select {
	case <-t.done:
		return t.paid, t.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Cancel stops the background poll early; the quote remains valid on the
// mint for later use.
func (t *MintTask) Cancel() {
	t.cancel()
}

// Mint creates a mint quote for amount at mintURL and returns the BOLT-11
// payment request alongside a background task that polls for payment with
// exponential backoff (1s, capped at 5s) until paid or canceled.
func (e *Engine) Mint(ctx context.Context, amount uint64, unit, mintURL string) (string, *MintTask, error) {
	ms, err := e.mintFor(ctx, mintURL)
	if err != nil {
		return "", nil, err
	}
	if unit == "" {
		unit = ms.unit
	}

	pubkeyHex := hex.EncodeToString(e.ownerPrivkey.PubKey().SerializeCompressed())
	quote, err := ms.client.CreateMintQuote(ctx, nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: unit, Pubkey: pubkeyHex})
	if err != nil {
		return "", nil, err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &MintTask{done: make(chan struct{}), cancel: cancel}

	go e.pollMintQuote(taskCtx, ms, mintURL, unit, quote.Quote, amount, task)

	return quote.Request, task, nil
}

func (e *Engine) pollMintQuote(ctx context.Context, ms *mintState, mintURL, unit, quoteID string, amount uint64, task *MintTask) {
	defer close(task.done)

	backoff := time.Second
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			task.err = ctx.Err()
			return
		case <-time.After(backoff):
		}

		resp, err := ms.client.GetMintQuote(ctx, quoteID)
		if err != nil {
			task.err = err
			return
		}

		switch resp.State {
		case nut04.Paid:
			if err := e.finishMint(ctx, ms, mintURL, unit, quoteID, amount); err != nil {
				task.err = err
				return
			}
			task.paid = true
			return
		case nut04.Issued:
			task.err = walleterr.ErrQuoteExpired
			return
		}

		if resp.Expiry > 0 && time.Now().Unix() > resp.Expiry {
			task.err = walleterr.ErrQuoteExpired
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (e *Engine) finishMint(ctx context.Context, ms *mintState, mintURL, unit, quoteID string, amount uint64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	keyset, err := ms.activeKeyset(unit)
	if err != nil {
		return err
	}

	amounts := denom.ToAmounts(denom.OptimalSplit(amount, denom.DefaultDenominations()))
	outputs, secrets, rs, err := createBlindedMessages(keyset.Id, amounts)
	if err != nil {
		return err
	}

	// NUT-20: the mint quote was requested locked to our pubkey, so every
	// mint attempt against it must carry our signature over the quote id
	// and outputs, proving we are the one who created it.
	sig, err := nut20.SignMintQuote(e.ownerPrivkey, quoteID, outputs)
	if err != nil {
		return err
	}

	resp, err := ms.client.Mint(ctx, nut04.PostMintBolt11Request{
		Quote:     quoteID,
		Outputs:   outputs,
		Signature: hex.EncodeToString(sig.Serialize()),
	})
	if err != nil {
		return err
	}

	proofs, err := constructProofs(resp.Signatures, secrets, rs, keyset)
	if err != nil {
		return err
	}

	return e.publishRedemption(ctx, mintURL, unit, nil, proofs)
}

// Melt pays invoice from targetMint's balance, transferring in from other
// mints first if necessary, preparing NUT-08 blank outputs to receive any
// overpaid fee-reserve back as change.
func (e *Engine) Melt(ctx context.Context, invoice, targetMint string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	ms, err := e.mintFor(ctx, targetMint)
	if err != nil {
		return err
	}

	quote, err := ms.client.CreateMeltQuote(ctx, nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: ms.unit})
	if err != nil {
		return err
	}

	ws, err := e.fetchState(ctx, true)
	if err != nil {
		return err
	}

	keyset, err := ms.activeKeyset(ms.unit)
	if err != nil {
		return err
	}

	required := quote.Amount + quote.FeeReserve
	available := ws.ByMint[targetMint]
	if available.Amount() < required {
		if _, err := e.transferBalanceToMint(ctx, ws, required-available.Amount(), targetMint); err != nil {
			return err
		}
		ws, err = e.fetchState(ctx, false)
		if err != nil {
			return err
		}
		available = ws.ByMint[targetMint]
	}

	selected, err := selectProofs(available, required, inactiveIDSet(ms))
	if err != nil {
		return err
	}
	fee := keyset.Fee(len(selected))
	for selected.Amount() < required+fee {
		more, err := selectProofs(available, required+fee, inactiveIDSet(ms))
		if err != nil {
			return walleterr.ErrInsufficientBalance
		}
		selected = more
		fee = keyset.Fee(len(selected))
	}

	nBlank := 0
	if quote.FeeReserve > 0 {
		nBlank = int(math.Ceil(math.Log2(float64(quote.FeeReserve))))
		if nBlank < 1 {
			nBlank = 1
		}
	}
	var blankOutputs cashu.BlindedMessages
	var blankSecrets []string
	var blankRs []*secp256k1.PrivateKey
	if nBlank > 0 {
		blankOutputs, blankSecrets, blankRs, err = createBlindedMessages(keyset.Id, make([]uint64, nBlank))
		if err != nil {
			return err
		}
	}

	resp, err := ms.client.Melt(ctx, nut05.PostMeltBolt11Request{Quote: quote.Quote, Inputs: selected, Outputs: blankOutputs})
	if err != nil {
		return err
	}
	if !resp.Paid {
		return walleterr.ErrPaymentFailed
	}

	del := eventIDsFor(selected, ws.ProofToEventID)
	var changeProofs cashu.Proofs
	if len(resp.Change) > 0 {
		changeProofs, err = constructProofs(resp.Change, blankSecrets[:len(resp.Change)], blankRs[:len(resp.Change)], keyset)
		if err != nil {
			return err
		}
	}

	now := nowUnix()
	var created []string
	if len(changeProofs) > 0 {
		changeEvent, err := e.manager.PublishTokenEvent(ctx, changeProofs, targetMint, del, now)
		if err != nil {
			return err
		}
		created = []string{changeEvent.ID}
	} else {
		for _, id := range del {
			if err := e.manager.DeleteTokenEvent(ctx, id, now); err != nil {
				return err
			}
		}
	}
	_, err = e.manager.PublishSpendingHistory(ctx, events.HistoryContent{
		Direction:         events.DirectionOut,
		Amount:            quote.Amount,
		Unit:              ms.unit,
		CreatedTokenIDs:   created,
		DestroyedTokenIDs: del,
	}, now)
	return err
}

// TransferBalanceToMint moves at least amount worth of value into
// targetMint by minting a quote there and melting proofs from other mints
// (by decreasing balance) to pay it, until the cumulative transferred
// value meets amount.
func (e *Engine) TransferBalanceToMint(ctx context.Context, amount uint64, targetMint string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	ws, err := e.fetchState(ctx, true)
	if err != nil {
		return err
	}
	_, err = e.transferBalanceToMint(ctx, ws, amount, targetMint)
	return err
}

type mintBalance struct {
	mint    string
	balance uint64
}

// transferBalanceToMint is the lock-held implementation shared by Send,
// Melt, and TransferBalanceToMint.
func (e *Engine) transferBalanceToMint(ctx context.Context, ws *state.WalletState, amount uint64, targetMint string) (uint64, error) {
	var sources []mintBalance
	for mint, proofs := range ws.ByMint {
		if mint == targetMint {
			continue
		}
		sources = append(sources, mintBalance{mint, proofs.Amount()})
	}
	sortDescendingBalance(sources)

	var transferred uint64
	for _, src := range sources {
		if transferred >= amount {
			break
		}
		want := amount - transferred
		if want > src.balance {
			want = src.balance
		}
		if want == 0 {
			continue
		}
		minted, err := e.transferViaMintMelt(ctx, src.mint, targetMint, ws.ByMint[src.mint], want, ws.ProofToEventID)
		if err != nil {
			continue
		}
		transferred += minted
	}

	if transferred < amount {
		return transferred, walleterr.ErrInsufficientBalance
	}
	return transferred, nil
}

func sortDescendingBalance(sources []mintBalance) {
	for i := 0; i < len(sources)-1; i++ {
		for j := i + 1; j < len(sources); j++ {
			if sources[j].balance > sources[i].balance {
				sources[i], sources[j] = sources[j], sources[i]
			}
		}
	}
}

// transferViaMintMelt mints a quote worth amount at destMint, then melts
// sourceProofs at sourceMint to pay it, returning the value actually
// minted at destMint.
func (e *Engine) transferViaMintMelt(ctx context.Context, sourceMint, destMint string, sourceProofs cashu.Proofs, amount uint64, proofToEventID map[string]string) (uint64, error) {
	destState, err := e.mintFor(ctx, destMint)
	if err != nil {
		return 0, err
	}
	srcState, err := e.mintFor(ctx, sourceMint)
	if err != nil {
		return 0, err
	}

	mintQuote, err := destState.client.CreateMintQuote(ctx, nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: destState.unit})
	if err != nil {
		return 0, err
	}

	meltQuote, err := srcState.client.CreateMeltQuote(ctx, nut05.PostMeltQuoteBolt11Request{Request: mintQuote.Request, Unit: srcState.unit})
	if err != nil {
		return 0, err
	}

	keyset, err := srcState.activeKeyset(srcState.unit)
	if err != nil {
		return 0, err
	}
	required := meltQuote.Amount + meltQuote.FeeReserve
	selected, err := selectProofs(sourceProofs, required, inactiveIDSet(srcState))
	if err != nil {
		return 0, err
	}
	fee := keyset.Fee(len(selected))
	for selected.Amount() < required+fee {
		more, err := selectProofs(sourceProofs, required+fee, inactiveIDSet(srcState))
		if err != nil {
			return 0, walleterr.ErrInsufficientBalance
		}
		selected = more
		fee = keyset.Fee(len(selected))
	}

	meltResp, err := srcState.client.Melt(ctx, nut05.PostMeltBolt11Request{Quote: meltQuote.Quote, Inputs: selected})
	if err != nil {
		return 0, err
	}
	if !meltResp.Paid {
		return 0, walleterr.ErrPaymentFailed
	}

	now := nowUnix()
	del := eventIDsFor(selected, proofToEventID)
	for _, id := range del {
		_ = e.manager.DeleteTokenEvent(ctx, id, now)
	}

	destKeyset, err := destState.activeKeyset(destState.unit)
	if err != nil {
		return 0, err
	}
	amounts := denom.ToAmounts(denom.OptimalSplit(amount, denom.DefaultDenominations()))
	outputs, secrets, rs, err := createBlindedMessages(destKeyset.Id, amounts)
	if err != nil {
		return 0, err
	}
	mintResp, err := destState.client.Mint(ctx, nut04.PostMintBolt11Request{Quote: mintQuote.Quote, Outputs: outputs})
	if err != nil {
		return 0, err
	}
	proofs, err := constructProofs(mintResp.Signatures, secrets, rs, destKeyset)
	if err != nil {
		return 0, err
	}

	if err := e.publishRedemption(ctx, destMint, destState.unit, nil, proofs); err != nil {
		return 0, err
	}
	return proofs.Amount(), nil
}

// transferProofsToMint is Redeem's auto_swap path: melt proofs at
// sourceMint, mint the equivalent value at destMint, and return the new
// (unpublished) proofs - the caller publishes once.
func (e *Engine) transferProofsToMint(ctx context.Context, sourceMint, destMint string, proofs cashu.Proofs) (cashu.Proofs, error) {
	srcState, err := e.mintFor(ctx, sourceMint)
	if err != nil {
		return nil, err
	}
	destState, err := e.mintFor(ctx, destMint)
	if err != nil {
		return nil, err
	}

	amount := proofs.Amount()
	mintQuote, err := destState.client.CreateMintQuote(ctx, nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: destState.unit})
	if err != nil {
		return nil, err
	}
	meltQuote, err := srcState.client.CreateMeltQuote(ctx, nut05.PostMeltQuoteBolt11Request{Request: mintQuote.Request, Unit: srcState.unit})
	if err != nil {
		return nil, err
	}
	if proofs.Amount() < meltQuote.Amount+meltQuote.FeeReserve {
		return nil, walleterr.ErrInsufficientProofs
	}

	meltResp, err := srcState.client.Melt(ctx, nut05.PostMeltBolt11Request{Quote: meltQuote.Quote, Inputs: proofs})
	if err != nil {
		return nil, err
	}
	if !meltResp.Paid {
		return nil, walleterr.ErrPaymentFailed
	}

	destKeyset, err := destState.activeKeyset(destState.unit)
	if err != nil {
		return nil, err
	}
	finalAmounts := denom.ToAmounts(denom.OptimalSplit(amount, denom.DefaultDenominations()))
	outputs, secrets, rs, err := createBlindedMessages(destKeyset.Id, finalAmounts)
	if err != nil {
		return nil, err
	}
	mintResp, err := destState.client.Mint(ctx, nut04.PostMintBolt11Request{Quote: mintQuote.Quote, Outputs: outputs})
	if err != nil {
		return nil, err
	}
	return constructProofs(mintResp.Signatures, secrets, rs, destKeyset)
}

func nowUnix() int64 { return timeNow().Unix() }

// timeNow is indirected so tests can stub deterministic timestamps;
// production always calls time.Now.
var timeNow = time.Now

func tokenUnit(tok cashu.Token) string {
	switch t := tok.(type) {
	case *cashu.TokenV3:
		return t.Unit
	case cashu.TokenV3:
		return t.Unit
	case *cashu.TokenV4:
		return t.Unit
	case cashu.TokenV4:
		return t.Unit
	default:
		return "sat"
	}
}

func mustUnit(s string) cashu.Unit {
	u, err := cashu.ParseUnit(s)
	if err != nil {
		return 0
	}
	return u
}
