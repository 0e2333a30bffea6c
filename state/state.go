// Package state folds a wallet owner's NIP-60 events into the live set of
// spendable proofs, honoring Token-event supersession and merging in
// proofs still sitting unconfirmed in the relay pool's publish queue.
package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/events"
	"github.com/nip60-cashu/walletengine/mintclient"
	"github.com/nip60-cashu/walletengine/relay"
	"github.com/nip60-cashu/walletengine/spentcache"
)

// PendingEventID marks proofs merged in from the relay pool's in-flight
// publish queue rather than a confirmed Token event.
const PendingEventID = relay.PendingEventID

// WalletState is the reconstructed view FetchWalletState produces.
type WalletState struct {
	Proofs cashu.Proofs
	// ByMint groups live proofs by the mint that issued them.
	ByMint map[string]cashu.Proofs
	// ByUnit groups live proofs by their mint's unit (e.g. "sat").
	ByUnit map[string]cashu.Proofs
	// ProofToEventID maps a proof's (secret, C) id to the Token event id
	// that currently carries it, or PendingEventID if unconfirmed.
	ProofToEventID map[string]string
	// Mints and P2PKPrivKeyHex come from the newest Wallet event.
	Mints          []string
	P2PKPrivKeyHex string
}

// UnitResolver resolves the unit a mint quotes in, given its URL. The
// wallet engine supplies one backed by each mint's cached GetInfo result;
// tests can stub it.
type UnitResolver func(mintURL string) string

// Options configures FetchWalletState.
type Options struct {
	// CheckProofs, if true, runs batch_validate on every non-pending live
	// proof and drops any the mint reports SPENT.
	CheckProofs bool
	// Unit resolves a mint's unit for ByUnit grouping. Defaults to
	// reporting every mint as "sat" when nil.
	Unit UnitResolver
	// Clients provides a mint client per mint URL, required when
	// CheckProofs is true.
	Clients map[string]*mintclient.Client
}

// FetchWalletState fetches every NIP-60 event the owner has published via
// fetcher, folds Token-event supersession per spec, merges in pool's
// pending (unconfirmed) Token events, and optionally validates the result
// against each mint's check_state endpoint using cache.
func FetchWalletState(
	ctx context.Context,
	fetcher events.Fetcher,
	pool *relay.Pool,
	ownerPrivkey *secp256k1.PrivateKey,
	ownerPubkey string,
	cache *spentcache.Cache,
	opts Options,
) (*WalletState, error) {
	rawEvents, err := fetcher.Fetch(ctx, events.Filter{
		Author: ownerPubkey,
		Kinds:  []int{events.KindWallet, events.KindToken, events.KindHistory},
	})
	if err != nil {
		return nil, err
	}

	deduped := dedupeByID(rawEvents)

	walletState := &WalletState{
		ByMint:         make(map[string]cashu.Proofs),
		ByUnit:         make(map[string]cashu.Proofs),
		ProofToEventID: make(map[string]string),
	}

	var newestWallet *events.Event
	var tokenEvents []events.Event
	for _, e := range deduped {
		switch e.Kind {
		case events.KindWallet:
			if newestWallet == nil || e.CreatedAt > newestWallet.CreatedAt {
				ev := e
				newestWallet = &ev
			}
		case events.KindToken:
			tokenEvents = append(tokenEvents, e)
		}
	}

	if newestWallet != nil {
		content, err := events.DecryptWalletEvent(*newestWallet, ownerPrivkey)
		if err == nil {
			walletState.Mints = content.Mints
			walletState.P2PKPrivKeyHex = content.PrivKeyHex
		}
	}

	sort.Slice(tokenEvents, func(i, j int) bool {
		return tokenEvents[i].CreatedAt > tokenEvents[j].CreatedAt
	})

	unitOf := opts.Unit
	if unitOf == nil {
		unitOf = func(string) string { return "sat" }
	}

	seenProofIDs := make(map[string]bool)
	invalidIDs := make(map[string]bool)

	for _, e := range tokenEvents {
		// Superseded events are still decrypted so that their own del lists
		// apply: in a chain A <- B <- C only C's proofs stay live.
		content, err := events.DecryptTokenEvent(e, ownerPrivkey)
		if err != nil {
			continue
		}

		for _, delID := range content.Del {
			invalidIDs[delID] = true
		}
		if invalidIDs[e.ID] {
			continue
		}

		for _, proof := range content.Proofs {
			id := proof.ID()
			if seenProofIDs[id] {
				continue
			}
			seenProofIDs[id] = true

			walletState.Proofs = append(walletState.Proofs, proof)
			walletState.ByMint[content.Mint] = append(walletState.ByMint[content.Mint], proof)
			unit := unitOf(content.Mint)
			walletState.ByUnit[unit] = append(walletState.ByUnit[unit], proof)
			walletState.ProofToEventID[id] = e.ID
		}
	}

	if pool != nil {
		for _, e := range pool.PendingProofEvents() {
			content, err := events.DecryptTokenEvent(e, ownerPrivkey)
			if err != nil {
				continue
			}
			for _, proof := range content.Proofs {
				id := proof.ID()
				if seenProofIDs[id] {
					continue
				}
				seenProofIDs[id] = true

				walletState.Proofs = append(walletState.Proofs, proof)
				walletState.ByMint[content.Mint] = append(walletState.ByMint[content.Mint], proof)
				unit := unitOf(content.Mint)
				walletState.ByUnit[unit] = append(walletState.ByUnit[unit], proof)
				walletState.ProofToEventID[id] = PendingEventID
			}
		}
	}

	if opts.CheckProofs {
		if err := validateProofs(ctx, walletState, cache, opts.Clients); err != nil {
			return nil, err
		}
	}

	return walletState, nil
}

// validateProofs runs batch_validate on every non-pending proof and drops
// any the mint reports SPENT from all three views.
func validateProofs(ctx context.Context, ws *WalletState, cache *spentcache.Cache, clients map[string]*mintclient.Client) error {
	if cache == nil {
		return fmt.Errorf("state: CheckProofs requires a spent-proof cache")
	}

	byMint := make(map[string]cashu.Proofs)
	for mint, proofs := range ws.ByMint {
		nonPending := make(cashu.Proofs, 0, len(proofs))
		for _, p := range proofs {
			if ws.ProofToEventID[p.ID()] == PendingEventID {
				continue
			}
			nonPending = append(nonPending, p)
		}
		if len(nonPending) > 0 {
			byMint[mint] = nonPending
		}
	}

	survivors, err := cache.BatchValidate(ctx, byMint, clients)
	if err != nil {
		return err
	}

	survivorIDs := make(map[string]bool, len(survivors))
	for _, p := range survivors {
		survivorIDs[p.ID()] = true
	}

	ws.Proofs = filterProofs(ws.Proofs, survivorIDs, ws.ProofToEventID)
	for mint, proofs := range ws.ByMint {
		ws.ByMint[mint] = filterProofs(proofs, survivorIDs, ws.ProofToEventID)
	}
	for unit, proofs := range ws.ByUnit {
		ws.ByUnit[unit] = filterProofs(proofs, survivorIDs, ws.ProofToEventID)
	}
	return nil
}

// filterProofs keeps pending proofs untouched and drops confirmed proofs
// that did not survive batch_validate.
func filterProofs(proofs cashu.Proofs, survivorIDs map[string]bool, proofToEventID map[string]string) cashu.Proofs {
	kept := make(cashu.Proofs, 0, len(proofs))
	for _, p := range proofs {
		id := p.ID()
		if proofToEventID[id] == PendingEventID || survivorIDs[id] {
			kept = append(kept, p)
		}
	}
	return kept
}

func dedupeByID(evs []events.Event) []events.Event {
	seen := make(map[string]bool, len(evs))
	deduped := make([]events.Event, 0, len(evs))
	for _, e := range evs {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		deduped = append(deduped, e)
	}
	return deduped
}
