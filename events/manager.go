package events

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nip60-cashu/walletengine/cashu"
)

// KindDeletion is the NIP-09 event kind used to retract a previously
// published Token event once its proofs have been spent or merged away.
const KindDeletion = 5

// Filter selects events a Fetcher should return: those authored by Author
// whose Kind is one of Kinds.
type Filter struct {
	Author string
	Kinds  []int
}

// Publisher sends a signed event to whatever relay pool the caller wired
// up. Implemented by relay.Pool; kept as an interface here so this package
// never imports the relay transport.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Fetcher retrieves events matching filter from the relay pool.
type Fetcher interface {
	Fetch(ctx context.Context, filter Filter) ([]Event, error)
}

// Manager is the only place in the wallet that holds the owner's Nostr
// private key. It builds, signs, publishes, and decrypts the three NIP-60
// event kinds on the caller's behalf.
type Manager struct {
	publisher    Publisher
	fetcher      Fetcher
	ownerPrivkey *secp256k1.PrivateKey
	ownerPubkey  string
}

func NewManager(publisher Publisher, fetcher Fetcher, ownerPrivkey *secp256k1.PrivateKey) *Manager {
	btcecKey, _ := btcec.PrivKeyFromBytes(ownerPrivkey.Serialize())
	return &Manager{
		publisher:    publisher,
		fetcher:      fetcher,
		ownerPrivkey: ownerPrivkey,
		ownerPubkey:  hex.EncodeToString(schnorr.SerializePubKey(btcecKey.PubKey())),
	}
}

// PublishWalletEvent announces mints and the wallet's P2PK private key.
func (m *Manager) PublishWalletEvent(ctx context.Context, mints []string, p2pkPrivkey *btcec.PrivateKey, createdAt int64) (Event, error) {
	event, err := NewWalletEvent(mints, p2pkPrivkey, m.ownerPrivkey, createdAt)
	if err != nil {
		return Event{}, err
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// PublishTokenEvent publishes a new Token event carrying proofs, optionally
// superseding the Token events named in deletedTokenIDs.
func (m *Manager) PublishTokenEvent(ctx context.Context, proofs cashu.Proofs, mintURL string, deletedTokenIDs []string, createdAt int64) (Event, error) {
	event, err := NewTokenEvent(proofs, mintURL, deletedTokenIDs, m.ownerPrivkey, createdAt)
	if err != nil {
		return Event{}, err
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// PublishSpendingHistory publishes a History event recording one balance
// movement.
func (m *Manager) PublishSpendingHistory(ctx context.Context, content HistoryContent, createdAt int64) (Event, error) {
	event, err := NewHistoryEvent(content, m.ownerPrivkey, createdAt)
	if err != nil {
		return Event{}, err
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DeleteTokenEvent publishes a NIP-09 deletion event retracting the Token
// event named by id.
func (m *Manager) DeleteTokenEvent(ctx context.Context, id string, createdAt int64) error {
	btcecKey, _ := btcec.PrivKeyFromBytes(m.ownerPrivkey.Serialize())
	event, err := Sign(Event{
		CreatedAt: createdAt,
		Kind:      KindDeletion,
		Tags:      []Tag{{"e", id}},
		Content:   "",
	}, btcecKey)
	if err != nil {
		return err
	}
	return m.publisher.Publish(ctx, event)
}

// FetchSpendingHistory retrieves and decrypts every History event the
// owner has published.
func (m *Manager) FetchSpendingHistory(ctx context.Context) ([]HistoryContent, error) {
	rawEvents, err := m.fetcher.Fetch(ctx, Filter{Author: m.ownerPubkey, Kinds: []int{KindHistory}})
	if err != nil {
		return nil, err
	}

	history := make([]HistoryContent, 0, len(rawEvents))
	for _, e := range rawEvents {
		content, err := DecryptHistoryEvent(e, m.ownerPrivkey)
		if err != nil {
			continue
		}
		history = append(history, content)
	}
	return history, nil
}

// CountTokenEvents returns how many live (non-deleted) Token events the
// relay pool currently reports for the owner.
func (m *Manager) CountTokenEvents(ctx context.Context) (int, error) {
	rawEvents, err := m.fetcher.Fetch(ctx, Filter{Author: m.ownerPubkey, Kinds: []int{KindToken}})
	if err != nil {
		return 0, err
	}
	return len(rawEvents), nil
}

// ClearAllTokenEvents publishes deletion events for every Token event the
// owner has published, used when rebuilding wallet state from scratch.
func (m *Manager) ClearAllTokenEvents(ctx context.Context, createdAt int64) error {
	rawEvents, err := m.fetcher.Fetch(ctx, Filter{Author: m.ownerPubkey, Kinds: []int{KindToken}})
	if err != nil {
		return err
	}
	for _, e := range rawEvents {
		if err := m.DeleteTokenEvent(ctx, e.ID, createdAt); err != nil {
			return err
		}
	}
	return nil
}

// CheckWalletEventExists reports whether the owner has ever published a
// Wallet event.
func (m *Manager) CheckWalletEventExists(ctx context.Context) (bool, error) {
	rawEvents, err := m.fetcher.Fetch(ctx, Filter{Author: m.ownerPubkey, Kinds: []int{KindWallet}})
	if err != nil {
		return false, err
	}
	return len(rawEvents) > 0, nil
}
