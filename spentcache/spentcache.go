// Package spentcache tracks which proofs a mint has reported SPENT, so the
// wallet never re-asks about a proof it already knows is dead and never
// re-validates a proof it checked moments ago.
package spentcache

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut07"
	"github.com/nip60-cashu/walletengine/crypto"
	"github.com/nip60-cashu/walletengine/mintclient"
)

// cacheTTL bounds how long a non-SPENT check_state result is trusted
// before the proof is re-checked.
const cacheTTL = 5 * time.Minute

type entry struct {
	state     nut07.State
	checkedAt time.Time
}

// Cache holds the permanent SPENT set and a short-lived result cache for
// everything else, both keyed by the proof's Y (compressed hex).
type Cache struct {
	mu      sync.Mutex
	spent   map[string]bool
	checked map[string]entry
}

func New() *Cache {
	return &Cache{
		spent:   make(map[string]bool),
		checked: make(map[string]entry),
	}
}

// ProofY computes the hash_to_curve point a mint's check_state endpoint
// expects for proof, per the wire convention of hashing the secret's hex
// string, not its decoded bytes.
func ProofY(proof cashu.Proof) (string, error) {
	hashInput, err := proof.HashInput()
	if err != nil {
		return "", err
	}
	Y, err := crypto.HashToCurve(hashInput)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

// IsKnownSpent reports whether proof is already in the permanent SPENT
// set, without making any network call.
func (c *Cache) IsKnownSpent(proof cashu.Proof) bool {
	y, err := ProofY(proof)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent[y]
}

// BatchValidate checks each mint-grouped proof set against that mint's
// check_state endpoint, skipping proofs already known SPENT or checked
// within the cache TTL, and returns the proofs confirmed not SPENT. A
// proof with pending witness data (partial NUT-11 signature collection)
// is treated as still valid - it is dropped only on an explicit SPENT
// verdict.
func (c *Cache) BatchValidate(ctx context.Context, byMint map[string]cashu.Proofs, clients map[string]*mintclient.Client) (cashu.Proofs, error) {
	survivors := cashu.Proofs{}

	for mintURL, proofs := range byMint {
		toCheck := make(cashu.Proofs, 0, len(proofs))
		toCheckYs := make([]string, 0, len(proofs))

		for _, proof := range proofs {
			y, err := ProofY(proof)
			if err != nil {
				return nil, err
			}

			c.mu.Lock()
			if c.spent[y] {
				c.mu.Unlock()
				continue
			}
			if e, ok := c.checked[y]; ok && time.Since(e.checkedAt) < cacheTTL {
				c.mu.Unlock()
				if e.state != nut07.Spent {
					survivors = append(survivors, proof)
				}
				continue
			}
			c.mu.Unlock()

			toCheck = append(toCheck, proof)
			toCheckYs = append(toCheckYs, y)
		}

		if len(toCheck) == 0 {
			continue
		}

		client, ok := clients[mintURL]
		if !ok {
			return nil, fmt.Errorf("spentcache: no mint client configured for %q", mintURL)
		}

		resp, err := client.CheckState(ctx, nut07.PostCheckStateRequest{Ys: toCheckYs})
		if err != nil {
			return nil, err
		}

		stateByY := make(map[string]nut07.State, len(resp.States))
		for _, s := range resp.States {
			stateByY[s.Y] = s.State
		}

		c.mu.Lock()
		for i, proof := range toCheck {
			y := toCheckYs[i]
			state, ok := stateByY[y]
			if !ok {
				state = nut07.Unspent
			}
			c.checked[y] = entry{state: state, checkedAt: time.Now()}
			if state == nut07.Spent {
				c.spent[y] = true
			} else {
				survivors = append(survivors, proof)
			}
		}
		c.mu.Unlock()
	}

	return survivors, nil
}
