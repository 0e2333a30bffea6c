package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nip60-cashu/walletengine/cashu"
)

// pendingBackup tracks, for one StoreProofs call, which per-mint groups
// still need to confirm before the local backup file can be removed. It
// is shared between the main loop and any retryStoreProofs goroutines it
// spawns, so every access goes through mu.
type pendingBackup struct {
	mu        sync.Mutex
	remaining map[string]cashu.Proofs
}

func (b *pendingBackup) delete(mint string) (empty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.remaining, mint)
	return len(b.remaining) == 0
}

// backupFile is the on-disk shape of a local recovery backup, written
// before a Token event publish is attempted and removed once the publish
// is confirmed.
type backupFile struct {
	Timestamp int64        `json:"timestamp"`
	Proofs    cashu.Proofs `json:"proofs"`
	MintURLs  []string     `json:"mint_urls"`
}

func backupDirPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cashu_nip60", "proof_backups"), nil
}

func writeBackup(dir string, proofsByMint map[string]cashu.Proofs) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}

	var all cashu.Proofs
	mints := make([]string, 0, len(proofsByMint))
	for mint, proofs := range proofsByMint {
		all = append(all, proofs...)
		mints = append(mints, mint)
	}

	now := nowUnix()
	name := fmt.Sprintf("proofs_%d_%s.json", now, hex.EncodeToString(suffix))
	path := filepath.Join(dir, name)

	data, err := json.Marshal(backupFile{Timestamp: now, Proofs: all, MintURLs: mints})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// StoreProofs deduplicates proofsByMint against the wallet's current live
// state by (secret, C), writes a local recovery backup, and publishes one
// Token event per mint group. A group that fails to publish is retried in
// the background with exponential backoff (base 10s, up to 5 retries);
// the backup file is deleted once every group has published successfully.
func (e *Engine) StoreProofs(ctx context.Context, proofsByMint map[string]cashu.Proofs) error {
	ws, err := e.fetchState(ctx, false)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(ws.Proofs))
	for _, p := range ws.Proofs {
		known[p.ID()] = true
	}

	deduped := make(map[string]cashu.Proofs, len(proofsByMint))
	for mint, proofs := range proofsByMint {
		var fresh cashu.Proofs
		for _, p := range proofs {
			if known[p.ID()] {
				continue
			}
			known[p.ID()] = true
			fresh = append(fresh, p)
		}
		if len(fresh) > 0 {
			deduped[mint] = fresh
		}
	}
	if len(deduped) == 0 {
		return nil
	}

	dir, err := backupDirPath(e.backupDir)
	if err != nil {
		return err
	}
	backupPath, err := writeBackup(dir, deduped)
	if err != nil {
		return err
	}

	pending := &pendingBackup{remaining: make(map[string]cashu.Proofs, len(deduped))}
	for mint, proofs := range deduped {
		pending.remaining[mint] = proofs
	}

	for mint, proofs := range deduped {
		if _, err := e.manager.PublishTokenEvent(ctx, proofs, mint, nil, nowUnix()); err != nil {
			go e.retryStoreProofs(mint, proofs, backupPath, pending)
			continue
		}
		pending.delete(mint)
	}

	pending.mu.Lock()
	empty := len(pending.remaining) == 0
	pending.mu.Unlock()
	if empty {
		_ = os.Remove(backupPath)
	}
	return nil
}

// retryStoreProofs republishes a single mint group with exponential
// backoff (base 10s, up to 5 attempts), updating or deleting backupPath
// as groups confirm.
func (e *Engine) retryStoreProofs(mint string, proofs cashu.Proofs, backupPath string, pending *pendingBackup) {
	const maxRetries = 5
	backoff := 10 * time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		time.Sleep(backoff)
		backoff *= 2

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := e.manager.PublishTokenEvent(ctx, proofs, mint, nil, nowUnix())
		cancel()
		if err == nil {
			if pending.delete(mint) {
				_ = os.Remove(backupPath)
			}
			return
		}
	}
}
