// Command walletctl is a CLI front end for the NIP-60 wallet engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v2"

	"github.com/nip60-cashu/walletengine/wallet"
)

var engine *wallet.Engine

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
}

// identity is the wallet's local persisted key material: a single BIP-39
// mnemonic, the same kind accepted by the restore command. The Nostr
// identity key NIP-60 events are signed/encrypted under, and the P2PK key
// nutzaps lock to, are both deterministically derived from it on every run
// rather than stored separately - losing the mnemonic loses both. This is
// the one thing that must survive locally for the wallet to prove it's the
// same wallet next time it runs; wallet *state* lives entirely in events.
type identity struct {
	Mnemonic string `json:"mnemonic"`
}

func walletctlDir() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	path := filepath.Join(homedir, ".cashu_nip60")
	if err := os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func identityPath() string {
	return filepath.Join(walletctlDir(), "identity.json")
}

func loadOrCreateIdentity() (identity, error) {
	path := identityPath()
	data, err := os.ReadFile(path)
	if err == nil {
		var id identity
		if err := json.Unmarshal(data, &id); err != nil {
			return identity{}, err
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return identity{}, err
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return identity{}, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return identity{}, err
	}

	id := identity{Mnemonic: mnemonic}
	data, err = json.MarshalIndent(id, "", "  ")
	if err != nil {
		return identity{}, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return identity{}, err
	}
	return id, nil
}

func relayURLs() []string {
	if raw := os.Getenv("WALLETCTL_RELAYS"); raw != "" {
		return strings.Split(raw, ",")
	}
	return defaultRelays
}

func setupEngine(ctx *cli.Context) error {
	envPath := filepath.Join(walletctlDir(), ".env")
	if _, err := os.Stat(envPath); err == nil {
		_ = godotenv.Load(envPath)
	}

	id, err := loadOrCreateIdentity()
	if err != nil {
		return err
	}

	seed := bip39.NewSeed(id.Mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return err
	}
	nostrKey, err := wallet.DeriveNostrKey(masterKey)
	if err != nil {
		return err
	}
	ownerKey := secp256k1.PrivKeyFromBytes(nostrKey.Serialize())
	p2pkKey, err := wallet.DeriveP2PK(masterKey)
	if err != nil {
		return err
	}

	engine = wallet.New(wallet.Config{
		OwnerPrivkey: ownerKey,
		P2PKPrivkey:  p2pkKey,
		RelayURLs:    relayURLs(),
		BackupDir:    filepath.Join(walletctlDir(), "proof_backups"),
	})
	return nil
}

func main() {
	app := &cli.App{
		Name:  "walletctl",
		Usage: "NIP-60 Cashu wallet",
		Commands: []*cli.Command{
			balanceCmd,
			trustCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			meltCmd,
			restoreCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "show balance by mint",
	Before: setupEngine,
	Action: func(c *cli.Context) error {
		ws, err := engine.Balance(context.Background())
		if err != nil {
			return err
		}

		mints := make([]string, 0, len(ws.ByMint))
		for mint := range ws.ByMint {
			mints = append(mints, mint)
		}
		slices.Sort(mints)

		fmt.Println("Balance by mint:")
		for _, mint := range mints {
			fmt.Printf("  %s: %d\n", mint, ws.ByMint[mint].Amount())
		}
		fmt.Printf("Total: %d\n", ws.Proofs.Amount())
		return nil
	},
}

var trustCmd = &cli.Command{
	Name:      "trust",
	Usage:     "announce the set of mints this wallet trusts",
	ArgsUsage: "<mint-url> [mint-url...]",
	Before:    setupEngine,
	Action: func(c *cli.Context) error {
		mints := c.Args().Slice()
		if len(mints) == 0 {
			return fmt.Errorf("at least one mint URL is required")
		}
		return engine.AnnounceWallet(context.Background(), mints)
	},
}

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "create a mint quote, print the invoice, and wait for payment",
	ArgsUsage: "<amount> <mint-url>",
	Before:    setupEngine,
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return fmt.Errorf("usage: mint <amount> <mint-url>")
		}
		amount, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
		if err != nil {
			return err
		}
		mintURL := c.Args().Get(1)

		invoice, task, err := engine.Mint(context.Background(), amount, "sat", mintURL)
		if err != nil {
			return err
		}
		fmt.Println("Pay this invoice:")
		fmt.Println(invoice)

		paid, err := task.Wait(context.Background())
		if err != nil {
			return err
		}
		if paid {
			fmt.Println("minted.")
		}
		return nil
	},
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "create a token to send",
	ArgsUsage: "<amount> <mint-url>",
	Before:    setupEngine,
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return fmt.Errorf("usage: send <amount> <mint-url>")
		}
		amount, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
		if err != nil {
			return err
		}
		mintURL := c.Args().Get(1)

		token, err := engine.Send(context.Background(), amount, mintURL, "sat", false)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "redeem a token",
	ArgsUsage: "<token>",
	Before:    setupEngine,
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 1 {
			return fmt.Errorf("usage: receive <token>")
		}
		ws, err := engine.Balance(context.Background())
		if err != nil {
			return err
		}
		amount, _, err := engine.Redeem(context.Background(), c.Args().Get(0), ws.Mints, true)
		if err != nil {
			return err
		}
		fmt.Printf("received %d\n", amount)
		return nil
	},
}

var meltCmd = &cli.Command{
	Name:      "melt",
	Usage:     "pay a Lightning invoice from a mint's balance",
	ArgsUsage: "<invoice> <mint-url>",
	Before:    setupEngine,
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return fmt.Errorf("usage: melt <invoice> <mint-url>")
		}
		return engine.Melt(context.Background(), c.Args().Get(0), c.Args().Get(1))
	},
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "restore proofs from a mnemonic against one or more mints",
	ArgsUsage: "<mnemonic-in-quotes> <mint-url> [mint-url...]",
	Before:    setupEngine,
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return fmt.Errorf("usage: restore \"<mnemonic>\" <mint-url> [mint-url...]")
		}
		mnemonic := c.Args().Get(0)
		mints := c.Args().Slice()[1:]

		byMint, err := engine.RestoreFromMnemonic(context.Background(), mnemonic, mints)
		if err != nil {
			return err
		}

		var total uint64
		for _, proofs := range byMint {
			total += proofs.Amount()
		}
		fmt.Printf("restored %d across %d mints\n", total, len(byMint))

		return engine.StoreProofs(context.Background(), byMint)
	},
}
