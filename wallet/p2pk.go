package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DeriveNostrKey derives the wallet's Nostr identity key from its master
// seed, following NIP-06 (m/44'/1237'/0'/0/0). This is the key NIP-60
// wallet/token/history events are signed and NIP-44 encrypted under.
func DeriveNostrKey(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	// m/44'
	purpose, err := key.Derive(hdkeychain.HardenedKeyStart + 44)
	if err != nil {
		return nil, err
	}

	// m/44'/1237'
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 1237)
	if err != nil {
		return nil, err
	}

	// m/44'/1237'/0'
	account, err := coinType.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/44'/1237'/0'/0
	change, err := account.Derive(0)
	if err != nil {
		return nil, err
	}

	// m/44'/1237'/0'/0/0
	extKey, err := change.Derive(0)
	if err != nil {
		return nil, err
	}

	return extKey.ECPrivKey()
}

// Derive key that wallet will use to receive locked ecash
func DeriveP2PK(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	// m/129372'
	purpose, err := key.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'
	first, err := coinType.Derive(hdkeychain.HardenedKeyStart + 1)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'/0
	extKey, err := first.Derive(0)
	if err != nil {
		return nil, err
	}

	pk, err := extKey.ECPrivKey()
	if err != nil {
		return nil, err
	}

	return pk, nil
}
