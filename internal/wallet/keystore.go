// Package wallet holds the custodial signing keys the service may use on
// behalf of users, keyed by wallet address.
package wallet

import (
	"fmt"
	"sync"

	"clausebase/internal/ledger"
)

type Keystore struct {
	mu   sync.RWMutex
	keys map[ledger.PublicKey]*ledger.Keypair
}

func NewKeystore() *Keystore {
	return &Keystore{keys: make(map[ledger.PublicKey]*ledger.Keypair)}
}

// Load parses a wallet -> secret key map. Each secret must belong to the
// wallet it is filed under.
func Load(raw map[string]string) (*Keystore, error) {
	ks := NewKeystore()
	for wallet, secret := range raw {
		pk, err := ledger.ParsePublicKey(wallet)
		if err != nil {
			return nil, fmt.Errorf("wallet %q: %w", wallet, err)
		}
		kp, err := ledger.ParseKeypair(secret)
		if err != nil {
			return nil, fmt.Errorf("wallet %s: %w", wallet, err)
		}
		if kp.PublicKey() != pk {
			return nil, fmt.Errorf("wallet %s: key belongs to %s", wallet, kp.PublicKey())
		}
		ks.Add(kp)
	}
	return ks, nil
}

func (k *Keystore) Add(kp *ledger.Keypair) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kp.PublicKey()] = kp
}

// Signer returns the key for wallet, if the service holds it.
func (k *Keystore) Signer(wallet string) (ledger.Signer, bool) {
	pk, err := ledger.ParsePublicKey(wallet)
	if err != nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	kp, ok := k.keys[pk]
	if !ok {
		return nil, false
	}
	return kp, true
}

func (k *Keystore) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}
