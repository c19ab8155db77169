package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// PublicKey is a 32-byte ledger address rendered in base58.
type PublicKey = solana.PublicKey

// SystemProgramID is the native system program.
var SystemProgramID = solana.SystemProgramID

func ParsePublicKey(s string) (PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	return pk, nil
}

// MustPublicKey panics on malformed input. Use only for constants.
func MustPublicKey(s string) PublicKey {
	return solana.MustPublicKeyFromBase58(s)
}

func containsKey(keys []PublicKey, k PublicKey) bool {
	return solana.PublicKeySlice(keys).Has(k)
}
