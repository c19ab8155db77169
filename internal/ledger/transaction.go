package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// buildTransaction compiles and signs a legacy transaction. The first
// signer pays fees. Every key the message marks as a signer must be among
// signers.
func buildTransaction(instructions []solana.Instruction, recent solana.Hash, signers ...Signer) (*solana.Transaction, error) {
	if len(signers) == 0 {
		return nil, ErrMissingSigner
	}
	tx, err := solana.NewTransaction(instructions, recent, solana.TransactionPayer(signers[0].PublicKey()))
	if err != nil {
		return nil, err
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	bySigner := make(map[PublicKey]Signer, len(signers))
	for _, s := range signers {
		bySigner[s.PublicKey()] = s
	}
	for _, k := range tx.Message.Signers() {
		s, ok := bySigner[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSigner, k)
		}
		sig, err := s.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("sign as %s: %w", k, err)
		}
		tx.Signatures = append(tx.Signatures, sig)
	}
	return tx, nil
}
