package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SeedKind is the entity-kind prefix of an account seed recipe.
type SeedKind string

const (
	SeedContract   SeedKind = "contract"
	SeedReputation SeedKind = "reputation"
	SeedEscrow     SeedKind = "escrow"
)

// LE64 encodes n as 8 little-endian bytes, the layout the program uses for u64 seeds.
func LE64(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

// Deriver computes the account addresses the on-chain program derives for
// its contract, reputation and escrow accounts.
type Deriver struct {
	ProgramID PublicKey
}

func NewDeriver(programID PublicKey) Deriver {
	return Deriver{ProgramID: programID}
}

func (d Deriver) find(seeds ...[]byte) (PublicKey, error) {
	pk, _, err := solana.FindProgramAddress(seeds, d.ProgramID)
	return pk, err
}

// Contract seeds: ["contract", LE64(contractID), creator].
func (d Deriver) Contract(contractID uint64, creator PublicKey) (PublicKey, error) {
	pk, err := d.find([]byte(SeedContract), LE64(contractID), creator.Bytes())
	if err != nil {
		return PublicKey{}, fmt.Errorf("derive contract %d: %w", contractID, err)
	}
	return pk, nil
}

// Reputation seeds: ["reputation", wallet].
func (d Deriver) Reputation(wallet PublicKey) (PublicKey, error) {
	pk, err := d.find([]byte(SeedReputation), wallet.Bytes())
	if err != nil {
		return PublicKey{}, fmt.Errorf("derive reputation %s: %w", wallet, err)
	}
	return pk, nil
}

// Escrow seeds: ["escrow", LE64(contractID), LE64(milestoneID)].
func (d Deriver) Escrow(contractID, milestoneID uint64) (PublicKey, error) {
	pk, err := d.find([]byte(SeedEscrow), LE64(contractID), LE64(milestoneID))
	if err != nil {
		return PublicKey{}, fmt.Errorf("derive escrow %d/%d: %w", contractID, milestoneID, err)
	}
	return pk, nil
}

// ContractFromStrings derives a contract address from its textual inputs.
func (d Deriver) ContractFromStrings(contractID uint64, creatorWallet string) (PublicKey, error) {
	creator, err := ParsePublicKey(creatorWallet)
	if err != nil {
		return PublicKey{}, err
	}
	return d.Contract(contractID, creator)
}
