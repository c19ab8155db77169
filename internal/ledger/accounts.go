package ledger

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

const discriminatorSize = 8

var errShortBuffer = errors.New("ledger: account data truncated")

func accountDiscriminator(name string) []byte {
	return bin.Sighash(bin.SIGHASH_ACCOUNT_NAMESPACE, name)
}

type ContractStatus uint8

const (
	ContractActive ContractStatus = iota
	ContractCompleted
	ContractCancelled
)

func (s ContractStatus) String() string {
	switch s {
	case ContractActive:
		return "Active"
	case ContractCompleted:
		return "Completed"
	case ContractCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("ContractStatus(%d)", uint8(s))
	}
}

func (s ContractStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type MilestoneStatus uint8

const (
	MilestonePending MilestoneStatus = iota
	MilestoneFunded
	MilestoneMarkedComplete
	MilestoneReleased
	MilestoneCancelled
)

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "Pending"
	case MilestoneFunded:
		return "Funded"
	case MilestoneMarkedComplete:
		return "MarkedComplete"
	case MilestoneReleased:
		return "Released"
	case MilestoneCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("MilestoneStatus(%d)", uint8(s))
	}
}

func (s MilestoneStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ContractAccount mirrors the on-chain multi-party approval account.
type ContractAccount struct {
	Address           PublicKey      `json:"address" bin:"-"`
	ContractID        uint64         `json:"contractId"`
	Creator           PublicKey      `json:"creator"`
	Participants      []PublicKey    `json:"participants"`
	Status            ContractStatus `json:"status"`
	RequiredApprovals uint8          `json:"requiredApprovals"`
	CurrentApprovals  uint8          `json:"currentApprovals"`
	Approvers         []PublicKey    `json:"approvers"`
	ContentID         string         `json:"contentId"`
	CreatedAt         int64          `json:"createdAt"`
	Bump              uint8          `json:"bump"`
}

func (c *ContractAccount) IsParticipant(k PublicKey) bool {
	return containsKey(c.Participants, k)
}

func (c *ContractAccount) HasApproved(k PublicKey) bool {
	return containsKey(c.Approvers, k)
}

// QuorumReached reports whether the account state authorizes a merge:
// the contract completed, or its approval count met a non-zero threshold.
func (c *ContractAccount) QuorumReached() bool {
	switch c.Status {
	case ContractCompleted:
		return true
	case ContractActive, ContractCancelled:
		return c.RequiredApprovals > 0 && c.CurrentApprovals >= c.RequiredApprovals
	default:
		return false
	}
}

func decodeContract(address PublicKey, data []byte) (*ContractAccount, error) {
	c := &ContractAccount{}
	if err := decodeAccount("Contract", address, data, c); err != nil {
		return nil, err
	}
	c.Address = address
	c.Participants = nonNil(c.Participants)
	c.Approvers = nonNil(c.Approvers)
	if c.Status > ContractCancelled {
		return nil, fmt.Errorf("decode contract %s: unknown status %d", address, c.Status)
	}
	return c, nil
}

// EscrowAccount mirrors the on-chain per-milestone escrow account.
type EscrowAccount struct {
	Address           PublicKey       `json:"address" bin:"-"`
	MilestoneID       uint64          `json:"milestoneId"`
	ContractID        uint64          `json:"contractId"`
	Description       string          `json:"description"`
	Amount            uint64          `json:"amount"`
	Recipient         PublicKey       `json:"recipient"`
	Deadline          int64           `json:"deadline"`
	Status            MilestoneStatus `json:"status"`
	ApprovalsRequired uint8           `json:"approvalsRequired"`
	Approvals         []PublicKey     `json:"approvals"`
	MarkedCompleteBy  *PublicKey      `json:"markedCompleteBy,omitempty" bin:"optional"`
	Creator           PublicKey       `json:"creator"`
	CreatedAt         int64           `json:"createdAt"`
	Bump              uint8           `json:"bump"`
}

func (e *EscrowAccount) HasApproved(k PublicKey) bool {
	return containsKey(e.Approvals, k)
}

// ReleaseEligible reports whether release_escrow_funds would pass its checks.
func (e *EscrowAccount) ReleaseEligible() bool {
	return e.Status == MilestoneMarkedComplete && len(e.Approvals) >= int(e.ApprovalsRequired)
}

func decodeEscrow(address PublicKey, data []byte) (*EscrowAccount, error) {
	e := &EscrowAccount{}
	if err := decodeAccount("EscrowMilestone", address, data, e); err != nil {
		return nil, err
	}
	e.Address = address
	e.Approvals = nonNil(e.Approvals)
	if e.Status > MilestoneCancelled {
		return nil, fmt.Errorf("decode escrow %s: unknown status %d", address, e.Status)
	}
	return e, nil
}

// ReputationAccount is the per-wallet counter account the program maintains.
type ReputationAccount struct {
	Address            PublicKey `json:"address" bin:"-"`
	Wallet             PublicKey `json:"wallet"`
	ContractsCreated   uint32    `json:"contractsCreated"`
	ContractsCompleted uint32    `json:"contractsCompleted"`
	ContractsApproved  uint32    `json:"contractsApproved"`
	TotalValueEscrowed uint64    `json:"totalValueEscrowed"`
	FirstActivity      int64     `json:"firstActivity"`
	LastActivity       int64     `json:"lastActivity"`
	Bump               uint8     `json:"bump"`
}

func decodeReputation(address PublicKey, data []byte) (*ReputationAccount, error) {
	r := &ReputationAccount{}
	if err := decodeAccount("UserReputation", address, data, r); err != nil {
		return nil, err
	}
	r.Address = address
	return r, nil
}

// decodeAccount checks the account discriminator and decodes the rest of
// data into out. Trailing allocation padding is ignored.
func decodeAccount(name string, address PublicKey, data []byte, out any) error {
	if len(data) < discriminatorSize {
		return fmt.Errorf("%w: account shorter than discriminator", errShortBuffer)
	}
	if !bytes.Equal(data[:discriminatorSize], accountDiscriminator(name)) {
		return fmt.Errorf("ledger: account %s is not a %s", address, name)
	}
	if err := bin.NewBorshDecoder(data[discriminatorSize:]).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", errShortBuffer, name, address, err)
	}
	return nil
}

// nonNil keeps empty key lists rendering as [] rather than null.
func nonNil(keys []PublicKey) []PublicKey {
	if keys == nil {
		return []PublicKey{}
	}
	return keys
}
