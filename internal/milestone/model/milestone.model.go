package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrMilestoneNotFound = errors.New("milestone not found")

// Status is the locally cached escrow state. The ledger stays authoritative;
// Refresh brings the cache back in line.
type Status string

const (
	StatusPending        Status = "pending"
	StatusFunded         Status = "funded"
	StatusMarkedComplete Status = "marked_complete"
	StatusReleased       Status = "released"
	StatusCancelled      Status = "cancelled"
)

// Cancellable mirrors the program's cancel_escrow_milestone precondition.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusFunded
}

type Milestone struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"document_id"`
	MilestoneID   int64           `json:"milestone_id"`
	EscrowAddress string          `json:"escrow_address"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Recipient     string          `json:"recipient"`
	Deadline      time.Time       `json:"deadline"`
	Status        Status          `json:"status"`
	CreatedBy     string          `json:"created_by"`
	CreatorWallet string          `json:"creator_wallet"`
	CreateTx      *string         `json:"create_tx,omitempty"`
	ReleaseTx     *string         `json:"release_tx,omitempty"`
	ReleasedAt    *time.Time      `json:"released_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	OnChain *EscrowState `json:"onchain,omitempty"`
}

// OnTime reports whether a released milestone was paid by its deadline.
func (m *Milestone) OnTime() bool {
	return m.ReleasedAt != nil && !m.ReleasedAt.After(m.Deadline)
}

// EscrowState is the escrow account as last read from the ledger.
type EscrowState struct {
	Status            Status          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	AmountLamports    uint64          `json:"amount_lamports"`
	Approvals         []string        `json:"approvals"`
	ApprovalsRequired int             `json:"approvals_required"`
	MarkedCompleteBy  *string         `json:"marked_complete_by,omitempty"`
	ReleaseEligible   bool            `json:"release_eligible"`
}

type CreateMilestoneRequest struct {
	Description string          `json:"description" validate:"required,max=200"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   string          `json:"recipient" validate:"required"`
	Deadline    time.Time       `json:"deadline" validate:"required"`
}

// TransitionResult is returned by every state-changing operation.
type TransitionResult struct {
	Milestone *Milestone `json:"milestone"`
	TxRefs    []string   `json:"tx_refs,omitempty"`
	// Steps lists what Complete actually did, e.g. ["mark", "approve", "release"].
	Steps []string `json:"steps,omitempty"`
}
