package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRole   = errors.New(`role must be "client" or "vendor"`)
	ErrInvalidWallet = errors.New("invalid wallet address")
)

type Role string

const (
	RoleClient Role = "client"
	RoleVendor Role = "vendor"
)

func (r Role) Valid() bool {
	return r == RoleClient || r == RoleVendor
}

// Stats are the raw counts a score is computed from. Contracts are registered
// documents; a contract is completed once it has released at least one
// milestone and has none left open.
type Stats struct {
	TotalContracts     int
	CompletedContracts int
	OnTime             int
	Late               int
}

type Score struct {
	UserID             string          `json:"user_id"`
	Role               Role            `json:"role"`
	TimelinessScore    decimal.Decimal `json:"timeliness_score"`
	OnTimeCount        int             `json:"on_time_count"`
	LateCount          int             `json:"late_count"`
	QualityScore       decimal.Decimal `json:"quality_score"`
	TotalContracts     int             `json:"total_contracts"`
	CompletedContracts int             `json:"completed_contracts"`
	OverallScore       decimal.Decimal `json:"overall_score"`
	LastCalculatedAt   time.Time       `json:"last_calculated_at"`
}

// OnChain mirrors the program's per-wallet reputation counters.
type OnChain struct {
	Wallet             string `json:"wallet"`
	ContractsCreated   uint32 `json:"contracts_created"`
	ContractsCompleted uint32 `json:"contracts_completed"`
	ContractsApproved  uint32 `json:"contracts_approved"`
	TotalValueEscrowed uint64 `json:"total_value_escrowed"`
	FirstActivity      int64  `json:"first_activity"`
	LastActivity       int64  `json:"last_activity"`
}

type Profile struct {
	UserID  string   `json:"user_id"`
	Client  *Score   `json:"client,omitempty"`
	Vendor  *Score   `json:"vendor,omitempty"`
	OnChain *OnChain `json:"onchain,omitempty"`
}

type RecalculateRequest struct {
	Role Role `json:"role" validate:"required,oneof=client vendor"`
}
