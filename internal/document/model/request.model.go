package model

import "time"

type CreateDocRequest struct {
	Title         string `json:"title" validate:"required,max=200"`
	Description   string `json:"description" validate:"max=2000"`
	Content       string `json:"content"`
	CreatorWallet string `json:"creator_wallet"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Wallet string `json:"wallet"`
	Role   string `json:"role"`
}

type CreateVersionRequest struct {
	Content       string `json:"content" validate:"required"`
	CommitMessage string `json:"commit_message" validate:"max=500"`
}

type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type CommentRequest struct {
	Content         string  `json:"content" validate:"required,max=5000"`
	ParentCommentID *string `json:"parent_comment_id"`
}

type ResolveResponse struct {
	ID       string `json:"id"`
	Resolved bool   `json:"is_resolved"`
}

type VoteRequest struct {
	Vote    VoteValue `json:"vote" validate:"required,oneof=approve reject"`
	Comment *string   `json:"comment" validate:"omitempty,max=1000"`
}

type RegisterRequest struct {
	// RequiredApprovals of 0 means every participant.
	RequiredApprovals uint8 `json:"required_approvals" validate:"lte=10"`
}

// AttachRequest records a contract the creator initialised with their own wallet.
type AttachRequest struct {
	ContractID uint64 `json:"ledger_contract_id" validate:"required"`
	Address    string `json:"ledger_address" validate:"required"`
	TxRef      string `json:"ledger_init_tx" validate:"required"`
}

type CreateDocResponse struct {
	Document *Document `json:"document"`
	Version  *Version  `json:"version"`
}

type Registration struct {
	ContractID   uint64   `json:"ledger_contract_id"`
	Address      string   `json:"ledger_address"`
	TxRef        string   `json:"ledger_init_tx,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Required     uint8    `json:"required_approvals,omitempty"`
	Initialized  bool     `json:"initialized"`
	Commitment   string   `json:"commitment,omitempty"`
}

// OnChainState is the slice of the contract account a caller needs to
// understand a reconciliation decision.
type OnChainState struct {
	Address           string   `json:"address"`
	Status            string   `json:"status"`
	CurrentApprovals  uint8    `json:"current_approvals"`
	RequiredApprovals uint8    `json:"required_approvals"`
	Approvers         []string `json:"approvers"`
	ContentIdentifier string   `json:"content_identifier,omitempty"`
}

type ProofResult struct {
	ContentIdentifier *string    `json:"content_identifier"`
	LedgerTxRef       *string    `json:"ledger_tx_reference"`
	State             ProofState `json:"state"`
	ContentVerified   *bool      `json:"content_verified,omitempty"`
	Error             string     `json:"error,omitempty"`
	Warning           string     `json:"warning,omitempty"`
}

type ReconcileResult struct {
	VersionID     string        `json:"version_id"`
	Merged        bool          `json:"merged"`
	AlreadyMerged bool          `json:"already_merged"`
	Reason        string        `json:"reason,omitempty"`
	OnChain       *OnChainState `json:"onchain,omitempty"`
	Proof         *ProofResult  `json:"proof,omitempty"`
}

type VoteResponse struct {
	Approval       *Vote          `json:"approval"`
	ApprovalCount  int            `json:"approval_count"`
	RejectionCount int            `json:"rejection_count"`
	Status         ApprovalStatus `json:"status"`
	LedgerTxRef    string         `json:"ledger_tx_reference,omitempty"`
	Merged         bool           `json:"merged"`
	AlreadyMerged  bool           `json:"already_merged"`
	OnChain        *OnChainState  `json:"onchain,omitempty"`
	Proof          *ProofResult   `json:"proof,omitempty"`
}

type VotesResponse struct {
	Votes          []Vote         `json:"approvals"`
	Status         ApprovalStatus `json:"status"`
	ApprovalCount  int            `json:"approval_count"`
	RejectionCount int            `json:"rejection_count"`
}

type CreateVersionResponse struct {
	Version   *Version         `json:"version"`
	Diff      *Diff            `json:"diff"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
}

type CompareResponse struct {
	From    *Version    `json:"from"`
	To      *Version    `json:"to"`
	Diff    []DiffEntry `json:"diff"`
	Summary string      `json:"summary"`
}

type HistoryEntry struct {
	ID                string     `json:"id"`
	VersionNumber     int        `json:"version_number"`
	AuthorID          string     `json:"author_id"`
	CommitMessage     string     `json:"commit_message"`
	DiffSummary       string     `json:"diff_summary"`
	MergedAt          *time.Time `json:"merged_at"`
	ContentIdentifier *string    `json:"content_identifier"`
	LedgerTxRef       *string    `json:"ledger_tx_reference"`
	ProofState        ProofState `json:"proof_state"`
}
