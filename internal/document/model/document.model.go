package model

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrCommentNotFound  = errors.New("comment not found")
)

// ApprovalStatus is the off-chain state of a version. Merged is terminal.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusMerged   ApprovalStatus = "merged"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusMerged:
		return true
	}
	return false
}

type VoteValue string

const (
	VoteApprove VoteValue = "approve"
	VoteReject  VoteValue = "reject"
)

func (v VoteValue) Valid() bool {
	return v == VoteApprove || v == VoteReject
}

// ProofState summarises how far anchoring of a merged version got.
type ProofState string

const (
	ProofNone                ProofState = "none"
	ProofPendingVerification ProofState = "pending_verification"
	ProofVerified            ProofState = "verified"
)

const (
	RoleCreator = "creator"
	RoleMember  = "member"
)

type Document struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Content          string    `json:"content"`
	CurrentVersionID *string   `json:"current_version_id"`
	CreatedBy        string    `json:"created_by"`
	CreatorWallet    string    `json:"creator_wallet,omitempty"`
	LedgerContractID *int64    `json:"ledger_contract_id,omitempty"`
	LedgerAddress    *string   `json:"ledger_address,omitempty"`
	LedgerInitTx     *string   `json:"ledger_init_tx,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Registered reports whether the document has a ledger contract id.
func (d *Document) Registered() bool {
	return d.LedgerContractID != nil
}

// DocumentSummary is one entry of a user's document list.
type DocumentSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	CreatedBy   string    `json:"created_by"`
	Role        string    `json:"role"`
	IsCreator   bool      `json:"is_creator"`
	MemberCount int       `json:"member_count"`
	Registered  bool      `json:"registered"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const snippetLength = 100

// Snippet is the first line-folded stretch of content shown in listings.
func Snippet(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	if r := []rune(s); len(r) > snippetLength {
		return string(r[:snippetLength]) + "..."
	}
	return s
}

type Member struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Wallet     string    `json:"wallet,omitempty"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

type Version struct {
	ID                string         `json:"id"`
	DocumentID        string         `json:"document_id"`
	VersionNumber     int            `json:"version_number"`
	ParentVersionID   *string        `json:"parent_version_id"`
	AuthorID          string         `json:"author_id"`
	Content           string         `json:"content"`
	DiffSummary       string         `json:"diff_summary"`
	CommitMessage     string         `json:"commit_message"`
	ApprovalStatus    ApprovalStatus `json:"approval_status"`
	ApprovalScore     int            `json:"approval_score"`
	Merged            bool           `json:"merged"`
	MergedAt          *time.Time     `json:"merged_at,omitempty"`
	ContentIdentifier *string        `json:"content_identifier"`
	LedgerTxRef       *string        `json:"ledger_tx_reference"`
	ProofError        *string        `json:"proof_error,omitempty"`
	ProofVerifiedAt   *time.Time     `json:"proof_verified_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (v *Version) ProofState() ProofState {
	switch {
	case !v.Merged:
		return ProofNone
	case v.LedgerTxRef != nil && *v.LedgerTxRef != "", v.ProofVerifiedAt != nil:
		return ProofVerified
	default:
		return ProofPendingVerification
	}
}

type DiffEntry struct {
	Type    string `json:"type"`
	Line    string `json:"line"`
	LineNum int    `json:"line_num"`
}

const (
	DiffAdd    = "add"
	DiffRemove = "remove"
)

type Diff struct {
	Entries   []DiffEntry `json:"entries"`
	Additions int         `json:"additions"`
	Deletions int         `json:"deletions"`
	Summary   string      `json:"summary"`
}

type Vote struct {
	ID        string    `json:"id"`
	VersionID string    `json:"version_id"`
	UserID    string    `json:"user_id"`
	Vote      VoteValue `json:"vote"`
	Comment   *string   `json:"comment,omitempty"`
	Implicit  bool      `json:"implicit"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Tally struct {
	ApproveCount int `json:"approval_count"`
	RejectCount  int `json:"rejection_count"`
}

// Comment is a review note on a version. Replies carry the id of the comment
// they answer.
type Comment struct {
	ID              string    `json:"id"`
	VersionID       string    `json:"version_id"`
	UserID          string    `json:"user_id"`
	Content         string    `json:"content"`
	ParentCommentID *string   `json:"parent_comment_id"`
	Resolved        bool      `json:"is_resolved"`
	CreatedAt       time.Time `json:"created_at"`
}
