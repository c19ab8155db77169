package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound means no account exists at the address.
	ErrNotFound = errors.New("ledger: account not found")

	// ErrAlreadyExists means a create targeted an address that is already initialized.
	ErrAlreadyExists = errors.New("ledger: account already exists")

	// ErrNotInitialized means an update targeted an address with no account.
	ErrNotInitialized = errors.New("ledger: account not initialized")

	// ErrTransient marks network, rate-limit and node-side failures that may succeed on retry.
	ErrTransient = errors.New("ledger: transient failure")

	// ErrUnconfirmed means a submitted transaction did not reach the target
	// commitment in time. Re-read state before resubmitting.
	ErrUnconfirmed = errors.New("ledger: transaction not confirmed")
)

var (
	ErrContentIDTooLong   = errors.New("ledger: content identifier exceeds 46 characters")
	ErrDescriptionTooLong = errors.New("ledger: description exceeds 200 characters")
	ErrMissingSigner      = errors.New("ledger: required signer not provided")
)

// ProgramError is a rejection raised by the on-chain program's own checks.
type ProgramError struct {
	Code    uint32
	Name    string
	Message string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program error %s (%d): %s", e.Name, e.Code, e.Message)
}

// Is matches program errors by code, and the framework's uninitialized and
// in-use conditions against the package sentinels.
func (e *ProgramError) Is(target error) bool {
	if t, ok := target.(*ProgramError); ok {
		return t.Code == e.Code
	}
	switch target {
	case ErrNotInitialized:
		return e.Code == codeAccountNotInitialized
	case ErrAlreadyExists:
		return e.Code == codeAccountAlreadyInUse || e.Code == ErrReputationAlreadyExists.Code
	}
	return false
}

const (
	codeAccountAlreadyInUse   uint32 = 0
	codeAccountNotInitialized uint32 = 3012
	codeConstraintSeeds       uint32 = 2006
)

var (
	ErrTooManyParticipants        = &ProgramError{6000, "TooManyParticipants", "Too many participants (max 10)"}
	ErrInvalidApprovalThreshold   = &ProgramError{6001, "InvalidApprovalThreshold", "Invalid approval threshold"}
	ErrCreatorMustBeParticipant   = &ProgramError{6002, "CreatorMustBeParticipant", "Creator must be a participant"}
	ErrContractNotActive          = &ProgramError{6003, "ContractNotActive", "Contract is not active"}
	ErrNotAParticipant            = &ProgramError{6004, "NotAParticipant", "You are not a participant"}
	ErrAlreadyApproved            = &ProgramError{6005, "AlreadyApproved", "You have already approved this contract"}
	ErrOnlyCreatorCanCancel       = &ProgramError{6006, "OnlyCreatorCanCancel", "Only creator can cancel the contract"}
	ErrContractNotCompleted       = &ProgramError{6007, "ContractNotCompleted", "Contract is not completed yet"}
	ErrReputationAlreadyExists    = &ProgramError{6008, "ReputationAlreadyExists", "Reputation account already exists"}
	ErrProgramDescriptionTooLong  = &ProgramError{6009, "DescriptionTooLong", "Description too long (max 200 characters)"}
	ErrOnlyCreatorCanInitEscrow   = &ProgramError{6010, "OnlyCreatorCanInitializeEscrow", "Only creator can initialize escrow"}
	ErrRecipientNotParticipant    = &ProgramError{6011, "RecipientNotParticipant", "Recipient must be a participant"}
	ErrInvalidAmount              = &ProgramError{6012, "InvalidAmount", "Invalid amount"}
	ErrMilestoneNotFunded         = &ProgramError{6013, "MilestoneNotFunded", "Milestone is not funded"}
	ErrMilestoneNotMarkedComplete = &ProgramError{6014, "MilestoneNotMarkedComplete", "Milestone not marked complete"}
	ErrAlreadyApprovedMilestone   = &ProgramError{6015, "AlreadyApprovedMilestone", "Already approved this milestone"}
	ErrInsufficientApprovals      = &ProgramError{6016, "InsufficientApprovals", "Insufficient approvals to release funds"}
	ErrOnlyCreatorCanCancelEscrow = &ProgramError{6017, "OnlyCreatorCanCancelEscrow", "Only creator can cancel escrow"}
	ErrCannotCancelMilestone      = &ProgramError{6018, "CannotCancelMilestone", "Cannot cancel milestone in current status"}
	ErrIpfsHashTooLong            = &ProgramError{6019, "IpfsHashTooLong", "IPFS hash too long (max 46 characters)"}
)

var programErrors = map[uint32]*ProgramError{}

func init() {
	for _, e := range []*ProgramError{
		ErrTooManyParticipants, ErrInvalidApprovalThreshold, ErrCreatorMustBeParticipant,
		ErrContractNotActive, ErrNotAParticipant, ErrAlreadyApproved, ErrOnlyCreatorCanCancel,
		ErrContractNotCompleted, ErrReputationAlreadyExists, ErrProgramDescriptionTooLong,
		ErrOnlyCreatorCanInitEscrow, ErrRecipientNotParticipant, ErrInvalidAmount,
		ErrMilestoneNotFunded, ErrMilestoneNotMarkedComplete, ErrAlreadyApprovedMilestone,
		ErrInsufficientApprovals, ErrOnlyCreatorCanCancelEscrow, ErrCannotCancelMilestone,
		ErrIpfsHashTooLong,
	} {
		programErrors[e.Code] = e
	}
}

func programErrorFromCode(code uint32) *ProgramError {
	if e, ok := programErrors[code]; ok {
		return e
	}
	switch code {
	case codeAccountAlreadyInUse:
		return &ProgramError{code, "AccountAlreadyInUse", "account address already in use"}
	case codeAccountNotInitialized:
		return &ProgramError{code, "AccountNotInitialized", "the program expected this account to be already initialized"}
	case codeConstraintSeeds:
		return &ProgramError{code, "ConstraintSeeds", "a seeds constraint was violated"}
	}
	return &ProgramError{Code: code, Name: "Custom", Message: fmt.Sprintf("custom program error 0x%x", code)}
}

// TransactionError is a non-custom failure reported for a transaction.
type TransactionError struct {
	Detail string
}

func (e *TransactionError) Error() string {
	return "transaction failed: " + e.Detail
}

// parseTransactionError maps the node's err payload onto a typed error.
// Shapes seen: {"InstructionError":[0,{"Custom":6004}]}, {"InstructionError":[1,"InvalidAccountData"]},
// and plain strings such as "BlockhashNotFound".
func parseTransactionError(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "BlockhashNotFound" {
			return fmt.Errorf("%w: %s", ErrTransient, s)
		}
		return &TransactionError{Detail: s}
	}

	var obj struct {
		InstructionError []json.RawMessage `json:"InstructionError"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.InstructionError) == 2 {
		var custom struct {
			Custom *json.Number `json:"Custom"`
		}
		if err := json.Unmarshal(obj.InstructionError[1], &custom); err == nil && custom.Custom != nil {
			if code, err := strconv.ParseUint(custom.Custom.String(), 10, 32); err == nil {
				return programErrorFromCode(uint32(code))
			}
		}
		var detail string
		if err := json.Unmarshal(obj.InstructionError[1], &detail); err == nil {
			return &TransactionError{Detail: "instruction error: " + detail}
		}
	}
	return &TransactionError{Detail: string(raw)}
}
