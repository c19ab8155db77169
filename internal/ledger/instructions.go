package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	MaxContentIDLength   = 46
	MaxDescriptionLength = 200
	MaxParticipants      = 10
)

func writable(k PublicKey, signer bool) *solana.AccountMeta {
	return solana.NewAccountMeta(k, true, signer)
}

func readonly(k PublicKey, signer bool) *solana.AccountMeta {
	return solana.NewAccountMeta(k, false, signer)
}

func instructionDiscriminator(name string) []byte {
	return bin.Sighash(bin.SIGHASH_GLOBAL_NAMESPACE, name)
}

type initializeContractArgs struct {
	ContractID        uint64
	Participants      []PublicKey
	RequiredApprovals uint8
}

type updateContractIPFSArgs struct {
	IpfsHash string
}

// EscrowParams are the arguments of initialize_escrow_milestone, in wire order.
type EscrowParams struct {
	MilestoneID uint64
	ContractID  uint64
	Description string
	Amount      uint64
	Recipient   PublicKey
	Deadline    int64
}

// program builds the approval program's instructions with their account lists.
type program struct {
	id      PublicKey
	deriver Deriver
}

func newProgram(id PublicKey) program {
	return program{id: id, deriver: NewDeriver(id)}
}

func (p program) instruction(name string, accounts solana.AccountMetaSlice, args any) (solana.Instruction, error) {
	var buf bytes.Buffer
	buf.Write(instructionDiscriminator(name))
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
	}
	return solana.NewInstruction(p.id, accounts, buf.Bytes()), nil
}

func (p program) initializeReputation(user PublicKey) (solana.Instruction, error) {
	rep, err := p.deriver.Reputation(user)
	if err != nil {
		return nil, err
	}
	return p.instruction("initialize_reputation", solana.AccountMetaSlice{
		writable(rep, false),
		writable(user, true),
		readonly(SystemProgramID, false),
	}, nil)
}

func (p program) initializeContract(contractID uint64, participants []PublicKey, required uint8, creator PublicKey) (solana.Instruction, error) {
	contract, err := p.deriver.Contract(contractID, creator)
	if err != nil {
		return nil, err
	}
	rep, err := p.deriver.Reputation(creator)
	if err != nil {
		return nil, err
	}
	return p.instruction("initialize_contract", solana.AccountMetaSlice{
		writable(contract, false),
		writable(rep, false),
		writable(creator, true),
		readonly(SystemProgramID, false),
	}, initializeContractArgs{ContractID: contractID, Participants: participants, RequiredApprovals: required})
}

func (p program) approveContract(contract, approver PublicKey) (solana.Instruction, error) {
	rep, err := p.deriver.Reputation(approver)
	if err != nil {
		return nil, err
	}
	return p.instruction("approve_contract", solana.AccountMetaSlice{
		writable(contract, false),
		writable(rep, false),
		readonly(approver, true),
	}, nil)
}

// markContractComplete credits a participant's completion counter once the
// contract is Completed. The participant does not sign.
func (p program) markContractComplete(contract, participant PublicKey) (solana.Instruction, error) {
	rep, err := p.deriver.Reputation(participant)
	if err != nil {
		return nil, err
	}
	return p.instruction("mark_contract_complete", solana.AccountMetaSlice{
		readonly(contract, false),
		writable(rep, false),
		readonly(participant, false),
	}, nil)
}

func (p program) cancelContract(contract, creator PublicKey) (solana.Instruction, error) {
	return p.instruction("cancel_contract", solana.AccountMetaSlice{
		writable(contract, false),
		readonly(creator, true),
	}, nil)
}

func (p program) updateContractIPFS(contract, updater PublicKey, cid string) (solana.Instruction, error) {
	if len(cid) > MaxContentIDLength {
		return nil, ErrContentIDTooLong
	}
	return p.instruction("update_contract_ipfs", solana.AccountMetaSlice{
		writable(contract, false),
		readonly(updater, true),
	}, updateContractIPFSArgs{IpfsHash: cid})
}

func (p program) initializeEscrowMilestone(params EscrowParams, contract, creator PublicKey) (solana.Instruction, error) {
	if len(params.Description) > MaxDescriptionLength {
		return nil, ErrDescriptionTooLong
	}
	escrow, err := p.deriver.Escrow(params.ContractID, params.MilestoneID)
	if err != nil {
		return nil, err
	}
	rep, err := p.deriver.Reputation(creator)
	if err != nil {
		return nil, err
	}
	return p.instruction("initialize_escrow_milestone", solana.AccountMetaSlice{
		writable(escrow, false),
		readonly(contract, false),
		writable(rep, false),
		writable(creator, true),
		readonly(SystemProgramID, false),
	}, params)
}

func (p program) markMilestoneComplete(escrow, contract, marker PublicKey) (solana.Instruction, error) {
	return p.instruction("mark_milestone_complete", solana.AccountMetaSlice{
		writable(escrow, false),
		readonly(contract, false),
		readonly(marker, true),
	}, nil)
}

func (p program) approveMilestoneRelease(escrow, contract, approver PublicKey) (solana.Instruction, error) {
	rep, err := p.deriver.Reputation(approver)
	if err != nil {
		return nil, err
	}
	return p.instruction("approve_milestone_release", solana.AccountMetaSlice{
		writable(escrow, false),
		readonly(contract, false),
		writable(rep, false),
		readonly(approver, true),
	}, nil)
}

func (p program) releaseEscrowFunds(escrow, recipient PublicKey) (solana.Instruction, error) {
	return p.instruction("release_escrow_funds", solana.AccountMetaSlice{
		writable(escrow, false),
		writable(recipient, false),
	}, nil)
}

func (p program) cancelEscrowMilestone(escrow, creator PublicKey) (solana.Instruction, error) {
	return p.instruction("cancel_escrow_milestone", solana.AccountMetaSlice{
		writable(escrow, false),
		writable(creator, true),
	}, nil)
}

func validateParticipants(participants []PublicKey, required uint8, creator PublicKey) error {
	if len(participants) > MaxParticipants {
		return ErrTooManyParticipants
	}
	if int(required) > len(participants) {
		return ErrInvalidApprovalThreshold
	}
	if !containsKey(participants, creator) {
		return ErrCreatorMustBeParticipant
	}
	seen := make(map[PublicKey]struct{}, len(participants))
	for _, k := range participants {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate participant %s", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}
