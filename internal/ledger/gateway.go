package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clausebase/pkg/logger"
	"clausebase/pkg/metrics"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

type Config struct {
	RPCURL         string
	ProgramID      PublicKey
	Commitment     string
	Timeout        time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	ReadRetries    int
	RPS            float64
}

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// TxResult is the outcome of a write that creates an account.
type TxResult struct {
	Address PublicKey `json:"address"`
	TxRef   string    `json:"txRef"`
}

// Gateway reads and writes the approval program's accounts. Reads use the
// configured commitment and retry transient failures. Writes are submitted
// once and return only after the signature reaches that commitment.
type Gateway struct {
	rpc            *rpcClient
	httpClient     *http.Client
	program        program
	commitment     string
	confirmTimeout time.Duration
	pollInterval   time.Duration
	log            *zap.Logger
}

func NewGateway(cfg Config, opts ...Option) *Gateway {
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentFinalized
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	g := &Gateway{
		program:        newProgram(cfg.ProgramID),
		commitment:     cfg.Commitment,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		log:            logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	g.rpc = newRPCClient(cfg.RPCURL, g.httpClient, cfg.RPS, cfg.ReadRetries)
	return g
}

func (g *Gateway) Deriver() Deriver {
	return g.program.deriver
}

func (g *Gateway) Commitment() string {
	return g.commitment
}

func (g *Gateway) ReadContract(ctx context.Context, address PublicKey) (*ContractAccount, error) {
	start := time.Now()
	data, err := g.rpc.getAccountData(ctx, address, g.commitment)
	metrics.ObserveLedger("read_contract", start, ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return decodeContract(address, data)
}

func (g *Gateway) ReadEscrow(ctx context.Context, address PublicKey) (*EscrowAccount, error) {
	start := time.Now()
	data, err := g.rpc.getAccountData(ctx, address, g.commitment)
	metrics.ObserveLedger("read_escrow", start, ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return decodeEscrow(address, data)
}

func (g *Gateway) ReadReputation(ctx context.Context, wallet PublicKey) (*ReputationAccount, error) {
	address, err := g.program.deriver.Reputation(wallet)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := g.rpc.getAccountData(ctx, address, g.commitment)
	metrics.ObserveLedger("read_reputation", start, ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return decodeReputation(address, data)
}

// CreateContract registers a multi-party approval account owned by creator.
// An account already present at the derived address yields ErrAlreadyExists.
func (g *Gateway) CreateContract(ctx context.Context, contractID uint64, participants []PublicKey, required uint8, creator Signer) (TxResult, error) {
	if err := validateParticipants(participants, required, creator.PublicKey()); err != nil {
		return TxResult{}, err
	}
	address, err := g.program.deriver.Contract(contractID, creator.PublicKey())
	if err != nil {
		return TxResult{}, err
	}
	if err := g.requireAbsent(ctx, address); err != nil {
		return TxResult{}, err
	}
	if err := g.ensureReputation(ctx, creator); err != nil {
		return TxResult{}, err
	}

	ix, err := g.program.initializeContract(contractID, participants, required, creator.PublicKey())
	if err != nil {
		return TxResult{}, err
	}
	sig, err := g.submit(ctx, "create_contract", ix, creator)
	if err != nil {
		return TxResult{}, err
	}
	g.log.Info("contract registered",
		zap.Uint64("contract_id", contractID),
		zap.String("address", address.String()),
		zap.String("tx", sig))
	return TxResult{Address: address, TxRef: sig}, nil
}

// RecordApproval casts approver's approval on the contract account.
func (g *Gateway) RecordApproval(ctx context.Context, contract PublicKey, approver Signer) (string, error) {
	if err := g.ensureReputation(ctx, approver); err != nil {
		return "", err
	}
	ix, err := g.program.approveContract(contract, approver.PublicKey())
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "record_approval", ix, approver)
}

// UpdateProofPointer stores a content identifier on the contract account.
func (g *Gateway) UpdateProofPointer(ctx context.Context, contract PublicKey, cid string, updater Signer) (string, error) {
	if len(cid) > MaxContentIDLength {
		return "", ErrContentIDTooLong
	}
	acct, err := g.ReadContract(ctx, contract)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotInitialized, contract)
	}
	if err != nil {
		return "", err
	}
	if !acct.IsParticipant(updater.PublicKey()) {
		return "", ErrNotAParticipant
	}
	ix, err := g.program.updateContractIPFS(contract, updater.PublicKey(), cid)
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "update_proof_pointer", ix, updater)
}

// CancelContract moves an Active contract to Cancelled. Only the creator may sign.
func (g *Gateway) CancelContract(ctx context.Context, contract PublicKey, creator Signer) (string, error) {
	ix, err := g.program.cancelContract(contract, creator.PublicKey())
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "cancel_contract", ix, creator)
}

// MarkContractComplete credits participant's completion counter. payer signs
// and funds the transaction; the participant does not need to sign.
func (g *Gateway) MarkContractComplete(ctx context.Context, contract, participant PublicKey, payer Signer) (string, error) {
	ix, err := g.program.markContractComplete(contract, participant)
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "mark_contract_complete", ix, payer)
}

// CreateEscrow funds a milestone escrow under the creator's contract.
func (g *Gateway) CreateEscrow(ctx context.Context, params EscrowParams, creator Signer) (TxResult, error) {
	if params.Amount == 0 {
		return TxResult{}, ErrInvalidAmount
	}
	contract, err := g.program.deriver.Contract(params.ContractID, creator.PublicKey())
	if err != nil {
		return TxResult{}, err
	}
	address, err := g.program.deriver.Escrow(params.ContractID, params.MilestoneID)
	if err != nil {
		return TxResult{}, err
	}
	if err := g.requireAbsent(ctx, address); err != nil {
		return TxResult{}, err
	}
	if err := g.ensureReputation(ctx, creator); err != nil {
		return TxResult{}, err
	}
	ix, err := g.program.initializeEscrowMilestone(params, contract, creator.PublicKey())
	if err != nil {
		return TxResult{}, err
	}
	sig, err := g.submit(ctx, "create_escrow", ix, creator)
	if err != nil {
		return TxResult{}, err
	}
	g.log.Info("escrow funded",
		zap.Uint64("contract_id", params.ContractID),
		zap.Uint64("milestone_id", params.MilestoneID),
		zap.Uint64("amount", params.Amount),
		zap.String("tx", sig))
	return TxResult{Address: address, TxRef: sig}, nil
}

func (g *Gateway) MarkMilestoneComplete(ctx context.Context, escrow, contract PublicKey, marker Signer) (string, error) {
	ix, err := g.program.markMilestoneComplete(escrow, contract, marker.PublicKey())
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "mark_milestone_complete", ix, marker)
}

func (g *Gateway) ApproveMilestoneRelease(ctx context.Context, escrow, contract PublicKey, approver Signer) (string, error) {
	if err := g.ensureReputation(ctx, approver); err != nil {
		return "", err
	}
	ix, err := g.program.approveMilestoneRelease(escrow, contract, approver.PublicKey())
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "approve_milestone_release", ix, approver)
}

// ReleaseEscrowFunds pays the escrow's recipient. The recipient is read from
// the escrow account so the transfer always targets the recorded wallet.
func (g *Gateway) ReleaseEscrowFunds(ctx context.Context, escrow PublicKey, payer Signer) (string, error) {
	acct, err := g.ReadEscrow(ctx, escrow)
	if err != nil {
		return "", err
	}
	ix, err := g.program.releaseEscrowFunds(escrow, acct.Recipient)
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "release_escrow_funds", ix, payer)
}

func (g *Gateway) CancelEscrow(ctx context.Context, escrow PublicKey, creator Signer) (string, error) {
	ix, err := g.program.cancelEscrowMilestone(escrow, creator.PublicKey())
	if err != nil {
		return "", err
	}
	return g.submit(ctx, "cancel_escrow", ix, creator)
}

func (g *Gateway) requireAbsent(ctx context.Context, address PublicKey) error {
	_, err := g.rpc.getAccountData(ctx, address, g.commitment)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, address)
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

// ensureReputation creates the signer's reputation account on first use.
// A concurrent creator winning the race is not an error.
func (g *Gateway) ensureReputation(ctx context.Context, s Signer) error {
	_, err := g.ReadReputation(ctx, s.PublicKey())
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	ix, err := g.program.initializeReputation(s.PublicKey())
	if err != nil {
		return err
	}
	if _, err := g.submit(ctx, "initialize_reputation", ix, s); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return nil
}

func (g *Gateway) submit(ctx context.Context, op string, ix solana.Instruction, signers ...Signer) (ref string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveLedger(op, start, err) }()

	recent, err := g.rpc.getLatestBlockhash(ctx, g.commitment)
	if err != nil {
		return "", fmt.Errorf("%s: blockhash: %w", op, err)
	}
	tx, err := buildTransaction([]solana.Instruction{ix}, recent, signers...)
	if err != nil {
		return "", fmt.Errorf("%s: build: %w", op, err)
	}
	sig := tx.Signatures[0]
	if _, err := g.rpc.sendTransaction(ctx, tx, g.commitment); err != nil {
		g.log.Warn("transaction rejected", zap.String("operation", op), zap.Error(err))
		return "", err
	}
	if err := g.confirm(ctx, sig); err != nil {
		g.log.Warn("transaction not confirmed", zap.String("operation", op), zap.Stringer("tx", sig), zap.Error(err))
		return sig.String(), err
	}
	g.log.Debug("transaction confirmed", zap.String("operation", op), zap.Stringer("tx", sig))
	return sig.String(), nil
}

func (g *Gateway) confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	want := commitmentRank(g.commitment)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		status, err := g.rpc.getSignatureStatus(ctx, sig)
		if err != nil && !errors.Is(err, ErrTransient) && ctx.Err() == nil {
			return err
		}
		if status != nil {
			if terr := parseTransactionError(status.Err); terr != nil {
				return terr
			}
			if commitmentRank(status.ConfirmationStatus) >= want {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrUnconfirmed, sig)
		case <-ticker.C:
		}
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
