package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	docmodel "clausebase/internal/document/model"
	"clausebase/internal/ledger"
	"clausebase/internal/milestone/model"
	"clausebase/internal/milestone/repository"
	"clausebase/pkg/logger"
	"clausebase/pkg/metrics"
	"clausebase/socket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotMember        = errors.New("not a member of this document")
	ErrNotCreator       = errors.New("only the document creator can do this")
	ErrNotRegistered    = errors.New("document is not registered on the ledger")
	ErrNoSigner         = errors.New("no signing key held for wallet")
	ErrInvalidAmount    = errors.New("amount must be a positive SOL value with at most 9 decimal places")
	ErrInvalidRecipient = errors.New("invalid recipient wallet")
	ErrAlreadyReleased  = errors.New("milestone funds already released")
	ErrCannotCancel     = errors.New("milestone can only be cancelled while pending or funded")
	ErrCancelled        = errors.New("milestone is cancelled")
	ErrOutsideScope     = errors.New("milestone does not belong to this document")
)

const reserveAttempts = 3

var lamportsPerSOL = decimal.New(1, 9)

// ToLamports converts a SOL amount to lamports. Fractions of a lamport are
// rejected rather than rounded.
func ToLamports(sol decimal.Decimal) (uint64, error) {
	if !sol.IsPositive() {
		return 0, ErrInvalidAmount
	}
	l := sol.Mul(lamportsPerSOL)
	if !l.IsInteger() || !l.BigInt().IsUint64() {
		return 0, ErrInvalidAmount
	}
	return l.BigInt().Uint64(), nil
}

func FromLamports(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9)
}

type Store interface {
	Reserve(ctx context.Context, m *model.Milestone) error
	Delete(ctx context.Context, id string) error
	MarkFunded(ctx context.Context, id, escrowAddress, txRef string) error
	Get(ctx context.Context, id string) (*model.Milestone, error)
	ListByDocument(ctx context.Context, docID string) ([]model.Milestone, error)
	UpdateStatus(ctx context.Context, id string, status model.Status) error
	SetReleased(ctx context.Context, id, txRef string) error
}

// Documents is the read side of the document store milestones depend on.
type Documents interface {
	GetDocument(ctx context.Context, docID string) (*docmodel.Document, error)
	GetMember(ctx context.Context, docID, userID string) (*docmodel.Member, error)
	ListMembers(ctx context.Context, docID string) ([]docmodel.Member, error)
}

type Ledger interface {
	Deriver() ledger.Deriver
	ReadEscrow(ctx context.Context, address ledger.PublicKey) (*ledger.EscrowAccount, error)
	CreateEscrow(ctx context.Context, params ledger.EscrowParams, creator ledger.Signer) (ledger.TxResult, error)
	MarkMilestoneComplete(ctx context.Context, escrow, contract ledger.PublicKey, marker ledger.Signer) (string, error)
	ApproveMilestoneRelease(ctx context.Context, escrow, contract ledger.PublicKey, approver ledger.Signer) (string, error)
	ReleaseEscrowFunds(ctx context.Context, escrow ledger.PublicKey, payer ledger.Signer) (string, error)
	CancelEscrow(ctx context.Context, escrow ledger.PublicKey, creator ledger.Signer) (string, error)
}

type Signers interface {
	Signer(wallet string) (ledger.Signer, bool)
}

type Notifier interface {
	Publish(docID, userID, msgType string, payload any)
}

// ReleaseRecorder is told about every release so scores can be refreshed.
// vendorID is empty when no member holds the recipient wallet.
type ReleaseRecorder interface {
	RecordRelease(ctx context.Context, clientID, vendorID string)
}

type Deps struct {
	Repo       Store
	Documents  Documents
	Ledger     Ledger
	Signers    Signers
	Hub        Notifier
	Reputation ReleaseRecorder
	// Payer funds release transactions when the caller holds no custodial key.
	Payer ledger.Signer
}

type MilestoneService struct {
	Repo       Store
	Documents  Documents
	Ledger     Ledger
	Signers    Signers
	Hub        Notifier
	Reputation ReleaseRecorder
	Payer      ledger.Signer
	log        *zap.Logger
}

func NewMilestoneService(d Deps) *MilestoneService {
	return &MilestoneService{
		Repo:       d.Repo,
		Documents:  d.Documents,
		Ledger:     d.Ledger,
		Signers:    d.Signers,
		Hub:        d.Hub,
		Reputation: d.Reputation,
		Payer:      d.Payer,
		log:        logger.Named("milestone"),
	}
}

// target is a milestone resolved against its document and ledger accounts.
type target struct {
	doc      *docmodel.Document
	member   *docmodel.Member
	m        *model.Milestone
	contract ledger.PublicKey
	escrow   ledger.PublicKey
}

func (s *MilestoneService) authorize(ctx context.Context, docID, userID string) (*docmodel.Document, *docmodel.Member, error) {
	doc, err := s.Documents.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.Documents.GetMember(ctx, docID, userID)
	if errors.Is(err, docmodel.ErrMemberNotFound) {
		return nil, nil, ErrNotMember
	}
	if err != nil {
		return nil, nil, err
	}
	return doc, m, nil
}

func (s *MilestoneService) contractAddress(doc *docmodel.Document) (ledger.PublicKey, error) {
	if doc.LedgerAddress != nil && *doc.LedgerAddress != "" {
		return ledger.ParsePublicKey(*doc.LedgerAddress)
	}
	if !doc.Registered() || s.Ledger == nil {
		return ledger.PublicKey{}, ErrNotRegistered
	}
	return s.Ledger.Deriver().ContractFromStrings(uint64(*doc.LedgerContractID), doc.CreatorWallet)
}

func (s *MilestoneService) load(ctx context.Context, docID, milestoneID, userID string) (*target, error) {
	doc, member, err := s.authorize(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	if !doc.Registered() || s.Ledger == nil {
		return nil, ErrNotRegistered
	}
	m, err := s.Repo.Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.DocumentID != docID {
		return nil, ErrOutsideScope
	}
	contract, err := s.contractAddress(doc)
	if err != nil {
		return nil, err
	}
	var escrow ledger.PublicKey
	if m.EscrowAddress != "" {
		escrow, err = ledger.ParsePublicKey(m.EscrowAddress)
	} else {
		escrow, err = s.Ledger.Deriver().Escrow(uint64(*doc.LedgerContractID), uint64(m.MilestoneID))
	}
	if err != nil {
		return nil, err
	}
	return &target{doc: doc, member: member, m: m, contract: contract, escrow: escrow}, nil
}

func (s *MilestoneService) signerFor(wallet string) (ledger.Signer, error) {
	if s.Signers == nil || wallet == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoSigner, wallet)
	}
	signer, ok := s.Signers.Signer(wallet)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, wallet)
	}
	return signer, nil
}

func (s *MilestoneService) publish(m *model.Milestone, userID string) {
	if s.Hub != nil {
		s.Hub.Publish(m.DocumentID, userID, socket.MilestoneUpdatedType, m)
	}
}

// Create funds a new escrow milestone under the document's contract. Only the
// creator can do this since the contract address is derived from their key.
func (s *MilestoneService) Create(ctx context.Context, docID, userID string, req model.CreateMilestoneRequest) (*model.TransitionResult, error) {
	doc, _, err := s.authorize(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	if doc.CreatedBy != userID {
		return nil, ErrNotCreator
	}
	if !doc.Registered() || s.Ledger == nil {
		return nil, ErrNotRegistered
	}
	lamports, err := ToLamports(req.Amount)
	if err != nil {
		return nil, err
	}
	recipient, err := ledger.ParsePublicKey(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	signer, err := s.signerFor(doc.CreatorWallet)
	if err != nil {
		return nil, err
	}

	m := &model.Milestone{
		DocumentID:    docID,
		Description:   req.Description,
		Amount:        req.Amount,
		Recipient:     recipient.String(),
		Deadline:      req.Deadline.UTC(),
		CreatedBy:     userID,
		CreatorWallet: doc.CreatorWallet,
	}
	for attempt := 1; ; attempt++ {
		m.ID = uuid.NewString()
		err = s.Repo.Reserve(ctx, m)
		if err == nil {
			break
		}
		if !repository.IsUniqueViolation(err) || attempt == reserveAttempts {
			return nil, err
		}
	}

	res, err := s.Ledger.CreateEscrow(ctx, ledger.EscrowParams{
		MilestoneID: uint64(m.MilestoneID),
		ContractID:  uint64(*doc.LedgerContractID),
		Description: m.Description,
		Amount:      lamports,
		Recipient:   recipient,
		Deadline:    m.Deadline.Unix(),
	}, signer)
	if err != nil {
		// An unconfirmed escrow may still land; keep the reservation so
		// Refresh can pick it up.
		if !errors.Is(err, ledger.ErrUnconfirmed) {
			if derr := s.Repo.Delete(ctx, m.ID); derr != nil {
				s.log.Warn("drop milestone reservation", zap.String("milestone_id", m.ID), zap.Error(derr))
			}
		}
		return nil, err
	}
	if err := s.Repo.MarkFunded(ctx, m.ID, res.Address.String(), res.TxRef); err != nil {
		return nil, err
	}
	m.EscrowAddress = res.Address.String()
	m.CreateTx = &res.TxRef
	m.Status = model.StatusFunded
	metrics.MilestoneTransitions.WithLabelValues(string(model.StatusFunded)).Inc()
	s.log.Info("milestone funded",
		zap.String("document_id", docID),
		zap.Int64("milestone_id", m.MilestoneID),
		zap.String("amount", m.Amount.String()),
		zap.String("tx", res.TxRef))
	s.publish(m, userID)
	return &model.TransitionResult{Milestone: m, TxRefs: []string{res.TxRef}}, nil
}

func (s *MilestoneService) List(ctx context.Context, docID, userID string) ([]model.Milestone, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	return s.Repo.ListByDocument(ctx, docID)
}

// Get returns the cached milestone with the live escrow state attached when
// the ledger can be read.
func (s *MilestoneService) Get(ctx context.Context, docID, milestoneID, userID string) (*model.Milestone, error) {
	t, err := s.load(ctx, docID, milestoneID, userID)
	if err != nil {
		return nil, err
	}
	acct, err := s.Ledger.ReadEscrow(ctx, t.escrow)
	if err != nil {
		s.log.Warn("read escrow", zap.String("milestone_id", t.m.ID), zap.Error(err))
		return t.m, nil
	}
	s.sync(ctx, t.m, acct, "")
	return t.m, nil
}

// Refresh re-reads the escrow and updates the cached status.
func (s *MilestoneService) Refresh(ctx context.Context, docID, milestoneID, userID string) (*model.Milestone, error) {
	t, err := s.load(ctx, docID, milestoneID, userID)
	if err != nil {
		return nil, err
	}
	acct, err := s.Ledger.ReadEscrow(ctx, t.escrow)
	if errors.Is(err, ledger.ErrNotFound) && t.m.Status == model.StatusPending {
		return t.m, nil
	}
	if err != nil {
		return nil, err
	}
	if t.m.Status == model.StatusPending && t.m.CreateTx == nil {
		if err := s.Repo.MarkFunded(ctx, t.m.ID, t.escrow.String(), ""); err != nil {
			return nil, err
		}
		t.m.EscrowAddress = t.escrow.String()
		t.m.Status = model.StatusFunded
	}
	s.sync(ctx, t.m, acct, userID)
	return t.m, nil
}

func (s *MilestoneService) MarkComplete(ctx context.Context, docID, milestoneID, userID string) (*model.TransitionResult, error) {
	t, err := s.load(ctx, docID, milestoneID, userID)
	if err != nil {
		return nil, err
	}
	signer, err := s.signerFor(t.member.Wallet)
	if err != nil {
		return nil, err
	}
	sig, err := s.Ledger.MarkMilestoneComplete(ctx, t.escrow, t.contract, signer)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, t, userID, &model.TransitionResult{TxRefs: []string{sig}, Steps: []string{"mark"}}), nil
}

func (s *MilestoneService) Approve(ctx context.Context, docID, milestoneID, userID string) (*model.TransitionResult, error) {
	t, err := s.load(ctx, docID, milestoneID, userID)
	if err != nil {
		return nil, err
	}
	signer, err := s.signerFor(t.member.Wallet)
	if err != nil {
		return nil, err
	}
	sig, err := s.Ledger.ApproveMilestoneRelease(ctx, t.escrow, t.contract, signer)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, t, userID, &model.TransitionResult{TxRefs: []string{sig}, Steps: []string{"approve"}}), nil
}

// Release pays out a milestone once it has enough approvals. A second
// release is reported as ErrAlreadyReleased and never reaches the ledger.
func (s *MilestoneService) Release(ctx context.Context, docID, milestoneID, userID string) (*model.TransitionResult, error) {
	t, err := s.load(ctx, docID, milestoneID, userID)
	if err != nil {
		return nil, err
	}
	acct, err := s.Ledger.ReadEscrow(ctx, t.escrow)
	if err != nil {
		return nil, err
	}
	if acct.Status == ledger.MilestoneReleased {
		s.sync(ctx, t.m, acct, userID)
		return nil, ErrAlreadyReleased
	}
	payer, err := s.payerFor(t.member.Wallet)
	if err != nil {
		return nil, err
	}
	sig, err := s.release(ctx, t, payer)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, t, userID, &model.TransitionResult{TxRefs: []string{sig}, Steps: []string{"release"}}), nil
}

func (s *MilestoneService) payerFor(wallet string) (ledger.Signer, error) {
	signer, err := s.signerFor(wallet)
	if err == nil {
		return signer, nil
	}
	if s.Payer != nil {
		return s.Payer, nil
	}
	return nil, err
}

// release submits the transfer. Losing a race to another releaser shows up as
// MilestoneNotMarkedComplete and is translated to ErrAlreadyReleased.
func (s *MilestoneService) release(ctx context.Context, t *target, payer ledger.Signer) (string, error) {
	sig, err := s.Ledger.ReleaseEscrowFunds(ctx, t.escrow, payer)
	if errors.Is(err, ledger.ErrMilestoneNotMarkedComplete) {
		if acct, rerr := s.Ledger.ReadEscrow(ctx, t.escrow); rerr == nil && acct.Status == ledger.MilestoneReleased {
			return "", ErrAlreadyReleased
		}
	}
	if err != nil {
		return "", err
	}
	if err := s.Repo.SetReleased(ctx, t.m.ID, sig); err != nil {
		s.log.Error("record release", zap.String("milestone_id", t.m.ID), zap.String("tx", sig), zap.Error(err))
	}
	now := time.Now().UTC()
	t.m.ReleaseTx = &sig
	t.m.ReleasedAt = &now
	t.m.Status = model.StatusReleased
	metrics.MilestoneTransitions.WithLabelValues(string(model.StatusReleased)).Inc()
	s.log.Info("milestone released",
		zap.String("document_id", t.doc.ID),
		zap.Int64("milestone_id", t.m.MilestoneID),
		zap.String("recipient", t.m.Recipient),
		zap.String("tx", sig))
	s.recordRelease(ctx, t)
	return sig, nil
}

func (s *MilestoneService) recordRelease(ctx context.Context, t *target) {
	if s.Reputation == nil {
		return
	}
	var vendorID string
	members, err := s.Documents.ListMembers(ctx, t.doc.ID)
	if err != nil {
		s.log.Warn("list members for reputation", zap.String("document_id", t.doc.ID), zap.Error(err))
	}
	for _, m := range members {
		if m.Wallet == t.m.Recipient {
			vendorID = m.UserID
			break
		}
	}
	s.Reputation.RecordRelease(ctx, t.doc.CreatedBy, vendorID)
}

// Cancel refunds a pending or funded milestone to the creator.
func (s *MilestoneService) Cancel(ctx context.Context, docID, milestoneID, userID string) (*model.TransitionResult, error) {
	t, err := s.load(ctx, docID, milestoneID, userID)
	if err != nil {
		return nil, err
	}
	if t.doc.CreatedBy != userID {
		return nil, ErrNotCreator
	}
	acct, err := s.Ledger.ReadEscrow(ctx, t.escrow)
	if err != nil {
		return nil, err
	}
	if !statusOf(acct.Status).Cancellable() {
		s.sync(ctx, t.m, acct, userID)
		return nil, ErrCannotCancel
	}
	signer, err := s.signerFor(t.doc.CreatorWallet)
	if err != nil {
		return nil, err
	}
	sig, err := s.Ledger.CancelEscrow(ctx, t.escrow, signer)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, t, userID, &model.TransitionResult{TxRefs: []string{sig}, Steps: []string{"cancel"}}), nil
}

// Complete drives a milestone as far as the caller can take it: mark it
// complete, add the caller's approval, and release once enough approvals are
// in. Steps already taken by anyone are skipped.
func (s *MilestoneService) Complete(ctx context.Context, docID, milestoneID, userID string) (*model.TransitionResult, error) {
	t, err := s.load(ctx, docID, milestoneID, userID)
	if err != nil {
		return nil, err
	}
	signer, err := s.signerFor(t.member.Wallet)
	if err != nil {
		return nil, err
	}
	res := &model.TransitionResult{}
	acct, err := s.Ledger.ReadEscrow(ctx, t.escrow)
	if err != nil {
		return nil, err
	}

	switch acct.Status {
	case ledger.MilestoneCancelled:
		s.sync(ctx, t.m, acct, userID)
		return nil, ErrCancelled
	case ledger.MilestonePending:
		return nil, ledger.ErrMilestoneNotFunded
	case ledger.MilestoneFunded:
		sig, err := s.Ledger.MarkMilestoneComplete(ctx, t.escrow, t.contract, signer)
		if err != nil && !errors.Is(err, ledger.ErrMilestoneNotFunded) {
			return nil, err
		}
		if err == nil {
			res.TxRefs = append(res.TxRefs, sig)
			res.Steps = append(res.Steps, "mark")
		}
		if acct, err = s.Ledger.ReadEscrow(ctx, t.escrow); err != nil {
			return nil, err
		}
	}

	if acct.Status == ledger.MilestoneMarkedComplete && !acct.HasApproved(signer.PublicKey()) {
		sig, err := s.Ledger.ApproveMilestoneRelease(ctx, t.escrow, t.contract, signer)
		if err != nil && !errors.Is(err, ledger.ErrAlreadyApprovedMilestone) {
			return nil, err
		}
		if err == nil {
			res.TxRefs = append(res.TxRefs, sig)
			res.Steps = append(res.Steps, "approve")
		}
		if acct, err = s.Ledger.ReadEscrow(ctx, t.escrow); err != nil {
			return nil, err
		}
	}

	if acct.ReleaseEligible() {
		sig, err := s.release(ctx, t, signer)
		switch {
		case errors.Is(err, ErrAlreadyReleased):
		case err != nil:
			return nil, err
		default:
			res.TxRefs = append(res.TxRefs, sig)
			res.Steps = append(res.Steps, "release")
		}
	}
	return s.finish(ctx, t, userID, res), nil
}

// finish re-reads the escrow after a transition and folds it into the cache.
func (s *MilestoneService) finish(ctx context.Context, t *target, userID string, res *model.TransitionResult) *model.TransitionResult {
	acct, err := s.Ledger.ReadEscrow(ctx, t.escrow)
	if err != nil {
		s.log.Warn("read escrow after transition", zap.String("milestone_id", t.m.ID), zap.Error(err))
		s.publish(t.m, userID)
	} else if !s.sync(ctx, t.m, acct, userID) {
		s.publish(t.m, userID)
	}
	res.Milestone = t.m
	return res
}

// sync attaches acct to m and persists a changed status. It reports whether
// an update event was published.
func (s *MilestoneService) sync(ctx context.Context, m *model.Milestone, acct *ledger.EscrowAccount, userID string) bool {
	m.OnChain = escrowState(acct)
	status := statusOf(acct.Status)
	if status == m.Status {
		return false
	}
	if err := s.Repo.UpdateStatus(ctx, m.ID, status); err != nil {
		s.log.Warn("cache milestone status", zap.String("milestone_id", m.ID), zap.Error(err))
		return false
	}
	if status == model.StatusReleased && m.ReleasedAt == nil {
		now := time.Now().UTC()
		m.ReleasedAt = &now
	}
	m.Status = status
	metrics.MilestoneTransitions.WithLabelValues(string(status)).Inc()
	s.publish(m, userID)
	return true
}

func statusOf(s ledger.MilestoneStatus) model.Status {
	switch s {
	case ledger.MilestoneFunded:
		return model.StatusFunded
	case ledger.MilestoneMarkedComplete:
		return model.StatusMarkedComplete
	case ledger.MilestoneReleased:
		return model.StatusReleased
	case ledger.MilestoneCancelled:
		return model.StatusCancelled
	default:
		return model.StatusPending
	}
}

func escrowState(acct *ledger.EscrowAccount) *model.EscrowState {
	st := &model.EscrowState{
		Status:            statusOf(acct.Status),
		Amount:            FromLamports(acct.Amount),
		AmountLamports:    acct.Amount,
		Approvals:         make([]string, 0, len(acct.Approvals)),
		ApprovalsRequired: int(acct.ApprovalsRequired),
		ReleaseEligible:   acct.ReleaseEligible(),
	}
	for _, a := range acct.Approvals {
		st.Approvals = append(st.Approvals, a.String())
	}
	if acct.MarkedCompleteBy != nil {
		by := acct.MarkedCompleteBy.String()
		st.MarkedCompleteBy = &by
	}
	return st
}
