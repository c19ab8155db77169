package service

import (
	"context"
	"errors"

	"clausebase/internal/document/model"
	"clausebase/internal/ledger"
	"clausebase/pkg/metrics"
	"clausebase/socket"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// recomputeStatus derives a version's status from its tally. Rejection is
// not latched: later approvals outnumbering rejections flip it back.
func recomputeStatus(t model.Tally) model.ApprovalStatus {
	switch {
	case t.ApproveCount > t.RejectCount:
		return model.StatusApproved
	case t.RejectCount > 0:
		return model.StatusRejected
	default:
		return model.StatusPending
	}
}

// CastVote records a vote in the off-chain approval ledger and refreshes the
// version's cached status.
func (s *DocumentService) CastVote(ctx context.Context, versionID, voterID string, req model.VoteRequest) (*model.VoteResponse, error) {
	v, err := s.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := validateVote(v, voterID, req.Vote); err != nil {
		return nil, err
	}
	return s.castVote(ctx, v, voterID, req)
}

func validateVote(v *model.Version, voterID string, vote model.VoteValue) error {
	if !vote.Valid() {
		return ErrInvalidVote
	}
	if v.AuthorID == voterID {
		return ErrSelfVoteForbidden
	}
	if v.Merged {
		return ErrFrozen
	}
	return nil
}

func (s *DocumentService) castVote(ctx context.Context, v *model.Version, voterID string, req model.VoteRequest) (*model.VoteResponse, error) {
	vote := &model.Vote{
		ID:        uuid.NewString(),
		VersionID: v.ID,
		UserID:    voterID,
		Vote:      req.Vote,
		Comment:   req.Comment,
	}
	written, err := s.Repo.UpsertVote(ctx, vote)
	if err != nil {
		return nil, err
	}
	if !written {
		// The version merged between the read and the upsert.
		return nil, ErrFrozen
	}
	metrics.VotesCast.WithLabelValues(string(req.Vote)).Inc()

	tally, err := s.Repo.Tally(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	status := recomputeStatus(tally)
	if err := s.Repo.UpdateApproval(ctx, v.ID, status, tally.ApproveCount); err != nil {
		return nil, err
	}
	if stored, err := s.Repo.GetVote(ctx, v.ID, voterID); err == nil {
		vote = stored
	}

	resp := &model.VoteResponse{
		Approval:       vote,
		ApprovalCount:  tally.ApproveCount,
		RejectionCount: tally.RejectCount,
		Status:         status,
	}
	s.publish(v.DocumentID, voterID, socket.VoteCastType, resp)
	return resp, nil
}

func (s *DocumentService) Tally(ctx context.Context, versionID string) (model.Tally, error) {
	return s.Repo.Tally(ctx, versionID)
}

func (s *DocumentService) ListVotes(ctx context.Context, docID, versionID, userID string) (*model.VotesResponse, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	v, err := s.versionIn(ctx, docID, versionID)
	if err != nil {
		return nil, err
	}
	votes, err := s.Repo.ListVotes(ctx, versionID)
	if err != nil {
		return nil, err
	}
	resp := &model.VotesResponse{Votes: votes, Status: v.ApprovalStatus}
	for _, vote := range votes {
		switch vote.Vote {
		case model.VoteApprove:
			resp.ApprovalCount++
		case model.VoteReject:
			resp.RejectionCount++
		}
	}
	return resp, nil
}

// SubmitVote is the full vote path: local checks, the binding on-chain
// approval when the service holds the voter's key, the local record, then
// reconciliation. A ledger rejection aborts before anything is stored.
func (s *DocumentService) SubmitVote(ctx context.Context, docID, versionID, voterID string, req model.VoteRequest) (*model.VoteResponse, error) {
	doc, member, err := s.authorize(ctx, docID, voterID)
	if err != nil {
		return nil, err
	}
	v, err := s.versionIn(ctx, docID, versionID)
	if err != nil {
		return nil, err
	}
	if err := validateVote(v, voterID, req.Vote); err != nil {
		return nil, err
	}

	var txRef string
	if req.Vote == model.VoteApprove {
		txRef, err = s.approveOnLedger(ctx, doc, member)
		if err != nil {
			return nil, err
		}
	}

	resp, err := s.castVote(ctx, v, voterID, req)
	if err != nil {
		if txRef != "" {
			s.log.Error("approval recorded on ledger but not locally",
				zap.String("version_id", versionID), zap.String("user_id", voterID),
				zap.String("tx", txRef), zap.Error(err))
		}
		return nil, err
	}
	resp.LedgerTxRef = txRef

	rec, err := s.Reconcile(ctx, versionID)
	if err != nil {
		// The vote stands; reconciliation can be re-run.
		s.log.Warn("reconcile after vote", zap.String("version_id", versionID), zap.Error(err))
		return resp, nil
	}
	resp.OnChain = rec.OnChain
	resp.Merged = rec.Merged
	resp.AlreadyMerged = rec.AlreadyMerged
	resp.Proof = rec.Proof
	if rec.Merged {
		resp.Status = model.StatusMerged
	}
	return resp, nil
}

// approveOnLedger records member's approval on the document's contract when
// the service holds the member's key. It returns the transaction reference,
// or "" when nothing was submitted. Program rejections come back verbatim.
func (s *DocumentService) approveOnLedger(ctx context.Context, doc *model.Document, member *model.Member) (string, error) {
	if s.Ledger == nil {
		return "", nil
	}
	signer, ok := s.signerFor(member.Wallet)
	if !ok {
		return "", nil
	}
	addr, _, ok, err := s.contractAddress(ctx, doc)
	if err != nil || !ok {
		return "", err
	}

	acct, err := s.Ledger.ReadContract(ctx, addr)
	if errors.Is(err, ledger.ErrNotFound) {
		s.log.Warn("contract account not found; approval skipped",
			zap.String("document_id", doc.ID), zap.String("address", addr.String()))
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if acct.HasApproved(signer.PublicKey()) || acct.Status == ledger.ContractCompleted {
		return "", nil
	}

	sig, err := s.Ledger.RecordApproval(ctx, addr, signer)
	if err != nil {
		return "", err
	}
	s.log.Info("approval recorded on ledger",
		zap.String("document_id", doc.ID), zap.String("user_id", member.UserID), zap.String("tx", sig))
	return sig, nil
}
