package service

import (
	"bytes"
	"context"
	"errors"

	"clausebase/internal/cas"
	"clausebase/internal/document/model"
	"clausebase/internal/ledger"
	"clausebase/pkg/metrics"
	"clausebase/socket"

	"go.uber.org/zap"
)

func lockKey(docID string) string {
	return "document:" + docID
}

// Reconcile aligns a version with the contract account. The version merges
// only when the account is Completed or its approvals meet a non-zero
// threshold; local votes never decide. The merge itself is a
// compare-and-set, so concurrent callers that both see quorum produce one
// merge and one anchoring attempt.
func (s *DocumentService) Reconcile(ctx context.Context, versionID string) (*model.ReconcileResult, error) {
	v, err := s.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.Locker.Acquire(ctx, lockKey(v.DocumentID))
	if err != nil {
		return nil, err
	}
	merged, res, err := s.reconcileLocked(ctx, versionID)
	unlock()
	if err != nil || !merged {
		return res, err
	}

	// Anchoring runs outside the lock; only the merging caller gets here.
	v, err = s.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return res, err
	}
	res.Proof = s.AnchorProof(ctx, v)
	if res.OnChain != nil && res.OnChain.Status == ledger.ContractCompleted.String() {
		s.creditCompletion(ctx, v.DocumentID, res.OnChain.Address)
	}
	return res, nil
}

// creditCompletion bumps every participant's completed-contract counter on
// the ledger, at most once per document. Failed credits are logged and not
// retried.
func (s *DocumentService) creditCompletion(ctx context.Context, docID, address string) {
	log := s.log.With(zap.String("document_id", docID), zap.String("address", address))
	addr, err := ledger.ParsePublicKey(address)
	if err != nil {
		log.Warn("completion credit: bad contract address", zap.Error(err))
		return
	}
	acct, err := s.Ledger.ReadContract(ctx, addr)
	if err != nil {
		log.Warn("completion credit: read contract", zap.Error(err))
		return
	}
	payer := s.ProofSigner
	for _, p := range acct.Participants {
		if signer, ok := s.signerFor(p.String()); ok {
			payer = signer
			break
		}
	}
	if payer == nil {
		log.Info("completion credit skipped; no key to pay with")
		return
	}
	won, err := s.Repo.ClaimCompletionCredit(ctx, docID)
	if err != nil || !won {
		return
	}
	for _, p := range acct.Participants {
		tx, err := s.Ledger.MarkContractComplete(ctx, addr, p, payer)
		if err != nil {
			log.Warn("completion credit failed", zap.String("participant", p.String()), zap.Error(err))
			continue
		}
		log.Info("completion credited", zap.String("participant", p.String()), zap.String("tx", tx))
	}
}

func (s *DocumentService) reconcileLocked(ctx context.Context, versionID string) (bool, *model.ReconcileResult, error) {
	res := &model.ReconcileResult{VersionID: versionID}

	v, err := s.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return false, nil, err
	}
	if v.Merged {
		res.Merged = true
		res.AlreadyMerged = true
		res.Proof = proofOf(v)
		return false, res, nil
	}

	doc, err := s.Repo.GetDocument(ctx, v.DocumentID)
	if err != nil {
		return false, nil, err
	}
	addr, _, ok, err := s.contractAddress(ctx, doc)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		res.Reason = "document not registered on ledger"
		return false, res, nil
	}

	acct, err := s.Ledger.ReadContract(ctx, addr)
	if errors.Is(err, ledger.ErrNotFound) {
		res.Reason = "contract account not found on ledger"
		return false, res, nil
	}
	if err != nil {
		return false, nil, err
	}
	res.OnChain = ledgerState(acct)
	if !acct.QuorumReached() {
		res.Reason = "contract not completed on ledger yet"
		return false, res, nil
	}

	won, err := s.Repo.MergeVersion(ctx, versionID)
	if err != nil {
		return false, nil, err
	}
	if !won {
		res.Merged = true
		res.AlreadyMerged = true
		return false, res, nil
	}
	res.Merged = true
	metrics.Merges.Inc()
	s.log.Info("version merged",
		zap.String("document_id", v.DocumentID),
		zap.String("version_id", versionID),
		zap.String("ledger_status", acct.Status.String()),
		zap.Uint8("approvals", acct.CurrentApprovals),
		zap.Uint8("required", acct.RequiredApprovals))
	s.publish(v.DocumentID, "", socket.VersionMergedType, res)
	return true, res, nil
}

func proofOf(v *model.Version) *model.ProofResult {
	p := &model.ProofResult{
		ContentIdentifier: v.ContentIdentifier,
		LedgerTxRef:       v.LedgerTxRef,
		State:             v.ProofState(),
	}
	if v.ProofError != nil {
		p.Error = *v.ProofError
	}
	return p
}

// AnchorProof uploads the merged content, stores its identifier, then points
// the contract account at it. Each step persists before the next runs and
// failures leave a resumable partial proof; the merge is never undone.
func (s *DocumentService) AnchorProof(ctx context.Context, v *model.Version) *model.ProofResult {
	log := s.log.With(zap.String("version_id", v.ID), zap.String("document_id", v.DocumentID))
	res := &model.ProofResult{ContentIdentifier: v.ContentIdentifier, LedgerTxRef: v.LedgerTxRef}
	fail := func(step string, err error) *model.ProofResult {
		log.Warn("proof anchoring failed", zap.String("step", step), zap.Error(err))
		metrics.ProofAnchors.WithLabelValues(step + "_failed").Inc()
		res.Error = err.Error()
		res.State = model.ProofPendingVerification
		if perr := s.Repo.SetProofError(ctx, v.ID, step+": "+err.Error()); perr != nil {
			log.Error("store proof error", zap.Error(perr))
		}
		return res
	}

	cid, err := s.CAS.Upload(ctx, []byte(v.Content))
	if err != nil {
		return fail("cas", err)
	}
	res.ContentIdentifier = &cid
	if err := s.Repo.SetContentIdentifier(ctx, v.ID, cid); err != nil {
		return fail("store_cid", err)
	}
	s.CAS.Pin(ctx, cid)
	log.Info("content uploaded", zap.String("cid", cid))

	offChain := func(warning string) *model.ProofResult {
		res.Warning = warning
		res.State = model.ProofPendingVerification
		metrics.ProofAnchors.WithLabelValues("cas_only").Inc()
		return res
	}
	if s.Ledger == nil {
		return offChain("ledger not configured; proof stored off-chain only")
	}
	doc, err := s.Repo.GetDocument(ctx, v.DocumentID)
	if err != nil {
		return fail("load_document", err)
	}
	addr, _, ok, err := s.contractAddress(ctx, doc)
	if err != nil {
		return fail("address", err)
	}
	if !ok {
		return offChain("document not registered on ledger")
	}
	updater, err := s.proofUpdater(ctx, addr)
	if err != nil {
		return fail("ledger", err)
	}
	if updater == nil {
		return offChain("no participant key held; proof stored off-chain only")
	}

	tx, err := s.Ledger.UpdateProofPointer(ctx, addr, cid, updater)
	if err != nil {
		return fail("ledger", err)
	}
	res.LedgerTxRef = &tx
	if err := s.Repo.SetLedgerTxRef(ctx, v.ID, tx); err != nil {
		return fail("store_tx", err)
	}
	res.State = model.ProofVerified
	metrics.ProofAnchors.WithLabelValues("anchored").Inc()
	log.Info("proof anchored", zap.String("cid", cid), zap.String("tx", tx))
	s.publish(v.DocumentID, "", socket.ProofAnchoredType, res)
	return res
}

// proofUpdater picks a key allowed to move the content pointer. Only
// participants may, so a custodial participant key is preferred and the
// service key is used only when it is itself a participant.
func (s *DocumentService) proofUpdater(ctx context.Context, addr ledger.PublicKey) (ledger.Signer, error) {
	acct, err := s.Ledger.ReadContract(ctx, addr)
	if err != nil {
		return nil, err
	}
	for _, p := range acct.Participants {
		if signer, ok := s.signerFor(p.String()); ok {
			return signer, nil
		}
	}
	if s.ProofSigner != nil && acct.IsParticipant(s.ProofSigner.PublicKey()) {
		return s.ProofSigner, nil
	}
	return nil, nil
}

// RetryProof resumes anchoring for a merged version whose proof is
// incomplete. When the account already points at the content the write is
// skipped rather than resubmitted.
func (s *DocumentService) RetryProof(ctx context.Context, docID, versionID, userID string) (*model.ProofResult, error) {
	doc, _, err := s.authorize(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.Locker.Acquire(ctx, lockKey(docID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	v, err := s.versionIn(ctx, docID, versionID)
	if err != nil {
		return nil, err
	}
	if !v.Merged {
		return nil, ErrNotMerged
	}
	if v.ProofState() == model.ProofVerified {
		return proofOf(v), nil
	}

	if v.ContentIdentifier != nil && s.Ledger != nil {
		if addr, _, ok, err := s.contractAddress(ctx, doc); err == nil && ok {
			acct, err := s.Ledger.ReadContract(ctx, addr)
			if err == nil && acct.ContentID == *v.ContentIdentifier {
				if err := s.Repo.MarkProofVerified(ctx, v.ID); err != nil {
					return nil, err
				}
				p := proofOf(v)
				p.State = model.ProofVerified
				p.Error = ""
				p.Warning = "ledger already points at this content; transaction reference unknown"
				s.checkStored(ctx, v, p)
				return p, nil
			}
		}
	}
	p := s.AnchorProof(ctx, v)
	if p.ContentIdentifier != nil {
		v.ContentIdentifier = p.ContentIdentifier
		s.checkStored(ctx, v, p)
	}
	return p, nil
}

func (s *DocumentService) ProofState(ctx context.Context, docID, versionID, userID string) (*model.ProofResult, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	v, err := s.versionIn(ctx, docID, versionID)
	if err != nil {
		return nil, err
	}
	p := proofOf(v)
	s.checkStored(ctx, v, p)
	return p, nil
}

// checkStored fetches the content behind the version's identifier and
// compares it with the merged text. Backends that cannot serve content leave
// ContentVerified unset.
func (s *DocumentService) checkStored(ctx context.Context, v *model.Version, p *model.ProofResult) {
	if s.CAS == nil || v.ContentIdentifier == nil {
		return
	}
	data, err := s.CAS.Retrieve(ctx, *v.ContentIdentifier)
	if errors.Is(err, cas.ErrRetrievalUnsupported) {
		return
	}
	ok := err == nil && bytes.Equal(data, []byte(v.Content))
	p.ContentVerified = &ok
	switch {
	case err != nil:
		s.log.Warn("retrieve stored content", zap.String("version_id", v.ID), zap.Error(err))
		p.Warning = joinWarning(p.Warning, "stored content unavailable: "+err.Error())
	case !ok:
		p.Warning = joinWarning(p.Warning, "stored content does not match this version")
	}
}

func joinWarning(prev, next string) string {
	if prev == "" {
		return next
	}
	return prev + "; " + next
}

// ReconcileVersion is Reconcile for a caller scoped to a document.
func (s *DocumentService) ReconcileVersion(ctx context.Context, docID, versionID, userID string) (*model.ReconcileResult, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	if _, err := s.versionIn(ctx, docID, versionID); err != nil {
		return nil, err
	}
	return s.Reconcile(ctx, versionID)
}
