package service

import (
	"context"
	"errors"
	"fmt"

	"clausebase/internal/document/model"
	"clausebase/internal/document/repository"
	"clausebase/socket"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// versionInsertAttempts bounds retries when concurrent writers race for the
// same version number.
const versionInsertAttempts = 3

// CreateVersion appends a version after the document's latest one, records
// the author's implicit approval and runs a reconciliation pass so a
// contract that already reached quorum merges it straight away.
func (s *DocumentService) CreateVersion(ctx context.Context, docID, authorID string, req model.CreateVersionRequest) (*model.CreateVersionResponse, error) {
	if req.Content == "" {
		return nil, ErrEmptyContent
	}
	doc, member, err := s.authorize(ctx, docID, authorID)
	if err != nil {
		return nil, err
	}

	var version *model.Version
	var diff *model.Diff
	for attempt := 1; ; attempt++ {
		version, diff, err = s.insertNextVersion(ctx, docID, authorID, req)
		if err == nil {
			break
		}
		if !repository.IsUniqueViolation(err) || attempt == versionInsertAttempts {
			return nil, err
		}
		s.log.Debug("version number taken, retrying", zap.String("document_id", docID), zap.Int("attempt", attempt))
	}
	s.log.Info("version created",
		zap.String("document_id", docID),
		zap.String("version_id", version.ID),
		zap.Int("version_number", version.VersionNumber),
		zap.String("diff", diff.Summary))
	s.publish(docID, authorID, socket.VersionCreatedType, version)

	resp := &model.CreateVersionResponse{Version: version, Diff: diff}
	if _, err := s.approveOnLedger(ctx, doc, member); err != nil {
		s.log.Warn("author approval not recorded on ledger",
			zap.String("version_id", version.ID), zap.Error(err))
	}
	rec, err := s.Reconcile(ctx, version.ID)
	if err != nil {
		s.log.Warn("reconcile after version create", zap.String("version_id", version.ID), zap.Error(err))
		return resp, nil
	}
	resp.Reconcile = rec
	if rec.Merged {
		if v, err := s.Repo.GetVersion(ctx, version.ID); err == nil {
			resp.Version = v
		}
	}
	return resp, nil
}

func (s *DocumentService) insertNextVersion(ctx context.Context, docID, authorID string, req model.CreateVersionRequest) (*model.Version, *model.Diff, error) {
	latest, err := s.Repo.LatestVersion(ctx, docID)
	if err != nil && !errors.Is(err, model.ErrVersionNotFound) {
		return nil, nil, err
	}

	v := &model.Version{
		ID:             uuid.NewString(),
		DocumentID:     docID,
		VersionNumber:  1,
		AuthorID:       authorID,
		Content:        req.Content,
		CommitMessage:  req.CommitMessage,
		ApprovalStatus: model.StatusApproved,
		ApprovalScore:  1,
	}
	parentContent := ""
	if latest != nil {
		v.VersionNumber = latest.VersionNumber + 1
		v.ParentVersionID = &latest.ID
		parentContent = latest.Content
	}
	diff := ComputeDiff(parentContent, req.Content)
	v.DiffSummary = diff.Summary

	vote := implicitVote(v.ID, authorID, "Auto-approved by author")
	if err := s.Repo.InsertVersion(ctx, v, diff, vote); err != nil {
		return nil, nil, err
	}
	return v, diff, nil
}

func (s *DocumentService) ListVersions(ctx context.Context, docID, userID string) ([]model.Version, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	return s.Repo.ListVersions(ctx, docID, false)
}

// versionIn loads a version and checks it belongs to docID.
func (s *DocumentService) versionIn(ctx context.Context, docID, versionID string) (*model.Version, error) {
	v, err := s.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.DocumentID != docID {
		return nil, ErrVersionOutsideScope
	}
	return v, nil
}

func (s *DocumentService) GetVersion(ctx context.Context, docID, versionID, userID string) (*model.Version, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	return s.versionIn(ctx, docID, versionID)
}

// History lists merged versions newest first with their proof state.
func (s *DocumentService) History(ctx context.Context, docID, userID string) ([]model.HistoryEntry, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	versions, err := s.Repo.ListVersions(ctx, docID, true)
	if err != nil {
		return nil, err
	}
	history := make([]model.HistoryEntry, 0, len(versions))
	for i := range versions {
		v := &versions[i]
		history = append(history, model.HistoryEntry{
			ID:                v.ID,
			VersionNumber:     v.VersionNumber,
			AuthorID:          v.AuthorID,
			CommitMessage:     v.CommitMessage,
			DiffSummary:       v.DiffSummary,
			MergedAt:          v.MergedAt,
			ContentIdentifier: v.ContentIdentifier,
			LedgerTxRef:       v.LedgerTxRef,
			ProofState:        v.ProofState(),
		})
	}
	return history, nil
}

// CompareVersions diffs two versions of a document, older against newer
// regardless of argument order.
func (s *DocumentService) CompareVersions(ctx context.Context, docID, fromID, toID, userID string) (*model.CompareResponse, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	from, err := s.versionIn(ctx, docID, fromID)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	to, err := s.versionIn(ctx, docID, toID)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if from.VersionNumber > to.VersionNumber {
		from, to = to, from
	}
	diff := ComputeDiff(from.Content, to.Content)
	return &model.CompareResponse{From: from, To: to, Diff: diff.Entries, Summary: diff.Summary}, nil
}
