package service

import (
	"context"
	"strings"

	"clausebase/internal/document/model"
	"clausebase/socket"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AddComment attaches a review note to a version. A reply must answer a
// comment on the same version.
func (s *DocumentService) AddComment(ctx context.Context, docID, versionID, userID string, req model.CommentRequest) (*model.Comment, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	if _, err := s.versionIn(ctx, docID, versionID); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if req.ParentCommentID != nil {
		parent, err := s.Repo.GetComment(ctx, *req.ParentCommentID)
		if err != nil {
			return nil, err
		}
		if parent.VersionID != versionID {
			return nil, ErrCommentOutsideScope
		}
	}

	c := &model.Comment{
		ID:              uuid.NewString(),
		VersionID:       versionID,
		UserID:          userID,
		Content:         content,
		ParentCommentID: req.ParentCommentID,
	}
	if err := s.Repo.AddComment(ctx, c); err != nil {
		return nil, err
	}
	s.publish(docID, userID, socket.CommentAddedType, c)
	return c, nil
}

func (s *DocumentService) ListComments(ctx context.Context, docID, versionID, userID string) ([]model.Comment, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	if _, err := s.versionIn(ctx, docID, versionID); err != nil {
		return nil, err
	}
	return s.Repo.ListComments(ctx, versionID)
}

// comment loads a comment for a change by userID, who must be its author or
// the document creator.
func (s *DocumentService) comment(ctx context.Context, docID, versionID, commentID, userID string) (*model.Comment, error) {
	doc, _, err := s.authorize(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.versionIn(ctx, docID, versionID); err != nil {
		return nil, err
	}
	c, err := s.Repo.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if c.VersionID != versionID {
		return nil, ErrCommentOutsideScope
	}
	if c.UserID != userID && doc.CreatedBy != userID {
		return nil, ErrNotCommentAuthor
	}
	return c, nil
}

// ResolveComment toggles the resolved flag.
func (s *DocumentService) ResolveComment(ctx context.Context, docID, versionID, commentID, userID string) (*model.ResolveResponse, error) {
	if _, err := s.comment(ctx, docID, versionID, commentID, userID); err != nil {
		return nil, err
	}
	resolved, err := s.Repo.ToggleCommentResolved(ctx, commentID)
	if err != nil {
		return nil, err
	}
	res := &model.ResolveResponse{ID: commentID, Resolved: resolved}
	s.publish(docID, userID, socket.CommentUpdatedType, res)
	return res, nil
}

// DeleteComment removes a comment along with its replies.
func (s *DocumentService) DeleteComment(ctx context.Context, docID, versionID, commentID, userID string) error {
	if _, err := s.comment(ctx, docID, versionID, commentID, userID); err != nil {
		return err
	}
	if err := s.Repo.DeleteComment(ctx, commentID); err != nil {
		return err
	}
	s.log.Info("comment deleted", zap.String("document_id", docID), zap.String("comment_id", commentID), zap.String("user_id", userID))
	s.publish(docID, userID, socket.CommentDeletedType, map[string]string{"id": commentID})
	return nil
}
