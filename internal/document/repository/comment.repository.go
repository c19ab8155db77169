package repository

import (
	"context"
	"database/sql"
	"errors"

	"clausebase/internal/document/model"
	"clausebase/pkg/logger"
)

const commentColumns = `id, version_id, user_id, content, parent_comment_id, is_resolved, created_at`

func scanComment(row scanner) (*model.Comment, error) {
	var c model.Comment
	if err := row.Scan(&c.ID, &c.VersionID, &c.UserID, &c.Content, &c.ParentCommentID, &c.Resolved, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *DocumentRepository) AddComment(ctx context.Context, c *model.Comment) error {
	err := r.DB.QueryRowContext(ctx, `INSERT INTO version_comments (id, version_id, user_id, content, parent_comment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at`,
		c.ID, c.VersionID, c.UserID, c.Content, c.ParentCommentID).Scan(&c.CreatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to add comment to version %s: %v", c.VersionID, err)
	}
	return err
}

func (r *DocumentRepository) GetComment(ctx context.Context, commentID string) (*model.Comment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM version_comments WHERE id = $1`, commentID)
	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrCommentNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get comment %s: %v", commentID, err)
	}
	return c, err
}

// ListComments returns a version's comments oldest first; replies follow the
// comments they answer.
func (r *DocumentRepository) ListComments(ctx context.Context, versionID string) ([]model.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+commentColumns+` FROM version_comments
		WHERE version_id = $1 ORDER BY created_at ASC, id ASC`, versionID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get comments for version %s: %v", versionID, err)
		return nil, err
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

// ToggleCommentResolved flips the resolved flag and returns its new value.
func (r *DocumentRepository) ToggleCommentResolved(ctx context.Context, commentID string) (bool, error) {
	var resolved bool
	err := r.DB.QueryRowContext(ctx, `UPDATE version_comments SET is_resolved = NOT is_resolved
		WHERE id = $1 RETURNING is_resolved`, commentID).Scan(&resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, model.ErrCommentNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to resolve comment %s: %v", commentID, err)
	}
	return resolved, err
}

// DeleteComment removes a comment and its replies.
func (r *DocumentRepository) DeleteComment(ctx context.Context, commentID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM version_comments WHERE id = $1`, commentID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete comment %s: %v", commentID, err)
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrCommentNotFound
	}
	return nil
}
