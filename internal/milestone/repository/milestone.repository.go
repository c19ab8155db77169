package repository

import (
	"context"
	"database/sql"
	"errors"

	"clausebase/internal/milestone/model"
	"clausebase/pkg/logger"

	"github.com/lib/pq"
)

type MilestoneRepository struct {
	DB *sql.DB
}

func NewMilestoneRepository(db *sql.DB) *MilestoneRepository {
	return &MilestoneRepository{DB: db}
}

const milestoneColumns = `id, document_id, milestone_id, escrow_address, description, amount, recipient, deadline,
	status, created_by, creator_wallet, create_tx, release_tx, released_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row scanner) (*model.Milestone, error) {
	var m model.Milestone
	var status string
	err := row.Scan(&m.ID, &m.DocumentID, &m.MilestoneID, &m.EscrowAddress, &m.Description, &m.Amount, &m.Recipient,
		&m.Deadline, &status, &m.CreatedBy, &m.CreatorWallet, &m.CreateTx, &m.ReleaseTx, &m.ReleasedAt,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = model.Status(status)
	return &m, nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Reserve inserts m in pending state with the document's next milestone id
// and writes the allocated id back into m. Concurrent reservations for the
// same document surface as a unique violation.
func (r *MilestoneRepository) Reserve(ctx context.Context, m *model.Milestone) error {
	err := r.DB.QueryRowContext(ctx, `INSERT INTO milestones (id, document_id, milestone_id, escrow_address, description,
			amount, recipient, deadline, status, created_by, creator_wallet)
		VALUES ($1, $2, COALESCE((SELECT MAX(milestone_id) FROM milestones WHERE document_id = $2), 0) + 1,
			$3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING milestone_id, created_at, updated_at`,
		m.ID, m.DocumentID, m.EscrowAddress, m.Description, m.Amount, m.Recipient, m.Deadline,
		string(model.StatusPending), m.CreatedBy, m.CreatorWallet).Scan(&m.MilestoneID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if !IsUniqueViolation(err) {
			logger.Sugar.Errorf("Failed to reserve milestone for doc %s: %v", m.DocumentID, err)
		}
		return err
	}
	m.Status = model.StatusPending
	return nil
}

// Delete drops a reservation whose escrow never got funded.
func (r *MilestoneRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM milestones WHERE id = $1 AND status = 'pending' AND create_tx IS NULL`, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete milestone reservation %s: %v", id, err)
	}
	return err
}

func (r *MilestoneRepository) MarkFunded(ctx context.Context, id, escrowAddress, txRef string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE milestones SET escrow_address = $1, create_tx = NULLIF($2, ''),
		status = 'funded', updated_at = NOW() WHERE id = $3`, escrowAddress, txRef, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to mark milestone %s funded: %v", id, err)
	}
	return err
}

func (r *MilestoneRepository) Get(ctx context.Context, id string) (*model.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrMilestoneNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get milestone %s: %v", id, err)
	}
	return m, err
}

func (r *MilestoneRepository) ListByDocument(ctx context.Context, docID string) ([]model.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE document_id = $1
		ORDER BY milestone_id`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list milestones of doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	var out []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateStatus caches the ledger status. A released milestone keeps its
// release timestamp; the first transition to released stamps NOW().
func (r *MilestoneRepository) UpdateStatus(ctx context.Context, id string, status model.Status) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE milestones SET status = $1, updated_at = NOW(),
		released_at = CASE WHEN $1 = 'released' THEN COALESCE(released_at, NOW()) ELSE released_at END
		WHERE id = $2`, string(status), id)
	if err != nil {
		logger.Sugar.Errorf("Failed to update milestone %s status: %v", id, err)
	}
	return err
}

func (r *MilestoneRepository) SetReleased(ctx context.Context, id, txRef string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE milestones SET status = 'released', release_tx = $1,
		released_at = COALESCE(released_at, NOW()), updated_at = NOW() WHERE id = $2`, txRef, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to record release of milestone %s: %v", id, err)
	}
	return err
}
