package repository

import (
	"context"
	"database/sql"
	"fmt"

	"clausebase/internal/reputation/model"
	"clausebase/pkg/logger"

	"github.com/google/uuid"
)

type ReputationRepository struct {
	DB *sql.DB
}

func NewReputationRepository(db *sql.DB) *ReputationRepository {
	return &ReputationRepository{DB: db}
}

// Both stats queries share the tail: per-document milestone counts decide
// completion, released milestones paid to the party decide timeliness.
const statsTail = `, per_doc AS (
	SELECT docs.id,
		COUNT(m.id) FILTER (WHERE m.status <> 'cancelled') AS live,
		COUNT(m.id) FILTER (WHERE m.status = 'released') AS released
	FROM docs LEFT JOIN milestones m ON m.document_id = docs.id
	GROUP BY docs.id
), paid AS (
	SELECT m.released_at, m.deadline FROM milestones m JOIN docs ON m.document_id = docs.id
	WHERE m.status = 'released' AND m.released_at IS NOT NULL AND %s
)
SELECT
	(SELECT COUNT(*) FROM per_doc),
	(SELECT COUNT(*) FROM per_doc WHERE released > 0 AND released = live),
	(SELECT COUNT(*) FROM paid WHERE released_at <= deadline),
	(SELECT COUNT(*) FROM paid WHERE released_at > deadline)`

// Client contracts are the registered documents the user created.
var clientStatsQuery = `WITH docs AS (
	SELECT d.id FROM documents d WHERE d.created_by = $1 AND d.ledger_contract_id IS NOT NULL
)` + fmt.Sprintf(statsTail, "TRUE")

// Vendor contracts are the registered documents the user joined; only
// milestones paid to their wallet count towards timeliness.
var vendorStatsQuery = `WITH docs AS (
	SELECT d.id, dm.wallet FROM documents d JOIN document_members dm ON dm.document_id = d.id
	WHERE dm.user_id = $1 AND d.created_by <> $1 AND d.ledger_contract_id IS NOT NULL
)` + fmt.Sprintf(statsTail, "m.recipient = docs.wallet")

func (r *ReputationRepository) Stats(ctx context.Context, userID string, role model.Role) (model.Stats, error) {
	query := clientStatsQuery
	if role == model.RoleVendor {
		query = vendorStatsQuery
	}
	var st model.Stats
	err := r.DB.QueryRowContext(ctx, query, userID).Scan(&st.TotalContracts, &st.CompletedContracts, &st.OnTime, &st.Late)
	if err != nil {
		logger.Sugar.Errorf("Failed to load %s stats for %s: %v", role, userID, err)
	}
	return st, err
}

// Upsert stores score keyed by (user, role).
func (r *ReputationRepository) Upsert(ctx context.Context, s *model.Score) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO user_reputation_scores (id, user_id, role_type, timeliness_score,
			on_time_count, late_count, quality_score, total_contracts, completed_contracts, overall_score, last_calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, role_type) DO UPDATE SET
			timeliness_score = EXCLUDED.timeliness_score,
			on_time_count = EXCLUDED.on_time_count,
			late_count = EXCLUDED.late_count,
			quality_score = EXCLUDED.quality_score,
			total_contracts = EXCLUDED.total_contracts,
			completed_contracts = EXCLUDED.completed_contracts,
			overall_score = EXCLUDED.overall_score,
			last_calculated_at = EXCLUDED.last_calculated_at`,
		uuid.NewString(), s.UserID, string(s.Role), s.TimelinessScore, s.OnTimeCount, s.LateCount, s.QualityScore,
		s.TotalContracts, s.CompletedContracts, s.OverallScore, s.LastCalculatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to store %s reputation for %s: %v", s.Role, s.UserID, err)
	}
	return err
}

func (r *ReputationRepository) ListByUser(ctx context.Context, userID string) ([]model.Score, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, role_type, timeliness_score, on_time_count, late_count,
		quality_score, total_contracts, completed_contracts, overall_score, last_calculated_at
		FROM user_reputation_scores WHERE user_id = $1 ORDER BY role_type`, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list reputation for %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	var out []model.Score
	for rows.Next() {
		var s model.Score
		var role string
		if err := rows.Scan(&s.UserID, &role, &s.TimelinessScore, &s.OnTimeCount, &s.LateCount, &s.QualityScore,
			&s.TotalContracts, &s.CompletedContracts, &s.OverallScore, &s.LastCalculatedAt); err != nil {
			return nil, err
		}
		s.Role = model.Role(role)
		out = append(out, s)
	}
	return out, rows.Err()
}
