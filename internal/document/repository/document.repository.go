package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"clausebase/internal/document/model"
	"clausebase/pkg/logger"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

const documentColumns = `id, title, description, content, current_version_id, created_by, creator_wallet,
	ledger_contract_id, ledger_address, ledger_init_tx, created_at, updated_at`

const versionColumns = `id, document_id, version_number, parent_version_id, author_id, content, diff_summary,
	commit_message, approval_status, approval_score, merged, merged_at, content_identifier, ledger_tx_ref,
	proof_error, proof_verified_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.Title, &d.Description, &d.Content, &d.CurrentVersionID, &d.CreatedBy, &d.CreatorWallet,
		&d.LedgerContractID, &d.LedgerAddress, &d.LedgerInitTx, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanVersion(row scanner) (*model.Version, error) {
	var v model.Version
	var status string
	err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.ParentVersionID, &v.AuthorID, &v.Content, &v.DiffSummary,
		&v.CommitMessage, &status, &v.ApprovalScore, &v.Merged, &v.MergedAt, &v.ContentIdentifier, &v.LedgerTxRef,
		&v.ProofError, &v.ProofVerifiedAt, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.ApprovalStatus = model.ApprovalStatus(status)
	return &v, nil
}

// CreateDocument inserts the document, its creator membership, the initial
// version and the creator's implicit vote in one transaction.
func (r *DocumentRepository) CreateDocument(ctx context.Context, d *model.Document, creator *model.Member, v *model.Version, vote *model.Vote) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		logger.Sugar.Errorf("Failed to begin create document tx: %v", err)
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO documents (id, title, description, content, created_by, creator_wallet, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		d.ID, d.Title, d.Description, d.Content, d.CreatedBy, d.CreatorWallet)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO document_members (document_id, user_id, wallet, role) VALUES ($1, $2, $3, $4)`,
		creator.DocumentID, creator.UserID, creator.Wallet, creator.Role)
	if err != nil {
		logger.Sugar.Errorf("Failed to add creator to doc %s: %v", d.ID, err)
		return err
	}
	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}
	if err := insertVote(ctx, tx, vote); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE documents SET current_version_id = $1 WHERE id = $2`, v.ID, d.ID)
	if err != nil {
		logger.Sugar.Errorf("Failed to set initial version for doc %s: %v", d.ID, err)
		return err
	}
	return tx.Commit()
}

func (r *DocumentRepository) GetDocument(ctx context.Context, docID string) (*model.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, docID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get document %s: %v", docID, err)
	}
	return d, err
}

func (r *DocumentRepository) AddMember(ctx context.Context, m *model.Member) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO document_members (document_id, user_id, wallet, role) VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, user_id) DO UPDATE SET wallet = EXCLUDED.wallet, role = EXCLUDED.role`,
		m.DocumentID, m.UserID, m.Wallet, m.Role)
	if err != nil {
		logger.Sugar.Errorf("Failed to add member %s to doc %s: %v", m.UserID, m.DocumentID, err)
	}
	return err
}

func (r *DocumentRepository) GetMember(ctx context.Context, docID, userID string) (*model.Member, error) {
	var m model.Member
	err := r.DB.QueryRowContext(ctx, `SELECT document_id, user_id, wallet, role, created_at FROM document_members
		WHERE document_id = $1 AND user_id = $2`, docID, userID).Scan(&m.DocumentID, &m.UserID, &m.Wallet, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrMemberNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get member %s of doc %s: %v", userID, docID, err)
		return nil, err
	}
	return &m, nil
}

func (r *DocumentRepository) ListMembers(ctx context.Context, docID string) ([]model.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT document_id, user_id, wallet, role, created_at FROM document_members
		WHERE document_id = $1 ORDER BY created_at ASC, user_id ASC`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list members of doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	members := []model.Member{}
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.DocumentID, &m.UserID, &m.Wallet, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// NextLedgerContractID allocates a numeric id for a new on-chain contract.
func (r *DocumentRepository) NextLedgerContractID(ctx context.Context) (uint64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT nextval('ledger_contract_id_seq')`).Scan(&id); err != nil {
		logger.Sugar.Errorf("Failed to allocate ledger contract id: %v", err)
		return 0, err
	}
	return uint64(id), nil
}

// SetLedgerRegistration stores the on-chain contract for a document. It only
// succeeds once per document.
func (r *DocumentRepository) SetLedgerRegistration(ctx context.Context, docID string, contractID uint64, address, txRef string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET ledger_contract_id = $2, ledger_address = $3, ledger_init_tx = $4,
		updated_at = NOW() WHERE id = $1 AND ledger_contract_id IS NULL`, docID, int64(contractID), address, txRef)
	if err != nil {
		logger.Sugar.Errorf("Failed to store ledger registration for doc %s: %v", docID, err)
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CacheLedgerAddress fills the address of an already registered contract.
func (r *DocumentRepository) CacheLedgerAddress(ctx context.Context, docID, address string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE documents SET ledger_address = $2 WHERE id = $1 AND ledger_address IS NULL`, docID, address)
	if err != nil {
		logger.Sugar.Errorf("Failed to cache ledger address for doc %s: %v", docID, err)
	}
	return err
}

func (r *DocumentRepository) LatestVersion(ctx context.Context, docID string) (*model.Version, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions
		WHERE document_id = $1 ORDER BY version_number DESC LIMIT 1`, docID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrVersionNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get latest version of doc %s: %v", docID, err)
	}
	return v, err
}

// InsertVersion stores a version, the diff against its parent and the
// author's implicit vote. A concurrent writer taking the same number
// surfaces as a unique violation.
func (r *DocumentRepository) InsertVersion(ctx context.Context, v *model.Version, diff *model.Diff, vote *model.Vote) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		logger.Sugar.Errorf("Failed to begin create version tx: %v", err)
		return err
	}
	defer tx.Rollback()

	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}
	if v.ParentVersionID != nil && diff != nil {
		entries, err := json.Marshal(diff.Entries)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO version_diffs (id, version_from_id, version_to_id, diff_json) VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), *v.ParentVersionID, v.ID, entries)
		if err != nil {
			logger.Sugar.Errorf("Failed to store diff for version %s: %v", v.ID, err)
			return err
		}
	}
	if err := insertVote(ctx, tx, vote); err != nil {
		return err
	}
	return tx.Commit()
}

func insertVersion(ctx context.Context, tx *sql.Tx, v *model.Version) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO document_versions
		(id, document_id, version_number, parent_version_id, author_id, content, diff_summary, commit_message,
		 approval_status, approval_score, merged, merged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`,
		v.ID, v.DocumentID, v.VersionNumber, v.ParentVersionID, v.AuthorID, v.Content, v.DiffSummary, v.CommitMessage,
		string(v.ApprovalStatus), v.ApprovalScore, v.Merged, v.MergedAt)
	if err != nil && !IsUniqueViolation(err) {
		logger.Sugar.Errorf("Failed to create version %d of doc %s: %v", v.VersionNumber, v.DocumentID, err)
	}
	return err
}

func insertVote(ctx context.Context, tx *sql.Tx, vote *model.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO version_votes (id, version_id, user_id, vote, comment, implicit)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		vote.ID, vote.VersionID, vote.UserID, string(vote.Vote), vote.Comment, vote.Implicit)
	if err != nil {
		logger.Sugar.Errorf("Failed to record vote on version %s: %v", vote.VersionID, err)
	}
	return err
}

func (r *DocumentRepository) GetVersion(ctx context.Context, versionID string) (*model.Version, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id = $1`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrVersionNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get version %s: %v", versionID, err)
	}
	return v, err
}

func (r *DocumentRepository) ListVersions(ctx context.Context, docID string, mergedOnly bool) ([]model.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE document_id = $1`
	if mergedOnly {
		query += ` AND merged = TRUE`
	}
	query += ` ORDER BY version_number DESC`

	rows, err := r.DB.QueryContext(ctx, query, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list versions of doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	versions := []model.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// UpsertVote records or replaces a voter's explicit vote. Nothing is written
// once the version is merged; the returned flag reports whether a row changed.
func (r *DocumentRepository) UpsertVote(ctx context.Context, vote *model.Vote) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO version_votes (id, version_id, user_id, vote, comment, implicit)
		SELECT $1, $2, $3, $4, $5, FALSE
		WHERE EXISTS (SELECT 1 FROM document_versions WHERE id = $2 AND merged = FALSE)
		ON CONFLICT (version_id, user_id) DO UPDATE
		SET vote = EXCLUDED.vote, comment = EXCLUDED.comment, updated_at = NOW()
		WHERE version_votes.implicit = FALSE`,
		vote.ID, vote.VersionID, vote.UserID, string(vote.Vote), vote.Comment)
	if err != nil {
		logger.Sugar.Errorf("Failed to upsert vote of %s on version %s: %v", vote.UserID, vote.VersionID, err)
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DocumentRepository) GetVote(ctx context.Context, versionID, userID string) (*model.Vote, error) {
	var v model.Vote
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT id, version_id, user_id, vote, comment, implicit, created_at, updated_at
		FROM version_votes WHERE version_id = $1 AND user_id = $2`, versionID, userID).
		Scan(&v.ID, &v.VersionID, &v.UserID, &value, &v.Comment, &v.Implicit, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Sugar.Errorf("Failed to get vote of %s on version %s: %v", userID, versionID, err)
		}
		return nil, err
	}
	v.Vote = model.VoteValue(value)
	return &v, nil
}

func (r *DocumentRepository) ListVotes(ctx context.Context, versionID string) ([]model.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, version_id, user_id, vote, comment, implicit, created_at, updated_at
		FROM version_votes WHERE version_id = $1 ORDER BY created_at DESC`, versionID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list votes on version %s: %v", versionID, err)
		return nil, err
	}
	defer rows.Close()

	votes := []model.Vote{}
	for rows.Next() {
		var v model.Vote
		var value string
		if err := rows.Scan(&v.ID, &v.VersionID, &v.UserID, &value, &v.Comment, &v.Implicit, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Vote = model.VoteValue(value)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// Tally counts vote rows for a version, the author's implicit approval included.
func (r *DocumentRepository) Tally(ctx context.Context, versionID string) (model.Tally, error) {
	var t model.Tally
	err := r.DB.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE vote = 'approve'),
		COUNT(*) FILTER (WHERE vote = 'reject')
		FROM version_votes WHERE version_id = $1`, versionID).Scan(&t.ApproveCount, &t.RejectCount)
	if err != nil {
		logger.Sugar.Errorf("Failed to tally votes on version %s: %v", versionID, err)
	}
	return t, err
}

// UpdateApproval caches the recomputed status. Merged versions are left alone.
func (r *DocumentRepository) UpdateApproval(ctx context.Context, versionID string, status model.ApprovalStatus, score int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET approval_status = $2, approval_score = $3
		WHERE id = $1 AND merged = FALSE`, versionID, string(status), score)
	if err != nil {
		logger.Sugar.Errorf("Failed to update approval of version %s: %v", versionID, err)
	}
	return err
}

// MergeVersion flips the version to merged and points the document at it.
// Only the caller that flips the flag gets true; everyone else sees false.
func (r *DocumentRepository) MergeVersion(ctx context.Context, versionID string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		logger.Sugar.Errorf("Failed to begin merge tx: %v", err)
		return false, err
	}
	defer tx.Rollback()

	var docID, content string
	err = tx.QueryRowContext(ctx, `UPDATE document_versions
		SET merged = TRUE, approval_status = 'merged', merged_at = NOW()
		WHERE id = $1 AND merged = FALSE
		RETURNING document_id, content`, versionID).Scan(&docID, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to mark version %s merged: %v", versionID, err)
		return false, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE documents SET current_version_id = $1, content = $2, updated_at = NOW() WHERE id = $3`,
		versionID, content, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to move doc %s to version %s: %v", docID, versionID, err)
		return false, err
	}
	if err := tx.Commit(); err != nil {
		logger.Sugar.Errorf("Failed to commit merge of version %s: %v", versionID, err)
		return false, err
	}
	return true, nil
}

func (r *DocumentRepository) SetContentIdentifier(ctx context.Context, versionID, cid string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET content_identifier = $2 WHERE id = $1`, versionID, cid)
	if err != nil {
		logger.Sugar.Errorf("Failed to store content identifier for version %s: %v", versionID, err)
	}
	return err
}

// SetLedgerTxRef stores the anchoring transaction and clears any recorded failure.
func (r *DocumentRepository) SetLedgerTxRef(ctx context.Context, versionID, txRef string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET ledger_tx_ref = $2, proof_error = NULL,
		proof_verified_at = NOW() WHERE id = $1`, versionID, txRef)
	if err != nil {
		logger.Sugar.Errorf("Failed to store ledger tx for version %s: %v", versionID, err)
	}
	return err
}

func (r *DocumentRepository) SetProofError(ctx context.Context, versionID, msg string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET proof_error = $2 WHERE id = $1`, versionID, msg)
	if err != nil {
		logger.Sugar.Errorf("Failed to store proof error for version %s: %v", versionID, err)
	}
	return err
}

// MarkProofVerified records that the ledger holds the version's content
// identifier when the anchoring transaction itself is unknown.
func (r *DocumentRepository) MarkProofVerified(ctx context.Context, versionID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET proof_verified_at = NOW(), proof_error = NULL
		WHERE id = $1`, versionID)
	if err != nil {
		logger.Sugar.Errorf("Failed to mark proof verified for version %s: %v", versionID, err)
	}
	return err
}

// ClaimCompletionCredit flags the document as credited to its participants'
// reputation. Only the first caller gets true.
func (r *DocumentRepository) ClaimCompletionCredit(ctx context.Context, docID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET completion_credited_at = NOW()
		WHERE id = $1 AND completion_credited_at IS NULL`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to claim completion credit for doc %s: %v", docID, err)
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListDocumentsByUser returns every document the user is a member of, most
// recently updated first.
func (r *DocumentRepository) ListDocumentsByUser(ctx context.Context, userID string) ([]model.DocumentSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.id, d.title, d.content, d.created_by, m.role, d.ledger_contract_id IS NOT NULL,
		(SELECT COUNT(*) FROM document_members c WHERE c.document_id = d.id), d.updated_at
		FROM documents d JOIN document_members m ON m.document_id = d.id
		WHERE m.user_id = $1
		ORDER BY d.updated_at DESC`, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get documents for user %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	docs := []model.DocumentSummary{}
	for rows.Next() {
		var d model.DocumentSummary
		var content string
		if err := rows.Scan(&d.ID, &d.Title, &content, &d.CreatedBy, &d.Role, &d.Registered, &d.MemberCount, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.IsCreator = d.CreatedBy == userID
		d.Snippet = model.Snippet(content)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes the document; members, versions, votes, comments and
// milestones go with it.
func (r *DocumentRepository) DeleteDocument(ctx context.Context, docID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", docID, err)
	}
	return err
}

func (r *DocumentRepository) UpdateTitle(ctx context.Context, docID, title string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET title = $2, updated_at = NOW() WHERE id = $1`, docID, title)
	if err != nil {
		logger.Sugar.Errorf("Failed to update title for doc %s: %v", docID, err)
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrDocumentNotFound
	}
	return nil
}
