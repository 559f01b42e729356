package invoiceflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a StateStore and CheckpointStore backed by PostgreSQL.
// The OPEN to REVIEWED transition is a single conditional UPDATE, so two
// concurrent reviews of the same checkpoint resolve to exactly one winner at
// the database, not in application code.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to PostgreSQL with the given DSN.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			state       JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id   TEXT PRIMARY KEY,
			workflow_id     TEXT NOT NULL,
			workflow_name   TEXT NOT NULL,
			stage           TEXT NOT NULL,
			snapshot        JSONB NOT NULL,
			status          TEXT NOT NULL,
			reason_for_hold TEXT NOT NULL,
			invoice_id      TEXT NOT NULL,
			vendor_name     TEXT NOT NULL,
			amount          DOUBLE PRECISION NOT NULL,
			currency        TEXT NOT NULL,
			match_score     DOUBLE PRECISION NOT NULL,
			discrepancy     JSONB,
			review_url      TEXT NOT NULL,
			decision        TEXT,
			reviewer_id     TEXT,
			reviewer_notes  TEXT,
			resume_token    TEXT,
			created_at      TIMESTAMPTZ NOT NULL,
			decided_at      TIMESTAMPTZ,
			expires_at      TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS checkpoints_workflow_idx
			ON checkpoints (workflow_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS review_queue (
			checkpoint_id   TEXT PRIMARY KEY,
			workflow_id     TEXT NOT NULL,
			invoice_id      TEXT NOT NULL,
			vendor_name     TEXT NOT NULL,
			amount          DOUBLE PRECISION NOT NULL,
			currency        TEXT NOT NULL,
			match_score     DOUBLE PRECISION NOT NULL,
			priority        INT NOT NULL,
			reason_for_hold TEXT NOT NULL,
			review_url      TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) PutState(ctx context.Context, state *WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (workflow_id, status, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id)
		DO UPDATE SET status = $2, state = $3, updated_at = $4`,
		state.WorkflowID, string(state.Status), data, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put workflow state: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM workflow_states WHERE workflow_id = $1`,
		workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewWorkflowNotFound(workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow state: %w", err)
	}
	var state WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	return &state, nil
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint, entry *ReviewQueueEntry) error {
	snapshot, err := json.Marshal(cp.StateSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal state snapshot: %w", err)
	}
	var discrepancy []byte
	if cp.DiscrepancyDetails != nil {
		if discrepancy, err = json.Marshal(cp.DiscrepancyDetails); err != nil {
			return fmt.Errorf("failed to marshal discrepancy details: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (
			checkpoint_id, workflow_id, workflow_name, stage, snapshot, status,
			reason_for_hold, invoice_id, vendor_name, amount, currency,
			match_score, discrepancy, review_url, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		cp.CheckpointID, cp.WorkflowID, cp.WorkflowName, string(cp.Stage),
		snapshot, string(cp.Status), cp.ReasonForHold, cp.InvoiceID,
		cp.VendorName, cp.Amount, cp.Currency, cp.MatchScore,
		nullBytes(discrepancy), cp.ReviewURL, cp.CreatedAt, nullTime(cp.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_queue (
			checkpoint_id, workflow_id, invoice_id, vendor_name, amount,
			currency, match_score, priority, reason_for_hold, review_url,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.CheckpointID, entry.WorkflowID, entry.InvoiceID, entry.VendorName,
		entry.Amount, entry.Currency, entry.MatchScore, int(entry.Priority),
		entry.ReasonForHold, entry.ReviewURL, string(entry.Status), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert review queue entry: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, checkpointColumns+`
		FROM checkpoints WHERE checkpoint_id = $1`, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewCheckpointNotFound(checkpointID)
	}
	return cp, err
}

func (s *PostgresStore) ReviewCheckpoint(ctx context.Context, checkpointID string, update ReviewUpdate) (*Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Conditional update: only an OPEN checkpoint transitions. Zero rows
	// affected means the checkpoint is missing or already decided.
	result, err := tx.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = $2, decision = $3, reviewer_id = $4, reviewer_notes = $5,
			resume_token = $6, decided_at = $7
		WHERE checkpoint_id = $1 AND status = $8`,
		checkpointID, string(CheckpointReviewed), string(update.Decision),
		update.ReviewerID, update.Notes, update.ResumeToken, update.DecidedAt,
		string(CheckpointOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to update checkpoint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM checkpoints WHERE checkpoint_id = $1`,
			checkpointID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewCheckpointNotFound(checkpointID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint status: %w", err)
		}
		return nil, &CheckpointStateError{
			CheckpointID: checkpointID,
			Status:       CheckpointStatus(status),
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE review_queue SET status = $2 WHERE checkpoint_id = $1`,
		checkpointID, string(ReviewResolved))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve review queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit review: %w", err)
	}
	return s.GetCheckpoint(ctx, checkpointID)
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]*ReviewQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, workflow_id, invoice_id, vendor_name, amount,
			currency, match_score, priority, reason_for_hold, review_url,
			status, created_at
		FROM review_queue
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC`,
		string(ReviewAwaiting))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	defer rows.Close()

	var pending []*ReviewQueueEntry
	for rows.Next() {
		var entry ReviewQueueEntry
		var priority int
		if err := rows.Scan(&entry.CheckpointID, &entry.WorkflowID,
			&entry.InvoiceID, &entry.VendorName, &entry.Amount, &entry.Currency,
			&entry.MatchScore, &priority, &entry.ReasonForHold, &entry.ReviewURL,
			&entry.Status, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review queue entry: %w", err)
		}
		entry.Priority = ReviewPriority(priority)
		pending = append(pending, &entry)
	}
	return pending, rows.Err()
}

func (s *PostgresStore) ListWorkflowCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, checkpointColumns+`
		FROM checkpoints WHERE workflow_id = $1 ORDER BY created_at DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

const checkpointColumns = `
	SELECT checkpoint_id, workflow_id, workflow_name, stage, snapshot, status,
		reason_for_hold, invoice_id, vendor_name, amount, currency, match_score,
		discrepancy, review_url, decision, reviewer_id, reviewer_notes,
		resume_token, created_at, decided_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var stage, status string
	var snapshot []byte
	var discrepancy []byte
	var decision, reviewerID, reviewerNotes, resumeToken sql.NullString
	var decidedAt, expiresAt sql.NullTime

	err := row.Scan(&cp.CheckpointID, &cp.WorkflowID, &cp.WorkflowName, &stage,
		&snapshot, &status, &cp.ReasonForHold, &cp.InvoiceID, &cp.VendorName,
		&cp.Amount, &cp.Currency, &cp.MatchScore, &discrepancy, &cp.ReviewURL,
		&decision, &reviewerID, &reviewerNotes, &resumeToken, &cp.CreatedAt,
		&decidedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	cp.Stage = Stage(stage)
	cp.Status = CheckpointStatus(status)
	cp.Decision = Decision(decision.String)
	cp.ReviewerID = reviewerID.String
	cp.ReviewerNotes = reviewerNotes.String
	cp.ResumeToken = resumeToken.String
	if decidedAt.Valid {
		cp.DecidedAt = decidedAt.Time
	}
	if expiresAt.Valid {
		cp.ExpiresAt = expiresAt.Time
	}

	var state WorkflowState
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state snapshot: %w", err)
	}
	cp.StateSnapshot = &state

	if len(discrepancy) > 0 {
		var evidence MatchEvidence
		if err := json.Unmarshal(discrepancy, &evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal discrepancy details: %w", err)
		}
		cp.DiscrepancyDetails = &evidence
	}
	return &cp, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
