package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when no submission matches.
var ErrNotFound = errors.New("submission not found")

// Store provides database operations for the submission audit trail.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Submission is the audit record of one submitted transaction.
type Submission struct {
	ID                uuid.UUID      `json:"id"`
	Signature         string         `json:"signature"`
	WalletAddress     string         `json:"walletAddress"`
	Status            string         `json:"status"`
	Error             *string        `json:"error,omitempty"`
	ConfirmationLevel *string        `json:"confirmationLevel,omitempty"`
	Slot              *int64         `json:"slot,omitempty"`
	RecentBlockhash   string         `json:"recentBlockhash"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// CreateSubmissionParams contains the parameters for recording a submission.
type CreateSubmissionParams struct {
	Signature       string
	WalletAddress   string
	Status          string
	RecentBlockhash string
	// Metadata is stored verbatim.
	Metadata map[string]any
}

// UpdateSubmissionStatusParams records a status observation.
type UpdateSubmissionStatusParams struct {
	Signature         string
	Status            string
	Error             *string
	ConfirmationLevel *string
	Slot              *int64
}

// ListSubmissionsByWalletParams contains pagination parameters.
type ListSubmissionsByWalletParams struct {
	WalletAddress string
	Limit         int32
	Offset        int32
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// rejectedBroadcast matches a row that failed without ever landing on the ledger.
const rejectedBroadcast = `submissions.status = 'failed' AND submissions.slot IS NULL`

const submissionColumns = `id, signature, wallet_address, status, error, confirmation_level, slot,
	recent_blockhash, metadata, created_at, updated_at`

// CreateSubmission inserts a submission. Re-submitting a known signature keeps the
// original row and returns it. A row whose broadcast was rejected before it landed
// (failed with no slot) is reopened with the new status and its error cleared.
func (s *Store) CreateSubmission(ctx context.Context, params CreateSubmissionParams) (*Submission, error) {
	start := time.Now()

	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO submissions (id, signature, wallet_address, status, recent_blockhash, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (signature) DO UPDATE SET
			status = CASE WHEN `+rejectedBroadcast+` THEN EXCLUDED.status ELSE submissions.status END,
			error = CASE WHEN `+rejectedBroadcast+` THEN NULL ELSE submissions.error END,
			updated_at = CASE WHEN `+rejectedBroadcast+` THEN now() ELSE submissions.updated_at END
		RETURNING `+submissionColumns,
		uuid.New(),
		params.Signature,
		params.WalletAddress,
		params.Status,
		params.RecentBlockhash,
		metaJSON,
	)
	sub, err := scanSubmission(row)
	s.metrics.RecordDBQuery("create_submission", "submissions", time.Since(start).Seconds(), err)
	return sub, err
}

// UpdateSubmissionStatus records a status observation. Rows that already hold a
// terminal ledger outcome (confirmed or failed) are left untouched.
func (s *Store) UpdateSubmissionStatus(ctx context.Context, params UpdateSubmissionStatusParams) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET status = $2,
			error = COALESCE($3, error),
			confirmation_level = COALESCE($4, confirmation_level),
			slot = COALESCE($5, slot),
			updated_at = now()
		WHERE signature = $1
			AND status NOT IN ('confirmed', 'failed')
	`,
		params.Signature,
		params.Status,
		pgtextFromStringPtr(params.Error),
		pgtextFromStringPtr(params.ConfirmationLevel),
		pgint8FromInt64Ptr(params.Slot),
	)
	s.metrics.RecordDBQuery("update_submission_status", "submissions", time.Since(start).Seconds(), err)
	return err
}

// GetSubmission retrieves a submission by signature.
func (s *Store) GetSubmission(ctx context.Context, signature string) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE signature = $1`, signature)
	sub, err := scanSubmission(row)
	s.metrics.RecordDBQuery("get_submission", "submissions", time.Since(start).Seconds(), err)
	return sub, err
}

// ListSubmissionsByWallet returns a wallet's submissions, most recent first.
func (s *Store) ListSubmissionsByWallet(ctx context.Context, params ListSubmissionsByWalletParams) ([]*Submission, error) {
	start := time.Now()
	subs, err := s.listByWallet(ctx, params)
	s.metrics.RecordDBQuery("list_submissions", "submissions", time.Since(start).Seconds(), err)
	return subs, err
}

func (s *Store) listByWallet(ctx context.Context, params ListSubmissionsByWalletParams) ([]*Submission, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE wallet_address = $1
		ORDER BY created_at DESC, signature
		LIMIT $2 OFFSET $3
	`, params.WalletAddress, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubmission(row pgx.Row) (*Submission, error) {
	var (
		sub               Submission
		errText           pgtype.Text
		confirmationLevel pgtype.Text
		slot              pgtype.Int8
		metaJSON          []byte
	)
	err := row.Scan(
		&sub.ID,
		&sub.Signature,
		&sub.WalletAddress,
		&sub.Status,
		&errText,
		&confirmationLevel,
		&slot,
		&sub.RecentBlockhash,
		&metaJSON,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sub.Error = stringPtrFromPgtext(errText)
	sub.ConfirmationLevel = stringPtrFromPgtext(confirmationLevel)
	if slot.Valid {
		v := slot.Int64
		sub.Slot = &v
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", sub.Signature, err)
		}
	}
	return &sub, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromInt64Ptr(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}
