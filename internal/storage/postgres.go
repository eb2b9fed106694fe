/**
 * PostgreSQL Client for the Captcha Worker
 *
 * Persists one row per recognition job and one row per confirmed label.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Variant          string
	Status           string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// RecognitionRecord is the stored outcome of one recognition job
type RecognitionRecord struct {
	ID               string
	JobID            string
	Variant          string
	RawText          string
	CorrectedText    string
	Valid            bool
	Fingerprint      []float32
	SamplePointID    string
	HintLabel        string
	HintScore        float64
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

// LabelRecord is a human-confirmed captcha code
type LabelRecord struct {
	ID            string
	Variant       string
	Label         string
	Image         []byte
	SamplePointID string
	CreatedAt     time.Time
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS captcha;

	CREATE TABLE IF NOT EXISTS captcha.recognitions (
		id                 UUID PRIMARY KEY,
		job_id             TEXT NOT NULL UNIQUE,
		variant            TEXT NOT NULL,
		status             TEXT NOT NULL,
		raw_text           TEXT,
		corrected_text     TEXT,
		valid              BOOLEAN NOT NULL DEFAULT FALSE,
		fingerprint        REAL[],
		sample_point_id    UUID,
		hint_label         TEXT,
		hint_score         NUMERIC(5,4),
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS captcha.labels (
		id              UUID PRIMARY KEY,
		variant         TEXT NOT NULL,
		label           TEXT NOT NULL,
		image           BYTEA NOT NULL,
		sample_point_id UUID,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS labels_variant_idx ON captcha.labels (variant);
`

// sanitizeScore clamps a similarity score to [0,1] and rounds it to 4
// decimal places to fit NUMERIC(5,4)
func sanitizeScore(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return float64(int(score*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the captcha schema and tables when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpdateJobStatus creates or updates the recognition row for a job
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, id string, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	// UPSERT so the first status update creates the row
	query := `
		INSERT INTO captcha.recognitions (
			id, job_id, variant, status, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4, NULLIF($5, 0),
			NULLIF($6, ''), NULLIF($7, ''), COALESCE($8::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, captcha.recognitions.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = captcha.recognitions.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(
		ctx,
		query,
		id,                      // $1
		update.JobID,            // $2
		update.Variant,          // $3
		update.Status,           // $4
		update.ProcessingTimeMs, // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		metadataJSON,            // $8
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// StoreRecognition writes the recognized text and fingerprint for a job.
// rec.ID and rec.CreatedAt are set from the stored row.
func (p *PostgresClient) StoreRecognition(ctx context.Context, rec *RecognitionRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	query := `
		INSERT INTO captcha.recognitions (
			id, job_id, variant, status, raw_text, corrected_text, valid,
			fingerprint, sample_point_id, hint_label, hint_score,
			processing_time_ms, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, 'completed', $4, $5, $6,
			$7, NULLIF($8, '')::uuid, NULLIF($9, ''), NULLIF($10::NUMERIC(5,4), 0),
			$11, NOW(), NOW()
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = 'completed',
			raw_text = EXCLUDED.raw_text,
			corrected_text = EXCLUDED.corrected_text,
			valid = EXCLUDED.valid,
			fingerprint = EXCLUDED.fingerprint,
			sample_point_id = EXCLUDED.sample_point_id,
			hint_label = EXCLUDED.hint_label,
			hint_score = EXCLUDED.hint_score,
			processing_time_ms = EXCLUDED.processing_time_ms,
			error_code = NULL,
			error_message = NULL,
			updated_at = NOW()
		RETURNING id, created_at
	`

	err := p.db.QueryRowContext(
		ctx,
		query,
		rec.ID,
		rec.JobID,
		rec.Variant,
		rec.RawText,
		rec.CorrectedText,
		rec.Valid,
		pq.Array(rec.Fingerprint),
		rec.SamplePointID,
		rec.HintLabel,
		sanitizeScore(rec.HintScore),
		rec.ProcessingTimeMs,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store recognition (job=%s): %w", rec.JobID, err)
	}

	return nil
}

// GetRecognition retrieves the recognition row for a job
func (p *PostgresClient) GetRecognition(ctx context.Context, jobID string) (*RecognitionRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, job_id, variant, raw_text, corrected_text, valid,
			fingerprint, sample_point_id, hint_label, hint_score,
			processing_time_ms, created_at
		FROM captcha.recognitions
		WHERE job_id = $1
	`

	var (
		rec                     RecognitionRecord
		rawText, correctedText  sql.NullString
		samplePointID, hintText sql.NullString
		hintScore               sql.NullFloat64
		processingTimeMs        sql.NullInt64
		fingerprint             pq.Float32Array
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &rec.JobID, &rec.Variant, &rawText, &correctedText, &rec.Valid,
		&fingerprint, &samplePointID, &hintText, &hintScore,
		&processingTimeMs, &rec.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recognition not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get recognition: %w", err)
	}

	rec.RawText = rawText.String
	rec.CorrectedText = correctedText.String
	rec.Fingerprint = []float32(fingerprint)
	rec.SamplePointID = samplePointID.String
	rec.HintLabel = hintText.String
	rec.HintScore = hintScore.Float64
	rec.ProcessingTimeMs = processingTimeMs.Int64

	return &rec, nil
}

// StoreLabel inserts a confirmed label
func (p *PostgresClient) StoreLabel(ctx context.Context, rec *LabelRecord) (time.Time, error) {
	if rec.Variant == "" || rec.Label == "" {
		return time.Time{}, fmt.Errorf("variant and label are required")
	}

	query := `
		INSERT INTO captcha.labels (id, variant, label, image, sample_point_id, created_at)
		VALUES ($1::uuid, $2, $3, $4, NULLIF($5, '')::uuid, NOW())
		RETURNING created_at
	`

	var createdAt time.Time
	err := p.db.QueryRowContext(ctx, query, rec.ID, rec.Variant, rec.Label, rec.Image, rec.SamplePointID).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to store label %q: %w", rec.Label, err)
	}

	return createdAt, nil
}

// CountLabels returns the number of confirmed labels for a variant
func (p *PostgresClient) CountLabels(ctx context.Context, variant string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captcha.labels WHERE variant = $1`, variant).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count labels: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
