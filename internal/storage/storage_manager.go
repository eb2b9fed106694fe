/**
 * Storage Manager for the Captcha Worker
 *
 * Coordinates storage operations across PostgreSQL (rows) and Qdrant
 * (fingerprints). Qdrant is optional; without it recognitions are stored
 * without a sample point and no label hints are produced.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusRetrying   = "retrying"
	StatusFailed     = "failed"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
}

// ManagerConfig holds storage connection settings
type ManagerConfig struct {
	DatabaseURL      string
	QdrantAddress    string // empty disables the sample index
	QdrantCollection string
}

// RecognitionInput is a finished recognition to persist
type RecognitionInput struct {
	JobID          string
	Variant        string
	RawText        string
	CorrectedText  string
	Valid          bool
	Fingerprint    []float32
	ProcessingTime time.Duration
	Hint           *LabelHint
}

// LabelInput is a confirmed label to persist
type LabelInput struct {
	Variant     string
	Label       string
	Image       []byte
	Fingerprint []float32
}

// LabelHint is the nearest confirmed label for a fingerprint
type LabelHint struct {
	Label         string
	Score         float32
	SamplePointID string
}

// NewStorageManager creates a new storage manager
func NewStorageManager(cfg *ManagerConfig) (*StorageManager, error) {
	postgres, err := NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	sm := &StorageManager{postgres: postgres}

	if cfg.QdrantAddress != "" {
		qdrant, err := NewQdrantClient(qdrantTarget(cfg.QdrantAddress), cfg.QdrantCollection)
		if err != nil {
			postgres.Close() // Cleanup on failure
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		sm.qdrant = qdrant
	}

	return sm, nil
}

// HasSampleIndex reports whether fingerprints are indexed
func (sm *StorageManager) HasSampleIndex() bool {
	return sm.qdrant != nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, uuid.New().String(), update)
}

// RecordRecognition stores a recognition. When the sample index is enabled
// the fingerprint is indexed first as an unconfirmed sample and removed
// again if the row cannot be written.
func (sm *StorageManager) RecordRecognition(ctx context.Context, input *RecognitionInput) (*RecognitionRecord, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}

	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	rec := &RecognitionRecord{
		ID:               uuid.New().String(),
		JobID:            input.JobID,
		Variant:          input.Variant,
		RawText:          input.RawText,
		CorrectedText:    input.CorrectedText,
		Valid:            input.Valid,
		Fingerprint:      input.Fingerprint,
		ProcessingTimeMs: input.ProcessingTime.Milliseconds(),
	}
	if input.Hint != nil {
		rec.HintLabel = input.Hint.Label
		rec.HintScore = float64(input.Hint.Score)
	}

	if sm.qdrant != nil && len(input.Fingerprint) == VectorSize {
		point := &SamplePoint{
			ID:        uuid.New().String(),
			Vector:    input.Fingerprint,
			Variant:   input.Variant,
			Label:     input.CorrectedText,
			JobID:     input.JobID,
			Timestamp: time.Now().Unix(),
		}
		if err := sm.qdrant.UpsertSample(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store fingerprint in Qdrant: %w", err)
		}
		rec.SamplePointID = point.ID
	}

	if err := sm.postgres.StoreRecognition(ctx, rec); err != nil {
		if rec.SamplePointID != "" {
			// Rollback: Delete Qdrant point
			sm.qdrant.DeleteSample(ctx, rec.SamplePointID)
		}
		return nil, fmt.Errorf("failed to store recognition in PostgreSQL: %w", err)
	}

	return rec, nil
}

// StoreLabel stores a confirmed label and indexes its fingerprint
func (sm *StorageManager) StoreLabel(ctx context.Context, input *LabelInput) (*LabelRecord, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}

	rec := &LabelRecord{
		ID:      uuid.New().String(),
		Variant: input.Variant,
		Label:   input.Label,
		Image:   input.Image,
	}

	if sm.qdrant != nil && len(input.Fingerprint) == VectorSize {
		point := &SamplePoint{
			ID:        uuid.New().String(),
			Vector:    input.Fingerprint,
			Variant:   input.Variant,
			Label:     input.Label,
			Confirmed: true,
			Timestamp: time.Now().Unix(),
		}
		if err := sm.qdrant.UpsertSample(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store fingerprint in Qdrant: %w", err)
		}
		rec.SamplePointID = point.ID
	}

	createdAt, err := sm.postgres.StoreLabel(ctx, rec)
	if err != nil {
		if rec.SamplePointID != "" {
			// Rollback: Delete Qdrant point
			sm.qdrant.DeleteSample(ctx, rec.SamplePointID)
		}
		return nil, fmt.Errorf("failed to store label in PostgreSQL: %w", err)
	}
	rec.CreatedAt = createdAt

	return rec, nil
}

// NearestLabel returns the closest confirmed label for the variant whose
// similarity is at least threshold, or nil when none qualifies
func (sm *StorageManager) NearestLabel(ctx context.Context, variant string, fingerprint []float32, threshold float64) (*LabelHint, error) {
	if sm.qdrant == nil {
		return nil, nil
	}

	points, err := sm.qdrant.SearchSamples(ctx, fingerprint, SearchFilter{
		Variant:       variant,
		ConfirmedOnly: true,
		MinScore:      float32(threshold),
	}, 1)
	if err != nil {
		return nil, err
	}

	return bestHint(points, threshold), nil
}

// GetRecognition retrieves the stored recognition for a job
func (sm *StorageManager) GetRecognition(ctx context.Context, jobID string) (*RecognitionRecord, error) {
	return sm.postgres.GetRecognition(ctx, jobID)
}

// CountLabels returns the number of confirmed labels stored for a variant
func (sm *StorageManager) CountLabels(ctx context.Context, variant string) (int64, error) {
	return sm.postgres.CountLabels(ctx, variant)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

// bestHint picks the highest-scoring confirmed point at or above threshold
func bestHint(points []*SamplePoint, threshold float64) *LabelHint {
	var best *SamplePoint
	for _, p := range points {
		if !p.Confirmed || p.Label == "" || float64(p.Score) < threshold {
			continue
		}
		if best == nil || p.Score > best.Score {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	return &LabelHint{Label: best.Label, Score: best.Score, SamplePointID: best.ID}
}

var schemePrefix = regexp.MustCompile(`^[a-z]+://`)

// qdrantTarget strips an http(s):// scheme so QDRANT_URL can be given in
// either URL or host:port form
func qdrantTarget(address string) string {
	return schemePrefix.ReplaceAllString(address, "")
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences PostgreSQL JSONB rejects.
// OCR output and engine error messages can carry raw control characters.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
