/**
 * Captcha Processor for the Captcha Worker
 *
 * Runs one recognition job end to end:
 * - Resolve the variant (with optional language override)
 * - Load the image from the job buffer, a URL, or the variant's fetch request
 * - Preprocess, OCR and correct through the recognizer
 * - Validate the code shape (failures are reported, not retried)
 * - Fingerprint the cleaned image and look up the nearest confirmed label
 * - Persist the recognition row and sample point
 */

package processor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/dataset"
	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/recognizer"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

// CaptchaProcessorInterface defines the interface for captcha processing
type CaptchaProcessorInterface interface {
	ProcessCaptcha(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, variantKey string, status string, metadata map[string]interface{}) error
}

// Store is the persistence the processor needs
type Store interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	RecordRecognition(ctx context.Context, input *storage.RecognitionInput) (*storage.RecognitionRecord, error)
	NearestLabel(ctx context.Context, variantKey string, fingerprint []float32, threshold float64) (*storage.LabelHint, error)
}

// Fetcher downloads captcha images
type Fetcher interface {
	FetchURL(ctx context.Context, rawURL string) ([]byte, error)
	FetchVariant(ctx context.Context, v *variant.Variant, now time.Time) ([]byte, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Registry            *variant.Registry
	Recognizer          *recognizer.Recognizer
	Storage             Store
	Fetcher             Fetcher
	MaxImageSize        int64
	SimilarityThreshold float64
	Logger              *logging.Logger
}

// ProcessRequest represents a captcha recognition request
type ProcessRequest struct {
	JobID       string
	Variant     string
	Language    string // optional OCR language override
	ImageBuffer []byte
	ImageURL    string
	Fetch       bool // download a fresh image through the variant's fetch request
	Metadata    map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID            string                 `json:"jobId"`
	Variant          string                 `json:"variant"`
	RawText          string                 `json:"rawText"`
	Text             string                 `json:"text"`
	Corrected        bool                   `json:"corrected"`
	Valid            bool                   `json:"valid"`
	ValidationError  map[string]interface{} `json:"validationError,omitempty"`
	ImageType        string                 `json:"imageType,omitempty"`
	HintLabel        string                 `json:"hintLabel,omitempty"`
	HintScore        float32                `json:"hintScore,omitempty"`
	RecognitionID    string                 `json:"recognitionId,omitempty"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
}

// CaptchaProcessor handles captcha processing
type CaptchaProcessor struct {
	config     *ProcessorConfig
	registry   *variant.Registry
	recognizer *recognizer.Recognizer
	storage    Store
	fetcher    Fetcher
	logger     *logging.Logger
	now        func() time.Time
}

// NewCaptchaProcessor creates a new captcha processor
func NewCaptchaProcessor(cfg *ProcessorConfig) (*CaptchaProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	registry := cfg.Registry
	if registry == nil {
		registry = variant.DefaultRegistry()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("processor")
	}

	return &CaptchaProcessor{
		config:     cfg,
		registry:   registry,
		recognizer: cfg.Recognizer,
		storage:    cfg.Storage,
		fetcher:    cfg.Fetcher,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// ProcessCaptcha processes a captcha through the complete pipeline
func (p *CaptchaProcessor) ProcessCaptcha(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	log := p.logger.With("job", req.JobID, "variant", req.Variant)

	// Step 1: Resolve variant
	v, err := p.registry.Lookup(req.Variant)
	if err != nil {
		return nil, err
	}
	if req.Language != "" {
		v = v.WithLanguage(req.Language)
	}

	// Step 2: Load image
	imageData, err := p.loadImage(ctx, v, req)
	if err != nil {
		return nil, err
	}

	imageType := detectImageType(imageData)
	log.Debug("image loaded", "bytes", len(imageData), "type", imageType)

	// Step 3: Preprocess + OCR + correction
	res, err := p.recognizer.RecognizeBytes(ctx, v, imageData)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{
		JobID:     req.JobID,
		Variant:   v.Key,
		RawText:   res.RawText,
		Text:      res.CorrectedText,
		Corrected: res.Corrected(),
		Valid:     true,
		ImageType: imageType,
	}

	// Step 4: Validate
	if err := v.Validate(res.CorrectedText); err != nil {
		var ce *errors.CaptchaError
		if !stderrors.As(err, &ce) {
			return nil, err
		}
		result.Valid = false
		result.ValidationError = ce.WithJob(req.JobID).ToMap()
		log.Info("recognized text failed validation", "text", res.CorrectedText, "code", ce.Code)
	}

	// Step 5: Fingerprint + nearest confirmed label
	fingerprint := dataset.Fingerprint(res.Cleaned)

	hint, err := p.storage.NearestLabel(ctx, v.Key, fingerprint, p.config.SimilarityThreshold)
	if err != nil {
		// Hints are advisory; the recognition still stands
		log.Warn("label hint lookup failed", "error", err)
	} else if hint != nil {
		result.HintLabel = hint.Label
		result.HintScore = hint.Score
	}

	// Step 6: Persist
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	rec, err := p.storage.RecordRecognition(ctx, &storage.RecognitionInput{
		JobID:          req.JobID,
		Variant:        v.Key,
		RawText:        res.RawText,
		CorrectedText:  res.CorrectedText,
		Valid:          result.Valid,
		Fingerprint:    fingerprint,
		ProcessingTime: time.Since(startTime),
		Hint:           hint,
	})
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}
	result.RecognitionID = rec.ID

	log.Info("captcha recognized", "text", result.Text, "valid", result.Valid, "ms", result.ProcessingTimeMs)
	return result, nil
}

// UpdateJobStatus updates job status in the database
func (p *CaptchaProcessor) UpdateJobStatus(ctx context.Context, jobID string, variantKey string, status string, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Variant:  variantKey,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = errorMsg
		}
		if code, ok := metadata["error_code"].(string); ok && code != "" {
			update.ErrorCode = code
		}
		if msg, ok := metadata["message"].(string); ok && update.ErrorMessage == "" {
			update.ErrorMessage = msg
		}
	}

	return p.storage.UpdateJobStatus(ctx, update)
}

// loadImage loads the image from the buffer, a URL or the variant's fetch
// request, in that order of preference
func (p *CaptchaProcessor) loadImage(ctx context.Context, v *variant.Variant, req *ProcessRequest) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch {
	case len(req.ImageBuffer) > 0:
		data = req.ImageBuffer

	case req.ImageURL != "":
		if p.fetcher == nil {
			return nil, errors.NewInvalidRequestError(req.JobID, "no fetcher configured for image URL")
		}
		data, err = p.fetcher.FetchURL(ctx, req.ImageURL)

	case req.Fetch:
		if p.fetcher == nil {
			return nil, errors.NewInvalidRequestError(req.JobID, "no fetcher configured for variant fetch")
		}
		if !v.CanFetch() {
			return nil, errors.NewInvalidRequestError(req.JobID, fmt.Sprintf("variant %s cannot fetch images", v.Key))
		}
		data, err = p.fetcher.FetchVariant(ctx, v, p.now())

	default:
		return nil, errors.NewInvalidRequestError(req.JobID, "no image source provided (buffer, URL or fetch)")
	}

	if err != nil {
		return nil, err
	}

	if p.config.MaxImageSize > 0 && int64(len(data)) > p.config.MaxImageSize {
		return nil, errors.NewImageTooLargeError(int64(len(data)), p.config.MaxImageSize).WithJob(req.JobID)
	}

	return data, nil
}

// detectImageType names the image format from its magic bytes
func detectImageType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "webp"
	case bytes.HasPrefix(data, []byte("BM")):
		return "bmp"
	}

	return ""
}
