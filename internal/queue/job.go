package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
)

// DefaultProcessingTimeout applies when a consumer config leaves it unset
const DefaultProcessingTimeout = 30 * time.Second

// JobPayload is a captcha recognition job as producers enqueue it
type JobPayload struct {
	JobID       string                 `json:"jobId"`
	Variant     string                 `json:"variant"`
	Language    string                 `json:"language,omitempty"`
	ImageURL    string                 `json:"imageUrl,omitempty"`
	Fetch       bool                   `json:"fetch,omitempty"`
	ImageBuffer []byte                 `json:"-"` // set by UnmarshalJSON
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalJSON encodes the image buffer as base64
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		ImageBuffer string `json:"imageBuffer,omitempty"`
		Alias
	}{
		Alias: Alias(p),
	}
	if len(p.ImageBuffer) > 0 {
		aux.ImageBuffer = base64.StdEncoding.EncodeToString(p.ImageBuffer)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements custom JSON unmarshaling for JobPayload to handle Buffer serialization
// Supports both base64 string format and Node.js Buffer object format
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.ImageBuffer == nil {
		return nil
	}

	switch v := aux.ImageBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		p.ImageBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Request converts the payload to a processor request
func (p *JobPayload) Request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:       p.JobID,
		Variant:     p.Variant,
		Language:    p.Language,
		ImageBuffer: p.ImageBuffer,
		ImageURL:    p.ImageURL,
		Fetch:       p.Fetch,
		Metadata:    p.Metadata,
	}
}

// IsPermanent reports whether retrying the job cannot change the outcome
func IsPermanent(err error) bool {
	return stderrors.Is(err, errors.ErrUnknownVariant) ||
		stderrors.Is(err, errors.ErrDecode) ||
		stderrors.Is(err, errors.ErrInvalidLength) ||
		stderrors.Is(err, errors.ErrInvalidCharacters) ||
		stderrors.Is(err, errors.ErrInvalidRequest) ||
		stderrors.Is(err, errors.ErrImageTooLarge)
}

// isFinalAttempt reports whether a failed attempt ends the job: the error is
// permanent or the attempts allowed are used up
func isFinalAttempt(err error, attemptsMade, attemptsAllowed int) bool {
	return IsPermanent(err) || attemptsMade >= attemptsAllowed
}

// runJob processes one payload under a timeout. On failure it returns the
// metadata describing it; recording the failure is left to recordFailure
// once the caller knows whether another attempt follows.
// parent must outlive the job; status updates use it after the timeout fires.
func runJob(parent context.Context, proc processor.CaptchaProcessorInterface, payload *JobPayload, timeout time.Duration) (*processor.ProcessResult, map[string]interface{}, error) {
	startTime := time.Now()

	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}

	if err := proc.UpdateJobStatus(parent, payload.JobID, payload.Variant, storage.StatusProcessing, nil); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", payload.JobID, err)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	result, err := proc.ProcessCaptcha(ctx, payload.Request())
	duration := time.Since(startTime)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			log.Printf("[Job %s] Processing timed out after %v (timeout: %v)", payload.JobID, duration, timeout)

			timeoutErr := errors.NewProcessingTimeoutError(payload.JobID, timeout, err)
			return nil, timeoutErr.ToMap(), fmt.Errorf("processing timeout: %w", timeoutErr)
		}

		log.Printf("[Job %s] Processing failed after %v: %v", payload.JobID, duration, err)

		metadata := map[string]interface{}{
			"error":          err.Error(),
			"processingTime": duration.Milliseconds(),
		}
		var ce *errors.CaptchaError
		if stderrors.As(err, &ce) {
			metadata["error_code"] = string(ce.Code)
		}
		return nil, metadata, err
	}

	log.Printf("[Job %s] Completed in %v: text=%q valid=%v", payload.JobID, duration, result.Text, result.Valid)
	return result, nil, nil
}

// recordFailure stores a failed attempt as final or as pending a retry
func recordFailure(ctx context.Context, proc processor.CaptchaProcessorInterface, payload *JobPayload, final bool, metadata map[string]interface{}) string {
	status := storage.StatusRetrying
	if final {
		status = storage.StatusFailed
	}

	if err := proc.UpdateJobStatus(ctx, payload.JobID, payload.Variant, status, metadata); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to %s: %v", payload.JobID, status, err)
	}
	return status
}
