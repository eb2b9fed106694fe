/**
 * Captcha Recognizer
 *
 * Pipeline per image:
 * 1. Decode bytes into a pixel buffer
 * 2. Run the variant's preprocessing pipeline
 * 3. Call the OCR engine with the variant's language and charset
 * 4. Trim surrounding whitespace
 * 5. Apply the variant's correction, if any
 *
 * Validation of the final text is left to the caller.
 */

package recognizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/pixel"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

// Result is the outcome of one recognition
type Result struct {
	Variant       string
	RawText       string
	CorrectedText string
	Cleaned       *pixel.Buffer
	Duration      time.Duration
}

// Corrected reports whether the correction changed the text
func (r *Result) Corrected() bool {
	return r.RawText != r.CorrectedText
}

// Recognizer runs variants against an OCR engine
type Recognizer struct {
	engine Engine
	logger *logging.Logger
}

// New creates a recognizer. A nil logger gets a default one.
func New(engine Engine, logger *logging.Logger) (*Recognizer, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = logging.NewLogger("recognizer")
	}

	return &Recognizer{
		engine: engine,
		logger: logger,
	}, nil
}

// RecognizeBytes decodes an encoded image and recognizes it
func (r *Recognizer) RecognizeBytes(ctx context.Context, v *variant.Variant, data []byte) (*Result, error) {
	img, _, err := pixel.Decode(data)
	if err != nil {
		return nil, errors.NewDecodeError(err)
	}
	return r.Recognize(ctx, v, img)
}

// Recognize preprocesses a decoded image and runs OCR on it
func (r *Recognizer) Recognize(ctx context.Context, v *variant.Variant, img *pixel.Buffer) (*Result, error) {
	startTime := time.Now()

	cleaned := v.Preprocess(img)

	raw, err := r.engine.Recognize(ctx, cleaned, OptionsFor(v.Config))
	if err != nil {
		return nil, errors.NewEngineError(v.Config.Language, err)
	}

	// Engines usually end the line with '\n'
	raw = strings.TrimSpace(raw)

	corrected := raw
	if v.Correct != nil {
		corrected = v.Correct(raw, v.Config.ExpectedLength)
	}

	result := &Result{
		Variant:       v.Key,
		RawText:       raw,
		CorrectedText: corrected,
		Cleaned:       cleaned,
		Duration:      time.Since(startTime),
	}

	if result.Corrected() {
		r.logger.Debug("corrected OCR text", "variant", v.Key, "raw", raw, "corrected", corrected)
	}

	return result, nil
}
