/**
 * Tesseract OCR engine
 *
 * Runs gosseract against a tessdata directory holding the per-variant
 * trained models (m360.traineddata, sogou.traineddata, ...). A new client
 * is created per call so concurrent recognitions never share state.
 */

package recognizer

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

// TesseractOCR recognizes text using Tesseract
type TesseractOCR struct {
	tessdataPath  string
	clientFactory func() *gosseract.Client
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	// TessdataPath is the directory holding *.traineddata models. Empty uses
	// the Tesseract installation default.
	TessdataPath string
}

// NewTesseractOCR creates a new Tesseract OCR engine
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	if cfg == nil {
		cfg = &TesseractConfig{}
	}

	return &TesseractOCR{
		tessdataPath:  cfg.TessdataPath,
		clientFactory: gosseract.NewClient,
	}
}

// TessdataPath returns the configured model directory
func (t *TesseractOCR) TessdataPath() string {
	return t.tessdataPath
}

// Recognize performs OCR on a cleaned buffer
func (t *TesseractOCR) Recognize(ctx context.Context, img *pixel.Buffer, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Tesseract reads the buffer as PNG so binary images stay 1-bit
	data, err := pixel.EncodeBytes(img)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	client := t.clientFactory()
	defer client.Close()

	if t.tessdataPath != "" {
		if err := client.SetTessdataPrefix(t.tessdataPath); err != nil {
			return "", fmt.Errorf("failed to set tessdata path: %w", err)
		}
	}

	if opts.Language != "" {
		if err := client.SetLanguage(opts.Language); err != nil {
			return "", fmt.Errorf("failed to set language: %w", err)
		}
	}

	if opts.PageSegMode != 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(opts.PageSegMode)); err != nil {
			return "", fmt.Errorf("failed to set PSM: %w", err)
		}
	}

	if opts.Whitelist != "" {
		if err := client.SetWhitelist(opts.Whitelist); err != nil {
			return "", fmt.Errorf("failed to set whitelist: %w", err)
		}
	}

	if opts.Blacklist != "" {
		if err := client.SetBlacklist(opts.Blacklist); err != nil {
			return "", fmt.Errorf("failed to set blacklist: %w", err)
		}
	}

	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return text, nil
}
