/**
 * OCR Engine contract
 *
 * The recognizer treats OCR as an opaque, synchronous call. Engines receive
 * a cleaned buffer and the per-variant character constraints and return the
 * raw recognized text.
 */

package recognizer

import (
	"context"

	"github.com/adverant/nexus/captcha-worker/internal/pixel"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

// PageSegMode mirrors Tesseract's page segmentation modes
type PageSegMode int

// PSMSingleLine treats the image as a single text line
const PSMSingleLine PageSegMode = 7

// Options are the per-call engine settings
type Options struct {
	Language    string
	PageSegMode PageSegMode
	Whitelist   string
	Blacklist   string
}

// Engine recognizes text in a cleaned image
type Engine interface {
	Recognize(ctx context.Context, img *pixel.Buffer, opts Options) (string, error)
}

// EngineFunc adapts a function to the Engine interface
type EngineFunc func(ctx context.Context, img *pixel.Buffer, opts Options) (string, error)

func (f EngineFunc) Recognize(ctx context.Context, img *pixel.Buffer, opts Options) (string, error) {
	return f(ctx, img, opts)
}

// OptionsFor builds engine options from a variant configuration. Whitelist
// and blacklist are passed through as configured; the engine applies the
// difference itself.
func OptionsFor(cfg variant.Config) Options {
	return Options{
		Language:    cfg.Language,
		PageSegMode: PSMSingleLine,
		Whitelist:   cfg.Whitelist,
		Blacklist:   cfg.Blacklist,
	}
}
