/**
 * Preprocessing Pipeline
 *
 * Conditions a decoded captcha image so the OCR engine can read it.
 * A pipeline is an ordered list of pure stages. Each stage reads its input
 * buffer and returns a new one, so stages can be tested in isolation and
 * images can be processed in parallel without coordination.
 */

package pipeline

import (
	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

// Stage transforms one buffer into a new buffer
type Stage func(*pixel.Buffer) *pixel.Buffer

// Pipeline is an ordered list of stages
type Pipeline []Stage

// Default is the stage list every variant starts from. The decoded image is
// passed through untouched.
var Default = Pipeline{}

// With returns a new pipeline with stages appended. The receiver is not modified.
func (p Pipeline) With(stages ...Stage) Pipeline {
	out := make(Pipeline, 0, len(p)+len(stages))
	out = append(out, p...)
	return append(out, stages...)
}

// Run applies every stage in order. An empty pipeline returns a copy of the input.
func (p Pipeline) Run(src *pixel.Buffer) *pixel.Buffer {
	if len(p) == 0 {
		return src.Clone()
	}

	out := src
	for _, stage := range p {
		out = stage(out)
	}
	return out
}

// ConvertTo returns a stage converting the buffer to format f
func ConvertTo(f pixel.Format) Stage {
	return func(b *pixel.Buffer) *pixel.Buffer {
		return b.Convert(f)
	}
}

// Palette is the pipeline for palette-noise captchas
func Palette() Pipeline {
	return Default.With(ConvertTo(pixel.RGB), BinarizeInk, Despeckle)
}

// BlackText is the pipeline for captchas with colour dots over solid black text
func BlackText() Pipeline {
	return Default.With(ConvertTo(pixel.RGB), KeepBlack)
}

// Shadow is the pipeline for grayscale captchas with light shadows
func Shadow() Pipeline {
	return Default.With(ConvertTo(pixel.Gray), ShadowThreshold(ShadowCutoff))
}
