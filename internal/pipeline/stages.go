package pipeline

import (
	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

// Ink classification thresholds for palette-noise captchas. Tuned against
// OCR accuracy; changing them changes recognition rates.
const (
	InkMaxLightness  = 0.6
	InkMinSaturation = 0.65
)

// ShadowCutoff is the intensity at and above which shadow pixels become white
const ShadowCutoff = 64

// BinarizeInk classifies interior pixels as ink (0) when they are dark and
// saturated, and as background (1) otherwise. Border pixels are always background.
func BinarizeInk(src *pixel.Buffer) *pixel.Buffer {
	rgb := src
	if rgb.Format() != pixel.RGB {
		rgb = src.Convert(pixel.RGB)
	}

	out := pixel.New(rgb.Width(), rgb.Height(), pixel.Binary)
	for y := 0; y < rgb.Height(); y++ {
		for x := 0; x < rgb.Width(); x++ {
			if rgb.IsBorder(x, y) {
				out.Set(x, y, pixel.Paper)
				continue
			}

			p := rgb.At(x, y)
			_, l, s := pixel.RGBToHLS(p.R, p.G, p.B)
			if l <= InkMaxLightness && s >= InkMinSaturation {
				out.Set(x, y, pixel.Ink)
			} else {
				out.Set(x, y, pixel.Paper)
			}
		}
	}
	return out
}

var (
	straightNeighbours = [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	diagonalNeighbours = [4][2]int{{-1, -1}, {1, -1}, {-1, 1}, {1, 1}}
)

// Despeckle runs one pass of an 8-neighbour cellular automaton over a
// binary buffer. With straight and diag counting ink neighbours:
//
//	ink        -> background when straight == 0 && diag <= 1  (isolated speck)
//	background -> ink        when straight == 4 || (diag == 4 && straight >= 2)  (gap in a stroke)
//
// Neighbour counts always read the input buffer, never partial output.
// Border pixels are copied unchanged.
func Despeckle(src *pixel.Buffer) *pixel.Buffer {
	bin := src
	if bin.Format() != pixel.Binary {
		bin = src.Convert(pixel.Binary)
	}

	out := bin.Clone()
	for y := 1; y < bin.Height()-1; y++ {
		for x := 1; x < bin.Width()-1; x++ {
			straight := countInk(bin, x, y, straightNeighbours)
			diag := countInk(bin, x, y, diagonalNeighbours)

			if bin.At(x, y) == pixel.Ink {
				if straight == 0 && diag <= 1 {
					out.Set(x, y, pixel.Paper)
				}
			} else if straight == 4 || (diag == 4 && straight >= 2) {
				out.Set(x, y, pixel.Ink)
			}
		}
	}
	return out
}

func countInk(b *pixel.Buffer, x, y int, offsets [4][2]int) int {
	n := 0
	for _, o := range offsets {
		if b.At(x+o[0], y+o[1]) == pixel.Ink {
			n++
		}
	}
	return n
}

// KeepBlack turns every pixel that is not exactly pure black into pure white
func KeepBlack(src *pixel.Buffer) *pixel.Buffer {
	rgb := src
	if rgb.Format() != pixel.RGB {
		rgb = src.Convert(pixel.RGB)
	}

	return rgb.Map(func(p pixel.Pixel) pixel.Pixel {
		if p != pixel.Black {
			return pixel.White
		}
		return p
	})
}

// ThresholdTable builds a 256-entry lookup table that keeps intensities
// below cutoff and maps everything else to white
func ThresholdTable(cutoff int) [256]uint8 {
	var table [256]uint8
	for i := range table {
		if i < cutoff {
			table[i] = uint8(i)
		} else {
			table[i] = 255
		}
	}
	return table
}

// ShadowThreshold returns a grayscale stage applying ThresholdTable(cutoff)
func ShadowThreshold(cutoff int) Stage {
	table := ThresholdTable(cutoff)
	return func(src *pixel.Buffer) *pixel.Buffer {
		gray := src
		if gray.Format() != pixel.Gray {
			gray = src.Convert(pixel.Gray)
		}
		return gray.Map(func(p pixel.Pixel) pixel.Pixel {
			return pixel.Mono(table[p.R])
		})
	}
}
