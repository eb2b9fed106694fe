package pixel

import (
	"math"
)

// Luma converts an RGB triple to an 8-bit intensity using the ITU-R 601-2
// weights in 16.16 fixed point, rounded to nearest
func Luma(r, g, b uint8) uint8 {
	return uint8((uint32(r)*19595 + uint32(g)*38470 + uint32(b)*7471 + 0x8000) >> 16)
}

// RGBToHLS converts 8-bit RGB to hue, lightness and saturation, all in [0, 1]
func RGBToHLS(r, g, b uint8) (h, l, s float64) {
	rf := float64(r) / 255.0
	gf := float64(g) / 255.0
	bf := float64(b) / 255.0

	maxC := math.Max(rf, math.Max(gf, bf))
	minC := math.Min(rf, math.Min(gf, bf))
	sumC := maxC + minC
	rangeC := maxC - minC

	l = sumC / 2.0
	if maxC == minC {
		return 0, l, 0
	}

	if l <= 0.5 {
		s = rangeC / sumC
	} else {
		s = rangeC / (2.0 - maxC - minC)
	}

	rc := (maxC - rf) / rangeC
	gc := (maxC - gf) / rangeC
	bc := (maxC - bf) / rangeC

	switch {
	case rf == maxC:
		h = bc - gc
	case gf == maxC:
		h = 2.0 + rc - bc
	default:
		h = 4.0 + gc - rc
	}

	h = math.Mod(h/6.0, 1.0)
	if h < 0 {
		h += 1.0
	}

	return h, l, s
}

// Convert returns a new buffer holding the same image in the target format.
// Converting to the current format returns a copy.
func (b *Buffer) Convert(target Format) *Buffer {
	if b.format == target {
		return b.Clone()
	}

	out := New(b.width, b.height, target)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			out.Set(x, y, convertPixel(b.At(x, y), b.format, target))
		}
	}
	return out
}

func convertPixel(p Pixel, from, to Format) Pixel {
	// Normalize to an RGB triple first
	var rgb Pixel
	switch from {
	case Binary:
		if p.R != 0 {
			rgb = White
		} else {
			rgb = Black
		}
	case Gray:
		rgb = Mono(p.R)
	default:
		rgb = p
	}

	switch to {
	case RGB:
		return rgb
	case Gray:
		return Mono(Luma(rgb.R, rgb.G, rgb.B))
	default:
		if Luma(rgb.R, rgb.G, rgb.B) >= 128 {
			return Paper
		}
		return Ink
	}
}
