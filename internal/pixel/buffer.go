/**
 * Pixel Buffer - format-agnostic 2D sample grid
 *
 * Every preprocessing stage reads one buffer and builds a new one.
 * Buffers are never mutated once handed to another stage.
 */

package pixel

import (
	"fmt"
)

// Format identifies how samples are laid out in a Buffer
type Format int

const (
	// Binary holds one sample per pixel, 0 (ink) or 1 (background)
	Binary Format = iota
	// Gray holds one 8-bit intensity per pixel
	Gray
	// RGB holds three 8-bit channels per pixel
	RGB
)

// Channels returns the number of samples stored per pixel
func (f Format) Channels() int {
	if f == RGB {
		return 3
	}
	return 1
}

func (f Format) String() string {
	switch f {
	case Binary:
		return "binary"
	case Gray:
		return "gray"
	case RGB:
		return "rgb"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Pixel is a single pixel value. Single-channel formats only use R.
type Pixel struct {
	R, G, B uint8
}

// Mono builds a single-channel pixel value
func Mono(v uint8) Pixel {
	return Pixel{R: v, G: v, B: v}
}

// Common pixel values
var (
	Black = Pixel{0, 0, 0}
	White = Pixel{255, 255, 255}
	Ink   = Mono(0)
	Paper = Mono(1)
)

// Buffer is a width x height grid of samples in a single Format
type Buffer struct {
	width   int
	height  int
	format  Format
	samples []uint8
}

// New allocates a zeroed buffer
func New(width, height int, format Format) *Buffer {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("pixel: invalid dimensions %dx%d", width, height))
	}
	return &Buffer{
		width:   width,
		height:  height,
		format:  format,
		samples: make([]uint8, width*height*format.Channels()),
	}
}

// FromSamples wraps an existing sample slice. The slice is copied.
func FromSamples(width, height int, format Format, samples []uint8) (*Buffer, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	want := width * height * format.Channels()
	if len(samples) != want {
		return nil, fmt.Errorf("sample count mismatch: expected %d, got %d", want, len(samples))
	}
	b := New(width, height, format)
	copy(b.samples, samples)
	return b, nil
}

func (b *Buffer) Width() int     { return b.width }
func (b *Buffer) Height() int    { return b.height }
func (b *Buffer) Format() Format { return b.format }

// Samples returns a copy of the raw sample data
func (b *Buffer) Samples() []uint8 {
	out := make([]uint8, len(b.samples))
	copy(out, b.samples)
	return out
}

// InBounds reports whether (x, y) addresses a pixel of the buffer
func (b *Buffer) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < b.width && y < b.height
}

// IsBorder reports whether (x, y) lies on the first or last row or column
func (b *Buffer) IsBorder(x, y int) bool {
	return x == 0 || y == 0 || x == b.width-1 || y == b.height-1
}

func (b *Buffer) offset(x, y int) int {
	if !b.InBounds(x, y) {
		panic(fmt.Sprintf("pixel: (%d,%d) out of range for %dx%d buffer", x, y, b.width, b.height))
	}
	return (y*b.width + x) * b.format.Channels()
}

// At returns the pixel at (x, y). Out-of-range access panics.
func (b *Buffer) At(x, y int) Pixel {
	i := b.offset(x, y)
	if b.format == RGB {
		return Pixel{b.samples[i], b.samples[i+1], b.samples[i+2]}
	}
	return Mono(b.samples[i])
}

// Set stores p at (x, y). It is meant for filling a buffer that has not
// been handed to anyone yet. Binary buffers store p.R != 0 as 1.
func (b *Buffer) Set(x, y int, p Pixel) {
	i := b.offset(x, y)
	switch b.format {
	case RGB:
		b.samples[i], b.samples[i+1], b.samples[i+2] = p.R, p.G, p.B
	case Binary:
		if p.R != 0 {
			b.samples[i] = 1
		} else {
			b.samples[i] = 0
		}
	default:
		b.samples[i] = p.R
	}
}

// Clone returns an independent copy of the buffer
func (b *Buffer) Clone() *Buffer {
	c := New(b.width, b.height, b.format)
	copy(c.samples, b.samples)
	return c
}

// Map applies f to every pixel and returns the result as a new buffer of
// the same format
func (b *Buffer) Map(f func(Pixel) Pixel) *Buffer {
	out := New(b.width, b.height, b.format)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			out.Set(x, y, f(b.At(x, y)))
		}
	}
	return out
}

// Equal reports whether two buffers have identical geometry, format and samples
func (b *Buffer) Equal(o *Buffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.width != o.width || b.height != o.height || b.format != o.format {
		return false
	}
	for i := range b.samples {
		if b.samples[i] != o.samples[i] {
			return false
		}
	}
	return true
}
