/**
 * Image codec for pixel buffers
 *
 * Decodes GIF, JPEG, PNG, BMP and WebP captcha images into buffers and
 * encodes buffers as PNG. PNG output is lossless for all three formats:
 * binary buffers are written as a two-colour palette and read back as binary.
 */

package pixel

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var binaryPalette = color.Palette{
	color.RGBA{0, 0, 0, 255},
	color.RGBA{255, 255, 255, 255},
}

// Decode parses encoded image bytes into a buffer. It returns the detected
// container format name alongside the buffer.
func Decode(data []byte) (*Buffer, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image data")
	}

	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	return FromImage(img), name, nil
}

// FromImage converts a standard library image into a buffer. Gray images
// stay single channel, black/white paletted images become binary, everything
// else becomes RGB with alpha dropped.
func FromImage(img image.Image) *Buffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	switch src := img.(type) {
	case *image.Gray:
		out := New(w, h, Gray)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(x, y, Mono(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return out

	case *image.Gray16:
		out := New(w, h, Gray)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(x, y, Mono(uint8(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y>>8)))
			}
		}
		return out

	case *image.Paletted:
		if isBinaryPalette(src.Palette) {
			out := New(w, h, Binary)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					r, _, _, _ := src.Palette[src.ColorIndexAt(bounds.Min.X+x, bounds.Min.Y+y)].RGBA()
					out.Set(x, y, Mono(uint8(r>>8)))
				}
			}
			return out
		}
	}

	out := New(w, h, RGB)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			out.Set(x, y, Pixel{c.R, c.G, c.B})
		}
	}
	return out
}

// isBinaryPalette reports whether every palette entry is opaque pure black or white
func isBinaryPalette(p color.Palette) bool {
	if len(p) == 0 || len(p) > 2 {
		return false
	}
	for _, c := range p {
		r, g, b, a := c.RGBA()
		if a != 0xffff || r != g || g != b || (r != 0 && r != 0xffff) {
			return false
		}
	}
	return true
}

// ToImage converts a buffer into a standard library image
func ToImage(b *Buffer) image.Image {
	rect := image.Rect(0, 0, b.width, b.height)

	switch b.format {
	case Binary:
		img := image.NewPaletted(rect, binaryPalette)
		for y := 0; y < b.height; y++ {
			for x := 0; x < b.width; x++ {
				img.SetColorIndex(x, y, b.At(x, y).R)
			}
		}
		return img

	case Gray:
		img := image.NewGray(rect)
		for y := 0; y < b.height; y++ {
			for x := 0; x < b.width; x++ {
				img.SetGray(x, y, color.Gray{Y: b.At(x, y).R})
			}
		}
		return img

	default:
		img := image.NewNRGBA(rect)
		for y := 0; y < b.height; y++ {
			for x := 0; x < b.width; x++ {
				p := b.At(x, y)
				img.SetNRGBA(x, y, color.NRGBA{p.R, p.G, p.B, 255})
			}
		}
		return img
	}
}

// Encode writes the buffer as PNG
func Encode(w io.Writer, b *Buffer) error {
	if err := png.Encode(w, ToImage(b)); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

// EncodeBytes is Encode into a fresh byte slice
func EncodeBytes(b *Buffer) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
