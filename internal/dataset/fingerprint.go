package dataset

import (
	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

// FingerprintSide is the edge length of the resampled fingerprint image
const FingerprintSide = 32

// FingerprintDim is the length of a fingerprint vector
const FingerprintDim = FingerprintSide * FingerprintSide

// Fingerprint resamples a cleaned buffer to 32x32 grayscale and returns the
// intensities, row-major, scaled to [0,1]
func Fingerprint(b *pixel.Buffer) []float32 {
	small := imaging.Grayscale(imaging.Resize(pixel.ToImage(b), FingerprintSide, FingerprintSide, imaging.Box))

	vec := make([]float32, 0, FingerprintDim)
	for y := 0; y < FingerprintSide; y++ {
		row := small.Pix[y*small.Stride : y*small.Stride+FingerprintSide*4]
		for x := 0; x < FingerprintSide; x++ {
			vec = append(vec, float32(row[x*4])/255)
		}
	}
	return vec
}
