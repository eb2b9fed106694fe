// Package correct fixes known classes of OCR misreads after recognition.
package correct

import (
	"strings"
	"unicode"
)

// Ambiguous lists glyphs whose upper and lower case shapes differ only in
// size. Tesseract sometimes reports one such glyph as two adjacent
// detections of opposite case (tesseract-ocr/tesseract#3477).
const Ambiguous = "ckpsvwxyz"

// Func corrects raw OCR text given the expected code length
type Func func(text string, expectedLength int) string

// Diplopia drops the second glyph of adjacent case-variant pairs of an
// ambiguous letter, e.g. "cC" or "Zz", until the text is no longer than
// expectedLength. It makes a single left-to-right pass. After a drop the
// previous glyph is forgotten, so "cCc" only loses one character.
func Diplopia(text string, expectedLength int) string {
	budget := len([]rune(text)) - expectedLength
	if budget <= 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	var prev rune
	havePrev := false
	for _, ch := range text {
		if budget > 0 && havePrev && isDoubled(prev, ch) {
			budget--
			havePrev = false
			continue
		}
		b.WriteRune(ch)
		prev = ch
		havePrev = true
	}

	return b.String()
}

func isDoubled(prev, ch rune) bool {
	lower := unicode.ToLower(prev)
	return strings.ContainsRune(Ambiguous, lower) &&
		lower == unicode.ToLower(ch) &&
		prev != ch
}
