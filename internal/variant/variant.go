/**
 * Captcha Variants
 *
 * A variant describes one captcha source: its OCR configuration, its
 * preprocessing pipeline, an optional post-recognition correction, an
 * optional fetch-request descriptor and the shape rule for valid codes.
 * Variants are immutable values; overrides produce copies.
 */

package variant

import (
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adverant/nexus/captcha-worker/internal/correct"
	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/pipeline"
	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

// Kind is the closed set of captcha styles the worker knows how to clean
type Kind int

const (
	KindPlain Kind = iota
	KindPalette
	KindBlackText
	KindShadow
)

func (k Kind) String() string {
	switch k {
	case KindPalette:
		return "palette"
	case KindBlackText:
		return "black-text"
	case KindShadow:
		return "shadow"
	default:
		return "plain"
	}
}

// Config holds per-source OCR and validation settings
type Config struct {
	Language        string
	Whitelist       string
	Blacklist       string
	ExpectedLength  int  // exact code length, 0 when the source has no fixed length
	CaseSensitive   bool // whether labels compare case-sensitively during evaluation
	ImageExt        string
	TrainStartModel string
}

// Charset returns the accepted characters (whitelist minus blacklist), sorted
func (c Config) Charset() string {
	black := make(map[rune]bool, len(c.Blacklist))
	for _, r := range c.Blacklist {
		black[r] = true
	}

	seen := make(map[rune]bool, len(c.Whitelist))
	var out []rune
	for _, r := range c.Whitelist {
		if black[r] || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return string(out)
}

// Matches compares a recognized code against a label using the
// variant's case rule
func (c Config) Matches(got, label string) bool {
	if c.CaseSensitive {
		return got == label
	}
	return strings.EqualFold(got, label)
}

// FetchRequest describes how to download a fresh captcha image
type FetchRequest struct {
	URL    string
	Params url.Values
}

// Variant bundles everything needed to recognize one captcha source
type Variant struct {
	Key      string
	Kind     Kind
	Config   Config
	Pipeline pipeline.Pipeline

	// Correct is applied to the trimmed OCR text when set
	Correct correct.Func

	// FetchRequest builds a download request for a new captcha. Nil when the
	// source cannot be fetched.
	FetchRequest func(now time.Time) *FetchRequest
}

// Preprocess runs the variant's pipeline on a decoded image
func (v *Variant) Preprocess(img *pixel.Buffer) *pixel.Buffer {
	return v.Pipeline.Run(img)
}

// CanFetch reports whether the variant supplies a fetch-request descriptor
func (v *Variant) CanFetch() bool {
	return v.FetchRequest != nil
}

// WithLanguage returns a copy of the variant using a different OCR language
func (v *Variant) WithLanguage(lang string) *Variant {
	c := *v
	c.Config.Language = lang
	return &c
}

// Validate checks the shape of a code: exact length first, then charset
// membership. The text is never modified.
func (v *Variant) Validate(text string) error {
	if n := utf8.RuneCountInString(text); v.Config.ExpectedLength > 0 && n != v.Config.ExpectedLength {
		return errors.NewInvalidLengthError(v.Config.ExpectedLength, n)
	}

	if v.Config.Whitelist == "" {
		return nil
	}

	charset := v.Config.Charset()
	seen := make(map[rune]bool)
	var offending []rune
	for _, r := range text {
		if seen[r] || strings.ContainsRune(charset, r) {
			continue
		}
		seen[r] = true
		offending = append(offending, r)
	}

	if len(offending) > 0 {
		sort.Slice(offending, func(i, j int) bool { return offending[i] < offending[j] })
		return errors.NewInvalidCharactersError(offending)
	}

	return nil
}
