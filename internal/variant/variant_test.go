package variant

import (
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

func TestCharset(t *testing.T) {
	cfg := Config{Whitelist: "ZAB0A1", Blacklist: "0Q"}
	if got := cfg.Charset(); got != "1ABZ" {
		t.Fatalf("Charset() = %q, want %q", got, "1ABZ")
	}
}

func TestValidateExactness(t *testing.T) {
	v := &Variant{
		Key: "test",
		Config: Config{
			Whitelist:      digits + uppercase,
			Blacklist:      "01LO",
			ExpectedLength: 5,
		},
	}

	tests := []struct {
		name      string
		text      string
		wantCode  *errors.CaptchaError
		offending string
	}{
		{"valid", "AB234", nil, ""},
		{"offending characters listed exactly", "L0AOL", errors.ErrInvalidCharacters, "0LO"},
		{"lowercase outside charset", "abC23", errors.ErrInvalidCharacters, "ab"},
		{"six characters fail on length", "ABCDEF", errors.ErrInvalidLength, ""},
		{"six invalid characters still fail on length", "000000", errors.ErrInvalidLength, ""},
		{"short", "AB", errors.ErrInvalidLength, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.text)
			if tt.wantCode == nil {
				if err != nil {
					t.Fatalf("Validate(%q) = %v, want nil", tt.text, err)
				}
				return
			}
			if !stderrors.Is(err, tt.wantCode) {
				t.Fatalf("Validate(%q) = %v, want %s", tt.text, err, tt.wantCode.Code)
			}
			var ce *errors.CaptchaError
			if !stderrors.As(err, &ce) {
				t.Fatalf("expected CaptchaError, got %T", err)
			}
			if got := ce.Offending(); got != tt.offending {
				t.Fatalf("offending = %q, want %q", got, tt.offending)
			}
		})
	}
}

func TestValidateCountsRunes(t *testing.T) {
	v := &Variant{Config: Config{ExpectedLength: 4}}
	if err := v.Validate("ééée"); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateWithoutConstraints(t *testing.T) {
	if err := Base().Validate("anything at all"); err != nil {
		t.Fatalf("base variant should accept any text, got %v", err)
	}
}

func TestBuiltinValidation(t *testing.T) {
	tests := []struct {
		key   string
		text  string
		valid bool
	}{
		{"m360", "a2b3c", true},
		{"m360", "a2by3", false},
		{"m360", "A2B3C", false},
		{"sogou", "Ab3Z", true},
		{"sogou", "AbIZ", false},
		{"sogou", "Ab3Zq", false},
		{"demo", "02BDF", true},
		{"demo", "13ACE", false},
		{"palette", "A2B9", true},
		{"palette", "AOB9", false},
	}

	reg := DefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.key+"/"+tt.text, func(t *testing.T) {
			v, err := reg.Lookup(tt.key)
			if err != nil {
				t.Fatalf("Lookup(%q) error = %v", tt.key, err)
			}
			err = v.Validate(tt.text)
			if (err == nil) != tt.valid {
				t.Fatalf("Validate(%q) = %v, valid want %v", tt.text, err, tt.valid)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := DefaultRegistry().Lookup("variant-z")
	if !stderrors.Is(err, errors.ErrUnknownVariant) {
		t.Fatalf("Lookup() error = %v, want UNKNOWN_VARIANT", err)
	}
}

func TestKeys(t *testing.T) {
	got := strings.Join(DefaultRegistry().Keys(), ",")
	if got != "base,demo,m360,palette,sogou" {
		t.Fatalf("Keys() = %s", got)
	}
}

func TestFetchCapability(t *testing.T) {
	reg := DefaultRegistry()
	now := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)

	m360, _ := reg.Lookup("m360")
	req := m360.FetchRequest(now)
	if req.URL != "https://crm.360.cn/login/checkImage" {
		t.Fatalf("m360 url = %s", req.URL)
	}
	if req.Params.Get("type") != "login" || req.Params.Get("rnd") != "1709294400" {
		t.Fatalf("m360 params = %v", req.Params)
	}

	sogou, _ := reg.Lookup("sogou")
	req = sogou.FetchRequest(now)
	if req.URL != "https://auth.p4p.sogou.com/validateCode/1709294400500" {
		t.Fatalf("sogou url = %s", req.URL)
	}
	if req.Params.Get("nounce") != "1709294400500" || req.Params.Get("code") != "checkcode" {
		t.Fatalf("sogou params = %v", req.Params)
	}

	for _, key := range []string{"base", "demo", "palette"} {
		v, _ := reg.Lookup(key)
		if v.CanFetch() {
			t.Fatalf("%s should not provide a fetch request", key)
		}
	}
}

func TestMatches(t *testing.T) {
	insensitive := Config{CaseSensitive: false}
	sensitive := Config{CaseSensitive: true}

	if !insensitive.Matches("abCD", "ABcd") {
		t.Fatalf("case-insensitive compare failed")
	}
	if sensitive.Matches("abCD", "ABcd") {
		t.Fatalf("case-sensitive compare should fail")
	}
	if !sensitive.Matches("abCD", "abCD") {
		t.Fatalf("identical strings should match")
	}
}

func TestWithLanguageCopies(t *testing.T) {
	orig := Sogou()
	over := orig.WithLanguage("eng_best")
	if orig.Config.Language != "sogou" || over.Config.Language != "eng_best" {
		t.Fatalf("WithLanguage languages = %s / %s", orig.Config.Language, over.Config.Language)
	}
}

func TestPreprocessUsesVariantPipeline(t *testing.T) {
	src := pixel.New(3, 3, pixel.RGB)
	src.Set(1, 1, pixel.Pixel{R: 10, G: 10, B: 10})

	tests := []struct {
		v    *Variant
		want pixel.Format
	}{
		{Base(), pixel.RGB},
		{Palette(), pixel.Binary},
		{M360(), pixel.RGB},
		{Sogou(), pixel.Gray},
	}
	for _, tt := range tests {
		if got := tt.v.Preprocess(src).Format(); got != tt.want {
			t.Fatalf("%s: format = %v, want %v", tt.v.Key, got, tt.want)
		}
	}

	if got := M360().Preprocess(src).At(1, 1); got != pixel.White {
		t.Fatalf("m360 should whiten non-black pixels, got %v", got)
	}
}
