package variant

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/correct"
	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/pipeline"
)

const (
	digits    = "0123456789"
	lowercase = "abcdefghijklmnopqrstuvwxyz"
	uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// baseConfig is the configuration every variant starts from
var baseConfig = Config{
	Language:        "eng",
	CaseSensitive:   false,
	ImageExt:        ".png",
	TrainStartModel: "eng_best",
}

// Registry maps variant keys to variants
type Registry struct {
	variants map[string]*Variant
}

// NewRegistry creates a registry from the given variants. Later entries
// replace earlier ones with the same key.
func NewRegistry(variants ...*Variant) *Registry {
	r := &Registry{variants: make(map[string]*Variant, len(variants))}
	for _, v := range variants {
		r.variants[v.Key] = v
	}
	return r
}

// DefaultRegistry returns the registry of built-in captcha sources
func DefaultRegistry() *Registry {
	return NewRegistry(Base(), Demo(), Palette(), M360(), Sogou())
}

// Lookup returns the variant registered under key
func (r *Registry) Lookup(key string) (*Variant, error) {
	v, ok := r.variants[key]
	if !ok {
		return nil, errors.NewUnknownVariantError(key)
	}
	return v, nil
}

// Keys returns the registered keys in sorted order
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.variants))
	for k := range r.variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Base recognizes an unprocessed image with the stock English model
func Base() *Variant {
	return &Variant{
		Key:      "base",
		Kind:     KindPlain,
		Config:   baseConfig,
		Pipeline: pipeline.Default,
	}
}

// Demo is the sample GIF captcha used to bootstrap a trained model
func Demo() *Variant {
	cfg := baseConfig
	cfg.Language = "demo"
	cfg.Whitelist = "02468BDFHJLNPRTVXZ"
	cfg.ExpectedLength = 5
	cfg.ImageExt = ".gif"

	return &Variant{
		Key:      "demo",
		Kind:     KindPlain,
		Config:   cfg,
		Pipeline: pipeline.Default,
	}
}

// Palette handles captchas with dark saturated glyphs on a noisy colour palette
func Palette() *Variant {
	cfg := baseConfig
	cfg.Language = "palette"
	cfg.Whitelist = digits + uppercase
	cfg.Blacklist = "01IO"
	cfg.ExpectedLength = 4

	return &Variant{
		Key:      "palette",
		Kind:     KindPalette,
		Config:   cfg,
		Pipeline: pipeline.Palette(),
	}
}

// M360 handles the 360 CRM login captcha: colour dots over black text
func M360() *Variant {
	cfg := baseConfig
	cfg.Language = "m360"
	cfg.Whitelist = digits + lowercase
	cfg.Blacklist = "01loy"
	cfg.ExpectedLength = 5

	return &Variant{
		Key:      "m360",
		Kind:     KindBlackText,
		Config:   cfg,
		Pipeline: pipeline.BlackText(),
		FetchRequest: func(now time.Time) *FetchRequest {
			return &FetchRequest{
				URL: "https://crm.360.cn/login/checkImage",
				Params: url.Values{
					"type": {"login"},
					"rnd":  {strconv.FormatInt(now.Unix(), 10)},
				},
			}
		},
	}
}

// Sogou handles the Sogou P4P captcha: grayscale text with light shadows
func Sogou() *Variant {
	cfg := baseConfig
	cfg.Language = "sogou"
	cfg.Whitelist = digits + uppercase + lowercase
	cfg.Blacklist = "01Ilo"
	cfg.ExpectedLength = 4
	cfg.ImageExt = ".jpeg"

	return &Variant{
		Key:      "sogou",
		Kind:     KindShadow,
		Config:   cfg,
		Pipeline: pipeline.Shadow(),
		Correct:  correct.Diplopia,
		FetchRequest: func(now time.Time) *FetchRequest {
			nounce := strconv.FormatInt(now.UnixMilli(), 10)
			return &FetchRequest{
				URL: fmt.Sprintf("https://auth.p4p.sogou.com/validateCode/%s", nounce),
				Params: url.Values{
					"code":   {"checkcode"},
					"nounce": {nounce},
				},
			}
		},
	}
}
