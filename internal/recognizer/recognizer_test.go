package recognizer

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"testing"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/pixel"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

type recordingEngine struct {
	text  string
	err   error
	calls []Options
	seen  []*pixel.Buffer
}

func (e *recordingEngine) Recognize(_ context.Context, img *pixel.Buffer, opts Options) (string, error) {
	e.calls = append(e.calls, opts)
	e.seen = append(e.seen, img)
	return e.text, e.err
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerWithWriter("test", io.Discard, logging.LevelDebug)
}

func newTestRecognizer(t *testing.T, engine Engine) *Recognizer {
	t.Helper()
	r, err := New(engine, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func grayImage() *pixel.Buffer {
	b := pixel.New(6, 4, pixel.RGB)
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			b.Set(x, y, pixel.Pixel{R: uint8(x * 40), G: uint8(y * 60), B: 30})
		}
	}
	return b
}

func TestNewRequiresEngine(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("expected error for nil engine")
	}
}

func TestRecognizePassesVariantOptions(t *testing.T) {
	engine := &recordingEngine{text: "a2b3c\n"}
	r := newTestRecognizer(t, engine)

	res, err := r.Recognize(context.Background(), variant.M360(), grayImage())
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}

	if len(engine.calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(engine.calls))
	}
	got := engine.calls[0]
	want := Options{
		Language:    "m360",
		PageSegMode: PSMSingleLine,
		Whitelist:   "0123456789abcdefghijklmnopqrstuvwxyz",
		Blacklist:   "01loy",
	}
	if got != want {
		t.Fatalf("options = %+v, want %+v", got, want)
	}

	if res.RawText != "a2b3c" || res.CorrectedText != "a2b3c" {
		t.Fatalf("result = %+v", res)
	}
	if res.Variant != "m360" {
		t.Fatalf("variant = %q", res.Variant)
	}
}

func TestRecognizeSendsCleanedImage(t *testing.T) {
	engine := &recordingEngine{text: "x"}
	r := newTestRecognizer(t, engine)

	img := grayImage()
	res, err := r.Recognize(context.Background(), variant.Sogou(), img)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}

	sent := engine.seen[0]
	if sent.Format() != pixel.Gray {
		t.Fatalf("engine received %v buffer, want gray", sent.Format())
	}
	if !sent.Equal(variant.Sogou().Preprocess(img)) {
		t.Fatalf("engine did not receive the preprocessed image")
	}
	if !res.Cleaned.Equal(sent) {
		t.Fatalf("result does not carry the cleaned image")
	}
}

func TestRecognizeAppliesDiplopiaOnlyWhenEnabled(t *testing.T) {
	tests := []struct {
		name      string
		v         *variant.Variant
		raw       string
		corrected string
	}{
		{"sogou fixes doubled ambiguous glyph", variant.Sogou(), " AcCb9\n", "Acb9"},
		{"sogou leaves exact length alone", variant.Sogou(), "AcCb", "AcCb"},
		{"m360 never corrects", variant.M360(), "acCb9x", "acCb9x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRecognizer(t, &recordingEngine{text: tt.raw})
			res, err := r.Recognize(context.Background(), tt.v, grayImage())
			if err != nil {
				t.Fatalf("Recognize() error = %v", err)
			}
			if res.CorrectedText != tt.corrected {
				t.Fatalf("corrected = %q, want %q", res.CorrectedText, tt.corrected)
			}
			if res.Corrected() != (res.RawText != res.CorrectedText) {
				t.Fatalf("Corrected() inconsistent")
			}
		})
	}
}

func TestRecognizeWrapsEngineFailure(t *testing.T) {
	cause := stderrors.New("no traineddata")
	r := newTestRecognizer(t, &recordingEngine{err: cause})

	_, err := r.Recognize(context.Background(), variant.Sogou(), grayImage())
	if !stderrors.Is(err, errors.ErrEngine) {
		t.Fatalf("error = %v, want ENGINE_FAILED", err)
	}
	if !stderrors.Is(err, cause) {
		t.Fatalf("engine cause not preserved: %v", err)
	}
}

func TestRecognizeBytes(t *testing.T) {
	r := newTestRecognizer(t, &recordingEngine{text: "02BDF"})

	var buf bytes.Buffer
	if err := pixel.Encode(&buf, grayImage()); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	res, err := r.RecognizeBytes(context.Background(), variant.Demo(), buf.Bytes())
	if err != nil {
		t.Fatalf("RecognizeBytes() error = %v", err)
	}
	if res.CorrectedText != "02BDF" {
		t.Fatalf("text = %q", res.CorrectedText)
	}

	_, err = r.RecognizeBytes(context.Background(), variant.Demo(), []byte("nope"))
	if !stderrors.Is(err, errors.ErrDecode) {
		t.Fatalf("error = %v, want DECODE_FAILED", err)
	}
}

func TestEngineFunc(t *testing.T) {
	var got Options
	engine := EngineFunc(func(_ context.Context, _ *pixel.Buffer, opts Options) (string, error) {
		got = opts
		return "ok", nil
	})

	r := newTestRecognizer(t, engine)
	if _, err := r.Recognize(context.Background(), variant.Base(), grayImage()); err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if got.Language != "eng" || got.Whitelist != "" || got.PageSegMode != PSMSingleLine {
		t.Fatalf("unexpected base options: %+v", got)
	}
}

func TestTesseractHonoursCancelledContext(t *testing.T) {
	ocr := NewTesseractOCR(&TesseractConfig{TessdataPath: "/opt/tessdata"})
	if ocr.TessdataPath() != "/opt/tessdata" {
		t.Fatalf("TessdataPath() = %q", ocr.TessdataPath())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ocr.Recognize(ctx, grayImage(), Options{}); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("Recognize() error = %v, want context.Canceled", err)
	}
}
