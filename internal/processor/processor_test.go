package processor

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/pixel"
	"github.com/adverant/nexus/captcha-worker/internal/recognizer"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

type fakeStore struct {
	updates    []*storage.JobUpdate
	recorded   []*storage.RecognitionInput
	hint       *storage.LabelHint
	hintErr    error
	recordErr  error
	hintQuery  string
	hintThresh float64
}

func (s *fakeStore) UpdateJobStatus(_ context.Context, u *storage.JobUpdate) error {
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeStore) RecordRecognition(_ context.Context, in *storage.RecognitionInput) (*storage.RecognitionRecord, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	s.recorded = append(s.recorded, in)
	return &storage.RecognitionRecord{ID: "rec-1", JobID: in.JobID}, nil
}

func (s *fakeStore) NearestLabel(_ context.Context, v string, fp []float32, threshold float64) (*storage.LabelHint, error) {
	s.hintQuery = v
	s.hintThresh = threshold
	return s.hint, s.hintErr
}

type fakeFetcher struct {
	data      []byte
	err       error
	urls      []string
	variants  []string
	fetchedAt time.Time
}

func (f *fakeFetcher) FetchURL(_ context.Context, u string) ([]byte, error) {
	f.urls = append(f.urls, u)
	return f.data, f.err
}

func (f *fakeFetcher) FetchVariant(_ context.Context, v *variant.Variant, now time.Time) ([]byte, error) {
	f.variants = append(f.variants, v.Key)
	f.fetchedAt = now
	return f.data, f.err
}

func captchaPNG(t *testing.T) []byte {
	t.Helper()
	b := pixel.New(12, 6, pixel.RGB)
	for y := 0; y < 6; y++ {
		for x := 0; x < 12; x++ {
			if (x+y)%4 == 0 {
				b.Set(x, y, pixel.Black)
			} else {
				b.Set(x, y, pixel.Pixel{R: 250, G: uint8(20 * x), B: 90})
			}
		}
	}
	data, err := pixel.EncodeBytes(b)
	if err != nil {
		t.Fatalf("EncodeBytes() error = %v", err)
	}
	return data
}

func newTestProcessor(t *testing.T, text string, store *fakeStore, fetcher Fetcher) (*CaptchaProcessor, *[]recognizer.Options) {
	t.Helper()

	var calls []recognizer.Options
	engine := recognizer.EngineFunc(func(_ context.Context, _ *pixel.Buffer, opts recognizer.Options) (string, error) {
		calls = append(calls, opts)
		return text, nil
	})

	logger := logging.NewLoggerWithWriter("test", io.Discard, logging.LevelDebug)
	rec, err := recognizer.New(engine, logger)
	if err != nil {
		t.Fatalf("recognizer.New() error = %v", err)
	}

	p, err := NewCaptchaProcessor(&ProcessorConfig{
		Recognizer:          rec,
		Storage:             store,
		Fetcher:             fetcher,
		MaxImageSize:        1 << 16,
		SimilarityThreshold: 0.97,
		Logger:              logger,
	})
	if err != nil {
		t.Fatalf("NewCaptchaProcessor() error = %v", err)
	}
	return p, &calls
}

func TestNewCaptchaProcessorRequiresDeps(t *testing.T) {
	if _, err := NewCaptchaProcessor(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := NewCaptchaProcessor(&ProcessorConfig{Storage: &fakeStore{}}); err == nil {
		t.Fatalf("expected error for missing recognizer")
	}
}

func TestProcessCaptchaFromBuffer(t *testing.T) {
	store := &fakeStore{hint: &storage.LabelHint{Label: "a2b3c", Score: 0.99, SamplePointID: "p1"}}
	p, calls := newTestProcessor(t, "a2b3c\n", store, nil)

	result, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{
		JobID:       "job-1",
		Variant:     "m360",
		ImageBuffer: captchaPNG(t),
	})
	if err != nil {
		t.Fatalf("ProcessCaptcha() error = %v", err)
	}

	if result.Text != "a2b3c" || !result.Valid || result.Corrected {
		t.Fatalf("result = %+v", result)
	}
	if result.ImageType != "png" {
		t.Fatalf("ImageType = %q", result.ImageType)
	}
	if result.HintLabel != "a2b3c" || result.HintScore != 0.99 {
		t.Fatalf("hint = %q/%v", result.HintLabel, result.HintScore)
	}
	if result.RecognitionID != "rec-1" {
		t.Fatalf("RecognitionID = %q", result.RecognitionID)
	}

	if store.hintQuery != "m360" || store.hintThresh != 0.97 {
		t.Fatalf("hint query = %q/%v", store.hintQuery, store.hintThresh)
	}
	if len(store.recorded) != 1 {
		t.Fatalf("recorded = %d", len(store.recorded))
	}
	in := store.recorded[0]
	if len(in.Fingerprint) != storage.VectorSize || in.Hint == nil || !in.Valid {
		t.Fatalf("recorded input = %+v", in)
	}

	if len(*calls) != 1 || (*calls)[0].Language != "m360" {
		t.Fatalf("engine calls = %+v", *calls)
	}
}

func TestProcessCaptchaReportsValidationFailure(t *testing.T) {
	store := &fakeStore{}
	p, _ := newTestProcessor(t, "a1b", store, nil)

	result, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{
		JobID:       "job-2",
		Variant:     "m360",
		ImageBuffer: captchaPNG(t),
	})
	if err != nil {
		t.Fatalf("ProcessCaptcha() error = %v", err)
	}

	if result.Valid {
		t.Fatalf("expected invalid result")
	}
	if got := result.ValidationError["error_code"]; got != string(errors.ErrorInvalidLength) {
		t.Fatalf("validation code = %v", got)
	}
	if result.ValidationError["job_id"] != "job-2" {
		t.Fatalf("validation job = %v", result.ValidationError["job_id"])
	}
	if len(store.recorded) != 1 || store.recorded[0].Valid {
		t.Fatalf("invalid recognitions are still recorded as invalid")
	}
}

func TestProcessCaptchaAppliesDiplopiaAndLanguageOverride(t *testing.T) {
	store := &fakeStore{}
	p, calls := newTestProcessor(t, "AsSb9", store, nil)

	result, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{
		JobID:       "job-3",
		Variant:     "sogou",
		Language:    "eng_best",
		ImageBuffer: captchaPNG(t),
	})
	if err != nil {
		t.Fatalf("ProcessCaptcha() error = %v", err)
	}

	if result.RawText != "AsSb9" || result.Text != "Asb9" || !result.Corrected || !result.Valid {
		t.Fatalf("result = %+v", result)
	}
	if (*calls)[0].Language != "eng_best" {
		t.Fatalf("language = %q", (*calls)[0].Language)
	}
}

func TestProcessCaptchaSources(t *testing.T) {
	img := captchaPNG(t)

	t.Run("url", func(t *testing.T) {
		fetcher := &fakeFetcher{data: img}
		p, _ := newTestProcessor(t, "a2b3c", &fakeStore{}, fetcher)
		if _, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", ImageURL: "http://img/x.png"}); err != nil {
			t.Fatalf("ProcessCaptcha() error = %v", err)
		}
		if len(fetcher.urls) != 1 || fetcher.urls[0] != "http://img/x.png" {
			t.Fatalf("urls = %v", fetcher.urls)
		}
	})

	t.Run("variant fetch", func(t *testing.T) {
		fetcher := &fakeFetcher{data: img}
		p, _ := newTestProcessor(t, "a2b3c", &fakeStore{}, fetcher)
		fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		p.now = func() time.Time { return fixed }

		if _, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", Fetch: true}); err != nil {
			t.Fatalf("ProcessCaptcha() error = %v", err)
		}
		if len(fetcher.variants) != 1 || fetcher.variants[0] != "m360" || !fetcher.fetchedAt.Equal(fixed) {
			t.Fatalf("variant fetches = %v at %v", fetcher.variants, fetcher.fetchedAt)
		}
	})

	t.Run("variant without fetch request", func(t *testing.T) {
		p, _ := newTestProcessor(t, "x", &fakeStore{}, &fakeFetcher{data: img})
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "demo", Fetch: true})
		if !stderrors.Is(err, errors.ErrInvalidRequest) {
			t.Fatalf("error = %v, want INVALID_REQUEST", err)
		}
	})

	t.Run("fetch failure", func(t *testing.T) {
		fetchErr := errors.NewFetchFailedError("http://img/x.png", stderrors.New("503"))
		p, _ := newTestProcessor(t, "x", &fakeStore{}, &fakeFetcher{err: fetchErr})
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", ImageURL: "http://img/x.png"})
		if !stderrors.Is(err, errors.ErrFetch) {
			t.Fatalf("error = %v, want FETCH_FAILED", err)
		}
	})

	t.Run("no source", func(t *testing.T) {
		p, _ := newTestProcessor(t, "x", &fakeStore{}, nil)
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360"})
		if !stderrors.Is(err, errors.ErrInvalidRequest) {
			t.Fatalf("error = %v, want INVALID_REQUEST", err)
		}
	})

	t.Run("url without fetcher", func(t *testing.T) {
		p, _ := newTestProcessor(t, "x", &fakeStore{}, nil)
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", ImageURL: "http://img/x.png"})
		if !stderrors.Is(err, errors.ErrInvalidRequest) {
			t.Fatalf("error = %v, want INVALID_REQUEST", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		p, _ := newTestProcessor(t, "x", &fakeStore{}, nil)
		big := make([]byte, 1<<17)
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", ImageBuffer: big})
		if !stderrors.Is(err, errors.ErrImageTooLarge) {
			t.Fatalf("error = %v, want IMAGE_TOO_LARGE", err)
		}
	})
}

func TestProcessCaptchaErrors(t *testing.T) {
	t.Run("unknown variant", func(t *testing.T) {
		p, _ := newTestProcessor(t, "x", &fakeStore{}, nil)
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "nope", ImageBuffer: captchaPNG(t)})
		if !stderrors.Is(err, errors.ErrUnknownVariant) {
			t.Fatalf("error = %v, want UNKNOWN_VARIANT", err)
		}
	})

	t.Run("undecodable", func(t *testing.T) {
		p, _ := newTestProcessor(t, "x", &fakeStore{}, nil)
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", ImageBuffer: []byte("not an image")})
		if !stderrors.Is(err, errors.ErrDecode) {
			t.Fatalf("error = %v, want DECODE_FAILED", err)
		}
	})

	t.Run("hint failure is not fatal", func(t *testing.T) {
		store := &fakeStore{hintErr: stderrors.New("qdrant down")}
		p, _ := newTestProcessor(t, "a2b3c", store, nil)
		result, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", ImageBuffer: captchaPNG(t)})
		if err != nil {
			t.Fatalf("ProcessCaptcha() error = %v", err)
		}
		if result.HintLabel != "" {
			t.Fatalf("unexpected hint %q", result.HintLabel)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		store := &fakeStore{recordErr: stderrors.New("db down")}
		p, _ := newTestProcessor(t, "a2b3c", store, nil)
		_, err := p.ProcessCaptcha(context.Background(), &ProcessRequest{JobID: "j", Variant: "m360", ImageBuffer: captchaPNG(t)})
		if !stderrors.Is(err, errors.ErrStorage) {
			t.Fatalf("error = %v, want STORAGE_FAILED", err)
		}
	})
}

func TestUpdateJobStatus(t *testing.T) {
	store := &fakeStore{}
	p, _ := newTestProcessor(t, "x", store, nil)

	timeoutErr := errors.NewProcessingTimeoutError("job-9", time.Second, context.DeadlineExceeded)
	if err := p.UpdateJobStatus(context.Background(), "job-9", "sogou", storage.StatusFailed, timeoutErr.ToMap()); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	u := store.updates[0]
	if u.JobID != "job-9" || u.Variant != "sogou" || u.Status != storage.StatusFailed {
		t.Fatalf("update = %+v", u)
	}
	if u.ErrorCode != string(errors.ErrorProcessingTimeout) || u.ErrorMessage == "" {
		t.Fatalf("error fields = %q / %q", u.ErrorCode, u.ErrorMessage)
	}

	if err := p.UpdateJobStatus(context.Background(), "job-10", "m360", storage.StatusFailed, map[string]interface{}{
		"error":          "boom",
		"processingTime": int64(42),
	}); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}
	u = store.updates[1]
	if u.ErrorCode != "PROCESSING_ERROR" || u.ErrorMessage != "boom" || u.ProcessingTimeMs != 42 {
		t.Fatalf("update = %+v", u)
	}
}

func TestDetectImageType(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "png"},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpeg"},
		{[]byte("GIF89a.."), "gif"},
		{[]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "webp"},
		{[]byte("BM\x00\x00\x00"), "bmp"},
		{[]byte("%PDF-1.7"), ""},
		{[]byte("ab"), ""},
	}
	for _, tt := range tests {
		if got := detectImageType(tt.data); got != tt.want {
			t.Errorf("detectImageType(%q) = %q, want %q", tt.data, got, tt.want)
		}
	}
}
