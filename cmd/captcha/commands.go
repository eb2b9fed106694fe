package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/config"
	"github.com/adverant/nexus/captcha-worker/internal/dataset"
	"github.com/adverant/nexus/captcha-worker/internal/fetch"
	"github.com/adverant/nexus/captcha-worker/internal/queue"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
)

const skipInput = "skip"

func (a *app) runTest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("test takes exactly one image path")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	res, err := a.rec.RecognizeBytes(ctx, a.variant, data)
	if err != nil {
		return err
	}

	if err := a.variant.Validate(res.CorrectedText); err != nil {
		a.logger.Warn("recognized text does not validate", "text", res.CorrectedText, "error", err)
	}

	fmt.Fprintln(a.out, res.CorrectedText)
	return nil
}

func (a *app) runLabel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("label", flag.ContinueOnError)
	total := fs.Int("n", 10, "number of new images to fetch and label (0 for unlimited)")
	overwrite := fs.Bool("overwrite", false, "overwrite an existing image for the same captcha")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !a.variant.CanFetch() {
		return fmt.Errorf("variant %s has no fetch request", a.variant.Key)
	}

	client := fetch.NewClient(&fetch.ClientConfig{
		Timeout: time.Duration(a.cfg.FetchTimeout) * time.Millisecond,
		MaxSize: a.cfg.MaxImageSize,
	})

	// Labels are mirrored to the database when one is configured
	var sm *storage.StorageManager
	if a.cfg.DatabaseURL != "" {
		var err error
		if sm, err = a.openStorage(); err != nil {
			return err
		}
		defer sm.Close()
	}

	for count := 1; *total == 0 || count <= *total; {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := client.FetchVariant(ctx, a.variant, time.Now())
		if err != nil {
			return err
		}

		var guess string
		var fingerprint []float32
		res, err := a.rec.RecognizeBytes(ctx, a.variant, data)
		if err != nil {
			a.logger.Warn("recognition failed", "error", err)
		} else {
			guess = res.CorrectedText
			fingerprint = dataset.Fingerprint(res.Cleaned)
		}

		prompt := fmt.Sprintf("[%d / %d] Enter captcha (enter `%s` to skip)", count, *total, skipInput)
		label, ok, err := promptLabel(a.in, a.out, prompt, guess, a.variant.Validate)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(a.out, "skipped")
			continue
		}

		path, err := a.store.Save(label, data, *overwrite)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, "saved labeled image to", path)

		if sm != nil {
			if _, err := sm.StoreLabel(ctx, &storage.LabelInput{
				Variant:     a.variant.Key,
				Label:       label,
				Image:       data,
				Fingerprint: fingerprint,
			}); err != nil {
				a.logger.Warn("failed to store label", "label", label, "error", err)
			}
		}

		count++
	}

	if sm != nil {
		n, err := sm.CountLabels(ctx, a.variant.Key)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%d confirmed labels stored for %s\n", n, a.variant.Key)
	}

	return nil
}

func (a *app) openStorage() (*storage.StorageManager, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return storage.NewStorageManager(&storage.ManagerConfig{
		DatabaseURL:      a.cfg.DatabaseURL,
		QdrantAddress:    a.cfg.QdrantURL,
		QdrantCollection: a.cfg.QdrantCollection,
	})
}

// promptLabel asks for a code until it validates. An empty answer accepts
// the default; "skip" returns ok=false.
func promptLabel(in lineReader, out io.Writer, prompt, def string, validate func(string) error) (string, bool, error) {
	for {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", prompt, def)
		} else {
			fmt.Fprintf(out, "%s: ", prompt)
		}

		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", false, err
		}

		answer := strings.TrimSpace(line)
		if answer == "" {
			answer = def
		}
		if answer == skipInput {
			return "", false, nil
		}

		if err := validate(answer); err != nil {
			prompt = fmt.Sprintf("Invalid captcha (%v), input again (enter `%s` to skip)", err, skipInput)
			continue
		}
		return answer, true, nil
	}
}

type lineReader interface {
	ReadString(delim byte) (string, error)
}

func (a *app) runTruth(args []string) error {
	fs := flag.NewFlagSet("truth", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := dataset.ExportTruth(a.store, a.trainRoot)
	if err != nil {
		return err
	}

	for _, f := range report.Files {
		fmt.Fprintf(a.out, "labeled: %s [%s]\n", f.Source, f.Label)
		fmt.Fprintf(a.out, "      => %s\n", f.Image)
		fmt.Fprintf(a.out, "      => %s\n", f.Transcript)
	}

	fmt.Fprintln(a.out)
	fmt.Fprint(a.out, dataset.TrainingHint(report, a.variant.Key, a.variant.Config.TrainStartModel, a.tessdata))
	return nil
}

func (a *app) runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	eval, err := dataset.Evaluate(ctx, a.rec, a.store)
	if err != nil {
		return err
	}

	for _, m := range eval.Mismatches {
		if m.Err != nil {
			fmt.Fprintf(a.out, "expected: %s, error: %v, image: %s\n", m.Expected, m.Err, m.Path)
			continue
		}
		fmt.Fprintf(a.out, "expected: %s, actual: %s, image: %s\n", m.Expected, m.Actual, m.Path)
	}

	fmt.Fprintf(a.out, "evaluation result: %d of %d [%.1f%%] are correct\n", eval.Correct, eval.Total, eval.Precision())
	return nil
}

func (a *app) runEnqueue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	imageURL := fs.String("url", "", "let the worker download the image from this URL")
	fetchNew := fs.Bool("fetch", false, "let the worker fetch a fresh image for the variant")
	jobID := fs.String("job", "", "job ID (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	payload, err := a.jobPayload(*jobID, fs.Args(), *imageURL, *fetchNew)
	if err != nil {
		return err
	}

	producer, err := newProducer(a.cfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	id, err := producer.Enqueue(ctx, payload)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, id)
	return nil
}

// jobPayload builds a job from exactly one image source
func (a *app) jobPayload(jobID string, paths []string, imageURL string, fetchNew bool) (*queue.JobPayload, error) {
	sources := len(paths)
	if imageURL != "" {
		sources++
	}
	if fetchNew {
		sources++
	}
	if sources != 1 {
		return nil, fmt.Errorf("enqueue takes exactly one of <image>, -url or -fetch")
	}
	if fetchNew && !a.variant.CanFetch() {
		return nil, fmt.Errorf("variant %s has no fetch request", a.variant.Key)
	}

	payload := &queue.JobPayload{
		JobID:    jobID,
		Variant:  a.variant.Key,
		Language: a.lang,
		ImageURL: imageURL,
		Fetch:    fetchNew,
	}

	if len(paths) == 1 {
		data, err := os.ReadFile(paths[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		payload.ImageBuffer = data
	}

	return payload, nil
}

func newProducer(cfg *config.Config) (queue.Producer, error) {
	pcfg := &queue.ProducerConfig{
		RedisURL:   cfg.RedisURL,
		QueueName:  cfg.QueueName,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.QueueBackend == config.QueueBackendAsynq {
		return queue.NewTaskProducer(pcfg)
	}
	return queue.NewListProducer(pcfg)
}

func (a *app) runResult(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("result", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("result takes exactly one job ID")
	}

	sm, err := a.openStorage()
	if err != nil {
		return err
	}
	defer sm.Close()

	rec, err := sm.GetRecognition(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	printRecognition(a.out, rec)
	return nil
}

func printRecognition(out io.Writer, rec *storage.RecognitionRecord) {
	fmt.Fprintf(out, "job:       %s\n", rec.JobID)
	fmt.Fprintf(out, "variant:   %s\n", rec.Variant)
	fmt.Fprintf(out, "raw:       %q\n", rec.RawText)
	fmt.Fprintf(out, "text:      %q\n", rec.CorrectedText)
	fmt.Fprintf(out, "valid:     %v\n", rec.Valid)
	if rec.HintLabel != "" {
		fmt.Fprintf(out, "hint:      %s (score %.3f)\n", rec.HintLabel, rec.HintScore)
	}
	fmt.Fprintf(out, "took:      %dms\n", rec.ProcessingTimeMs)
	fmt.Fprintf(out, "stored at: %s\n", rec.CreatedAt.Format(time.RFC3339))
}
