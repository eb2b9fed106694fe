/**
 * Captcha CLI
 *
 * Developer tool for a single captcha variant:
 * - test:     recognize one image file
 * - label:    fetch fresh images, confirm their codes and save them
 * - truth:    export cleaned images and transcripts for tesstrain
 * - evaluate: measure recognition accuracy over the labelled images
 * - enqueue:  submit a job to the worker queue
 * - result:   show the stored outcome of a job
 */

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adverant/nexus/captcha-worker/internal/config"
	"github.com/adverant/nexus/captcha-worker/internal/dataset"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/recognizer"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

const usage = `usage: captcha [flags] <command> [command flags]

commands:
  test <image>      recognize an image file and print the code
  label [-n N]      fetch, confirm and save labelled images
  truth             export ground truth for tesseract training
  evaluate          evaluate the model against all labelled images
  enqueue [<image>] submit a recognition job to the worker queue
                    (-url URL | -fetch, -job ID)
  result <job-id>   show the stored recognition for a job

flags:
`

// app carries what every command needs
type app struct {
	cfg       *config.Config
	variant   *variant.Variant
	lang      string
	rec       *recognizer.Recognizer
	store     *dataset.Store
	trainRoot string
	tessdata  string
	logger    *logging.Logger
	in        *bufio.Reader
	out       io.Writer
}

func main() {
	if _, err := config.LoadEnvFile(config.DefaultEnvFile); err != nil {
		log.Fatalf("Failed to load environment file: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("captcha", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	variantKey := fs.String("variant", "base", "which captcha variant to play with")
	lang := fs.String("lang", "", "use a non-default tesseract language, e.g. eng, eng_best, eng_fast")
	labelRoot := fs.String("label-root", cfg.LabelRoot, "labeling data root folder path")
	trainRoot := fs.String("train-root", cfg.TrainRoot, "training data root folder path")
	tessdata := fs.String("tessdata", cfg.TessdataPath, "tesseract model directory")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("command is required")
	}

	v, err := variant.DefaultRegistry().Lookup(*variantKey)
	if err != nil {
		return err
	}
	if *lang != "" {
		v = v.WithLanguage(*lang)
	}

	logger := logging.NewLoggerWithWriter("captcha", os.Stderr, logging.ParseLevel(cfg.LogLevel))

	rec, err := recognizer.New(recognizer.NewTesseractOCR(&recognizer.TesseractConfig{TessdataPath: *tessdata}), logger)
	if err != nil {
		return err
	}

	a := &app{
		cfg:       cfg,
		variant:   v,
		lang:      *lang,
		rec:       rec,
		store:     dataset.NewStore(*labelRoot, v),
		trainRoot: *trainRoot,
		tessdata:  *tessdata,
		logger:    logger.With("variant", v.Key),
		in:        bufio.NewReader(stdin),
		out:       stdout,
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "test":
		return a.runTest(ctx, cmdArgs)
	case "label":
		return a.runLabel(ctx, cmdArgs)
	case "truth":
		return a.runTruth(cmdArgs)
	case "evaluate":
		return a.runEvaluate(ctx, cmdArgs)
	case "enqueue":
		return a.runEnqueue(ctx, cmdArgs)
	case "result":
		return a.runResult(ctx, cmdArgs)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
