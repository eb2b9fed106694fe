package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

// TranscriptExt is appended to training image stems for their transcripts
const TranscriptExt = ".gt.txt"

// TruthFile is one exported training pair
type TruthFile struct {
	Source     string
	Label      string
	Image      string
	Transcript string
}

// TruthReport summarises a ground-truth export
type TruthReport struct {
	Dir   string
	Files []TruthFile
}

// TruthDir returns the ground-truth directory for a variant
func TruthDir(trainRoot, variantKey string) string {
	return filepath.Join(trainRoot, variantKey+"-ground-truth")
}

// ExportTruth writes a cleaned PNG and a transcript for every labelled
// image in the store. Output names are the sample's relative path with
// separators replaced by '-'.
func ExportTruth(store *Store, trainRoot string) (*TruthReport, error) {
	v := store.Variant()
	dir := TruthDir(trainRoot, v.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ground-truth directory: %w", err)
	}

	samples, err := store.Samples()
	if err != nil {
		return nil, err
	}

	report := &TruthReport{Dir: dir}
	for _, s := range samples {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return report, fmt.Errorf("failed to read %s: %w", s.Path, err)
		}

		img, _, err := pixel.Decode(data)
		if err != nil {
			return report, fmt.Errorf("failed to decode %s: %w", s.Path, err)
		}

		encoded, err := pixel.EncodeBytes(v.Preprocess(img))
		if err != nil {
			return report, fmt.Errorf("failed to encode cleaned %s: %w", s.Path, err)
		}

		stem := strings.TrimSuffix(flattenPath(s.RelPath), filepath.Ext(s.RelPath))
		file := TruthFile{
			Source:     s.Path,
			Label:      s.Label,
			Image:      filepath.Join(dir, stem+".png"),
			Transcript: filepath.Join(dir, stem+TranscriptExt),
		}

		if err := os.WriteFile(file.Image, encoded, 0o644); err != nil {
			return report, fmt.Errorf("failed to write %s: %w", file.Image, err)
		}
		if err := os.WriteFile(file.Transcript, []byte(s.Label+"\n"), 0o644); err != nil {
			return report, fmt.Errorf("failed to write %s: %w", file.Transcript, err)
		}

		report.Files = append(report.Files, file)
	}

	return report, nil
}

// TrainingHint returns the tesstrain commands for a finished export
func TrainingHint(report *TruthReport, variantKey, startModel, tessdataPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To train, copy %s folder to $TESSTRAIN_HOME/data, then run:\n\n", report.Dir)
	b.WriteString("$ cd $TESSTRAIN_HOME\n")
	fmt.Fprintf(&b, "$ make clean MODEL_NAME=%s\n", variantKey)
	fmt.Fprintf(&b, "$ make training MODEL_NAME=%s PSM=7 START_MODEL=%s TESSDATA=%q\n", variantKey, startModel, tessdataPath)
	fmt.Fprintf(&b, "$ cp \"$TESSTRAIN_HOME/data/%s.traineddata\" %q\n", variantKey, tessdataPath+"/")
	return b.String()
}

func flattenPath(rel string) string {
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "-")
}
