package dataset

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/recognizer"
)

// Mismatch is a labelled image the recognizer got wrong
type Mismatch struct {
	Path     string
	Expected string
	Actual   string
	Err      error // set when the image could not be decoded
}

// Evaluation is the accuracy of a model over a label store
type Evaluation struct {
	Total      int
	Correct    int
	Mismatches []Mismatch
}

// Precision returns the percentage of correct recognitions
func (e *Evaluation) Precision() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Correct) / float64(e.Total) * 100
}

// Evaluate recognizes every labelled image in the store and compares the
// corrected text against the label with the variant's case rule. Undecodable
// images count as mismatches; engine failures abort the run.
func Evaluate(ctx context.Context, r *recognizer.Recognizer, store *Store) (*Evaluation, error) {
	v := store.Variant()

	samples, err := store.Samples()
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{}
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return eval, err
		}

		data, err := os.ReadFile(s.Path)
		if err != nil {
			return eval, fmt.Errorf("failed to read %s: %w", s.Path, err)
		}

		eval.Total++

		res, err := r.RecognizeBytes(ctx, v, data)
		if err != nil {
			if stderrors.Is(err, errors.ErrDecode) {
				eval.Mismatches = append(eval.Mismatches, Mismatch{Path: s.Path, Expected: s.Label, Err: err})
				continue
			}
			return eval, err
		}

		if v.Config.Matches(res.CorrectedText, s.Label) {
			eval.Correct++
			continue
		}

		eval.Mismatches = append(eval.Mismatches, Mismatch{
			Path:     s.Path,
			Expected: s.Label,
			Actual:   res.CorrectedText,
		})
	}

	return eval, nil
}
