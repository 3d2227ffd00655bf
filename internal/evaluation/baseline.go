package evaluation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/kalambet/salesmail/internal/storage"
	"github.com/kalambet/salesmail/internal/tracking"
)

// Curated dataset names.
const (
	LowAccuracyDataset = "low_accuracy"
	RegressionDataset  = "regression_set"
)

// Values of tracking.TagEvalExample on curated traces.
const (
	exampleLowAccuracy = "yes"
	exampleRegression  = "regression"
)

// maxCurated caps each curated dataset.
const maxCurated = 5

// Baselines are the reference runs of the prompt that produced the sample
// traces. A Report with an empty RunID means no trace qualified.
type Baselines struct {
	LowAccuracy Report
	Regression  Report
}

// CreateBaselines curates the scored sample traces into two datasets: traces
// judged inaccurate, and traces that passed accuracy, relevance and
// personalization. Each dataset gets an *_original_prompt run
// holding the verdicts already on its traces, tagged with promptModel.
func (r *Runner) CreateBaselines(ctx context.Context, promptModel string) (Baselines, error) {
	traces, err := r.tracker.SearchTraces(ctx, tracking.SearchQuery{
		Tags: map[string]string{tracking.TagSampleData: "yes"},
	})
	if err != nil {
		return Baselines{}, fmt.Errorf("searching sample traces: %w", err)
	}
	inaccurate, passing := curate(traces)
	if len(inaccurate) == 0 && len(passing) == 0 {
		return Baselines{}, errors.New("no scored sample traces; run evaluate traces first")
	}

	var b Baselines
	if b.LowAccuracy, err = r.baseline(ctx, LowAccuracyDataset, "low_accuracy_original_prompt", exampleLowAccuracy, promptModel, inaccurate); err != nil {
		return Baselines{}, err
	}
	if b.Regression, err = r.baseline(ctx, RegressionDataset, "regression_original_prompt", exampleRegression, promptModel, passing); err != nil {
		return Baselines{}, err
	}
	return b, nil
}

// curate splits traces into those judged inaccurate and those that passed
// every content judge, keeping at most maxCurated of each in search order.
func curate(traces []tracking.Trace) (inaccurate, passing []tracking.Trace) {
	for _, t := range traces {
		if t.Assessments[ScorerAccuracy] == No {
			if len(inaccurate) < maxCurated {
				inaccurate = append(inaccurate, t)
			}
			continue
		}
		passed := 0
		for _, name := range []string{ScorerRelevance, ScorerPersonalized, ScorerAccuracy} {
			if t.Assessments[name] == Yes {
				passed++
			}
		}
		if passed == 3 && len(passing) < maxCurated {
			passing = append(passing, t)
		}
	}
	return inaccurate, passing
}

func (r *Runner) baseline(ctx context.Context, dataset, runName, example, promptModel string, traces []tracking.Trace) (Report, error) {
	if len(traces) == 0 {
		r.log.Warn("no traces qualify for dataset", "dataset", dataset)
		return Report{}, nil
	}

	rows := make([]storage.DatasetRow, 0, len(traces))
	for _, t := range traces {
		if err := r.tracker.SetTag(ctx, t.ID, tracking.TagEvalExample, example); err != nil {
			r.log.Warn("tag trace failed", "trace_id", t.ID, "error", err)
		}
		rows = append(rows, storage.DatasetRow{CustomerName: t.CustomerName, UserInput: t.UserInput, SourceTraceID: t.ID})
	}
	if _, err := r.store.SaveDataset(ctx, dataset, rows); err != nil {
		return Report{}, fmt.Errorf("saving dataset %s: %w", dataset, err)
	}

	runID, err := r.startRun(ctx, storage.EvalRun{Name: runName, Dataset: dataset, PromptModel: promptModel})
	if err != nil {
		return Report{}, err
	}
	for _, t := range traces {
		for _, name := range slices.Sorted(maps.Keys(t.Assessments)) {
			err := r.store.SaveEvalResult(ctx, storage.EvalResult{
				RunID:        runID,
				TraceID:      t.ID,
				CustomerName: t.CustomerName,
				Scorer:       name,
				Value:        t.Assessments[name],
			})
			if err != nil {
				r.endRun(ctx, runID, tracking.StatusError)
				return Report{}, err
			}
		}
	}
	rates, err := r.finishRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}
	r.log.Info("baseline recorded", "dataset", dataset, "run_id", runID, "traces", len(traces))
	return Report{RunID: runID, RunName: runName, Evaluated: len(traces), PassRates: rates}, nil
}
