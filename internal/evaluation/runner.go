package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/storage"
	"github.com/kalambet/salesmail/internal/tracking"
)

// RunTracker is the part of the tracking service a Runner writes to.
type RunTracker interface {
	SearchTraces(ctx context.Context, q tracking.SearchQuery) ([]tracking.Trace, error)
	SetTag(ctx context.Context, traceID, key, value string) error
	LogAssessment(ctx context.Context, a tracking.Assessment) error
	StartRun(ctx context.Context, name string, tags map[string]string) (string, error)
	LogMetric(ctx context.Context, runID, key string, value float64) error
	EndRun(ctx context.Context, runID string, status tracking.Status) error
}

// ResultStore persists evaluation runs locally.
type ResultStore interface {
	DatasetRows(ctx context.Context, name string) ([]storage.DatasetRow, error)
	SaveDataset(ctx context.Context, name string, rows []storage.DatasetRow) (storage.Dataset, error)
	CreateEvalRun(ctx context.Context, r storage.EvalRun) error
	SaveEvalResult(ctx context.Context, r storage.EvalResult) error
	FinishEvalRun(ctx context.Context, id, status string) error
	PassRates(ctx context.Context, runID string) (map[string]float64, error)
}

// Generator produces the emails a dataset run evaluates.
type Generator interface {
	Run(ctx context.Context, req generator.Request) (generator.Sample, error)
}

type RunnerDeps struct {
	Tracker RunTracker
	Store   ResultStore
	Scorers []Scorer
	// JudgeModel is recorded as the source id of every verdict.
	JudgeModel string
	// Concurrency bounds parallel generations and judge calls. Defaults to 4.
	Concurrency int
	Logger      *slog.Logger
}

// Runner evaluates batches of emails and records the verdicts as
// assessments, local results and run metrics.
type Runner struct {
	tracker     RunTracker
	store       ResultStore
	scorers     []Scorer
	judgeModel  string
	concurrency int
	log         *slog.Logger
}

func NewRunner(d RunnerDeps) *Runner {
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Runner{
		tracker:     d.Tracker,
		store:       d.Store,
		scorers:     d.Scorers,
		judgeModel:  d.JudgeModel,
		concurrency: d.Concurrency,
		log:         d.Logger,
	}
}

// Report summarizes a finished run.
type Report struct {
	RunID     string
	RunName   string
	Evaluated int
	// Skipped counts generations and verdicts that failed and were left out.
	Skipped   int
	PassRates map[string]float64
}

// DatasetRun names a dataset evaluation.
type DatasetRun struct {
	Dataset       string
	RunName       string
	PromptModel   string
	BaselineRunID string
}

// EvaluateTraces scores the maxTraces most recent successful traces.
func (r *Runner) EvaluateTraces(ctx context.Context, runName string, maxTraces int) (Report, error) {
	traces, err := r.tracker.SearchTraces(ctx, tracking.SearchQuery{Status: tracking.StatusOK, MaxResults: maxTraces})
	if err != nil {
		return Report{}, fmt.Errorf("searching traces: %w", err)
	}
	if len(traces) == 0 {
		return Report{}, errors.New("no successful traces to evaluate")
	}
	inputs := make([]Input, 0, len(traces))
	for _, t := range traces {
		inputs = append(inputs, InputFromTrace(t))
	}
	r.log.Info("evaluating traces", "count", len(inputs))
	return r.evaluate(ctx, storage.EvalRun{Name: runName}, inputs, 0)
}

// EvaluateDataset generates an email for every row of the dataset with gen
// and scores the results.
func (r *Runner) EvaluateDataset(ctx context.Context, gen Generator, run DatasetRun) (Report, error) {
	rows, err := r.store.DatasetRows(ctx, run.Dataset)
	if err != nil {
		return Report{}, err
	}
	if len(rows) == 0 {
		return Report{}, fmt.Errorf("dataset %q is empty", run.Dataset)
	}

	var (
		mu      sync.Mutex
		inputs  []Input
		skipped atomic.Int64
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for _, row := range rows {
		eg.Go(func() error {
			s, err := gen.Run(egCtx, generator.Request{CustomerName: row.CustomerName, UserInput: row.UserInput})
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				r.log.Warn("generation failed", "customer", row.CustomerName, "error", err)
				skipped.Add(1)
				return nil
			}
			mu.Lock()
			inputs = append(inputs, InputFromSample(s))
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Report{}, err
	}
	if len(inputs) == 0 {
		return Report{}, fmt.Errorf("every generation for dataset %q failed", run.Dataset)
	}

	r.log.Info("evaluating dataset", "dataset", run.Dataset, "count", len(inputs))
	return r.evaluate(ctx, storage.EvalRun{
		Name:          run.RunName,
		Dataset:       run.Dataset,
		PromptModel:   run.PromptModel,
		BaselineRunID: run.BaselineRunID,
	}, inputs, int(skipped.Load()))
}

func (r *Runner) evaluate(ctx context.Context, meta storage.EvalRun, inputs []Input, skipped int) (Report, error) {
	runID, err := r.startRun(ctx, meta)
	if err != nil {
		return Report{}, err
	}

	var failed atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for _, in := range inputs {
		for _, sc := range r.scorers {
			eg.Go(func() error {
				v, err := sc.Score(egCtx, in)
				if err != nil {
					if egCtx.Err() != nil {
						return egCtx.Err()
					}
					r.log.Warn("scorer failed", "scorer", sc.Name(), "trace_id", in.TraceID, "error", err)
					failed.Add(1)
					return nil
				}
				r.logVerdict(egCtx, in.TraceID, sc.Name(), v)
				return r.store.SaveEvalResult(egCtx, storage.EvalResult{
					RunID:        runID,
					TraceID:      in.TraceID,
					CustomerName: in.CustomerName,
					Scorer:       sc.Name(),
					Value:        v.Value,
					Rationale:    v.Rationale,
				})
			})
		}
	}
	if err := eg.Wait(); err != nil {
		r.endRun(ctx, runID, tracking.StatusError)
		return Report{}, err
	}

	rates, err := r.finishRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}
	return Report{
		RunID:     runID,
		RunName:   meta.Name,
		Evaluated: len(inputs),
		Skipped:   skipped + int(failed.Load()),
		PassRates: rates,
	}, nil
}

// startRun opens a tracked run and its local record.
func (r *Runner) startRun(ctx context.Context, meta storage.EvalRun) (string, error) {
	tags := map[string]string{"judge_model": r.judgeModel}
	for k, v := range map[string]string{
		"dataset":         meta.Dataset,
		"prompt_model":    meta.PromptModel,
		"baseline_run_id": meta.BaselineRunID,
	} {
		if v != "" {
			tags[k] = v
		}
	}
	runID, err := r.tracker.StartRun(ctx, meta.Name, tags)
	if err != nil {
		return "", fmt.Errorf("starting run: %w", err)
	}
	meta.ID = runID
	if err := r.store.CreateEvalRun(ctx, meta); err != nil {
		r.endRun(ctx, runID, tracking.StatusError)
		return "", err
	}
	return runID, nil
}

// finishRun logs a <scorer>/mean metric per pass rate and closes the run.
func (r *Runner) finishRun(ctx context.Context, runID string) (map[string]float64, error) {
	rates, err := r.store.PassRates(ctx, runID)
	if err != nil {
		r.endRun(ctx, runID, tracking.StatusError)
		return nil, err
	}
	for _, name := range slices.Sorted(maps.Keys(rates)) {
		if err := r.tracker.LogMetric(ctx, runID, name+"/mean", rates[name]); err != nil {
			r.log.Warn("log metric failed", "run_id", runID, "metric", name, "error", err)
		}
	}
	r.endRun(ctx, runID, tracking.StatusOK)
	return rates, nil
}

func (r *Runner) logVerdict(ctx context.Context, traceID, scorer string, v Verdict) {
	err := r.tracker.LogAssessment(ctx, tracking.Assessment{
		TraceID:   traceID,
		Name:      scorer,
		Value:     v.Value,
		Rationale: v.Rationale,
		Source:    tracking.Source{Type: tracking.SourceLLMJudge, ID: r.judgeModel},
	})
	if err != nil {
		r.log.Warn("log assessment failed", "trace_id", traceID, "scorer", scorer, "error", err)
	}
}

func (r *Runner) endRun(ctx context.Context, runID string, status tracking.Status) {
	ctx = context.WithoutCancel(ctx)
	if err := r.tracker.EndRun(ctx, runID, status); err != nil {
		r.log.Warn("end run failed", "run_id", runID, "error", err)
	}
	local := storage.RunFinished
	if status != tracking.StatusOK {
		local = storage.RunFailed
	}
	if err := r.store.FinishEvalRun(ctx, runID, local); err != nil {
		r.log.Warn("finish eval run failed", "run_id", runID, "error", err)
	}
}
