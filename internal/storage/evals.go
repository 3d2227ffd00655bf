package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

// EvalRun is one evaluation pass over a dataset or a set of traces. ID is
// the tracking run id.
type EvalRun struct {
	ID            string
	Name          string
	Dataset       string
	PromptModel   string
	BaselineRunID string
	Status        string
	CreatedAt     time.Time
	FinishedAt    time.Time
}

// EvalResult is one scorer verdict on one trace.
type EvalResult struct {
	RunID        string
	TraceID      string
	CustomerName string
	Scorer       string
	Value        string
	Rationale    string
}

func (s *Store) CreateEvalRun(ctx context.Context, r EvalRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_runs (id, name, dataset, prompt_model, baseline_run_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Dataset, r.PromptModel, r.BaselineRunID, r.Status, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating eval run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) FinishEvalRun(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE eval_runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("eval run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetEvalRun(ctx context.Context, id string) (EvalRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, dataset, prompt_model, baseline_run_id, status, created_at, finished_at
		FROM eval_runs WHERE id = ?`, id)
	r, err := scanEvalRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EvalRun{}, fmt.Errorf("eval run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListEvalRuns returns the most recent runs first.
func (s *Store) ListEvalRuns(ctx context.Context, limit int) ([]EvalRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, dataset, prompt_model, baseline_run_id, status, created_at, finished_at
		FROM eval_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvalRun
	for rows.Next() {
		r, err := scanEvalRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvalRun(row scanner) (EvalRun, error) {
	var (
		r          EvalRun
		createdAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Dataset, &r.PromptModel, &r.BaselineRunID, &r.Status, &createdAt, &finishedAt); err != nil {
		return EvalRun{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return EvalRun{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if finishedAt.Valid {
		if r.FinishedAt, err = parseTime(finishedAt.String); err != nil {
			return EvalRun{}, fmt.Errorf("parsing finished_at: %w", err)
		}
	}
	return r, nil
}

// SaveEvalResult stores a verdict, replacing an earlier one for the same
// run, trace and scorer.
func (s *Store) SaveEvalResult(ctx context.Context, r EvalResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_results (run_id, trace_id, customer_name, scorer, value, rationale)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, trace_id, scorer) DO UPDATE SET
			value = excluded.value, rationale = excluded.rationale, customer_name = excluded.customer_name`,
		r.RunID, r.TraceID, r.CustomerName, r.Scorer, r.Value, r.Rationale,
	)
	if err != nil {
		return fmt.Errorf("saving %s result for %s: %w", r.Scorer, r.TraceID, err)
	}
	return nil
}

// EvalResults returns the verdicts of a run ordered by trace and scorer.
func (s *Store) EvalResults(ctx context.Context, runID string) ([]EvalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, trace_id, customer_name, scorer, value, rationale
		FROM eval_results WHERE run_id = ? ORDER BY trace_id, scorer`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvalResult
	for rows.Next() {
		var r EvalResult
		if err := rows.Scan(&r.RunID, &r.TraceID, &r.CustomerName, &r.Scorer, &r.Value, &r.Rationale); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PassRates returns, per scorer, the fraction of verdicts that were "yes".
func (s *Store) PassRates(ctx context.Context, runID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scorer, AVG(CASE WHEN value = 'yes' THEN 1.0 ELSE 0.0 END)
		FROM eval_results WHERE run_id = ? GROUP BY scorer`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			scorer string
			rate   float64
		)
		if err := rows.Scan(&scorer, &rate); err != nil {
			return nil, err
		}
		out[scorer] = rate
	}
	return out, rows.Err()
}
