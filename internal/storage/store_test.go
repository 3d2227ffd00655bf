package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and
// verifies migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_eval_results_run", "idx_jobs_claim"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestSaveAndGetDataset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []DatasetRow{
		{CustomerName: "Acme Corp", UserInput: "mention the renewal"},
		{CustomerName: "Globex", SourceTraceID: "tr-1"},
	}
	d, err := s.SaveDataset(ctx, "regression", rows)
	if err != nil {
		t.Fatalf("SaveDataset: %v", err)
	}
	if d.ID == "" || d.Name != "regression" || d.Rows != 2 {
		t.Errorf("dataset = %+v", d)
	}

	got, err := s.DatasetRows(ctx, "regression")
	if err != nil {
		t.Fatalf("DatasetRows: %v", err)
	}
	if len(got) != 2 || got[0] != rows[0] || got[1] != rows[1] {
		t.Errorf("rows = %+v", got)
	}
}

// TestSaveDatasetReplacesRows verifies saving under an existing name keeps
// the id and swaps the rows.
func TestSaveDatasetReplacesRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.SaveDataset(ctx, "eval", []DatasetRow{{CustomerName: "A"}, {CustomerName: "B"}})
	if err != nil {
		t.Fatalf("SaveDataset: %v", err)
	}
	second, err := s.SaveDataset(ctx, "eval", []DatasetRow{{CustomerName: "C"}})
	if err != nil {
		t.Fatalf("SaveDataset: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("id changed: %s -> %s", first.ID, second.ID)
	}
	rows, err := s.DatasetRows(ctx, "eval")
	if err != nil {
		t.Fatalf("DatasetRows: %v", err)
	}
	if len(rows) != 1 || rows[0].CustomerName != "C" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestSaveDatasetRejectsEmptyCustomer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveDataset(ctx, "bad", []DatasetRow{{CustomerName: ""}}); err == nil {
		t.Fatal("expected error for row without customer")
	}
	if _, err := s.GetDataset(ctx, "bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("dataset persisted after failed save: %v", err)
	}
}

func TestListDatasets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		if _, err := s.SaveDataset(ctx, name, []DatasetRow{{CustomerName: "A"}}); err != nil {
			t.Fatalf("SaveDataset: %v", err)
		}
	}
	list, err := s.ListDatasets(ctx)
	if err != nil {
		t.Fatalf("ListDatasets: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("list = %+v", list)
	}
}

func TestEvalRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := EvalRun{ID: "run-1", Name: "baseline", Dataset: "eval", PromptModel: "prompts:/main.sales.email_template/1"}
	if err := s.CreateEvalRun(ctx, run); err != nil {
		t.Fatalf("CreateEvalRun: %v", err)
	}
	got, err := s.GetEvalRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetEvalRun: %v", err)
	}
	if got.Status != RunRunning || !got.FinishedAt.IsZero() {
		t.Errorf("new run = %+v", got)
	}

	if err := s.FinishEvalRun(ctx, "run-1", RunFinished); err != nil {
		t.Fatalf("FinishEvalRun: %v", err)
	}
	got, err = s.GetEvalRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetEvalRun: %v", err)
	}
	if got.Status != RunFinished || got.FinishedAt.IsZero() {
		t.Errorf("finished run = %+v", got)
	}

	if err := s.FinishEvalRun(ctx, "missing", RunFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishEvalRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestListEvalRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateEvalRun(ctx, EvalRun{ID: id, Name: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("CreateEvalRun: %v", err)
		}
	}
	runs, err := s.ListEvalRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListEvalRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestEvalResultsAndPassRates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateEvalRun(ctx, EvalRun{ID: "run-1", Name: "r"}); err != nil {
		t.Fatalf("CreateEvalRun: %v", err)
	}
	results := []EvalResult{
		{RunID: "run-1", TraceID: "t1", Scorer: "accuracy", Value: "yes"},
		{RunID: "run-1", TraceID: "t2", Scorer: "accuracy", Value: "no", Rationale: "wrong product"},
		{RunID: "run-1", TraceID: "t1", Scorer: "tone", Value: "yes"},
		{RunID: "run-1", TraceID: "t2", Scorer: "tone", Value: "yes"},
	}
	for _, r := range results {
		if err := s.SaveEvalResult(ctx, r); err != nil {
			t.Fatalf("SaveEvalResult: %v", err)
		}
	}
	// Re-scoring replaces the earlier verdict.
	if err := s.SaveEvalResult(ctx, EvalResult{RunID: "run-1", TraceID: "t2", Scorer: "tone", Value: "no"}); err != nil {
		t.Fatalf("SaveEvalResult: %v", err)
	}

	got, err := s.EvalResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("EvalResults: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d results, want 4", len(got))
	}

	rates, err := s.PassRates(ctx, "run-1")
	if err != nil {
		t.Fatalf("PassRates: %v", err)
	}
	if rates["accuracy"] != 0.5 || rates["tone"] != 0.5 {
		t.Errorf("rates = %v", rates)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "evaluate_sample", PayloadJSON: `{"trace_id":"t1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, err := s.ClaimNextJob(ctx, "evaluate_sample")
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job, got nil")
	}
	if job.ID != "j1" || job.Status != JobRunning || job.MaxAttempts != 3 {
		t.Errorf("job = %+v", job)
	}

	again, err := s.ClaimNextJob(ctx, "evaluate_sample")
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "later", Type: "evaluate_sample", PayloadJSON: "{}", RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, err := s.ClaimNextJob(ctx, "evaluate_sample")
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("claimed a job before run_after: %+v", job)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "other", Type: "other_type", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, err := s.ClaimNextJob(ctx, "evaluate_sample")
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("claimed job of another type: %+v", job)
	}
	if job, _ := s.ClaimNextJob(ctx); job != nil {
		t.Errorf("claimed with no types: %+v", job)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "evaluate_sample", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	n, err := s.CountJobs(ctx, "evaluate_sample", JobCompleted)
	if err != nil || n != 1 {
		t.Errorf("completed count = %d, %v", n, err)
	}
	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v", err)
	}
}

// TestFailJob_SetsBackoff verifies a failed attempt is rescheduled with a
// later run_after and stays pending.
func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "evaluate_sample", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	before := time.Now()
	if err := s.FailJob(ctx, "j1", "judge unavailable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	job, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobPending || job.Attempts != 1 || job.LastError != "judge unavailable" {
		t.Errorf("job = %+v", job)
	}
	if !job.RunAfter.After(before.Add(time.Second)) {
		t.Errorf("run_after = %v, want at least 2s after %v", job.RunAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "evaluate_sample", PayloadJSON: "{}", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FailJob(ctx, "j1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	job, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
}

func TestUpdateJobPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "evaluate_sample", PayloadJSON: `{"trace_id":"tr-1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.UpdateJobPayload(ctx, "j1", `{"trace_id":"tr-1","scored":["tone"]}`); err != nil {
		t.Fatalf("UpdateJobPayload: %v", err)
	}
	job, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.PayloadJSON != `{"trace_id":"tr-1","scored":["tone"]}` || job.Status != JobPending {
		t.Errorf("job = %+v", job)
	}

	if err := s.UpdateJobPayload(ctx, "missing", "{}"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateJobPayload(missing) = %v, want ErrNotFound", err)
	}
}
