package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/storage"
	"github.com/kalambet/salesmail/internal/tracking"
)

// JobTypeEvaluateSample is the queue type of sampled live generations.
const JobTypeEvaluateSample = "evaluate_sample"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types ...string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	UpdateJobPayload(ctx context.Context, id, payload string) error
}

// monitorJob is the queued payload. Scored names the scorers whose verdicts
// were already logged by an earlier attempt.
type monitorJob struct {
	Input
	Scored []string `json:"scored,omitempty"`
}

type MonitorConfig struct {
	// SampleRate is the fraction of generations scored, in [0, 1].
	SampleRate float64
	// PollInterval defaults to 5s.
	PollInterval time.Duration
	JudgeModel   string
}

// Monitor scores a sample of live generations in the background. It is a
// generator.Observer: Observe enqueues, Run drains the queue.
type Monitor struct {
	store   JobStore
	tracker tracking.AssessmentLogger
	scorers []Scorer
	cfg     MonitorConfig
	sample  func() float64
	logger  *slog.Logger
}

var _ generator.Observer = (*Monitor)(nil)

func NewMonitor(store JobStore, tracker tracking.AssessmentLogger, scorers []Scorer, cfg MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Monitor{
		store:   store,
		tracker: tracker,
		scorers: scorers,
		cfg:     cfg,
		sample:  rand.Float64,
		logger:  slog.Default(),
	}
}

// WithLogger replaces the default logger.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	m.logger = l
	return m
}

// Observe enqueues s for scoring with probability SampleRate. Errors are
// logged and never reach the caller.
func (m *Monitor) Observe(ctx context.Context, s generator.Sample) {
	if m.sample() >= m.cfg.SampleRate {
		return
	}
	payload, err := json.Marshal(monitorJob{Input: InputFromSample(s)})
	if err != nil {
		m.logger.Warn("encoding monitor sample failed", "trace_id", s.TraceID, "error", err)
		return
	}
	err = m.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeEvaluateSample,
		PayloadJSON: string(payload),
	})
	if err != nil {
		m.logger.Warn("enqueueing monitor sample failed", "trace_id", s.TraceID, "error", err)
		return
	}
	m.logger.Debug("generation sampled for monitoring", "trace_id", s.TraceID)
}

// Run polls for jobs until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := m.RunOnce(ctx)
		if err != nil {
			m.logger.Error("monitor iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// RunOnce claims and scores a single sampled generation.
// Returns true if a job was processed (regardless of success/failure).
func (m *Monitor) RunOnce(ctx context.Context) (bool, error) {
	job, err := m.store.ClaimNextJob(ctx, JobTypeEvaluateSample)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := m.processJob(ctx, job); err != nil {
		m.logger.Warn("monitor job failed", "job_id", job.ID, "error", err)
		if failErr := m.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			m.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := m.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob runs the scorers not yet recorded in the payload and logs each
// verdict. On failure the payload is rewritten with the scorers that did
// succeed, so a retry never logs a verdict twice.
func (m *Monitor) processJob(ctx context.Context, job *storage.Job) error {
	var mj monitorJob
	if err := json.Unmarshal([]byte(job.PayloadJSON), &mj); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	var errs []error
	for _, sc := range m.scorers {
		if slices.Contains(mj.Scored, sc.Name()) {
			continue
		}
		v, err := sc.Score(ctx, mj.Input)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sc.Name(), err))
			continue
		}
		err = m.tracker.LogAssessment(ctx, tracking.Assessment{
			TraceID:   mj.TraceID,
			Name:      sc.Name(),
			Value:     v.Value,
			Rationale: v.Rationale,
			Source:    tracking.Source{Type: tracking.SourceLLMJudge, ID: m.cfg.JudgeModel},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("logging %s: %w", sc.Name(), err))
			continue
		}
		mj.Scored = append(mj.Scored, sc.Name())
	}
	if len(errs) == 0 {
		return nil
	}

	payload, err := json.Marshal(mj)
	if err == nil {
		err = m.store.UpdateJobPayload(ctx, job.ID, string(payload))
	}
	if err != nil {
		m.logger.Warn("saving monitor progress failed", "job_id", job.ID, "error", err)
	}
	return errors.Join(errs...)
}
