// Package tracking defines the records exchanged with the experiment
// tracking service: traces of generations, assessments attached to them,
// and evaluation runs.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/salesmail/internal/document"
)

// ErrUnsupported is returned by trackers that cannot serve a query.
var ErrUnsupported = errors.New("operation not supported by tracker")

type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

type SourceType string

const (
	SourceHuman    SourceType = "HUMAN"
	SourceLLMJudge SourceType = "LLM_JUDGE"
	SourceCode     SourceType = "CODE"
)

// Trace tags written by this service.
const (
	TagUserInstructions = "user_instructions"
	TagPromptModel      = "prompt_model"
	TagSampleData       = "sample_data"
	TagEvalExample      = "eval_example"
)

// TraceStart describes a generation as it begins.
type TraceStart struct {
	Name         string
	CustomerName string
	UserInput    string
	Documents    []document.Document
	Tags         map[string]string
	StartedAt    time.Time
}

// TraceEnd carries the reduced result of a generation.
type TraceEnd struct {
	Status          Status
	Subject         string
	Body            string
	RequestPreview  string
	ResponsePreview string
	Tags            map[string]string
	EndedAt         time.Time
}

// Trace is a completed generation as returned by a search.
type Trace struct {
	ID           string
	Status       Status
	StartedAt    time.Time
	CustomerName string
	UserInput    string
	Documents    []document.Document
	Subject      string
	Body         string
	Tags         map[string]string
	// Assessments maps an assessment name to its latest feedback value.
	Assessments map[string]string
}

// Source identifies who produced an assessment.
type Source struct {
	Type SourceType
	ID   string
}

// Assessment is a named judgment attached to a trace. Value is a bool for
// human feedback and "yes"/"no" for judge verdicts.
type Assessment struct {
	TraceID   string
	Name      string
	Value     any
	Rationale string
	Source    Source
}

// SearchQuery selects traces, newest first.
type SearchQuery struct {
	Status     Status
	Tags       map[string]string
	MaxResults int
}

// Tracker is the full surface of a tracking backend.
type Tracker interface {
	StartTrace(ctx context.Context, start TraceStart) (string, error)
	EndTrace(ctx context.Context, traceID string, end TraceEnd) error
	SetTag(ctx context.Context, traceID, key, value string) error
	LogAssessment(ctx context.Context, a Assessment) error
	SearchTraces(ctx context.Context, q SearchQuery) ([]Trace, error)
	StartRun(ctx context.Context, name string, tags map[string]string) (string, error)
	LogMetric(ctx context.Context, runID, key string, value float64) error
	EndRun(ctx context.Context, runID string, status Status) error
}
