package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kalambet/salesmail/internal/envfile"
	"github.com/kalambet/salesmail/internal/evaluation"
	"github.com/kalambet/salesmail/internal/mlflow"
	"github.com/kalambet/salesmail/internal/tracking"
)

const (
	labelingSessionName = "demo_labeling_session"
	labelingTraceCount  = 3
)

// labelSchemas are the questions domain experts answer about a draft. Their
// names match the judges so human and LLM verdicts line up.
var labelSchemas = []mlflow.LabelSchema{
	{
		Name:        evaluation.ScorerAccuracy,
		Title:       "Are all facts accurate?",
		Instruction: "Check that all information comes from customer data with no fabrication or errors.",
	},
	{
		Name:        evaluation.ScorerPersonalized,
		Title:       "Is this email personalized?",
		Instruction: "Evaluate if the email is tailored to this customer's specific situation and cannot be reused for others.",
	},
	{
		Name:        evaluation.ScorerRelevance,
		Title:       "Is the email relevant to this customer?",
		Instruction: "Check if urgent issues are prioritized first and content follows proper importance order.",
	},
}

// labeler is the workspace API behind labeling sessions.
type labeler interface {
	SearchTraces(ctx context.Context, q tracking.SearchQuery) ([]tracking.Trace, error)
	CreateLabelSchema(ctx context.Context, s mlflow.LabelSchema) error
	CreateLabelingSession(ctx context.Context, name string, schemas []string) (mlflow.LabelingSession, error)
	AddTracesToSession(ctx context.Context, sessionID string, traceIDs []string) error
}

var _ labeler = (*mlflow.Client)(nil)

var labelingCmd = &cobra.Command{
	Use:   "labeling",
	Short: "Manage human review of generated emails",
}

var labelingSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the label schemas and a labeling session with the newest traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			l, ok := a.tracker.(labeler)
			if !ok {
				return errors.New("labeling sessions need a workspace; set DATABRICKS_HOST")
			}
			return setupLabeling(cmd.Context(), l, envfile.Path())
		})
	},
}

func init() {
	labelingCmd.AddCommand(labelingSetupCmd)
}

// setupLabeling creates the label schemas and a session holding the newest
// traces, then records the session for the UI in the env file at path.
func setupLabeling(ctx context.Context, l labeler, path string) error {
	names := make([]string, 0, len(labelSchemas))
	for _, s := range labelSchemas {
		s.Options = []string{evaluation.Yes, evaluation.No}
		s.EnableComment = true
		if err := l.CreateLabelSchema(ctx, s); err != nil {
			return err
		}
		printSuccess("Label schema %s", s.Name)
		names = append(names, s.Name)
	}

	session, err := l.CreateLabelingSession(ctx, labelingSessionName, names)
	if err != nil {
		return err
	}
	printSuccess("Labeling session %s (%s)", session.Name, session.ID)

	traces, err := l.SearchTraces(ctx, tracking.SearchQuery{MaxResults: labelingTraceCount})
	if err != nil {
		return fmt.Errorf("finding traces to label: %w", err)
	}
	ids := make([]string, 0, len(traces))
	for _, t := range traces {
		ids = append(ids, t.ID)
	}
	if err := l.AddTracesToSession(ctx, session.ID, ids); err != nil {
		return err
	}
	printStatus("Traces", "%d added", len(ids))

	values := [][2]string{
		{"SAMPLE_LABELING_SESSION_ID", session.ID},
		{"SAMPLE_REVIEW_APP_URL", session.URL},
	}
	if len(ids) > 0 {
		values = append(values, [2]string{"SAMPLE_LABELING_TRACE_ID", ids[0]})
	} else {
		printWarning("No traces found; load samples first to give reviewers something to label")
	}
	for _, kv := range values {
		if err := envfile.Upsert(path, kv[0], kv[1]); err != nil {
			return err
		}
	}
	printSuccess("Updated labeling session in %s", path)
	if session.URL != "" {
		printLink("Review app", session.URL)
	}
	return nil
}
