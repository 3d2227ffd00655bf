package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/serving"
	"github.com/kalambet/salesmail/internal/tracking"
)

func TestScorerSet(t *testing.T) {
	var names []string
	for _, s := range Scorers(NewJudge(answering(""), "j")) {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"tone", "accuracy", "personalized", "relevance", "email_is_grounded"}, names)
}

func TestGroundedRequest(t *testing.T) {
	require.Equal(t, "Generate an email based on the provided context.", GroundedRequest(""))
	require.Equal(t,
		"Generate an email based on the provided context, considering the user's request: mention the renewal",
		GroundedRequest("mention the renewal"))
}

// TestScorersJudgeBodyOnly verifies the subject line never reaches the judge.
func TestScorersJudgeBodyOnly(t *testing.T) {
	sample := generator.Sample{
		TraceID:      "tr-1",
		CustomerName: "Acme Corp",
		UserInput:    "mention the renewal",
		Documents: []document.Document{{
			ID:       "Acme Corp_account",
			Content:  "- Tier: Gold",
			Metadata: document.Metadata{Type: "account", CustomerName: "Acme Corp"},
		}},
		Result: generator.Result{Subject: "SUBJECT-MARKER", Body: "Hi Acme, your renewal is due."},
	}
	in := InputFromSample(sample)

	for i, sc := range Scorers(NewJudge(answering(""), "j")) {
		t.Run(sc.Name(), func(t *testing.T) {
			llm := answering(`{"rationale":"ok","result":"yes"}`)
			target := Scorers(NewJudge(llm, "j"))[i]

			v, err := target.Score(context.Background(), in)
			require.NoError(t, err)
			require.Equal(t, Yes, v.Value)

			user := llm.msgs[1].Content
			require.Contains(t, user, "Hi Acme, your renewal is due.")
			require.Contains(t, user, "Account:\n- Tier: Gold")
			require.NotContains(t, user, "SUBJECT-MARKER")
			if sc.Name() != ScorerGrounded {
				require.Contains(t, user, "<user_input>\nmention the renewal\n</user_input>")
			} else {
				require.Contains(t, user, "considering the user's request: mention the renewal")
			}
		})
	}
}

func TestInputFromTrace(t *testing.T) {
	in := InputFromTrace(tracking.Trace{ID: "tr-9", CustomerName: "Globex", Subject: "s", Body: "b"})
	require.Equal(t, Input{TraceID: "tr-9", CustomerName: "Globex", Body: "b"}, in)
}

// stubScorer returns fixed verdicts per customer.
type stubScorer struct {
	name    string
	scoreFn func(in Input) (Verdict, error)
}

func (s stubScorer) Name() string { return s.name }

func (s stubScorer) Score(_ context.Context, in Input) (Verdict, error) {
	return s.scoreFn(in)
}

var _ Completer = (*serving.Client)(nil)
