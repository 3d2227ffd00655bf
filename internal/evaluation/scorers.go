package evaluation

import (
	"context"

	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/tracking"
)

// Scorer names, also used as assessment names.
const (
	ScorerTone         = "tone"
	ScorerAccuracy     = "accuracy"
	ScorerPersonalized = "personalized"
	ScorerRelevance    = "relevance"
	ScorerGrounded     = "email_is_grounded"
)

// Input is what a scorer sees of one generation. Only the email body is
// judged; subject lines are left out.
type Input struct {
	TraceID      string              `json:"trace_id"`
	CustomerName string              `json:"customer_name"`
	UserInput    string              `json:"user_input"`
	Documents    []document.Document `json:"documents"`
	Body         string              `json:"email_body"`
}

// InputFromSample adapts a live generation.
func InputFromSample(s generator.Sample) Input {
	return Input{
		TraceID:      s.TraceID,
		CustomerName: s.CustomerName,
		UserInput:    s.UserInput,
		Documents:    s.Documents,
		Body:         s.Result.Body,
	}
}

// InputFromTrace adapts a stored trace.
func InputFromTrace(t tracking.Trace) Input {
	return Input{
		TraceID:      t.ID,
		CustomerName: t.CustomerName,
		UserInput:    t.UserInput,
		Documents:    t.Documents,
		Body:         t.Body,
	}
}

// Scorer judges one aspect of an email.
type Scorer interface {
	Name() string
	Score(ctx context.Context, in Input) (Verdict, error)
}

// Scorers returns the full scorer set in reporting order.
func Scorers(j *Judge) []Scorer {
	return []Scorer{
		guidelineScorer{name: ScorerTone, guidelines: toneGuideline, judge: j},
		guidelineScorer{name: ScorerAccuracy, guidelines: accuracyGuideline, judge: j},
		guidelineScorer{name: ScorerPersonalized, guidelines: personalizedGuideline, judge: j},
		guidelineScorer{name: ScorerRelevance, guidelines: relevanceGuideline, judge: j},
		groundedScorer{judge: j},
	}
}

type guidelineScorer struct {
	name       string
	guidelines string
	judge      *Judge
}

func (s guidelineScorer) Name() string { return s.name }

func (s guidelineScorer) Score(ctx context.Context, in Input) (Verdict, error) {
	return s.judge.MeetsGuidelines(ctx, s.guidelines, map[string]string{
		"provided_info": document.Join(in.Documents),
		"email":         in.Body,
		"user_input":    in.UserInput,
	})
}

type groundedScorer struct {
	judge *Judge
}

func (groundedScorer) Name() string { return ScorerGrounded }

func (s groundedScorer) Score(ctx context.Context, in Input) (Verdict, error) {
	return s.judge.IsGrounded(ctx, GroundedRequest(in.UserInput), in.Body, document.Join(in.Documents))
}

// GroundedRequest is the request text the groundedness judge checks the
// email against.
func GroundedRequest(userInput string) string {
	if userInput == "" {
		return "Generate an email based on the provided context."
	}
	return "Generate an email based on the provided context, considering the user's request: " + userInput
}

const toneGuideline = `The response maintains a professional tone.`

const accuracyGuideline = `The email_body correctly references all factual information from the provided_info based on these rules:
- All factual information must be directly sourced from the provided data with NO fabrication
- Names, dates, numbers, and company details must be 100% accurate with no errors
- Meeting discussions must be summarized with the exact same sentiment and priority as presented in the data
- Support ticket information must include correct ticket IDs, status, and resolution details when available
- All product usage statistics must be presented with the same metrics provided in the data
- No references to CloudFlow features, services, or offerings unless specifically mentioned in the customer data
- AUTOMATIC FAIL if any information is mentioned that is not explicitly provided in the data
- It is OK if the email_body follows the user_input request to omit certain facts, as long as no fabricated facts are introduced.`

const personalizedGuideline = `The email_body demonstrates clear personalization based on the provided_info based on these rules:
- Email must begin by referencing the most recent meeting/interaction
- Immediately next, the email must address the customer's MOST pressing concern as evidenced in the data
- Content structure must be customized based on the account's health status (critical issues first for "Fair" or "Poor" accounts)
- Industry-specific language must be used that reflects the customer's sector
- Recommendations must ONLY reference features that are:
  a) Listed as "least_used_features" in the data, AND
  b) Directly related to the "potential_opportunity" field
- Relationship history must be acknowledged (new vs. mature relationship)
- Deal stage must influence communication approach (implementation vs. renewal vs. growth)
- AUTOMATIC FAIL if recommendations could be copied to another customer in a different situation`

const relevanceGuideline = `The email_body prioritizes content that matters to the recipient in the provided_info based on these rules:
- Critical support tickets (status="Open (Critical)") must be addressed after the greeting, reference to the most recent interaction, any pleasantries, and references to closed tickets
- Time-sensitive action items must be addressed before general updates
- Content must be ordered by descending urgency as defined by:
  1. Critical support issues
  2. Action items explicitly stated in most recent meeting
  3. Upcoming renewal if within 30 days
  4. Recently resolved issues
  5. Usage trends and recommendations
- No more than ONE feature recommendation for accounts with open critical issues
- No mentions of company news, product releases, or success stories not directly requested by the customer
- No calls to action unrelated to the immediate needs in the data
- AUTOMATIC FAIL if the email requests a meeting without being tied to a specific action item or opportunity in the data`
