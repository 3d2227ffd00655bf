package tracking

import (
	"context"
	"fmt"
)

// FeedbackName is the assessment name for ratings given by sales reps.
const FeedbackName = "user_feedback"

// AssessmentLogger is the subset of Tracker needed to record feedback.
type AssessmentLogger interface {
	LogAssessment(ctx context.Context, a Assessment) error
}

// Feedback is a thumbs up/down rating on a generated email.
type Feedback struct {
	TraceID  string
	Positive bool
	Comment  string
	Rater    string
}

// FeedbackResult reports the outcome of a submission in-band.
type FeedbackResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SubmitFeedback records fb as a HUMAN assessment on its trace. Failures,
// including panics in the logger, are reported in the result and never
// returned as errors.
func SubmitFeedback(ctx context.Context, l AssessmentLogger, fb Feedback) (res FeedbackResult) {
	defer func() {
		if r := recover(); r != nil {
			res = FeedbackResult{Message: fmt.Sprintf("Error submitting feedback: %v", r)}
		}
	}()

	rater := fb.Rater
	if rater == "" {
		rater = "user"
	}
	err := l.LogAssessment(ctx, Assessment{
		TraceID:   fb.TraceID,
		Name:      FeedbackName,
		Value:     fb.Positive,
		Rationale: fb.Comment,
		Source:    Source{Type: SourceHuman, ID: rater},
	})
	if err != nil {
		return FeedbackResult{Message: fmt.Sprintf("Error submitting feedback: %v", err)}
	}
	return FeedbackResult{Success: true, Message: "Feedback submitted successfully"}
}
