package tracking

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	logFn func(ctx context.Context, a Assessment) error
	got   []Assessment
}

func (m *mockLogger) LogAssessment(ctx context.Context, a Assessment) error {
	m.got = append(m.got, a)
	if m.logFn != nil {
		return m.logFn(ctx, a)
	}
	return nil
}

func TestSubmitFeedback_Success(t *testing.T) {
	l := &mockLogger{}
	res := SubmitFeedback(context.Background(), l, Feedback{
		TraceID:  "tr-1",
		Positive: true,
		Comment:  "great",
		Rater:    "dana@example.com",
	})

	require.Equal(t, FeedbackResult{Success: true, Message: "Feedback submitted successfully"}, res)
	require.Len(t, l.got, 1)
	a := l.got[0]
	require.Equal(t, "tr-1", a.TraceID)
	require.Equal(t, "user_feedback", a.Name)
	require.Equal(t, true, a.Value)
	require.Equal(t, "great", a.Rationale)
	require.Equal(t, Source{Type: SourceHuman, ID: "dana@example.com"}, a.Source)
}

func TestSubmitFeedback_DefaultRater(t *testing.T) {
	l := &mockLogger{}
	SubmitFeedback(context.Background(), l, Feedback{TraceID: "tr-1"})
	require.Equal(t, "user", l.got[0].Source.ID)
	require.Equal(t, false, l.got[0].Value)
}

func TestSubmitFeedback_Error(t *testing.T) {
	l := &mockLogger{logFn: func(context.Context, Assessment) error {
		return errors.New("trace tr-x not found")
	}}
	res := SubmitFeedback(context.Background(), l, Feedback{TraceID: "tr-x"})

	require.False(t, res.Success)
	require.Equal(t, "Error submitting feedback: trace tr-x not found", res.Message)
}

func TestSubmitFeedback_Panic(t *testing.T) {
	l := &mockLogger{logFn: func(context.Context, Assessment) error {
		panic("boom")
	}}
	res := SubmitFeedback(context.Background(), l, Feedback{TraceID: "tr-x"})

	require.False(t, res.Success)
	require.Equal(t, "Error submitting feedback: boom", res.Message)
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(nil)

	id, err := l.StartTrace(ctx, TraceStart{Name: "generate_email"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "tr-"))
	require.Len(t, id, 35)

	other, _ := l.StartTrace(ctx, TraceStart{})
	require.NotEqual(t, id, other)

	require.NoError(t, l.EndTrace(ctx, id, TraceEnd{Status: StatusOK}))
	_, err = l.SearchTraces(ctx, SearchQuery{})
	require.ErrorIs(t, err, ErrUnsupported)
}
