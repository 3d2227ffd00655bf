package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FailureSubject replaces the subject when the model output cannot be parsed.
const FailureSubject = "Email generation failed"

// Chunk is one element of a streamed generation. The set of
// implementations is closed: TokenChunk, DoneChunk and ErrorChunk.
type Chunk interface {
	chunk()
}

// TokenChunk carries a piece of model output.
type TokenChunk struct {
	Text string
}

// DoneChunk ends a stream whose output parsed as an email.
type DoneChunk struct {
	TraceID string
}

// ErrorChunk ends a stream whose output could not be parsed.
type ErrorChunk struct {
	Message string
}

func (TokenChunk) chunk() {}
func (DoneChunk) chunk()  {}
func (ErrorChunk) chunk() {}

// Result is the structured email produced by a generation.
type Result struct {
	Subject string `json:"subject_line"`
	Body    string `json:"body"`
	TraceID string `json:"trace_id"`
}

// Email is the JSON object the model is instructed to return.
type Email struct {
	Subject string `json:"subject_line"`
	Body    string `json:"body"`
}

// Reduce folds a chunk sequence into a Result. It is a pure function of its
// inputs: the same chunks always give the same Result.
//
// Token text is concatenated and parsed as an Email. When parsing fails the
// subject is FailureSubject and the body describes the failure, or repeats
// the message of an ErrorChunk when one is present. The trace id comes from
// the DoneChunk; a failed parse with no DoneChunk falls back to
// fallbackTraceID.
func Reduce(chunks []Chunk, fallbackTraceID string) Result {
	var (
		buf     strings.Builder
		traceID string
		errMsg  string
	)
	for _, c := range chunks {
		switch c := c.(type) {
		case TokenChunk:
			buf.WriteString(c.Text)
		case DoneChunk:
			if traceID == "" {
				traceID = c.TraceID
			}
		case ErrorChunk:
			errMsg = c.Message
		}
	}

	email, err := ParseEmail(buf.String())
	if err == nil {
		return Result{Subject: email.Subject, Body: email.Body, TraceID: traceID}
	}

	res := Result{
		Subject: FailureSubject,
		Body:    "Failed to parse email: " + err.Error(),
		TraceID: traceID,
	}
	if res.TraceID == "" {
		res.TraceID = fallbackTraceID
	}
	if errMsg != "" {
		res.Body = errMsg
	}
	return res
}

// ParseEmail trims raw model output, removes one surrounding code fence and
// decodes the email object. Both subject_line and body must be strings.
func ParseEmail(raw string) (Email, error) {
	clean := StripFences(strings.TrimSpace(raw))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(clean), &fields); err != nil {
		return Email{}, err
	}

	var email Email
	if err := stringField(fields, "subject_line", &email.Subject); err != nil {
		return Email{}, err
	}
	if err := stringField(fields, "body", &email.Body); err != nil {
		return Email{}, err
	}
	return email, nil
}

func stringField(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("missing %q field", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("field %q is not a string", key)
		}
		return err
	}
	return nil
}

const (
	jsonFenceOpen  = "```json\n"
	jsonFenceClose = "\n```"
	bareFence      = "```"
)

// StripFences removes a single ```json ... ``` or ``` ... ``` pair and
// surrounding whitespace. Text without fences is only trimmed.
func StripFences(s string) string {
	switch {
	case strings.HasPrefix(s, jsonFenceOpen) && strings.HasSuffix(s, jsonFenceClose):
		s = between(s, len(jsonFenceOpen), len(s)-len(jsonFenceClose))
	case strings.HasPrefix(s, bareFence) && strings.HasSuffix(s, bareFence):
		s = between(s, len(bareFence), len(s)-len(bareFence))
	}
	return strings.TrimSpace(s)
}

// between slices s[from:to], yielding "" when the fences overlap.
func between(s string, from, to int) string {
	if from >= to {
		return ""
	}
	return s[from:to]
}
