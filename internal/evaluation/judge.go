// Package evaluation scores generated emails with an LLM judge, both in
// batch runs over datasets or recent traces and online for a sample of live
// generations.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/serving"
)

// Verdict values.
const (
	Yes = "yes"
	No  = "no"
)

// ErrMalformedVerdict is returned when the judge answer cannot be read.
var ErrMalformedVerdict = errors.New("malformed judge verdict")

// Verdict is a pass/fail judgment with the judge's reasoning.
type Verdict struct {
	Value     string `json:"result"`
	Rationale string `json:"rationale"`
}

// Passed reports whether the verdict is "yes".
func (v Verdict) Passed() bool { return v.Value == Yes }

// Completer runs a blocking chat completion.
type Completer interface {
	Complete(ctx context.Context, model string, msgs []serving.Message) (string, error)
}

// Judge asks a served model for pass/fail verdicts.
type Judge struct {
	llm   Completer
	model string
}

func NewJudge(llm Completer, model string) *Judge {
	return &Judge{llm: llm, model: model}
}

// Model is the serving endpoint the judge runs on.
func (j *Judge) Model() string { return j.model }

const guidelinesSystem = `You are an impartial judge. Decide whether the provided context satisfies every guideline.
Answer with a single JSON object and nothing else:
{"rationale": "<step by step reasoning>", "result": "yes" or "no"}`

const groundedSystem = `You are an impartial judge. Decide whether every claim in the response is supported by the retrieved context.
Answer "no" if the response states anything the context does not support.
Answer with a single JSON object and nothing else:
{"rationale": "<step by step reasoning>", "result": "yes" or "no"}`

// MeetsGuidelines judges whether fields satisfy guidelines. Fields are
// rendered as named sections in key order.
func (j *Judge) MeetsGuidelines(ctx context.Context, guidelines string, fields map[string]string) (Verdict, error) {
	var b strings.Builder
	b.WriteString("<guidelines>\n")
	b.WriteString(guidelines)
	b.WriteString("\n</guidelines>\n\n<context>\n")
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n", k, fields[k], k)
	}
	b.WriteString("</context>")
	return j.ask(ctx, guidelinesSystem, b.String())
}

// IsGrounded judges whether response is supported by retrieved.
func (j *Judge) IsGrounded(ctx context.Context, request, response, retrieved string) (Verdict, error) {
	user := fmt.Sprintf("<request>\n%s\n</request>\n\n<response>\n%s\n</response>\n\n<retrieved_context>\n%s\n</retrieved_context>",
		request, response, retrieved)
	return j.ask(ctx, groundedSystem, user)
}

func (j *Judge) ask(ctx context.Context, system, user string) (Verdict, error) {
	raw, err := j.llm.Complete(ctx, j.model, []serving.Message{
		{Role: serving.RoleSystem, Content: system},
		{Role: serving.RoleUser, Content: user},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge %s: %w", j.model, err)
	}
	return ParseVerdict(raw)
}

// ParseVerdict reads a judge answer, tolerating a markdown code fence and
// letter case in the result.
func ParseVerdict(raw string) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(generator.StripFences(strings.TrimSpace(raw))), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	v.Value = strings.ToLower(strings.TrimSpace(v.Value))
	if v.Value != Yes && v.Value != No {
		return Verdict{}, fmt.Errorf("%w: result %q", ErrMalformedVerdict, v.Value)
	}
	return v, nil
}
