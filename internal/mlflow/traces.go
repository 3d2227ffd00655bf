package mlflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/tracking"
)

// Request metadata keys carried on every generation trace.
const (
	metaInputs          = "mlflow.traceInputs"
	metaOutputs         = "mlflow.traceOutputs"
	metaRequestPreview  = "mlflow.request_preview"
	metaResponsePreview = "mlflow.response_preview"
	metaDocuments       = "salesmail.retrievedDocuments"
	tagTraceName        = "mlflow.traceName"
)

var _ tracking.Tracker = (*Client)(nil)

type traceInputs struct {
	CustomerName string `json:"customer_name"`
	UserInput    string `json:"user_input"`
}

type traceOutputs struct {
	Subject string `json:"email_subject"`
	Body    string `json:"email_body"`
	TraceID string `json:"trace_id"`
}

type traceInfo struct {
	RequestID       string           `json:"request_id"`
	TimestampMS     int64            `json:"timestamp_ms"`
	Status          string           `json:"status"`
	RequestMetadata []keyValue       `json:"request_metadata"`
	Tags            []keyValue       `json:"tags"`
	Assessments     []assessmentInfo `json:"assessments,omitempty"`
}

type assessmentInfo struct {
	Name     string `json:"assessment_name"`
	Feedback *struct {
		Value any `json:"value"`
	} `json:"feedback"`
}

func (c *Client) StartTrace(ctx context.Context, start tracking.TraceStart) (string, error) {
	at := start.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	meta := map[string]string{
		metaInputs: mustJSON(traceInputs{CustomerName: start.CustomerName, UserInput: start.UserInput}),
	}
	if start.Documents != nil {
		meta[metaDocuments] = mustJSON(start.Documents)
	}
	tags := map[string]string{tagTraceName: start.Name}
	for k, v := range start.Tags {
		tags[k] = v
	}

	body := map[string]any{
		"experiment_id":    c.experimentID,
		"timestamp_ms":     at.UnixMilli(),
		"request_metadata": toKeyValues(meta),
		"tags":             toKeyValues(tags),
	}
	var resp struct {
		TraceInfo traceInfo `json:"trace_info"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/traces", body, &resp); err != nil {
		return "", fmt.Errorf("starting trace: %w", err)
	}
	if resp.TraceInfo.RequestID == "" {
		return "", fmt.Errorf("starting trace: empty request id")
	}
	return resp.TraceInfo.RequestID, nil
}

func (c *Client) EndTrace(ctx context.Context, traceID string, end tracking.TraceEnd) error {
	at := end.EndedAt
	if at.IsZero() {
		at = time.Now()
	}
	meta := map[string]string{}
	if end.Status == tracking.StatusOK {
		meta[metaOutputs] = mustJSON(traceOutputs{Subject: end.Subject, Body: end.Body, TraceID: traceID})
	}
	if end.RequestPreview != "" {
		meta[metaRequestPreview] = end.RequestPreview
	}
	if end.ResponsePreview != "" {
		meta[metaResponsePreview] = end.ResponsePreview
	}

	body := map[string]any{
		"timestamp_ms":     at.UnixMilli(),
		"status":           string(end.Status),
		"request_metadata": toKeyValues(meta),
		"tags":             toKeyValues(end.Tags),
	}
	if err := c.do(ctx, http.MethodPatch, "/api/2.0/mlflow/traces/"+url.PathEscape(traceID), body, nil); err != nil {
		return fmt.Errorf("ending trace %s: %w", traceID, err)
	}
	return nil
}

func (c *Client) SetTag(ctx context.Context, traceID, key, value string) error {
	body := keyValue{Key: key, Value: value}
	if err := c.do(ctx, http.MethodPatch, "/api/2.0/mlflow/traces/"+url.PathEscape(traceID)+"/tags", body, nil); err != nil {
		return fmt.Errorf("tagging trace %s: %w", traceID, err)
	}
	return nil
}

func (c *Client) LogAssessment(ctx context.Context, a tracking.Assessment) error {
	assessment := map[string]any{
		"trace_id":        a.TraceID,
		"assessment_name": a.Name,
		"source": map[string]string{
			"source_type": string(a.Source.Type),
			"source_id":   a.Source.ID,
		},
		"feedback": map[string]any{"value": a.Value},
	}
	if a.Rationale != "" {
		assessment["rationale"] = a.Rationale
	}
	path := "/api/3.0/mlflow/traces/" + url.PathEscape(a.TraceID) + "/assessments"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"assessment": assessment}, nil); err != nil {
		return fmt.Errorf("logging assessment %s on %s: %w", a.Name, a.TraceID, err)
	}
	return nil
}

// SearchTraces returns traces of the client's experiment, newest first.
func (c *Client) SearchTraces(ctx context.Context, q tracking.SearchQuery) ([]tracking.Trace, error) {
	params := url.Values{
		"experiment_ids": {c.experimentID},
		"order_by":       {"timestamp_ms DESC"},
	}
	if f := searchFilter(q); f != "" {
		params.Set("filter", f)
	}
	if q.MaxResults > 0 {
		params.Set("max_results", strconv.Itoa(q.MaxResults))
	}

	var resp struct {
		Traces []traceInfo `json:"traces"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/2.0/mlflow/traces?"+params.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("searching traces: %w", err)
	}

	out := make([]tracking.Trace, 0, len(resp.Traces))
	for _, info := range resp.Traces {
		t, err := decodeTrace(info)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func searchFilter(q tracking.SearchQuery) string {
	var clauses []string
	if q.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = '%s'", q.Status))
	}
	for _, k := range slices.Sorted(maps.Keys(q.Tags)) {
		clauses = append(clauses, fmt.Sprintf("tags.%s = '%s'", k, q.Tags[k]))
	}
	return strings.Join(clauses, " AND ")
}

func decodeTrace(info traceInfo) (tracking.Trace, error) {
	meta := fromKeyValues(info.RequestMetadata)
	t := tracking.Trace{
		ID:        info.RequestID,
		Status:    tracking.Status(info.Status),
		StartedAt: time.UnixMilli(info.TimestampMS),
		Tags:      fromKeyValues(info.Tags),
	}
	for _, a := range info.Assessments {
		if a.Feedback == nil || a.Feedback.Value == nil {
			continue
		}
		if t.Assessments == nil {
			t.Assessments = map[string]string{}
		}
		if v, ok := a.Feedback.Value.(string); ok {
			t.Assessments[a.Name] = v
		} else {
			t.Assessments[a.Name] = fmt.Sprint(a.Feedback.Value)
		}
	}

	if raw, ok := meta[metaInputs]; ok {
		var in traceInputs
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return tracking.Trace{}, fmt.Errorf("trace %s inputs: %w", info.RequestID, err)
		}
		t.CustomerName, t.UserInput = in.CustomerName, in.UserInput
	}
	if raw, ok := meta[metaOutputs]; ok {
		var out traceOutputs
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return tracking.Trace{}, fmt.Errorf("trace %s outputs: %w", info.RequestID, err)
		}
		t.Subject, t.Body = out.Subject, out.Body
	}
	if raw, ok := meta[metaDocuments]; ok {
		var docs []document.Document
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			return tracking.Trace{}, fmt.Errorf("trace %s documents: %w", info.RequestID, err)
		}
		t.Documents = docs
	}
	return t, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mlflow: encoding %T: %v", v, err))
	}
	return string(b)
}
