package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/salesmail/internal/config"
	"github.com/kalambet/salesmail/internal/customer"
	"github.com/kalambet/salesmail/internal/evaluation"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/links"
	"github.com/kalambet/salesmail/internal/tracking"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "data: ") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"detail":"Customer 'Nobody' not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useClient points the client commands at ts for the duration of the test.
func (ts *testServer) useClient(t *testing.T) {
	t.Helper()
	prev := newAPIClient
	newAPIClient = func(context.Context) (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = prev })
}

// runCommand executes the root command with args. Flag values persist on
// the command tree between executions, so they are reset first.
func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

var ctx = context.Background()

func TestCompaniesCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/companies": `[{"name":"Acme Corp"},{"name":"Globex"}]`,
	})
	ts.useClient(t)

	if err := runCommand(t, "companies"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/api/companies" {
		t.Fatalf("unexpected requests: %+v", ts.requests)
	}
}

func TestCustomerCommand_PathEscaping(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/customer/Acme Corp/markdown": `{"content":"Account:\n- **Name**: Acme Corp"}`,
	})
	ts.useClient(t)

	if err := runCommand(t, "customer", "Acme Corp", "--markdown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/api/customer/Acme%20Corp/markdown" {
		t.Errorf("path = %q, want escaped name", ts.requests[0].Path)
	}
}

func TestCustomerCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.useClient(t)

	err := runCommand(t, "customer", "Nobody")
	if err == nil {
		t.Fatal("expected error for unknown customer")
	}
	if !strings.Contains(err.Error(), "Customer 'Nobody' not found") {
		t.Errorf("error = %q, want the server detail", err.Error())
	}
}

func TestGenerateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/generate-email-with-retrieval/": `{"subject_line":"Renewal","body":"Hi Acme","trace_id":"tr-1"}`,
	})
	ts.useClient(t)

	if err := runCommand(t, "generate", "Acme Corp", "--instructions", "mention the renewal"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body generator.Request
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.CustomerName != "Acme Corp" || body.UserInput != "mention the renewal" {
		t.Errorf("body = %+v", body)
	}
}

func TestGenerateCommand_MissingArgs(t *testing.T) {
	err := runCommand(t, "generate")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "accepts 1 arg") {
		t.Errorf("error = %q, want an argument count error", err.Error())
	}
}

func TestStreamEmail(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/generate-email-stream-with-retrieval/": "data: {\"type\":\"token\",\"content\":\"{\\\"subject_line\\\":\\\"Hi\\\",\"}\n\n" +
			"data: {\"type\":\"token\",\"content\":\"\\\"body\\\":\\\"Hello\\\"}\"}\n\n" +
			"data: {\"type\":\"done\",\"trace_id\":\"tr-7\"}\n\n" +
			"data: {\"type\":\"done\"}\n\n",
	})

	var progress bytes.Buffer
	res, err := streamEmail(ctx, ts.client(), generator.Request{CustomerName: "Acme Corp"}, &progress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := generator.Result{Subject: "Hi", Body: "Hello", TraceID: "tr-7"}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}
	if !strings.Contains(progress.String(), `"body":"Hello"`) {
		t.Errorf("progress = %q, want the streamed tokens", progress.String())
	}
}

func TestStreamEmail_ErrorFrame(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/generate-email-stream-with-retrieval/": "data: {\"type\":\"error\",\"error\":\"endpoint down\"}\n\n" +
			"data: {\"type\":\"done\"}\n\n",
	})

	res, err := streamEmail(ctx, ts.client(), generator.Request{CustomerName: "Acme Corp"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Body != "endpoint down" {
		t.Errorf("body = %q, want the error message", res.Body)
	}
}

func TestStreamEmail_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/generate-email-stream-with-retrieval/": "data: {\"type\":\"done\"}\n\n",
	})

	if _, err := streamEmail(ctx, ts.client(), generator.Request{CustomerName: "Acme Corp"}, io.Discard); err == nil {
		t.Fatal("expected error for a stream without output")
	}
}

func TestFeedbackCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/feedback": `{"success":true,"message":"Feedback submitted successfully"}`,
	})
	ts.useClient(t)

	if err := runCommand(t, "feedback", "tr-1", "--down", "--comment", "too long", "--rep", "Sam"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["trace_id"] != "tr-1" || body["rating"] != "down" || body["comment"] != "too long" || body["sales_rep_name"] != "Sam" {
		t.Errorf("body = %v", body)
	}
}

func TestFeedbackCommand_Unsuccessful(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/feedback": `{"success":false,"message":"Error submitting feedback: boom"}`,
	})
	ts.useClient(t)

	err := runCommand(t, "feedback", "tr-1", "--up")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error = %v, want the in-band message", err)
	}
}

func TestFeedbackCommand_RatingRequired(t *testing.T) {
	if err := runCommand(t, "feedback", "tr-1"); err == nil {
		t.Fatal("expected error without --up or --down")
	}
	if err := runCommand(t, "feedback", "tr-1", "--up=true", "--down=true"); err == nil {
		t.Fatal("expected error with both --up and --down")
	}
}

func TestNoColorFlag(t *testing.T) {
	defer func() { noColor = false }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"healthy"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}

	client.token = ""
	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[1].Auth != "" {
		t.Errorf("auth = %q, want no header without a token", ts.requests[1].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid API token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.post(ctx, "/api/admin/prompt/reload", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid API token") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	err = decodeJSON(resp, new(any))
	if err == nil || !strings.Contains(err.Error(), "502: bad gateway") {
		t.Errorf("error = %v, want the raw body", err)
	}
}

func TestClientBaseURL(t *testing.T) {
	defer func() { addr = "" }()

	tests := []struct {
		name string
		addr string
		host string
		want string
	}{
		{"wildcard host", "", "0.0.0.0", "http://127.0.0.1:8000"},
		{"ipv6 wildcard", "", "::", "http://127.0.0.1:8000"},
		{"explicit host", "", "10.0.0.5", "http://10.0.0.5:8000"},
		{"flag host:port", "localhost:9000", "0.0.0.0", "http://localhost:9000"},
		{"flag url", "https://mail.example.com/", "0.0.0.0", "https://mail.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr = tt.addr
			cfg := config.Config{Server: config.ServerConfig{Host: tt.host, Port: 8000}}
			if got := clientBaseURL(cfg); got != tt.want {
				t.Errorf("clientBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestReadDatasetRows(t *testing.T) {
	in := `{"customer_name":"Acme Corp","user_input":"mention the renewal"}

{"customer_name":"Globex"}
`
	rows, err := readDatasetRows(strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].UserInput != "mention the renewal" || rows[1].CustomerName != "Globex" {
		t.Errorf("rows = %+v", rows)
	}

	if _, err := readDatasetRows(strings.NewReader(`{"user_input":"x"}`)); err == nil {
		t.Error("expected error for a row without customer_name")
	}
	if _, err := readDatasetRows(strings.NewReader("not json")); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("error = %v, want the line number", err)
	}
}

// --- samples ---

type fakeRunner struct {
	mu    sync.Mutex
	calls []generator.Request
	fail  string
}

func (f *fakeRunner) Run(_ context.Context, req generator.Request) (generator.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if req.CustomerName == f.fail {
		return generator.Sample{}, errors.New("endpoint down")
	}
	return generator.Sample{TraceID: "tr-" + req.CustomerName, CustomerName: req.CustomerName, UserInput: req.UserInput}, nil
}

type fakeTracker struct {
	*tracking.Local
	mu          sync.Mutex
	tags        map[string]string
	traces      []tracking.Trace
	searchErr   error
	assessments []tracking.Assessment
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		Local: tracking.NewLocal(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tags:  make(map[string]string),
	}
}

func (f *fakeTracker) SetTag(_ context.Context, traceID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[traceID] = key + "=" + value
	return nil
}

func (f *fakeTracker) SearchTraces(context.Context, tracking.SearchQuery) ([]tracking.Trace, error) {
	return f.traces, f.searchErr
}

func (f *fakeTracker) LogAssessment(_ context.Context, a tracking.Assessment) error {
	f.assessments = append(f.assessments, a)
	return nil
}

func TestLoadSamples(t *testing.T) {
	records, err := customer.ReadRecords(strings.NewReader(
		`{"account":{"name":"Acme Corp"},"user_input":"mention the renewal"}
{"account":{"name":"Globex"}}
{"account":{"name":"Initech"}}
`))
	if err != nil {
		t.Fatalf("reading records: %v", err)
	}

	gen := &fakeRunner{fail: "Globex"}
	tr := newFakeTracker()
	res, err := loadSamples(ctx, gen, tr, records, 2, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.processed != 2 || res.failed != 1 {
		t.Errorf("processed=%d failed=%d, want 2 and 1", res.processed, res.failed)
	}
	if tr.tags["tr-Acme Corp"] != "sample_data=yes" || tr.tags["tr-Initech"] != "sample_data=yes" {
		t.Errorf("tags = %v", tr.tags)
	}
	if _, ok := tr.tags["tr-Globex"]; ok {
		t.Error("failed generation should not be tagged")
	}
	for _, c := range gen.calls {
		if c.CustomerName == "Acme Corp" && c.UserInput != "mention the renewal" {
			t.Errorf("user input = %q, want the record's user_input", c.UserInput)
		}
	}
}

func TestLoadSamples_MaxRecords(t *testing.T) {
	records, err := customer.ReadRecords(strings.NewReader(
		`{"account":{"name":"A"}}
{"account":{"name":"B"}}
{"account":{"name":"C"}}
`))
	if err != nil {
		t.Fatalf("reading records: %v", err)
	}

	gen := &fakeRunner{}
	res, err := loadSamples(ctx, gen, newFakeTracker(), records, 5, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.processed != 2 || len(gen.calls) != 2 {
		t.Errorf("processed=%d calls=%d, want 2", res.processed, len(gen.calls))
	}
}

func TestSaveSampleTrace(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env.local")
	t.Setenv("SALESMAIL_ENV_FILE", envPath)

	tr := newFakeTracker()
	tr.traces = []tracking.Trace{{ID: "tr-newest"}}
	if err := saveSampleTrace(ctx, tr, "tr-fallback"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tr.assessments) != 1 {
		t.Fatalf("expected 1 assessment, got %d", len(tr.assessments))
	}
	a := tr.assessments[0]
	if a.TraceID != "tr-newest" || a.Value != true || a.Rationale != "I LOVE this email!" || a.Source.ID != "first.last@company.com" {
		t.Errorf("assessment = %+v", a)
	}

	data, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatalf("reading env file: %v", err)
	}
	if !strings.Contains(string(data), "SAMPLE_TRACE_ID") || !strings.Contains(string(data), "tr-newest") {
		t.Errorf("env file = %q", data)
	}
}

func TestSaveSampleTrace_FallbackWhenSearchUnsupported(t *testing.T) {
	t.Setenv("SALESMAIL_ENV_FILE", filepath.Join(t.TempDir(), ".env.local"))

	tr := newFakeTracker()
	tr.searchErr = tracking.ErrUnsupported
	if err := saveSampleTrace(ctx, tr, "tr-fallback"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.assessments[0].TraceID != "tr-fallback" {
		t.Errorf("trace id = %q, want the fallback", tr.assessments[0].TraceID)
	}
}

func TestSaveSampleTrace_SearchError(t *testing.T) {
	tr := newFakeTracker()
	tr.searchErr = errors.New("workspace down")
	if err := saveSampleTrace(ctx, tr, "tr-fallback"); err == nil {
		t.Fatal("expected error when the search fails")
	}
	if len(tr.assessments) != 0 {
		t.Error("no feedback should be logged after a failed search")
	}
}

func TestSaveBaselines(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env.local")
	b := evaluation.Baselines{
		LowAccuracy: evaluation.Report{RunID: "run-low", RunName: "low_accuracy_original_prompt"},
	}
	if err := saveBaselines(envPath, b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatalf("reading env file: %v", err)
	}
	if !strings.Contains(string(data), "FIX_QUALITY_BASELINE_RUN_ID") || !strings.Contains(string(data), "run-low") {
		t.Errorf("env file = %q", data)
	}
	if strings.Contains(string(data), "REGRESSION_BASELINE_RUN_ID") {
		t.Errorf("regression baseline written without a run: %q", data)
	}
}

func TestResultsURL(t *testing.T) {
	e := links.NewExperiment("example.cloud.databricks.com", "42")

	got := resultsURL(e, "run-new", "")
	if strings.Contains(got, "compareToRunUuid") || !strings.HasSuffix(got, "selectedRunUuid=run-new") {
		t.Errorf("without baseline = %q", got)
	}
	got = resultsURL(e, "run-new", "run-base")
	if !strings.HasSuffix(got, "selectedRunUuid=run-new&compareToRunUuid=run-base") {
		t.Errorf("with baseline = %q", got)
	}
}
