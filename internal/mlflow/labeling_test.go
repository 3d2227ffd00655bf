package mlflow

import (
	"context"
	"testing"
)

const reviewAppsPath = "/api/2.0/managed-evals/experiments/1234/review-apps"

func TestCreateLabelSchema(t *testing.T) {
	rec, c := newRecorder(t)
	rec.on("GET", reviewAppsPath, 200, `{"review_apps":[{
		"review_app_id":"ra-1","experiment_id":"1234","url":"https://ws/ml/review-v2/abc",
		"labeling_schemas":[
			{"name":"accuracy","type":"FEEDBACK","title":"old","categorical":{"options":["a"]}},
			{"name":"tone","type":"FEEDBACK","title":"Tone?","categorical":{"options":["yes","no"]}}
		]}]}`)

	err := c.CreateLabelSchema(context.Background(), LabelSchema{
		Name:          "accuracy",
		Title:         "Are all facts accurate?",
		Instruction:   "Check the facts.",
		Options:       []string{"yes", "no"},
		EnableComment: true,
	})
	if err != nil {
		t.Fatalf("CreateLabelSchema: %v", err)
	}

	got := rec.last()
	if got.Method != "PATCH" || got.Path != reviewAppsPath+"/ra-1" || got.Query != "update_mask=labeling_schemas" {
		t.Fatalf("request = %s %s?%s", got.Method, got.Path, got.Query)
	}
	schemas, _ := got.Body["labeling_schemas"].([]any)
	if len(schemas) != 2 {
		t.Fatalf("schemas = %v", schemas)
	}
	first := schemas[0].(map[string]any)
	if first["name"] != "accuracy" || first["title"] != "Are all facts accurate?" || first["enable_comment"] != true || first["type"] != "FEEDBACK" {
		t.Errorf("replaced schema = %v", first)
	}
	opts := first["categorical"].(map[string]any)["options"].([]any)
	if len(opts) != 2 || opts[0] != "yes" || opts[1] != "no" {
		t.Errorf("options = %v", opts)
	}
	if schemas[1].(map[string]any)["name"] != "tone" {
		t.Errorf("other schemas must be kept: %v", schemas[1])
	}
}

func TestCreateLabelSchema_CreatesReviewApp(t *testing.T) {
	rec, c := newRecorder(t)
	rec.on("GET", reviewAppsPath, 200, `{"review_apps":[]}`)
	rec.on("POST", reviewAppsPath, 200, `{"review_app_id":"ra-new","experiment_id":"1234"}`)

	if err := c.CreateLabelSchema(context.Background(), LabelSchema{Name: "relevance", Options: []string{"yes", "no"}}); err != nil {
		t.Fatalf("CreateLabelSchema: %v", err)
	}
	if got := rec.last(); got.Path != reviewAppsPath+"/ra-new" {
		t.Errorf("path = %s", got.Path)
	}
}

func TestCreateLabelingSession(t *testing.T) {
	rec, c := newRecorder(t)
	rec.on("GET", reviewAppsPath, 200, `{"review_apps":[{"review_app_id":"ra-1","url":"https://ws/ml/review-v2/abc/"}]}`)
	rec.on("POST", "/api/2.0/managed-evals/experiments/1234/labeling-sessions", 200,
		`{"labeling_session_id":"ls-7","name":"demo_labeling_session"}`)

	s, err := c.CreateLabelingSession(context.Background(), "demo_labeling_session", []string{"accuracy", "relevance"})
	if err != nil {
		t.Fatalf("CreateLabelingSession: %v", err)
	}
	if s.ID != "ls-7" || s.URL != "https://ws/ml/review-v2/abc/tasks/labeling/ls-7" {
		t.Errorf("session = %+v", s)
	}

	body := rec.last().Body
	if users, ok := body["assigned_users"].([]any); !ok || len(users) != 0 {
		t.Errorf("assigned_users = %v", body["assigned_users"])
	}
	schemas := body["labeling_schemas"].([]any)
	if len(schemas) != 2 || schemas[1].(map[string]any)["name"] != "relevance" {
		t.Errorf("schemas = %v", schemas)
	}
}

func TestCreateLabelingSession_EmptyID(t *testing.T) {
	rec, c := newRecorder(t)
	rec.on("GET", reviewAppsPath, 200, `{"review_apps":[{"review_app_id":"ra-1"}]}`)

	if _, err := c.CreateLabelingSession(context.Background(), "s", nil); err == nil {
		t.Fatal("expected error for a reply without a session id")
	}
}

func TestAddTracesToSession(t *testing.T) {
	rec, c := newRecorder(t)

	if err := c.AddTracesToSession(context.Background(), "ls-7", []string{"tr-1", "tr-2"}); err != nil {
		t.Fatalf("AddTracesToSession: %v", err)
	}
	got := rec.last()
	if got.Path != "/api/2.0/managed-evals/experiments/1234/labeling-sessions/ls-7/items:batchCreate" {
		t.Errorf("path = %s", got.Path)
	}
	items := got.Body["items"].([]any)
	if len(items) != 2 || items[0].(map[string]any)["source"].(map[string]any)["trace_id"] != "tr-1" {
		t.Errorf("items = %v", items)
	}

	before := len(rec.calls)
	if err := c.AddTracesToSession(context.Background(), "ls-7", nil); err != nil {
		t.Fatalf("AddTracesToSession(nil): %v", err)
	}
	if len(rec.calls) != before {
		t.Error("no request expected for an empty trace list")
	}
}
