package mlflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// LabelSchema is a question reviewers answer in a labeling session.
type LabelSchema struct {
	Name          string
	Title         string
	Instruction   string
	Options       []string
	EnableComment bool
}

// LabelingSession is a set of traces queued for human review.
type LabelingSession struct {
	ID   string
	Name string
	// URL opens the session in the review app.
	URL string
}

type labelSchemaBody struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Instruction   string `json:"instruction,omitempty"`
	EnableComment bool   `json:"enable_comment"`
	Categorical   struct {
		Options []string `json:"options"`
	} `json:"categorical"`
}

type reviewApp struct {
	ID           string            `json:"review_app_id"`
	ExperimentID string            `json:"experiment_id"`
	URL          string            `json:"url,omitempty"`
	Schemas      []labelSchemaBody `json:"labeling_schemas,omitempty"`
}

func (c *Client) managedEvalsPath() string {
	return "/api/2.0/managed-evals/experiments/" + url.PathEscape(c.experimentID)
}

// reviewApp returns the experiment's review app, creating it on first use.
func (c *Client) reviewApp(ctx context.Context) (reviewApp, error) {
	var list struct {
		ReviewApps []reviewApp `json:"review_apps"`
	}
	if err := c.do(ctx, http.MethodGet, c.managedEvalsPath()+"/review-apps", nil, &list); err != nil {
		return reviewApp{}, fmt.Errorf("listing review apps: %w", err)
	}
	if len(list.ReviewApps) > 0 {
		return list.ReviewApps[0], nil
	}

	var app reviewApp
	body := map[string]string{"experiment_id": c.experimentID}
	if err := c.do(ctx, http.MethodPost, c.managedEvalsPath()+"/review-apps", body, &app); err != nil {
		return reviewApp{}, fmt.Errorf("creating review app: %w", err)
	}
	if app.ID == "" {
		return reviewApp{}, errors.New("creating review app: empty id")
	}
	return app, nil
}

// CreateLabelSchema adds s to the experiment's review app as a categorical
// feedback question, replacing any schema with the same name.
func (c *Client) CreateLabelSchema(ctx context.Context, s LabelSchema) error {
	app, err := c.reviewApp(ctx)
	if err != nil {
		return err
	}

	b := labelSchemaBody{
		Name:          s.Name,
		Type:          "FEEDBACK",
		Title:         s.Title,
		Instruction:   s.Instruction,
		EnableComment: s.EnableComment,
	}
	b.Categorical.Options = s.Options

	replaced := false
	for i := range app.Schemas {
		if app.Schemas[i].Name == s.Name {
			app.Schemas[i], replaced = b, true
		}
	}
	if !replaced {
		app.Schemas = append(app.Schemas, b)
	}

	path := c.managedEvalsPath() + "/review-apps/" + url.PathEscape(app.ID) + "?update_mask=labeling_schemas"
	if err := c.do(ctx, http.MethodPatch, path, app, nil); err != nil {
		return fmt.Errorf("saving label schema %s: %w", s.Name, err)
	}
	return nil
}

// CreateLabelingSession creates a session asking the given schemas, open to
// every workspace user.
func (c *Client) CreateLabelingSession(ctx context.Context, name string, schemas []string) (LabelingSession, error) {
	app, err := c.reviewApp(ctx)
	if err != nil {
		return LabelingSession{}, err
	}

	refs := make([]map[string]string, 0, len(schemas))
	for _, s := range schemas {
		refs = append(refs, map[string]string{"name": s})
	}
	body := map[string]any{
		"name":             name,
		"assigned_users":   []string{},
		"labeling_schemas": refs,
	}
	var resp struct {
		ID   string `json:"labeling_session_id"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, c.managedEvalsPath()+"/labeling-sessions", body, &resp); err != nil {
		return LabelingSession{}, fmt.Errorf("creating labeling session %s: %w", name, err)
	}
	if resp.ID == "" {
		return LabelingSession{}, fmt.Errorf("creating labeling session %s: empty id", name)
	}

	session := LabelingSession{ID: resp.ID, Name: resp.Name}
	if app.URL != "" {
		session.URL = strings.TrimRight(app.URL, "/") + "/tasks/labeling/" + resp.ID
	}
	return session, nil
}

// AddTracesToSession queues traces for review in a session.
func (c *Client) AddTracesToSession(ctx context.Context, sessionID string, traceIDs []string) error {
	if len(traceIDs) == 0 {
		return nil
	}
	items := make([]map[string]any, 0, len(traceIDs))
	for _, id := range traceIDs {
		items = append(items, map[string]any{"source": map[string]string{"trace_id": id}})
	}
	path := c.managedEvalsPath() + "/labeling-sessions/" + url.PathEscape(sessionID) + "/items:batchCreate"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"items": items}, nil); err != nil {
		return fmt.Errorf("adding traces to labeling session %s: %w", sessionID, err)
	}
	return nil
}
