package mlflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kalambet/salesmail/internal/prompt"
)

// Tags the registry uses to mark prompt versions and store their text.
const (
	tagIsPrompt   = "mlflow.prompt.is_prompt"
	tagPromptText = "mlflow.prompt.text"
)

var _ prompt.Registry = (*Client)(nil)

type modelVersion struct {
	Name    string     `json:"name"`
	Version string     `json:"version"`
	Tags    []keyValue `json:"tags,omitempty"`
}

// Load resolves coord.Alias to a version and returns its template.
func (c *Client) Load(ctx context.Context, coord prompt.Coordinate) (prompt.Prompt, error) {
	q := url.Values{"name": {coord.FullName()}, "alias": {coord.Alias}}
	var resp struct {
		ModelVersion modelVersion `json:"model_version"`
	}
	err := c.do(ctx, http.MethodGet, "/api/2.0/mlflow/registered-models/alias?"+q.Encode(), nil, &resp)
	if err != nil {
		if IsNotFound(err) {
			return prompt.Prompt{}, fmt.Errorf("%w: %s: %v", prompt.ErrNotFound, coord.URI(), err)
		}
		return prompt.Prompt{}, fmt.Errorf("loading prompt %s: %w", coord.URI(), err)
	}

	version, err := strconv.Atoi(resp.ModelVersion.Version)
	if err != nil {
		return prompt.Prompt{}, fmt.Errorf("prompt %s: bad version %q", coord.URI(), resp.ModelVersion.Version)
	}
	text, ok := fromKeyValues(resp.ModelVersion.Tags)[tagPromptText]
	if !ok {
		return prompt.Prompt{}, fmt.Errorf("%w: %s has no template text", prompt.ErrNotFound, coord.URI())
	}
	return prompt.Prompt{Coordinate: coord, Version: version, Template: text}, nil
}

// Register stores template as a new version of fullName, creating the
// prompt on first use.
func (c *Client) Register(ctx context.Context, fullName, template, commitMessage string) (int, error) {
	create := map[string]any{
		"name": fullName,
		"tags": []keyValue{{Key: tagIsPrompt, Value: "true"}},
	}
	if err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/registered-models/create", create, nil); err != nil && !isAlreadyExists(err) {
		return 0, fmt.Errorf("creating prompt %s: %w", fullName, err)
	}

	body := map[string]any{
		"name":        fullName,
		"source":      "dummy-source",
		"description": commitMessage,
		"tags": []keyValue{
			{Key: tagIsPrompt, Value: "true"},
			{Key: tagPromptText, Value: template},
		},
	}
	var resp struct {
		ModelVersion modelVersion `json:"model_version"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/model-versions/create", body, &resp); err != nil {
		return 0, fmt.Errorf("registering prompt %s: %w", fullName, err)
	}
	version, err := strconv.Atoi(resp.ModelVersion.Version)
	if err != nil {
		return 0, fmt.Errorf("prompt %s: bad version %q", fullName, resp.ModelVersion.Version)
	}
	return version, nil
}

// SetAlias points alias at version.
func (c *Client) SetAlias(ctx context.Context, fullName, alias string, version int) error {
	body := map[string]string{
		"name":    fullName,
		"alias":   alias,
		"version": strconv.Itoa(version),
	}
	if err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/registered-models/alias", body, nil); err != nil {
		return fmt.Errorf("setting alias %s@%s: %w", fullName, alias, err)
	}
	return nil
}
