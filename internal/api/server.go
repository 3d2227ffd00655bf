// Package api serves the email generation service over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/salesmail/internal/config"
	"github.com/kalambet/salesmail/internal/customer"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/links"
	"github.com/kalambet/salesmail/internal/prompt"
	"github.com/kalambet/salesmail/internal/tracking"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Generator is the email generation surface used by the handlers.
type Generator interface {
	Stream(ctx context.Context, req generator.Request) iter.Seq2[generator.Chunk, error]
	Generate(ctx context.Context, req generator.Request) (generator.Result, error)
	Prompt() prompt.Prompt
	Reload(ctx context.Context) (prompt.Prompt, error)
}

// Customers lists and resolves customer records.
type Customers interface {
	Names() ([]string, error)
	Lookup(name string) (customer.Record, error)
}

type Deps struct {
	Generator Generator
	Customers Customers
	Feedback  tracking.AssessmentLogger

	// Host and ExperimentID address the workspace experiment UI.
	Host         string
	ExperimentID string
	Environment  string
	Showcase     config.ShowcaseConfig

	// AdminToken guards /api/admin. Empty leaves the admin routes unmounted.
	AdminToken string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	Logger *slog.Logger
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(allowAllOrigins)

	r.Route("/api", func(r chi.Router) {
		r.Get("/companies", handleCompanies(deps))
		r.Get("/customer/{name}", handleCustomer(deps))
		r.Get("/customer/{name}/markdown", handleCustomerMarkdown(deps))
		r.Post("/generate-email-with-retrieval/", handleGenerate(deps))
		r.Post("/generate-email-stream-with-retrieval/", handleGenerateStream(deps))
		r.Post("/feedback", handleFeedback(deps))

		r.Get("/health", handleHealth(deps))
		r.Get("/tracing_experiment", handleExperiment(deps))
		r.Get("/preloaded-results", handlePreloadedResults(deps))
		r.Get("/fixed-prompt", handleStaticPrompt(prompt.Fixed()))
		r.Get("/original-prompt", handleStaticPrompt(prompt.Original()))
		r.Get("/current-production-prompt", handleCurrentPrompt(deps))
		r.Get("/get-notebook-url/{name}", handleNotebookURL(deps))

		if deps.AdminToken != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(BearerAuth(deps.AdminToken))
				r.Post("/prompt/reload", handlePromptReload(deps))
			})
		}
	})

	return r
}

func (d Deps) experiment() links.Experiment {
	return links.NewExperiment(d.Host, d.ExperimentID)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeDetail writes the error shape the browser client reads.
func writeDetail(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

// httpError writes the error shape of the admin routes.
func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
