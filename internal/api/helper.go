package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/salesmail/internal/prompt"
)

// notebooks are the walkthrough notebooks the UI links to. Their URLs come
// from NOTEBOOK_URL_<name>.
var notebooks = map[string]bool{
	"1_observe_with_traces":     true,
	"2_create_quality_metrics":  true,
	"3_find_fix_quality_issues": true,
	"4_human_review":            true,
	"5_production_monitoring":   true,
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UnixMilli()
		if _, err := deps.Customers.Names(); err != nil {
			deps.Logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusOK, map[string]any{
				"status":    "unhealthy",
				"error":     err.Error(),
				"timestamp": now,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":               "healthy",
			"timestamp":            now,
			"mlflow_experiment_id": deps.ExperimentID,
			"environment":          deps.Environment,
		})
	}
}

type experimentInfo struct {
	ExperimentID     string `json:"experiment_id"`
	Link             string `json:"link"`
	TraceURLTemplate string `json:"trace_url_template"`
	FailedTracesURL  string `json:"failed_traces_url"`
	EvalDatasetURL   string `json:"eval_dataset_url"`
	MonitoringURL    string `json:"monitoring_url"`
}

func handleExperiment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e := deps.experiment()
		writeJSON(w, http.StatusOK, experimentInfo{
			ExperimentID:     deps.ExperimentID,
			Link:             e.Home(),
			TraceURLTemplate: e.TraceTemplate(),
			FailedTracesURL:  e.FailedTraces(),
			EvalDatasetURL:   e.Datasets(),
			MonitoringURL:    e.Monitoring(),
		})
	}
}

type preloadedResults struct {
	LowAccuracyResultsURL    *string `json:"low_accuracy_results_url"`
	RegressionResultsURL     *string `json:"regression_results_url"`
	MetricsResultURL         string  `json:"metrics_result_url"`
	SampleTraceURL           string  `json:"sample_trace_url"`
	SampleLabelingSessionURL string  `json:"sample_labeling_session_url"`
	SampleReviewAppURL       string  `json:"sample_review_app_url"`
	SampleLabelingTraceID    *string `json:"sample_labeling_trace_id"`
	SampleLabelingTraceURL   string  `json:"sample_labeling_trace_url"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func handlePreloadedResults(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e := deps.experiment()
		s := deps.Showcase
		writeJSON(w, http.StatusOK, preloadedResults{
			LowAccuracyResultsURL:    optional(s.LowAccuracyResultsURL),
			RegressionResultsURL:     optional(s.RegressionResultsURL),
			MetricsResultURL:         e.Trace(s.SampleTraceID),
			SampleTraceURL:           e.Trace(s.SampleTraceID),
			SampleLabelingSessionURL: e.LabelingSession(s.SampleLabelingSessionID),
			SampleReviewAppURL:       s.SampleReviewAppURL,
			SampleLabelingTraceID:    optional(s.SampleLabelingTraceID),
			SampleLabelingTraceURL:   e.Trace(s.SampleLabelingTraceID),
		})
	}
}

func handleStaticPrompt(template string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"prompt": template})
	}
}

func handleCurrentPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"prompt": prompt.DisplayText(deps.Generator.Prompt().Template),
		})
	}
}

func handleNotebookURL(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		url := "NOT FOUND"
		if notebooks[name] {
			if v := deps.Getenv("NOTEBOOK_URL_" + name); v != "" {
				url = v
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"notebook_name": name, "url": url})
	}
}

type reloadResponse struct {
	Prompt  string `json:"prompt"`
	Version int    `json:"version"`
}

// handlePromptReload re-resolves the prompt alias so a newly promoted
// version takes effect without a restart.
func handlePromptReload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Generator.Reload(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "reloading prompt: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, reloadResponse{Prompt: p.ModelName(), Version: p.Version})
	}
}
