// Package links builds URLs into the workspace experiment UI.
package links

import (
	"net/url"
	"strings"
)

// failedTracesFilter selects evaluation examples the accuracy judge failed.
const failedTracesFilter = "?&filter=TAG%3A%3A%3D%3A%3Ayes%3A%3Aeval_example&filter=ASSESSMENT%3A%3A%3D%3A%3Ano%3A%3Aaccuracy"

// EnsureHTTPS prefixes host with https:// unless it already names a scheme.
// An empty host stays empty.
func EnsureHTTPS(host string) string {
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "https://") || strings.HasPrefix(host, "http://") {
		return host
	}
	return "https://" + host
}

// Experiment addresses one experiment in a workspace.
type Experiment struct {
	base string
}

func NewExperiment(host, experimentID string) Experiment {
	return Experiment{base: strings.TrimRight(EnsureHTTPS(host), "/") + "/ml/experiments/" + experimentID}
}

// Home opens the experiment on its traces tab.
func (e Experiment) Home() string {
	return e.base + "?compareRunsMode=TRACES"
}

// TraceTemplate is Trace without the id, for clients that append it.
func (e Experiment) TraceTemplate() string {
	return e.base + "/traces?selectedEvaluationId="
}

func (e Experiment) Trace(traceID string) string {
	return e.TraceTemplate() + traceID
}

func (e Experiment) FailedTraces() string {
	return e.base + "/traces" + failedTracesFilter
}

func (e Experiment) Datasets() string {
	return e.base + "/datasets"
}

func (e Experiment) Dataset(datasetID string) string {
	return e.Datasets() + "?selectedDatasetId=" + url.QueryEscape(datasetID)
}

func (e Experiment) EvaluationRuns() string {
	return e.base + "/evaluation-runs"
}

func (e Experiment) EvaluationRun(runID string) string {
	return e.EvaluationRuns() + "?selectedRunUuid=" + runID
}

// Comparison shows runID side by side with baselineRunID.
func (e Experiment) Comparison(runID, baselineRunID string) string {
	return e.EvaluationRun(runID) + "&compareToRunUuid=" + baselineRunID
}

// Prompt links to a registered prompt; an empty name lists all prompts.
func (e Experiment) Prompt(fullName string) string {
	if fullName == "" {
		return e.base + "/prompts"
	}
	return e.base + "/prompts/" + fullName
}

func (e Experiment) LabelSchemas() string {
	return e.base + "/label-schemas"
}

func (e Experiment) LabelingSession(sessionID string) string {
	return e.base + "/labeling-sessions?selectedLabelingSessionId=" + sessionID
}

func (e Experiment) Monitoring() string {
	return e.base + "/evaluation-monitoring"
}
