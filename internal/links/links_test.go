package links

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureHTTPS(t *testing.T) {
	require.Equal(t, "", EnsureHTTPS(""))
	require.Equal(t, "https://adb-1.azuredatabricks.net", EnsureHTTPS("adb-1.azuredatabricks.net"))
	require.Equal(t, "http://localhost:5000", EnsureHTTPS("http://localhost:5000"))
	require.Equal(t, "https://x", EnsureHTTPS("https://x"))
}

func TestExperiment(t *testing.T) {
	e := NewExperiment("example.cloud.databricks.com/", "42")
	base := "https://example.cloud.databricks.com/ml/experiments/42"

	require.Equal(t, base+"?compareRunsMode=TRACES", e.Home())
	require.Equal(t, base+"/traces?selectedEvaluationId=tr-1", e.Trace("tr-1"))
	require.Equal(t, base+"/traces?&filter=TAG%3A%3A%3D%3A%3Ayes%3A%3Aeval_example&filter=ASSESSMENT%3A%3A%3D%3A%3Ano%3A%3Aaccuracy", e.FailedTraces())
	require.Equal(t, base+"/datasets", e.Datasets())
	require.Equal(t, base+"/datasets?selectedDatasetId=d-1", e.Dataset("d-1"))
	require.Equal(t, base+"/evaluation-runs?selectedRunUuid=r2&compareToRunUuid=r1", e.Comparison("r2", "r1"))
	require.Equal(t, base+"/prompts/main.sales.email_template", e.Prompt("main.sales.email_template"))
	require.Equal(t, base+"/prompts", e.Prompt(""))
	require.Equal(t, base+"/label-schemas", e.LabelSchemas())
	require.Equal(t, base+"/labeling-sessions?selectedLabelingSessionId=s-1", e.LabelingSession("s-1"))
	require.Equal(t, base+"/evaluation-monitoring", e.Monitoring())
}
