package mlflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/service/ml"

	"github.com/kalambet/salesmail/internal/tracking"
)

// runsAPI is the subset of the workspace experiments service used for
// evaluation runs.
type runsAPI interface {
	CreateRun(ctx context.Context, request ml.CreateRun) (*ml.CreateRunResponse, error)
	LogMetric(ctx context.Context, request ml.LogMetric) error
	UpdateRun(ctx context.Context, request ml.UpdateRun) (*ml.UpdateRunResponse, error)
}

// experiments returns the runs service, building a workspace client on
// first use.
func (c *Client) experiments() (runsAPI, error) {
	c.runsOnce.Do(func() {
		if c.runs != nil {
			return
		}
		w, err := databricks.NewWorkspaceClient(&databricks.Config{Host: c.baseURL, Token: c.token})
		if err != nil {
			c.runsErr = fmt.Errorf("creating workspace client: %w", err)
			return
		}
		c.runs = w.Experiments
	})
	return c.runs, c.runsErr
}

func (c *Client) StartRun(ctx context.Context, name string, tags map[string]string) (string, error) {
	api, err := c.experiments()
	if err != nil {
		return "", err
	}
	req := ml.CreateRun{
		ExperimentId: c.experimentID,
		RunName:      name,
		StartTime:    time.Now().UnixMilli(),
	}
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		req.Tags = append(req.Tags, ml.RunTag{Key: k, Value: tags[k]})
	}
	resp, err := api.CreateRun(ctx, req)
	if err != nil {
		return "", fmt.Errorf("creating run %q: %w", name, err)
	}
	if resp.Run == nil || resp.Run.Info == nil || resp.Run.Info.RunId == "" {
		return "", fmt.Errorf("creating run %q: empty run id", name)
	}
	return resp.Run.Info.RunId, nil
}

func (c *Client) LogMetric(ctx context.Context, runID, key string, value float64) error {
	api, err := c.experiments()
	if err != nil {
		return err
	}
	err = api.LogMetric(ctx, ml.LogMetric{
		RunId:     runID,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("logging metric %s: %w", key, err)
	}
	return nil
}

// EndRun marks the run FINISHED for StatusOK and FAILED otherwise.
func (c *Client) EndRun(ctx context.Context, runID string, status tracking.Status) error {
	api, err := c.experiments()
	if err != nil {
		return err
	}
	runStatus := ml.UpdateRunStatusFinished
	if status != tracking.StatusOK {
		runStatus = ml.UpdateRunStatusFailed
	}
	_, err = api.UpdateRun(ctx, ml.UpdateRun{
		RunId:   runID,
		Status:  runStatus,
		EndTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("ending run %s: %w", runID, err)
	}
	return nil
}
