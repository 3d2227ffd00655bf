package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key      string
	typ      keyType
	env      string
	secret   bool
	required bool
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "SALESMAIL_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "SALESMAIL_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.dev", typ: kBool, env: "IS_DEV",
		apply:   func(cfg *Config, v any) { cfg.Server.Dev = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.Dev },
	},
	{
		key: "server.api_token", typ: kString, env: "SALESMAIL_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "model.endpoint", typ: kString, env: "LLM_MODEL", required: true,
		apply:   func(cfg *Config, v any) { cfg.Model.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Endpoint },
	},
	{
		key: "model.base_url", typ: kString, env: "SALESMAIL_MODEL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Model.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.BaseURL },
	},
	{
		key: "model.timeout", typ: kDuration, env: "SALESMAIL_MODEL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Model.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Model.Timeout },
	},
	{
		key: "model.max_retries", typ: kInt, env: "SALESMAIL_MODEL_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Model.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Model.MaxRetries },
	},
	{
		key: "judge.model", typ: kString, env: "SALESMAIL_JUDGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Judge.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Judge.Model },
	},
	{
		key: "prompt.catalog", typ: kString, env: "UC_CATALOG", required: true,
		apply:   func(cfg *Config, v any) { cfg.Prompt.Catalog = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompt.Catalog },
	},
	{
		key: "prompt.schema", typ: kString, env: "UC_SCHEMA", required: true,
		apply:   func(cfg *Config, v any) { cfg.Prompt.Schema = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompt.Schema },
	},
	{
		key: "prompt.name", typ: kString, env: "PROMPT_NAME", required: true,
		apply:   func(cfg *Config, v any) { cfg.Prompt.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompt.Name },
	},
	{
		key: "prompt.alias", typ: kString, env: "PROMPT_ALIAS", required: true,
		apply:   func(cfg *Config, v any) { cfg.Prompt.Alias = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompt.Alias },
	},
	{
		key: "prompt.reload_per_request", typ: kBool, env: "SALESMAIL_PROMPT_RELOAD_PER_REQUEST",
		apply:   func(cfg *Config, v any) { cfg.Prompt.ReloadPerRequest = v.(bool) },
		extract: func(cfg Config) any { return cfg.Prompt.ReloadPerRequest },
	},
	{
		key: "databricks.host", typ: kString, env: "DATABRICKS_HOST",
		apply:   func(cfg *Config, v any) { cfg.Databricks.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Databricks.Host },
	},
	{
		key: "databricks.token", typ: kString, env: "DATABRICKS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Databricks.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Databricks.Token },
	},
	{
		key: "databricks.token_param", typ: kString, env: "DATABRICKS_TOKEN_PARAM",
		apply:   func(cfg *Config, v any) { cfg.Databricks.TokenParam = v.(string) },
		extract: func(cfg Config) any { return cfg.Databricks.TokenParam },
	},
	{
		key: "mlflow.experiment_id", typ: kString, env: "MLFLOW_EXPERIMENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Databricks.ExperimentID = v.(string) },
		extract: func(cfg Config) any { return cfg.Databricks.ExperimentID },
	},
	{
		key: "data.customers", typ: kString, env: "SALESMAIL_CUSTOMER_DATA",
		apply:   func(cfg *Config, v any) { cfg.Data.Customers = v.(string) },
		extract: func(cfg Config) any { return cfg.Data.Customers },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SALESMAIL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "monitor.enabled", typ: kBool, env: "SALESMAIL_MONITOR_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Monitor.Enabled },
	},
	{
		key: "monitor.sample_rate", typ: kFloat, env: "SALESMAIL_MONITOR_SAMPLE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Monitor.SampleRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.SampleRate },
	},
	{
		key: "monitor.poll_interval", typ: kDuration, env: "SALESMAIL_MONITOR_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Monitor.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Monitor.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "SALESMAIL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "showcase.sample_trace_id", typ: kString, env: "SAMPLE_TRACE_ID",
		apply:   func(cfg *Config, v any) { cfg.Showcase.SampleTraceID = v.(string) },
		extract: func(cfg Config) any { return cfg.Showcase.SampleTraceID },
	},
	{
		key: "showcase.sample_labeling_session_id", typ: kString, env: "SAMPLE_LABELING_SESSION_ID",
		apply:   func(cfg *Config, v any) { cfg.Showcase.SampleLabelingSessionID = v.(string) },
		extract: func(cfg Config) any { return cfg.Showcase.SampleLabelingSessionID },
	},
	{
		key: "showcase.sample_review_app_url", typ: kString, env: "SAMPLE_REVIEW_APP_URL",
		apply:   func(cfg *Config, v any) { cfg.Showcase.SampleReviewAppURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Showcase.SampleReviewAppURL },
	},
	{
		key: "showcase.sample_labeling_trace_id", typ: kString, env: "SAMPLE_LABELING_TRACE_ID",
		apply:   func(cfg *Config, v any) { cfg.Showcase.SampleLabelingTraceID = v.(string) },
		extract: func(cfg Config) any { return cfg.Showcase.SampleLabelingTraceID },
	},
	{
		key: "showcase.low_accuracy_results_url", typ: kString, env: "LOW_ACCURACY_RESULTS_URL",
		apply:   func(cfg *Config, v any) { cfg.Showcase.LowAccuracyResultsURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Showcase.LowAccuracyResultsURL },
	},
	{
		key: "showcase.regression_results_url", typ: kString, env: "REGRESSION_RESULTS_URL",
		apply:   func(cfg *Config, v any) { cfg.Showcase.RegressionResultsURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Showcase.RegressionResultsURL },
	},
}

// parse converts raw into the Go value for typ.
func parse(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
