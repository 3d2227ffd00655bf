// Package config loads settings from compiled defaults, the config file,
// the environment and, for the workspace token, AWS Parameter Store.
package config

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/salesmail/internal/paramstore"
	"github.com/kalambet/salesmail/internal/prompt"
)

type Config struct {
	Server     ServerConfig
	Model      ModelConfig
	Judge      JudgeConfig
	Prompt     PromptConfig
	Databricks DatabricksConfig
	Data       DataConfig
	Storage    StorageConfig
	Monitor    MonitorConfig
	Log        LogConfig
	Showcase   ShowcaseConfig
}

type ServerConfig struct {
	Host string
	Port int
	Dev  bool
	// APIToken guards the admin routes. Empty disables them.
	APIToken string
}

type ModelConfig struct {
	Endpoint string
	// BaseURL overrides the workspace serving base, for example to point at
	// a local OpenAI-compatible server.
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

type JudgeConfig struct {
	Model string
}

type PromptConfig struct {
	Catalog          string
	Schema           string
	Name             string
	Alias            string
	ReloadPerRequest bool
}

type DatabricksConfig struct {
	Host         string
	Token        string
	TokenParam   string
	ExperimentID string
}

type DataConfig struct {
	Customers string
}

type StorageConfig struct {
	DataDir string
}

type MonitorConfig struct {
	Enabled      bool
	SampleRate   float64
	PollInterval time.Duration
}

type LogConfig struct {
	Level string
}

// ShowcaseConfig holds identifiers and URLs written by the setup commands
// and surfaced by the UI helper routes.
type ShowcaseConfig struct {
	SampleTraceID           string
	SampleLabelingSessionID string
	SampleReviewAppURL      string
	SampleLabelingTraceID   string
	LowAccuracyResultsURL   string
	RegressionResultsURL    string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Model: ModelConfig{
			Timeout:    300 * time.Second,
			MaxRetries: 2,
		},
		Data: DataConfig{
			Customers: "data/input_data.jsonl",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Monitor: MonitorConfig{
			SampleRate:   0.1,
			PollInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Environment names the deployment mode reported by the health route.
func (c Config) Environment() string {
	if c.Server.Dev {
		return "development"
	}
	return "production"
}

// Remote reports whether a Databricks workspace is configured. Without one
// the service runs against local stand-ins.
func (c Config) Remote() bool {
	return c.Databricks.Host != ""
}

// ServingBaseURL is the OpenAI-compatible base of the workspace's model
// serving endpoints, unless model.base_url overrides it.
func (c Config) ServingBaseURL() string {
	if c.Model.BaseURL != "" {
		return strings.TrimRight(c.Model.BaseURL, "/")
	}
	return strings.TrimRight(c.Databricks.Host, "/") + "/serving-endpoints"
}

// PromptCoordinate addresses the configured generation prompt.
func (c Config) PromptCoordinate() prompt.Coordinate {
	return prompt.Coordinate{
		Catalog: c.Prompt.Catalog,
		Schema:  c.Prompt.Schema,
		Name:    c.Prompt.Name,
		Alias:   c.Prompt.Alias,
	}
}

// Load reads configuration from the config file backend and the
// environment. The workspace token comes from DATABRICKS_TOKEN, or from
// the Parameter Store parameter named by DATABRICKS_TOKEN_PARAM.
//
// Call envfile.Load first so that .env.local values are visible here.
func Load(ctx context.Context) (Config, error) {
	return loadWith(ctx, newPlatformBackend(), parameterStore{})
}

// secretStore abstracts Parameter Store access for testing.
type secretStore interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

func loadWith(ctx context.Context, b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Databricks.Token == "" && cfg.Databricks.TokenParam != "" {
		token, err := secrets.GetParameter(ctx, cfg.Databricks.TokenParam)
		if err != nil {
			return Config{}, fmt.Errorf("resolving workspace token: %w", err)
		}
		cfg.Databricks.Token = token
	}

	if missing := missingRequired(cfg); len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required config: %s. Set them in the environment or in .env.local", strings.Join(missing, ", "))
	}

	if cfg.Judge.Model == "" {
		cfg.Judge.Model = cfg.Model.Endpoint
	}
	if cfg.Monitor.SampleRate < 0 || cfg.Monitor.SampleRate > 1 {
		return Config{}, fmt.Errorf("monitor.sample_rate must be within [0, 1], got %v", cfg.Monitor.SampleRate)
	}
	if cfg.Remote() && cfg.Databricks.Token == "" {
		return Config{}, fmt.Errorf("DATABRICKS_HOST is set but no token was found in DATABRICKS_TOKEN or DATABRICKS_TOKEN_PARAM")
	}
	return cfg, nil
}

// missingRequired returns the environment names of required keys that are
// still empty, in table order.
func missingRequired(cfg Config) []string {
	var missing []string
	for _, s := range specs {
		if !s.required {
			continue
		}
		if v, _ := s.extract(cfg).(string); v == "" {
			missing = append(missing, s.env)
		}
	}
	return missing
}

// parameterStore connects to AWS only when a parameter is actually needed.
type parameterStore struct{}

func (parameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	c, err := paramstore.NewDefault(ctx)
	if err != nil {
		return "", err
	}
	return c.GetParameter(ctx, name)
}
