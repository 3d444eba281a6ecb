// Package config provides the Config struct and loader for .agentgauge.yaml
// project-level configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values for project configuration. These are the single source of
// truth — New() references them and no other code should duplicate them.
const (
	DefaultLLMModel       = "gpt-4"
	DefaultLLMTemperature = 0.8
	DefaultAPIKeyEnv      = "OPENAI_API_KEY"

	DefaultMaxConcurrency     = 3
	DefaultMaxMessages        = 20
	DefaultReplyTimeoutSec    = 30
	DefaultGreetingTimeoutSec = 15
	DefaultOpenTimeoutSec     = 10
	DefaultOpenRetries        = 3

	DefaultServerPort = 3000
	DefaultStoreDir   = "runs/"
	DefaultGoalsDir   = "goals/"
)

// SalesforceConfig holds the MIAW messaging channel settings for one project.
type SalesforceConfig struct {
	OrgID          string `yaml:"org_id,omitempty"`
	DeploymentName string `yaml:"deployment_name,omitempty"`
	BaseURL        string `yaml:"base_url,omitempty"`

	// RoutingAttributes are merged into conversation-create requests.
	// System attributes (device id, channel, platform) take precedence.
	RoutingAttributes map[string]any `yaml:"routing_attributes,omitempty"`
}

// Validate checks that the fields required to open a conversation are present.
func (c *SalesforceConfig) Validate() error {
	if c.OrgID == "" {
		return errors.New("salesforce.org_id is required")
	}
	if c.DeploymentName == "" {
		return errors.New("salesforce.deployment_name is required")
	}
	if c.BaseURL == "" {
		return errors.New("salesforce.base_url is required")
	}
	return nil
}

// LLMConfig holds the language-model settings for the customer simulator.
type LLMConfig struct {
	Model       string   `yaml:"model,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// RunConfig holds execution parameters for batch runs and single tests.
type RunConfig struct {
	MaxConcurrency     int `yaml:"max_concurrency,omitempty"`
	MaxMessages        int `yaml:"max_messages,omitempty"`
	ReplyTimeoutSec    int `yaml:"reply_timeout,omitempty"`
	GreetingTimeoutSec int `yaml:"greeting_timeout,omitempty"`
	OpenTimeoutSec     int `yaml:"open_timeout,omitempty"`
	OpenRetries        int `yaml:"open_retries,omitempty"`
}

// PathsConfig holds directory paths for goals and run records.
type PathsConfig struct {
	Goals       string `yaml:"goals,omitempty"`
	Runs        string `yaml:"runs,omitempty"`
	Transcripts string `yaml:"transcripts,omitempty"`
}

// ServerConfig holds the HTTP API server settings.
type ServerConfig struct {
	Port int `yaml:"port,omitempty"`
}

// Config is the top-level configuration loaded from .agentgauge.yaml.
type Config struct {
	ProjectID  string           `yaml:"project_id,omitempty"`
	Salesforce SalesforceConfig `yaml:"salesforce,omitempty"`
	LLM        LLMConfig        `yaml:"llm,omitempty"`
	Run        RunConfig        `yaml:"run,omitempty"`
	Paths      PathsConfig      `yaml:"paths,omitempty"`
	Server     ServerConfig     `yaml:"server,omitempty"`
}

// New returns a Config with all hard-coded defaults populated.
func New() *Config {
	temp := DefaultLLMTemperature
	return &Config{
		LLM: LLMConfig{
			Model:       DefaultLLMModel,
			APIKeyEnv:   DefaultAPIKeyEnv,
			Temperature: &temp,
		},
		Run: RunConfig{
			MaxConcurrency:     DefaultMaxConcurrency,
			MaxMessages:        DefaultMaxMessages,
			ReplyTimeoutSec:    DefaultReplyTimeoutSec,
			GreetingTimeoutSec: DefaultGreetingTimeoutSec,
			OpenTimeoutSec:     DefaultOpenTimeoutSec,
			OpenRetries:        DefaultOpenRetries,
		},
		Paths: PathsConfig{
			Goals: DefaultGoalsDir,
			Runs:  DefaultStoreDir,
		},
		Server: ServerConfig{
			Port: DefaultServerPort,
		},
	}
}

// Load finds .agentgauge.yaml by walking up from startDir (max 10 levels),
// unmarshals it, and fills in missing fields with defaults. If no config file
// is found, returns defaults with a nil error. Real I/O errors (e.g.
// permission denied) are returned to the caller.
func Load(startDir string) (*Config, error) {
	cfg := New()

	data, err := findConfigFile(startDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil // no file found → return defaults
		}
		return nil, fmt.Errorf("loading .agentgauge.yaml: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing .agentgauge.yaml: %w", err)
	}

	mergeConfig(cfg, &fileCfg)
	return cfg, nil
}

// findConfigFile walks up from dir looking for .agentgauge.yaml (max 10
// levels). Returns os.ErrNotExist if no config file is found.
func findConfigFile(dir string) ([]byte, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", dir, err)
	}
	dir = absDir

	for i := 0; i < 10; i++ {
		p := filepath.Join(dir, ".agentgauge.yaml")
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %q: %w", p, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}
	return nil, os.ErrNotExist
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *Config) {
	if src.ProjectID != "" {
		dst.ProjectID = src.ProjectID
	}

	// Salesforce
	if src.Salesforce.OrgID != "" {
		dst.Salesforce.OrgID = src.Salesforce.OrgID
	}
	if src.Salesforce.DeploymentName != "" {
		dst.Salesforce.DeploymentName = src.Salesforce.DeploymentName
	}
	if src.Salesforce.BaseURL != "" {
		dst.Salesforce.BaseURL = src.Salesforce.BaseURL
	}
	if src.Salesforce.RoutingAttributes != nil {
		dst.Salesforce.RoutingAttributes = src.Salesforce.RoutingAttributes
	}

	// LLM
	if src.LLM.Model != "" {
		dst.LLM.Model = src.LLM.Model
	}
	if src.LLM.BaseURL != "" {
		dst.LLM.BaseURL = src.LLM.BaseURL
	}
	if src.LLM.APIKeyEnv != "" {
		dst.LLM.APIKeyEnv = src.LLM.APIKeyEnv
	}
	if src.LLM.Temperature != nil {
		dst.LLM.Temperature = src.LLM.Temperature
	}

	// Run
	if src.Run.MaxConcurrency != 0 {
		dst.Run.MaxConcurrency = src.Run.MaxConcurrency
	}
	if src.Run.MaxMessages != 0 {
		dst.Run.MaxMessages = src.Run.MaxMessages
	}
	if src.Run.ReplyTimeoutSec != 0 {
		dst.Run.ReplyTimeoutSec = src.Run.ReplyTimeoutSec
	}
	if src.Run.GreetingTimeoutSec != 0 {
		dst.Run.GreetingTimeoutSec = src.Run.GreetingTimeoutSec
	}
	if src.Run.OpenTimeoutSec != 0 {
		dst.Run.OpenTimeoutSec = src.Run.OpenTimeoutSec
	}
	if src.Run.OpenRetries != 0 {
		dst.Run.OpenRetries = src.Run.OpenRetries
	}

	// Paths
	if src.Paths.Goals != "" {
		dst.Paths.Goals = src.Paths.Goals
	}
	if src.Paths.Runs != "" {
		dst.Paths.Runs = src.Paths.Runs
	}
	if src.Paths.Transcripts != "" {
		dst.Paths.Transcripts = src.Paths.Transcripts
	}

	// Server
	if src.Server.Port != 0 {
		dst.Server.Port = src.Server.Port
	}
}
