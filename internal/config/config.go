package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models testline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Storage struct {
		Backend string `yaml:"backend"`
		Local   struct {
			Dir string `yaml:"dir"`
		} `yaml:"local"`
		S3 struct {
			Endpoint       string `yaml:"endpoint"`
			Bucket         string `yaml:"bucket"`
			Region         string `yaml:"region"`
			AccessKey      string `yaml:"access_key"`
			SecretKey      string `yaml:"secret_key"`
			ForcePathStyle bool   `yaml:"force_path_style"`
			DisableTLS     bool   `yaml:"disable_tls"`
		} `yaml:"s3"`
	} `yaml:"storage"`
	Agent struct {
		Command          string   `yaml:"command"`
		Args             []string `yaml:"args"`
		MaxSteps         int      `yaml:"max_steps"`
		TimeLimitSeconds int      `yaml:"time_limit_seconds"`
		PollSeconds      int      `yaml:"poll_seconds"`
	} `yaml:"agent"`
	Limits struct {
		AssetMaxBytes      int64 `yaml:"asset_max_bytes"`
		ScreenshotMaxBytes int64 `yaml:"screenshot_max_bytes"`
	} `yaml:"limits"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl project create first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	switch c.Storage.Backend {
	case "", "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config.storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.storage.backend must be 'local' or 's3'")
	}
	if c.Agent.MaxSteps < 0 {
		return fmt.Errorf("config.agent.max_steps must not be negative")
	}
	if c.Agent.TimeLimitSeconds < 0 {
		return fmt.Errorf("config.agent.time_limit_seconds must not be negative")
	}
	if c.Limits.AssetMaxBytes < 0 || c.Limits.ScreenshotMaxBytes < 0 {
		return fmt.Errorf("config.limits values must not be negative")
	}
	return nil
}

// AgentCommand returns the configured agent command with defaults applied.
func (c *Config) AgentCommand() (string, []string) {
	cmd := c.Agent.Command
	if cmd == "" {
		cmd = "python3"
	}
	args := c.Agent.Args
	if len(args) == 0 && c.Agent.Command == "" {
		args = []string{"agent/agent_runner.py"}
	}
	return cmd, args
}

// TimeLimitSeconds returns the job time limit with the default applied.
func (c *Config) TimeLimitSeconds() int {
	if c.Agent.TimeLimitSeconds > 0 {
		return c.Agent.TimeLimitSeconds
	}
	return 300
}

// MaxSteps returns the agent step budget with the default applied.
func (c *Config) MaxSteps() int {
	if c.Agent.MaxSteps > 0 {
		return c.Agent.MaxSteps
	}
	return 20
}

// AssetMaxBytes returns the asset upload cap with the default applied.
func (c *Config) AssetMaxBytes() int64 {
	if c.Limits.AssetMaxBytes > 0 {
		return c.Limits.AssetMaxBytes
	}
	return 100 << 20
}

// ScreenshotMaxBytes returns the step screenshot cap with the default applied.
func (c *Config) ScreenshotMaxBytes() int64 {
	if c.Limits.ScreenshotMaxBytes > 0 {
		return c.Limits.ScreenshotMaxBytes
	}
	return 10 << 20
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "testline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

storage:
  backend: local
  local:
    dir: .testline/blobs

agent:
  command: python3
  args: [agent/agent_runner.py]
  max_steps: 20
  time_limit_seconds: 300
  poll_seconds: 2

limits:
  asset_max_bytes: 104857600
  screenshot_max_bytes: 10485760
`
