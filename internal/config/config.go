package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models coordline.yml.
type Config struct {
	Coordination CoordinationConfig `yaml:"coordination"`
	Audit        AuditConfig        `yaml:"audit"`
	Agents       struct {
		// Expertise maps agent -> domain -> factor. The "*" domain is the agent default.
		Expertise map[string]map[string]float64 `yaml:"expertise"`
	} `yaml:"agents"`
}

type CoordinationConfig struct {
	LockTTL          time.Duration `yaml:"lock_ttl"`
	ClaimTTL         time.Duration `yaml:"claim_ttl"`
	RetryBudget      int           `yaml:"retry_budget"`
	ProposalDeadline time.Duration `yaml:"proposal_deadline"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

type AuditConfig struct {
	RedactPatterns []string `yaml:"redact_patterns"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	Retention      struct {
		Hot  time.Duration `yaml:"hot"`
		Warm time.Duration `yaml:"warm"`
	} `yaml:"retention"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards audit export records to an external collaborator.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Actions        []string `yaml:"actions"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with coord init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	co := c.Coordination
	if co.LockTTL <= 0 {
		return fmt.Errorf("config.coordination.lock_ttl must be positive")
	}
	if co.ClaimTTL <= 0 {
		return fmt.Errorf("config.coordination.claim_ttl must be positive")
	}
	if co.RetryBudget < 0 {
		return fmt.Errorf("config.coordination.retry_budget must be >= 0")
	}
	if co.ProposalDeadline <= 0 {
		return fmt.Errorf("config.coordination.proposal_deadline must be positive")
	}
	if co.SessionTTL < 0 {
		return fmt.Errorf("config.coordination.session_ttl must be >= 0")
	}
	if co.SweepInterval < 0 || co.PollInterval < 0 {
		return fmt.Errorf("config.coordination intervals must be >= 0")
	}
	for i, p := range c.Audit.RedactPatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.audit.redact_patterns[%d] is empty", i)
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config.audit.redact_patterns[%d]: %w", i, err)
		}
	}
	if c.Audit.RetryAttempts < 0 {
		return fmt.Errorf("config.audit.retry_attempts must be >= 0")
	}
	ret := c.Audit.Retention
	if ret.Hot < 0 || ret.Warm < 0 {
		return fmt.Errorf("config.audit.retention durations must be >= 0")
	}
	if ret.Hot > 0 && ret.Warm > 0 && ret.Warm < ret.Hot {
		return fmt.Errorf("config.audit.retention.warm must not be shorter than hot")
	}
	for i, hook := range c.Audit.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.audit.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.audit.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	for agent, domains := range c.Agents.Expertise {
		if agent == "" {
			return fmt.Errorf("config.agents.expertise contains empty agent id")
		}
		for d, factor := range domains {
			if factor <= 0 {
				return fmt.Errorf("expertise for %s/%s must be positive", agent, d)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "coordline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `coordination:
  lock_ttl: 30s
  claim_ttl: 60s
  retry_budget: 2
  proposal_deadline: 10m
  session_ttl: 24h
  sweep_interval: 15s
  poll_interval: 250ms

audit:
  retry_attempts: 5
  redact_patterns:
    - '(?i)(api[_-]?key|secret|token|password|passwd)\s*[:=]\s*["'']?[^\s"'',;]+'
    - '(?i)bearer\s+[a-z0-9._~+/=-]{8,}'
    - 'AKIA[0-9A-Z]{16}'
    - 'gh[pousr]_[A-Za-z0-9]{36,}'
    - 'xox[abposr]-[A-Za-z0-9-]{10,}'
    - 'sk-[A-Za-z0-9]{20,}'
    - '-----BEGIN [A-Z ]*PRIVATE KEY-----'
  retention:
    hot: 168h
    warm: 720h
  webhooks: []

agents:
  expertise: {}
`
