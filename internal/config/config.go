// Package config models vaultline.yml: vault location, stage
// intervals, the executor's budget and retry policy, watcher sources,
// sender commands and the autonomy policy table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vaultline.yml.
type Config struct {
	Vault struct {
		Path string `yaml:"path"`
	} `yaml:"vault"`
	Planner struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"planner"`
	Executor struct {
		IntervalSeconds        int `yaml:"interval_seconds"`
		HourlyBudget           int `yaml:"hourly_budget"`
		MaxAttempts            int `yaml:"max_attempts"`
		BackoffBaseSeconds     int `yaml:"backoff_base_seconds"`
		DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`
		ApprovalTTLHours       int `yaml:"approval_ttl_hours"`
	} `yaml:"executor"`
	Watchers []Watcher         `yaml:"watchers"`
	Senders  map[string]Sender `yaml:"senders"`
	Policy   Policy            `yaml:"policy"`
	Webhooks []Webhook         `yaml:"webhooks"`
	Audit    struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"audit"`
}

// Watcher configures one detector instance.
type Watcher struct {
	Name            string `yaml:"name"`
	Kind            string `yaml:"kind"` // filesystem | maildir
	Path            string `yaml:"path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	MaxAttempts     int    `yaml:"max_attempts"`
}

// Sender configures the external command used to dispatch one action
// kind. The argv supports {target} and {content} placeholders.
type Sender struct {
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Webhook configures one endpoint notified of audit events. An empty
// events list matches everything.
type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Policy is the declarative autonomy table consumed by the planner.
type Policy struct {
	Rules           []Rule   `yaml:"rules"`
	KnownContacts   []string `yaml:"known_contacts"`
	HighRiskWords   []string `yaml:"high_risk_words"`
	MediumRiskWords []string `yaml:"medium_risk_words"`
	ApprovalWords   []string `yaml:"approval_words"`
}

// Rule is one row of the policy table. Empty fields are wildcards; the
// first matching rule wins.
type Rule struct {
	Origin       string `yaml:"origin,omitempty"`
	Action       string `yaml:"action,omitempty"`
	ContactKnown *bool  `yaml:"contact_known,omitempty"`
	AmountBucket string `yaml:"amount_bucket,omitempty"`
	Decision     string `yaml:"decision"` // auto | requires-approval
}

// FromYAML parses config bytes and applies defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run vl init to create it", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	if _, err := os.Stat(Path(workspace)); os.IsNotExist(err) {
		return Default(workspace), nil
	}
	return Load(workspace)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vaultline.yml")
}

// Default returns the baseline configuration rooted at workspace.
func Default(workspace string) *Config {
	cfg := &Config{}
	cfg.Vault.Path = filepath.Join(workspace, "vault")
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Vault.Path == "" {
		c.Vault.Path = "vault"
	}
	if c.Planner.IntervalSeconds == 0 {
		c.Planner.IntervalSeconds = 30
	}
	if c.Executor.IntervalSeconds == 0 {
		c.Executor.IntervalSeconds = 30
	}
	if c.Executor.HourlyBudget == 0 {
		c.Executor.HourlyBudget = 10
	}
	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.BackoffBaseSeconds == 0 {
		c.Executor.BackoffBaseSeconds = 2
	}
	if c.Executor.DispatchTimeoutSeconds == 0 {
		c.Executor.DispatchTimeoutSeconds = 120
	}
	if c.Executor.ApprovalTTLHours == 0 {
		c.Executor.ApprovalTTLHours = 72
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 90
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Vault.Path == "" {
		return fmt.Errorf("config.vault.path is required")
	}
	for i, w := range c.Watchers {
		if w.Name == "" {
			return fmt.Errorf("config.watchers[%d].name is required", i)
		}
		switch w.Kind {
		case "filesystem", "maildir":
		default:
			return fmt.Errorf("watcher %s has unknown kind %q", w.Name, w.Kind)
		}
		if w.Path == "" {
			return fmt.Errorf("watcher %s requires a path", w.Name)
		}
	}
	for action, s := range c.Senders {
		if len(s.Command) == 0 {
			return fmt.Errorf("sender %s has an empty command", action)
		}
	}
	for i, r := range c.Policy.Rules {
		switch r.Decision {
		case "auto", "requires-approval":
		default:
			return fmt.Errorf("policy rule %d has unknown decision %q", i, r.Decision)
		}
		switch r.AmountBucket {
		case "", "none", "small", "large":
		default:
			return fmt.Errorf("policy rule %d has unknown amount bucket %q", i, r.AmountBucket)
		}
	}
	if c.Audit.RetentionDays < 90 {
		return fmt.Errorf("config.audit.retention_days must be at least 90")
	}
	return nil
}

// DispatchTimeout returns the per-call sender timeout.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Executor.DispatchTimeoutSeconds) * time.Second
}

// BackoffBase returns the executor retry backoff base.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Executor.BackoffBaseSeconds) * time.Second
}

// ApprovalTTL returns the lifetime given to new approval requests.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Executor.ApprovalTTLHours) * time.Hour
}

// AuditRetention returns the configured audit retention window.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// GenerateDefault returns default config YAML for vl init.
func GenerateDefault(workspace string) string {
	return fmt.Sprintf(defaultTemplate, filepath.Join(workspace, "vault"))
}

const defaultTemplate = `vault:
  path: %s
planner:
  interval_seconds: 30
executor:
  interval_seconds: 30
  hourly_budget: 10
  max_attempts: 3
  backoff_base_seconds: 2
  dispatch_timeout_seconds: 120
  approval_ttl_hours: 72
audit:
  retention_days: 90
watchers:
  - name: inbox-drop
    kind: filesystem
    path: drop
    interval_seconds: 60
senders: {}
policy:
  rules:
    - origin: filesystem
      contact_known: true
      amount_bucket: none
      decision: auto
  known_contacts: []
`
