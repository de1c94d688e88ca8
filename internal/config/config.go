package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Config models joatu.yml.
type Config struct {
	Locales struct {
		Default   string   `yaml:"default"`
		Available []string `yaml:"available"`
	} `yaml:"locales"`
	Categories []CategorySeed `yaml:"categories"`
	RBAC       struct {
		DefaultRole string              `yaml:"default_role"`
		Roles       map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Notifier   NotifierConfig `yaml:"notifier"`
	Dispatcher struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		Batch           int `yaml:"batch"`
	} `yaml:"dispatcher"`
}

type CategorySeed struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Position int    `yaml:"position"`
	Parent   string `yaml:"parent,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type NotifierConfig struct {
	Log   bool `yaml:"log"`
	Retry struct {
		Attempts  int `yaml:"attempts"`
		BackoffMS int `yaml:"backoff_ms"`
	} `yaml:"retry"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Locales.Default == "" {
		return fmt.Errorf("config.locales.default is required")
	}
	for _, tag := range append([]string{c.Locales.Default}, c.Locales.Available...) {
		if _, err := language.Parse(tag); err != nil {
			return fmt.Errorf("config.locales: invalid tag %q: %w", tag, err)
		}
	}
	seen := map[string]bool{}
	for _, cat := range c.Categories {
		if cat.ID == "" || cat.Name == "" {
			return fmt.Errorf("config.categories entries need id and name")
		}
		if seen[cat.ID] {
			return fmt.Errorf("category %s declared twice", cat.ID)
		}
		seen[cat.ID] = true
	}
	for _, cat := range c.Categories {
		if cat.Parent != "" && !seen[cat.Parent] {
			return fmt.Errorf("category %s references unknown parent %s", cat.ID, cat.Parent)
		}
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if c.RBAC.DefaultRole != "" {
		if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
			return fmt.Errorf("config.rbac.default_role %s not defined", c.RBAC.DefaultRole)
		}
	}
	for i, hook := range c.Notifier.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("notifier.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("notifier.webhooks[%d].timeout_seconds must be positive", i)
		}
	}
	if c.Notifier.Retry.Attempts < 0 || c.Notifier.Retry.BackoffMS < 0 {
		return fmt.Errorf("notifier.retry values must be positive")
	}
	return nil
}

// DispatchInterval returns the outbox polling interval.
func (c *Config) DispatchInterval() time.Duration {
	if c.Dispatcher.IntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Dispatcher.IntervalSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "joatu.yml")
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `locales:
  default: en
  available: [en, fr, es]

categories:
  - id: food
    name: Food
    position: 1
  - id: shelter
    name: Shelter
    position: 2
  - id: transport
    name: Transport
    position: 3
  - id: childcare
    name: Childcare
    position: 4
  - id: tools
    name: Tools
    position: 5
  - id: skills
    name: Skills
    position: 6
  - id: tutoring
    name: Tutoring
    position: 1
    parent: skills

rbac:
  default_role: member
  roles:
    member:
      description: "Community member"
      permissions: [exchange.create, agreement.create, link.create]
    manager:
      description: "Exchange platform manager"
      permissions: [exchange.create, exchange.manage, agreement.create, link.create, category.manage, rbac.manage, events.read]

notifier:
  log: true
  retry:
    attempts: 3
    backoff_ms: 200
  webhooks: []

dispatcher:
  interval_seconds: 2
  batch: 100
`
