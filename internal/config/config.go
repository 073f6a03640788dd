package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models taxline.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Providers struct {
		ESign struct {
			// Secret is the shared HMAC secret for the e-signature
			// provider's webhook deliveries.
			Secret string `yaml:"secret"`
			// BaseURL and APIKey configure deliverable downloads from
			// the provider's REST API.
			BaseURL string `yaml:"base_url"`
			APIKey  string `yaml:"api_key"`
		} `yaml:"esign"`
		Payment struct {
			Secret           string `yaml:"secret"`
			ToleranceSeconds int    `yaml:"tolerance_seconds"`
		} `yaml:"payment"`
	} `yaml:"providers"`
	Auth struct {
		// JWTSecret verifies bearer tokens on the API. Leave empty to
		// fall back to the legacy X-Actor-Id header, local use only.
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Storage struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"storage"`
	Review struct {
		// StrategyNameHint is the name-substring fallback used to find
		// the strategy document when the pointer field is unset.
		StrategyNameHint string `yaml:"strategy_name_hint"`
	} `yaml:"review"`
	Todos struct {
		// Defaults are the todo labels seeded onto every new agreement.
		Defaults []string `yaml:"defaults"`
	} `yaml:"todos"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Providers.Payment.ToleranceSeconds < 0 {
		return fmt.Errorf("config.providers.payment.tolerance_seconds must be >= 0")
	}
	if c.Review.StrategyNameHint == "" {
		return fmt.Errorf("config.review.strategy_name_hint is required")
	}
	for _, label := range c.Todos.Defaults {
		if label == "" {
			return fmt.Errorf("config.todos.defaults contains an empty label")
		}
	}
	if c.Storage.TimeoutSeconds < 0 {
		return fmt.Errorf("config.storage.timeout_seconds must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taxline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `service:
  name: taxline

providers:
  esign:
    secret: ""
    base_url: ""
    api_key: ""
  payment:
    secret: ""
    tolerance_seconds: 300

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

storage:
  base_url: ""
  timeout_seconds: 10

review:
  strategy_name_hint: strategy

todos:
  defaults:
    - upload tax documents
    - pay
`
