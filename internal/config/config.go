package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models bountyboard.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"server"`
	Payments struct {
		Currency      string `yaml:"currency"`
		APIBase       string `yaml:"api_base"`
		SecretKey     string `yaml:"secret_key"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"payments"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

const fileName = "bountyboard.yml"

// Path returns the config file path inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Default returns a config suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v1"
	cfg.Server.BaseURL = "http://127.0.0.1:8080"
	cfg.Payments.Currency = "php"
	cfg.Payments.APIBase = "https://api.stripe.com"
	return cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file is absent. Environment overrides are applied afterwards.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets come from the environment rather than the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BOUNTYBOARD_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("BOUNTYBOARD_PAYMENTS_SECRET_KEY"); v != "" {
		c.Payments.SecretKey = v
	}
	if v := os.Getenv("BOUNTYBOARD_PAYMENTS_WEBHOOK_SECRET"); v != "" {
		c.Payments.WebhookSecret = v
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config.server.base_url is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Payments.Currency == "" {
		return fmt.Errorf("config.payments.currency is required")
	}
	if len(c.Payments.Currency) != 3 {
		return fmt.Errorf("config.payments.currency must be a 3-letter ISO code")
	}
	if c.Payments.APIBase == "" {
		return fmt.Errorf("config.payments.api_base is required")
	}
	return nil
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
