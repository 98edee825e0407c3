package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"schema_reconciler/internal/retry"
	"schema_reconciler/internal/secret"
)

// ErrTargetNotFound is returned by Target for unknown names.
var ErrTargetNotFound = errors.New("target not found")

// Config holds reconciler settings. Values come from a YAML file; environment
// variables override them. The secret key only comes from the environment.
type Config struct {
	LogLevel    string        `yaml:"log_level" env:"RECONCILER_LOG_LEVEL" env-default:"info"`
	LogFormat   string        `yaml:"log_format" env:"RECONCILER_LOG_FORMAT" env-default:"json"`
	HTTPAddress string        `yaml:"http_addr" env:"RECONCILER_HTTP_ADDR" env-default:":8080"`
	Expectation string        `yaml:"expectation" env:"RECONCILER_EXPECTATION"`
	OutputDir   string        `yaml:"output_dir" env:"RECONCILER_OUTPUT_DIR" env-default:"./runs"`
	RunTimeout  time.Duration `yaml:"run_timeout" env:"RECONCILER_RUN_TIMEOUT"`

	Retry   RetryConfig    `yaml:"retry"`
	Targets []TargetConfig `yaml:"targets"`

	// EnvTarget lets a single target be configured without a file.
	EnvTarget EnvTarget `yaml:"-"`

	// APIToken guards the reconcile endpoint of the HTTP API when set.
	APIToken string `yaml:"-" env:"RECONCILER_API_TOKEN"`

	SecretKey      string `yaml:"-" env:"RECONCILER_SECRET_KEY"`
	SecretKeyBytes []byte `yaml:"-"`
}

// RetryConfig controls retries of transient remote failures.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"RECONCILER_RETRY_MAX" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"RECONCILER_RETRY_INITIAL_DELAY" env-default:"200ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RECONCILER_RETRY_MAX_DELAY" env-default:"3s"`
}

// TargetConfig describes one database to reconcile.
type TargetConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	// DSN is used by postgres, mysql and sqlite targets.
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
	// URL and ServiceKey are used by postgrest targets.
	URL           string `yaml:"url"`
	ServiceKey    string `yaml:"service_key"`
	ServiceKeyEnv string `yaml:"service_key_env"`
	Schema        string `yaml:"schema"`
	// Channels lists execution entry points in trial order, "name" or
	// "name:argument".
	Channels []string      `yaml:"channels"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EnvTarget is the environment-only form of a target.
type EnvTarget struct {
	Provider   string `env:"RECONCILER_PROVIDER"`
	DSN        string `env:"RECONCILER_DSN"`
	URL        string `env:"RECONCILER_URL"`
	ServiceKey string `env:"RECONCILER_SERVICE_KEY"`
	Schema     string `env:"RECONCILER_SCHEMA"`
	Channels   string `env:"RECONCILER_CHANNELS"`
}

// Load reads path (when it exists) with environment overrides. Without a
// file the environment alone must describe a target.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		} else if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if cfg.SecretKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
		if err != nil {
			return nil, errors.New("RECONCILER_SECRET_KEY must be base64")
		}
		cfg.SecretKeyBytes = keyBytes
	}

	if cfg.EnvTarget.Provider != "" {
		cfg.Targets = append(cfg.Targets, TargetConfig{
			Name:       "env",
			Provider:   cfg.EnvTarget.Provider,
			DSN:        cfg.EnvTarget.DSN,
			URL:        cfg.EnvTarget.URL,
			ServiceKey: cfg.EnvTarget.ServiceKey,
			Schema:     cfg.EnvTarget.Schema,
			Channels:   splitAndTrim(cfg.EnvTarget.Channels),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every target is usable.
func (c *Config) Validate() error {
	if c.SecretKey != "" && len(c.SecretKeyBytes) < 32 {
		return errors.New("RECONCILER_SECRET_KEY must decode to at least 32 bytes")
	}
	if len(c.Targets) == 0 {
		return errors.New("no targets configured")
	}
	if c.RunTimeout < 0 {
		return errors.New("run_timeout must not be negative")
	}
	seen := map[string]bool{}
	for i, t := range c.Targets {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("target #%d has no name", i+1)
		}
		if seen[t.Name] {
			return fmt.Errorf("target %s declared twice", t.Name)
		}
		seen[t.Name] = true
		switch strings.ToLower(t.Provider) {
		case "postgres", "mysql", "sqlite":
			if t.DSN == "" && t.DSNEnv == "" {
				return fmt.Errorf("target %s: dsn or dsn_env is required", t.Name)
			}
		case "postgrest":
			if t.URL == "" {
				return fmt.Errorf("target %s: url is required", t.Name)
			}
		default:
			return fmt.Errorf("target %s: unsupported provider %q", t.Name, t.Provider)
		}
		if (secret.IsEncrypted(t.DSN) || secret.IsEncrypted(t.ServiceKey)) && len(c.SecretKeyBytes) == 0 {
			return fmt.Errorf("target %s: encrypted values require RECONCILER_SECRET_KEY", t.Name)
		}
	}
	return nil
}

// Target returns the named target with credentials resolved. An empty name
// selects the first target.
func (c *Config) Target(name string) (TargetConfig, error) {
	if len(c.Targets) == 0 {
		return TargetConfig{}, ErrTargetNotFound
	}
	if name == "" {
		return c.Targets[0].Resolve(c.SecretKeyBytes)
	}
	for _, t := range c.Targets {
		if t.Name == name {
			return t.Resolve(c.SecretKeyBytes)
		}
	}
	return TargetConfig{}, fmt.Errorf("%w: %s", ErrTargetNotFound, name)
}

// TargetNames lists configured targets in file order.
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		names = append(names, t.Name)
	}
	return names
}

// Resolve reads *_env indirections and decrypts enc: values.
func (t TargetConfig) Resolve(key []byte) (TargetConfig, error) {
	out := t
	if out.DSNEnv != "" {
		if v := os.Getenv(out.DSNEnv); v != "" {
			out.DSN = v
		}
	}
	if out.ServiceKeyEnv != "" {
		if v := os.Getenv(out.ServiceKeyEnv); v != "" {
			out.ServiceKey = v
		}
	}
	var err error
	if out.DSN, err = secret.Reveal(key, out.DSN); err != nil {
		return TargetConfig{}, fmt.Errorf("target %s dsn: %w", t.Name, err)
	}
	if out.ServiceKey, err = secret.Reveal(key, out.ServiceKey); err != nil {
		return TargetConfig{}, fmt.Errorf("target %s service key: %w", t.Name, err)
	}
	return out, nil
}

// Policy converts the retry settings.
func (r RetryConfig) Policy() *retry.Config {
	p := retry.DefaultConfig()
	p.MaxRetries = r.MaxRetries
	if r.InitialDelay > 0 {
		p.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	return p
}

// Sample is the starter file written by init-config.
func Sample(outputDir string) string {
	return fmt.Sprintf(`log_level: info
output_dir: %s
# expectation: ./expectation.yaml   # omit to use the embedded business schema
# run_timeout: 2m
retry:
  max_retries: 3
  initial_delay: 200ms
  max_delay: 3s
targets:
  - name: hosted
    provider: postgrest
    url: https://project.example.co/rest/v1
    service_key_env: RECONCILER_SERVICE_KEY
    channels:
      - exec_sql:sql
      - execute_sql:query
      - run_sql:sql
  - name: direct
    provider: postgres
    dsn_env: DATABASE_URL
    schema: public
    channels:
      - exec_sql
      - direct
`, outputDir)
}

func splitAndTrim(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
