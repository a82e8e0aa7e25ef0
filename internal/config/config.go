package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/org/templatetrust/pkg/models"
	"gopkg.in/yaml.v3"
)

// DefaultOutcome is applied when a decision prompt times out, is cancelled,
// or cannot be shown at all.
type DefaultOutcome string

const (
	DefaultBlock          DefaultOutcome = "block"
	DefaultTemporaryTrust DefaultOutcome = "temporary-trust"
)

// KeySource selects how the store encryption key is obtained.
type KeySource string

const (
	KeySourceMachine    KeySource = "machine"
	KeySourcePassphrase KeySource = "passphrase"
)

// Config is the plain configuration object every component consumes.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Store    StoreConfig    `yaml:"store"`
	Decision DecisionConfig `yaml:"decision"`
	Trust    TrustConfig    `yaml:"trust"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Audit    AuditConfig    `yaml:"audit"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type StoreConfig struct {
	Path        string        `yaml:"path"`
	MaxBytes    int64         `yaml:"max_bytes"`
	MaxBackups  int           `yaml:"max_backups"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	Encrypt     bool          `yaml:"encrypt"`
	KeySource   KeySource     `yaml:"key_source"`
	// Passphrase is normally supplied through TEMPLATETRUST_PASSPHRASE.
	Passphrase string `yaml:"-"`
}

type DecisionConfig struct {
	Interactive         bool           `yaml:"interactive"`
	Timeout             time.Duration  `yaml:"timeout"`
	DefaultOnTimeout    DefaultOutcome `yaml:"default_on_timeout"`
	DefaultOnCancel     DefaultOutcome `yaml:"default_on_cancel"`
	PersistDefaultBlock bool           `yaml:"persist_default_block"`
}

type TrustConfig struct {
	AutoTrustLocal bool     `yaml:"auto_trust_local"`
	AllowList      []string `yaml:"allow_list"`
}

type SandboxConfig struct {
	Enabled               bool                  `yaml:"enabled"`
	Force                 bool                  `yaml:"force"`
	Limits                models.ResourceLimits `yaml:"limits"`
	EnvAllowList          []string              `yaml:"env_allow_list"`
	ReadOnlyPaths         []string              `yaml:"read_only_paths"`
	AllowedCommands       []string              `yaml:"allowed_commands"`
	DeniedCommandPatterns []string              `yaml:"denied_command_patterns"`
	AllowedHosts          []string              `yaml:"allowed_hosts"`
}

type AuditConfig struct {
	MaxEntries  int    `yaml:"max_entries"`
	PostgresURL string `yaml:"postgres_url"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	APIToken    string `yaml:"api_token"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Dir returns the directory holding configuration and the default store.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".templatetrust"
	}
	return filepath.Join(home, ".templatetrust")
}

// Path returns the config file location, honouring TEMPLATETRUST_CONFIG.
func Path() string {
	if v := os.Getenv("TEMPLATETRUST_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "warn",
		Store: StoreConfig{
			Path:        filepath.Join(Dir(), "trust-store.json"),
			MaxBytes:    10 << 20,
			MaxBackups:  3,
			LockTimeout: 5 * time.Second,
			KeySource:   KeySourceMachine,
		},
		Decision: DecisionConfig{
			Interactive:      true,
			Timeout:          2 * time.Minute,
			DefaultOnTimeout: DefaultBlock,
			DefaultOnCancel:  DefaultBlock,
		},
		Trust: TrustConfig{
			AutoTrustLocal: true,
		},
		Sandbox: SandboxConfig{
			Enabled:      true,
			Limits:       models.DefaultResourceLimits,
			EnvAllowList: []string{"PATH", "HOME", "LANG", "LC_ALL", "TERM", "TMPDIR", "NODE_ENV"},
			AllowedCommands: []string{
				"npm", "npx", "yarn", "pnpm", "node", "git", "go", "python", "python3",
				"pip", "make", "echo", "mkdir", "cp", "mv", "touch", "cat", "ls", "sh", "true",
			},
			DeniedCommandPatterns: []string{
				`\brm\s+-[a-z]*r[a-z]*f?\s+(/|~|\$HOME)(\s|$)`,
				`\bmkfs(\.\w+)?\b`,
				`\bdd\s+if=`,
				`:\(\)\s*\{\s*:\|:&\s*\};:`,
				`\b(curl|wget)\b[^|]*\|\s*(ba|z)?sh\b`,
				`\bchmod\s+-R\s+777\s+/`,
				`\bsudo\b`,
			},
		},
		Audit: AuditConfig{
			MaxEntries: 10000,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8471",
		},
	}
}

// Load reads the config file at path (missing file means defaults) and
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.Sandbox.Limits = cfg.Sandbox.Limits.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TEMPLATETRUST_STORE"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TEMPLATETRUST_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TEMPLATETRUST_PASSPHRASE"); v != "" {
		c.Store.Passphrase = v
	}
	if b, ok := envBool("TEMPLATETRUST_ENCRYPT"); ok {
		c.Store.Encrypt = b
	}
	if b, ok := envBool("TEMPLATETRUST_NON_INTERACTIVE"); ok {
		c.Decision.Interactive = !b
	}
	if b, ok := envBool("CI"); ok && b {
		c.Decision.Interactive = false
	}
	if v := os.Getenv("TEMPLATETRUST_API_TOKEN"); v != "" {
		c.Server.APIToken = v
	}
	if v := os.Getenv("TEMPLATETRUST_AUDIT_POSTGRES_URL"); v != "" {
		c.Audit.PostgresURL = v
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate rejects settings the components cannot honour.
func (c *Config) Validate() error {
	var problems []string
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if c.Store.MaxBytes <= 0 {
		problems = append(problems, "store.max_bytes must be positive")
	}
	for _, d := range []struct {
		name  string
		value DefaultOutcome
	}{
		{"decision.default_on_timeout", c.Decision.DefaultOnTimeout},
		{"decision.default_on_cancel", c.Decision.DefaultOnCancel},
	} {
		if d.value != DefaultBlock && d.value != DefaultTemporaryTrust {
			problems = append(problems, fmt.Sprintf("%s must be %q or %q", d.name, DefaultBlock, DefaultTemporaryTrust))
		}
	}
	if c.Store.Encrypt && c.Store.KeySource != KeySourceMachine && c.Store.KeySource != KeySourcePassphrase {
		problems = append(problems, fmt.Sprintf("store.key_source %q is not supported", c.Store.KeySource))
	}
	for _, id := range c.Trust.AllowList {
		if _, err := models.NormalizeCreatorID(id); err != nil && !strings.ContainsAny(id, "*?") {
			problems = append(problems, fmt.Sprintf("trust.allow_list: %v", err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
