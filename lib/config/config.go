// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// ConfigEnvVar names the environment variable [Load] reads.
const ConfigEnvVar = "CODELOOP_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for codeloop.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths      PathsConfig      `yaml:"paths"`
	Engine     EngineConfig     `yaml:"engine"`
	Compaction CompactionConfig `yaml:"compaction"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Server     ServerConfig     `yaml:"server"`

	// Development, Staging and Production override the base values
	// when Environment matches. Only non-zero fields apply.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides holds the sections an environment may override.
type ConfigOverrides struct {
	Paths      *PathsConfig      `yaml:"paths,omitempty"`
	Engine     *EngineConfig     `yaml:"engine,omitempty"`
	Compaction *CompactionConfig `yaml:"compaction,omitempty"`
	Defaults   *DefaultsConfig   `yaml:"defaults,omitempty"`
	Server     *ServerConfig     `yaml:"server,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for codeloop state.
	Root string `yaml:"root"`

	// StateDB is the SQLite conversation store.
	StateDB string `yaml:"state_db"`

	// AgentsDir holds agent definition markdown files. A missing
	// directory leaves only the built-in agent.
	AgentsDir string `yaml:"agents_dir"`

	// ProvidersFile is the JSONC provider catalog.
	ProvidersFile string `yaml:"providers_file"`

	// EnvFile is an optional .env file consulted for provider
	// credentials.
	EnvFile string `yaml:"env_file"`

	// Workspace is the directory tools operate in.
	Workspace string `yaml:"workspace"`
}

// EngineConfig configures the turn executor.
type EngineConfig struct {
	// MaxToolConcurrency caps tool calls running at once across all
	// turns.
	MaxToolConcurrency int `yaml:"max_tool_concurrency"`

	// CancelGracePeriod is how long a cancelled tool call may run
	// before it is abandoned.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`

	// IdleTimeout fails a turn that makes no progress (no stream
	// event, no tool completion) for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxSteps bounds provider calls per turn.
	MaxSteps int `yaml:"max_steps"`

	// MaxOutputTokens is requested from the provider on every call.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures provider retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CompactionConfig configures history compaction.
type CompactionConfig struct {
	// Strategy is "truncate" or "summarize".
	Strategy string `yaml:"strategy"`

	// ProtectedGroups is the number of leading turn groups never
	// evicted.
	ProtectedGroups int `yaml:"protected_groups"`

	// OverheadTokens reserves room for the system prompt and tool
	// schemas. Zero uses the compactor's default.
	OverheadTokens int `yaml:"overhead_tokens"`

	// SummaryModel is the model used by the summarize strategy. Empty
	// means the turn's own model.
	SummaryModel string `yaml:"summary_model"`
}

// DefaultsConfig selects what a new session starts with.
type DefaultsConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Agent    string `yaml:"agent"`
}

// ServerConfig configures the protocol server.
type ServerConfig struct {
	SocketPath string `yaml:"socket_path"`

	// Framing is "json" (line-delimited) or "cbor" (CBOR sequence).
	Framing string `yaml:"framing"`
}

// Default returns the configuration every file is decoded over.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".cache", "codeloop")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:          root,
			StateDB:       "${CODELOOP_ROOT}/state.db",
			AgentsDir:     "${CODELOOP_ROOT}/agents",
			ProvidersFile: "${CODELOOP_ROOT}/providers.jsonc",
			Workspace:     ".",
		},
		Engine: EngineConfig{
			MaxToolConcurrency: 4,
			CancelGracePeriod:  2 * time.Second,
			IdleTimeout:        90 * time.Second,
			MaxSteps:           50,
			MaxOutputTokens:    8192,
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
		Compaction: CompactionConfig{
			Strategy:        "truncate",
			ProtectedGroups: 1,
		},
		Defaults: DefaultsConfig{
			Agent: "coder",
		},
		Server: ServerConfig{
			SocketPath: "${CODELOOP_ROOT}/codeloop.sock",
			Framing:    "json",
		},
	}
}

// Load loads configuration from the file named by CODELOOP_CONFIG.
// There is no discovery: if the variable is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your codeloop.yaml, or use --config", ConfigEnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads, overrides, expands, and validates the configuration
// at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is LoadFile on bytes already in memory.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides merges the section matching Environment
// over the base values. Zero-valued override fields keep the base
// value, so a section only needs the keys it changes.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		override(&c.Paths.Root, paths.Root)
		override(&c.Paths.StateDB, paths.StateDB)
		override(&c.Paths.AgentsDir, paths.AgentsDir)
		override(&c.Paths.ProvidersFile, paths.ProvidersFile)
		override(&c.Paths.EnvFile, paths.EnvFile)
		override(&c.Paths.Workspace, paths.Workspace)
	}

	if engine := overrides.Engine; engine != nil {
		override(&c.Engine.MaxToolConcurrency, engine.MaxToolConcurrency)
		override(&c.Engine.CancelGracePeriod, engine.CancelGracePeriod)
		override(&c.Engine.IdleTimeout, engine.IdleTimeout)
		override(&c.Engine.MaxSteps, engine.MaxSteps)
		override(&c.Engine.MaxOutputTokens, engine.MaxOutputTokens)
		override(&c.Engine.Retry.MaxAttempts, engine.Retry.MaxAttempts)
		override(&c.Engine.Retry.BaseDelay, engine.Retry.BaseDelay)
		override(&c.Engine.Retry.MaxDelay, engine.Retry.MaxDelay)
	}

	if compaction := overrides.Compaction; compaction != nil {
		override(&c.Compaction.Strategy, compaction.Strategy)
		override(&c.Compaction.ProtectedGroups, compaction.ProtectedGroups)
		override(&c.Compaction.OverheadTokens, compaction.OverheadTokens)
		override(&c.Compaction.SummaryModel, compaction.SummaryModel)
	}

	if defaults := overrides.Defaults; defaults != nil {
		override(&c.Defaults.Provider, defaults.Provider)
		override(&c.Defaults.Model, defaults.Model)
		override(&c.Defaults.Agent, defaults.Agent)
	}

	if server := overrides.Server; server != nil {
		override(&c.Server.SocketPath, server.SocketPath)
		override(&c.Server.Framing, server.Framing)
	}
}

// override replaces *target with value unless value is zero.
func override[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// CODELOOP_ROOT refers to Paths.Root.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CODELOOP_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CODELOOP_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.StateDB,
		&c.Paths.AgentsDir,
		&c.Paths.ProvidersFile,
		&c.Paths.EnvFile,
		&c.Paths.Workspace,
		&c.Server.SocketPath,
	} {
		*field = expandVars(*field, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Environment, validation.Required, validation.In(Development, Staging, Production)),
		validation.Field(&c.Paths),
		validation.Field(&c.Engine),
		validation.Field(&c.Compaction),
		validation.Field(&c.Server),
	)
}

// Validate implements validation.Validatable.
func (p PathsConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Root, validation.Required),
		validation.Field(&p.StateDB, validation.Required),
		validation.Field(&p.ProvidersFile, validation.Required),
		validation.Field(&p.Workspace, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (e EngineConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.MaxToolConcurrency, validation.Required, validation.Min(1)),
		validation.Field(&e.CancelGracePeriod, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&e.IdleTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&e.MaxSteps, validation.Required, validation.Min(1)),
		validation.Field(&e.MaxOutputTokens, validation.Required, validation.Min(1)),
		validation.Field(&e.Retry),
	)
}

// Validate implements validation.Validatable.
func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxAttempts, validation.Required, validation.Min(1), validation.Max(20)),
		validation.Field(&r.BaseDelay, validation.Required),
		validation.Field(&r.MaxDelay, validation.Required, validation.Min(r.BaseDelay)),
	)
}

// Validate implements validation.Validatable.
func (c CompactionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Strategy, validation.Required, validation.In("truncate", "summarize")),
		validation.Field(&c.ProtectedGroups, validation.Min(0)),
		validation.Field(&c.OverheadTokens, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Framing, validation.Required, validation.In("json", "cbor")),
	)
}

// EnsurePaths creates the state directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, filepath.Dir(c.Paths.StateDB), filepath.Dir(c.Server.SocketPath)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}
