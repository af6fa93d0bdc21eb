package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StoryloomYAMLConfig represents the complete storyloom.yaml file structure.
// Scalar fields that can meaningfully be set to zero (temperature, retry
// counts, the depth cutoff) are pointers so an absent key falls through to
// the built-in default. Durations are strings parsed with time.ParseDuration.
type StoryloomYAMLConfig struct {
	Session   *SessionYAMLConfig     `yaml:"session"`
	LLM       *LLMYAMLConfig         `yaml:"llm"`
	Vector    *VectorYAMLConfig      `yaml:"vector"`
	Server    *ServerYAMLConfig      `yaml:"server"`
	Storage   *StorageYAMLConfig     `yaml:"storage"`
	Retention *RetentionYAMLConfig   `yaml:"retention"`
	Styles    map[string]StyleConfig `yaml:"styles"`
}

// SessionYAMLConfig holds conversation settings from YAML.
type SessionYAMLConfig struct {
	TTL              string   `yaml:"ttl,omitempty"`
	MinCoreIdeaChars *int     `yaml:"min_core_idea_chars,omitempty"`
	DepthCutoff      *float64 `yaml:"depth_cutoff,omitempty"`
	HookRetries      *int     `yaml:"hook_retries,omitempty"`
	CTARetries       *int     `yaml:"cta_retries,omitempty"`
}

// LLMYAMLConfig holds LLM client settings from YAML.
type LLMYAMLConfig struct {
	Model            string   `yaml:"model,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	Timeout          string   `yaml:"timeout,omitempty"`
	Retries          *int     `yaml:"retries,omitempty"`
	MaxInflight      *int     `yaml:"max_inflight,omitempty"`
	AdmissionTimeout string   `yaml:"admission_timeout,omitempty"`
	BaseURL          string   `yaml:"base_url,omitempty"`
}

// VectorYAMLConfig holds retrieval settings from YAML.
type VectorYAMLConfig struct {
	Backend        VectorBackend `yaml:"backend,omitempty"`
	TopK           *int          `yaml:"top_k,omitempty"`
	EmbeddingModel string        `yaml:"embedding_model,omitempty"`
}

// ServerYAMLConfig holds HTTP server settings from YAML.
type ServerYAMLConfig struct {
	HTTPPort       *int   `yaml:"http_port,omitempty"`
	RequestTimeout string `yaml:"request_timeout,omitempty"`
}

// StorageYAMLConfig holds persistence settings from YAML.
type StorageYAMLConfig struct {
	Backend StorageBackend `yaml:"backend,omitempty"`
}

// RetentionYAMLConfig holds cleanup settings from YAML.
type RetentionYAMLConfig struct {
	SweepInterval     string `yaml:"sweep_interval,omitempty"`
	TerminalRetention string `yaml:"terminal_retention,omitempty"`
	PurgeInterval     string `yaml:"purge_interval,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load storyloom.yaml from configDir (absent file = all defaults)
//  2. Expand environment variables
//  3. Strict-parse YAML into structs
//  4. Resolve each section over its built-in defaults
//  5. Merge built-in + user-defined styles
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"styles", stats.Styles,
		"storage_backend", cfg.Storage.Backend,
		"vector_backend", cfg.Vector.Backend)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	yamlCfg, err := loader.loadStoryloomYAML()
	if err != nil {
		return nil, NewLoadError("storyloom.yaml", err)
	}

	session, err := resolveSessionConfig(yamlCfg.Session)
	if err != nil {
		return nil, err
	}
	llm, err := resolveLLMConfig(yamlCfg.LLM)
	if err != nil {
		return nil, err
	}
	vector := resolveVectorConfig(yamlCfg.Vector)
	server, err := resolveServerConfig(yamlCfg.Server)
	if err != nil {
		return nil, err
	}
	storage := resolveStorageConfig(yamlCfg.Storage)
	retention, err := resolveRetentionConfig(yamlCfg.Retention)
	if err != nil {
		return nil, err
	}

	styles, err := mergeStyles(builtinStyles(), yamlCfg.Styles)
	if err != nil {
		return nil, err
	}

	return &Config{
		configDir: configDir,
		Session:   session,
		LLM:       llm,
		Vector:    vector,
		Server:    server,
		Storage:   storage,
		Retention: retention,
		Styles:    NewStyleRegistry(styles),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

// loadYAML strict-decodes one config file. Unknown keys are errors so a
// typo'd option fails startup instead of silently using a default.
func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: every option has a default.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadStoryloomYAML() (*StoryloomYAMLConfig, error) {
	var config StoryloomYAMLConfig

	// Initialize map to avoid nil map
	config.Styles = make(map[string]StyleConfig)

	if err := l.loadYAML("storyloom.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			// Every option has a default; a missing file is a valid deployment.
			slog.Info("No storyloom.yaml found, using built-in defaults", "config_dir", l.configDir)
			return &config, nil
		}
		return nil, err
	}

	return &config, nil
}

// parseDuration fills into from a human-readable duration string. Empty
// strings keep the default already in into.
func parseDuration(section, field, raw string, into *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return NewValidationError("section", section, field, fmt.Errorf("invalid duration %q: %v", raw, err))
	}
	*into = d
	return nil
}

// resolveSessionConfig resolves session configuration from YAML, applying defaults.
func resolveSessionConfig(y *SessionYAMLConfig) (*SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if y == nil {
		return cfg, nil
	}

	if err := parseDuration("session", "ttl", y.TTL, &cfg.TTL); err != nil {
		return nil, err
	}
	if y.MinCoreIdeaChars != nil {
		cfg.MinCoreIdeaChars = *y.MinCoreIdeaChars
	}
	if y.DepthCutoff != nil {
		cfg.DepthCutoff = *y.DepthCutoff
	}
	if y.HookRetries != nil {
		cfg.HookRetries = *y.HookRetries
	}
	if y.CTARetries != nil {
		cfg.CTARetries = *y.CTARetries
	}
	return cfg, nil
}

// resolveLLMConfig resolves LLM client configuration from YAML, applying defaults.
func resolveLLMConfig(y *LLMYAMLConfig) (*LLMConfig, error) {
	cfg := DefaultLLMConfig()
	if y == nil {
		return cfg, nil
	}

	if y.Model != "" {
		cfg.Model = y.Model
	}
	if y.Temperature != nil {
		cfg.Temperature = *y.Temperature
	}
	if err := parseDuration("llm", "timeout", y.Timeout, &cfg.Timeout); err != nil {
		return nil, err
	}
	if y.Retries != nil {
		cfg.Retries = *y.Retries
	}
	if y.MaxInflight != nil {
		cfg.MaxInflight = *y.MaxInflight
	}
	if err := parseDuration("llm", "admission_timeout", y.AdmissionTimeout, &cfg.AdmissionTimeout); err != nil {
		return nil, err
	}
	if y.BaseURL != "" {
		cfg.BaseURL = y.BaseURL
	}
	return cfg, nil
}

// resolveVectorConfig resolves retrieval configuration from YAML, applying defaults.
func resolveVectorConfig(y *VectorYAMLConfig) *VectorConfig {
	cfg := DefaultVectorConfig()
	if y == nil {
		return cfg
	}

	if y.Backend != "" {
		cfg.Backend = y.Backend
	}
	if y.TopK != nil {
		cfg.TopK = *y.TopK
	}
	if y.EmbeddingModel != "" {
		cfg.EmbeddingModel = y.EmbeddingModel
	}
	return cfg
}

// resolveServerConfig resolves HTTP server configuration from YAML, applying defaults.
func resolveServerConfig(y *ServerYAMLConfig) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if y == nil {
		return cfg, nil
	}

	if y.HTTPPort != nil {
		cfg.HTTPPort = *y.HTTPPort
	}
	if err := parseDuration("server", "request_timeout", y.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveStorageConfig resolves persistence configuration from YAML, applying defaults.
func resolveStorageConfig(y *StorageYAMLConfig) *StorageConfig {
	cfg := DefaultStorageConfig()
	if y == nil {
		return cfg
	}

	if y.Backend != "" {
		cfg.Backend = y.Backend
	}
	return cfg
}

// resolveRetentionConfig resolves cleanup configuration from YAML, applying defaults.
func resolveRetentionConfig(y *RetentionYAMLConfig) (*RetentionConfig, error) {
	cfg := DefaultRetentionConfig()
	if y == nil {
		return cfg, nil
	}

	if err := parseDuration("retention", "sweep_interval", y.SweepInterval, &cfg.SweepInterval); err != nil {
		return nil, err
	}
	if err := parseDuration("retention", "terminal_retention", y.TerminalRetention, &cfg.TerminalRetention); err != nil {
		return nil, err
	}
	if err := parseDuration("retention", "purge_interval", y.PurgeInterval, &cfg.PurgeInterval); err != nil {
		return nil, err
	}
	return cfg, nil
}
